package syncer

import (
	"context"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/MarcoPoloResearchLab/tunesync/internal/rowstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PullResult summarizes one pull round.
type PullResult struct {
	// Checkpoint is the server sequence the local store is now current to.
	Checkpoint int64
	Upserted   int
	Deleted    int
}

type pulledRow struct {
	key     registry.Key
	row     map[string]any
	deleted bool
}

type pulledTable struct {
	table *registry.Table
	rows  []pulledRow
}

// Pull runs PullSince from the stored checkpoint.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	state, err := outbox.LoadState(ctx, e.db)
	if err != nil {
		e.logError(opPull, "state_load_failed", err)
		return PullResult{}, newServiceError(opPull, "state_load_failed", err)
	}
	return e.PullSince(ctx, state.ServerSeq)
}

// PullSince fetches every registered table's remote changes after checkpoint and
// applies them in one local transaction with capture suppressed. The checkpoint
// advances in the same transaction, so a failed round leaves it unchanged.
// When a different principal has signed in since the last pull, the round
// starts from zero regardless of checkpoint.
func (e *Engine) PullSince(ctx context.Context, checkpoint int64) (PullResult, error) {
	reset, err := e.bindPrincipal(ctx, opPull)
	if err != nil {
		return PullResult{Checkpoint: checkpoint}, err
	}
	if reset {
		checkpoint = 0
	}

	watermark, err := e.remote.Watermark(ctx)
	if err != nil {
		e.logError(opPull, "watermark_failed", err)
		return PullResult{Checkpoint: checkpoint}, newServiceError(opPull, "watermark_failed", err)
	}
	if watermark <= checkpoint {
		return PullResult{Checkpoint: checkpoint}, nil
	}

	fetched := make([]pulledTable, 0, len(e.registry.Tables()))
	for _, table := range e.registry.Tables() {
		rows, err := e.fetchTable(ctx, table, checkpoint, watermark)
		if err != nil {
			return PullResult{Checkpoint: checkpoint}, err
		}
		fetched = append(fetched, pulledTable{table: table, rows: rows})
	}

	result := PullResult{Checkpoint: checkpoint}
	applyErr := outbox.WithSuppressed(ctx, e.db, func(tx *gorm.DB) error {
		for _, pulled := range fetched {
			for _, row := range pulled.rows {
				if row.deleted {
					if err := rowstore.Delete(ctx, tx, row.key); err != nil {
						return err
					}
					result.Deleted++
					continue
				}
				if err := rowstore.Upsert(ctx, tx, pulled.table, row.row); err != nil {
					return err
				}
				result.Upserted++
			}
		}
		return outbox.SaveCheckpoint(ctx, tx, watermark, e.clock())
	})
	if applyErr != nil {
		e.logError(opPull, "apply_failed", applyErr, zap.Int64("checkpoint", checkpoint))
		return PullResult{Checkpoint: checkpoint}, newServiceError(opPull, "apply_failed", applyErr)
	}

	result.Checkpoint = watermark
	e.logger.Debug("pull applied",
		zap.Int64("checkpoint", watermark),
		zap.Int("upserted", result.Upserted),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

// fetchTable pages through one table's changes and decodes them before any local write.
func (e *Engine) fetchTable(ctx context.Context, table *registry.Table, since, until int64) ([]pulledRow, error) {
	var rows []pulledRow
	cursor := since
	for {
		response, err := e.remote.FetchChanges(ctx, remote.ChangesQuery{
			Table: table.Name(),
			Since: cursor,
			Until: until,
			Limit: e.pageSize,
		})
		if err != nil {
			e.logError(opPull, "fetch_failed", err, zap.String("table", table.Name()))
			return nil, newServiceError(opPull, "fetch_failed", err)
		}
		for _, remoteRow := range response.Rows {
			decoded, err := decodeRemoteRow(table, remoteRow)
			if err != nil {
				reason := "decode_failed"
				if isIntegrityError(err) {
					reason = "integrity_failed"
				}
				e.logError(opPull, reason, err, zap.String("table", table.Name()))
				return nil, newServiceError(opPull, reason, err)
			}
			rows = append(rows, decoded)
			if remoteRow.ServerSeq > cursor {
				cursor = remoteRow.ServerSeq
			}
		}
		if !response.HasMore || len(response.Rows) == 0 {
			return rows, nil
		}
	}
}

func decodeRemoteRow(table *registry.Table, remoteRow remote.RemoteRow) (pulledRow, error) {
	key, err := table.ParseWireKey(remoteRow.RowID)
	if err != nil {
		return pulledRow{}, err
	}
	if remoteRow.Deleted {
		return pulledRow{key: key, deleted: true}, nil
	}
	row, err := registry.DecodeRow(remoteRow.Row)
	if err != nil {
		return pulledRow{}, err
	}
	for column, value := range key.Conditions() {
		row[column] = value
	}
	if err := resolveLegacyReferences(table, row); err != nil {
		return pulledRow{}, integrityError{err: err}
	}
	return pulledRow{key: key, row: row}, nil
}
