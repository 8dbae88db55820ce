package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/MarcoPoloResearchLab/tunesync/internal/rowstore"
	"go.uber.org/zap"
)

// PushResult summarizes one push round.
type PushResult struct {
	// Attempted counts outbox entries handed to this round.
	Attempted int
	Synced    int
	Failed    int
}

// rowGroup is the set of outbox entries for one row within a batch.
type rowGroup struct {
	table   *registry.Table
	rowID   string
	entries []outbox.Entry
}

func (g *rowGroup) ids() []string {
	ids := make([]string, 0, len(g.entries))
	for _, entry := range g.entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

func (g *rowGroup) latest() outbox.Entry {
	return g.entries[len(g.entries)-1]
}

// PushPending delivers up to batchSize deliverable outbox entries. Entries for
// the same row are coalesced into one change carrying the row's current state.
// Transport failures and remote rejections are recorded on the entries and
// retried by later rounds; data-integrity failures are recorded, excluded from
// retry and returned.
func (e *Engine) PushPending(ctx context.Context, batchSize int) (PushResult, error) {
	if err := ctx.Err(); err != nil {
		return PushResult{}, err
	}
	if _, err := e.bindPrincipal(ctx, opPush); err != nil {
		return PushResult{}, err
	}

	entries, err := outbox.FetchDeliverable(ctx, e.db, batchSize, e.policy)
	if err != nil {
		e.logError(opPush, "outbox_fetch_failed", err)
		return PushResult{}, newServiceError(opPush, "outbox_fetch_failed", err)
	}
	if len(entries) == 0 {
		return PushResult{}, nil
	}

	groups, err := e.groupEntries(entries)
	if err != nil {
		return PushResult{}, err
	}

	result := PushResult{Attempted: len(entries)}
	bookkeeping := context.WithoutCancel(ctx)
	changes := make([]remote.Change, 0, len(groups))
	sent := make(map[string]*rowGroup, len(groups))
	var integrityErrs []error

	for _, group := range groups {
		change, err := e.buildChange(ctx, group)
		if err != nil {
			if ctx.Err() != nil {
				return PushResult{}, ctx.Err()
			}
			if !isIntegrityError(err) {
				e.logError(opPush, "row_read_failed", err, zap.String("table", group.table.Name()))
				return PushResult{}, newServiceError(opPush, "row_read_failed", err)
			}
			e.logError(opPush, "integrity_failed", err,
				zap.String("table", group.table.Name()),
				zap.String("row_id", group.rowID))
			if markErr := outbox.MarkIntegrityFailed(bookkeeping, e.db, group.ids(), err.Error()); markErr != nil {
				return result, newServiceError(opPush, "outbox_update_failed", markErr)
			}
			result.Failed += len(group.entries)
			integrityErrs = append(integrityErrs, newServiceError(opPush, "integrity_failed", err))
			continue
		}
		changes = append(changes, change)
		sent[change.ChangeID] = group
	}

	if len(changes) == 0 {
		return result, errors.Join(integrityErrs...)
	}

	response, err := e.remote.Push(ctx, changes)
	if err != nil {
		if ctx.Err() != nil {
			// Nothing was acknowledged; the entries stay as they were.
			return result, ctx.Err()
		}
		reason := "transport_failed"
		label := "transport: "
		if errors.Is(err, remote.ErrRejected) {
			reason = "batch_rejected"
			label = "rejected: "
		}
		e.logError(opPush, reason, err, zap.Int("changes", len(changes)))
		ids := make([]string, 0, len(entries))
		for _, group := range sent {
			ids = append(ids, group.ids()...)
		}
		if markErr := outbox.MarkFailed(bookkeeping, e.db, ids, label+err.Error()); markErr != nil {
			return result, newServiceError(opPush, "outbox_update_failed", markErr)
		}
		result.Failed += len(ids)
		return result, errors.Join(append(integrityErrs, newServiceError(opPush, reason, err))...)
	}

	results := make(map[string]remote.ChangeResult, len(response.Results))
	for _, changeResult := range response.Results {
		results[changeResult.ChangeID] = changeResult
	}

	syncedAt := e.clock()
	var syncedIDs []string
	for _, change := range changes {
		group := sent[change.ChangeID]
		changeResult, ok := results[change.ChangeID]
		if ok && changeResult.Status.Delivered() {
			syncedIDs = append(syncedIDs, group.ids()...)
			result.Synced += len(group.entries)
			continue
		}

		reason := errMissingResult.Error()
		if ok {
			reason = fmt.Sprintf("rejected: %s", changeResult.Status)
			if changeResult.Message != "" {
				reason += ": " + changeResult.Message
			}
		}
		e.logger.Warn("change rejected by remote",
			zap.String("table", group.table.Name()),
			zap.String("row_id", group.rowID),
			zap.String("reason", reason))
		if err := outbox.MarkFailed(bookkeeping, e.db, group.ids(), reason); err != nil {
			return result, newServiceError(opPush, "outbox_update_failed", err)
		}
		result.Failed += len(group.entries)
	}
	if err := outbox.MarkSynced(bookkeeping, e.db, syncedIDs, syncedAt); err != nil {
		return result, newServiceError(opPush, "outbox_update_failed", err)
	}

	return result, errors.Join(integrityErrs...)
}

// groupEntries validates table names and coalesces entries per row, in first-seen order.
func (e *Engine) groupEntries(entries []outbox.Entry) ([]*rowGroup, error) {
	groups := make([]*rowGroup, 0, len(entries))
	byRow := make(map[string]*rowGroup, len(entries))
	for _, entry := range entries {
		table, err := e.registry.Lookup(entry.Table)
		if err != nil {
			e.logError(opPush, "unregistered_table", err, zap.String("entry_id", entry.ID))
			return nil, newServiceError(opPush, "unregistered_table", err)
		}
		rowKey := entry.Table + "\x00" + entry.RowID
		group, ok := byRow[rowKey]
		if !ok {
			group = &rowGroup{table: table, rowID: entry.RowID}
			byRow[rowKey] = group
			groups = append(groups, group)
		}
		group.entries = append(group.entries, entry)
	}
	return groups, nil
}

// buildChange serializes the row's current state, or a deletion notice when the row is gone.
func (e *Engine) buildChange(ctx context.Context, group *rowGroup) (remote.Change, error) {
	latest := group.latest()
	key, err := group.table.ParseStoredKey(group.rowID)
	if err != nil {
		return remote.Change{}, integrityError{err: err}
	}
	change := remote.Change{
		ChangeID:  latest.ID,
		Table:     group.table.Name(),
		RowID:     key.Wire(),
		ChangedAt: latest.ChangedAt,
	}

	row, found, err := rowstore.Read(ctx, e.db, key)
	if err != nil {
		return remote.Change{}, err
	}
	if !found {
		change.Operation = remote.OperationDelete
		return change, nil
	}

	if err := resolveLegacyReferences(group.table, row); err != nil {
		return remote.Change{}, integrityError{err: err}
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return remote.Change{}, integrityError{err: err}
	}
	change.Operation = remote.OperationUpsert
	change.Row = payload
	return change, nil
}

type integrityError struct {
	err error
}

func (e integrityError) Error() string {
	return e.err.Error()
}

func (e integrityError) Unwrap() error {
	return e.err
}

func isIntegrityError(err error) bool {
	var target integrityError
	return errors.As(err, &target)
}
