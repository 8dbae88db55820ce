package records

import (
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
)

// resolveChange applies last-writer-wins by client change time. Ties accept the
// incoming change so a re-sent edit is never lost.
func resolveChange(existing *Row, userID string, change incomingChange, appliedAt time.Time) (ConflictOutcome, error) {
	stored := Row{
		Table:   change.table,
		RowKey:  change.rowKey,
		OwnerID: userID,
	}
	if existing != nil {
		stored = *existing
	}

	if existing != nil {
		incomingAt, err := parseChangedAt(change.changedAt)
		if err != nil {
			return ConflictOutcome{}, err
		}
		storedAt, err := parseChangedAt(stored.ChangedAt)
		if err != nil {
			return ConflictOutcome{}, err
		}
		if incomingAt.Before(storedAt) {
			copyStored := stored
			return ConflictOutcome{Accepted: false, UpdatedRow: &copyStored}, nil
		}
	}

	updated := stored
	updated.ChangedAt = change.changedAt
	updated.LastWriterDevice = change.device
	if change.operation == remote.OperationDelete {
		updated.IsDeleted = true
		if change.payload == "" && updated.PayloadJSON == "" {
			updated.PayloadJSON = "{}"
		}
	} else {
		updated.IsDeleted = false
		updated.PayloadJSON = change.payload
	}

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	audit := &RowChange{
		ClientChangeID:   change.changeID,
		UserID:           userID,
		Table:            change.table,
		RowKey:           change.rowKey,
		Operation:        change.operation,
		ClientDevice:     change.device,
		ClientChangedAt:  change.changedAt,
		AppliedAtSeconds: appliedAt.Unix(),
		PayloadJSON:      updated.PayloadJSON,
		NewVersion:       pointerTo(updated.Version),
	}
	if existing != nil && stored.Version > 0 {
		audit.PreviousVersion = pointerTo(stored.Version)
	}

	return ConflictOutcome{Accepted: true, UpdatedRow: &updated, AuditRecord: audit}, nil
}

func parseChangedAt(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
