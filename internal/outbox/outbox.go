package outbox

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Operation is the kind of row mutation that produced an entry.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Status is the delivery state of an entry.
type Status string

const (
	// StatusPending marks an entry no delivery has been attempted for.
	StatusPending Status = "pending"
	// StatusSynced is terminal: the remote store acknowledged the change.
	StatusSynced Status = "synced"
	// StatusFailed marks an attempted entry that may be retried.
	StatusFailed Status = "failed"
)

// IntegrityErrorPrefix marks last_error values that must not be retried automatically.
const IntegrityErrorPrefix = "integrity:"

// TimestampLayout matches the trigger's strftime('%Y-%m-%dT%H:%M:%fZ') output.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	outboxTableDDL = `CREATE TABLE IF NOT EXISTS sync_outbox (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	changed_at TEXT NOT NULL,
	synced_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
)`
	outboxStatusIndexDDL = `CREATE INDEX IF NOT EXISTS idx_sync_outbox_status_changed ON sync_outbox (status, changed_at)`
	outboxRowIndexDDL    = `CREATE INDEX IF NOT EXISTS idx_sync_outbox_table_row ON sync_outbox (table_name, row_id)`
)

// Entry is one captured change notification.
type Entry struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Table     string    `gorm:"column:table_name"`
	RowID     string    `gorm:"column:row_id"`
	Operation Operation `gorm:"column:operation"`
	Status    Status    `gorm:"column:status"`
	ChangedAt string    `gorm:"column:changed_at"`
	SyncedAt  *string   `gorm:"column:synced_at"`
	Attempts  int64     `gorm:"column:attempts"`
	LastError *string   `gorm:"column:last_error"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_outbox"
}

// IsIntegrityFailure reports whether the entry failed on a data-integrity error.
func (e Entry) IsIntegrityFailure() bool {
	return e.LastError != nil && strings.HasPrefix(*e.LastError, IntegrityErrorPrefix)
}

// RetryPolicy bounds redelivery of FAILED entries.
type RetryPolicy struct {
	// MaxAttempts caps delivery attempts for a failed entry; zero means unlimited.
	MaxAttempts int64
}

// Retryable reports whether the entry may be handed to the push engine again.
func (p RetryPolicy) Retryable(entry Entry) bool {
	switch entry.Status {
	case StatusPending:
		return true
	case StatusFailed:
		if entry.IsIntegrityFailure() {
			return false
		}
		return p.MaxAttempts <= 0 || entry.Attempts < p.MaxAttempts
	default:
		return false
	}
}

// Counts summarizes the outbox by status.
type Counts struct {
	Pending int64
	Failed  int64
	Synced  int64
}

// InstallOutbox creates the outbox table and its indexes. Safe to call repeatedly.
func InstallOutbox(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, statement := range []string{outboxTableDDL, outboxStatusIndexDDL, outboxRowIndexDDL} {
			if err := tx.Exec(statement).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchDeliverable returns up to limit pending or retryable failed entries, oldest change first.
func FetchDeliverable(ctx context.Context, db *gorm.DB, limit int, policy RetryPolicy) ([]Entry, error) {
	query := db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Or(deliverableFailed(db.WithContext(ctx), policy)).
		Order("changed_at ASC").
		Order("rowid ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func deliverableFailed(db *gorm.DB, policy RetryPolicy) *gorm.DB {
	condition := db.Where("status = ?", StatusFailed).
		Where("(last_error IS NULL OR last_error NOT LIKE ?)", IntegrityErrorPrefix+"%")
	if policy.MaxAttempts > 0 {
		condition = condition.Where("attempts < ?", policy.MaxAttempts)
	}
	return condition
}

// MarkSynced records successful delivery of the entries.
func MarkSynced(ctx context.Context, db *gorm.DB, ids []string, syncedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&Entry{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     StatusSynced,
			"synced_at":  FormatTimestamp(syncedAt),
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": nil,
		}).Error
}

// MarkFailed records a failed delivery attempt with its diagnostic.
func MarkFailed(ctx context.Context, db *gorm.DB, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&Entry{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     StatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

// MarkIntegrityFailed records a data-integrity failure; the entries are excluded from automatic retry.
func MarkIntegrityFailed(ctx context.Context, db *gorm.DB, ids []string, reason string) error {
	return MarkFailed(ctx, db, ids, IntegrityErrorPrefix+" "+reason)
}

// CountByStatus summarizes the outbox.
func CountByStatus(ctx context.Context, db *gorm.DB) (Counts, error) {
	var rows []struct {
		Status Status
		Total  int64
	}
	if err := db.WithContext(ctx).Model(&Entry{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return Counts{}, err
	}
	var counts Counts
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			counts.Pending = row.Total
		case StatusFailed:
			counts.Failed = row.Total
		case StatusSynced:
			counts.Synced = row.Total
		}
	}
	return counts, nil
}

// PurgeSynced deletes delivered entries acknowledged before the cutoff.
func PurgeSynced(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("status = ? AND synced_at < ?", StatusSynced, FormatTimestamp(before)).
		Delete(&Entry{})
	return result.RowsAffected, result.Error
}

// PendingForRow returns the undelivered entries for one row, oldest first.
func PendingForRow(ctx context.Context, db *gorm.DB, table, rowID string) ([]Entry, error) {
	var entries []Entry
	err := db.WithContext(ctx).
		Where("table_name = ? AND row_id = ? AND status <> ?", table, rowID, StatusSynced).
		Order("changed_at ASC").
		Order("rowid ASC").
		Find(&entries).Error
	return entries, err
}

// FormatTimestamp renders t in the outbox timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
