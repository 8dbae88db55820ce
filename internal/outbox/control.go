package outbox

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrControlMissing indicates the trigger control row was never installed.
var ErrControlMissing = errors.New("outbox: trigger control row missing")

const (
	controlTableDDL = `CREATE TABLE IF NOT EXISTS sync_trigger_control (id INTEGER PRIMARY KEY CHECK(id = 1), disabled INTEGER NOT NULL DEFAULT 0)`
	controlSeedSQL  = `INSERT OR IGNORE INTO sync_trigger_control (id, disabled) VALUES (1, 0)`
	controlSetSQL   = `UPDATE sync_trigger_control SET disabled = ? WHERE id = 1`
	controlReadSQL  = `SELECT disabled FROM sync_trigger_control WHERE id = 1`

	// captureGuard is evaluated by every capture trigger in the same statement that writes the outbox.
	captureGuard = `COALESCE((SELECT disabled FROM sync_trigger_control WHERE id = 1), 0) = 0`
)

// InstallControl creates the single-row trigger control table and seeds it. Safe to call repeatedly.
func InstallControl(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(controlTableDDL).Error; err != nil {
			return err
		}
		return tx.Exec(controlSeedSQL).Error
	})
}

// Suppress disables change capture for subsequent writes on db.
func Suppress(ctx context.Context, db *gorm.DB) error {
	return setDisabled(ctx, db, 1)
}

// Resume re-enables change capture.
func Resume(ctx context.Context, db *gorm.DB) error {
	return setDisabled(ctx, db, 0)
}

// IsSuppressed reports whether change capture is currently disabled.
func IsSuppressed(ctx context.Context, db *gorm.DB) (bool, error) {
	var disabled []int64
	if err := db.WithContext(ctx).Raw(controlReadSQL).Scan(&disabled).Error; err != nil {
		return false, err
	}
	if len(disabled) == 0 {
		return false, ErrControlMissing
	}
	return disabled[0] != 0, nil
}

// WithSuppressed runs fn inside a transaction with capture disabled. Capture is
// re-enabled before the transaction commits, and again on db after any failure
// or panic, so the flag is never left set.
func WithSuppressed(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if resumeErr := Resume(context.WithoutCancel(ctx), db); resumeErr != nil {
			err = errors.Join(err, resumeErr)
		}
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			_ = Resume(context.WithoutCancel(ctx), db)
			panic(recovered)
		}
	}()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := Suppress(ctx, tx); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		return Resume(ctx, tx)
	})
}

func setDisabled(ctx context.Context, db *gorm.DB, value int) error {
	result := db.WithContext(ctx).Exec(controlSetSQL, value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrControlMissing
	}
	return nil
}
