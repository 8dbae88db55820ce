package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrStateMissing indicates the sync state row was never installed.
	ErrStateMissing = errors.New("outbox: sync state row missing")
	// ErrPrincipalChanged indicates another principal signed in while the
	// previous one still has undelivered changes in the outbox.
	ErrPrincipalChanged = errors.New("outbox: principal changed with undelivered changes")
)

const stateTableDDL = `CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	device_id TEXT NOT NULL,
	server_seq INTEGER NOT NULL DEFAULT 0,
	pulled_at TEXT,
	principal_id TEXT NOT NULL DEFAULT ''
)`

const statePrincipalColumnDDL = `ALTER TABLE sync_state ADD COLUMN principal_id TEXT NOT NULL DEFAULT ''`

// State is the device's pull checkpoint and identity. The checkpoint belongs
// to PrincipalID; it is empty until the first sync.
type State struct {
	ID          int64   `gorm:"column:id;primaryKey"`
	DeviceID    string  `gorm:"column:device_id"`
	ServerSeq   int64   `gorm:"column:server_seq"`
	PulledAt    *string `gorm:"column:pulled_at"`
	PrincipalID string  `gorm:"column:principal_id"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "sync_state"
}

// InstallState creates the sync state table and assigns this device a stable
// identifier on first install.
func InstallState(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(stateTableDDL).Error; err != nil {
			return err
		}
		if !tx.Migrator().HasColumn(&State{}, "principal_id") {
			if err := tx.Exec(statePrincipalColumnDDL).Error; err != nil {
				return err
			}
		}
		var existing int64
		if err := tx.Model(&State{}).Where("id = 1").Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		deviceID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		return tx.Create(&State{ID: 1, DeviceID: deviceID.String()}).Error
	})
}

// LoadState returns the stored checkpoint.
func LoadState(ctx context.Context, db *gorm.DB) (State, error) {
	var state State
	err := db.WithContext(ctx).Where("id = 1").Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, ErrStateMissing
	}
	return state, err
}

// SaveCheckpoint advances the pull checkpoint.
func SaveCheckpoint(ctx context.Context, db *gorm.DB, serverSeq int64, pulledAt time.Time) error {
	stamp := FormatTimestamp(pulledAt)
	result := db.WithContext(ctx).Model(&State{}).
		Where("id = 1").
		Updates(map[string]any{"server_seq": serverSeq, "pulled_at": stamp})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateMissing
	}
	return nil
}

// BindPrincipal ties the pull checkpoint to principal. A first sync adopts the
// stored checkpoint. A different principal starts over from zero, but only when
// the outbox holds no undelivered changes; otherwise ErrPrincipalChanged is
// returned and nothing changes. reset reports whether the checkpoint was cleared.
func BindPrincipal(ctx context.Context, db *gorm.DB, principal string) (reset bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state State
		if err := tx.Where("id = 1").Take(&state).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateMissing
			}
			return err
		}
		if state.PrincipalID == principal {
			return nil
		}
		if state.PrincipalID == "" {
			return tx.Model(&State{}).Where("id = 1").Update("principal_id", principal).Error
		}

		var undelivered int64
		if err := tx.Model(&Entry{}).Where("status <> ?", StatusSynced).Count(&undelivered).Error; err != nil {
			return err
		}
		if undelivered > 0 {
			return ErrPrincipalChanged
		}
		reset = true
		return tx.Model(&State{}).Where("id = 1").Updates(map[string]any{
			"principal_id": principal,
			"server_seq":   0,
			"pulled_at":    nil,
		}).Error
	})
	if err != nil {
		return false, err
	}
	return reset, nil
}
