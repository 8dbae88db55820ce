package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/rowstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedCatalog        = "2026-10-14_seed_catalog"
	migrationIndexRowChangesKey = "2026-10-14_index_row_changes_key"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(context.Context, *gorm.DB) error
}

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationSeedCatalog, apply: seedLocalCatalog},
	}
}

func remoteMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationIndexRowChangesKey, apply: indexRowChangesByKey},
	}
}

func applyMigrations(ctx context.Context, db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.WithContext(ctx).Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(ctx, db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.WithContext(ctx).Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedLocalCatalog installs the genre and instrument rows every device ships
// with. Capture is suppressed: catalog rows come from the install, not from the user.
func seedLocalCatalog(ctx context.Context, db *gorm.DB) error {
	reg := practice.Registry()
	return outbox.WithSuppressed(ctx, db, func(tx *gorm.DB) error {
		for _, seed := range practice.CatalogRows() {
			table, err := reg.Lookup(seed.Table)
			if err != nil {
				return err
			}
			if err := rowstore.Upsert(ctx, tx, table, seed.Row); err != nil {
				return err
			}
		}
		return nil
	})
}

func indexRowChangesByKey(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).
		Exec(`CREATE INDEX IF NOT EXISTS idx_row_changes_table_key ON row_changes (table_name, row_key, seq)`).Error
}
