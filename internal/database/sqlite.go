package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const busyTimeoutMillis = 5000

// OpenLocal opens the device database, creates the practice tables and installs
// change capture. Application writes made through the returned handle are
// recorded in the outbox.
func OpenLocal(ctx context.Context, path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	reg := practice.Registry()
	if err := db.WithContext(ctx).AutoMigrate(append(reg.Models(), &migrationRecord{})...); err != nil {
		closeQuietly(db)
		return nil, err
	}
	if err := outbox.Install(ctx, db, reg); err != nil {
		closeQuietly(db)
		return nil, err
	}
	if err := applyMigrations(ctx, db, localMigrations(), logger); err != nil {
		closeQuietly(db)
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenRemote opens the server-of-record database and migrates its schema.
func OpenRemote(ctx context.Context, path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).AutoMigrate(append(records.Models(), &migrationRecord{})...); err != nil {
		closeQuietly(db)
		return nil, err
	}
	if err := applyMigrations(ctx, db, remoteMigrations(), logger); err != nil {
		closeQuietly(db)
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection: the suppression flag must be set, used and cleared by the
	// same writer, and SQLite serializes writers anyway.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, separator, busyTimeoutMillis)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeQuietly(db *gorm.DB) {
	_ = Close(db)
}
