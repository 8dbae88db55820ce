package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type staticIdentity string

func (s staticIdentity) PrincipalID(context.Context) (string, error) {
	return string(s), nil
}

type switchableIdentity struct {
	mu        sync.Mutex
	principal string
}

func (s *switchableIdentity) PrincipalID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal, nil
}

func (s *switchableIdentity) signIn(principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = principal
}

type fakeRemote struct {
	mu           sync.Mutex
	pushed       [][]remote.Change
	pushErr      error
	statusFor    func(remote.Change) remote.ResultStatus
	onPush       func()
	watermark    int64
	watermarkErr error
	rows         map[string][]remote.RemoteRow
	fetchErr     map[string]error
	fetches      []remote.ChangesQuery
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:     make(map[string][]remote.RemoteRow),
		fetchErr: make(map[string]error),
	}
}

func (f *fakeRemote) Push(ctx context.Context, changes []remote.Change) (remote.PushResponse, error) {
	f.mu.Lock()
	f.pushed = append(f.pushed, changes)
	onPush := f.onPush
	pushErr := f.pushErr
	statusFor := f.statusFor
	f.mu.Unlock()

	if onPush != nil {
		onPush()
	}
	if err := ctx.Err(); err != nil {
		return remote.PushResponse{}, err
	}
	if pushErr != nil {
		return remote.PushResponse{}, pushErr
	}
	response := remote.PushResponse{Results: make([]remote.ChangeResult, 0, len(changes))}
	for index, change := range changes {
		status := remote.StatusApplied
		if statusFor != nil {
			status = statusFor(change)
		}
		response.Results = append(response.Results, remote.ChangeResult{
			ChangeID:  change.ChangeID,
			Status:    status,
			ServerSeq: int64(index + 1),
		})
	}
	return response, nil
}

func (f *fakeRemote) Watermark(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, f.watermarkErr
}

func (f *fakeRemote) FetchChanges(_ context.Context, query remote.ChangesQuery) (remote.ChangesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, query)
	if err := f.fetchErr[query.Table]; err != nil {
		return remote.ChangesResponse{}, err
	}
	response := remote.ChangesResponse{Table: query.Table}
	for _, row := range f.rows[query.Table] {
		if row.ServerSeq <= query.Since || row.ServerSeq > query.Until {
			continue
		}
		if query.Limit > 0 && len(response.Rows) == query.Limit {
			response.HasMore = true
			break
		}
		response.Rows = append(response.Rows, row)
	}
	return response, nil
}

func (f *fakeRemote) addRow(table string, seq int64, rowID string, row string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], remote.RemoteRow{
		RowID:     json.RawMessage(rowID),
		Row:       json.RawMessage(row),
		ServerSeq: seq,
		ChangedAt: "2026-10-01T10:00:00.000Z",
	})
	if seq > f.watermark {
		f.watermark = seq
	}
}

func (f *fakeRemote) addTombstone(table string, seq int64, rowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], remote.RemoteRow{
		RowID:     json.RawMessage(rowID),
		Deleted:   true,
		ServerSeq: seq,
		ChangedAt: "2026-10-01T10:00:00.000Z",
	})
	if seq > f.watermark {
		f.watermark = seq
	}
}

func (f *fakeRemote) pushCalls() [][]remote.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]remote.Change(nil), f.pushed...)
}

var errNetworkDown = errors.New("dial tcp: connection refused")

func openLocalDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(practice.Registry().Models()...); err != nil {
		t.Fatalf("failed to migrate practice tables: %v", err)
	}
	if err := outbox.Install(context.Background(), db, practice.Registry()); err != nil {
		t.Fatalf("failed to install capture: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, fake *fakeRemote, policy outbox.RetryPolicy) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Database:    db,
		Registry:    practice.Registry(),
		Remote:      fake,
		Identity:    staticIdentity("user-1"),
		RetryPolicy: policy,
		Clock:       func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

func mustExec(t *testing.T, db *gorm.DB, statement string, args ...any) {
	t.Helper()
	if err := db.Exec(statement, args...).Error; err != nil {
		t.Fatalf("exec %q failed: %v", statement, err)
	}
}

func outboxEntries(t *testing.T, db *gorm.DB) []outbox.Entry {
	t.Helper()
	var entries []outbox.Entry
	if err := db.Order("changed_at ASC").Order("rowid ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to list outbox: %v", err)
	}
	return entries
}

func assertNotSuppressed(t *testing.T, db *gorm.DB) {
	t.Helper()
	suppressed, err := outbox.IsSuppressed(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to read suppression flag: %v", err)
	}
	if suppressed {
		t.Fatalf("expected capture to be resumed")
	}
}
