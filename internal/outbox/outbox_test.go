package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDatabase(t *testing.T) *gorm.DB {
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
	if err := Install(context.Background(), db, practice.Registry()); err != nil {
		t.Fatalf("failed to install capture: %v", err)
	}
	return db
}

func allEntries(t *testing.T, db *gorm.DB) []Entry {
	t.Helper()
	var entries []Entry
	if err := db.Order("changed_at ASC").Order("rowid ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to list outbox: %v", err)
	}
	return entries
}

func insertTune(t *testing.T, db *gorm.DB, id, title string) {
	t.Helper()
	if err := db.Create(&practice.Tune{ID: id, Title: title}).Error; err != nil {
		t.Fatalf("failed to insert tune: %v", err)
	}
}

func TestCaptureCreatesOneEntryPerStatement(t *testing.T) {
	db := openTestDatabase(t)

	insertTune(t, db, "tune-1", "The Silver Spear")
	if err := db.Exec(`UPDATE tune SET title = ? WHERE id = ?`, "The Silver Spire", "tune-1").Error; err != nil {
		t.Fatalf("failed to update tune: %v", err)
	}
	if err := db.Exec(`DELETE FROM tune WHERE id = ?`, "tune-1").Error; err != nil {
		t.Fatalf("failed to delete tune: %v", err)
	}

	entries := allEntries(t, db)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	expected := []Operation{OperationInsert, OperationUpdate, OperationDelete}
	for index, entry := range entries {
		if entry.Operation != expected[index] {
			t.Fatalf("entry %d: expected %s, got %s", index, expected[index], entry.Operation)
		}
		if entry.Status != StatusPending {
			t.Fatalf("entry %d: expected pending, got %s", index, entry.Status)
		}
		if entry.Table != practice.TableTune || entry.RowID != "tune-1" {
			t.Fatalf("entry %d: unexpected identity %s/%s", index, entry.Table, entry.RowID)
		}
		if entry.Attempts != 0 || entry.SyncedAt != nil || entry.LastError != nil {
			t.Fatalf("entry %d: unexpected delivery fields %#v", index, entry)
		}
		if _, err := time.Parse(TimestampLayout, entry.ChangedAt); err != nil {
			t.Fatalf("entry %d: changed_at %q not in millisecond layout: %v", index, entry.ChangedAt, err)
		}
	}
}

func TestCaptureRecordsNoOpUpdates(t *testing.T) {
	db := openTestDatabase(t)
	insertTune(t, db, "tune-1", "Drowsy Maggie")

	if err := db.Exec(`UPDATE tune SET title = title WHERE id = ?`, "tune-1").Error; err != nil {
		t.Fatalf("failed to update tune: %v", err)
	}

	entries := allEntries(t, db)
	if len(entries) != 2 || entries[1].Operation != OperationUpdate {
		t.Fatalf("expected insert then update entries, got %#v", entries)
	}
}

func TestKeyChangingUpdateCapturesDeletionOfOldKey(t *testing.T) {
	db := openTestDatabase(t)
	insertTune(t, db, "tune-1", "The Wise Maid")

	if err := db.Exec(`UPDATE tune SET id = ? WHERE id = ?`, "tune-2", "tune-1").Error; err != nil {
		t.Fatalf("failed to rekey tune: %v", err)
	}

	entries := allEntries(t, db)
	if len(entries) != 3 {
		t.Fatalf("expected insert, delete and update entries, got %#v", entries)
	}
	if entries[1].Operation != OperationDelete || entries[1].RowID != "tune-1" {
		t.Fatalf("expected old key deleted, got %s %s", entries[1].Operation, entries[1].RowID)
	}
	if entries[2].Operation != OperationUpdate || entries[2].RowID != "tune-2" {
		t.Fatalf("expected new key updated, got %s %s", entries[2].Operation, entries[2].RowID)
	}
}

func TestSuppressedWritesAreNotCaptured(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	if err := Suppress(ctx, db); err != nil {
		t.Fatalf("suppress failed: %v", err)
	}
	suppressed, err := IsSuppressed(ctx, db)
	if err != nil || !suppressed {
		t.Fatalf("expected suppression on, got %v (%v)", suppressed, err)
	}
	insertTune(t, db, "tune-1", "The Kesh")
	if err := db.Exec(`DELETE FROM tune WHERE id = ?`, "tune-1").Error; err != nil {
		t.Fatalf("failed to delete tune: %v", err)
	}
	if err := Resume(ctx, db); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if entries := allEntries(t, db); len(entries) != 0 {
		t.Fatalf("expected no entries while suppressed, got %d", len(entries))
	}

	insertTune(t, db, "tune-2", "Morrison's")
	if entries := allEntries(t, db); len(entries) != 1 {
		t.Fatalf("expected capture to resume, got %d entries", len(entries))
	}
}

func TestWithSuppressedResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	errBoom := errors.New("boom")

	err := WithSuppressed(ctx, db, func(tx *gorm.DB) error {
		if err := tx.Create(&practice.Tune{ID: "tune-1", Title: "Cooley's"}).Error; err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	suppressed, err := IsSuppressed(ctx, db)
	if err != nil || suppressed {
		t.Fatalf("expected suppression off after failure, got %v (%v)", suppressed, err)
	}
	var tunes int64
	db.Model(&practice.Tune{}).Count(&tunes)
	if tunes != 0 {
		t.Fatalf("expected failed transaction to roll back, found %d tunes", tunes)
	}
}

func TestWithSuppressedResumesAfterPanic(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = WithSuppressed(ctx, db, func(tx *gorm.DB) error {
			panic("apply exploded")
		})
	}()

	suppressed, err := IsSuppressed(ctx, db)
	if err != nil || suppressed {
		t.Fatalf("expected suppression off after panic, got %v (%v)", suppressed, err)
	}
}

func TestWithSuppressedSkipsCaptureAndCommits(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	err := WithSuppressed(ctx, db, func(tx *gorm.DB) error {
		return tx.Create(&practice.Tune{ID: "tune-1", Title: "The Banshee"}).Error
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries := allEntries(t, db); len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
	var tunes int64
	db.Model(&practice.Tune{}).Count(&tunes)
	if tunes != 1 {
		t.Fatalf("expected committed tune, found %d", tunes)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	before, err := LoadState(ctx, db)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}

	if err := Install(ctx, db, practice.Registry()); err != nil {
		t.Fatalf("second install failed: %v", err)
	}

	var triggers int64
	if err := db.Raw(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name LIKE ?`, triggerPrefix+"%").Scan(&triggers).Error; err != nil {
		t.Fatalf("failed to count triggers: %v", err)
	}
	if expected := int64(3 * len(practice.Registry().Tables())); triggers != expected {
		t.Fatalf("expected %d triggers, got %d", expected, triggers)
	}

	var controlRows int64
	if err := db.Raw(`SELECT COUNT(*) FROM sync_trigger_control`).Scan(&controlRows).Error; err != nil {
		t.Fatalf("failed to count control rows: %v", err)
	}
	if controlRows != 1 {
		t.Fatalf("expected one control row, got %d", controlRows)
	}

	after, err := LoadState(ctx, db)
	if err != nil {
		t.Fatalf("failed to reload state: %v", err)
	}
	if after.DeviceID != before.DeviceID || after.DeviceID == "" {
		t.Fatalf("expected stable device id, got %q then %q", before.DeviceID, after.DeviceID)
	}

	insertTune(t, db, "tune-1", "The Musical Priest")
	if entries := allEntries(t, db); len(entries) != 1 {
		t.Fatalf("expected exactly one entry after reinstall, got %d", len(entries))
	}
}

func TestControlRowRejectsSecondRow(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.Exec(`INSERT INTO sync_trigger_control (id, disabled) VALUES (2, 0)`).Error; err == nil {
		t.Fatalf("expected check constraint to reject a second control row")
	}
}

func TestCompositeDeleteCapturesOldImage(t *testing.T) {
	db := openTestDatabase(t)
	membership := practice.PlaylistTune{PlaylistRef: "playlist-1", TuneRef: "tune-1"}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("failed to insert membership: %v", err)
	}
	if err := db.Exec(`DELETE FROM playlist_tune WHERE playlist_ref = ? AND tune_ref = ?`, "playlist-1", "tune-1").Error; err != nil {
		t.Fatalf("failed to delete membership: %v", err)
	}

	var expected string
	if err := db.Raw(`SELECT json_object('playlist_ref', ?, 'tune_ref', ?)`, "playlist-1", "tune-1").Scan(&expected).Error; err != nil {
		t.Fatalf("failed to build expected row id: %v", err)
	}

	entries := allEntries(t, db)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	deleted := entries[1]
	if deleted.Operation != OperationDelete {
		t.Fatalf("expected delete entry, got %s", deleted.Operation)
	}
	if deleted.RowID != expected {
		t.Fatalf("expected row id %s, got %s", expected, deleted.RowID)
	}

	key, err := practice.Registry().MustLookup(practice.TablePlaylistTune).ParseStoredKey(deleted.RowID)
	if err != nil {
		t.Fatalf("stored key does not parse: %v", err)
	}
	if key.String() != deleted.RowID {
		t.Fatalf("expected canonical key %s, got %s", deleted.RowID, key.String())
	}
}

func TestFetchDeliverableHonorsOrderAndRetryPolicy(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	for _, id := range []string{"tune-1", "tune-2", "tune-3", "tune-4"} {
		insertTune(t, db, id, id)
	}
	entries := allEntries(t, db)

	if err := MarkFailed(ctx, db, []string{entries[0].ID}, "transport: connection refused"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := MarkIntegrityFailed(ctx, db, []string{entries[1].ID}, "legacy id 999 not mapped"); err != nil {
		t.Fatalf("mark integrity failed: %v", err)
	}
	if err := MarkSynced(ctx, db, []string{entries[2].ID}, time.Now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	deliverable, err := FetchDeliverable(ctx, db, 10, RetryPolicy{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(deliverable) != 2 || deliverable[0].ID != entries[0].ID || deliverable[1].ID != entries[3].ID {
		t.Fatalf("unexpected deliverable set %#v", deliverable)
	}
	if deliverable[0].Attempts != 1 || deliverable[0].Status != StatusFailed {
		t.Fatalf("expected failed entry with one attempt, got %#v", deliverable[0])
	}

	capped, err := FetchDeliverable(ctx, db, 10, RetryPolicy{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(capped) != 1 || capped[0].ID != entries[3].ID {
		t.Fatalf("expected only the pending entry under the cap, got %#v", capped)
	}

	limited, err := FetchDeliverable(ctx, db, 1, RetryPolicy{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != entries[0].ID {
		t.Fatalf("expected oldest entry first, got %#v", limited)
	}
}

func TestCountsPurgeAndPendingForRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	insertTune(t, db, "tune-1", "Out on the Ocean")
	if err := db.Exec(`UPDATE tune SET mode = 'G major' WHERE id = 'tune-1'`).Error; err != nil {
		t.Fatalf("update failed: %v", err)
	}
	insertTune(t, db, "tune-2", "The Butterfly")
	entries := allEntries(t, db)

	syncedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := MarkSynced(ctx, db, []string{entries[0].ID}, syncedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := MarkFailed(ctx, db, []string{entries[2].ID}, "rejected: missing_parent"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	counts, err := CountByStatus(ctx, db)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts != (Counts{Pending: 1, Failed: 1, Synced: 1}) {
		t.Fatalf("unexpected counts %#v", counts)
	}

	pending, err := PendingForRow(ctx, db, practice.TableTune, "tune-1")
	if err != nil {
		t.Fatalf("pending for row failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != OperationUpdate {
		t.Fatalf("expected the undelivered update, got %#v", pending)
	}

	purged, err := PurgeSynced(ctx, db, syncedAt.Add(time.Second))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged entry, got %d", purged)
	}
	if remaining := allEntries(t, db); len(remaining) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(remaining))
	}
}

func TestSaveCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	if err := SaveCheckpoint(ctx, db, 42, time.Now()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	state, err := LoadState(ctx, db)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state.ServerSeq != 42 || state.PulledAt == nil {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestBindPrincipal(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	if err := SaveCheckpoint(ctx, db, 42, time.Now()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if reset, err := BindPrincipal(ctx, db, "user-1"); err != nil || reset {
		t.Fatalf("expected first principal adopted without reset, got %v (%v)", reset, err)
	}
	if reset, err := BindPrincipal(ctx, db, "user-1"); err != nil || reset {
		t.Fatalf("expected same principal to be a no-op, got %v (%v)", reset, err)
	}
	if state, _ := LoadState(ctx, db); state.ServerSeq != 42 || state.PrincipalID != "user-1" {
		t.Fatalf("unexpected state %#v", state)
	}

	insertTune(t, db, "tune-1", "The Humours of Tulla")
	if _, err := BindPrincipal(ctx, db, "user-2"); !errors.Is(err, ErrPrincipalChanged) {
		t.Fatalf("expected ErrPrincipalChanged with undelivered entries, got %v", err)
	}
	if state, _ := LoadState(ctx, db); state.ServerSeq != 42 || state.PrincipalID != "user-1" {
		t.Fatalf("expected refused switch to leave state, got %#v", state)
	}

	ids := make([]string, 0)
	for _, entry := range allEntries(t, db) {
		ids = append(ids, entry.ID)
	}
	if err := MarkSynced(ctx, db, ids, time.Now()); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	reset, err := BindPrincipal(ctx, db, "user-2")
	if err != nil || !reset {
		t.Fatalf("expected switch to reset the checkpoint, got %v (%v)", reset, err)
	}
	state, err := LoadState(ctx, db)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state.ServerSeq != 0 || state.PulledAt != nil || state.PrincipalID != "user-2" {
		t.Fatalf("unexpected state after switch %#v", state)
	}
}

func TestInstallStateAddsPrincipalColumnToExistingTable(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "old.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Exec(`CREATE TABLE sync_state (id INTEGER PRIMARY KEY CHECK(id = 1), device_id TEXT NOT NULL, server_seq INTEGER NOT NULL DEFAULT 0, pulled_at TEXT)`).Error; err != nil {
		t.Fatalf("failed to create old state table: %v", err)
	}
	if err := db.Exec(`INSERT INTO sync_state (id, device_id, server_seq) VALUES (1, 'device-old', 7)`).Error; err != nil {
		t.Fatalf("failed to seed old state: %v", err)
	}

	if err := InstallState(ctx, db); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	state, err := LoadState(ctx, db)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state.DeviceID != "device-old" || state.ServerSeq != 7 || state.PrincipalID != "" {
		t.Fatalf("expected existing state kept with empty principal, got %#v", state)
	}
}
