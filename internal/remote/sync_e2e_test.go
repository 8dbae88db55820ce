package remote_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tunesync/internal/database"
	"github.com/MarcoPoloResearchLab/tunesync/internal/legacyid"
	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/records"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/MarcoPoloResearchLab/tunesync/internal/server"
	"github.com/MarcoPoloResearchLab/tunesync/internal/syncer"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type device struct {
	db     *gorm.DB
	syncer *syncer.Syncer
}

func startServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.OpenRemote(ctx, filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open server database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	service, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Registry:   practice.Registry(),
		IDProvider: records.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build records service: %v", err)
	}
	if err := service.SeedCatalog(ctx, practice.CatalogRows()); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("e2e-secret"),
		Issuer:        "tunesync-auth",
		Audience:      "tunesync-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{TokenValidator: issuer, Records: service})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return httpServer, token
}

func openDevice(t *testing.T, baseURL, token, name string) device {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenLocal(ctx, filepath.Join(t.TempDir(), name+".db"), nil)
	if err != nil {
		t.Fatalf("failed to open %s database: %v", name, err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	state, err := outbox.LoadState(ctx, db)
	if err != nil {
		t.Fatalf("failed to load %s state: %v", name, err)
	}
	identity := auth.NewTokenIdentity(token)
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:     baseURL,
		Credentials: identity,
		DeviceID:    state.DeviceID,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Database: db,
		Registry: practice.Registry(),
		Remote:   client,
		Identity: identity,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	coordinator, err := syncer.New(syncer.Config{Engine: engine, BatchSize: 10})
	if err != nil {
		t.Fatalf("failed to build syncer: %v", err)
	}
	return device{db: db, syncer: coordinator}
}

func mustSync(t *testing.T, d device) syncer.CycleResult {
	t.Helper()
	result, err := d.syncer.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return result
}

func mustExec(t *testing.T, db *gorm.DB, statement string, args ...any) {
	t.Helper()
	if err := db.Exec(statement, args...).Error; err != nil {
		t.Fatalf("statement failed: %v", err)
	}
}

func pendingCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	counts, err := outbox.CountByStatus(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to count outbox: %v", err)
	}
	return counts.Pending + counts.Failed
}

func TestTwoDevicesConvergeThroughServer(t *testing.T) {
	httpServer, token := startServer(t)
	laptop := openDevice(t, httpServer.URL, token, "laptop")
	phone := openDevice(t, httpServer.URL, token, "phone")

	mustExec(t, laptop.db, `INSERT INTO tune (id, title, genre_ref) VALUES (?, ?, ?)`, "tune-1", "The Kesh", "2")
	mustExec(t, laptop.db, `INSERT INTO playlist (playlist_id, user_ref, name) VALUES (?, ?, ?)`, "pl-1", "user-1", "Session set")
	mustExec(t, laptop.db, `INSERT INTO playlist_tune (playlist_ref, tune_ref) VALUES (?, ?)`, "pl-1", "tune-1")

	pushed := mustSync(t, laptop)
	if pushed.Push.Synced != 3 || pushed.Push.Failed != 0 {
		t.Fatalf("expected three synced changes, got %#v", pushed.Push)
	}
	if pending := pendingCount(t, laptop.db); pending != 0 {
		t.Fatalf("expected laptop outbox drained, got %d", pending)
	}

	pulled := mustSync(t, phone)
	if pulled.Push.Attempted != 0 {
		t.Fatalf("expected pulled rows not to be captured, pushed %d", pulled.Push.Attempted)
	}
	var tune practice.Tune
	if err := phone.db.Where("id = ?", "tune-1").Take(&tune).Error; err != nil {
		t.Fatalf("expected tune on phone: %v", err)
	}
	expectedGenre, _ := legacyid.ToUUID(2)
	if tune.GenreRef == nil || *tune.GenreRef != expectedGenre.String() {
		t.Fatalf("expected legacy genre mapped to %s, got %v", expectedGenre, tune.GenreRef)
	}
	var memberships int64
	if err := phone.db.Model(&practice.PlaylistTune{}).Count(&memberships).Error; err != nil {
		t.Fatalf("failed to count memberships: %v", err)
	}
	if memberships != 1 {
		t.Fatalf("expected membership on phone, got %d", memberships)
	}

	echo := mustSync(t, laptop)
	if echo.Pull.Upserted != 0 || echo.Pull.Deleted != 0 {
		t.Fatalf("expected laptop not to re-download its own writes, got %#v", echo.Pull)
	}

	mustExec(t, phone.db, `DELETE FROM playlist_tune WHERE playlist_ref = ? AND tune_ref = ?`, "pl-1", "tune-1")
	removed := mustSync(t, phone)
	if removed.Push.Synced != 1 {
		t.Fatalf("expected deletion to be synced, got %#v", removed.Push)
	}

	applied := mustSync(t, laptop)
	if applied.Pull.Deleted != 1 {
		t.Fatalf("expected tombstone applied on laptop, got %#v", applied.Pull)
	}
	if err := laptop.db.Model(&practice.PlaylistTune{}).Count(&memberships).Error; err != nil {
		t.Fatalf("failed to count memberships: %v", err)
	}
	if memberships != 0 {
		t.Fatalf("expected membership removed on laptop, got %d", memberships)
	}
	if pending := pendingCount(t, laptop.db); pending != 0 {
		t.Fatalf("expected applied tombstone not to be captured, got %d", pending)
	}
}
