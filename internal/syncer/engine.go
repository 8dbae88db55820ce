package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/legacyid"
	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageSize = 200

var noOpLogger = zap.NewNop()

// Remote is the server of record as seen by the engine.
type Remote interface {
	Push(ctx context.Context, changes []remote.Change) (remote.PushResponse, error)
	Watermark(ctx context.Context) (int64, error)
	FetchChanges(ctx context.Context, query remote.ChangesQuery) (remote.ChangesResponse, error)
}

// IdentityProvider exposes the current authenticated principal.
type IdentityProvider interface {
	PrincipalID(ctx context.Context) (string, error)
}

// EngineConfig wires the push and pull engines to their collaborators.
type EngineConfig struct {
	Database    *gorm.DB
	Registry    *registry.Registry
	Remote      Remote
	Identity    IdentityProvider
	RetryPolicy outbox.RetryPolicy
	PageSize    int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine pushes captured local changes and pulls remote ones. Callers must not
// run a pull concurrently with another pull or push; Syncer serializes them.
type Engine struct {
	db       *gorm.DB
	registry *registry.Registry
	remote   Remote
	identity IdentityProvider
	policy   outbox.RetryPolicy
	pageSize int
	clock    func() time.Time
	logger   *zap.Logger
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opEngineNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opEngineNew, "missing_remote", errMissingRemote)
	}
	if cfg.Identity == nil {
		return nil, newServiceError(opEngineNew, "missing_identity", errMissingIdentity)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Engine{
		db:       cfg.Database,
		registry: cfg.Registry,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		policy:   cfg.RetryPolicy,
		pageSize: pageSize,
		clock:    clock,
		logger:   logger,
	}, nil
}

func (e *Engine) principal(ctx context.Context, operation string) (string, error) {
	principal, err := e.identity.PrincipalID(ctx)
	if err != nil {
		e.logError(operation, "principal_unavailable", err)
		return "", newServiceError(operation, "principal_unavailable", err)
	}
	if principal == "" {
		e.logError(operation, "principal_unavailable", ErrNoPrincipal)
		return "", newServiceError(operation, "principal_unavailable", ErrNoPrincipal)
	}
	return principal, nil
}

// bindPrincipal resolves the current principal and ties the local checkpoint to
// it. reset reports that a different principal signed in and the checkpoint
// was cleared.
func (e *Engine) bindPrincipal(ctx context.Context, operation string) (reset bool, err error) {
	principal, err := e.principal(ctx, operation)
	if err != nil {
		return false, err
	}
	reset, err = outbox.BindPrincipal(ctx, e.db, principal)
	if errors.Is(err, outbox.ErrPrincipalChanged) {
		e.logError(operation, "principal_changed", err, zap.String("principal_id", principal))
		return false, newServiceError(operation, "principal_changed", err)
	}
	if err != nil {
		e.logError(operation, "state_load_failed", err)
		return false, newServiceError(operation, "state_load_failed", err)
	}
	if reset {
		e.logger.Info("principal changed, pulling from the start", zap.String("principal_id", principal))
	}
	return reset, nil
}

// resolveLegacyReferences rewrites legacy integer foreign keys in row to UUIDs in place.
func resolveLegacyReferences(table *registry.Table, row map[string]any) error {
	for _, foreignKey := range table.ForeignKeys() {
		if !foreignKey.Legacy {
			continue
		}
		value, ok := row[foreignKey.Column]
		if !ok {
			continue
		}
		resolved, err := legacyid.ResolveReference(foreignKey.References, value)
		if err != nil {
			return err
		}
		row[foreignKey.Column] = resolved
	}
	return nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("sync engine error", allFields...)
}
