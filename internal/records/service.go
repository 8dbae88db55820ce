package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/legacyid"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingRegistry   = errors.New("table registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingDeviceID   = errors.New("device identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
	catalogOwner     = ""
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "records.service.new"
	opApplyChanges = "records.apply_changes"
	opWatermark    = "records.watermark"
	opListChanges  = "records.list_changes"
	opSeedCatalog  = "records.seed_catalog"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the server of record.
type ServiceConfig struct {
	Database   *gorm.DB
	Registry   *registry.Registry
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service stores the latest version of every synced row and hands out server sequences.
type Service struct {
	db         *gorm.DB
	registry   *registry.Registry
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		registry:   cfg.Registry,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// rejection is a per-change verdict that does not abort the batch.
type rejection struct {
	status  remote.ResultStatus
	message string
}

// ApplyChanges applies a device's batch in order inside one transaction and
// reports a verdict per change.
func (s *Service) ApplyChanges(ctx context.Context, userID, deviceID string, changes []remote.Change) (remote.PushResponse, error) {
	if userID == "" {
		return remote.PushResponse{}, newServiceError(opApplyChanges, "missing_user_id", errMissingUserID)
	}
	if deviceID == "" {
		return remote.PushResponse{}, newServiceError(opApplyChanges, "missing_device_id", errMissingDeviceID)
	}

	response := remote.PushResponse{Results: make([]remote.ChangeResult, 0, len(changes))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			result, err := s.applyChange(tx, userID, deviceID, change)
			if err != nil {
				return err
			}
			response.Results = append(response.Results, result)
		}
		return nil
	})
	if txErr != nil {
		return remote.PushResponse{}, txErr
	}
	return response, nil
}

func (s *Service) applyChange(tx *gorm.DB, userID, deviceID string, change remote.Change) (remote.ChangeResult, error) {
	result := remote.ChangeResult{ChangeID: change.ChangeID}
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("change_id", change.ChangeID),
		zap.String("table", change.Table),
	}

	var duplicate int64
	if err := tx.Model(&RowChange{}).Where("client_change_id = ?", change.ChangeID).Count(&duplicate).Error; err != nil {
		s.logError(opApplyChanges, "dedupe_query_failed", err, fields...)
		return result, newServiceError(opApplyChanges, "dedupe_query_failed", err)
	}
	if duplicate > 0 {
		result.Status = remote.StatusDuplicate
		return result, nil
	}

	incoming, table, ruling := s.validateChange(deviceID, change)
	if ruling != nil {
		result.Status = ruling.status
		result.Message = ruling.message
		return result, nil
	}

	var existing *Row
	var stored Row
	err := tx.Where("table_name = ? AND row_key = ?", incoming.table, incoming.rowKey).Take(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opApplyChanges, "row_select_failed", err, fields...)
		return result, newServiceError(opApplyChanges, "row_select_failed", err)
	default:
		existing = &stored
	}

	if existing != nil && existing.OwnerID != userID {
		result.Status = remote.StatusForbidden
		result.Message = "row belongs to another principal"
		return result, nil
	}

	if incoming.operation == remote.OperationUpsert {
		missing, err := s.missingParent(tx, userID, table, incoming.payload)
		if err != nil {
			s.logError(opApplyChanges, "parent_query_failed", err, fields...)
			return result, newServiceError(opApplyChanges, "parent_query_failed", err)
		}
		if missing != "" {
			result.Status = remote.StatusMissingParent
			result.Message = missing
			return result, nil
		}
	}

	appliedAt := s.clock().UTC()
	outcome, err := resolveChange(existing, userID, incoming, appliedAt)
	if err != nil {
		result.Status = remote.StatusInvalid
		result.Message = err.Error()
		return result, nil
	}
	if !outcome.Accepted {
		result.Status = remote.StatusStale
		result.ServerSeq = outcome.UpdatedRow.ServerSeq
		return result, nil
	}

	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApplyChanges, "id_generation_failed", err, fields...)
		return result, newServiceError(opApplyChanges, "id_generation_failed", err)
	}
	outcome.AuditRecord.ChangeID = changeID
	if err := tx.Create(outcome.AuditRecord).Error; err != nil {
		s.logError(opApplyChanges, "audit_insert_failed", err, fields...)
		return result, newServiceError(opApplyChanges, "audit_insert_failed", err)
	}
	outcome.UpdatedRow.ServerSeq = outcome.AuditRecord.Seq
	if err := tx.Save(outcome.UpdatedRow).Error; err != nil {
		s.logError(opApplyChanges, "row_save_failed", err, fields...)
		return result, newServiceError(opApplyChanges, "row_save_failed", err)
	}

	result.Status = remote.StatusApplied
	result.ServerSeq = outcome.AuditRecord.Seq
	return result, nil
}

// validateChange checks the change against the registry and canonicalizes its key and payload.
func (s *Service) validateChange(deviceID string, change remote.Change) (incomingChange, *registry.Table, *rejection) {
	if change.ChangeID == "" {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: "change_id is required"}
	}
	table, err := s.registry.Lookup(change.Table)
	if err != nil {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: err.Error()}
	}
	if table.IsCatalog() {
		return incomingChange{}, nil, &rejection{status: remote.StatusForbidden, message: "catalog rows are read-only"}
	}
	key, err := table.ParseWireKey(change.RowID)
	if err != nil {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: err.Error()}
	}
	if _, err := parseChangedAt(change.ChangedAt); err != nil {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: "changed_at: " + err.Error()}
	}

	incoming := incomingChange{
		changeID:  change.ChangeID,
		table:     table.Name(),
		rowKey:    key.String(),
		operation: change.Operation,
		changedAt: change.ChangedAt,
		device:    deviceID,
	}

	switch change.Operation {
	case remote.OperationDelete:
		return incoming, table, nil
	case remote.OperationUpsert:
	default:
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: fmt.Sprintf("unknown operation %q", change.Operation)}
	}

	row, err := registry.DecodeRow(change.Row)
	if err != nil {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: "row: " + err.Error()}
	}
	canonical := make(map[string]any, len(row))
	for column, value := range row {
		if table.HasColumn(column) {
			canonical[column] = value
		}
	}
	for column, value := range key.Conditions() {
		canonical[column] = value
	}
	payloadKey, err := table.KeyFromRow(canonical)
	if err != nil || payloadKey.String() != key.String() {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: "row does not match row_id"}
	}
	for _, foreignKey := range table.ForeignKeys() {
		if !foreignKey.Legacy {
			continue
		}
		resolved, err := legacyid.ResolveReference(foreignKey.References, canonical[foreignKey.Column])
		if err != nil {
			return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: err.Error()}
		}
		if _, present := canonical[foreignKey.Column]; present {
			canonical[foreignKey.Column] = resolved
		}
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return incomingChange{}, nil, &rejection{status: remote.StatusInvalid, message: err.Error()}
	}
	incoming.payload = string(payload)
	return incoming, table, nil
}

// missingParent returns a description of the first non-null reference without a
// visible, live parent row, or "" when every parent is known.
func (s *Service) missingParent(tx *gorm.DB, userID string, table *registry.Table, payload string) (string, error) {
	row, err := registry.DecodeRow([]byte(payload))
	if err != nil {
		return "", err
	}
	for _, foreignKey := range table.ForeignKeys() {
		value := row[foreignKey.Column]
		if value == nil || value == "" {
			continue
		}
		parent, err := s.registry.Lookup(foreignKey.References)
		if err != nil {
			return "", err
		}
		parentKey, err := parent.KeyOf(value)
		if err != nil {
			return "", err
		}
		var count int64
		err = tx.Model(&Row{}).
			Where("table_name = ? AND row_key = ? AND is_deleted = ?", parent.Name(), parentKey.String(), false).
			Where("(owner_id = ? OR owner_id = ?)", userID, catalogOwner).
			Count(&count).Error
		if err != nil {
			return "", err
		}
		if count == 0 {
			return fmt.Sprintf("%s references unknown %s %s", foreignKey.Column, parent.Name(), parentKey.String()), nil
		}
	}
	return "", nil
}

// Watermark returns the highest server sequence handed out so far.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	var watermark int64
	if err := s.db.WithContext(ctx).Model(&RowChange{}).Select("COALESCE(MAX(seq), 0)").Scan(&watermark).Error; err != nil {
		s.logError(opWatermark, "query_failed", err)
		return 0, newServiceError(opWatermark, "query_failed", err)
	}
	return watermark, nil
}

// ChangesQuery selects the rows a device pulls from one table.
type ChangesQuery struct {
	UserID   string
	DeviceID string
	Table    string
	Since    int64
	// Until bounds the range inclusively; zero means no bound.
	Until int64
	Limit int
}

// ListChangesSince returns the principal's and the public catalog's rows with
// Since < server_seq <= Until, excluding rows last written by the requesting device.
func (s *Service) ListChangesSince(ctx context.Context, query ChangesQuery) (remote.ChangesResponse, error) {
	if query.UserID == "" {
		return remote.ChangesResponse{}, newServiceError(opListChanges, "missing_user_id", errMissingUserID)
	}
	table, err := s.registry.Lookup(query.Table)
	if err != nil {
		return remote.ChangesResponse{}, newServiceError(opListChanges, "unregistered_table", err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	statement := s.db.WithContext(ctx).
		Where("table_name = ? AND server_seq > ?", table.Name(), query.Since).
		Where("(owner_id = ? OR owner_id = ?)", query.UserID, catalogOwner)
	if query.Until > 0 {
		statement = statement.Where("server_seq <= ?", query.Until)
	}
	if query.DeviceID != "" {
		statement = statement.Where("last_writer_device <> ?", query.DeviceID)
	}

	var stored []Row
	if err := statement.Order("server_seq ASC").Limit(limit + 1).Find(&stored).Error; err != nil {
		s.logError(opListChanges, "query_failed", err, zap.String("table", table.Name()))
		return remote.ChangesResponse{}, newServiceError(opListChanges, "query_failed", err)
	}

	response := remote.ChangesResponse{Table: table.Name(), Rows: make([]remote.RemoteRow, 0, len(stored))}
	if len(stored) > limit {
		response.HasMore = true
		stored = stored[:limit]
	}
	for _, row := range stored {
		key, err := table.ParseStoredKey(row.RowKey)
		if err != nil {
			s.logError(opListChanges, "stored_key_invalid", err, zap.String("table", table.Name()), zap.String("row_key", row.RowKey))
			return remote.ChangesResponse{}, newServiceError(opListChanges, "stored_key_invalid", err)
		}
		remoteRow := remote.RemoteRow{
			RowID:     key.Wire(),
			Deleted:   row.IsDeleted,
			ServerSeq: row.ServerSeq,
			ChangedAt: row.ChangedAt,
		}
		if !row.IsDeleted {
			remoteRow.Row = json.RawMessage(row.PayloadJSON)
		}
		response.Rows = append(response.Rows, remoteRow)
	}
	return response, nil
}

// SeedCatalog stores public catalog rows that are not present yet. Safe to call on every start.
func (s *Service) SeedCatalog(ctx context.Context, rows []practice.CatalogRow) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appliedAt := s.clock().UTC()
		for _, seed := range rows {
			table, err := s.registry.Lookup(seed.Table)
			if err != nil {
				return newServiceError(opSeedCatalog, "unregistered_table", err)
			}
			key, err := table.KeyFromRow(seed.Row)
			if err != nil {
				return newServiceError(opSeedCatalog, "invalid_key", err)
			}
			var existing int64
			if err := tx.Model(&Row{}).Where("table_name = ? AND row_key = ?", table.Name(), key.String()).Count(&existing).Error; err != nil {
				s.logError(opSeedCatalog, "row_select_failed", err)
				return newServiceError(opSeedCatalog, "row_select_failed", err)
			}
			if existing > 0 {
				continue
			}
			payload, err := json.Marshal(seed.Row)
			if err != nil {
				return newServiceError(opSeedCatalog, "payload_encode_failed", err)
			}
			changeID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opSeedCatalog, "id_generation_failed", err)
			}
			changedAt := appliedAt.Format("2006-01-02T15:04:05.000Z")
			audit := &RowChange{
				ChangeID:         changeID,
				ClientChangeID:   "catalog:" + table.Name() + ":" + key.String(),
				UserID:           catalogOwner,
				Table:            table.Name(),
				RowKey:           key.String(),
				Operation:        remote.OperationUpsert,
				ClientChangedAt:  changedAt,
				AppliedAtSeconds: appliedAt.Unix(),
				PayloadJSON:      string(payload),
				NewVersion:       pointerTo(1),
			}
			if err := tx.Create(audit).Error; err != nil {
				s.logError(opSeedCatalog, "audit_insert_failed", err)
				return newServiceError(opSeedCatalog, "audit_insert_failed", err)
			}
			row := &Row{
				Table:       table.Name(),
				RowKey:      key.String(),
				OwnerID:     catalogOwner,
				PayloadJSON: string(payload),
				ChangedAt:   changedAt,
				ServerSeq:   audit.Seq,
				Version:     1,
			}
			if err := tx.Create(row).Error; err != nil {
				s.logError(opSeedCatalog, "row_insert_failed", err)
				return newServiceError(opSeedCatalog, "row_insert_failed", err)
			}
		}
		return nil
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("records service error", attrs...)
}
