package syncer

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRegistry = errors.New("table registry is required")
	errMissingRemote   = errors.New("remote store is required")
	errMissingIdentity = errors.New("identity provider is required")
	errMissingEngine   = errors.New("sync engine is required")
	errMissingResult   = errors.New("remote returned no result for change")

	// ErrNoPrincipal indicates the identity provider has no authenticated principal.
	ErrNoPrincipal = errors.New("no authenticated principal")
)

// ServiceError carries a stable operation.reason code alongside the cause.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew  = "syncer.engine.new"
	opSyncerNew  = "syncer.new"
	opPush       = "syncer.push"
	opPull       = "syncer.pull"
	opSyncOnce   = "syncer.sync_once"
	opLoadStatus = "syncer.status"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// CodeOf returns the service error code carried by err, or "" when there is none.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
