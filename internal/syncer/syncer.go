package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 50
	defaultInterval  = 30 * time.Second
	// maxPushRounds bounds one cycle so a steady stream of edits cannot keep it running.
	maxPushRounds = 20
)

// Config wires a Syncer.
type Config struct {
	Engine      *Engine
	BatchSize   int
	Interval    time.Duration
	Broadcaster *StatusBroadcaster
	Logger      *zap.Logger
}

// CycleResult summarizes one pull-then-push cycle.
type CycleResult struct {
	Pull PullResult
	Push PushResult
}

// Syncer serializes pull and push rounds and reports status in the background.
type Syncer struct {
	mu          sync.Mutex
	engine      *Engine
	batchSize   int
	interval    time.Duration
	broadcaster *StatusBroadcaster
	logger      *zap.Logger
}

// New validates the configuration and builds a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Engine == nil {
		return nil, newServiceError(opSyncerNew, "missing_engine", errMissingEngine)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > remote.MaxPushBatch {
		batchSize = remote.MaxPushBatch
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewStatusBroadcaster()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Syncer{
		engine:      cfg.Engine,
		batchSize:   batchSize,
		interval:    interval,
		broadcaster: broadcaster,
		logger:      logger,
	}, nil
}

// Broadcaster exposes the status feed.
func (s *Syncer) Broadcaster() *StatusBroadcaster {
	return s.broadcaster
}

// SyncOnce pulls from the stored checkpoint, then pushes batches until nothing
// deliverable is left or a round fails. A pull that fails while the server is
// still reachable does not hold back the push. One cycle runs at a time.
func (s *Syncer) SyncOnce(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CycleResult
	pulled, err := s.engine.Pull(ctx)
	result.Pull = pulled
	if err == nil {
		err = s.pushAll(ctx, &result.Push)
	} else if pushableAfterPull(ctx, err) {
		s.logger.Warn("pull failed, pushing local changes anyway", zap.String("code", CodeOf(err)), zap.Error(err))
		err = errors.Join(err, s.pushAll(ctx, &result.Push))
	}

	s.publish(context.WithoutCancel(ctx), result.Pull.Checkpoint, err)
	if err != nil {
		return result, newServiceError(opSyncOnce, "cycle_failed", err)
	}
	return result, nil
}

func (s *Syncer) pushAll(ctx context.Context, total *PushResult) error {
	for round := 0; round < maxPushRounds; round++ {
		pushed, err := s.engine.PushPending(ctx, s.batchSize)
		total.Attempted += pushed.Attempted
		total.Synced += pushed.Synced
		total.Failed += pushed.Failed
		if err != nil {
			return err
		}
		// A partially failed batch is retried next cycle, not immediately.
		if pushed.Attempted < s.batchSize || pushed.Failed > 0 {
			return nil
		}
	}
	return nil
}

// pushableAfterPull reports whether a failed pull still leaves pushing worthwhile.
func pushableAfterPull(ctx context.Context, pullErr error) bool {
	if ctx.Err() != nil || errors.Is(pullErr, remote.ErrTransport) {
		return false
	}
	switch CodeOf(pullErr) {
	case opPull + ".principal_unavailable", opPull + ".principal_changed", opPull + ".state_load_failed":
		return false
	}
	return true
}

// Run syncs every interval until ctx ends. Failures are logged and reported
// through the status feed; local edits keep working offline meanwhile.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync cycle failed", zap.String("code", CodeOf(err)), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Status reads the current outbox counts.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	counts, err := outbox.CountByStatus(ctx, s.engine.db)
	if err != nil {
		return Status{}, newServiceError(opLoadStatus, "count_failed", err)
	}
	latest := s.broadcaster.Latest()
	latest.Pending = counts.Pending
	latest.Failed = counts.Failed
	return latest, nil
}

func (s *Syncer) publish(ctx context.Context, checkpoint int64, cycleErr error) {
	status := s.broadcaster.Latest()
	counts, err := outbox.CountByStatus(ctx, s.engine.db)
	if err != nil {
		s.logger.Warn("outbox count failed", zap.Error(err))
	} else {
		status.Pending = counts.Pending
		status.Failed = counts.Failed
	}
	status.Checkpoint = checkpoint
	status.LastError = ""
	if cycleErr != nil && !errors.Is(cycleErr, context.Canceled) {
		status.LastError = cycleErr.Error()
	} else if cycleErr == nil {
		status.LastSyncAt = s.engine.clock().UTC()
	}
	s.broadcaster.Publish(status)
}
