// Package lifecycle periodically deletes expired files and flags uploads that
// never finished.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/locks"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/server/filemanager"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
	"github.com/dmitrijs2005/uploadgate/internal/server/repositories/files"
)

type Config struct {
	Interval         time.Duration // between runs (default: 6h)
	Retention        time.Duration // age after which active files expire (default: 30 days)
	StaleUploadAfter time.Duration // age after which an uploading record is flagged (default: 1h)
	BatchSize        int           // records per query (default: 100)
}

func DefaultConfig() Config {
	return Config{
		Interval:         6 * time.Hour,
		Retention:        30 * 24 * time.Hour,
		StaleUploadAfter: time.Hour,
		BatchSize:        100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.StaleUploadAfter <= 0 {
		c.StaleUploadAfter = d.StaleUploadAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Deleter performs the two-phase delete of one record.
type Deleter interface {
	DeleteWithReason(ctx context.Context, recordID, reason string) (*filemanager.DeleteResult, error)
}

// Locker takes the per-hash upload lock without waiting for it.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (*locks.Lock, error)
}

// Report summarizes one run.
type Report struct {
	Expired      int `json:"expired"`
	Deleted      int `json:"deleted"`
	RemoteFailed int `json:"remote_failed"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Flagged      int `json:"flagged"`
}

type Manager struct {
	repo    files.Repository
	deleter Deleter
	locks   Locker
	cfg     Config
	logger  logging.Logger
	sink    events.Sink
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(repo files.Repository, deleter Deleter, locker Locker, cfg Config, l logging.Logger, sink events.Sink) *Manager {
	return &Manager{
		repo:    repo,
		deleter: deleter,
		locks:   locker,
		cfg:     cfg.withDefaults(),
		logger:  l.With("module", "lifecycle"),
		sink:    events.OrNop(sink),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for cutoffs.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Start runs cleanup now and then every Interval until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("lifecycle manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			m.run(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(m.done)

	m.logger.Info(ctx, "lifecycle manager started", "interval", m.cfg.Interval, "retention", m.cfg.Retention)
	return nil
}

// Stop cancels the periodic task and waits for the running iteration, or
// until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.logger.Info(ctx, "lifecycle manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context) {
	start := m.now()
	rep, err := m.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error(ctx, "lifecycle run failed", "error", err)
	}
	m.logger.Info(ctx, "lifecycle run finished",
		"expired", rep.Expired, "deleted", rep.Deleted, "remote_failed", rep.RemoteFailed,
		"skipped", rep.Skipped, "failed", rep.Failed, "flagged", rep.Flagged,
		"took", m.now().Sub(start))
}

// RunOnce performs one cleanup pass. Per-record failures are logged and
// counted; the returned error is a query failure or cancellation. On
// cancellation the record in progress is finished first.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if err := m.expire(ctx, &rep); err != nil {
		return rep, err
	}
	if err := m.flagStale(ctx, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (m *Manager) expire(ctx context.Context, rep *Report) error {
	cutoff := m.now().Add(-m.cfg.Retention)
	for {
		batch, err := m.repo.FindExpired(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find expired: %w", err)
		}
		rep.Expired += len(batch)

		deleted := 0
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if m.expireOne(ctx, rec, rep) {
				deleted++
			}
		}
		// Records that stay behind would be returned again.
		if len(batch) < m.cfg.BatchSize || deleted < len(batch) {
			return nil
		}
	}
}

func (m *Manager) expireOne(ctx context.Context, rec *models.FileRecord, rep *Report) bool {
	if rec.Status != models.StatusActive {
		rep.Skipped++
		return false
	}
	// The hash stays locked until the record is gone.
	lock, err := m.locks.TryAcquire(ctx, rec.Hash)
	if errors.Is(err, common.ErrLockHeld) {
		m.logger.Debug(ctx, "hash is locked, skipping record", "record_id", rec.ID, "hash", rec.Hash)
		rep.Skipped++
		return false
	}
	if err != nil {
		m.logger.Warn(ctx, "lock acquisition failed, skipping record", "record_id", rec.ID, "error", err)
		rep.Skipped++
		return false
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn(ctx, "lock release failed", "hash", rec.Hash, "error", err)
		}
	}()

	res, err := m.deleter.DeleteWithReason(context.WithoutCancel(ctx), rec.ID, common.ReasonExpired)
	if err != nil {
		m.logger.Error(ctx, "failed to expire record", "record_id", rec.ID, "provider", rec.Provider, "error", err)
		rep.Failed++
		return false
	}
	rep.Deleted++
	ev := events.Event{Type: events.LifecycleDeleted, Provider: rec.Provider, Hash: rec.Hash, RecordID: rec.ID, Reason: common.ReasonExpired}
	if !res.Remote {
		rep.RemoteFailed++
		if res.RemoteErr != nil {
			ev.Err = res.RemoteErr.Error()
		}
	}
	m.sink.Emit(ctx, ev)
	return true
}

func (m *Manager) flagStale(ctx context.Context, rep *Report) error {
	now := m.now()
	cutoff := now.Add(-m.cfg.StaleUploadAfter)
	for {
		batch, err := m.repo.FindStaleUploading(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find stale uploads: %w", err)
		}

		flagged := 0
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := m.repo.FlagForReview(context.WithoutCancel(ctx), rec.ID, now)
			if err != nil {
				m.logger.Error(ctx, "failed to flag stale upload", "record_id", rec.ID, "error", err)
				rep.Failed++
				continue
			}
			if !ok {
				continue
			}
			flagged++
			rep.Flagged++
			m.logger.Warn(ctx, "stale upload flagged for manual review",
				"record_id", rec.ID, "provider", rec.Provider, "hash", rec.Hash, "created_at", rec.CreatedAt)
			m.sink.Emit(ctx, events.Event{Type: events.LifecycleFlagged, Provider: rec.Provider, Hash: rec.Hash, RecordID: rec.ID})
		}
		if len(batch) < m.cfg.BatchSize || flagged < len(batch) {
			return nil
		}
	}
}
