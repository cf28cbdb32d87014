// Package locks provides mutual exclusion keyed by content hash, stored in a
// kv.Store so that it holds across processes. Locks carry a TTL so a crashed
// holder cannot wedge a hash forever.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

const KeyPrefix = "lock:"

type Config struct {
	// TTL of a lock in the backend (default: 10m).
	TTL time.Duration
	// AcquireTimeout bounds the wait for a held lock. Zero fails fast with
	// common.ErrLockHeld.
	AcquireTimeout time.Duration
	// PollInterval between acquisition attempts while waiting (default: 100ms).
	PollInterval time.Duration
	// AutoRenew extends the TTL of held locks every TTL/3.
	AutoRenew bool
	// Holder identifies this process in lock records. Defaults to
	// hostname/pid/random suffix.
	Holder string
}

func DefaultConfig() Config {
	return Config{
		TTL:            10 * time.Minute,
		AcquireTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		AutoRenew:      true,
	}
}

// record is the value stored under a lock key.
type record struct {
	Holder     string        `json:"holder"`
	Token      string        `json:"token"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Info describes a lock currently present in the backend.
type Info struct {
	Key        string        `json:"key"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

type Manager struct {
	store  kv.Store
	cfg    Config
	logger logging.Logger
	sink   events.Sink
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter
	held    map[string]*Lock
}

// waiter is the wake-up channel shared by in-process Acquire calls on a key.
type waiter struct {
	ch   chan struct{}
	refs int
}

func New(store kv.Store, cfg Config, l logging.Logger, sink events.Sink) *Manager {
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.Holder == "" {
		host, _ := os.Hostname()
		cfg.Holder = fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		logger:  l.With("module", "locks"),
		sink:    events.OrNop(sink),
		now:     time.Now,
		waiters: make(map[string]*waiter),
		held:    make(map[string]*Lock),
	}
}

func (m *Manager) Holder() string { return m.cfg.Holder }

// Lock is a held lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	Key        string
	Holder     string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration

	m *Manager

	mu       sync.Mutex
	rec      record
	value    []byte
	released bool
	lost     bool
	stop     chan struct{}
	done     chan struct{}
}

// Lost reports whether the lock expired or was force-unlocked while held.
func (l *Lock) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Acquire takes the lock for key, waiting up to AcquireTimeout for a current
// holder to release it.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	var deadline <-chan time.Time
	if m.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(m.cfg.AcquireTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		// Subscribe before trying, so a release between the attempt and the
		// wait is not missed.
		notify := m.waitCh(key)

		l, ok, err := m.tryAcquire(ctx, key)
		if err != nil || ok || m.cfg.AcquireTimeout == 0 {
			m.unwait(key, notify)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if m.cfg.AcquireTimeout == 0 {
			return nil, fmt.Errorf("lock %s: %w", short(key), common.ErrLockHeld)
		}

		poll := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			m.unwait(key, notify)
			return nil, ctx.Err()
		case <-deadline:
			poll.Stop()
			m.unwait(key, notify)
			m.logger.Warn(ctx, "lock acquisition timed out", "key", key, "timeout", m.cfg.AcquireTimeout)
			return nil, fmt.Errorf("lock %s after %s: %w", short(key), m.cfg.AcquireTimeout, common.ErrLockTimeout)
		case <-notify:
			poll.Stop()
		case <-poll.C:
			m.unwait(key, notify)
		}
	}
}

// TryAcquire takes the lock for key without waiting, regardless of
// AcquireTimeout. A held lock yields ErrLockHeld.
func (m *Manager) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	l, ok, err := m.tryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", short(key), common.ErrLockHeld)
	}
	return l, nil
}

func (m *Manager) tryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	now := m.now().UTC()
	rec := record{
		Holder:     m.cfg.Holder,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		TTL:        m.cfg.TTL,
		ExpiresAt:  now.Add(m.cfg.TTL),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode lock: %w", err)
	}
	ok, err := m.store.SetNX(ctx, KeyPrefix+key, value, m.cfg.TTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", short(key), err)
	}
	if !ok {
		return nil, false, nil
	}

	l := &Lock{
		Key:        key,
		Holder:     rec.Holder,
		Token:      rec.Token,
		AcquiredAt: rec.AcquiredAt,
		TTL:        rec.TTL,
		m:          m,
		rec:        rec,
		value:      value,
	}
	m.mu.Lock()
	m.held[key] = l
	m.mu.Unlock()

	if m.cfg.AutoRenew {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.renew()
	}

	m.logger.Debug(ctx, "lock acquired", "key", key)
	m.sink.Emit(ctx, events.Event{Type: events.LockAcquired, Hash: key})
	return l, true, nil
}

// renew pushes the expiry forward until the lock is released or lost.
func (l *Lock) renew() {
	defer close(l.done)
	ticker := time.NewTicker(max(l.TTL/3, time.Millisecond))
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			prev := l.value
			rec := l.rec
			l.mu.Unlock()

			rec.ExpiresAt = l.m.now().UTC().Add(l.TTL)
			next, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			ok, err := l.m.store.CompareAndSwap(ctx, KeyPrefix+l.Key, prev, next, l.TTL)
			if err != nil {
				l.m.logger.Warn(ctx, "lock renewal failed", "key", l.Key, "error", err)
				continue
			}
			if !ok {
				l.markLost(ctx)
				return
			}
			l.mu.Lock()
			l.rec, l.value = rec, next
			l.mu.Unlock()
		}
	}
}

func (l *Lock) isReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func (l *Lock) current() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

func (l *Lock) markLost(ctx context.Context) {
	l.mu.Lock()
	already := l.lost
	l.lost = true
	l.mu.Unlock()
	if already {
		return
	}
	l.m.logger.Warn(ctx, "lock lost while held", "key", l.Key)
	l.m.sink.Emit(ctx, events.Event{Type: events.LockExpired, Hash: l.Key, Reason: "lost"})
}

// Release frees the lock. It returns common.ErrLockLost when the lock had
// already expired or been taken over.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		<-l.done
	}

	m := l.m
	m.mu.Lock()
	if m.held[l.Key] == l {
		delete(m.held, l.Key)
	}
	m.mu.Unlock()
	defer m.notify(l.Key)

	ok, err := m.store.CompareAndDelete(ctx, KeyPrefix+l.Key, l.current())
	if err != nil {
		return fmt.Errorf("release lock %s: %w", short(l.Key), err)
	}
	if !ok {
		l.markLost(ctx)
		return fmt.Errorf("release lock %s: %w", short(l.Key), common.ErrLockLost)
	}

	m.logger.Debug(ctx, "lock released", "key", l.Key, "held_for", m.now().Sub(l.AcquiredAt))
	m.sink.Emit(ctx, events.Event{Type: events.LockReleased, Hash: l.Key})
	return nil
}

// WithLock runs fn while holding the lock for key. The lock is released when
// fn returns or panics.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	l, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn(ctx, "lock release failed", "key", key, "error", rerr)
		}
	}()
	return fn(ctx)
}

// IsLocked reports whether a live lock exists for key.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, KeyPrefix+key)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", short(key), err)
	}
	return true, nil
}

// ForceUnlock deletes the lock for key regardless of holder. Operator use.
// It reports whether a lock was present.
func (m *Manager) ForceUnlock(ctx context.Context, key string) (bool, error) {
	raw, err := m.store.Get(ctx, KeyPrefix+key)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("force unlock %s: %w", short(key), err)
	}
	ok, err := m.store.CompareAndDelete(ctx, KeyPrefix+key, raw)
	if err != nil {
		return false, fmt.Errorf("force unlock %s: %w", short(key), err)
	}
	if !ok {
		return false, nil
	}

	var rec record
	_ = json.Unmarshal(raw, &rec)
	m.logger.Warn(ctx, "lock force-unlocked", "key", key, "holder", rec.Holder)
	m.sink.Emit(ctx, events.Event{Type: events.LockReleased, Hash: key, Reason: common.ReasonOperator})
	m.notify(key)
	return true, nil
}

// List returns the locks present in the backend, ordered by key.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	keys, err := m.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	out := make([]Info, 0, len(keys))
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if errors.Is(err, common.ErrorNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list locks: %w", err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.logger.Warn(ctx, "skipping undecodable lock", "key", k, "error", err)
			continue
		}
		out = append(out, Info{
			Key:        strings.TrimPrefix(k, KeyPrefix),
			Holder:     rec.Holder,
			AcquiredAt: rec.AcquiredAt,
			TTL:        rec.TTL,
			ExpiresAt:  rec.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Sweep reclaims locks whose recorded expiry has passed (backends without
// native expiry, or records written with a longer TTL than the key) and
// reports locks this process held that vanished from the backend. It returns
// the number of reclaimed locks.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	now := m.now()
	reclaimed := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ExpiresAt.IsZero() || !now.After(rec.ExpiresAt) {
			continue
		}
		ok, err := m.store.CompareAndDelete(ctx, k, raw)
		if err != nil || !ok {
			continue
		}
		key := strings.TrimPrefix(k, KeyPrefix)
		reclaimed++
		m.logger.Info(ctx, "reclaimed expired lock", "key", key, "holder", rec.Holder, "acquired_at", rec.AcquiredAt)
		m.sink.Emit(ctx, events.Event{Type: events.LockExpired, Hash: key, Reason: common.ReasonExpired})
		m.notify(key)
	}

	m.mu.Lock()
	held := make([]*Lock, 0, len(m.held))
	for _, l := range m.held {
		held = append(held, l)
	}
	m.mu.Unlock()
	for _, l := range held {
		raw, err := m.store.Get(ctx, KeyPrefix+l.Key)
		gone := errors.Is(err, common.ErrorNotFound)
		if err == nil {
			var rec record
			gone = json.Unmarshal(raw, &rec) == nil && rec.Token != l.Token
		}
		if gone && !l.isReleased() {
			l.markLost(ctx)
		}
	}
	return reclaimed, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error(ctx, "lock sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) waitCh(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[key]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		m.waiters[key] = w
	}
	w.refs++
	return w.ch
}

// unwait drops a subscription taken by waitCh that was not consumed by notify.
func (m *Manager) unwait(key string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[key]
	if !ok || w.ch != ch {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(m.waiters, key)
	}
}

// notify wakes every in-process waiter for key.
func (m *Manager) notify(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.waiters[key]; ok {
		close(w.ch)
		delete(m.waiters, key)
	}
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
