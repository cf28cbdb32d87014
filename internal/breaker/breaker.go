// Package breaker implements a per-provider circuit breaker whose state lives
// in a kv.Store, so that several processes share one view of a provider and a
// restart never resets an open circuit.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

// KeyPrefix prefixes the state key of every breaker in the store.
const KeyPrefix = "breaker:"

// maxCASRetries bounds the optimistic update loop under heavy contention.
const maxCASRetries = 64

// Config configures a Breaker. Zero values are replaced by defaults.
type Config struct {
	FailureThreshold  int           // consecutive failures that trip the circuit (default: 5)
	SuccessThreshold  int           // consecutive half-open successes that close it (default: 2)
	Timeout           time.Duration // first open period (default: 30s)
	MaxTimeout        time.Duration // cap for the growing open period (default: 10m)
	BackoffMultiplier float64       // open-period growth per failed probe round (default: 2)
	HalfOpenMaxCalls  int           // concurrent probes while half-open (default: 1)
	// ProbeLease reclaims probe slots of callers that never reported back
	// (default: 2m). Zero keeps the default; negative disables reclamation.
	ProbeLease time.Duration
	// IsFailure decides whether an error counts against the provider.
	// Defaults to DefaultIsFailure.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		MaxTimeout:        10 * time.Minute,
		BackoffMultiplier: 2,
		HalfOpenMaxCalls:  1,
		ProbeLease:        2 * time.Minute,
		IsFailure:         DefaultIsFailure,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTimeout < c.Timeout {
		c.MaxTimeout = max(d.MaxTimeout, c.Timeout)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.ProbeLease == 0 {
		c.ProbeLease = d.ProbeLease
	}
	if c.IsFailure == nil {
		c.IsFailure = d.IsFailure
	}
	return c
}

// DefaultIsFailure counts every error except caller mistakes the provider
// answered correctly (400, 404, 409, 413, 422) and caller cancellation.
func DefaultIsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := common.StatusCode(err); ok {
		switch code {
		case 400, 404, 409, 413, 422:
			return false
		}
	}
	return true
}

type Phase string

const (
	Closed   Phase = "closed"
	Open     Phase = "open"
	HalfOpen Phase = "half_open"
)

// State is the persisted breaker state of one provider.
type State struct {
	Phase     Phase `json:"phase"`
	Failures  int   `json:"failures"`
	Successes int   `json:"successes"`
	// InFlight counts admitted half-open probes that have not reported back.
	InFlight       int           `json:"in_flight"`
	ProbeStarted   time.Time     `json:"probe_started,omitempty"`
	LastTransition time.Time     `json:"last_transition"`
	OpenTimeout    time.Duration `json:"open_timeout"`
	Trips          int           `json:"trips"`
	// Generation changes on every transition; outcomes of calls admitted in
	// an earlier generation are ignored.
	Generation int64 `json:"generation"`
}

// RetryAt is when an open circuit starts admitting probes.
func (s State) RetryAt() time.Time {
	if s.Phase != Open {
		return time.Time{}
	}
	return s.LastTransition.Add(s.OpenTimeout)
}

// Breaker guards calls to one provider.
type Breaker struct {
	name   string
	key    string
	cfg    Config
	store  kv.Store
	logger logging.Logger
	sink   events.Sink
	now    func() time.Time
}

func New(name string, cfg Config, store kv.Store, l logging.Logger, sink events.Sink) *Breaker {
	return &Breaker{
		name:   name,
		key:    KeyPrefix + name,
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: l.With("module", "breaker", "provider", name),
		sink:   events.OrNop(sink),
		now:    time.Now,
	}
}

// WithClock overrides the clock used for timeouts and timestamps.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.cfg }

func (b *Breaker) initial() State {
	return State{Phase: Closed, OpenTimeout: b.cfg.Timeout}
}

// ticket records how a call was admitted.
type ticket struct {
	probe      bool
	generation int64
}

// Call runs fn if the circuit admits it and records the outcome. A rejected
// call returns an error wrapping common.ErrCircuitOpen without running fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := b.admit(ctx)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	// The outcome must be recorded even if the caller gave up meanwhile,
	// otherwise a probe slot stays taken until its lease runs out.
	rctx := context.WithoutCancel(ctx)
	switch {
	case callErr == nil:
		b.record(rctx, t, b.onSuccess)
	case b.cfg.IsFailure(callErr):
		b.record(rctx, t, b.onFailure)
	default:
		b.record(rctx, t, b.onNeutral)
	}
	return callErr
}

func (b *Breaker) admit(ctx context.Context) (ticket, error) {
	var t ticket
	var rejected *State

	_, err := b.update(ctx, func(st *State) bool {
		rejected = nil
		now := b.now()
		switch st.Phase {
		case Closed:
			t = ticket{generation: st.Generation}
			return false

		case Open:
			if now.Before(st.RetryAt()) {
				s := *st
				rejected = &s
				return false
			}
			b.transition(st, HalfOpen, now)
			st.InFlight = 1
			st.ProbeStarted = now
			t = ticket{probe: true, generation: st.Generation}
			return true

		default:
			if st.InFlight >= b.cfg.HalfOpenMaxCalls {
				if b.cfg.ProbeLease > 0 && !now.Before(st.ProbeStarted.Add(b.cfg.ProbeLease)) {
					b.logger.Warn(ctx, "reclaiming abandoned probe slots", "in_flight", st.InFlight)
					st.InFlight = 0
				} else {
					s := *st
					rejected = &s
					return false
				}
			}
			st.InFlight++
			st.ProbeStarted = now
			t = ticket{probe: true, generation: st.Generation}
			return true
		}
	})
	if err != nil {
		return ticket{}, fmt.Errorf("breaker %s: admit: %w", b.name, err)
	}
	if rejected != nil {
		return ticket{}, &OpenError{Provider: b.name, Phase: rejected.Phase, RetryAt: rejected.RetryAt()}
	}
	return t, nil
}

func (b *Breaker) onSuccess(st *State, t ticket, now time.Time) bool {
	switch st.Phase {
	case Closed:
		if st.Failures == 0 {
			return false
		}
		st.Failures = 0
		return true
	case HalfOpen:
		if !t.probe {
			return false
		}
		st.InFlight = max(st.InFlight-1, 0)
		st.Successes++
		if st.Successes >= b.cfg.SuccessThreshold {
			b.transition(st, Closed, now)
			st.OpenTimeout = b.cfg.Timeout
		}
		return true
	}
	return false
}

func (b *Breaker) onFailure(st *State, t ticket, now time.Time) bool {
	switch st.Phase {
	case Closed:
		st.Failures++
		if st.Failures >= b.cfg.FailureThreshold {
			b.transition(st, Open, now)
			st.Trips++
		}
		return true
	case HalfOpen:
		if !t.probe {
			return false
		}
		b.transition(st, Open, now)
		st.Trips++
		next := time.Duration(float64(st.OpenTimeout) * b.cfg.BackoffMultiplier)
		st.OpenTimeout = min(next, b.cfg.MaxTimeout)
		return true
	}
	return false
}

// onNeutral releases the probe slot of a call whose error says nothing about
// the provider's health.
func (b *Breaker) onNeutral(st *State, t ticket, _ time.Time) bool {
	if st.Phase != HalfOpen || !t.probe || st.InFlight == 0 {
		return false
	}
	st.InFlight--
	return true
}

func (b *Breaker) record(ctx context.Context, t ticket, apply func(*State, ticket, time.Time) bool) {
	_, err := b.update(ctx, func(st *State) bool {
		if st.Generation != t.generation {
			return false
		}
		return apply(st, t, b.now())
	})
	if err != nil {
		b.logger.Error(ctx, "failed to record call outcome", "error", err)
	}
}

// transition moves st to phase and resets the per-phase counters.
func (b *Breaker) transition(st *State, to Phase, now time.Time) {
	st.Phase = to
	st.Failures = 0
	st.Successes = 0
	st.InFlight = 0
	st.ProbeStarted = time.Time{}
	st.LastTransition = now
	st.Generation++
}

// State returns the persisted state.
func (b *Breaker) State(ctx context.Context) (State, error) {
	st, _, err := b.load(ctx)
	return st, err
}

// Allows reports whether a call made now would be admitted, without changing
// any state.
func (b *Breaker) Allows(ctx context.Context) (bool, error) {
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	now := b.now()
	switch st.Phase {
	case Open:
		return !now.Before(st.RetryAt()), nil
	case HalfOpen:
		if st.InFlight < b.cfg.HalfOpenMaxCalls {
			return true, nil
		}
		return b.cfg.ProbeLease > 0 && !now.Before(st.ProbeStarted.Add(b.cfg.ProbeLease)), nil
	}
	return true, nil
}

// Reset force-closes the circuit. Operator use.
func (b *Breaker) Reset(ctx context.Context) error {
	_, err := b.update(ctx, func(st *State) bool {
		if st.Phase == Closed && st.Failures == 0 && st.OpenTimeout == b.cfg.Timeout {
			return false
		}
		b.transition(st, Closed, b.now())
		st.OpenTimeout = b.cfg.Timeout
		return true
	})
	if err != nil {
		return fmt.Errorf("breaker %s: reset: %w", b.name, err)
	}
	return nil
}

func (b *Breaker) load(ctx context.Context) (State, []byte, error) {
	raw, err := b.store.Get(ctx, b.key)
	if errors.Is(err, common.ErrorNotFound) {
		return b.initial(), nil, nil
	}
	if err != nil {
		return State{}, nil, fmt.Errorf("load state: %w", err)
	}
	st := b.initial()
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, nil, fmt.Errorf("decode state: %w", err)
	}
	return st, raw, nil
}

// update applies fn to the current state and writes it back with a
// compare-and-swap, retrying on conflicts. fn reports whether it changed the
// state; it may run several times.
func (b *Breaker) update(ctx context.Context, fn func(st *State) bool) (State, error) {
	for i := 0; i < maxCASRetries; i++ {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		st, prev, err := b.load(ctx)
		if err != nil {
			return State{}, err
		}
		from := st.Phase
		if !fn(&st) {
			return st, nil
		}
		next, err := json.Marshal(st)
		if err != nil {
			return State{}, fmt.Errorf("encode state: %w", err)
		}
		ok, err := b.store.CompareAndSwap(ctx, b.key, prev, next, 0)
		if err != nil {
			return State{}, fmt.Errorf("store state: %w", err)
		}
		if !ok {
			continue
		}
		if from != st.Phase {
			b.logger.Info(ctx, "circuit breaker transition", "from", string(from), "to", string(st.Phase),
				"open_timeout", st.OpenTimeout, "trips", st.Trips)
			b.sink.Emit(ctx, events.Event{
				Type:     events.BreakerTransition,
				Provider: b.name,
				From:     string(from),
				To:       string(st.Phase),
			})
		}
		return st, nil
	}
	return State{}, common.ErrCASConflict
}

// OpenError is returned for calls rejected by an open (or saturated
// half-open) circuit.
type OpenError struct {
	Provider string
	Phase    Phase
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	if e.Phase == HalfOpen {
		return fmt.Sprintf("provider %s: half-open probe limit reached: %v", e.Provider, common.ErrCircuitOpen)
	}
	return fmt.Sprintf("provider %s: retry after %s: %v", e.Provider, e.RetryAt.Format(time.RFC3339), common.ErrCircuitOpen)
}

func (e *OpenError) Unwrap() error { return common.ErrCircuitOpen }

// List returns the persisted state of every breaker in store, keyed by
// provider name.
func List(ctx context.Context, store kv.Store) (map[string]State, error) {
	keys, err := store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	out := make(map[string]State, len(keys))
	for _, k := range keys {
		raw, err := store.Get(ctx, k)
		if errors.Is(err, common.ErrorNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out[k[len(KeyPrefix):]] = st
	}
	return out, nil
}
