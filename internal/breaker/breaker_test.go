package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBoom = statusErr(503)

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func newTestBreaker(t *testing.T, store kv.Store, clk *clock, cfg Config, rec *events.Recorder) *Breaker {
	t.Helper()
	return New("openai", cfg, store, logging.Discard(), rec).WithClock(clk.Now)
}

func testConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           10 * time.Second,
		MaxTimeout:        time.Minute,
		BackoffMultiplier: 2,
		HalfOpenMaxCalls:  1,
	}
}

func TestBreaker_TripsAfterThresholdAndFailsFast(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	rec := &events.Recorder{}
	b := newTestBreaker(t, kv.NewMemory(), clk, testConfig(), rec)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Open, st.Phase)
	assert.Equal(t, 1, st.Trips)

	called := false
	err = b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called, "open circuit must not reach the provider")
	assert.ErrorIs(t, err, common.ErrCircuitOpen)

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.True(t, clk.Now().Add(10*time.Second).Equal(oe.RetryAt))

	require.Equal(t, 1, rec.Count(events.BreakerTransition))
	ev := rec.Events()[0]
	assert.Equal(t, "closed", ev.From)
	assert.Equal(t, "open", ev.To)
	assert.Equal(t, "openai", ev.Provider)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, kv.NewMemory(), newClock(), testConfig(), nil)

	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, fail)
	}
	require.NoError(t, b.Call(ctx, succeed))
	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, fail)
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Closed, st.Phase)
	assert.Equal(t, 4, st.Failures)
}

func TestBreaker_CallerErrorsDoNotCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, kv.NewMemory(), newClock(), testConfig(), nil)

	for i := 0; i < 10; i++ {
		assert.Error(t, b.Call(ctx, func(context.Context) error { return statusErr(404) }))
		assert.Error(t, b.Call(ctx, func(context.Context) error { return context.Canceled }))
	}

	st, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Closed, st.Phase)
	assert.Zero(t, st.Failures)
}

func TestBreaker_RecoveryAndGrowingTimeout(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := newTestBreaker(t, kv.NewMemory(), clk, testConfig(), nil)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	first, _ := b.State(ctx)
	require.Equal(t, Open, first.Phase)

	clk.Advance(10 * time.Second)

	// Probe fails: back to open with a longer timeout.
	assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	second, _ := b.State(ctx)
	assert.Equal(t, Open, second.Phase)
	assert.Greater(t, second.OpenTimeout, first.OpenTimeout)
	assert.Equal(t, 20*time.Second, second.OpenTimeout)

	// The old timeout is no longer enough.
	clk.Advance(10 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, succeed), common.ErrCircuitOpen)

	clk.Advance(10 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	st, _ := b.State(ctx)
	assert.Equal(t, HalfOpen, st.Phase)
	assert.Equal(t, 1, st.Successes)

	require.NoError(t, b.Call(ctx, succeed))
	st, _ = b.State(ctx)
	assert.Equal(t, Closed, st.Phase)
	assert.Equal(t, 10*time.Second, st.OpenTimeout, "closing resets the open period")
}

func TestBreaker_TimeoutCappedAtMax(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := newTestBreaker(t, kv.NewMemory(), clk, testConfig(), nil)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	for i := 0; i < 6; i++ {
		clk.Advance(time.Hour)
		_ = b.Call(ctx, fail)
	}

	st, _ := b.State(ctx)
	assert.Equal(t, Open, st.Phase)
	assert.Equal(t, time.Minute, st.OpenTimeout)
}

func TestBreaker_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clk := newClock()

	b := newTestBreaker(t, store, clk, testConfig(), nil)
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}

	restarted := newTestBreaker(t, store, clk, testConfig(), nil)
	st, err := restarted.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Open, st.Phase)
	assert.ErrorIs(t, restarted.Call(ctx, succeed), common.ErrCircuitOpen)
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 2
	cfg.SuccessThreshold = 3
	b := newTestBreaker(t, kv.NewMemory(), clk, cfg, nil)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clk.Advance(10 * time.Second)

	release := make(chan struct{})
	entered := make(chan struct{}, 10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var rejected, admitted int

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Call(ctx, func(context.Context) error {
				entered <- struct{}{}
				<-release
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, common.ErrCircuitOpen) {
				rejected++
			} else {
				admitted++
			}
		}()
	}

	// Two probes get in; the rest are rejected while they run.
	<-entered
	<-entered
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected == 4
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, admitted)
	st, _ := b.State(ctx)
	assert.Equal(t, HalfOpen, st.Phase)
	assert.Equal(t, 2, st.Successes)
	assert.Zero(t, st.InFlight)
}

func TestBreaker_ProbeLeaseReclaimsAbandonedSlot(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clk := newClock()
	cfg := testConfig()
	cfg.ProbeLease = time.Minute
	b := newTestBreaker(t, store, clk, cfg, nil)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clk.Advance(10 * time.Second)

	// Simulate a process that took the probe slot and crashed.
	_, err := b.admit(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Call(ctx, succeed), common.ErrCircuitOpen)

	clk.Advance(time.Minute)
	ok, err := b.Allows(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, b.Call(ctx, succeed))
}

func TestBreaker_StaleOutcomeIgnoredAfterTransition(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := newTestBreaker(t, kv.NewMemory(), clk, testConfig(), nil)

	// A slow call admitted while closed finishes after the circuit opened.
	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(started)
			<-finish
			return errBoom
		})
	}()
	<-started
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clk.Advance(10 * time.Second)
	require.NoError(t, b.Call(ctx, succeed)) // first probe, half-open

	close(finish)
	<-done

	st, _ := b.State(ctx)
	assert.Equal(t, HalfOpen, st.Phase)
	assert.Equal(t, 1, st.Successes)
}

func TestBreaker_AllowsDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := newTestBreaker(t, kv.NewMemory(), clk, testConfig(), nil)

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	ok, err := b.Allows(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(10 * time.Second)
	ok, err = b.Allows(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := b.State(ctx)
	assert.Equal(t, Open, st.Phase)
}

func TestBreaker_ResetAndList(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clk := newClock()
	rec := &events.Recorder{}
	a := newTestBreaker(t, store, clk, testConfig(), rec)
	other := New("mistral", testConfig(), store, logging.Discard(), nil).WithClock(clk.Now)

	for i := 0; i < 5; i++ {
		_ = a.Call(ctx, fail)
	}
	_ = other.Call(ctx, fail)

	all, err := List(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, Open, all["openai"].Phase)
	assert.Equal(t, Closed, all["mistral"].Phase)
	assert.Equal(t, 1, all["mistral"].Failures)

	require.NoError(t, a.Reset(ctx))
	st, _ := a.State(ctx)
	assert.Equal(t, Closed, st.Phase)
	assert.Equal(t, 2, rec.Count(events.BreakerTransition))
	assert.NoError(t, a.Call(ctx, succeed))
}

func TestBreaker_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clk := newClock()
	b1 := newTestBreaker(t, store, clk, testConfig(), nil)
	b2 := newTestBreaker(t, store, clk, testConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = b1.Call(ctx, fail) }()
		go func() { defer wg.Done(); _ = b2.Call(ctx, fail) }()
	}
	wg.Wait()

	st, err := b2.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Open, st.Phase)
	assert.Equal(t, 1, st.Trips, "concurrent failures must not trip twice")
}
