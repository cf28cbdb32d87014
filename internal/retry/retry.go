// Package retry runs an operation with bounded exponential backoff and full
// jitter, retrying only errors that look transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

// Config configures the retry behavior.
type Config struct {
	MaxAttempts     int           // Total attempts including the first (default: 3)
	BaseDelay       time.Duration // Delay before the first retry, pre-jitter (default: 500ms)
	MaxDelay        time.Duration // Cap on the computed delay (default: 30s)
	ExponentialBase float64       // Growth factor per attempt (default: 2)
	Jitter          bool          // Full jitter: uniform(0, delay)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = d.ExponentialBase
	}
	return c
}

// Error is returned when every attempt failed with a retryable error, or when
// a non-retryable error ended the loop early. Attempts counts calls made.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempts reports how many calls an error returned by Execute went through.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

// Handler executes operations under a Config.
type Handler struct {
	cfg    Config
	logger logging.Logger
	sink   events.Sink

	// Provider labels log lines and events.
	provider string

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, l logging.Logger, sink events.Sink) *Handler {
	return &Handler{
		cfg:    cfg.withDefaults(),
		logger: l.With("module", "retry"),
		sink:   events.OrNop(sink),
		rand:   rand.Float64,
		sleep:  sleepCtx,
	}
}

// ForProvider returns a copy of h that labels its logs and events with name.
func (h *Handler) ForProvider(name string) *Handler {
	c := *h
	c.provider = name
	c.logger = h.logger.With("provider", name)
	return &c
}

func (h *Handler) Config() Config { return h.cfg }

// Backoff returns the delay before retry number attempt (0-based): the capped
// exponential delay, then full jitter when enabled. The result always lies in
// [0, min(BaseDelay*ExponentialBase^attempt, MaxDelay)].
func (h *Handler) Backoff(attempt int) time.Duration {
	ceiling := float64(h.cfg.BaseDelay) * math.Pow(h.cfg.ExponentialBase, float64(attempt))
	if ceiling > float64(h.cfg.MaxDelay) || math.IsInf(ceiling, 0) || math.IsNaN(ceiling) {
		ceiling = float64(h.cfg.MaxDelay)
	}
	if !h.cfg.Jitter {
		return time.Duration(ceiling)
	}
	return time.Duration(h.rand() * ceiling)
}

// Execute calls op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached.
func (h *Handler) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !ShouldRetry(err) || ctx.Err() != nil {
			return &Error{Attempts: attempt, Err: err}
		}
		if attempt == h.cfg.MaxAttempts {
			break
		}

		delay := h.Backoff(attempt - 1)
		h.logger.Warn(ctx, "operation failed, retrying",
			"attempt", attempt,
			"max_attempts", h.cfg.MaxAttempts,
			"retry_in", delay,
			"error", err)
		h.sink.Emit(ctx, events.Event{
			Type:     events.RetryScheduled,
			Provider: h.provider,
			Attempt:  attempt,
			Delay:    delay,
			Err:      err.Error(),
		})

		if err := h.sleep(ctx, delay); err != nil {
			return &Error{Attempts: attempt, Err: lastErr}
		}
	}

	return &Error{Attempts: h.cfg.MaxAttempts, Err: lastErr}
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, h *Handler, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := h.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// ShouldRetry classifies err. Status-bearing errors retry only on
// 429/500/502/503/504. Per-call deadlines and network timeouts are transient.
// Everything else, including circuit-open rejections and caller
// cancellation, is final.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := common.StatusCode(err); ok {
		return retryableStatus[code]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
