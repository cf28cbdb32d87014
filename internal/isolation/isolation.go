// Package isolation keeps one circuit breaker per provider and routes each
// upload to a provider whose circuit admits calls, so that an outage of one
// provider never blocks another.
package isolation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/breaker"
	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/providers"
)

// SizePolicy orders providers when no usable preference is given: files of at
// least Threshold bytes go to Large first, smaller ones to Small first. It is
// a routing preference only; real size limits are checked separately.
type SizePolicy struct {
	Threshold int64
	Small     string
	Large     string
}

type Criteria struct {
	Preferred string
	Size      int64
	Purpose   string
}

// Route is the outcome of Select.
type Route struct {
	Provider providers.Provider
	Breaker  *breaker.Breaker
	// Degraded is set when every eligible circuit was open and the route was
	// chosen anyway; the breaker will reject the call.
	Degraded bool
}

func (r *Route) Name() string { return r.Provider.Name() }

// ProviderHealth is computed on read from the breaker state and the last
// health check.
type ProviderHealth struct {
	Name        string        `json:"name"`
	State       breaker.Phase `json:"state"`
	Available   bool          `json:"available"`
	Failures    int           `json:"failures"`
	Trips       int           `json:"trips"`
	OpenTimeout time.Duration `json:"open_timeout"`
	RetryAt     time.Time     `json:"retry_at,omitempty"`
	CheckedAt   time.Time     `json:"checked_at,omitempty"`
	CheckError  string        `json:"check_error,omitempty"`
}

// Healthy reports whether the provider both admits calls and passed its last
// explicit check.
func (h ProviderHealth) Healthy() bool {
	return h.Available && h.CheckError == ""
}

type entry struct {
	provider providers.Provider
	breaker  *breaker.Breaker
}

type checkResult struct {
	at  time.Time
	err error
}

type Manager struct {
	entries map[string]entry
	order   []string
	policy  SizePolicy
	logger  logging.Logger

	mu     sync.RWMutex
	checks map[string]checkResult
	now    func() time.Time
}

// Registration pairs a provider with its breaker.
type Registration struct {
	Provider providers.Provider
	Breaker  *breaker.Breaker
}

// New builds the registry. Registration order is the fallback order when the
// size policy does not decide.
func New(regs []Registration, policy SizePolicy, l logging.Logger) (*Manager, error) {
	m := &Manager{
		entries: make(map[string]entry, len(regs)),
		policy:  policy,
		logger:  l.With("module", "isolation"),
		checks:  make(map[string]checkResult),
		now:     time.Now,
	}
	for _, r := range regs {
		name := r.Provider.Name()
		if _, dup := m.entries[name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", name)
		}
		if r.Breaker == nil || r.Breaker.Name() != name {
			return nil, fmt.Errorf("provider %q: breaker missing or named differently", name)
		}
		m.entries[name] = entry{provider: r.Provider, breaker: r.Breaker}
		m.order = append(m.order, name)
	}
	if len(m.order) == 0 {
		return nil, fmt.Errorf("no providers registered")
	}
	for _, n := range []string{policy.Small, policy.Large} {
		if _, ok := m.entries[n]; n != "" && !ok {
			return nil, fmt.Errorf("size policy names unknown provider %q", n)
		}
	}
	return m, nil
}

func (m *Manager) Names() []string { return slices.Clone(m.order) }

func (m *Manager) Provider(name string) (providers.Provider, bool) {
	e, ok := m.entries[name]
	return e.provider, ok
}

func (m *Manager) Breaker(name string) (*breaker.Breaker, bool) {
	e, ok := m.entries[name]
	return e.breaker, ok
}

// MaxFileSize is the largest size any provider accepts for purpose; 0 means
// at least one provider is unlimited.
func (m *Manager) MaxFileSize(purpose string) int64 {
	var limit int64
	for _, name := range m.order {
		l := m.entries[name].provider.Limits()
		if !l.AcceptsPurpose(purpose) {
			continue
		}
		if l.MaxFileSize <= 0 {
			return 0
		}
		limit = max(limit, l.MaxFileSize)
	}
	return limit
}

func (m *Manager) AcceptsPurpose(purpose string) bool {
	for _, name := range m.order {
		if m.entries[name].provider.Limits().AcceptsPurpose(purpose) {
			return true
		}
	}
	return false
}

// preference returns provider names in the order the size policy prefers.
func (m *Manager) preference(size int64) []string {
	first := m.policy.Small
	if m.policy.Threshold > 0 && size >= m.policy.Threshold {
		first = m.policy.Large
	}
	out := make([]string, 0, len(m.order))
	if first != "" {
		out = append(out, first)
	}
	for _, n := range m.order {
		if n != first {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) eligible(e entry, c Criteria) bool {
	l := e.provider.Limits()
	return l.AcceptsPurpose(c.Purpose) && l.AcceptsSize(c.Size)
}

// Select picks the provider for an upload:
//  1. the preferred provider, if eligible and its circuit admits calls;
//  2. otherwise the first eligible provider in size-policy order whose
//     circuit admits calls;
//  3. if every eligible circuit is open, the preferred (or policy default)
//     provider anyway, marked Degraded.
func (m *Manager) Select(ctx context.Context, c Criteria) (*Route, error) {
	if c.Preferred != "" {
		e, ok := m.entries[c.Preferred]
		if !ok {
			return nil, fmt.Errorf("%q: %w", c.Preferred, common.ErrUnknownProvider)
		}
		if m.eligible(e, c) {
			if m.allows(ctx, e) {
				return &Route{Provider: e.provider, Breaker: e.breaker}, nil
			}
		} else {
			m.logger.Info(ctx, "preferred provider cannot take this file, falling back",
				"preferred", c.Preferred, "size", c.Size, "purpose", c.Purpose)
		}
	}

	var fallback *entry
	for _, name := range m.preference(c.Size) {
		e := m.entries[name]
		if !m.eligible(e, c) {
			continue
		}
		if fallback == nil {
			fallback = &e
		}
		if m.allows(ctx, e) {
			if c.Preferred != "" && name != c.Preferred {
				m.logger.Info(ctx, "routing away from preferred provider", "preferred", c.Preferred, "provider", name)
			}
			return &Route{Provider: e.provider, Breaker: e.breaker}, nil
		}
	}

	if fallback == nil {
		if !m.AcceptsPurpose(c.Purpose) {
			return nil, fmt.Errorf("purpose %q: %w", c.Purpose, common.ErrInvalidPurpose)
		}
		return nil, fmt.Errorf("%d bytes: %w", c.Size, common.ErrFileTooLarge)
	}

	chosen := *fallback
	if e, ok := m.entries[c.Preferred]; ok && m.eligible(e, c) {
		chosen = e
	}
	m.logger.Warn(ctx, "every eligible provider circuit is open", "provider", chosen.provider.Name())
	return &Route{Provider: chosen.provider, Breaker: chosen.breaker, Degraded: true}, nil
}

// allows treats a breaker-state read error as "admits": the breaker itself
// will fail the call if its backend is down.
func (m *Manager) allows(ctx context.Context, e entry) bool {
	ok, err := e.breaker.Allows(ctx)
	if err != nil {
		m.logger.Warn(ctx, "breaker state unavailable", "provider", e.provider.Name(), "error", err)
		return true
	}
	return ok
}

// Health returns the derived health of every provider.
func (m *Manager) Health(ctx context.Context) map[string]ProviderHealth {
	m.mu.RLock()
	checks := make(map[string]checkResult, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	out := make(map[string]ProviderHealth, len(m.order))
	for _, name := range m.order {
		e := m.entries[name]
		h := ProviderHealth{Name: name}

		st, err := e.breaker.State(ctx)
		if err != nil {
			h.State = breaker.Closed
			h.Available = true
			h.CheckError = fmt.Sprintf("breaker state: %v", err)
		} else {
			h.State = st.Phase
			h.Failures = st.Failures
			h.Trips = st.Trips
			h.OpenTimeout = st.OpenTimeout
			h.RetryAt = st.RetryAt()
			h.Available = m.allows(ctx, e)
		}
		if c, ok := checks[name]; ok {
			h.CheckedAt = c.at
			if c.err != nil && h.CheckError == "" {
				h.CheckError = c.err.Error()
			}
		}
		out[name] = h
	}
	return out
}

// RefreshHealth runs the explicit health check of every provider that has
// one. Checks run concurrently, each bounded by timeout.
func (m *Manager) RefreshHealth(ctx context.Context, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, name := range m.order {
		hc, ok := m.entries[name].provider.(providers.HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, hc providers.HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := hc.HealthCheck(cctx)
			if err != nil {
				m.logger.Warn(ctx, "provider health check failed", "provider", name, "error", err)
			}
			m.mu.Lock()
			m.checks[name] = checkResult{at: m.now(), err: err}
			m.mu.Unlock()
		}(name, hc)
	}
	wg.Wait()
}

// RunHealthChecks refreshes health every interval until ctx is done.
func (m *Manager) RunHealthChecks(ctx context.Context, interval, timeout time.Duration) {
	m.RefreshHealth(ctx, timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshHealth(ctx, timeout)
		}
	}
}
