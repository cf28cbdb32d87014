package isolation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/uploadgate/internal/breaker"
	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/kv"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/providers"
	"github.com/dmitrijs2005/uploadgate/internal/providers/providertest"
)

const mb = 1 << 20

type fixture struct {
	m     *Manager
	a, b  *providertest.Fake
	store *kv.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemory()
	a := providertest.New("a", providers.Limits{MaxFileSize: 512 * mb, Purposes: []string{"assistants", "batch"}})
	b := providertest.New("b", providers.Limits{MaxFileSize: 512 * mb, Purposes: []string{"assistants", "ocr"}})

	cfg := breaker.Config{FailureThreshold: 3, Timeout: time.Minute}
	m, err := New([]Registration{
		{Provider: a, Breaker: breaker.New("a", cfg, store, logging.Discard(), nil)},
		{Provider: b, Breaker: breaker.New("b", cfg, store, logging.Discard(), nil)},
	}, SizePolicy{Threshold: 5 * mb, Small: "a", Large: "b"}, logging.Discard())
	require.NoError(t, err)
	return &fixture{m: m, a: a, b: b, store: store}
}

func (f *fixture) trip(t *testing.T, name string) {
	t.Helper()
	br, _ := f.m.Breaker(name)
	for i := 0; i < 3; i++ {
		_ = br.Call(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	st, err := br.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, breaker.Open, st.Phase)
}

func TestSelect_PreferredWhenAvailable(t *testing.T) {
	f := newFixture(t)

	r, err := f.m.Select(context.Background(), Criteria{Preferred: "b", Size: mb, Purpose: "assistants"})

	require.NoError(t, err)
	assert.Equal(t, "b", r.Name())
	assert.False(t, r.Degraded)
}

func TestSelect_SizePolicy(t *testing.T) {
	f := newFixture(t)

	small, err := f.m.Select(context.Background(), Criteria{Size: mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "a", small.Name())

	large, err := f.m.Select(context.Background(), Criteria{Size: 10 * mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "b", large.Name())
}

func TestSelect_OpenProviderRoutesToOther(t *testing.T) {
	f := newFixture(t)
	f.trip(t, "a")

	r, err := f.m.Select(context.Background(), Criteria{Size: mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Name())

	r, err = f.m.Select(context.Background(), Criteria{Preferred: "a", Size: mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Name())
}

func TestSelect_AllOpenReturnsPreferredDegraded(t *testing.T) {
	f := newFixture(t)
	f.trip(t, "a")
	f.trip(t, "b")

	r, err := f.m.Select(context.Background(), Criteria{Preferred: "b", Size: mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Name())
	assert.True(t, r.Degraded)

	err = r.Breaker.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, common.ErrCircuitOpen)

	r, err = f.m.Select(context.Background(), Criteria{Size: mb, Purpose: "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "a", r.Name(), "policy default when nothing preferred")
	assert.True(t, r.Degraded)
}

func TestSelect_PurposeEligibility(t *testing.T) {
	f := newFixture(t)

	r, err := f.m.Select(context.Background(), Criteria{Preferred: "a", Size: mb, Purpose: "ocr"})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Name(), "preferred provider does not accept the purpose")

	_, err = f.m.Select(context.Background(), Criteria{Size: mb, Purpose: "fine-tune"})
	assert.ErrorIs(t, err, common.ErrInvalidPurpose)
}

func TestSelect_SizeBeyondEveryLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Select(context.Background(), Criteria{Size: 1024 * mb, Purpose: "assistants"})
	assert.ErrorIs(t, err, common.ErrFileTooLarge)
}

func TestSelect_UnknownPreferred(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Select(context.Background(), Criteria{Preferred: "c", Size: 1, Purpose: "assistants"})
	assert.ErrorIs(t, err, common.ErrUnknownProvider)
}

// Tripping A must not change anything about B while both are in use.
func TestIsolation_TrippingOneProviderLeavesOtherUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.a.FailWith(&providers.StatusError{Provider: "a", Op: "upload", Code: 503})

	brA, _ := f.m.Breaker("a")
	_, _ = f.m.Breaker("b")
	var bOK, bFail atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = brA.Call(ctx, func(ctx context.Context) error {
				_, err := f.a.Upload(ctx, providers.Upload{Purpose: "assistants", Size: 1})
				return err
			})
		}()
		go func() {
			defer wg.Done()
			r, err := f.m.Select(ctx, Criteria{Preferred: "b", Size: 1, Purpose: "assistants"})
			if err != nil || r.Name() != "b" {
				bFail.Add(1)
				return
			}
			err = r.Breaker.Call(ctx, func(ctx context.Context) error {
				_, err := f.b.Upload(ctx, providers.Upload{Purpose: "assistants", Size: 1, Body: bytesReader("x")})
				return err
			})
			if err != nil {
				bFail.Add(1)
				return
			}
			bOK.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), bOK.Load())
	assert.Zero(t, bFail.Load())

	health := f.m.Health(ctx)
	assert.Equal(t, breaker.Open, health["a"].State)
	assert.False(t, health["a"].Available)
	assert.Equal(t, breaker.Closed, health["b"].State)
	assert.True(t, health["b"].Healthy())
	assert.Zero(t, health["b"].Failures)
}

func TestRefreshHealth_RecordsCheckErrors(t *testing.T) {
	f := newFixture(t)
	f.b.SetHealth(errors.New("dns failure"))

	f.m.RefreshHealth(context.Background(), time.Second)
	h := f.m.Health(context.Background())

	assert.True(t, h["a"].Healthy())
	assert.False(t, h["a"].CheckedAt.IsZero())
	assert.False(t, h["b"].Healthy())
	assert.Equal(t, "dns failure", h["b"].CheckError)
	assert.True(t, h["b"].Available, "a failed check does not open the circuit")
}

func TestLimitsQueries(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(512*mb), f.m.MaxFileSize("assistants"))
	assert.True(t, f.m.AcceptsPurpose("ocr"))
	assert.False(t, f.m.AcceptsPurpose("vision"))
	assert.Equal(t, []string{"a", "b"}, f.m.Names())
}

func TestNew_Validation(t *testing.T) {
	store := kv.NewMemory()
	a := providertest.New("a", providers.Limits{})

	_, err := New(nil, SizePolicy{}, logging.Discard())
	assert.Error(t, err)

	_, err = New([]Registration{{Provider: a, Breaker: breaker.New("x", breaker.Config{}, store, logging.Discard(), nil)}}, SizePolicy{}, logging.Discard())
	assert.Error(t, err)

	_, err = New([]Registration{{Provider: a, Breaker: breaker.New("a", breaker.Config{}, store, logging.Discard(), nil)}}, SizePolicy{Large: "zzz"}, logging.Discard())
	assert.Error(t, err)
}

func bytesReader(s string) *strings.Reader { return strings.NewReader(s) }
