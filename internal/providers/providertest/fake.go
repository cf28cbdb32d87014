// Package providertest provides an in-memory providers.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/uploadgate/internal/providers"
)

// Fake records uploads in memory. Failures are scripted with FailNext or
// FailWith; Gate blocks uploads until closed.
type Fake struct {
	name   string
	limits providers.Limits

	mu       sync.Mutex
	files    map[string][]byte
	failures []error
	always   error
	delErr   error
	healthy  error
	gate     chan struct{}

	uploads atomic.Int64
	deletes atomic.Int64
	seq     atomic.Int64
}

func New(name string, limits providers.Limits) *Fake {
	return &Fake{name: name, limits: limits, files: make(map[string][]byte)}
}

func (f *Fake) Name() string              { return f.name }
func (f *Fake) Limits() providers.Limits { return f.limits }

// FailNext makes the next len(errs) upload calls fail with errs in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// FailWith makes every upload call fail with err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = err
}

func (f *Fake) FailDeletes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delErr = err
}

func (f *Fake) SetHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = err
}

// Gate returns a channel that holds every upload until it is closed.
func (f *Fake) Gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *Fake) Upload(ctx context.Context, u providers.Upload) (string, error) {
	f.uploads.Add(1)

	f.mu.Lock()
	gate := f.gate
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	} else {
		err = f.always
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if err := providers.CheckLimits(f.name, f.limits, u); err != nil {
		return "", err
	}

	data, err := io.ReadAll(u.Body)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("%s-file-%d", f.name, f.seq.Add(1))

	f.mu.Lock()
	f.files[id] = data
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) Delete(_ context.Context, fileID string) error {
	f.deletes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	if _, ok := f.files[fileID]; !ok {
		return &providers.StatusError{Provider: f.name, Op: "delete", Code: 404}
	}
	delete(f.files, fileID)
	return nil
}

func (f *Fake) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

// Uploads is the number of Upload calls, failed ones included.
func (f *Fake) Uploads() int { return int(f.uploads.Load()) }

func (f *Fake) Deletes() int { return int(f.deletes.Load()) }

// Stored returns the content of a stored file.
func (f *Fake) Stored(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[id]
	return b, ok
}

func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}
