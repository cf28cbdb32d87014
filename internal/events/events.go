// Package events carries the observability events the orchestrator emits
// (uploads, dedup hits, retries, breaker transitions, locks, lifecycle).
// Sinks decide where they go: Prometheus, Kafka, the log, or nowhere.
package events

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	UploadStarted     Type = "upload_started"
	UploadSucceeded   Type = "upload_succeeded"
	UploadFailed      Type = "upload_failed"
	DedupHit          Type = "dedup_hit"
	RetryScheduled    Type = "retry_scheduled"
	BreakerTransition Type = "breaker_transition"
	LockAcquired      Type = "lock_acquired"
	LockReleased      Type = "lock_released"
	LockExpired       Type = "lock_expired"
	LifecycleDeleted  Type = "lifecycle_deleted"
	LifecycleFlagged  Type = "lifecycle_flagged"
)

// Event is a flat record; unused fields stay zero.
type Event struct {
	Type     Type          `json:"type"`
	At       time.Time     `json:"at"`
	Provider string        `json:"provider,omitempty"`
	Hash     string        `json:"hash,omitempty"`
	RecordID string        `json:"record_id,omitempty"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Sink consumes events. Emit must not block the caller on slow transports.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Recorder keeps every event in memory. The operator CLI reads it back to
// list the records a one-off cleanup touched.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit on a nil Recorder drops the event.
func (r *Recorder) Emit(_ context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
