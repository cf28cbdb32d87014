package events

import (
	"context"

	"github.com/dmitrijs2005/uploadgate/internal/logging"
)

// Log writes events as debug-level structured log lines.
type Log struct {
	logger logging.Logger
}

func NewLog(l logging.Logger) *Log {
	return &Log{logger: l.With("module", "events")}
}

func (l *Log) Emit(ctx context.Context, e Event) {
	args := []any{"type", string(e.Type)}
	if e.Provider != "" {
		args = append(args, "provider", e.Provider)
	}
	if e.Hash != "" {
		args = append(args, "hash", e.Hash)
	}
	if e.RecordID != "" {
		args = append(args, "record_id", e.RecordID)
	}
	if e.From != "" || e.To != "" {
		args = append(args, "from", e.From, "to", e.To)
	}
	if e.Attempt > 0 {
		args = append(args, "attempt", e.Attempt, "delay", e.Delay)
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}
	if e.Err != "" {
		args = append(args, "error", e.Err)
	}
	l.logger.Debug(ctx, "event", args...)
}
