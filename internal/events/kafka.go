package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON messages keyed by provider (so one
// provider's events stay ordered within a partition).
type Kafka struct {
	writer messageWriter
	logger logging.Logger
}

// NewKafka builds an asynchronous publisher: Emit never waits for brokers.
func NewKafka(brokers []string, topic string, l logging.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
	}
	return newKafka(w, l)
}

func newKafka(w messageWriter, l logging.Logger) *Kafka {
	return &Kafka{writer: w, logger: l.With("module", "events_kafka")}
}

func (k *Kafka) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		k.logger.Warn(ctx, "encode event", "type", string(e.Type), "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(e.Provider), Value: payload, Time: e.At}
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		k.logger.Warn(ctx, "publish event", "type", string(e.Type), "error", err)
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
