// Package events publishes audit events for allocation changes, analyses
// and executions. Publishing is best-effort: a broker outage is logged and
// never fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/seenimoa/fleetpilot/internal/config"
)

// Event types.
const (
	TypeAllocationUpdated     = "allocation.updated"
	TypeAllocationRejected    = "allocation.rejected"
	TypeAnalysisCompleted     = "analysis.completed"
	TypeAnalysisDegraded      = "analysis.degraded"
	TypeExecutionApplied      = "execution.applied"
	TypeExecutionSummarized   = "execution.summarized"
	TypeExecutionSummaryError = "execution.summary_failed"
	TypeSiteProvisioned       = "site.provisioned"
)

// Event is one audit record.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// NewEvent stamps a payload with a fresh id and the current time.
func NewEvent(typ string, payload any) Event {
	return Event{ID: uuid.NewString(), Type: typ, At: time.Now().UTC(), Payload: payload}
}

// Publisher delivers events somewhere durable or observable.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New picks the Kafka publisher when brokers are configured, otherwise a
// publisher that writes events to the log.
func New(cfg config.EventsConfig, logger *slog.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		return NewLogPublisher(logger)
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic, logger)
}

// Emit publishes typ/payload and logs instead of returning a failure.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, typ string, payload any) {
	if p == nil {
		return
	}
	ev := NewEvent(typ, payload)
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("audit event dropped", "type", typ, "id", ev.ID, "error", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Kafka
// ════════════════════════════════════════════════════════════════════

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by event id.
type KafkaPublisher struct {
	w   messageWriter
	log *slog.Logger
}

// NewKafkaPublisher creates a synchronous writer on topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			WriteTimeout: 5 * time.Second,
		},
		log: logger.With(slog.String("component", "kafka-events")),
	}
}

// Publish implements Publisher.
func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: write %s: %w", ev.Type, err)
	}
	k.log.Debug("event published", "type", ev.Type, "id", ev.ID)
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaPublisher) Close() error { return k.w.Close() }

// ════════════════════════════════════════════════════════════════════
// Log, memory and no-op publishers
// ════════════════════════════════════════════════════════════════════

// LogPublisher writes events to a logger.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger.With(slog.String("component", "events"))}
}

// Publish implements Publisher.
func (l *LogPublisher) Publish(_ context.Context, ev Event) error {
	l.log.Info("event", "type", ev.Type, "id", ev.ID, "payload", ev.Payload)
	return nil
}

// Close implements Publisher.
func (l *LogPublisher) Close() error { return nil }

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }

// Events returns a copy of what was published.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the published event types in order.
func (m *Memory) Types() []string {
	evs := m.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
