// Package events publishes job lifecycle envelopes to Kafka for downstream
// consumers (audit, notification fan-out). The sink is optional; when no
// brokers are configured the engine runs without it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"tracelight/internal/model"
	"tracelight/internal/observability"
)

// Envelope is the published message body, keyed by job_id.
type Envelope struct {
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`
	Job           model.Job `json:"job"`
	Timestamp     time.Time `json:"timestamp"`
}

// KafkaSink writes envelopes to a single topic.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a sink; returns nil when brokers is empty so callers
// can pass the result straight through as an optional dependency.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 {
		return nil
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Publish sends one lifecycle envelope. Failures are logged, never
// propagated; the event sink must not affect job outcomes.
func (s *KafkaSink) Publish(ctx context.Context, kind string, job model.Job) {
	if s == nil {
		return
	}
	env := Envelope{
		CorrelationID: job.ID,
		Kind:          kind,
		Job:           job,
		Timestamp:     time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ID),
		Value: payload,
	}); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("job_id", job.ID).Str("kind", kind).Msg("event_publish_failed")
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil {
		return nil
	}
	return s.writer.Close()
}
