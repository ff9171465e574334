// Package bridge forwards consumed envelopes to Kafka for the analytics
// side of the fleet backend. It is a regular registered handler: safe to
// run with multiple readers, idempotent downstream via event_id keys.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/config"
	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/router"
)

// Forwarder publishes envelopes to per-type Kafka topics.
type Forwarder struct {
	writer      *kafka.Writer
	topicPrefix string
	logger      *zap.Logger
}

// NewForwarder creates a Kafka forwarder from the bridge configuration.
func NewForwarder(cfg *config.Config, logger *zap.Logger) (*Forwarder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("bridge requires at least one Kafka broker")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Forwarder{
		writer:      writer,
		topicPrefix: cfg.Kafka.TopicPrefix,
		logger:      logger,
	}, nil
}

// Handler returns the router handler that forwards envelopes. An error
// return lets the usual redelivery path retry the forward.
func (f *Forwarder) Handler() router.Handler {
	return func(ctx context.Context, env *event.Envelope) error {
		return f.Forward(ctx, env)
	}
}

// Forward writes one envelope to its Kafka topic. The message key is the
// correlation ID when present so related events land on one partition.
func (f *Forwarder) Forward(ctx context.Context, env *event.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := env.CorrelationID
	if key == "" {
		key = env.EventID
	}

	msg := kafka.Message{
		Topic: f.topic(env.EventType),
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "schema_version", Value: []byte(strconv.Itoa(env.SchemaVersion))},
			{Key: "occurred_at", Value: []byte(env.OccurredAt.UTC().Format(time.RFC3339Nano))},
		},
	}

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("forward %s to kafka: %w", env.EventID, err)
	}

	f.logger.Debug("Forwarded event to Kafka",
		zap.String("eventType", string(env.EventType)),
		zap.String("eventID", env.EventID),
		zap.String("topic", msg.Topic),
	)
	return nil
}

// topic maps an event type to its Kafka topic name.
func (f *Forwarder) topic(t event.Type) string {
	return f.topicPrefix + "." + string(t)
}

// Close closes the Kafka writer and releases resources.
func (f *Forwarder) Close() error {
	if f.writer != nil {
		if err := f.writer.Close(); err != nil {
			return fmt.Errorf("failed to close Kafka writer: %w", err)
		}
	}
	return nil
}
