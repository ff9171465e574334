// Package publish appends envelopes to their per-type topics. The
// publisher blocks only on the store's own durability guarantee, never on
// consumer progress, so ingestion callers return fast regardless of
// downstream load.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/config"
	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/obs"
	"github.com/watchtower-fleet/eventstream/internal/retry"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

// Publisher appends envelopes to the topic named after their event type.
// Topics are created lazily on first publish.
type Publisher struct {
	store   stream.Store
	prefix  string
	logger  *zap.Logger
	metrics *obs.Metrics
}

// New creates a Publisher. metrics may be nil.
func New(store stream.Store, prefix string, logger *zap.Logger, metrics *obs.Metrics) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Publisher{store: store, prefix: prefix, logger: logger, metrics: metrics}, nil
}

// Publish durably appends env and returns the assigned position. On a
// *stream.PublishError the append may or may not have happened; callers
// retry, and consumers dedupe on payload business identifiers.
func (p *Publisher) Publish(ctx context.Context, env *event.Envelope) (stream.Position, error) {
	values, err := event.Marshal(env)
	if err != nil {
		return "", err
	}

	topic := event.TopicName(p.prefix, env.EventType)
	pos, err := p.store.Publish(ctx, topic, values)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncrementPublishErrors()
		}
		p.logger.Error("Failed to publish event",
			zap.String("eventType", string(env.EventType)),
			zap.String("eventID", env.EventID),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return "", err
	}

	if p.metrics != nil {
		p.metrics.IncrementPublished(string(env.EventType))
	}
	p.logger.Info("Published event",
		zap.String("eventType", string(env.EventType)),
		zap.String("eventID", env.EventID),
		zap.String("topic", topic),
		zap.String("position", string(pos)),
	)
	return pos, nil
}

// PublishEvent encodes a typed domain event and publishes it in one step.
// This is the call surface for the ingestion boundary. Schema violations
// are rejected here, logged with the full payload for diagnosis, and never
// appended.
func (p *Publisher) PublishEvent(ctx context.Context, eventType event.Type, occurredAt time.Time, correlationID string, payload any, metadata map[string]string) (*event.Envelope, stream.Position, error) {
	env, err := event.Encode(eventType, occurredAt, correlationID, payload, metadata)
	if err != nil {
		p.logger.Error("Rejected malformed event",
			zap.String("eventType", string(eventType)),
			zap.Any("payload", payload),
			zap.Error(err),
		)
		return nil, "", err
	}

	pos, err := p.Publish(ctx, env)
	if err != nil {
		return nil, "", err
	}
	return env, pos, nil
}

// PublishWithRetry retries transient publish failures with backoff.
// Schema and decode errors are permanent and returned immediately.
func (p *Publisher) PublishWithRetry(ctx context.Context, cfg *config.RetryConfig, env *event.Envelope) (stream.Position, error) {
	var pos stream.Position
	err := retry.DoWithRetry(ctx, cfg, transient, func() error {
		var err error
		pos, err = p.Publish(ctx, env)
		return err
	})
	return pos, err
}

// TopicInfo reports length and group count for an event type's topic.
func (p *Publisher) TopicInfo(ctx context.Context, eventType event.Type) (stream.Info, error) {
	return p.store.TopicInfo(ctx, event.TopicName(p.prefix, eventType))
}

// transient reports whether a publish failure is worth retrying.
func transient(err error) bool {
	var pubErr *stream.PublishError
	if errors.As(err, &pubErr) {
		return true
	}
	return errors.Is(err, stream.ErrTopicUnavailable)
}
