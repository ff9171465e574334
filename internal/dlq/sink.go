// Package dlq provides the durable holding area for envelopes that
// exhausted their retry budget. Records are never auto-deleted; replay and
// purge are deliberate operator actions.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/obs"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

// Record fields stored alongside the original envelope's wire values.
const (
	fieldTopic          = "dl_topic"
	fieldAttemptCount   = "dl_attempt_count"
	fieldLastError      = "dl_last_error"
	fieldDeadLetteredAt = "dl_dead_lettered_at"
)

// Record wraps a dead-lettered envelope with its failure metadata.
type Record struct {
	ID             stream.Position
	Topic          string
	Envelope       *event.Envelope
	AttemptCount   int64
	LastError      string
	DeadLetteredAt time.Time
}

// Publisher re-publishes replayed envelopes. Implemented by
// publish.Publisher.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) (stream.Position, error)
}

// Sink captures exhausted envelopes into one dead-letter topic shared by
// all event types, keyed by their original topic.
type Sink struct {
	store     stream.Store
	deadTopic string
	publisher Publisher
	logger    *zap.Logger
	metrics   *obs.Metrics
}

// New creates a Sink. publisher may be nil if replay is not needed (pure
// capture deployments); metrics may be nil.
func New(store stream.Store, prefix string, publisher Publisher, logger *zap.Logger, metrics *obs.Metrics) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Sink{
		store:     store,
		deadTopic: prefix + ":dead-letter",
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Capture appends a dead-letter record. This is the last line of defense:
// its own storage failure is escalated with the full envelope in the log
// so the event can be reconstructed by hand.
func (s *Sink) Capture(ctx context.Context, env *event.Envelope, topic string, attemptCount int64, lastErr error) (stream.Position, error) {
	values, err := event.Marshal(env)
	if err != nil {
		s.escalate(env, lastErr, err)
		return "", err
	}
	values[fieldTopic] = topic
	values[fieldAttemptCount] = strconv.FormatInt(attemptCount, 10)
	if lastErr != nil {
		values[fieldLastError] = lastErr.Error()
	}
	values[fieldDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339Nano)

	id, err := s.store.Publish(ctx, s.deadTopic, values)
	if err != nil {
		s.escalate(env, lastErr, err)
		return "", err
	}

	if s.metrics != nil {
		s.metrics.IncrementDeadLettered(string(env.EventType))
	}
	s.logger.Error("Dead-lettered event after exhausting retries",
		zap.String("eventType", string(env.EventType)),
		zap.String("eventID", env.EventID),
		zap.String("topic", topic),
		zap.Int64("attemptCount", attemptCount),
		zap.NamedError("lastError", lastErr),
		zap.String("recordID", string(id)),
	)
	return id, nil
}

// escalate logs a dead-letter storage failure with everything needed to
// reconstruct the event. This is the one condition that should page.
func (s *Sink) escalate(env *event.Envelope, handlerErr, storeErr error) {
	fields := []zap.Field{
		zap.NamedError("storeError", storeErr),
		zap.NamedError("handlerError", handlerErr),
	}
	if env != nil {
		fields = append(fields,
			zap.String("eventType", string(env.EventType)),
			zap.String("eventID", env.EventID),
			zap.ByteString("payload", env.Payload),
			zap.Any("metadata", env.Metadata),
		)
	}
	s.logger.Error("Dead-letter capture failed; event at risk of loss", fields...)
}

// List returns records for a topic, oldest first, recorded at or after
// since (zero time for all).
func (s *Sink) List(ctx context.Context, topic string, since time.Time) ([]Record, error) {
	start := stream.Position("-")
	if !since.IsZero() {
		start = stream.Position(strconv.FormatInt(since.UnixMilli(), 10))
	}

	entries, err := s.store.Range(ctx, s.deadTopic, start, "+", 0)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, e := range entries {
		rec, err := s.record(e)
		if err != nil {
			s.logger.Warn("Skipping malformed dead-letter record",
				zap.String("recordID", string(e.ID)),
				zap.Error(err),
			)
			continue
		}
		if topic != "" && rec.Topic != topic {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns one record by ID.
func (s *Sink) Get(ctx context.Context, recordID stream.Position) (Record, error) {
	entries, err := s.store.Range(ctx, s.deadTopic, recordID, recordID, 1)
	if err != nil {
		return Record{}, err
	}
	if len(entries) == 0 {
		return Record{}, fmt.Errorf("dead-letter record %s not found", recordID)
	}
	return s.record(entries[0])
}

// Replay re-publishes a record's envelope to its original topic as a new
// envelope (fresh event_id, metadata notes the source record) and removes
// the record. Replay never happens on a schedule; it is triggered.
func (s *Sink) Replay(ctx context.Context, recordID stream.Position) (stream.Position, error) {
	if s.publisher == nil {
		return "", fmt.Errorf("sink has no publisher configured")
	}

	rec, err := s.Get(ctx, recordID)
	if err != nil {
		return "", err
	}

	metadata := make(map[string]string, len(rec.Envelope.Metadata)+1)
	for k, v := range rec.Envelope.Metadata {
		metadata[k] = v
	}
	metadata["replayed_from"] = string(recordID)

	env, err := event.Encode(rec.Envelope.EventType, rec.Envelope.OccurredAt, rec.Envelope.CorrelationID, rec.Envelope.Payload, metadata)
	if err != nil {
		return "", err
	}

	pos, err := s.publisher.Publish(ctx, env)
	if err != nil {
		return "", err
	}

	if err := s.store.Delete(ctx, s.deadTopic, recordID); err != nil {
		// The envelope is back in flight; a stale record is the lesser
		// problem, but flag it for cleanup.
		s.logger.Warn("Replayed record could not be removed",
			zap.String("recordID", string(recordID)),
			zap.Error(err),
		)
	}

	if s.metrics != nil {
		s.metrics.IncrementReplays()
	}
	s.logger.Info("Replayed dead-letter record",
		zap.String("recordID", string(recordID)),
		zap.String("eventType", string(env.EventType)),
		zap.String("eventID", env.EventID),
		zap.String("position", string(pos)),
	)
	return pos, nil
}

func (s *Sink) record(e stream.Entry) (Record, error) {
	env, err := event.Decode(e.Values)
	if err != nil {
		return Record{}, err
	}
	attempts, _ := strconv.ParseInt(e.Values[fieldAttemptCount], 10, 64)
	deadLetteredAt, _ := time.Parse(time.RFC3339Nano, e.Values[fieldDeadLetteredAt])
	return Record{
		ID:            e.ID,
		Topic:         e.Values[fieldTopic],
		Envelope:      env,
		AttemptCount:  attempts,
		LastError:     e.Values[fieldLastError],
		DeadLetteredAt: deadLetteredAt,
	}, nil
}
