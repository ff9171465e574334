// Package group coordinates the readers of one consumer group so each
// entry is delivered to the group as a whole once per successful
// acknowledgment, tolerating reader crashes through claim expiry.
package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/obs"
	"github.com/watchtower-fleet/eventstream/internal/retry"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

// Delivery is one decoded envelope claimed by this reader. ID is the
// delivery identifier passed back to Ack and Nack.
type Delivery struct {
	ID       stream.Position
	Topic    string
	Attempt  int64
	Envelope *event.Envelope
}

// Manager creates group handles bound to one reader identity.
type Manager struct {
	store    stream.Store
	prefix   string
	consumer string
	// claimTimeout bounds how long a claimed entry may sit unacknowledged
	// before the group may reclaim it; multiplier grows that bound per
	// delivery attempt.
	claimTimeout time.Duration
	multiplier   float64
	logger       *zap.Logger
	metrics      *obs.Metrics
}

// NewManager creates a Manager. metrics may be nil.
func NewManager(store stream.Store, prefix, consumer string, claimTimeout time.Duration, multiplier float64, logger *zap.Logger, metrics *obs.Metrics) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if consumer == "" {
		return nil, fmt.Errorf("consumer name cannot be empty")
	}
	if claimTimeout <= 0 {
		return nil, fmt.Errorf("claim timeout must be positive")
	}
	if multiplier < 1 {
		return nil, fmt.Errorf("claim multiplier must be at least 1")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Manager{
		store:        store,
		prefix:       prefix,
		consumer:     consumer,
		claimTimeout: claimTimeout,
		multiplier:   multiplier,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Handle is a group's cursor over one topic, bound to this reader.
type Handle struct {
	m     *Manager
	topic string
	group string
}

// Join creates the group's cursor at the topic tail if it does not exist
// and returns a handle. Idempotent: a fresh group sees only entries
// appended after it joined.
func (m *Manager) Join(ctx context.Context, eventType event.Type, groupName string) (*Handle, error) {
	return m.join(ctx, eventType, groupName, stream.StartTail)
}

// JoinFrom is Join with an explicit start position, used to replay
// history (stream.StartBeginning for everything retained).
func (m *Manager) JoinFrom(ctx context.Context, eventType event.Type, groupName string, position stream.Position) (*Handle, error) {
	return m.join(ctx, eventType, groupName, position)
}

func (m *Manager) join(ctx context.Context, eventType event.Type, groupName string, start stream.Position) (*Handle, error) {
	topic := event.TopicName(m.prefix, eventType)
	if err := m.store.CreateGroup(ctx, topic, groupName, start); err != nil {
		return nil, err
	}
	m.logger.Info("Joined consumer group",
		zap.String("topic", topic),
		zap.String("group", groupName),
		zap.String("consumer", m.consumer),
		zap.String("start", string(start)),
	)
	return &Handle{m: m, topic: topic, group: groupName}, nil
}

// maxClaimIdle bounds the grown reclaim threshold so that entries
// redelivered many times stay reclaimable within a shift instead of the
// threshold growing without bound.
const maxClaimIdle = 30 * time.Minute

// minIdle is the reclaim eligibility threshold for an entry on its n-th
// delivery: claimTimeout * multiplier^(attempt-1), capped at maxClaimIdle
// (or at claimTimeout itself when that is configured larger).
func (h *Handle) minIdle(attempt int64) time.Duration {
	ceiling := maxClaimIdle
	if h.m.claimTimeout > ceiling {
		ceiling = h.m.claimTimeout
	}
	return retry.Backoff(h.m.claimTimeout, ceiling, h.m.multiplier, int(attempt-1))
}

// Read returns up to max deliveries: unclaimed new entries first, in
// recorded order; if none, a reclaim pass returns entries whose claim
// expired, with Attempt incremented. With nothing available it blocks
// cooperatively up to block. Redelivered entries may arrive out of order
// relative to fresh ones.
func (h *Handle) Read(ctx context.Context, max int64, block time.Duration) ([]Delivery, error) {
	raw, err := h.m.store.ReadNew(ctx, h.topic, h.group, h.m.consumer, max, 0)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		raw, err = h.m.store.Reclaim(ctx, h.topic, h.group, h.m.consumer, h.minIdle, max)
		if err != nil {
			return nil, err
		}
		if h.m.metrics != nil {
			for range raw {
				h.m.metrics.IncrementReclaimed()
			}
		}
	}

	if len(raw) == 0 && block > 0 {
		// Nothing claimable anywhere; wait for fresh entries.
		raw, err = h.m.store.ReadNew(ctx, h.topic, h.group, h.m.consumer, max, block)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Delivery, 0, len(raw))
	for _, d := range raw {
		env, err := event.Decode(d.Values)
		if err != nil {
			// A malformed entry can never succeed; drop it loudly rather
			// than redeliver forever.
			h.m.logger.Error("Dropping undecodable entry",
				zap.String("topic", d.Topic),
				zap.String("position", string(d.ID)),
				zap.Any("values", d.Values),
				zap.Error(err),
			)
			if _, ackErr := h.m.store.Ack(ctx, h.topic, h.group, h.m.consumer, d.ID); ackErr != nil {
				h.m.logger.Error("Failed to drop undecodable entry", zap.Error(ackErr))
			}
			continue
		}
		env.RecordedAt = d.RecordedAt
		out = append(out, Delivery{ID: d.ID, Topic: d.Topic, Attempt: d.Attempt, Envelope: env})
		if h.m.metrics != nil {
			h.m.metrics.IncrementDelivered()
		}
	}
	return out, nil
}

// Ack marks a delivery processed for the group. Acking twice is a no-op.
// A conflicting ack (another reader held the claim) wins last-write and is
// logged as a warning.
func (h *Handle) Ack(ctx context.Context, id stream.Position) error {
	acked, err := h.m.store.Ack(ctx, h.topic, h.group, h.m.consumer, id)
	if err != nil {
		if errors.Is(err, stream.ErrClaimConflict) {
			h.m.logger.Warn("Acked entry claimed by another consumer",
				zap.String("topic", h.topic),
				zap.String("group", h.group),
				zap.String("position", string(id)),
			)
			err = nil
		} else {
			return err
		}
	}
	if acked && h.m.metrics != nil {
		h.m.metrics.IncrementAcked()
	}
	return nil
}

// Nack releases a delivery back to the pending pool for redelivery sooner
// than claim expiry.
func (h *Handle) Nack(ctx context.Context, id stream.Position, reason string) error {
	if err := h.m.store.Nack(ctx, h.topic, h.group, id, h.m.claimTimeout); err != nil {
		return err
	}
	if h.m.metrics != nil {
		h.m.metrics.IncrementNacked()
	}
	h.m.logger.Warn("Released delivery for retry",
		zap.String("topic", h.topic),
		zap.String("group", h.group),
		zap.String("position", string(id)),
		zap.String("reason", reason),
	)
	return nil
}

// Pending lists the group's claimed-but-unacknowledged entries, for
// inspection.
func (h *Handle) Pending(ctx context.Context, max int64) ([]stream.PendingInfo, error) {
	return h.m.store.Pending(ctx, h.topic, h.group, max)
}

// Topic returns the handle's topic name.
func (h *Handle) Topic() string { return h.topic }

// Group returns the handle's group name.
func (h *Handle) Group() string { return h.group }
