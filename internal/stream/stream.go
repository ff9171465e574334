// Package stream defines the append-only log capability the pipeline runs
// on: durable per-topic entries with consumer-group cursors and atomic
// claim/ack operations. The Redis Streams implementation is the production
// backend; the in-memory implementation mirrors its protocol for tests and
// embedded use.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position identifies an entry within one topic, in "<unix-ms>-<seq>"
// form. Positions order entries within a topic; delivery order follows
// position order on first delivery.
type Position string

// Cursor start positions for CreateGroup.
const (
	// StartTail makes a new group see only entries appended after it joined.
	StartTail Position = "$"
	// StartBeginning replays the full retained history to a new group.
	StartBeginning Position = "0"
)

// Delivery is one entry handed to a consumer, identified by the entry's
// position. The position doubles as the delivery ID for ack/nack.
type Delivery struct {
	ID         Position
	Topic      string
	Consumer   string
	Attempt    int64 // 1 on first delivery, incremented on each redelivery
	RecordedAt time.Time
	Values     map[string]string
}

// PendingInfo describes one claimed-but-unacknowledged entry of a group.
type PendingInfo struct {
	ID       Position
	Consumer string
	Idle     time.Duration
	Attempt  int64
}

// Entry is a raw topic record returned by Range, outside any group cursor.
type Entry struct {
	ID         Position
	RecordedAt time.Time
	Values     map[string]string
}

// Info summarizes one topic.
type Info struct {
	Length int64
	Groups int64
}

// MinIdleFunc returns the idle duration a pending entry must exceed before
// it may be reclaimed, given how often it was already delivered. A growing
// return value realizes per-attempt backoff without any timer of its own.
type MinIdleFunc func(attempt int64) time.Duration

// Store is the shared mutable resource of the pipeline. All mutation is
// atomic at the entry level; consumers hold no locks outside the store.
type Store interface {
	// Publish appends values to topic, creating the topic if absent, and
	// returns the assigned position. It never blocks on consumers.
	Publish(ctx context.Context, topic string, values map[string]string) (Position, error)

	// CreateGroup creates a consumer-group cursor at start. Creating an
	// existing group is a no-op.
	CreateGroup(ctx context.Context, topic, group string, start Position) error

	// ReadNew returns up to count never-before-delivered entries in
	// position order, claiming them for consumer. With no entries
	// available it blocks cooperatively up to block (0 means no wait).
	ReadNew(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Delivery, error)

	// Reclaim transfers pending entries whose idle time exceeds
	// minIdle(attempt) to consumer, incrementing their attempt count.
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle MinIdleFunc, count int64) ([]Delivery, error)

	// Ack marks id processed for group. Acking an already-acked entry is
	// a no-op and returns false. ErrClaimConflict reports an ack by a
	// consumer that no longer holds the claim (last write wins).
	Ack(ctx context.Context, topic, group, consumer string, id Position) (bool, error)

	// Nack releases id back to the pending pool with its idle clock set
	// to idle, so a reclaim pass redelivers it early. The attempt count
	// grows only when that redelivery happens. Nacking an entry that is
	// no longer pending is a no-op.
	Nack(ctx context.Context, topic, group string, id Position, idle time.Duration) error

	// Pending lists up to count claimed-but-unacknowledged entries.
	Pending(ctx context.Context, topic, group string, count int64) ([]PendingInfo, error)

	// Range reads up to count entries in [start, end] position order,
	// independent of any group cursor.
	Range(ctx context.Context, topic string, start, end Position, count int64) ([]Entry, error)

	// Delete removes an entry from a topic. Used only by the dead-letter
	// sink; envelopes in normal topics are immutable.
	Delete(ctx context.Context, topic string, id Position) error

	// TopicInfo reports the length and group count of a topic.
	TopicInfo(ctx context.Context, topic string) (Info, error)
}

// Errors surfaced by Store implementations.
var (
	// ErrTopicUnavailable reports that the store itself is unreachable.
	ErrTopicUnavailable = errors.New("stream store unavailable")
	// ErrGroupNotFound reports a read against a group that never joined.
	ErrGroupNotFound = errors.New("consumer group not found")
	// ErrClaimConflict reports an ack for an entry claimed by another
	// consumer. The ack still wins; callers log a warning.
	ErrClaimConflict = errors.New("claim conflict")
)

// PublishError wraps a transient append failure. Callers should retry with
// backoff; the publish may or may not have happened.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ParsePosition extracts the record timestamp from a position.
func ParsePosition(p Position) (time.Time, error) {
	ms, _, err := splitPosition(p)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ComparePositions orders two positions; negative when a precedes b.
func ComparePositions(a, b Position) int {
	ams, aseq, aerr := splitPosition(a)
	bms, bseq, berr := splitPosition(b)
	if aerr != nil || berr != nil {
		return strings.Compare(string(a), string(b))
	}
	if ams != bms {
		if ams < bms {
			return -1
		}
		return 1
	}
	if aseq != bseq {
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func splitPosition(p Position) (ms, seq int64, err error) {
	s := string(p)
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		// A bare millisecond value is a valid stream position prefix.
		ms, err = strconv.ParseInt(s, 10, 64)
		return ms, 0, err
	}
	ms, err = strconv.ParseInt(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	seq, err = strconv.ParseInt(s[dash+1:], 10, 64)
	return ms, seq, err
}
