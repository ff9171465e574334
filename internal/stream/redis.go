package stream

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// parkedConsumer owns entries released by Nack until a reclaim pass picks
// them up. Keeping them on a synthetic consumer makes the release visible
// in XPENDING output.
const parkedConsumer = "_parked"

// RedisStore is the durable Store backend on Redis Streams. Entries are
// XADD'ed hashes, group cursors are native consumer groups, and the
// claim/ack protocol maps onto XREADGROUP/XPENDING/XCLAIM/XACK, all atomic
// at the entry level on the server.
type RedisStore struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisStore wraps an existing client. maxLen bounds each topic's
// retained history via approximate stream trimming (0 means unbounded).
func NewRedisStore(rdb *redis.Client, maxLen int64) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisStore{rdb: rdb, maxLen: maxLen}, nil
}

// Ping checks store reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// Publish appends values with XADD. The stream is created lazily on first
// append; durability is Redis's own persistence guarantee.
func (s *RedisStore) Publish(ctx context.Context, topic string, values map[string]string) (Position, error) {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: toAny(values),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		if isUnavailable(err) {
			return "", wrapUnavailable(err)
		}
		return "", &PublishError{Topic: topic, Err: err}
	}
	return Position(id), nil
}

// CreateGroup issues XGROUP CREATE MKSTREAM; an existing group (BUSYGROUP)
// is treated as success.
func (s *RedisStore) CreateGroup(ctx context.Context, topic, group string, start Position) error {
	err := s.rdb.XGroupCreateMkStream(ctx, topic, group, string(start)).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return wrapUnavailable(err)
	}
	return nil
}

// ReadNew reads undelivered entries with XREADGROUP ">" and blocks on the
// server up to block.
func (s *RedisStore) ReadNew(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	if block <= 0 {
		// go-redis omits BLOCK for negative values; zero would block forever.
		block = -1
	}

	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupNotFound
		}
		return nil, wrapUnavailable(err)
	}

	var out []Delivery
	for _, str := range res {
		for _, msg := range str.Messages {
			out = append(out, s.delivery(topic, consumer, msg, 1))
		}
	}
	return out, nil
}

// Reclaim scans XPENDING for entries whose idle time exceeds their
// per-attempt threshold, then XCLAIMs them for consumer. Claiming bumps
// the server-side delivery counter, which is the attempt count.
func (s *RedisStore) Reclaim(ctx context.Context, topic, group, consumer string, minIdle MinIdleFunc, count int64) ([]Delivery, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupNotFound
		}
		return nil, wrapUnavailable(err)
	}

	ids := make([]string, 0, len(pending))
	attempts := make(map[string]int64, len(pending))
	guard := time.Duration(0)
	for _, p := range pending {
		required := minIdle(p.RetryCount)
		if p.Idle < required {
			continue
		}
		ids = append(ids, p.ID)
		attempts[p.ID] = p.RetryCount
		if guard == 0 || required < guard {
			guard = required
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  guard,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapUnavailable(err)
	}

	out := make([]Delivery, 0, len(claimed))
	for _, msg := range claimed {
		out = append(out, s.delivery(topic, consumer, msg, attempts[msg.ID]+1))
	}
	return out, nil
}

// Ack issues XACK. A zero reply means the entry was not pending (already
// acked or never delivered), which is a no-op.
func (s *RedisStore) Ack(ctx context.Context, topic, group, consumer string, id Position) (bool, error) {
	n, err := s.rdb.XAck(ctx, topic, group, string(id)).Result()
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return n > 0, nil
}

// Nack claims the entry onto a parked consumer with its idle clock preset
// via XCLAIM's IDLE option, so the next reclaim pass sees it early. JUSTID
// keeps the delivery counter untouched; only the reclaim that actually
// redelivers counts as an attempt.
func (s *RedisStore) Nack(ctx context.Context, topic, group string, id Position, idle time.Duration) error {
	err := s.rdb.Do(ctx, "xclaim", topic, group, parkedConsumer, "0", string(id),
		"idle", strconv.FormatInt(idle.Milliseconds(), 10), "justid").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapUnavailable(err)
	}
	return nil
}

// Pending lists the group's claimed-but-unacknowledged entries.
func (s *RedisStore) Pending(ctx context.Context, topic, group string, count int64) ([]PendingInfo, error) {
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupNotFound
		}
		return nil, wrapUnavailable(err)
	}

	out := make([]PendingInfo, 0, len(res))
	for _, p := range res {
		out = append(out, PendingInfo{
			ID:       Position(p.ID),
			Consumer: p.Consumer,
			Idle:     p.Idle,
			Attempt:  p.RetryCount,
		})
	}
	return out, nil
}

// Range reads entries with XRANGE.
func (s *RedisStore) Range(ctx context.Context, topic string, start, end Position, count int64) ([]Entry, error) {
	from := string(start)
	if from == "" {
		from = "-"
	}
	to := string(end)
	if to == "" {
		to = "+"
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.rdb.XRangeN(ctx, topic, from, to, count).Result()
	} else {
		msgs, err = s.rdb.XRange(ctx, topic, from, to).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapUnavailable(err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		d := s.delivery(topic, "", msg, 0)
		out = append(out, Entry{ID: d.ID, RecordedAt: d.RecordedAt, Values: d.Values})
	}
	return out, nil
}

// Delete removes an entry with XDEL.
func (s *RedisStore) Delete(ctx context.Context, topic string, id Position) error {
	if err := s.rdb.XDel(ctx, topic, string(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrapUnavailable(err)
	}
	return nil
}

// TopicInfo reports stream length and consumer-group count.
func (s *RedisStore) TopicInfo(ctx context.Context, topic string) (Info, error) {
	length, err := s.rdb.XLen(ctx, topic).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Info{}, wrapUnavailable(err)
	}
	groups, err := s.rdb.XInfoGroups(ctx, topic).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// XINFO on a missing stream errors; report an empty topic.
		if strings.Contains(err.Error(), "no such key") {
			return Info{Length: length}, nil
		}
		return Info{}, wrapUnavailable(err)
	}
	return Info{Length: length, Groups: int64(len(groups))}, nil
}

func (s *RedisStore) delivery(topic, consumer string, msg redis.XMessage, attempt int64) Delivery {
	recordedAt, _ := ParsePosition(Position(msg.ID))
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if sv, ok := v.(string); ok {
			values[k] = sv
		}
	}
	return Delivery{
		ID:         Position(msg.ID),
		Topic:      topic,
		Consumer:   consumer,
		Attempt:    attempt,
		RecordedAt: recordedAt,
		Values:     values,
	}
}

func toAny(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func isUnavailable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

func wrapUnavailable(err error) error {
	if isUnavailable(err) {
		return errors.Join(ErrTopicUnavailable, err)
	}
	return err
}
