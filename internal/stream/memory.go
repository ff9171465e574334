package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementing the same claim/ack
// protocol as the Redis backend. It backs tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	maxLen int
	notify chan struct{} // closed and replaced on every publish
	now    func() time.Time
}

type memTopic struct {
	entries []memEntry
	lastMS  int64
	lastSeq int64
	groups  map[string]*memCursor
}

type memEntry struct {
	id     Position
	values map[string]string
}

type memCursor struct {
	// next is the index into entries of the next never-delivered entry.
	next    int
	pending map[Position]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	attempt     int64
}

// NewMemoryStore creates an empty in-memory store. maxLen bounds each
// topic's retained history (0 means unbounded).
func NewMemoryStore(maxLen int) *MemoryStore {
	return &MemoryStore{
		topics: make(map[string]*memTopic),
		maxLen: maxLen,
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

func (s *MemoryStore) topic(name string, create bool) *memTopic {
	t, ok := s.topics[name]
	if !ok && create {
		t = &memTopic{groups: make(map[string]*memCursor)}
		s.topics[name] = t
	}
	return t
}

// Publish appends values and wakes blocked readers.
func (s *MemoryStore) Publish(ctx context.Context, topic string, values map[string]string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topic, true)
	ms := s.now().UnixMilli()
	if ms < t.lastMS {
		ms = t.lastMS
	}
	seq := int64(0)
	if ms == t.lastMS {
		seq = t.lastSeq + 1
	}
	t.lastMS, t.lastSeq = ms, seq

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	id := Position(fmt.Sprintf("%d-%d", ms, seq))
	t.entries = append(t.entries, memEntry{id: id, values: copied})

	if s.maxLen > 0 && len(t.entries) > s.maxLen {
		trim := len(t.entries) - s.maxLen
		t.entries = t.entries[trim:]
		for _, c := range t.groups {
			c.next -= trim
			if c.next < 0 {
				c.next = 0
			}
		}
	}

	// Broadcast to blocked readers.
	close(s.notify)
	s.notify = make(chan struct{})

	return id, nil
}

// CreateGroup registers a cursor; existing groups are left untouched.
func (s *MemoryStore) CreateGroup(ctx context.Context, topic, group string, start Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topic, true)
	if _, ok := t.groups[group]; ok {
		return nil
	}

	c := &memCursor{pending: make(map[Position]*memPending)}
	switch start {
	case StartTail:
		c.next = len(t.entries)
	case StartBeginning:
		c.next = 0
	default:
		c.next = len(t.entries)
		for i, e := range t.entries {
			if ComparePositions(e.id, start) > 0 {
				c.next = i
				break
			}
		}
	}
	t.groups[group] = c
	return nil
}

func (s *MemoryStore) cursor(topic, group string) (*memTopic, *memCursor, error) {
	t := s.topic(topic, false)
	if t == nil {
		return nil, nil, ErrGroupNotFound
	}
	c, ok := t.groups[group]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}
	return t, c, nil
}

// ReadNew hands out never-delivered entries in position order, blocking up
// to block when none are available.
func (s *MemoryStore) ReadNew(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	deadline := s.now().Add(block)
	for {
		s.mu.Lock()
		t, c, err := s.cursor(topic, group)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}

		if c.next < len(t.entries) {
			n := len(t.entries) - c.next
			if int64(n) > count {
				n = int(count)
			}
			out := make([]Delivery, 0, n)
			now := s.now()
			for i := 0; i < n; i++ {
				e := t.entries[c.next]
				c.next++
				c.pending[e.id] = &memPending{consumer: consumer, deliveredAt: now, attempt: 1}
				out = append(out, s.delivery(topic, consumer, e, 1))
			}
			s.mu.Unlock()
			return out, nil
		}
		notify := s.notify
		s.mu.Unlock()

		wait := deadline.Sub(s.now())
		if block <= 0 || wait <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

// Reclaim transfers expired claims to consumer in position order.
func (s *MemoryStore) Reclaim(ctx context.Context, topic, group, consumer string, minIdle MinIdleFunc, count int64) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, c, err := s.cursor(topic, group)
	if err != nil {
		return nil, err
	}

	ids := make([]Position, 0, len(c.pending))
	now := s.now()
	for id, p := range c.pending {
		if now.Sub(p.deliveredAt) >= minIdle(p.attempt) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ComparePositions(ids[i], ids[j]) < 0 })
	if int64(len(ids)) > count {
		ids = ids[:count]
	}

	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		p := c.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.attempt++
		if e, ok := t.entry(id); ok {
			out = append(out, s.delivery(topic, consumer, e, p.attempt))
		} else {
			// Entry trimmed out from under its claim; drop the claim.
			delete(c.pending, id)
		}
	}
	return out, nil
}

// Ack removes id from the pending set. Idempotent.
func (s *MemoryStore) Ack(ctx context.Context, topic, group, consumer string, id Position) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, c, err := s.cursor(topic, group)
	if err != nil {
		return false, err
	}
	p, ok := c.pending[id]
	if !ok {
		return false, nil
	}
	delete(c.pending, id)
	if p.consumer != consumer {
		return true, ErrClaimConflict
	}
	return true, nil
}

// Nack releases id back to the pending pool with its idle clock pre-aged
// by idle, so it becomes reclaimable sooner than an abandoned claim.
func (s *MemoryStore) Nack(ctx context.Context, topic, group string, id Position, idle time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, c, err := s.cursor(topic, group)
	if err != nil {
		return err
	}
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	p.deliveredAt = s.now().Add(-idle)
	return nil
}

// Pending lists claimed-but-unacknowledged entries in position order.
func (s *MemoryStore) Pending(ctx context.Context, topic, group string, count int64) ([]PendingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, c, err := s.cursor(topic, group)
	if err != nil {
		return nil, err
	}

	out := make([]PendingInfo, 0, len(c.pending))
	now := s.now()
	for id, p := range c.pending {
		out = append(out, PendingInfo{
			ID:       id,
			Consumer: p.consumer,
			Idle:     now.Sub(p.deliveredAt),
			Attempt:  p.attempt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return ComparePositions(out[i].ID, out[j].ID) < 0 })
	if int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

// Range reads entries between start and end inclusive, in position order.
func (s *MemoryStore) Range(ctx context.Context, topic string, start, end Position, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topic, false)
	if t == nil {
		return nil, nil
	}

	var out []Entry
	for _, e := range t.entries {
		if start != "" && start != "-" && ComparePositions(e.id, start) < 0 {
			continue
		}
		if end != "" && end != "+" && ComparePositions(e.id, end) > 0 {
			break
		}
		recordedAt, _ := ParsePosition(e.id)
		values := make(map[string]string, len(e.values))
		for k, v := range e.values {
			values[k] = v
		}
		out = append(out, Entry{ID: e.id, RecordedAt: recordedAt, Values: values})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Delete removes an entry and any claim on it.
func (s *MemoryStore) Delete(ctx context.Context, topic string, id Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topic, false)
	if t == nil {
		return nil
	}
	for i, e := range t.entries {
		if e.id == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			for _, c := range t.groups {
				delete(c.pending, id)
				if c.next > i {
					c.next--
				}
			}
			break
		}
	}
	return nil
}

// TopicInfo reports length and group count.
func (s *MemoryStore) TopicInfo(ctx context.Context, topic string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topic, false)
	if t == nil {
		return Info{}, nil
	}
	return Info{Length: int64(len(t.entries)), Groups: int64(len(t.groups))}, nil
}

func (s *MemoryStore) delivery(topic, consumer string, e memEntry, attempt int64) Delivery {
	recordedAt, _ := ParsePosition(e.id)
	values := make(map[string]string, len(e.values))
	for k, v := range e.values {
		values[k] = v
	}
	return Delivery{
		ID:         e.id,
		Topic:      topic,
		Consumer:   consumer,
		Attempt:    attempt,
		RecordedAt: recordedAt,
		Values:     values,
	}
}

func (t *memTopic) entry(id Position) (memEntry, bool) {
	for _, e := range t.entries {
		if e.id == id {
			return e, true
		}
	}
	return memEntry{}, false
}
