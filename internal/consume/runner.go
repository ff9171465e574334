// Package consume runs the read side of the pipeline: per-topic readers
// feed claimed deliveries through a bounded queue to a fixed pool of
// dispatch workers, which ack, nack, or dead-letter each delivery.
package consume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/group"
	"github.com/watchtower-fleet/eventstream/internal/queue"
	"github.com/watchtower-fleet/eventstream/internal/router"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

// readErrorPause is how long a reader backs off after a store error
// before trying again.
const readErrorPause = 5 * time.Second

// Runner owns one consumer group's readers and workers within this
// process. Adding runners (or processes) to the same group scales
// horizontally without code changes.
type Runner struct {
	manager      *group.Manager
	router       *router.Router
	queue        *queue.Queue
	workerCount  int
	batchSize    int64
	blockTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	handles map[string]*group.Handle
	started bool
}

// NewRunner creates a Runner wiring a group manager to a router.
func NewRunner(manager *group.Manager, rt *router.Router, q *queue.Queue, workerCount int, batchSize int64, blockTimeout time.Duration, logger *zap.Logger) (*Runner, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if rt == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be greater than 0, got: %d", workerCount)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0, got: %d", batchSize)
	}
	return &Runner{
		manager:      manager,
		router:       rt,
		queue:        q,
		workerCount:  workerCount,
		batchSize:    batchSize,
		blockTimeout: blockTimeout,
		logger:       logger,
		handles:      make(map[string]*group.Handle),
	}, nil
}

// Join subscribes the group to the given event types at the topic tail.
func (r *Runner) Join(ctx context.Context, groupName string, types ...event.Type) error {
	return r.join(ctx, groupName, stream.StartTail, types...)
}

// JoinFrom subscribes with an explicit start position, replaying history.
func (r *Runner) JoinFrom(ctx context.Context, groupName string, position stream.Position, types ...event.Type) error {
	return r.join(ctx, groupName, position, types...)
}

func (r *Runner) join(ctx context.Context, groupName string, start stream.Position, types ...event.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("cannot join after the runner has started")
	}
	for _, t := range types {
		h, err := r.manager.JoinFrom(ctx, t, groupName, start)
		if err != nil {
			return fmt.Errorf("join %s: %w", t, err)
		}
		r.handles[h.Topic()] = h
	}
	return nil
}

// Run reads and dispatches until ctx is cancelled, then drains in-flight
// deliveries and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	if len(r.handles) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no topics joined")
	}
	r.started = true
	handles := make([]*group.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	r.logger.Info("Starting consumer runner",
		zap.Int("topics", len(handles)),
		zap.Int("workerCount", r.workerCount),
		zap.Int64("batchSize", r.batchSize),
	)

	var workers sync.WaitGroup
	for i := 0; i < r.workerCount; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			r.worker(id)
		}(i)
	}

	var readers sync.WaitGroup
	for _, h := range handles {
		readers.Add(1)
		go func(h *group.Handle) {
			defer readers.Done()
			r.read(ctx, h)
		}(h)
	}

	<-ctx.Done()
	readers.Wait()
	// No reader will enqueue again; let workers drain what is buffered.
	r.queue.Close()
	workers.Wait()

	r.logger.Info("Consumer runner stopped")
	return ctx.Err()
}

// read is the per-topic loop: claim a batch, enqueue it, repeat. Store
// errors are transient; pause and continue.
func (r *Runner) read(ctx context.Context, h *group.Handle) {
	for {
		deliveries, err := h.Read(ctx, r.batchSize, r.blockTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.logger.Error("Read failed",
				zap.String("topic", h.Topic()),
				zap.String("group", h.Group()),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorPause):
			}
			continue
		}

		for _, d := range deliveries {
			if err := r.queue.Enqueue(ctx, d); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrQueueClosed) {
					return
				}
				r.logger.Error("Failed to enqueue delivery", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// worker drains the queue through the router. Acks and nacks run on a
// background context so in-flight deliveries settle during shutdown.
func (r *Runner) worker(id int) {
	r.logger.Debug("Worker started", zap.Int("workerID", id))

	for {
		d, err := r.queue.Dequeue(context.Background())
		if err != nil {
			r.logger.Debug("Worker stopped", zap.Int("workerID", id))
			return
		}
		r.settle(d)
	}
}

// settle dispatches one delivery and applies the router's decision.
func (r *Runner) settle(d group.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := r.handle(d.Topic)
	if h == nil {
		// A delivery for a topic this runner never joined cannot happen
		// through the read loop.
		r.logger.Error("Delivery for unjoined topic", zap.String("topic", d.Topic))
		return
	}

	decision, reason := r.router.Dispatch(ctx, d)
	switch decision {
	case router.Ack, router.DeadLetter:
		if err := h.Ack(ctx, d.ID); err != nil {
			r.logger.Error("Failed to ack delivery",
				zap.String("topic", d.Topic),
				zap.String("deliveryID", string(d.ID)),
				zap.Error(err),
			)
		}
	case router.Retry:
		msg := "handler failure"
		if reason != nil {
			msg = reason.Error()
		}
		if err := h.Nack(ctx, d.ID, msg); err != nil {
			// Leaving the claim to expire still redelivers, just slower.
			r.logger.Error("Failed to nack delivery",
				zap.String("topic", d.Topic),
				zap.String("deliveryID", string(d.ID)),
				zap.Error(err),
			)
		}
	}
}

func (r *Runner) handle(topic string) *group.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[topic]
}
