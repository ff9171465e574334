// Package router maps delivered envelopes to registered handlers by event
// type and turns their results into an ack/retry/dead-letter decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/group"
	"github.com/watchtower-fleet/eventstream/internal/obs"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

// Handler processes one envelope. A nil return acknowledges; an error asks
// for redelivery. Because delivery is at-least-once, handlers MUST be safe
// to invoke more than once with the same envelope (upserts keyed on
// business identifiers, not blind inserts).
type Handler func(ctx context.Context, env *event.Envelope) error

// Decision is the router's verdict on one delivery.
type Decision int

const (
	// Ack marks the delivery processed.
	Ack Decision = iota
	// Retry releases the delivery for redelivery.
	Retry
	// DeadLetter means the retry budget is spent: the envelope was
	// captured by the sink and the delivery must be acked to stop
	// redelivery.
	DeadLetter
)

// Sink captures envelopes that exhausted their retry budget. Implemented
// by dlq.Sink.
type Sink interface {
	Capture(ctx context.Context, env *event.Envelope, topic string, attemptCount int64, lastErr error) (stream.Position, error)
}

// Router dispatches envelopes to handlers registered per event type.
// Handlers run synchronously in registration order; one handler's failure
// does not block the others.
type Router struct {
	mu          sync.RWMutex
	handlers    map[event.Type][]Handler
	maxAttempts int64
	sink        Sink
	logger      *zap.Logger
	metrics     *obs.Metrics
}

// New creates a Router. maxAttempts is the per-delivery retry budget
// before dead-lettering; metrics may be nil.
func New(maxAttempts int, sink Sink, logger *zap.Logger, metrics *obs.Metrics) (*Router, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got: %d", maxAttempts)
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Router{
		handlers:    make(map[event.Type][]Handler),
		maxAttempts: int64(maxAttempts),
		sink:        sink,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Register adds a handler for an event type. Multiple handlers may
// register for the same type; each is invoked independently.
func (r *Router) Register(eventType event.Type, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Dispatch invokes every handler registered for the delivery's event type
// and decides its fate. An envelope with no handlers is acked. The
// returned error carries the aggregated retry reasons.
//
// The router keeps no retry timer of its own: pacing comes from the
// group's growing claim timeout between redeliveries.
func (r *Router) Dispatch(ctx context.Context, d group.Delivery) (Decision, error) {
	r.mu.RLock()
	handlers := r.handlers[d.Envelope.EventType]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("No handlers registered",
			zap.String("eventType", string(d.Envelope.EventType)),
			zap.String("eventID", d.Envelope.EventID),
		)
		return Ack, nil
	}

	var failures []error
	for i, h := range handlers {
		if err := r.invoke(ctx, h, d.Envelope); err != nil {
			failures = append(failures, err)
			if r.metrics != nil {
				r.metrics.IncrementHandlerErrors(string(d.Envelope.EventType))
			}
			r.logger.Warn("Handler failed",
				zap.String("eventType", string(d.Envelope.EventType)),
				zap.String("eventID", d.Envelope.EventID),
				zap.String("deliveryID", string(d.ID)),
				zap.Int64("attempt", d.Attempt),
				zap.Int("handler", i),
				zap.Error(err),
			)
		}
	}

	if len(failures) == 0 {
		return Ack, nil
	}

	reason := errors.Join(failures...)
	if d.Attempt < r.maxAttempts {
		return Retry, reason
	}

	// Budget spent: capture and ack so redelivery stops. The sink never
	// fails silently; if capture itself errors, keep the delivery pending
	// rather than lose the envelope.
	if _, err := r.sink.Capture(ctx, d.Envelope, d.Topic, d.Attempt, reason); err != nil {
		return Retry, errors.Join(reason, err)
	}
	return DeadLetter, reason
}

// invoke runs one handler, converting a panic into a retryable error.
func (r *Router) invoke(ctx context.Context, h Handler, env *event.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, env)
}
