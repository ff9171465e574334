package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/watchtower-fleet/eventstream/internal/group"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, nil)
	ctx := context.Background()

	first := group.Delivery{ID: "1-0", Topic: "events:position.updated", Attempt: 1}
	second := group.Delivery{ID: "2-0", Topic: "events:position.updated", Attempt: 1}

	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Depth())
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected %s first, got %s", first.ID, got.ID)
	}
	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected %s second, got %s", second.ID, got.ID)
	}
}

func TestQueue_BackpressureWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, group.Delivery{ID: "1-0"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, group.Delivery{ID: "2-0"})
	}()

	select {
	case err := <-blocked:
		t.Fatalf("expected enqueue to block on a full queue, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("expected blocked enqueue to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue stayed blocked after space opened up")
	}
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, group.Delivery{ID: "1-0"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Close()

	if err := q.Enqueue(ctx, group.Delivery{ID: "2-0"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	// Buffered deliveries drain before the closed error surfaces.
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue of buffered delivery: %v", err)
	}
	if got.ID != "1-0" {
		t.Fatalf("expected the buffered delivery, got %s", got.ID)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after drain, got %v", err)
	}
}

func TestQueue_EnqueueAfterCloseAlwaysErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, nil)
	ctx := context.Background()
	q.Close()

	// Buffer space is available, so a racy select could pick the send
	// case; every attempt must still report the closed queue.
	for i := 0; i < 100; i++ {
		if err := q.Enqueue(ctx, group.Delivery{ID: "1-0"}); !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("attempt %d: expected ErrQueueClosed, got %v", i, err)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("expected nothing buffered after close, got depth %d", q.Depth())
	}
}

func TestQueue_CloseReleasesBlockedEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, group.Delivery{ID: "1-0"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, group.Delivery{ID: "2-0"})
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue stayed blocked after close")
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
