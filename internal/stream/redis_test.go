package stream

import (
	"errors"
	"net"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisStore_NilClient(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisStore(nil, 0); err == nil {
		t.Fatal("expected error for nil client, got nil")
	}
}

func TestNewRedisStore_ValidClient(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()

	s, err := NewRedisStore(rdb, 10000)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if s == nil {
		t.Fatal("expected store to be non-nil")
	}
	if s.maxLen != 10000 {
		t.Fatalf("expected maxLen 10000, got %d", s.maxLen)
	}
}

func TestWrapUnavailable(t *testing.T) {
	t.Parallel()

	var netErr net.Error = &net.OpError{Op: "dial", Err: errors.New("timeout")}
	if !errors.Is(wrapUnavailable(netErr), ErrTopicUnavailable) {
		t.Fatal("expected network errors to map to ErrTopicUnavailable")
	}

	refused := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	if !errors.Is(wrapUnavailable(refused), ErrTopicUnavailable) {
		t.Fatal("expected connection refused to map to ErrTopicUnavailable")
	}

	plain := errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	if errors.Is(wrapUnavailable(plain), ErrTopicUnavailable) {
		t.Fatal("expected command errors to pass through unchanged")
	}
}
