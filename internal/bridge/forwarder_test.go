package bridge

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/config"
	"github.com/watchtower-fleet/eventstream/internal/event"
)

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "fleet",
		},
	}
}

func TestNewForwarder_ValidConfig(t *testing.T) {
	f, err := NewForwarder(testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if f == nil {
		t.Fatal("Expected forwarder to be non-nil")
	}
	defer f.Close()

	if got := f.topic(event.TypePositionUpdated); got != "fleet.position.updated" {
		t.Errorf("Expected topic 'fleet.position.updated', got: %s", got)
	}
}

func TestNewForwarder_NilConfig(t *testing.T) {
	if _, err := NewForwarder(nil, zap.NewNop()); err == nil {
		t.Fatal("Expected error for nil config, got nil")
	}
}

func TestNewForwarder_NilLogger(t *testing.T) {
	if _, err := NewForwarder(testConfig(), nil); err == nil {
		t.Fatal("Expected error for nil logger, got nil")
	}
}

func TestNewForwarder_NoBrokers(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.Brokers = nil
	if _, err := NewForwarder(cfg, zap.NewNop()); err == nil {
		t.Fatal("Expected error for empty broker list, got nil")
	}
}

func TestForward_NilEnvelope(t *testing.T) {
	f, err := NewForwarder(testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}
	defer f.Close()

	// Note: an actual forward needs a running broker; this validates the
	// nil-envelope guard.
	if err := f.Forward(context.Background(), nil); err == nil {
		t.Error("Expected error for nil envelope, got nil")
	}
}
