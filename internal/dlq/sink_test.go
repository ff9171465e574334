package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/publish"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

type brokenStore struct {
	stream.Store
}

func (s *brokenStore) Publish(ctx context.Context, topic string, values map[string]string) (stream.Position, error) {
	return "", &stream.PublishError{Topic: topic, Err: errors.New("disk full")}
}

func testEnvelope(t *testing.T) *event.Envelope {
	t.Helper()
	env, err := event.Encode(event.TypePositionUpdated, time.Now(), "corr-1",
		[]byte(`{"truck_id":"truck-1","lat":6.52,"lng":3.37}`), map[string]string{"source": "gps"})
	require.NoError(t, err)
	return env
}

func TestNew(t *testing.T) {
	t.Parallel()

	store := stream.NewMemoryStore(0)

	_, err := New(nil, "events", nil, zap.NewNop(), nil)
	require.Error(t, err, "nil store must be rejected")

	_, err = New(store, "events", nil, nil, nil)
	require.Error(t, err, "nil logger must be rejected")

	s, err := New(store, "events", nil, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NotNil(t, s, "a sink without a publisher is valid for capture-only use")
}

func TestCaptureAndList(t *testing.T) {
	t.Parallel()

	store := stream.NewMemoryStore(0)
	sink, err := New(store, "events", nil, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	env := testEnvelope(t)
	handlerErr := errors.New("position store unavailable")

	id, err := sink.Capture(ctx, env, "events:position.updated", 3, handlerErr)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	other := testEnvelope(t)
	_, err = sink.Capture(ctx, other, "events:trip.created", 3, errors.New("other failure"))
	require.NoError(t, err)

	// Filtered by the original topic.
	records, err := sink.List(ctx, "events:position.updated", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, id, rec.ID)
	require.Equal(t, "events:position.updated", rec.Topic)
	require.Equal(t, env.EventID, rec.Envelope.EventID)
	require.Equal(t, int64(3), rec.AttemptCount)
	require.Equal(t, handlerErr.Error(), rec.LastError)
	require.False(t, rec.DeadLetteredAt.IsZero())

	// Unfiltered list sees both.
	all, err := sink.List(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// A future since excludes everything.
	none, err := sink.List(ctx, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGet(t *testing.T) {
	t.Parallel()

	store := stream.NewMemoryStore(0)
	sink, err := New(store, "events", nil, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	env := testEnvelope(t)
	id, err := sink.Capture(ctx, env, "events:position.updated", 3, errors.New("boom"))
	require.NoError(t, err)

	rec, err := sink.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, env.EventID, rec.Envelope.EventID)

	_, err = sink.Get(ctx, "999999999999-0")
	require.Error(t, err)
}

func TestCapture_StoreFailureEscalates(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	sink, err := New(&brokenStore{Store: stream.NewMemoryStore(0)}, "events", nil, zap.New(core), nil)
	require.NoError(t, err)

	_, err = sink.Capture(context.Background(), testEnvelope(t), "events:position.updated", 3, errors.New("boom"))
	require.Error(t, err)
	require.Equal(t, 1, logs.FilterMessage("Dead-letter capture failed; event at risk of loss").Len())
}

func TestReplay(t *testing.T) {
	t.Parallel()

	store := stream.NewMemoryStore(0)
	publisher, err := publish.New(store, "events", zap.NewNop(), nil)
	require.NoError(t, err)
	sink, err := New(store, "events", publisher, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	env := testEnvelope(t)
	recordID, err := sink.Capture(ctx, env, event.TopicName("events", env.EventType), 3, errors.New("boom"))
	require.NoError(t, err)

	pos, err := sink.Replay(ctx, recordID)
	require.NoError(t, err)
	require.NotEmpty(t, pos)

	// The envelope is back on its original topic as a fresh event.
	entries, err := store.Range(ctx, event.TopicName("events", env.EventType), "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	replayed, err := event.Decode(entries[0].Values)
	require.NoError(t, err)
	require.NotEqual(t, env.EventID, replayed.EventID, "replay must mint a new event ID")
	require.Equal(t, env.EventType, replayed.EventType)
	require.Equal(t, env.CorrelationID, replayed.CorrelationID)
	require.Equal(t, string(recordID), replayed.Metadata["replayed_from"])
	require.Equal(t, "gps", replayed.Metadata["source"])
	require.JSONEq(t, string(env.Payload), string(replayed.Payload))

	// The dead-letter record is gone.
	_, err = sink.Get(ctx, recordID)
	require.Error(t, err)
}

func TestReplay_RequiresPublisher(t *testing.T) {
	t.Parallel()

	sink, err := New(stream.NewMemoryStore(0), "events", nil, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = sink.Replay(context.Background(), "1-0")
	require.Error(t, err)
}
