package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

func newTestBus(t *testing.T, instanceID string) (*PeerEventBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewPeerEventBus(client, instanceID, zap.NewNop().Sugar()), client
}

func TestPeerEventBus_PublishForceReconnect_DeliveredToOtherInstance(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	publisherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer publisherClient.Close()
	subscriberClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer subscriberClient.Close()

	publisher := NewPeerEventBus(publisherClient, "instance-a", zap.NewNop().Sugar())
	subscriber := NewPeerEventBus(subscriberClient, "instance-b", zap.NewNop().Sugar())

	received := make(chan Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = subscriber.Subscribe(ctx, func(e Event) { received <- e })
	}()

	// Give the subscription loop time to register with miniredis pubsub.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, publisher.PublishForceReconnect(ctx, domain.ChannelID("chan-1"), domain.PeerID("peer-1")))

	select {
	case event := <-received:
		assert.Equal(t, EventForceReconnect, event.Type)
		assert.Equal(t, domain.ChannelID("chan-1"), event.ChannelID)
		assert.Equal(t, domain.PeerID("peer-1"), event.PeerID)
		assert.Equal(t, "instance-a", event.InstanceID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestPeerEventBus_SelfPublishedEventsAreFiltered(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewPeerEventBus(client, "instance-a", zap.NewNop().Sugar())

	received := make(chan Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		_ = bus.Subscribe(ctx, func(e Event) { received <- e })
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.PublishForceReconnect(ctx, "chan-1", "peer-1"))

	select {
	case <-received:
		t.Fatal("bus should not deliver its own published events to itself")
	case <-ctx.Done():
		// expected: no event arrives before the deadline.
	}
}

func TestPeerEventBus_DoubleSubscribeErrors(t *testing.T) {
	bus, _ := newTestBus(t, "instance-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = bus.Subscribe(ctx, func(Event) {}) }()
	time.Sleep(20 * time.Millisecond)

	err := bus.Subscribe(ctx, func(Event) {})
	assert.Error(t, err)
}
