package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// EventType identifies a cross-instance coordination event.
type EventType string

const (
	EventForceReconnect EventType = "force_reconnect"
	EventMassJoinStart  EventType = "mass_join_start"
)

// Event is one message on the shared coordination channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	ChannelID  domain.ChannelID `json:"channel_id"`
	PeerID     domain.PeerID    `json:"peer_id,omitempty"`
}

// PeerEventBus broadcasts admission-affecting events (force-reconnect,
// mass-join starts) to every other bot instance watching the same Redis
// deployment, so VoiceConnections bound to the same channel on different
// processes stay in sync without a shared in-memory state.
type PeerEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channel    string
}

// NewPeerEventBus creates a new event bus.
func NewPeerEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *PeerEventBus {
	return &PeerEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    "voicecore:events",
	}
}

// Publish sends event to every other instance.
func (eb *PeerEventBus) Publish(ctx context.Context, event Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishForceReconnect broadcasts a force-reconnect for one peer (or every
// peer in the channel, when peerID is empty).
func (eb *PeerEventBus) PublishForceReconnect(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID) error {
	return eb.Publish(ctx, Event{Type: EventForceReconnect, ChannelID: channelID, PeerID: peerID})
}

// Subscribe runs handler for every event published by another instance
// until ctx is canceled. Blocks the calling goroutine.
func (eb *PeerEventBus) Subscribe(ctx context.Context, handler func(Event)) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}
	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer func() {
		eb.pubsub.Close()
		eb.pubsub = nil
	}()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			handler(event)
		}
	}
}

// Close tears down the active subscription, if any.
func (eb *PeerEventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
