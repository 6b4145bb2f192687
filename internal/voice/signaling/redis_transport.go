package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisEnvelope is published/consumed on the shared channel. InstanceID lets
// a transport ignore its own publishes when multiple bot instances share
// one Redis pub/sub channel.
type redisEnvelope struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RedisTransport bridges voice:* events over a Redis pub/sub channel. It is
// an alternative to WebSocketTransport for deployments where the gateway is
// fronted by Redis rather than addressable directly.
type RedisTransport struct {
	client     *redis.Client
	channel    string
	instanceID string

	mu       sync.RWMutex
	handlers map[string][]func(json.RawMessage)
	onReconn []func()
	connected bool

	pubsub *redis.PubSub
	logger *zap.SugaredLogger
}

// NewRedisTransport constructs a transport bound to one Redis channel.
// instanceID should be unique per process so self-published events are
// filtered out rather than looped back to local handlers.
func NewRedisTransport(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RedisTransport {
	return &RedisTransport{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		handlers:   make(map[string][]func(json.RawMessage)),
		logger:     logger,
	}
}

// Run subscribes and dispatches until ctx is cancelled.
func (t *RedisTransport) Run(ctx context.Context) {
	t.pubsub = t.client.Subscribe(ctx, t.channel)
	defer t.pubsub.Close()

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			return
		case msg, ok := <-ch:
			if !ok {
				t.mu.Lock()
				t.connected = false
				t.mu.Unlock()
				return
			}
			t.handleMessage(msg.Payload)
		}
	}
}

func (t *RedisTransport) handleMessage(raw string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.logger.Warnw("failed to unmarshal signalling event", "error", err)
		return
	}

	if env.InstanceID == t.instanceID {
		return
	}

	t.mu.RLock()
	handlers := append([]func(json.RawMessage){}, t.handlers[env.Event]...)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}

func (t *RedisTransport) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	env := redisEnvelope{Event: event, InstanceID: t.instanceID, Payload: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return t.client.Publish(ctx, t.channel, raw).Err()
}

func (t *RedisTransport) Subscribe(event string, handler func(json.RawMessage)) func() {
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], handler)
	idx := len(t.handlers[event]) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		hs := t.handlers[event]
		if idx < len(hs) {
			hs[idx] = func(json.RawMessage) {}
		}
	}
}

// OnReconnect records f. RedisTransport never invokes these callbacks: Run
// subscribes once and returns when the subscription ends.
func (t *RedisTransport) OnReconnect(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconn = append(t.onReconn, f)
}

func (t *RedisTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *RedisTransport) Close() error {
	if t.pubsub != nil {
		return t.pubsub.Close()
	}
	return nil
}
