// Package signaling abstracts the chat gateway's bidirectional voice:* event
// bus behind a narrow Transport interface. Two adapters are provided: a
// gorilla/websocket client (dialing out to the gateway) and a redis/go-redis
// pub/sub bridge for deployments that front the gateway with Redis instead
// of a direct socket.
package signaling

import (
	"context"
	"encoding/json"
)

// Transport is the abstract event bus VoiceConnection depends on. It is
// intentionally asymmetric with the gateway's own wire protocol: Send always
// takes a typed payload (marshaled internally), Subscribe always hands back
// raw JSON so each handler decodes into its own payload type.
type Transport interface {
	// Send marshals payload and emits it under event.
	Send(ctx context.Context, event string, payload any) error

	// Subscribe registers handler for every message received under event.
	// The returned func removes the registration; it is safe to call more
	// than once.
	Subscribe(event string, handler func(json.RawMessage)) (unsubscribe func())

	// Connected reports whether the underlying transport currently has a
	// live connection to the gateway.
	Connected() bool

	// Close tears down the transport and all its background goroutines.
	Close() error
}

// ReconnectNotifier is implemented by transports that accept callbacks for
// VoiceConnection's signalling-reconnect recovery sequence.
// WebSocketTransport runs them after a live connection drops, once its
// backoff wait has elapsed and just before it redials. RedisTransport stores
// them but never runs them, since it does not resubscribe after its
// subscription ends.
type ReconnectNotifier interface {
	OnReconnect(func())
}
