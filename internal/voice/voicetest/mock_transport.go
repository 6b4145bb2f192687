package voicetest

import (
	"context"
	"encoding/json"
	"sync"
)

// MockTransport is an in-memory Transport: Send appends to Sent and fans
// out to any locally registered handler for the same event, so a test can
// drive a full signalling round-trip (emit offer -> dispatch to the other
// session under test) without a real socket.
type MockTransport struct {
	mu        sync.Mutex
	handlers  map[string][]func(json.RawMessage)
	onReconn  []func()
	Sent      []MockSentMessage
	connected bool
}

// MockSentMessage records one Send call for assertions.
type MockSentMessage struct {
	Event   string
	Payload json.RawMessage
}

// NewMockTransport returns a connected, empty transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		handlers:  make(map[string][]func(json.RawMessage)),
		connected: true,
	}
}

func (t *MockTransport) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.Sent = append(t.Sent, MockSentMessage{Event: event, Payload: data})
	handlers := append([]func(json.RawMessage){}, t.handlers[event]...)
	t.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (t *MockTransport) Subscribe(event string, handler func(json.RawMessage)) func() {
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

func (t *MockTransport) OnReconnect(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconn = append(t.onReconn, f)
}

// TriggerReconnect invokes every registered reconnect callback, letting a
// test exercise VoiceConnection's signalling-reconnect recovery path.
func (t *MockTransport) TriggerReconnect() {
	t.mu.Lock()
	fns := append([]func(){}, t.onReconn...)
	t.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (t *MockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetConnected lets a test flip the reported link state.
func (t *MockTransport) SetConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

func (t *MockTransport) Close() error {
	return nil
}

// Deliver injects an inbound message as if it arrived from the gateway,
// bypassing Send (which would otherwise record it as outbound).
func (t *MockTransport) Deliver(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	handlers := append([]func(json.RawMessage){}, t.handlers[event]...)
	t.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}
