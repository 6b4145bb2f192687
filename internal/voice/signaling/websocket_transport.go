package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// envelope is the wire shape exchanged with the gateway: every message
// carries an event name and a raw payload.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebSocketTransport dials out to the chat gateway as a client. It owns
// one read pump, one write goroutine and a ping ticker, and redials with
// backoff on unexpected closure.
type WebSocketTransport struct {
	url    string
	header map[string][]string

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	handlers  map[string][]func(json.RawMessage)
	onReconn  []func()

	writeCh chan envelope
	closeCh chan struct{}
	closed  bool

	logger *zap.SugaredLogger
}

// WebSocketTransportConfig configures dial behaviour.
type WebSocketTransportConfig struct {
	URL          string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewWebSocketTransport constructs a transport without dialing. The caller
// runs Run in its own goroutine, which performs the first dial and then
// redials on failure.
func NewWebSocketTransport(cfg WebSocketTransportConfig, logger *zap.SugaredLogger) *WebSocketTransport {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &WebSocketTransport{
		url:          cfg.URL,
		pingInterval: cfg.PingInterval,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		handlers:     make(map[string][]func(json.RawMessage)),
		writeCh:      make(chan envelope, 32),
		closeCh:      make(chan struct{}),
		logger:       logger,
	}
}

// Run connects and keeps reconnecting (with a backoff that starts at 1s and
// doubles up to 30s, without jitter) until ctx is cancelled or Close is
// called. After a live connection drops, the OnReconnect callbacks run once
// the backoff wait has elapsed, just before the redial. It blocks, so
// callers run it in its own goroutine.
func (t *WebSocketTransport) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		default:
		}

		if err := t.connectAndPump(ctx); err != nil {
			t.logger.Warnw("signalling transport disconnected", "error", err, "retry_in", backoff)
		}

		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if wasConnected {
			t.notifyReconnect()
		}
	}
}

func (t *WebSocketTransport) connectAndPump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		return nil
	})

	readCh := make(chan envelope, 16)
	errCh := make(chan error, 1)

	go func() {
		for {
			var msg envelope
			if err := conn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(t.readTimeout))
			readCh <- msg
		}
	}()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closeCh:
			return nil

		case msg := <-readCh:
			t.dispatch(msg)

		case out := <-t.writeCh:
			conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return fmt.Errorf("write message: %w", err)
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}

		case err := <-errCh:
			return err
		}
	}
}

func (t *WebSocketTransport) dispatch(msg envelope) {
	t.mu.RLock()
	handlers := append([]func(json.RawMessage){}, t.handlers[msg.Event]...)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(msg.Payload)
	}
}

func (t *WebSocketTransport) notifyReconnect() {
	t.mu.RLock()
	fns := append([]func(){}, t.onReconn...)
	t.mu.RUnlock()
	for _, f := range fns {
		f()
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	select {
	case t.writeCh <- envelope{Event: event, Payload: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return fmt.Errorf("transport closed")
	}
}

func (t *WebSocketTransport) Subscribe(event string, handler func(json.RawMessage)) func() {
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

func (t *WebSocketTransport) OnReconnect(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconn = append(t.onReconn, f)
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.closeCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
