package voicetest

import (
	"context"
	"sync"

	"github.com/chatbot/voicecore/internal/voice/domain"
	voicewebrtc "github.com/chatbot/voicecore/internal/voice/webrtc"
)

// MockFactory hands out a fresh MockPeerConnection on every New call and
// records every one it built, so a test can reach in and drive negotiation
// state transitions for any admitted peer.
type MockFactory struct {
	mu     sync.Mutex
	Built  []*MockPeerConnection
	NewErr error
}

func NewMockFactory() *MockFactory {
	return &MockFactory{}
}

func (f *MockFactory) New(ctx context.Context, ice domain.ICEServerConfig) (voicewebrtc.PeerConnection, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	pc := NewMockPeerConnection()
	f.mu.Lock()
	f.Built = append(f.Built, pc)
	f.mu.Unlock()
	return pc, nil
}

// Last returns the most recently built mock, or nil if none yet.
func (f *MockFactory) Last() *MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Built) == 0 {
		return nil
	}
	return f.Built[len(f.Built)-1]
}

// Count reports how many connections the factory has built.
func (f *MockFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Built)
}
