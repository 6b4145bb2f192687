package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	"github.com/chatbot/voicecore/internal/voice/voicetest"
)

func testIdentity(local, remote domain.PeerID) domain.VoiceChannelIdentity {
	return domain.VoiceChannelIdentity{LocalPeerID: local, ServerID: "server-1", ChannelID: "chan-1"}
}

func newTestSession(t *testing.T, local, remote domain.PeerID) (*Session, *voicetest.MockPeerConnection, *voicetest.MockTransport) {
	pc := voicetest.NewMockPeerConnection()
	transport := voicetest.NewMockTransport()
	logger := zap.NewNop().Sugar()

	s := New(testIdentity(local, remote), remote, domain.SessionID("sess-1"), pc, transport, media.SystemClock{}, logger, Callbacks{})
	return s, pc, transport
}

func TestSession_Politeness(t *testing.T) {
	s, _, _ := newTestSession(t, "peer-a", "peer-b")
	assert.True(t, s.Polite(), "peer-a < peer-b lexicographically, so local is polite")

	s2, _, _ := newTestSession(t, "peer-z", "peer-b")
	assert.False(t, s2.Polite())
}

func TestSession_NegotiationNeeded_EmitsOffer(t *testing.T) {
	_, pc, transport := newTestSession(t, "peer-a", "peer-b")
	pc.SignalingStateValue = webrtc.SignalingStateStable

	pc.FireNegotiationNeeded()

	assert.Len(t, transport.Sent, 1)
	assert.Equal(t, "voice:offer", transport.Sent[0].Event)
	assert.NotNil(t, pc.LocalDescription)
}

func TestSession_NegotiationNeeded_DefersWhenNotStable(t *testing.T) {
	s, pc, transport := newTestSession(t, "peer-a", "peer-b")
	pc.SignalingStateValue = webrtc.SignalingStateHaveLocalOffer

	pc.FireNegotiationNeeded()

	assert.Empty(t, transport.Sent)
	assert.True(t, s.pendingRenegotiate)
}

func TestSession_HandleOffer_ImpoliteDropsOnCollision(t *testing.T) {
	// local "peer-z" > remote "peer-b" => impolite
	s, pc, transport := newTestSession(t, "peer-z", "peer-b")
	s.makingOffer = true

	err := s.HandleOffer(context.Background(), stubOffer())
	assert.NoError(t, err)
	assert.True(t, s.ignoreOffer)
	assert.Nil(t, pc.RemoteDescription)
	assert.Empty(t, transport.Sent)
}

func TestSession_HandleOffer_PoliteRollsBackThenAnswers(t *testing.T) {
	// local "peer-a" < remote "peer-b" => polite
	s, pc, transport := newTestSession(t, "peer-a", "peer-b")
	s.makingOffer = true

	err := s.HandleOffer(context.Background(), stubOffer())
	assert.NoError(t, err)
	assert.NotNil(t, pc.RemoteDescription)
	assert.True(t, len(transport.Sent) >= 1)
	assert.Equal(t, "voice:answer", transport.Sent[len(transport.Sent)-1].Event)
}

func TestSession_HandleICECandidate_BufferedUntilRemoteDescSet(t *testing.T) {
	s, pc, _ := newTestSession(t, "peer-a", "peer-b")

	err := s.HandleICECandidate(candidateJSON("candidate:1 1 UDP 1 1.2.3.4 1 typ host"))
	assert.NoError(t, err)
	assert.Empty(t, pc.ICECandidates)
	assert.Len(t, s.pendingCandidates, 1)
}

func TestSession_HandleICECandidate_DroppedWhenIgnoringOffer(t *testing.T) {
	s, pc, _ := newTestSession(t, "peer-z", "peer-b")
	s.ignoreOffer = true

	err := s.HandleICECandidate(candidateJSON("candidate:1 1 UDP 1 1.2.3.4 1 typ host"))
	assert.NoError(t, err)
	assert.Empty(t, pc.ICECandidates)
	assert.Empty(t, s.pendingCandidates)
}

func TestSession_ConnectedPoll_AnnouncesOnConnectedState(t *testing.T) {
	var announced domain.PeerID
	done := make(chan struct{})

	pc := voicetest.NewMockPeerConnection()
	transport := voicetest.NewMockTransport()
	logger := zap.NewNop().Sugar()

	s := New(testIdentity("peer-a", "peer-b"), "peer-b", domain.SessionID("sess-1"), pc, transport, media.SystemClock{}, logger, Callbacks{
		OnConnected: func(id domain.PeerID) {
			announced = id
			close(done)
		},
	})

	pc.ConnectionStateValue = webrtc.PeerConnectionStateConnected
	s.startConnectedPoll(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connected callback never fired")
	}

	assert.Equal(t, domain.PeerID("peer-b"), announced)
}

func TestSession_ICEFailed_TriggersRestart(t *testing.T) {
	_, pc, _ := newTestSession(t, "peer-a", "peer-b")
	pc.SignalingStateValue = webrtc.SignalingStateStable

	pc.FireICEConnectionStateChange(webrtc.ICEConnectionStateFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, pc.ICERestartOffers, 0)
}

func stubOffer() signaling.SDPPayload {
	return signaling.SDPPayload{Type: "offer", SDP: "mock-remote-offer-sdp"}
}

func candidateJSON(c string) signaling.ICECandidateJSON {
	return signaling.ICECandidateJSON{Candidate: c}
}
