// Package voicetest holds shared test doubles for the voice core:
// MockPeerConnection and MockTransport.
package voicetest

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// MockPeerConnection is a hand-written fake (not a testify mock.Mock) for
// the webrtc.PeerConnection capability interface: enough behavior to drive
// PeerSession's negotiation state machine plus hooks for tests to trigger
// callbacks and inspect calls.
type MockPeerConnection struct {
	mu sync.Mutex

	OfferSDP  string
	AnswerSDP string

	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription
	ICECandidates     []webrtc.ICECandidateInit

	SignalingStateValue    webrtc.SignalingState
	ConnectionStateValue   webrtc.PeerConnectionState
	ICEConnectionStateValue webrtc.ICEConnectionState

	CreateOfferErr          error
	CreateAnswerErr         error
	SetLocalDescriptionErr  error
	SetRemoteDescriptionErr error
	AddICECandidateErr      error

	ICERestartOffers int
	ClosedCalls      int
	AddTrackCalls    int

	onICECandidate          func(*webrtc.ICECandidate)
	onTrack                 func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onSignalingStateChange  func(webrtc.SignalingState)
	onConnectionStateChange func(webrtc.PeerConnectionState)
	onICEConnStateChange    func(webrtc.ICEConnectionState)
	onNegotiationNeeded     func()
}

// NewMockPeerConnection returns a ready-to-use mock in the "new" state.
func NewMockPeerConnection() *MockPeerConnection {
	return &MockPeerConnection{
		OfferSDP:  "mock-offer-sdp",
		AnswerSDP: "mock-answer-sdp",
	}
}

func (m *MockPeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if m.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, m.CreateOfferErr
	}
	m.mu.Lock()
	if iceRestart {
		m.ICERestartOffers++
	}
	m.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.OfferSDP}, nil
}

func (m *MockPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	if m.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, m.CreateAnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.AnswerSDP}, nil
}

func (m *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	if m.SetLocalDescriptionErr != nil {
		return m.SetLocalDescriptionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LocalDescription = &desc
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if m.SetRemoteDescriptionErr != nil {
		return m.SetRemoteDescriptionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoteDescription = &desc
	return nil
}

func (m *MockPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if m.AddICECandidateErr != nil {
		return m.AddICECandidateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ICECandidates = append(m.ICECandidates, candidate)
	return nil
}

func (m *MockPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	m.AddTrackCalls++
	m.mu.Unlock()
	return &webrtc.RTPSender{}, nil
}

func (m *MockPeerConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return nil
}

func (m *MockPeerConnection) SignalingState() webrtc.SignalingState {
	return m.SignalingStateValue
}

func (m *MockPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return m.ConnectionStateValue
}

func (m *MockPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return m.ICEConnectionStateValue
}

func (m *MockPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	m.onICECandidate = f
}

func (m *MockPeerConnection) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.onTrack = f
}

func (m *MockPeerConnection) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	m.onSignalingStateChange = f
}

func (m *MockPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	m.onConnectionStateChange = f
}

func (m *MockPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	m.onICEConnStateChange = f
}

func (m *MockPeerConnection) OnNegotiationNeeded(f func()) {
	m.onNegotiationNeeded = f
}

// FireNegotiationNeeded drives the registered negotiation-needed handler.
func (m *MockPeerConnection) FireNegotiationNeeded() {
	if m.onNegotiationNeeded != nil {
		m.onNegotiationNeeded()
	}
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	m.ClosedCalls++
	m.mu.Unlock()
	return nil
}

// FireConnectionStateChange lets a test drive the registered handler, the
// same way pion would on a real state transition.
func (m *MockPeerConnection) FireConnectionStateChange(s webrtc.PeerConnectionState) {
	m.ConnectionStateValue = s
	if m.onConnectionStateChange != nil {
		m.onConnectionStateChange(s)
	}
}

// FireSignalingStateChange drives the registered signalling-state handler.
func (m *MockPeerConnection) FireSignalingStateChange(s webrtc.SignalingState) {
	m.SignalingStateValue = s
	if m.onSignalingStateChange != nil {
		m.onSignalingStateChange(s)
	}
}

// FireICEConnectionStateChange drives the registered ICE-state handler.
func (m *MockPeerConnection) FireICEConnectionStateChange(s webrtc.ICEConnectionState) {
	m.ICEConnectionStateValue = s
	if m.onICEConnStateChange != nil {
		m.onICEConnStateChange(s)
	}
}

// FireICECandidate drives the registered local-candidate handler.
func (m *MockPeerConnection) FireICECandidate(c *webrtc.ICECandidate) {
	if m.onICECandidate != nil {
		m.onICECandidate(c)
	}
}
