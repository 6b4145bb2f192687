// Package webrtc wraps pion/webrtc/v3 behind a narrow capability interface
// so PeerSession's negotiation state machine can be exercised against a
// mock in unit tests without standing up real ICE. Everything outside this
// package talks to PeerConnection, never to *webrtc.PeerConnection directly.
package webrtc

import (
	"context"

	"github.com/pion/webrtc/v3"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiation and
// media layers need. Production code is backed by PionPeerConnection;
// voicetest.MockPeerConnection backs unit tests.
type PeerConnection interface {
	// CreateOffer builds a new SDP offer. iceRestart requests a fresh set of
	// ICE credentials, the mechanism PeerSession uses to recover from a
	// failed ICE connection.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnSignalingStateChange(func(webrtc.SignalingState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(func())
	Close() error
}

// Factory builds a fresh PeerConnection bound to the given ICE configuration.
// VoiceConnection holds one Factory for its lifetime and calls it each time
// it builds the PeerConnection for a new PeerSession.
type Factory interface {
	New(ctx context.Context, ice domain.ICEServerConfig) (PeerConnection, error)
}

// PortRange bounds the ephemeral UDP ports pion allocates for ICE candidates,
// letting operators punch a fixed range through a firewall.
type PortRange struct {
	Min uint16
	Max uint16
}

// PionFactory builds real pion/webrtc/v3 connections.
type PionFactory struct {
	Ports PortRange
}

// NewPionFactory constructs a Factory with the given ephemeral port range.
// A zero PortRange leaves pion's default (OS-assigned) range in effect.
func NewPionFactory(ports PortRange) *PionFactory {
	return &PionFactory{Ports: ports}
}

func (f *PionFactory) New(ctx context.Context, ice domain.ICEServerConfig) (PeerConnection, error) {
	cfg := webrtc.Configuration{
		ICEServers:   toPionICEServers(ice),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.Ports.Min > 0 && f.Ports.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.Ports.Min, f.Ports.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc}, nil
}

func toPionICEServers(ice domain.ICEServerConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// pionPeerConnection adapts *webrtc.PeerConnection to PeerConnection.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return p.pc.AddTrack(track)
}

func (p *pionPeerConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return p.pc.RemoveTrack(sender)
}

func (p *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionPeerConnection) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(f)
}

func (p *pionPeerConnection) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	p.pc.OnSignalingStateChange(f)
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeerConnection) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
