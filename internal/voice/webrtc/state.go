package webrtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// ConnState maps pion's PeerConnectionState onto the abstract connection_state
// stream PeerSession publishes to the orchestrator.
func ConnState(s webrtc.PeerConnectionState) domain.PeerConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnNew
	}
}

// SignallingState maps pion's SignalingState onto the abstract
// signalling_state stream.
func SignallingState(s webrtc.SignalingState) domain.SignallingState {
	switch s {
	case webrtc.SignalingStateStable:
		return domain.SignallingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return domain.SignallingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return domain.SignallingHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return domain.SignallingHaveLocalPranswer
	case webrtc.SignalingStateHaveRemotePranswer:
		return domain.SignallingHaveRemotePranswer
	case webrtc.SignalingStateClosed:
		return domain.SignallingClosed
	default:
		return domain.SignallingStable
	}
}

// ICEConnState maps pion's ICEConnectionState onto the abstract
// ice_connection_state stream.
func ICEConnState(s webrtc.ICEConnectionState) domain.ICEConnState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return domain.ICENew
	case webrtc.ICEConnectionStateChecking:
		return domain.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.ICECompleted
	case webrtc.ICEConnectionStateFailed:
		return domain.ICEFailed
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ICEDisconnected
	case webrtc.ICEConnectionStateClosed:
		return domain.ICEClosed
	default:
		return domain.ICENew
	}
}
