// Package domain holds the plain data types shared across the voice core:
// identities, ICE configuration, media source handles and the tier table
// that drives admission control. Nothing in this package talks to a
// network, a subprocess or a clock — it is pure data plus the invariants
// that bind it.
package domain

import (
	"time"
)

// PeerID identifies a remote participant on the signalling bus. Polite/
// impolite role is derived from lexicographic comparison of two PeerIDs.
type PeerID string

// SessionID identifies one negotiation lifetime of a PeerSession. It is
// regenerated whenever the underlying PeerConnection is rebuilt.
type SessionID string

// ChannelID and ServerID identify the voice channel the VoiceConnection is
// bound to for its entire lifetime.
type ChannelID string
type ServerID string

// VoiceChannelIdentity is immutable for the lifetime of a VoiceConnection.
type VoiceChannelIdentity struct {
	LocalPeerID PeerID
	ServerID    ServerID
	ChannelID   ChannelID
}

// IsPolite reports whether the local endpoint yields on an offer collision
// with remote. The endpoint whose ID compares lexicographically smaller is
// polite; both sides compute the same answer independently.
func (v VoiceChannelIdentity) IsPolite(remote PeerID) bool {
	return v.LocalPeerID < remote
}

// ICEServer is one STUN/TURN entry, mirroring webrtc.ICEServer without
// depending on the webrtc package from domain.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEServerConfig is built once per VoiceConnection and never mutated
// afterwards.
type ICEServerConfig struct {
	Servers []ICEServer
}

// MediaKind distinguishes the two MediaSource flavors the orchestrator owns.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// VideoShareType distinguishes a screen-share from a camera feed for the
// voice:screen-share / voice:video announcement events.
type VideoShareType string

const (
	VideoTypeScreen VideoShareType = "screen"
	VideoTypeCamera VideoShareType = "camera"
)

// PlaybackOptions configures play_file / play_url / play_video.
type PlaybackOptions struct {
	Loop      bool
	Effect    EffectConfig
	ShareType VideoShareType
}

// NetworkMetrics is the periodic per-peer quality snapshot derived from
// RTCP reports, surfaced via voice:peer-state-report and Prometheus.
type NetworkMetrics struct {
	Timestamp        time.Time
	PacketLoss       float64
	Jitter           time.Duration
	Latency          time.Duration
	BandwidthDown    int
	BandwidthUp      int
	AvailableBitrate int
}

// PeerConnState mirrors the abstract connection_state stream a
// PeerConnection capability exposes.
type PeerConnState string

const (
	ConnNew          PeerConnState = "new"
	ConnConnecting   PeerConnState = "connecting"
	ConnConnected    PeerConnState = "connected"
	ConnDisconnected PeerConnState = "disconnected"
	ConnFailed       PeerConnState = "failed"
	ConnClosed       PeerConnState = "closed"
)

// SignallingState mirrors the abstract signalling_state stream.
type SignallingState string

const (
	SignallingStable             SignallingState = "stable"
	SignallingHaveLocalOffer     SignallingState = "have-local-offer"
	SignallingHaveRemoteOffer    SignallingState = "have-remote-offer"
	SignallingHaveLocalPranswer  SignallingState = "have-local-pranswer"
	SignallingHaveRemotePranswer SignallingState = "have-remote-pranswer"
	SignallingClosed             SignallingState = "closed"
)

// ICEConnState mirrors the abstract ice_connection_state stream.
type ICEConnState string

const (
	ICENew          ICEConnState = "new"
	ICEChecking     ICEConnState = "checking"
	ICEConnected    ICEConnState = "connected"
	ICECompleted    ICEConnState = "completed"
	ICEFailed       ICEConnState = "failed"
	ICEDisconnected ICEConnState = "disconnected"
	ICEClosed       ICEConnState = "closed"
)
