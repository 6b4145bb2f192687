package signaling

import "github.com/chatbot/voicecore/internal/voice/domain"

// Outbound event names, emitted by VoiceConnection/PeerSession onto the
// Transport.
const (
	EventJoin             = "voice:join"
	EventLeave            = "voice:leave"
	EventHeartbeat        = "voice:heartbeat"
	EventOfferOut         = "voice:offer"
	EventAnswerOut        = "voice:answer"
	EventICECandidateOut  = "voice:ice-candidate"
	EventPeerStateReport  = "voice:peer-state-report"
	EventScreenShare      = "voice:screen-share"
	EventVideo            = "voice:video"
)

// Inbound event names, subscribed to by VoiceConnection.
const (
	EventParticipants   = "voice:participants"
	EventUserJoined     = "voice:user-joined"
	EventUserLeft       = "voice:user-left"
	EventOfferIn        = "voice:offer"
	EventAnswerIn       = "voice:answer"
	EventICECandidateIn = "voice:ice-candidate"
	EventForceReconnect = "voice:force-reconnect"
	EventResyncRequest  = "voice:resync-request"
)

// JoinPayload is the voice:join announcement.
type JoinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	ServerID  domain.ServerID  `json:"serverId"`
	PeerID    domain.PeerID    `json:"peerId"`
}

// HeartbeatPayload is the voice:heartbeat beacon, emitted every 5 seconds
// while joined.
type HeartbeatPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// OfferOutPayload is the outbound voice:offer envelope.
type OfferOutPayload struct {
	To        domain.PeerID    `json:"to"`
	Offer     SDPPayload       `json:"offer"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// AnswerOutPayload is the outbound voice:answer envelope.
type AnswerOutPayload struct {
	To        domain.PeerID    `json:"to"`
	Answer    SDPPayload       `json:"answer"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// ICECandidateOutPayload is the outbound voice:ice-candidate envelope.
type ICECandidateOutPayload struct {
	To        domain.PeerID    `json:"to"`
	Candidate ICECandidateJSON `json:"candidate"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// PeerStateReportPayload is emitted on every connection/signalling/ICE state
// transition for a given peer.
type PeerStateReportPayload struct {
	ChannelID    domain.ChannelID `json:"channelId"`
	TargetPeerID domain.PeerID    `json:"targetPeerId"`
	State        string           `json:"state"`
	Timestamp    int64            `json:"timestamp"`
}

// MediaAnnouncePayload backs both voice:screen-share and voice:video.
type MediaAnnouncePayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.PeerID    `json:"userId"`
	Enabled   bool             `json:"enabled"`
}

// SDPPayload is the wire shape of an SDP offer/answer.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateJSON is the wire shape of an ICE candidate.
type ICECandidateJSON struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ParticipantsPayload lists the peers already in the channel at join time.
type ParticipantsPayload struct {
	ChannelID    domain.ChannelID `json:"channelId"`
	Participants []domain.PeerID  `json:"participants"`
}

// UserJoinedPayload uses either "id" or "userId" for the peer identifier —
// the upstream gateway is inconsistent about which key it sends, so both
// must be accepted. See UserJoinedPayload.PeerID.
type UserJoinedPayload struct {
	ID     domain.PeerID `json:"id,omitempty"`
	UserID domain.PeerID `json:"userId,omitempty"`
}

// PeerID returns whichever of ID/UserID was populated.
func (p UserJoinedPayload) PeerID() domain.PeerID {
	if p.ID != "" {
		return p.ID
	}
	return p.UserID
}

// UserLeftPayload mirrors UserJoinedPayload's dual-key quirk.
type UserLeftPayload = UserJoinedPayload

// OfferInPayload is the inbound voice:offer envelope (keyed by "from"
// rather than "to").
type OfferInPayload struct {
	From      domain.PeerID    `json:"from"`
	Offer     SDPPayload       `json:"offer"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// AnswerInPayload is the inbound voice:answer envelope.
type AnswerInPayload struct {
	From      domain.PeerID    `json:"from"`
	Answer    SDPPayload       `json:"answer"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// ICECandidateInPayload is the inbound voice:ice-candidate envelope.
type ICECandidateInPayload struct {
	From      domain.PeerID    `json:"from"`
	Candidate ICECandidateJSON `json:"candidate"`
	ChannelID domain.ChannelID `json:"channelId"`
}

// ForceReconnectPayload instructs the connection to rebuild one peer's
// session, or every session if TargetPeer is empty.
type ForceReconnectPayload struct {
	ChannelID  domain.ChannelID `json:"channelId"`
	Reason     string           `json:"reason"`
	TargetPeer domain.PeerID    `json:"targetPeer"`
}

// ResyncRequestPayload asks the pacer to re-synchronize playback position
// for the requesting peer.
type ResyncRequestPayload struct {
	From      domain.PeerID    `json:"from"`
	ChannelID domain.ChannelID `json:"channelId"`
}
