package webrtc

import (
	"strings"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// DefaultSTUNURLs is the fixed set of public STUN servers used as a
// baseline whenever ICEConfigOptions.StunURLs is empty.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ICEConfigOptions configures BuildICEServerConfig. cmd/voicebot fills
// StunURLs from the URLs of pkg/config.Config.WebRTC.ICEServers and the TURN
// fields from the TURN_URL/TURN_USER/TURN_PASS environment variables; the
// TURN trio is optional and the TURN server is skipped entirely if URL is
// empty.
// ExtraServers carries additional entries a caller appended via the
// `iceServers` playback option.
type ICEConfigOptions struct {
	StunURLs       []string
	TurnURL        string
	TurnUsername   string
	TurnCredential string
	ExtraServers   []domain.ICEServer
}

// BuildICEServerConfig assembles the ICEServerConfig a VoiceConnection hands
// to every PeerSession it creates. It never mutates after construction,
// matching the invariant that ICE config is fixed for a VoiceConnection's
// lifetime.
//
// A turn: TURN URL gets a turns: sibling entry auto-derived alongside it
// since TURN-over-TLS often succeeds where plain TURN is firewalled.
func BuildICEServerConfig(opts ICEConfigOptions) domain.ICEServerConfig {
	cfg := domain.ICEServerConfig{}

	stunURLs := opts.StunURLs
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNURLs
	}
	cfg.Servers = append(cfg.Servers, domain.ICEServer{URLs: stunURLs})

	if opts.TurnURL != "" {
		urls := []string{opts.TurnURL}
		if strings.HasPrefix(opts.TurnURL, "turn:") {
			urls = append(urls, "turns:"+strings.TrimPrefix(opts.TurnURL, "turn:"))
		}
		cfg.Servers = append(cfg.Servers, domain.ICEServer{
			URLs:       urls,
			Username:   opts.TurnUsername,
			Credential: opts.TurnCredential,
		})
	}

	cfg.Servers = append(cfg.Servers, opts.ExtraServers...)

	return cfg
}
