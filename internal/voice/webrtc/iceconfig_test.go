package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

func TestBuildICEServerConfig_StunOnly(t *testing.T) {
	cfg := BuildICEServerConfig(ICEConfigOptions{
		StunURLs: []string{"stun:stun.l.google.com:19302"},
	})

	assert.Len(t, cfg.Servers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Servers[0].URLs)
}

func TestBuildICEServerConfig_SkipsTurnWhenURLEmpty(t *testing.T) {
	cfg := BuildICEServerConfig(ICEConfigOptions{
		StunURLs: []string{"stun:stun.l.google.com:19302"},
		TurnUsername: "user",
	})

	assert.Len(t, cfg.Servers, 1)
}

func TestBuildICEServerConfig_IncludesTurnWhenConfigured(t *testing.T) {
	cfg := BuildICEServerConfig(ICEConfigOptions{
		StunURLs:       []string{"stun:stun.l.google.com:19302"},
		TurnURL:        "turn:turn.example.com:3478",
		TurnUsername:   "bot",
		TurnCredential: "secret",
	})

	assert.Len(t, cfg.Servers, 2)
	assert.Equal(t, "turn:turn.example.com:3478", cfg.Servers[1].URLs[0])
	assert.Equal(t, "turns:turn.example.com:3478", cfg.Servers[1].URLs[1])
	assert.Equal(t, "bot", cfg.Servers[1].Username)
}

func TestBuildICEServerConfig_DefaultsStunWhenUnset(t *testing.T) {
	cfg := BuildICEServerConfig(ICEConfigOptions{})

	assert.Len(t, cfg.Servers, 1)
	assert.Equal(t, DefaultSTUNURLs, cfg.Servers[0].URLs)
}

func TestBuildICEServerConfig_AppendsExtraServers(t *testing.T) {
	cfg := BuildICEServerConfig(ICEConfigOptions{
		StunURLs:     []string{"stun:stun.l.google.com:19302"},
		ExtraServers: []domain.ICEServer{{URLs: []string{"stun:extra.example.com:3478"}}},
	})

	assert.Len(t, cfg.Servers, 2)
	assert.Equal(t, "stun:extra.example.com:3478", cfg.Servers[1].URLs[0])
}
