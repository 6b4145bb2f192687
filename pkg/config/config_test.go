package config

import (
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server address empty", func(c *Config) { c.Server.Address = "" }},
		{"server read timeout must be > 0", func(c *Config) { c.Server.ReadTimeout = 0 }},
		{"gateway url empty", func(c *Config) { c.Gateway.URL = "" }},
		{"gateway ping interval must be > 0", func(c *Config) { c.Gateway.PingInterval = 0 }},
		{"port range min without max", func(c *Config) { c.WebRTC.PortRange.Min = 100 }},
		{"port range min >= max", func(c *Config) {
			c.WebRTC.PortRange.Min = 200
			c.WebRTC.PortRange.Max = 100
		}},
		{"voice max connected peers must be > 0", func(c *Config) { c.Voice.MaxConnectedPeers = 0 }},
		{"voice video dimensions must be > 0", func(c *Config) { c.Voice.VideoWidth = 0 }},
		{"monitoring port required when enabled", func(c *Config) {
			c.Monitoring.PrometheusEnabled = true
			c.Monitoring.PrometheusPort = 0
		}},
		{"logging level empty", func(c *Config) { c.Logging.Level = "" }},
		{"redis address required when enabled", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_TierRowsMustHavePositiveBudgets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Voice.Tiers = []struct {
		Name             string `yaml:"name"`
		MaxPeers         int    `yaml:"max_peers"`
		Concurrent       int    `yaml:"concurrent"`
		CooldownMS       int    `yaml:"cooldown_ms"`
		StaggerBaseMS    int    `yaml:"stagger_base_ms"`
		StaggerPerPeerMS int    `yaml:"stagger_per_peer_ms"`
	}{
		{Name: "broken", MaxPeers: 0, Concurrent: 1},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max_peers tier row")
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected fallback to defaults, got error: %v", err)
	}
	if cfg.Server.Address != DefaultConfig().Server.Address {
		t.Fatalf("expected default server address, got %q", cfg.Server.Address)
	}
}
