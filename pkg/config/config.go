package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for a voicecore process: the
// health/metrics HTTP server, WebRTC ICE servers, the signalling gateway
// the bot dials out to, per-VoiceConnection tier overrides, monitoring and
// logging. Auth and REST-surface rate limiting are out of the voice/media
// core's scope and are not part of this config.
type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Gateway is the chat signalling bus the voice core dials out to as a
	// client.
	Gateway struct {
		URL             string        `yaml:"url"`
		ReconnectMinMS  int           `yaml:"reconnect_min_ms"`
		ReconnectMaxMS  int           `yaml:"reconnect_max_ms"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"gateway"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	// Voice holds the admission/tiering and media-decoder knobs a
	// VoiceConnection reads at construction time.
	Voice struct {
		MaxConnectedPeers int    `yaml:"max_connected_peers"`
		DecoderBinPath    string `yaml:"decoder_bin_path"`
		VideoWidth        int    `yaml:"video_width"`
		VideoHeight       int    `yaml:"video_height"`
		Tiers             []struct {
			Name             string `yaml:"name"`
			MaxPeers         int    `yaml:"max_peers"`
			Concurrent       int    `yaml:"concurrent"`
			CooldownMS       int    `yaml:"cooldown_ms"`
			StaggerBaseMS    int    `yaml:"stagger_base_ms"`
			StaggerPerPeerMS int    `yaml:"stagger_per_peer_ms"`
		} `yaml:"tiers"`
	} `yaml:"voice"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url must not be empty")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be > 0")
	}
	if c.Gateway.PongTimeout <= 0 {
		return fmt.Errorf("gateway.pong_timeout must be > 0")
	}
	if c.Gateway.ShutdownTimeout <= 0 {
		return fmt.Errorf("gateway.shutdown_timeout must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Voice.MaxConnectedPeers <= 0 {
		return fmt.Errorf("voice.max_connected_peers must be > 0")
	}
	if c.Voice.VideoWidth <= 0 || c.Voice.VideoHeight <= 0 {
		return fmt.Errorf("voice.video_width and voice.video_height must be > 0")
	}
	for _, t := range c.Voice.Tiers {
		if t.MaxPeers <= 0 || t.Concurrent <= 0 {
			return fmt.Errorf("voice.tiers[%s]: max_peers and concurrent must be > 0", t.Name)
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults, including the
// default tiered-scaling table.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Gateway.URL = "ws://localhost:8081/voice"
	cfg.Gateway.ReconnectMinMS = 500
	cfg.Gateway.ReconnectMaxMS = 30000
	cfg.Gateway.PingInterval = 30 * time.Second
	cfg.Gateway.PongTimeout = 60 * time.Second
	cfg.Gateway.ShutdownTimeout = 30 * time.Second

	cfg.Voice.MaxConnectedPeers = 100
	cfg.Voice.DecoderBinPath = "ffmpeg"
	cfg.Voice.VideoWidth = 640
	cfg.Voice.VideoHeight = 360

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOICECORE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("VOICECORE_GATEWAY_URL"); url != "" {
		c.Gateway.URL = url
	}
	if level := os.Getenv("VOICECORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if bin := os.Getenv("VOICECORE_DECODER_BIN"); bin != "" {
		c.Voice.DecoderBinPath = bin
	}
	// TURN_URL/TURN_USER/TURN_PASS are read directly by cmd/voicebot when
	// building the ICE server config, not stored on Config — they are
	// credentials, not deployment topology.
}
