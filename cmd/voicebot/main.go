package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatbot/voicecore/internal/infrastructure/monitoring"
	"github.com/chatbot/voicecore/internal/voice/connection"
	voicedistributed "github.com/chatbot/voicecore/internal/voice/distributed"
	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	voicewebrtc "github.com/chatbot/voicecore/internal/voice/webrtc"
	"github.com/chatbot/voicecore/pkg/circuitbreaker"
	"github.com/chatbot/voicecore/pkg/config"
	apperrors "github.com/chatbot/voicecore/pkg/errors"
	"github.com/chatbot/voicecore/pkg/logger"
	"github.com/chatbot/voicecore/pkg/utils"
	"github.com/chatbot/voicecore/pkg/validation"

	"go.uber.org/zap"
)

// registry holds one VoiceConnection per channel this process has joined.
// A chat bot framework calls joinHandler/leaveHandler (or an in-process
// equivalent) as its own channel-membership commands arrive; voicecore
// itself has no opinion on how those commands reach it.
type registry struct {
	mu          sync.Mutex
	channels    map[domain.ChannelID]*connection.VoiceConnection
	factory     voicewebrtc.Factory
	ice         domain.ICEServerConfig
	logger      *zap.SugaredLogger
	breaker     *circuitbreaker.CircuitBreaker
	metrics     *monitoring.PrometheusCollector
	sharedReg   *voicedistributed.SharedPeerRegistry
	eventBus    *voicedistributed.PeerEventBus
	tiers       []domain.TierConfig
	binPath     string
	videoWidth  int
	videoHeight int
}

func (r *registry) join(ctx context.Context, transport signaling.Transport, identity domain.VoiceChannelIdentity) (*connection.VoiceConnection, error) {
	r.mu.Lock()
	if vc, ok := r.channels[identity.ChannelID]; ok {
		r.mu.Unlock()
		return vc, nil
	}
	r.mu.Unlock()

	var sharedRegistry connection.SharedRegistry
	if r.sharedReg != nil {
		sharedRegistry = r.sharedReg
	}

	vc := connection.New(connection.Config{
		Identity:    identity,
		Transport:   transport,
		Factory:     r.factory,
		ICEConfig:   r.ice,
		Clock:       media.SystemClock{},
		Logger:      r.logger,
		Breaker:     r.breaker,
		Metrics:     r.metrics,
		Registry:    sharedRegistry,
		EventBus:    r.eventBus,
		Tiers:       r.tiers,
		VideoWidth:  r.videoWidth,
		VideoHeight: r.videoHeight,
		BinPath:     r.binPath,
	})

	if err := vc.Join(ctx); err != nil {
		return nil, fmt.Errorf("join channel %s: %w", identity.ChannelID, err)
	}

	r.mu.Lock()
	r.channels[identity.ChannelID] = vc
	r.mu.Unlock()

	return vc, nil
}

func (r *registry) leave(channelID domain.ChannelID) error {
	r.mu.Lock()
	vc, ok := r.channels[channelID]
	delete(r.channels, channelID)
	r.mu.Unlock()

	if !ok {
		return domain.ErrPeerNotFound
	}
	return vc.Leave()
}

func (r *registry) get(channelID domain.ChannelID) (*connection.VoiceConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.channels[channelID]
	return vc, ok
}

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voicecore/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := uuid.New().String()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	var transport signaling.Transport
	if redisClient != nil {
		rt := signaling.NewRedisTransport(redisClient, "voicecore:signal", instanceID, log)
		go rt.Run(context.Background())
		transport = rt
	} else {
		wst := signaling.NewWebSocketTransport(signaling.WebSocketTransportConfig{
			URL:          cfg.Gateway.URL,
			PingInterval: cfg.Gateway.PingInterval,
		}, log)
		go wst.Run(context.Background())
		transport = wst
	}

	iceOpts := voicewebrtc.ICEConfigOptions{
		TurnURL:        os.Getenv("TURN_URL"),
		TurnUsername:   os.Getenv("TURN_USER"),
		TurnCredential: os.Getenv("TURN_PASS"),
	}
	for _, s := range cfg.WebRTC.ICEServers {
		iceOpts.StunURLs = append(iceOpts.StunURLs, s.URLs...)
	}
	iceConfig := voicewebrtc.BuildICEServerConfig(iceOpts)

	factory := voicewebrtc.NewPionFactory(voicewebrtc.PortRange{
		Min: cfg.WebRTC.PortRange.Min,
		Max: cfg.WebRTC.PortRange.Max,
	})

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())

	var metricsCollector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metricsCollector = monitoring.NewPrometheusCollector()
	}

	var sharedReg *voicedistributed.SharedPeerRegistry
	var eventBus *voicedistributed.PeerEventBus
	if redisClient != nil {
		sharedReg = voicedistributed.NewSharedPeerRegistry(redisClient, instanceID, log)
		eventBus = voicedistributed.NewPeerEventBus(redisClient, instanceID, log)
	}

	tiers := make([]domain.TierConfig, 0, len(cfg.Voice.Tiers))
	for _, t := range cfg.Voice.Tiers {
		tiers = append(tiers, domain.TierConfig{
			Name:             t.Name,
			MaxPeers:         t.MaxPeers,
			Concurrent:       t.Concurrent,
			CooldownMS:       t.CooldownMS,
			StaggerBaseMS:    t.StaggerBaseMS,
			StaggerPerPeerMS: t.StaggerPerPeerMS,
		})
	}

	reg := &registry{
		channels:    make(map[domain.ChannelID]*connection.VoiceConnection),
		factory:     factory,
		ice:         iceConfig,
		logger:      log,
		breaker:     breaker,
		metrics:     metricsCollector,
		sharedReg:   sharedReg,
		eventBus:    eventBus,
		tiers:       tiers,
		binPath:     cfg.Voice.DecoderBinPath,
		videoWidth:  cfg.Voice.VideoWidth,
		videoHeight: cfg.Voice.VideoHeight,
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddGatewayCheck(transport, 10*time.Second, 2*time.Second)
	if redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 10*time.Second, 2*time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "healthy",
			"uptime": time.Since(startTime).String(),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := healthChecker.GetReadinessStatus(r.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/channels/join", joinHandler(reg, transport, log))
	mux.HandleFunc("/channels/leave", leaveHandler(reg))
	mux.HandleFunc("/channels/play", playHandler(reg))
	if eventBus != nil {
		mux.HandleFunc("/admin/force-reconnect", forceReconnectHandler(eventBus))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting voicecore server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down voicecore")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	reg.mu.Lock()
	for id, vc := range reg.channels {
		if err := vc.Leave(); err != nil {
			log.Warnw("error leaving channel during shutdown", "channel_id", id, "error", err)
		}
	}
	reg.mu.Unlock()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info("voicecore stopped")
}

type joinRequest struct {
	ServerID  domain.ServerID  `json:"server_id"`
	ChannelID domain.ChannelID `json:"channel_id"`
	LocalPeer domain.PeerID    `json:"local_peer_id"`
}

func joinHandler(reg *registry, transport signaling.Transport, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := utils.GenerateRequestID()
		reqLog := log.With("request_id", requestID)

		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError("malformed join request body"))
			return
		}

		if err := validation.ValidateNonEmptyString(string(req.ChannelID), "channel_id"); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError(err.Error()))
			return
		}
		if err := validation.ValidatePeerID(string(req.LocalPeer)); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError(err.Error()))
			return
		}

		identity := domain.VoiceChannelIdentity{
			ServerID:    req.ServerID,
			ChannelID:   req.ChannelID,
			LocalPeerID: req.LocalPeer,
		}

		reqLog.Infow("channel join requested", "channel_id", req.ChannelID, "local_peer_id", req.LocalPeer)

		vc, err := reg.join(r.Context(), transport, identity)
		if err != nil {
			writeAppError(w, connection.ToAppError(err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id": vc.ChannelID(),
			"peer_count": vc.PeerCount(),
			"request_id": requestID,
		})
	}
}

func leaveHandler(reg *registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := domain.ChannelID(r.URL.Query().Get("channel_id"))
		if err := reg.leave(channelID); err != nil {
			writeAppError(w, connection.ToAppError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "left"})
	}
}

type playRequest struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Kind      string           `json:"kind"` // "audio" or "video"
	Input     string           `json:"input"`
	IsURL     bool             `json:"is_url"`
	Loop      bool             `json:"loop"`
}

func playHandler(reg *registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req playRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError("malformed play request body"))
			return
		}

		if err := validation.ValidateNonEmptyString(string(req.ChannelID), "channel_id"); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError(err.Error()))
			return
		}

		vc, ok := reg.get(req.ChannelID)
		if !ok {
			writeAppError(w, apperrors.NewNotFoundError("channel"))
			return
		}

		input := utils.SanitizeString(req.Input)
		if req.IsURL {
			if err := validation.ValidateURL(input); err != nil {
				writeAppError(w, apperrors.NewInvalidInputError(err.Error()))
				return
			}
		} else if validation.ValidateNonEmptyString(input, "input") != nil {
			writeAppError(w, apperrors.NewInvalidInputError("input is required"))
			return
		}

		opts := domain.PlaybackOptions{Loop: req.Loop}

		var err error
		switch req.Kind {
		case "video":
			err = vc.PlayVideo(input, opts)
		case "audio":
			if req.IsURL {
				err = vc.PlayURL(input, opts)
			} else {
				err = vc.PlayFile(input, opts)
			}
		default:
			writeAppError(w, apperrors.NewInvalidInputError("kind must be \"audio\" or \"video\""))
			return
		}

		if err != nil {
			writeAppError(w, connection.ToAppError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "playing"})
	}
}

type forceReconnectRequest struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	PeerID    domain.PeerID    `json:"peer_id,omitempty"`
}

// forceReconnectHandler lets an operator surface (outside this repo's
// scope) broadcast a force-reconnect to every bot instance sharing this
// channel's Redis deployment, e.g. after rotating a TURN credential. Only
// registered when a PeerEventBus is configured.
func forceReconnectHandler(eventBus *voicedistributed.PeerEventBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forceReconnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAppError(w, apperrors.NewInvalidInputError("malformed force-reconnect request body"))
			return
		}
		if req.ChannelID == "" {
			writeAppError(w, apperrors.NewInvalidInputError("channel_id is required"))
			return
		}

		if err := eventBus.PublishForceReconnect(r.Context(), req.ChannelID, req.PeerID); err != nil {
			writeAppError(w, apperrors.NewServiceUnavailableError("failed to publish force-reconnect event"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "published"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAppError(w http.ResponseWriter, appErr *apperrors.AppError) {
	if appErr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(w, appErr.HTTPStatus, map[string]any{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}
