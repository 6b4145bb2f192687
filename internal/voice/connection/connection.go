// Package connection implements VoiceConnection, the orchestrator that owns
// the signalling transport, the shared audio/video MediaSources, the set of
// PeerSessions and the admission/queue machinery. Everything else in the
// voice core (media, peer, signaling, webrtc) is a capability VoiceConnection
// drives; nothing reaches back up into this package.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatbot/voicecore/internal/infrastructure/monitoring"
	"github.com/chatbot/voicecore/internal/voice/distributed"
	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/peer"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	voicewebrtc "github.com/chatbot/voicecore/internal/voice/webrtc"
	"github.com/chatbot/voicecore/pkg/cache"
	"github.com/chatbot/voicecore/pkg/circuitbreaker"
)

const (
	heartbeatInterval   = 5 * time.Second
	startBarrierFallback = 2750 * time.Millisecond
	negotiationTimeout  = 3 * time.Second
	massJoinCooldown    = 10 * time.Second
	resyncBarrierLead   = 120 * time.Millisecond
	reconnectSpacingCap = 2 * time.Second
	defaultVideoWidth   = 640
	defaultVideoHeight  = 360

	// admissionLimiterRate/Burst bound worst-case admission throughput
	// independent of tier misconfiguration: a safety valve on top of the
	// tier stagger, not a replacement for it.
	admissionLimiterRate  = 50
	admissionLimiterBurst = 100
)

// Callbacks lets the surrounding bot framework observe terminal,
// user-visible events without polling: individual peer failures never
// reach here.
type Callbacks struct {
	OnFinish func(kind domain.MediaKind)
	OnError  func(err error)
}

// Config constructs one VoiceConnection. Tiers defaults to
// domain.DefaultTiers when nil.
type Config struct {
	Identity  domain.VoiceChannelIdentity
	Transport signaling.Transport
	Factory   voicewebrtc.Factory
	ICEConfig domain.ICEServerConfig
	Clock     media.Clock
	Logger    *zap.SugaredLogger
	Breaker   *circuitbreaker.CircuitBreaker
	Metrics   *monitoring.PrometheusCollector
	Registry  SharedRegistry
	EventBus  *distributed.PeerEventBus

	Tiers       []domain.TierConfig
	VideoWidth  int
	VideoHeight int
	BinPath     string

	Callbacks Callbacks
}

// SharedRegistry lets VoiceConnection delegate cooldown/priority state to a
// cross-process store (distributed.SharedPeerRegistry) instead of its own
// in-memory map and pkg/cache-backed set, for deployments where more than
// one bot process can admit peers into the same channel.
type SharedRegistry interface {
	SetCooldown(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID, until time.Time) error
	CooldownUntil(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID) (time.Time, bool)
	SetPriority(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID, isPriority bool) error
	IsPriority(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID) bool
}

type peerEntry struct {
	session     *peer.Session
	connectedAt time.Time
}

// VoiceConnection is the per-channel orchestrator. The zero value is not
// usable; construct with New.
type VoiceConnection struct {
	identity  domain.VoiceChannelIdentity
	transport signaling.Transport
	factory   voicewebrtc.Factory
	ice       domain.ICEServerConfig
	clock     media.Clock
	logger    *zap.SugaredLogger
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *monitoring.PrometheusCollector
	registry  SharedRegistry
	eventBus  *distributed.PeerEventBus
	callbacks Callbacks

	tiers       []domain.TierConfig
	videoWidth  int
	videoHeight int
	binPath     string

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu                 sync.Mutex
	joined             bool
	peers              map[domain.PeerID]*peerEntry
	priority           *cache.Cache
	queue              []domain.PeerID
	queued             map[domain.PeerID]struct{}
	cooldownUntil      map[domain.PeerID]time.Time
	activeNegotiations int
	pumpRunning        bool
	massJoinUntil      time.Time

	unsubscribes     []func()
	heartbeatCancel  context.CancelFunc
	admissionLimiter *rate.Limiter

	audio *mediaPipeline
	video *mediaPipeline

	barrier startBarrier

	lastVideoAnnounce *bool
}

// mediaPipeline groups one audio or video decoder/pacer/track triple. It is
// nil when that media kind is inactive.
type mediaPipeline struct {
	kind   domain.MediaKind
	decoder *media.Decoder
	handle  *media.DecoderHandle
	pacer   *media.Pacer
	track   *webrtc.TrackLocalStaticSample
	cancel  context.CancelFunc
}

// startBarrier coordinates the shared release instant for the audio and
// video pacers so neither is released alone. Release fires once every
// active media kind has buffered its
// first frame and at least one peer is connected (the normal path), or once
// the fallback timer elapses regardless (the degraded path) — with zero
// peers in the channel the normal condition can never hold, so playback
// always starts on the fallback, matching the solo-join scenario.
type startBarrier struct {
	needAudio, needVideo   bool
	audioReady, videoReady bool
	fired                  bool
	armedAt                time.Time
	cancel                 context.CancelFunc
}

// New constructs a VoiceConnection bound to one channel. It does not join
// until Join is called.
func New(cfg Config) *VoiceConnection {
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = domain.DefaultTiers
	}
	width, height := cfg.VideoWidth, cfg.VideoHeight
	if width <= 0 || height <= 0 {
		width, height = defaultVideoWidth, defaultVideoHeight
	}

	return &VoiceConnection{
		identity:      cfg.Identity,
		transport:     cfg.Transport,
		factory:       cfg.Factory,
		ice:           cfg.ICEConfig,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		breaker:       cfg.Breaker,
		metrics:       cfg.Metrics,
		registry:      cfg.Registry,
		eventBus:      cfg.EventBus,
		callbacks:     cfg.Callbacks,
		tiers:         tiers,
		videoWidth:    width,
		videoHeight:   height,
		binPath:       cfg.BinPath,
		peers:            make(map[domain.PeerID]*peerEntry),
		priority:         cache.NewCache(0),
		queued:           make(map[domain.PeerID]struct{}),
		cooldownUntil:    make(map[domain.PeerID]time.Time),
		admissionLimiter: rate.NewLimiter(admissionLimiterRate, admissionLimiterBurst),
	}
}

// ChannelID returns the bound channel.
func (vc *VoiceConnection) ChannelID() domain.ChannelID { return vc.identity.ChannelID }

// ServerID returns the bound server.
func (vc *VoiceConnection) ServerID() domain.ServerID { return vc.identity.ServerID }

// Connected reports whether the signalling transport currently has a live
// link to the gateway.
func (vc *VoiceConnection) Connected() bool { return vc.transport.Connected() }

// PeerCount returns the number of admitted (session-backed) peers.
func (vc *VoiceConnection) PeerCount() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.peers)
}

// Join registers signalling listeners, emits voice:join and starts the
// heartbeat loop. Calling Join twice is a no-op.
func (vc *VoiceConnection) Join(ctx context.Context) error {
	vc.mu.Lock()
	if vc.joined {
		vc.mu.Unlock()
		return nil
	}
	vc.joined = true
	vc.mu.Unlock()

	vc.lifeCtx, vc.lifeCancel = context.WithCancel(context.Background())
	vc.subscribeAll()

	if notifier, ok := vc.transport.(signaling.ReconnectNotifier); ok {
		notifier.OnReconnect(vc.handleTransportReconnect)
	}

	if err := vc.emitJoin(ctx); err != nil {
		return fmt.Errorf("emit voice:join: %w", err)
	}

	if vc.metrics != nil {
		vc.metrics.RecordChannelJoined()
	}

	if vc.eventBus != nil {
		go vc.subscribeSharedEvents()
	}

	vc.startHeartbeat()
	return nil
}

// subscribeSharedEvents applies force-reconnect events published by other
// bot instances sharing this channel's Redis deployment. Runs until
// lifeCtx is canceled by Leave.
func (vc *VoiceConnection) subscribeSharedEvents() {
	err := vc.eventBus.Subscribe(vc.lifeCtx, func(event distributed.Event) {
		if event.Type != distributed.EventForceReconnect || event.ChannelID != vc.identity.ChannelID {
			return
		}
		if event.PeerID == "" {
			vc.reconnectAllPeers()
		} else {
			vc.reconnectPeer(event.PeerID)
		}
	})
	if err != nil && vc.lifeCtx.Err() == nil {
		vc.logger.Warnw("shared event bus subscription ended", "error", err)
	}
}

// sampleNetworkMetrics folds every connected peer's latest RTCP-derived
// snapshot into the process-wide Prometheus histograms once per heartbeat.
func (vc *VoiceConnection) sampleNetworkMetrics() {
	if vc.metrics == nil {
		return
	}
	vc.mu.Lock()
	sessions := make([]*peer.Session, 0, len(vc.peers))
	for _, entry := range vc.peers {
		sessions = append(sessions, entry.session)
	}
	vc.mu.Unlock()

	for _, s := range sessions {
		vc.metrics.RecordNetworkMetrics(s.Metrics())
	}
}

func (vc *VoiceConnection) emitJoin(ctx context.Context) error {
	payload := signaling.JoinPayload{
		ChannelID: vc.identity.ChannelID,
		ServerID:  vc.identity.ServerID,
		PeerID:    vc.identity.LocalPeerID,
	}
	return vc.transport.Send(ctx, signaling.EventJoin, payload)
}

func (vc *VoiceConnection) startHeartbeat() {
	ctx, cancel := context.WithCancel(vc.lifeCtx)
	vc.heartbeatCancel = cancel

	go func() {
		ticks := vc.clock.Every(heartbeatInterval, ctx)
		for range ticks {
			payload := signaling.HeartbeatPayload{ChannelID: vc.identity.ChannelID}
			if err := vc.transport.Send(ctx, signaling.EventHeartbeat, payload); err != nil {
				vc.logger.Debugw("heartbeat send failed", "error", err)
			}
			vc.sampleNetworkMetrics()
		}
	}()
}

// Leave is the master cancel: it stops both media pipelines, destroys every
// session, clears admission state, deregisters signalling listeners and
// emits voice:leave. After Leave returns the instance holds no timers, no
// child processes and no outgoing signalling handlers.
func (vc *VoiceConnection) Leave() error {
	vc.mu.Lock()
	if !vc.joined {
		vc.mu.Unlock()
		return nil
	}
	vc.joined = false
	sessions := make([]*peer.Session, 0, len(vc.peers))
	for _, entry := range vc.peers {
		sessions = append(sessions, entry.session)
	}
	vc.peers = make(map[domain.PeerID]*peerEntry)
	vc.queue = nil
	vc.queued = make(map[domain.PeerID]struct{})
	vc.cooldownUntil = make(map[domain.PeerID]time.Time)
	vc.activeNegotiations = 0
	vc.mu.Unlock()

	vc.stopAudioLocked()
	vc.stopVideoLocked()

	for _, s := range sessions {
		_ = s.Close()
	}

	if vc.heartbeatCancel != nil {
		vc.heartbeatCancel()
	}
	for _, unsub := range vc.unsubscribes {
		unsub()
	}
	vc.unsubscribes = nil

	if vc.lifeCancel != nil {
		vc.lifeCancel()
	}
	vc.priority.Stop()

	if vc.metrics != nil {
		vc.metrics.RecordChannelLeft(vc.identity.ChannelID)
	}

	return vc.transport.Send(context.Background(), signaling.EventLeave, vc.identity.ChannelID)
}

// SetPeerPriority marks id as bypassing the capacity admission gate. The
// flag is stored permanently (no TTL) since priority is a standing
// assignment, not a cache entry that should age out on its own.
func (vc *VoiceConnection) SetPeerPriority(id domain.PeerID, isPriority bool) {
	if vc.registry != nil {
		if err := vc.registry.SetPriority(context.Background(), vc.identity.ChannelID, id, isPriority); err != nil {
			vc.logger.Warnw("shared registry priority update failed", "remote_id", id, "error", err)
		}
		return
	}
	if isPriority {
		vc.priority.Set(string(id), true)
	} else {
		vc.priority.Delete(string(id))
	}
}

func (vc *VoiceConnection) isPriorityPeer(id domain.PeerID) bool {
	if vc.registry != nil {
		return vc.registry.IsPriority(context.Background(), vc.identity.ChannelID, id)
	}
	v, ok := vc.priority.Get(string(id))
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// cooldownUntilLocked reads the admission cooldown deadline for id, called
// with vc.mu held. Consults the shared registry when one is configured,
// falling back to the in-memory map otherwise.
func (vc *VoiceConnection) cooldownUntilLocked(id domain.PeerID) (time.Time, bool) {
	if vc.registry != nil {
		return vc.registry.CooldownUntil(context.Background(), vc.identity.ChannelID, id)
	}
	until, ok := vc.cooldownUntil[id]
	return until, ok
}

// setCooldownLocked records a fresh cooldown deadline for id, called with
// vc.mu held.
func (vc *VoiceConnection) setCooldownLocked(id domain.PeerID, until time.Time) {
	if vc.registry != nil {
		if err := vc.registry.SetCooldown(context.Background(), vc.identity.ChannelID, id, until); err != nil {
			vc.logger.Warnw("shared registry cooldown update failed", "remote_id", id, "error", err)
		}
		return
	}
	vc.cooldownUntil[id] = until
}

func (vc *VoiceConnection) newPeerConnectionLocked(ctx context.Context) (voicewebrtc.PeerConnection, error) {
	pc, err := vc.factory.New(ctx, vc.ice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPeerConnectionBuild, err)
	}
	return pc, nil
}

// admitPeer builds a PeerSession for id, attaches any active media tracks
// and registers it in the peer map. Called only from the admission pump,
// once id has already cleared the capacity/cooldown/de-dup gates.
func (vc *VoiceConnection) admitPeer(id domain.PeerID) {
	session, created := vc.getOrCreateSession(id)
	if created {
		vc.attachActiveTracks(session)
	}
}

// getOrCreateSession returns the existing session for id, or builds one.
// Used both by the admission pump (outbound-initiated admission) and by
// the inbound offer/answer/candidate handlers: a PeerSession may be
// created on admission or on first inbound signal.
func (vc *VoiceConnection) getOrCreateSession(id domain.PeerID) (*peer.Session, bool) {
	vc.mu.Lock()
	if entry, ok := vc.peers[id]; ok {
		vc.mu.Unlock()
		return entry.session, false
	}
	vc.mu.Unlock()

	pc, err := vc.newPeerConnectionLocked(vc.lifeCtx)
	if err != nil {
		vc.logger.Warnw("failed to build peer connection", "remote_id", id, "error", err)
		return nil, false
	}

	session := peer.New(vc.identity, id, domain.NewSessionID(), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{
		OnConnected: vc.handlePeerConnected,
		OnClosed:    vc.handlePeerClosed,
		OnNegotiation: func(_ domain.PeerID, d time.Duration) {
			if vc.metrics != nil {
				vc.metrics.RecordNegotiation(d)
			}
		},
	})

	vc.mu.Lock()
	if entry, ok := vc.peers[id]; ok {
		// Lost the race with another creator between the unlock above and
		// here; discard the fresh session and keep the winner.
		vc.mu.Unlock()
		_ = session.Close()
		return entry.session, false
	}
	vc.peers[id] = &peerEntry{session: session}
	vc.mu.Unlock()

	return session, true
}

func (vc *VoiceConnection) attachActiveTracks(session *peer.Session) {
	vc.mu.Lock()
	audioTrack := trackOf(vc.audio)
	videoTrack := trackOf(vc.video)
	vc.mu.Unlock()

	if audioTrack != nil {
		if err := session.BindAudioTrack(audioTrack); err != nil {
			vc.logger.Warnw("failed to bind audio track", "remote_id", session.RemoteID(), "error", err)
		}
	}
	// Video only rides the initial offer if the session is already connected
	// (practically never, at admission time); the normal case is
	// handlePeerConnected binding it once connected is reached, so the first
	// offer a peer ever sees only carries audio.
	if videoTrack != nil && session.ConnectionState() == domain.ConnConnected {
		if err := session.BindVideoTrack(videoTrack); err != nil {
			vc.logger.Warnw("failed to bind video track", "remote_id", session.RemoteID(), "error", err)
		}
	}
}

func trackOf(p *mediaPipeline) *webrtc.TrackLocalStaticSample {
	if p == nil {
		return nil
	}
	return p.track
}

func (vc *VoiceConnection) handlePeerConnected(id domain.PeerID) {
	vc.mu.Lock()
	anyConnected := false
	newlyConnected := false
	barrierFired := vc.barrier.fired
	videoTrack := trackOf(vc.video)
	var newEntry *peerEntry
	for peerID, entry := range vc.peers {
		if entry.session.ConnectionState() == domain.ConnConnected {
			anyConnected = true
			if peerID == id && entry.connectedAt.IsZero() {
				entry.connectedAt = vc.clock.Now()
				newlyConnected = true
				newEntry = entry
			}
		}
	}
	vc.mu.Unlock()

	if newlyConnected && vc.metrics != nil {
		vc.metrics.RecordPeerConnected(vc.identity.ChannelID)
	}

	if newlyConnected && videoTrack != nil && newEntry != nil {
		if err := newEntry.session.BindVideoTrack(videoTrack); err != nil {
			vc.logger.Warnw("failed to bind video track on connect", "remote_id", id, "error", err)
		}

		if barrierFired {
			// Mid-playback peer join (video already running when this peer
			// reaches connected): realign the shared video pacer to the
			// current audio position and re-barrier at now+120ms instead of
			// falling through to the normal first-connect release path.
			vc.resync(id)
			return
		}
	}

	if anyConnected {
		vc.tryFireBarrier(false)
	}
}

func (vc *VoiceConnection) handlePeerClosed(id domain.PeerID) {
	vc.mu.Lock()
	entry, ok := vc.peers[id]
	delete(vc.peers, id)
	vc.mu.Unlock()

	if ok && !entry.connectedAt.IsZero() && vc.metrics != nil {
		vc.metrics.RecordPeerDisconnected(vc.identity.ChannelID, vc.clock.Now().Sub(entry.connectedAt))
	}
}
