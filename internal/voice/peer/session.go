// Package peer implements PeerSession: the perfect-negotiation state
// machine and candidate plumbing for one remote participant. It has no
// notion of tiers, admission queues or media pacing — VoiceConnection owns
// those and drives a Session purely through its public methods and the
// callbacks it registers.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	voicewebrtc "github.com/chatbot/voicecore/internal/voice/webrtc"
	"github.com/chatbot/voicecore/pkg/tracing"
)

// connectedPollInterval and connectedPollAttempts implement the 250ms/40
// attempt (10s) connected-poll fallback.
const (
	connectedPollInterval = 250 * time.Millisecond
	connectedPollAttempts = 40
)

// Callbacks groups the hooks VoiceConnection wires into a Session at
// construction time. Every callback runs with the session's lock released.
type Callbacks struct {
	// OnStateReport fires on every connection/signalling/ICE state transition.
	OnStateReport func(domain.PeerID, string)
	// OnConnected fires exactly once, when the session is first considered
	// connected (either genuinely, or via the connected-poll fallback).
	OnConnected func(domain.PeerID)
	// OnClosed fires when the session is destroyed (failed or closed state).
	OnClosed func(domain.PeerID)
	// OnNegotiation fires once HandleAnswer completes successfully, with the
	// wall-clock duration of that offer/answer round.
	OnNegotiation func(domain.PeerID, time.Duration)
}

// Session runs perfect negotiation for one remote peer. The zero value is
// not usable; construct with New.
type Session struct {
	mu sync.Mutex

	identity  domain.VoiceChannelIdentity
	remoteID  domain.PeerID
	polite    bool
	sessionID domain.SessionID

	pc        voicewebrtc.PeerConnection
	transport signaling.Transport
	clock     media.Clock
	logger    *zap.SugaredLogger
	callbacks Callbacks

	makingOffer        bool
	ignoreOffer        bool
	remoteDescSet      bool
	pendingCandidates  []webrtc.ICECandidateInit
	pendingRenegotiate bool
	pendingICERestart  bool

	connectedAnnounced bool
	pollCancel         context.CancelFunc

	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	metricsMu sync.RWMutex
	metrics   domain.NetworkMetrics

	closed bool
}

// New constructs a Session bound to pc and wires every callback the
// negotiation state machine needs. remoteID determines politeness via
// identity.IsPolite.
func New(identity domain.VoiceChannelIdentity, remoteID domain.PeerID, sessionID domain.SessionID, pc voicewebrtc.PeerConnection, transport signaling.Transport, clock media.Clock, logger *zap.SugaredLogger, cb Callbacks) *Session {
	s := &Session{
		identity:  identity,
		remoteID:  remoteID,
		polite:    identity.IsPolite(remoteID),
		sessionID: sessionID,
		pc:        pc,
		transport: transport,
		clock:     clock,
		logger:    logger,
		callbacks: cb,
	}

	pc.OnNegotiationNeeded(s.handleNegotiationNeeded)
	pc.OnSignalingStateChange(s.handleSignalingStateChange)
	pc.OnICECandidate(s.handleLocalICECandidate)
	pc.OnConnectionStateChange(s.handleConnectionStateChange)
	pc.OnICEConnectionStateChange(s.handleICEConnectionStateChange)
	pc.OnTrack(s.handleRemoteTrack)

	return s
}

// handleRemoteTrack starts draining RTCP for any track the remote side
// sends us (e.g. a participant's own microphone, should the embedding bot
// ever negotiate a receive direction). One reader goroutine per receiver;
// it exits on its own once the receiver's RTCP stream errors out, which
// happens when the PeerConnection closes.
func (s *Session) handleRemoteTrack(_ *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	go voicewebrtc.ReadRTCP(receiver, s.SetMetrics)
}

// RemoteID returns the peer this session negotiates with.
func (s *Session) RemoteID() domain.PeerID { return s.remoteID }

// Polite reports whether this endpoint yields on offer collisions.
func (s *Session) Polite() bool { return s.polite }

// Metrics returns the most recent RTCP-derived NetworkMetrics snapshot.
func (s *Session) Metrics() domain.NetworkMetrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

// SetMetrics installs a fresh NetworkMetrics snapshot, called by the RTCP
// reader goroutine wired up by VoiceConnection.
func (s *Session) SetMetrics(m domain.NetworkMetrics) {
	s.metricsMu.Lock()
	s.metrics = m
	s.metricsMu.Unlock()
}

// ConnectionState reports the underlying PeerConnection's current state.
func (s *Session) ConnectionState() domain.PeerConnState {
	return voicewebrtc.ConnState(s.pc.ConnectionState())
}

// handleNegotiationNeeded implements the negotiation_needed transition,
// including the pending_renegotiate deferral.
func (s *Session) handleNegotiationNeeded() {
	s.mu.Lock()
	if s.makingOffer {
		s.pendingRenegotiate = true
		s.mu.Unlock()
		return
	}
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		s.pendingRenegotiate = true
		s.mu.Unlock()
		return
	}
	s.makingOffer = true
	iceRestart := s.pendingICERestart
	s.pendingICERestart = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.makingOffer = false
		s.mu.Unlock()
	}()

	if err := s.negotiate(iceRestart); err != nil {
		s.logger.Warnw("negotiation attempt failed", "remote_id", s.remoteID, "error", err)
	}
}

func (s *Session) negotiate(iceRestart bool) error {
	stateBefore := s.pc.SignalingState()

	offer, err := s.pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	if s.pc.SignalingState() != stateBefore {
		return fmt.Errorf("signalling state changed mid-negotiation, aborting offer")
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	return s.emitOffer(offer)
}

func (s *Session) emitOffer(offer webrtc.SessionDescription) error {
	payload := signaling.OfferOutPayload{
		To:        s.remoteID,
		Offer:     signaling.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP},
		ChannelID: s.identity.ChannelID,
	}
	return s.transport.Send(context.Background(), signaling.EventOfferOut, payload)
}

func (s *Session) handleSignalingStateChange(state webrtc.SignalingState) {
	s.reportState(string(voicewebrtc.SignallingState(state)))

	if state != webrtc.SignalingStateStable {
		return
	}

	s.mu.Lock()
	if !s.pendingRenegotiate {
		s.mu.Unlock()
		return
	}
	s.pendingRenegotiate = false
	s.mu.Unlock()

	go s.handleNegotiationNeeded()
}

func (s *Session) handleLocalICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	idx := init.SDPMLineIndex
	payload := signaling.ICECandidateOutPayload{
		To: s.remoteID,
		Candidate: signaling.ICECandidateJSON{
			Candidate:     init.Candidate,
			SDPMid:        derefString(init.SDPMid),
			SDPMLineIndex: idx,
		},
		ChannelID: s.identity.ChannelID,
	}

	if err := s.transport.Send(context.Background(), signaling.EventICECandidateOut, payload); err != nil {
		s.logger.Warnw("failed to emit ice candidate", "remote_id", s.remoteID, "error", err)
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// HandleOffer applies the perfect-negotiation collision rules to an inbound
// offer and answers it.
func (s *Session) HandleOffer(ctx context.Context, offer signaling.SDPPayload) (err error) {
	ctx, span := tracing.StartSpan(ctx, "voice.negotiation.offer",
		trace.WithAttributes(tracing.PeerIDKey.String(string(s.remoteID))))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	s.mu.Lock()
	collision := s.makingOffer || s.pc.SignalingState() != webrtc.SignalingStateStable

	if collision && !s.polite {
		s.ignoreOffer = true
		s.mu.Unlock()
		s.logger.Debugw("dropping offer as impolite on collision", "remote_id", s.remoteID)
		return nil
	}

	if collision && s.polite {
		s.mu.Unlock()
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback local description: %w", err)
		}
		s.mu.Lock()
		s.makingOffer = false
	}
	s.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	if err := s.flushCandidates(pending); err != nil {
		s.logger.Warnw("failed to flush pending candidates", "remote_id", s.remoteID, "error", err)
	}

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description for answer: %w", err)
	}

	if err := s.emitAnswer(answer); err != nil {
		return fmt.Errorf("emit answer: %w", err)
	}

	s.startConnectedPoll(ctx)
	s.flushPendingRenegotiate()
	return nil
}

func (s *Session) emitAnswer(answer webrtc.SessionDescription) error {
	payload := signaling.AnswerOutPayload{
		To:        s.remoteID,
		Answer:    signaling.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP},
		ChannelID: s.identity.ChannelID,
	}
	return s.transport.Send(context.Background(), signaling.EventAnswerOut, payload)
}

// HandleAnswer applies an inbound answer to a locally-initiated offer.
func (s *Session) HandleAnswer(ctx context.Context, answer signaling.SDPPayload) (err error) {
	start := s.clock.Now()
	ctx, span := tracing.StartSpan(ctx, "voice.negotiation.answer",
		trace.WithAttributes(tracing.PeerIDKey.String(string(s.remoteID))))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		} else if s.callbacks.OnNegotiation != nil {
			s.callbacks.OnNegotiation(s.remoteID, s.clock.Now().Sub(start))
		}
		span.End()
	}()

	if s.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	s.ignoreOffer = false
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	if err := s.flushCandidates(pending); err != nil {
		s.logger.Warnw("failed to flush pending candidates", "remote_id", s.remoteID, "error", err)
	}

	s.startConnectedPoll(ctx)
	s.flushPendingRenegotiate()
	return nil
}

// HandleICECandidate buffers or applies an inbound ICE candidate per the
// remote_desc_set / ignore_offer rules.
func (s *Session) HandleICECandidate(candidate signaling.ICECandidateJSON) error {
	s.mu.Lock()
	if s.ignoreOffer {
		s.mu.Unlock()
		return nil
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}

	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(init)
}

func (s *Session) flushCandidates(candidates []webrtc.ICECandidateInit) error {
	for _, c := range candidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) flushPendingRenegotiate() {
	s.mu.Lock()
	pending := s.pendingRenegotiate
	s.pendingRenegotiate = false
	s.mu.Unlock()

	if pending {
		go s.handleNegotiationNeeded()
	}
}

// startConnectedPoll begins the connected-poll fallback: poll every 250ms
// for up to 40 attempts, announcing "connected" exactly once either
// genuinely or by forced timeout.
func (s *Session) startConnectedPoll(ctx context.Context) {
	s.mu.Lock()
	if s.connectedAnnounced || s.pollCancel != nil {
		s.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.mu.Unlock()

	go s.runConnectedPoll(pollCtx)
}

func (s *Session) runConnectedPoll(ctx context.Context) {
	ticks := s.clock.Every(connectedPollInterval, ctx)
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			attempts++

			if s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
				s.announceConnected()
				return
			}

			if attempts >= connectedPollAttempts {
				s.logger.Debugw("connected-poll timed out, forcing connected announcement", "remote_id", s.remoteID)
				s.announceConnected()
				return
			}
		}
	}
}

func (s *Session) announceConnected() {
	s.mu.Lock()
	if s.connectedAnnounced {
		s.mu.Unlock()
		return
	}
	s.connectedAnnounced = true
	s.mu.Unlock()

	if s.callbacks.OnConnected != nil {
		s.callbacks.OnConnected(s.remoteID)
	}
}

func (s *Session) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	s.reportState(string(voicewebrtc.ConnState(state)))

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.destroy()
	}
}

func (s *Session) handleICEConnectionStateChange(state webrtc.ICEConnectionState) {
	s.reportState(string(voicewebrtc.ICEConnState(state)))

	if state == webrtc.ICEConnectionStateFailed {
		s.TriggerICERestart()
	}
}

func (s *Session) reportState(state string) {
	if s.callbacks.OnStateReport != nil {
		s.callbacks.OnStateReport(s.remoteID, state)
	}

	payload := signaling.PeerStateReportPayload{
		ChannelID:    s.identity.ChannelID,
		TargetPeerID: s.remoteID,
		State:        state,
		Timestamp:    time.Now().UnixMilli(),
	}
	_ = s.transport.Send(context.Background(), signaling.EventPeerStateReport, payload)
}

// TriggerICERestart schedules an ICE-restart offer the next time
// negotiation runs. Used by VoiceConnection on voice:resync-request and
// whenever ICE itself hasn't already triggered a restart.
func (s *Session) TriggerICERestart() {
	s.mu.Lock()
	s.pendingICERestart = true
	s.mu.Unlock()
	go s.handleNegotiationNeeded()
}

// BindVideoTrack attaches track to the peer connection, reusing an existing
// video RTPSender via ReplaceTrack when one is already present. Either path
// triggers pion's negotiation_needed automatically.
func (s *Session) BindVideoTrack(track webrtc.TrackLocal) error {
	return s.bindTrack(track, &s.videoSender)
}

// BindAudioTrack attaches track the same way BindVideoTrack does, tracked in
// its own RTPSender slot so the two media kinds can be replaced or removed
// independently.
func (s *Session) BindAudioTrack(track webrtc.TrackLocal) error {
	return s.bindTrack(track, &s.audioSender)
}

func (s *Session) bindTrack(track webrtc.TrackLocal, slot **webrtc.RTPSender) error {
	s.mu.Lock()
	sender := *slot
	s.mu.Unlock()

	if sender != nil {
		return sender.ReplaceTrack(track)
	}

	newSender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	s.mu.Lock()
	*slot = newSender
	s.mu.Unlock()

	go voicewebrtc.ReadSenderRTCP(newSender, s.SetMetrics)
	return nil
}

// RemoveVideoTrack detaches the peer's video sender, if any, so the next
// BindVideoTrack call starts fresh instead of replacing a stale track.
func (s *Session) RemoveVideoTrack() error {
	s.mu.Lock()
	sender := s.videoSender
	s.videoSender = nil
	s.mu.Unlock()

	if sender == nil {
		return nil
	}
	return s.pc.RemoveTrack(sender)
}

// destroy tears the session down and notifies VoiceConnection so it can be
// removed from the peer map. Idempotent.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.pollCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := s.pc.Close(); err != nil {
		s.logger.Debugw("error closing peer connection", "remote_id", s.remoteID, "error", err)
	}

	if s.callbacks.OnClosed != nil {
		s.callbacks.OnClosed(s.remoteID)
	}
}

// Close tears the session down explicitly, e.g. on VoiceConnection.leave().
func (s *Session) Close() error {
	s.destroy()
	return nil
}
