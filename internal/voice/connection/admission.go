package connection

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/peer"
	"github.com/chatbot/voicecore/internal/voice/signaling"
)

const (
	massJoinBatchInterval = 5 * time.Second
	massJoinBatchCap      = 20
	joinJitter            = 200 * time.Millisecond
	userJoinedJitter      = 300 * time.Millisecond
)

// subscribeAll registers every inbound signalling handler the connection
// reacts to. Unsubscribe funcs are collected so Leave can deregister them
// all.
func (vc *VoiceConnection) subscribeAll() {
	subs := []struct {
		event   string
		handler func(json.RawMessage)
	}{
		{signaling.EventParticipants, vc.onParticipants},
		{signaling.EventUserJoined, vc.onUserJoined},
		{signaling.EventUserLeft, vc.onUserLeft},
		{signaling.EventOfferIn, vc.onOffer},
		{signaling.EventAnswerIn, vc.onAnswer},
		{signaling.EventICECandidateIn, vc.onICECandidate},
		{signaling.EventForceReconnect, vc.onForceReconnect},
		{signaling.EventResyncRequest, vc.onResyncRequest},
	}
	for _, s := range subs {
		unsub := vc.transport.Subscribe(s.event, s.handler)
		vc.unsubscribes = append(vc.unsubscribes, unsub)
	}
}

func (vc *VoiceConnection) channelMatches(id domain.ChannelID) bool {
	return id == "" || id == vc.identity.ChannelID
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// onParticipants handles the initial voice:participants list delivered at
// join time.
func (vc *VoiceConnection) onParticipants(raw json.RawMessage) {
	var p signaling.ParticipantsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:participants", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}
	vc.dispatchParticipants(p.Participants)
}

// dispatchParticipants schedules admission for every participant, either
// evenly staggered (small lists) or batched 5s apart with a mass-join flag
// (lists larger than the current tier's max_peers).
func (vc *VoiceConnection) dispatchParticipants(ids []domain.PeerID) {
	if len(ids) == 0 {
		return
	}

	// Whether the list is batched is decided against the current tier
	// (|peers| + |queue|). Staggers and batch size come from the tier of the
	// prospective load (current peers plus this whole incoming list), since
	// at dispatch time none of ids has been enqueued yet.
	vc.mu.Lock()
	current := domain.SelectTier(vc.tiers, len(vc.peers)+len(vc.queue))
	tier := domain.SelectTier(vc.tiers, len(vc.peers)+len(ids))
	vc.mu.Unlock()

	if len(ids) <= current.MaxPeers {
		for i, id := range ids {
			delay := tier.StaggerBase() + time.Duration(i)*tier.StaggerPerPeer() + jitter(joinJitter)
			vc.scheduleAdmission(id, delay)
		}
		return
	}

	batchSize := tier.MaxPeers
	if batchSize > massJoinBatchCap {
		batchSize = massJoinBatchCap
	}
	batches := chunkPeerIDs(ids, batchSize)

	lastBatchIdx := len(batches) - 1
	lastBatchLen := len(batches[lastBatchIdx])
	massJoinDuration := time.Duration(lastBatchIdx)*massJoinBatchInterval +
		tier.StaggerBase() + time.Duration(lastBatchLen-1)*tier.StaggerPerPeer() +
		massJoinCooldown

	vc.mu.Lock()
	vc.massJoinUntil = vc.clock.Now().Add(massJoinDuration)
	vc.mu.Unlock()

	if vc.metrics != nil {
		vc.metrics.RecordMassJoin()
	}

	for bi, batch := range batches {
		batchDelay := time.Duration(bi) * massJoinBatchInterval
		for i, id := range batch {
			delay := batchDelay + tier.StaggerBase() + time.Duration(i)*tier.StaggerPerPeer() + jitter(joinJitter)
			vc.scheduleAdmission(id, delay)
		}
	}
}

// chunkPeerIDs splits ids into batches of at most size.
func chunkPeerIDs(ids []domain.PeerID, size int) [][]domain.PeerID {
	if size <= 0 {
		size = len(ids)
	}
	var batches [][]domain.PeerID
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}

// MassJoinInProgress reports whether a mass-join batch sequence (plus its
// trailing cool-down) is still in flight.
func (vc *VoiceConnection) MassJoinInProgress() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.clock.Now().Before(vc.massJoinUntil)
}

// onUserJoined handles a single mid-call joiner, staggered gently with
// crowd size.
func (vc *VoiceConnection) onUserJoined(raw json.RawMessage) {
	var p signaling.UserJoinedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:user-joined", "error", err)
		return
	}
	id := p.PeerID()
	if id == "" {
		return
	}

	vc.mu.Lock()
	tier := domain.SelectTier(vc.tiers, len(vc.peers)+len(vc.queue))
	peerCount := len(vc.peers)
	vc.mu.Unlock()

	growth := time.Duration(float64(peerCount) * 0.5 * float64(tier.StaggerPerPeer()))
	delay := tier.StaggerBase() + growth + jitter(userJoinedJitter)
	vc.scheduleAdmission(id, delay)
}

// onUserLeft tears down the departing peer's session immediately; it never
// goes through the admission queue.
func (vc *VoiceConnection) onUserLeft(raw json.RawMessage) {
	var p signaling.UserLeftPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:user-left", "error", err)
		return
	}
	id := p.PeerID()
	if id == "" {
		return
	}
	vc.removePeer(id)
}

func (vc *VoiceConnection) removePeer(id domain.PeerID) {
	vc.mu.Lock()
	entry, ok := vc.peers[id]
	if ok {
		delete(vc.peers, id)
	}
	vc.dequeueLocked(id)
	vc.mu.Unlock()

	if ok {
		_ = entry.session.Close()
	}
}

// dequeueLocked removes id from the pending queue. Caller holds vc.mu.
func (vc *VoiceConnection) dequeueLocked(id domain.PeerID) {
	if _, queued := vc.queued[id]; !queued {
		return
	}
	delete(vc.queued, id)
	for i, qid := range vc.queue {
		if qid == id {
			vc.queue = append(vc.queue[:i], vc.queue[i+1:]...)
			break
		}
	}
}

// scheduleAdmission waits delay (on the connection's clock) then attempts
// to enqueue id for admission.
func (vc *VoiceConnection) scheduleAdmission(id domain.PeerID, delay time.Duration) {
	go func() {
		<-vc.clock.After(delay, vc.lifeCtx)
		select {
		case <-vc.lifeCtx.Done():
			return
		default:
		}
		vc.enqueueAdmission(id, false)
	}()
}

// enqueueAdmission applies the three admission gates (capacity, cooldown,
// de-duplication) and pushes id onto the FIFO queue if all pass.
func (vc *VoiceConnection) enqueueAdmission(id domain.PeerID, forceReconnect bool) {
	vc.mu.Lock()
	if !vc.joined {
		vc.mu.Unlock()
		return
	}

	if _, exists := vc.peers[id]; exists && !forceReconnect {
		vc.mu.Unlock()
		return // AlreadyActive: a session is already live or negotiating.
	}
	if _, queued := vc.queued[id]; queued {
		vc.mu.Unlock()
		return // AlreadyActive: already waiting in the queue.
	}

	isPriority := vc.isPriorityPeer(id)
	if len(vc.peers) >= domain.MaxConnectedPeers && !isPriority {
		vc.mu.Unlock()
		vc.logger.Debugw("admission rejected: capacity exceeded", "remote_id", id)
		return
	}

	// A forced re-queue (force-reconnect, transport reconnect) rebuilds a
	// session that was just torn down, so it is not held back by cooldown.
	if until, ok := vc.cooldownUntilLocked(id); ok && !forceReconnect && vc.clock.Now().Before(until) {
		vc.mu.Unlock()
		return // cooldown not yet elapsed: drop silently.
	}

	vc.queue = append(vc.queue, id)
	vc.queued[id] = struct{}{}
	depth := len(vc.queue)
	vc.mu.Unlock()

	if vc.metrics != nil {
		vc.metrics.RecordAdmissionQueueDepth(vc.identity.ChannelID, depth)
	}

	vc.triggerPump()
}

// triggerPump starts the single-flight admission pump loop if it is not
// already running.
func (vc *VoiceConnection) triggerPump() {
	vc.mu.Lock()
	if vc.pumpRunning {
		vc.mu.Unlock()
		return
	}
	vc.pumpRunning = true
	vc.mu.Unlock()

	go vc.runPump()
}

// runPump drains the admission queue while active_negotiations stays under
// the current tier's concurrency budget, staggering successive admissions
// by stagger_per_peer.
func (vc *VoiceConnection) runPump() {
	for {
		vc.mu.Lock()
		if !vc.joined || len(vc.queue) == 0 {
			vc.pumpRunning = false
			vc.mu.Unlock()
			return
		}

		tier := domain.SelectTier(vc.tiers, len(vc.peers)+len(vc.queue))
		if vc.activeNegotiations >= tier.Concurrent {
			vc.pumpRunning = false
			vc.mu.Unlock()
			return
		}

		id := vc.queue[0]

		if !vc.admissionLimiter.Allow() {
			// Worst-case throughput guard tripped (misconfigured tier table,
			// or a burst far beyond any sane stagger); leave id at the head
			// of the queue and retry after one more stagger tick.
			vc.mu.Unlock()
			<-vc.clock.After(tier.StaggerPerPeer(), vc.lifeCtx)
			select {
			case <-vc.lifeCtx.Done():
				vc.mu.Lock()
				vc.pumpRunning = false
				vc.mu.Unlock()
				return
			default:
			}
			continue
		}

		vc.queue = vc.queue[1:]
		delete(vc.queued, id)
		vc.activeNegotiations++
		vc.setCooldownLocked(id, vc.clock.Now().Add(tier.Cooldown()))
		stagger := tier.StaggerPerPeer()
		depth := len(vc.queue)
		vc.mu.Unlock()

		if vc.metrics != nil {
			vc.metrics.RecordAdmissionQueueDepth(vc.identity.ChannelID, depth)
		}

		vc.admitPeer(id)
		vc.releaseNegotiationSlotAfter(negotiationTimeout)

		<-vc.clock.After(stagger, vc.lifeCtx)
		select {
		case <-vc.lifeCtx.Done():
			vc.mu.Lock()
			vc.pumpRunning = false
			vc.mu.Unlock()
			return
		default:
		}
	}
}

// releaseNegotiationSlotAfter frees one active_negotiations slot after d
// and re-enters the pump. d is a fixed in-flight budget; a WebRTC stack
// with a cleaner per-negotiation completion signal could shorten this.
func (vc *VoiceConnection) releaseNegotiationSlotAfter(d time.Duration) {
	go func() {
		<-vc.clock.After(d, vc.lifeCtx)
		select {
		case <-vc.lifeCtx.Done():
			return
		default:
		}

		vc.mu.Lock()
		if vc.activeNegotiations > 0 {
			vc.activeNegotiations--
		}
		vc.mu.Unlock()

		vc.triggerPump()
	}()
}

// onOffer, onAnswer and onICECandidate route inbound perfect-negotiation
// signals to the addressed session, creating it on first contact if the
// peer has not yet been admitted through the queue.
func (vc *VoiceConnection) onOffer(raw json.RawMessage) {
	var p signaling.OfferInPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:offer", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}

	session, _ := vc.getOrCreateSession(p.From)
	if session == nil {
		return
	}
	vc.attachActiveTracks(session)

	if err := session.HandleOffer(vc.lifeCtx, p.Offer); err != nil {
		vc.logger.Warnw("failed to handle inbound offer", "remote_id", p.From, "error", err)
	}
}

func (vc *VoiceConnection) onAnswer(raw json.RawMessage) {
	var p signaling.AnswerInPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:answer", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}

	vc.mu.Lock()
	entry, ok := vc.peers[p.From]
	vc.mu.Unlock()
	if !ok {
		return
	}

	if err := entry.session.HandleAnswer(vc.lifeCtx, p.Answer); err != nil {
		vc.logger.Warnw("failed to handle inbound answer", "remote_id", p.From, "error", err)
	}
}

func (vc *VoiceConnection) onICECandidate(raw json.RawMessage) {
	var p signaling.ICECandidateInPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:ice-candidate", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}

	session, _ := vc.getOrCreateSession(p.From)
	if session == nil {
		return
	}

	if err := session.HandleICECandidate(p.Candidate); err != nil {
		vc.logger.Warnw("failed to handle inbound ICE candidate", "remote_id", p.From, "error", err)
	}
}

// onForceReconnect routes by targetPeer: rebuild every session when
// targeted at the local endpoint, ignore a broadcast (a resilient bot does
// not self-reconnect on "*"/"all"), or rebuild just the named peer
// otherwise.
func (vc *VoiceConnection) onForceReconnect(raw json.RawMessage) {
	var p signaling.ForceReconnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:force-reconnect", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}

	switch p.TargetPeer {
	case vc.identity.LocalPeerID:
		vc.reconnectAllPeers()
	case "*", "all":
		return
	default:
		vc.reconnectPeer(p.TargetPeer)
	}
}

func (vc *VoiceConnection) reconnectAllPeers() {
	vc.mu.Lock()
	ids := make([]domain.PeerID, 0, len(vc.peers))
	for id := range vc.peers {
		ids = append(ids, id)
	}
	vc.mu.Unlock()

	for _, id := range ids {
		vc.reconnectPeer(id)
	}
}

func (vc *VoiceConnection) reconnectPeer(id domain.PeerID) {
	vc.removePeer(id)
	vc.enqueueAdmission(id, true)
}

// onResyncRequest realigns playback for the requesting peer and triggers
// an ICE restart toward it.
func (vc *VoiceConnection) onResyncRequest(raw json.RawMessage) {
	var p signaling.ResyncRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		vc.logger.Warnw("failed to decode voice:resync-request", "error", err)
		return
	}
	if !vc.channelMatches(p.ChannelID) {
		return
	}
	vc.resync(p.From)
}

// handleTransportReconnect runs the signalling-reconnect recovery sequence:
// every session is torn down (they can no longer be trusted after a gap in
// the signalling link), voice:join is re-emitted, and every previously-known
// peer is re-queued, spaced no more than 2s apart so the gateway isn't hit
// with a stampede of re-offers.
func (vc *VoiceConnection) handleTransportReconnect() {
	vc.mu.Lock()
	if !vc.joined {
		vc.mu.Unlock()
		return
	}
	sessions := make([]*peer.Session, 0, len(vc.peers))
	ids := make([]domain.PeerID, 0, len(vc.peers))
	for id, entry := range vc.peers {
		ids = append(ids, id)
		sessions = append(sessions, entry.session)
	}
	vc.peers = make(map[domain.PeerID]*peerEntry)
	vc.queue = nil
	vc.queued = make(map[domain.PeerID]struct{})
	vc.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	if err := vc.emitJoin(context.Background()); err != nil {
		vc.logger.Warnw("failed to re-emit voice:join on reconnect", "error", err)
	}

	spacing := reconnectSpacingCap
	if n := len(ids); n > 1 {
		if per := reconnectSpacingCap / time.Duration(n); per > 0 {
			spacing = per
		}
	}
	for i, id := range ids {
		id, delay := id, time.Duration(i)*spacing
		go func() {
			<-vc.clock.After(delay, vc.lifeCtx)
			if vc.lifeCtx.Err() != nil {
				return
			}
			vc.enqueueAdmission(id, true)
		}()
	}

	vc.mu.Lock()
	videoActive := vc.video != nil
	lastAnnounce := vc.lastVideoAnnounce
	vc.mu.Unlock()
	if videoActive && lastAnnounce != nil && *lastAnnounce {
		vc.mu.Lock()
		vc.lastVideoAnnounce = nil
		vc.mu.Unlock()
		vc.announceVideo(domain.VideoTypeCamera, true)
	}
}
