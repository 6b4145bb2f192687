package connection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	"github.com/chatbot/voicecore/pkg/tracing"
)

const zeroDuration time.Duration = 0

// armStartBarrier (re)configures which media kinds the barrier waits on and
// starts its fallback timer, unless it has already fired for the current
// playback generation.
func (vc *VoiceConnection) armStartBarrier(needAudio, needVideo bool) {
	vc.mu.Lock()
	if vc.barrier.fired {
		vc.mu.Unlock()
		return
	}
	vc.barrier.needAudio = needAudio
	vc.barrier.needVideo = needVideo
	if vc.barrier.armedAt.IsZero() {
		vc.barrier.armedAt = vc.clock.Now()
	}
	alreadyArmed := vc.barrier.cancel != nil
	vc.mu.Unlock()

	if alreadyArmed {
		return
	}

	ctx, cancel := context.WithCancel(vc.lifeCtx)
	vc.mu.Lock()
	vc.barrier.cancel = cancel
	vc.mu.Unlock()

	go func() {
		fallback := vc.clock.After(startBarrierFallback, ctx)
		if _, ok := <-fallback; ok {
			vc.tryFireBarrier(true)
		}
	}()
}

// markBarrierReady records that the given media kind has buffered its first
// frame, attempting a normal-path release.
func (vc *VoiceConnection) markBarrierReady(isAudio bool) {
	vc.mu.Lock()
	if isAudio {
		vc.barrier.audioReady = true
	} else {
		vc.barrier.videoReady = true
	}
	vc.mu.Unlock()

	vc.tryFireBarrier(false)
}

// tryFireBarrier releases both pacers at a shared barrier instant, either
// because every needed media kind is ready and at least one peer is
// connected (force == false, the normal path) or because the fallback timer
// elapsed (force == true, the degraded path). Fires at most once per
// playback generation.
func (vc *VoiceConnection) tryFireBarrier(force bool) {
	vc.mu.Lock()
	if vc.barrier.fired {
		vc.mu.Unlock()
		return
	}

	ready := (!vc.barrier.needAudio || vc.barrier.audioReady) &&
		(!vc.barrier.needVideo || vc.barrier.videoReady)

	if !force && !vc.hasConnectedPeerLocked() {
		ready = false
	}

	if !force && !ready {
		vc.mu.Unlock()
		return
	}

	vc.barrier.fired = true
	cancel := vc.barrier.cancel
	armedAt := vc.barrier.armedAt
	audio := vc.audio
	video := vc.video
	vc.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	_, span := tracing.StartSpan(context.Background(), "voice.pacer.start_barrier",
		trace.WithAttributes(
			attribute.String("channel.id", string(vc.identity.ChannelID)),
			attribute.Bool("degraded", force),
		))
	span.End()

	instant := vc.clock.Now()
	if vc.metrics != nil && !armedAt.IsZero() {
		vc.metrics.RecordBarrierRelease(force, instant.Sub(armedAt))
	}
	if audio != nil && audio.pacer != nil {
		audio.pacer.Unpause(instant)
	}
	if video != nil && video.pacer != nil {
		video.pacer.Unpause(instant)
	}
}

func (vc *VoiceConnection) hasConnectedPeerLocked() bool {
	for _, entry := range vc.peers {
		if entry.session.ConnectionState() == domain.ConnConnected {
			return true
		}
	}
	return false
}

// resetBarrierForNextPlayback clears the fired latch so a fresh play_file/
// play_video call gets its own barrier, called from stopAudioLocked/
// stopVideoLocked only once neither pipeline is active.
func (vc *VoiceConnection) resetBarrierForNextPlayback() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.audio == nil && vc.video == nil {
		vc.barrier = startBarrier{}
	}
}

// announceVideo emits voice:video (camera) or voice:screen-share (screen),
// de-duplicated by last-sent key so transport churn never emits a spurious
// repeat of the same enabled/disabled state.
func (vc *VoiceConnection) announceVideo(shareType domain.VideoShareType, enabled bool) {
	vc.mu.Lock()
	if vc.lastVideoAnnounce != nil && *vc.lastVideoAnnounce == enabled {
		vc.mu.Unlock()
		return
	}
	vc.lastVideoAnnounce = &enabled
	vc.mu.Unlock()

	event := signaling.EventVideo
	if shareType == domain.VideoTypeScreen {
		event = signaling.EventScreenShare
	}

	payload := signaling.MediaAnnouncePayload{
		ChannelID: vc.identity.ChannelID,
		UserID:    vc.identity.LocalPeerID,
		Enabled:   enabled,
	}
	if err := vc.transport.Send(context.Background(), event, payload); err != nil {
		vc.logger.Warnw("failed to announce video state", "error", err)
	}
}

// resync realigns the video pacer to the current audio position and
// triggers an ICE restart toward the requesting peer.
func (vc *VoiceConnection) resync(from domain.PeerID) {
	vc.mu.Lock()
	audio := vc.audio
	video := vc.video
	entry := vc.peers[from]
	vc.mu.Unlock()

	if video == nil || video.pacer == nil {
		return
	}

	var audioPosition = zeroDuration
	if audio != nil && audio.pacer != nil {
		audioPosition = audio.pacer.Position()
	}

	video.pacer.Pause()
	video.pacer.Resync(audioPosition)
	video.pacer.Unpause(vc.clock.Now().Add(resyncBarrierLead))

	if entry != nil {
		entry.session.TriggerICERestart()
	}
}
