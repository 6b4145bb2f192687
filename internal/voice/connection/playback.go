package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/peer"
)

// PlayFile starts audio playback from a local file path.
func (vc *VoiceConnection) PlayFile(path string, opts domain.PlaybackOptions) error {
	return vc.startAudio(path, false, opts)
}

// PlayURL starts audio playback from an HTTP source.
func (vc *VoiceConnection) PlayURL(url string, opts domain.PlaybackOptions) error {
	return vc.startAudio(url, true, opts)
}

func (vc *VoiceConnection) startAudio(input string, isURL bool, opts domain.PlaybackOptions) error {
	vc.stopAudioLocked()

	job := media.DecoderJob{
		Kind:    domain.MediaAudio,
		Input:   input,
		IsURL:   isURL,
		Loop:    opts.Loop,
		Effect:  opts.Effect,
		BinPath: vc.binPath,
	}

	track, err := newSharedTrack(domain.MediaAudio)
	if err != nil {
		return err
	}
	sink := NewTrackSink(track, audioSampleDuration)

	decoder := media.NewDecoder(vc.logger, vc.clock, vc.breaker)
	jobCtx, cancel := context.WithCancel(vc.lifeCtx)

	handle, err := decoder.Start(jobCtx, job, media.DecoderCallbacks{
		OnWarning: func(text string) {
			vc.logger.Debugw("audio decoder warning", "warning", text)
		},
		OnFinished: func() {
			vc.onMediaFinished(domain.MediaAudio)
		},
		OnFatal: func(err error) {
			cancel()
			vc.onMediaFatal(domain.MediaAudio, err)
		},
		OnDrop: func(dropped int) {
			if vc.metrics != nil {
				vc.metrics.RecordPacerUnderrun(vc.identity.ChannelID, domain.MediaAudio)
			}
		},
		OnRestart: func() {
			if vc.metrics != nil {
				vc.metrics.RecordDecoderRestart(vc.identity.ChannelID, "no_frames")
			}
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start audio decoder: %w", err)
	}

	pacer := media.NewPacer(vc.logger, vc.clock, media.StreamAudio, handle, sink, 10, media.PacerCallbacks{})
	pacer.Prime()

	pipeline := &mediaPipeline{kind: domain.MediaAudio, decoder: decoder, handle: handle, pacer: pacer, track: track, cancel: cancel}

	vc.mu.Lock()
	vc.audio = pipeline
	vc.mu.Unlock()

	vc.rebindTrackToAllPeers(track, true)
	vc.armStartBarrier(true, vc.video != nil)
	vc.watchForFirstFrame(handle, func() { vc.markBarrierReady(true) })

	return nil
}

// PlayVideo starts video playback (camera or screen-share) from a file path
// or URL, replacing any video already active.
func (vc *VoiceConnection) PlayVideo(pathOrURL string, opts domain.PlaybackOptions) error {
	vc.stopVideoLocked()

	isURL := looksLikeURL(pathOrURL)
	job := media.DecoderJob{
		Kind:        domain.MediaVideo,
		Input:       pathOrURL,
		IsURL:       isURL,
		Loop:        opts.Loop,
		VideoWidth:  vc.videoWidth,
		VideoHeight: vc.videoHeight,
		BinPath:     vc.binPath,
	}

	decoder := media.NewDecoder(vc.logger, vc.clock, vc.breaker)
	jobCtx, cancel := context.WithCancel(vc.lifeCtx)

	handle, err := decoder.Start(jobCtx, job, media.DecoderCallbacks{
		OnWarning: func(text string) {
			vc.logger.Debugw("video decoder warning", "warning", text)
		},
		OnFinished: func() {
			vc.onMediaFinished(domain.MediaVideo)
		},
		OnFatal: func(err error) {
			cancel()
			vc.onMediaFatal(domain.MediaVideo, err)
		},
		OnDrop: func(dropped int) {
			if vc.metrics != nil {
				vc.metrics.RecordPacerUnderrun(vc.identity.ChannelID, domain.MediaVideo)
			}
		},
		OnRestart: func() {
			if vc.metrics != nil {
				vc.metrics.RecordDecoderRestart(vc.identity.ChannelID, "no_frames")
			}
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start video decoder: %w", err)
	}

	track, err := newSharedTrack(domain.MediaVideo)
	if err != nil {
		cancel()
		handle.Stop()
		return err
	}
	sink := NewTrackSink(track, videoFrameDuration(handle.TargetFPS()))

	frameDurationMS := 1000.0 / float64(handle.TargetFPS())
	pacer := media.NewPacer(vc.logger, vc.clock, media.StreamVideo, handle, sink, frameDurationMS, media.PacerCallbacks{})
	pacer.Prime()

	pipeline := &mediaPipeline{kind: domain.MediaVideo, decoder: decoder, handle: handle, pacer: pacer, track: track, cancel: cancel}

	vc.mu.Lock()
	wasActive := vc.video != nil
	vc.video = pipeline
	vc.mu.Unlock()

	// Two play_video calls in succession must never double-wire a track to a
	// single peer: re-binding replaces the existing sender's track in place
	// (Session.bindTrack's ReplaceTrack path) rather than adding a new one.
	vc.rebindTrackToAllPeers(track, false)
	vc.announceVideo(opts.ShareType, true)

	if wasActive {
		// Mid-stream video swap: the barrier already fired once; just start
		// the new pacer immediately once it has a frame ready.
		vc.watchForFirstFrame(handle, func() { pacer.Unpause(vc.clock.Now()) })
	} else {
		vc.armStartBarrier(vc.audio != nil, true)
		vc.watchForFirstFrame(handle, func() { vc.markBarrierReady(false) })
	}

	return nil
}

func looksLikeURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

// watchForFirstFrame polls (on the connection's clock) until handle's ring
// buffer has produced at least one frame, then invokes onReady once.
func (vc *VoiceConnection) watchForFirstFrame(handle *media.DecoderHandle, onReady func()) {
	go func() {
		ticks := vc.clock.Every(20*time.Millisecond, vc.lifeCtx)
		for range ticks {
			if handle.Ring().Len() > 0 {
				onReady()
				return
			}
			select {
			case <-handle.Drain():
				return
			default:
			}
		}
	}()
}

// StopAudio is a subset cancel scoped to the audio pipeline. Idempotent.
func (vc *VoiceConnection) StopAudio() error {
	vc.stopAudioLocked()
	return nil
}

// StopVideo is a subset cancel scoped to the video pipeline. Idempotent.
func (vc *VoiceConnection) StopVideo() error {
	vc.stopVideoLocked()
	vc.announceVideo(domain.VideoTypeCamera, false)
	return nil
}

func (vc *VoiceConnection) stopAudioLocked() {
	vc.mu.Lock()
	pipeline := vc.audio
	vc.audio = nil
	vc.barrier.needAudio = false
	vc.mu.Unlock()

	stopPipeline(pipeline)
}

func (vc *VoiceConnection) stopVideoLocked() {
	vc.mu.Lock()
	pipeline := vc.video
	vc.video = nil
	vc.barrier.needVideo = false
	vc.mu.Unlock()

	stopPipeline(pipeline)

	vc.mu.Lock()
	for _, entry := range vc.peers {
		entry.session.RemoveVideoTrack()
	}
	vc.mu.Unlock()
}

func stopPipeline(p *mediaPipeline) {
	if p == nil {
		return
	}
	if p.pacer != nil {
		p.pacer.Stop()
	}
	if p.handle != nil {
		p.handle.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// rebindTrackToAllPeers attaches track to every currently admitted peer
// session. isAudio selects which of BindAudioTrack/BindVideoTrack is used;
// both paths replace an existing sender's track in place rather than
// double-wiring a second sender, so repeated calls (e.g. back-to-back
// play_video) stay idempotent per peer. Video is skipped for any session
// that hasn't reached connected yet — handlePeerConnected binds it once
// that session gets there, so a still-negotiating peer's first offer never
// carries a video track.
func (vc *VoiceConnection) rebindTrackToAllPeers(track *webrtc.TrackLocalStaticSample, isAudio bool) {
	vc.mu.Lock()
	sessions := make([]*peer.Session, 0, len(vc.peers))
	for _, entry := range vc.peers {
		sessions = append(sessions, entry.session)
	}
	vc.mu.Unlock()

	for _, s := range sessions {
		if !isAudio && s.ConnectionState() != domain.ConnConnected {
			continue
		}
		var err error
		if isAudio {
			err = s.BindAudioTrack(track)
		} else {
			err = s.BindVideoTrack(track)
		}
		if err != nil {
			vc.logger.Warnw("failed to rebind track to peer", "remote_id", s.RemoteID(), "error", err)
		}
	}
}

func (vc *VoiceConnection) onMediaFinished(kind domain.MediaKind) {
	if vc.callbacks.OnFinish != nil {
		vc.callbacks.OnFinish(kind)
	}
}

func (vc *VoiceConnection) onMediaFatal(kind domain.MediaKind, err error) {
	vc.logger.Warnw("media pipeline failed", "kind", kind, "error", err)
	if vc.callbacks.OnError != nil {
		vc.callbacks.OnError(fmt.Errorf("%s playback failed: %w", kind, err))
	}
}
