package connection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/media"
	"github.com/chatbot/voicecore/internal/voice/peer"
	"github.com/chatbot/voicecore/internal/voice/voicetest"
)

// newTestPipeline builds a real decoder/pacer pair backed by a fake-decoder
// shell script standing in for ffmpeg (the same stand-in decoder_test.go
// uses), so resync/unpause exercise genuine Pacer state instead of a nil
// handle.
func newTestPipeline(t *testing.T, clock media.Clock, kind domain.MediaKind) *mediaPipeline {
	t.Helper()

	input := filepath.Join(t.TempDir(), "input.raw")
	require.NoError(t, os.WriteFile(input, []byte("stub"), 0o644))
	script := filepath.Join(t.TempDir(), "fake-decoder.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	job := media.DecoderJob{Kind: kind, Input: input, BinPath: script}
	streamKind := media.StreamAudio
	frameDuration := audioSampleDuration
	frameDurationMS := 10.0
	if kind == domain.MediaVideo {
		job.VideoWidth, job.VideoHeight, job.TargetFPS = 640, 360, 30
		streamKind = media.StreamVideo
	}

	decoder := media.NewDecoder(zap.NewNop().Sugar(), clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := decoder.Start(ctx, job, media.DecoderCallbacks{})
	require.NoError(t, err)
	t.Cleanup(func() {
		handle.Stop()
		cancel()
	})

	if kind == domain.MediaVideo {
		frameDurationMS = 1000.0 / float64(handle.TargetFPS())
		frameDuration = videoFrameDuration(handle.TargetFPS())
	}

	track, err := newSharedTrack(kind)
	require.NoError(t, err)
	sink := NewTrackSink(track, frameDuration)
	pacer := media.NewPacer(zap.NewNop().Sugar(), clock, streamKind, handle, sink, frameDurationMS, media.PacerCallbacks{})
	pacer.Prime()

	return &mediaPipeline{kind: kind, decoder: decoder, handle: handle, pacer: pacer, track: track, cancel: cancel}
}

func TestAttachActiveTracks_VideoWaitsForConnectedState(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	videoTrack, err := newSharedTrack(domain.MediaVideo)
	require.NoError(t, err)
	vc.mu.Lock()
	vc.video = &mediaPipeline{kind: domain.MediaVideo, track: videoTrack}
	vc.mu.Unlock()

	pc := voicetest.NewMockPeerConnection()
	session := peer.New(vc.identity, "p1", domain.SessionID("s1"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	vc.attachActiveTracks(session)
	assert.Equal(t, 0, pc.AddTrackCalls, "video must not ride the initial offer before the session reaches connected")

	pc.ConnectionStateValue = webrtc.PeerConnectionStateConnected
	vc.attachActiveTracks(session)
	assert.Equal(t, 1, pc.AddTrackCalls, "video should bind once the session is already connected at admission time")
}

func TestAttachActiveTracks_AudioBindsRegardlessOfConnectionState(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	audioTrack, err := newSharedTrack(domain.MediaAudio)
	require.NoError(t, err)
	vc.mu.Lock()
	vc.audio = &mediaPipeline{kind: domain.MediaAudio, track: audioTrack}
	vc.mu.Unlock()

	pc := voicetest.NewMockPeerConnection()
	session := peer.New(vc.identity, "p1", domain.SessionID("s1"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	vc.attachActiveTracks(session)
	assert.Equal(t, 1, pc.AddTrackCalls, "audio rides the initial offer regardless of connection state")
}

func TestRebindTrackToAllPeers_SkipsVideoForNonConnectedPeers(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	videoTrack, err := newSharedTrack(domain.MediaVideo)
	require.NoError(t, err)

	connectedPC := voicetest.NewMockPeerConnection()
	connectedPC.ConnectionStateValue = webrtc.PeerConnectionStateConnected
	connectedSession := peer.New(vc.identity, "connected-peer", domain.SessionID("s1"), connectedPC, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	pendingPC := voicetest.NewMockPeerConnection()
	pendingSession := peer.New(vc.identity, "pending-peer", domain.SessionID("s2"), pendingPC, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	vc.mu.Lock()
	vc.peers["connected-peer"] = &peerEntry{session: connectedSession}
	vc.peers["pending-peer"] = &peerEntry{session: pendingSession}
	vc.mu.Unlock()

	vc.rebindTrackToAllPeers(videoTrack, false)

	assert.Equal(t, 1, connectedPC.AddTrackCalls, "video binds to an already-connected peer")
	assert.Equal(t, 0, pendingPC.AddTrackCalls, "video must wait for handlePeerConnected for a still-negotiating peer")
}

func TestRebindTrackToAllPeers_AudioBindsRegardlessOfConnectionState(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	audioTrack, err := newSharedTrack(domain.MediaAudio)
	require.NoError(t, err)

	pc := voicetest.NewMockPeerConnection()
	session := peer.New(vc.identity, "p1", domain.SessionID("s1"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})
	vc.mu.Lock()
	vc.peers["p1"] = &peerEntry{session: session}
	vc.mu.Unlock()

	vc.rebindTrackToAllPeers(audioTrack, true)
	assert.Equal(t, 1, pc.AddTrackCalls, "audio must bind immediately regardless of connection state")
}

// TestHandlePeerConnected_MidPlaybackResyncsVideo covers the scenario where a
// peer reaches connected after video has been playing for a while: the
// orchestrator must bind the video track, realign the shared video pacer to
// the current audio position, and kick an ICE restart toward that peer,
// instead of re-running the first-connect barrier release.
func TestHandlePeerConnected_MidPlaybackResyncsVideo(t *testing.T) {
	vc, _, _, clock := newTestConnection(t)

	audio := newTestPipeline(t, clock, domain.MediaAudio)
	video := newTestPipeline(t, clock, domain.MediaVideo)

	vc.mu.Lock()
	vc.audio = audio
	vc.video = video
	vc.barrier.fired = true
	vc.mu.Unlock()

	// Audio has already been playing for 2s by the time this peer connects
	// (kept under Pacer's 3s hybrid-position window so Position() reports
	// the wall-clock elapsed time directly, rather than a frame count that
	// would stay 0 since no ticks have actually run).
	audio.pacer.Unpause(clock.Now().Add(-2 * time.Second))

	pc := voicetest.NewMockPeerConnection()
	pc.SignalingStateValue = webrtc.SignalingStateStable
	pc.ConnectionStateValue = webrtc.PeerConnectionStateConnected
	session := peer.New(vc.identity, "late-peer", domain.SessionID("sess-late"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	vc.mu.Lock()
	vc.peers["late-peer"] = &peerEntry{session: session}
	vc.mu.Unlock()

	vc.handlePeerConnected("late-peer")

	vc.mu.Lock()
	connectedAt := vc.peers["late-peer"].connectedAt
	vc.mu.Unlock()
	assert.False(t, connectedAt.IsZero(), "connectedAt should be stamped on first connect")
	assert.Equal(t, 1, pc.AddTrackCalls, "video track should bind once the peer reaches connected")

	frameDurationMS := 1000.0 / float64(video.handle.TargetFPS())
	wantFrames := int64(2000) / int64(frameDurationMS)
	assert.Equal(t, wantFrames, video.pacer.BufferStatus().FramesSent,
		"video pacer should realign to the audio pacer's 2s position, not restart from 0")

	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, pc.ICERestartOffers, 0, "resync should trigger an ICE restart toward the newly connected peer")
}

// TestHandlePeerConnected_FirstConnectFiresBarrierInstead covers the normal
// (not-yet-playing) path: the first peer to connect should still go through
// tryFireBarrier rather than resync, since there is no playback to realign.
func TestHandlePeerConnected_FirstConnectFiresBarrierInstead(t *testing.T) {
	vc, _, _, clock := newTestConnection(t)

	audio := newTestPipeline(t, clock, domain.MediaAudio)
	vc.mu.Lock()
	vc.audio = audio
	vc.barrier.needAudio = true
	vc.barrier.audioReady = true
	vc.mu.Unlock()

	pc := voicetest.NewMockPeerConnection()
	pc.ConnectionStateValue = webrtc.PeerConnectionStateConnected
	session := peer.New(vc.identity, "first-peer", domain.SessionID("sess-first"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})

	vc.mu.Lock()
	vc.peers["first-peer"] = &peerEntry{session: session}
	vc.mu.Unlock()

	vc.handlePeerConnected("first-peer")

	vc.mu.Lock()
	fired := vc.barrier.fired
	vc.mu.Unlock()
	assert.True(t, fired, "barrier should fire on first connect when playback has not started its mid-playback generation")
}
