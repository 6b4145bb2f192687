package connection

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// audioCodecCapability and videoCodecCapability describe the raw formats
// MediaDecoder actually produces (PCM s16le and planar YUV420p). Neither is
// a compressed codec a browser negotiates by default; a deployment that
// needs browser interop swaps DecoderJob's ffmpeg output flags for a
// compressed format and adjusts these capabilities to match, without
// touching Pacer or Decoder.
var (
	audioCodecCapability = webrtc.RTPCodecCapability{
		MimeType:  "audio/L16",
		ClockRate: 48000,
		Channels:  1,
	}
	videoCodecCapability = webrtc.RTPCodecCapability{
		MimeType:  "video/raw",
		ClockRate: 90000,
	}
)

const (
	audioSampleDuration = 10 * time.Millisecond
	trackStreamID       = "voicecore"
)

// newSharedTrack builds the single TrackLocalStaticSample a MediaSource
// hands to every PeerSession for the given kind. Every PeerSession adds
// this exact track through its own RTPSender — pion fans a WriteSample
// call out to every bound sender automatically.
func newSharedTrack(kind domain.MediaKind) (*webrtc.TrackLocalStaticSample, error) {
	capability := audioCodecCapability
	id := "audio"
	if kind == domain.MediaVideo {
		capability = videoCodecCapability
		id = "video"
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, trackStreamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return track, nil
}

// TrackSink adapts a Pacer's MediaSink contract onto a TrackLocalStaticSample,
// the bridge between the decode/pace pipeline's raw frames and pion's RTP
// packetizer.
type TrackSink struct {
	track    *webrtc.TrackLocalStaticSample
	duration time.Duration
}

// NewTrackSink wraps track so every WriteFrame call becomes one WriteSample
// call with the given per-frame duration (10ms for audio, 1000/fps for
// video).
func NewTrackSink(track *webrtc.TrackLocalStaticSample, duration time.Duration) *TrackSink {
	return &TrackSink{track: track, duration: duration}
}

func (s *TrackSink) WriteFrame(frame []byte) error {
	return s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: s.duration})
}

func videoFrameDuration(targetFPS int) time.Duration {
	if targetFPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(targetFPS)
}
