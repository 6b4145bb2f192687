package media

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/pkg/optimize"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testHandleWithFrames(t *testing.T, frameSize, n int) *DecoderHandle {
	t.Helper()
	h := &DecoderHandle{
		ring:      NewRingBuffer(frameSize, 256),
		frameSize: frameSize,
	}
	for i := 0; i < n; i++ {
		h.ring.Push(make([]byte, frameSize))
	}
	return h
}

func TestPacer_UnpauseDeliversBufferedFrames(t *testing.T) {
	handle := testHandleWithFrames(t, audioFrameSize, 20)
	handle.pool = optimize.NewBytePool(audioFrameSize)
	sink := &fakeSink{}
	p := NewPacer(zap.NewNop().Sugar(), SystemClock{}, StreamAudio, handle, sink, 10, PacerCallbacks{})

	p.Prime()
	p.Unpause(time.Time{})
	defer p.Stop()

	require.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPacer_BufferStatusReportsTargetFPS(t *testing.T) {
	handle := testHandleWithFrames(t, audioFrameSize, 0)
	handle.pool = optimize.NewBytePool(audioFrameSize)
	p := NewPacer(zap.NewNop().Sugar(), SystemClock{}, StreamVideo, handle, &fakeSink{}, 1000.0/30.0, PacerCallbacks{})

	status := p.BufferStatus()
	assert.Equal(t, 30, status.TargetFPS)
	assert.Equal(t, 0, status.BufferedFrames)
}

func TestPacer_ResyncSeeksFramesSentFromAudioPosition(t *testing.T) {
	handle := testHandleWithFrames(t, audioFrameSize, 0)
	handle.pool = optimize.NewBytePool(audioFrameSize)
	p := NewPacer(zap.NewNop().Sugar(), SystemClock{}, StreamVideo, handle, &fakeSink{}, 1000.0/25.0, PacerCallbacks{})

	p.Resync(2 * time.Second)

	p.mu.Lock()
	framesSent := p.framesSent
	p.mu.Unlock()
	assert.Equal(t, int64(2000/40), framesSent) // 40ms per frame at 25fps
}

func TestApplyVolume_ClampsToSampleRange(t *testing.T) {
	frame := make([]byte, 2)
	frame[0] = 0xFF
	frame[1] = 0x7F // int16 max

	out := applyVolume(frame, 2.0)
	sample := int16(uint16(out[0]) | uint16(out[1])<<8)
	assert.Equal(t, int16(32767), sample)
}
