package media

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MediaSink receives paced frames ready for a PeerSession's outbound track.
type MediaSink interface {
	WriteFrame(frame []byte) error
}

const (
	audioTickInterval = 10 * time.Millisecond

	audioMaxCatchup      = 3
	fixedAudioMaxCatchup = 1
	videoMaxCatchup      = 2

	minStutterThreshold = 45 * time.Millisecond
	stutterMultiplier   = 2.2

	hybridPositionWindow = 3 * time.Second

	audioTargetBuffer = 20
	videoTargetBuffer = 60
)

// BufferStatus is the Pacer's point-in-time snapshot, returned by its
// buffer_status query.
type BufferStatus struct {
	BufferedFrames int
	FramesSent     int64
	StutterCount   int64
	TargetFPS      int
	AvgIntervalMS  float64
}

// StutterEvent is emitted whenever an inter-frame send interval exceeds the
// stutter threshold.
type StutterEvent struct {
	Interval time.Duration
	At       time.Time
}

// PacerCallbacks lets the orchestrator observe stutters without polling.
type PacerCallbacks struct {
	OnStutter func(StutterEvent)
}

// Pacer delivers frames from a decoder's ring buffer to a MediaSink at real
// time, implementing the timing model, stutter detection, bounded catch-up
// and coordinated start barriers.
type Pacer struct {
	logger *zap.SugaredLogger
	clock  Clock

	kind            mediaStreamKind
	handle          *DecoderHandle
	sink            MediaSink
	frameDurationMS float64
	maxCatchup      int64
	targetBuffer    int

	callbacks PacerCallbacks

	mu             sync.Mutex
	primed         bool
	running        bool
	startInstant   time.Time
	pausedTotal    time.Duration
	pauseStartedAt time.Time
	framesSent     int64
	stutterCount   int64
	lastEmitAt     time.Time
	intervalSumMS  float64
	intervalCount  int64
	volume         float64

	cancel context.CancelFunc
	done   chan struct{}
}

// mediaStreamKind distinguishes the three catch-up ceilings: ordinary
// video, loop/stream audio, and fixed-file audio (which
// never catches up by more than one frame per tick since a file has no
// live-source jitter to correct for).
type mediaStreamKind int

const (
	StreamVideo mediaStreamKind = iota
	StreamAudio
	StreamFixedFileAudio
)

// NewPacer constructs a Pacer bound to one decoder handle. frameDurationMS
// is 10 for audio streams and 1000/target_fps for video.
func NewPacer(logger *zap.SugaredLogger, clock Clock, kind mediaStreamKind, handle *DecoderHandle, sink MediaSink, frameDurationMS float64, callbacks PacerCallbacks) *Pacer {
	var maxCatchup int64
	var targetBuffer int
	switch kind {
	case StreamVideo:
		maxCatchup = videoMaxCatchup
		targetBuffer = videoTargetBuffer
	case StreamFixedFileAudio:
		maxCatchup = fixedAudioMaxCatchup
		targetBuffer = audioTargetBuffer
	default:
		maxCatchup = audioMaxCatchup
		targetBuffer = audioTargetBuffer
	}

	return &Pacer{
		logger:          logger,
		clock:           clock,
		kind:            kind,
		handle:          handle,
		sink:            sink,
		frameDurationMS: frameDurationMS,
		maxCatchup:      maxCatchup,
		targetBuffer:    targetBuffer,
		callbacks:       callbacks,
		volume:          1.0,
	}
}

// Prime begins buffering without releasing frames to the sink.
func (p *Pacer) Prime() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.primed = true
}

// Unpause releases frames. If barrier is non-zero it is used as the shared
// logical start instant so two pacers (audio/video) can be synchronised;
// otherwise the current clock instant is used.
func (p *Pacer) Unpause(barrier time.Time) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.primed = true
	p.running = true
	if p.startInstant.IsZero() {
		if barrier.IsZero() {
			p.startInstant = p.clock.Now()
		} else {
			p.startInstant = barrier
		}
	}
	if !p.pauseStartedAt.IsZero() {
		p.pausedTotal += p.clock.Now().Sub(p.pauseStartedAt)
		p.pauseStartedAt = time.Time{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.pump(ctx)
}

// Pause stops emitting while preserving the buffer and accumulating paused
// duration.
func (p *Pacer) Pause() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.pauseStartedAt = p.clock.Now()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stop terminates the pacer permanently and drops its buffer.
func (p *Pacer) Stop() {
	p.mu.Lock()
	running := p.running
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	if running && cancel != nil {
		cancel()
	}
	p.handle.Ring().Clear()
}

// Position reports the elapsed playback duration, using wall-clock time for
// the first 3s of playback and frame-count thereafter to avoid long-run
// drift.
func (p *Pacer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Pacer) positionLocked() time.Duration {
	if p.startInstant.IsZero() {
		return 0
	}
	elapsed := p.clock.Now().Sub(p.startInstant) - p.pausedTotal
	if elapsed < hybridPositionWindow {
		return elapsed
	}
	return time.Duration(float64(p.framesSent) * p.frameDurationMS * float64(time.Millisecond))
}

// BufferStatus reports a point-in-time snapshot of the pacer's state.
func (p *Pacer) BufferStatus() BufferStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.intervalCount > 0 {
		avg = p.intervalSumMS / float64(p.intervalCount)
	}
	targetFPS := 0
	if p.frameDurationMS > 0 {
		targetFPS = int(math.Round(1000.0 / p.frameDurationMS))
	}
	return BufferStatus{
		BufferedFrames: p.handle.Ring().Len(),
		FramesSent:     p.framesSent,
		StutterCount:   p.stutterCount,
		TargetFPS:      targetFPS,
		AvgIntervalMS:  avg,
	}
}

// SetVolume installs a float multiplier applied to each audio sample before
// it is clamped back into the int16 sample range.
func (p *Pacer) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Resync resets frames_sent and timing so the pacer realigns to "now" (or,
// if audioPosition is non-zero, to the video frame index equivalent to that
// audio position).
func (p *Pacer) Resync(audioPosition time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if audioPosition > 0 && p.frameDurationMS > 0 {
		p.framesSent = int64(audioPosition.Milliseconds()) / int64(p.frameDurationMS)
	} else {
		p.framesSent = 0
	}
	p.startInstant = p.clock.Now()
	p.pausedTotal = 0
	p.lastEmitAt = time.Time{}
	p.intervalSumMS = 0
	p.intervalCount = 0
}

// pump runs the per-tick delivery loop until ctx is cancelled.
func (p *Pacer) pump(ctx context.Context) {
	defer close(p.done)

	interval := time.Duration(p.frameDurationMS * float64(time.Millisecond))
	if p.kind != StreamVideo {
		interval = audioTickInterval
	}

	ticks := p.clock.Every(interval, ctx)
	for range ticks {
		p.tick()
	}
}

func (p *Pacer) tick() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	elapsedMS := float64(p.clock.Now().Sub(p.startInstant)-p.pausedTotal) / float64(time.Millisecond)
	expected := int64(math.Floor(elapsedMS / p.frameDurationMS))
	due := expected - p.framesSent
	if due < 1 {
		due = 1
	}
	if due > p.maxCatchup {
		due = p.maxCatchup
	}
	volume := p.volume
	p.mu.Unlock()

	ring := p.handle.Ring()
	if buffered := ring.Len(); buffered > p.targetBuffer {
		dropped := ring.DropOldest(buffered - p.targetBuffer)
		if dropped > 0 {
			p.logger.Warnw("pacer dropping buffered frames to stay within target", "dropped", dropped, "target_buffer", p.targetBuffer)
		}
	}

	for i := int64(0); i < due; i++ {
		frame, ok := ring.Pop()
		if !ok {
			break
		}
		p.emit(frame, volume)
	}
}

func (p *Pacer) emit(frame []byte, volume float64) {
	defer p.handle.Pool().Put(frame)

	out := frame
	if volume != 1.0 {
		out = applyVolume(frame, volume)
	}

	if err := p.sink.WriteFrame(out); err != nil {
		p.logger.Warnw("pacer failed to write frame to sink", "error", err)
		return
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.framesSent++
	if !p.lastEmitAt.IsZero() {
		interval := now.Sub(p.lastEmitAt)
		p.intervalSumMS += float64(interval) / float64(time.Millisecond)
		p.intervalCount++
		threshold := minStutterThreshold
		if scaled := time.Duration(stutterMultiplier * p.frameDurationMS * float64(time.Millisecond)); scaled > threshold {
			threshold = scaled
		}
		if interval > threshold {
			p.stutterCount++
			if p.callbacks.OnStutter != nil {
				go p.callbacks.OnStutter(StutterEvent{Interval: interval, At: now})
			}
		}
	}
	p.lastEmitAt = now
	p.mu.Unlock()
}

// applyVolume scales 16-bit little-endian PCM samples by volume, clamping
// back into the int16 range.
func applyVolume(frame []byte, volume float64) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	for i := 0; i+1 < len(out); i += 2 {
		sample := int16(uint16(out[i]) | uint16(out[i+1])<<8)
		scaled := float64(sample) * volume
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		v := int16(scaled)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}
