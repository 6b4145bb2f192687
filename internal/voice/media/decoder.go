package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/pkg/circuitbreaker"
	"github.com/chatbot/voicecore/pkg/optimize"
	"github.com/chatbot/voicecore/pkg/retry"
)

const (
	audioSampleRate     = 48000
	audioChannels       = 1
	audioBytesPerSample = 2
	audioFrameMS        = 10
	audioFrameSize      = audioSampleRate * audioChannels * audioBytesPerSample * audioFrameMS / 1000
	audioMaxFrames      = 60

	videoMaxFrames  = 240
	defaultVideoFPS = 30
	minAutoFPS      = 1
	maxAutoFPS      = 240

	decoderBrowserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	httpRetryMaxAttempts = 3
	httpRetryBaseDelay   = 1200 * time.Millisecond
)

// DecoderJob describes one subprocess spawn: what to read, how to decode it
// and, for audio, the filter chain to apply in-flight.
type DecoderJob struct {
	Kind   domain.MediaKind
	Input  string // file path or HTTP URL
	IsURL  bool
	Loop   bool
	Effect domain.EffectConfig

	VideoWidth  int
	VideoHeight int
	TargetFPS   int // 0 requests autodetection, falling back to defaultVideoFPS

	BinPath string // decoder binary; defaults to "ffmpeg"
}

func (j DecoderJob) binPath() string {
	if j.BinPath != "" {
		return j.BinPath
	}
	return "ffmpeg"
}

// DecoderCallbacks are invoked from decoder-internal goroutines; callers must
// not block them for long.
type DecoderCallbacks struct {
	OnWarning  func(text string)
	OnFinished func()
	OnFatal    func(err error)

	// OnDrop fires from the ring buffer's throttled drop log (at most once
	// every 1.2s while frames are being discarded) with the cumulative
	// number of frames dropped so far.
	OnDrop func(dropped int)

	// OnRestart fires each time the supervise loop schedules a respawn of an
	// HTTP input that exited without producing frames. Loop restarts do not
	// fire it.
	OnRestart func()
}

// Decoder spawns and supervises external decoder subprocesses, one per
// active media source, feeding a per-job RingBuffer.
type Decoder struct {
	logger  *zap.SugaredLogger
	clock   Clock
	breaker *circuitbreaker.CircuitBreaker
}

// NewDecoder constructs a Decoder. breaker may be nil, in which case spawn
// failures are never short-circuited.
func NewDecoder(logger *zap.SugaredLogger, clock Clock, breaker *circuitbreaker.CircuitBreaker) *Decoder {
	return &Decoder{logger: logger, clock: clock, breaker: breaker}
}

// DecoderHandle is the live state of one started job.
type DecoderHandle struct {
	job       DecoderJob
	ring      *RingBuffer
	pool      *optimize.BytePool
	frameSize int
	targetFPS int

	cancel context.CancelFunc

	stopOnce   sync.Once
	stopped    chan struct{}
	finishedCh chan struct{}

	mu            sync.Mutex
	bytesReceived int64
	lastWarning   string
}

// Ring exposes the buffer the Pacer pumps from.
func (h *DecoderHandle) Ring() *RingBuffer { return h.ring }

// Pool returns the byte-slice pool frames are allocated from; the Pacer
// returns a frame to this pool once it has copied it out to a sink.
func (h *DecoderHandle) Pool() *optimize.BytePool { return h.pool }

// FrameSize reports the fixed byte length of one decoded frame.
func (h *DecoderHandle) FrameSize() int { return h.frameSize }

// TargetFPS reports the resolved pump rate for video jobs (meaningless for
// audio, which is always paced at the fixed 10ms tick).
func (h *DecoderHandle) TargetFPS() int { return h.targetFPS }

// BytesReceived reports the cumulative count of decoded bytes pushed to the
// ring buffer.
func (h *DecoderHandle) BytesReceived() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesReceived
}

// Drain signals after the subprocess has exited cleanly and the ring buffer
// has been fully consumed or abandoned.
func (h *DecoderHandle) Drain() <-chan struct{} { return h.finishedCh }

// Stop terminates the subprocess forcibly and clears the ring buffer.
func (h *DecoderHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.cancel()
		h.ring.Clear()
	})
}

func (h *DecoderHandle) isStopped() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

func (h *DecoderHandle) addBytes(n int) {
	h.mu.Lock()
	h.bytesReceived += int64(n)
	h.mu.Unlock()
}

func (h *DecoderHandle) setLastWarning(text string) {
	h.mu.Lock()
	h.lastWarning = text
	h.mu.Unlock()
}

func (h *DecoderHandle) getLastWarning() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastWarning
}

// Start spawns the job's subprocess and begins the supervised restart loop
// described by the ring buffer / restart policy.
func (d *Decoder) Start(ctx context.Context, job DecoderJob, cb DecoderCallbacks) (*DecoderHandle, error) {
	if job.Input == "" {
		return nil, fmt.Errorf("decoder job missing input: %w", domain.ErrDecoderFileMissing)
	}
	if !job.IsURL {
		if _, err := os.Stat(job.Input); err != nil {
			return nil, fmt.Errorf("decoder input %q: %w", job.Input, domain.ErrDecoderFileMissing)
		}
	}

	frameSize, maxFrames, targetFPS := d.resolveFraming(ctx, job)

	runCtx, cancel := context.WithCancel(ctx)
	handle := &DecoderHandle{
		job:        job,
		ring:       NewRingBuffer(frameSize, maxFrames),
		pool:       optimize.NewBytePool(frameSize),
		frameSize:  frameSize,
		targetFPS:  targetFPS,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
	handle.ring.OnDropLogged(func(dropped int) {
		d.logger.Warnw("decoder ring buffer dropping frames", "input", job.Input, "kind", job.Kind, "dropped", dropped)
		if cb.OnDrop != nil {
			cb.OnDrop(dropped)
		}
	})

	go d.supervise(runCtx, handle, cb)
	return handle, nil
}

// resolveFraming computes the fixed per-frame byte size, ring capacity and
// (for video) the pump FPS, running the autodetection probe when the job
// leaves TargetFPS unset.
func (d *Decoder) resolveFraming(ctx context.Context, job DecoderJob) (frameSize, maxFrames, targetFPS int) {
	if job.Kind == domain.MediaAudio {
		return audioFrameSize, audioMaxFrames, 0
	}

	fps := job.TargetFPS
	if fps <= 0 {
		if detected, ok := d.probeFPS(ctx, job); ok {
			fps = detected
		} else {
			fps = defaultVideoFPS
		}
	}
	frameBytes := job.VideoWidth * job.VideoHeight * 3 / 2
	return frameBytes, videoMaxFrames, fps
}

var fpsPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*fps`)

// probeFPS runs a no-output invocation of the decoder binary and scans its
// standard error for the input's average frame rate.
func (d *Decoder) probeFPS(ctx context.Context, job DecoderJob) (int, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{"-hide_banner", "-i", job.Input}
	cmd := exec.CommandContext(probeCtx, job.binPath(), args...)
	output, _ := cmd.CombinedOutput()

	match := fpsPattern.FindSubmatch(output)
	if match == nil {
		return 0, false
	}
	fps, err := strconv.ParseFloat(string(match[1]), 64)
	if err != nil {
		return 0, false
	}
	if fps <= minAutoFPS || fps >= maxAutoFPS {
		return 0, false
	}
	return int(fps), true
}

// supervise owns the spawn/restart loop for one handle until it is stopped
// or a non-retryable condition is reached.
func (d *Decoder) supervise(ctx context.Context, h *DecoderHandle, cb DecoderCallbacks) {
	defer close(h.finishedCh)

	attempt := 0
	for {
		if h.isStopped() {
			return
		}

		bytesBefore := h.BytesReceived()
		spawnErr := d.runOnce(ctx, h, cb)

		if h.isStopped() || ctx.Err() != nil {
			return
		}

		produced := h.BytesReceived() > bytesBefore

		if h.job.Loop {
			d.waitForDrain(ctx, h)
			if h.isStopped() {
				return
			}
			attempt = 0
			continue
		}

		if !produced && h.job.IsURL && attempt < httpRetryMaxAttempts-1 {
			cfg := retry.Config{
				Enabled:       true,
				MaxAttempts:   httpRetryMaxAttempts,
				InitialDelay:  httpRetryBaseDelay,
				MaxDelay:      httpRetryMaxAttempts * httpRetryBaseDelay,
				LinearBackoff: true,
			}
			d.logger.Infow("decoder produced no frames, retrying", "input", h.job.Input, "attempt", attempt+1)
			delay := retry.CalculateDelay(cfg, attempt)
			attempt++
			if cb.OnRestart != nil {
				cb.OnRestart()
			}
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(delay, ctx):
			}
			continue
		}

		if spawnErr != nil && (produced || errors.Is(spawnErr, domain.ErrDecoderSpawnFailed)) {
			if cb.OnFatal != nil {
				cb.OnFatal(spawnErr)
			}
			return
		}
		if !produced {
			if cb.OnFatal != nil {
				cb.OnFatal(fmt.Errorf("%w: %s", domain.ErrDecoderExitedEmpty, h.getLastWarning()))
			}
			return
		}

		if cb.OnFinished != nil {
			cb.OnFinished()
		}
		return
	}
}

func (d *Decoder) waitForDrain(ctx context.Context, h *DecoderHandle) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticks := d.clock.Every(20*time.Millisecond, pollCtx)
	for range ticks {
		if h.ring.Len() < 1 {
			return
		}
	}
}

// runOnce spawns the subprocess, pumps its stdout into the ring buffer and
// its stderr into warning callbacks, and blocks until it exits.
func (d *Decoder) runOnce(ctx context.Context, h *DecoderHandle, cb DecoderCallbacks) error {
	args := buildArgs(h.job, h.targetFPS)
	cmd := exec.CommandContext(ctx, h.job.binPath(), args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecoderSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecoderSpawnFailed, err)
	}

	spawn := func() error { return cmd.Start() }
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, spawn)
	} else {
		err = spawn()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecoderSpawnFailed, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.pumpStdout(h, stdout)
	}()
	go func() {
		defer wg.Done()
		d.pumpStderr(h, stderr, cb)
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	return waitErr
}

func (d *Decoder) pumpStdout(h *DecoderHandle, r io.Reader) {
	for {
		frame := h.pool.Get()
		n, err := io.ReadFull(r, frame)
		if n == h.frameSize {
			h.ring.Push(frame)
			h.addBytes(n)
		} else {
			h.pool.Put(frame)
		}
		if err != nil {
			return
		}
	}
}

func (d *Decoder) pumpStderr(h *DecoderHandle, r io.Reader, cb DecoderCallbacks) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.setLastWarning(line)
		if cb.OnWarning != nil {
			cb.OnWarning(line)
		}
	}
}

// buildArgs assembles the decoder's command line: input handling (retry/
// low-latency flags and a browser user agent for HTTP sources), the audio
// filter chain, and the declared output format.
func buildArgs(job DecoderJob, targetFPS int) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}

	if job.IsURL {
		args = append(args,
			"-user_agent", decoderBrowserUA,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
		)
	}
	args = append(args, "-re", "-i", job.Input)

	if job.Kind == domain.MediaAudio {
		if chain := BuildFilterChain(job.Effect); chain != "" {
			args = append(args, "-af", chain)
		}
		args = append(args,
			"-f", "s16le",
			"-acodec", "pcm_s16le",
			"-ar", strconv.Itoa(audioSampleRate),
			"-ac", strconv.Itoa(audioChannels),
			"-flags", "low_delay",
			"pipe:1",
		)
		return args
	}

	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", job.VideoWidth, job.VideoHeight),
		"-r", strconv.Itoa(targetFPS),
		"-flags", "low_delay",
		"pipe:1",
	)
	return args
}
