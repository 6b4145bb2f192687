package media

import (
	"sync"
	"time"
)

// RingBuffer holds whole decoded frames of a fixed size. It is written by
// exactly one decoder-reader goroutine and read by exactly one Pacer pump —
// the mutex exists only to guard against the occasional cross-goroutine
// Len()/DroppedTotal() status read.
type RingBuffer struct {
	mu        sync.Mutex
	frameSize int
	maxFrames int
	frames    [][]byte

	totalDropped  int
	lastDropLog   time.Time
	onDropLogged  func(dropped int)
}

// NewRingBuffer constructs a buffer holding at most maxFrames frames of
// frameSize bytes each.
func NewRingBuffer(frameSize, maxFrames int) *RingBuffer {
	return &RingBuffer{
		frameSize: frameSize,
		maxFrames: maxFrames,
	}
}

// OnDropLogged installs a throttled callback invoked at most once every
// 1.2s while frames are being dropped. It receives the cumulative number of
// frames dropped since construction (the same count DroppedTotal reports),
// not the number dropped since the previous call.
func (r *RingBuffer) OnDropLogged(f func(dropped int)) {
	r.mu.Lock()
	r.onDropLogged = f
	r.mu.Unlock()
}

// Push appends one decoded frame, dropping the oldest buffered frame first
// if the buffer is already at capacity.
func (r *RingBuffer) Push(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) >= r.maxFrames {
		r.frames = r.frames[1:]
		r.totalDropped++
		r.maybeLogDrop()
	}

	r.frames = append(r.frames, frame)
}

func (r *RingBuffer) maybeLogDrop() {
	if r.onDropLogged == nil {
		return
	}
	now := time.Now()
	if now.Sub(r.lastDropLog) < 1200*time.Millisecond {
		return
	}
	r.lastDropLog = now
	dropped := r.totalDropped
	r.onDropLogged(dropped)
}

// Pop removes and returns the oldest frame, or (nil, false) if empty.
func (r *RingBuffer) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) == 0 {
		return nil, false
	}
	frame := r.frames[0]
	r.frames = r.frames[1:]
	return frame, true
}

// DropOldest removes up to n of the oldest buffered frames, returning how
// many were actually dropped. Used by the Pacer when buffered_frames
// exceeds target_buffer.
func (r *RingBuffer) DropOldest(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 {
		return 0
	}
	if n > len(r.frames) {
		n = len(r.frames)
	}
	r.frames = r.frames[n:]
	r.totalDropped += n
	if n > 0 {
		r.maybeLogDrop()
	}
	return n
}

// Len reports the number of whole frames currently buffered.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// DroppedTotal reports the cumulative number of frames dropped since
// construction, across both Push overflow and DropOldest trims.
func (r *RingBuffer) DroppedTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalDropped
}

// Clear discards every buffered frame without counting the discard as a
// drop — used by Decoder.Stop, which intentionally abandons the buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
