package audio

import (
	"fmt"
	"sync"
	"time"
)

// Buffer accumulates the frames of one capture in sequence order. Frames that
// arrive ahead of the expected sequence are held until the gap is filled or
// grows beyond maxGap, in which case the missing frames are counted as lost.
type Buffer struct {
	sampleRate int
	maxSamples int // 0 means unbounded

	samples []float32

	// Sequence tracking
	started     bool
	lastSeq     uint32
	expectedSeq uint32
	pending     map[uint32][]float32
	maxGap      uint32

	// Statistics
	lastUpdate  time.Time
	totalFrames uint32
	lostFrames  uint32
	droppedLate uint32

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SampleRate    int       `json:"sample_rate"`
	TotalFrames   uint32    `json:"total_frames"`
	LostFrames    uint32    `json:"lost_frames"`
	DroppedFrames uint32    `json:"dropped_frames"`
	LossRate      float64   `json:"loss_rate"`
	Samples       int       `json:"samples"`
	PendingFrames int       `json:"pending_frames"`
	LastSequence  uint32    `json:"last_sequence"`
	DurationSec   float64   `json:"duration_seconds"`
	LastUpdate    time.Time `json:"last_update"`
}

// maxInitialSamples bounds the up-front allocation of a buffer
const maxInitialSamples = 1 << 18

// NewBuffer creates a capture buffer for audio at sampleRate. maxDuration caps
// the amount of audio held; zero disables the cap.
func NewBuffer(sampleRate int, maxDuration time.Duration) *Buffer {
	b := &Buffer{
		sampleRate: sampleRate,
		samples:    make([]float32, 0, min(max(sampleRate, 0)*2, maxInitialSamples)),
		pending:    make(map[uint32][]float32),
		maxGap:     20,
		lastUpdate: time.Now(),
	}
	if maxDuration > 0 {
		b.maxSamples = int(maxDuration.Seconds() * float64(sampleRate))
	}
	return b
}

// Append adds a frame of samples with its sequence number. Duplicate and stale
// frames, and in-order frames that would exceed the cap, are rejected with an
// error and leave the buffer unchanged. Held frames that no longer fit once
// the cap is reached are discarded and counted as lost.
func (b *Buffer) Append(sequence uint32, samples []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		if err := b.appendLocked(samples); err != nil {
			return err
		}
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		b.drainPendingLocked()

	case sequence > b.expectedSeq:
		if _, dup := b.pending[sequence]; dup {
			return fmt.Errorf("duplicate frame: seq=%d", sequence)
		}
		frame := make([]float32, len(samples))
		copy(frame, samples)
		b.pending[sequence] = frame

		if sequence-b.expectedSeq > b.maxGap {
			b.skipToLocked(b.lowestPendingLocked())
			b.drainPendingLocked()
		}

	default:
		b.droppedLate++
		return fmt.Errorf("ignoring old/duplicate frame: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}

	b.totalFrames++
	b.lastUpdate = time.Now()
	return nil
}

func (b *Buffer) fitsLocked(n int) bool {
	return b.maxSamples <= 0 || len(b.samples)+n <= b.maxSamples
}

func (b *Buffer) appendLocked(samples []float32) error {
	if !b.fitsLocked(len(samples)) {
		return fmt.Errorf("%w: %d samples held, limit %d", ErrBufferFull, len(b.samples), b.maxSamples)
	}
	b.samples = append(b.samples, samples...)
	return nil
}

// drainPendingLocked splices in any consecutive held frames. Once a held frame
// does not fit under the cap, every held frame is discarded as lost.
func (b *Buffer) drainPendingLocked() {
	for {
		frame, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		if !b.fitsLocked(len(frame)) {
			b.lostFrames += uint32(len(b.pending))
			clear(b.pending)
			return
		}
		b.samples = append(b.samples, frame...)
		delete(b.pending, b.expectedSeq)
		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

// skipToLocked gives up on the frames before seq
func (b *Buffer) skipToLocked(seq uint32) {
	if seq > b.expectedSeq {
		b.lostFrames += seq - b.expectedSeq
		b.expectedSeq = seq
	}
}

func (b *Buffer) lowestPendingLocked() uint32 {
	lowest := b.expectedSeq
	first := true
	for seq := range b.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

// Flush gives up on any gaps and splices every held frame in sequence order.
// Frames past the duration cap are counted as lost. It is called when the
// capture stops.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) > 0 {
		b.skipToLocked(b.lowestPendingLocked())
		b.drainPendingLocked()
	}
}

// Samples returns a copy of the ordered samples accumulated so far
func (b *Buffer) Samples() []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

// Size returns the number of ordered samples held
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Duration returns the length of the ordered audio
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return samplesDuration(len(b.samples), b.sampleRate)
}

// SampleRate returns the rate the buffer was created for
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lossRate := float64(0)
	if b.totalFrames > 0 {
		lossRate = float64(b.lostFrames) / float64(b.totalFrames+b.lostFrames) * 100
	}

	return BufferStats{
		SampleRate:    b.sampleRate,
		TotalFrames:   b.totalFrames,
		LostFrames:    b.lostFrames,
		DroppedFrames: b.droppedLate,
		LossRate:      lossRate,
		Samples:       len(b.samples),
		PendingFrames: len(b.pending),
		LastSequence:  b.lastSeq,
		DurationSec:   samplesDuration(len(b.samples), b.sampleRate).Seconds(),
		LastUpdate:    b.lastUpdate,
	}
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
