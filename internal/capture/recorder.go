package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/therapy-audio-service/internal/audio"
)

// State represents the current state of a recording
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StateEncoded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateEncoded:
		return "encoded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned for calls that are not legal in the current state
	ErrInvalidState = errors.New("invalid recorder state")
	// ErrNoAudio is returned by Stop when no samples were captured
	ErrNoAudio = errors.New("no audio captured")
	// ErrCancelled is the result of a cancelled recording
	ErrCancelled = errors.New("recording cancelled")
	// ErrUnsupportedRate is returned by Start for capture rates outside
	// MinSampleRate..MaxSampleRate
	ErrUnsupportedRate = errors.New("unsupported sample rate")
)

// Capture rates accepted by Start
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// Config contains configuration for a Recorder
type Config struct {
	// MaxDuration caps the captured audio; zero means unbounded.
	MaxDuration time.Duration
	// OnComplete fires once when the recorder reaches Encoded or Failed.
	OnComplete func(*Encoded, error)
}

// Clip is the immutable mono audio of one finished recording
type Clip struct {
	Samples    []float32         `json:"-"`
	SampleRate int               `json:"sample_rate"`
	Channels   int               `json:"channels"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Duration   time.Duration     `json:"duration"`
	Stats      audio.BufferStats `json:"stats"`
}

// Encoded is a clip converted to its upload form
type Encoded struct {
	Clip       *Clip         `json:"clip"`
	SampleRate int           `json:"sample_rate"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
	PCM        []byte        `json:"-"` // signed 16-bit little-endian
	WAV        []byte        `json:"-"`
}

// Encoder converts a stopped clip to its upload form
type Encoder interface {
	EncodeClip(ctx context.Context, clip *Clip) (*Encoded, error)
}

// EncoderFunc adapts a function to the Encoder interface
type EncoderFunc func(ctx context.Context, clip *Clip) (*Encoded, error)

// EncodeClip calls f(ctx, clip)
func (f EncoderFunc) EncodeClip(ctx context.Context, clip *Clip) (*Encoded, error) {
	return f(ctx, clip)
}

// Recorder owns a single recording from Start to its encoded result
type Recorder struct {
	config Config

	state     State
	buffer    *audio.Buffer
	channels  int
	startTime time.Time
	clip      *Clip

	result *Encoded
	err    error
	done   chan struct{}

	mu sync.RWMutex
}

// NewRecorder creates an idle recorder
func NewRecorder(config Config) *Recorder {
	return &Recorder{
		config: config,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (r *Recorder) transitionErr(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, r.state)
}

// Start begins recording audio captured at sourceRate with the given number
// of interleaved channels.
func (r *Recorder) Start(sourceRate, channels int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return r.transitionErr("start")
	}

	if sourceRate < MinSampleRate || sourceRate > MaxSampleRate {
		return fmt.Errorf("%w: %d Hz, want %d to %d", ErrUnsupportedRate, sourceRate, MinSampleRate, MaxSampleRate)
	}

	if channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", channels)
	}

	r.buffer = audio.NewBuffer(sourceRate, r.config.MaxDuration)
	r.channels = channels
	r.startTime = time.Now()
	r.state = StateRecording
	return nil
}

// Write appends one captured frame. Interleaved input keeps only channel 0.
func (r *Recorder) Write(seq uint32, samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return r.transitionErr("write")
	}

	if len(samples)%r.channels != 0 {
		return fmt.Errorf("frame of %d samples is not a whole number of %d-channel frames",
			len(samples), r.channels)
	}

	return r.buffer.Append(seq, firstChannel(samples, r.channels))
}

func firstChannel(samples []float32, channels int) []float32 {
	if channels == 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		out[i] = samples[i*channels]
	}
	return out
}

// Stop ends the recording and returns the captured clip. A recording that
// captured nothing fails with ErrNoAudio.
func (r *Recorder) Stop() (*Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return nil, r.transitionErr("stop")
	}

	r.buffer.Flush()

	if r.buffer.Size() == 0 {
		r.failLocked(ErrNoAudio)
		return nil, ErrNoAudio
	}

	now := time.Now()
	r.clip = &Clip{
		Samples:    r.buffer.Samples(),
		SampleRate: r.buffer.SampleRate(),
		Channels:   r.channels,
		StartTime:  r.startTime,
		EndTime:    now,
		Duration:   r.buffer.Duration(),
		Stats:      r.buffer.GetStats(),
	}
	r.buffer = nil
	r.state = StateStopped
	return r.clip, nil
}

// Encode converts the stopped clip with enc. The recorder ends in Encoded on
// success and Failed otherwise.
func (r *Recorder) Encode(ctx context.Context, enc Encoder) (*Encoded, error) {
	r.mu.Lock()
	if r.state != StateStopped {
		err := r.transitionErr("encode")
		r.mu.Unlock()
		return nil, err
	}
	clip := r.clip
	r.mu.Unlock()

	encoded, err := enc.EncodeClip(ctx, clip)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Cancelled while encoding.
	if r.state != StateStopped {
		return nil, r.err
	}

	if err != nil {
		r.failLocked(err)
		return nil, err
	}

	r.result = encoded
	r.state = StateEncoded
	r.completeLocked()
	return encoded, nil
}

// Cancel abandons the recording. It has no effect once the recorder is
// Encoded or Failed.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateEncoded || r.state == StateFailed {
		return
	}
	r.failLocked(ErrCancelled)
}

func (r *Recorder) failLocked(err error) {
	r.err = err
	r.buffer = nil
	r.state = StateFailed
	r.completeLocked()
}

func (r *Recorder) completeLocked() {
	close(r.done)
	if r.config.OnComplete != nil {
		// Callbacks run on their own goroutine.
		go r.config.OnComplete(r.result, r.err)
	}
}

// Done returns a channel that is closed when the recorder reaches Encoded or Failed
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Result returns the encoded clip or the failure. It is only meaningful
// after Done is closed.
func (r *Recorder) Result() (*Encoded, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

// State returns the current state
func (r *Recorder) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RecorderStats represents recorder statistics for monitoring
type RecorderStats struct {
	State       string             `json:"state"`
	Channels    int                `json:"channels"`
	StartTime   time.Time          `json:"start_time"`
	Elapsed     time.Duration      `json:"elapsed"`
	BufferStats *audio.BufferStats `json:"buffer,omitempty"`
}

// GetStats returns current recorder statistics
func (r *Recorder) GetStats() RecorderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RecorderStats{
		State:     r.state.String(),
		Channels:  r.channels,
		StartTime: r.startTime,
	}

	if !r.startTime.IsZero() {
		stats.Elapsed = time.Since(r.startTime)
	}

	switch {
	case r.buffer != nil:
		bs := r.buffer.GetStats()
		stats.BufferStats = &bs
	case r.clip != nil:
		bs := r.clip.Stats
		stats.BufferStats = &bs
	}

	return stats
}
