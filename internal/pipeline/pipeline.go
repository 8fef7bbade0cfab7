package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/capture"
	"github.com/skypro1111/therapy-audio-service/internal/metrics"
	"github.com/skypro1111/therapy-audio-service/internal/vad"
)

var (
	// ErrNoSpeech is returned when speech is required and none was detected
	ErrNoSpeech = errors.New("no speech detected")
	// ErrUpsample is returned when the average method is asked to raise the rate
	ErrUpsample = audio.ErrUpsample
	// ErrEmpty is returned for recordings without samples
	ErrEmpty = errors.New("empty recording")
	// ErrTooLong is returned for recordings longer than the configured maximum
	ErrTooLong = errors.New("recording too long")
	// ErrDecode is returned for input that is not a readable WAV file
	ErrDecode = errors.New("failed to decode WAV")
)

// Config contains the conversion settings
type Config struct {
	TargetRate    int
	Method        audio.Method
	RequireSpeech bool
	TrimSilence   bool
	TrimPadding   time.Duration
	MaxDuration   time.Duration // zero means unbounded
}

// Result is a converted recording
type Result struct {
	SourceRate     int           `json:"source_rate"`
	TargetRate     int           `json:"target_rate"`
	SamplesIn      int           `json:"samples_in"`
	SamplesOut     int           `json:"samples_out"`
	TrimmedSamples int           `json:"trimmed_samples"`
	SourceDuration time.Duration `json:"source_duration"`
	Duration       time.Duration `json:"duration"`
	Peak           float64       `json:"peak"`
	RMS            float64       `json:"rms"`
	ProcessingTime time.Duration `json:"processing_time"`
	PCM            []byte        `json:"-"`
	WAV            []byte        `json:"-"`
}

// Processor runs the conversion pipeline
type Processor struct {
	config   Config
	detector *vad.Processor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProcessor creates a pipeline processor. detector may be nil, in which
// case speech checks and trimming are skipped.
func NewProcessor(config Config, detector *vad.Processor, logger *slog.Logger, m *metrics.Metrics) (*Processor, error) {
	if config.TargetRate <= 0 {
		return nil, fmt.Errorf("target rate must be positive, got %d", config.TargetRate)
	}

	if config.Method == "" {
		config.Method = audio.MethodAverage
	}
	if _, err := audio.ParseMethod(string(config.Method)); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		config:   config,
		detector: detector,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Config returns the processor configuration
func (p *Processor) Config() Config {
	return p.config
}

// DetectorStats returns the voice detector statistics, or nil when the
// processor runs without one
func (p *Processor) DetectorStats() *vad.ProcessorStats {
	if p.detector == nil {
		return nil
	}
	stats := p.detector.GetStats()
	return &stats
}

// Process converts clip to the configured target rate
func (p *Processor) Process(ctx context.Context, clip *capture.Clip) (*Result, error) {
	return p.ProcessAt(ctx, clip, p.config.TargetRate)
}

// ProcessAt converts clip to targetRate
func (p *Processor) ProcessAt(ctx context.Context, clip *capture.Clip, targetRate int) (*Result, error) {
	result, err := p.process(ctx, clip, targetRate)
	if err != nil {
		p.metrics.RecordRecordingFailed(failureReason(err))
		return nil, err
	}

	p.metrics.RecordRecordingProcessed(result.SamplesIn, result.SamplesOut,
		result.Duration.Seconds(), result.ProcessingTime.Seconds(), len(result.WAV))

	p.logger.Debug("Recording converted",
		slog.Int("source_rate", result.SourceRate),
		slog.Int("target_rate", result.TargetRate),
		slog.Int("samples_in", result.SamplesIn),
		slog.Int("samples_out", result.SamplesOut),
		slog.Duration("processing_time", result.ProcessingTime))

	return result, nil
}

func (p *Processor) process(ctx context.Context, clip *capture.Clip, targetRate int) (*Result, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if clip == nil || len(clip.Samples) == 0 {
		return nil, ErrEmpty
	}

	if clip.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid source rate %d", clip.SampleRate)
	}

	if targetRate <= 0 {
		targetRate = p.config.TargetRate
	}

	sourceDuration := samplesDuration(len(clip.Samples), clip.SampleRate)
	if p.config.MaxDuration > 0 && sourceDuration > p.config.MaxDuration {
		return nil, fmt.Errorf("%w: %v exceeds %v", ErrTooLong, sourceDuration, p.config.MaxDuration)
	}

	samples := clip.Samples
	if p.detector != nil && (p.config.RequireSpeech || p.config.TrimSilence) {
		segments, err := p.detector.Detect(samples, clip.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("voice detection failed: %w", err)
		}
		if p.config.RequireSpeech && len(segments) == 0 {
			return nil, ErrNoSpeech
		}
		if p.config.TrimSilence {
			samples = vad.Trim(samples, clip.SampleRate, segments, p.config.TrimPadding)
		}
	}

	resampled, err := audio.Resample(samples, clip.SampleRate, targetRate, p.config.Method)
	if err != nil {
		return nil, fmt.Errorf("resample %d Hz -> %d Hz: %w", clip.SampleRate, targetRate, err)
	}

	if len(resampled) == 0 {
		return nil, ErrEmpty
	}

	pcm := audio.FloatTo16BitPCM(resampled)
	wav, err := audio.EncodeWAV(pcm, targetRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WAV: %w", err)
	}

	peak, rms := levels(resampled)

	return &Result{
		SourceRate:     clip.SampleRate,
		TargetRate:     targetRate,
		SamplesIn:      len(clip.Samples),
		SamplesOut:     len(resampled),
		TrimmedSamples: len(clip.Samples) - len(samples),
		SourceDuration: sourceDuration,
		Duration:       samplesDuration(len(resampled), targetRate),
		Peak:           peak,
		RMS:            rms,
		ProcessingTime: time.Since(startTime),
		PCM:            pcm,
		WAV:            wav,
	}, nil
}

// EncodeClip converts a stopped recording for upload
func (p *Processor) EncodeClip(ctx context.Context, clip *capture.Clip) (*capture.Encoded, error) {
	result, err := p.Process(ctx, clip)
	if err != nil {
		return nil, err
	}
	return result.Encoded(clip), nil
}

// Encoded returns the result in its capture form
func (r *Result) Encoded(clip *capture.Clip) *capture.Encoded {
	return &capture.Encoded{
		Clip:       clip,
		SampleRate: r.TargetRate,
		Samples:    r.SamplesOut,
		Duration:   r.Duration,
		PCM:        r.PCM,
		WAV:        r.WAV,
	}
}

// ClipFromWAV decodes a WAV file into a clip of its first channel
func ClipFromWAV(data []byte) (*capture.Clip, error) {
	decoded, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	now := time.Now()
	duration := samplesDuration(len(decoded.Samples), decoded.SampleRate)
	return &capture.Clip{
		Samples:    decoded.Samples,
		SampleRate: decoded.SampleRate,
		Channels:   decoded.Channels,
		StartTime:  now.Add(-duration),
		EndTime:    now,
		Duration:   duration,
	}, nil
}

// ProcessWAV decodes and converts an in-memory WAV file
func (p *Processor) ProcessWAV(ctx context.Context, data []byte, targetRate int) (*Result, error) {
	clip, err := ClipFromWAV(data)
	if err != nil {
		p.metrics.RecordRecordingFailed("decode")
		return nil, err
	}
	return p.ProcessAt(ctx, clip, targetRate)
}

// ProcessFile decodes and converts a WAV file on disk
func (p *Processor) ProcessFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result, err := p.ProcessWAV(ctx, data, p.config.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return result, nil
}

// FileResult is the outcome of converting one file in a batch
type FileResult struct {
	Path   string
	Result *Result
	Err    error
}

// ProcessBatch converts paths with at most concurrency files in flight.
// Per-file failures are reported in the results; the returned error is only
// set when ctx is cancelled.
func (p *Processor) ProcessBatch(ctx context.Context, paths []string, concurrency int) ([]FileResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]FileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, path := range paths {
		results[i].Path = path
		if gctx.Err() != nil {
			results[i].Err = gctx.Err()
			continue
		}

		g.Go(func() error {
			result, err := p.ProcessFile(gctx, path)
			results[i].Result = result
			results[i].Err = err
			if err != nil {
				p.logger.Warn("Batch conversion failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoSpeech):
		return "no_speech"
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrUpsample):
		return "upsample"
	case errors.Is(err, ErrTooLong):
		return "too_long"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// levels returns the peak and RMS amplitude of samples
func levels(samples []float32) (peak, rms float64) {
	var energy float64
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
		energy += v * v
	}
	return peak, math.Sqrt(energy / float64(len(samples)))
}

func samplesDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}
