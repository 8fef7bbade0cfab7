package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// Levels at or below floorDB map to probability 0, at or above ceilDB to 1.
	floorDB = -60.0
	ceilDB  = -20.0
)

// Config contains the detector tuning
type Config struct {
	Threshold float32       // Voice probability threshold (0.0 - 1.0)
	Window    time.Duration // Analysis window length
	Smoothing float32       // Weight of the newest window (0 < s <= 1)
}

// Processor performs voice activity detection. Configuration is fixed at
// construction; statistics accumulate over every clip passed to Detect.
type Processor struct {
	threshold float32
	window    time.Duration
	smoothing float32

	// Statistics
	clips         uint64
	voicedClips   uint64
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.Mutex
}

// VoiceSegment represents a continuous segment of voice activity
type VoiceSegment struct {
	Start       time.Duration `json:"start"`        // Offset of the first voiced window
	End         time.Duration `json:"end"`          // Offset where the last voiced window ends
	StartSample int           `json:"start_sample"` // Inclusive
	EndSample   int           `json:"end_sample"`   // Exclusive
	Confidence  float32       `json:"confidence"`   // Average confidence for the segment
}

// Duration returns the length of the segment
func (s *VoiceSegment) Duration() time.Duration {
	return s.End - s.Start
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	Clips           uint64        `json:"clips"`
	VoicedClips     uint64        `json:"voiced_clips"`
	TotalWindows    uint64        `json:"total_windows"`
	VoiceWindows    uint64        `json:"voice_windows"`
	VoicePercentage float64       `json:"voice_percentage"`
	LastProcessed   time.Time     `json:"last_processed"`
	Threshold       float32       `json:"threshold"`
	Window          time.Duration `json:"window"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(config Config) (*Processor, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", config.Threshold)
	}

	if config.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", config.Window)
	}

	if config.Smoothing <= 0 || config.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in (0, 1], got %f", config.Smoothing)
	}

	return &Processor{
		threshold: config.Threshold,
		window:    config.Window,
		smoothing: config.Smoothing,
	}, nil
}

// Detect returns the voiced segments of a whole clip
func (p *Processor) Detect(samples []float32, sampleRate int) ([]*VoiceSegment, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if len(samples) == 0 {
		return nil, nil
	}

	threshold, smoothing := p.threshold, p.smoothing
	windowSize := int(p.window.Seconds() * float64(sampleRate))

	if windowSize < 2 {
		windowSize = 2
	}
	hop := windowSize / 2

	segments := make([]*VoiceSegment, 0)
	var (
		current   *VoiceSegment
		last      float32
		confSum   float32
		confCount int
		windows   uint64
		voiced    uint64
	)

	closeSegment := func(end int) {
		current.EndSample = end
		current.End = samplesToDuration(end, sampleRate)
		current.Confidence = confSum / float32(confCount)
		segments = append(segments, current)
		current = nil
	}

	for i, start := 0, 0; start < len(samples); i, start = i+1, start+hop {
		end := start + windowSize
		if end > len(samples) {
			end = len(samples)
		}

		probability := levelProbability(rmsDB(samples[start:end]))
		if i > 0 {
			probability = smoothing*probability + (1-smoothing)*last
		}
		last = probability
		windows++

		if probability >= threshold {
			voiced++
			if current == nil {
				current = &VoiceSegment{
					StartSample: start,
					Start:       samplesToDuration(start, sampleRate),
				}
				confSum, confCount = 0, 0
			}
			confSum += confidence(probability, threshold)
			confCount++
			current.EndSample = end
		} else if current != nil {
			closeSegment(current.EndSample)
		}

		if end == len(samples) {
			break
		}
	}

	if current != nil {
		closeSegment(current.EndSample)
	}

	p.mu.Lock()
	p.clips++
	if len(segments) > 0 {
		p.voicedClips++
	}
	p.totalWindows += windows
	p.voiceWindows += voiced
	p.lastProcessed = time.Now()
	p.mu.Unlock()

	return segments, nil
}

// Trim cuts the silence before the first and after the last segment, keeping
// padding around the voiced region. Without segments samples are returned
// unchanged.
func Trim(samples []float32, sampleRate int, segments []*VoiceSegment, padding time.Duration) []float32 {
	if len(segments) == 0 {
		return samples
	}

	pad := int(padding.Seconds() * float64(sampleRate))
	start := max(segments[0].StartSample-pad, 0)
	end := min(segments[len(segments)-1].EndSample+pad, len(samples))

	return samples[start:end]
}

// rmsDB returns the RMS level of samples in dBFS
func rmsDB(samples []float32) float64 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

func levelProbability(db float64) float32 {
	switch {
	case db <= floorDB:
		return 0
	case db >= ceilDB:
		return 1
	default:
		return float32((db - floorDB) / (ceilDB - floorDB))
	}
}

// confidence is higher when probability is far from the threshold
func confidence(probability, threshold float32) float32 {
	c := float32(math.Abs(float64(probability - threshold)))
	if c > 0.5 {
		c = 0.5
	}
	return c * 2
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		Clips:           p.clips,
		VoicedClips:     p.voicedClips,
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
		Window:          p.window,
	}
}
