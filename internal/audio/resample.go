package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Method selects the resampling algorithm.
type Method string

const (
	// MethodAverage is block-averaging decimation. Downsampling only.
	MethodAverage Method = "average"
	// MethodSoxr is polyphase FIR resampling. Supports any ratio.
	MethodSoxr Method = "soxr"
)

// DefaultTargetRate is the sample rate speech analysis expects.
const DefaultTargetRate = 16000

// ParseMethod returns the Method named by s. An empty string selects MethodAverage.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodAverage:
		return MethodAverage, nil
	case MethodSoxr:
		return MethodSoxr, nil
	}
	return "", fmt.Errorf("unknown resample method %q", s)
}

// Downsample reduces buf from sourceRate to targetRate by averaging the input
// samples that fall into each output window. Output sample i covers input
// indices [floor(i*ratio), floor((i+1)*ratio)) and the output length is
// round(len(buf)/ratio).
//
// When targetRate equals sourceRate buf is returned as is. Rates that are not
// positive, or a targetRate above sourceRate, are also passed through since
// averaging cannot upsample. buf is never modified.
func Downsample(buf []float32, sourceRate, targetRate int) []float32 {
	if targetRate == sourceRate || sourceRate <= 0 || targetRate <= 0 || targetRate > sourceRate {
		return buf
	}

	ratio := float64(sourceRate) / float64(targetRate)
	newLength := int(math.Round(float64(len(buf)) / ratio))
	result := make([]float32, newLength)

	for i := range result {
		start := int(math.Floor(float64(i) * ratio))
		end := int(math.Floor(float64(i+1) * ratio))
		if end > len(buf) {
			end = len(buf)
		}
		// An empty trailing window is silence.
		if start >= end {
			continue
		}

		var accum float64
		for _, s := range buf[start:end] {
			accum += float64(s)
		}
		result[i] = float32(accum / float64(end-start))
	}

	return result
}

// FloatTo16BitPCM packs normalized samples as signed 16-bit little-endian
// integers. Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767 so both ends of the int16 range are reachable.
// The scaled value is rounded to the nearest integer.
func FloatTo16BitPCM(buf []float32) []byte {
	out := make([]byte, len(buf)*2)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		return int16(math.Round(v * 0x8000))
	}
	return int16(math.Round(v * 0x7fff))
}

// PCM16ToFloat decodes signed 16-bit little-endian PCM into normalized
// samples. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(sample) / 32768.0
	}
	return out
}

// Resample converts buf from sourceRate to targetRate with the given method.
// MethodAverage refuses to upsample.
func Resample(buf []float32, sourceRate, targetRate int, method Method) ([]float32, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", sourceRate, targetRate)
	}
	if sourceRate == targetRate {
		return buf, nil
	}

	switch method {
	case "", MethodAverage:
		if targetRate > sourceRate {
			return nil, fmt.Errorf("%w: %d -> %d", ErrUpsample, sourceRate, targetRate)
		}
		return Downsample(buf, sourceRate, targetRate), nil
	case MethodSoxr:
		return resampleSoxr(buf, sourceRate, targetRate)
	}
	return nil, fmt.Errorf("unknown resample method %q", method)
}

func resampleSoxr(buf []float32, sourceRate, targetRate int) ([]float32, error) {
	output, err := resampling.ResampleMonoFloat32(buf, float64(sourceRate), float64(targetRate), resampling.QualityHigh)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return output, nil
}
