package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE

	wavHeaderSize = 44
)

// WAVHeader represents the canonical 44-byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// Decoded is a WAV file reduced to its first channel.
type Decoded struct {
	Samples       []float32 // channel 0, normalized to [-1, 1]
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool
}

// EncodeWAV wraps signed 16-bit little-endian PCM into a WAV container
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("pcm length %d is not a whole number of %d-channel frames", len(pcm), channels)
	}

	numChannels := uint16(channels)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	blockAlign    int
	bitsPerSample int
}

// DecodeWAV decodes a RIFF/WAVE file into normalized float samples of its
// first channel. Integer PCM of 8, 16, 24 and 32 bits and IEEE float of 32
// and 64 bits are supported. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (*Decoded, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		format  *wavFormat
		payload []byte
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) || end < body {
			// Streaming writers leave the data size unset; take what is there.
			if id != "data" {
				return nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			f, err := parseFmtChunk(data[body:end])
			if err != nil {
				return nil, err
			}
			format = f
		case "data":
			payload = data[body:end]
		}

		// Chunks are word aligned.
		offset = end + (size & 1)
		if format != nil && payload != nil {
			break
		}
	}

	if format == nil {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if payload == nil {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	samples, err := decodeChannel0(payload, format)
	if err != nil {
		return nil, err
	}

	return &Decoded{
		Samples:       samples,
		SampleRate:    format.sampleRate,
		Channels:      format.channels,
		BitsPerSample: format.bitsPerSample,
		Float:         format.audioFormat == wavFormatIEEEFloat,
	}, nil
}

func parseFmtChunk(b []byte) (*wavFormat, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", len(b))
	}

	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(b[0:2]),
		channels:      int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(b[4:8])),
		blockAlign:    int(binary.LittleEndian.Uint16(b[12:14])),
		bitsPerSample: int(binary.LittleEndian.Uint16(b[14:16])),
	}

	// WAVE_FORMAT_EXTENSIBLE carries the real format in the sub-format GUID.
	if f.audioFormat == wavFormatExtensible && len(b) >= 26 {
		f.audioFormat = binary.LittleEndian.Uint16(b[24:26])
	}

	if f.channels < 1 {
		return nil, fmt.Errorf("invalid WAV file: %d channels", f.channels)
	}

	if f.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", f.sampleRate)
	}

	switch {
	case f.audioFormat == wavFormatPCM && (f.bitsPerSample == 8 || f.bitsPerSample == 16 ||
		f.bitsPerSample == 24 || f.bitsPerSample == 32):
	case f.audioFormat == wavFormatIEEEFloat && (f.bitsPerSample == 32 || f.bitsPerSample == 64):
	default:
		return nil, fmt.Errorf("%w: format %d with %d bits per sample", ErrUnsupportedFormat,
			f.audioFormat, f.bitsPerSample)
	}

	if minAlign := f.channels * f.bitsPerSample / 8; f.blockAlign < minAlign {
		f.blockAlign = minAlign
	}

	return f, nil
}

func decodeChannel0(payload []byte, f *wavFormat) ([]float32, error) {
	frames := len(payload) / f.blockAlign
	if frames == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	if f.audioFormat == wavFormatPCM && f.bitsPerSample == 16 && f.blockAlign == 2 {
		return PCM16ToFloat(payload[:frames*2]), nil
	}

	out := make([]float32, frames)
	for i := range out {
		s := payload[i*f.blockAlign:]
		switch {
		case f.audioFormat == wavFormatIEEEFloat && f.bitsPerSample == 32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(s))
		case f.audioFormat == wavFormatIEEEFloat:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(s)))
		case f.bitsPerSample == 8:
			// 8-bit WAV is unsigned with a 128 midpoint.
			out[i] = (float32(s[0]) - 128) / 128
		case f.bitsPerSample == 16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(s))) / 32768
		case f.bitsPerSample == 24:
			v := int32(uint32(s[0])<<8|uint32(s[1])<<16|uint32(s[2])<<24) >> 8
			out[i] = float32(v) / 8388608
		default:
			out[i] = float32(float64(int32(binary.LittleEndian.Uint32(s))) / 2147483648)
		}
	}

	return out, nil
}

// ValidateWAV validates a canonical WAV header without decoding the audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a canonical WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.SampleRate == 0 || header.BitsPerSample == 0 || header.NumChannels == 0 {
		return nil, fmt.Errorf("invalid WAV header: rate=%d bits=%d channels=%d",
			header.SampleRate, header.BitsPerSample, header.NumChannels)
	}
	if header.BitsPerSample%8 != 0 {
		return nil, fmt.Errorf("unsupported bit depth: %d", header.BitsPerSample)
	}

	numSamples := header.Subchunk2Size / (uint32(header.BitsPerSample) / 8) / uint32(header.NumChannels)
	duration := float64(numSamples) / float64(header.SampleRate)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      duration,
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
