package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Frame types
	FrameStart = 0x01
	FrameAudio = 0x02
	FrameStop  = 0x03

	// Frame structure sizes
	HeaderSize       = 9  // 1 + 4 + 4 bytes
	StartPayloadSize = 77 // 4 + 1 + 64 + 8 bytes
	SampleSize       = 4  // float32

	// String field sizes in start payload
	ExerciseIDSize = 64
	LanguageSize   = 8

	// MaxFrameSize bounds a single frame; one second of 48 kHz stereo fits.
	MaxFrameSize = HeaderSize + 48000*2*SampleSize
)

// Header represents the 9-byte frame header
// Layout: [FrameType:1][FrameLen:4][Sequence:4]
type Header struct {
	FrameType uint8  // 0x01=Start, 0x02=Audio, 0x03=Stop
	FrameLen  uint32 // Total frame size (header + payload)
	Sequence  uint32 // Frame sequence number
}

// StartPayload opens a capture
// Layout: [SampleRate:4][Channels:1][ExerciseID:64][Language:8]
type StartPayload struct {
	SampleRate uint32
	Channels   uint8
	ExerciseID [ExerciseIDSize]byte // Null-terminated string
	Language   [LanguageSize]byte   // Null-terminated string
}

// AudioPayload carries interleaved float32 samples
type AudioPayload struct {
	Samples []float32
}

// Frame represents a fully parsed frame
type Frame struct {
	Header *Header
	Start  *StartPayload // Only set for start frames
	Audio  *AudioPayload // Only set for audio frames
}

// ParseHeader parses the 9-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		FrameType: data[0],
		FrameLen:  binary.BigEndian.Uint32(data[1:5]),
		Sequence:  binary.BigEndian.Uint32(data[5:9]),
	}, nil
}

// ParseStartPayload parses the start frame payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d",
			StartPayloadSize, len(data))
	}

	payload := &StartPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
		Channels:   data[4],
	}
	copy(payload.ExerciseID[:], data[5:5+ExerciseIDSize])
	copy(payload.Language[:], data[5+ExerciseIDSize:StartPayloadSize])

	return payload, nil
}

// ParseAudioPayload decodes little-endian float32 samples
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data)%SampleSize != 0 {
		return nil, fmt.Errorf("audio payload length %d is not a multiple of %d", len(data), SampleSize)
	}

	samples := make([]float32, len(data)/SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*SampleSize:]))
	}

	return &AudioPayload{Samples: samples}, nil
}

// ParseFrame parses a complete frame (header + payload)
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.FrameLen) != len(data) {
		return nil, fmt.Errorf("frame length mismatch: header says %d bytes, got %d bytes",
			header.FrameLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &Frame{Header: header}
	payloadData := data[HeaderSize:]

	switch header.FrameType {
	case FrameStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		frame.Start = payload

	case FrameAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		frame.Audio = payload
	}

	return frame, nil
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidFrameType(header.FrameType) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.FrameType)
	}

	if header.FrameLen < HeaderSize {
		return fmt.Errorf("frame length too small: %d (minimum %d)", header.FrameLen, HeaderSize)
	}

	if header.FrameLen > MaxFrameSize {
		return fmt.Errorf("frame length too large: %d (maximum %d)", header.FrameLen, MaxFrameSize)
	}

	payloadSize := int(header.FrameLen) - HeaderSize
	switch header.FrameType {
	case FrameStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start frame payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case FrameAudio:
		if payloadSize%SampleSize != 0 {
			return fmt.Errorf("audio frame payload size %d is not a multiple of %d", payloadSize, SampleSize)
		}
	case FrameStop:
		if payloadSize != 0 {
			return fmt.Errorf("stop frame must have an empty payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidFrameType checks if the frame type is valid
func IsValidFrameType(ftype uint8) bool {
	return ftype == FrameStart || ftype == FrameAudio || ftype == FrameStop
}

func putHeader(buf []byte, ftype uint8, seq uint32) {
	buf[0] = ftype
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[5:9], seq)
}

// EncodeStart builds a start frame. Strings longer than their field are truncated.
func EncodeStart(seq uint32, sampleRate uint32, channels uint8, exerciseID, language string) []byte {
	buf := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(buf, FrameStart, seq)

	p := buf[HeaderSize:]
	binary.BigEndian.PutUint32(p[0:4], sampleRate)
	p[4] = channels
	putString(p[5:5+ExerciseIDSize], exerciseID)
	putString(p[5+ExerciseIDSize:StartPayloadSize], language)
	return buf
}

// EncodeAudio builds an audio frame from interleaved samples
func EncodeAudio(seq uint32, samples []float32) []byte {
	buf := make([]byte, HeaderSize+len(samples)*SampleSize)
	putHeader(buf, FrameAudio, seq)

	p := buf[HeaderSize:]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(p[i*SampleSize:], math.Float32bits(s))
	}
	return buf
}

// EncodeStop builds a stop frame
func EncodeStop(seq uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, FrameStop, seq)
	return buf
}

// putString writes s into a fixed field, always leaving a null terminator
func putString(field []byte, s string) {
	n := copy(field[:len(field)-1], s)
	for i := n; i < len(field); i++ {
		field[i] = 0
	}
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetExerciseID extracts the exercise ID as a string
func (s *StartPayload) GetExerciseID() string {
	return ExtractString(s.ExerciseID[:])
}

// GetLanguage extracts the language code as a string
func (s *StartPayload) GetLanguage() string {
	return ExtractString(s.Language[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var frameType string

	switch h.FrameType {
	case FrameStart:
		frameType = "Start"
	case FrameAudio:
		frameType = "Audio"
	case FrameStop:
		frameType = "Stop"
	default:
		frameType = fmt.Sprintf("Unknown(0x%02x)", h.FrameType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Seq:%d}", frameType, h.FrameLen, h.Sequence)
}

// String returns a human-readable representation of the start payload
func (s *StartPayload) String() string {
	return fmt.Sprintf("StartPayload{SampleRate:%d, Channels:%d, ExerciseID:%q, Language:%q}",
		s.SampleRate, s.Channels, s.GetExerciseID(), s.GetLanguage())
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Samples:%d}", len(a.Samples))
}
