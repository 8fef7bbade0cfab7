package audio

import "errors"

var (
	// ErrUpsample is returned when averaging is asked to raise the sample rate.
	ErrUpsample = errors.New("audio: averaging cannot upsample")

	// ErrBufferFull is returned when a capture buffer reaches its duration cap.
	ErrBufferFull = errors.New("audio: capture buffer full")

	// ErrUnsupportedFormat is returned for WAV encodings the decoder cannot read.
	ErrUnsupportedFormat = errors.New("audio: unsupported WAV format")
)
