// Package audio converts captured speech into the wire format expected by the
// analysis backend. It implements block-averaging downsampling of normalized
// float samples, signed 16-bit little-endian PCM packing, WAV wrapping and
// decoding, and an ordered accumulator for streamed capture frames.
package audio
