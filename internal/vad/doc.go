// Package vad provides energy-based voice activity detection over normalized
// float samples. Audio is split into half-overlapping windows whose RMS level
// is mapped onto a 0-1 voice probability, smoothed and compared against a
// threshold. Detect returns the voiced segments of a clip and Trim cuts the
// silence around them.
package vad
