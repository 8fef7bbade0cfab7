// Package pipeline converts captured recordings into the 16 kHz, 16-bit
// upload form. A Processor optionally rejects or trims silence, resamples
// the mono samples to the target rate, packs them as little-endian PCM16 and
// wraps the result in a WAV container. ProcessBatch converts many files with
// bounded concurrency.
package pipeline
