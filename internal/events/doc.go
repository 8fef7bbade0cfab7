// Package events fans out service notifications to subscribers. Each
// subscriber gets a buffered channel; when the buffer is full the event is
// dropped for that subscriber only, so a slow browser never blocks a
// recording from being processed.
package events
