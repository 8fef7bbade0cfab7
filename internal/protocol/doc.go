// Package protocol implements the binary framing used to stream captured
// audio from the browser to the service over a WebSocket. Every frame starts
// with a 9-byte big-endian header followed by a start, audio or stop payload.
package protocol
