// Package server implements the HTTP API of the therapy audio service:
// recording upload and conversion, history and progress queries, settings,
// streamed capture and notifications over WebSocket, plus the health,
// statistics and Prometheus monitoring endpoints.
package server
