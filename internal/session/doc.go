// Package session manages streamed capture sessions. Each session owns one
// capture.Recorder; finishing a session converts the clip through the
// pipeline, sends it for analysis, stores the result and publishes a
// notification. Idle sessions are cancelled by a background cleanup routine.
//
// The same completion path serves whole-file uploads through Complete.
package session
