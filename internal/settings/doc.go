// Package settings holds per-user preferences as typed structs, one per
// domain (audio, language, privacy, notifications, appearance), with
// defaults and validation. Documents are persisted as JSON through the
// storage layer and every change is announced on the events hub.
package settings
