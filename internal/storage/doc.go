// Package storage persists recordings, their analysis feedback and per-user
// settings documents in SQLite.
package storage
