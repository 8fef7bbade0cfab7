// Package analysis implements the HTTP client for the speech-analysis backend.
// Recordings are uploaded as multipart form data with the WAV file in the
// "audio" field, retried with exponential backoff on server and network
// errors, and bounded by a concurrency semaphore.
package analysis
