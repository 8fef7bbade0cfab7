package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/capture"
	"github.com/skypro1111/therapy-audio-service/internal/events"
	"github.com/skypro1111/therapy-audio-service/internal/metrics"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

var (
	// ErrNotFound is returned for unknown session IDs
	ErrNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the session limit is reached
	ErrTooManySessions = errors.New("too many active sessions")
)

// Analyzer sends a converted recording for assessment
type Analyzer interface {
	Analyze(ctx context.Context, request *analysis.Request) (*analysis.Feedback, error)
}

// RecordingStore persists finished recordings
type RecordingStore interface {
	SaveRecording(ctx context.Context, rec *storage.Recording) error
}

// RateSource returns the per-user upload sample rate
type RateSource interface {
	TargetRate(ctx context.Context, userID string) (int, error)
}

// Config contains configuration for the session manager
type Config struct {
	Timeout         time.Duration // idle time before a session is cancelled
	CleanupInterval time.Duration
	MaxSessions     int // zero means unlimited
	MaxDuration     time.Duration
	AnalyzeTimeout  time.Duration
}

// Deps are the collaborators a Manager uses. Only Pipeline is required.
type Deps struct {
	Pipeline *pipeline.Processor
	Analyzer Analyzer
	Store    RecordingStore
	Rates    RateSource
	Hub      *events.Hub
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Meta describes who recorded what
type Meta struct {
	UserID     string `json:"user_id"`
	ExerciseID string `json:"exercise_id,omitempty"`
	Language   string `json:"language,omitempty"`
	Token      string `json:"-"`
	Analyze    bool   `json:"analyze"`
}

// Outcome is the result of a completed recording
type Outcome struct {
	Recording *storage.Recording `json:"recording"`
	Result    *pipeline.Result   `json:"result"`
	// AnalysisError is set when conversion succeeded but analysis did not.
	AnalysisError string `json:"analysis_error,omitempty"`
}

// Session is one streamed capture
type Session struct {
	ID           string
	Meta         Meta
	StartTime    time.Time
	LastActivity time.Time

	recorder *capture.Recorder

	framesReceived uint64
	framesRejected uint64

	mu sync.RWMutex
}

// Recorder returns the session's recorder
func (s *Session) Recorder() *capture.Recorder {
	return s.recorder
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             string                `json:"id"`
	UserID         string                `json:"user_id"`
	ExerciseID     string                `json:"exercise_id,omitempty"`
	Language       string                `json:"language,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	LastActivity   time.Time             `json:"last_activity"`
	Duration       time.Duration         `json:"duration"`
	FramesReceived uint64                `json:"frames_received"`
	FramesRejected uint64                `json:"frames_rejected"`
	Recorder       capture.RecorderStats `json:"recorder"`
}

// GetSessionInfo returns session information
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:             s.ID,
		UserID:         s.Meta.UserID,
		ExerciseID:     s.Meta.ExerciseID,
		Language:       s.Meta.Language,
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity,
		Duration:       time.Since(s.StartTime),
		FramesReceived: s.framesReceived,
		FramesRejected: s.framesRejected,
		Recorder:       s.recorder.GetStats(),
	}
}

// ManagerStats represents manager statistics
type ManagerStats struct {
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Expired   uint64 `json:"expired"`
}

// Manager manages all active capture sessions
type Manager struct {
	config Config
	deps   Deps
	logger *slog.Logger

	sessions map[string]*Session
	stats    ManagerStats

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}

	mu sync.RWMutex
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(config Config, deps Deps) (*Manager, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline processor is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.AnalyzeTimeout <= 0 {
		config.AnalyzeTimeout = 60 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:   config,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go m.startCleanupRoutine()

	return m, nil
}

// Create starts a new capture session recording at sampleRate
func (m *Manager) Create(meta Meta, sampleRate, channels int) (*Session, error) {
	recorder := capture.NewRecorder(capture.Config{MaxDuration: m.config.MaxDuration})
	if err := recorder.Start(sampleRate, channels); err != nil {
		return nil, fmt.Errorf("failed to start recorder: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		Meta:         meta,
		StartTime:    now,
		LastActivity: now,
		recorder:     recorder,
	}

	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		recorder.Cancel()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, m.config.MaxSessions)
	}
	m.sessions[session.ID] = session
	m.stats.Created++
	active := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionCreated()
	m.deps.Metrics.SetActiveSessions(active)

	m.logger.Info("Created capture session",
		slog.String("session_id", session.ID),
		slog.String("user_id", meta.UserID),
		slog.String("exercise_id", meta.ExerciseID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
	)

	return session, nil
}

// Get retrieves an active session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// Write appends one audio frame to a session
func (m *Manager) Write(id string, seq uint32, samples []float32) error {
	session, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	session.touch()

	err := session.recorder.Write(seq, samples)

	session.mu.Lock()
	if err != nil {
		session.framesRejected++
	} else {
		session.framesReceived++
	}
	session.mu.Unlock()

	m.deps.Metrics.RecordFrame(err == nil)
	return err
}

// Finish stops the session and completes its recording
func (m *Manager) Finish(ctx context.Context, id string) (*Outcome, error) {
	session, ok := m.remove(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	_, err := session.recorder.Stop()
	if err != nil {
		m.fail(session.Meta, err)
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}

	var result *pipeline.Result
	_, err = session.recorder.Encode(ctx, capture.EncoderFunc(func(ctx context.Context, clip *capture.Clip) (*capture.Encoded, error) {
		var err error
		result, err = m.convert(ctx, session.Meta.UserID, clip)
		if err != nil {
			return nil, err
		}
		return result.Encoded(clip), nil
	}))
	if err != nil {
		m.fail(session.Meta, err)
		return nil, err
	}

	return m.finalize(ctx, session.ID, session.Meta, result)
}

// Complete runs a clip that did not come from a streamed session through
// the same conversion, analysis and storage path as Finish.
func (m *Manager) Complete(ctx context.Context, meta Meta, clip *capture.Clip) (*Outcome, error) {
	result, err := m.convert(ctx, meta.UserID, clip)
	if err != nil {
		m.fail(meta, err)
		return nil, err
	}
	return m.finalize(ctx, uuid.NewString(), meta, result)
}

// Cancel abandons a session. It reports whether the session existed.
func (m *Manager) Cancel(id string) bool {
	session, ok := m.remove(id)
	if !ok {
		return false
	}
	session.recorder.Cancel()

	m.mu.Lock()
	m.stats.Cancelled++
	m.mu.Unlock()

	m.logger.Info("Capture session cancelled",
		slog.String("session_id", id),
		slog.Duration("duration", time.Since(session.StartTime)),
	)
	return true
}

func (m *Manager) remove(id string) (*Session, bool) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.deps.Metrics.SetActiveSessions(active)
		m.deps.Metrics.RecordSessionDestroyed(time.Since(session.StartTime).Seconds())
	}
	return session, ok
}

// convert resamples clip to the user's preferred rate. The average method
// cannot raise the rate, so a preference above the capture rate keeps the
// capture rate.
func (m *Manager) convert(ctx context.Context, userID string, clip *capture.Clip) (*pipeline.Result, error) {
	targetRate := m.deps.Pipeline.Config().TargetRate
	if m.deps.Rates != nil {
		rate, err := m.deps.Rates.TargetRate(ctx, userID)
		if err != nil {
			m.logger.Warn("Failed to load user sample rate, using default",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else {
			targetRate = rate
		}
	}

	if m.deps.Pipeline.Config().Method == audio.MethodAverage && targetRate > clip.SampleRate {
		targetRate = clip.SampleRate
	}

	return m.deps.Pipeline.ProcessAt(ctx, clip, targetRate)
}

func (m *Manager) finalize(ctx context.Context, id string, meta Meta, result *pipeline.Result) (*Outcome, error) {
	rec := &storage.Recording{
		ID:         id,
		UserID:     meta.UserID,
		ExerciseID: meta.ExerciseID,
		Language:   meta.Language,
		CreatedAt:  time.Now().UTC(),
		Duration:   result.Duration,
		SourceRate: result.SourceRate,
		TargetRate: result.TargetRate,
		SamplesIn:  result.SamplesIn,
		SamplesOut: result.SamplesOut,
	}
	outcome := &Outcome{Recording: rec, Result: result}

	if meta.Analyze && m.deps.Analyzer != nil {
		analyzeCtx, cancel := context.WithTimeout(ctx, m.config.AnalyzeTimeout)
		feedback, err := m.deps.Analyzer.Analyze(analyzeCtx, &analysis.Request{
			RecordingID: id,
			ExerciseID:  meta.ExerciseID,
			Language:    meta.Language,
			SampleRate:  result.TargetRate,
			Duration:    result.Duration,
			WAV:         result.WAV,
			Token:       meta.Token,
		})
		cancel()

		if err != nil {
			m.logger.Error("Recording analysis failed",
				slog.String("recording_id", id),
				slog.String("user_id", meta.UserID),
				slog.String("error", err.Error()),
			)
			outcome.AnalysisError = err.Error()
		} else {
			rec.Feedback = feedback
		}
	}

	if m.deps.Store != nil {
		if err := m.deps.Store.SaveRecording(ctx, rec); err != nil {
			m.fail(meta, err)
			return nil, fmt.Errorf("failed to save recording: %w", err)
		}
	}

	m.mu.Lock()
	m.stats.Completed++
	m.mu.Unlock()

	m.publish(events.TypeRecordingProcessed, meta.UserID, outcome)
	if rec.Feedback != nil && rec.Feedback.Rating() == "Excellent" {
		m.publish(events.TypeAchievement, meta.UserID, map[string]any{
			"recording_id":  id,
			"overall_score": rec.Feedback.OverallScore,
		})
	}

	m.logger.Info("Recording completed",
		slog.String("recording_id", id),
		slog.String("user_id", meta.UserID),
		slog.String("exercise_id", meta.ExerciseID),
		slog.Int("target_rate", result.TargetRate),
		slog.Int("samples_out", result.SamplesOut),
		slog.Duration("duration", result.Duration),
		slog.Bool("analyzed", rec.Feedback != nil),
	)

	return outcome, nil
}

func (m *Manager) fail(meta Meta, err error) {
	m.mu.Lock()
	m.stats.Failed++
	m.mu.Unlock()

	m.logger.Warn("Recording failed",
		slog.String("user_id", meta.UserID),
		slog.String("exercise_id", meta.ExerciseID),
		slog.String("error", err.Error()),
	)
	m.publish(events.TypeRecordingFailed, meta.UserID, map[string]string{
		"exercise_id": meta.ExerciseID,
		"error":       err.Error(),
	})
}

func (m *Manager) publish(eventType, userID string, data any) {
	if m.deps.Hub == nil {
		return
	}
	m.deps.Hub.Publish(events.Event{Type: eventType, UserID: userID, Data: data})
}

// ListSessions returns information about every active session
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// GetStats returns current manager statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Active = len(m.sessions)
	return stats
}

// Stop cancels every active session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cancel(id)
	}

	m.cancel()
	<-m.cleanup

	stats := m.GetStats()
	m.logger.Info("Session manager stopped",
		slog.Uint64("created", stats.Created),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("failed", stats.Failed),
	)
}

// startCleanupRoutine cancels sessions that stopped receiving audio
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))

	for _, id := range expired {
		if m.Cancel(id) {
			m.mu.Lock()
			m.stats.Expired++
			m.mu.Unlock()
		}
	}
}
