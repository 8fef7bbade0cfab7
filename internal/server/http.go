package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/capture"
	"github.com/skypro1111/therapy-audio-service/internal/config"
	"github.com/skypro1111/therapy-audio-service/internal/events"
	"github.com/skypro1111/therapy-audio-service/internal/metrics"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/session"
	"github.com/skypro1111/therapy-audio-service/internal/settings"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

// Version is reported by the root and health endpoints
const Version = "1.0.0"

// UserHeader carries the caller's identity
const UserHeader = "X-User-ID"

// Deps are the components the HTTP server exposes
type Deps struct {
	Logger   *slog.Logger
	Sessions *session.Manager
	Pipeline *pipeline.Processor
	Store    storage.Store
	Settings *settings.Service
	Hub      *events.Hub
	Analyzer *analysis.Client // nil when analysis is disabled
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// HTTPServer provides the HTTP API
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	deps     Deps
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg *config.Config, deps Deps) *HTTPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    deps.Logger,
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.GetReadTimeout(),
		WriteTimeout: cfg.HTTP.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Recordings
	mux.HandleFunc("POST /v1/recordings", h.withMetrics("/v1/recordings", h.handleUpload))
	mux.HandleFunc("GET /v1/recordings", h.withMetrics("/v1/recordings", h.handleListRecordings))
	mux.HandleFunc("GET /v1/recordings/{id}", h.withMetrics("/v1/recordings/{id}", h.handleGetRecording))
	mux.HandleFunc("POST /v1/convert", h.withMetrics("/v1/convert", h.handleConvert))
	mux.HandleFunc("GET /v1/progress", h.withMetrics("/v1/progress", h.handleProgress))
	mux.HandleFunc("GET /v1/progress/weekly", h.withMetrics("/v1/progress/weekly", h.handleWeeklyProgress))

	// Settings
	mux.HandleFunc("GET /v1/settings", h.withMetrics("/v1/settings", h.handleGetSettings))
	mux.HandleFunc("GET /v1/settings/{domain}", h.withMetrics("/v1/settings/{domain}", h.handleGetSettings))
	mux.HandleFunc("PUT /v1/settings/{domain}", h.withMetrics("/v1/settings/{domain}", h.handlePutSettings))

	// WebSocket endpoints hijack the connection, so they are not wrapped.
	mux.HandleFunc("GET /ws/capture", h.handleCaptureSocket)
	mux.HandleFunc("GET /ws/events", h.handleEventsSocket)

	// Monitoring
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps service errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, session.ErrNotFound),
		errors.Is(err, settings.ErrUnknownDomain):
		return http.StatusNotFound
	case errors.Is(err, settings.ErrInvalid), errors.Is(err, pipeline.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoSpeech), errors.Is(err, pipeline.ErrEmpty),
		errors.Is(err, pipeline.ErrTooLong), errors.Is(err, pipeline.ErrUpsample),
		errors.Is(err, capture.ErrNoAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}

// requireUser returns the caller's user ID or writes 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, UserHeader+" header required")
		return "", false
	}
	return userID, true
}

// bearerToken returns the caller's token for forwarding to the analysis backend
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// meta builds recording metadata, defaulting the language to the user's
// therapy language
func (h *HTTPServer) meta(ctx context.Context, userID, exerciseID, language string, analyze bool) session.Meta {
	if language == "" && h.deps.Settings != nil {
		if s, err := h.deps.Settings.Get(ctx, userID); err == nil {
			language = s.Language.TherapyLanguage
		}
	}
	return session.Meta{
		UserID:     userID,
		ExerciseID: exerciseID,
		Language:   language,
		Analyze:    analyze && h.deps.Analyzer != nil,
	}
}

// handleUpload implements POST /v1/recordings
func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.HTTP.GetMaxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio: "+err.Error())
		return
	}

	clip, err := pipeline.ClipFromWAV(data)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	analyze := r.FormValue("analyze") != "false"
	meta := h.meta(r.Context(), userID, r.FormValue("exercise_id"), r.FormValue("language"), analyze)
	meta.Token = bearerToken(r)

	outcome, err := h.deps.Sessions.Complete(r.Context(), meta, clip)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, outcome)
}

// handleConvert implements POST /v1/convert. The body is a WAV file; the
// response is the converted audio as WAV or raw PCM16.
func (h *HTTPServer) handleConvert(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	targetRate := h.deps.Pipeline.Config().TargetRate
	if v := query.Get("rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			writeError(w, http.StatusBadRequest, "invalid rate")
			return
		}
		targetRate = rate
	}

	format := query.Get("format")
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "pcm" {
		writeError(w, http.StatusBadRequest, "format must be 'wav' or 'pcm'")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.HTTP.GetMaxUploadBytes()))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	result, err := h.deps.Pipeline.ProcessWAV(r.Context(), data, targetRate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("X-Sample-Rate", strconv.Itoa(result.TargetRate))
	w.Header().Set("X-Samples", strconv.Itoa(result.SamplesOut))
	w.Header().Set("X-Source-Rate", strconv.Itoa(result.SourceRate))
	// Only canonical 44-byte headers describe the source format directly.
	if info, err := audio.GetWAVInfo(data); err == nil {
		w.Header().Set("X-Source-Channels", strconv.Itoa(int(info.Channels)))
		w.Header().Set("X-Source-Bits", strconv.Itoa(int(info.BitsPerSample)))
	}

	body := result.WAV
	w.Header().Set("Content-Type", "audio/wav")
	if format == "pcm" {
		body = result.PCM
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleListRecordings implements GET /v1/recordings
func (h *HTTPServer) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recordings, err := h.deps.Store.ListRecordings(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(recordings),
		"recordings": recordings,
	})
}

// handleGetRecording implements GET /v1/recordings/{id}
func (h *HTTPServer) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	rec, err := h.deps.Store.GetRecording(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleProgress implements GET /v1/progress
func (h *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	progress, err := h.deps.Store.ProgressStats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, progress)
}

// handleWeeklyProgress implements GET /v1/progress/weekly
func (h *HTTPServer) handleWeeklyProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	days, err := h.deps.Store.WeeklyProgress(r.Context(), userID, time.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"days":    days,
	})
}

// handleGetSettings implements GET /v1/settings and GET /v1/settings/{domain}
func (h *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	s, err := h.deps.Settings.Get(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	domain := r.PathValue("domain")
	if domain == "" {
		writeJSON(w, http.StatusOK, s)
		return
	}

	section, err := s.Domain(domain)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

// handlePutSettings implements PUT /v1/settings/{domain}
func (h *HTTPServer) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.deps.Settings.Update(r.Context(), userID, r.PathValue("domain"), raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessionStats := h.deps.Sessions.GetStats()

	components := map[string]any{
		"session_manager": map[string]any{
			"status":          "running",
			"active_sessions": sessionStats.Active,
		},
		"events": h.deps.Hub.GetStats(),
	}

	if stats := h.deps.Pipeline.DetectorStats(); stats != nil {
		components["vad"] = map[string]any{
			"status":       "running",
			"clips":        stats.Clips,
			"voiced_clips": stats.VoicedClips,
			"threshold":    stats.Threshold,
		}
	} else {
		components["vad"] = map[string]any{"status": "disabled"}
	}

	if h.deps.Analyzer != nil {
		stats := h.deps.Analyzer.GetStats()
		components["analysis"] = map[string]any{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	} else {
		components["analysis"] = map[string]any{"status": "disabled"}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "therapy-audio-service",
			"version": Version,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Sessions.ListSessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	s, exists := h.deps.Sessions.Get(r.PathValue("id"))
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handleConfig implements the /config endpoint. Secrets are omitted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	writeJSON(w, http.StatusOK, map[string]any{
		"http": map[string]any{
			"port":          c.HTTP.Port,
			"address":       c.HTTP.Address,
			"max_upload_mb": c.HTTP.MaxUploadMB,
		},
		"audio": map[string]any{
			"target_rate":    c.Audio.TargetRate,
			"method":         c.Audio.Method,
			"max_duration":   c.Audio.MaxDuration,
			"require_speech": c.Audio.RequireSpeech,
			"trim_silence":   c.Audio.TrimSilence,
			"trim_padding":   c.Audio.TrimPadding,
		},
		"vad": map[string]any{
			"threshold": c.VAD.Threshold,
			"window_ms": c.VAD.WindowMs,
			"smoothing": c.VAD.Smoothing,
		},
		"analysis": map[string]any{
			"enabled":        c.Analysis.Enabled(),
			"endpoint":       c.Analysis.Endpoint,
			"timeout":        c.Analysis.Timeout,
			"max_retries":    c.Analysis.MaxRetries,
			"max_concurrent": c.Analysis.MaxConcurrent,
		},
		"session": map[string]any{
			"timeout":      c.Session.Timeout,
			"max_sessions": c.Session.MaxSessions,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.deps.Sessions.GetStats(),
		"events":    h.deps.Hub.GetStats(),
	}
	if vadStats := h.deps.Pipeline.DetectorStats(); vadStats != nil {
		stats["vad"] = vadStats
	}
	if h.deps.Analyzer != nil {
		stats["analysis"] = h.deps.Analyzer.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Therapy Audio Service",
		"version": Version,
		"endpoints": map[string]string{
			"GET /":                     "API documentation",
			"POST /v1/recordings":       "Upload a WAV recording (multipart field 'audio')",
			"GET /v1/recordings":        "List the caller's recordings",
			"GET /v1/recordings/{id}":   "Get one recording",
			"POST /v1/convert":          "Convert a WAV body to 16-bit PCM (?rate=&format=wav|pcm)",
			"GET /v1/progress":          "Practice progress summary",
			"GET /v1/progress/weekly":   "Daily accuracy, exercises and minutes for the last 7 days",
			"GET /v1/settings":          "Get all settings",
			"GET /v1/settings/{domain}": "Get one settings domain",
			"PUT /v1/settings/{domain}": "Update one settings domain",
			"GET /ws/capture":           "Streamed capture (binary frames)",
			"GET /ws/events":            "Notification stream",
			"GET /health":               "Service health check",
			"GET /sessions":             "List active capture sessions",
			"GET /sessions/{id}":        "Get capture session details",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
