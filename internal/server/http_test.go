package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/config"
	"github.com/skypro1111/therapy-audio-service/internal/events"
	"github.com/skypro1111/therapy-audio-service/internal/metrics"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/protocol"
	"github.com/skypro1111/therapy-audio-service/internal/session"
	"github.com/skypro1111/therapy-audio-service/internal/settings"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

// analyzerStub records the uploads it receives
type analyzerStub struct {
	mu       sync.Mutex
	auth     []string
	language []string
	exercise []string
}

func (a *analyzerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.auth = append(a.auth, r.Header.Get("Authorization"))
	a.language = append(a.language, r.FormValue("language"))
	a.exercise = append(a.exercise, r.FormValue("exercise_id"))
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analysis.Feedback{
		PronunciationScore: 70,
		FluencyScore:       74,
		PitchScore:         68,
		OverallScore:       72,
		Feedback:           "Good effort",
	})
}

type testEnv struct {
	server   *HTTPServer
	handler  http.Handler
	analyzer *analyzerStub
	hub      *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	stub := &analyzerStub{}
	backend := httptest.NewServer(stub)
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.Analysis.Endpoint = backend.URL
	cfg.Analysis.APIKey = "secret-key"

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub(m)
	t.Cleanup(hub.Close)
	settingsSvc := settings.NewService(store, hub)

	proc, err := pipeline.NewProcessor(pipeline.Config{TargetRate: 16000}, nil, nil, m)
	require.NoError(t, err)

	client, err := analysis.NewClient(analysis.Config{
		Endpoint:     backend.URL,
		APIKey:       cfg.Analysis.APIKey,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
	}, nil, m)
	require.NoError(t, err)

	sessions, err := session.NewManager(session.Config{}, session.Deps{
		Pipeline: proc,
		Analyzer: client,
		Store:    store,
		Rates:    settingsSvc,
		Hub:      hub,
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(sessions.Stop)

	srv := NewHTTPServer(&cfg, Deps{
		Sessions: sessions,
		Pipeline: proc,
		Store:    store,
		Settings: settingsSvc,
		Hub:      hub,
		Analyzer: client,
		Metrics:  m,
		Gatherer: reg,
	})

	return &testEnv{server: srv, handler: srv.Handler(), analyzer: stub, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, target, user string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func constant(n int, v float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func wavFile(t *testing.T, rate int, samples []float32) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(audio.FloatTo16BitPCM(samples), rate, 1)
	require.NoError(t, err)
	return data
}

func multipartUpload(t *testing.T, wav []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "recording.wav")
	require.NoError(t, err)
	_, err = part.Write(wav)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestUploadRecording(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, wavFile(t, 48000, constant(48000, 0.5)),
		map[string]string{"exercise_id": "vowels-1"})
	rec := env.do(t, http.MethodPost, "/v1/recordings", "user-1", body, http.Header{
		"Content-Type":  {contentType},
		"Authorization": {"Bearer user-token"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	outcome := decode[session.Outcome](t, rec)
	require.NotNil(t, outcome.Recording)
	assert.Equal(t, "user-1", outcome.Recording.UserID)
	assert.Equal(t, 48000, outcome.Recording.SourceRate)
	assert.Equal(t, 16000, outcome.Recording.TargetRate)
	assert.Equal(t, 16000, outcome.Recording.SamplesOut)
	require.NotNil(t, outcome.Recording.Feedback)
	assert.Equal(t, 72.0, outcome.Recording.Feedback.OverallScore)

	require.Len(t, env.analyzer.auth, 1)
	assert.Equal(t, "Bearer user-token", env.analyzer.auth[0])
	assert.Equal(t, "ta", env.analyzer.language[0], "language defaults to the user's therapy language")
	assert.Equal(t, "vowels-1", env.analyzer.exercise[0])

	list := env.do(t, http.MethodGet, "/v1/recordings", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	listed := decode[struct {
		Total      int                  `json:"total"`
		Recordings []*storage.Recording `json:"recordings"`
	}](t, list)
	assert.Equal(t, 1, listed.Total)

	one := env.do(t, http.MethodGet, "/v1/recordings/"+outcome.Recording.ID, "user-1", nil, nil)
	assert.Equal(t, http.StatusOK, one.Code)

	other := env.do(t, http.MethodGet, "/v1/recordings/"+outcome.Recording.ID, "user-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, other.Code)

	progress := env.do(t, http.MethodGet, "/v1/progress", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, progress.Code)
	p := decode[storage.Progress](t, progress)
	assert.Equal(t, 1, p.Sessions)
	assert.Equal(t, 72.0, p.BestScore)

	weekly := env.do(t, http.MethodGet, "/v1/progress/weekly", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, weekly.Code)
	w := decode[struct {
		UserID string                `json:"user_id"`
		Days   []storage.DayProgress `json:"days"`
	}](t, weekly)
	assert.Equal(t, "user-1", w.UserID)
	require.Len(t, w.Days, 7)
	exercises := 0
	for _, day := range w.Days {
		exercises += day.Exercises
	}
	assert.Equal(t, 1, exercises)
	assert.Equal(t, 72.0, w.Days[6].AvgAccuracy)
	assert.InDelta(t, 1.0/60, w.Days[6].PracticeMinutes, 1e-6)

	anonymous := env.do(t, http.MethodGet, "/v1/progress/weekly", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
}

func TestUploadWithoutAnalysis(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, wavFile(t, 16000, constant(8000, 0.2)),
		map[string]string{"analyze": "false"})
	rec := env.do(t, http.MethodPost, "/v1/recordings", "user-1", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	outcome := decode[session.Outcome](t, rec)
	assert.Nil(t, outcome.Recording.Feedback)
	assert.Empty(t, env.analyzer.auth)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/recordings", "", strings.NewReader(""), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, contentType := multipartUpload(t, []byte("not a wav file"), nil)
	rec = env.do(t, http.MethodPost, "/v1/recordings", "user-1", body, http.Header{"Content-Type": {contentType}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/recordings", "user-1", strings.NewReader("plain"),
		http.Header{"Content-Type": {"text/plain"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadUsesUserSampleRate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/v1/settings/audio", "user-1", strings.NewReader(`{"sample_rate":44100}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body, contentType := multipartUpload(t, wavFile(t, 48000, constant(48000, 0.1)),
		map[string]string{"analyze": "false"})
	rec = env.do(t, http.MethodPost, "/v1/recordings", "user-1", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	outcome := decode[session.Outcome](t, rec)
	assert.Equal(t, 44100, outcome.Recording.TargetRate)
	assert.Equal(t, 44100, outcome.Recording.SamplesOut)
}

func TestConvert(t *testing.T) {
	env := newTestEnv(t)
	wav := wavFile(t, 44100, constant(44100, 0.5))

	rec := env.do(t, http.MethodPost, "/v1/convert?format=pcm", "", bytes.NewReader(wav), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "16000", rec.Header().Get("X-Sample-Rate"))
	assert.Equal(t, "44100", rec.Header().Get("X-Source-Rate"))
	assert.Equal(t, "1", rec.Header().Get("X-Source-Channels"))
	assert.Equal(t, "16", rec.Header().Get("X-Source-Bits"))
	assert.Len(t, rec.Body.Bytes(), 32000)

	rec = env.do(t, http.MethodPost, "/v1/convert?rate=8000", "", bytes.NewReader(wav), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	info, err := audio.GetWAVInfo(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)

	rec = env.do(t, http.MethodPost, "/v1/convert?rate=48000", "", bytes.NewReader(wav), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/convert?format=mp3", "", bytes.NewReader(wav), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/convert", "", strings.NewReader("garbage"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	sub := env.hub.Subscribe("user-1", 4)

	rec := env.do(t, http.MethodGet, "/v1/settings", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settings.Defaults(), decode[settings.Settings](t, rec))

	rec = env.do(t, http.MethodPut, "/v1/settings/language", "user-1",
		strings.NewReader(`{"therapy_language":"hi"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/settings/language", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lang := decode[settings.LanguageSettings](t, rec)
	assert.Equal(t, "hi", lang.TherapyLanguage)
	assert.Equal(t, "en", lang.InterfaceLanguage)

	require.Len(t, sub.C, 1)
	assert.Equal(t, events.TypeSettingsUpdated, (<-sub.C).Type)

	rec = env.do(t, http.MethodPut, "/v1/settings/billing", "user-1", strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/settings/audio", "user-1", strings.NewReader(`{"input_volume":150}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/settings", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMonitoringEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	components := health["components"].(map[string]any)
	assert.Equal(t, "disabled", components["vad"].(map[string]any)["status"])

	rec = env.do(t, http.MethodGet, "/config", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-key")
	assert.Contains(t, rec.Body.String(), `"target_rate":16000`)

	rec = env.do(t, http.MethodGet, "/stats", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessions"`)
	assert.NotContains(t, rec.Body.String(), `"vad"`)

	rec = env.do(t, http.MethodGet, "/sessions", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/sessions/unknown", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /v1/recordings")

	rec = env.do(t, http.MethodGet, "/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "therapy_http_requests_total")
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{UserHeader: {"user-1"}})
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readCapture(t *testing.T, conn *websocket.Conn) CaptureMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg CaptureMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestCaptureSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	notifications := dial(t, srv, "/ws/events")
	conn := dial(t, srv, "/ws/capture?analyze=false")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		protocol.EncodeStart(0, 48000, 1, "ex-9", "hi")))
	started := readCapture(t, conn)
	require.Equal(t, "started", started.Type, started.Error)
	require.NotEmpty(t, started.SessionID)

	for seq := uint32(1); seq <= 10; seq++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
			protocol.EncodeAudio(seq, constant(4800, 0.3))))
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeStop(11)))

	completed := readCapture(t, conn)
	require.Equal(t, "completed", completed.Type, completed.Error)
	require.NotNil(t, completed.Outcome)
	assert.Equal(t, started.SessionID, completed.Outcome.Recording.ID)
	assert.Equal(t, "ex-9", completed.Outcome.Recording.ExerciseID)
	assert.Equal(t, "hi", completed.Outcome.Recording.Language)
	assert.Equal(t, 16000, completed.Outcome.Recording.SamplesOut)

	require.NoError(t, notifications.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, notifications.ReadJSON(&ev))
	assert.Equal(t, events.TypeRecordingProcessed, ev.Type)
	assert.Equal(t, "user-1", ev.UserID)

	// Stop without a recording in progress is reported, not fatal.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeStop(12)))
	assert.Equal(t, "error", readCapture(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	assert.Equal(t, "error", readCapture(t, conn).Type)
}

func TestCaptureSocketRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/capture"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
