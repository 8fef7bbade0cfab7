package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the therapy audio service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Recording pipeline metrics
	RecordingsProcessed prometheus.Counter
	RecordingsFailed    *prometheus.CounterVec
	ResampleDuration    prometheus.Histogram
	SamplesIn           prometheus.Counter
	SamplesOut          prometheus.Counter
	ClipDuration        prometheus.Histogram
	ClipSize            prometheus.Histogram

	// Capture session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram
	FramesReceived    prometheus.Counter
	FrameErrors       prometheus.Counter

	// Analysis metrics
	AnalysisRequests  prometheus.Counter
	AnalysisSuccesses prometheus.Counter
	AnalysisFailures  prometheus.Counter
	AnalysisDuration  prometheus.Histogram
	AnalysisRetries   prometheus.Counter

	// Event metrics
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Recording pipeline metrics
		RecordingsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_recordings_processed_total",
			Help: "Total number of recordings converted to 16-bit PCM",
		}),
		RecordingsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_recordings_failed_total",
			Help: "Total number of recordings that failed processing",
		}, []string{"reason"}),
		ResampleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_resample_duration_seconds",
			Help:    "Time spent resampling and encoding a recording",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		SamplesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_samples_in_total",
			Help: "Total number of samples received at the capture rate",
		}),
		SamplesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_samples_out_total",
			Help: "Total number of samples produced at the target rate",
		}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_clip_duration_seconds",
			Help:    "Duration of processed recordings",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		ClipSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_clip_size_bytes",
			Help:    "Size of encoded WAV recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Capture session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "therapy_active_sessions",
			Help: "Current number of streamed capture sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_sessions_created_total",
			Help: "Total number of capture sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_sessions_destroyed_total",
			Help: "Total number of capture sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_session_duration_seconds",
			Help:    "Lifetime of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_frames_received_total",
			Help: "Total number of capture frames received",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_frame_errors_total",
			Help: "Total number of capture frames rejected",
		}),

		// Analysis metrics
		AnalysisRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_analysis_requests_total",
			Help: "Total number of speech analysis requests sent",
		}),
		AnalysisSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_analysis_successes_total",
			Help: "Total number of successful speech analysis requests",
		}),
		AnalysisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_analysis_failures_total",
			Help: "Total number of failed speech analysis requests",
		}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "therapy_analysis_duration_seconds",
			Help:    "Duration of speech analysis requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		AnalysisRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_analysis_retries_total",
			Help: "Total number of speech analysis request retries",
		}),

		// Event metrics
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_events_published_total",
			Help: "Total number of notification events published",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "therapy_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "therapy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "therapy_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRecordingProcessed records a successfully converted recording
func (m *Metrics) RecordRecordingProcessed(samplesIn, samplesOut int, durationSeconds, resampleSeconds float64, wavBytes int) {
	if m == nil {
		return
	}
	m.RecordingsProcessed.Inc()
	m.SamplesIn.Add(float64(samplesIn))
	m.SamplesOut.Add(float64(samplesOut))
	m.ClipDuration.Observe(durationSeconds)
	m.ResampleDuration.Observe(resampleSeconds)
	m.ClipSize.Observe(float64(wavBytes))
}

// RecordRecordingFailed increments the failure counter for reason
func (m *Metrics) RecordRecordingFailed(reason string) {
	if m == nil {
		return
	}
	m.RecordingsFailed.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the current number of capture sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame counts a received capture frame
func (m *Metrics) RecordFrame(ok bool) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if !ok {
		m.FrameErrors.Inc()
	}
}

// RecordAnalysisRequest increments analysis requests counter
func (m *Metrics) RecordAnalysisRequest() {
	if m == nil {
		return
	}
	m.AnalysisRequests.Inc()
}

// RecordAnalysisSuccess records a successful analysis
func (m *Metrics) RecordAnalysisSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.AnalysisSuccesses.Inc()
	m.AnalysisDuration.Observe(durationSeconds)
}

// RecordAnalysisFailure records a failed analysis
func (m *Metrics) RecordAnalysisFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.AnalysisFailures.Inc()
	m.AnalysisDuration.Observe(durationSeconds)
}

// RecordAnalysisRetry increments the retry counter
func (m *Metrics) RecordAnalysisRetry() {
	if m == nil {
		return
	}
	m.AnalysisRetries.Inc()
}

// RecordEvent records a published event and the subscribers that missed it
func (m *Metrics) RecordEvent(dropped int) {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
	m.EventsDropped.Add(float64(dropped))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
