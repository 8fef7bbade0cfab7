package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRecordingProcessed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRecordingProcessed(48000, 16000, 1.0, 0.002, 32044)
	m.RecordRecordingFailed("no_speech")

	if got := testutil.ToFloat64(m.RecordingsProcessed); got != 1 {
		t.Errorf("Expected 1 processed recording, got %v", got)
	}
	if got := testutil.ToFloat64(m.SamplesIn); got != 48000 {
		t.Errorf("Expected 48000 samples in, got %v", got)
	}
	if got := testutil.ToFloat64(m.SamplesOut); got != 16000 {
		t.Errorf("Expected 16000 samples out, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordingsFailed.WithLabelValues("no_speech")); got != 1 {
		t.Errorf("Expected 1 failure, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Each registry gets its own collectors.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordEvent(2)
	if got := testutil.ToFloat64(b.EventsDropped); got != 0 {
		t.Errorf("Expected independent metrics, got %v", got)
	}
	if got := testutil.ToFloat64(a.EventsDropped); got != 2 {
		t.Errorf("Expected 2 dropped events, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.RecordRecordingProcessed(1, 1, 1, 1, 1)
	m.RecordRecordingFailed("x")
	m.SetActiveSessions(1)
	m.RecordSessionCreated()
	m.RecordSessionDestroyed(1)
	m.RecordFrame(false)
	m.RecordAnalysisRequest()
	m.RecordAnalysisSuccess(1)
	m.RecordAnalysisFailure(1)
	m.RecordAnalysisRetry()
	m.RecordEvent(1)
	m.RecordHTTPRequest("GET", "/", "200", 1)
	m.RecordHTTPError("GET", "/", "x")
}
