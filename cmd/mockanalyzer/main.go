// Command mockanalyzer is a local stand-in for the speech analysis backend.
// It accepts the service's multipart upload and answers with feedback derived
// only from the audio's length and level, so the same file always gets the
// same scores.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
)

type handler struct {
	logger *slog.Logger
	delay  time.Duration
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	decoded, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.logger.Info("Analysis request received",
		slog.String("recording_id", r.FormValue("recording_id")),
		slog.String("exercise_id", r.FormValue("exercise_id")),
		slog.String("language", r.FormValue("language")),
		slog.String("filename", header.Filename),
		slog.Int("audio_bytes", len(data)),
		slog.Int("sample_rate", decoded.SampleRate),
		slog.Bool("authorized", r.Header.Get("Authorization") != ""),
	)

	time.Sleep(h.delay)

	feedback := score(decoded)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(feedback)
}

// score derives feedback from the clip's duration and RMS level. Clips of
// two to six seconds at a comfortable speaking level score highest.
func score(decoded *audio.Decoded) *analysis.Feedback {
	seconds := 0.0
	if decoded.SampleRate > 0 {
		seconds = float64(len(decoded.Samples)) / float64(decoded.SampleRate)
	}

	var energy float64
	for _, s := range decoded.Samples {
		energy += float64(s) * float64(s)
	}
	levelDB := -100.0
	if len(decoded.Samples) > 0 && energy > 0 {
		levelDB = 10 * math.Log10(energy/float64(len(decoded.Samples)))
	}

	// -20 dBFS is ideal; every 2 dB away costs a point.
	pitch := clampScore(100 - math.Abs(levelDB+20)/2)
	fluency := clampScore(100 - 10*math.Max(0, math.Max(2-seconds, seconds-6)))
	pronunciation := clampScore((pitch + fluency) / 2)
	overall := math.Round((pronunciation+fluency+pitch)/3*10) / 10

	feedback := &analysis.Feedback{
		PronunciationScore: pronunciation,
		PitchScore:         pitch,
		FluencyScore:       fluency,
		ConfidenceScore:    0.9,
		OverallScore:       overall,
		Transcription:      "",
		Feedback:           fmt.Sprintf("%.1f seconds analyzed", seconds),
	}

	if levelDB < -35 {
		feedback.AreasToImprove = append(feedback.AreasToImprove, "Speak louder or move closer to the microphone")
		feedback.Suggestions = append(feedback.Suggestions, "Check the input volume in audio settings")
	} else {
		feedback.Strengths = append(feedback.Strengths, "Clear recording level")
	}
	if seconds < 2 {
		feedback.AreasToImprove = append(feedback.AreasToImprove, "Hold the sound a little longer")
	}

	return feedback
}

func clampScore(v float64) float64 {
	return math.Round(math.Max(0, math.Min(100, v))*10) / 10
}

func main() {
	addr := flag.String("addr", ":8081", "Listen address")
	path := flag.String("path", "/analyze", "Analysis endpoint path")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle(*path, &handler{logger: logger, delay: *delay})

	logger.Info("Mock analyzer starting",
		slog.String("addr", *addr),
		slog.String("endpoint", "http://localhost"+*addr+*path),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
