package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/server"
	"github.com/skypro1111/therapy-audio-service/internal/settings"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConstantWAV(t *testing.T, dir, name string, rate int, v float32) string {
	t.Helper()
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = v
	}
	wav, err := audio.EncodeWAV(audio.FloatTo16BitPCM(samples), rate, 1)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, wav, 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "therapyctl "+server.Version+"\n", out)
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	a := writeConstantWAV(t, dir, "a.wav", 48000, 0.25)
	b := writeConstantWAV(t, dir, "b.wav", 44100, 0.25)

	out, err := run(t, "convert", "--out", outDir, "--concurrency", "2", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "48000 Hz -> 16000 Hz, 16000 samples")
	assert.Contains(t, out, "44100 Hz -> 16000 Hz, 16000 samples")

	data, err := os.ReadFile(filepath.Join(outDir, "a_16000hz.wav"))
	require.NoError(t, err)
	decoded, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 16000, decoded.SampleRate)
	assert.Len(t, decoded.Samples, 16000)
	assert.InDelta(t, 0.25, decoded.Samples[100], 0.001)
}

func TestConvertPCMAtRate(t *testing.T) {
	dir := t.TempDir()
	in := writeConstantWAV(t, dir, "take.wav", 48000, 0.5)

	_, err := run(t, "convert", "--format", "pcm", "--rate", "8000", in)
	require.NoError(t, err)

	pcm, err := os.ReadFile(filepath.Join(dir, "take_8000hz.pcm"))
	require.NoError(t, err)
	require.Len(t, pcm, 16000)
	// 0.5 * 32767 rounds to 16384
	assert.Equal(t, []byte{0x00, 0x40}, pcm[:2])
}

func TestConvertErrors(t *testing.T) {
	dir := t.TempDir()
	in := writeConstantWAV(t, dir, "take.wav", 48000, 0.5)
	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("not a wav"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no files", []string{"convert"}, "requires at least 1 arg"},
		{"bad format", []string{"convert", "--format", "mp3", in}, "unsupported format"},
		{"bad method", []string{"convert", "--method", "cubic", in}, "cubic"},
		{"undecodable", []string{"convert", in, bad}, "1 of 2 files failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSettingsSetGet(t *testing.T) {
	db := filepath.Join(t.TempDir(), "therapy.db")

	out, err := run(t, "settings", "set", "--db", db, "--user", "u1", "audio", `{"sample_rate": 44100}`)
	require.NoError(t, err)
	var audioSettings settings.AudioSettings
	require.NoError(t, json.Unmarshal([]byte(out), &audioSettings))
	assert.Equal(t, 44100, audioSettings.SampleRate)
	assert.Equal(t, 75, audioSettings.InputVolume)

	out, err = run(t, "settings", "get", "--db", db, "--user", "u1")
	require.NoError(t, err)
	var all settings.Settings
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, 44100, all.Audio.SampleRate)
	assert.Equal(t, "ta", all.Language.TherapyLanguage)

	_, err = run(t, "settings", "set", "--db", db, "--user", "u1", "audio", `{"sample_rate": 12345}`)
	assert.ErrorIs(t, err, settings.ErrInvalid)

	_, err = run(t, "settings", "get", "--db", db, "--user", "u1", "theme")
	assert.ErrorIs(t, err, settings.ErrUnknownDomain)

	_, err = run(t, "settings", "get", "--db", db)
	assert.Error(t, err)
}

func TestAnalyzeSaveHistoryProgress(t *testing.T) {
	var gotExercise string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotExercise = r.FormValue("exercise_id")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(analysis.Feedback{
			PronunciationScore: 90,
			FluencyScore:       80,
			PitchScore:         70,
			OverallScore:       80,
		})
	}))
	defer backend.Close()

	dir := t.TempDir()
	db := filepath.Join(dir, "therapy.db")
	in := writeConstantWAV(t, dir, "take.wav", 48000, 0.25)

	out, err := run(t, "history", "--db", db, "--user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "No recordings found.\n", out)

	out, err = run(t, "analyze", "--endpoint", backend.URL, "--save", "--db", db,
		"--user", "u1", "--exercise", "vowel-a", "--language", "ta", in)
	require.NoError(t, err)
	assert.Equal(t, "vowel-a", gotExercise)

	var outcome struct {
		Recording storage.Recording `json:"recording"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, 16000, outcome.Recording.TargetRate)
	assert.Equal(t, 16000, outcome.Recording.SamplesOut)
	require.NotNil(t, outcome.Recording.Feedback)
	assert.Equal(t, float64(90), outcome.Recording.Feedback.PronunciationScore)

	out, err = run(t, "history", "--db", db, "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, outcome.Recording.ID)
	assert.Contains(t, out, "vowel-a")
	assert.Contains(t, out, "80.0")

	out, err = run(t, "progress", "--db", db, "--user", "u1")
	require.NoError(t, err)
	var progress storage.Progress
	require.NoError(t, json.Unmarshal([]byte(out), &progress))
	assert.Equal(t, 1, progress.Sessions)
	assert.Equal(t, 1, progress.AnalyzedSessions)
	assert.Equal(t, float64(90), progress.AvgPronunciation)

	out, err = run(t, "progress", "--weekly", "--db", db, "--user", "u1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, []string{"DATE", "ACCURACY", "EXERCISES", "MINUTES"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{time.Now().UTC().Format(time.DateOnly), "80.0", "1", "0.0"}, strings.Fields(lines[7]))
	assert.Equal(t, []string{time.Now().UTC().AddDate(0, 0, -1).Format(time.DateOnly), "0.0", "0", "0.0"},
		strings.Fields(lines[6]))
}

func TestAnalyzeRequiresEndpointAndUser(t *testing.T) {
	in := writeConstantWAV(t, t.TempDir(), "take.wav", 16000, 0.25)
	t.Setenv("THERAPY_ANALYSIS_ENDPOINT", "")

	_, err := run(t, "analyze", in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--endpoint is required")

	_, err = run(t, "analyze", "--endpoint", "http://127.0.0.1:1/analyze", "--save", in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user is required")
}
