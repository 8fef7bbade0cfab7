package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "therapy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetRecording(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rec := &Recording{
		ID:         "rec-1",
		UserID:     "user-1",
		ExerciseID: "tamil-vowels-01",
		Language:   "ta",
		CreatedAt:  created,
		Duration:   1500 * time.Millisecond,
		SourceRate: 48000,
		TargetRate: 16000,
		SamplesIn:  72000,
		SamplesOut: 24000,
		Feedback: &analysis.Feedback{
			PronunciationScore:    82,
			FluencyScore:          70,
			PitchScore:            65,
			OverallScore:          74,
			MispronouncedPhonemes: []string{"zh"},
		},
	}
	require.NoError(t, store.SaveRecording(ctx, rec))

	got, err := store.GetRecording(ctx, "user-1", "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "tamil-vowels-01", got.ExerciseID)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, 24000, got.SamplesOut)
	require.NotNil(t, got.Feedback)
	assert.Equal(t, []string{"zh"}, got.Feedback.MispronouncedPhonemes)

	// Another user's recording is not visible.
	_, err = store.GetRecording(ctx, "user-2", "rec-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetRecording(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRecordingValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveRecording(ctx, &Recording{UserID: "u"}))
	assert.Error(t, store.SaveRecording(ctx, &Recording{ID: "r"}))

	rec := &Recording{ID: "r", UserID: "u"}
	require.NoError(t, store.SaveRecording(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := store.GetRecording(ctx, "u", "r")
	require.NoError(t, err)
	assert.Nil(t, got.Feedback)
}

func TestListRecordings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRecording(ctx, &Recording{
			ID:        id,
			UserID:    "user-1",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, store.SaveRecording(ctx, &Recording{ID: "other", UserID: "user-2", CreatedAt: base}))

	all, err := store.ListRecordings(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	limited, err := store.ListRecordings(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := store.ListRecordings(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProgressStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	recs := []*Recording{
		{ID: "1", CreatedAt: now.AddDate(0, 0, -2), Duration: 2 * time.Second,
			Feedback: &analysis.Feedback{PronunciationScore: 60, FluencyScore: 50, PitchScore: 40, OverallScore: 50}},
		{ID: "2", CreatedAt: now.AddDate(0, 0, -1), Duration: 3 * time.Second,
			Feedback: &analysis.Feedback{PronunciationScore: 80, FluencyScore: 70, PitchScore: 60, OverallScore: 90}},
		{ID: "3", CreatedAt: now.Add(-time.Hour), Duration: time.Second},
	}
	for _, r := range recs {
		r.UserID = "user-1"
		require.NoError(t, store.SaveRecording(ctx, r))
	}

	progress, err := store.ProgressStats(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 3, progress.Sessions)
	assert.Equal(t, 2, progress.AnalyzedSessions)
	assert.InDelta(t, 6.0, progress.TotalPracticeSeconds, 1e-9)
	assert.InDelta(t, 70.0, progress.AvgPronunciation, 1e-9)
	assert.InDelta(t, 60.0, progress.AvgFluency, 1e-9)
	assert.InDelta(t, 50.0, progress.AvgPitch, 1e-9)
	assert.InDelta(t, 70.0, progress.AvgOverall, 1e-9)
	assert.InDelta(t, 90.0, progress.BestScore, 1e-9)
	assert.Equal(t, 3, progress.CurrentStreak)
	require.NotNil(t, progress.LastSession)
	assert.True(t, now.Add(-time.Hour).Equal(*progress.LastSession))
}

func TestProgressStatsEmpty(t *testing.T) {
	store := newTestStore(t)

	progress, err := store.ProgressStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Sessions)
	assert.Equal(t, 0, progress.CurrentStreak)
	assert.Nil(t, progress.LastSession)
}

func TestStreak(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		days     []string
		expected int
	}{
		{"no practice", nil, 0},
		{"today only", []string{"2026-05-10"}, 1},
		{"ending yesterday", []string{"2026-05-09", "2026-05-08"}, 2},
		{"broken", []string{"2026-05-10", "2026-05-08"}, 1},
		{"stale", []string{"2026-05-07", "2026-05-06"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, streak(tt.days, now))
		})
	}
}

func TestSettingsDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSettings(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutSettings(ctx, "user-1", []byte(`{"audio":{"inputVolume":60}}`)))
	require.NoError(t, store.PutSettings(ctx, "user-1", []byte(`{"audio":{"inputVolume":90}}`)))

	doc, err := store.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"audio":{"inputVolume":90}}`, string(doc))
}

func TestWeeklyProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)
	recs := []*Recording{
		// outside the window
		{ID: "old", CreatedAt: now.AddDate(0, 0, -7), Duration: time.Minute,
			Feedback: &analysis.Feedback{OverallScore: 10}},
		{ID: "a", CreatedAt: now.AddDate(0, 0, -6).Add(-17 * time.Hour), Duration: 30 * time.Second,
			Feedback: &analysis.Feedback{OverallScore: 60}},
		{ID: "b", CreatedAt: now.AddDate(0, 0, -2), Duration: 90 * time.Second,
			Feedback: &analysis.Feedback{OverallScore: 70}},
		{ID: "c", CreatedAt: now.AddDate(0, 0, -2).Add(time.Hour), Duration: 30 * time.Second,
			Feedback: &analysis.Feedback{OverallScore: 90}},
		{ID: "d", CreatedAt: now.Add(-time.Hour), Duration: 60 * time.Second},
	}
	for _, r := range recs {
		r.UserID = "user-1"
		require.NoError(t, store.SaveRecording(ctx, r))
	}
	require.NoError(t, store.SaveRecording(ctx, &Recording{ID: "other", UserID: "user-2", CreatedAt: now}))

	week, err := store.WeeklyProgress(ctx, "user-1", now)
	require.NoError(t, err)
	require.Len(t, week, 7)

	assert.Equal(t, "2026-05-04", week[0].Date)
	assert.Equal(t, "2026-05-10", week[6].Date)

	assert.Equal(t, 1, week[0].Exercises)
	assert.InDelta(t, 60.0, week[0].AvgAccuracy, 1e-9)
	assert.InDelta(t, 0.5, week[0].PracticeMinutes, 1e-9)

	assert.Equal(t, DayProgress{Date: "2026-05-05"}, week[1])

	assert.Equal(t, 2, week[4].Exercises)
	assert.InDelta(t, 80.0, week[4].AvgAccuracy, 1e-9)
	assert.InDelta(t, 2.0, week[4].PracticeMinutes, 1e-9)

	assert.Equal(t, 1, week[6].Exercises)
	assert.Zero(t, week[6].AvgAccuracy)
	assert.InDelta(t, 1.0, week[6].PracticeMinutes, 1e-9)
}

func TestWeeklyProgressEmpty(t *testing.T) {
	store := newTestStore(t)

	week, err := store.WeeklyProgress(context.Background(), "nobody", time.Date(2026, 1, 2, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, week, 7)
	assert.Equal(t, "2025-12-27", week[0].Date)
	assert.Equal(t, "2026-01-02", week[6].Date)
	for _, day := range week {
		assert.Zero(t, day.Exercises)
		assert.Zero(t, day.PracticeMinutes)
	}
}
