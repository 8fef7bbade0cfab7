package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store is the persistence used by the service
type Store interface {
	SaveRecording(ctx context.Context, rec *Recording) error
	GetRecording(ctx context.Context, userID, id string) (*Recording, error)
	ListRecordings(ctx context.Context, userID string, limit int) ([]*Recording, error)
	ProgressStats(ctx context.Context, userID string) (*Progress, error)
	WeeklyProgress(ctx context.Context, userID string, now time.Time) ([]DayProgress, error)
	GetSettings(ctx context.Context, userID string) ([]byte, error)
	PutSettings(ctx context.Context, userID string, doc []byte) error
	Close() error
}

// Recording is one processed practice attempt
type Recording struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	ExerciseID string             `json:"exercise_id,omitempty"`
	Language   string             `json:"language,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	Duration   time.Duration      `json:"duration"`
	SourceRate int                `json:"source_rate"`
	TargetRate int                `json:"target_rate"`
	SamplesIn  int                `json:"samples_in"`
	SamplesOut int                `json:"samples_out"`
	Feedback   *analysis.Feedback `json:"feedback,omitempty"`
}

// Progress summarizes a user's practice history
type Progress struct {
	UserID               string     `json:"user_id"`
	Sessions             int        `json:"sessions"`
	AnalyzedSessions     int        `json:"analyzed_sessions"`
	TotalPracticeSeconds float64    `json:"total_practice_seconds"`
	AvgPronunciation     float64    `json:"avg_pronunciation_score"`
	AvgFluency           float64    `json:"avg_fluency_score"`
	AvgPitch             float64    `json:"avg_pitch_score"`
	AvgOverall           float64    `json:"avg_overall_score"`
	BestScore            float64    `json:"best_score"`
	LastSession          *time.Time `json:"last_session,omitempty"`
	CurrentStreak        int        `json:"current_streak_days"`
}

// DayProgress is one UTC day of practice
type DayProgress struct {
	Date            string  `json:"date" db:"day"`
	AvgAccuracy     float64 `json:"avg_accuracy" db:"avg_accuracy"`
	Exercises       int     `json:"exercises" db:"exercises"`
	PracticeMinutes float64 `json:"practice_minutes" db:"practice_minutes"`
}

// weekDays is the length of the WeeklyProgress window
const weekDays = 7

// recordingRow is the table layout of a Recording
type recordingRow struct {
	ID                 string          `db:"id"`
	UserID             string          `db:"user_id"`
	ExerciseID         string          `db:"exercise_id"`
	Language           string          `db:"language"`
	CreatedAtMs        int64           `db:"created_at_ms"`
	DurationSeconds    float64         `db:"duration_seconds"`
	SourceRate         int             `db:"source_rate"`
	TargetRate         int             `db:"target_rate"`
	SamplesIn          int             `db:"samples_in"`
	SamplesOut         int             `db:"samples_out"`
	PronunciationScore sql.NullFloat64 `db:"pronunciation_score"`
	FluencyScore       sql.NullFloat64 `db:"fluency_score"`
	PitchScore         sql.NullFloat64 `db:"pitch_score"`
	OverallScore       sql.NullFloat64 `db:"overall_score"`
	FeedbackJSON       sql.NullString  `db:"feedback_json"`
}

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dataSourceName
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// createTables creates the required tables if they don't exist
func createTables(db *sqlx.DB) error {
	createRecordingsTable := `
    CREATE TABLE IF NOT EXISTS recordings (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        exercise_id TEXT NOT NULL DEFAULT '',
        language TEXT NOT NULL DEFAULT '',
        created_at_ms INTEGER NOT NULL,
        duration_seconds REAL NOT NULL,
        source_rate INTEGER NOT NULL,
        target_rate INTEGER NOT NULL,
        samples_in INTEGER NOT NULL,
        samples_out INTEGER NOT NULL,
        pronunciation_score REAL,
        fluency_score REAL,
        pitch_score REAL,
        overall_score REAL,
        feedback_json TEXT
    );
    `

	createRecordingsIndex := `
    CREATE INDEX IF NOT EXISTS recordings_user_created
        ON recordings (user_id, created_at_ms DESC);
    `

	createSettingsTable := `
    CREATE TABLE IF NOT EXISTS settings (
        user_id TEXT PRIMARY KEY,
        document TEXT NOT NULL,
        updated_at_ms INTEGER NOT NULL
    );
    `

	if _, err := db.Exec(createRecordingsTable); err != nil {
		return fmt.Errorf("error creating recordings table: %w", err)
	}

	if _, err := db.Exec(createRecordingsIndex); err != nil {
		return fmt.Errorf("error creating recordings index: %w", err)
	}

	if _, err := db.Exec(createSettingsTable); err != nil {
		return fmt.Errorf("error creating settings table: %w", err)
	}

	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRecording inserts or replaces rec. A zero CreatedAt is set to now.
func (s *SQLiteStore) SaveRecording(ctx context.Context, rec *Recording) error {
	if rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("recording id and user id are required")
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	row := recordingRow{
		ID:              rec.ID,
		UserID:          rec.UserID,
		ExerciseID:      rec.ExerciseID,
		Language:        rec.Language,
		CreatedAtMs:     rec.CreatedAt.UnixMilli(),
		DurationSeconds: rec.Duration.Seconds(),
		SourceRate:      rec.SourceRate,
		TargetRate:      rec.TargetRate,
		SamplesIn:       rec.SamplesIn,
		SamplesOut:      rec.SamplesOut,
	}

	if f := rec.Feedback; f != nil {
		doc, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode feedback: %w", err)
		}
		row.FeedbackJSON = sql.NullString{String: string(doc), Valid: true}
		row.PronunciationScore = sql.NullFloat64{Float64: f.PronunciationScore, Valid: true}
		row.FluencyScore = sql.NullFloat64{Float64: f.FluencyScore, Valid: true}
		row.PitchScore = sql.NullFloat64{Float64: f.PitchScore, Valid: true}
		row.OverallScore = sql.NullFloat64{Float64: f.OverallScore, Valid: true}
	}

	query := `INSERT OR REPLACE INTO recordings (
        id, user_id, exercise_id, language, created_at_ms, duration_seconds,
        source_rate, target_rate, samples_in, samples_out,
        pronunciation_score, fluency_score, pitch_score, overall_score, feedback_json
    ) VALUES (
        :id, :user_id, :exercise_id, :language, :created_at_ms, :duration_seconds,
        :source_rate, :target_rate, :samples_in, :samples_out,
        :pronunciation_score, :fluency_score, :pitch_score, :overall_score, :feedback_json
    )`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("error saving recording: %w", err)
	}
	return nil
}

const recordingColumns = `id, user_id, exercise_id, language, created_at_ms, duration_seconds,
    source_rate, target_rate, samples_in, samples_out,
    pronunciation_score, fluency_score, pitch_score, overall_score, feedback_json`

// GetRecording returns one of userID's recordings
func (s *SQLiteStore) GetRecording(ctx context.Context, userID, id string) (*Recording, error) {
	var row recordingRow
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = ? AND user_id = ?`
	if err := s.db.GetContext(ctx, &row, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve recording: %w", err)
	}
	return row.toRecording()
}

// ListRecordings returns userID's most recent recordings, newest first.
// A non-positive limit returns all of them.
func (s *SQLiteStore) ListRecordings(ctx context.Context, userID string, limit int) ([]*Recording, error) {
	if limit <= 0 {
		limit = -1
	}

	var rows []recordingRow
	query := `SELECT ` + recordingColumns + ` FROM recordings
        WHERE user_id = ? ORDER BY created_at_ms DESC, id LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, fmt.Errorf("error querying recordings: %w", err)
	}

	recordings := make([]*Recording, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecording()
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, rec)
	}
	return recordings, nil
}

func (r *recordingRow) toRecording() (*Recording, error) {
	rec := &Recording{
		ID:         r.ID,
		UserID:     r.UserID,
		ExerciseID: r.ExerciseID,
		Language:   r.Language,
		CreatedAt:  time.UnixMilli(r.CreatedAtMs),
		Duration:   time.Duration(r.DurationSeconds * float64(time.Second)),
		SourceRate: r.SourceRate,
		TargetRate: r.TargetRate,
		SamplesIn:  r.SamplesIn,
		SamplesOut: r.SamplesOut,
	}

	if r.FeedbackJSON.Valid {
		var f analysis.Feedback
		if err := json.Unmarshal([]byte(r.FeedbackJSON.String), &f); err != nil {
			return nil, fmt.Errorf("recording %s: corrupt feedback: %w", r.ID, err)
		}
		rec.Feedback = &f
	}

	return rec, nil
}

// ProgressStats aggregates userID's practice history
func (s *SQLiteStore) ProgressStats(ctx context.Context, userID string) (*Progress, error) {
	var agg struct {
		Sessions         int           `db:"sessions"`
		Analyzed         int           `db:"analyzed"`
		TotalSeconds     float64       `db:"total_seconds"`
		AvgPronunciation float64       `db:"avg_pronunciation"`
		AvgFluency       float64       `db:"avg_fluency"`
		AvgPitch         float64       `db:"avg_pitch"`
		AvgOverall       float64       `db:"avg_overall"`
		Best             float64       `db:"best"`
		LastMs           sql.NullInt64 `db:"last_ms"`
	}

	query := `SELECT
        COUNT(*) AS sessions,
        COUNT(feedback_json) AS analyzed,
        COALESCE(SUM(duration_seconds), 0) AS total_seconds,
        COALESCE(AVG(pronunciation_score), 0) AS avg_pronunciation,
        COALESCE(AVG(fluency_score), 0) AS avg_fluency,
        COALESCE(AVG(pitch_score), 0) AS avg_pitch,
        COALESCE(AVG(overall_score), 0) AS avg_overall,
        COALESCE(MAX(COALESCE(NULLIF(overall_score, 0), pronunciation_score)), 0) AS best,
        MAX(created_at_ms) AS last_ms
    FROM recordings WHERE user_id = ?`

	if err := s.db.GetContext(ctx, &agg, query, userID); err != nil {
		return nil, fmt.Errorf("error aggregating progress: %w", err)
	}

	progress := &Progress{
		UserID:               userID,
		Sessions:             agg.Sessions,
		AnalyzedSessions:     agg.Analyzed,
		TotalPracticeSeconds: agg.TotalSeconds,
		AvgPronunciation:     agg.AvgPronunciation,
		AvgFluency:           agg.AvgFluency,
		AvgPitch:             agg.AvgPitch,
		AvgOverall:           agg.AvgOverall,
		BestScore:            agg.Best,
	}

	if agg.LastMs.Valid {
		last := time.UnixMilli(agg.LastMs.Int64)
		progress.LastSession = &last
	}

	var days []string
	daysQuery := `SELECT DISTINCT date(created_at_ms / 1000, 'unixepoch') AS day
        FROM recordings WHERE user_id = ? ORDER BY day DESC`
	if err := s.db.SelectContext(ctx, &days, daysQuery, userID); err != nil {
		return nil, fmt.Errorf("error querying practice days: %w", err)
	}
	progress.CurrentStreak = streak(days, s.now().UTC())

	return progress, nil
}

// WeeklyProgress returns the seven UTC days ending on now's day, oldest
// first. Days without recordings are zero. Accuracy averages the overall
// score of analyzed recordings.
func (s *SQLiteStore) WeeklyProgress(ctx context.Context, userID string, now time.Time) ([]DayProgress, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(weekDays - 1))
	end := today.AddDate(0, 0, 1)

	query := `SELECT
        date(created_at_ms / 1000, 'unixepoch') AS day,
        COALESCE(AVG(overall_score), 0) AS avg_accuracy,
        COUNT(*) AS exercises,
        COALESCE(SUM(duration_seconds), 0) / 60.0 AS practice_minutes
    FROM recordings
    WHERE user_id = ? AND created_at_ms >= ? AND created_at_ms < ?
    GROUP BY day`

	var rows []DayProgress
	if err := s.db.SelectContext(ctx, &rows, query, userID, start.UnixMilli(), end.UnixMilli()); err != nil {
		return nil, fmt.Errorf("error querying weekly progress: %w", err)
	}

	byDay := make(map[string]DayProgress, len(rows))
	for _, r := range rows {
		byDay[r.Date] = r
	}

	week := make([]DayProgress, weekDays)
	for i := range week {
		day := start.AddDate(0, 0, i).Format(time.DateOnly)
		week[i] = byDay[day]
		week[i].Date = day
	}
	return week, nil
}

// streak counts consecutive practice days ending today or yesterday.
// days are YYYY-MM-DD in UTC, newest first.
func streak(days []string, now time.Time) int {
	if len(days) == 0 {
		return 0
	}

	expected := now.Truncate(24 * time.Hour)
	first, err := time.Parse(time.DateOnly, days[0])
	if err != nil {
		return 0
	}
	if expected.Sub(first) > 24*time.Hour {
		return 0
	}
	expected = first

	count := 0
	for _, d := range days {
		day, err := time.Parse(time.DateOnly, d)
		if err != nil || !day.Equal(expected) {
			break
		}
		count++
		expected = expected.AddDate(0, 0, -1)
	}
	return count
}

// GetSettings returns the stored settings document for userID
func (s *SQLiteStore) GetSettings(ctx context.Context, userID string) ([]byte, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM settings WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("settings for %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve settings: %w", err)
	}
	return []byte(doc), nil
}

// PutSettings stores the settings document for userID
func (s *SQLiteStore) PutSettings(ctx context.Context, userID string, doc []byte) error {
	query := `INSERT INTO settings (user_id, document, updated_at_ms) VALUES (?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET document = excluded.document, updated_at_ms = excluded.updated_at_ms`
	if _, err := s.db.ExecContext(ctx, query, userID, string(doc), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("error saving settings: %w", err)
	}
	return nil
}
