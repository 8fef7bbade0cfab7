package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/therapy-audio-service/internal/analysis"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/server"
	"github.com/skypro1111/therapy-audio-service/internal/session"
	"github.com/skypro1111/therapy-audio-service/internal/settings"
)

func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	var (
		proc     processorOptions
		endpoint string
		token    string
		meta     session.Meta
		save     bool
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "analyze <file.wav>",
		Short: "Convert a recording and upload it for analysis",
		Long: `Convert a WAV recording the way the service does and upload it to the
analysis backend. The feedback is printed as JSON.

With --save the recording and its feedback are stored for --user, and the
user's preferred sample rate from their audio settings is used.

Example:
  therapyctl analyze --endpoint http://localhost:8081/analyze --exercise vowel-a take1.wav
  therapyctl analyze --save --user u1 --db therapy.db take1.wav`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.logger()

			if endpoint == "" {
				endpoint = cfg.Analysis.Endpoint
			}
			if endpoint == "" {
				return fmt.Errorf("--endpoint is required when no analysis endpoint is configured")
			}
			if save && meta.UserID == "" {
				return fmt.Errorf("--user is required with --save")
			}

			processor, err := newProcessor(cfg, proc, logger.With(slog.String("component", "pipeline")))
			if err != nil {
				return err
			}

			analyzer, err := analysis.NewClient(analysis.Config{
				Endpoint:      endpoint,
				APIKey:        cfg.Analysis.APIKey,
				Timeout:       cfg.Analysis.GetTimeoutDuration(),
				MaxRetries:    cfg.Analysis.MaxRetries,
				MaxConcurrent: 1,
				RetryBackoff:  cfg.Analysis.GetRetryBackoff(),
				UserAgent:     "therapyctl/" + server.Version,
			}, logger.With(slog.String("component", "analysis")), nil)
			if err != nil {
				return err
			}
			defer analyzer.Close()

			deps := session.Deps{
				Pipeline: processor,
				Analyzer: analyzer,
				Logger:   logger.With(slog.String("component", "session")),
			}
			if save {
				if dbPath == "" {
					dbPath = cfg.Storage.DBPath
				}
				store, err := openStore(dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				deps.Store = store
				deps.Rates = settings.NewService(store, nil)
			}

			manager, err := session.NewManager(session.Config{
				MaxDuration:    cfg.Audio.GetMaxDuration(),
				AnalyzeTimeout: cfg.Analysis.GetTimeoutDuration() * time.Duration(cfg.Analysis.MaxRetries+1),
			}, deps)
			if err != nil {
				return err
			}
			defer manager.Stop()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			clip, err := pipeline.ClipFromWAV(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			meta.Token = token
			meta.Analyze = true
			outcome, err := manager.Complete(cmd.Context(), meta, clip)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcome); err != nil {
				return err
			}

			if outcome.AnalysisError != "" {
				return fmt.Errorf("analysis failed: %s", outcome.AnalysisError)
			}
			return nil
		},
	}

	proc.register(cmd)
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Analysis endpoint URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token forwarded to the analysis backend")
	cmd.Flags().StringVar(&meta.UserID, "user", "", "User the recording belongs to")
	cmd.Flags().StringVar(&meta.ExerciseID, "exercise", "", "Exercise identifier")
	cmd.Flags().StringVar(&meta.Language, "language", "", "Therapy language code")
	cmd.Flags().BoolVar(&save, "save", false, "Store the recording and feedback in the database")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from config)")

	return cmd
}
