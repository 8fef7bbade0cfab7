package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/therapy-audio-service/internal/settings"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

// storeOptions select the database and user a command reads
type storeOptions struct {
	root   *rootOptions
	dbPath string
	userID string
}

func (s *storeOptions) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&s.dbPath, "db", "", "SQLite database path (default from config)")
	cmd.PersistentFlags().StringVar(&s.userID, "user", "", "User ID")
	cmd.MarkPersistentFlagRequired("user")
}

func (s *storeOptions) open() (*storage.SQLiteStore, error) {
	path := s.dbPath
	if path == "" {
		cfg, err := s.root.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Storage.DBPath
	}
	return openStore(path)
}

func openStore(path string) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return store, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &storeOptions{root: root}
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's recent recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			recordings, err := store.ListRecordings(cmd.Context(), opts.userID, limit)
			if err != nil {
				return err
			}

			if asJSON {
				return writeIndented(cmd.OutOrStdout(), recordings)
			}
			if len(recordings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recordings found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tEXERCISE\tLANG\tDURATION\tRATE\tSCORE")
			for _, rec := range recordings {
				score := "-"
				if rec.Feedback != nil {
					score = fmt.Sprintf("%.1f", rec.Feedback.OverallScore)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fs\t%d\t%s\n",
					rec.ID, rec.CreatedAt.Local().Format(time.DateTime), dash(rec.ExerciseID),
					dash(rec.Language), rec.Duration.Seconds(), rec.TargetRate, score)
			}
			return w.Flush()
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of recordings")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newProgressCmd(root *rootOptions) *cobra.Command {
	opts := &storeOptions{root: root}
	var weekly bool

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show a user's practice statistics",
		Long: `Show a user's practice statistics as JSON.

With --weekly the last seven days are printed as a table of average
accuracy, exercise count and practice minutes per day.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if weekly {
				days, err := store.WeeklyProgress(cmd.Context(), opts.userID, time.Now())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DATE\tACCURACY\tEXERCISES\tMINUTES")
				for _, d := range days {
					fmt.Fprintf(w, "%s\t%.1f\t%d\t%.1f\n", d.Date, d.AvgAccuracy, d.Exercises, d.PracticeMinutes)
				}
				return w.Flush()
			}

			progress, err := store.ProgressStats(cmd.Context(), opts.userID)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), progress)
		},
	}

	opts.register(cmd)
	cmd.Flags().BoolVar(&weekly, "weekly", false, "Show the last seven days")
	return cmd
}

func newSettingsCmd(root *rootOptions) *cobra.Command {
	opts := &storeOptions{root: root}

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change a user's settings",
		Long: `Read and change a user's settings.

Settings are grouped into the domains audio, language, privacy,
notifications and appearance. Users without stored settings get the
defaults.`,
	}
	opts.register(cmd)

	getCmd := &cobra.Command{
		Use:   "get [domain]",
		Short: "Print all settings or one domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			current, err := settings.NewService(store, nil).Get(cmd.Context(), opts.userID)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return writeIndented(cmd.OutOrStdout(), current)
			}

			domain, err := current.Domain(args[0])
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), domain)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <domain> [json]",
		Short: "Merge a JSON object into one domain",
		Long: `Merge a JSON object into one settings domain. Fields that are not given
keep their current value. The JSON is read from stdin when it is not passed
as an argument.

Example:
  therapyctl settings set --user u1 audio '{"sample_rate": 44100}'
  echo '{"dark_mode": true}' | therapyctl settings set --user u1 appearance`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read settings from stdin: %w", err)
				}
				raw = data
			}

			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			updated, err := settings.NewService(store, nil).Update(cmd.Context(), opts.userID, args[0], raw)
			if err != nil {
				return err
			}

			domain, err := updated.Domain(args[0])
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), domain)
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
