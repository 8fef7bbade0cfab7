package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skypro1111/therapy-audio-service/internal/audio"
	"github.com/skypro1111/therapy-audio-service/internal/config"
	"github.com/skypro1111/therapy-audio-service/internal/pipeline"
	"github.com/skypro1111/therapy-audio-service/internal/vad"
)

const (
	formatWAV = "wav"
	formatPCM = "pcm"
)

// processorOptions override the audio section of the configuration
type processorOptions struct {
	rate   int
	method string
}

func (p *processorOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.rate, "rate", 0, "Target sample rate in Hz (default from config)")
	cmd.Flags().StringVar(&p.method, "method", "", "Resampling method: average or soxr (default from config)")
}

// newProcessor builds the conversion pipeline the service would use, with
// the command-line overrides applied
func newProcessor(cfg *config.Config, p processorOptions, logger *slog.Logger) (*pipeline.Processor, error) {
	detector, err := vad.NewProcessor(vad.Config{
		Threshold: cfg.VAD.Threshold,
		Window:    cfg.VAD.GetWindow(),
		Smoothing: cfg.VAD.Smoothing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	pc := pipeline.Config{
		TargetRate:    cfg.Audio.TargetRate,
		Method:        audio.Method(cfg.Audio.Method),
		RequireSpeech: cfg.Audio.RequireSpeech,
		TrimSilence:   cfg.Audio.TrimSilence,
		TrimPadding:   cfg.Audio.GetTrimPadding(),
		MaxDuration:   cfg.Audio.GetMaxDuration(),
	}
	if p.rate != 0 {
		pc.TargetRate = p.rate
	}
	if p.method != "" {
		method, err := audio.ParseMethod(p.method)
		if err != nil {
			return nil, err
		}
		pc.Method = method
	}

	return pipeline.NewProcessor(pc, detector, logger, nil)
}

// outputPath maps input.wav to <dir>/input_<rate>hz.<format>
func outputPath(input, dir, format string, rate int) string {
	if dir == "" {
		dir = filepath.Dir(input)
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, fmt.Sprintf("%s_%dhz.%s", base, rate, format))
}

func newConvertCmd(root *rootOptions) *cobra.Command {
	var (
		proc        processorOptions
		format      string
		outDir      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "convert <file.wav>...",
		Short: "Convert WAV recordings to 16-bit PCM at the target rate",
		Long: `Convert one or more WAV recordings to mono 16-bit PCM at the target
sample rate. Each input is written next to the original (or into --out) as
<name>_<rate>hz.wav or, with --format pcm, as raw little-endian samples.

Example:
  therapyctl convert --rate 16000 --concurrency 4 --out converted/ takes/*.wav`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatWAV && format != formatPCM {
				return fmt.Errorf("unsupported format %q (want %s or %s)", format, formatWAV, formatPCM)
			}

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.logger()

			processor, err := newProcessor(cfg, proc, logger)
			if err != nil {
				return err
			}

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
			}

			results, err := processor.ProcessBatch(cmd.Context(), args, concurrency)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %v\n", r.Err)
					continue
				}

				data := r.Result.WAV
				if format == formatPCM {
					data = r.Result.PCM
				}
				target := outputPath(r.Path, outDir, format, r.Result.TargetRate)
				if err := os.WriteFile(target, data, 0644); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", r.Path, err)
					continue
				}

				fmt.Fprintf(out, "%s -> %s (%d Hz -> %d Hz, %d samples, %.2fs)\n",
					r.Path, target, r.Result.SourceRate, r.Result.TargetRate,
					r.Result.SamplesOut, r.Result.Duration.Seconds())
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(results))
			}
			return nil
		},
	}

	proc.register(cmd)
	cmd.Flags().StringVar(&format, "format", formatWAV, "Output format: wav or pcm")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default next to each input)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Files converted in parallel")

	return cmd
}
