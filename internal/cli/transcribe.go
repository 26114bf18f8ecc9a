package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/galak06/ivrit-transcribe/internal/config"
	"github.com/galak06/ivrit-transcribe/internal/interrupt"
	"github.com/galak06/ivrit-transcribe/internal/output"
	"github.com/galak06/ivrit-transcribe/internal/run"
)

// supportedFormats lists the audio container extensions this pipeline's
// FFmpeg-backed Loader and Slicer can probe and extract from.
var supportedFormats = map[string]bool{
	".ogg":  true,
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".mp4":  true,
	".mpeg": true,
	".mpga": true,
	".webm": true,
}

// supportedFormatsList returns a sorted, comma-separated list for error
// messages, sorted for deterministic output in tests.
func supportedFormatsList() string {
	formats := make([]string, 0, len(supportedFormats))
	for ext := range supportedFormats {
		formats = append(formats, strings.TrimPrefix(ext, "."))
	}
	slices.Sort(formats)
	return strings.Join(formats, ", ")
}

// TranscribeCmd creates the `transcribe` command.
func TranscribeCmd(env *Env) *cobra.Command {
	var (
		model       string
		engineID    string
		language    string
		chunkSec    float64
		overlapSec  float64
		workers     int
		runDir      string
		speaker     string
		retainAll   bool
		outputFmts  []string
	)

	cmd := &cobra.Command{
		Use:   "transcribe <input>",
		Short: "Transcribe a long-form audio file",
		Long: `Transcribe a long-form audio file into JSON, TXT, and (optionally) DOCX.

The source is split into overlapping chunks, scheduled across a bounded
worker pool with per-chunk retry, and merged into a deduplicated timeline
before final output assembly.`,
		Example: `  ivrit-transcribe transcribe session.wav
  ivrit-transcribe transcribe lecture.mp3 --language he --workers 8
  ivrit-transcribe transcribe call.wav --engine remote --speaker default`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscribe(cmd, env, args[0], transcribeFlags{
				model: model, engineID: engineID, language: language,
				chunkSec: chunkSec, overlapSec: overlapSec, workers: workers,
				runDir: runDir, speaker: speaker, retainAll: retainAll, outputFmts: outputFmts,
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model id (default: from config)")
	cmd.Flags().StringVar(&engineID, "engine", "", "Engine id: local, remote (default: from config)")
	cmd.Flags().StringVar(&language, "language", "", "Audio language (ISO 639-1 code, e.g., he, en)")
	cmd.Flags().Float64Var(&chunkSec, "chunk-sec", 0, "Chunk duration in seconds (default: from config)")
	cmd.Flags().Float64Var(&overlapSec, "overlap-sec", -1, "Chunk overlap in seconds (default: from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Max concurrent chunk workers (default: from config)")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory root under which <runId> is created (default: from config)")
	cmd.Flags().StringVar(&speaker, "speaker", "", "Speaker attribution preset; enables speaker.enabled when set")
	cmd.Flags().BoolVar(&retainAll, "retain-chunks", false, "Force-keep chunk files even on full success")
	cmd.Flags().StringSliceVar(&outputFmts, "formats", nil, "Output formats: json, txt, docx (default: from config)")

	return cmd
}

type transcribeFlags struct {
	model, engineID, language string
	chunkSec, overlapSec      float64
	workers                   int
	runDir, speaker           string
	retainAll                 bool
	outputFmts                []string
}

// runTranscribe executes the full pipeline for one input file.
// Validation order: file exists -> format -> config load -> ffmpeg resolve ->
// engine build.
func runTranscribe(cmd *cobra.Command, env *Env, inputPath string, flags transcribeFlags) error {
	if _, err := os.Stat(inputPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, inputPath)
		}
		return fmt.Errorf("cannot access input file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(inputPath))
	if !supportedFormats[ext] {
		return fmt.Errorf("unsupported format %q (supported: %s): %w",
			ext, supportedFormatsList(), ErrUnsupportedFormat)
	}

	cfg, err := env.ConfigLoader.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyTranscribeFlags(cfg, flags)

	ctx := cmd.Context()
	ffmpegPath, err := env.FFmpegResolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolving ffmpeg: %w", err)
	}
	env.FFmpegResolver.CheckVersion(ctx, ffmpegPath)

	loader, err := env.AudioFactory.NewLoader(ffmpegPath)
	if err != nil {
		return fmt.Errorf("building audio loader: %w", err)
	}
	slicer, err := env.AudioFactory.NewSlicer(ffmpegPath)
	if err != nil {
		return fmt.Errorf("building audio slicer: %w", err)
	}

	apiKey := env.Getenv(config.EnvRemoteAPIKey)
	eng, err := env.EngineFactory.NewEngine(cfg.Transcription.DefaultEngine, cfg, apiKey)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	speakerProvider := env.SpeakerFactory.NewProvider(cfg)

	coord := run.New(loader, slicer, eng, speakerProvider, nil, prometheus.DefaultRegisterer)

	handler, runCtx, forceCtx := interrupt.NewHandler(ctx, cfg.Scheduler.CancelGraceSec)
	defer handler.Stop()

	if flags.runDir != "" {
		cfg.Output.RunDirRoot = flags.runDir
	}

	report, err := coord.Start(runCtx, forceCtx, inputPath, runConfigFromResolved(cfg), env.Now())
	if err != nil {
		return fmt.Errorf("running transcription: %w", err)
	}

	printReport(env, report)
	return exitStatusError(report)
}

func applyTranscribeFlags(cfg *config.RunConfig, flags transcribeFlags) {
	if flags.model != "" {
		cfg.Transcription.DefaultModel = flags.model
	}
	if flags.engineID != "" {
		cfg.Transcription.DefaultEngine = flags.engineID
	}
	if flags.language != "" {
		cfg.Transcription.Language = flags.language
	}
	if flags.chunkSec > 0 {
		cfg.Chunking.ChunkSeconds = flags.chunkSec
	}
	if flags.overlapSec >= 0 {
		cfg.Chunking.OverlapSeconds = flags.overlapSec
	}
	if flags.workers > 0 {
		cfg.Scheduler.MaxWorkers = flags.workers
	}
	if flags.speaker != "" {
		cfg.Speaker.Enabled = true
	}
	if flags.retainAll {
		cfg.Output.RetainChunks = true
	}
	if len(flags.outputFmts) > 0 {
		cfg.Output.Formats = flags.outputFmts
	}
}

// runConfigFromResolved translates a resolved RunConfig into run.Config.
func runConfigFromResolved(cfg *config.RunConfig) run.Config {
	formats := make([]output.Format, 0, len(cfg.Output.Formats))
	for _, f := range cfg.Output.Formats {
		formats = append(formats, output.Format(f))
	}
	return run.Config{
		EngineID: cfg.Transcription.DefaultEngine, ModelID: cfg.Transcription.DefaultModel,
		Language: cfg.Transcription.Language,
		ChunkSec: cfg.Chunking.ChunkSeconds, OverlapSec: cfg.Chunking.OverlapSeconds,
		Workers: cfg.Scheduler.MaxWorkers, MaxAttempts: cfg.Scheduler.MaxAttempts,
		ChunkTimeoutSec: cfg.Scheduler.ChunkTimeoutSec, FailThresholdFraction: cfg.Scheduler.FailThresholdFraction,
		CancelGraceSec: cfg.Scheduler.CancelGraceSec,
		SpeakerEnabled: cfg.Speaker.Enabled, TurnGapSec: cfg.Speaker.TurnGapSec,
		OutputFormats: formats, RetainChunks: cfg.Output.RetainChunks, RunDirRoot: cfg.Output.RunDirRoot,
		Snapshot: cfg.Snapshot(),
	}
}

func printReport(env *Env, report run.Report) {
	fmt.Fprintf(env.Stderr, "run %s: %s\n", report.RunID, report.ExitStatus)
	for _, p := range report.OutputPaths {
		fmt.Fprintf(env.Stderr, "  wrote %s\n", p)
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(env.Stderr, "  warning: %s\n", w)
	}
}
