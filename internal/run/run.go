// Package run implements the Run Coordinator (C9): the top-level façade
// that validates input, owns the run directory, and drives the Chunk
// Scheduler, Speaker Attributor, Merger, and Output Assembler to
// completion. The run-directory layout and the manifest-write-before-
// and-after sequence follow spec §4.9/§6; the orchestration shape
// (validate -> plan -> store -> schedule -> merge -> assemble -> final
// manifest) is new relative to the teacher, which transcribes one file
// per CLI invocation with no persisted run state, but every individual
// step delegates to a component already grounded on the teacher or
// another pack example.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/galak06/ivrit-transcribe/internal/chunkplan"
	"github.com/galak06/ivrit-transcribe/internal/classify"
	"github.com/galak06/ivrit-transcribe/internal/engine"
	"github.com/galak06/ivrit-transcribe/internal/lang"
	"github.com/galak06/ivrit-transcribe/internal/merge"
	"github.com/galak06/ivrit-transcribe/internal/model"
	"github.com/galak06/ivrit-transcribe/internal/output"
	"github.com/galak06/ivrit-transcribe/internal/scheduler"
	"github.com/galak06/ivrit-transcribe/internal/speaker"
	"github.com/galak06/ivrit-transcribe/internal/store"
	"github.com/galak06/ivrit-transcribe/internal/telemetry"
)

// Loader validates and loads a source file into an AudioSource, per the
// Audio Loader (C1) contract. Implemented by internal/audio.
type Loader interface {
	Load(ctx context.Context, path string) (model.AudioSource, error)
}

// Config is the fully-resolved set of run parameters, after defaults and
// configuration-key precedence have been applied (internal/config).
type Config struct {
	EngineID   string
	ModelID    string
	Language   string
	ChunkSec   float64
	OverlapSec float64

	Workers               int
	MaxAttempts           int
	ChunkTimeoutSec       int
	FailThresholdFraction float64
	CancelGraceSec        int

	SpeakerEnabled bool
	TurnGapSec     float64

	OutputFormats []output.Format
	RetainChunks  bool
	RunDirRoot    string

	Snapshot map[string]any
}

// Coordinator drives one run end to end.
type Coordinator struct {
	loader   Loader
	slicer   scheduler.Slicer
	eng      engine.Engine
	speakers speaker.Provider
	log      *slog.Logger
	metrics  prometheus.Registerer
}

// New returns a Coordinator. speakers may be nil when cfg.SpeakerEnabled
// is false for every run it drives. metrics may be nil to skip Prometheus
// gauge export entirely.
func New(loader Loader, slicer scheduler.Slicer, eng engine.Engine, speakers speaker.Provider, log *slog.Logger, metrics prometheus.Registerer) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{loader: loader, slicer: slicer, eng: eng, speakers: speakers, log: log, metrics: metrics}
}

// Report summarizes a completed run.
type Report struct {
	RunID       string
	RunDir      string
	ExitStatus  model.ExitStatus
	OutputPaths []string
	Warnings    []string
}

// NewRunID mints a run identifier: UTC(YYYYMMDD_HHMMSS) plus a short
// random suffix drawn from a fresh UUIDv4, so two runs started within
// the same second never collide.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), suffix)
}

// Start begins a fresh run for inputPath under cfg.RunDirRoot/<runId>.
func (c *Coordinator) Start(ctx context.Context, forceCtx context.Context, inputPath string, cfg Config, now time.Time) (Report, error) {
	runID := NewRunID(now)
	runDir := filepath.Join(cfg.RunDirRoot, runID)
	return c.run(ctx, forceCtx, runID, runDir, inputPath, cfg, now)
}

// Resume continues a previously started run found at runDir: Processing
// and Failed chunks are reset to Pending (crash-safe resume, spec §4.4),
// then the coordinator proceeds exactly as a fresh run would from
// scheduling onward.
func (c *Coordinator) Resume(ctx context.Context, forceCtx context.Context, runDir string, cfg Config, now time.Time) (Report, error) {
	manifest, err := ReadManifest(runDir)
	if err != nil {
		return Report{}, fmt.Errorf("reading manifest for resume: %w", err)
	}

	chunksDir := filepath.Join(runDir, "chunks")
	st, err := store.New(chunksDir)
	if err != nil {
		return Report{}, err
	}
	if err := resetIncompleteChunks(st, manifest.Plan); err != nil {
		return Report{}, err
	}

	return c.runFromManifest(ctx, forceCtx, runDir, manifest, cfg, now)
}

func (c *Coordinator) run(ctx, forceCtx context.Context, runID, runDir, inputPath string, cfg Config, now time.Time) (Report, error) {
	source, err := c.loader.Load(ctx, inputPath)
	if err != nil {
		return Report{}, fmt.Errorf("loading input: %w", err)
	}

	plan, err := chunkplan.Plan(source.DurationSeconds, cfg.ChunkSec, cfg.OverlapSec)
	if err != nil {
		return Report{}, fmt.Errorf("planning chunks: %w", err)
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating run directory: %w", err)
	}
	manifest := model.RunManifest{
		RunID: runID, Source: source, Plan: plan,
		Config: cfg.Snapshot, StartedAt: now,
	}
	if err := WriteManifest(runDir, manifest); err != nil {
		return Report{}, err
	}

	return c.runFromManifest(ctx, forceCtx, runDir, manifest, cfg, now)
}

func (c *Coordinator) runFromManifest(ctx, forceCtx context.Context, runDir string, manifest model.RunManifest, cfg Config, now time.Time) (Report, error) {
	chunksDir := filepath.Join(runDir, "chunks")
	st, err := store.New(chunksDir)
	if err != nil {
		return Report{}, err
	}

	policy := classify.NewPolicy(cfg.MaxAttempts, cfg.FailThresholdFraction)
	progress := telemetry.New(len(manifest.Plan))

	var sink *telemetry.PrometheusSink
	if c.metrics != nil {
		var err error
		sink, err = telemetry.NewPrometheusSink(c.metrics)
		if err != nil {
			c.log.Warn("metrics registration failed, continuing without Prometheus export", "error", err)
			sink = nil
		}
	}

	logCtx, stopLogging := context.WithCancel(context.Background())
	defer stopLogging()
	go telemetry.LogPeriodically(logCtx, c.log, progress, 30*time.Second, manifest.RunID, sink)

	sched := scheduler.New(c.eng, c.slicer, st, progress, policy, c.log, scheduler.Options{
		Workers:         cfg.Workers,
		ChunkTimeoutSec: cfg.ChunkTimeoutSec,
	}, cfg.EngineID, cfg.ModelID)

	engOpts := engine.Options{Language: mustParseLanguageOrZero(cfg.Language)}

	schedErr := sched.Run(ctx, forceCtx, manifest.Source.Path, manifest.Plan, engOpts)

	results, err := st.List()
	if err != nil {
		return Report{}, fmt.Errorf("listing chunk results: %w", err)
	}

	var warnings []string
	if cfg.SpeakerEnabled && c.speakers != nil {
		results, warnings = c.attributeSpeakers(ctx, manifest.Source, results)
	}

	timeline := merge.Merge(results, manifest.Plan, manifest.Source.DurationSeconds, merge.Options{TurnGapSec: cfg.TurnGapSec})

	outputDir := filepath.Join(runDir, "output")
	assembler := output.NewAssembler()
	outPaths, err := assembler.Assemble(outputDir, cfg.OutputFormats, output.Request{
		RunID: manifest.RunID, Source: manifest.Source, ConfigSnapshot: cfg.Snapshot,
		Timeline: timeline, Language: mustParseLanguageOrZero(cfg.Language),
	})
	if err != nil {
		return Report{}, fmt.Errorf("assembling output: %w", err)
	}

	exitStatus := determineExitStatus(ctx, schedErr, results)
	manifest.FinishedAt = now
	manifest.ExitStatus = exitStatus
	manifest.Warnings = warnings
	if err := WriteManifest(runDir, manifest); err != nil {
		return Report{}, err
	}

	if !cfg.RetainChunks && exitStatus == model.ExitSuccess {
		_ = os.RemoveAll(chunksDir)
	}

	return Report{
		RunID: manifest.RunID, RunDir: runDir, ExitStatus: exitStatus,
		OutputPaths: outPaths, Warnings: warnings,
	}, nil
}

func (c *Coordinator) attributeSpeakers(ctx context.Context, source model.AudioSource, results []model.ChunkResult) ([]model.ChunkResult, []string) {
	attributor := speaker.New(c.speakers)
	turns, warning := attributor.Attribute(ctx, source.Path, source.DurationSeconds)

	var warnings []string
	if warning != "" {
		warnings = append(warnings, warning)
	}
	for i := range results {
		results[i].Segments = speaker.Label(results[i].Segments, turns)
	}
	return results, warnings
}

func determineExitStatus(ctx context.Context, schedErr error, results []model.ChunkResult) model.ExitStatus {
	if ctx.Err() != nil {
		return model.ExitCanceled
	}
	if classify.Classify(schedErr) == classify.KindCancellation {
		return model.ExitCanceled
	}
	if schedErr != nil {
		return model.ExitFailed
	}

	failedOrSkipped := 0
	for _, r := range results {
		if r.Status == model.StatusFailed || r.Status == model.StatusSkipped {
			failedOrSkipped++
		}
	}
	if failedOrSkipped == 0 {
		return model.ExitSuccess
	}
	if failedOrSkipped == len(results) {
		return model.ExitFailed
	}
	return model.ExitPartialSuccess
}

func resetIncompleteChunks(st *store.Store, plan []model.Chunk) error {
	for _, chunk := range plan {
		if !st.Exists(chunk.Index) {
			continue
		}
		result, err := st.Read(chunk.Index)
		if err != nil {
			return fmt.Errorf("reading chunk %d for resume: %w", chunk.Index, err)
		}
		if result.Status == model.StatusProcessing || result.Status == model.StatusFailed {
			result.Status = model.StatusPending
			result.ErrorKind = ""
			if err := st.Write(result); err != nil {
				return fmt.Errorf("resetting chunk %d for resume: %w", chunk.Index, err)
			}
		}
	}
	return nil
}

func mustParseLanguageOrZero(code string) lang.Language {
	l, err := lang.Parse(code)
	if err != nil {
		return lang.Language{}
	}
	return l
}

// WriteManifest durably persists manifest to runDir/manifest.json via the
// temp-file-same-dir + rename protocol shared with the Chunk Store and
// Output Assembler.
func WriteManifest(runDir string, manifest model.RunManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	dest := filepath.Join(runDir, "manifest.json")
	tmp, err := os.CreateTemp(runDir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest file: %w", err)
	}
	tmpPath := tmp.Name()

	writeErr := func() error {
		if _, err := tmp.Write(data); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("fsyncing manifest: %w", err)
		}
		return tmp.Close()
	}()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest.json from runDir.
func ReadManifest(runDir string) (model.RunManifest, error) {
	var manifest model.RunManifest
	data, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		return manifest, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest, nil
}

// Status reports the current progress of a run by reading its chunk
// store, without driving any further work — used by the `status`
// CLI command.
func Status(runDir string) (telemetry.Snapshot, model.ExitStatus, error) {
	manifest, err := ReadManifest(runDir)
	if err != nil {
		return telemetry.Snapshot{}, "", err
	}
	st, err := store.New(filepath.Join(runDir, "chunks"))
	if err != nil {
		return telemetry.Snapshot{}, "", err
	}
	results, err := st.List()
	if err != nil {
		return telemetry.Snapshot{}, "", err
	}

	progress := telemetry.New(len(manifest.Plan))
	for _, r := range results {
		progress.MarkRunning()
		switch r.Status {
		case model.StatusCompleted:
			progress.MarkCompleted(0)
		case model.StatusSkipped:
			progress.MarkSkipped()
		case model.StatusFailed:
			progress.MarkFailed()
		default:
			progress.MarkRetrying()
		}
	}
	return progress.Stats(), manifest.ExitStatus, nil
}
