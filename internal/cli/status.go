package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/galak06/ivrit-transcribe/internal/config"
	"github.com/galak06/ivrit-transcribe/internal/interrupt"
	"github.com/galak06/ivrit-transcribe/internal/model"
	"github.com/galak06/ivrit-transcribe/internal/run"
)

// ExitStatusError carries a run's terminal ExitStatus through cobra's
// error-only RunE signature so cmd/ivrit-transcribe/main.go can translate
// it to the exit codes spec §6 mandates (0/1/2/130).
type ExitStatusError struct {
	Status model.ExitStatus
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("run finished with status %s", e.Status)
}

// exitStatusError returns nil for a fully successful run, or an
// *ExitStatusError describing the non-success outcome otherwise. A
// non-success outcome is not itself a command failure from cobra's point
// of view — the run completed and wrote a manifest — but main.go still
// needs the status to pick the right process exit code.
func exitStatusError(report run.Report) error {
	if report.ExitStatus == model.ExitSuccess {
		return nil
	}
	return &ExitStatusError{Status: report.ExitStatus}
}

// ResumeCmd creates the `resume` command.
func ResumeCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-dir>",
		Short: "Resume an interrupted or crashed run",
		Long: `Resume a previously started run found at <run-dir>.

Chunks left Processing or Failed are reset to Pending and re-scheduled;
Completed and Skipped chunks are left untouched.`,
		Example: `  ivrit-transcribe resume ./runs/20260115_093000_a1b2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, env, args[0])
		},
	}
	return cmd
}

func runResume(cmd *cobra.Command, env *Env, runDir string) error {
	if _, err := run.ReadManifest(runDir); err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	cfg, err := env.ConfigLoader.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	ffmpegPath, err := env.FFmpegResolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolving ffmpeg: %w", err)
	}

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

	report, err := coord.Resume(runCtx, forceCtx, runDir, runConfigFromResolved(cfg), env.Now())
	if err != nil {
		return fmt.Errorf("resuming run: %w", err)
	}

	printReport(env, report)
	return exitStatusError(report)
}

// StatusCmd creates the `status` command.
func StatusCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-dir>",
		Short: "Report a run's current progress without driving work",
		Example: `  ivrit-transcribe status ./runs/20260115_093000_a1b2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(env, args[0])
		},
	}
	return cmd
}

func runStatus(env *Env, runDir string) error {
	snap, exitStatus, err := run.Status(runDir)
	if err != nil {
		return fmt.Errorf("reading run status: %w", err)
	}

	fmt.Fprintf(env.Stderr, "status: %s\n", exitStatus)
	fmt.Fprintf(env.Stderr, "total=%d completed=%d failed=%d skipped=%d running=%d pending=%d\n",
		snap.Total, snap.Completed, snap.Failed, snap.Skipped, snap.Running, snap.Pending)
	return nil
}
