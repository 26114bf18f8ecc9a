package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/galak06/ivrit-transcribe/internal/apierr"
	"github.com/galak06/ivrit-transcribe/internal/cli"
	"github.com/galak06/ivrit-transcribe/internal/ffmpeg"
)

// Injected at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes per specification.
const (
	ExitOK        = 0
	ExitGeneral   = 1
	ExitPartial   = 2
	ExitInterrupt = 130
)

func main() {
	// Load .env file if present (ignore error if missing).
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env := cli.DefaultEnv()

	rootCmd := &cobra.Command{
		Use:     "ivrit-transcribe",
		Short:   "Transcribe long-form audio into timestamped, speaker-attributed text",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(cli.TranscribeCmd(env))
	rootCmd.AddCommand(cli.ResumeCmd(env))
	rootCmd.AddCommand(cli.StatusCmd(env))
	rootCmd.AddCommand(cli.ConfigCmd(env))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command's returned error to the process exit codes
// the run lifecycle defines: 0 success, 1 generic failure, 2 partial
// success, 130 canceled.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var statusErr *cli.ExitStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case "PartialSuccess":
			return ExitPartial
		case "Canceled":
			return ExitInterrupt
		default:
			return ExitGeneral
		}
	}

	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}

	if isCobraUsageError(err) {
		return ExitGeneral
	}

	if errors.Is(err, ffmpeg.ErrNotFound) || errors.Is(err, cli.ErrAPIKeyMissing) ||
		errors.Is(err, ffmpeg.ErrUnsupportedPlatform) || errors.Is(err, ffmpeg.ErrChecksumMismatch) ||
		errors.Is(err, ffmpeg.ErrDownloadFailed) {
		return ExitGeneral
	}

	if errors.Is(err, cli.ErrUnsupportedFormat) || errors.Is(err, cli.ErrFileNotFound) ||
		errors.Is(err, cli.ErrOutputExists) {
		return ExitGeneral
	}

	if errors.Is(err, apierr.ErrRateLimit) || errors.Is(err, apierr.ErrQuotaExceeded) ||
		errors.Is(err, apierr.ErrTimeout) || errors.Is(err, apierr.ErrAuthFailed) {
		return ExitGeneral
	}

	return ExitGeneral
}

// cobraUsageErrorPatterns contains error message substrings that indicate
// Cobra usage errors. Cobra doesn't expose typed errors for these, so
// string matching is the only reliable approach across versions.
var cobraUsageErrorPatterns = []string{
	"required flag",
	"unknown flag",
	"unknown shorthand",
	"flag needs an argument",
	"invalid argument",
	"if any flags in the group",
	"accepts ",
	"requires at least",
	"requires at most",
}

func isCobraUsageError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	for _, pattern := range cobraUsageErrorPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
