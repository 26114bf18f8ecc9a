package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/galak06/ivrit-transcribe/internal/audio"
	"github.com/galak06/ivrit-transcribe/internal/config"
	"github.com/galak06/ivrit-transcribe/internal/engine"
	"github.com/galak06/ivrit-transcribe/internal/ffmpeg"
	"github.com/galak06/ivrit-transcribe/internal/run"
	"github.com/galak06/ivrit-transcribe/internal/scheduler"
	"github.com/galak06/ivrit-transcribe/internal/speaker"
)

// Env holds injectable dependencies for CLI commands.
// This is the central injection point for testing CLI commands in isolation.
//
// All fields have sensible defaults via DefaultEnv(). Tests can override
// specific fields using the With* options or by creating a custom Env.
//
// Env must not be nil when passed to command functions. Use DefaultEnv()
// or NewEnv() to create a valid instance.
type Env struct {
	// I/O and environment
	Stderr io.Writer
	Getenv func(string) string
	Now    func() time.Time

	// Factories for domain objects
	FFmpegResolver FFmpegResolver
	ConfigLoader   ConfigLoader
	EngineFactory  EngineFactory
	AudioFactory   AudioFactory
	SpeakerFactory SpeakerFactory
}

// FFmpegResolver resolves the path to the FFmpeg binary.
type FFmpegResolver interface {
	Resolve(ctx context.Context) (string, error)
	CheckVersion(ctx context.Context, ffmpegPath string)
}

// ConfigLoader loads run configuration.
type ConfigLoader interface {
	Load(configPath string) (*config.RunConfig, error)
}

// EngineFactory creates the transcription engine (C3) named by engineID.
type EngineFactory interface {
	NewEngine(engineID string, cfg *config.RunConfig, apiKey string) (engine.Engine, error)
}

// AudioFactory creates the FFmpeg-backed Loader and Slicer used to feed
// the Run Coordinator and Chunk Scheduler.
type AudioFactory interface {
	NewLoader(ffmpegPath string) (run.Loader, error)
	NewSlicer(ffmpegPath string) (scheduler.Slicer, error)
}

// SpeakerFactory creates the optional diarization provider for speaker
// attribution (C6). A nil Provider makes the Attributor fall back to a
// single synthesized speaker.
type SpeakerFactory interface {
	NewProvider(cfg *config.RunConfig) speaker.Provider
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithStderr sets the stderr writer.
func WithStderr(w io.Writer) EnvOption {
	return func(e *Env) {
		e.Stderr = w
	}
}

// WithGetenv sets the environment variable getter.
func WithGetenv(fn func(string) string) EnvOption {
	return func(e *Env) {
		e.Getenv = fn
	}
}

// WithNow sets the time provider.
func WithNow(fn func() time.Time) EnvOption {
	return func(e *Env) {
		e.Now = fn
	}
}

// WithFFmpegResolver sets the FFmpeg resolver.
func WithFFmpegResolver(r FFmpegResolver) EnvOption {
	return func(e *Env) {
		e.FFmpegResolver = r
	}
}

// WithConfigLoader sets the config loader.
func WithConfigLoader(l ConfigLoader) EnvOption {
	return func(e *Env) {
		e.ConfigLoader = l
	}
}

// WithEngineFactory sets the engine factory.
func WithEngineFactory(f EngineFactory) EnvOption {
	return func(e *Env) {
		e.EngineFactory = f
	}
}

// WithAudioFactory sets the audio factory.
func WithAudioFactory(f AudioFactory) EnvOption {
	return func(e *Env) {
		e.AudioFactory = f
	}
}

// WithSpeakerFactory sets the speaker factory.
func WithSpeakerFactory(f SpeakerFactory) EnvOption {
	return func(e *Env) {
		e.SpeakerFactory = f
	}
}

// DefaultEnv returns an Env with production defaults.
func DefaultEnv() *Env {
	return &Env{
		Stderr:         os.Stderr,
		Getenv:         os.Getenv,
		Now:            time.Now,
		FFmpegResolver: &defaultFFmpegResolver{},
		ConfigLoader:   &defaultConfigLoader{},
		EngineFactory:  &defaultEngineFactory{},
		AudioFactory:   &defaultAudioFactory{},
		SpeakerFactory: &defaultSpeakerFactory{},
	}
}

// NewEnv creates an Env with the given options applied to defaults.
func NewEnv(opts ...EnvOption) *Env {
	env := DefaultEnv()
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// ---------------------------------------------------------------------------
// Default implementations - delegate to real packages
// ---------------------------------------------------------------------------

// defaultFFmpegResolver implements FFmpegResolver using the ffmpeg package.
type defaultFFmpegResolver struct{}

func (defaultFFmpegResolver) Resolve(ctx context.Context) (string, error) {
	return ffmpeg.Resolve(ctx)
}

func (defaultFFmpegResolver) CheckVersion(ctx context.Context, ffmpegPath string) {
	ffmpeg.CheckVersion(ctx, ffmpegPath)
}

// defaultConfigLoader implements ConfigLoader using the config package.
type defaultConfigLoader struct{}

func (defaultConfigLoader) Load(configPath string) (*config.RunConfig, error) {
	return config.LoadRunConfig(configPath)
}

// defaultEngineFactory implements EngineFactory using the engine package.
// "local" runs a subprocess CLI configured by transcription.local_binary_path;
// "remote" calls an HTTP endpoint authenticated with apiKey, which the
// caller must have read directly from config.EnvRemoteAPIKey.
type defaultEngineFactory struct{}

func (defaultEngineFactory) NewEngine(engineID string, cfg *config.RunConfig, apiKey string) (engine.Engine, error) {
	switch engineID {
	case "", "local":
		return engine.NewLocalEngine(cfg.Transcription.LocalBinaryPath, cfg.Transcription.DefaultModel), nil
	case "remote":
		if apiKey == "" {
			return nil, ErrAPIKeyMissing
		}
		opts := []engine.RemoteEngineOption{
			engine.WithRemoteRetries(2, 500*time.Millisecond, 5*time.Second),
		}
		if cfg.Transcription.RemoteBaseURL != "" {
			opts = append(opts, engine.WithRemoteBaseURL(cfg.Transcription.RemoteBaseURL))
		}
		if cfg.Speaker.Enabled {
			opts = append(opts, engine.WithRemoteDiarize(true))
		}
		return engine.NewRemoteEngine(apiKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engineID)
	}
}

// defaultAudioFactory implements AudioFactory using the audio package.
type defaultAudioFactory struct{}

func (defaultAudioFactory) NewLoader(ffmpegPath string) (run.Loader, error) {
	return audio.NewLoader(ffmpegPath)
}

func (defaultAudioFactory) NewSlicer(ffmpegPath string) (scheduler.Slicer, error) {
	return audio.NewSlicer(ffmpegPath)
}

// defaultSpeakerFactory implements SpeakerFactory. The diarization model
// itself is an external collaborator (spec only names its boundary), so
// the default factory has no concrete provider to wire in; speaker.New(nil)
// falls back to a single synthesized speaker whenever Speaker.Enabled is set
// without a provider configured elsewhere.
type defaultSpeakerFactory struct{}

func (defaultSpeakerFactory) NewProvider(cfg *config.RunConfig) speaker.Provider {
	return nil
}

// Compile-time interface verification.
var (
	_ FFmpegResolver = (*defaultFFmpegResolver)(nil)
	_ ConfigLoader   = (*defaultConfigLoader)(nil)
	_ EngineFactory  = (*defaultEngineFactory)(nil)
	_ AudioFactory   = (*defaultAudioFactory)(nil)
	_ SpeakerFactory = (*defaultSpeakerFactory)(nil)
)
