package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// RunConfig holds the resolved set of run parameters recognized by spec
// §6: transcription, chunking, scheduler, speaker, and output settings.
// Loaded with viper (config file + environment overrides), mirroring the
// config-struct-plus-viper.Unmarshal shape used in the richer example
// repo in the pack; this module's teacher only ever read two ad hoc
// key=value pairs from a flat file (see Load/Config above), which has no
// environment-override story of its own.
type RunConfig struct {
	Transcription struct {
		DefaultModel    string `mapstructure:"default_model"`
		DefaultEngine   string `mapstructure:"default_engine"`
		Language        string `mapstructure:"language"`
		LocalBinaryPath string `mapstructure:"local_binary_path"`
		RemoteBaseURL   string `mapstructure:"remote_base_url"`
	} `mapstructure:"transcription"`

	Chunking struct {
		ChunkSeconds   float64 `mapstructure:"chunk_seconds"`
		OverlapSeconds float64 `mapstructure:"overlap_seconds"`
	} `mapstructure:"chunking"`

	Scheduler struct {
		MaxWorkers            int     `mapstructure:"max_workers"`
		MaxAttempts           int     `mapstructure:"max_attempts"`
		ChunkTimeoutSec       int     `mapstructure:"chunk_timeout_sec"`
		FailThresholdFraction float64 `mapstructure:"fail_threshold_fraction"`
		CancelGraceSec        int     `mapstructure:"cancel_grace_sec"`
	} `mapstructure:"scheduler"`

	Speaker struct {
		Enabled    bool    `mapstructure:"enabled"`
		TurnGapSec float64 `mapstructure:"turn_gap_sec"`
	} `mapstructure:"speaker"`

	Output struct {
		Formats      []string `mapstructure:"formats"`
		RetainChunks bool     `mapstructure:"retain_chunks"`
		RunDirRoot   string   `mapstructure:"run_dir_root"`
	} `mapstructure:"output"`

	Debug bool `mapstructure:"debug"`
}

// envOverrideKeys maps config keys to the environment variables that
// override them, per spec §6: "Environment variables override
// configuration for: default model, default engine, debug flag, and
// remote-engine credentials."
var envOverrideKeys = map[string]string{
	"transcription.default_model":  "IVRIT_TRANSCRIBE_MODEL",
	"transcription.default_engine": "IVRIT_TRANSCRIBE_ENGINE",
	"debug":                        "IVRIT_TRANSCRIBE_DEBUG",
}

// EnvRemoteAPIKey is the environment variable holding the remote engine's
// API credential. It is never read through viper so it never round-trips
// through a config-file dump.
const EnvRemoteAPIKey = "IVRIT_TRANSCRIBE_API_KEY"

// getDefaultConfigPaths returns the search paths for ivrit-transcribe.yaml:
// the current directory and the XDG config directory shared with Config's
// flat key=value file.
func getDefaultConfigPaths() ([]string, error) {
	d, err := dir()
	if err != nil {
		return nil, err
	}
	return []string{".", d}, nil
}

func runConfigDefaults() *RunConfig {
	var cfg RunConfig
	cfg.Transcription.DefaultEngine = "local"
	cfg.Transcription.Language = ""
	cfg.Transcription.LocalBinaryPath = "ivrit-transcribe-engine"
	cfg.Transcription.RemoteBaseURL = ""
	cfg.Chunking.ChunkSeconds = 30
	cfg.Chunking.OverlapSeconds = 5
	cfg.Scheduler.MaxWorkers = 4
	cfg.Scheduler.MaxAttempts = 3
	cfg.Scheduler.ChunkTimeoutSec = 600
	cfg.Scheduler.FailThresholdFraction = 0.25
	cfg.Scheduler.CancelGraceSec = 30
	cfg.Speaker.Enabled = false
	cfg.Speaker.TurnGapSec = 3.0
	cfg.Output.Formats = []string{"json", "txt"}
	cfg.Output.RetainChunks = true
	cfg.Output.RunDirRoot = "./runs"
	return &cfg
}

// LoadRunConfig reads transcription run settings from a config file (if
// present under any of the standard XDG-style search paths) merged with
// spec defaults and the environment-variable overrides named in
// envOverrideKeys.
func LoadRunConfig(configPath string) (*RunConfig, error) {
	v := viper.New()
	v.SetConfigName("ivrit-transcribe")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(filepath.Dir(configPath))
	} else {
		paths, err := getDefaultConfigPaths()
		if err != nil {
			return nil, fmt.Errorf("resolving config search paths: %w", err)
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	applyDefaults(v, runConfigDefaults())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for key, envVar := range envOverrideKeys {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("binding env override for %s: %w", key, err)
		}
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling run config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper, defaults *RunConfig) {
	v.SetDefault("transcription.default_model", defaults.Transcription.DefaultModel)
	v.SetDefault("transcription.default_engine", defaults.Transcription.DefaultEngine)
	v.SetDefault("transcription.language", defaults.Transcription.Language)
	v.SetDefault("transcription.local_binary_path", defaults.Transcription.LocalBinaryPath)
	v.SetDefault("transcription.remote_base_url", defaults.Transcription.RemoteBaseURL)
	v.SetDefault("chunking.chunk_seconds", defaults.Chunking.ChunkSeconds)
	v.SetDefault("chunking.overlap_seconds", defaults.Chunking.OverlapSeconds)
	v.SetDefault("scheduler.max_workers", defaults.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.max_attempts", defaults.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.chunk_timeout_sec", defaults.Scheduler.ChunkTimeoutSec)
	v.SetDefault("scheduler.fail_threshold_fraction", defaults.Scheduler.FailThresholdFraction)
	v.SetDefault("scheduler.cancel_grace_sec", defaults.Scheduler.CancelGraceSec)
	v.SetDefault("speaker.enabled", defaults.Speaker.Enabled)
	v.SetDefault("speaker.turn_gap_sec", defaults.Speaker.TurnGapSec)
	v.SetDefault("output.formats", defaults.Output.Formats)
	v.SetDefault("output.retain_chunks", defaults.Output.RetainChunks)
	v.SetDefault("output.run_dir_root", defaults.Output.RunDirRoot)
	v.SetDefault("debug", defaults.Debug)
}

// Snapshot returns a flat map[string]any of every recognized key, suitable
// for embedding as manifest.json's config_snapshot.
func (c *RunConfig) Snapshot() map[string]any {
	return map[string]any{
		"transcription.default_model":       c.Transcription.DefaultModel,
		"transcription.default_engine":      c.Transcription.DefaultEngine,
		"transcription.language":            c.Transcription.Language,
		"transcription.local_binary_path":   c.Transcription.LocalBinaryPath,
		"transcription.remote_base_url":     c.Transcription.RemoteBaseURL,
		"chunking.chunk_seconds":            c.Chunking.ChunkSeconds,
		"chunking.overlap_seconds":          c.Chunking.OverlapSeconds,
		"scheduler.max_workers":             c.Scheduler.MaxWorkers,
		"scheduler.max_attempts":            c.Scheduler.MaxAttempts,
		"scheduler.chunk_timeout_sec":       c.Scheduler.ChunkTimeoutSec,
		"scheduler.fail_threshold_fraction": c.Scheduler.FailThresholdFraction,
		"scheduler.cancel_grace_sec":        c.Scheduler.CancelGraceSec,
		"speaker.enabled":                   c.Speaker.Enabled,
		"speaker.turn_gap_sec":              c.Speaker.TurnGapSec,
		"output.formats":                    strings.Join(c.Output.Formats, ","),
		"output.retain_chunks":              c.Output.RetainChunks,
		"output.run_dir_root":               c.Output.RunDirRoot,
	}
}
