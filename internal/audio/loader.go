package audio

import (
	"context"
	"fmt"

	"github.com/galak06/ivrit-transcribe/internal/classify"
	"github.com/galak06/ivrit-transcribe/internal/ffmpeg"
	"github.com/galak06/ivrit-transcribe/internal/model"
)

// Loader probes a source audio file and reports its decoded properties,
// satisfying run.Loader. It never decodes the whole file into memory;
// FFmpeg's probe pass is enough to learn duration, sample rate, and
// channel count.
type Loader struct {
	ffmpegPath string
	cmd        commandRunner
	stat       fileStatter
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderCommandRunner sets the command runner for Loader.
func WithLoaderCommandRunner(r commandRunner) LoaderOption {
	return func(l *Loader) { l.cmd = r }
}

// WithLoaderFileStatter sets the file statter for Loader.
func WithLoaderFileStatter(s fileStatter) LoaderOption {
	return func(l *Loader) { l.stat = s }
}

// NewLoader creates a Loader bound to a resolved FFmpeg binary.
func NewLoader(ffmpegPath string, opts ...LoaderOption) (*Loader, error) {
	if ffmpegPath == "" {
		return nil, fmt.Errorf("ffmpegPath cannot be empty: %w", ffmpeg.ErrNotFound)
	}
	l := &Loader{
		ffmpegPath: ffmpegPath,
		cmd:        osCommandRunner{},
		stat:       osFileStatter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load probes audioPath and returns its decoded properties.
func (l *Loader) Load(ctx context.Context, audioPath string) (model.AudioSource, error) {
	info, err := l.stat.Stat(audioPath)
	if err != nil {
		return model.AudioSource{}, fmt.Errorf("%w: %s", ErrFileNotFound, audioPath)
	}

	output, err := probeOutput(ctx, l.cmd, l.ffmpegPath, audioPath)
	if err != nil {
		return model.AudioSource{}, fmt.Errorf("probing %s: %w", audioPath, err)
	}

	duration, err := probeDuration(output)
	if err != nil {
		return model.AudioSource{}, fmt.Errorf("probing duration of %s: %w", audioPath, err)
	}
	if duration.Seconds() == 0 {
		return model.AudioSource{}, fmt.Errorf("%s: %w", audioPath, classify.ErrEmptyAudio)
	}
	sampleRateHz, channels := probeStreamInfo(output)

	return model.AudioSource{
		Path:            audioPath,
		SampleRateHz:    sampleRateHz,
		Channels:        channels,
		DurationSeconds: duration.Seconds(),
		SizeBytes:       info.Size(),
	}, nil
}
