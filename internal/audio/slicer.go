package audio

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/galak06/ivrit-transcribe/internal/ffmpeg"
	"github.com/galak06/ivrit-transcribe/internal/model"
)

// Slicer extracts the audio byte range for one already-planned chunk,
// satisfying scheduler.Slicer. Boundaries come from chunkplan.Plan; Slicer
// only ever runs FFmpeg's -ss/-to extraction for a single window.
type Slicer struct {
	ffmpegPath string
	cmd        commandRunner
	tempDir    tempDirCreator
	files      fileRemover
}

// SlicerOption configures a Slicer.
type SlicerOption func(*Slicer)

// WithSlicerCommandRunner sets the command runner for Slicer.
func WithSlicerCommandRunner(r commandRunner) SlicerOption {
	return func(s *Slicer) { s.cmd = r }
}

// WithSlicerTempDir sets the temp directory creator for Slicer.
func WithSlicerTempDir(t tempDirCreator) SlicerOption {
	return func(s *Slicer) { s.tempDir = t }
}

// WithSlicerFileRemover sets the file remover for Slicer.
func WithSlicerFileRemover(f fileRemover) SlicerOption {
	return func(s *Slicer) { s.files = f }
}

// NewSlicer creates a Slicer bound to a resolved FFmpeg binary.
func NewSlicer(ffmpegPath string, opts ...SlicerOption) (*Slicer, error) {
	if ffmpegPath == "" {
		return nil, fmt.Errorf("ffmpegPath cannot be empty: %w", ffmpeg.ErrNotFound)
	}
	s := &Slicer{
		ffmpegPath: ffmpegPath,
		cmd:        osCommandRunner{},
		tempDir:    osTempDirCreator{},
		files:      osFileRemover{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Slice extracts chunk's [StartSec, EndSec) window from audioPath into a
// fresh temp file. The returned cleanup func removes that file (and its
// containing temp directory) once the caller is done with it.
func (s *Slicer) Slice(ctx context.Context, audioPath string, chunk model.Chunk) (string, func(), error) {
	dir, err := s.tempDir.MkdirTemp("", "ivrit-transcribe-chunk-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating chunk temp dir: %w", err)
	}
	cleanup := func() { _ = s.files.RemoveAll(dir) }

	chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%04d.ogg", chunk.Index))
	start := time.Duration(chunk.StartSec * float64(time.Second))
	end := time.Duration(chunk.EndSec * float64(time.Second))

	if err := extractSegment(ctx, s.cmd, s.ffmpegPath, audioPath, chunkPath, start, end); err != nil {
		cleanup()
		return "", nil, err
	}

	return chunkPath, cleanup, nil
}
