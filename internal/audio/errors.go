package audio

import "errors"

// ErrChunkingFailed indicates FFmpeg failed during audio chunking.
var ErrChunkingFailed = errors.New("audio chunking failed")

// ErrFileNotFound indicates the specified input file does not exist.
var ErrFileNotFound = errors.New("file not found")
