// Package chunkplan computes the fixed-duration, overlapping chunk windows
// a source audio file is split into before transcription. The arithmetic
// operates purely on durations; extracting the audio for a planned chunk is
// done separately by internal/audio's Slicer.
package chunkplan

import (
	"errors"
	"fmt"

	"github.com/galak06/ivrit-transcribe/internal/model"
)

// ErrInvalidOverlap indicates overlap is not strictly less than chunk duration.
var ErrInvalidOverlap = errors.New("overlap must be less than chunk duration")

// ErrInvalidDuration indicates chunkSeconds or totalDuration is non-positive.
var ErrInvalidDuration = errors.New("chunk and total duration must be positive")

// Plan computes the ordered list of chunks for a source of the given
// duration. Per spec §4.2: if duration < chunkSeconds, a single chunk
// [0, duration] is produced and no overlap logic is invoked. Otherwise,
// startSec_k = k * (chunkSeconds - overlapSeconds) and
// endSec_k = min(startSec_k + chunkSeconds, duration); the last chunk is
// truncated to duration, never synthesized past it.
func Plan(totalDuration, chunkSeconds, overlapSeconds float64) ([]model.Chunk, error) {
	if totalDuration <= 0 || chunkSeconds <= 0 {
		return nil, fmt.Errorf("%w: total=%v chunk=%v", ErrInvalidDuration, totalDuration, chunkSeconds)
	}
	if overlapSeconds < 0 {
		overlapSeconds = 0
	}
	if overlapSeconds >= chunkSeconds {
		return nil, fmt.Errorf("%w: overlap %v >= chunk %v", ErrInvalidOverlap, overlapSeconds, chunkSeconds)
	}

	if totalDuration < chunkSeconds {
		return []model.Chunk{{Index: 0, StartSec: 0, EndSec: totalDuration}}, nil
	}

	step := chunkSeconds - overlapSeconds
	var chunks []model.Chunk
	for i := 0; ; i++ {
		start := float64(i) * step
		if start >= totalDuration {
			break
		}
		end := min(start+chunkSeconds, totalDuration)

		chunks = append(chunks, model.Chunk{
			Index:    i,
			StartSec: start,
			EndSec:   end,
		})

		if end >= totalDuration {
			break
		}
	}

	return chunks, nil
}
