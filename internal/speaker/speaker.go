// Package speaker implements the optional Speaker Attributor (C6):
// turning a diarization provider's output into speaker turns, then
// labeling segments by majority temporal overlap. The provider interface
// and graceful-degradation-on-failure style follow the teacher's
// Chunker/Engine pattern of a narrow interface plus a synthetic fallback.
package speaker

import (
	"context"
	"fmt"
	"sort"

	"github.com/galak06/ivrit-transcribe/internal/model"
)

// synthesizedSpeaker is the label used when no diarization provider is
// configured: the whole source is attributed to one speaker.
const synthesizedSpeaker = "SPEAKER_1"

// Provider turns a source audio path into speaker turns. Implementations
// wrap an external diarization model or service; a nil Provider (or one
// that errors) falls back to a single synthetic speaker.
type Provider interface {
	Diarize(ctx context.Context, audioPath string, durationSec float64) ([]model.SpeakerTurn, error)
}

// Attributor assigns speaker labels to segments.
type Attributor struct {
	provider Provider
}

// New returns an Attributor using provider. A nil provider always falls
// back to the synthetic single-speaker turn.
func New(provider Provider) *Attributor {
	return &Attributor{provider: provider}
}

// Attribute produces the speaker turns for a source. On provider failure
// it returns the synthetic fallback turn and a non-nil warning describing
// the degradation — callers record the warning on the run manifest and
// proceed without failing the run.
func (a *Attributor) Attribute(ctx context.Context, audioPath string, durationSec float64) ([]model.SpeakerTurn, string) {
	if a.provider == nil {
		return fallbackTurns(durationSec), ""
	}

	turns, err := a.provider.Diarize(ctx, audioPath, durationSec)
	if err != nil {
		return fallbackTurns(durationSec), fmt.Sprintf("speaker attribution failed, using single speaker: %v", err)
	}
	if len(turns) == 0 {
		return fallbackTurns(durationSec), "speaker attribution returned no turns, using single speaker"
	}

	sort.Slice(turns, func(i, j int) bool { return turns[i].StartSec < turns[j].StartSec })
	return turns, ""
}

func fallbackTurns(durationSec float64) []model.SpeakerTurn {
	return []model.SpeakerTurn{{SpeakerID: synthesizedSpeaker, StartSec: 0, EndSec: durationSec}}
}

// Label assigns each segment a speaker by majority temporal overlap with
// turns, sorted ascending by StartSec. Ties (equal overlap) are broken by
// the earlier-starting turn. Segments that straddle a turn boundary are
// labeled but never split. A segment that overlaps no turn takes the
// label of the nearest turn.
func Label(segments []model.Segment, turns []model.SpeakerTurn) []model.Segment {
	if len(turns) == 0 {
		return segments
	}

	labeled := make([]model.Segment, len(segments))
	for i, seg := range segments {
		seg.Speaker = labelOne(seg, turns)
		labeled[i] = seg
	}
	return labeled
}

func labelOne(seg model.Segment, turns []model.SpeakerTurn) string {
	bestSpeaker := ""
	bestOverlap := -1.0
	bestStart := 0.0

	for _, turn := range turns {
		overlap := overlapDuration(seg.StartSec, seg.EndSec, turn.StartSec, turn.EndSec)
		if overlap <= 0 {
			continue
		}
		if overlap > bestOverlap || (overlap == bestOverlap && turn.StartSec < bestStart) {
			bestOverlap = overlap
			bestSpeaker = turn.SpeakerID
			bestStart = turn.StartSec
		}
	}

	if bestSpeaker == "" {
		return turns[nearestTurn(seg, turns)].SpeakerID
	}
	return bestSpeaker
}

func overlapDuration(aStart, aEnd, bStart, bEnd float64) float64 {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

// nearestTurn finds the turn closest to a segment with no temporal
// overlap at all (can occur at the very edges of a source).
func nearestTurn(seg model.Segment, turns []model.SpeakerTurn) int {
	best := 0
	bestDist := distanceToTurn(seg, turns[0])
	for i := 1; i < len(turns); i++ {
		d := distanceToTurn(seg, turns[i])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func distanceToTurn(seg model.Segment, turn model.SpeakerTurn) float64 {
	if seg.EndSec <= turn.StartSec {
		return turn.StartSec - seg.EndSec
	}
	if seg.StartSec >= turn.EndSec {
		return seg.StartSec - turn.EndSec
	}
	return 0
}
