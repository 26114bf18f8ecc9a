// Package model defines the entities shared across the transcription
// pipeline: the audio source, the chunk plan, per-chunk results, the
// merged timeline, and the run manifest. Components exchange these
// value types rather than reaching into each other's internals.
package model

import "time"

// AudioSource describes a loaded, decoded audio file. Immutable after load.
type AudioSource struct {
	Path            string
	SampleRateHz    int
	Channels        int // always 1 after load
	DurationSeconds float64
	SizeBytes       int64
}

// Chunk is a planned time window over the source audio.
type Chunk struct {
	Index    int
	StartSec float64
	EndSec   float64
}

// Duration returns the length of the chunk in seconds.
func (c Chunk) Duration() float64 {
	return c.EndSec - c.StartSec
}

// WordTiming is a single recognized word with its absolute timing.
type WordTiming struct {
	StartSec    float64
	EndSec      float64
	Word        string
	Probability float64
}

// Segment is a timestamped text span. Times are absolute once stored on
// a ChunkResult; engines report them relative to the slice they were given.
type Segment struct {
	StartSec    float64
	EndSec      float64
	Text        string
	Confidence  float64
	WordTimings []WordTiming
	Speaker     string // empty until a Speaker Attributor assigns one
}

// Status is the lifecycle state of a ChunkResult.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusSkipped    Status = "Skipped"
)

// ChunkResult is the durable, per-chunk outcome of transcription.
type ChunkResult struct {
	Index         int
	ChunkStartSec float64
	ChunkEndSec   float64
	Status        Status
	Segments      []Segment
	ErrorKind     string // empty when Status is not Failed/Skipped
	Attempts      int
	StartedAt     time.Time
	FinishedAt    time.Time // zero value until the chunk resolves
	EngineID      string
	ModelID       string
}

// Span returns the chunk's [start, end) duration, used when a chunk
// contributes a gap to the merged timeline (Failed/Skipped chunks).
func (r ChunkResult) Span() (start, end float64) {
	return r.ChunkStartSec, r.ChunkEndSec
}

// SpeakerTurn is a contiguous interval attributed to one speaker.
type SpeakerTurn struct {
	SpeakerID string
	StartSec  float64
	EndSec    float64
}

// SpeakerBlock groups consecutive same-speaker segments in the merged timeline.
type SpeakerBlock struct {
	Speaker  string
	StartSec float64
	EndSec   float64
	Text     string
}

// Totals summarizes the merged timeline for the final JSON document.
type Totals struct {
	Words          int
	Chars          int
	DurationSec    float64
}

// MergedTimeline is the deduplicated, ordered concatenation of all chunk
// segments in absolute time. Built once, append-only during construction,
// then sealed.
type MergedTimeline struct {
	Segments      []Segment
	FullText      string
	SpeakerBlocks []SpeakerBlock // present iff speaker attribution ran
	Totals        Totals
}

// ExitStatus is the terminal state of a run.
type ExitStatus string

const (
	ExitSuccess        ExitStatus = "Success"
	ExitPartialSuccess ExitStatus = "PartialSuccess"
	ExitFailed         ExitStatus = "Failed"
	ExitCanceled       ExitStatus = "Canceled"
)

// RunManifest is the pre- and post-run snapshot written to manifest.json.
type RunManifest struct {
	RunID      string
	Source     AudioSource
	Plan       []Chunk
	Config     map[string]any
	StartedAt  time.Time
	FinishedAt time.Time
	ExitStatus ExitStatus
	Warnings   []string
}
