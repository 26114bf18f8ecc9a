// Package classify implements the error taxonomy and recovery policy of
// spec §4.11: categorizing engine/chunk failures into a small set of kinds
// and deciding whether the Chunk Scheduler should retry, skip, or abort.
// The taxonomy and the errors.Is-based classification style mirror the
// teacher's internal/apierr sentinels; the retry-vs-abort decision table
// is grounded on original_source/src/core/logic/error_handler.py.
package classify

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the taxonomy of classified chunk/run failures.
type Kind string

const (
	// KindInput is a permanent, non-retryable defect in the input itself
	// (malformed file, unsupported format, empty audio).
	KindInput Kind = "InputError"
	// KindEngineTransient is a temporary engine failure (busy, timeout,
	// transient I/O to a remote engine). Retryable with backoff.
	KindEngineTransient Kind = "EngineTransient"
	// KindEnginePermanent is a non-retryable engine failure (model load
	// failure, version mismatch).
	KindEnginePermanent Kind = "EnginePermanent"
	// KindResource is an out-of-memory or disk-full condition. Aborts
	// the run immediately; chunk files are preserved.
	KindResource Kind = "Resource"
	// KindCancellation is a user-initiated cancel.
	KindCancellation Kind = "Cancellation"
	// KindUnknown is an unclassified error, retried up to a small cap
	// before being treated as a failure.
	KindUnknown Kind = "Unknown"
)

// Sentinel errors for classification via errors.Is/errors.As.
var (
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrEngineBusy     = errors.New("engine busy")
	ErrEngineCrash    = errors.New("engine crashed")
	ErrInputRejected  = errors.New("input rejected by engine")

	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrCorruptAudio      = errors.New("corrupt audio")
	ErrEmptyAudio        = errors.New("empty audio")

	ErrOutOfMemory = errors.New("out of memory")
	ErrDiskFull    = errors.New("disk full")
)

// unknownMaxRetries is how many times a KindUnknown error is retried
// before the chunk gives up, per spec §4.11.
const unknownMaxRetries = 2

// Classify maps an error to its Kind. Unrecognized errors are Unknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancellation
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrCorruptAudio), errors.Is(err, ErrEmptyAudio):
		return KindInput
	case errors.Is(err, ErrInputRejected):
		return KindInput
	case errors.Is(err, ErrEngineBusy), errors.Is(err, ErrEngineCrash), errors.Is(err, context.DeadlineExceeded):
		return KindEngineTransient
	case errors.Is(err, ErrModelNotLoaded):
		return KindEnginePermanent
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrDiskFull):
		return KindResource
	default:
		return KindUnknown
	}
}

// Decision is the outcome of consulting the recovery policy for a chunk
// that just failed.
type Decision string

const (
	DecisionRetry Decision = "retry"
	DecisionSkip  Decision = "skip"
	DecisionAbort Decision = "abort"
)

// Policy decides retry/skip/abort for a classified failure, given the
// chunk's attempt count and the run's configured limits.
type Policy struct {
	MaxAttempts          int
	UnknownMaxRetries    int
	FailThresholdFraction float64
}

// NewPolicy returns a Policy built from maxAttempts and
// failThresholdFraction; a non-positive value for either is replaced by its
// default (3 attempts, 0.25).
func NewPolicy(maxAttempts int, failThresholdFraction float64) Policy {
	p := Policy{
		MaxAttempts:           maxAttempts,
		UnknownMaxRetries:     unknownMaxRetries,
		FailThresholdFraction: failThresholdFraction,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.FailThresholdFraction <= 0 {
		p.FailThresholdFraction = 0.25
	}
	return p
}

// Decide returns the recovery decision for a chunk that has failed with
// the given Kind after attempts tries (1-based, the attempt that just
// failed). It does not consider the run-wide failure threshold; callers
// combine this with ShouldAbortRun for that check.
func (p Policy) Decide(kind Kind, attempts int) Decision {
	switch kind {
	case KindInput, KindEnginePermanent:
		return DecisionSkip
	case KindResource:
		return DecisionAbort
	case KindCancellation:
		return DecisionAbort
	case KindEngineTransient:
		if attempts < p.MaxAttempts {
			return DecisionRetry
		}
		return DecisionSkip
	case KindUnknown:
		if attempts <= p.UnknownMaxRetries {
			return DecisionRetry
		}
		return DecisionSkip
	default:
		return DecisionSkip
	}
}

// ShouldAbortRun reports whether cumulative failed/skipped chunks exceed
// FailThresholdFraction of totalChunks (spec §4.5).
func (p Policy) ShouldAbortRun(failedOrSkipped, totalChunks int) bool {
	if totalChunks <= 0 {
		return false
	}
	return float64(failedOrSkipped)/float64(totalChunks) > p.FailThresholdFraction
}

// IsRetryable is a convenience check used by RemoteEngine to decide
// whether a failed request is sent again.
func IsRetryable(kind Kind) bool {
	return kind == KindEngineTransient || kind == KindUnknown
}

// WrapInput wraps an error with InputError semantics, preserving the
// original error in the chain.
func WrapInput(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrInputRejected, err)
}
