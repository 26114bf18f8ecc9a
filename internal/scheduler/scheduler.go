// Package scheduler implements the Chunk Scheduler (C5): a bounded worker
// pool that transcribes a chunk plan with out-of-order completion and
// in-order-start semantics, retrying and skipping chunks per the error
// classifier's recovery policy. The semaphore-bounded fan-out over
// errgroup is adapted from the teacher's transcribe.TranscribeAll, with
// the explicit acquire/release-on-context-cancel idiom borrowed from
// arnnvv-cutcrap's workers.ProcessChunks; the retry/skip/abort branching
// itself is new, driven by internal/classify's Policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/galak06/ivrit-transcribe/internal/classify"
	"github.com/galak06/ivrit-transcribe/internal/engine"
	"github.com/galak06/ivrit-transcribe/internal/model"
	"github.com/galak06/ivrit-transcribe/internal/store"
	"github.com/galak06/ivrit-transcribe/internal/telemetry"
)

// Slicer extracts the audio slice for one planned chunk into a standalone
// file the Engine can read, and returns a cleanup func releasing it.
// Implemented by internal/audio against the source loaded by the Audio
// Loader.
type Slicer interface {
	Slice(ctx context.Context, audioPath string, chunk model.Chunk) (path string, cleanup func(), err error)
}

// Options configures the scheduler's concurrency and timing.
type Options struct {
	// Workers is the worker pool size W; at most W chunks are in
	// Processing state at any instant.
	Workers int
	// ChunkTimeoutSec bounds a single attempt at one chunk.
	ChunkTimeoutSec int
	// RetryBaseDelay and RetryMaxDelay configure the exponential backoff
	// between retry attempts on the same chunk.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ChunkTimeoutSec <= 0 {
		o.ChunkTimeoutSec = 600
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
}

// Scheduler drives one engine across one chunk plan.
type Scheduler struct {
	eng      engine.Engine
	slicer   Slicer
	store    *store.Store
	progress *telemetry.Progress
	policy   classify.Policy
	log      *slog.Logger
	opts     Options
	engineID string
	modelID  string
}

// New returns a Scheduler. engineID/modelID are stamped onto every
// persisted ChunkResult for manifest bookkeeping.
func New(
	eng engine.Engine,
	slicer Slicer,
	st *store.Store,
	progress *telemetry.Progress,
	policy classify.Policy,
	log *slog.Logger,
	opts Options,
	engineID, modelID string,
) *Scheduler {
	opts.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		eng: eng, slicer: slicer, store: st, progress: progress,
		policy: policy, log: log, opts: opts,
		engineID: engineID, modelID: modelID,
	}
}

// ErrAborted indicates the scheduler stopped starting new work because
// the run-wide failure threshold was exceeded.
var ErrAborted = fmt.Errorf("run aborted: failure threshold exceeded")

// Run transcribes every chunk in plan against audioPath, skipping chunks
// already Completed, Skipped, or Failed in the store (resume). ctx cancellation
// stops new chunk starts; forceCtx cancellation abandons in-flight
// attempts immediately. Returns the first abort-worthy error, or nil if
// every chunk reached a terminal state without tripping the fail
// threshold.
func (s *Scheduler) Run(ctx, forceCtx context.Context, audioPath string, plan []model.Chunk, engOpts engine.Options) error {
	total := len(plan)
	sem := make(chan struct{}, s.opts.Workers)

	abortCtx, abortCancel := context.WithCancel(ctx)
	defer abortCancel()

	g, gctx := errgroup.WithContext(abortCtx)

	var mu sync.Mutex
	failedOrSkipped := 0

	for _, chunk := range plan {
		chunk := chunk

		if existing, ok := s.existingTerminal(chunk.Index); ok {
			s.recordResumedTerminal(existing)
			if existing.Status == model.StatusFailed || existing.Status == model.StatusSkipped {
				mu.Lock()
				failedOrSkipped++
				mu.Unlock()
			}
			continue
		}

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			terminal, abortErr := s.processChunk(gctx, forceCtx, audioPath, chunk, engOpts)
			if abortErr != nil {
				return abortErr
			}

			if terminal == model.StatusFailed || terminal == model.StatusSkipped {
				mu.Lock()
				failedOrSkipped++
				exceeded := s.policy.ShouldAbortRun(failedOrSkipped, total)
				mu.Unlock()
				if exceeded {
					abortCancel()
					return ErrAborted
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) existingTerminal(index int) (model.ChunkResult, bool) {
	if !s.store.Exists(index) {
		return model.ChunkResult{}, false
	}
	result, err := s.store.Read(index)
	if err != nil {
		return model.ChunkResult{}, false
	}
	if result.Status == model.StatusCompleted || result.Status == model.StatusSkipped || result.Status == model.StatusFailed {
		return result, true
	}
	return model.ChunkResult{}, false
}

func (s *Scheduler) recordResumedTerminal(result model.ChunkResult) {
	s.progress.MarkRunning()
	switch result.Status {
	case model.StatusCompleted:
		s.progress.MarkCompleted(0)
	case model.StatusSkipped:
		s.progress.MarkSkipped()
	case model.StatusFailed:
		s.progress.MarkFailed()
	}
}

// processChunk runs one chunk to a terminal state (Completed, Failed, or
// Skipped), persisting every transition. It returns a non-nil error only
// when the recovery policy decided to abort the whole run for this chunk
// (KindResource or KindCancellation).
func (s *Scheduler) processChunk(ctx, forceCtx context.Context, audioPath string, chunk model.Chunk, engOpts engine.Options) (model.Status, error) {
	start := time.Now()
	s.progress.MarkRunning()

	if err := s.store.Write(model.ChunkResult{
		Index: chunk.Index, ChunkStartSec: chunk.StartSec, ChunkEndSec: chunk.EndSec,
		Status: model.StatusProcessing, StartedAt: start,
	}); err != nil {
		s.log.Warn("failed to persist processing marker", "chunk", chunk.Index, "error", err)
	}

	delay := s.opts.RetryBaseDelay
	attempts := 0

	for {
		attempts++
		segments, err := s.attempt(ctx, forceCtx, audioPath, chunk, engOpts)
		if err == nil {
			s.persist(chunk, model.StatusCompleted, segments, attempts, start, "", nil)
			s.progress.MarkCompleted(time.Since(start))
			return model.StatusCompleted, nil
		}

		kind := classify.Classify(err)
		decision := s.policy.Decide(kind, attempts)
		s.log.Debug("chunk attempt failed", "chunk", chunk.Index, "attempt", attempts, "kind", kind, "decision", decision, "error", err)

		switch decision {
		case classify.DecisionRetry:
			s.progress.MarkRetrying()
			s.progress.MarkRunning()
			select {
			case <-time.After(delay):
			case <-forceCtx.Done():
				s.persist(chunk, model.StatusFailed, nil, attempts, start, string(kind), forceCtx.Err())
				s.progress.MarkFailed()
				return model.StatusFailed, nil
			case <-ctx.Done():
				s.persist(chunk, model.StatusFailed, nil, attempts, start, string(kind), ctx.Err())
				s.progress.MarkFailed()
				return model.StatusFailed, nil
			}
			delay = minDuration(delay*2, s.opts.RetryMaxDelay)
			continue

		case classify.DecisionSkip:
			s.persist(chunk, model.StatusSkipped, nil, attempts, start, string(kind), err)
			s.progress.MarkSkipped()
			return model.StatusSkipped, nil

		case classify.DecisionAbort:
			s.persist(chunk, model.StatusFailed, nil, attempts, start, string(kind), err)
			s.progress.MarkFailed()
			return model.StatusFailed, fmt.Errorf("chunk %d: %w", chunk.Index, err)

		default:
			s.persist(chunk, model.StatusFailed, nil, attempts, start, string(kind), err)
			s.progress.MarkFailed()
			return model.StatusFailed, nil
		}
	}
}

func (s *Scheduler) persist(chunk model.Chunk, status model.Status, segments []model.Segment, attempts int, start time.Time, errKind string, cause error) {
	result := model.ChunkResult{
		Index: chunk.Index, ChunkStartSec: chunk.StartSec, ChunkEndSec: chunk.EndSec,
		Status: status, Segments: segments, Attempts: attempts,
		StartedAt: start, FinishedAt: time.Now(),
		EngineID: s.engineID, ModelID: s.modelID,
	}
	if errKind != "" {
		result.ErrorKind = errKind
	}
	if err := s.store.Write(result); err != nil {
		s.log.Error("failed to persist chunk result", "chunk", chunk.Index, "status", status, "error", err, "cause", cause)
	}
}

// attempt slices, transcribes, and shifts segments to absolute time for
// one chunk, bounded by the per-chunk soft timeout and the forced
// cancellation context.
func (s *Scheduler) attempt(ctx, forceCtx context.Context, audioPath string, chunk model.Chunk, engOpts engine.Options) ([]model.Segment, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, time.Duration(s.opts.ChunkTimeoutSec)*time.Second)
	defer cancel()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-forceCtx.Done():
			cancel()
		case <-stopWatch:
		}
	}()

	path, cleanup, err := s.slicer.Slice(chunkCtx, audioPath, chunk)
	if err != nil {
		return nil, fmt.Errorf("slicing chunk %d: %w", chunk.Index, err)
	}
	defer cleanup()

	segments, err := s.eng.Transcribe(chunkCtx, path, engOpts)
	if err != nil {
		return nil, err
	}
	return engine.ShiftSegments(segments, chunk.StartSec), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
