// Package telemetry implements the Progress & Telemetry component (C10):
// lock-free in-process progress counters plus periodic structured
// logging. The atomic-fields-with-a-Stats()-snapshot shape is grounded
// on the ChunkAssembler.Stats() pattern seen in the examples pack
// (a chunk-assembly server that reads only atomic fields so snapshots
// never contend with the write path); logging uses log/slog, the
// ambient structured-logging choice carried from the richer example
// repo in the pack.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/galak06/ivrit-transcribe/internal/format"
)

// Snapshot is a point-in-time, lock-free read of the run's progress.
type Snapshot struct {
	Total      int
	Pending    int
	Running    int
	Completed  int
	Failed     int
	Skipped    int
	MinChunkMS int64
	MaxChunkMS int64
	MeanChunkMS float64
}

// Progress tracks chunk lifecycle counts and per-chunk processing-time
// statistics for one run, concurrently from scheduler worker goroutines.
type Progress struct {
	total     atomic.Int64
	pending   atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	chunkCount  atomic.Int64
	sumMS       atomic.Int64
	minMS       atomic.Int64
	maxMS       atomic.Int64
}

// New returns a Progress initialized with total chunks, all Pending.
func New(total int) *Progress {
	p := &Progress{}
	p.total.Store(int64(total))
	p.pending.Store(int64(total))
	p.minMS.Store(-1)
	return p
}

// MarkRunning transitions one chunk from Pending to Running.
func (p *Progress) MarkRunning() {
	p.pending.Add(-1)
	p.running.Add(1)
}

// MarkCompleted transitions one chunk from Running to Completed and
// records its processing duration for the min/max/mean stats.
func (p *Progress) MarkCompleted(elapsed time.Duration) {
	p.running.Add(-1)
	p.completed.Add(1)
	p.recordDuration(elapsed)
}

// MarkRetrying transitions one chunk from Running back to Pending (a
// retry will follow) without counting it as a terminal failure yet.
func (p *Progress) MarkRetrying() {
	p.running.Add(-1)
	p.pending.Add(1)
}

// MarkSkipped transitions one chunk from Running to Skipped (gave up
// after retries, or permanently unretryable).
func (p *Progress) MarkSkipped() {
	p.running.Add(-1)
	p.skipped.Add(1)
}

// MarkFailed transitions one chunk from Running to Failed terminally
// (distinct from Skipped when the recovery policy aborts the run).
func (p *Progress) MarkFailed() {
	p.running.Add(-1)
	p.failed.Add(1)
}

func (p *Progress) recordDuration(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	p.chunkCount.Add(1)
	p.sumMS.Add(ms)

	for {
		cur := p.minMS.Load()
		if cur >= 0 && cur <= ms {
			break
		}
		if p.minMS.CompareAndSwap(cur, ms) {
			break
		}
	}
	for {
		cur := p.maxMS.Load()
		if cur >= ms {
			break
		}
		if p.maxMS.CompareAndSwap(cur, ms) {
			break
		}
	}
}

// Stats returns a lock-free snapshot of current progress.
func (p *Progress) Stats() Snapshot {
	count := p.chunkCount.Load()
	var mean float64
	if count > 0 {
		mean = float64(p.sumMS.Load()) / float64(count)
	}
	minMS := p.minMS.Load()
	if minMS < 0 {
		minMS = 0
	}
	return Snapshot{
		Total:       int(p.total.Load()),
		Pending:     int(p.pending.Load()),
		Running:     int(p.running.Load()),
		Completed:   int(p.completed.Load()),
		Failed:      int(p.failed.Load()),
		Skipped:     int(p.skipped.Load()),
		MinChunkMS:  minMS,
		MaxChunkMS:  p.maxMS.Load(),
		MeanChunkMS: mean,
	}
}

// Done reports whether every chunk has reached a terminal state.
func (s Snapshot) Done() bool {
	return s.Completed+s.Failed+s.Skipped >= s.Total
}

// LogPeriodically logs a progress snapshot every interval until ctx is
// canceled, returning once the final log line has been emitted. Intended
// to run in its own goroutine for the lifetime of a run. sink may be nil
// when no Prometheus registry was configured for this run.
func LogPeriodically(ctx context.Context, log *slog.Logger, p *Progress, interval time.Duration, runID string, sink *PrometheusSink) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			snap := p.Stats()
			logSnapshot(log, snap, runID)
			sink.Observe(snap)
			return
		case <-ticker.C:
			snap := p.Stats()
			logSnapshot(log, snap, runID)
			sink.Observe(snap)
			if snap.Done() {
				return
			}
		}
	}
}

func logSnapshot(log *slog.Logger, snap Snapshot, runID string) {
	log.Info("transcription progress",
		"run_id", runID,
		"total", snap.Total,
		"pending", snap.Pending,
		"running", snap.Running,
		"completed", snap.Completed,
		"failed", snap.Failed,
		"skipped", snap.Skipped,
		"chunk_ms_min", snap.MinChunkMS,
		"chunk_ms_max", snap.MaxChunkMS,
		"chunk_ms_mean", snap.MeanChunkMS,
		"chunk_min", format.Duration(time.Duration(snap.MinChunkMS)*time.Millisecond),
		"chunk_max", format.Duration(time.Duration(snap.MaxChunkMS)*time.Millisecond),
		"chunk_mean", format.DurationHuman(time.Duration(snap.MeanChunkMS)*time.Millisecond),
	)
}
