// Package interrupt exposes a single run-scoped cancellation signal
// (SIGINT/SIGTERM) observable by the scheduler's enqueue loop, each
// worker, and the coordinator, per the concurrency model's cancellation
// semantics: in-flight engine calls are allowed to finish within a grace
// period before a forced context takes over. Simplified from the
// teacher's double-Ctrl+C Handler (which distinguished a first "stop
// early" press from a second "abort now" press) down to the single-signal,
// grace-period model this pipeline's run lifecycle calls for.
package interrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ExitInterrupt is the process exit code for a user-initiated cancel.
const ExitInterrupt = 130

// Handler owns the OS signal subscription for one run and hands out two
// contexts: Ctx, derived from a parent and canceled the instant a signal
// arrives, and ForceCtx, independent of the parent and canceled graceSec
// after that signal — the scheduler treats
// Ctx.Done() as "stop starting new work" and ForceCtx.Done() as "abandon
// in-flight work now".
type Handler struct {
	mu          sync.Mutex
	interrupted bool
	stopped     bool
	cancel      context.CancelFunc
	forceCancel context.CancelFunc
	done        chan struct{}

	nowFunc func() time.Time
}

// Options holds injectable dependencies for testing.
type Options struct {
	SigCh   <-chan os.Signal
	NowFunc func() time.Time
}

// NewHandler subscribes to SIGINT/SIGTERM and returns a Handler plus the
// soft-cancel context (derived from parent) and the forced-cancel context
// (not derived from parent; canceled only by the grace-period timer).
func NewHandler(parent context.Context, graceSec int) (*Handler, context.Context, context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return newHandler(parent, graceSec, Options{SigCh: sigCh})
}

// NewHandlerWithOptions creates a Handler with injectable dependencies,
// used by tests to supply a fake signal channel and clock.
func NewHandlerWithOptions(parent context.Context, graceSec int, opts Options) (*Handler, context.Context, context.Context) {
	return newHandler(parent, graceSec, opts)
}

func newHandler(parent context.Context, graceSec int, opts Options) (*Handler, context.Context, context.Context) {
	if graceSec <= 0 {
		graceSec = 30
	}
	ctx, cancel := context.WithCancel(parent)
	forceCtx, forceCancel := context.WithCancel(context.Background())

	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	h := &Handler{
		cancel:      cancel,
		forceCancel: forceCancel,
		done:        make(chan struct{}),
		nowFunc:     nowFunc,
	}

	if opts.SigCh != nil {
		go h.listen(opts.SigCh, ctx, time.Duration(graceSec)*time.Second)
	}

	return h, ctx, forceCtx
}

func (h *Handler) listen(sigCh <-chan os.Signal, ctx context.Context, grace time.Duration) {
	select {
	case <-h.done:
		return
	case _, ok := <-sigCh:
		if !ok {
			return
		}
		h.mu.Lock()
		h.interrupted = true
		h.mu.Unlock()
		h.cancel()

		select {
		case <-time.After(grace):
			h.forceCancel()
		case <-h.done:
		}
	case <-ctx.Done():
		// Canceled by something other than a signal (e.g. parent
		// context); nothing further for the handler to do.
	}
}

// WasInterrupted reports whether a signal has been received.
func (h *Handler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// Stop releases the signal subscription. Safe to call multiple times.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	close(h.done)
}
