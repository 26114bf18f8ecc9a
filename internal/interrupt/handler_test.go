package interrupt_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galak06/ivrit-transcribe/internal/interrupt"
)

func TestHandler_NoSignalLeavesContextsAlive(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, ctx, forceCtx := interrupt.NewHandlerWithOptions(context.Background(), 30, interrupt.Options{SigCh: sigCh})
	defer h.Stop()

	assert.False(t, h.WasInterrupted())
	select {
	case <-ctx.Done():
		t.Fatal("ctx should not be canceled without a signal")
	case <-forceCtx.Done():
		t.Fatal("forceCtx should not be canceled without a signal")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandler_SignalCancelsCtxImmediately(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, ctx, forceCtx := interrupt.NewHandlerWithOptions(context.Background(), 30, interrupt.Options{SigCh: sigCh})
	defer h.Stop()

	sigCh <- os.Interrupt

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("ctx was not canceled after signal")
	}
	assert.True(t, h.WasInterrupted())

	select {
	case <-forceCtx.Done():
		t.Fatal("forceCtx should not be canceled before the grace period elapses")
	default:
	}
}

func TestHandler_GraceSecLessOrEqualZeroNormalizesToDefault(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, ctx, forceCtx := interrupt.NewHandlerWithOptions(context.Background(), 0, interrupt.Options{SigCh: sigCh})
	defer h.Stop()

	sigCh <- os.Interrupt
	require.Eventually(t, func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	select {
	case <-forceCtx.Done():
		t.Fatal("forceCtx fired before the normalized 30s default grace period")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandler_StopIsIdempotent(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, _, _ := interrupt.NewHandlerWithOptions(context.Background(), 30, interrupt.Options{SigCh: sigCh})
	h.Stop()
	h.Stop()
}

func TestHandler_StopUnblocksListenWithoutForceCanceling(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	h, ctx, forceCtx := interrupt.NewHandlerWithOptions(context.Background(), 30, interrupt.Options{SigCh: sigCh})

	sigCh <- os.Interrupt
	require.Eventually(t, func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	h.Stop()

	select {
	case <-forceCtx.Done():
		t.Fatal("Stop should short-circuit the grace-period wait, not force-cancel")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandler_ParentCancellationWithoutSignalLeavesWasInterruptedFalse(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	parent, parentCancel := context.WithCancel(context.Background())
	h, ctx, _ := interrupt.NewHandlerWithOptions(parent, 30, interrupt.Options{SigCh: sigCh})
	defer h.Stop()

	parentCancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("ctx should observe parent cancellation")
	}
	assert.False(t, h.WasInterrupted())
}

func TestHandler_ClosedSignalChannelIsIgnored(t *testing.T) {
	sigCh := make(chan os.Signal)
	close(sigCh)
	h, ctx, forceCtx := interrupt.NewHandlerWithOptions(context.Background(), 30, interrupt.Options{SigCh: sigCh})
	defer h.Stop()

	select {
	case <-ctx.Done():
		t.Fatal("a closed signal channel must not be treated as a signal")
	case <-forceCtx.Done():
		t.Fatal("forceCtx must not cancel from a closed signal channel")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, h.WasInterrupted())
}
