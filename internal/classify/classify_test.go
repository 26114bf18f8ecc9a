package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Taxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"engine busy", ErrEngineBusy, KindEngineTransient},
		{"engine crash", ErrEngineCrash, KindEngineTransient},
		{"deadline exceeded", context.DeadlineExceeded, KindEngineTransient},
		{"model not loaded", ErrModelNotLoaded, KindEnginePermanent},
		{"unsupported format", ErrUnsupportedFormat, KindInput},
		{"corrupt audio", ErrCorruptAudio, KindInput},
		{"empty audio", ErrEmptyAudio, KindInput},
		{"input rejected", ErrInputRejected, KindInput},
		{"out of memory", ErrOutOfMemory, KindResource},
		{"disk full", ErrDiskFull, KindResource},
		{"canceled", context.Canceled, KindCancellation},
		{"unrecognized", errors.New("boom"), KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.err))
		})
	}
}

func TestClassify_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("engine call failed: %w", ErrEngineBusy)
	assert.Equal(t, KindEngineTransient, Classify(wrapped))
}

func TestClassify_NilIsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestPolicy_Decide_InputAndPermanentAlwaysSkip(t *testing.T) {
	p := NewPolicy(3, 0.25)
	assert.Equal(t, DecisionSkip, p.Decide(KindInput, 1))
	assert.Equal(t, DecisionSkip, p.Decide(KindEnginePermanent, 1))
}

func TestPolicy_Decide_ResourceAndCancellationAbort(t *testing.T) {
	p := NewPolicy(3, 0.25)
	assert.Equal(t, DecisionAbort, p.Decide(KindResource, 1))
	assert.Equal(t, DecisionAbort, p.Decide(KindCancellation, 1))
}

func TestPolicy_Decide_TransientRetriesUntilMaxAttempts(t *testing.T) {
	p := NewPolicy(3, 0.25)
	assert.Equal(t, DecisionRetry, p.Decide(KindEngineTransient, 1))
	assert.Equal(t, DecisionRetry, p.Decide(KindEngineTransient, 2))
	assert.Equal(t, DecisionSkip, p.Decide(KindEngineTransient, 3))
}

func TestPolicy_Decide_UnknownRetriesUpToUnknownMaxRetries(t *testing.T) {
	p := NewPolicy(5, 0.25)
	require.Equal(t, 2, p.UnknownMaxRetries)
	assert.Equal(t, DecisionRetry, p.Decide(KindUnknown, 1))
	assert.Equal(t, DecisionRetry, p.Decide(KindUnknown, 2))
	assert.Equal(t, DecisionSkip, p.Decide(KindUnknown, 3))
}

func TestPolicy_ShouldAbortRun(t *testing.T) {
	p := NewPolicy(3, 0.25)
	assert.False(t, p.ShouldAbortRun(2, 10))
	assert.False(t, p.ShouldAbortRun(0, 0))
	assert.True(t, p.ShouldAbortRun(3, 10))
}

func TestNewPolicy_AppliesDefaults(t *testing.T) {
	p := NewPolicy(0, 0)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.InDelta(t, 0.25, p.FailThresholdFraction, 1e-9)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KindEngineTransient))
	assert.True(t, IsRetryable(KindUnknown))
	assert.False(t, IsRetryable(KindInput))
	assert.False(t, IsRetryable(KindResource))
}
