package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galak06/ivrit-transcribe/internal/classify"
	"github.com/galak06/ivrit-transcribe/internal/model"
)

func TestShiftSegments_TranslatesStartEndAndWords(t *testing.T) {
	segments := []model.Segment{
		{
			StartSec: 1, EndSec: 2, Text: "hi",
			WordTimings: []model.WordTiming{{StartSec: 1, EndSec: 1.5, Word: "hi"}},
		},
	}
	shifted := ShiftSegments(segments, 30)
	require.Len(t, shifted, 1)
	assert.InDelta(t, 31, shifted[0].StartSec, 1e-9)
	assert.InDelta(t, 32, shifted[0].EndSec, 1e-9)
	assert.InDelta(t, 31, shifted[0].WordTimings[0].StartSec, 1e-9)

	// Original slice untouched.
	assert.InDelta(t, 1, segments[0].StartSec, 1e-9)
}

type fakeRunner struct {
	output []byte
	err    error
}

func (f fakeRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return f.output, f.err
}

func TestLocalEngine_ParsesJSONLinesOutput(t *testing.T) {
	tmp := t.TempDir() + "/chunk.wav"
	require.NoError(t, writeEmptyFile(tmp))

	out := `{"start":0,"end":1.2,"text":"שלום עולם","probability":0.9}
{"start":1.2,"end":2.5,"text":"מה שלומך","probability":0.8}
`
	e := NewLocalEngine("whisper-cli", "ivrit-ai/whisper", WithCommandRunner(fakeRunner{output: []byte(out)}))

	segments, err := e.Transcribe(context.Background(), tmp, Options{})
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "שלום עולם", segments[0].Text)
	assert.InDelta(t, 2.5, segments[1].EndSec, 1e-9)
}

func TestLocalEngine_MissingChunkIsInputError(t *testing.T) {
	e := NewLocalEngine("whisper-cli", "m", WithCommandRunner(fakeRunner{}))
	_, err := e.Transcribe(context.Background(), "/no/such/file.wav", Options{})
	require.Error(t, err)
	assert.Equal(t, classify.KindInput, classify.Classify(err))
}

func TestLocalEngine_ClassifiesModelNotLoaded(t *testing.T) {
	tmp := t.TempDir() + "/chunk.wav"
	require.NoError(t, writeEmptyFile(tmp))

	e := NewLocalEngine("whisper-cli", "missing-model", WithCommandRunner(fakeRunner{
		output: []byte("Error: model not found on disk"),
		err:    errors.New("exit status 1"),
	}))
	_, err := e.Transcribe(context.Background(), tmp, Options{})
	require.Error(t, err)
	assert.Equal(t, classify.KindEnginePermanent, classify.Classify(err))
}

func writeEmptyFile(path string) error {
	return os.WriteFile(path, []byte{}, 0o644)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestRemoteEngine_ParsesPlainSegments(t *testing.T) {
	client := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body := `{"text":"hello","segments":[{"id":"0","start":0,"end":1.5,"text":"hello"}]}`
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})

	e := NewRemoteEngine("test-key", WithRemoteHTTPClient(client), WithRemoteRetries(0, 0, 0))
	tmp := t.TempDir() + "/chunk.wav"
	require.NoError(t, writeEmptyFile(tmp))

	segments, err := e.Transcribe(context.Background(), tmp, Options{})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "hello", segments[0].Text)
}

func TestRemoteEngine_ClassifiesAuthFailureAsEnginePermanent(t *testing.T) {
	client := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body := `{"error":{"message":"invalid api key"}}`
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})

	e := NewRemoteEngine("bad-key", WithRemoteHTTPClient(client), WithRemoteRetries(0, 0, 0))
	tmp := t.TempDir() + "/chunk.wav"
	require.NoError(t, writeEmptyFile(tmp))

	_, err := e.Transcribe(context.Background(), tmp, Options{})
	require.Error(t, err)
	assert.Equal(t, classify.KindEnginePermanent, classify.Classify(err))
}

func TestRemoteEngine_RateLimitIsRetryable(t *testing.T) {
	attempts := 0
	client := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"rate limited"}}`)),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"text":"ok","segments":[{"start":0,"end":1,"text":"ok"}]}`)),
		}, nil
	})

	e := NewRemoteEngine("k", WithRemoteHTTPClient(client), WithRemoteRetries(2, 1, 1))
	tmp := t.TempDir() + "/chunk.wav"
	require.NoError(t, writeEmptyFile(tmp))

	segments, err := e.Transcribe(context.Background(), tmp, Options{})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 2, attempts)
}
