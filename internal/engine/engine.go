// Package engine defines the narrow transcription-engine boundary (C3):
// a single Transcribe call per chunk, with a small enumerated option set,
// and two implementations — a local subprocess engine and a remote
// HTTP engine. The remote engine's multipart upload, retry, and error
// classification are adapted from the teacher's internal/transcribe
// OpenAITranscriber; the injectable commandRunner for the local engine
// follows internal/audio's osCommandRunner pattern.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/galak06/ivrit-transcribe/internal/apierr"
	"github.com/galak06/ivrit-transcribe/internal/classify"
	"github.com/galak06/ivrit-transcribe/internal/lang"
	"github.com/galak06/ivrit-transcribe/internal/model"
)

// Options is the recognized, enumerated set of engine parameters from
// spec §4.3. Engines ignore options they do not support rather than
// erroring, except where noted.
type Options struct {
	BeamSize          int
	VADEnabled        bool
	WordTimestamps    bool
	InitialPromptText string
	Temperature       float64
	SuppressTokens    []int
	Language          lang.Language
}

// Engine transcribes one chunk slice of audio. Implementations translate
// their native errors into the classify package's sentinels so the
// scheduler's recovery policy can act on them uniformly.
type Engine interface {
	// Transcribe returns segments with times relative to the start of
	// chunkPath (i.e. [0, chunk duration)); the caller shifts them to
	// absolute source time.
	Transcribe(ctx context.Context, chunkPath string, opts Options) ([]model.Segment, error)
}

// Closer is implemented by engines holding a resource (a loaded model,
// a persistent connection) that must be released after use.
type Closer interface {
	Close() error
}

// ShiftSegments translates segment and word timings from chunk-relative
// to absolute source time by adding offsetSec, mutating a copy.
func ShiftSegments(segments []model.Segment, offsetSec float64) []model.Segment {
	out := make([]model.Segment, len(segments))
	for i, s := range segments {
		s.StartSec += offsetSec
		s.EndSec += offsetSec
		if len(s.WordTimings) > 0 {
			words := make([]model.WordTiming, len(s.WordTimings))
			for j, w := range s.WordTimings {
				w.StartSec += offsetSec
				w.EndSec += offsetSec
				words[j] = w
			}
			s.WordTimings = words
		}
		out[i] = s
	}
	return out
}

// --- Local engine -----------------------------------------------------

// commandRunner executes external commands, abstracted for testing.
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	// #nosec G204 -- name and args are built by LocalEngine, not user input
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// localSegmentLine mirrors the JSON lines a local CLI transcription
// backend (e.g. a faster-whisper wrapper) prints on stdout.
type localSegmentLine struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
	Words       []struct {
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Word        string  `json:"word"`
		Probability float64 `json:"probability"`
	} `json:"words"`
}

// LocalEngine invokes a locally installed transcription CLI as a
// subprocess, one invocation per chunk, and parses its JSON-lines output.
type LocalEngine struct {
	binaryPath string
	modelID    string
	runner     commandRunner
}

// LocalEngineOption configures a LocalEngine.
type LocalEngineOption func(*LocalEngine)

// WithCommandRunner overrides the subprocess runner, for tests.
func WithCommandRunner(r commandRunner) LocalEngineOption {
	return func(e *LocalEngine) { e.runner = r }
}

// NewLocalEngine returns a LocalEngine that runs binaryPath (expected on
// PATH or as an absolute path) loaded with modelID.
func NewLocalEngine(binaryPath, modelID string, opts ...LocalEngineOption) *LocalEngine {
	e := &LocalEngine{
		binaryPath: binaryPath,
		modelID:    modelID,
		runner:     osCommandRunner{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Engine = (*LocalEngine)(nil)

// Transcribe runs the local CLI against chunkPath and parses its
// segment-per-line JSON output.
func (e *LocalEngine) Transcribe(ctx context.Context, chunkPath string, opts Options) ([]model.Segment, error) {
	if _, err := os.Stat(chunkPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, classify.WrapInput("chunk audio missing", err)
		}
		return nil, fmt.Errorf("stat chunk: %w", err)
	}

	args := []string{
		"--model", e.modelID,
		"--input", chunkPath,
		"--output-format", "jsonl",
	}
	if opts.BeamSize > 0 {
		args = append(args, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.VADEnabled {
		args = append(args, "--vad")
	}
	if opts.WordTimestamps {
		args = append(args, "--word-timestamps")
	}
	if opts.InitialPromptText != "" {
		args = append(args, "--initial-prompt", opts.InitialPromptText)
	}
	if opts.Temperature != 0 {
		args = append(args, "--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64))
	}
	if langCode := opts.Language.BaseCode(); langCode != "" {
		args = append(args, "--language", langCode)
	}
	for _, tok := range opts.SuppressTokens {
		args = append(args, "--suppress-token", strconv.Itoa(tok))
	}

	out, err := e.runner.CombinedOutput(ctx, e.binaryPath, args)
	if err != nil {
		return nil, classifyLocalError(err, out)
	}

	return parseLocalOutput(out)
}

func classifyLocalError(err error, output []byte) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	lower := strings.ToLower(string(output))
	switch {
	case strings.Contains(lower, "model not found"), strings.Contains(lower, "failed to load model"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), classify.ErrModelNotLoaded)
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "cuda oom"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), classify.ErrOutOfMemory)
	case strings.Contains(lower, "unsupported"), strings.Contains(lower, "invalid format"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), classify.ErrUnsupportedFormat)
	default:
		return fmt.Errorf("local engine exited with error: %w: %s", classify.ErrEngineCrash, strings.TrimSpace(string(output)))
	}
}

func parseLocalOutput(out []byte) ([]model.Segment, error) {
	var segments []model.Segment
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw localSegmentLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue // tolerate non-JSON log lines interleaved on stdout
		}
		seg := model.Segment{
			StartSec:   raw.Start,
			EndSec:     raw.End,
			Text:       raw.Text,
			Confidence: raw.Probability,
		}
		for _, w := range raw.Words {
			seg.WordTimings = append(seg.WordTimings, model.WordTiming{
				StartSec:    w.Start,
				EndSec:      w.End,
				Word:        w.Word,
				Probability: w.Probability,
			})
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// --- Remote engine ------------------------------------------------------

const (
	defaultRemoteBaseURL   = "https://api.openai.com"
	remoteTranscribePath   = "/v1/audio/transcriptions"
	remoteDiarizeModel     = "gpt-4o-transcribe-diarize"
	remoteStandardModel    = "gpt-4o-mini-transcribe"
	remoteChunkingStrategy = "auto"
	maxRemoteResponseBytes = 10 * 1024 * 1024

	defaultRemoteMaxRetries = 5
	defaultRemoteBaseDelay  = 1 * time.Second
	defaultRemoteMaxDelay   = 30 * time.Second
)

// httpDoer abstracts the HTTP client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteEngine talks to an OpenAI-compatible transcription REST endpoint.
// Requests retry transient failures with exponential backoff before
// surfacing a classify.Kind-compatible error to the caller.
type RemoteEngine struct {
	httpClient httpDoer
	apiKey     string
	baseURL    string
	diarize    bool
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// RemoteEngineOption configures a RemoteEngine.
type RemoteEngineOption func(*RemoteEngine)

func WithRemoteHTTPClient(c httpDoer) RemoteEngineOption {
	return func(e *RemoteEngine) { e.httpClient = c }
}

func WithRemoteBaseURL(url string) RemoteEngineOption {
	return func(e *RemoteEngine) { e.baseURL = strings.TrimSuffix(url, "/") }
}

func WithRemoteDiarize(enabled bool) RemoteEngineOption {
	return func(e *RemoteEngine) { e.diarize = enabled }
}

func WithRemoteRetries(maxRetries int, base, max time.Duration) RemoteEngineOption {
	return func(e *RemoteEngine) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if base > 0 {
			e.baseDelay = base
		}
		if max > 0 {
			e.maxDelay = max
		}
	}
}

// NewRemoteEngine returns a RemoteEngine authenticated with apiKey.
func NewRemoteEngine(apiKey string, opts ...RemoteEngineOption) *RemoteEngine {
	e := &RemoteEngine{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:     apiKey,
		baseURL:    defaultRemoteBaseURL,
		maxRetries: defaultRemoteMaxRetries,
		baseDelay:  defaultRemoteBaseDelay,
		maxDelay:   defaultRemoteMaxDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Engine = (*RemoteEngine)(nil)

// Transcribe uploads chunkPath and returns its segments.
func (e *RemoteEngine) Transcribe(ctx context.Context, chunkPath string, opts Options) ([]model.Segment, error) {
	cfg := apierr.RetryConfig{MaxRetries: e.maxRetries, BaseDelay: e.baseDelay, MaxDelay: e.maxDelay}

	return apierr.RetryWithBackoff(ctx, cfg, func() ([]model.Segment, error) {
		segs, err := e.transcribeHTTP(ctx, chunkPath, opts)
		if err != nil {
			return nil, classifyRemoteError(err)
		}
		return segs, nil
	}, func(err error) bool { return classify.IsRetryable(classify.Classify(err)) })
}

func (e *RemoteEngine) transcribeHTTP(ctx context.Context, chunkPath string, opts Options) (_ []model.Segment, err error) {
	file, err := os.Open(chunkPath) // #nosec G304 -- chunkPath is produced by the Slicer, not user input
	if err != nil {
		return nil, fmt.Errorf("opening chunk: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(chunkPath))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copying chunk into form: %w", err)
	}

	model := remoteStandardModel
	format := "json"
	if e.diarize {
		model = remoteDiarizeModel
		format = "diarized_json"
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("writing model field: %w", err)
	}
	if err := writer.WriteField("response_format", format); err != nil {
		return nil, fmt.Errorf("writing response_format field: %w", err)
	}
	if e.diarize {
		if err := writer.WriteField("chunking_strategy", remoteChunkingStrategy); err != nil {
			return nil, fmt.Errorf("writing chunking_strategy field: %w", err)
		}
	}
	if opts.InitialPromptText != "" {
		if err := writer.WriteField("prompt", opts.InitialPromptText); err != nil {
			return nil, fmt.Errorf("writing prompt field: %w", err)
		}
	}
	if langCode := opts.Language.BaseCode(); langCode != "" {
		if err := writer.WriteField("language", langCode); err != nil {
			return nil, fmt.Errorf("writing language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+remoteTranscribePath, &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing response body: %w", closeErr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseRemoteHTTPError(resp.StatusCode, respBody)
	}

	if e.diarize {
		return parseDiarizedSegments(respBody)
	}
	return parsePlainSegments(respBody)
}

type remoteSegment struct {
	ID      string  `json:"id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

type remoteTranscriptionResponse struct {
	Text     string          `json:"text"`
	Segments []remoteSegment `json:"segments"`
}

func parsePlainSegments(body []byte) ([]model.Segment, error) {
	var resp remoteTranscriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(resp.Segments) == 0 {
		return []model.Segment{{Text: strings.TrimSpace(resp.Text)}}, nil
	}
	return segmentsFromRemote(resp.Segments), nil
}

func parseDiarizedSegments(body []byte) ([]model.Segment, error) {
	var resp remoteTranscriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing diarized response: %w", err)
	}
	if len(resp.Segments) == 0 {
		return []model.Segment{{Text: strings.TrimSpace(resp.Text)}}, nil
	}
	return segmentsFromRemote(resp.Segments), nil
}

func segmentsFromRemote(raw []remoteSegment) []model.Segment {
	segments := make([]model.Segment, len(raw))
	for i, r := range raw {
		segments[i] = model.Segment{
			StartSec: r.Start,
			EndSec:   r.End,
			Text:     strings.TrimSpace(r.Text),
			Speaker:  r.Speaker,
		}
	}
	return segments
}

type remoteAPIError struct {
	StatusCode int
	Message    string
}

func (e *remoteAPIError) Error() string {
	return fmt.Sprintf("remote engine HTTP %d: %s", e.StatusCode, e.Message)
}

type remoteErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseRemoteHTTPError(statusCode int, body []byte) *remoteAPIError {
	var env remoteErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &remoteAPIError{StatusCode: statusCode, Message: string(body)}
	}
	return &remoteAPIError{StatusCode: statusCode, Message: env.Error.Message}
}

func classifyRemoteError(err error) error {
	var apiErr *remoteAPIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return fmt.Errorf("%s: %w", apiErr.Message, classify.ErrEngineBusy)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%s: %w", apiErr.Message, classify.ErrEngineBusy)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w", apiErr.Message, classify.ErrModelNotLoaded)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %w", apiErr.Message, classify.ErrInputRejected)
		default:
			return fmt.Errorf("%s: %w", apiErr.Message, classify.ErrEngineCrash)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("remote engine timed out: %w", classify.ErrEngineBusy)
	}
	return err
}
