// Package store persists per-chunk transcription results to disk, one JSON
// file per chunk, durably enough to survive a crash mid-run and support
// resume. The write protocol (temp file in the same directory, fsync,
// rename) strengthens the teacher's O_CREATE|O_EXCL atomic-write idiom
// (internal/cli/output.go) to also survive a host crash, not just a
// concurrent-writer race.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/galak06/ivrit-transcribe/internal/model"
)

// ErrNotFound indicates no chunk result exists for the requested index.
var ErrNotFound = errors.New("chunk result not found")

// Store manages the chunks/ subdirectory of a run directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func fileName(index int) string {
	return fmt.Sprintf("chunk_%06d.json", index)
}

func (s *Store) path(index int) string {
	return filepath.Join(s.dir, fileName(index))
}

// Exists reports whether a chunk result file exists for index, without
// reading or parsing it.
func (s *Store) Exists(index int) bool {
	_, err := os.Stat(s.path(index))
	return err == nil
}

// Write durably persists result, overwriting any prior result for the
// same index. It writes to a temp file in the same directory, fsyncs it,
// then renames over the destination — rename is atomic on the same
// filesystem, so a reader never observes a partially written file.
func (s *Store) Write(result model.ChunkResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chunk result %d: %w", result.Index, err)
	}

	dest := s.path(result.Index)
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".chunk_%06d-*.tmp", result.Index))
	if err != nil {
		return fmt.Errorf("creating temp file for chunk %d: %w", result.Index, err)
	}
	tmpPath := tmp.Name()

	writeErr := func() error {
		if _, err := tmp.Write(data); err != nil {
			return fmt.Errorf("writing chunk %d: %w", result.Index, err)
		}
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("fsyncing chunk %d: %w", result.Index, err)
		}
		return tmp.Close()
	}()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming chunk %d into place: %w", result.Index, err)
	}
	return nil
}

// Read loads the persisted result for index.
func (s *Store) Read(index int) (model.ChunkResult, error) {
	data, err := os.ReadFile(s.path(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ChunkResult{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
		}
		return model.ChunkResult{}, fmt.Errorf("reading chunk %d: %w", index, err)
	}
	var result model.ChunkResult
	if err := json.Unmarshal(data, &result); err != nil {
		return model.ChunkResult{}, fmt.Errorf("parsing chunk %d: %w", index, err)
	}
	return result, nil
}

// List returns all persisted chunk results, sorted by index.
func (s *Store) List() ([]model.ChunkResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing chunk store: %w", err)
	}

	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%06d.json", &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	results := make([]model.ChunkResult, 0, len(indices))
	for _, idx := range indices {
		r, err := s.Read(idx)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ResumeState classifies prior results against a fresh chunk plan, ready
// to drive a resumed run: chunks with no prior result, or a prior result
// stuck in Pending/Processing/Failed, are scheduled again; Completed and
// Skipped chunks are left untouched.
func (s *Store) ResumeState(totalChunks int) (pending []int, completed []int, err error) {
	for i := 0; i < totalChunks; i++ {
		if !s.Exists(i) {
			pending = append(pending, i)
			continue
		}
		r, readErr := s.Read(i)
		if readErr != nil {
			return nil, nil, readErr
		}
		switch r.Status {
		case model.StatusCompleted, model.StatusSkipped:
			completed = append(completed, i)
		default:
			// Pending, Processing (interrupted mid-flight), or Failed: retry.
			pending = append(pending, i)
		}
	}
	return pending, completed, nil
}

// IndexFromFileName extracts the chunk index from a store file name,
// used by resume-scan tooling operating directly on the directory listing.
func IndexFromFileName(name string) (int, bool) {
	base := filepath.Base(name)
	const prefix, suffix = "chunk_", ".json"
	if len(base) != len(prefix)+6+len(suffix) {
		return 0, false
	}
	numPart := base[len(prefix) : len(base)-len(suffix)]
	idx, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, false
	}
	return idx, true
}
