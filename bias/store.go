package bias

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StackWriter receives the difference matrices of one beam as they are produced.
// Nothing is visible to readers until Commit succeeds. Implementations are safe
// for concurrent use.
type StackWriter interface {
	// Append stores m in the difference stack and |m| in the absolute stack
	Append(m Matrix) error
	Commit() error
	Abort() error
}

// ArtifactStore persists per-beam artifacts keyed by acquisition and beam. The
// Has* checks are the checkpoints that make re-runs skip completed stages.
type ArtifactStore interface {
	HasStacks(key ArtifactKey) (bool, error)
	BeginStacks(key ArtifactKey) (StackWriter, error)
	// ReadStack streams the committed difference stack in append order
	ReadStack(key ArtifactKey, fn func(Matrix) error) error

	HasResult(key ArtifactKey) (bool, error)
	// SaveFit stores the fitted surface and the result record together
	SaveFit(key ArtifactKey, fitted Matrix, result BeamResult) error
	LoadResult(key ArtifactKey) (*BeamResult, error)
	LoadFittedSurface(key ArtifactKey) (Matrix, error)
	ListResults() ([]BeamResult, error)

	Close() error
}

// OpenStore opens the store selected in config
func OpenStore(cfg *Config) (ArtifactStore, error) {
	switch cfg.Store.Kind {
	case "sqlite":
		return OpenSQLiteStore(cfg.StorePath())
	case "file", "":
		return NewFileStore(cfg.StorePath()), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// FileStore keeps artifacts as files under <root>/<acquisition>/, next to the
// footprint tables they were computed from
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) dir(key ArtifactKey) string {
	return filepath.Join(s.root, key.Acquisition)
}

func (s *FileStore) diffPath(key ArtifactKey) string {
	return filepath.Join(s.dir(key), fmt.Sprintf("elev_diffs_%s.ndjson", key.Beam))
}

func (s *FileStore) absPath(key ArtifactKey) string {
	return filepath.Join(s.dir(key), fmt.Sprintf("abs_elev_diffs_%s.ndjson", key.Beam))
}

func (s *FileStore) surfacePath(key ArtifactKey) string {
	return filepath.Join(s.dir(key), fmt.Sprintf("abs_adjusted_elev_diffs_%s.json", key.Beam))
}

func (s *FileStore) resultPath(key ArtifactKey) string {
	return filepath.Join(s.dir(key), fmt.Sprintf("results_%s.csv", key.Beam))
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// HasStacks reports whether both stacks were committed
func (s *FileStore) HasStacks(key ArtifactKey) (bool, error) {
	for _, p := range []string{s.diffPath(key), s.absPath(key)} {
		ok, err := fileExists(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// BeginStacks opens temporary stack files that are renamed into place on Commit
func (s *FileStore) BeginStacks(key ArtifactKey) (StackWriter, error) {
	if err := os.MkdirAll(s.dir(key), 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	w := &fileStackWriter{}
	for _, final := range []string{s.diffPath(key), s.absPath(key)} {
		f, err := os.CreateTemp(s.dir(key), filepath.Base(final)+".*.tmp")
		if err != nil {
			_ = w.Abort()
			return nil, fmt.Errorf("creating stack file: %w", err)
		}
		w.files = append(w.files, f)
		w.bufs = append(w.bufs, bufio.NewWriter(f))
		w.finals = append(w.finals, final)
	}
	return w, nil
}

type fileStackWriter struct {
	mu     sync.Mutex
	files  []*os.File
	bufs   []*bufio.Writer
	finals []string
	done   bool
}

func (w *fileStackWriter) Append(m Matrix) error {
	diff, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding difference matrix: %w", err)
	}
	abs, err := json.Marshal(m.Abs())
	if err != nil {
		return fmt.Errorf("encoding absolute difference matrix: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("stack writer already closed")
	}
	for i, line := range [][]byte{diff, abs} {
		if _, err := w.bufs[i].Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing stack: %w", err)
		}
	}
	return nil
}

func (w *fileStackWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("stack writer already closed")
	}
	w.done = true
	for i, f := range w.files {
		if err := w.bufs[i].Flush(); err != nil {
			w.cleanup()
			return fmt.Errorf("flushing stack: %w", err)
		}
		if err := f.Close(); err != nil {
			w.cleanup()
			return fmt.Errorf("closing stack: %w", err)
		}
	}
	for i, f := range w.files {
		if err := os.Rename(f.Name(), w.finals[i]); err != nil {
			w.cleanup()
			return fmt.Errorf("committing stack: %w", err)
		}
	}
	return nil
}

func (w *fileStackWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *fileStackWriter) cleanup() {
	for _, f := range w.files {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
}

// ReadStack streams the committed difference stack
func (s *FileStore) ReadStack(key ArtifactKey, fn func(Matrix) error) error {
	return readNDJSON(s.diffPath(key), fn)
}

func readNDJSON(path string, fn func(Matrix) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening stack: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var m Matrix
			if uerr := json.Unmarshal(line, &m); uerr != nil {
				return fmt.Errorf("decoding stack %s: %w", path, uerr)
			}
			if ferr := fn(m); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stack %s: %w", path, err)
		}
	}
}

// HasResult reports whether the beam was already fitted
func (s *FileStore) HasResult(key ArtifactKey) (bool, error) {
	return fileExists(s.resultPath(key))
}

// SaveFit writes the fitted surface, then the results table that marks the
// stage as complete
func (s *FileStore) SaveFit(key ArtifactKey, fitted Matrix, result BeamResult) error {
	surface, err := json.Marshal(fitted)
	if err != nil {
		return fmt.Errorf("encoding fitted surface: %w", err)
	}
	if err := writeFileAtomic(s.surfacePath(key), surface); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := WriteResultsCSV(&buf, result); err != nil {
		return err
	}
	return writeFileAtomic(s.resultPath(key), buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// LoadResult returns the stored result, or nil when the beam was not fitted
func (s *FileStore) LoadResult(key ArtifactKey) (*BeamResult, error) {
	f, err := os.Open(s.resultPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening result: %w", err)
	}
	defer func() { _ = f.Close() }()

	results, err := ReadResultsCSV(f, key.Acquisition)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("result file for %s is empty", key)
	}
	return &results[0], nil
}

// LoadFittedSurface returns the stored fitted surface
func (s *FileStore) LoadFittedSurface(key ArtifactKey) (Matrix, error) {
	data, err := os.ReadFile(s.surfacePath(key))
	if err != nil {
		return nil, fmt.Errorf("reading fitted surface: %w", err)
	}
	var m Matrix
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing fitted surface: %w", err)
	}
	return m, nil
}

// ListResults returns every stored result ordered by acquisition and beam
func (s *FileStore) ListResults() ([]BeamResult, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, "*", "results_*.csv"))
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	sort.Strings(paths)

	var out []BeamResult
	for _, p := range paths {
		beam := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "results_"), ".csv")
		key := ArtifactKey{Acquisition: filepath.Base(filepath.Dir(p)), Beam: beam}
		r, err := s.LoadResult(key)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}
