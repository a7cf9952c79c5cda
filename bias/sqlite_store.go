package bias

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stacks (
	acquisition TEXT NOT NULL,
	beam        TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	count       INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (acquisition, beam)
);
CREATE TABLE IF NOT EXISTS stack_matrices (
	run_id      TEXT NOT NULL,
	acquisition TEXT NOT NULL,
	beam        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	diff        TEXT NOT NULL,
	abs_diff    TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_stack_matrices_key ON stack_matrices (acquisition, beam);
CREATE TABLE IF NOT EXISTS fitted_surfaces (
	acquisition TEXT NOT NULL,
	beam        TEXT NOT NULL,
	surface     TEXT NOT NULL,
	PRIMARY KEY (acquisition, beam)
);
CREATE TABLE IF NOT EXISTS beam_results (
	acquisition TEXT NOT NULL,
	beam        TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	n           INTEGER NOT NULL,
	bias        REAL NOT NULL,
	rmse        REAL NOT NULL,
	init_x      REAL NOT NULL,
	init_y      REAL NOT NULL,
	adjusted_x  REAL NOT NULL,
	adjusted_y  REAL NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (acquisition, beam)
);
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// SQLiteStore keeps all artifacts in a single SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection so the pragmas below apply to every statement
	db.SetMaxOpenConns(1)

	for _, p := range sqlitePragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries fn with exponential backoff while SQLite reports contention
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	backoff := 20 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *SQLiteStore) exists(query string, key ArtifactKey) (bool, error) {
	var one int
	err := s.db.QueryRow(query, key.Acquisition, key.Beam).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasStacks reports whether the stacks for key were committed
func (s *SQLiteStore) HasStacks(key ArtifactKey) (bool, error) {
	ok, err := s.exists(`SELECT 1 FROM stacks WHERE acquisition = ? AND beam = ?`, key)
	if err != nil {
		return false, fmt.Errorf("query stacks: %w", err)
	}
	return ok, nil
}

// BeginStacks starts a new stack run. Matrices are inserted under the run's ID
// as they are appended; the stacks row pointing at the run is only written on
// Commit, so readers never see a partial run.
func (s *SQLiteStore) BeginStacks(key ArtifactKey) (StackWriter, error) {
	// rows left behind by a run that never committed or aborted
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			DELETE FROM stack_matrices
			WHERE acquisition = ? AND beam = ?
			AND run_id NOT IN (SELECT run_id FROM stacks WHERE acquisition = ? AND beam = ?)`,
			key.Acquisition, key.Beam, key.Acquisition, key.Beam,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clearing stale stack rows: %w", err)
	}
	return &sqliteStackWriter{store: s, key: key, runID: uuid.New().String()}, nil
}

type sqliteStackWriter struct {
	store *SQLiteStore
	key   ArtifactKey
	runID string

	mu    sync.Mutex
	count int
	done  bool
}

func (w *sqliteStackWriter) Append(m Matrix) error {
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
	err = retryOnBusy(func() error {
		_, err := w.store.db.Exec(
			`INSERT INTO stack_matrices (run_id, acquisition, beam, seq, diff, abs_diff) VALUES (?, ?, ?, ?, ?, ?)`,
			w.runID, w.key.Acquisition, w.key.Beam, w.count, string(diff), string(abs),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert matrix %d: %w", w.count, err)
	}
	w.count++
	return nil
}

func (w *sqliteStackWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("stack writer already closed")
	}
	w.done = true

	return retryOnBusy(func() error {
		tx, err := w.store.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		k := w.key
		if _, err := tx.Exec(
			`DELETE FROM stack_matrices WHERE acquisition = ? AND beam = ? AND run_id != ?`,
			k.Acquisition, k.Beam, w.runID,
		); err != nil {
			return fmt.Errorf("clear previous stack: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO stacks (acquisition, beam, run_id, count, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			k.Acquisition, k.Beam, w.runID, w.count, time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert stack: %w", err)
		}
		return tx.Commit()
	})
}

func (w *sqliteStackWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return retryOnBusy(func() error {
		if _, err := w.store.db.Exec(`DELETE FROM stack_matrices WHERE run_id = ?`, w.runID); err != nil {
			return fmt.Errorf("discard staged stack: %w", err)
		}
		return nil
	})
}

// ReadStack streams the committed difference stack
func (s *SQLiteStore) ReadStack(key ArtifactKey, fn func(Matrix) error) error {
	ok, err := s.HasStacks(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no stacks stored for %s", key)
	}

	rows, err := s.db.Query(`
		SELECT m.diff FROM stack_matrices m
		JOIN stacks s ON s.run_id = m.run_id
		WHERE s.acquisition = ? AND s.beam = ?
		ORDER BY m.seq`,
		key.Acquisition, key.Beam,
	)
	if err != nil {
		return fmt.Errorf("query stack: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan stack: %w", err)
		}
		var m Matrix
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return fmt.Errorf("decoding stack for %s: %w", key, err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// HasResult reports whether a result row exists for key
func (s *SQLiteStore) HasResult(key ArtifactKey) (bool, error) {
	ok, err := s.exists(`SELECT 1 FROM beam_results WHERE acquisition = ? AND beam = ?`, key)
	if err != nil {
		return false, fmt.Errorf("query results: %w", err)
	}
	return ok, nil
}

// SaveFit stores the fitted surface and the result in one transaction
func (s *SQLiteStore) SaveFit(key ArtifactKey, fitted Matrix, result BeamResult) error {
	surface, err := json.Marshal(fitted)
	if err != nil {
		return fmt.Errorf("encoding fitted surface: %w", err)
	}
	runID := uuid.New().String()

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO fitted_surfaces (acquisition, beam, surface) VALUES (?, ?, ?)`,
			key.Acquisition, key.Beam, string(surface),
		); err != nil {
			return fmt.Errorf("insert fitted surface: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO beam_results (
				acquisition, beam, run_id, n, bias, rmse,
				init_x, init_y, adjusted_x, adjusted_y, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key.Acquisition, key.Beam, runID, result.SampleCount, result.Bias, result.RMSE,
			result.InitX, result.InitY, result.AdjustedX, result.AdjustedY, time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return tx.Commit()
	})
}

const resultColumns = `acquisition, beam, n, bias, rmse, init_x, init_y, adjusted_x, adjusted_y`

func scanResult(sc interface{ Scan(...any) error }) (*BeamResult, error) {
	var r BeamResult
	err := sc.Scan(
		&r.Acquisition, &r.Beam, &r.SampleCount, &r.Bias, &r.RMSE,
		&r.InitX, &r.InitY, &r.AdjustedX, &r.AdjustedY,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadResult returns the stored result, or nil when the beam was not fitted
func (s *SQLiteStore) LoadResult(key ArtifactKey) (*BeamResult, error) {
	row := s.db.QueryRow(
		`SELECT `+resultColumns+` FROM beam_results WHERE acquisition = ? AND beam = ?`,
		key.Acquisition, key.Beam,
	)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	return r, nil
}

// LoadFittedSurface returns the stored fitted surface
func (s *SQLiteStore) LoadFittedSurface(key ArtifactKey) (Matrix, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT surface FROM fitted_surfaces WHERE acquisition = ? AND beam = ?`,
		key.Acquisition, key.Beam,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load fitted surface for %s: %w", key, err)
	}
	var m Matrix
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing fitted surface: %w", err)
	}
	return m, nil
}

// ListResults returns every stored result ordered by acquisition and beam
func (s *SQLiteStore) ListResults() ([]BeamResult, error) {
	rows, err := s.db.Query(`SELECT ` + resultColumns + ` FROM beam_results ORDER BY acquisition, beam`)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BeamResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
