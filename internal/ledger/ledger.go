// Package ledger records conversion run outcomes in SQLite: which
// document was converted, under which rule set version, and what the run
// produced. It stores outcomes only, never resumable pipeline state, so a
// ledger can be shared by convert, bundle and watch runs and read back
// for reporting.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/sqlite"
)

// Run is one recorded conversion.
type Run struct {
	// ID is assigned on record when empty.
	ID string `json:"id"`

	// CreatedAt is assigned on record when zero.
	CreatedAt time.Time `json:"created_at"`

	// Source names the input: a file path, or "-" for stdin.
	Source string `json:"source"`

	// DocumentHash is the BLAKE3 hash of the input document.
	DocumentHash string `json:"document_hash"`

	// RulesVersion is the rule set version the run converted under.
	RulesVersion string `json:"rules_version"`

	// Visited, Wrappers and Chunks are the walker's pass counters.
	Visited  int `json:"visited"`
	Wrappers int `json:"wrappers"`
	Chunks   int `json:"chunks"`

	// Duration is the wall time of the conversion.
	Duration time.Duration `json:"duration"`

	// Snapshot is the content hash of the stored pre-conversion
	// document, empty when no snapshot was taken.
	Snapshot string `json:"snapshot,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	created_at    INTEGER NOT NULL,
	source        TEXT NOT NULL,
	document_hash TEXT NOT NULL,
	rules_version TEXT NOT NULL,
	visited       INTEGER NOT NULL,
	wrappers      INTEGER NOT NULL,
	chunks        INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	snapshot      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS runs_source ON runs(source);
`

// DefaultLimit bounds listing queries when the caller passes no limit.
const DefaultLimit = 20

// Ledger is a handle on one run-history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (and if needed creates) a ledger database at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.NewValidation("path", "cannot be empty")
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenReadOnly opens an existing ledger without creating or migrating it.
// Read commands use this so a mistyped path cannot leave an empty database
// behind.
func OpenReadOnly(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.NewValidation("path", "cannot be empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores one run, assigning identity when the caller left it
// blank, and returns the stored form.
func (l *Ledger) Record(run Run) (Run, error) {
	if run.DocumentHash == "" {
		return Run{}, errors.NewValidation("document_hash", "cannot be empty")
	}
	if run.RulesVersion == "" {
		return Run{}, errors.NewValidation("rules_version", "cannot be empty")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Source == "" {
		run.Source = "-"
	}

	_, err := l.db.Exec(`INSERT INTO runs
		(id, created_at, source, document_hash, rules_version, visited, wrappers, chunks, duration_ms, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.CreatedAt.UnixMilli(),
		run.Source,
		run.DocumentHash,
		run.RulesVersion,
		run.Visited,
		run.Wrappers,
		run.Chunks,
		run.Duration.Milliseconds(),
		run.Snapshot,
	)
	if err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// Get returns the run with the given id, or ErrNotFound.
func (l *Ledger) Get(id string) (Run, error) {
	row := l.db.QueryRow(`SELECT id, created_at, source, document_hash, rules_version,
		visited, wrappers, chunks, duration_ms, snapshot
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %s: %w", id, errors.ErrNotFound)
	}
	return run, err
}

// Recent returns the newest runs, most recent first. A non-positive
// limit means DefaultLimit.
func (l *Ledger) Recent(limit int) ([]Run, error) {
	return l.list(`SELECT id, created_at, source, document_hash, rules_version,
		visited, wrappers, chunks, duration_ms, snapshot
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, clampLimit(limit))
}

// BySource returns the newest runs for one source, most recent first.
func (l *Ledger) BySource(source string, limit int) ([]Run, error) {
	return l.list(`SELECT id, created_at, source, document_hash, rules_version,
		visited, wrappers, chunks, duration_ms, snapshot
		FROM runs WHERE source = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		source, clampLimit(limit))
}

// Prune deletes all but the newest keep runs and returns how many rows
// it removed.
func (l *Ledger) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := l.db.Exec(`DELETE FROM runs WHERE id NOT IN
		(SELECT id FROM runs ORDER BY created_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Summary aggregates the whole ledger.
type Summary struct {
	Runs     int       `json:"runs"`
	Sources  int       `json:"sources"`
	Wrappers int       `json:"wrappers"`
	First    time.Time `json:"first,omitempty"`
	Last     time.Time `json:"last,omitempty"`
}

// Summarize returns totals across all recorded runs.
func (l *Ledger) Summarize() (Summary, error) {
	var s Summary
	var first, last int64
	err := l.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT source),
		COALESCE(SUM(wrappers), 0), COALESCE(MIN(created_at), 0), COALESCE(MAX(created_at), 0)
		FROM runs`).Scan(&s.Runs, &s.Sources, &s.Wrappers, &first, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize ledger: %w", err)
	}
	if s.Runs > 0 {
		s.First = time.UnixMilli(first).UTC()
		s.Last = time.UnixMilli(last).UTC()
	}
	return s, nil
}

func (l *Ledger) list(query string, args ...interface{}) ([]Run, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var createdMS, durationMS int64
	err := s.Scan(&run.ID, &createdMS, &run.Source, &run.DocumentHash, &run.RulesVersion,
		&run.Visited, &run.Wrappers, &run.Chunks, &durationMS, &run.Snapshot)
	if err != nil {
		return Run{}, err
	}
	run.CreatedAt = time.UnixMilli(createdMS).UTC()
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
