// Package scratch persists review-session working state that must survive a
// process restart but never leaves the local machine: line-level annotations
// and candidate edits that have not reached the dictionary service yet.
package scratch

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Annotation kinds. Marker flags a line as notable; skip excludes it. The two
// are mutually exclusive per line, so setting one replaces the other.
const (
	AnnotationMarker = "marker"
	AnnotationSkip   = "skip"
)

// Annotation is one line-level review mark.
type Annotation struct {
	JobID      string    `json:"job_id"`
	ChunkIndex int       `json:"chunk_index"`
	LineID     string    `json:"line_id"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite database holding review scratch state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the scratch database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scratch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Annotations ---

// SetAnnotation records a mark on one transcript line. An existing mark of
// the other kind on the same line is replaced.
func (s *Store) SetAnnotation(jobID string, chunkIndex int, lineID, kind string) error {
	if kind != AnnotationMarker && kind != AnnotationSkip {
		return fmt.Errorf("unknown annotation kind %q", kind)
	}
	_, err := s.db.Exec(`
		INSERT INTO annotations (job_id, chunk_index, line_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, chunk_index, line_id) DO UPDATE SET kind = excluded.kind, created_at = excluded.created_at`,
		jobID, chunkIndex, lineID, kind, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ClearAnnotation removes the mark on one line, if any.
func (s *Store) ClearAnnotation(jobID string, chunkIndex int, lineID string) error {
	res, err := s.db.Exec(`DELETE FROM annotations WHERE job_id = ? AND chunk_index = ? AND line_id = ?`,
		jobID, chunkIndex, lineID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Annotations returns all marks of one job, ordered by chunk then line.
func (s *Store) Annotations(jobID string) ([]Annotation, error) {
	rows, err := s.db.Query(`
		SELECT job_id, chunk_index, line_id, kind, created_at
		FROM annotations WHERE job_id = ? ORDER BY chunk_index ASC, line_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Annotation
	for rows.Next() {
		var a Annotation
		var createdAt string
		if err := rows.Scan(&a.JobID, &a.ChunkIndex, &a.LineID, &a.Kind, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Pending patches ---

// SavePendingPatch stores (or replaces) the latest unsynced edit of one
// candidate, so a crash mid-review does not lose it.
func (s *Store) SavePendingPatch(jobID, candidateID, patchJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_patches (job_id, candidate_id, patch_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, candidate_id) DO UPDATE SET patch_json = excluded.patch_json, updated_at = excluded.updated_at`,
		jobID, candidateID, patchJSON, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetPendingPatch returns the stored patch for one candidate.
func (s *Store) GetPendingPatch(jobID, candidateID string) (string, error) {
	var patch string
	err := s.db.QueryRow(`SELECT patch_json FROM pending_patches WHERE job_id = ? AND candidate_id = ?`,
		jobID, candidateID).Scan(&patch)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return patch, err
}

// DeletePendingPatch drops the stored patch after the edit reached the
// dictionary service. Missing rows are not an error.
func (s *Store) DeletePendingPatch(jobID, candidateID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_patches WHERE job_id = ? AND candidate_id = ?`, jobID, candidateID)
	return err
}

// PendingPatches returns all unsynced patches of one job, keyed by candidate.
func (s *Store) PendingPatches(jobID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT candidate_id, patch_json FROM pending_patches WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var id, patch string
		if err := rows.Scan(&id, &patch); err != nil {
			return nil, err
		}
		result[id] = patch
	}
	return result, rows.Err()
}

// ClearJob removes every annotation and pending patch of one job. Called when
// a job is committed or discarded.
func (s *Store) ClearJob(jobID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM annotations WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM pending_patches WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}
