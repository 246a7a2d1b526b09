package storage

import (
	"database/sql"
	"embed"
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

// timeLayout keeps stored timestamps fixed-width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the local SQLite database holding the snapshot cache and the
// display and response history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "surveykit.db")
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

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that have not been recorded yet.
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

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
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

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// --- Snapshot cache ---

// SaveSnapshot stores the snapshot payload for an environment, replacing any
// earlier one.
func (s *Store) SaveSnapshot(c CachedSnapshot) error {
	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = formatTime(c.ExpiresAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO snapshot_cache (environment_id, payload, fetched_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(environment_id) DO UPDATE SET
			payload = excluded.payload, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		c.EnvironmentID, c.Payload, formatTime(c.FetchedAt), expiresAt,
	)
	return err
}

// LoadSnapshot returns the cached snapshot for an environment.
func (s *Store) LoadSnapshot(environmentID string) (CachedSnapshot, error) {
	var c CachedSnapshot
	var fetchedAt string
	var expiresAt sql.NullString
	err := s.db.QueryRow(`
		SELECT environment_id, payload, fetched_at, expires_at
		FROM snapshot_cache WHERE environment_id = ?`, environmentID,
	).Scan(&c.EnvironmentID, &c.Payload, &fetchedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return CachedSnapshot{}, ErrNotFound
	}
	if err != nil {
		return CachedSnapshot{}, err
	}
	if c.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return CachedSnapshot{}, fmt.Errorf("parsing fetched_at: %w", err)
	}
	if expiresAt.Valid {
		if c.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
			return CachedSnapshot{}, fmt.Errorf("parsing expires_at: %w", err)
		}
	}
	return c, nil
}

// DeleteSnapshot removes the cached snapshot of an environment.
func (s *Store) DeleteSnapshot(environmentID string) error {
	_, err := s.db.Exec(`DELETE FROM snapshot_cache WHERE environment_id = ?`, environmentID)
	return err
}

// --- Displays ---

// RecordDisplay appends a display record.
func (s *Store) RecordDisplay(d DisplayRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO display_records (id, environment_id, survey_id, person_id, attempt_id, displayed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.EnvironmentID, d.SurveyID, d.PersonID, d.AttemptID, formatTime(d.DisplayedAt),
	)
	return err
}

// DisplayStats returns how many times a survey was displayed and when last.
func (s *Store) DisplayStats(environmentID, surveyID string) (DisplayStats, error) {
	var st DisplayStats
	var last sql.NullString
	err := s.db.QueryRow(`
		SELECT COUNT(*), MAX(displayed_at) FROM display_records
		WHERE environment_id = ? AND survey_id = ?`, environmentID, surveyID,
	).Scan(&st.Count, &last)
	if err != nil {
		return DisplayStats{}, err
	}
	if last.Valid {
		if st.Last, err = parseTime(last.String); err != nil {
			return DisplayStats{}, fmt.Errorf("parsing displayed_at: %w", err)
		}
	}
	return st, nil
}

// LastDisplayAny returns the time of the most recent display of any survey in
// the environment, or the zero time if there is none.
func (s *Store) LastDisplayAny(environmentID string) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRow(`SELECT MAX(displayed_at) FROM display_records WHERE environment_id = ?`, environmentID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return parseTime(last.String)
}

// ListDisplays returns the most recent display records, newest first.
func (s *Store) ListDisplays(environmentID string, limit int) ([]DisplayRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, environment_id, survey_id, person_id, attempt_id, displayed_at
		FROM display_records WHERE environment_id = ?
		ORDER BY displayed_at DESC LIMIT ?`, environmentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DisplayRecord
	for rows.Next() {
		var d DisplayRecord
		var displayedAt string
		if err := rows.Scan(&d.ID, &d.EnvironmentID, &d.SurveyID, &d.PersonID, &d.AttemptID, &displayedAt); err != nil {
			return nil, err
		}
		if d.DisplayedAt, err = parseTime(displayedAt); err != nil {
			return nil, fmt.Errorf("parsing displayed_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Responses ---

// RecordResponse appends a response record.
func (s *Store) RecordResponse(r ResponseRecord) error {
	finished := 0
	if r.Finished {
		finished = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO response_records (id, environment_id, survey_id, attempt_id, finished, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.EnvironmentID, r.SurveyID, r.AttemptID, finished, formatTime(r.RecordedAt),
	)
	return err
}

// HasResponded reports whether any response was recorded for the survey.
func (s *Store) HasResponded(environmentID, surveyID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM response_records WHERE environment_id = ? AND survey_id = ?`,
		environmentID, surveyID,
	).Scan(&n)
	return n > 0, err
}

// ClearEnvironment deletes the cache and history of an environment.
func (s *Store) ClearEnvironment(environmentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"snapshot_cache", "display_records", "response_records"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE environment_id = ?`, environmentID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}
