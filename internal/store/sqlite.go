package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/pkg/models"
)

// DB is the SQLite-backed RunStore.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

var _ RunStore = (*DB)(nil)

// GlobalDBPath returns the path of the shared run database.
func GlobalDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "platoon", "platoon.db")
}

// ProjectDBPath returns the path of a project-local run database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".platoon", "runs.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2Events},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	request TEXT NOT NULL,
	plan TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	result TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const migrationV2Events = `
CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// CreateRun inserts a new run record.
func (db *DB) CreateRun(rec *RunRecord) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT INTO runs (id, request, plan, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.RunID, string(request), string(plan), string(rec.Status),
		formatTime(rec.StartedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun replaces the plan snapshot and status.
func (db *DB) UpdateRun(runID string, status models.RunStatus, plan []*models.Node) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(`
		UPDATE runs SET plan = ?, status = ?, updated_at = ? WHERE id = ?
	`, string(planJSON), string(status), formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRow(res)
}

// SaveResult stores the final result and its terminal status.
func (db *DB) SaveResult(runID string, result *models.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(`
		UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?
	`, string(resultJSON), string(result.Status), formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return requireRow(res)
}

// AppendEvents appends events to the run's log in one transaction.
func (db *DB) AppendEvents(runID string, events []bus.Event) error {
	if len(events) == 0 {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO run_events (run_id, seq, payload) VALUES (?, ?, ?)
		`, runID, e.Seq, string(payload)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun loads a run record.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	row := db.conn.QueryRow(`
		SELECT id, request, plan, status, started_at, updated_at, result
		FROM runs WHERE id = ?
	`, runID)
	return scanRun(row)
}

// Events returns the run's event log in sequence order.
func (db *DB) Events(runID string) ([]bus.Event, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, err := db.conn.Query(`
		SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []bus.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e bus.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRuns returns all runs, most recent first.
func (db *DB) ListRuns() ([]*RunRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, err := db.conn.Query(`
		SELECT id, request, plan, status, started_at, updated_at, result
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecoverStale reconciles runs stuck in Running to Failed.
func (db *DB) RecoverStale(olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.Exec(`
		UPDATE runs SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(models.RunFailed), formatTime(time.Now()), string(models.RunRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec        RunRecord
		request    string
		plan       string
		status     string
		startedAt  string
		updatedAt  string
		resultJSON sql.NullString
	)
	err := row.Scan(&rec.RunID, &request, &plan, &status, &startedAt, &updatedAt, &resultJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &rec.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	rec.Status = models.RunStatus(status)
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if resultJSON.Valid {
		rec.Result = &models.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), rec.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RFC3339 at second precision keeps the stored strings lexically
// comparable for the staleness query.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
