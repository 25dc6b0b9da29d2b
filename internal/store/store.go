// Package store is the device-local record store for fieldsync.
//
// Forms, Surveys and MediaJobs live in an embedded SQLite database opened
// through the ncruces/go-sqlite3 driver in WAL mode. Every record gets an
// INTEGER PRIMARY KEY AUTOINCREMENT local id, so ids are stable for the
// lifetime of the record and never reused after a hard delete.
//
// Writes are atomic per call: updates run inside a transaction that reads the
// current row, applies the caller's patch and writes it back, so a patch
// either fully applies or leaves the row untouched.
//
// Two columns carry the sync bookkeeping:
//   - version is bumped on every user mutation.
//   - synced_version is the version last acknowledged by the remote store.
//
// The orchestrator marks a record synchronized only if its version did not
// move while the remote call was in flight, so an edit made during a pass is
// never lost.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when no record exists for a local id.
	ErrNotFound = errors.New("record not found")
	// ErrDeleted is returned when editing a tombstoned Survey.
	ErrDeleted = errors.New("record is deleted")
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the store at path and initializes the schema.
// The special path ":memory:" opens a private in-memory database.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	connStr := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection serializes writers in-process and keeps
	// PRAGMA data_version meaningful for change detection.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS forms (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_id TEXT UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		fields TEXT NOT NULL,  -- JSON array
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synchronized INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		synced_version INTEGER NOT NULL DEFAULT 0,
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS surveys (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_id TEXT UNIQUE,
		form_local_id INTEGER NOT NULL REFERENCES forms(local_id),
		form_canonical_id TEXT,
		address TEXT NOT NULL DEFAULT '',
		neighborhood TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		house_number TEXT,
		landmark TEXT,
		respondent_name TEXT,
		respondent_phone TEXT,
		answers TEXT NOT NULL DEFAULT '{}',  -- JSON object
		latitude REAL,
		longitude REAL,
		accuracy REAL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		updated_at TEXT NOT NULL,
		synchronized INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		media_path TEXT,
		media_content_type TEXT,
		media_url TEXT,
		media_duration REAL,
		media_transcript TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		synced_version INTEGER NOT NULL DEFAULT 0,
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		synced_at TEXT
	);

	-- No foreign key: jobs may outlive a purged survey until the queue discards them.
	CREATE TABLE IF NOT EXISTS media_jobs (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		survey_local_id INTEGER NOT NULL,
		survey_canonical_id TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		upload_failures INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER,  -- epoch milliseconds
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		component TEXT PRIMARY KEY,
		last_started_at TEXT,
		last_finished_at TEXT,
		last_success INTEGER NOT NULL DEFAULT 0,
		last_reason TEXT,
		records_ok INTEGER NOT NULL DEFAULT 0,
		records_failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_forms_sync ON forms(synchronized);
	CREATE INDEX IF NOT EXISTS idx_surveys_sync ON surveys(synchronized, deleted);
	CREATE INDEX IF NOT EXISTS idx_surveys_form ON surveys(form_local_id);
	CREATE INDEX IF NOT EXISTS idx_surveys_updated ON surveys(updated_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON media_jobs(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_survey ON media_jobs(survey_local_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	// Stores created before upload failures were counted apart from attempts.
	return db.ensureColumn(ctx, "media_jobs", "upload_failures", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds column to table unless it already exists.
func (db *DB) ensureColumn(ctx context.Context, table, column, decl string) error {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// DataVersion returns SQLite's data_version counter. It changes whenever
// another connection commits to the database file, which lets a watcher tell
// foreign writes from its own.
func (db *DB) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := db.conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}

// withTx runs fn inside a transaction, committing if it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatToNull(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullToFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func nullToString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func millisToNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullToMillis(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
