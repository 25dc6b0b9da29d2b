package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contavoto/fieldsync/internal/schema"
)

// SQLConfig configures a SQL store.
type SQLConfig struct {
	// PublicURL prefixes blob references, e.g. "https://cdn.example.org"
	PublicURL string
}

// SQL is a Store backed by a database/sql handle. Records are kept as JSON
// documents keyed by kind and a UUID canonical id; blobs are stored inline.
//
// Any driver that speaks SQLite dialect works. Deployments use libSQL
// ("libsql" driver) so the central store can live on a Turso database.
type SQL struct {
	db     *sql.DB
	config SQLConfig
}

// OpenSQL opens dsn with driverName and prepares the schema.
func OpenSQL(ctx context.Context, driverName, dsn string, config SQLConfig) (*SQL, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}
	s, err := NewSQL(ctx, db, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open handle and creates the tables if needed.
func NewSQL(ctx context.Context, db *sql.DB, config SQLConfig) (*SQL, error) {
	s := &SQL{db: db, config: config}
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates the records and blobs tables. Idempotent.
func (s *SQL) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			fields TEXT NOT NULL,  -- JSON object
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			bucket TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (bucket, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize remote schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Insert stores fields under a new UUID.
func (s *SQL) Insert(ctx context.Context, kind schema.Kind, fields map[string]any) (string, error) {
	doc, err := json.Marshal(fields)
	if err != nil {
		return "", &Error{Op: OpInsert, Kind: kind, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), id, string(doc), now, now)
	if err != nil {
		return "", transient(OpInsert, kind, "", err)
	}
	return id, nil
}

// Update merges fields into the stored JSON document.
func (s *SQL) Update(ctx context.Context, kind schema.Kind, id string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(OpUpdate, kind, id, err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Op: OpUpdate, Kind: kind, ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return transient(OpUpdate, kind, id, err)
	}

	current := map[string]any{}
	if err := json.Unmarshal([]byte(doc), &current); err != nil {
		return &Error{Op: OpUpdate, Kind: kind, ID: id, Err: fmt.Errorf("corrupt stored document: %w", err)}
	}
	for k, v := range fields {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return &Error{Op: OpUpdate, Kind: kind, ID: id, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET fields = ?, updated_at = ? WHERE kind = ? AND id = ?`,
		string(merged), time.Now().UTC().Format(time.RFC3339Nano), string(kind), id)
	if err != nil {
		return transient(OpUpdate, kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return transient(OpUpdate, kind, id, err)
	}
	return nil
}

// Delete removes a record.
func (s *SQL) Delete(ctx context.Context, kind schema.Kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return transient(OpDelete, kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient(OpDelete, kind, id, err)
	}
	if n == 0 {
		return &Error{Op: OpDelete, Kind: kind, ID: id, Err: ErrNotFound}
	}
	return nil
}

// UploadBlob stores payload, replacing any blob with the same name.
func (s *SQL) UploadBlob(ctx context.Context, bucket, name string, payload []byte, contentType string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (bucket, name, content_type, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, name) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data`,
		bucket, name, contentType, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", transient(OpUpload, "", bucket+"/"+name, err)
	}
	return s.blobURL(bucket, name), nil
}

// ReadBlob returns a stored blob.
func (s *SQL) ReadBlob(ctx context.Context, bucket, name string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, content_type FROM blobs WHERE bucket = ? AND name = ?`, bucket, name).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", &Error{Op: OpUpload, ID: bucket + "/" + name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, "", transient(OpUpload, "", bucket+"/"+name, err)
	}
	return data, contentType, nil
}

// Get returns the stored document for a record.
func (s *SQL) Get(ctx context.Context, kind schema.Kind, id string) (map[string]any, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: OpUpdate, Kind: kind, ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, transient(OpUpdate, kind, id, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", kind, id, err)
	}
	return out, nil
}

func (s *SQL) blobURL(bucket, name string) string {
	base := strings.TrimRight(s.config.PublicURL, "/")
	if base == "" {
		base = "sql://blobs"
	}
	return fmt.Sprintf("%s/%s/%s", base, bucket, name)
}
