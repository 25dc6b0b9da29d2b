package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contavoto/fieldsync/internal/schema"
)

const formColumns = `local_id, canonical_id, title, description, fields,
	created_at, updated_at, synchronized, version, sync_attempts, last_error, synced_at`

// CreateForm validates f and inserts it unsynchronized, returning the new local id.
// f.LocalID is set on success.
func (db *DB) CreateForm(ctx context.Context, f *schema.Form) (int64, error) {
	f.SetDefaults()
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("invalid form: %w", err)
	}

	fieldsJSON, err := json.Marshal(f.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal fields: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO forms (title, description, fields, created_at, updated_at, synchronized, version)
	VALUES (?, ?, ?, ?, ?, 0, 1)`,
		f.Title,
		f.Description,
		string(fieldsJSON),
		formatTime(f.CreatedAt),
		formatTime(f.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert form: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read form id: %w", err)
	}
	f.LocalID = id
	f.Version = 1
	f.Synchronized = false
	return id, nil
}

// GetForm returns the Form with the given local id, or ErrNotFound.
func (db *DB) GetForm(ctx context.Context, localID int64) (*schema.Form, error) {
	return getForm(ctx, db.conn, localID)
}

func getForm(ctx context.Context, q queryer, localID int64) (*schema.Form, error) {
	row := q.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE local_id = ?`, localID)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FindFormByTitle returns the first Form with exactly the given title, or ErrNotFound.
func (db *DB) FindFormByTitle(ctx context.Context, title string) (*schema.Form, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+formColumns+` FROM forms WHERE title = ? ORDER BY local_id LIMIT 1`, title)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form %q: %w", title, ErrNotFound)
	}
	return f, err
}

// FormFilter configures ListForms.
type FormFilter struct {
	// Unsynced restricts results to forms with synchronized = false.
	Unsynced bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListForms returns forms ordered by local id.
func (db *DB) ListForms(ctx context.Context, filter FormFilter) ([]*schema.Form, error) {
	var conditions []string
	var args []any

	if filter.Unsynced {
		conditions = append(conditions, "synchronized = 0")
	}

	query := `SELECT ` + formColumns + ` FROM forms`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	defer rows.Close()

	var forms []*schema.Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forms: %w", err)
	}
	return forms, nil
}

// PendingForms returns every form waiting to be pushed.
func (db *DB) PendingForms(ctx context.Context) ([]*schema.Form, error) {
	return db.ListForms(ctx, FormFilter{Unsynced: true})
}

// UpdateForm applies a user edit to the Form atomically. The edit bumps the
// version and clears synchronized. The canonical id cannot be changed here.
func (db *DB) UpdateForm(ctx context.Context, localID int64, fn func(f *schema.Form) error) (*schema.Form, error) {
	var out *schema.Form
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		f, err := getForm(ctx, tx, localID)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid form: %w", err)
		}

		fieldsJSON, err := json.Marshal(f.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}

		f.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
		UPDATE forms SET
			title = ?,
			description = ?,
			fields = ?,
			updated_at = ?,
			synchronized = 0,
			version = version + 1
		WHERE local_id = ?`,
			f.Title, f.Description, string(fieldsJSON), formatTime(f.UpdatedAt), localID)
		if err != nil {
			return fmt.Errorf("failed to update form %d: %w", localID, err)
		}

		out, err = getForm(ctx, tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanForm(s scanner) (*schema.Form, error) {
	var f schema.Form
	var canonical, lastError, syncedAt sql.NullString
	var fieldsJSON, createdAt, updatedAt string
	var synchronized int

	err := s.Scan(
		&f.LocalID,
		&canonical,
		&f.Title,
		&f.Description,
		&fieldsJSON,
		&createdAt,
		&updatedAt,
		&synchronized,
		&f.Version,
		&f.SyncAttempts,
		&lastError,
		&syncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan form: %w", err)
	}

	f.CanonicalID = canonical.String
	f.LastError = lastError.String
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	f.Synchronized = synchronized != 0
	f.SyncedAt = nullStringToTime(syncedAt)

	if err := json.Unmarshal([]byte(fieldsJSON), &f.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return &f, nil
}
