package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contavoto/fieldsync/internal/schema"
)

const jobColumns = `local_id, survey_local_id, survey_canonical_id, kind, status,
	attempts, upload_failures, next_attempt_at, last_error, created_at, updated_at`

// CreateJob inserts a MediaJob and sets its local id.
func (db *DB) CreateJob(ctx context.Context, j *schema.MediaJob) (int64, error) {
	if err := insertJob(ctx, db.conn, j); err != nil {
		return 0, err
	}
	return j.LocalID, nil
}

func insertJob(ctx context.Context, q queryer, j *schema.MediaJob) error {
	if j.Status == "" {
		j.Status = schema.JobPending
	}
	if err := j.Validate(); err != nil {
		return fmt.Errorf("invalid media job: %w", err)
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	res, err := q.ExecContext(ctx, `
	INSERT INTO media_jobs (
		survey_local_id, survey_canonical_id, kind, status,
		attempts, upload_failures, next_attempt_at, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.SurveyLocalID,
		stringToNull(j.SurveyCanonicalID),
		string(j.Kind),
		string(j.Status),
		j.Attempts,
		j.UploadFailures,
		millisToNull(j.NextAttemptAt),
		stringToNull(j.LastError),
		formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert media job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read media job id: %w", err)
	}
	j.LocalID = id
	return nil
}

// GetJob returns the MediaJob with the given local id, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, localID int64) (*schema.MediaJob, error) {
	return getJob(ctx, db.conn, localID)
}

func getJob(ctx context.Context, q queryer, localID int64) (*schema.MediaJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM media_jobs WHERE local_id = ?`, localID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media job %d: %w", localID, ErrNotFound)
	}
	return j, err
}

// JobFilter configures ListJobs.
type JobFilter struct {
	// Status filters by job status (empty = all)
	Status schema.JobStatus
	// SurveyLocalID filters by owning survey (0 = all)
	SurveyLocalID int64
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListJobs returns jobs matching the filter ordered by local id.
func (db *DB) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.MediaJob, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SurveyLocalID > 0 {
		conditions = append(conditions, "survey_local_id = ?")
		args = append(args, filter.SurveyLocalID)
	}

	query := `SELECT ` + jobColumns + ` FROM media_jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return db.queryJobs(ctx, query, args...)
}

// DueJobs returns jobs that are not finished and whose next attempt time is
// unset or not after now.
func (db *DB) DueJobs(ctx context.Context, now time.Time) ([]*schema.MediaJob, error) {
	return db.queryJobs(ctx, `SELECT `+jobColumns+` FROM media_jobs
		WHERE status NOT IN ('ok', 'dead')
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY local_id ASC`, now.UnixMilli())
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]*schema.MediaJob, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query media jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*schema.MediaJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob patches a MediaJob atomically. Attempts never decrease and a job
// that reached ok is left untouched.
func (db *DB) UpdateJob(ctx context.Context, localID int64, fn func(j *schema.MediaJob) error) (*schema.MediaJob, error) {
	var out *schema.MediaJob
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, localID)
		if err != nil {
			return err
		}
		if j.Status == schema.JobOK {
			out = j
			return nil
		}
		prevAttempts := j.Attempts
		if err := fn(j); err != nil {
			return err
		}
		if j.Attempts < prevAttempts {
			return fmt.Errorf("media job %d: attempts cannot decrease (%d -> %d)", localID, prevAttempts, j.Attempts)
		}
		if err := j.Validate(); err != nil {
			return fmt.Errorf("invalid media job: %w", err)
		}
		j.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
		UPDATE media_jobs SET
			survey_canonical_id = COALESCE(survey_canonical_id, ?),
			status = ?,
			attempts = ?,
			upload_failures = ?,
			next_attempt_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE local_id = ?`,
			stringToNull(j.SurveyCanonicalID),
			string(j.Status),
			j.Attempts,
			j.UploadFailures,
			millisToNull(j.NextAttemptAt),
			stringToNull(j.LastError),
			formatTime(j.UpdatedAt),
			localID,
		)
		if err != nil {
			return fmt.Errorf("failed to update media job %d: %w", localID, err)
		}
		out, err = getJob(ctx, tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob hard-deletes a MediaJob. Idempotent.
func (db *DB) DeleteJob(ctx context.Context, localID int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM media_jobs WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete media job %d: %w", localID, err)
	}
	return nil
}

func scanJob(s scanner) (*schema.MediaJob, error) {
	var j schema.MediaJob
	var canonical, lastError sql.NullString
	var kind, status, createdAt, updatedAt string
	var next sql.NullInt64

	err := s.Scan(
		&j.LocalID,
		&j.SurveyLocalID,
		&canonical,
		&kind,
		&status,
		&j.Attempts,
		&j.UploadFailures,
		&next,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan media job: %w", err)
	}

	j.SurveyCanonicalID = canonical.String
	j.Kind = schema.JobKind(kind)
	j.Status = schema.JobStatus(status)
	j.NextAttemptAt = nullToMillis(next)
	j.LastError = lastError.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
