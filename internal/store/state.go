package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/contavoto/fieldsync/internal/schema"
)

// Stats is the snapshot the UI polls to show pending work.
type Stats struct {
	Forms            int                      `json:"forms"`
	FormsPending     int                      `json:"forms_pending"`
	Surveys          int                      `json:"surveys"`
	SurveysPending   int                      `json:"surveys_pending"`
	Tombstones       int                      `json:"tombstones"`
	Jobs             map[schema.JobStatus]int `json:"jobs"`
	OldestPendingJob *time.Time               `json:"oldest_pending_job,omitempty"`
}

// JobsFailing returns the number of jobs in error or dead.
func (s *Stats) JobsFailing() int {
	return s.Jobs[schema.JobError] + s.Jobs[schema.JobDead]
}

// Stats computes counts over the whole store.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Jobs: map[schema.JobStatus]int{}}

	err := db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(SUM(CASE WHEN synchronized = 0 THEN 1 ELSE 0 END), 0)
	FROM forms`).Scan(&st.Forms, &st.FormsPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count forms: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synchronized = 0 AND deleted = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0)
	FROM surveys`).Scan(&st.Surveys, &st.SurveysPending, &st.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to count surveys: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM media_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count media jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		st.Jobs[schema.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}

	var oldest sql.NullString
	err = db.conn.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM media_jobs WHERE status NOT IN ('ok', 'dead')`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest pending job: %w", err)
	}
	st.OldestPendingJob = nullStringToTime(oldest)

	return st, nil
}

// SyncState is the last recorded pass of one component ("sync", "media").
type SyncState struct {
	Component      string     `json:"component"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastSuccess    bool       `json:"last_success"`
	LastReason     string     `json:"last_reason,omitempty"`
	RecordsOK      int        `json:"records_ok"`
	RecordsFailed  int        `json:"records_failed"`
}

// RecordPassStart stamps the start of a pass.
func (db *DB) RecordPassStart(ctx context.Context, component string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_state (component, last_started_at) VALUES (?, ?)
	ON CONFLICT(component) DO UPDATE SET last_started_at = excluded.last_started_at`,
		component, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to record %s pass start: %w", component, err)
	}
	return nil
}

// RecordPassEnd stores the outcome of a pass.
func (db *DB) RecordPassEnd(ctx context.Context, st SyncState) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_state (
		component, last_started_at, last_finished_at, last_success, last_reason, records_ok, records_failed
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(component) DO UPDATE SET
		last_finished_at = excluded.last_finished_at,
		last_success = excluded.last_success,
		last_reason = excluded.last_reason,
		records_ok = excluded.records_ok,
		records_failed = excluded.records_failed`,
		st.Component,
		timeToNullString(st.LastStartedAt),
		timeToNullString(st.LastFinishedAt),
		boolToInt(st.LastSuccess),
		stringToNull(st.LastReason),
		st.RecordsOK,
		st.RecordsFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s pass end: %w", st.Component, err)
	}
	return nil
}

// GetSyncState returns the state for component, or ErrNotFound if no pass ran yet.
func (db *DB) GetSyncState(ctx context.Context, component string) (*SyncState, error) {
	var st SyncState
	var started, finished, reason sql.NullString
	var success int

	err := db.conn.QueryRowContext(ctx, `
	SELECT component, last_started_at, last_finished_at, last_success, last_reason, records_ok, records_failed
	FROM sync_state WHERE component = ?`, component).Scan(
		&st.Component, &started, &finished, &success, &reason, &st.RecordsOK, &st.RecordsFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %q: %w", component, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	st.LastStartedAt = nullStringToTime(started)
	st.LastFinishedAt = nullStringToTime(finished)
	st.LastSuccess = success != 0
	st.LastReason = reason.String
	return &st, nil
}
