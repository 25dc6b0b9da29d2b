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

const surveyColumns = `local_id, canonical_id, form_local_id, form_canonical_id,
	address, neighborhood, city, house_number, landmark,
	respondent_name, respondent_phone, answers,
	latitude, longitude, accuracy,
	status, started_at, finished_at, updated_at,
	synchronized, deleted,
	media_path, media_content_type, media_url, media_duration, media_transcript,
	version, sync_attempts, last_error, synced_at`

// CreateSurvey inserts a new in-progress Survey against an existing Form and
// returns its local id. Initial answers are validated against the Form.
func (db *DB) CreateSurvey(ctx context.Context, s *schema.Survey) (int64, error) {
	if s.Status == "" {
		s.Status = schema.StatusInProgress
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if s.Answers == nil {
		s.Answers = map[string]schema.Answer{}
	}
	if err := s.Validate(); err != nil {
		return 0, fmt.Errorf("invalid survey: %w", err)
	}

	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		form, err := getForm(ctx, tx, s.FormLocalID)
		if err != nil {
			return err
		}
		if err := form.ValidateAnswers(s.Answers, s.Status == schema.StatusFinalized); err != nil {
			return err
		}
		if s.FormCanonicalID == "" {
			s.FormCanonicalID = form.CanonicalID
		}

		answersJSON, err := json.Marshal(s.Answers)
		if err != nil {
			return fmt.Errorf("failed to marshal answers: %w", err)
		}

		var lat, lon, acc sql.NullFloat64
		if s.Geo != nil {
			lat = sql.NullFloat64{Float64: s.Geo.Lat, Valid: true}
			lon = sql.NullFloat64{Float64: s.Geo.Lon, Valid: true}
			acc = sql.NullFloat64{Float64: s.Geo.Accuracy, Valid: true}
		}

		s.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
		INSERT INTO surveys (
			form_local_id, form_canonical_id,
			address, neighborhood, city, house_number, landmark,
			respondent_name, respondent_phone, answers,
			latitude, longitude, accuracy,
			status, started_at, finished_at, updated_at,
			synchronized, deleted, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 1)`,
			s.FormLocalID,
			stringToNull(s.FormCanonicalID),
			s.Location.Address,
			s.Location.Neighborhood,
			s.Location.City,
			stringToNull(s.Location.HouseNumber),
			stringToNull(s.Location.Landmark),
			stringToNull(s.Respondent.Name),
			stringToNull(s.Respondent.Phone),
			string(answersJSON),
			lat, lon, acc,
			string(s.Status),
			formatTime(s.StartedAt),
			timeToNullString(s.FinishedAt),
			formatTime(s.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert survey: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read survey id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.LocalID = id
	s.Version = 1
	s.Synchronized = false
	return id, nil
}

// GetSurvey returns the Survey with the given local id, including tombstones.
func (db *DB) GetSurvey(ctx context.Context, localID int64) (*schema.Survey, error) {
	return getSurvey(ctx, db.conn, localID)
}

func getSurvey(ctx context.Context, q queryer, localID int64) (*schema.Survey, error) {
	row := q.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE local_id = ?`, localID)
	s, err := scanSurvey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("survey %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SurveyFilter configures ListSurveys.
type SurveyFilter struct {
	// Status filters by status (empty = all)
	Status schema.SurveyStatus
	// FormLocalID filters by owning form (0 = all)
	FormLocalID int64
	// Unsynced restricts results to synchronized = false.
	Unsynced bool
	// IncludeDeleted includes tombstones.
	IncludeDeleted bool
	// UpdatedSince restricts results to surveys touched at or after the time.
	UpdatedSince *time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListSurveys returns surveys matching the filter ordered by local id.
func (db *DB) ListSurveys(ctx context.Context, filter SurveyFilter) ([]*schema.Survey, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.FormLocalID > 0 {
		conditions = append(conditions, "form_local_id = ?")
		args = append(args, filter.FormLocalID)
	}
	if filter.Unsynced {
		conditions = append(conditions, "synchronized = 0")
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if filter.UpdatedSince != nil {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, formatTime(*filter.UpdatedSince))
	}

	query := `SELECT ` + surveyColumns + ` FROM surveys`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return db.querySurveys(ctx, query, args...)
}

// PendingSurveys returns surveys waiting to be pushed: unsynchronized and not
// tombstones that never reached the remote store.
func (db *DB) PendingSurveys(ctx context.Context) ([]*schema.Survey, error) {
	return db.querySurveys(ctx, `SELECT `+surveyColumns+` FROM surveys
		WHERE synchronized = 0 AND NOT (deleted = 1 AND canonical_id IS NULL)
		ORDER BY local_id ASC`)
}

func (db *DB) querySurveys(ctx context.Context, query string, args ...any) ([]*schema.Survey, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query surveys: %w", err)
	}
	defer rows.Close()

	var surveys []*schema.Survey
	for rows.Next() {
		s, err := scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		surveys = append(surveys, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating surveys: %w", err)
	}
	return surveys, nil
}

// UpdateSurvey applies a user edit atomically: the current row is read, fn
// patches it and the result is written back with the version bumped and
// synchronized cleared. The canonical id and tombstone flag cannot be changed
// through fn, and tombstoned surveys are rejected with ErrDeleted.
func (db *DB) UpdateSurvey(ctx context.Context, localID int64, fn func(s *schema.Survey) error) (*schema.Survey, error) {
	var out *schema.Survey
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		s, err := getSurvey(ctx, tx, localID)
		if err != nil {
			return err
		}
		if s.Deleted {
			return fmt.Errorf("survey %d: %w", localID, ErrDeleted)
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid survey: %w", err)
		}
		s.UpdatedAt = time.Now().UTC()
		if err := writeSurvey(ctx, tx, s); err != nil {
			return err
		}
		out, err = getSurvey(ctx, tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeSurvey persists the user-editable columns of s as a new version.
func writeSurvey(ctx context.Context, tx *sql.Tx, s *schema.Survey) error {
	answersJSON, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	var lat, lon, acc sql.NullFloat64
	if s.Geo != nil {
		lat = sql.NullFloat64{Float64: s.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: s.Geo.Lon, Valid: true}
		acc = sql.NullFloat64{Float64: s.Geo.Accuracy, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE surveys SET
		address = ?,
		neighborhood = ?,
		city = ?,
		house_number = ?,
		landmark = ?,
		respondent_name = ?,
		respondent_phone = ?,
		answers = ?,
		latitude = ?,
		longitude = ?,
		accuracy = ?,
		status = ?,
		finished_at = ?,
		updated_at = ?,
		synchronized = 0,
		version = version + 1
	WHERE local_id = ?`,
		s.Location.Address,
		s.Location.Neighborhood,
		s.Location.City,
		stringToNull(s.Location.HouseNumber),
		stringToNull(s.Location.Landmark),
		stringToNull(s.Respondent.Name),
		stringToNull(s.Respondent.Phone),
		string(answersJSON),
		lat, lon, acc,
		string(s.Status),
		timeToNullString(s.FinishedAt),
		formatTime(s.UpdatedAt),
		s.LocalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update survey %d: %w", s.LocalID, err)
	}
	return nil
}

// UpdateSurveyAnswers merges answers into an in-progress Survey after
// validating them against its Form. Existing keys are overwritten, never removed.
func (db *DB) UpdateSurveyAnswers(ctx context.Context, localID int64, answers map[string]schema.Answer) (*schema.Survey, error) {
	return db.updateWithForm(ctx, localID, func(s *schema.Survey, form *schema.Form) error {
		if s.Status != schema.StatusInProgress {
			return fmt.Errorf("%w: survey %d is %s", schema.ErrInvalidTransition, localID, s.Status)
		}
		if err := form.ValidateAnswers(answers, false); err != nil {
			return err
		}
		s.MergeAnswers(answers)
		return nil
	})
}

// FinalizeSurvey merges the last answers, records the respondent and moves the
// Survey to finalized. Every required visible field must be answered.
func (db *DB) FinalizeSurvey(ctx context.Context, localID int64, respondent schema.Respondent, answers map[string]schema.Answer) (*schema.Survey, error) {
	return db.updateWithForm(ctx, localID, func(s *schema.Survey, form *schema.Form) error {
		merged := make(map[string]schema.Answer, len(s.Answers)+len(answers))
		for k, v := range s.Answers {
			merged[k] = v
		}
		for k, v := range answers {
			merged[k] = v
		}
		if err := form.ValidateAnswers(merged, true); err != nil {
			return err
		}
		if err := s.Transition(schema.StatusFinalized, time.Now()); err != nil {
			return err
		}
		s.Answers = merged
		s.Respondent = respondent
		return nil
	})
}

// CancelSurvey moves the Survey to cancelled.
func (db *DB) CancelSurvey(ctx context.Context, localID int64) (*schema.Survey, error) {
	return db.UpdateSurvey(ctx, localID, func(s *schema.Survey) error {
		return s.Transition(schema.StatusCancelled, time.Now())
	})
}

func (db *DB) updateWithForm(ctx context.Context, localID int64, fn func(s *schema.Survey, form *schema.Form) error) (*schema.Survey, error) {
	var out *schema.Survey
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		s, err := getSurvey(ctx, tx, localID)
		if err != nil {
			return err
		}
		if s.Deleted {
			return fmt.Errorf("survey %d: %w", localID, ErrDeleted)
		}
		form, err := getForm(ctx, tx, s.FormLocalID)
		if err != nil {
			return err
		}
		if err := fn(s, form); err != nil {
			return err
		}
		s.UpdatedAt = time.Now().UTC()
		if err := writeSurvey(ctx, tx, s); err != nil {
			return err
		}
		out, err = getSurvey(ctx, tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDeleteSurvey tombstones a Survey so the next sync pass deletes it
// remotely. A Survey without a canonical id is tombstoned too: its insert may
// still be in flight in another process, and the sync pass purges it once no
// push can be running. Deleting a tombstone again is a no-op.
func (db *DB) SoftDeleteSurvey(ctx context.Context, localID int64) (*schema.Survey, error) {
	var out *schema.Survey
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		s, err := getSurvey(ctx, tx, localID)
		if err != nil {
			return err
		}
		if !s.Deleted {
			_, err = tx.ExecContext(ctx, `
			UPDATE surveys SET deleted = 1, synchronized = 0, version = version + 1, updated_at = ?
			WHERE local_id = ?`, formatTime(time.Now()), localID)
			if err != nil {
				return fmt.Errorf("failed to tombstone survey %d: %w", localID, err)
			}
		}
		out, err = getSurvey(ctx, tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeLocalTombstones hard-deletes tombstoned Surveys that never received a
// canonical id. Only the sync pass calls it, so no insert for them is in flight.
func (db *DB) PurgeLocalTombstones(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM surveys WHERE deleted = 1 AND canonical_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge local tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// DeleteSurvey hard-deletes a Survey. Idempotent.
func (db *DB) DeleteSurvey(ctx context.Context, localID int64) error {
	return purgeSurvey(ctx, db.conn, localID)
}

func purgeSurvey(ctx context.Context, q queryer, localID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM surveys WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete survey %d: %w", localID, err)
	}
	return nil
}

// MediaInput describes a recorded payload waiting on the device.
type MediaInput struct {
	Path        string
	ContentType string
	Duration    *float64
}

// AttachMedia records a local media payload on the Survey and enqueues an
// upload job for it in the same transaction. The payload path is device-local
// state, so the Survey's sync flags are left alone.
func (db *DB) AttachMedia(ctx context.Context, surveyID int64, in MediaInput) (*schema.MediaJob, error) {
	if in.Path == "" {
		return nil, fmt.Errorf("media path is required")
	}

	var job *schema.MediaJob
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		s, err := getSurvey(ctx, tx, surveyID)
		if err != nil {
			return err
		}
		if s.Deleted {
			return fmt.Errorf("survey %d: %w", surveyID, ErrDeleted)
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE surveys SET media_path = ?, media_content_type = ?, media_duration = ?
		WHERE local_id = ?`,
			in.Path, stringToNull(in.ContentType), floatToNull(in.Duration), surveyID)
		if err != nil {
			return fmt.Errorf("failed to attach media to survey %d: %w", surveyID, err)
		}

		job = &schema.MediaJob{
			SurveyLocalID:     surveyID,
			SurveyCanonicalID: s.CanonicalID,
			Kind:              schema.JobKindAudio,
			Status:            schema.JobPending,
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteSurveyMedia stores the uploaded media reference on the Survey and
// drops the local payload path. The Survey is marked synchronized unless a
// user edit is still waiting to be pushed.
func (db *DB) CompleteSurveyMedia(ctx context.Context, surveyID int64, url string) error {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE surveys SET
		media_url = ?,
		media_path = NULL,
		synchronized = CASE WHEN version = synced_version THEN 1 ELSE synchronized END
	WHERE local_id = ?`, url, surveyID)
	if err != nil {
		return fmt.Errorf("failed to complete media for survey %d: %w", surveyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("survey %d: %w", surveyID, ErrNotFound)
	}
	return nil
}

// SetSurveyTranscript stores an enrichment result on the Survey.
func (db *DB) SetSurveyTranscript(ctx context.Context, surveyID int64, transcript string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE surveys SET media_transcript = ? WHERE local_id = ?`, transcript, surveyID)
	if err != nil {
		return fmt.Errorf("failed to set transcript for survey %d: %w", surveyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("survey %d: %w", surveyID, ErrNotFound)
	}
	return nil
}

// SetSurveyFormReference copies the owning Form's canonical id onto the
// Survey. An existing reference is kept.
func (db *DB) SetSurveyFormReference(ctx context.Context, surveyID int64, formCanonicalID string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE surveys SET form_canonical_id = COALESCE(form_canonical_id, ?) WHERE local_id = ?`,
		formCanonicalID, surveyID)
	if err != nil {
		return fmt.Errorf("failed to set form reference for survey %d: %w", surveyID, err)
	}
	return nil
}

func scanSurvey(s scanner) (*schema.Survey, error) {
	var sv schema.Survey
	var canonical, formCanonical, houseNumber, landmark sql.NullString
	var respName, respPhone sql.NullString
	var answersJSON, status, startedAt, updatedAt string
	var finishedAt, mediaPath, mediaType, mediaURL, transcript sql.NullString
	var lastError, syncedAt sql.NullString
	var lat, lon, acc, duration sql.NullFloat64
	var synchronized, deleted int

	err := s.Scan(
		&sv.LocalID,
		&canonical,
		&sv.FormLocalID,
		&formCanonical,
		&sv.Location.Address,
		&sv.Location.Neighborhood,
		&sv.Location.City,
		&houseNumber,
		&landmark,
		&respName,
		&respPhone,
		&answersJSON,
		&lat,
		&lon,
		&acc,
		&status,
		&startedAt,
		&finishedAt,
		&updatedAt,
		&synchronized,
		&deleted,
		&mediaPath,
		&mediaType,
		&mediaURL,
		&duration,
		&transcript,
		&sv.Version,
		&sv.SyncAttempts,
		&lastError,
		&syncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan survey: %w", err)
	}

	sv.CanonicalID = canonical.String
	sv.FormCanonicalID = formCanonical.String
	sv.Location.HouseNumber = houseNumber.String
	sv.Location.Landmark = landmark.String
	sv.Respondent = schema.Respondent{Name: respName.String, Phone: respPhone.String}
	sv.Status = schema.SurveyStatus(status)
	sv.StartedAt = parseTime(startedAt)
	sv.FinishedAt = nullStringToTime(finishedAt)
	sv.UpdatedAt = parseTime(updatedAt)
	sv.Synchronized = synchronized != 0
	sv.Deleted = deleted != 0
	sv.LastError = lastError.String
	sv.SyncedAt = nullStringToTime(syncedAt)
	sv.Media = schema.Media{
		LocalPath:   mediaPath.String,
		ContentType: mediaType.String,
		URL:         mediaURL.String,
		Duration:    nullToFloat(duration),
		Transcript:  nullToString(transcript),
	}
	if lat.Valid && lon.Valid {
		sv.Geo = &schema.GeoPoint{Lat: lat.Float64, Lon: lon.Float64, Accuracy: acc.Float64}
	}

	sv.Answers = map[string]schema.Answer{}
	if answersJSON != "" && answersJSON != "null" {
		if err := json.Unmarshal([]byte(answersJSON), &sv.Answers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
		}
	}
	return &sv, nil
}
