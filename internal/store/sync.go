package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/contavoto/fieldsync/internal/schema"
)

func tableFor(kind schema.Kind) (string, error) {
	switch kind {
	case schema.KindForm:
		return "forms", nil
	case schema.KindSurvey:
		return "surveys", nil
	default:
		return "", fmt.Errorf("kind %q has no sync bookkeeping", kind)
	}
}

// MarkSynced records a successful remote write for a Form or Survey.
//
// A non-empty canonicalID is stored only if the record has none yet; an
// assigned canonical id is never replaced. The record is flagged
// synchronized only if its version still equals version, the value read
// before the remote call. It reports whether the flag was set.
func (db *DB) MarkSynced(ctx context.Context, kind schema.Kind, localID, version int64, canonicalID string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	var marked bool
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if canonicalID != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE `+table+` SET canonical_id = COALESCE(canonical_id, ?) WHERE local_id = ?`,
				canonicalID, localID)
			if err != nil {
				return fmt.Errorf("failed to assign canonical id to %s %d: %w", kind, localID, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
		UPDATE `+table+` SET
			synchronized = 1,
			synced_version = version,
			sync_attempts = 0,
			last_error = NULL,
			synced_at = ?
		WHERE local_id = ? AND version = ?`,
			formatTime(time.Now()), localID, version)
		if err != nil {
			return fmt.Errorf("failed to mark %s %d synchronized: %w", kind, localID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		marked = n == 1
		return nil
	})
	return marked, err
}

// RecordSyncFailure bumps the retry signal of a Form or Survey and keeps the
// error message for display. The record stays unsynchronized.
func (db *DB) RecordSyncFailure(ctx context.Context, kind schema.Kind, localID int64, msg string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`UPDATE `+table+` SET sync_attempts = sync_attempts + 1, last_error = ? WHERE local_id = ?`,
		msg, localID)
	if err != nil {
		return fmt.Errorf("failed to record sync failure for %s %d: %w", kind, localID, err)
	}
	return nil
}
