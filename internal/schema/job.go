package schema

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a MediaJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobUploading JobStatus = "uploading"
	JobOK        JobStatus = "ok"
	JobError     JobStatus = "error"
	// JobDead marks a job that exhausted its configured attempts.
	JobDead JobStatus = "dead"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobUploading, JobOK, JobError, JobDead:
		return true
	default:
		return false
	}
}

// JobKind is the kind of payload a MediaJob uploads.
type JobKind string

// JobKindAudio is recorded interview audio.
const JobKindAudio JobKind = "audio"

// MediaJob is a unit of deferred upload work for a Survey. Attempts counts
// every pass that touched the job and drives the backoff; UploadFailures counts
// only failed uploads, so waiting on a canonical id never dead-letters a job.
type MediaJob struct {
	LocalID           int64      `json:"local_id"`
	SurveyLocalID     int64      `json:"survey_local_id"`
	SurveyCanonicalID string     `json:"survey_canonical_id,omitempty"`
	Kind              JobKind    `json:"kind"`
	Status            JobStatus  `json:"status"`
	Attempts          int        `json:"attempts"`
	UploadFailures    int        `json:"upload_failures"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Validate checks required attributes.
func (j *MediaJob) Validate() error {
	if j.SurveyLocalID <= 0 {
		return fmt.Errorf("survey_local_id is required")
	}
	if j.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", j.Status)
	}
	if j.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative")
	}
	if j.UploadFailures < 0 || j.UploadFailures > j.Attempts {
		return fmt.Errorf("upload_failures must be between 0 and attempts")
	}
	return nil
}

// IsDone reports whether the job reached a state the queue never revisits.
func (j *MediaJob) IsDone() bool {
	return j.Status == JobOK || j.Status == JobDead
}

// IsDue reports whether the job may run at now.
func (j *MediaJob) IsDue(now time.Time) bool {
	if j.IsDone() {
		return false
	}
	return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
}
