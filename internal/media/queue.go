package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
)

// Component is the sync_state key for queue passes.
const Component = "media"

// DefaultBucket receives uploaded audio.
const DefaultBucket = "survey-audio"

// Reasons reported when a pass does not run.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "queue already in progress"
)

// ErrWaitingOnCanonicalID is recorded on jobs whose Survey has not been
// inserted remotely yet.
var ErrWaitingOnCanonicalID = errors.New("waiting on canonical id")

// Config configures a Queue.
type Config struct {
	Store  *store.DB
	Remote remote.Store
	Signal connectivity.Signal

	// Bucket for uploads (default DefaultBucket)
	Bucket string

	// Backoff schedules retries (default DefaultBackoff)
	Backoff Backoff

	// MaxAttempts parks a job as dead after that many failed uploads.
	// Zero retries forever.
	MaxAttempts int

	// CallTimeout bounds each remote call (default 2m)
	CallTimeout time.Duration

	// Logger (default: stderr with [media] prefix)
	Logger *log.Logger

	// Now overrides the clock
	Now func() time.Time
}

// Report summarizes a queue pass.
type Report struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Uploaded    int
	Completed   int // nothing left to upload
	Rescheduled int // waiting on a canonical id
	Failed      int
	Dead        int
	Orphaned    int
	Errors      *multierror.Error
}

// Err returns the aggregated per-job errors, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

// Result is the outcome of ProcessQueueOnce.
type Result struct {
	Ran    bool
	Reason string
	Report *Report
}

// Queue processes MediaJobs.
type Queue struct {
	db          *store.DB
	remote      remote.Store
	signal      connectivity.Signal
	bucket      string
	backoff     Backoff
	maxAttempts int
	timeout     time.Duration
	logger      *log.Logger
	now         func() time.Time

	running atomic.Bool
}

// New creates a Queue.
func New(config Config) *Queue {
	q := &Queue{
		db:          config.Store,
		remote:      config.Remote,
		signal:      config.Signal,
		bucket:      config.Bucket,
		backoff:     config.Backoff,
		maxAttempts: config.MaxAttempts,
		timeout:     config.CallTimeout,
		logger:      config.Logger,
		now:         config.Now,
	}
	if q.bucket == "" {
		q.bucket = DefaultBucket
	}
	if q.backoff == nil {
		q.backoff = DefaultBackoff
	}
	if q.timeout == 0 {
		q.timeout = 2 * time.Minute
	}
	if q.logger == nil {
		q.logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Running reports whether a pass is in flight.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// ProcessQueueOnce runs every due job once. It is a no-op when offline or
// when another pass is running.
func (q *Queue) ProcessQueueOnce(ctx context.Context) Result {
	if q.signal != nil && !q.signal.IsOnline() {
		return Result{Reason: ReasonOffline}
	}
	if !q.running.CompareAndSwap(false, true) {
		return Result{Reason: ReasonInProgress}
	}
	defer q.running.Store(false)

	report := &Report{StartedAt: q.now()}
	if err := q.db.RecordPassStart(ctx, Component, report.StartedAt); err != nil {
		q.logger.Printf("WARNING: %v", err)
	}

	jobs, err := q.db.DueJobs(ctx, report.StartedAt)
	if err != nil {
		q.logger.Printf("WARNING: %v", err)
		report.Errors = multierror.Append(report.Errors, err)
	}
	for _, j := range jobs {
		q.process(ctx, j, report)
	}
	report.FinishedAt = q.now()

	if len(jobs) > 0 {
		q.logger.Printf("Queue pass complete: uploaded=%d waiting=%d failed=%d dead=%d orphaned=%d",
			report.Uploaded, report.Rescheduled, report.Failed, report.Dead, report.Orphaned)
	}

	if err := q.db.RecordPassEnd(ctx, store.SyncState{
		Component:      Component,
		LastStartedAt:  &report.StartedAt,
		LastFinishedAt: &report.FinishedAt,
		LastSuccess:    report.Err() == nil,
		RecordsOK:      report.Uploaded + report.Completed,
		RecordsFailed:  report.Failed + report.Dead + report.Rescheduled,
	}); err != nil {
		q.logger.Printf("WARNING: %v", err)
	}
	return Result{Ran: true, Report: report}
}

func (q *Queue) process(ctx context.Context, j *schema.MediaJob, report *Report) {
	s, err := q.db.GetSurvey(ctx, j.SurveyLocalID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && s.Deleted) {
		if err := q.db.DeleteJob(ctx, j.LocalID); err != nil {
			q.logger.Printf("WARNING: %v", err)
			return
		}
		report.Orphaned++
		q.logger.Printf("Discarded media job %d: survey %d is gone", j.LocalID, j.SurveyLocalID)
		return
	}
	if err != nil {
		q.logger.Printf("WARNING: %v", err)
		report.Errors = multierror.Append(report.Errors, err)
		return
	}

	canonical := j.SurveyCanonicalID
	if canonical == "" {
		canonical = s.CanonicalID
	}
	if canonical == "" {
		q.wait(ctx, j, report)
		return
	}

	if !s.Media.IsPending() {
		_, err := q.db.UpdateJob(ctx, j.LocalID, func(j *schema.MediaJob) error {
			j.SurveyCanonicalID = canonical
			j.Status = schema.JobOK
			j.NextAttemptAt = nil
			j.LastError = ""
			return nil
		})
		if err != nil {
			q.logger.Printf("WARNING: %v", err)
			return
		}
		report.Completed++
		return
	}

	if _, err := q.db.UpdateJob(ctx, j.LocalID, func(j *schema.MediaJob) error {
		j.SurveyCanonicalID = canonical
		j.Status = schema.JobUploading
		return nil
	}); err != nil {
		q.logger.Printf("WARNING: %v", err)
		return
	}

	url, err := q.upload(ctx, s, canonical)
	if err != nil {
		q.fail(ctx, j, err, report)
		return
	}

	if err := q.db.CompleteSurveyMedia(ctx, s.LocalID, url); err != nil {
		q.fail(ctx, j, err, report)
		return
	}
	if _, err := q.db.UpdateJob(ctx, j.LocalID, func(j *schema.MediaJob) error {
		j.Status = schema.JobOK
		j.NextAttemptAt = nil
		j.LastError = ""
		return nil
	}); err != nil {
		q.logger.Printf("WARNING: %v", err)
		return
	}
	report.Uploaded++
	q.logger.Printf("Uploaded media for survey %d", s.LocalID)
}

// upload stores the payload and patches the remote Survey with its reference.
func (q *Queue) upload(ctx context.Context, s *schema.Survey, canonical string) (string, error) {
	payload, err := os.ReadFile(s.Media.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to read media payload: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(s.Media.LocalPath))
	contentType := s.Media.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	name := ObjectName(canonical, q.now(), ext)
	var url string
	err = q.call(ctx, func(ctx context.Context) error {
		var err error
		url, err = q.remote.UploadBlob(ctx, q.bucket, name, payload, contentType)
		return err
	})
	if err != nil {
		return "", err
	}

	done := *s
	done.Media.URL = url
	err = q.call(ctx, func(ctx context.Context) error {
		return q.remote.Update(ctx, schema.KindSurvey, canonical, done.MediaFields())
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// ObjectName returns a unique upload name for a Survey's payload.
func ObjectName(canonicalID string, at time.Time, ext string) string {
	return fmt.Sprintf("surveys/%s/%d-%s%s", canonicalID, at.UnixMilli(), ulid.Make(), ext)
}

func (q *Queue) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, remote.ErrTimeout) {
		return fmt.Errorf("%w: %w", remote.ErrTimeout, err)
	}
	return err
}

// wait reschedules a job whose Survey has no canonical id yet.
func (q *Queue) wait(ctx context.Context, j *schema.MediaJob, report *Report) {
	now := q.now()
	_, err := q.db.UpdateJob(ctx, j.LocalID, func(j *schema.MediaJob) error {
		j.Attempts++
		next := now.Add(q.backoff(j.Attempts))
		j.NextAttemptAt = &next
		j.Status = schema.JobPending
		j.LastError = ErrWaitingOnCanonicalID.Error()
		return nil
	})
	if err != nil {
		q.logger.Printf("WARNING: %v", err)
		return
	}
	report.Rescheduled++
}

// fail records a failed upload and schedules the next attempt, or parks the
// job once MaxAttempts uploads have failed. Waits do not count.
func (q *Queue) fail(ctx context.Context, j *schema.MediaJob, cause error, report *Report) {
	now := q.now()
	var dead bool
	_, err := q.db.UpdateJob(ctx, j.LocalID, func(j *schema.MediaJob) error {
		j.Attempts++
		j.UploadFailures++
		j.LastError = cause.Error()
		if q.maxAttempts > 0 && j.UploadFailures >= q.maxAttempts {
			dead = true
			j.Status = schema.JobDead
			j.NextAttemptAt = nil
			return nil
		}
		next := now.Add(q.backoff(j.Attempts))
		j.Status = schema.JobError
		j.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		q.logger.Printf("WARNING: %v", err)
		return
	}

	report.Errors = multierror.Append(report.Errors, fmt.Errorf("media job %d: %w", j.LocalID, cause))
	if dead {
		report.Dead++
		q.logger.Printf("WARNING: Media job %d gave up after %d failed uploads: %v", j.LocalID, q.maxAttempts, cause)
		return
	}
	report.Failed++
	q.logger.Printf("WARNING: Failed to upload media job %d: %v", j.LocalID, cause)
}
