package media

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
	"github.com/contavoto/fieldsync/internal/sync"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// createSurvey creates a Form and a Survey, pushing both when synced is set.
func createSurvey(t *testing.T, db *store.DB, rem remote.Store, synced bool) *schema.Survey {
	t.Helper()
	ctx := context.Background()

	f := &schema.Form{
		Title:  "Household",
		Fields: []schema.Field{{ID: "name", Type: schema.FieldText, Label: "Name"}},
	}
	if _, err := db.CreateForm(ctx, f); err != nil {
		t.Fatalf("CreateForm failed: %v", err)
	}
	s := &schema.Survey{
		FormLocalID: f.LocalID,
		Location:    schema.Location{Address: "Rua A", Neighborhood: "Centro", City: "Olinda"},
	}
	if _, err := db.CreateSurvey(ctx, s); err != nil {
		t.Fatalf("CreateSurvey failed: %v", err)
	}

	if synced {
		res := sync.New(sync.Config{
			Store:  db,
			Remote: rem,
			Signal: connectivity.NewManual(true),
			Logger: quietLogger(),
		}).SyncOnce(ctx)
		if err := res.Report.Err(); err != nil {
			t.Fatalf("SyncOnce failed: %v", err)
		}
	}

	got, err := db.GetSurvey(ctx, s.LocalID)
	if err != nil {
		t.Fatalf("GetSurvey failed: %v", err)
	}
	return got
}

func attach(t *testing.T, db *store.DB, surveyID int64) *schema.MediaJob {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interview.m4a")
	if err := os.WriteFile(path, []byte("fake audio"), 0644); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	duration := 42.5
	job, err := db.AttachMedia(context.Background(), surveyID, store.MediaInput{
		Path:        path,
		ContentType: "audio/mp4",
		Duration:    &duration,
	})
	if err != nil {
		t.Fatalf("AttachMedia failed: %v", err)
	}
	return job
}

func getJob(t *testing.T, db *store.DB, id int64) *schema.MediaJob {
	t.Helper()
	j, err := db.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%d) failed: %v", id, err)
	}
	return j
}

func newTestQueue(db *store.DB, rem remote.Store, clock *fakeClock) *Queue {
	return New(Config{
		Store:   db,
		Remote:  rem,
		Signal:  connectivity.NewManual(true),
		Backoff: DefaultBackoff,
		Logger:  quietLogger(),
		Now:     clock.Now,
	})
}

func TestProcessQueueOnce_Uploads(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{PublicURL: "https://cdn.example.com"})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	job := attach(t, db, survey.LocalID)

	res := newTestQueue(db, rem, clock).ProcessQueueOnce(ctx)
	if !res.Ran || res.Report.Uploaded != 1 {
		t.Fatalf("result = %+v, report = %+v", res, res.Report)
	}

	got := getJob(t, db, job.LocalID)
	if got.Status != schema.JobOK || got.SurveyCanonicalID != survey.CanonicalID {
		t.Errorf("job = %+v", got)
	}

	s, err := db.GetSurvey(ctx, survey.LocalID)
	if err != nil {
		t.Fatalf("GetSurvey failed: %v", err)
	}
	prefix := "https://cdn.example.com/" + DefaultBucket + "/surveys/" + survey.CanonicalID + "/"
	if !strings.HasPrefix(s.Media.URL, prefix) || !strings.HasSuffix(s.Media.URL, ".m4a") {
		t.Errorf("media url = %q", s.Media.URL)
	}
	if s.Media.IsPending() || !s.Synchronized {
		t.Errorf("survey media not completed: %+v", s.Media)
	}

	rec, _ := rem.Get(schema.KindSurvey, survey.CanonicalID)
	if rec["audio_url"] != s.Media.URL || rec["audio_duration"] != 42.5 {
		t.Errorf("remote media fields = %v / %v", rec["audio_url"], rec["audio_duration"])
	}

	name := strings.TrimPrefix(s.Media.URL, "https://cdn.example.com/"+DefaultBucket+"/")
	data, contentType, err := rem.ReadBlob(ctx, DefaultBucket, name)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if string(data) != "fake audio" || contentType != "audio/mp4" {
		t.Errorf("blob = %q (%s)", data, contentType)
	}
}

func TestProcessQueueOnce_WaitsForCanonicalID(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	survey := createSurvey(t, db, rem, false)
	job := attach(t, db, survey.LocalID)

	res := newTestQueue(db, rem, clock).ProcessQueueOnce(context.Background())
	if res.Report.Rescheduled != 1 {
		t.Errorf("rescheduled = %d, want 1", res.Report.Rescheduled)
	}
	if rem.Calls(remote.OpUpload) != 0 {
		t.Error("upload attempted without canonical id")
	}

	got := getJob(t, db, job.LocalID)
	if got.Status == schema.JobOK || got.Attempts != 1 {
		t.Errorf("job = %+v", got)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(clock.now) {
		t.Errorf("next attempt = %v, want after %v", got.NextAttemptAt, clock.now)
	}
	if got.LastError != ErrWaitingOnCanonicalID.Error() {
		t.Errorf("last error = %q", got.LastError)
	}
}

func TestProcessQueueOnce_BackoffIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(db, rem, clock)
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	job := attach(t, db, survey.LocalID)

	rem.SetFail(func(op remote.Op, kind schema.Kind, id string, fields map[string]any) error {
		if op == remote.OpUpload {
			return remote.ErrTransient
		}
		return nil
	})

	var prevWait time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		q.ProcessQueueOnce(ctx)

		got := getJob(t, db, job.LocalID)
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: attempts = %d", attempt, got.Attempts)
		}
		if got.Status != schema.JobError || got.LastError == "" {
			t.Fatalf("attempt %d: job = %+v", attempt, got)
		}
		wait := got.NextAttemptAt.Sub(clock.now)
		if wait < prevWait {
			t.Errorf("attempt %d: wait %v shorter than previous %v", attempt, wait, prevWait)
		}
		if want := DefaultBackoff(attempt); wait != want {
			t.Errorf("attempt %d: wait = %v, want %v", attempt, wait, want)
		}
		prevWait = wait

		// Not due yet: a pass before the next attempt time leaves it alone.
		q.ProcessQueueOnce(ctx)
		if getJob(t, db, job.LocalID).Attempts != attempt {
			t.Fatalf("attempt %d: job retried before it was due", attempt)
		}

		clock.now = *got.NextAttemptAt
	}
}

func TestProcessQueueOnce_DeadLetter(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(Config{
		Store:       db,
		Remote:      rem,
		Signal:      connectivity.NewManual(true),
		Backoff:     ZeroBackoff,
		MaxAttempts: 3,
		Logger:      quietLogger(),
		Now:         clock.Now,
	})
	ctx := context.Background()

	survey := createSurvey(t, db, rem, false)
	job := attach(t, db, survey.LocalID)

	// Waiting on the canonical id must not use up the upload budget.
	for i := 0; i < 5; i++ {
		if res := q.ProcessQueueOnce(ctx); res.Report.Rescheduled != 1 || res.Report.Dead != 0 {
			t.Fatalf("wait pass %d: %+v", i, res.Report)
		}
	}
	if got := getJob(t, db, job.LocalID); got.Attempts != 5 || got.UploadFailures != 0 {
		t.Fatalf("after waits: attempts = %d, upload failures = %d", got.Attempts, got.UploadFailures)
	}

	res := sync.New(sync.Config{
		Store:  db,
		Remote: rem,
		Signal: connectivity.NewManual(true),
		Logger: quietLogger(),
	}).SyncOnce(ctx)
	if err := res.Report.Err(); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	rem.SetFail(func(op remote.Op, kind schema.Kind, id string, fields map[string]any) error {
		if op == remote.OpUpload {
			return remote.ErrTransient
		}
		return nil
	})

	first := q.ProcessQueueOnce(ctx)
	if first.Report.Dead != 0 || first.Report.Failed != 1 {
		t.Errorf("first failure: %+v", first.Report)
	}
	got := getJob(t, db, job.LocalID)
	if got.Status != schema.JobError || got.UploadFailures != 1 || got.Attempts != 6 {
		t.Errorf("after first failure: %+v", got)
	}

	q.ProcessQueueOnce(ctx)
	last := q.ProcessQueueOnce(ctx)
	if last.Report.Dead != 1 {
		t.Errorf("dead = %d, want 1", last.Report.Dead)
	}
	if got := getJob(t, db, job.LocalID); got.Status != schema.JobDead || got.UploadFailures != 3 || got.Attempts != 8 {
		t.Errorf("job = %+v", got)
	}

	q.ProcessQueueOnce(ctx)
	if n := rem.Calls(remote.OpUpload); n != 3 {
		t.Errorf("upload calls = %d, want 3", n)
	}
}

func TestProcessQueueOnce_DiscardsOrphans(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Now()}
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	job := attach(t, db, survey.LocalID)
	if err := db.DeleteSurvey(ctx, survey.LocalID); err != nil {
		t.Fatalf("DeleteSurvey failed: %v", err)
	}

	res := newTestQueue(db, rem, clock).ProcessQueueOnce(ctx)
	if res.Report.Orphaned != 1 {
		t.Errorf("orphaned = %d, want 1", res.Report.Orphaned)
	}
	if _, err := db.GetJob(ctx, job.LocalID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("orphan job still present: %v", err)
	}
	if rem.Calls(remote.OpUpload) != 0 {
		t.Error("orphan payload uploaded")
	}
}

func TestProcessQueueOnce_NothingToUpload(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Now()}
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	id, err := db.CreateJob(ctx, &schema.MediaJob{
		SurveyLocalID: survey.LocalID,
		Kind:          schema.JobKindAudio,
		Status:        schema.JobPending,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	res := newTestQueue(db, rem, clock).ProcessQueueOnce(ctx)
	if res.Report.Completed != 1 {
		t.Errorf("completed = %d, want 1", res.Report.Completed)
	}
	if got := getJob(t, db, id); got.Status != schema.JobOK {
		t.Errorf("status = %s, want ok", got.Status)
	}
	if rem.Calls(remote.OpUpload) != 0 {
		t.Error("upload attempted with no payload")
	}
}

func TestProcessQueueOnce_MissingPayload(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Now()}
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	job, err := db.AttachMedia(ctx, survey.LocalID, store.MediaInput{Path: filepath.Join(t.TempDir(), "missing.m4a")})
	if err != nil {
		t.Fatalf("AttachMedia failed: %v", err)
	}

	newTestQueue(db, rem, clock).ProcessQueueOnce(ctx)
	got := getJob(t, db, job.LocalID)
	if got.Status != schema.JobError || got.Attempts != 1 || !strings.Contains(got.LastError, "read media payload") {
		t.Errorf("job = %+v", got)
	}
}

func TestProcessQueueOnce_KeepsPendingEdit(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Now()}
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	attach(t, db, survey.LocalID)
	if _, err := db.UpdateSurveyAnswers(ctx, survey.LocalID, map[string]schema.Answer{
		"name": schema.TextAnswer("José"),
	}); err != nil {
		t.Fatalf("UpdateSurveyAnswers failed: %v", err)
	}

	newTestQueue(db, rem, clock).ProcessQueueOnce(ctx)
	s, err := db.GetSurvey(ctx, survey.LocalID)
	if err != nil {
		t.Fatalf("GetSurvey failed: %v", err)
	}
	if s.Media.URL == "" {
		t.Fatal("media not completed")
	}
	if s.Synchronized {
		t.Error("unpushed edit marked synchronized by media upload")
	}
}

func TestProcessQueueOnce_Offline(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	q := New(Config{Store: db, Remote: rem, Signal: connectivity.NewManual(false), Logger: quietLogger()})

	res := q.ProcessQueueOnce(context.Background())
	if res.Ran || res.Reason != ReasonOffline {
		t.Errorf("result = %+v, want offline", res)
	}
}

func TestProcessQueueOnce_SingleFlight(t *testing.T) {
	db := setupTestDB(t)
	rem := remote.NewMemory(remote.MemoryConfig{})
	clock := &fakeClock{now: time.Now()}
	q := newTestQueue(db, rem, clock)
	ctx := context.Background()

	survey := createSurvey(t, db, rem, true)
	attach(t, db, survey.LocalID)

	entered := make(chan struct{})
	release := make(chan struct{})
	rem.SetFail(func(op remote.Op, kind schema.Kind, id string, fields map[string]any) error {
		if op == remote.OpUpload {
			close(entered)
			<-release
		}
		return nil
	})

	done := make(chan Result)
	go func() { done <- q.ProcessQueueOnce(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the upload")
	}
	if second := q.ProcessQueueOnce(ctx); second.Ran || second.Reason != ReasonInProgress {
		t.Errorf("concurrent pass = %+v", second)
	}

	close(release)
	if first := <-done; first.Report.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", first.Report.Uploaded)
	}
	if n := rem.Calls(remote.OpUpload); n != 1 {
		t.Errorf("upload calls = %d, want 1", n)
	}
}

func TestObjectNameIsUnique(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ObjectName("abc", at, ".m4a")
	b := ObjectName("abc", at, ".m4a")
	if a == b {
		t.Errorf("names collide: %s", a)
	}
	if !strings.HasPrefix(a, "surveys/abc/1772366400000-") {
		t.Errorf("name = %s", a)
	}
}
