package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
)

func createTestDatabase(t *testing.T, opts Options) *TestDatabase {
	t.Helper()
	td, err := CreateTestDatabase(context.Background(), filepath.Join(t.TempDir(), "fieldsync.db"), opts)
	if err != nil {
		t.Fatalf("CreateTestDatabase failed: %v", err)
	}
	t.Cleanup(func() { td.Close() })
	return td
}

func TestCreateTestDatabase(t *testing.T) {
	td := createTestDatabase(t, Options{Forms: 3, SurveysPerForm: 4, MediaPct: 1, Seed: 1})
	ctx := context.Background()

	if len(td.FormIDs) != 3 || len(td.SurveyIDs) != 12 {
		t.Fatalf("populated %d forms / %d surveys", len(td.FormIDs), len(td.SurveyIDs))
	}
	if td.MediaJobs != 12 {
		t.Errorf("MediaJobs = %d, want 12", td.MediaJobs)
	}

	surveys, err := td.DB.ListSurveys(ctx, store.SurveyFilter{})
	if err != nil {
		t.Fatalf("ListSurveys failed: %v", err)
	}
	for _, s := range surveys {
		if s.Status != schema.StatusFinalized {
			t.Errorf("survey %d status = %s, want finalized", s.LocalID, s.Status)
		}
		if s.Synchronized {
			t.Errorf("survey %d should start unsynchronized", s.LocalID)
		}
	}
}

func TestCreateTestDatabase_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no forms", Options{Forms: 0}},
		{"negative failure rate", Options{Forms: 1, FailureRate: -0.1}},
		{"always failing", Options{Forms: 1, FailureRate: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fieldsync.db")
			if _, err := CreateTestDatabase(context.Background(), path, tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunPasses_NoFailures(t *testing.T) {
	td := createTestDatabase(t, Options{Forms: 2, SurveysPerForm: 5, MediaPct: 0.5, Seed: 7})

	result, err := td.RunPasses(context.Background())
	if err != nil {
		t.Fatalf("RunPasses failed: %v", err)
	}
	if !result.Converged || result.Passes != 1 {
		t.Errorf("converged=%v after %d passes, want one clean pass", result.Converged, result.Passes)
	}
	if result.RecordsPushed != 12 {
		t.Errorf("RecordsPushed = %d, want 12", result.RecordsPushed)
	}
	if result.Uploaded != td.MediaJobs {
		t.Errorf("Uploaded = %d, want %d", result.Uploaded, td.MediaJobs)
	}
	if got := td.Remote.Count(schema.KindSurvey); got != 10 {
		t.Errorf("remote surveys = %d, want 10", got)
	}
	if result.InjectedFailures != 0 {
		t.Errorf("InjectedFailures = %d", result.InjectedFailures)
	}
}

func TestRunPasses_ConvergesUnderFailures(t *testing.T) {
	td := createTestDatabase(t, Options{
		Forms:          4,
		SurveysPerForm: 10,
		MediaPct:       0.3,
		FailureRate:    0.3,
		MaxPasses:      100,
		Seed:           42,
	})

	result, err := td.RunPasses(context.Background())
	if err != nil {
		t.Fatalf("RunPasses failed: %v", err)
	}
	if !result.Converged {
		t.Fatalf("did not converge after %d passes (%d pending)", result.Passes, result.Remaining)
	}
	if result.InjectedFailures == 0 {
		t.Error("expected injected failures at a 30% failure rate")
	}

	// Every record reaches the remote exactly once.
	if got := td.Remote.Count(schema.KindForm); got != 4 {
		t.Errorf("remote forms = %d, want 4", got)
	}
	if got := td.Remote.Count(schema.KindSurvey); got != 40 {
		t.Errorf("remote surveys = %d, want 40", got)
	}
	if got := td.Remote.BlobCount(); got < td.MediaJobs {
		t.Errorf("blobs = %d, want at least %d", got, td.MediaJobs)
	}
	if result.CallLatency.Count == 0 || result.PassLatency.Count != result.Passes {
		t.Errorf("latency samples: calls=%d passes=%d", result.CallLatency.Count, result.PassLatency.Count)
	}
}

func TestRunPasses_MaxPasses(t *testing.T) {
	td := createTestDatabase(t, Options{Forms: 3, SurveysPerForm: 3, FailureRate: 0.9, MaxPasses: 1, Seed: 3})

	result, err := td.RunPasses(context.Background())
	if err != nil {
		t.Fatalf("RunPasses failed: %v", err)
	}
	if result.Passes != 1 {
		t.Errorf("Passes = %d, want 1", result.Passes)
	}
	if result.Converged || result.Remaining == 0 {
		t.Errorf("converged=%v remaining=%d at a 90%% failure rate", result.Converged, result.Remaining)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 96*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("percentiles = %v/%v/%v", s.P50, s.P95, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("mean = %v", s.Mean)
	}
	if s.Count != 100 {
		t.Errorf("count = %d", s.Count)
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestResultPrint(t *testing.T) {
	r := &Result{Passes: 2, Converged: true, PassLatency: &LatencyStats{Count: 2}, CallLatency: &LatencyStats{}}
	var buf bytes.Buffer
	r.Print(&buf)
	for _, want := range []string{"Passes:            2 (converged: true)", "Pass latency (2 samples)", "Remote call latency"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}
