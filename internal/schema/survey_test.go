package schema

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to SurveyStatus
		ok       bool
	}{
		{StatusInProgress, StatusFinalized, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusFinalized, StatusFinalized, true},
		{StatusFinalized, StatusInProgress, false},
		{StatusFinalized, StatusCancelled, false},
		{StatusCancelled, StatusFinalized, false},
		{StatusCancelled, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			s := &Survey{Status: tt.from}
			err := s.Transition(tt.to, time.Now())
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestTransitionStampsFinishOnce(t *testing.T) {
	s := &Survey{Status: StatusInProgress}
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Transition(StatusFinalized, first); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if s.FinishedAt == nil || !s.FinishedAt.Equal(first) {
		t.Fatalf("expected finish time %v, got %v", first, s.FinishedAt)
	}

	if err := s.Transition(StatusFinalized, first.Add(time.Hour)); err != nil {
		t.Fatalf("re-applying status failed: %v", err)
	}
	if !s.FinishedAt.Equal(first) {
		t.Errorf("finish time moved to %v", s.FinishedAt)
	}
}

func TestMergeAnswersNeverRemovesKeys(t *testing.T) {
	s := &Survey{}
	s.MergeAnswers(map[string]Answer{"a": TextAnswer("1"), "b": TextAnswer("2")})
	s.MergeAnswers(map[string]Answer{"b": TextAnswer("3")})

	if len(s.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(s.Answers))
	}
	if s.Answers["b"].Text != "3" {
		t.Errorf("expected overwrite, got %q", s.Answers["b"].Text)
	}
}

func TestSurveyRemoteFields(t *testing.T) {
	dur := 12.5
	s := &Survey{
		FormLocalID: 1,
		Location:    Location{Address: "Rua A", Neighborhood: "Centro", City: "Recife"},
		Answers:     map[string]Answer{"q": ChoicesAnswer("x")},
		Geo:         &GeoPoint{Lat: -8.05, Lon: -34.9, Accuracy: 12},
		Status:      StatusInProgress,
		StartedAt:   time.Now(),
		Media:       Media{URL: "https://blob/1.webm", Duration: &dur},
	}

	fields := s.RemoteFields("form-9", "dev")
	if fields["form_id"] != "form-9" {
		t.Errorf("unexpected form_id: %v", fields["form_id"])
	}
	if fields["house_number"] != nil {
		t.Errorf("empty optional should be nil, got %v", fields["house_number"])
	}
	if fields["latitude"] != -8.05 {
		t.Errorf("unexpected latitude: %v", fields["latitude"])
	}
	if fields["audio_url"] != "https://blob/1.webm" {
		t.Errorf("unexpected audio_url: %v", fields["audio_url"])
	}
	answers := fields["answers"].(map[string]any)
	if got := answers["q"].([]string); len(got) != 1 || got[0] != "x" {
		t.Errorf("unexpected answers: %v", answers)
	}
}

func TestMediaJobIsDue(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	j := &MediaJob{Status: JobPending}
	if !j.IsDue(now) {
		t.Error("job without schedule should be due")
	}

	j.NextAttemptAt = &later
	if j.IsDue(now) {
		t.Error("job scheduled later should not be due")
	}
	if !j.IsDue(later) {
		t.Error("job should be due at its scheduled time")
	}

	j.Status = JobOK
	if j.IsDue(later.Add(time.Hour)) {
		t.Error("ok job is never due")
	}
}
