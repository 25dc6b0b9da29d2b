package schema

import (
	"fmt"
	"time"
)

// SurveyStatus is the lifecycle state of a Survey.
type SurveyStatus string

const (
	StatusInProgress SurveyStatus = "in_progress"
	StatusFinalized  SurveyStatus = "finalized"
	StatusCancelled  SurveyStatus = "cancelled"
)

// IsValid reports whether s is a known status.
func (s SurveyStatus) IsValid() bool {
	switch s {
	case StatusInProgress, StatusFinalized, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s SurveyStatus) IsTerminal() bool {
	return s == StatusFinalized || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s SurveyStatus) CanTransition(next SurveyStatus) bool {
	if s == next {
		return true
	}
	return s == StatusInProgress && next.IsTerminal()
}

// Location is where the interview took place.
type Location struct {
	Address      string `json:"address"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	HouseNumber  string `json:"house_number,omitempty"`
	Landmark     string `json:"landmark,omitempty"`
}

// GeoPoint is an optional device fix.
type GeoPoint struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
}

// Respondent is filled in when the Survey is finalized.
type Respondent struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Media references the recorded audio of a Survey. LocalPath is the pending
// payload on the device; URL is set once the upload queue has stored it.
type Media struct {
	LocalPath   string   `json:"local_path,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	URL         string   `json:"url,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	Transcript  *string  `json:"transcript,omitempty"`
}

// IsPending reports whether a payload is waiting to be uploaded.
func (m Media) IsPending() bool {
	return m.LocalPath != ""
}

// Survey is one respondent interaction against a Form.
type Survey struct {
	LocalID         int64             `json:"local_id"`
	CanonicalID     string            `json:"canonical_id,omitempty"`
	FormLocalID     int64             `json:"form_local_id"`
	FormCanonicalID string            `json:"form_canonical_id,omitempty"`
	Location        Location          `json:"location"`
	Respondent      Respondent        `json:"respondent"`
	Answers         map[string]Answer `json:"answers"`
	Geo             *GeoPoint         `json:"geo,omitempty"`
	Status          SurveyStatus      `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Synchronized    bool              `json:"synchronized"`
	Deleted         bool              `json:"deleted"`
	Media           Media             `json:"media"`
	Version         int64             `json:"version"`
	SyncAttempts    int               `json:"sync_attempts"`
	LastError       string            `json:"last_error,omitempty"`
	SyncedAt        *time.Time        `json:"synced_at,omitempty"`
}

// Validate checks required attributes.
func (s *Survey) Validate() error {
	if s.FormLocalID <= 0 {
		return fmt.Errorf("form_local_id is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", s.Status)
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if s.Geo != nil {
		if s.Geo.Lat < -90 || s.Geo.Lat > 90 {
			return fmt.Errorf("latitude out of range: %f", s.Geo.Lat)
		}
		if s.Geo.Lon < -180 || s.Geo.Lon > 180 {
			return fmt.Errorf("longitude out of range: %f", s.Geo.Lon)
		}
	}
	return nil
}

// Transition moves the Survey to next. Finalizing or cancelling stamps the
// finish time.
func (s *Survey) Transition(next SurveyStatus, at time.Time) error {
	if !next.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	if s.Status == next {
		return nil
	}
	s.Status = next
	if s.FinishedAt == nil {
		t := at.UTC()
		s.FinishedAt = &t
	}
	return nil
}

// MergeAnswers writes updates over the current answers. Keys are never removed.
func (s *Survey) MergeAnswers(updates map[string]Answer) {
	if s.Answers == nil {
		s.Answers = make(map[string]Answer, len(updates))
	}
	for k, v := range updates {
		s.Answers[k] = v
	}
}

// IsOrphanTombstone reports whether the Survey was deleted before it ever
// reached the remote store.
func (s *Survey) IsOrphanTombstone() bool {
	return s.Deleted && s.CanonicalID == ""
}

// RemoteFields returns the payload pushed to the remote store.
func (s *Survey) RemoteFields(formCanonicalID, deviceID string) map[string]any {
	answers := make(map[string]any, len(s.Answers))
	for k, a := range s.Answers {
		answers[k] = a.Value()
	}

	fields := map[string]any{
		"form_id":          formCanonicalID,
		"address":          s.Location.Address,
		"neighborhood":     s.Location.Neighborhood,
		"city":             s.Location.City,
		"house_number":     nullable(s.Location.HouseNumber),
		"landmark":         nullable(s.Location.Landmark),
		"respondent_name":  nullable(s.Respondent.Name),
		"respondent_phone": nullable(s.Respondent.Phone),
		"answers":          answers,
		"status":           string(s.Status),
		"started_at":       s.StartedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":      nil,
		"latitude":         nil,
		"longitude":        nil,
		"accuracy":         nil,
		"device_id":        deviceID,
	}
	if s.FinishedAt != nil {
		fields["finished_at"] = s.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Geo != nil {
		fields["latitude"] = s.Geo.Lat
		fields["longitude"] = s.Geo.Lon
		fields["accuracy"] = s.Geo.Accuracy
	}
	if s.Media.URL != "" {
		fields["audio_url"] = s.Media.URL
		if s.Media.Duration != nil {
			fields["audio_duration"] = *s.Media.Duration
		}
	}
	return fields
}

// MediaFields returns the partial payload patched onto the remote Survey after
// an upload.
func (s *Survey) MediaFields() map[string]any {
	fields := map[string]any{
		"audio_url":      s.Media.URL,
		"audio_duration": nil,
	}
	if s.Media.Duration != nil {
		fields["audio_duration"] = *s.Media.Duration
	}
	return fields
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
