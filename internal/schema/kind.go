package schema

import (
	"errors"
	"fmt"
)

// Kind names an entity kind. The value doubles as the remote collection name.
type Kind string

const (
	// KindForm is the question template kind.
	KindForm Kind = "forms"
	// KindSurvey is the respondent interaction kind.
	KindSurvey Kind = "surveys"
	// KindMediaJob is the deferred upload kind. It is local-only.
	KindMediaJob Kind = "media_jobs"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindForm, KindSurvey, KindMediaJob:
		return true
	default:
		return false
	}
}

// ParseKind converts a user-supplied name into a Kind.
// Singular names ("form", "survey", "job") are accepted too.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "forms", "form":
		return KindForm, nil
	case "surveys", "survey":
		return KindSurvey, nil
	case "media_jobs", "media_job", "jobs", "job":
		return KindMediaJob, nil
	default:
		return "", fmt.Errorf("unknown kind: %q", s)
	}
}

var (
	// ErrInvalidTransition is returned when a Survey status change would move
	// backwards or between terminal states.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidAnswer is returned when an answer does not match the Form
	// definition.
	ErrInvalidAnswer = errors.New("invalid answer")
)
