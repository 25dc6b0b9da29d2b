package schema

import (
	"fmt"
	"sort"
	"time"
)

// FieldType is the declared type of a Form field.
type FieldType string

const (
	FieldText         FieldType = "text"
	FieldNumber       FieldType = "number"
	FieldPhone        FieldType = "phone"
	FieldSingleChoice FieldType = "single-choice"
	FieldMultiChoice  FieldType = "multi-choice"
	FieldDropdown     FieldType = "dropdown"
	FieldLongText     FieldType = "long-text"
)

// IsValid reports whether t is a supported field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldNumber, FieldPhone, FieldSingleChoice,
		FieldMultiChoice, FieldDropdown, FieldLongText:
		return true
	default:
		return false
	}
}

// AnswerKind returns the answer kind a field of this type accepts.
func (t FieldType) AnswerKind() AnswerKind {
	switch t {
	case FieldNumber:
		return AnswerNumber
	case FieldMultiChoice:
		return AnswerChoices
	default:
		return AnswerText
	}
}

// HasOptions reports whether the type draws its values from a fixed list.
func (t FieldType) HasOptions() bool {
	return t == FieldSingleChoice || t == FieldMultiChoice || t == FieldDropdown
}

// Condition makes a field visible only when another field holds a value.
type Condition struct {
	FieldID string `json:"field_id" yaml:"field_id" toml:"field_id"`
	Equals  string `json:"equals" yaml:"equals" toml:"equals"`
}

// Field is one question of a Form.
type Field struct {
	ID       string     `json:"id" yaml:"id" toml:"id"`
	Type     FieldType  `json:"type" yaml:"type" toml:"type"`
	Label    string     `json:"label" yaml:"label" toml:"label"`
	Required bool       `json:"required" yaml:"required" toml:"required"`
	Options  []string   `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
	ShowIf   *Condition `json:"show_if,omitempty" yaml:"show_if,omitempty" toml:"show_if,omitempty"`
}

// Form is a reusable question template.
type Form struct {
	LocalID      int64      `json:"local_id"`
	CanonicalID  string     `json:"canonical_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Fields       []Field    `json:"fields"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Synchronized bool       `json:"synchronized"`
	Version      int64      `json:"version"`
	SyncAttempts int        `json:"sync_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
}

// Validate checks the Form definition: field ids must be unique, types known,
// choice fields must list options and conditions must point at an earlier field.
func (f *Form) Validate() error {
	if f.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(f.Title) > 200 {
		return fmt.Errorf("title must be 200 characters or less (got %d)", len(f.Title))
	}
	if len(f.Fields) == 0 {
		return fmt.Errorf("form must have at least one field")
	}

	seen := make(map[string]bool, len(f.Fields))
	for i, fd := range f.Fields {
		if fd.ID == "" {
			return fmt.Errorf("field %d: id is required", i)
		}
		if seen[fd.ID] {
			return fmt.Errorf("field %d: duplicate id %q", i, fd.ID)
		}
		if !fd.Type.IsValid() {
			return fmt.Errorf("field %q: unknown type %q", fd.ID, fd.Type)
		}
		if fd.Label == "" {
			return fmt.Errorf("field %q: label is required", fd.ID)
		}
		if fd.Type.HasOptions() && len(fd.Options) == 0 {
			return fmt.Errorf("field %q: %s requires options", fd.ID, fd.Type)
		}
		if fd.ShowIf != nil {
			if !seen[fd.ShowIf.FieldID] {
				return fmt.Errorf("field %q: condition references unknown or later field %q", fd.ID, fd.ShowIf.FieldID)
			}
		}
		seen[fd.ID] = true
	}
	return nil
}

// Field returns the field with the given id.
func (f *Form) Field(id string) (Field, bool) {
	for _, fd := range f.Fields {
		if fd.ID == id {
			return fd, true
		}
	}
	return Field{}, false
}

// IsVisible reports whether fd is shown given the current answers.
func (f *Form) IsVisible(fd Field, answers map[string]Answer) bool {
	if fd.ShowIf == nil {
		return true
	}
	parent, ok := f.Field(fd.ShowIf.FieldID)
	if !ok || !f.IsVisible(parent, answers) {
		return false
	}
	a, ok := answers[fd.ShowIf.FieldID]
	return ok && a.Matches(fd.ShowIf.Equals)
}

// ValidateAnswers checks answers against the Form definition. With final set,
// every required visible field must also hold a non-empty answer.
func (f *Form) ValidateAnswers(answers map[string]Answer, final bool) error {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, id := range keys {
		a := answers[id]
		fd, ok := f.Field(id)
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidAnswer, id)
		}
		if err := validateAnswer(fd, a); err != nil {
			return err
		}
	}

	if !final {
		return nil
	}
	for _, fd := range f.Fields {
		if !fd.Required || !f.IsVisible(fd, answers) {
			continue
		}
		if a, ok := answers[fd.ID]; !ok || a.IsEmpty() {
			return fmt.Errorf("%w: field %q is required", ErrInvalidAnswer, fd.ID)
		}
	}
	return nil
}

func validateAnswer(fd Field, a Answer) error {
	want := fd.Type.AnswerKind()
	if a.Kind != want {
		return fmt.Errorf("%w: field %q expects %s, got %s", ErrInvalidAnswer, fd.ID, want, a.Kind)
	}
	if !fd.Type.HasOptions() || a.IsEmpty() {
		return nil
	}

	allowed := make(map[string]bool, len(fd.Options))
	for _, o := range fd.Options {
		allowed[o] = true
	}
	values := a.Choices
	if a.Kind == AnswerText {
		values = []string{a.Text}
	}
	for _, v := range values {
		if !allowed[v] {
			return fmt.Errorf("%w: field %q does not offer %q", ErrInvalidAnswer, fd.ID, v)
		}
	}
	return nil
}

// RemoteFields returns the payload pushed to the remote store.
func (f *Form) RemoteFields(deviceID string) map[string]any {
	return map[string]any{
		"title":       f.Title,
		"description": f.Description,
		"fields":      f.Fields,
		"created_at":  f.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  f.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"device_id":   deviceID,
	}
}

// SetDefaults fills timestamps that were left empty.
func (f *Form) SetDefaults() {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	if f.Fields == nil {
		f.Fields = []Field{}
	}
}
