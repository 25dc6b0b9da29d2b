package schema

import (
	"errors"
	"strings"
	"testing"
)

func testForm() *Form {
	return &Form{
		Title: "Household survey",
		Fields: []Field{
			{ID: "name", Type: FieldText, Label: "Name", Required: true},
			{ID: "age", Type: FieldNumber, Label: "Age"},
			{ID: "has_kids", Type: FieldSingleChoice, Label: "Children?", Required: true, Options: []string{"yes", "no"}},
			{ID: "kids", Type: FieldNumber, Label: "How many", Required: true, ShowIf: &Condition{FieldID: "has_kids", Equals: "yes"}},
			{ID: "topics", Type: FieldMultiChoice, Label: "Topics", Options: []string{"health", "transport", "security"}},
			{ID: "notes", Type: FieldLongText, Label: "Notes"},
		},
	}
}

func TestFormValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Form)
		wantErr string
	}{
		{name: "valid", mutate: func(f *Form) {}},
		{name: "missing title", mutate: func(f *Form) { f.Title = "" }, wantErr: "title is required"},
		{name: "no fields", mutate: func(f *Form) { f.Fields = nil }, wantErr: "at least one field"},
		{name: "duplicate id", mutate: func(f *Form) { f.Fields[1].ID = "name" }, wantErr: "duplicate id"},
		{name: "unknown type", mutate: func(f *Form) { f.Fields[0].Type = "date" }, wantErr: "unknown type"},
		{name: "choice without options", mutate: func(f *Form) { f.Fields[2].Options = nil }, wantErr: "requires options"},
		{name: "condition on later field", mutate: func(f *Form) { f.Fields[3].ShowIf.FieldID = "notes" }, wantErr: "unknown or later field"},
		{name: "missing label", mutate: func(f *Form) { f.Fields[5].Label = "" }, wantErr: "label is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testForm()
			tt.mutate(f)
			err := f.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAnswers(t *testing.T) {
	f := testForm()

	tests := []struct {
		name    string
		answers map[string]Answer
		final   bool
		wantErr bool
	}{
		{
			name:    "partial answers are fine before finalize",
			answers: map[string]Answer{"name": TextAnswer("Ana")},
		},
		{
			name:    "unknown field",
			answers: map[string]Answer{"color": TextAnswer("blue")},
			wantErr: true,
		},
		{
			name:    "kind mismatch",
			answers: map[string]Answer{"age": TextAnswer("forty")},
			wantErr: true,
		},
		{
			name:    "option outside list",
			answers: map[string]Answer{"has_kids": TextAnswer("maybe")},
			wantErr: true,
		},
		{
			name:    "multi choice outside list",
			answers: map[string]Answer{"topics": ChoicesAnswer("health", "weather")},
			wantErr: true,
		},
		{
			name:    "final missing required",
			answers: map[string]Answer{"name": TextAnswer("Ana")},
			final:   true,
			wantErr: true,
		},
		{
			name:    "final with hidden required field skipped",
			answers: map[string]Answer{"name": TextAnswer("Ana"), "has_kids": TextAnswer("no")},
			final:   true,
		},
		{
			name:    "final with visible required field missing",
			answers: map[string]Answer{"name": TextAnswer("Ana"), "has_kids": TextAnswer("yes")},
			final:   true,
			wantErr: true,
		},
		{
			name: "final complete",
			answers: map[string]Answer{
				"name":     TextAnswer("Ana"),
				"has_kids": TextAnswer("yes"),
				"kids":     NumberAnswer(0),
				"topics":   ChoicesAnswer("health"),
			},
			final: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ValidateAnswers(tt.answers, tt.final)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAnswer) {
					t.Fatalf("expected ErrInvalidAnswer, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIsVisibleNested(t *testing.T) {
	f := testForm()
	f.Fields = append(f.Fields, Field{
		ID: "kids_school", Type: FieldText, Label: "School", ShowIf: &Condition{FieldID: "kids", Equals: "2"},
	})

	school, _ := f.Field("kids_school")

	answers := map[string]Answer{"has_kids": TextAnswer("no"), "kids": NumberAnswer(2)}
	if f.IsVisible(school, answers) {
		t.Error("field should be hidden when its parent is hidden")
	}

	answers["has_kids"] = TextAnswer("yes")
	if !f.IsVisible(school, answers) {
		t.Error("field should be visible when the whole chain matches")
	}
}

func TestFormRemoteFields(t *testing.T) {
	f := testForm()
	f.SetDefaults()

	fields := f.RemoteFields("device-1")
	if fields["title"] != "Household survey" {
		t.Errorf("unexpected title: %v", fields["title"])
	}
	if fields["device_id"] != "device-1" {
		t.Errorf("unexpected device id: %v", fields["device_id"])
	}
	if got, ok := fields["fields"].([]Field); !ok || len(got) != 6 {
		t.Errorf("expected 6 fields, got %v", fields["fields"])
	}
}
