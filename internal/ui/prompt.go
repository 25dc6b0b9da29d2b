package ui

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/contavoto/fieldsync/internal/schema"
)

// ErrAborted is returned when the interviewer cancels a prompt.
var ErrAborted = errors.New("prompt aborted")

// Prompter asks for Survey answers one field at a time, so visibility
// conditions see the answers given so far.
type Prompter struct {
	// Accessible switches huh to plain line-based prompts
	Accessible bool
}

// fieldInput is the bound value of one prompt.
type fieldInput struct {
	field   schema.Field
	text    string
	choices []string
}

// AskAnswers prompts for every visible field of form, prefilled from current,
// and returns the answers that were given. Empty optional answers are left out.
func (p Prompter) AskAnswers(ctx context.Context, form *schema.Form, current map[string]schema.Answer) (map[string]schema.Answer, error) {
	merged := make(map[string]schema.Answer, len(current))
	for k, v := range current {
		merged[k] = v
	}
	given := make(map[string]schema.Answer)

	for _, fd := range form.Fields {
		if !form.IsVisible(fd, merged) {
			continue
		}

		in := newFieldInput(fd, merged[fd.ID])
		hf := huh.NewForm(huh.NewGroup(in.huhField())).WithAccessible(p.Accessible)
		if err := hf.RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil, ErrAborted
			}
			return nil, fmt.Errorf("failed to prompt for %q: %w", fd.ID, err)
		}

		a, ok, err := in.answer()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		merged[fd.ID] = a
		given[fd.ID] = a
	}
	return given, nil
}

func newFieldInput(fd schema.Field, prev schema.Answer) *fieldInput {
	in := &fieldInput{field: fd}
	switch prev.Kind {
	case schema.AnswerText:
		in.text = prev.Text
	case schema.AnswerNumber:
		in.text = strconv.FormatFloat(prev.Number, 'f', -1, 64)
	case schema.AnswerChoices:
		in.choices = append([]string(nil), prev.Choices...)
	}
	return in
}

func (in *fieldInput) title() string {
	if in.field.Required {
		return in.field.Label + " *"
	}
	return in.field.Label
}

// huhField picks the widget for the field type.
func (in *fieldInput) huhField() huh.Field {
	fd := in.field
	switch fd.Type {
	case schema.FieldSingleChoice, schema.FieldDropdown:
		return huh.NewSelect[string]().
			Title(in.title()).
			Options(huh.NewOptions(fd.Options...)...).
			Value(&in.text)
	case schema.FieldMultiChoice:
		return huh.NewMultiSelect[string]().
			Title(in.title()).
			Options(huh.NewOptions(fd.Options...)...).
			Value(&in.choices)
	case schema.FieldLongText:
		return huh.NewText().
			Title(in.title()).
			Value(&in.text).
			Validate(in.validate)
	default:
		return huh.NewInput().
			Title(in.title()).
			Value(&in.text).
			Validate(in.validate)
	}
}

func (in *fieldInput) validate(raw string) error {
	if raw == "" {
		if in.field.Required {
			return fmt.Errorf("%s is required", in.field.Label)
		}
		return nil
	}
	_, err := schema.ParseAnswer(in.field.Type, raw)
	return err
}

// answer converts the bound value. ok is false for a skipped optional field.
func (in *fieldInput) answer() (schema.Answer, bool, error) {
	if in.field.Type == schema.FieldMultiChoice {
		if len(in.choices) == 0 {
			return schema.Answer{}, false, nil
		}
		return schema.ChoicesAnswer(in.choices...), true, nil
	}
	if in.text == "" {
		return schema.Answer{}, false, nil
	}
	a, err := schema.ParseAnswer(in.field.Type, in.text)
	if err != nil {
		return schema.Answer{}, false, err
	}
	return a, true, nil
}

// Confirm asks a yes/no question.
func (p Prompter) Confirm(ctx context.Context, question string) (bool, error) {
	var ok bool
	hf := huh.NewForm(huh.NewGroup(huh.NewConfirm().Title(question).Value(&ok))).WithAccessible(p.Accessible)
	if err := hf.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, ErrAborted
		}
		return false, err
	}
	return ok, nil
}
