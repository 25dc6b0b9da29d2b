package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// AnswerKind tags the value held by an Answer.
type AnswerKind string

const (
	AnswerText    AnswerKind = "text"
	AnswerNumber  AnswerKind = "number"
	AnswerBool    AnswerKind = "bool"
	AnswerChoices AnswerKind = "choices"
)

// Answer is a single survey answer. Exactly one of the value fields is
// meaningful, selected by Kind.
type Answer struct {
	Kind    AnswerKind
	Text    string
	Number  float64
	Bool    bool
	Choices []string
}

// TextAnswer returns a text answer.
func TextAnswer(s string) Answer {
	return Answer{Kind: AnswerText, Text: s}
}

// NumberAnswer returns a numeric answer.
func NumberAnswer(n float64) Answer {
	return Answer{Kind: AnswerNumber, Number: n}
}

// BoolAnswer returns a boolean answer.
func BoolAnswer(b bool) Answer {
	return Answer{Kind: AnswerBool, Bool: b}
}

// ChoicesAnswer returns a multi-value answer.
func ChoicesAnswer(choices ...string) Answer {
	if choices == nil {
		choices = []string{}
	}
	return Answer{Kind: AnswerChoices, Choices: choices}
}

// IsEmpty reports whether the answer carries no usable value.
// Zero numbers and false are real answers and are not empty.
func (a Answer) IsEmpty() bool {
	switch a.Kind {
	case AnswerText:
		return a.Text == ""
	case AnswerChoices:
		return len(a.Choices) == 0
	case AnswerNumber, AnswerBool:
		return false
	default:
		return true
	}
}

// Value returns the bare primitive form used in remote payloads.
func (a Answer) Value() any {
	switch a.Kind {
	case AnswerText:
		return a.Text
	case AnswerNumber:
		return a.Number
	case AnswerBool:
		return a.Bool
	case AnswerChoices:
		return append([]string(nil), a.Choices...)
	default:
		return nil
	}
}

// Matches reports whether the answer equals want, as used by visibility
// conditions. A choices answer matches when it contains want.
func (a Answer) Matches(want string) bool {
	switch a.Kind {
	case AnswerText:
		return a.Text == want
	case AnswerNumber:
		n, err := strconv.ParseFloat(want, 64)
		return err == nil && n == a.Number
	case AnswerBool:
		b, err := strconv.ParseBool(want)
		return err == nil && b == a.Bool
	case AnswerChoices:
		for _, c := range a.Choices {
			if c == want {
				return true
			}
		}
	}
	return false
}

// String renders the answer for display.
func (a Answer) String() string {
	switch a.Kind {
	case AnswerText:
		return a.Text
	case AnswerNumber:
		return strconv.FormatFloat(a.Number, 'f', -1, 64)
	case AnswerBool:
		return strconv.FormatBool(a.Bool)
	case AnswerChoices:
		var buf bytes.Buffer
		for i, c := range a.Choices {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(c)
		}
		return buf.String()
	default:
		return ""
	}
}

// MarshalJSON encodes the answer as its bare primitive.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Kind == "" {
		return []byte("null"), nil
	}
	return json.Marshal(a.Value())
}

// UnmarshalJSON decodes a bare primitive or an array of primitives.
// Array elements that are not strings are stored in their JSON text form.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Answer{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = TextAnswer(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*a = BoolAnswer(b)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		choices := make([]string, 0, len(raw))
		for _, r := range raw {
			var s string
			if err := json.Unmarshal(r, &s); err == nil {
				choices = append(choices, s)
				continue
			}
			if len(r) > 0 && (r[0] == '{' || r[0] == '[') {
				return fmt.Errorf("%w: nested values are not allowed", ErrInvalidAnswer)
			}
			choices = append(choices, string(bytes.TrimSpace(r)))
		}
		*a = ChoicesAnswer(choices...)
	case '{':
		return fmt.Errorf("%w: objects are not allowed", ErrInvalidAnswer)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*a = NumberAnswer(n)
	}
	return nil
}

// ParseAnswer converts raw command-line input into an Answer shaped for the
// given field type. Multi-choice input is comma separated.
func ParseAnswer(ft FieldType, raw string) (Answer, error) {
	switch ft.AnswerKind() {
	case AnswerNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Answer{}, fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, raw)
		}
		return NumberAnswer(n), nil
	case AnswerChoices:
		var choices []string
		for _, part := range bytes.Split([]byte(raw), []byte(",")) {
			if p := string(bytes.TrimSpace(part)); p != "" {
				choices = append(choices, p)
			}
		}
		return ChoicesAnswer(choices...), nil
	default:
		return TextAnswer(raw), nil
	}
}
