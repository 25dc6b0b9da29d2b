package schema

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestAnswerUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  Answer
	}{
		{`"hello"`, TextAnswer("hello")},
		{`42`, NumberAnswer(42)},
		{`-1.5`, NumberAnswer(-1.5)},
		{`true`, BoolAnswer(true)},
		{`["a","b"]`, ChoicesAnswer("a", "b")},
		{`["a",2,false]`, ChoicesAnswer("a", "2", "false")},
		{`[]`, ChoicesAnswer()},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var got Answer
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAnswerRejectsObjects(t *testing.T) {
	for _, input := range []string{`{"a":1}`, `[{"a":1}]`, `[[1]]`} {
		var a Answer
		err := json.Unmarshal([]byte(input), &a)
		if !errors.Is(err, ErrInvalidAnswer) {
			t.Errorf("%s: expected ErrInvalidAnswer, got %v", input, err)
		}
	}
}

func TestAnswerMapEncoding(t *testing.T) {
	answers := map[string]Answer{
		"name":   TextAnswer("Ana"),
		"age":    NumberAnswer(31),
		"topics": ChoicesAnswer("health"),
	}

	data, err := json.Marshal(answers)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"age":31,"name":"Ana","topics":["health"]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestAnswerMatches(t *testing.T) {
	if !NumberAnswer(2).Matches("2") {
		t.Error("number should match its text form")
	}
	if !ChoicesAnswer("a", "b").Matches("b") {
		t.Error("choices should match a contained value")
	}
	if BoolAnswer(false).Matches("true") {
		t.Error("false should not match true")
	}
	if TextAnswer("x").Matches("y") {
		t.Error("different text should not match")
	}
}

func TestParseAnswer(t *testing.T) {
	a, err := ParseAnswer(FieldNumber, "12.5")
	if err != nil || a.Number != 12.5 {
		t.Errorf("number parse: got %+v, %v", a, err)
	}

	if _, err := ParseAnswer(FieldNumber, "twelve"); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("expected ErrInvalidAnswer, got %v", err)
	}

	a, _ = ParseAnswer(FieldMultiChoice, "health, transport,,")
	if !reflect.DeepEqual(a.Choices, []string{"health", "transport"}) {
		t.Errorf("unexpected choices: %v", a.Choices)
	}

	a, _ = ParseAnswer(FieldPhone, "+55 11 99999-0000")
	if a.Kind != AnswerText {
		t.Errorf("phone should parse as text, got %s", a.Kind)
	}
}
