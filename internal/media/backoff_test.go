package media

import (
	"testing"
	"time"
)

func TestTableBackoff(t *testing.T) {
	b := TableBackoff(time.Second, 3*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := b(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := TableBackoff()(3); got != 0 {
		t.Errorf("empty table = %v, want 0", got)
	}
}

func TestDefaultBackoff(t *testing.T) {
	want := []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := DefaultBackoff(i + 1); got != w {
			t.Errorf("attempt %d: %v, want %v", i+1, got, w)
		}
	}
}

func TestParseBackoff(t *testing.T) {
	b, err := ParseBackoff([]string{"1s", "1m"})
	if err != nil {
		t.Fatalf("ParseBackoff failed: %v", err)
	}
	if b(2) != time.Minute {
		t.Errorf("step 2 = %v", b(2))
	}

	for _, bad := range [][]string{{"soon"}, {"-1s"}, {"1m", "1s"}} {
		if _, err := ParseBackoff(bad); err == nil {
			t.Errorf("ParseBackoff(%v) succeeded", bad)
		}
	}
}
