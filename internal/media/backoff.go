package media

import (
	"fmt"
	"time"
)

// Backoff returns how long a job waits before its next attempt, given the
// number of attempts made so far (1 after the first failure).
type Backoff func(attempt int) time.Duration

// DefaultBackoff waits 5s, 15s, 30s and then 60s between attempts.
var DefaultBackoff = TableBackoff(5*time.Second, 15*time.Second, 30*time.Second, 60*time.Second)

// ZeroBackoff retries immediately.
func ZeroBackoff(int) time.Duration { return 0 }

// TableBackoff indexes steps by attempt, repeating the last step once the
// table is exhausted. An empty table behaves like ZeroBackoff.
func TableBackoff(steps ...time.Duration) Backoff {
	table := append([]time.Duration(nil), steps...)
	return func(attempt int) time.Duration {
		if len(table) == 0 {
			return 0
		}
		i := attempt - 1
		if i < 0 {
			i = 0
		}
		if i >= len(table) {
			i = len(table) - 1
		}
		return table[i]
	}
}

// ParseBackoff builds a TableBackoff from duration strings such as "5s".
// The steps must be non-decreasing.
func ParseBackoff(steps []string) (Backoff, error) {
	durations := make([]time.Duration, 0, len(steps))
	for i, s := range steps {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff step %q: %w", s, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("backoff step %q is negative", s)
		}
		if i > 0 && d < durations[i-1] {
			return nil, fmt.Errorf("backoff step %q is shorter than the previous step", s)
		}
		durations = append(durations, d)
	}
	return TableBackoff(durations...), nil
}
