// Package stopwatch is used to time code execution.
package stopwatch

import "time"

// Stopwatch is used to time code execution.
type Stopwatch struct {
	start time.Time
}

// New creates a new stopwatch.
func New() *Stopwatch {
	return &Stopwatch{start: time.Now()}
}

// Reset zeros a stopwatch back to the current time.
func (s *Stopwatch) Reset() {
	s.start = time.Now()
}

// Duration returns the total duration since this stopwatch began.
func (s *Stopwatch) Duration() time.Duration {
	return time.Since(s.start)
}
