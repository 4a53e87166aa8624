package execution

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError means the strategy cannot run at all in this environment.
// Retrying does not help, so jobs failing with it are not retried.
type ValidationError struct {
	Strategy string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s strategy invalid: %s", e.Strategy, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Permanent() bool { return true }

// TimeoutError is returned when the analyzer ran past its time limit and was
// terminated.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("analyzer timed out after %s", e.Timeout)
}

// ExitError describes an analyzer that exited non-zero. Stderr holds the tail
// of its error output.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("analyzer exited with code %d", e.Code)
	}
	return fmt.Sprintf("analyzer exited with code %d: %s", e.Code, e.Stderr)
}
