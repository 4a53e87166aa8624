package queue

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateActiveJob = errors.New("an active job with this dedupe key already exists")
	ErrLeaseLost          = errors.New("lease lost")
	ErrJobCanceled        = errors.New("job canceled")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobTerminal        = errors.New("job already finished")
	ErrForbidden          = errors.New("requester does not own job")
	ErrInvalidRequest     = errors.New("invalid request")
	// ErrPermanent marks failures that retrying cannot fix. Fail sends jobs
	// whose error wraps it straight to dead.
	ErrPermanent = errors.New("permanent failure")
)

// Permanent wraps err so that Fail does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err must not be retried. Besides ErrPermanent,
// any error in the chain with a Permanent() bool method returning true counts.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
