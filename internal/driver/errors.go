package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrContextLost means the page stopped answering. It bypasses retry
	// counting and forces a persist-then-reload.
	ErrContextLost = errors.New("target page context lost")
	// ErrWrongContext means the active page is not the scene builder view.
	ErrWrongContext = errors.New("active page is not the scene builder view")
	// ErrCompletionTimeout means a submitted render produced no new output.
	ErrCompletionTimeout = errors.New("render did not produce a new output")
	// ErrStopped is returned once a stop request has been observed.
	ErrStopped = errors.New("run stopped")
	// ErrBusy is returned when a run is already active.
	ErrBusy = errors.New("a run is already active")
	// ErrRenderInProgress is returned when the app is still rendering a previous submission.
	ErrRenderInProgress = errors.New("a render is already in progress")
	// ErrNoSavedQueue is returned by ContinueQueue when nothing can be resumed.
	ErrNoSavedQueue = errors.New("no saved queue to continue")
	// ErrNoSeed is returned when the first queue entry has no image and the app has no output to continue from.
	ErrNoSeed = errors.New("no seed image and no existing output")
	// ErrRetriesExhausted wraps the last error of a retry loop that ran out of attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// StepError records which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// stepErr wraps err with the step name, leaving nil untouched.
func stepErr(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// IsTransient reports whether err may be retried in place.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrContextLost),
		errors.Is(err, ErrCompletionTimeout),
		errors.Is(err, ErrWrongContext),
		errors.Is(err, ErrStopped),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
