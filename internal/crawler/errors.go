package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated indicates no credential or session was ever captured.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSecondFactorRequired indicates the login flow asked for a one-time code that was not supplied.
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrAuthExpired indicates the internal endpoint rejected the replayed session.
	ErrAuthExpired = errors.New("session expired")
	// ErrFetchFailed indicates a non-authentication network or HTTP failure.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrPersistFailed indicates a crawled change log could not be stored.
	ErrPersistFailed = errors.New("persist failed")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when a crawl is requested while another is active.
	ErrRunInProgress = errors.New("crawl run already in progress")
	// ErrLoginInProgress is returned when an interactive login is already running.
	ErrLoginInProgress = errors.New("login already in progress")
)

// FetchError carries the details of a failed fetch.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes every FetchError match ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// Classify maps a record error to the failure kind reported in summaries.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return FailureAuthExpired
	case errors.Is(err, ErrNotAuthenticated):
		return FailureNotAuthenticated
	case errors.Is(err, ErrFetchFailed):
		return FailureFetch
	case errors.Is(err, ErrPersistFailed):
		return FailurePersist
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureOther
	}
}
