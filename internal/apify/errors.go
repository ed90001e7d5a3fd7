package apify

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/casafeed/server/internal/domain/reconcile"
)

var (
	// ErrNotReady is returned while the run is still in progress.
	ErrNotReady = fmt.Errorf("apify: run not finished: %w", reconcile.ErrBatchNotReady)
	// ErrNotFound is returned for unknown runs and datasets.
	ErrNotFound = fmt.Errorf("apify: not found: %w", reconcile.ErrBatchNotFound)
	// ErrRunAborted is returned for runs that ended without succeeding.
	ErrRunAborted = fmt.Errorf("apify: run did not succeed: %w", reconcile.ErrBatchAborted)

	errEmptyRunID = errors.New("apify: response has no run id")
)

// FetchError is a failed read from the runs or datasets endpoints.
type FetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apify %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("apify %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether retrying later may succeed. Auth failures count
// as temporary: a rotated token must not fail every run in flight.
func (e *FetchError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout:
		return true
	}
	return isRetryableStatus(e.StatusCode)
}

// DispatchError is a failed attempt to start an actor run.
type DispatchError struct {
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apify dispatch: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("apify dispatch: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// isRetryableStatus treats transport failures (0), 429 and 5xx as transient.
func isRetryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
