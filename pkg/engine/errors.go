package engine

import (
	"errors"
	"fmt"

	"github.com/patchpanel/remotefs/internal/pathguard"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/pool"
)

// Sentinels re-exported so API handlers can map engine failures without
// importing every layer underneath.
var (
	// ErrPathTraversal marks a request path escaping its location root.
	ErrPathTraversal = pathguard.ErrPathTraversal

	// ErrConnectionUnavailable marks a backend that could not be reached
	// after retries.
	ErrConnectionUnavailable = pool.ErrUnavailable

	// ErrCancelled marks an operation stopped by a cancellation request.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInvalidRequest marks a malformed bulk request rejected before any
	// job record was created.
	ErrInvalidRequest = errors.New("invalid request")
)

// invalidRequest wraps a validation failure with ErrInvalidRequest.
func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// BackendOperationError wraps a backend failure with the operation and the
// path it hit. The cause is preserved for errors.Is/As.
type BackendOperationError struct {
	Op  string
	Ref jobs.PathRef
	Err error
}

func (e *BackendOperationError) Error() string {
	return fmt.Sprintf("%s %s:%s: %v", e.Op, e.Ref.LocationID, e.Ref.Path, e.Err)
}

func (e *BackendOperationError) Unwrap() error { return e.Err }

func opError(op string, ref jobs.PathRef, err error) error {
	if err == nil {
		return nil
	}
	return &BackendOperationError{Op: op, Ref: ref, Err: err}
}

// PartialFailureError is the terminal error of a bulk job in which at
// least one item failed. The full per-item breakdown rides along.
type PartialFailureError struct {
	Result *jobs.BulkResult
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("bulk operation %s: %d of %d items failed",
		e.Result.BulkOperationID, e.Result.FailureCount, len(e.Result.Results))
}
