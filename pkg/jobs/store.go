package jobs

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// Filter selects jobs for List. Zero-value fields match everything.
type Filter struct {
	// Statuses keeps jobs whose status is in the set.
	Statuses []Status

	// Types keeps jobs whose operation type is in the set.
	Types []Type

	// LocationID keeps jobs with at least one source or target ref on the
	// location.
	LocationID string

	// Limit caps the number of returned jobs; zero means no cap.
	Limit int
}

// Match reports whether a job passes the filter.
func (f Filter) Match(j *Job) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, j.Type) {
		return false
	}
	if f.LocationID != "" && !touchesLocation(j, f.LocationID) {
		return false
	}
	return true
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(set []Type, t Type) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func touchesLocation(j *Job, locationID string) bool {
	for _, ref := range j.SourceRefs {
		if ref.LocationID == locationID {
			return true
		}
	}
	return j.TargetRef != nil && j.TargetRef.LocationID == locationID
}

// Store persists jobs and serializes mutations per job.
//
// State rules shared by every implementation:
//   - Create stores the job as pending.
//   - UpdateProgress promotes a pending job to in_progress on its first
//     tick and is a silent no-op once the job is terminal, so a progress
//     tick racing a cancellation can never resurrect the job.
//   - MarkTerminal applies the first terminal transition and ignores any
//     later one.
//   - Cancel is MarkTerminal(cancelled) for jobs that have not finished;
//     cancelling an already-terminal job is a no-op.
type Store interface {
	// Create persists a new job. The job must carry a unique ID; Status
	// and CreatedAt are set by the store.
	Create(ctx context.Context, job *Job) error

	// UpdateProgress replaces the progress counters of a live job.
	UpdateProgress(ctx context.Context, id string, p Progress) error

	// MarkTerminal moves a job to a terminal status, recording the bulk
	// result and error message if any. Returns the stored job.
	MarkTerminal(ctx context.Context, id string, status Status, result *BulkResult, opErr error) (*Job, error)

	// Get returns a copy of the job.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns copies of jobs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Cancel marks a non-terminal job cancelled. Returns the stored job.
	Cancel(ctx context.Context, id string) (*Job, error)

	// Close releases store resources.
	Close() error
}
