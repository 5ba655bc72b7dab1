// Package jobs defines the file-operation job model and its persistence
// contract. A job tracks one engine operation (single or bulk) from
// submission through its terminal state, including progress counters and
// per-item bulk results.
package jobs

import (
	"time"
)

// Type identifies what kind of file operation a job performs.
type Type string

const (
	TypeCopy     Type = "copy"
	TypeMove     Type = "move"
	TypeDelete   Type = "delete"
	TypeRename   Type = "rename"
	TypeCompress Type = "compress"
	TypeExtract  Type = "extract"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeCopy, TypeMove, TypeDelete, TypeRename, TypeCompress, TypeExtract:
		return true
	}
	return false
}

// Status is the lifecycle state of a job. A job moves from pending to
// in_progress and ends in exactly one of the terminal states; the first
// terminal transition wins and later ones are ignored.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PathRef names a path inside a registered location.
type PathRef struct {
	LocationID string `json:"locationId"`
	Path       string `json:"path"`
}

// Progress is the live counter set for a running job.
//
// ProcessedFiles never exceeds TotalFiles and Percentage never decreases
// over the lifetime of a job. Percentage reaches 100 only on successful
// completion.
type Progress struct {
	TotalFiles     int     `json:"totalFiles"`
	ProcessedFiles int     `json:"processedFiles"`
	TotalBytes     int64   `json:"totalBytes"`
	ProcessedBytes int64   `json:"processedBytes"`
	Percentage     float64 `json:"percentage"`
	CurrentPath    string  `json:"currentPath,omitempty"`
	BytesPerSecond float64 `json:"bytesPerSecond,omitempty"`
	ETASeconds     float64 `json:"etaSeconds,omitempty"`
}

// ItemResult records the outcome for one item of a bulk operation.
type ItemResult struct {
	Source PathRef  `json:"source"`
	Target *PathRef `json:"target,omitempty"`

	// Status is completed, failed, or cancelled.
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BulkResult aggregates per-item outcomes of a bulk operation.
// SuccessCount+FailureCount always equals len(Results); cancelled items
// count as failures.
type BulkResult struct {
	BulkOperationID string       `json:"bulkOperationId"`
	Results         []ItemResult `json:"results"`
	SuccessCount    int          `json:"successCount"`
	FailureCount    int          `json:"failureCount"`
}

// Job is one tracked file operation.
type Job struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	Status     Status      `json:"status"`
	SourceRefs []PathRef   `json:"sourceRefs"`
	TargetRef  *PathRef    `json:"targetRef,omitempty"`
	Progress   Progress    `json:"progress"`
	Result     *BulkResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so store internals never alias caller memory.
func (j *Job) Clone() *Job {
	out := *j
	out.SourceRefs = append([]PathRef(nil), j.SourceRefs...)
	if j.TargetRef != nil {
		ref := *j.TargetRef
		out.TargetRef = &ref
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	if j.Result != nil {
		res := *j.Result
		res.Results = append([]ItemResult(nil), j.Result.Results...)
		out.Result = &res
	}
	return &out
}
