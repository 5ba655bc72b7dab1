package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments that do not need job history to survive restarts.
//
// Thread Safety: safe for concurrent use. A single mutex guards the map,
// which also gives the per-job serialization the Store contract requires.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job must have an id")
	}
	if !job.Type.Valid() {
		return fmt.Errorf("unknown job type %q", job.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}

	stored := job.Clone()
	stored.Status = StatusPending
	stored.CreatedAt = time.Now()
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status == StatusPending {
		job.Status = StatusInProgress
		now := time.Now()
		job.StartedAt = &now
	}
	job.Progress = p
	return nil
}

func (s *MemoryStore) MarkTerminal(ctx context.Context, id string, status Status, result *BulkResult, opErr error) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	if !job.Status.Terminal() {
		job.Status = status
		job.Result = result
		if opErr != nil {
			job.Error = opErr.Error()
		}
		now := time.Now()
		job.EndedAt = &now
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	s.mu.RLock()
	var out []*Job
	for _, job := range s.jobs {
		if filter.Match(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.MarkTerminal(ctx, id, StatusCancelled, nil, nil)
}

func (s *MemoryStore) Close() error { return nil }
