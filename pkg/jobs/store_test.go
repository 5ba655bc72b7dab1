package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same behavior suite.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func newJob(jobType Type) *Job {
	return &Job{
		ID:   uuid.NewString(),
		Type: jobType,
		SourceRefs: []PathRef{
			{LocationID: "loc-1", Path: "reports/q3.pdf"},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeCopy)

			require.NoError(t, store.Create(ctx, job))

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, TypeCopy, got.Type)
			assert.Equal(t, StatusPending, got.Status)
			assert.False(t, got.CreatedAt.IsZero())
			assert.Nil(t, got.StartedAt)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateValidation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.Error(t, store.Create(ctx, &Job{Type: TypeCopy}))
			assert.Error(t, store.Create(ctx, &Job{ID: "x", Type: Type("teleport")}))

			job := newJob(TypeDelete)
			require.NoError(t, store.Create(ctx, job))
			assert.Error(t, store.Create(ctx, job), "duplicate id must be rejected")
		})
	}
}

func TestUpdateProgressPromotesToInProgress(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeCopy)
			require.NoError(t, store.Create(ctx, job))

			require.NoError(t, store.UpdateProgress(ctx, job.ID, Progress{
				TotalFiles:     4,
				ProcessedFiles: 1,
				Percentage:     25,
				CurrentPath:    "reports/q3.pdf",
			}))

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, got.Status)
			require.NotNil(t, got.StartedAt)
			assert.Equal(t, 25.0, got.Progress.Percentage)

			assert.ErrorIs(t, store.UpdateProgress(ctx, "missing", Progress{}), ErrNotFound)
		})
	}
}

func TestMarkTerminal(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeMove)
			require.NoError(t, store.Create(ctx, job))

			result := &BulkResult{
				BulkOperationID: job.ID,
				Results: []ItemResult{
					{Source: job.SourceRefs[0], Status: StatusCompleted},
				},
				SuccessCount: 1,
			}
			done, err := store.MarkTerminal(ctx, job.ID, StatusCompleted, result, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			require.NotNil(t, done.EndedAt)
			require.NotNil(t, done.Result)
			assert.Equal(t, 1, done.Result.SuccessCount)

			// Non-terminal target status is rejected.
			_, err = store.MarkTerminal(ctx, job.ID, StatusInProgress, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestFirstTerminalTransitionWins(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeDelete)
			require.NoError(t, store.Create(ctx, job))

			_, err := store.Cancel(ctx, job.ID)
			require.NoError(t, err)

			// A late failure from the unwinding job goroutine is ignored.
			got, err := store.MarkTerminal(ctx, job.ID, StatusFailed, nil, errors.New("too late"))
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, got.Status)
			assert.Empty(t, got.Error)
		})
	}
}

func TestProgressTickAfterCancelIsDropped(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeCompress)
			require.NoError(t, store.Create(ctx, job))
			require.NoError(t, store.UpdateProgress(ctx, job.ID, Progress{Percentage: 10}))

			_, err := store.Cancel(ctx, job.ID)
			require.NoError(t, err)

			// The racing tick must not resurrect the job.
			require.NoError(t, store.UpdateProgress(ctx, job.ID, Progress{Percentage: 50}))

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, got.Status)
			assert.Equal(t, 10.0, got.Progress.Percentage)
		})
	}
}

func TestCancelMissingJob(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Cancel(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			copyJob := newJob(TypeCopy)
			require.NoError(t, store.Create(ctx, copyJob))
			time.Sleep(2 * time.Millisecond) // distinct CreatedAt for ordering

			deleteJob := newJob(TypeDelete)
			deleteJob.SourceRefs = []PathRef{{LocationID: "loc-2", Path: "tmp"}}
			require.NoError(t, store.Create(ctx, deleteJob))
			_, err := store.Cancel(ctx, deleteJob.ID)
			require.NoError(t, err)

			all, err := store.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, deleteJob.ID, all[0].ID, "newest first")

			byStatus, err := store.List(ctx, Filter{Statuses: []Status{StatusCancelled}})
			require.NoError(t, err)
			require.Len(t, byStatus, 1)
			assert.Equal(t, deleteJob.ID, byStatus[0].ID)

			byType, err := store.List(ctx, Filter{Types: []Type{TypeCopy}})
			require.NoError(t, err)
			require.Len(t, byType, 1)
			assert.Equal(t, copyJob.ID, byType[0].ID)

			byLocation, err := store.List(ctx, Filter{LocationID: "loc-2"})
			require.NoError(t, err)
			require.Len(t, byLocation, 1)
			assert.Equal(t, deleteJob.ID, byLocation[0].ID)

			limited, err := store.List(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStoredJobsDoNotAliasCallerMemory(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(TypeCopy)
			require.NoError(t, store.Create(ctx, job))

			// Mutating the caller's copy must not leak into the store.
			job.SourceRefs[0].Path = "mutated"

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "reports/q3.pdf", got.SourceRefs[0].Path)
		})
	}
}
