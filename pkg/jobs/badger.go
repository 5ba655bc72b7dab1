package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/patchpanel/remotefs/internal/logger"
)

// BadgerStore persists jobs in BadgerDB so job history survives restarts.
//
// Storage model: one JSON value per job under the "job/" prefix. Lookups
// are point reads; List is a prefix scan with the filter applied in
// memory, which is fine at the job counts this service sees.
//
// Thread Safety:
// All mutations are protected by a single mutex. The coarse lock is simple
// and correct and also provides the per-job serialization the Store
// contract requires; Badger's own transactions then give atomicity of each
// read-modify-write against the disk state.
type BadgerStore struct {
	mu  sync.Mutex
	db  *badger.DB
	ttl time.Duration
}

// BadgerConfig configures the on-disk job store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database off disk; used in tests.
	InMemory bool

	// TTL expires job records after the duration. Zero keeps them forever;
	// history retention is otherwise the deployment's problem.
	TTL time.Duration
}

const jobKeyPrefix = "job/"

// NewBadgerStore opens (creating if needed) the job database.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job database at %q: %w", cfg.Path, err)
	}

	logger.Debug("jobs: badger store open at %q (ttl=%s)", cfg.Path, cfg.TTL)
	return &BadgerStore{db: db, ttl: cfg.TTL}, nil
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

func (s *BadgerStore) set(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %q: %w", job.ID, err)
	}
	entry := badger.NewEntry(jobKey(job.ID), data)
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return txn.SetEntry(entry)
}

func get(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %q: %w", id, err)
	}
	return &job, nil
}

func (s *BadgerStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job must have an id")
	}
	if !job.Type.Valid() {
		return fmt.Errorf("unknown job type %q", job.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := get(txn, job.ID); err == nil {
			return fmt.Errorf("job %q already exists", job.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		stored := job.Clone()
		stored.Status = StatusPending
		stored.CreatedAt = time.Now()
		return s.set(txn, stored)
	})
}

func (s *BadgerStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		job, err := get(txn, id)
		if err != nil {
			return err
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
		return s.set(txn, job)
	})
}

func (s *BadgerStore) MarkTerminal(ctx context.Context, id string, status Status, result *BulkResult, opErr error) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		job, err := get(txn, id)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			job.Status = status
			job.Result = result
			if opErr != nil {
				job.Error = opErr.Error()
			}
			now := time.Now()
			job.EndedAt = &now
			if err := s.set(txn, job); err != nil {
				return err
			}
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*Job, error) {
	var out *Job
	err := s.db.View(func(txn *badger.Txn) error {
		job, err := get(txn, id)
		if err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	var out []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if filter.Match(&job) {
				out = append(out, job.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *BadgerStore) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.MarkTerminal(ctx, id, StatusCancelled, nil, nil)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
