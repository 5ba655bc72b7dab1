// Package engine executes file operations against registered locations.
//
// The engine is the only component that talks to backends. Every request
// path passes through pathguard before a backend sees it, connections come
// from the shared pool, and long-running bulk work is tracked as a job
// with live progress fan-out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/internal/pathguard"
	"github.com/patchpanel/remotefs/internal/ratelimiter"
	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/metrics"
	"github.com/patchpanel/remotefs/pkg/pool"
	"github.com/patchpanel/remotefs/pkg/progress"
	"github.com/patchpanel/remotefs/pkg/registry"
)

// Config tunes the engine.
type Config struct {
	// DefaultMaxConcurrent is the bulk fan-out used when a request does
	// not specify one (default: 4). Requested values are clamped to
	// [1, MaxConcurrentCap].
	DefaultMaxConcurrent int

	// OpTimeout bounds each remote metadata call (default: 30s). Streaming
	// reads and writes are bounded by the job context instead.
	OpTimeout time.Duration

	// OpsPerSecond and OpsBurst throttle operations per location.
	// Zero OpsPerSecond disables throttling.
	OpsPerSecond uint
	OpsBurst     uint

	// ProgressMinInterval and ProgressByteDelta bound the progress tick
	// cadence: a tick is emitted when either the interval has elapsed or
	// the byte delta has accumulated (defaults: 500ms, 8MiB).
	ProgressMinInterval time.Duration
	ProgressByteDelta   int64

	// Metrics receives operation observability events. Nil selects the
	// no-op implementation.
	Metrics metrics.OperationMetrics
}

// MaxConcurrentCap is the hard upper bound on bulk fan-out.
const MaxConcurrentCap = 16

func (c *Config) applyDefaults() {
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 4
	}
	if c.DefaultMaxConcurrent > MaxConcurrentCap {
		c.DefaultMaxConcurrent = MaxConcurrentCap
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 30 * time.Second
	}
	if c.ProgressMinInterval == 0 {
		c.ProgressMinInterval = 500 * time.Millisecond
	}
	if c.ProgressByteDelta == 0 {
		c.ProgressByteDelta = 8 << 20
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopOperationMetrics()
	}
}

// Engine coordinates registry, pool, job store, and progress publisher to
// run file operations.
type Engine struct {
	registry  *registry.Registry
	pool      *pool.Pool
	store     jobs.Store
	publisher *progress.Publisher
	config    Config

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	limiters map[string]*ratelimiter.RateLimiter
}

// New creates an engine. All collaborators are required except metrics.
func New(reg *registry.Registry, p *pool.Pool, store jobs.Store, publisher *progress.Publisher, config Config) *Engine {
	config.applyDefaults()
	return &Engine{
		registry:  reg,
		pool:      p,
		store:     store,
		publisher: publisher,
		config:    config,
		cancels:   make(map[string]context.CancelFunc),
		limiters:  make(map[string]*ratelimiter.RateLimiter),
	}
}

// session is one resolved, connected, validated operation target.
type session struct {
	loc     *registry.Location
	client  backend.Client
	release func()

	// path is the normalized location-relative path handed to the backend.
	path string
}

func (s *session) close() { s.release() }

// resolve validates the ref's path against its location root and acquires
// a pooled connection. Every backend call in this package goes through
// here; there is no second entry point that could skip path validation.
func (e *Engine) resolve(ctx context.Context, ref jobs.PathRef) (*session, error) {
	loc, err := e.registry.GetLocation(ref.LocationID)
	if err != nil {
		return nil, err
	}

	if _, err := pathguard.Normalize(loc.RootPath, ref.Path); err != nil {
		return nil, err
	}
	rel, err := pathguard.Relative(loc.RootPath, ref.Path)
	if err != nil {
		return nil, err
	}

	if err := e.throttle(ctx, ref.LocationID); err != nil {
		return nil, err
	}

	dialer, err := e.registry.DialerFor(ref.LocationID)
	if err != nil {
		return nil, err
	}
	client, release, err := e.pool.Acquire(ctx, dialer)
	if err != nil {
		return nil, err
	}

	return &session{loc: loc, client: client, release: release, path: rel}, nil
}

// throttle applies the per-location operation rate limit.
func (e *Engine) throttle(ctx context.Context, locationID string) error {
	if e.config.OpsPerSecond == 0 {
		return nil
	}

	e.mu.Lock()
	limiter, ok := e.limiters[locationID]
	if !ok {
		limiter = ratelimiter.New(e.config.OpsPerSecond, e.config.OpsBurst)
		e.limiters[locationID] = limiter
	}
	e.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %q: %w", locationID, err)
	}
	return nil
}

// opCtx bounds one remote metadata call.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.OpTimeout)
}

// ============================================================================
// Single operations
// ============================================================================

// List returns the entries of a directory. Listing the same unchanged
// directory twice yields the same result; the engine never caches entries
// across calls.
func (e *Engine) List(ctx context.Context, ref jobs.PathRef) ([]backend.FileEntry, error) {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer s.close()

	opctx, cancel := e.opCtx(ctx)
	defer cancel()

	start := time.Now()
	entries, err := s.client.List(opctx, s.path)
	e.config.Metrics.RecordOperation("list", string(s.loc.BackendType), time.Since(start), err)
	if err != nil {
		return nil, opError("list", ref, err)
	}
	return entries, nil
}

// Stat returns the metadata of one entry.
func (e *Engine) Stat(ctx context.Context, ref jobs.PathRef) (*backend.FileEntry, error) {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer s.close()

	opctx, cancel := e.opCtx(ctx)
	defer cancel()

	start := time.Now()
	entry, err := s.client.Stat(opctx, s.path)
	e.config.Metrics.RecordOperation("stat", string(s.loc.BackendType), time.Since(start), err)
	if err != nil {
		return nil, opError("stat", ref, err)
	}
	return entry, nil
}

// engineReader releases the pooled connection when the stream is closed.
type engineReader struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *engineReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}

// OpenRead streams a file's content. The caller must close the reader; the
// pooled connection is held until then.
func (e *Engine) OpenRead(ctx context.Context, ref jobs.PathRef) (io.ReadCloser, error) {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	rc, err := s.client.OpenRead(ctx, s.path)
	if err != nil {
		s.close()
		return nil, opError("read", ref, err)
	}
	return &engineReader{ReadCloser: rc, release: s.release}, nil
}

// Write streams content into a file. The write lands under a temporary
// name and is renamed into place on success where the backend supports
// it, so a cancelled upload never leaves a truncated file at the target
// path.
func (e *Engine) Write(ctx context.Context, ref jobs.PathRef, r io.Reader) (int64, error) {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer s.close()

	start := time.Now()
	n, err := writeSafely(ctx, s.client, s.path, r, nil)
	e.config.Metrics.RecordOperation("write", string(s.loc.BackendType), time.Since(start), err)
	e.config.Metrics.RecordBytesTransferred("write", string(s.loc.BackendType), n)
	if err != nil {
		return n, opError("write", ref, err)
	}
	return n, nil
}

// Mkdir creates a directory, including missing parents.
func (e *Engine) Mkdir(ctx context.Context, ref jobs.PathRef) error {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return err
	}
	defer s.close()

	opctx, cancel := e.opCtx(ctx)
	defer cancel()

	start := time.Now()
	err = s.client.Mkdir(opctx, s.path)
	e.config.Metrics.RecordOperation("mkdir", string(s.loc.BackendType), time.Since(start), err)
	return opError("mkdir", ref, err)
}

// Delete removes one entry. Files and empty directories need recursive
// false; recursive true removes a directory tree. Deleting a path that is
// already gone succeeds.
func (e *Engine) Delete(ctx context.Context, ref jobs.PathRef, recursive bool) error {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return err
	}
	defer s.close()

	opctx, cancel := e.opCtx(ctx)
	defer cancel()

	start := time.Now()
	if recursive {
		err = s.client.RemoveAll(opctx, s.path)
	} else {
		err = s.client.Remove(opctx, s.path)
	}
	e.config.Metrics.RecordOperation("delete", string(s.loc.BackendType), time.Since(start), err)
	return opError("delete", ref, err)
}

// Rename moves an entry within one location. Backends without a native
// rename get a copy+delete fallback; the caller sees a successful rename
// either way and the degraded path is only logged.
func (e *Engine) Rename(ctx context.Context, ref jobs.PathRef, newPath string) error {
	s, err := e.resolve(ctx, ref)
	if err != nil {
		return err
	}
	defer s.close()

	dst, err := pathguard.Relative(s.loc.RootPath, newPath)
	if err != nil {
		return err
	}

	start := time.Now()
	err = renameWithFallback(ctx, s.client, s.path, dst)
	e.config.Metrics.RecordOperation("rename", string(s.loc.BackendType), time.Since(start), err)
	return opError("rename", ref, err)
}

// ============================================================================
// Job plumbing
// ============================================================================

// Job returns one job by id.
func (e *Engine) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return e.store.Get(ctx, id)
}

// Jobs lists jobs matching the filter.
func (e *Engine) Jobs(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	return e.store.List(ctx, filter)
}

// Subscribe streams progress events for one job.
func (e *Engine) Subscribe(jobID string) (<-chan progress.Event, func()) {
	return e.publisher.Subscribe(jobID)
}

// Cancel requests cooperative cancellation of a job. Running jobs stop at
// the next sub-operation or chunk boundary; pending jobs are marked
// cancelled directly.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	e.mu.Lock()
	cancel, running := e.cancels[jobID]
	e.mu.Unlock()

	if running {
		cancel()
		logger.Info("engine: cancellation requested for job %s", jobID)
		// The job goroutine observes the cancelled context and writes the
		// terminal state; reflect the request in the store immediately so
		// a Get right after Cancel never shows the job as running.
	}
	return e.store.Cancel(ctx, jobID)
}

// registerCancel tracks the job's cancel func for the Cancel endpoint.
func (e *Engine) registerCancel(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(jobID string) {
	e.mu.Lock()
	delete(e.cancels, jobID)
	e.mu.Unlock()
}

func newJobID() string {
	return uuid.NewString()
}

// classifyTerminal maps a job error to its terminal status.
func classifyTerminal(err error) jobs.Status {
	switch {
	case err == nil:
		return jobs.StatusCompleted
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return jobs.StatusCancelled
	default:
		return jobs.StatusFailed
	}
}
