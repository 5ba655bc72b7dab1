package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/internal/pathguard"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/progress"
)

// BulkOptions tunes one bulk submission.
type BulkOptions struct {
	// StopOnError cancels remaining items after the first failure instead
	// of isolating failures per item.
	StopOnError bool

	// MaxConcurrent bounds parallel items; clamped to [1, 16]. Zero picks
	// the engine default.
	MaxConcurrent int

	// ArchiveFormat selects "zip" or "tar.gz" for compress jobs.
	ArchiveFormat string
}

// BulkRequest describes a multi-item operation to run as a job.
type BulkRequest struct {
	Type    jobs.Type
	Sources []jobs.PathRef
	Target  *jobs.PathRef
	Options BulkOptions
}

func (r *BulkRequest) needsTarget() bool {
	switch r.Type {
	case jobs.TypeCopy, jobs.TypeMove, jobs.TypeRename, jobs.TypeCompress, jobs.TypeExtract:
		return true
	}
	return false
}

// clampConcurrency applies the request's fan-out bound.
func (e *Engine) clampConcurrency(requested int) int {
	if requested <= 0 {
		return e.config.DefaultMaxConcurrent
	}
	if requested > MaxConcurrentCap {
		return MaxConcurrentCap
	}
	return requested
}

// Submit validates a bulk request, records it as a pending job, and starts
// it on its own goroutine. The returned job is the freshly stored record.
func (e *Engine) Submit(ctx context.Context, req BulkRequest) (*jobs.Job, error) {
	if !req.Type.Valid() {
		return nil, invalidRequest("unknown operation type %q", req.Type)
	}
	if len(req.Sources) == 0 {
		return nil, invalidRequest("bulk request needs at least one source")
	}
	if req.needsTarget() && req.Target == nil {
		return nil, invalidRequest("%s requires a target", req.Type)
	}
	if req.Type == jobs.TypeRename && len(req.Sources) != 1 {
		return nil, invalidRequest("rename takes exactly one source")
	}
	if req.Type == jobs.TypeExtract && len(req.Sources) != 1 {
		return nil, invalidRequest("extract takes exactly one archive source")
	}
	if req.Type == jobs.TypeCompress {
		switch req.Options.ArchiveFormat {
		case "zip", "tar.gz":
		case "":
			req.Options.ArchiveFormat = "zip"
		default:
			return nil, invalidRequest("unsupported archive format %q", req.Options.ArchiveFormat)
		}
	}

	// Fail fast on malformed paths and unknown locations before a job
	// record exists.
	refs := append([]jobs.PathRef(nil), req.Sources...)
	if req.Target != nil {
		refs = append(refs, *req.Target)
	}
	locations := make(map[string]bool)
	for _, ref := range refs {
		if err := e.checkRef(ref); err != nil {
			return nil, err
		}
		locations[ref.LocationID] = true
	}

	// Pin every involved location for the lifetime of the job.
	pinned := make([]string, 0, len(locations))
	for id := range locations {
		if err := e.registry.AcquireRef(id); err != nil {
			for _, done := range pinned {
				e.registry.ReleaseRef(done)
			}
			return nil, err
		}
		pinned = append(pinned, id)
	}

	job := &jobs.Job{
		ID:         newJobID(),
		Type:       req.Type,
		SourceRefs: req.Sources,
		TargetRef:  req.Target,
	}
	if err := e.store.Create(ctx, job); err != nil {
		for _, id := range pinned {
			e.registry.ReleaseRef(id)
		}
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	e.registerCancel(job.ID, cancel)

	go e.run(jobCtx, cancel, job.ID, req, pinned)

	return e.store.Get(ctx, job.ID)
}

// checkRef validates one ref's location and path without connecting.
func (e *Engine) checkRef(ref jobs.PathRef) error {
	loc, err := e.registry.GetLocation(ref.LocationID)
	if err != nil {
		return err
	}
	if _, err := pathguard.Normalize(loc.RootPath, ref.Path); err != nil {
		return err
	}
	return nil
}

// run executes one job to its terminal state.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, jobID string, req BulkRequest, pinned []string) {
	defer cancel()
	defer e.unregisterCancel(jobID)
	defer func() {
		for _, id := range pinned {
			e.registry.ReleaseRef(id)
		}
	}()

	opType := string(req.Type)
	e.config.Metrics.RecordJobStart(opType)
	start := time.Now()

	t := newTracker(jobID, e.store, e.publisher, e.config.ProgressMinInterval, e.config.ProgressByteDelta)

	var (
		result *jobs.BulkResult
		runErr error
	)
	switch req.Type {
	case jobs.TypeCopy, jobs.TypeMove, jobs.TypeDelete:
		result, runErr = e.runItems(ctx, jobID, req, t)
	case jobs.TypeRename:
		runErr = e.runRename(ctx, req, t)
	case jobs.TypeCompress:
		runErr = e.runCompress(ctx, req, t)
	case jobs.TypeExtract:
		runErr = e.runExtract(ctx, req, t)
	}

	status := classifyTerminal(runErr)
	stored, err := e.store.MarkTerminal(context.Background(), jobID, status, result, runErr)
	if err != nil {
		logger.Error("engine: could not finalize job %s: %v", jobID, err)
		e.config.Metrics.RecordJobEnd(opType, string(status))
		return
	}

	// The store may have recorded an earlier cancellation; its word wins.
	final := stored.Progress
	if stored.Status == jobs.StatusCompleted {
		final = t.current()
		final.Percentage = 100
		final.CurrentPath = ""
		e.store.UpdateProgress(context.Background(), jobID, final) //nolint:errcheck
	}

	e.publisher.Publish(progress.Event{
		JobID:    jobID,
		Status:   stored.Status,
		Progress: final,
		Error:    stored.Error,
	})
	e.config.Metrics.RecordOperation(opType, "", time.Since(start), runErr)
	e.config.Metrics.RecordJobEnd(opType, string(stored.Status))
	logger.Info("engine: job %s (%s) finished with status %s", jobID, opType, stored.Status)
}

// runItems drives the per-item job types (copy, move, delete).
func (e *Engine) runItems(ctx context.Context, jobID string, req BulkRequest, t *tracker) (*jobs.BulkResult, error) {
	if err := e.measureSources(ctx, req, t); err != nil {
		return nil, err
	}

	results := make([]jobs.ItemResult, len(req.Sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.clampConcurrency(req.Options.MaxConcurrent))

	for i, src := range req.Sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = jobs.ItemResult{Source: src}

			if gctx.Err() != nil {
				results[i].Status = jobs.StatusCancelled
				results[i].Error = ErrCancelled.Error()
				return nil
			}

			target := itemTarget(req, src)
			results[i].Target = target

			err := e.runItem(gctx, req.Type, src, target, t)
			if err == nil {
				results[i].Status = jobs.StatusCompleted
				return nil
			}

			if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
				results[i].Status = jobs.StatusCancelled
			} else {
				results[i].Status = jobs.StatusFailed
			}
			results[i].Error = err.Error()

			if req.Options.StopOnError {
				// Cancels gctx; in-flight siblings stop at their next
				// boundary and unstarted items are marked cancelled.
				return err
			}
			return nil
		})
	}
	// Per-item outcomes carry the detail; the group error is subsumed by
	// the result accounting below.
	g.Wait() //nolint:errcheck

	result := &jobs.BulkResult{BulkOperationID: jobID, Results: results}
	for _, item := range results {
		if item.Status == jobs.StatusCompleted {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}

	switch {
	case ctx.Err() != nil:
		return result, ErrCancelled
	case result.FailureCount > 0:
		return result, &PartialFailureError{Result: result}
	default:
		return result, nil
	}
}

// itemTarget maps a source onto its destination ref, if the type has one.
// Copy and move targets name a directory; each item lands under it by
// base name.
func itemTarget(req BulkRequest, src jobs.PathRef) *jobs.PathRef {
	if req.Target == nil {
		return nil
	}
	base := path.Base(src.Path)
	dstPath := base
	if req.Target.Path != "" && req.Target.Path != "/" {
		dstPath = req.Target.Path + "/" + base
	}
	return &jobs.PathRef{LocationID: req.Target.LocationID, Path: dstPath}
}

// runItem executes one copy/move/delete item.
func (e *Engine) runItem(ctx context.Context, opType jobs.Type, src jobs.PathRef, target *jobs.PathRef, t *tracker) error {
	srcSess, err := e.resolve(ctx, src)
	if err != nil {
		return err
	}
	defer srcSess.close()

	switch opType {
	case jobs.TypeDelete:
		t.startItem(src.Path)
		if err := srcSess.client.RemoveAll(ctx, srcSess.path); err != nil {
			return opError("delete", src, err)
		}
		t.itemDone(ctx)
		return nil

	case jobs.TypeCopy, jobs.TypeMove:
		dstSess, err := e.resolve(ctx, *target)
		if err != nil {
			return err
		}
		defer dstSess.close()

		sameLocation := src.LocationID == target.LocationID

		if opType == jobs.TypeMove && sameLocation {
			t.startItem(src.Path)
			if err := renameWithFallback(ctx, srcSess.client, srcSess.path, dstSess.path); err != nil {
				return opError("move", src, err)
			}
			t.itemDone(ctx)
			return nil
		}

		if err := copyTree(ctx, srcSess.client, srcSess.path, dstSess.client, dstSess.path, t); err != nil {
			return opError(string(opType), src, err)
		}
		if opType == jobs.TypeMove {
			if err := srcSess.client.RemoveAll(ctx, srcSess.path); err != nil {
				return opError("move cleanup", src, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("type %q is not an item operation", opType)
	}
}

// runRename executes a rename job: one source, target names the new path
// in the same location.
func (e *Engine) runRename(ctx context.Context, req BulkRequest, t *tracker) error {
	src := req.Sources[0]
	if req.Target.LocationID != src.LocationID {
		return fmt.Errorf("rename cannot cross locations; use move")
	}

	srcSess, err := e.resolve(ctx, src)
	if err != nil {
		return err
	}
	defer srcSess.close()

	dst, err := pathguard.Relative(srcSess.loc.RootPath, req.Target.Path)
	if err != nil {
		return err
	}

	t.setTotals(1, 0)
	t.startItem(src.Path)
	if err := renameWithFallback(ctx, srcSess.client, srcSess.path, dst); err != nil {
		return opError("rename", src, err)
	}
	t.itemDone(ctx)
	return nil
}

// measureSources walks every source to fix the progress denominators.
// Delete jobs count files only; byte totals would mean walking sizes the
// operation never streams.
func (e *Engine) measureSources(ctx context.Context, req BulkRequest, t *tracker) error {
	var files int
	var bytes int64

	for _, src := range req.Sources {
		sess, err := e.resolve(ctx, src)
		if err != nil {
			return err
		}
		f, b, err := measureTree(ctx, sess.client, sess.path)
		sess.close()
		if err != nil {
			return opError("measure", src, err)
		}
		files += f
		bytes += b
	}

	if req.Type == jobs.TypeDelete {
		bytes = 0
	}
	t.setTotals(files, bytes)
	return nil
}
