package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/progress"
)

// tracker accumulates progress for one job and flushes it to the store
// and the publisher at a bounded cadence: at most one tick per interval
// unless a large byte delta forces one earlier. Counters only ever grow
// and the percentage never moves backwards.
type tracker struct {
	jobID     string
	store     jobs.Store
	publisher *progress.Publisher

	minInterval time.Duration
	byteDelta   int64

	mu            sync.Mutex
	p             jobs.Progress
	startedAt     time.Time
	lastFlush     time.Time
	bytesAtFlush  int64
	maxPercentage float64
}

func newTracker(jobID string, store jobs.Store, publisher *progress.Publisher, minInterval time.Duration, byteDelta int64) *tracker {
	return &tracker{
		jobID:       jobID,
		store:       store,
		publisher:   publisher,
		minInterval: minInterval,
		byteDelta:   byteDelta,
		startedAt:   time.Now(),
	}
}

// setTotals fixes the denominator before items start.
func (t *tracker) setTotals(files int, bytes int64) {
	t.mu.Lock()
	t.p.TotalFiles = files
	t.p.TotalBytes = bytes
	t.mu.Unlock()
	t.flush(context.Background(), true)
}

// startItem notes the path currently being worked on.
func (t *tracker) startItem(path string) {
	t.mu.Lock()
	t.p.CurrentPath = path
	t.mu.Unlock()
}

// addBytes accumulates streamed payload and may emit a tick.
func (t *tracker) addBytes(ctx context.Context, n int64) {
	t.mu.Lock()
	t.p.ProcessedBytes += n
	force := t.p.ProcessedBytes-t.bytesAtFlush >= t.byteDelta
	t.mu.Unlock()
	t.flush(ctx, force)
}

// itemDone bumps the file counter and emits a tick.
func (t *tracker) itemDone(ctx context.Context) {
	t.mu.Lock()
	if t.p.ProcessedFiles < t.p.TotalFiles {
		t.p.ProcessedFiles++
	}
	t.mu.Unlock()
	t.flush(ctx, true)
}

// snapshotLocked derives the percentage, rate, and ETA. Caller holds t.mu.
func (t *tracker) snapshotLocked() jobs.Progress {
	p := t.p

	var pct float64
	switch {
	case p.TotalBytes > 0:
		pct = float64(p.ProcessedBytes) / float64(p.TotalBytes) * 100
	case p.TotalFiles > 0:
		pct = float64(p.ProcessedFiles) / float64(p.TotalFiles) * 100
	}
	// 100 is reserved for the terminal completed state.
	if pct > 99.9 {
		pct = 99.9
	}
	if pct < t.maxPercentage {
		pct = t.maxPercentage
	}
	t.maxPercentage = pct
	p.Percentage = pct

	elapsed := time.Since(t.startedAt).Seconds()
	if elapsed > 0 && p.ProcessedBytes > 0 {
		p.BytesPerSecond = float64(p.ProcessedBytes) / elapsed
		if remaining := p.TotalBytes - p.ProcessedBytes; remaining > 0 {
			p.ETASeconds = float64(remaining) / p.BytesPerSecond
		}
	}
	return p
}

// flush writes a tick if the cadence allows it (or force is set).
func (t *tracker) flush(ctx context.Context, force bool) {
	t.mu.Lock()
	if !force && time.Since(t.lastFlush) < t.minInterval {
		t.mu.Unlock()
		return
	}
	t.lastFlush = time.Now()
	t.bytesAtFlush = t.p.ProcessedBytes
	snap := t.snapshotLocked()
	t.mu.Unlock()

	// A tick racing the job's terminal transition is dropped by the store.
	t.store.UpdateProgress(ctx, t.jobID, snap) //nolint:errcheck
	t.publisher.Publish(progress.Event{
		JobID:    t.jobID,
		Status:   jobs.StatusInProgress,
		Progress: snap,
	})
}

// current returns the latest derived snapshot without emitting a tick.
func (t *tracker) current() jobs.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// countingReader feeds streamed byte counts into the tracker and checks
// for cancellation at every chunk boundary.
type countingReader struct {
	ctx     context.Context
	r       io.Reader
	tracker *tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, ErrCancelled
	}
	n, err := c.r.Read(p)
	if n > 0 && c.tracker != nil {
		c.tracker.addBytes(c.ctx, int64(n))
	}
	return n, err
}
