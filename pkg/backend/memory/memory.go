// Package memory implements an in-memory backend client.
//
// The implementation keeps a full file tree in maps. It is designed for:
//   - Engine and pool tests that need a hermetic remote
//   - Development without reachable remotes
//   - Fault injection through Hooks
//
// Characteristics:
//   - Fast: all operations are memory-speed
//   - Volatile: contents are lost when the client is closed for good
//   - Thread-safe: protected by an RWMutex
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Hooks allows tests to inject behavior into specific operations.
// A nil hook is a no-op. Hooks run before the operation with the lock held
// released, so they may block or return an error to simulate failures.
type Hooks struct {
	// BeforeOpenRead runs before OpenRead resolves the path.
	BeforeOpenRead func(path string) error

	// BeforeOpenWrite runs before OpenWrite creates the writer.
	BeforeOpenWrite func(path string) error

	// BeforeRename runs before Rename. Returning
	// backend.ErrRenameNotSupported exercises the engine's copy+delete
	// fallback.
	BeforeRename func(oldPath, newPath string) error

	// BeforePing runs before Ping, letting tests force health probes to fail.
	BeforePing func() error
}

type file struct {
	data    []byte
	modTime time.Time
}

// Client is an in-memory backend.Client.
type Client struct {
	mu     sync.RWMutex
	files  map[string]*file
	dirs   map[string]time.Time
	closed bool
	hooks  Hooks
}

// New creates an empty in-memory client with a root directory.
func New() *Client {
	return &Client{
		files: make(map[string]*file),
		dirs:  map[string]time.Time{"": time.Now()},
	}
}

// NewWithHooks creates a client with fault-injection hooks installed.
func NewWithHooks(hooks Hooks) *Client {
	c := New()
	c.hooks = hooks
	return c
}

// Seed writes a file without going through OpenWrite. Parent directories
// are created implicitly. Intended for test setup.
func (c *Client) Seed(p string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = clean(p)
	c.mkdirAllLocked(parent(p))
	c.files[p] = &file{data: append([]byte(nil), data...), modTime: time.Now()}
}

// Contents returns a copy of a file's bytes, or nil if absent. Test helper.
func (c *Client) Contents(p string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[clean(p)]
	if !ok {
		return nil
	}
	return append([]byte(nil), f.data...)
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func parent(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

func (c *Client) mkdirAllLocked(p string) {
	for p != "" {
		if _, ok := c.dirs[p]; !ok {
			c.dirs[p] = time.Now()
		}
		p = parent(p)
	}
}

func (c *Client) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return backend.ErrClosed
	}
	return nil
}

func (c *Client) List(ctx context.Context, p string) ([]backend.FileEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkOpen(ctx); err != nil {
		return nil, err
	}

	p = clean(p)
	if _, isFile := c.files[p]; isFile {
		return nil, backend.ErrNotDirectory
	}
	if _, ok := c.dirs[p]; !ok {
		return nil, backend.ErrNotFound
	}

	seen := make(map[string]backend.FileEntry)
	collect := func(full string, isDir bool, size int64, mod time.Time, mode fs.FileMode) {
		if parent(full) != p {
			return
		}
		name := path.Base(full)
		seen[name] = backend.FileEntry{
			Name:    name,
			Path:    full,
			IsDir:   isDir,
			Size:    size,
			ModTime: mod,
			Mode:    mode,
		}
	}
	for full, f := range c.files {
		collect(full, false, int64(len(f.data)), f.modTime, 0o644)
	}
	for full, mod := range c.dirs {
		if full == "" {
			continue
		}
		collect(full, true, 0, mod, fs.ModeDir|0o755)
	}

	entries := make([]backend.FileEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Client) Stat(ctx context.Context, p string) (*backend.FileEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkOpen(ctx); err != nil {
		return nil, err
	}

	p = clean(p)
	if f, ok := c.files[p]; ok {
		return &backend.FileEntry{
			Name:    path.Base(p),
			Path:    p,
			Size:    int64(len(f.data)),
			ModTime: f.modTime,
			Mode:    0o644,
		}, nil
	}
	if mod, ok := c.dirs[p]; ok {
		name := path.Base(p)
		if p == "" {
			name = "/"
		}
		return &backend.FileEntry{
			Name:    name,
			Path:    p,
			IsDir:   true,
			ModTime: mod,
			Mode:    fs.ModeDir | 0o755,
		}, nil
	}
	return nil, backend.ErrNotFound
}

func (c *Client) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if c.hooks.BeforeOpenRead != nil {
		if err := c.hooks.BeforeOpenRead(p); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkOpen(ctx); err != nil {
		return nil, err
	}

	p = clean(p)
	if _, ok := c.dirs[p]; ok {
		return nil, backend.ErrIsDirectory
	}
	f, ok := c.files[p]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), f.data...))), nil
}

// memWriter buffers writes and commits the file on Close, mirroring the
// commit-on-close semantics of the real protocol clients.
type memWriter struct {
	c    *Client
	path string
	buf  bytes.Buffer
	done bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, backend.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.closed {
		return backend.ErrClosed
	}
	w.c.mkdirAllLocked(parent(w.path))
	w.c.files[w.path] = &file{data: w.buf.Bytes(), modTime: time.Now()}
	return nil
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if c.hooks.BeforeOpenWrite != nil {
		if err := c.hooks.BeforeOpenWrite(p); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkOpen(ctx); err != nil {
		return nil, err
	}

	p = clean(p)
	if _, ok := c.dirs[p]; ok {
		return nil, backend.ErrIsDirectory
	}
	return &memWriter{c: c, path: p}, nil
}

func (c *Client) Remove(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(ctx); err != nil {
		return err
	}

	p = clean(p)
	if _, ok := c.files[p]; ok {
		delete(c.files, p)
		return nil
	}
	if _, ok := c.dirs[p]; ok {
		for full := range c.files {
			if parent(full) == p {
				return backend.ErrNotDirectory
			}
		}
		for full := range c.dirs {
			if parent(full) == p {
				return backend.ErrNotDirectory
			}
		}
		delete(c.dirs, p)
	}
	// Deleting a missing path succeeds: deletion is idempotent.
	return nil
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(ctx); err != nil {
		return err
	}

	p = clean(p)
	for full := range c.files {
		if full == p || strings.HasPrefix(full, p+"/") {
			delete(c.files, full)
		}
	}
	for full := range c.dirs {
		if full != "" && (full == p || strings.HasPrefix(full, p+"/")) {
			delete(c.dirs, full)
		}
	}
	return nil
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if c.hooks.BeforeRename != nil {
		if err := c.hooks.BeforeRename(oldPath, newPath); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(ctx); err != nil {
		return err
	}

	oldPath, newPath = clean(oldPath), clean(newPath)
	if f, ok := c.files[oldPath]; ok {
		c.mkdirAllLocked(parent(newPath))
		c.files[newPath] = f
		delete(c.files, oldPath)
		return nil
	}
	if _, ok := c.dirs[oldPath]; ok {
		c.mkdirAllLocked(parent(newPath))
		moveFiles := make(map[string]*file)
		for full, f := range c.files {
			if full == oldPath || strings.HasPrefix(full, oldPath+"/") {
				moveFiles[newPath+strings.TrimPrefix(full, oldPath)] = f
				delete(c.files, full)
			}
		}
		for dst, f := range moveFiles {
			c.files[dst] = f
		}
		moveDirs := make(map[string]time.Time)
		for full, mod := range c.dirs {
			if full != "" && (full == oldPath || strings.HasPrefix(full, oldPath+"/")) {
				moveDirs[newPath+strings.TrimPrefix(full, oldPath)] = mod
				delete(c.dirs, full)
			}
		}
		for dst, mod := range moveDirs {
			c.dirs[dst] = mod
		}
		return nil
	}
	return backend.ErrNotFound
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(ctx); err != nil {
		return err
	}

	c.mkdirAllLocked(clean(p))
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c.hooks.BeforePing != nil {
		if err := c.hooks.BeforePing(); err != nil {
			return err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkOpen(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Reopen undoes Close so pool tests can reuse a seeded tree across
// reconnects.
func (c *Client) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}

func (c *Client) Type() backend.Type { return backend.TypeMemory }

// Dialer hands out the same underlying client on every Dial, reopening it
// if it was closed. Dial counts are exposed for pool coalescing tests.
type Dialer struct {
	mu          sync.Mutex
	client      *Client
	dialCount   int
	dialDelay   time.Duration
	dialErr     error
	fingerprint string
}

// dialerSeq distinguishes dialer fingerprints; each in-memory client
// stands in for a distinct credential set.
var dialerSeq atomic.Uint64

// NewDialer wraps an existing in-memory client.
func NewDialer(c *Client) *Dialer {
	return &Dialer{client: c, fingerprint: fmt.Sprintf("memory-%d", dialerSeq.Add(1))}
}

// SetDialDelay makes every Dial sleep, for coalescing tests.
func (d *Dialer) SetDialDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialDelay = delay
}

// SetDialError makes every Dial fail until cleared.
func (d *Dialer) SetDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// DialCount reports how many Dial calls actually ran.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

func (d *Dialer) Dial(ctx context.Context) (backend.Client, error) {
	d.mu.Lock()
	d.dialCount++
	delay, dialErr := d.dialDelay, d.dialErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	d.client.Reopen()
	return d.client, nil
}

func (d *Dialer) Fingerprint() string { return d.fingerprint }
