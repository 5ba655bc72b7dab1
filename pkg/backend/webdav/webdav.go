// Package webdav implements a backend client over WebDAV using
// github.com/studio-b12/gowebdav.
//
// gowebdav keeps an authenticated HTTP client internally, so "dialing" here
// is an auth probe against the location root rather than a persistent
// session. The pool still treats the client as a connection: the probe
// validates credentials early and the health check catches servers that go
// away.
//
// gowebdav's write API is push-based (WriteStream consumes a reader), so
// OpenWrite adapts it through an io.Pipe; Close propagates the upload
// result, keeping commit-on-close semantics.
package webdav

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Config holds the connection settings for one WebDAV location.
type Config struct {
	// URL is the base URL of the WebDAV endpoint, including any path
	// prefix (e.g. "https://dav.example.com/remote.php/dav/files/ops").
	URL      string
	User     string
	Password string

	// Root is an optional slash-separated prefix below the base URL.
	Root string

	// RequestTimeout bounds each HTTP request. Zero means 60s.
	RequestTimeout time.Duration
}

// Client implements backend.Client over a WebDAV endpoint.
type Client struct {
	dav  *gowebdav.Client
	root string
}

// Dial builds the client and verifies credentials with a probe of the root.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dav := gowebdav.NewClient(cfg.URL, cfg.User, cfg.Password)

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	dav.SetTimeout(timeout)

	root := strings.Trim(path.Clean("/"+cfg.Root), "/")
	c := &Client{dav: dav, root: root}

	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("webdav auth probe against %s: %w", cfg.URL, err)
	}
	return c, nil
}

func (c *Client) abs(p string) string {
	full := "/" + c.root
	if p != "" {
		full = full + "/" + p
	}
	return path.Clean(full)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case gowebdav.IsErrNotFound(err), errors.Is(err, fs.ErrNotExist):
		return backend.ErrNotFound
	default:
		return err
	}
}

func entryFromInfo(p string, info fs.FileInfo) backend.FileEntry {
	return backend.FileEntry{
		Name:    info.Name(),
		Path:    p,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	}
}

func (c *Client) List(ctx context.Context, p string) ([]backend.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := c.dav.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if !info.IsDir() {
		return nil, backend.ErrNotDirectory
	}

	infos, err := c.dav.ReadDir(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	entries := make([]backend.FileEntry, 0, len(infos))
	for _, fi := range infos {
		child := fi.Name()
		if p != "" {
			child = p + "/" + child
		}
		entries = append(entries, entryFromInfo(child, fi))
	}
	return entries, nil
}

func (c *Client) Stat(ctx context.Context, p string) (*backend.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := c.dav.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	e := entryFromInfo(p, info)
	if e.Name == "" {
		e.Name = path.Base(c.abs(p))
	}
	return &e, nil
}

func (c *Client) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := c.dav.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if info.IsDir() {
		return nil, backend.ErrIsDirectory
	}
	rc, err := c.dav.ReadStream(c.abs(p))
	return rc, translate(err)
}

// pipeWriter feeds WriteStream through an io.Pipe. The upload runs in a
// goroutine; Close surfaces its result.
type pipeWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *pipeWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *pipeWriter) Close() error {
	w.pw.Close()
	return <-w.done
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := c.dav.MkdirAll(c.abs(dir), 0o755); err != nil {
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := c.dav.WriteStream(c.abs(p), pr, 0o644)
		// Unblock the writer if the upload dies mid-stream.
		pr.CloseWithError(err)
		done <- err
	}()
	return &pipeWriter{pw: pw, done: done}, nil
}

func (c *Client) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.dav.Remove(c.abs(p))
	if errors.Is(translate(err), backend.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.dav.RemoveAll(c.abs(p))
	if errors.Is(translate(err), backend.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := path.Dir(newPath); dir != "." && dir != "/" {
		if err := c.dav.MkdirAll(c.abs(dir), 0o755); err != nil {
			return err
		}
	}
	return translate(c.dav.Rename(c.abs(oldPath), c.abs(newPath), true))
}

// CopyFile uses the WebDAV COPY verb so same-location copies never stream
// through this process.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.dav.Copy(c.abs(srcPath), c.abs(dstPath), true))
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.dav.MkdirAll(c.abs(p), 0o755)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.dav.Stat(c.abs(""))
	return translate(err)
}

func (c *Client) Close() error { return nil }

func (c *Client) Type() backend.Type { return backend.TypeWebDAV }

// Dialer adapts Config to the backend.Dialer contract.
type Dialer struct {
	Config Config
}

func (d Dialer) Dial(ctx context.Context) (backend.Client, error) {
	return Dial(ctx, d.Config)
}

func (d Dialer) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "webdav\x00%s\x00%s\x00%s\x00", d.Config.URL, d.Config.User, d.Config.Root)
	h.Write([]byte(d.Config.Password))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
