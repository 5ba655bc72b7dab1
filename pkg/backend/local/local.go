// Package local implements a backend client over a local directory.
//
// This is the simplest real backend: the location's root path is a
// directory on the host and every operation maps directly onto the os
// package. It exists for deployments that expose a host directory next to
// their remotes, and it carries most of the integration test load since it
// exercises the full Client contract against a real filesystem.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Client implements backend.Client on a local directory.
type Client struct {
	root string
}

// New creates a client rooted at root, creating the directory if needed.
func New(ctx context.Context, root string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Client{root: root}, nil
}

// abs maps a validated relative path onto the host filesystem.
func (c *Client) abs(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(p))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
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

	info, err := os.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if !info.IsDir() {
		return nil, backend.ErrNotDirectory
	}

	dirents, err := os.ReadDir(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}

	entries := make([]backend.FileEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info; skip it.
			continue
		}
		child := p
		if child != "" {
			child += "/"
		}
		entries = append(entries, entryFromInfo(child+de.Name(), info))
	}
	return entries, nil
}

func (c *Client) Stat(ctx context.Context, p string) (*backend.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	e := entryFromInfo(p, info)
	return &e, nil
}

func (c *Client) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if info.IsDir() {
		return nil, backend.ErrIsDirectory
	}
	f, err := os.Open(c.abs(p))
	return f, translate(err)
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(c.abs(p)), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	return f, translate(err)
}

func (c *Client) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(c.abs(p))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(c.abs(p))
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.abs(newPath)), 0o755); err != nil {
		return err
	}
	return translate(os.Rename(c.abs(oldPath), c.abs(newPath)))
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(c.abs(p), 0o755)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(c.root)
	return translate(err)
}

func (c *Client) Close() error { return nil }

func (c *Client) Type() backend.Type { return backend.TypeLocal }

// Dialer builds local clients. The fingerprint covers only the root path
// since there is no credential material.
type Dialer struct {
	Root string
}

func (d Dialer) Dial(ctx context.Context) (backend.Client, error) {
	return New(ctx, d.Root)
}

func (d Dialer) Fingerprint() string {
	sum := sha256.Sum256([]byte("local\x00" + d.Root))
	return hex.EncodeToString(sum[:8])
}
