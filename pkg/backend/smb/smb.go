// Package smb implements a backend client over SMB2/3 using
// github.com/hirochachacha/go-smb2.
//
// A location maps to one share mount; the Root config carries an optional
// directory prefix inside the share. Paths are translated to the backslash
// form SMB expects at the last possible moment.
package smb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Config holds the connection settings for one SMB location.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Domain   string

	// Share is the share name to mount (without leading backslashes).
	Share string

	// Root is an optional slash-separated directory prefix inside the
	// share that this location is rooted at.
	Root string

	// DialTimeout bounds the TCP dial and SMB negotiate. Zero means 30s.
	DialTimeout time.Duration
}

// Client implements backend.Client over a mounted SMB share.
type Client struct {
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
	root    string
}

// Dial connects, authenticates via NTLM, and mounts the share.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	port := cfg.Port
	if port == 0 {
		port = 445
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     cfg.User,
			Password: cfg.Password,
			Domain:   cfg.Domain,
		},
	}

	session, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smb negotiate with %s: %w", addr, err)
	}

	share, err := session.Mount(cfg.Share)
	if err != nil {
		session.Logoff()
		conn.Close()
		return nil, fmt.Errorf("mount share %q: %w", cfg.Share, err)
	}

	root := strings.Trim(path.Clean("/"+cfg.Root), "/")
	return &Client{conn: conn, session: session, share: share, root: root}, nil
}

// winPath maps a validated slash path onto the share's backslash namespace.
func (c *Client) winPath(p string) string {
	full := p
	if c.root != "" {
		if full == "" {
			full = c.root
		} else {
			full = c.root + "/" + full
		}
	}
	if full == "" {
		// The share root itself.
		return "."
	}
	return strings.ReplaceAll(full, "/", `\`)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrNotExist):
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

	info, err := c.share.Stat(c.winPath(p))
	if err != nil {
		return nil, translate(err)
	}
	if !info.IsDir() {
		return nil, backend.ErrNotDirectory
	}

	infos, err := c.share.ReadDir(c.winPath(p))
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

	info, err := c.share.Stat(c.winPath(p))
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

	info, err := c.share.Stat(c.winPath(p))
	if err != nil {
		return nil, translate(err)
	}
	if info.IsDir() {
		return nil, backend.ErrIsDirectory
	}
	f, err := c.share.Open(c.winPath(p))
	return f, translate(err)
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := c.share.MkdirAll(c.winPath(dir), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := c.share.OpenFile(c.winPath(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	return f, translate(err)
}

func (c *Client) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.share.Remove(c.winPath(p))
	if errors.Is(translate(err), backend.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.share.RemoveAll(c.winPath(p))
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
		if err := c.share.MkdirAll(c.winPath(dir), 0o755); err != nil {
			return err
		}
	}
	return translate(c.share.Rename(c.winPath(oldPath), c.winPath(newPath)))
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.share.MkdirAll(c.winPath(p), 0o755)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.share.Stat(c.winPath(""))
	return translate(err)
}

func (c *Client) Close() error {
	umountErr := c.share.Umount()
	logoffErr := c.session.Logoff()
	connErr := c.conn.Close()
	if umountErr != nil {
		return umountErr
	}
	if logoffErr != nil {
		return logoffErr
	}
	return connErr
}

func (c *Client) Type() backend.Type { return backend.TypeSMB }

// Dialer adapts Config to the backend.Dialer contract.
type Dialer struct {
	Config Config
}

func (d Dialer) Dial(ctx context.Context) (backend.Client, error) {
	return Dial(ctx, d.Config)
}

func (d Dialer) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "smb\x00%s\x00%d\x00%s\x00%s\x00%s\x00%s\x00",
		d.Config.Host, d.Config.Port, d.Config.Domain, d.Config.User, d.Config.Share, d.Config.Root)
	h.Write([]byte(d.Config.Password))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
