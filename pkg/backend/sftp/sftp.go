// Package sftp implements a backend client over SFTP-on-SSH using
// github.com/pkg/sftp.
//
// One Client owns one SSH connection and one SFTP subsystem session on it.
// The connection pool decides how many clients exist per location; this
// package only knows how to dial and translate operations.
package sftp

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
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Config holds the connection settings for one SFTP location.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// PrivateKey is an optional PEM-encoded key. When set it takes
	// precedence over Password.
	PrivateKey []byte

	// HostKey is the expected public host key in authorized_keys format.
	// Empty means accept any host key, which should only be used on
	// trusted networks.
	HostKey string

	// Root is the absolute directory on the remote that this location is
	// rooted at.
	Root string

	// DialTimeout bounds the TCP+SSH handshake. Zero means 30s.
	DialTimeout time.Duration
}

// Client implements backend.Client over an SFTP session.
type Client struct {
	conn *ssh.Client
	sftp *sftp.Client
	root string
}

// Dial establishes the SSH connection and opens the SFTP subsystem.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	authMethods, err := buildAuth(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in below
	if cfg.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	// ssh.Dial has no context form; dial the TCP leg with the context and
	// hand the conn over for the handshake.
	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)

	sc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}

	return &Client{conn: conn, sftp: sc, root: path.Clean(cfg.Root)}, nil
}

func buildAuth(cfg Config) ([]ssh.AuthMethod, error) {
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	return nil, errors.New("sftp: no credentials configured")
}

func (c *Client) abs(p string) string {
	if p == "" {
		return c.root
	}
	return path.Join(c.root, p)
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

	info, err := c.sftp.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if !info.IsDir() {
		return nil, backend.ErrNotDirectory
	}

	infos, err := c.sftp.ReadDir(c.abs(p))
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

	info, err := c.sftp.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	e := entryFromInfo(p, info)
	e.Name = path.Base(c.abs(p))
	return &e, nil
}

func (c *Client) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := c.sftp.Stat(c.abs(p))
	if err != nil {
		return nil, translate(err)
	}
	if info.IsDir() {
		return nil, backend.ErrIsDirectory
	}
	f, err := c.sftp.Open(c.abs(p))
	return f, translate(err)
}

func (c *Client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.sftp.MkdirAll(path.Dir(c.abs(p))); err != nil {
		return nil, err
	}
	f, err := c.sftp.OpenFile(c.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	return f, translate(err)
}

func (c *Client) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.sftp.Remove(c.abs(p))
	if err != nil && errors.Is(translate(err), backend.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.sftp.RemoveAll(c.abs(p))
	if err != nil && errors.Is(translate(err), backend.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.sftp.MkdirAll(path.Dir(c.abs(newPath))); err != nil {
		return err
	}
	// POSIX rename overwrites the target; plain SSH_FXP_RENAME does not,
	// so prefer the posix-rename@openssh.com extension when available.
	if err := c.sftp.PosixRename(c.abs(oldPath), c.abs(newPath)); err == nil {
		return nil
	}
	return translate(c.sftp.Rename(c.abs(oldPath), c.abs(newPath)))
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sftp.MkdirAll(c.abs(p))
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.sftp.Stat(c.root)
	return translate(err)
}

func (c *Client) Close() error {
	sftpErr := c.sftp.Close()
	connErr := c.conn.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return connErr
}

func (c *Client) Type() backend.Type { return backend.TypeSFTP }

// Dialer adapts Config to the backend.Dialer contract.
type Dialer struct {
	Config Config
}

func (d Dialer) Dial(ctx context.Context) (backend.Client, error) {
	return Dial(ctx, d.Config)
}

// Fingerprint digests host, user, and credential material so rotated
// credentials produce a different pool key.
func (d Dialer) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "sftp\x00%s\x00%d\x00%s\x00%s\x00", d.Config.Host, d.Config.Port, d.Config.User, d.Config.Root)
	h.Write([]byte(d.Config.Password))
	h.Write(d.Config.PrivateKey)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
