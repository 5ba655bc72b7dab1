// Package backend defines the protocol-agnostic client contract that every
// remote filesystem implementation satisfies.
//
// The operation engine never talks to a protocol library directly: it sees
// only this interface, acquired from the connection pool. Each protocol
// package (sftp, smb, webdav, rclone, s3, local, memory) wraps its client
// library behind these methods so that library churn stays contained.
//
// Paths passed to a Client are relative to the location root the client was
// opened on, using forward slashes. Validation against the root happens in
// the engine via pathguard before any call lands here; implementations may
// assume paths are already safe but must not weaken that guarantee when
// they resolve symlinks themselves.
//
// Thread safety: a Client may be used by multiple goroutines only through
// the connection pool's acquire/release discipline. Implementations must
// tolerate concurrent calls on independent paths; concurrent writes to the
// same path are undefined, as they are on the remotes themselves.
package backend

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Type identifies a protocol implementation.
type Type string

const (
	TypeSFTP   Type = "sftp"
	TypeSMB    Type = "smb"
	TypeWebDAV Type = "webdav"
	TypeRclone Type = "rclone"
	TypeS3     Type = "s3"
	TypeLocal  Type = "local"
	TypeMemory Type = "memory"
)

// Valid reports whether t names a known backend type.
func (t Type) Valid() bool {
	switch t {
	case TypeSFTP, TypeSMB, TypeWebDAV, TypeRclone, TypeS3, TypeLocal, TypeMemory:
		return true
	}
	return false
}

// FileEntry is a point-in-time snapshot of a remote file or directory.
// Entries are never cached beyond the response they were produced for.
type FileEntry struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	IsDir   bool        `json:"isDirectory"`
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"modifiedTime"`
	Mode    fs.FileMode `json:"permissions"`
}

// Client is the capability surface the engine requires from every protocol.
//
// All methods honor context cancellation and deadlines. Errors should be
// returned as-is; the engine wraps them into its own taxonomy.
type Client interface {
	// List returns the direct children of the directory at path.
	// Listing a non-directory returns ErrNotDirectory.
	List(ctx context.Context, path string) ([]FileEntry, error)

	// Stat returns the entry for a single file or directory.
	// Returns ErrNotFound if the path does not exist.
	Stat(ctx context.Context, path string) (*FileEntry, error)

	// OpenRead opens the file at path for sequential reading.
	// The caller must close the returned reader.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens the file at path for sequential writing, creating it
	// if absent and truncating it otherwise. Closing the writer commits the
	// content; an unclosed writer may leave nothing behind.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Remove deletes the file or empty directory at path. Removing a
	// missing path succeeds: deletion is idempotent so bulk deletes and
	// retries never trip over each other.
	Remove(ctx context.Context, path string) error

	// RemoveAll deletes path and everything beneath it.
	RemoveAll(ctx context.Context, path string) error

	// Rename moves a file or directory within this backend. Backends
	// without a native rename (rclone remotes, S3) return
	// ErrRenameNotSupported and the engine falls back to copy+delete.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Mkdir creates the directory at path including missing parents.
	// Creating an existing directory succeeds.
	Mkdir(ctx context.Context, path string) error

	// Ping is a cheap liveness probe (stat of the root or equivalent) used
	// by the pool's health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying session. A closed client must fail all
	// subsequent calls rather than hang.
	Close() error

	// Type reports the protocol this client implements.
	Type() Type
}

// ServerSideCopier is an optional interface for backends that can copy a
// file remotely without streaming it through this process (S3 CopyObject,
// rclone server-side copy). The engine prefers it for same-location copies.
type ServerSideCopier interface {
	// CopyFile copies a single file within the backend.
	CopyFile(ctx context.Context, srcPath, dstPath string) error
}

// Dialer establishes a Client for one location. Implementations are cheap
// value objects built by the config factories; the expensive work (SSH
// handshake, SMB negotiate, WebDAV auth probe) happens in Dial and is
// amortized by the connection pool.
type Dialer interface {
	// Dial opens a new session rooted at the location's root path.
	Dial(ctx context.Context) (Client, error)

	// Fingerprint returns a stable digest of the credential material used
	// by Dial. The pool keys entries on (locationID, fingerprint) so that
	// rotated credentials never reuse a stale session.
	Fingerprint() string
}
