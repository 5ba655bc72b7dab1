package backend

import "errors"

// Sentinel errors shared by all backend implementations. Protocol packages
// translate their library's errors into these so the engine can classify
// failures without knowing which client produced them.
var (
	// ErrNotFound indicates the path does not exist on the remote.
	ErrNotFound = errors.New("path not found")

	// ErrNotDirectory indicates a directory operation hit a regular file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates a file operation hit a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrRenameNotSupported indicates the backend has no native rename and
	// the caller should fall back to copy+delete.
	ErrRenameNotSupported = errors.New("rename not supported by backend")

	// ErrClosed indicates the client session has been closed.
	ErrClosed = errors.New("backend client closed")
)
