// Package pathguard validates user-supplied paths against a declared root.
//
// Every path that reaches a backend client must first pass through
// Normalize. The check is purely lexical: "." and ".." segments are
// collapsed without consulting the filesystem, so a path that survives
// cannot escape the root by construction. Symlink resolution (if a backend
// performs any) is the backend's concern and must be re-validated there.
package pathguard

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrPathTraversal indicates that a user-supplied path would resolve
// outside its location root. This is a caller error and is never retried.
var ErrPathTraversal = errors.New("path escapes location root")

// TraversalError carries the offending input alongside ErrPathTraversal so
// callers can surface the raw path in error messages without re-deriving it.
type TraversalError struct {
	Root string
	Raw  string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Raw, e.Root)
}

func (e *TraversalError) Unwrap() error { return ErrPathTraversal }

// Normalize resolves raw against root and returns an absolute path that is
// guaranteed to live inside root.
//
// The raw path may be absolute or relative, may use backslashes as
// separators, and may contain "." or ".." segments. Inputs containing NUL
// bytes are rejected outright. The root must be an absolute slash-separated
// path; it is cleaned before use so "/data/" and "/data" behave the same.
//
// Returns a *TraversalError (unwrapping to ErrPathTraversal) when the
// collapsed path does not have root as a strict prefix.
func Normalize(root, raw string) (string, error) {
	if !strings.HasPrefix(root, "/") {
		return "", fmt.Errorf("root %q is not absolute", root)
	}
	if strings.ContainsRune(raw, 0) {
		return "", &TraversalError{Root: root, Raw: raw}
	}

	root = path.Clean(root)

	// Windows-style clients send backslash separators; treat them as "/".
	cleaned := strings.ReplaceAll(raw, "\\", "/")

	// An absolute input is interpreted relative to the root, matching how
	// the remotes themselves present location-rooted namespaces.
	cleaned = strings.TrimPrefix(cleaned, "/")

	joined := path.Join(root, cleaned)

	if !isWithin(root, joined) {
		return "", &TraversalError{Root: root, Raw: raw}
	}
	return joined, nil
}

// Relative is like Normalize but returns the path relative to root, which
// is what most protocol clients expect (SFTP and SMB sessions are opened on
// the root itself). The empty string is returned for the root.
func Relative(root, raw string) (string, error) {
	abs, err := Normalize(root, raw)
	if err != nil {
		return "", err
	}
	root = path.Clean(root)
	if abs == root {
		return "", nil
	}
	if root == "/" {
		return strings.TrimPrefix(abs, "/"), nil
	}
	return strings.TrimPrefix(abs, root+"/"), nil
}

// isWithin reports whether p equals root or is strictly inside it.
// Both arguments must already be cleaned.
func isWithin(root, p string) bool {
	if p == root {
		return true
	}
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, root+"/")
}
