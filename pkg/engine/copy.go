package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/backend"
)

// tempName derives the temporary sibling a safe write lands under before
// the final rename.
func tempName(p string) string {
	return p + ".partial-" + uuid.NewString()[:8]
}

// writeSafely streams r into path via a temporary name, renaming into
// place on success. A failed or cancelled stream removes the temporary
// file, so no partial content ever becomes visible at the target path.
func writeSafely(ctx context.Context, client backend.Client, p string, r io.Reader, t *tracker) (int64, error) {
	tmp := tempName(p)

	w, err := client.OpenWrite(ctx, tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, &countingReader{ctx: ctx, r: r, tracker: t})
	if err != nil {
		w.Close() //nolint:errcheck
		discard(ctx, client, tmp)
		return n, err
	}
	// Commit-on-close: the write is not durable until Close succeeds.
	if err := w.Close(); err != nil {
		discard(ctx, client, tmp)
		return n, err
	}
	if err := ctx.Err(); err != nil {
		discard(ctx, client, tmp)
		return n, ErrCancelled
	}

	if err := promote(ctx, client, tmp, p); err != nil {
		discard(ctx, client, tmp)
		return n, err
	}
	return n, nil
}

// promote moves the committed temporary file onto its final name.
// Backends without rename fall back to a server-side copy, then to a
// same-backend stream.
func promote(ctx context.Context, client backend.Client, tmp, final string) error {
	err := client.Rename(ctx, tmp, final)
	if !errors.Is(err, backend.ErrRenameNotSupported) {
		return err
	}

	if copier, ok := client.(backend.ServerSideCopier); ok {
		if err := copier.CopyFile(ctx, tmp, final); err != nil {
			return err
		}
		return client.Remove(ctx, tmp)
	}

	rc, err := client.OpenRead(ctx, tmp)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := client.OpenWrite(ctx, final)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close() //nolint:errcheck
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Remove(ctx, tmp)
}

// discard best-effort removes a temporary file, surviving a cancelled
// context.
func discard(ctx context.Context, client backend.Client, p string) {
	if err := client.Remove(context.WithoutCancel(ctx), p); err != nil {
		logger.Warn("engine: could not remove temporary file %q: %v", p, err)
	}
}

// copyFile copies one file between two (possibly identical) clients.
// Same-client copies use the backend's server-side copy when available;
// everything else streams through this process.
func copyFile(ctx context.Context, src backend.Client, srcPath string, dst backend.Client, dstPath string, t *tracker) error {
	if src == dst {
		if copier, ok := dst.(backend.ServerSideCopier); ok {
			if err := copier.CopyFile(ctx, srcPath, dstPath); err == nil {
				if t != nil {
					if entry, statErr := src.Stat(ctx, srcPath); statErr == nil {
						t.addBytes(ctx, entry.Size)
					}
				}
				return nil
			}
			// Fall through to the streaming path.
		}
	}

	rc, err := src.OpenRead(ctx, srcPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	if dir := path.Dir(dstPath); dir != "." && dir != "/" {
		if err := dst.Mkdir(ctx, dir); err != nil {
			return err
		}
	}

	_, err = writeSafely(ctx, dst, dstPath, rc, t)
	return err
}

// renameWithFallback renames within one client, degrading to copy+delete
// when the native rename fails. The fallback is logged, not surfaced:
// callers asked for a move and got one. Errors that copy+delete cannot
// outrun (missing source, closed session, cancellation) pass through.
func renameWithFallback(ctx context.Context, client backend.Client, src, dst string) error {
	err := client.Rename(ctx, src, dst)
	if err == nil ||
		errors.Is(err, backend.ErrNotFound) ||
		errors.Is(err, backend.ErrClosed) ||
		ctx.Err() != nil {
		return err
	}

	logger.Warn("engine: rename %q -> %q on backend %s failed (%v), using copy+delete",
		src, dst, client.Type(), err)

	if err := copyFile(ctx, client, src, client, dst, nil); err != nil {
		return fmt.Errorf("rename fallback copy: %w", err)
	}
	if err := client.Remove(ctx, src); err != nil {
		return fmt.Errorf("rename fallback cleanup: %w", err)
	}
	return nil
}

// copyTree copies a file or directory tree between clients. Relative
// structure below srcPath is reproduced below dstPath.
func copyTree(ctx context.Context, src backend.Client, srcPath string, dst backend.Client, dstPath string, t *tracker) error {
	entry, err := src.Stat(ctx, srcPath)
	if err != nil {
		return err
	}

	if !entry.IsDir {
		if t != nil {
			t.startItem(srcPath)
		}
		if err := copyFile(ctx, src, srcPath, dst, dstPath, t); err != nil {
			return err
		}
		if t != nil {
			t.itemDone(ctx)
		}
		return nil
	}

	if err := dst.Mkdir(ctx, dstPath); err != nil {
		return err
	}
	children, err := src.List(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		childDst := child.Name
		if dstPath != "" {
			childDst = dstPath + "/" + child.Name
		}
		if err := copyTree(ctx, src, child.Path, dst, childDst, t); err != nil {
			return err
		}
	}
	return nil
}

// measureTree counts the files and bytes below a path for progress
// denominators. Directories themselves do not count as files.
func measureTree(ctx context.Context, client backend.Client, p string) (files int, bytes int64, err error) {
	entry, err := client.Stat(ctx, p)
	if err != nil {
		return 0, 0, err
	}
	if !entry.IsDir {
		return 1, entry.Size, nil
	}

	children, err := client.List(ctx, p)
	if err != nil {
		return 0, 0, err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return 0, 0, ErrCancelled
		}
		f, b, err := measureTree(ctx, client, child.Path)
		if err != nil {
			return 0, 0, err
		}
		files += f
		bytes += b
	}
	return files, bytes, nil
}
