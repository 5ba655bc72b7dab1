package engine

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/patchpanel/remotefs/internal/pathguard"
	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/jobs"
)

// runCompress packs the sources into one archive at the target. The
// archive is written through the same temp-name discipline as any other
// write, so a failed or cancelled job removes it instead of leaving a
// truncated file.
func (e *Engine) runCompress(ctx context.Context, req BulkRequest, t *tracker) error {
	if err := e.measureSources(ctx, req, t); err != nil {
		return err
	}

	dstSess, err := e.resolve(ctx, *req.Target)
	if err != nil {
		return err
	}
	defer dstSess.close()

	pr, pw := io.Pipe()
	archiveErr := make(chan error, 1)
	go func() {
		err := e.writeArchive(ctx, pw, req, t)
		// Unblock the consumer if archiving died mid-stream.
		pw.CloseWithError(err)
		archiveErr <- err
	}()

	_, writeErr := writeSafely(ctx, dstSess.client, dstSess.path, pr, nil)
	if writeErr != nil {
		// Unblock the producer if the destination write died first.
		pr.CloseWithError(writeErr) //nolint:errcheck
	}
	if aerr := <-archiveErr; aerr != nil {
		return aerr
	}
	if writeErr != nil {
		return opError("compress", *req.Target, writeErr)
	}
	return nil
}

// writeArchive streams the archive body for every source into w.
func (e *Engine) writeArchive(ctx context.Context, w io.Writer, req BulkRequest, t *tracker) error {
	switch req.Options.ArchiveFormat {
	case "zip":
		zw := zip.NewWriter(w)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestSpeed)
		})
		for _, src := range req.Sources {
			if err := e.addToArchive(ctx, src, t, func(member string, entry *backend.FileEntry, rc io.Reader) error {
				fw, err := zw.CreateHeader(&zip.FileHeader{
					Name:     member,
					Method:   zip.Deflate,
					Modified: entry.ModTime,
				})
				if err != nil {
					return err
				}
				_, err = io.Copy(fw, rc)
				return err
			}); err != nil {
				return err
			}
		}
		return zw.Close()

	case "tar.gz":
		gz := gzip.NewWriter(w)
		tw := tar.NewWriter(gz)
		for _, src := range req.Sources {
			if err := e.addToArchive(ctx, src, t, func(member string, entry *backend.FileEntry, rc io.Reader) error {
				if err := tw.WriteHeader(&tar.Header{
					Name:    member,
					Size:    entry.Size,
					Mode:    0o644,
					ModTime: entry.ModTime,
				}); err != nil {
					return err
				}
				_, err := io.Copy(tw, rc)
				return err
			}); err != nil {
				return err
			}
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return gz.Close()

	default:
		return fmt.Errorf("unsupported archive format %q", req.Options.ArchiveFormat)
	}
}

// addToArchive walks one source and feeds each file to the format-specific
// append function. Members are rooted at the source's base name.
func (e *Engine) addToArchive(ctx context.Context, src jobs.PathRef, t *tracker,
	appendFile func(member string, entry *backend.FileEntry, rc io.Reader) error) error {

	sess, err := e.resolve(ctx, src)
	if err != nil {
		return err
	}
	defer sess.close()

	prefix := path.Base(sess.path)
	if prefix == "." || prefix == "/" {
		prefix = ""
	}

	var walk func(p, member string) error
	walk = func(p, member string) error {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		entry, err := sess.client.Stat(ctx, p)
		if err != nil {
			return opError("compress", src, err)
		}
		if !entry.IsDir {
			t.startItem(p)
			rc, err := sess.client.OpenRead(ctx, p)
			if err != nil {
				return opError("compress", src, err)
			}
			err = appendFile(member, entry, &countingReader{ctx: ctx, r: rc, tracker: t})
			rc.Close() //nolint:errcheck
			if err != nil {
				return err
			}
			t.itemDone(ctx)
			return nil
		}

		children, err := sess.client.List(ctx, p)
		if err != nil {
			return opError("compress", src, err)
		}
		for _, child := range children {
			childMember := child.Name
			if member != "" {
				childMember = member + "/" + child.Name
			}
			if err := walk(child.Path, childMember); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(sess.path, prefix)
}

// runExtract unpacks one archive into the target directory. The archive is
// spooled to a local temporary file first: zip needs random access, and
// the spool lets tar member counts be known before extraction starts so
// progress has a denominator.
func (e *Engine) runExtract(ctx context.Context, req BulkRequest, t *tracker) error {
	src := req.Sources[0]

	format, err := archiveFormat(src.Path)
	if err != nil {
		return err
	}

	spool, size, err := e.spoolArchive(ctx, src)
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name()) //nolint:errcheck
	defer spool.Close()           //nolint:errcheck

	dstSess, err := e.resolve(ctx, *req.Target)
	if err != nil {
		return err
	}
	defer dstSess.close()

	switch format {
	case "zip":
		return e.extractZip(ctx, spool, size, dstSess, t)
	case "tar.gz":
		return e.extractTarGz(ctx, spool, dstSess, t)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
}

func archiveFormat(p string) (string, error) {
	switch {
	case strings.HasSuffix(p, ".zip"):
		return "zip", nil
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return "tar.gz", nil
	default:
		return "", fmt.Errorf("cannot determine archive format of %q", path.Base(p))
	}
}

// spoolArchive downloads the archive to a local temporary file.
func (e *Engine) spoolArchive(ctx context.Context, src jobs.PathRef) (*os.File, int64, error) {
	sess, err := e.resolve(ctx, src)
	if err != nil {
		return nil, 0, err
	}
	defer sess.close()

	rc, err := sess.client.OpenRead(ctx, sess.path)
	if err != nil {
		return nil, 0, opError("extract", src, err)
	}
	defer rc.Close()

	spool, err := os.CreateTemp("", "remotefs-extract-*")
	if err != nil {
		return nil, 0, err
	}

	size, err := io.Copy(spool, &countingReader{ctx: ctx, r: rc})
	if err != nil {
		spool.Close()           //nolint:errcheck
		os.Remove(spool.Name()) //nolint:errcheck
		return nil, 0, opError("extract", src, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()           //nolint:errcheck
		os.Remove(spool.Name()) //nolint:errcheck
		return nil, 0, err
	}
	return spool, size, nil
}

// memberPath validates an archive member name against the extraction root.
// Member names come from untrusted archives; anything escaping the target
// directory is rejected, not silently rewritten. ".." segments are refused
// outright because collapsing them against a sentinel root would swallow
// the escape instead of surfacing it.
func memberPath(root, member string) (string, error) {
	for _, seg := range strings.Split(strings.ReplaceAll(member, "\\", "/"), "/") {
		if seg == ".." {
			return "", &pathguard.TraversalError{Root: root, Raw: member}
		}
	}
	rel, err := pathguard.Relative("/", member)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", fmt.Errorf("archive member %q resolves to the extraction root", member)
	}
	if root == "" || root == "/" {
		return rel, nil
	}
	return root + "/" + rel, nil
}

func (e *Engine) extractZip(ctx context.Context, spool *os.File, size int64, dst *session, t *tracker) error {
	zr, err := zip.NewReader(spool, size)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	var files int
	var bytes int64
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files++
			bytes += int64(f.UncompressedSize64)
		}
	}
	t.setTotals(files, bytes)

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		target, err := memberPath(dst.path, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := dst.client.Mkdir(ctx, target); err != nil {
				return err
			}
			continue
		}

		t.startItem(f.Name)
		rc, err := f.Open()
		if err != nil {
			return err
		}
		_, err = writeSafely(ctx, dst.client, target, rc, t)
		rc.Close() //nolint:errcheck
		if err != nil {
			return err
		}
		t.itemDone(ctx)
	}
	return nil
}

func (e *Engine) extractTarGz(ctx context.Context, spool *os.File, dst *session, t *tracker) error {
	// First pass: member counts for the progress denominator.
	files, bytes, err := scanTarGz(spool)
	if err != nil {
		return err
	}
	t.setTotals(files, bytes)

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	gz, err := gzip.NewReader(spool)
	if err != nil {
		return fmt.Errorf("open tar.gz: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		target, err := memberPath(dst.path, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := dst.client.Mkdir(ctx, target); err != nil {
				return err
			}
		case tar.TypeReg:
			t.startItem(hdr.Name)
			if _, err := writeSafely(ctx, dst.client, target, tr, t); err != nil {
				return err
			}
			t.itemDone(ctx)
		default:
			// Links and special files are skipped; remote backends have no
			// portable representation for them.
		}
	}
}

func scanTarGz(spool *os.File) (files int, bytes int64, err error) {
	gz, err := gzip.NewReader(spool)
	if err != nil {
		return 0, 0, fmt.Errorf("open tar.gz: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, bytes, nil
		}
		if err != nil {
			return 0, 0, err
		}
		if hdr.Typeflag == tar.TypeReg {
			files++
			bytes += hdr.Size
		}
	}
}
