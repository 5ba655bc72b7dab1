package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchpanel/remotefs/pkg/backend"
)

func TestListAndStat(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Seed("docs/a.txt", []byte("alpha"))
	c.Seed("docs/b.txt", []byte("bravo"))
	c.Seed("docs/sub/c.txt", []byte("charlie"))

	entries, err := c.List(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.True(t, entries[2].IsDir)
	assert.Equal(t, int64(5), entries[0].Size)

	entry, err := c.Stat(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.False(t, entry.IsDir)
	assert.Equal(t, int64(5), entry.Size)

	_, err = c.List(ctx, "docs/a.txt")
	assert.ErrorIs(t, err, backend.ErrNotDirectory)
	_, err = c.List(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = c.Stat(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestWriteCommitsOnClose(t *testing.T) {
	c := New()
	ctx := context.Background()

	w, err := c.OpenWrite(ctx, "out/report.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	// Nothing is visible until the writer is closed.
	_, err = c.Stat(ctx, "out/report.txt")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, w.Close())

	rc, err := c.OpenRead(ctx, "out/report.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("hello world"), data)
}

func TestOpenReadDirectory(t *testing.T) {
	c := New()
	c.Seed("dir/file.txt", []byte("x"))

	_, err := c.OpenRead(context.Background(), "dir")
	assert.ErrorIs(t, err, backend.ErrIsDirectory)
}

func TestRemoveSemantics(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Seed("dir/file.txt", []byte("x"))

	// Non-empty directory cannot be removed non-recursively.
	assert.ErrorIs(t, c.Remove(ctx, "dir"), backend.ErrNotDirectory)

	require.NoError(t, c.Remove(ctx, "dir/file.txt"))
	require.NoError(t, c.Remove(ctx, "dir"))

	// Deleting a missing path succeeds.
	assert.NoError(t, c.Remove(ctx, "dir/file.txt"))
}

func TestRemoveAllTree(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Seed("tree/a/b.txt", []byte("x"))
	c.Seed("tree/c.txt", []byte("y"))
	c.Seed("keep.txt", []byte("z"))

	require.NoError(t, c.RemoveAll(ctx, "tree"))

	_, err := c.Stat(ctx, "tree")
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = c.Stat(ctx, "keep.txt")
	assert.NoError(t, err)
}

func TestRenameFileAndDirectory(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Seed("old/a.txt", []byte("alpha"))
	c.Seed("old/sub/b.txt", []byte("bravo"))

	require.NoError(t, c.Rename(ctx, "old", "new"))

	assert.Equal(t, []byte("alpha"), c.Contents("new/a.txt"))
	assert.Equal(t, []byte("bravo"), c.Contents("new/sub/b.txt"))
	_, err := c.Stat(ctx, "old")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, c.Rename(ctx, "new/a.txt", "renamed.txt"))
	assert.Equal(t, []byte("alpha"), c.Contents("renamed.txt"))

	assert.ErrorIs(t, c.Rename(ctx, "missing", "anywhere"), backend.ErrNotFound)
}

func TestClosedClientRejectsOperations(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Seed("a.txt", []byte("x"))

	require.NoError(t, c.Close())

	_, err := c.List(ctx, "")
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.ErrorIs(t, c.Ping(ctx), backend.ErrClosed)

	// Reopen restores the seeded tree.
	c.Reopen()
	assert.NoError(t, c.Ping(ctx))
	assert.Equal(t, []byte("x"), c.Contents("a.txt"))
}

func TestHooksInjectFaults(t *testing.T) {
	injected := errors.New("injected failure")
	c := NewWithHooks(Hooks{
		BeforeOpenRead: func(p string) error {
			if p == "poison.txt" {
				return injected
			}
			return nil
		},
	})
	ctx := context.Background()
	c.Seed("poison.txt", []byte("x"))
	c.Seed("fine.txt", []byte("y"))

	_, err := c.OpenRead(ctx, "poison.txt")
	assert.ErrorIs(t, err, injected)

	rc, err := c.OpenRead(ctx, "fine.txt")
	require.NoError(t, err)
	rc.Close()
}

func TestDialerCountsAndFingerprints(t *testing.T) {
	ctx := context.Background()

	d1 := NewDialer(New())
	d2 := NewDialer(New())
	assert.NotEqual(t, d1.Fingerprint(), d2.Fingerprint(),
		"distinct clients must not share a pool key")

	client, err := d1.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx))
	assert.Equal(t, 1, d1.DialCount())

	_, err = d1.Dial(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d1.DialCount())

	boom := errors.New("network down")
	d1.SetDialError(boom)
	_, err = d1.Dial(ctx)
	assert.ErrorIs(t, err, boom)
}
