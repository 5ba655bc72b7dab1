package pathguard

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "simple relative path",
			root: "/data",
			raw:  "reports/q1.csv",
			want: "/data/reports/q1.csv",
		},
		{
			name: "absolute input is rooted at the location root",
			root: "/data",
			raw:  "/reports/q1.csv",
			want: "/data/reports/q1.csv",
		},
		{
			name: "empty path resolves to root",
			root: "/data",
			raw:  "",
			want: "/data",
		},
		{
			name: "dot segments collapse",
			root: "/data",
			raw:  "./a/./b",
			want: "/data/a/b",
		},
		{
			name: "internal dotdot stays inside",
			root: "/data",
			raw:  "a/b/../c",
			want: "/data/a/c",
		},
		{
			name: "backslash separators",
			root: "/data",
			raw:  "dir\\file.txt",
			want: "/data/dir/file.txt",
		},
		{
			name: "trailing slash on root",
			root: "/data/",
			raw:  "file.txt",
			want: "/data/file.txt",
		},
		{
			name:    "classic traversal",
			root:    "/data",
			raw:     "../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "traversal hidden behind valid segments",
			root:    "/data",
			raw:     "a/../../..",
			wantErr: true,
		},
		{
			name:    "backslash traversal",
			root:    "/data",
			raw:     "..\\..\\etc\\passwd",
			wantErr: true,
		},
		{
			name:    "null byte",
			root:    "/data",
			raw:     "file\x00.txt",
			wantErr: true,
		},
		{
			name:    "relative root rejected",
			root:    "data",
			raw:     "file.txt",
			wantErr: true,
		},
		{
			name: "sibling prefix is not inside",
			root: "/data",
			raw:  "../data-backup/secret",
			// /data-backup shares the string prefix "/data" but is a
			// different directory; must be rejected.
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.root, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeTraversalErrorKind(t *testing.T) {
	_, err := Normalize("/data", "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))

	var terr *TraversalError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "/data", terr.Root)
	assert.Equal(t, "../../etc/passwd", terr.Raw)
}

// TestNormalizeNeverEscapes hammers Normalize with generated dotdot
// sequences: every accepted result must have the root as a strict prefix.
func TestNormalizeNeverEscapes(t *testing.T) {
	root := "/srv/files"
	segments := []string{"..", ".", "a", "b", "..\\..", "...", "..%2f"}

	var walk func(depth int, parts []string)
	walk = func(depth int, parts []string) {
		if depth == 0 {
			raw := strings.Join(parts, "/")
			got, err := Normalize(root, raw)
			if err != nil {
				return
			}
			if got != root && !strings.HasPrefix(got, root+"/") {
				t.Fatalf("Normalize(%q, %q) = %q escaped root", root, raw, got)
			}
			return
		}
		for _, s := range segments {
			walk(depth-1, append(parts, s))
		}
	}
	for depth := 1; depth <= 4; depth++ {
		walk(depth, nil)
	}
}

func TestRelative(t *testing.T) {
	rel, err := Relative("/data", "reports/q1.csv")
	require.NoError(t, err)
	assert.Equal(t, "reports/q1.csv", rel)

	rel, err = Relative("/data", "/")
	require.NoError(t, err)
	assert.Equal(t, "", rel)

	_, err = Relative("/data", "../outside")
	require.Error(t, err)
}

// TestRelativeSlashRoot pins the root "/" case: results must be truly
// relative, never carrying a leading slash back to the caller.
func TestRelativeSlashRoot(t *testing.T) {
	rel, err := Relative("/", "docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, "docs/guide.md", rel)

	rel, err = Relative("/", "/docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, "docs/guide.md", rel)

	rel, err = Relative("/", "/")
	require.NoError(t, err)
	assert.Equal(t, "", rel)
}
