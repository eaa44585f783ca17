package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/mirror", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestNormPath(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty-is-local-dir", "", "."},
		{"unix-relative", "./path/to/file.txt", "path/to/file.txt"},
		{"unix-absolute", "/var/lib/check/path", "var/lib/check/path"},
		{"windows-relative", "\\proj\\src\\Main.java", "proj/src/Main.java"},
		{"dot-segments", "a/b/../c.txt", "a/c.txt"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, NormPath(c.input))
		})
	}
}

func TestRelPath(t *testing.T) {
	root := t.TempDir()

	rel, err := RelPath(root, filepath.Join(root, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "src/a.txt", rel)

	_, err = RelPath(root, filepath.Join(filepath.Dir(root), "elsewhere.txt"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestAbsPath(t *testing.T) {
	root := t.TempDir()
	assert.Equal(t, filepath.Join(root, "src", "a.txt"), AbsPath(root, "src/a.txt"))
}

func TestEnsureParent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "x", "y", "z.txt")

	require.NoError(t, EnsureParent(target))
	assert.True(t, DirExists(filepath.Dir(target)))
	assert.False(t, FileExists(target))
}
