package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sourceTree writes a small module tree and returns its path.
func sourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestFetch_LocalDirectory(t *testing.T) {
	src := sourceTree(t, map[string]string{
		"main.tf":         `resource "null_resource" "x" {}`,
		"modules/sub/a.tf": "# sub",
	})
	unit := t.TempDir()
	c := New("", nil)

	workDir, err := c.Fetch(context.Background(), Request{Source: src, UnitDir: unit})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(workDir, "main.tf"))
	assert.FileExists(t, filepath.Join(workDir, "modules", "sub", "a.tf"))

	// The entry lives beneath the unit's default cache dir.
	rel, err := filepath.Rel(filepath.Join(unit, DefaultDirName), workDir)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}

func TestFetch_EmptySourceRunsInPlace(t *testing.T) {
	unit := t.TempDir()
	c := New("", nil)

	workDir, err := c.Fetch(context.Background(), Request{UnitDir: unit})
	require.NoError(t, err)
	assert.Equal(t, unit, workDir)
}

func TestFetch_UnchangedSourceIsNoop(t *testing.T) {
	src := sourceTree(t, map[string]string{"main.tf": "# v1"})
	unit := t.TempDir()
	c := New("", nil)

	first, err := c.Fetch(context.Background(), Request{Source: src, UnitDir: unit})
	require.NoError(t, err)

	// Mutate the source; a matching version marker must skip re-fetch.
	require.NoError(t, os.WriteFile(filepath.Join(src, "extra.tf"), []byte("# new"), 0o644))

	second, err := c.Fetch(context.Background(), Request{Source: src, UnitDir: unit})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoFileExists(t, filepath.Join(second, "extra.tf"))
}

func TestFetch_TornEntryRefetched(t *testing.T) {
	src := sourceTree(t, map[string]string{"main.tf": "# module"})
	unit := t.TempDir()
	c := New("", nil)

	// An entry directory without a version marker is a torn download.
	root := filepath.Join(unit, DefaultDirName)
	entry := filepath.Join(root, entryID(src, unit))
	require.NoError(t, os.MkdirAll(filepath.Join(entry, "src"), 0o755))

	workDir, err := c.Fetch(context.Background(), Request{Source: src, UnitDir: unit})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(workDir, "main.tf"))
	assert.FileExists(t, filepath.Join(entry, versionFileName))
}

func TestFetch_DistinctSourcesGetDistinctEntries(t *testing.T) {
	srcA := sourceTree(t, map[string]string{"a.tf": "# a"})
	srcB := sourceTree(t, map[string]string{"b.tf": "# b"})
	unit := t.TempDir()
	c := New("", nil)

	dirA, err := c.Fetch(context.Background(), Request{Source: srcA, UnitDir: unit})
	require.NoError(t, err)
	dirB, err := c.Fetch(context.Background(), Request{Source: srcB, UnitDir: unit})
	require.NoError(t, err)

	assert.NotEqual(t, dirA, dirB)
	assert.FileExists(t, filepath.Join(dirA, "a.tf"))
	assert.FileExists(t, filepath.Join(dirB, "b.tf"))
}

func TestRootPrecedence(t *testing.T) {
	unit := t.TempDir()
	override := t.TempDir()
	configured := t.TempDir()

	root, err := New("", nil).rootFor(Request{UnitDir: unit})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(unit, DefaultDirName), root)

	root, err = New("", nil).rootFor(Request{UnitDir: unit, DownloadDir: configured})
	require.NoError(t, err)
	assert.Equal(t, configured, root)

	root, err = New(override, nil).rootFor(Request{UnitDir: unit, DownloadDir: configured})
	require.NoError(t, err)
	assert.Equal(t, override, root)
}

func TestRootFor_RelativeAndHome(t *testing.T) {
	unit := t.TempDir()

	root, err := New("", nil).rootFor(Request{UnitDir: unit, DownloadDir: "scratch"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(unit, "scratch"), root)

	root, err = New("", nil).rootFor(Request{UnitDir: unit, DownloadDir: "~/downloads"})
	require.NoError(t, err)
	assert.NotContains(t, root, "~")
	assert.True(t, filepath.IsAbs(root))
}

func TestClear(t *testing.T) {
	src := sourceTree(t, map[string]string{"main.tf": "# module"})
	unit := t.TempDir()
	c := New("", nil)

	_, err := c.Fetch(context.Background(), Request{Source: src, UnitDir: unit})
	require.NoError(t, err)

	root := filepath.Join(unit, DefaultDirName)
	require.FileExists(t, filepath.Join(root, MarkerFileName))

	require.NoError(t, c.Clear(Request{UnitDir: unit}))
	assert.NoDirExists(t, root)

	// Clearing again finds nothing and stays quiet.
	require.NoError(t, c.Clear(Request{UnitDir: unit}))
}

func TestClear_RefusesUnmarkedDirectory(t *testing.T) {
	unit := t.TempDir()
	foreign := filepath.Join(unit, DefaultDirName)
	require.NoError(t, os.MkdirAll(foreign, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(foreign, "precious.tf"), []byte("#"), 0o644))

	err := New("", nil).Clear(Request{UnitDir: unit})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
	assert.FileExists(t, filepath.Join(foreign, "precious.tf"))
}
