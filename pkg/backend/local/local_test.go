package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func newBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	be, err := New(context.Background(), backend.Config{"path": dir})
	require.NoError(t, err)
	return be.(*Backend), dir
}

func TestReadWriteDelete(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.ReadState(ctx, "app.tfstate")
	require.True(t, errors.Is(err, backend.ErrStateNotFound))

	require.NoError(t, b.WriteState(ctx, "app.tfstate", []byte(`{"version":4}`)))
	data, err := b.ReadState(ctx, "app.tfstate")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":4}`), data)

	require.NoError(t, b.DeleteState(ctx, "app.tfstate"))
	_, err = b.ReadState(ctx, "app.tfstate")
	require.True(t, errors.Is(err, backend.ErrStateNotFound))

	// Deleting again stays quiet.
	require.NoError(t, b.DeleteState(ctx, "app.tfstate"))
}

func TestWriteState_NestedKeyAndNoTempLeftovers(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteState(ctx, "envs/prod/app.tfstate", []byte(`{}`)))

	_, err := os.Stat(filepath.Join(dir, "envs", "prod", "app.tfstate"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "envs", "prod"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".terragrid-state-"),
			"temp file left behind: %s", e.Name())
	}
}

func TestWriteState_Overwrite(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteState(ctx, "app.tfstate", []byte(`{"serial":1}`)))
	require.NoError(t, b.WriteState(ctx, "app.tfstate", []byte(`{"serial":2}`)))

	data, err := b.ReadState(ctx, "app.tfstate")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"serial":2}`), data)
}

func TestVersioned_AlwaysFalse(t *testing.T) {
	b, _ := newBackend(t)
	versioned, err := b.Versioned(context.Background())
	require.NoError(t, err)
	assert.False(t, versioned)
}

func TestBootstrap_CreatesRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "state", "nested")
	be, err := New(context.Background(), backend.Config{"path": root})
	require.NoError(t, err)

	require.NoError(t, be.Bootstrap(context.Background()))
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// A second bootstrap finds the directory already there.
	require.NoError(t, be.Bootstrap(context.Background()))
}

func TestKeyEscapeRejected(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.ReadState(ctx, "../outside.tfstate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	err = b.WriteState(ctx, "../../etc/passwd", []byte("x"))
	require.Error(t, err)

	_, err = b.ReadState(ctx, "")
	require.Error(t, err)
}

func TestDefaultRootExpandsHome(t *testing.T) {
	be, err := New(context.Background(), backend.Config{})
	require.NoError(t, err)

	root := be.(*Backend).Root()
	assert.NotContains(t, root, "~")
	assert.Contains(t, filepath.ToSlash(root), ".terragrid/state")
}

func TestName(t *testing.T) {
	b, _ := newBackend(t)
	assert.Equal(t, "local", b.Name())
}
