// Package local stores state on the local filesystem. It exists for
// development and tests. The store keeps no object history, so guarded
// deletes always refuse it unless forced.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func init() {
	backend.Register("local", New)
}

// DefaultRoot is the state directory used when the config names none.
const DefaultRoot = "~/.terragrid/state"

// Backend stores state files beneath one root directory.
type Backend struct {
	root string
}

// New creates a local backend rooted at the configured path.
func New(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	root := cfg.GetDefault("path", DefaultRoot)
	expanded, err := homedir.Expand(root)
	if err != nil {
		return nil, fmt.Errorf("expanding state path %s: %w", root, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, err
	}
	return &Backend{root: abs}, nil
}

func (b *Backend) Name() string { return "local" }

// Root returns the directory state files are stored beneath.
func (b *Backend) Root() string { return b.root }

// Bootstrap creates the root directory.
func (b *Backend) Bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", b.root, err)
	}
	return nil
}

// Versioned always reports false: deleted files are unrecoverable.
func (b *Backend) Versioned(ctx context.Context) (bool, error) {
	return false, nil
}

func (b *Backend) ReadState(ctx context.Context, key string) ([]byte, error) {
	p, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrStateNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// WriteState writes through a temp file and renames it into place so a
// crash never leaves a torn state file behind.
func (b *Backend) WriteState(ctx context.Context, key string, data []byte) error {
	p, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".terragrid-state-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func (b *Backend) DeleteState(ctx context.Context, key string) error {
	p, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

// keyPath joins key beneath the root, rejecting escapes.
func (b *Backend) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("state key must not be empty")
	}
	p := filepath.Join(b.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("state key %q escapes the backend root", key)
	}
	return p, nil
}

var _ backend.Backend = (*Backend)(nil)
