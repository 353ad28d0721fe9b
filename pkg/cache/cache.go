// Package cache materializes terraform source overrides into scratch
// directories the wrapped tool runs in.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/log"
)

const (
	// DefaultDirName is the cache directory created inside a unit when
	// nothing overrides the location.
	DefaultDirName = ".terragrid-cache"

	// MarkerFileName guards Clear against removing directories the
	// cache does not own.
	MarkerFileName = ".terragrid-cache-marker"

	// versionFileName records the source an entry was fetched from.
	// It is written only after a complete fetch, so a torn download is
	// re-fetched next time.
	versionFileName = ".terragrid-source-version"
)

// Request describes one source fetch.
type Request struct {
	// Source is the terraform source override, in go-getter syntax.
	Source string
	// UnitDir anchors relative sources and hosts the default cache dir.
	UnitDir string
	// DownloadDir is the unit's configured download_dir, if any.
	DownloadDir string
}

// Cache downloads sources through go-getter and reuses them across
// runs. Root, when set, overrides every unit's cache location.
type Cache struct {
	Root   string
	logger *zap.Logger
}

// New returns a cache. root may be empty, leaving the location to each
// unit's configuration.
func New(root string, logger *zap.Logger) *Cache {
	return &Cache{Root: root, logger: log.OrNop(logger)}
}

// Fetch materializes the requested source and returns the directory
// the tool should run in. An entry whose version marker still matches
// the source is reused without touching the network. An empty source
// means the unit runs in place.
func (c *Cache) Fetch(ctx context.Context, req Request) (string, error) {
	if req.Source == "" {
		return req.UnitDir, nil
	}
	root, err := c.rootFor(req)
	if err != nil {
		return "", err
	}
	if err := ensureRoot(root); err != nil {
		return "", err
	}

	entry := filepath.Join(root, entryID(req.Source, req.UnitDir))
	workDir := filepath.Join(entry, "src")
	versionFile := filepath.Join(entry, versionFileName)

	if data, err := os.ReadFile(versionFile); err == nil && string(data) == req.Source {
		c.logger.Debug("source cache hit",
			zap.String("source", req.Source),
			zap.String("dir", workDir))
		return workDir, nil
	}

	if err := os.RemoveAll(workDir); err != nil {
		return "", err
	}
	os.Remove(versionFile)
	if err := os.MkdirAll(entry, 0o755); err != nil {
		return "", err
	}

	c.logger.Info("fetching source",
		zap.String("source", req.Source),
		zap.String("dir", workDir))
	if err := newClient(ctx, req.Source, workDir, req.UnitDir).Get(); err != nil {
		return "", fmt.Errorf("fetching %s: %w", req.Source, err)
	}
	if err := os.WriteFile(versionFile, []byte(req.Source), 0o644); err != nil {
		return "", err
	}
	return workDir, nil
}

// Clear removes the cache root for a unit. It refuses directories that
// do not carry the cache marker, so a mistyped download_dir can never
// take a source tree with it.
func (c *Cache) Clear(req Request) error {
	root, err := c.rootFor(req)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	if _, err := os.Stat(filepath.Join(root, MarkerFileName)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("refusing to remove %s: missing %s", root, MarkerFileName)
		}
		return err
	}
	c.logger.Info("clearing source cache", zap.String("dir", root))
	return os.RemoveAll(root)
}

// rootFor resolves the cache location: the process-wide override wins,
// then the unit's download_dir, then the default inside the unit.
func (c *Cache) rootFor(req Request) (string, error) {
	root := c.Root
	if root == "" {
		root = req.DownloadDir
	}
	if root == "" {
		return filepath.Join(req.UnitDir, DefaultDirName), nil
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return "", fmt.Errorf("expanding download dir %s: %w", root, err)
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(req.UnitDir, expanded)
	}
	return expanded, nil
}

func ensureRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(root, MarkerFileName)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return os.WriteFile(marker, nil, 0o644)
	}
	return nil
}

func entryID(source, unitDir string) string {
	sum := sha256.Sum256([]byte(source + "|" + unitDir))
	return hex.EncodeToString(sum[:])[:16]
}

// newClient builds a go-getter client that copies local directories
// instead of symlinking them, so cache entries never dangle when the
// source tree moves.
func newClient(ctx context.Context, src, dst, pwd string) *getter.Client {
	getters := map[string]getter.Getter{}
	for scheme, g := range getter.Getters {
		getters[scheme] = g
	}
	getters["file"] = &getter.FileGetter{Copy: true}
	return &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeDir,
		Getters: getters,
	}
}
