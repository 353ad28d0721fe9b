package backend

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/config"
	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/log"
	"github.com/terragrid-io/terragrid/pkg/tool"
)

// Manager drives the remote-state lifecycle for units: provisioning
// stores before runs, guarded deletes, and migration between stores.
type Manager struct {
	logger *zap.Logger
	tool   tool.Tool

	mu          sync.Mutex
	provisioned map[string]bool
}

// NewManager returns a manager that uses t for cross-backend migration.
// t may be nil when migration is not needed.
func NewManager(t tool.Tool, logger *zap.Logger) *Manager {
	return &Manager{
		logger:      log.OrNop(logger),
		tool:        t,
		provisioned: map[string]bool{},
	}
}

// Open builds the backend described by a remote_state block and
// resolves the unit's state key. The caller owns the returned backend
// and must Close it.
func Open(ctx context.Context, rs *config.RemoteStateBlock) (Backend, string, error) {
	if rs == nil || rs.BackendName == "" {
		return nil, "", fmt.Errorf("unit declares no remote_state backend")
	}
	cfg, err := FlattenConfig(rs.Config)
	if err != nil {
		return nil, "", err
	}
	be, err := New(ctx, rs.BackendName, cfg)
	if err != nil {
		return nil, "", err
	}
	return be, cfg.StateKey(), nil
}

// ReadStateBlob reads the raw state object described by rs. Callers use
// it to decode outputs without running the wrapped tool.
func ReadStateBlob(ctx context.Context, rs *config.RemoteStateBlock) ([]byte, error) {
	be, key, err := Open(ctx, rs)
	if err != nil {
		return nil, err
	}
	defer be.Close()
	return be.ReadState(ctx, key)
}

// Bootstrap provisions the state store for a unit. The store is
// remembered once provisioned, so repeat calls for units sharing a
// bucket skip the provider round trips; the backends themselves also
// probe before creating, so bootstrap is idempotent either way.
func (m *Manager) Bootstrap(ctx context.Context, rs *config.RemoteStateBlock) error {
	if rs == nil || rs.BackendName == "" {
		return nil
	}
	if rs.DisableBootstrap {
		m.logger.Debug("backend bootstrap disabled", zap.String("backend", rs.BackendName))
		return nil
	}
	cfg, err := FlattenConfig(rs.Config)
	if err != nil {
		return err
	}
	id := storeIdentity(rs.BackendName, cfg)
	m.mu.Lock()
	done := m.provisioned[id]
	m.mu.Unlock()
	if done {
		return nil
	}

	be, err := New(ctx, rs.BackendName, cfg)
	if err != nil {
		return err
	}
	defer be.Close()
	if err := be.Bootstrap(ctx); err != nil {
		return tgerrors.BackendError(rs.BackendName, "bootstrap", err)
	}

	m.mu.Lock()
	m.provisioned[id] = true
	m.mu.Unlock()
	m.logger.Info("backend ready",
		zap.String("backend", rs.BackendName),
		zap.String("store", id))
	return nil
}

// Delete removes a unit's state object. Unversioned stores refuse the
// delete unless force is set, since the blob would be unrecoverable.
func (m *Manager) Delete(ctx context.Context, rs *config.RemoteStateBlock, force bool) error {
	be, key, err := Open(ctx, rs)
	if err != nil {
		return err
	}
	defer be.Close()

	if !force {
		versioned, err := be.Versioned(ctx)
		if err != nil {
			return tgerrors.BackendError(be.Name(), "delete", err)
		}
		if !versioned {
			return tgerrors.BackendPreconditionError(be.Name(),
				"store is not versioned, deleted state would be unrecoverable (use --force to override)")
		}
	}
	if err := be.DeleteState(ctx, key); err != nil {
		return tgerrors.BackendError(be.Name(), "delete", err)
	}
	m.logger.Info("deleted state",
		zap.String("backend", be.Name()),
		zap.String("key", key))
	return nil
}

// Migrate moves a unit's state between stores. Stores of the same kind
// are migrated directly: read, write, verify, then delete the source.
// Across kinds the wrapped tool performs the copy and the source object
// is left in place for the operator to remove.
func (m *Manager) Migrate(ctx context.Context, src, dst *config.RemoteStateBlock, workDir string, env map[string]string) error {
	if src == nil || dst == nil {
		return fmt.Errorf("migrate requires source and destination remote_state")
	}
	if src.BackendName == dst.BackendName {
		return m.migrateDirect(ctx, src, dst)
	}
	return m.migrateWithTool(ctx, dst, workDir, env)
}

func (m *Manager) migrateDirect(ctx context.Context, src, dst *config.RemoteStateBlock) error {
	srcBe, srcKey, err := Open(ctx, src)
	if err != nil {
		return err
	}
	defer srcBe.Close()
	dstBe, dstKey, err := Open(ctx, dst)
	if err != nil {
		return err
	}
	defer dstBe.Close()

	srcCfg, _ := FlattenConfig(src.Config)
	dstCfg, _ := FlattenConfig(dst.Config)
	if storeIdentity(src.BackendName, srcCfg) == storeIdentity(dst.BackendName, dstCfg) && srcKey == dstKey {
		m.logger.Info("source and destination are the same state location, nothing to migrate")
		return nil
	}

	if err := m.Bootstrap(ctx, dst); err != nil {
		return err
	}

	data, err := srcBe.ReadState(ctx, srcKey)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return tgerrors.BackendError(srcBe.Name(), "migrate",
				fmt.Errorf("source has no state at %s", srcKey))
		}
		return tgerrors.BackendError(srcBe.Name(), "migrate", err)
	}
	if err := dstBe.WriteState(ctx, dstKey, data); err != nil {
		return tgerrors.BackendError(dstBe.Name(), "migrate", err)
	}
	written, err := dstBe.ReadState(ctx, dstKey)
	if err != nil {
		return tgerrors.BackendError(dstBe.Name(), "migrate", err)
	}
	if sha256.Sum256(written) != sha256.Sum256(data) {
		return tgerrors.BackendError(dstBe.Name(), "migrate",
			fmt.Errorf("written state does not match source, leaving source in place"))
	}
	if err := srcBe.DeleteState(ctx, srcKey); err != nil {
		return tgerrors.BackendError(srcBe.Name(), "migrate", err)
	}
	m.logger.Info("migrated state",
		zap.String("from", srcBe.Name()+":"+srcKey),
		zap.String("to", dstBe.Name()+":"+dstKey))
	return nil
}

func (m *Manager) migrateWithTool(ctx context.Context, dst *config.RemoteStateBlock, workDir string, env map[string]string) error {
	if m.tool == nil {
		return fmt.Errorf("migrating between backend kinds requires the wrapped tool")
	}
	if err := m.Bootstrap(ctx, dst); err != nil {
		return err
	}
	if err := m.tool.MigrateState(ctx, workDir, env); err != nil {
		return tgerrors.BackendError(dst.BackendName, "migrate", err)
	}
	m.logger.Warn("state copied by the wrapped tool, the source object was not deleted",
		zap.String("backend", dst.BackendName),
		zap.String("dir", workDir))
	return nil
}

// storeIdentity names the store a config points at, ignoring the
// object key, so bootstrap dedup works per bucket rather than per unit.
func storeIdentity(name string, cfg Config) string {
	parts := []string{name}
	for _, k := range []string{"bucket", "region", "storage_account_name", "container_name", "path"} {
		if v := cfg[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "/")
}
