// Package outputs fetches dependency outputs for configuration
// evaluation and caches them for the lifetime of a run. Concurrent
// consumers of the same dependency share a single fetch.
package outputs

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terragrid-io/terragrid/pkg/backend"
	"github.com/terragrid-io/terragrid/pkg/config"
	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/log"
	"github.com/terragrid-io/terragrid/pkg/tool"
	"github.com/terragrid-io/terragrid/pkg/tool/opentofu"
)

// Request describes one dependency whose outputs are needed.
type Request struct {
	// UnitDir is the dependency's directory, where the tool would run.
	UnitDir string
	// Block is the dependency declaration on the consuming unit. It
	// carries the mock outputs and their merge strategy. May be nil for
	// ordering-only dependencies promoted to output reads.
	Block *config.DependencyBlock
	// RemoteState is the dependency's own remote_state block, used for
	// the direct backend read.
	RemoteState *config.RemoteStateBlock
	// Env is the environment for tool invocations in the unit dir.
	Env map[string]string
}

type entry struct {
	outputs   cty.Value
	fetchedAt time.Time
}

// Cache fetches and memoizes dependency outputs per unit and command.
type Cache struct {
	tool   tool.Tool
	logger *zap.Logger

	// FetchFromState reads outputs straight from the remote state blob
	// when the dependency's state location is self-contained. Any
	// failure falls back to running the tool. Off by default.
	FetchFromState bool

	group singleflight.Group
	mu    sync.RWMutex
	byKey map[string]*entry
}

// NewCache returns an empty cache that fetches through t.
func NewCache(t tool.Tool, logger *zap.Logger) *Cache {
	return &Cache{
		tool:   t,
		logger: log.OrNop(logger),
		byKey:  map[string]*entry{},
	}
}

// GetOutputs returns the dependency's outputs for evaluation under
// command. When the dependency has no applied state, declared mock
// outputs stand in if the command permits them; partial real state is
// combined with mocks per the block's merge strategy.
func (c *Cache) GetOutputs(ctx context.Context, req Request, command string) (cty.Value, error) {
	dep := req.Block
	if dep != nil && dep.SkipOutputs {
		if dep.MocksAllowedFor(command) {
			return dep.MockOutputs, nil
		}
		return cty.EmptyObjectVal, nil
	}

	mocksAllowed := dep != nil && dep.MocksAllowedFor(command)

	real, err := c.fetch(ctx, req, command)
	if err != nil {
		if mocksAllowed {
			c.logger.Debug("dependency outputs unavailable, substituting mocks",
				zap.String("dependency", c.dependencyName(req)),
				zap.String("command", command),
				zap.Error(err))
			return dep.MockOutputs, nil
		}
		return cty.NilVal, err
	}

	if isEmpty(real) {
		if mocksAllowed {
			return dep.MockOutputs, nil
		}
		return cty.NilVal, tgerrors.MissingDependencyOutputError(c.dependencyName(req), command)
	}
	if !mocksAllowed {
		return real, nil
	}

	switch dep.MockOutputsMergeStrategy {
	case config.MockShallow:
		return mergeShallow(dep.MockOutputs, real), nil
	case config.MockDeepMapOnly:
		return mergeDeepMapOnly(dep.MockOutputs, real), nil
	default:
		// no_merge: real state is present, mocks stay out of it.
		return real, nil
	}
}

// Invalidate drops cached outputs for a unit, typically after the unit
// has been applied and its outputs may have changed.
func (c *Cache) Invalidate(unitDir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byKey {
		if strings.HasPrefix(key, unitDir+"\x00") {
			delete(c.byKey, key)
		}
	}
}

// fetch returns the dependency's real outputs, memoized per unit dir
// and command. Concurrent callers for the same key share one fetch.
func (c *Cache) fetch(ctx context.Context, req Request, command string) (cty.Value, error) {
	key := req.UnitDir + "\x00" + command

	c.mu.RLock()
	e, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return e.outputs, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		e, ok := c.byKey[key]
		c.mu.RUnlock()
		if ok {
			return e.outputs, nil
		}

		outputs, err := c.fetchUncached(ctx, req)
		if err != nil {
			return cty.NilVal, err
		}
		c.mu.Lock()
		c.byKey[key] = &entry{outputs: outputs, fetchedAt: time.Now()}
		c.mu.Unlock()
		return outputs, nil
	})
	if err != nil {
		return cty.NilVal, err
	}
	return v.(cty.Value), nil
}

func (c *Cache) fetchUncached(ctx context.Context, req Request) (cty.Value, error) {
	if c.FetchFromState && req.RemoteState != nil && !req.RemoteState.ConfigRefsDependencies {
		outputs, err := c.fetchFromState(ctx, req)
		if err == nil {
			return outputs, nil
		}
		c.logger.Debug("direct state read failed, falling back to the tool",
			zap.String("unit", req.UnitDir),
			zap.Error(err))
	}
	return c.tool.OutputJSON(ctx, req.UnitDir, req.Env)
}

// fetchFromState reads the raw state blob from the dependency's backend
// and decodes its outputs section without running the tool.
func (c *Cache) fetchFromState(ctx context.Context, req Request) (cty.Value, error) {
	blob, err := backend.ReadStateBlob(ctx, req.RemoteState)
	if err != nil {
		return cty.NilVal, err
	}
	return opentofu.DecodeStateOutputs(blob)
}

func (c *Cache) dependencyName(req Request) string {
	if req.Block != nil && req.Block.Name != "" {
		return req.Block.Name
	}
	return filepath.Base(req.UnitDir)
}

func isEmpty(v cty.Value) bool {
	if v == cty.NilVal || v.IsNull() || !v.IsKnown() {
		return true
	}
	t := v.Type()
	if t.IsObjectType() {
		return len(t.AttributeTypes()) == 0
	}
	if t.IsMapType() {
		return v.LengthInt() == 0
	}
	return false
}

func isMapping(v cty.Value) bool {
	if v == cty.NilVal || v.IsNull() || !v.IsKnown() {
		return false
	}
	t := v.Type()
	return t.IsObjectType() || t.IsMapType()
}

func valueMap(v cty.Value) map[string]cty.Value {
	out := map[string]cty.Value{}
	if !isMapping(v) {
		return out
	}
	if v.LengthInt() == 0 {
		return out
	}
	for k, val := range v.AsValueMap() {
		out[k] = val
	}
	return out
}

// mergeShallow lays real keys over mocks, one level deep.
func mergeShallow(mocks, real cty.Value) cty.Value {
	out := valueMap(mocks)
	for k, v := range valueMap(real) {
		out[k] = v
	}
	if len(out) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(out)
}

// mergeDeepMapOnly merges maps recursively with real winning. Lists and
// scalars are replaced wholesale, never combined.
func mergeDeepMapOnly(mocks, real cty.Value) cty.Value {
	if !isMapping(mocks) || !isMapping(real) {
		return real
	}
	out := valueMap(mocks)
	for k, rv := range valueMap(real) {
		if mv, ok := out[k]; ok && isMapping(mv) && isMapping(rv) {
			out[k] = mergeDeepMapOnly(mv, rv)
		} else {
			out[k] = rv
		}
	}
	if len(out) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(out)
}
