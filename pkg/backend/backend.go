// Package backend manages the remote state stores terragrid provisions,
// reads, and migrates on behalf of the wrapped tool. Implementations
// register themselves from init, so consumers blank-import the backends
// they want available.
package backend

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ErrStateNotFound is returned by ReadState when no state object exists
// at the requested key.
var ErrStateNotFound = errors.New("state not found")

// DefaultStateKey is the object key used when the config names none.
const DefaultStateKey = "terraform.tfstate"

// Config holds the backend-specific settings of a remote_state block,
// flattened to strings the same way the wrapped tool receives them.
type Config map[string]string

// GetDefault returns the value for key, or fallback when unset.
func (c Config) GetDefault(key, fallback string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Bool reports whether key is set to a true value.
func (c Config) Bool(key string) bool {
	return c[key] == "true" || c[key] == "1"
}

// StateKey resolves the object key a unit's state is stored under.
// Backends that namespace by prefix store the default workspace object
// beneath it, matching the wrapped tool's layout.
func (c Config) StateKey() string {
	if k := c["key"]; k != "" {
		return k
	}
	if p := c["prefix"]; p != "" {
		return path.Join(p, "default.tfstate")
	}
	return DefaultStateKey
}

// Backend stores and retrieves state blobs. Implementations are scoped
// to one bucket, container, or directory; the object key is passed per
// operation so a single backend serves every unit beneath it.
type Backend interface {
	// Name identifies the backend kind (s3, gcs, azurerm, local).
	Name() string

	// Bootstrap provisions the storage the backend needs. Every step
	// checks for the resource before creating it, so running Bootstrap
	// against provisioned storage changes nothing.
	Bootstrap(ctx context.Context) error

	// Versioned reports whether the store keeps object versions.
	Versioned(ctx context.Context) (bool, error)

	// ReadState returns the raw state blob at key, or ErrStateNotFound.
	ReadState(ctx context.Context, key string) ([]byte, error)

	// WriteState stores data at key.
	WriteState(ctx context.Context, key string, data []byte) error

	// DeleteState removes the object at key. Deleting a missing object
	// is not an error.
	DeleteState(ctx context.Context, key string) error

	// Close releases any connections held by the backend.
	Close() error
}

// Factory creates a backend from its flattened configuration.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register makes a backend implementation available under name.
// Implementations call Register from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// New constructs the backend registered under name.
func New(ctx context.Context, name string, cfg Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return factory(ctx, cfg)
}

// List returns the registered backend names in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlattenConfig converts the remote_state config object into string
// settings. Strings pass through bare, bools and numbers use their
// canonical text form, and structured values are JSON encoded.
func FlattenConfig(v cty.Value) (Config, error) {
	cfg := Config{}
	if v == cty.NilVal || v.IsNull() {
		return cfg, nil
	}
	t := v.Type()
	if !t.IsObjectType() && !t.IsMapType() {
		return nil, fmt.Errorf("remote_state config must be an object, got %s", t.FriendlyName())
	}
	for name, av := range v.AsValueMap() {
		if av.IsNull() {
			continue
		}
		switch av.Type() {
		case cty.String:
			cfg[name] = av.AsString()
		case cty.Bool:
			if av.True() {
				cfg[name] = "true"
			} else {
				cfg[name] = "false"
			}
		case cty.Number:
			cfg[name] = av.AsBigFloat().Text('f', -1)
		default:
			raw, err := ctyjson.Marshal(av, av.Type())
			if err != nil {
				return nil, fmt.Errorf("encoding remote_state config %q: %w", name, err)
			}
			cfg[name] = string(raw)
		}
	}
	return cfg, nil
}
