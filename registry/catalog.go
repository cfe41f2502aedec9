// Package registry resolves logical function codes to their concrete
// implementation and decides which agent executes a task.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/flowcore/types"
)

// Resolver looks up the implementation behind a function code.
type Resolver interface {
	Resolve(ctx context.Context, functionCode string) (types.FunctionRegistryEntry, error)
	// ResolveVersion returns a specific version; 0 means the latest.
	ResolveVersion(ctx context.Context, functionCode string, version int) (types.FunctionRegistryEntry, error)
}

// Catalog is an in-memory, versioned function registry. Resolve returns the
// highest registered version.
type Catalog struct {
	entries map[string][]types.FunctionRegistryEntry
	mu      sync.RWMutex
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string][]types.FunctionRegistryEntry)}
}

// Register adds entry. A zero version is assigned the next free version.
func (c *Catalog) Register(entry types.FunctionRegistryEntry) error {
	if entry.FunctionCode == "" {
		return fmt.Errorf("%w: function_code is required", types.ErrAuthoring)
	}
	switch entry.ImplementationType {
	case types.UserTask:
	case types.ServiceTask:
		if entry.Service == nil || entry.Service.Endpoint == "" {
			return fmt.Errorf("%w: service task %s needs a service endpoint", types.ErrAuthoring, entry.FunctionCode)
		}
	case types.AIAgentTask:
		if entry.AI == nil || entry.AI.Model == "" {
			return fmt.Errorf("%w: ai agent task %s needs a model", types.ErrAuthoring, entry.FunctionCode)
		}
	default:
		return fmt.Errorf("%w: function %s has unknown implementation_type %q", types.ErrAuthoring, entry.FunctionCode, entry.ImplementationType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	versions := c.entries[entry.FunctionCode]
	if entry.Version == 0 {
		entry.Version = 1
		if n := len(versions); n > 0 {
			entry.Version = versions[n-1].Version + 1
		}
	}
	for _, v := range versions {
		if v.Version == entry.Version {
			return fmt.Errorf("%w: function %s version %d already registered", types.ErrAuthoring, entry.FunctionCode, entry.Version)
		}
	}
	versions = append(versions, entry)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	c.entries[entry.FunctionCode] = versions
	return nil
}

// Resolve returns the latest version of functionCode.
func (c *Catalog) Resolve(ctx context.Context, functionCode string) (types.FunctionRegistryEntry, error) {
	return c.ResolveVersion(ctx, functionCode, 0)
}

// ResolveVersion returns a specific version of functionCode, or the latest
// when version is 0.
func (c *Catalog) ResolveVersion(ctx context.Context, functionCode string, version int) (types.FunctionRegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return types.FunctionRegistryEntry{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.entries[functionCode]
	if len(versions) > 0 {
		if version == 0 {
			return versions[len(versions)-1], nil
		}
		for _, v := range versions {
			if v.Version == version {
				return v, nil
			}
		}
	}
	return types.FunctionRegistryEntry{}, &types.EngineError{
		Kind: types.ErrRegistryFunctionNotFound,
		Err:  fmt.Errorf("function_code %q version %d", functionCode, version),
	}
}

// Codes lists the registered function codes in sorted order.
func (c *Catalog) Codes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	codes := make([]string, 0, len(c.entries))
	for code := range c.entries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type catalogFile struct {
	Functions []types.FunctionRegistryEntry `json:"functions" yaml:"functions"`
}

// Load registers every entry of a catalog document. yamlDoc selects YAML
// decoding, otherwise the document is JSON.
func (c *Catalog) Load(data []byte, yamlDoc bool) error {
	var doc catalogFile
	var err error
	if yamlDoc {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return fmt.Errorf("failed to decode registry catalog: %w", err)
	}
	for _, e := range doc.Functions {
		e.ImplementationType = types.ImplementationType(strings.ToUpper(string(e.ImplementationType)))
		if err := c.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile registers the entries of a JSON or YAML catalog file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read registry catalog: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return c.Load(data, ext == ".yaml" || ext == ".yml")
}
