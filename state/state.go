// Package state is the context manager: an append-only, scoped key/value log
// per workflow instance.
//
// Reads merge the log latest-entry-per-key within each scope and then apply
// scope precedence NODE_LOCAL > TASK_LOCAL > GLOBAL. TASK_LOCAL entries are
// only visible to the tick opened for the task that wrote them. NODE_LOCAL
// entries never leave the Tick that wrote them.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/flowcore/types"
)

// Store is the persisted side of the context log.
type Store interface {
	ListEntries(ctx context.Context, instanceID uint64) ([]types.ContextEntry, error)
}

// Meta locates a write.
type Meta struct {
	NodeID string
	TaskID string
}

// Manager reads the persisted log and opens ticks over it.
type Manager struct {
	store Store
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock stamps written entries with now instead of the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager reading from store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open loads instanceID's log and starts a tick. taskID selects which
// TASK_LOCAL entries are visible; empty means none.
func (m *Manager) Open(ctx context.Context, instanceID uint64, taskID string) (*Tick, error) {
	entries, err := m.store.ListEntries(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load context of instance %d: %w", instanceID, err)
	}
	return newTick(instanceID, taskID, entries, m.now), nil
}

// Fresh starts a tick for an instance that has no persisted entries yet.
func (m *Manager) Fresh(instanceID uint64) *Tick {
	return newTick(instanceID, "", nil, m.now)
}

// Effective returns the merged context of instanceID as seen by taskID.
func (m *Manager) Effective(ctx context.Context, instanceID uint64, taskID string) (map[string]interface{}, error) {
	entries, err := m.store.ListEntries(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return Merge(entries, taskID), nil
}

// History returns every entry ever written for key, oldest first.
func (m *Manager) History(ctx context.Context, instanceID uint64, key string) ([]types.ContextEntry, error) {
	entries, err := m.store.ListEntries(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var out []types.ContextEntry
	for _, e := range entries {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out, nil
}

// Merge folds entries (in write order) into the effective map for taskID.
func Merge(entries []types.ContextEntry, taskID string) map[string]interface{} {
	global := make(map[string]interface{})
	taskLocal := make(map[string]interface{})
	nodeLocal := make(map[string]interface{})
	for _, e := range entries {
		switch e.Scope {
		case types.ScopeGlobal:
			global[e.Key] = e.Value
		case types.ScopeTaskLocal:
			if taskID != "" && e.TaskID == taskID {
				taskLocal[e.Key] = e.Value
			}
		case types.ScopeNodeLocal:
			nodeLocal[e.Key] = e.Value
		}
	}
	for k, v := range taskLocal {
		global[k] = v
	}
	for k, v := range nodeLocal {
		global[k] = v
	}
	return global
}
