package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/types"
)

type nodeKey struct {
	instanceID uint64
	nodeID     string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[string]map[int]types.Definition
	instances   map[uint64]types.Instance
	tokens      map[string]types.WorkToken
	tokenOrder  map[uint64][]string
	active      map[nodeKey]string
	entries     map[uint64][]types.ContextEntry
	history     map[uint64][]types.HistoryEntry
	mu          sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]map[int]types.Definition),
		instances:   make(map[uint64]types.Instance),
		tokens:      make(map[string]types.WorkToken),
		tokenOrder:  make(map[uint64][]string),
		active:      make(map[nodeKey]string),
		entries:     make(map[uint64][]types.ContextEntry),
		history:     make(map[uint64][]types.HistoryEntry),
	}
}

// getItem looks up id and returns a copy made by clone, so callers never
// share maps with the store.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, what string, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %s %v", types.ErrNotFound, what, id)
		}
		return clone(item), nil
	})
}

// SaveDefinition saves a definition version to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		versions, ok := s.definitions[def.ID]
		if !ok {
			versions = make(map[int]types.Definition)
			s.definitions[def.ID] = versions
		}
		if prev, ok := versions[def.Version]; ok {
			if prev.Fingerprint != def.Fingerprint {
				return definitionConflict(def)
			}
			return nil
		}
		versions[def.Version] = def
		return nil
	})
}

// SaveDefinitions saves multiple definitions, stopping at the first conflict.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, defs []types.Definition) error {
	for _, def := range defs {
		if err := s.SaveDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, ref types.Ref) (types.Definition, error) {
	return withContext(ctx, func() (types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		versions := s.definitions[ref.ID]
		version := ref.Version
		if version == 0 {
			for v := range versions {
				if v > version {
					version = v
				}
			}
		}
		def, ok := versions[version]
		if !ok {
			return types.Definition{}, fmt.Errorf("%w: definition %s version %d", types.ErrNotFound, ref.ID, ref.Version)
		}
		return def, nil
	})
}

// Create persists a new instance.
func (s *MemoryStorage) Create(ctx context.Context, c Commit) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if prev, ok := s.instances[c.Instance.ID]; ok {
			return versionConflict(c.Instance.ID, 0, prev.Version)
		}
		return s.apply(c)
	})
}

// Commit applies one tick if the stored version is still c.ExpectedVersion.
func (s *MemoryStorage) Commit(ctx context.Context, c Commit) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		prev, ok := s.instances[c.Instance.ID]
		if !ok {
			return fmt.Errorf("%w: instance %d", types.ErrNotFound, c.Instance.ID)
		}
		if prev.Version != c.ExpectedVersion {
			return versionConflict(c.Instance.ID, c.ExpectedVersion, prev.Version)
		}
		return s.apply(c)
	})
}

// apply validates and writes c; the caller holds the write lock.
func (s *MemoryStorage) apply(c Commit) error {
	id := c.Instance.ID
	sl := &slots{
		load: func(nodeID string) (string, error) { return s.active[nodeKey{id, nodeID}], nil },
		m:    make(map[string]string),
	}
	for _, tok := range c.Tokens {
		prev, ok := s.tokens[tok.ID]
		if ok && prev.Status.Terminal() {
			return terminalToken(tok, prev.Status)
		}
		if want, listed := c.TokenStatus[tok.ID]; listed && (!ok || prev.Status != want) {
			return tokenMoved(tok, want, prev.Status)
		}
		if err := sl.apply(tok); err != nil {
			return err
		}
	}

	s.instances[id] = cloneInstance(c.Instance)
	for _, e := range c.Entries {
		e.Value = state.Clone(e.Value)
		s.entries[id] = append(s.entries[id], e)
	}
	for _, tok := range c.Tokens {
		if _, ok := s.tokens[tok.ID]; !ok {
			s.tokenOrder[id] = append(s.tokenOrder[id], tok.ID)
		}
		s.tokens[tok.ID] = cloneToken(tok)
	}
	for nodeID, tokID := range sl.m {
		if tokID == "" {
			delete(s.active, nodeKey{id, nodeID})
		} else {
			s.active[nodeKey{id, nodeID}] = tokID
		}
	}
	return nil
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getItem(ctx, &s.mu, s.instances, id, "instance", cloneInstance)
}

// GetToken retrieves a token from memory.
func (s *MemoryStorage) GetToken(ctx context.Context, id string) (types.WorkToken, error) {
	return getItem(ctx, &s.mu, s.tokens, id, "token", cloneToken)
}

// ListTokens returns an instance's tokens in creation order.
func (s *MemoryStorage) ListTokens(ctx context.Context, instanceID uint64) ([]types.WorkToken, error) {
	return withContext(ctx, func() ([]types.WorkToken, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := s.tokenOrder[instanceID]
		out := make([]types.WorkToken, 0, len(ids))
		for _, id := range ids {
			out = append(out, cloneToken(s.tokens[id]))
		}
		return out, nil
	})
}

// ActiveToken returns the non-terminal token of a node.
func (s *MemoryStorage) ActiveToken(ctx context.Context, instanceID uint64, nodeID string) (types.WorkToken, bool, error) {
	type result struct {
		tok types.WorkToken
		ok  bool
	}
	r, err := withContext(ctx, func() (result, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.active[nodeKey{instanceID, nodeID}]
		if !ok {
			return result{}, nil
		}
		return result{tok: cloneToken(s.tokens[id]), ok: true}, nil
	})
	return r.tok, r.ok, err
}

// UpdateToken replaces a token whose stored status is still expected.
func (s *MemoryStorage) UpdateToken(ctx context.Context, tok types.WorkToken, expected types.TokenStatus) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		prev, ok := s.tokens[tok.ID]
		if !ok {
			return fmt.Errorf("%w: token %s", types.ErrNotFound, tok.ID)
		}
		if prev.Status.Terminal() {
			return terminalToken(tok, prev.Status)
		}
		if prev.Status != expected {
			return tokenMoved(tok, expected, prev.Status)
		}
		s.tokens[tok.ID] = cloneToken(tok)
		if !tok.Active() {
			delete(s.active, nodeKey{tok.InstanceID, tok.NodeID})
		}
		return nil
	})
}

// ListEntries returns an instance's context log.
func (s *MemoryStorage) ListEntries(ctx context.Context, instanceID uint64) ([]types.ContextEntry, error) {
	return withContext(ctx, func() ([]types.ContextEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.entries[instanceID]
		out := make([]types.ContextEntry, len(stored))
		for i, e := range stored {
			e.Value = state.Clone(e.Value)
			out[i] = e
		}
		return out, nil
	})
}

// AppendHistory appends an audit entry.
func (s *MemoryStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history[entry.InstanceID] = append(s.history[entry.InstanceID], cloneHistory(entry))
		return nil
	})
}

// ListHistory returns an instance's audit entries.
func (s *MemoryStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.history[instanceID]
		out := make([]types.HistoryEntry, len(stored))
		for i, h := range stored {
			out[i] = cloneHistory(h)
		}
		return out, nil
	})
}

func cloneToken(tok types.WorkToken) types.WorkToken {
	tok.Input = cloneMap(tok.Input)
	tok.Output = cloneMap(tok.Output)
	tok.CompletedAt = cloneTime(tok.CompletedAt)
	if u := tok.Assignment.User; u != nil {
		cp := *u
		cp.UISchema = cloneMap(u.UISchema)
		tok.Assignment.User = &cp
	}
	if sv := tok.Assignment.Service; sv != nil {
		cp := *sv
		tok.Assignment.Service = &cp
	}
	if ai := tok.Assignment.AI; ai != nil {
		cp := *ai
		tok.Assignment.AI = &cp
	}
	return tok
}

func cloneInstance(inst types.Instance) types.Instance {
	inst.Assignees = cloneStrings(inst.Assignees)
	inst.CompletedAt = cloneTime(inst.CompletedAt)
	return inst
}

func cloneHistory(h types.HistoryEntry) types.HistoryEntry {
	h.Payload = cloneMap(h.Payload)
	return h
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, _ := state.Clone(m).(map[string]interface{})
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
