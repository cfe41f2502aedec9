package storage

import (
	"context"
	"fmt"

	"github.com/songzhibin97/flowcore/types"
)

// Storage defines the interface for persisting definitions, instances and
// everything that hangs off an instance.
type Storage interface {
	// SaveDefinition stores an immutable definition version. Saving the same
	// (id, version) again is accepted only if the fingerprint matches.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition; version 0 means the latest.
	GetDefinition(ctx context.Context, ref types.Ref) (types.Definition, error)

	// Create persists a new instance with its initial entries and tokens.
	Create(ctx context.Context, c Commit) error

	// Commit atomically applies one tick, compare-and-swapping the instance
	// version against c.ExpectedVersion.
	Commit(ctx context.Context, c Commit) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// GetToken retrieves a work token by ID.
	GetToken(ctx context.Context, id string) (types.WorkToken, error)

	// ListTokens returns an instance's tokens in creation order.
	ListTokens(ctx context.Context, instanceID uint64) ([]types.WorkToken, error)

	// ActiveToken returns the non-terminal token of a node, if any.
	ActiveToken(ctx context.Context, instanceID uint64, nodeID string) (types.WorkToken, bool, error)

	// UpdateToken replaces an active token if its stored status is still expected.
	UpdateToken(ctx context.Context, tok types.WorkToken, expected types.TokenStatus) error

	// ListEntries returns an instance's persisted context log in write order.
	ListEntries(ctx context.Context, instanceID uint64) ([]types.ContextEntry, error)

	// AppendHistory appends one audit entry.
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error

	// ListHistory returns an instance's audit entries in append order.
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)
}

// Commit is everything one tick writes. Instance.Version must already be
// the new version; ExpectedVersion is the version the tick read.
// TokenStatus holds, per token id, the status the tick read; the commit fails
// if a listed token has moved since.
type Commit struct {
	Instance        types.Instance
	ExpectedVersion int64
	Entries         []types.ContextEntry
	Tokens          []types.WorkToken
	TokenStatus     map[string]types.TokenStatus
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func versionConflict(id uint64, expected, got int64) error {
	return &types.EngineError{Kind: types.ErrVersionConflict, InstanceID: id,
		Err: fmt.Errorf("expected version %d, stored %d", expected, got)}
}

func duplicateToken(tok types.WorkToken, existing string) error {
	return &types.EngineError{Kind: types.ErrDuplicateToken, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
		Err: fmt.Errorf("token %s is already active", existing)}
}

func tokenMoved(tok types.WorkToken, expected, got types.TokenStatus) error {
	return &types.EngineError{Kind: types.ErrIdempotencyConflict, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
		Err: fmt.Errorf("token %s is %s, expected %s", tok.ID, got, expected)}
}

func terminalToken(tok types.WorkToken, status types.TokenStatus) error {
	return &types.EngineError{Kind: types.ErrTokenTerminal, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
		Err: fmt.Errorf("token %s is %s", tok.ID, status)}
}

func definitionConflict(def types.Definition) error {
	return &types.EngineError{Kind: types.ErrAuthoring,
		Err: fmt.Errorf("definition %s version %d is already registered with different content", def.ID, def.Version)}
}

// slots tracks the active-token slot of each (instance, node) while a
// commit's tokens are applied in order.
type slots struct {
	load func(nodeID string) (string, error)
	m    map[string]string
}

func (s *slots) apply(tok types.WorkToken) error {
	cur, ok := s.m[tok.NodeID]
	if !ok {
		var err error
		if cur, err = s.load(tok.NodeID); err != nil {
			return err
		}
	}
	if tok.Active() {
		if cur != "" && cur != tok.ID {
			return duplicateToken(tok, cur)
		}
		s.m[tok.NodeID] = tok.ID
		return nil
	}
	if cur == tok.ID {
		cur = ""
	}
	s.m[tok.NodeID] = cur
	return nil
}
