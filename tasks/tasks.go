// Package tasks materializes work tokens and moves them through their
// lifecycle. Functions here return updated copies; persisting them is the
// caller's job.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/types"
)

// Finder looks up the active token of a node.
type Finder interface {
	ActiveToken(ctx context.Context, instanceID uint64, nodeID string) (types.WorkToken, bool, error)
}

// Creator creates work tokens idempotently.
type Creator struct {
	finder Finder
	newID  func() string
	now    func() time.Time
}

// CreatorOption configures a Creator.
type CreatorOption func(*Creator)

// WithClock stamps new tokens with now instead of the wall clock.
func WithClock(now func() time.Time) CreatorOption {
	return func(c *Creator) {
		c.now = now
	}
}

// NewCreator creates a Creator that consults finder for existing tokens.
func NewCreator(finder Finder, opts ...CreatorOption) *Creator {
	c := &Creator{
		finder: finder,
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrGet returns the active token for (inst, node) if one exists,
// otherwise a new PENDING token with a frozen copy of snapshot. created
// reports which happened.
func (c *Creator) CreateOrGet(ctx context.Context, inst types.Instance, node types.Node, assignment types.AgentAssignment, snapshot map[string]interface{}) (types.WorkToken, bool, error) {
	existing, ok, err := c.finder.ActiveToken(ctx, inst.ID, node.ID)
	if err != nil {
		return types.WorkToken{}, false, fmt.Errorf("failed to look up active token: %w", err)
	}
	if ok {
		return existing, false, nil
	}

	now := c.now().UTC()
	input, _ := state.Clone(snapshot).(map[string]interface{})
	if input == nil {
		input = make(map[string]interface{})
	}
	return types.WorkToken{
		ID:           c.newID(),
		InstanceID:   inst.ID,
		NodeID:       node.ID,
		FunctionCode: node.FunctionCode,
		Assignment:   assignment,
		Status:       types.TokenPending,
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true, nil
}

// Claim moves a PENDING token to RUNNING for agent. Claiming a token the same
// agent already holds is a no-op.
func Claim(tok types.WorkToken, agent string, now time.Time) (types.WorkToken, error) {
	switch tok.Status {
	case types.TokenPending:
		tok.Status = types.TokenRunning
		tok.ClaimedBy = agent
		tok.UpdatedAt = now.UTC()
		return tok, nil
	case types.TokenRunning:
		if tok.ClaimedBy == agent {
			return tok, nil
		}
		return tok, &types.EngineError{Kind: types.ErrIdempotencyConflict, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
			Err: fmt.Errorf("token %s already claimed by %s", tok.ID, tok.ClaimedBy)}
	}
	return tok, terminal(tok)
}

// Complete moves an active token to COMPLETED with output.
func Complete(tok types.WorkToken, output map[string]interface{}, now time.Time) (types.WorkToken, error) {
	if tok.Status.Terminal() {
		return tok, terminal(tok)
	}
	at := now.UTC()
	tok.Status = types.TokenCompleted
	tok.Output, _ = state.Clone(output).(map[string]interface{})
	tok.UpdatedAt = at
	tok.CompletedAt = &at
	return tok, nil
}

// Fail moves an active token to FAILED with reason.
func Fail(tok types.WorkToken, reason string, now time.Time) (types.WorkToken, error) {
	if tok.Status.Terminal() {
		return tok, terminal(tok)
	}
	at := now.UTC()
	tok.Status = types.TokenFailed
	tok.Error = reason
	tok.UpdatedAt = at
	tok.CompletedAt = &at
	return tok, nil
}

func terminal(tok types.WorkToken) error {
	return &types.EngineError{Kind: types.ErrTokenTerminal, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
		Err: fmt.Errorf("token %s is %s", tok.ID, tok.Status)}
}
