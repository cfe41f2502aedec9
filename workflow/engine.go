package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/events"
	"github.com/songzhibin97/flowcore/history"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/registry"
	"github.com/songzhibin97/flowcore/rules"
	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/storage"
	"github.com/songzhibin97/flowcore/tasks"
	"github.com/songzhibin97/flowcore/types"
)

// Engine drives workflow instances. Every mutating call is one tick: read,
// compute with the Machine, commit with a version check, then log.
type Engine struct {
	store     storage.Storage
	catalog   registry.Resolver
	outputs   *registry.OutputValidator
	generate  generator.Generator
	evaluator rules.Evaluator
	guards    definition.GuardChecker
	machine   *Machine
	context   *state.Manager
	history   *history.Logger
	bus       *events.EventBus
	ownsBus   bool
	graphs    *cache.Cache
	maxDepth  int
	cacheTTL  time.Duration
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth bounds the transitions one tick may follow.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithEvaluator replaces the guard evaluator. If it also implements
// definition.GuardChecker, it is used to compile guards at registration.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithEventBus publishes history on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithGraphCacheTTL sets how long compiled definitions stay cached.
func WithGraphCacheTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = d
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine. store defaults to a MemoryStorage and catalog
// to an empty registry.Catalog.
func NewEngine(generate generator.Generator, store storage.Storage, catalog registry.Resolver, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if catalog == nil {
		catalog = registry.NewCatalog()
	}

	e := &Engine{
		store:     store,
		catalog:   catalog,
		outputs:   registry.NewOutputValidator(),
		generate:  generate,
		evaluator: rules.NewPathEvaluator(),
		maxDepth:  DefaultMaxDepth,
		cacheTTL:  10 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if gc, ok := e.evaluator.(definition.GuardChecker); ok {
		e.guards = gc
	}
	if e.bus == nil {
		e.bus = events.NewEventBus()
		e.ownsBus = true
	}
	e.context = state.NewManager(store, state.WithClock(e.now))
	e.machine = NewMachine(rules.NewConditions(e.evaluator), e.maxDepth)
	e.history = history.NewLogger(store, history.WithBus(e.bus), history.WithClock(e.now))
	e.graphs = cache.New(e.cacheTTL, 2*e.cacheTTL)
	return e, nil
}

// Subscribe registers handler for history events of eventType.
func (e *Engine) Subscribe(eventType types.EventType, handler events.EventHandler) events.Subscription {
	return e.bus.Subscribe(eventType, handler)
}

// RegisterDefinition validates def, stamps its fingerprint and stores it.
// Registering identical content again is a no-op.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.Definition) (types.Definition, error) {
	if err := definition.Validate(def, e.guards); err != nil {
		return types.Definition{}, err
	}
	def.Fingerprint = definition.Fingerprint(def)
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.Definition{}, fmt.Errorf("failed to save definition: %w", err)
	}
	logger.Info("definition registered",
		zap.String("definition", def.ID),
		zap.Int("version", def.Version),
		zap.String("fingerprint", def.Fingerprint))
	return def, nil
}

// Definition returns a registered definition; version 0 means the latest.
func (e *Engine) Definition(ctx context.Context, ref types.Ref) (types.Definition, error) {
	return e.store.GetDefinition(ctx, ref)
}

// graph loads and compiles a definition, consulting the cache first.
func (e *Engine) graph(ctx context.Context, ref types.Ref) (*definition.Graph, error) {
	if ref.Version != 0 {
		if g, ok := e.graphs.Get(graphKey(ref)); ok {
			return g.(*definition.Graph), nil
		}
	}
	def, err := e.store.GetDefinition(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	key := graphKey(types.Ref{ID: def.ID, Version: def.Version})
	if g, ok := e.graphs.Get(key); ok {
		return g.(*definition.Graph), nil
	}
	g, err := definition.Compile(def)
	if err != nil {
		return nil, err
	}
	e.graphs.Set(key, g, cache.DefaultExpiration)
	return g, nil
}

func graphKey(ref types.Ref) string {
	return fmt.Sprintf("%s@%d", ref.ID, ref.Version)
}

// CreateInstance starts an instance of ref with initial GLOBAL context and
// the assignees of its user tasks, and runs its first tick. If that tick
// fails, the FAILED instance is persisted and returned with the error.
func (e *Engine) CreateInstance(ctx context.Context, ref types.Ref, initial map[string]interface{}, assignees map[string]string) (types.Instance, error) {
	g, err := e.graph(ctx, ref)
	if err != nil {
		return types.Instance{}, err
	}
	if err := registry.RequireAssignees(ctx, g, e.catalog, assignees); err != nil {
		return types.Instance{}, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	def := g.Definition()
	start := g.Start()
	now := e.now().UTC()
	inst := types.Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		CurrentNodeID:     start.ID,
		Status:            types.StatusRunning,
		Assignees:         copyAssignees(assignees),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tick := e.context.Fresh(id)
	defer tick.Discard()
	tick.WriteAll(types.ScopeGlobal, initial, state.Meta{NodeID: start.ID})

	st := e.machine.Advance(inst, g, tick, "")
	st, created := e.settle(ctx, &inst, tick, st, "")

	if err := e.store.Create(ctx, storage.Commit{Instance: inst, Entries: st.Deltas, Tokens: created}); err != nil {
		return types.Instance{}, fmt.Errorf("failed to create instance: %w", err)
	}

	e.log(ctx, inst.ID, types.EventInstanceCreated, start.ID, map[string]interface{}{
		"definition_id":      def.ID,
		"definition_version": def.Version,
	})
	e.record(ctx, inst, st, created)
	return inst, st.Err
}

// CompleteTask records a token's output, merges it into context under the
// node's output scope and advances the instance. Completing a completed
// token again with the same output returns the instance unchanged.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, output map[string]interface{}) (types.Instance, error) {
	tok, err := e.store.GetToken(ctx, taskID)
	if err != nil {
		return types.Instance{}, err
	}
	inst, err := e.store.GetInstance(ctx, tok.InstanceID)
	if err != nil {
		return types.Instance{}, err
	}

	switch tok.Status {
	case types.TokenCompleted:
		if sameOutput(tok.Output, output) {
			return inst, nil
		}
		return inst, &types.EngineError{Kind: types.ErrIdempotencyConflict, InstanceID: inst.ID, NodeID: tok.NodeID,
			Err: fmt.Errorf("task %s already completed with different output", tok.ID)}
	case types.TokenFailed:
		return inst, &types.EngineError{Kind: types.ErrTokenTerminal, InstanceID: inst.ID, NodeID: tok.NodeID,
			Err: fmt.Errorf("task %s already failed", tok.ID)}
	}
	if err := requireRunning(inst, tok); err != nil {
		return inst, err
	}

	g, err := e.graph(ctx, inst.Ref())
	if err != nil {
		return inst, err
	}
	node, _ := g.Node(tok.NodeID)
	entry, err := e.catalog.ResolveVersion(ctx, tok.FunctionCode, tok.FunctionVersion)
	if err != nil {
		return inst, locate(err, inst.ID, tok.NodeID)
	}
	if err := e.outputs.Validate(entry, output); err != nil {
		return inst, locate(err, inst.ID, tok.NodeID)
	}

	tick, err := e.context.Open(ctx, inst.ID, tok.ID)
	if err != nil {
		return inst, err
	}
	defer tick.Discard()

	scope := node.OutputScope
	if scope == "" {
		scope = types.ScopeGlobal
	}
	tick.WriteAll(scope, output, state.Meta{NodeID: tok.NodeID, TaskID: tok.ID})

	done, err := tasks.Complete(tok, output, e.now())
	if err != nil {
		return inst, err
	}

	expected := inst.Version
	st := e.machine.Advance(inst, g, tick, tok.NodeID)
	st, created := e.settle(ctx, &inst, tick, st, tok.ID)
	inst.Version = expected + 1

	err = e.store.Commit(ctx, storage.Commit{
		Instance:        inst,
		ExpectedVersion: expected,
		Entries:         st.Deltas,
		Tokens:          append([]types.WorkToken{done}, created...),
		TokenStatus:     map[string]types.TokenStatus{tok.ID: tok.Status},
	})
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to commit task completion: %w", err)
	}

	e.log(ctx, inst.ID, types.EventTaskCompleted, tok.NodeID, map[string]interface{}{
		"token_id": tok.ID,
		"scope":    string(scope),
		"output":   output,
	})
	e.record(ctx, inst, st, created)
	return inst, st.Err
}

// ClaimTask marks a pending token as taken by agent.
func (e *Engine) ClaimTask(ctx context.Context, taskID, agent string) (types.WorkToken, error) {
	tok, err := e.store.GetToken(ctx, taskID)
	if err != nil {
		return types.WorkToken{}, err
	}
	inst, err := e.store.GetInstance(ctx, tok.InstanceID)
	if err != nil {
		return types.WorkToken{}, err
	}
	if err := requireRunning(inst, tok); err != nil {
		return tok, err
	}

	claimed, err := tasks.Claim(tok, agent, e.now())
	if err != nil {
		return tok, err
	}
	if claimed.Status == tok.Status {
		return claimed, nil
	}
	if err := e.store.UpdateToken(ctx, claimed, tok.Status); err != nil {
		return tok, err
	}

	e.log(ctx, inst.ID, types.EventTaskClaimed, tok.NodeID, map[string]interface{}{
		"token_id": tok.ID,
		"agent":    agent,
	})
	return claimed, nil
}

// FailTask marks a token FAILED and fails its instance with reason.
func (e *Engine) FailTask(ctx context.Context, taskID, reason string) (types.Instance, error) {
	tok, err := e.store.GetToken(ctx, taskID)
	if err != nil {
		return types.Instance{}, err
	}
	inst, err := e.store.GetInstance(ctx, tok.InstanceID)
	if err != nil {
		return types.Instance{}, err
	}
	if err := requireRunning(inst, tok); err != nil {
		return inst, err
	}

	now := e.now().UTC()
	failed, err := tasks.Fail(tok, reason, now)
	if err != nil {
		return inst, err
	}

	expected := inst.Version
	inst.Status = types.StatusFailed
	inst.Error = fmt.Sprintf("task %s failed: %s", tok.ID, reason)
	inst.UpdatedAt = now
	inst.CompletedAt = &now
	inst.Version = expected + 1

	err = e.store.Commit(ctx, storage.Commit{
		Instance:        inst,
		ExpectedVersion: expected,
		Tokens:          []types.WorkToken{failed},
		TokenStatus:     map[string]types.TokenStatus{tok.ID: tok.Status},
	})
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to commit task failure: %w", err)
	}

	e.log(ctx, inst.ID, types.EventTaskFailed, tok.NodeID, map[string]interface{}{
		"token_id": tok.ID,
		"reason":   reason,
	})
	e.log(ctx, inst.ID, types.EventInstanceFailed, tok.NodeID, map[string]interface{}{
		"error": inst.Error,
	})
	return inst, nil
}

// RunTask lets an in-process action act as the agent of a token: the token
// is claimed, the action runs under the token's retry policy, and the task
// is completed with its output or failed with its error.
func (e *Engine) RunTask(ctx context.Context, taskID, agent string, action Action) (types.Instance, error) {
	tok, err := e.ClaimTask(ctx, taskID, agent)
	if err != nil {
		return types.Instance{}, err
	}
	output, err := executeWithRetry(ctx, action, tok)
	if err != nil {
		logger.Warn("task action failed",
			zap.Uint64("instance", tok.InstanceID),
			zap.String("token", tok.ID),
			zap.Error(err))
		return e.FailTask(ctx, taskID, err.Error())
	}
	return e.CompleteTask(ctx, taskID, output)
}

// InstanceStatus is an instance with its work tokens.
type InstanceStatus struct {
	Instance types.Instance    `json:"instance"`
	Tokens   []types.WorkToken `json:"tokens"`
}

// Status returns the instance and its tokens in creation order.
func (e *Engine) Status(ctx context.Context, instanceID uint64) (InstanceStatus, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	toks, err := e.store.ListTokens(ctx, instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	return InstanceStatus{Instance: inst, Tokens: toks}, nil
}

// History returns the instance's audit trail in timestamp order.
func (e *Engine) History(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.history.Export(ctx, instanceID)
}

// ReadContext returns the instance's effective shared context.
func (e *Engine) ReadContext(ctx context.Context, instanceID uint64) (map[string]interface{}, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.context.Effective(ctx, instanceID, "")
}

// ContextHistory returns every write ever made to key, oldest first.
func (e *Engine) ContextHistory(ctx context.Context, instanceID uint64, key string) ([]types.ContextEntry, error) {
	return e.context.History(ctx, instanceID, key)
}

// Stop shuts down the engine's own event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.ownsBus {
		e.bus.Stop()
	}
	return nil
}

// settle applies st to inst and materializes the token for an awaited task.
// A registry failure while doing so fails the instance. doneTask is the
// token completed by this tick, which no longer occupies its node.
func (e *Engine) settle(ctx context.Context, inst *types.Instance, tick *state.Tick, st StateTransition, doneTask string) (StateTransition, []types.WorkToken) {
	var created []types.WorkToken
	inst.CurrentNodeID = st.To

	if st.Await != nil {
		tok, isNew, err := e.materialize(ctx, *inst, *st.Await, tick, doneTask)
		switch {
		case err != nil:
			st.Await = nil
			st.Status = types.StatusFailed
			st.Err = locate(err, inst.ID, st.To)
		case isNew:
			created = append(created, tok)
		}
	}

	now := e.now().UTC()
	inst.Status = st.Status
	inst.UpdatedAt = now
	if st.Err != nil {
		inst.Error = st.Err.Error()
	}
	if st.Status != types.StatusRunning {
		inst.CompletedAt = &now
	}
	return st, created
}

func (e *Engine) materialize(ctx context.Context, inst types.Instance, node types.Node, tick *state.Tick, doneTask string) (types.WorkToken, bool, error) {
	entry, err := e.catalog.Resolve(ctx, node.FunctionCode)
	if err != nil {
		return types.WorkToken{}, false, err
	}
	assignment, err := registry.Determine(entry, node, inst)
	if err != nil {
		return types.WorkToken{}, false, err
	}
	creator := tasks.NewCreator(tickFinder{store: e.store, done: doneTask}, tasks.WithClock(e.now))
	tok, isNew, err := creator.CreateOrGet(ctx, inst, node, assignment, tick.Snapshot())
	if err == nil && isNew {
		tok.FunctionVersion = entry.Version
	}
	return tok, isNew, err
}

// tickFinder hides the token the current tick is completing, since it stops
// being active once the tick commits.
type tickFinder struct {
	store storage.Storage
	done  string
}

func (f tickFinder) ActiveToken(ctx context.Context, instanceID uint64, nodeID string) (types.WorkToken, bool, error) {
	tok, ok, err := f.store.ActiveToken(ctx, instanceID, nodeID)
	if err != nil || !ok || tok.ID != f.done {
		return tok, ok, err
	}
	return types.WorkToken{}, false, nil
}

// record writes the history of a committed tick.
func (e *Engine) record(ctx context.Context, inst types.Instance, st StateTransition, created []types.WorkToken) {
	hops := append(append([]string(nil), st.Path...), st.To)
	for i := 1; i < len(hops); i++ {
		e.log(ctx, inst.ID, types.EventNodeTransition, hops[i], map[string]interface{}{
			"from": hops[i-1],
			"to":   hops[i],
		})
	}
	for _, tok := range created {
		e.log(ctx, inst.ID, types.EventTaskCreated, tok.NodeID, map[string]interface{}{
			"token_id":      tok.ID,
			"function_code": tok.FunctionCode,
			"agent_type":    string(tok.Assignment.Type),
		})
	}

	switch st.Status {
	case types.StatusCompleted:
		e.log(ctx, inst.ID, types.EventInstanceCompleted, st.To, nil)
	case types.StatusFailed:
		payload := map[string]interface{}{"error": inst.Error}
		var ee *types.EngineError
		if errors.As(st.Err, &ee) {
			payload["kind"] = ee.Kind.Error()
			if ee.Expression != "" {
				payload["expression"] = ee.Expression
			}
			if len(ee.Path) > 0 {
				payload["path"] = ee.Path
			}
		}
		logger.Error("instance failed",
			zap.Uint64("instance", inst.ID),
			zap.String("node", st.To),
			zap.Error(st.Err))
		e.log(ctx, inst.ID, types.EventInstanceFailed, st.To, payload)
	}
}

// log appends a history entry; failures are reported by the history logger
// and never undo the committed tick.
func (e *Engine) log(ctx context.Context, instanceID uint64, eventType types.EventType, nodeID string, payload map[string]interface{}) {
	_, _ = e.history.Log(ctx, instanceID, eventType, nodeID, payload)
}

func requireRunning(inst types.Instance, tok types.WorkToken) error {
	if inst.Status != types.StatusRunning {
		return &types.EngineError{Kind: types.ErrInstanceNotRunning, InstanceID: inst.ID, NodeID: tok.NodeID,
			Err: fmt.Errorf("instance is %s", inst.Status)}
	}
	if inst.CurrentNodeID != tok.NodeID {
		return &types.EngineError{Kind: types.ErrIdempotencyConflict, InstanceID: inst.ID, NodeID: tok.NodeID,
			Err: fmt.Errorf("instance is waiting on %s, not %s", inst.CurrentNodeID, tok.NodeID)}
	}
	return nil
}

// locate fills in the instance and node of an EngineError that lacks them.
func locate(err error, instanceID uint64, nodeID string) error {
	var ee *types.EngineError
	if !errors.As(err, &ee) {
		return err
	}
	cp := *ee
	if cp.InstanceID == 0 {
		cp.InstanceID = instanceID
	}
	if cp.NodeID == "" {
		cp.NodeID = nodeID
	}
	return &cp
}

func sameOutput(a, b map[string]interface{}) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

func copyAssignees(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
