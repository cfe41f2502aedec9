package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/rules"
	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/storage"
	"github.com/songzhibin97/flowcore/types"
)

// approvalDefinition is Start -> task_a -> gw(amount > 100 -> task_b, else -> end); task_b -> end.
func approvalDefinition() types.Definition {
	return types.Definition{
		ID:      "approval",
		Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "task_a", Type: types.NodeTask, FunctionCode: "review_request"},
			{ID: "gw", Type: types.NodeGateway},
			{ID: "task_b", Type: types.NodeTask, FunctionCode: "review_request"},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{From: "start", To: "task_a"},
			{From: "task_a", To: "gw"},
			{From: "gw", To: "task_b", Condition: "$.amount > 100"},
			{From: "gw", To: "end"},
			{From: "task_b", To: "end"},
		},
	}
}

func compile(t *testing.T, def types.Definition) *definition.Graph {
	t.Helper()
	g, err := definition.Compile(def)
	require.NoError(t, err)
	return g
}

func newTick(values map[string]interface{}) *state.Tick {
	tick := state.NewManager(storage.NewMemoryStorage()).Fresh(1)
	tick.WriteAll(types.ScopeGlobal, values, state.Meta{})
	return tick
}

func TestMachine_Advance(t *testing.T) {
	g := compile(t, approvalDefinition())
	m := NewMachine(rules.NewConditions(nil), 0)

	tests := []struct {
		name      string
		current   string
		completed string
		ctx       map[string]interface{}
		status    types.InstanceStatus
		to        string
		path      []string
		await     string
	}{
		{name: "start awaits first task", current: "start", ctx: map[string]interface{}{"amount": 50},
			status: types.StatusRunning, to: "task_a", path: []string{"start"}, await: "task_a"},
		{name: "task without completion waits", current: "task_a", ctx: map[string]interface{}{"amount": 50},
			status: types.StatusRunning, to: "task_a", await: "task_a"},
		{name: "small amount ends", current: "task_a", completed: "task_a", ctx: map[string]interface{}{"amount": 50},
			status: types.StatusCompleted, to: "end", path: []string{"task_a", "gw"}},
		{name: "large amount routes to task_b", current: "task_a", completed: "task_a", ctx: map[string]interface{}{"amount": 150},
			status: types.StatusRunning, to: "task_b", path: []string{"task_a", "gw"}, await: "task_b"},
		{name: "missing amount takes fallback", current: "task_a", completed: "task_a", ctx: map[string]interface{}{},
			status: types.StatusCompleted, to: "end", path: []string{"task_a", "gw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := types.Instance{ID: 1, CurrentNodeID: tt.current, Status: types.StatusRunning}
			st := m.Advance(inst, g, newTick(tt.ctx), tt.completed)

			require.NoError(t, st.Err)
			assert.Equal(t, tt.current, st.From)
			assert.Equal(t, tt.status, st.Status)
			assert.Equal(t, tt.to, st.To)
			assert.Equal(t, tt.path, st.Path)
			if tt.await == "" {
				assert.Nil(t, st.Await)
			} else {
				require.NotNil(t, st.Await)
				assert.Equal(t, tt.await, st.Await.ID)
			}
			_, ok := g.Node(st.To)
			assert.True(t, ok, "resting node must exist")
		})
	}
}

func TestMachine_Deterministic(t *testing.T) {
	g := compile(t, approvalDefinition())
	m := NewMachine(nil, 0)
	inst := types.Instance{ID: 1, CurrentNodeID: "task_a"}

	first := m.Advance(inst, g, newTick(map[string]interface{}{"amount": 150}), "task_a")
	for i := 0; i < 20; i++ {
		again := m.Advance(inst, g, newTick(map[string]interface{}{"amount": 150}), "task_a")
		assert.Equal(t, first.To, again.To)
		assert.Equal(t, first.Path, again.Path)
	}
}

func TestMachine_Deltas(t *testing.T) {
	g := compile(t, approvalDefinition())
	m := NewMachine(nil, 0)
	tick := newTick(map[string]interface{}{"amount": 50})
	tick.Write(types.ScopeNodeLocal, "amount", 500, state.Meta{NodeID: "task_a"})

	st := m.Advance(types.Instance{ID: 1, CurrentNodeID: "task_a"}, g, tick, "task_a")
	require.NoError(t, st.Err)
	assert.Equal(t, "task_b", st.To, "node-local value wins for the gateway")
	require.Len(t, st.Deltas, 1)
	assert.Equal(t, types.ScopeGlobal, st.Deltas[0].Scope)
	assert.Equal(t, 50, st.Deltas[0].Value)
}

func TestMachine_Failures(t *testing.T) {
	cycle := types.Definition{
		ID: "cycle", Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "g1", Type: types.NodeGateway},
			{ID: "g2", Type: types.NodeGateway},
		},
		Transitions: []types.Transition{
			{From: "start", To: "g1"}, {From: "g1", To: "g2"}, {From: "g2", To: "g1"},
		},
	}
	noMatch := types.Definition{
		ID: "nomatch", Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "gw", Type: types.NodeGateway},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{From: "start", To: "gw"}, {From: "gw", To: "end", Condition: "$.ready"},
		},
	}
	badGuard := types.Definition{
		ID: "badguard", Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "gw", Type: types.NodeGateway, DefaultTo: "end"},
			{ID: "end", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{
			{From: "start", To: "gw"}, {From: "gw", To: "end", Condition: "$.amount + 1"},
		},
	}
	noFunction := types.Definition{
		ID: "nofn", Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "task", Type: types.NodeTask},
		},
		Transitions: []types.Transition{{From: "start", To: "task"}},
	}
	badStart := types.Definition{
		ID: "badstart", Version: 1,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "a", Type: types.NodeEnd},
			{ID: "b", Type: types.NodeEnd},
		},
		Transitions: []types.Transition{{From: "start", To: "a"}, {From: "start", To: "b"}},
	}

	tests := []struct {
		name    string
		def     types.Definition
		max     int
		wantErr error
		node    string
		path    []string
	}{
		{name: "gateway cycle", def: cycle, wantErr: types.ErrCycleDetected, node: "g1", path: []string{"start", "g1", "g2", "g1"}},
		{name: "cycle beyond depth", def: cycle, max: 2, wantErr: types.ErrMaxRecursionExceeded, node: "g2"},
		{name: "no matching transition", def: noMatch, wantErr: types.ErrNoMatchingTransition, node: "gw"},
		{name: "non boolean guard", def: badGuard, wantErr: types.ErrJSONPathEvaluation, node: "gw"},
		{name: "task without function", def: noFunction, wantErr: types.ErrAuthoring, node: "task"},
		{name: "start with two exits", def: badStart, wantErr: types.ErrAuthoring, node: "start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := compile(t, tt.def)
			m := NewMachine(nil, tt.max)
			st := m.Advance(types.Instance{ID: 42, CurrentNodeID: "start"}, g, newTick(map[string]interface{}{"amount": 5}), "")

			assert.Equal(t, types.StatusFailed, st.Status)
			assert.ErrorIs(t, st.Err, tt.wantErr)
			assert.Equal(t, tt.node, st.To)
			assert.Nil(t, st.Await)

			var ee *types.EngineError
			require.ErrorAs(t, st.Err, &ee)
			assert.Equal(t, uint64(42), ee.InstanceID)
			assert.Equal(t, tt.node, ee.NodeID)
			if tt.path != nil {
				assert.Equal(t, tt.path, ee.Path)
			}
			if tt.wantErr == types.ErrJSONPathEvaluation {
				assert.Equal(t, "$.amount + 1", ee.Expression)
			}
		})
	}
}

func TestEvaluateNode(t *testing.T) {
	g := compile(t, approvalDefinition())
	p := &pass{graph: g, conditions: rules.NewConditions(nil), context: map[string]interface{}{"amount": 150}, completed: "task_a"}

	task, _ := g.Node("task_a")
	a := evaluateNode(task, p)
	assert.Equal(t, ActionAdvance, a.Kind)
	assert.Equal(t, "gw", a.Transition.To)

	a = evaluateNode(task, p)
	assert.Equal(t, ActionAwaitTask, a.Kind, "completion is consumed once")
	assert.Equal(t, "task_a", a.Task.ID)

	end, _ := g.Node("end")
	assert.Equal(t, ActionComplete, evaluateNode(end, p).Kind)

	a = evaluateNode(types.Node{ID: "x", Type: "TIMER"}, p)
	assert.Equal(t, ActionHalt, a.Kind)
	assert.ErrorIs(t, a.Err, types.ErrAuthoring)
	assert.Equal(t, "halt", a.Kind.String())
}
