package workflow

import (
	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/rules"
	"github.com/songzhibin97/flowcore/state"
	"github.com/songzhibin97/flowcore/types"
)

// StateTransition is the outcome of one tick. To is where the instance rests:
// the awaited task, the end node, or the node that failed.
type StateTransition struct {
	From   string
	To     string
	Path   []string
	Deltas []types.ContextEntry
	Status types.InstanceStatus
	// Await is the task node the instance now waits on.
	Await *types.Node
	Err   error
}

// Machine computes ticks. It performs no I/O: everything it needs is in the
// graph and the tick's context view.
type Machine struct {
	conditions *rules.Conditions
	maxDepth   int
}

// NewMachine creates a Machine. maxDepth <= 0 selects DefaultMaxDepth.
func NewMachine(conditions *rules.Conditions, maxDepth int) *Machine {
	if conditions == nil {
		conditions = rules.NewConditions(nil)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Machine{conditions: conditions, maxDepth: maxDepth}
}

// Advance walks inst from its current node until it reaches a task to wait
// on, an end node, or an error. completed names the task node whose token
// completion triggered the tick, or "" for the first tick of an instance.
func (m *Machine) Advance(inst types.Instance, g *definition.Graph, tick *state.Tick, completed string) StateTransition {
	st := StateTransition{From: inst.CurrentNodeID, To: inst.CurrentNodeID, Status: types.StatusRunning}
	guard := NewGuard(g, m.maxDepth)
	p := &pass{
		graph:      g,
		conditions: m.conditions,
		context:    tick.Effective(),
		completed:  completed,
	}

	fail := func(err error) StateTransition {
		st.Path = guard.Path()
		st.Deltas = tick.Deltas()
		st.Status = types.StatusFailed
		st.Err = types.WithInstance(err, inst.ID)
		return st
	}

	cur := inst.CurrentNodeID
	for {
		node, ok := g.Node(cur)
		if !ok {
			return fail(types.Authoring(cur, "current node does not exist in definition %s", g.Definition().ID))
		}
		st.To = cur

		action := evaluateNode(node, p)
		switch action.Kind {
		case ActionAwaitTask:
			task := action.Task
			st.Await = &task
			st.Path = guard.Path()
			st.Deltas = tick.Deltas()
			return st

		case ActionComplete:
			st.Status = types.StatusCompleted
			st.Path = guard.Path()
			st.Deltas = tick.Deltas()
			return st

		case ActionHalt:
			return fail(action.Err)

		case ActionAdvance:
			if err := guard.Leave(cur); err != nil {
				return fail(err)
			}
			cur = action.Transition.To
		}
	}
}
