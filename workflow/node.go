package workflow

import (
	"fmt"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/rules"
	"github.com/songzhibin97/flowcore/types"
)

// ActionKind tells the machine what to do after a node is evaluated.
type ActionKind int

const (
	ActionAdvance ActionKind = iota
	ActionAwaitTask
	ActionHalt
	ActionComplete
)

func (k ActionKind) String() string {
	switch k {
	case ActionAdvance:
		return "advance"
	case ActionAwaitTask:
		return "await_task"
	case ActionHalt:
		return "halt"
	case ActionComplete:
		return "complete"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// NextAction is the result of evaluating one node. Transition is set for
// ActionAdvance, Task for ActionAwaitTask and Err for ActionHalt.
type NextAction struct {
	Kind       ActionKind
	Transition types.Transition
	Task       types.Node
	Err        error
}

// pass is what a node sees while being evaluated.
type pass struct {
	graph      *definition.Graph
	conditions *rules.Conditions
	context    map[string]interface{}
	// completed is the task node whose token completion triggered the tick.
	// It is consumed the first time that node is evaluated.
	completed string
}

func advance(t types.Transition) NextAction {
	return NextAction{Kind: ActionAdvance, Transition: t}
}

func halt(err error) NextAction {
	return NextAction{Kind: ActionHalt, Err: err}
}

// evaluateNode interprets node. Every node type is handled here; an unknown
// type halts the tick.
func evaluateNode(node types.Node, p *pass) NextAction {
	switch node.Type {
	case types.NodeStart:
		return single(node, p.graph.Outgoing(node.ID))

	case types.NodeTask:
		if node.FunctionCode == "" {
			return halt(types.Authoring(node.ID, "task node has no function_code"))
		}
		if p.completed != node.ID {
			return NextAction{Kind: ActionAwaitTask, Task: node}
		}
		p.completed = ""
		return single(node, p.graph.Outgoing(node.ID))

	case types.NodeGateway:
		t, err := p.conditions.Choose(node, p.graph.Outgoing(node.ID), p.context)
		if err != nil {
			return halt(err)
		}
		if _, ok := p.graph.Node(t.To); !ok {
			return halt(types.Authoring(node.ID, "transition target %s does not exist", t.To))
		}
		return advance(t)

	case types.NodeEnd:
		return NextAction{Kind: ActionComplete}
	}
	return halt(types.Authoring(node.ID, "unknown node type %q", node.Type))
}

// single follows the one unguarded transition start and task nodes must have.
func single(node types.Node, out []types.Transition) NextAction {
	if len(out) != 1 {
		return halt(types.Authoring(node.ID, "%s node needs exactly one outgoing transition, has %d", node.Type, len(out)))
	}
	return advance(out[0])
}
