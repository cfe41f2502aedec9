package workflow

import (
	"fmt"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/types"
)

// DefaultMaxDepth bounds how many transitions one tick may follow.
const DefaultMaxDepth = 50

// Guard protects a single tick against cycles and runaway depth. A node may
// be left at most once per tick; leaving it again means the walk is looping
// without reaching a task or end node.
type Guard struct {
	graph   *definition.Graph
	max     int
	visited []bool
	path    []string
}

// NewGuard opens a guard scope over g. max <= 0 selects DefaultMaxDepth.
func NewGuard(g *definition.Graph, max int) *Guard {
	if max <= 0 {
		max = DefaultMaxDepth
	}
	return &Guard{
		graph:   g,
		max:     max,
		visited: make([]bool, g.Len()),
	}
}

// Leave records that the walk is advancing out of nodeID.
func (r *Guard) Leave(nodeID string) error {
	idx, ok := r.graph.Index(nodeID)
	if !ok {
		return types.Authoring(nodeID, "node is not part of definition %s", r.graph.Definition().ID)
	}
	if r.visited[idx] {
		return &types.EngineError{
			Kind:   types.ErrCycleDetected,
			NodeID: nodeID,
			Path:   append(r.Path(), nodeID),
			Err:    fmt.Errorf("node %s re-entered within one tick", nodeID),
		}
	}
	if len(r.path) >= r.max {
		return &types.EngineError{
			Kind:   types.ErrMaxRecursionExceeded,
			NodeID: nodeID,
			Path:   append(r.Path(), nodeID),
			Err:    fmt.Errorf("more than %d transitions in one tick", r.max),
		}
	}
	r.visited[idx] = true
	r.path = append(r.path, nodeID)
	return nil
}

// Path returns the nodes left so far, in order.
func (r *Guard) Path() []string {
	return append([]string(nil), r.path...)
}

// Depth is the number of transitions followed.
func (r *Guard) Depth() int {
	return len(r.path)
}
