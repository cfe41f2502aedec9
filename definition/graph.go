package definition

import (
	"github.com/songzhibin97/flowcore/types"
)

// Graph is a definition indexed for evaluation: nodes live in a slice and
// are addressed by their position, outgoing edges keep declaration order.
type Graph struct {
	def      types.Definition
	index    map[string]int
	outgoing [][]types.Transition
	start    int
}

// Compile indexes def. It only checks what indexing needs (unique node ids,
// resolvable edges, one start node); use Validate for authoring rules.
func Compile(def types.Definition) (*Graph, error) {
	g := &Graph{
		def:      def,
		index:    make(map[string]int, len(def.Nodes)),
		outgoing: make([][]types.Transition, len(def.Nodes)),
		start:    -1,
	}
	for i, n := range def.Nodes {
		if n.ID == "" {
			return nil, types.Authoring("", "node at position %d has no id", i)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, types.Authoring(n.ID, "duplicate node id")
		}
		g.index[n.ID] = i
		if n.Type == types.NodeStart {
			if g.start >= 0 {
				return nil, types.Authoring(n.ID, "definition has more than one start node")
			}
			g.start = i
		}
	}
	if g.start < 0 {
		return nil, types.Authoring("", "definition has no start node")
	}
	for _, t := range def.Transitions {
		from, ok := g.index[t.From]
		if !ok {
			return nil, types.Authoring(t.From, "transition from unknown node")
		}
		if _, ok := g.index[t.To]; !ok {
			return nil, types.Authoring(t.From, "transition to unknown node %q", t.To)
		}
		g.outgoing[from] = append(g.outgoing[from], t)
	}
	return g, nil
}

// Definition returns the definition the graph was compiled from.
func (g *Graph) Definition() types.Definition {
	return g.def
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.def.Nodes)
}

// Index returns the slice position of node id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (types.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return types.Node{}, false
	}
	return g.def.Nodes[i], true
}

// Outgoing returns id's outgoing transitions in declaration order.
func (g *Graph) Outgoing(id string) []types.Transition {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.outgoing[i]
}

// Start returns the start node.
func (g *Graph) Start() types.Node {
	return g.def.Nodes[g.start]
}

// Tasks returns every TASK node in declaration order.
func (g *Graph) Tasks() []types.Node {
	var tasks []types.Node
	for _, n := range g.def.Nodes {
		if n.Type == types.NodeTask {
			tasks = append(tasks, n)
		}
	}
	return tasks
}
