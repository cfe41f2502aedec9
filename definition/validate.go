package definition

import (
	"errors"

	"github.com/songzhibin97/flowcore/types"
)

// GuardChecker compiles a guard expression without evaluating it.
type GuardChecker interface {
	Check(expression string) error
}

// Validate enforces the authoring rules on def and returns every violation
// joined together. Each violation matches types.ErrAuthoring. guards may be
// nil, in which case gateway conditions are not compiled.
func Validate(def types.Definition, guards GuardChecker) error {
	if def.ID == "" {
		return types.Authoring("", "definition id is required")
	}
	if def.Version < 1 {
		return types.Authoring("", "definition version must be >= 1, got %d", def.Version)
	}
	if len(def.Nodes) == 0 {
		return types.Authoring("", "definition has no nodes")
	}

	g, err := Compile(def)
	if err != nil {
		return err
	}

	var errs []error
	for _, n := range def.Nodes {
		out := g.Outgoing(n.ID)
		switch n.Type {
		case types.NodeStart:
			if len(out) != 1 {
				errs = append(errs, types.Authoring(n.ID, "start node needs exactly one outgoing transition, has %d", len(out)))
			}
			errs = append(errs, unguarded(n, out)...)
		case types.NodeTask:
			if n.FunctionCode == "" {
				errs = append(errs, types.Authoring(n.ID, "task node has no function_code"))
			}
			if n.OutputScope != "" && !n.OutputScope.Valid() {
				errs = append(errs, types.Authoring(n.ID, "unknown output_scope %q", n.OutputScope))
			}
			if len(out) != 1 {
				errs = append(errs, types.Authoring(n.ID, "task node needs exactly one outgoing transition, has %d", len(out)))
			}
			errs = append(errs, unguarded(n, out)...)
		case types.NodeGateway:
			errs = append(errs, validateGateway(g, n, out, guards)...)
		case types.NodeEnd:
			if len(out) != 0 {
				errs = append(errs, types.Authoring(n.ID, "end node cannot have outgoing transitions"))
			}
		default:
			errs = append(errs, types.Authoring(n.ID, "unknown node type %q", n.Type))
		}
	}
	return errors.Join(errs...)
}

func validateGateway(g *Graph, n types.Node, out []types.Transition, guards GuardChecker) []error {
	var errs []error
	if len(out) == 0 {
		errs = append(errs, types.Authoring(n.ID, "gateway needs at least one outgoing transition"))
	}
	if n.DefaultTo != "" {
		if _, ok := g.Node(n.DefaultTo); !ok {
			errs = append(errs, types.Authoring(n.ID, "default_to references unknown node %q", n.DefaultTo))
		}
	}
	covered := n.DefaultTo != ""
	for _, t := range out {
		if t.Condition == "" {
			covered = true
			continue
		}
		if guards == nil {
			continue
		}
		if err := guards.Check(t.Condition); err != nil {
			errs = append(errs, &types.EngineError{Kind: types.ErrAuthoring, NodeID: n.ID, Expression: t.Condition, Err: err})
		}
	}
	if !covered {
		errs = append(errs, types.Authoring(n.ID, "gateway needs a default_to or an unconditional transition"))
	}
	return errs
}

func unguarded(n types.Node, out []types.Transition) []error {
	var errs []error
	for _, t := range out {
		if t.Condition != "" {
			errs = append(errs, &types.EngineError{Kind: types.ErrAuthoring, NodeID: n.ID, Expression: t.Condition,
				Err: errors.New("only gateway transitions may carry a condition")})
		}
	}
	return errs
}
