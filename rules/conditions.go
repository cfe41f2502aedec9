package rules

import (
	"errors"

	"github.com/songzhibin97/flowcore/types"
)

// Conditions resolves which outgoing transition a gateway takes.
//
// Transitions are tried in declaration order and the first whose guard holds
// wins, so definition authors must list more specific guards first. A
// transition without a condition always matches. When nothing matches the
// gateway's default_to is used; without one the gateway fails with
// ErrNoMatchingTransition.
type Conditions struct {
	evaluator Evaluator
}

// NewConditions creates a Conditions backed by evaluator.
func NewConditions(evaluator Evaluator) *Conditions {
	if evaluator == nil {
		evaluator = NewPathEvaluator()
	}
	return &Conditions{evaluator: evaluator}
}

// Choose returns the transition gateway takes for context.
func (c *Conditions) Choose(gateway types.Node, outgoing []types.Transition, context map[string]interface{}) (types.Transition, error) {
	if len(outgoing) == 0 && gateway.DefaultTo == "" {
		return types.Transition{}, types.Authoring(gateway.ID, "gateway has no outgoing transitions")
	}

	for _, t := range outgoing {
		if t.Condition == "" {
			return t, nil
		}
		ok, err := c.evaluator.Evaluate(t.Condition, context)
		if err != nil {
			return types.Transition{}, atNode(err, gateway.ID, t.Condition)
		}
		if ok {
			return t, nil
		}
	}

	if gateway.DefaultTo != "" {
		return types.Transition{From: gateway.ID, To: gateway.DefaultTo}, nil
	}
	return types.Transition{}, &types.EngineError{Kind: types.ErrNoMatchingTransition, NodeID: gateway.ID}
}

func atNode(err error, nodeID, expression string) error {
	var ee *types.EngineError
	if errors.As(err, &ee) {
		cp := *ee
		cp.NodeID = nodeID
		if cp.Expression == "" {
			cp.Expression = expression
		}
		return &cp
	}
	return &types.EngineError{Kind: types.ErrJSONPathEvaluation, NodeID: nodeID, Expression: expression, Err: err}
}
