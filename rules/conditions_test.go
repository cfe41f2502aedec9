package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/flowcore/types"
)

func gateway(defaultTo string) types.Node {
	return types.Node{ID: "gw", Type: types.NodeGateway, DefaultTo: defaultTo}
}

func TestConditions_Choose(t *testing.T) {
	c := NewConditions(NewPathEvaluator())

	outgoing := []types.Transition{
		{From: "gw", To: "big", Condition: "$.amount > 100"},
		{From: "gw", To: "medium", Condition: "$.amount > 10"},
	}

	t.Run("first declared match wins", func(t *testing.T) {
		// both guards hold for 500
		tr, err := c.Choose(gateway("end"), outgoing, map[string]interface{}{"amount": 500})
		require.NoError(t, err)
		assert.Equal(t, "big", tr.To)
	})

	t.Run("later guard", func(t *testing.T) {
		tr, err := c.Choose(gateway("end"), outgoing, map[string]interface{}{"amount": 50})
		require.NoError(t, err)
		assert.Equal(t, "medium", tr.To)
	})

	t.Run("default when nothing matches", func(t *testing.T) {
		tr, err := c.Choose(gateway("end"), outgoing, map[string]interface{}{"amount": 1})
		require.NoError(t, err)
		assert.Equal(t, types.Transition{From: "gw", To: "end"}, tr)
	})

	t.Run("no match and no default", func(t *testing.T) {
		_, err := c.Choose(gateway(""), outgoing, map[string]interface{}{"amount": 1})
		assert.ErrorIs(t, err, types.ErrNoMatchingTransition)
		assert.ErrorIs(t, err, types.ErrRuntimeEvaluation)
		assert.Contains(t, err.Error(), "node=gw")
	})

	t.Run("unconditional transition always matches", func(t *testing.T) {
		tr, err := c.Choose(gateway(""), []types.Transition{
			{From: "gw", To: "a", Condition: "$.missing"},
			{From: "gw", To: "b"},
		}, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "b", tr.To)
	})

	t.Run("malformed guard carries node and expression", func(t *testing.T) {
		_, err := c.Choose(gateway("end"), []types.Transition{
			{From: "gw", To: "a", Condition: "$.amount >"},
		}, map[string]interface{}{"amount": 1})
		var ee *types.EngineError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, types.ErrJSONPathEvaluation, ee.Kind)
		assert.Equal(t, "gw", ee.NodeID)
		assert.Equal(t, "$.amount >", ee.Expression)
	})

	t.Run("deterministic across repeated evaluations", func(t *testing.T) {
		ctx := map[string]interface{}{"amount": 150}
		first, err := c.Choose(gateway("end"), outgoing, ctx)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			tr, err := c.Choose(gateway("end"), outgoing, ctx)
			require.NoError(t, err)
			assert.Equal(t, first, tr)
		}
	})

	t.Run("gateway without transitions", func(t *testing.T) {
		_, err := c.Choose(gateway(""), nil, nil)
		assert.ErrorIs(t, err, types.ErrAuthoring)
	})
}
