package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
)

func newStandardRuntime(t *testing.T) *Runtime {
	r := NewRuntime()
	assert.Nil(t, RegisterStandardNodes(r))
	return r
}

func TestRegisterDuplicate(t *testing.T) {
	r := newStandardRuntime(t)
	assert.NotNil(t, r.Register(Definition{Type: "noop", Handler: noopNode}))
	assert.NotNil(t, r.Register(Definition{Type: "custom"}))
}

func TestTypes(t *testing.T) {
	r := newStandardRuntime(t)
	assert.Contains(t, r.Types(), "logic.if")
	assert.Contains(t, r.Types(), graph.LoopNodeType)
}

func TestWebhookNode(t *testing.T) {
	r := newStandardRuntime(t)
	res, err := r.Execute(context.Background(), "webhook", runtimes.Invocation{
		Input: types.Data{"payload": map[string]any{"order": "o-17"}},
	})
	assert.Nil(t, err)
	payload, exists := res.Output.GetData("payload")
	assert.True(t, exists)
	v, _ := payload.GetString("order")
	assert.Equal(t, "o-17", v)
	assert.Nil(t, res.Activated)
}

func TestSetDataNode(t *testing.T) {
	r := newStandardRuntime(t)
	res, err := r.Execute(context.Background(), "data.set", runtimes.Invocation{
		Input:  types.Data{"data": map[string]any{"a": 1, "b": 2}},
		Config: types.Data{"values": map[string]any{"b": 20, "c": 30}},
	})
	assert.Nil(t, err)

	out, exists := res.Output.GetData("data")
	assert.True(t, exists)
	a, _ := out.GetInt("a")
	b, _ := out.GetInt("b")
	c, _ := out.GetInt("c")
	assert.Equal(t, 1, a)
	assert.Equal(t, 20, b)
	assert.Equal(t, 30, c)
}

func TestMergeNode(t *testing.T) {
	r := newStandardRuntime(t)
	res, err := r.Execute(context.Background(), "data.merge", runtimes.Invocation{
		Input: types.Data{
			"a": map[string]any{"x": 1, "shared": "from-a"},
			"b": map[string]any{"y": 2, "shared": "from-b"},
		},
	})
	assert.Nil(t, err)

	out, _ := res.Output.GetData("data")
	shared, _ := out.GetString("shared")
	assert.Equal(t, "from-b", shared)
	x, _ := out.GetInt("x")
	y, _ := out.GetInt("y")
	assert.Equal(t, 1, x)
	assert.Equal(t, 2, y)
}

func TestIfNode(t *testing.T) {
	r := newStandardRuntime(t)

	res, err := r.Execute(context.Background(), "logic.if", runtimes.Invocation{
		Input: types.Data{"condition": true},
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"true"}, res.Activated)

	res, err = r.Execute(context.Background(), "logic.if", runtimes.Invocation{
		Input: types.Data{"condition": false},
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"false"}, res.Activated)

	_, err = r.Execute(context.Background(), "logic.if", runtimes.Invocation{Input: types.Data{}})
	assert.NotNil(t, err)
}

func TestSwitchNode(t *testing.T) {
	r := newStandardRuntime(t)
	inv := runtimes.Invocation{
		Input:  types.Data{"value": "eu"},
		Config: types.Data{"cases": []any{"us", "eu", "apac"}},
	}

	res, err := r.Execute(context.Background(), "logic.switch", inv)
	assert.Nil(t, err)
	assert.Equal(t, []string{"eu"}, res.Activated)

	inv.Input = types.Data{"value": "mars"}
	res, err = r.Execute(context.Background(), "logic.switch", inv)
	assert.Nil(t, err)
	assert.Equal(t, []string{"default"}, res.Activated)
}

func TestLoopNode(t *testing.T) {
	r := newStandardRuntime(t)
	items := []any{"a", "b"}

	res, err := r.Execute(context.Background(), graph.LoopNodeType, runtimes.Invocation{
		Input: types.Data{"items": items, graph.LoopIndexPin: 0},
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{graph.LoopBodyPin}, res.Activated)
	assert.Equal(t, "a", res.Output["item"])

	res, err = r.Execute(context.Background(), graph.LoopNodeType, runtimes.Invocation{
		Input: types.Data{"items": items, graph.LoopIndexPin: 1},
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{graph.LoopBodyPin}, res.Activated)
	assert.Equal(t, "b", res.Output["item"])

	// index past the end switches to the done pin
	res, err = r.Execute(context.Background(), graph.LoopNodeType, runtimes.Invocation{
		Input: types.Data{"items": items, graph.LoopIndexPin: 2},
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{graph.LoopDonePin}, res.Activated)
	assert.Nil(t, res.Output["item"])
}

func TestUnknownType(t *testing.T) {
	r := newStandardRuntime(t)
	_, err := r.Execute(context.Background(), "no.such.node", runtimes.Invocation{})
	assert.NotNil(t, err)
}
