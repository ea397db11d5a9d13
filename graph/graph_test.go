package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductline/conduct/types"
)

func loopWorkflow() *types.Workflow {
	return &types.Workflow{
		ID:      "looped",
		Version: 1,
		Nodes: []types.Node{
			{
				ID:   "start",
				Type: "webhook",
				Outputs: []types.Pin{
					{ID: "out", Type: types.PinExec},
					{ID: "payload", Type: types.PinJSON},
				},
			},
			{
				ID:   "each",
				Type: LoopNodeType,
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "items", Type: types.PinJSON, Required: true},
					{ID: LoopIndexPin, Type: types.PinNumber, Required: true},
				},
				Outputs: []types.Pin{
					{ID: LoopBodyPin, Type: types.PinExec},
					{ID: LoopDonePin, Type: types.PinExec},
					{ID: "item", Type: types.PinAny},
					{ID: "index", Type: types.PinNumber},
				},
			},
			{
				ID:   "step",
				Type: "noop",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "item", Type: types.PinAny, Required: true},
				},
				Outputs: []types.Pin{
					{ID: "out", Type: types.PinExec},
				},
			},
			{
				ID:   "finish",
				Type: "noop",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
				},
				Outputs: []types.Pin{
					{ID: "data", Type: types.PinJSON},
				},
			},
		},
		Edges: []types.Edge{
			{FromNode: "start", FromPin: "out", ToNode: "each", ToPin: "in"},
			{FromNode: "start", FromPin: "payload", ToNode: "each", ToPin: "items"},
			{FromNode: "each", FromPin: LoopBodyPin, ToNode: "step", ToPin: "in"},
			{FromNode: "each", FromPin: "item", ToNode: "step", ToPin: "item"},
			// the back edge closing the iteration
			{FromNode: "step", FromPin: "out", ToNode: "each", ToPin: "in"},
			{FromNode: "each", FromPin: LoopDonePin, ToNode: "finish", ToPin: "in"},
		},
		Triggers: []types.Trigger{
			{ID: "hook", NodeID: "start", Type: "webhook"},
		},
	}
}

func TestCompileChain(t *testing.T) {
	g, err := Compile(chainWorkflow())
	assert.Nil(t, err)
	assert.NotNil(t, g)

	assert.Equal(t, 0, g.ExecNeeds("start"))
	assert.Equal(t, 1, g.ExecNeeds("work"))
	assert.Equal(t, 1, g.ExecNeeds("sink"))

	assert.Equal(t, 0, g.DataNeeds("start"))
	assert.Equal(t, 1, g.DataNeeds("work"))
	assert.Equal(t, 1, g.DataNeeds("sink"))

	e, exists := g.DataEdge("work", "data")
	assert.True(t, exists)
	assert.Equal(t, "start", e.FromNode)
	assert.Equal(t, "payload", e.FromPin)
	_, exists = g.DataEdge("work", "in")
	assert.False(t, exists)

	assert.Len(t, g.OutEdges("start"), 2)
	assert.Len(t, g.InEdges("sink"), 2)
}

func TestCompileRejectsInvalid(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, types.Node{ID: "work", Type: "noop"})

	g, err := Compile(wf)
	assert.NotNil(t, err)
	assert.Nil(t, g)
}

func TestCompileLoopBody(t *testing.T) {
	g, err := Compile(loopWorkflow())
	assert.Nil(t, err)

	assert.True(t, g.IsLoopNode("each"))
	assert.False(t, g.IsLoopNode("step"))
	assert.Equal(t, []string{"step"}, g.LoopBody("each"))

	// two exec writers on the loop's entry pin: the entry and the back
	// edge
	assert.Equal(t, 2, g.ExecNeeds("each"))
}

func TestStartNodes(t *testing.T) {
	g, err := Compile(chainWorkflow())
	assert.Nil(t, err)

	start := g.StartNodes("start")
	assert.Equal(t, []string{"start"}, start)
	assert.Empty(t, g.UnfiredTriggers("start"))
}

func TestStartNodesTwoTriggers(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, types.Node{
		ID:   "timer",
		Type: "webhook",
		Outputs: []types.Pin{
			{ID: "out", Type: types.PinExec},
			{ID: "payload", Type: types.PinJSON},
		},
	})
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "timer", FromPin: "out", ToNode: "work", ToPin: "in"})
	wf.Triggers = append(wf.Triggers, types.Trigger{ID: "cron", NodeID: "timer", Type: "schedule"})

	g, err := Compile(wf)
	assert.Nil(t, err)

	// only the fired trigger starts; the other trigger node is left for
	// the planner to prune
	assert.Equal(t, []string{"timer"}, g.StartNodes("timer"))
	assert.Equal(t, []string{"start"}, g.UnfiredTriggers("timer"))

	// work now joins on two exec writers
	assert.Equal(t, 2, g.ExecNeeds("work"))
}
