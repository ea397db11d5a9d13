package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductline/conduct/types"
)

func chainWorkflow() *types.Workflow {
	return &types.Workflow{
		ID:      "chain",
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
				ID:   "work",
				Type: "noop",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "data", Type: types.PinJSON, Required: true},
				},
				Outputs: []types.Pin{
					{ID: "out", Type: types.PinExec},
					{ID: "data", Type: types.PinJSON},
				},
			},
			{
				ID:   "sink",
				Type: "noop",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "data", Type: types.PinJSON, Required: true},
				},
				Outputs: []types.Pin{
					{ID: "data", Type: types.PinJSON},
				},
			},
		},
		Edges: []types.Edge{
			{FromNode: "start", FromPin: "out", ToNode: "work", ToPin: "in"},
			{FromNode: "start", FromPin: "payload", ToNode: "work", ToPin: "data"},
			{FromNode: "work", FromPin: "out", ToNode: "sink", ToPin: "in"},
			{FromNode: "work", FromPin: "data", ToNode: "sink", ToPin: "data"},
		},
		Triggers: []types.Trigger{
			{ID: "hook", NodeID: "start", Type: "webhook"},
		},
	}
}

func TestValidateChain(t *testing.T) {
	assert.Nil(t, Validate(chainWorkflow()))
}

func TestValidateDuplicateNode(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, types.Node{ID: "work", Type: "noop"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `duplicate node id "work"`)
}

func TestValidateUnknownEdgeEndpoints(t *testing.T) {
	wf := chainWorkflow()
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "ghost", FromPin: "out", ToNode: "work", ToPin: "in"},
		types.Edge{FromNode: "work", FromPin: "nope", ToNode: "sink", ToPin: "in"},
		types.Edge{FromNode: "work", FromPin: "out", ToNode: "sink", ToPin: "nope"},
	)

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "unknown source node")
	assert.Contains(t, err.Error(), "no such output pin")
	assert.Contains(t, err.Error(), "no such input pin")
}

func TestValidateTypeMismatch(t *testing.T) {
	wf := chainWorkflow()
	work, _ := wf.Node("work")
	work.Outputs = append(work.Outputs, types.Pin{ID: "count", Type: types.PinNumber})
	sink, _ := wf.Node("sink")
	sink.Inputs = append(sink.Inputs, types.Pin{ID: "label", Type: types.PinString})
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "work", FromPin: "count", ToNode: "sink", ToPin: "label"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestValidateExecToDataEdge(t *testing.T) {
	wf := chainWorkflow()
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "start", FromPin: "out", ToNode: "sink", ToPin: "data"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestValidateMultipleDataWriters(t *testing.T) {
	wf := chainWorkflow()
	// second writer onto sink.data (work.data already feeds it)
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "start", FromPin: "payload", ToNode: "sink", ToPin: "data"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "more than one incoming edge")
}

func TestValidateUnboundRequiredInput(t *testing.T) {
	wf := chainWorkflow()
	sink, _ := wf.Node("sink")
	sink.Inputs = append(sink.Inputs, types.Pin{ID: "extra", Type: types.PinString, Required: true})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `required input pin "extra"`)

	// a default satisfies the requirement
	pin, _ := sink.InputPin("extra")
	pin.Default = "fallback"
	assert.Nil(t, Validate(wf))
}

func TestValidateExecCycle(t *testing.T) {
	wf := chainWorkflow()
	sink, _ := wf.Node("sink")
	sink.Outputs = append(sink.Outputs, types.Pin{ID: "out", Type: types.PinExec})
	wf.Edges = append(wf.Edges,
		types.Edge{FromNode: "sink", FromPin: "out", ToNode: "work", ToPin: "in"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "exec cycle")
}

func TestValidateLoopBackEdgeAllowed(t *testing.T) {
	wf := loopWorkflow()
	assert.Nil(t, Validate(wf))
}

func TestValidateTriggerUnknownNode(t *testing.T) {
	wf := chainWorkflow()
	wf.Triggers = append(wf.Triggers, types.Trigger{ID: "t2", NodeID: "ghost"})

	err := Validate(wf)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `trigger "t2" references unknown node`)
}

func TestValidateAggregatesViolations(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, types.Node{ID: "work", Type: "noop"})
	wf.Triggers = append(wf.Triggers, types.Trigger{ID: "t2", NodeID: "ghost"})

	err := Validate(wf)
	assert.NotNil(t, err)
	verr, ok := err.(*types.ValidationError)
	assert.True(t, ok)
	assert.True(t, len(verr.Violations) >= 2)
}
