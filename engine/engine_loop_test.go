package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/runtimes/builtin"
	"github.com/conductline/conduct/types"
)

// t.pick lifts the trigger payload's "items" field onto a json pin.
func pickDef() builtin.Definition {
	return builtin.Definition{
		Type: "t.pick",
		Handler: func(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
			payload, _ := inv.Input.GetData("payload")
			return &runtimes.Result{
				Output:    types.Data{"items": payload["items"]},
				Activated: []string{"out"},
			}, nil
		},
	}
}

// t.item records each loop element it sees.
func itemDef(tr *tracker) builtin.Definition {
	return builtin.Definition{
		Type: "t.item",
		Handler: func(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error) {
			nodeID := "unknown"
			if tc, ok := ctx.(types.Context); ok {
				nodeID = tc.GetNodeID()
			}
			tr.hit(nodeID)
			tr.record(inv.Input["item"])
			return &runtimes.Result{Output: types.Data{}, Activated: []string{"out"}}, nil
		},
	}
}

func loopRunWorkflow(loopLimit int) *types.Workflow {
	return &types.Workflow{
		ID:      "looper",
		Version: 1,
		Nodes: []types.Node{
			webhookStart(),
			{
				ID:   "pick",
				Type: "t.pick",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "payload", Type: types.PinJSON, Required: true},
				},
				Outputs: []types.Pin{
					{ID: "out", Type: types.PinExec},
					{ID: "items", Type: types.PinJSON},
				},
			},
			{
				ID:        "each",
				Type:      "logic.loop",
				LoopLimit: loopLimit,
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "items", Type: types.PinJSON, Required: true},
					{ID: "index", Type: types.PinNumber, Required: true},
				},
				Outputs: []types.Pin{
					{ID: "body", Type: types.PinExec},
					{ID: "done", Type: types.PinExec},
					{ID: "item", Type: types.PinAny},
					{ID: "index", Type: types.PinNumber},
				},
			},
			{
				ID:   "step",
				Type: "t.item",
				Inputs: []types.Pin{
					{ID: "in", Type: types.PinExec},
					{ID: "item", Type: types.PinAny, Required: true},
				},
				Outputs: []types.Pin{{ID: "out", Type: types.PinExec}},
			},
			trackNode("finish"),
		},
		Edges: []types.Edge{
			{FromNode: "start", FromPin: "out", ToNode: "pick", ToPin: "in"},
			{FromNode: "start", FromPin: "payload", ToNode: "pick", ToPin: "payload"},
			{FromNode: "pick", FromPin: "out", ToNode: "each", ToPin: "in"},
			{FromNode: "pick", FromPin: "items", ToNode: "each", ToPin: "items"},
			{FromNode: "each", FromPin: "body", ToNode: "step", ToPin: "in"},
			{FromNode: "each", FromPin: "item", ToNode: "step", ToPin: "item"},
			// back edge closing the iteration
			{FromNode: "step", FromPin: "out", ToNode: "each", ToPin: "in"},
			{FromNode: "each", FromPin: "done", ToNode: "finish", ToPin: "in"},
		},
		Triggers: []types.Trigger{{ID: "hook", NodeID: "start", Type: "webhook"}},
	}
}

func TestLoopRun(t *testing.T) {
	e := newTestEngine(t, newTestOptions())
	defer e.Close(context.Background())
	ctx := context.Background()

	tr := newTracker()
	assert.Nil(t, e.RegisterBuiltin(trackDef(tr)))
	assert.Nil(t, e.RegisterBuiltin(pickDef()))
	assert.Nil(t, e.RegisterBuiltin(itemDef(tr)))
	assert.Nil(t, e.RegisterWorkflow(ctx, loopRunWorkflow(0)))

	runID, err := e.StartRun(ctx, "looper",
		types.Data{"items": []interface{}{"a", "b"}})
	assert.Nil(t, err)

	run := drainRun(t, e, runID, 20)
	assert.Equal(t, types.RunCompleted, run.Status)

	// the body executed once per element, in order
	assert.Equal(t, 2, tr.count("step"))
	assert.Equal(t, []any{"a", "b"}, tr.recorded())
	assert.Equal(t, 1, tr.count("finish"))

	// three loop evaluations: element 0, element 1, exhausted
	entries, err := e.GetRunHistory(ctx, runID)
	assert.Nil(t, err)
	loopRuns := 0
	for _, entry := range entries {
		if entry.Kind == types.HistoryTaskSucceeded && entry.NodeID == "each" {
			loopRuns++
		}
	}
	assert.Equal(t, 3, loopRuns)
}

func TestLoopEmptyItems(t *testing.T) {
	e := newTestEngine(t, newTestOptions())
	defer e.Close(context.Background())
	ctx := context.Background()

	tr := newTracker()
	assert.Nil(t, e.RegisterBuiltin(trackDef(tr)))
	assert.Nil(t, e.RegisterBuiltin(pickDef()))
	assert.Nil(t, e.RegisterBuiltin(itemDef(tr)))
	assert.Nil(t, e.RegisterWorkflow(ctx, loopRunWorkflow(0)))

	runID, err := e.StartRun(ctx, "looper",
		types.Data{"items": []interface{}{}})
	assert.Nil(t, err)

	run := drainRun(t, e, runID, 10)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 0, tr.count("step"))
	assert.Equal(t, 1, tr.count("finish"))
}

func TestLoopLimitFailsRun(t *testing.T) {
	e := newTestEngine(t, newTestOptions())
	defer e.Close(context.Background())
	ctx := context.Background()

	tr := newTracker()
	assert.Nil(t, e.RegisterBuiltin(trackDef(tr)))
	assert.Nil(t, e.RegisterBuiltin(pickDef()))
	assert.Nil(t, e.RegisterBuiltin(itemDef(tr)))
	assert.Nil(t, e.RegisterWorkflow(ctx, loopRunWorkflow(2)))

	runID, err := e.StartRun(ctx, "looper",
		types.Data{"items": []interface{}{"a", "b", "c", "d", "e"}})
	assert.Nil(t, err)

	run := drainRun(t, e, runID, 30)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, "each", run.FailedNode)
	// two full iterations ran before the limit tripped
	assert.Equal(t, 2, tr.count("step"))
	assert.Equal(t, 0, tr.count("finish"))
}
