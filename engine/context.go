package engine

import (
	"context"
)

// taskContext is the types.Context handed to node executions so a
// runtime can tag logs and side effects with its task identity.
type taskContext struct {
	context.Context

	runID   string
	nodeID  string
	attempt int
}

func newTaskContext(ctx context.Context, runID, nodeID string, attempt int) *taskContext {
	return &taskContext{Context: ctx, runID: runID, nodeID: nodeID, attempt: attempt}
}

func (c *taskContext) GetRunID() string {
	return c.runID
}

func (c *taskContext) GetNodeID() string {
	return c.nodeID
}

func (c *taskContext) GetAttempt() int {
	return c.attempt
}
