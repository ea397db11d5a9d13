package engine

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/conductline/conduct/store"
	"github.com/conductline/conduct/types"
	"github.com/conductline/conduct/utils"
)

// Persistence helpers for runs and workflow definitions on the KV
// store. The per-node output cache travels inside the run record: its
// writes piggyback on the same Set, which keeps "cache written exactly
// once per node" and "run status advanced" a single durable step.

func saveRun(ctx context.Context, s store.Store, run *types.Run) error {
	b, err := utils.Serialize(run)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Set(ctx, store.RunPath, run.ID, b))
}

func loadRun(ctx context.Context, s store.Store, runID string) (*types.Run, error) {
	b, err := s.Get(ctx, store.RunPath, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, nil
	}
	run := &types.Run{}
	if err := utils.Unserialize(b, run); err != nil {
		return nil, errors.Trace(err)
	}
	return run, nil
}

func saveWorkflow(ctx context.Context, s store.Store, wf *types.Workflow) error {
	b, err := utils.Serialize(wf)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.Set(ctx, store.WorkflowPath, workflowKey(wf.ID, wf.Version), b))
}

func loadWorkflow(ctx context.Context, s store.Store, id string, version types.Version) (*types.Workflow, error) {
	b, err := s.Get(ctx, store.WorkflowPath, workflowKey(id, version))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("workflow %s version %d", id, version)
	}
	wf := &types.Workflow{}
	if err := utils.Unserialize(b, wf); err != nil {
		return nil, errors.Trace(err)
	}
	return wf, nil
}

func workflowKey(id string, version types.Version) string {
	return fmt.Sprintf("%s@%d", id, version)
}
