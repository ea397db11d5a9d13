package engine

import (
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/conductline/conduct/graph"
	"github.com/conductline/conduct/types"
)

/**
 * rebuildPlanner reconstructs a run's readiness state by replaying its
 * history log in sequence order. Task completions re-apply the exact
 * activation decisions that were recorded, so counter state, loop
 * iteration counts and pruning all come out identical to what the
 * original worker computed — the output cache is deliberately rebuilt
 * from history rather than trusted from the run record so both end up
 * consistent.
 */
func rebuildPlanner(g *graph.Graph, run *types.Run, defaultLoopLimit int, entries []*types.HistoryEntry) (*planner, error) {
	// replay rewrites the cache from scratch
	run.Outputs = make(map[string]types.Data)

	p := newPlanner(g, run, defaultLoopLimit)

	seeded := false
	for _, entry := range entries {
		switch entry.Kind {
		case types.HistoryRunTransition:
			if !seeded && entry.Status == types.RunRunning {
				p.seed(firedTriggerNode(g, run))
				seeded = true
			}

		case types.HistoryTaskQueued:
			p.markDispatched(entry.NodeID)

		case types.HistoryTaskStarted:
			// no planner effect: leases are queue state

		case types.HistoryTaskSucceeded:
			if _, err := p.apply(entry.TaskID, entry.NodeID, entry.Outputs, entry.Activated); err != nil {
				// the original worker hit the same error and recorded
				// the run's fate right after; keep replaying
				log.Warnf("replay %s: node %s: %v", run.ID, entry.NodeID, err)
			}

		case types.HistoryTaskFailed:
			// only final failures on continue-on-failure nodes move
			// the planner; re-queued retry attempts do not
			node, exists := g.Node(entry.NodeID)
			if entry.Final && exists && node.ContinueOnFailure {
				if _, err := p.applyFailure(entry.TaskID, entry.NodeID); err != nil {
					return nil, errors.Trace(err)
				}
			}
		}
	}

	if !seeded {
		p.seed(firedTriggerNode(g, run))
	}
	return p, nil
}

// firedTriggerNode maps the run's trigger back to its entry node.
func firedTriggerNode(g *graph.Graph, run *types.Run) string {
	if tr, exists := g.Workflow.Trigger(run.TriggerID); exists {
		return tr.NodeID
	}
	return ""
}
