package engine

import (
	"time"

	"github.com/juju/errors"

	"github.com/conductline/conduct/types"
)

/**
 * canTransition gates the run state machine:
 *
 *   not_started -> running -> {completed, failed, cancelled}
 *
 * with waiting and blocked as transient sub-states of running.
 * Terminal states accept nothing further.
 */
func canTransition(from, to types.RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case types.RunRunning, types.RunWaiting, types.RunBlocked:
		return from == types.RunNotStarted || from.Active()

	case types.RunCompleted, types.RunFailed:
		return from.Active()

	case types.RunCancelled:
		// a run may be cancelled before it ever started
		return true

	default:
		return false
	}
}

// transition mutates the run in memory; callers persist and append the
// history entry themselves so the write stays atomic per node.
func transition(run *types.Run, to types.RunStatus) error {
	if run.Status == to {
		return nil
	}
	if !canTransition(run.Status, to) {
		return errors.Forbiddenf("run %s: cannot transition from %v to %v", run.ID, run.Status, to)
	}
	run.Status = to
	if to.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
	}
	return nil
}
