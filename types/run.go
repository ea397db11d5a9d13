package types

import "time"

/**
 * Run is one execution instance of a workflow version. Outputs is the
 * per-node output cache: the only channel through which downstream
 * nodes read upstream results. A node's entry is written exactly once;
 * a second completion report for an already-cached node is a no-op.
 */
type Run struct {
	ID              string  `json:"id"`
	WorkflowID      string  `json:"workflow_id"`
	WorkflowVersion Version `json:"workflow_version"`

	Status         RunStatus       `json:"status"`
	TriggerID      string          `json:"trigger_id,omitempty"`
	TriggerContext Data            `json:"trigger_context,omitempty"`
	Outputs        map[string]Data `json:"outputs,omitempty"`
	Credits        int64           `json:"credits"`

	FailedNode string `json:"failed_node,omitempty"`
	Error      string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r *Run) CachedOutputs(nodeID string) (Data, bool) {
	if r.Outputs == nil {
		return nil, false
	}
	out, exists := r.Outputs[nodeID]
	return out, exists
}

// Task is one queued unit of work: execute node NodeID within run
// RunID with the given resolved inputs. The receipt handle and lease
// deadline are queue-backend state and live on queue.Leased, not here.
type Task struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id"`
	Inputs  Data   `json:"inputs,omitempty"`
	Attempt int    `json:"attempt"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

type HistoryKind string

const (
	HistoryTaskQueued    HistoryKind = "task_queued"
	HistoryTaskStarted   HistoryKind = "task_started"
	HistoryTaskSucceeded HistoryKind = "task_succeeded"
	HistoryTaskFailed    HistoryKind = "task_failed"
	HistoryRunTransition HistoryKind = "run_transition"
)

/**
 * HistoryEntry is an append-only record of one state transition.
 * Ordering is by Seq, a per-run monotonically increasing sequence
 * number, never by wall-clock time. Entries are written only by the
 * worker/planner pair that caused the transition and never mutated.
 * Activated records which exec output pins a branching node fired so
 * that replay reproduces pruning decisions deterministically.
 */
type HistoryEntry struct {
	RunID string      `json:"run_id"`
	Seq   uint64      `json:"seq"`
	Kind  HistoryKind `json:"kind"`

	TaskID  string `json:"task_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Status    RunStatus `json:"status,omitempty"`
	Outputs   Data      `json:"outputs,omitempty"`
	Activated []string  `json:"activated,omitempty"`
	Error     string    `json:"error,omitempty"`
	// Final marks a task_failed entry whose retry budget is exhausted,
	// as opposed to a failed attempt that was re-queued.
	Final bool `json:"final,omitempty"`

	At time.Time `json:"at"`
}
