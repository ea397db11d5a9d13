package queue

import (
	"context"
	"time"

	"github.com/conductline/conduct/types"
)

/**
 * Queue is the provider-agnostic task transport. Delivery is
 * at-least-once: a task may be redelivered if a worker crashes after
 * popping but before Delete, so consumers deduplicate against the
 * run's output cache before re-invoking a node.
 *
 * Which backend serves a deployment is configuration, not a code-level
 * dependency of the engine: anything satisfying this contract plugs in.
 */
type Queue interface {
	// Push enqueues a task, invisible to poppers until delay elapses.
	// The task is durable once Push returns nil.
	Push(ctx context.Context, task *types.Task, delay time.Duration) error

	// Pop blocks up to timeout for a ready task and leases it: the
	// task stays invisible to other poppers until the lease deadline.
	// Returns (nil, nil) when the timeout passes with nothing ready.
	Pop(ctx context.Context, timeout time.Duration) (*Leased, error)

	// Delete permanently removes a leased task. Idempotent: deleting
	// an unknown or already-deleted receipt is not an error.
	Delete(ctx context.Context, receipt string) error

	// ExtendLease pushes the lease deadline out by d for a long-running
	// task so it is not redelivered mid-execution.
	ExtendLease(ctx context.Context, receipt string, d time.Duration) error

	Close() error
}

// Leased is a popped task together with its backend receipt handle.
type Leased struct {
	Task     types.Task
	Receipt  string
	Deadline time.Time
}
