package types

import (
	"context"
)

type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRunning    RunStatus = "running"
	// Waiting and Blocked are sub-states of a running run: Waiting means
	// no node is ready and the planner is parked on an external event,
	// Blocked means a required upstream task is in its retry backoff.
	RunWaiting   RunStatus = "waiting"
	RunBlocked   RunStatus = "blocked"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run accepts no further tasks.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether the status is running or one of its sub-states.
func (s RunStatus) Active() bool {
	return s == RunRunning || s == RunWaiting || s == RunBlocked
}

type Version int

type Context interface {
	context.Context

	GetRunID() string
	GetNodeID() string
	GetAttempt() int
}
