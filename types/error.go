package types

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

var (
	_ error = &QueueError{}
	_ error = &ExecutionError{}
	_ error = &ValidationError{}
	_ error = &LoopLimitError{}
)

// NewValidationError wraps the collected violations of a workflow
// definition. Validation fails fast but reports every violation found,
// not just the first, so a caller can present all problems at once.
func NewValidationError(violations []string) error {
	return &ValidationError{Violations: violations}
}

type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// NewQueueError marks a transient infrastructure failure. Callers are
// expected to retry with backoff; a queue error never fails a run by
// itself.
func NewQueueError(otherErr error) error {
	return &QueueError{baseError: newBaseErr(otherErr)}
}

func NewQueueErrorf(format string, args ...interface{}) error {
	return NewQueueError(errors.Errorf(format, args...))
}

type QueueError struct {
	*baseError
}

// NewExecutionError marks a node runtime failure that is absorbed by
// the task retry policy until the node's attempt budget is exhausted.
func NewExecutionError(otherErr error, nodeID string) error {
	return &ExecutionError{baseError: newBaseErr(otherErr), NodeID: nodeID, Retryable: true}
}

func NewExecutionErrorf(nodeID string, format string, args ...interface{}) error {
	return NewExecutionError(errors.Errorf(format, args...), nodeID)
}

// NewFatalExecutionError marks a node failure that retrying cannot fix
// (bad input data, malformed config). It skips the retry budget.
func NewFatalExecutionError(otherErr error, nodeID string) error {
	return &ExecutionError{baseError: newBaseErr(otherErr), NodeID: nodeID}
}

func NewFatalExecutionErrorf(nodeID string, format string, args ...interface{}) error {
	return NewFatalExecutionError(errors.Errorf(format, args...), nodeID)
}

type ExecutionError struct {
	*baseError
	NodeID    string
	Retryable bool
}

// NewLoopLimitError fails the run: a loop construct exceeded its
// configured maximum iteration count. Never retryable.
func NewLoopLimitError(nodeID string, limit int) error {
	return &LoopLimitError{NodeID: nodeID, Limit: limit}
}

type LoopLimitError struct {
	NodeID string
	Limit  int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("loop node %s exceeded iteration limit %d", e.NodeID, e.Limit)
}

// Classify walks the error chain and returns the first domain error
// (ExecutionError, QueueError, LoopLimitError, ValidationError), or
// nil if the chain holds none.
func Classify(err error) error {
	for err != nil {
		switch err.(type) {
		case *ExecutionError, *QueueError, *LoopLimitError, *ValidationError:
			return err
		}
		switch u := err.(type) {
		case wrappedErr:
			err = u.UnwrapLocal()
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			if cause := errors.Cause(err); cause != err {
				err = cause
			} else {
				return nil
			}
		}
	}
	return nil
}

// IsRetryable reports whether the task that produced err should be
// re-pushed to the queue (subject to the node's attempt budget).
func IsRetryable(err error) bool {
	switch e := Classify(err).(type) {
	case *ExecutionError:
		return e.Retryable
	case *QueueError:
		return true
	case *LoopLimitError, *ValidationError:
		return false
	}
	// unknown faults (panics, runtime traps) get the retry budget
	return true
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}
