package store

import "context"

// Well-known prefixes. Each subsystem owns its prefix: runs and the
// per-node output cache are written by the worker/planner pair,
// history entries by the history log, workflow definitions by the
// engine registry.
const (
	RunPath      = "/run/"
	WorkflowPath = "/workflow/"
)

/**
 * Store persists run state, the per-node output cache, workflow
 * definitions and the history log as prefix/key byte records. Backends
 * must make Set durable before returning; Remove of an unknown
 * prefix+key is NOT an error.
 */
type Store interface {
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	Set(ctx context.Context, prefix, key string, value []byte) error
	Remove(ctx context.Context, prefix, key string) error

	List(ctx context.Context, prefix string, iterator func(key string) bool) error
}
