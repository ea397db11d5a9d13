package runtimes

import (
	"context"

	"github.com/conductline/conduct/types"
)

type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindScript  Kind = "script"
	KindWasm    Kind = "wasm"
)

// Invocation is the uniform ABI envelope every runtime receives:
// resolved input values and the node's configuration object, both
// JSON-serializable.
type Invocation struct {
	Input  types.Data `json:"input"`
	Config types.Data `json:"config"`
}

/**
 * Result is the envelope coming back. Output maps output pin ids to
 * values matching the node's declared pin types. Activated lists the
 * exec output pins the node chose to fire; nil means all of them,
 * which is what every non-branching node returns.
 */
type Result struct {
	Output    types.Data `json:"output"`
	Activated []string   `json:"activated,omitempty"`
}

/**
 * Runtime executes one node type family inside its own sandbox. A
 * runtime owns its resource limits (CPU time, memory ceiling, no
 * ambient filesystem or network access unless node configuration
 * grants it) and must translate every internal fault (script
 * exception, trap, panic) into an ExecutionError instead of letting it
 * escape: one node's crash or busy loop never affects another node's
 * execution.
 *
 * Builtin and wasm runtimes are deterministic: identical invocations
 * produce identical results, which replay relies on. Script nodes may
 * have side effects and are exempt, but their results are still cached
 * once obtained so replay never re-invokes them.
 */
type Runtime interface {
	Kind() Kind
	Execute(ctx context.Context, nodeType string, inv Invocation) (*Result, error)
}
