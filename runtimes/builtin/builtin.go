package builtin

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/conductline/conduct/runtimes"
)

var (
	_ runtimes.Runtime = &Runtime{}
)

// Handler is a native node function. Handlers must be pure with
// respect to their invocation unless the definition is marked
// effectful: same envelope in, same result out.
type Handler func(ctx context.Context, inv runtimes.Invocation) (*runtimes.Result, error)

type Definition struct {
	Type    string
	Handler Handler
	/**
	 * Effectful exempts the node type from the determinism contract
	 * (e.g. an outbound HTTP call). Effectful results are still cached
	 * per run, so replay never re-invokes them.
	 */
	Effectful bool
	// Credits charged against the run per successful execution.
	Credits int64
}

// Runtime hosts native node functions registered by type tag.
type Runtime struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRuntime() *Runtime {
	return &Runtime{defs: make(map[string]Definition)}
}

func (r *Runtime) Kind() runtimes.Kind {
	return runtimes.KindBuiltin
}

func (r *Runtime) Register(def Definition) error {
	if def.Handler == nil {
		return errors.BadRequestf("node type %q handler is nil", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return errors.AlreadyExistsf("node type %q", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Runtime) Definition(nodeType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[nodeType]
	return def, exists
}

func (r *Runtime) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

func (r *Runtime) Execute(ctx context.Context, nodeType string, inv runtimes.Invocation) (*runtimes.Result, error) {
	def, exists := r.Definition(nodeType)
	if !exists {
		return nil, errors.NotFoundf("builtin node type %q", nodeType)
	}
	res, err := def.Handler(ctx, inv)
	return res, errors.Trace(err)
}
