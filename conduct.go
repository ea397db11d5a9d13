package conduct

import (
	"context"

	"github.com/juju/errors"

	"github.com/conductline/conduct/engine"
	"github.com/conductline/conduct/queue"
	"github.com/conductline/conduct/queue/memqueue"
	"github.com/conductline/conduct/queue/pgqueue"
	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/runtimes/builtin"
	"github.com/conductline/conduct/runtimes/script"
	"github.com/conductline/conduct/runtimes/wasm"
	"github.com/conductline/conduct/store"
	"github.com/conductline/conduct/store/mem"
	"github.com/conductline/conduct/store/postgres"
	"github.com/conductline/conduct/types"
)

// ScriptNodeType and WasmNodeType are the type tags routed to the
// scripting sandbox and the wasm runtime. Builtin node types bind
// individually by their own tags.
const (
	ScriptNodeType = "script"
	WasmNodeType   = "wasm"
)

// NewEngine creates an execution engine with the given options
func NewEngine(opts ...types.EngineOption) (*engine.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	var s store.Store
	var q queue.Queue
	var err error

	// PostgresConfig takes precedence over MemBackends
	if options.PostgresConfig != nil {
		s, err = postgres.NewPostgresStore(options.PostgresConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
		}
		q, err = pgqueue.NewPostgresQueue(options.PostgresConfig, options.LeaseDuration)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL queue")
		}
	} else {
		// Default to mem backends if not specified
		s = mem.NewMemStore()
		q = memqueue.NewMemQueue(options.LeaseDuration)
	}

	return NewEngineWithBackends(s, q, options)
}

/**
 * NewEngineWithBackends assembles an engine on caller-provided store
 * and queue backends, registering the three standard runtimes and the
 * builtin node set. Tests and embedders that need injected backends
 * (an error-injecting store, a shared *sql.DB) use this directly.
 */
func NewEngineWithBackends(s store.Store, q queue.Queue, options *types.EngineOptions) (*engine.Engine, error) {
	if options.Ctx == nil {
		options.Ctx = context.Background()
	}

	builtins := builtin.NewRuntime()
	if err := builtin.RegisterStandardNodes(builtins); err != nil {
		return nil, errors.Trace(err)
	}

	dispatcher := runtimes.NewDispatcher()
	if err := dispatcher.Register(builtins); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dispatcher.Register(script.NewRuntime(options.ScriptTimeout)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dispatcher.Register(wasm.NewRuntime(options.Ctx, options.WasmMemoryPages)); err != nil {
		return nil, errors.Trace(err)
	}

	for _, nodeType := range builtins.Types() {
		if err := dispatcher.Bind(nodeType, runtimes.KindBuiltin); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := dispatcher.Bind(ScriptNodeType, runtimes.KindScript); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dispatcher.Bind(WasmNodeType, runtimes.KindWasm); err != nil {
		return nil, errors.Trace(err)
	}

	return engine.New(s, q, dispatcher, builtins, options), nil
}
