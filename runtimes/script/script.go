package script

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
)

var (
	_ runtimes.Runtime = &Runtime{}
)

const runFuncName = "Run"

// Symbol prefixes never exposed to tenant scripts. Network access
// stays available (scripting nodes are the side-effectful kind);
// process, filesystem and unsafe access do not.
var blockedSymbols = []string{
	"os/os",
	"os/exec",
	"os/signal",
	"os/user",
	"syscall",
	"unsafe",
	"plugin",
	"runtime/debug",
	"path/filepath",
	"io/ioutil",
}

/**
 * Runtime executes tenant scripts in a yaegi interpreter. Each
 * invocation gets a fresh interpreter with a filtered stdlib symbol
 * table and a wall-clock budget, so one run's script can neither see
 * another's state nor hold a worker forever. Script faults come back
 * as ExecutionError; the interpreter goroutine is abandoned on
 * timeout and the lease expiry handles the rest.
 */
type Runtime struct {
	timeout time.Duration
	symbols interp.Exports
}

func NewRuntime(timeout time.Duration) *Runtime {
	return &Runtime{
		timeout: timeout,
		symbols: sandboxSymbols(),
	}
}

func (r *Runtime) Kind() runtimes.Kind {
	return runtimes.KindScript
}

func sandboxSymbols() interp.Exports {
	filtered := make(interp.Exports, len(stdlib.Symbols))
	for path, symbols := range stdlib.Symbols {
		if blockedPath(path) {
			continue
		}
		filtered[path] = symbols
	}
	return filtered
}

func blockedPath(path string) bool {
	for _, prefix := range blockedSymbols {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

type scriptResult struct {
	output types.Data
	err    error
}

func (r *Runtime) Execute(ctx context.Context, nodeType string, inv runtimes.Invocation) (*runtimes.Result, error) {
	source, exists := inv.Config.GetString("source")
	if !exists || strings.TrimSpace(source) == "" {
		return nil, errors.BadRequestf("script node has no source in config")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan scriptResult, 1)
	go func() {
		output, err := r.evalScript(source, inv)
		resultCh <- scriptResult{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Errorf("script exceeded %v budget", r.timeout)
	case res := <-resultCh:
		if res.err != nil {
			return nil, errors.Trace(res.err)
		}
		return &runtimes.Result{Output: res.output}, nil
	}
}

func (r *Runtime) evalScript(source string, inv runtimes.Invocation) (output types.Data, retErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			retErr = errors.Errorf("script panic: %v", rec)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(r.symbols); err != nil {
		return nil, errors.Annotatef(err, "load sandbox symbols")
	}

	if _, err := i.Eval(source); err != nil {
		return nil, errors.Annotatef(err, "interpret script")
	}

	fnValue, err := i.Eval(runFuncName)
	if err != nil {
		return nil, errors.Errorf("script must define %s(input, config map[string]any) (map[string]any, error): %v",
			runFuncName, err)
	}
	return invokeRunFunc(fnValue, inv)
}

func invokeRunFunc(value reflect.Value, inv runtimes.Invocation) (types.Data, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, errors.Errorf("%s is not a function", runFuncName)
	}

	args := []reflect.Value{
		reflect.ValueOf(map[string]any(inv.Input)),
		reflect.ValueOf(map[string]any(inv.Config)),
	}
	if inv.Input == nil {
		args[0] = reflect.ValueOf(map[string]any{})
	}
	if inv.Config == nil {
		args[1] = reflect.ValueOf(map[string]any{})
	}

	results := value.Call(args)
	if len(results) == 0 || len(results) > 2 {
		return nil, errors.Errorf("%s must return (map[string]any[, error])", runFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, errors.Trace(e)
		}
		return nil, errors.Errorf("%s returned non-error second value", runFuncName)
	}

	out, ok := results[0].Interface().(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s returned %s, want map[string]any",
			runFuncName, fmt.Sprintf("%T", results[0].Interface()))
	}
	return types.Data(out), nil
}
