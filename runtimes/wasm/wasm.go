package wasm

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/juju/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
	"github.com/conductline/conduct/utils"
)

var (
	_ runtimes.Runtime = &Runtime{}
)

// Guest ABI: the module exports alloc(size i32) -> ptr i32 and
// run(ptr, len i32) -> packed i64 (result ptr in the high 32 bits,
// length in the low 32). The envelope crossing linear memory is the
// JSON {input, config} object in and the JSON {output} object out.
const (
	allocExport = "alloc"
	runExport   = "run"
)

/**
 * Runtime executes WASM node modules under wazero. Modules are
 * registered ahead of time by name (a node's config references one via
 * `module`) or inlined as base64 in the node config. Every invocation
 * instantiates a fresh instance with a capped linear memory and no
 * host functions beyond the ABI, so guests get no ambient filesystem
 * or network access and a trap in one instance cannot leak into
 * another. Traps and limit breaches surface as ExecutionError through
 * the dispatcher.
 */
type Runtime struct {
	mu       sync.RWMutex
	rt       wazero.Runtime
	compiled map[string]wazero.CompiledModule
}

func NewRuntime(ctx context.Context, memoryPages int) *Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(memoryPages)).
		WithCloseOnContextDone(true)
	return &Runtime{
		rt:       wazero.NewRuntimeWithConfig(ctx, cfg),
		compiled: make(map[string]wazero.CompiledModule),
	}
}

func (r *Runtime) Kind() runtimes.Kind {
	return runtimes.KindWasm
}

// RegisterModule compiles and stores a guest module under name.
func (r *Runtime) RegisterModule(ctx context.Context, name string, wasm []byte) error {
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return errors.Annotatef(err, "compile wasm module %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compiled[name]; exists {
		compiled.Close(ctx)
		return errors.AlreadyExistsf("wasm module %q", name)
	}
	r.compiled[name] = compiled
	return nil
}

func (r *Runtime) module(name string) (wazero.CompiledModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.compiled[name]
	return m, exists
}

func (r *Runtime) Execute(ctx context.Context, nodeType string, inv runtimes.Invocation) (*runtimes.Result, error) {
	compiled, err := r.resolveModule(ctx, inv.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// anonymous instance name so concurrent instantiations never clash
	modCfg := wazero.NewModuleConfig().WithName("")
	instance, err := r.rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, errors.Annotatef(err, "instantiate wasm module")
	}
	defer instance.Close(ctx)

	envelope, err := utils.Serialize(inv)
	if err != nil {
		return nil, errors.Trace(err)
	}

	out, err := r.call(ctx, instance, envelope)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var result runtimes.Result
	if err := utils.Unserialize(out, &result); err != nil {
		return nil, errors.Annotatef(err, "decode wasm result envelope")
	}
	return &result, nil
}

func (r *Runtime) resolveModule(ctx context.Context, config types.Data) (wazero.CompiledModule, error) {
	if name, exists := config.GetString("module"); exists && name != "" {
		compiled, found := r.module(name)
		if !found {
			return nil, errors.NotFoundf("wasm module %q", name)
		}
		return compiled, nil
	}

	encoded, exists := config.GetString("wasm_base64")
	if !exists || encoded == "" {
		return nil, errors.BadRequestf("wasm node config has neither module nor wasm_base64")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Annotatef(err, "decode inline wasm")
	}
	compiled, err := r.rt.CompileModule(ctx, raw)
	if err != nil {
		return nil, errors.Annotatef(err, "compile inline wasm")
	}
	return compiled, nil
}

func (r *Runtime) call(ctx context.Context, instance api.Module, envelope []byte) ([]byte, error) {
	alloc := instance.ExportedFunction(allocExport)
	run := instance.ExportedFunction(runExport)
	if alloc == nil || run == nil {
		return nil, errors.BadRequestf("wasm module must export %s and %s", allocExport, runExport)
	}

	allocRes, err := alloc.Call(ctx, uint64(len(envelope)))
	if err != nil {
		return nil, errors.Annotatef(err, "wasm alloc")
	}
	ptr := uint32(allocRes[0])

	mem := instance.Memory()
	if mem == nil {
		return nil, errors.BadRequestf("wasm module exports no memory")
	}
	if !mem.Write(ptr, envelope) {
		return nil, errors.Errorf("wasm envelope write out of range: ptr=%d len=%d", ptr, len(envelope))
	}

	runRes, err := run.Call(ctx, uint64(ptr), uint64(len(envelope)))
	if err != nil {
		// traps, unreachable, stack exhaustion all land here
		return nil, errors.Annotatef(err, "wasm run")
	}

	packed := runRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, errors.Errorf("wasm result read out of range: ptr=%d len=%d", outPtr, outLen)
	}

	// copy before the instance closes and the memory goes away
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
