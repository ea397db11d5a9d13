package wasm

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/conductline/conduct/runtimes"
	"github.com/conductline/conduct/types"
)

/**
 * Hand-assembled guest modules. echoModule exports memory,
 * alloc(size i32) -> i32 and run(ptr, len i32) -> i64: alloc hands out
 * a fixed scratch offset, run ignores the request envelope and returns
 * a packed pointer to the constant result envelope
 * {"output":{"ok":true}} held in the data segment at offset 8. Raw
 * bytes keep the tests free of a wasm toolchain dependency.
 */
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	// type: (i32)->i32, (i32,i32)->i64
	0x01, 0x0c, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	// functions: alloc=type0, run=type1
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: memory, alloc, run
	0x07, 0x18, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x01,
	// code: alloc -> i32.const 1024; run -> i64.const (8<<32)|22
	0x0a, 0x11, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x09, 0x00, 0x42, 0x96, 0x80, 0x80, 0x80, 0x80, 0x01, 0x0b,
	// data: result envelope at offset 8
	0x0b, 0x1c, 0x01, 0x00, 0x41, 0x08, 0x0b, 0x16,
	'{', '"', 'o', 'u', 't', 'p', 'u', 't', '"', ':',
	'{', '"', 'o', 'k', '"', ':', 't', 'r', 'u', 'e', '}', '}',
}

// Same ABI, but run hits unreachable immediately.
var trapModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0c, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x18, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x01,
	0x0a, 0x0b, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x03, 0x00, 0x00, 0x0b,
}

// Exports memory only; the ABI functions are missing.
var bareModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

func newTestRuntime(t *testing.T) *Runtime {
	r := NewRuntime(context.Background(), 4)
	t.Cleanup(func() {
		assert.Nil(t, r.Close(context.Background()))
	})
	return r
}

func TestRegisterModuleDuplicate(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	assert.Nil(t, r.RegisterModule(ctx, "echo", echoModule))
	assert.True(t, errors.IsAlreadyExists(r.RegisterModule(ctx, "echo", echoModule)))
}

func TestExecuteRegisteredModule(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	assert.Nil(t, r.RegisterModule(ctx, "echo", echoModule))
	res, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Input:  types.Data{"n": 7},
		Config: types.Data{"module": "echo"},
	})
	assert.Nil(t, err)
	assert.Equal(t, types.Data{"ok": true}, res.Output)
	assert.Nil(t, res.Activated)
}

func TestExecuteIsDeterministic(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	assert.Nil(t, r.RegisterModule(ctx, "echo", echoModule))
	inv := runtimes.Invocation{
		Input:  types.Data{"order": "o-17", "total": 42.0},
		Config: types.Data{"module": "echo"},
	}

	first, err := r.Execute(ctx, "wasm", inv)
	assert.Nil(t, err)
	second, err := r.Execute(ctx, "wasm", inv)
	assert.Nil(t, err)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.Activated, second.Activated)
}

func TestExecuteInlineModule(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	res, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Input:  types.Data{},
		Config: types.Data{"wasm_base64": base64.StdEncoding.EncodeToString(echoModule)},
	})
	assert.Nil(t, err)
	assert.Equal(t, types.Data{"ok": true}, res.Output)
}

func TestExecuteMissingConfig(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "wasm", runtimes.Invocation{Config: types.Data{}})
	assert.True(t, errors.IsBadRequest(errors.Cause(err)))
}

func TestExecuteUnknownModule(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Config: types.Data{"module": "nope"},
	})
	assert.True(t, errors.IsNotFound(errors.Cause(err)))
}

func TestExecuteBadBase64(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Config: types.Data{"wasm_base64": "not base64!"},
	})
	assert.NotNil(t, err)
}

func TestExecuteMissingExports(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	assert.Nil(t, r.RegisterModule(ctx, "bare", bareModule))
	_, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Config: types.Data{"module": "bare"},
	})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "must export")
}

func TestTrapSurfacesAsError(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	assert.Nil(t, r.RegisterModule(ctx, "trap", trapModule))
	_, err := r.Execute(ctx, "wasm", runtimes.Invocation{
		Input:  types.Data{"n": 1},
		Config: types.Data{"module": "trap"},
	})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "wasm run")
}
