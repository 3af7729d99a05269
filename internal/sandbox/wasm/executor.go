// Package wasm runs a Function's code as a compiled WASM module under
// wazero: the module's `handle` export is invoked with the JSON params
// written to guest memory, an imported `env.emit_stream` host function
// lets the guest report intermediate values, and the module's return
// pointer/length names the final JSON result.
package wasm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/audit"
	"github.com/latticerun/core/internal/policy"
	"github.com/latticerun/core/internal/sandbox"
	"github.com/latticerun/core/internal/store"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultTimeout is the wall-clock limit for a single invocation.
const DefaultTimeout = 30 * time.Second

type Config struct {
	Policy           *policy.LivePolicy
	Logger           *slog.Logger
	MemoryLimitPages uint32
	Timeout          time.Duration
}

// Executor implements sandbox.Executor by compiling and invoking a WASM
// module per Function. Compiled modules are cached by function name +
// code so repeated invocations skip recompilation.
type Executor struct {
	runtime wazero.Runtime
	global  *policy.LivePolicy
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]wazero.CompiledModule // key: function name + "@" + code hash
}

func New(ctx context.Context, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	return &Executor{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		global:  cfg.Policy,
		logger:  cfg.Logger,
		timeout: timeout,
		cache:   map[string]wazero.CompiledModule{},
	}
}

var _ sandbox.Executor = (*Executor)(nil)

func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Fault is a deterministic reason code for a failed invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

const (
	FaultTimeout   = "WASM_TIMEOUT"
	FaultNoExport  = "WASM_NO_EXPORT"
	FaultExecError = "WASM_FAULT"
	FaultBadCode   = "WASM_BAD_MODULE"
)

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Module, f.Detail)
}

func (e *Executor) Execute(ctx context.Context, fn store.Function, params string, onStream sandbox.StreamFunc) (string, error) {
	checker := policy.NewFunctionChecker(fn.Permissions, e.global)
	if !checker.AllowRun("wasm") {
		audit.Record("deny", "run", "missing_run_scope", checker.PolicyVersion(), fn.Name)
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: fmt.Errorf("function has no run permission for \"wasm\"")}
	}
	audit.Record("allow", "run", "capability_granted", checker.PolicyVersion(), fn.Name)

	compiled, err := e.compiled(ctx, fn)
	if err != nil {
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: err}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var streamErr error
	builder := e.runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			if err := onStream(string(data)); err != nil && streamErr == nil {
				streamErr = err
			}
		}).Export("emit_stream")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			if data, ok := mod.Memory().Read(ptr, length); ok {
				e.logger.Debug("wasm guest log", "function", fn.Name, "msg", string(data))
			}
		}).Export("log")
	if _, err := builder.Instantiate(invokeCtx); err != nil {
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: fmt.Errorf("instantiate host module: %w", err)}
	}

	module, err := e.runtime.InstantiateModule(invokeCtx, compiled, wazero.NewModuleConfig())
	if err != nil {
		if fault := classifyFault(fn.Name, err); fault != nil {
			return "", wrapFault(fn.Name, invokeCtx, fault)
		}
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: err}
	}
	defer module.Close(invokeCtx)

	result, err := invokeHandle(invokeCtx, module, fn.Name, params)
	if streamErr != nil {
		return "", streamErr
	}
	if err != nil {
		if fault := classifyFault(fn.Name, err); fault != nil {
			return "", wrapFault(fn.Name, invokeCtx, fault)
		}
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: err}
	}
	return result, nil
}

func (e *Executor) compiled(ctx context.Context, fn store.Function) (wazero.CompiledModule, error) {
	key := fn.Name + "@" + fn.UpdatedAt
	e.mu.Lock()
	if c, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	wasmBytes, err := base64.StdEncoding.DecodeString(fn.Code)
	if err != nil {
		return nil, &Fault{Reason: FaultBadCode, Module: fn.Name, Detail: err.Error()}
	}
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &Fault{Reason: FaultBadCode, Module: fn.Name, Detail: err.Error()}
	}

	e.mu.Lock()
	e.cache[key] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// invokeHandle writes params into guest memory via the module's `alloc`
// export, calls `handle(ptr, len) -> (ptr, len)`, and reads the result.
func invokeHandle(ctx context.Context, module api.Module, fnName, params string) (string, error) {
	alloc := module.ExportedFunction("alloc")
	handle := module.ExportedFunction("handle")
	if alloc == nil || handle == nil {
		return "", &Fault{Reason: FaultNoExport, Module: fnName, Detail: "module must export alloc and handle"}
	}

	in := []byte(params)
	results, err := alloc.Call(ctx, uint64(len(in)))
	if err != nil || len(results) == 0 {
		return "", fmt.Errorf("alloc input buffer: %w", err)
	}
	inPtr := uint32(results[0])
	if !module.Memory().Write(inPtr, in) {
		return "", fmt.Errorf("write input to guest memory")
	}

	out, err := handle.Call(ctx, uint64(inPtr), uint64(len(in)))
	if err != nil {
		return "", err
	}
	if len(out) < 2 {
		return "", &Fault{Reason: FaultNoExport, Module: fnName, Detail: "handle must return (ptr, len)"}
	}
	outPtr, outLen := uint32(out[0]), uint32(out[1])
	data, ok := module.Memory().Read(outPtr, outLen)
	if !ok {
		return "", fmt.Errorf("read output from guest memory")
	}
	return string(data), nil
}

func classifyFault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
}

func wrapFault(fnName string, ctx context.Context, fault *Fault) error {
	if fault.Reason == FaultTimeout || ctx.Err() != nil {
		return &apierr.TimeoutError{FunctionName: fnName, TimeoutMS: 0}
	}
	return &apierr.HandlerError{FunctionName: fnName, Cause: fault}
}
