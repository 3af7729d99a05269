// Package sandbox defines the contract shared by the two handler
// execution backends (subprocess and WASM) and dispatches a Function to
// whichever one its Runtime field names.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticerun/core/internal/store"
)

// StreamFunc is invoked once per intermediate value yielded by a
// generator-style handler, in order, before Execute returns.
type StreamFunc func(data string) error

// Executor runs one Function against one input with bounded permissions
// and a timeout, reporting any intermediate values through onStream and
// returning the handler's final value as a JSON string.
type Executor interface {
	Execute(ctx context.Context, fn store.Function, params string, onStream StreamFunc) (result string, err error)
}

// Dispatcher routes a Function to its Runtime's executor.
type Dispatcher struct {
	Process Executor
	WASM    Executor
}

func (d Dispatcher) Execute(ctx context.Context, fn store.Function, params string, onStream StreamFunc) (string, error) {
	switch fn.Runtime {
	case "wasm":
		if d.WASM == nil {
			return "", fmt.Errorf("sandbox: no wasm executor configured")
		}
		return d.WASM.Execute(ctx, fn, params, onStream)
	case "process", "":
		if d.Process == nil {
			return "", fmt.Errorf("sandbox: no process executor configured")
		}
		return d.Process.Execute(ctx, fn, params, onStream)
	default:
		return "", fmt.Errorf("sandbox: unknown runtime %q", fn.Runtime)
	}
}

// Frame is one line of the NDJSON protocol a subprocess handler writes to
// stdout: zero or more {"type":"stream",...} frames followed by exactly
// one {"type":"end",...} or {"type":"error",...} frame.
type Frame struct {
	Type string          `json:"type"` // "stream" | "end" | "error"
	Data json.RawMessage `json:"data"`
}
