package wasm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/policy"
	"github.com/latticerun/core/internal/sandbox/wasm"
	"github.com/latticerun/core/internal/store"
)

func TestExecute_DeniesWithoutRunScope(t *testing.T) {
	global := policy.NewLivePolicy(policy.Default(), "")
	e := wasm.New(context.Background(), wasm.Config{Policy: global})
	defer e.Close(context.Background())

	fn := store.Function{Name: "no_scope", Runtime: "wasm", Code: "", Permissions: store.Permissions{}}
	_, err := e.Execute(context.Background(), fn, `{}`, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error: function declared no run scope")
	}
	var herr *apierr.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HandlerError, got %T: %v", err, err)
	}
}

func TestExecute_RejectsMalformedModule(t *testing.T) {
	global := policy.NewLivePolicy(policy.Default(), "")
	e := wasm.New(context.Background(), wasm.Config{Policy: global})
	defer e.Close(context.Background())

	fn := store.Function{
		Name:        "bad_module",
		Runtime:     "wasm",
		Code:        "not-valid-base64!!!",
		Permissions: store.Permissions{Run: []string{"wasm"}},
	}
	_, err := e.Execute(context.Background(), fn, `{}`, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error: code is not valid base64-encoded wasm")
	}
	var herr *apierr.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HandlerError, got %T: %v", err, err)
	}
}

// echoModule is a hand-assembled WASM binary (no compiler involved) that
// exercises the same host/guest contract a real Function module must
// satisfy: it exports memory/alloc/handle, imports env.emit_stream, streams
// the literal JSON string "1" once, then echoes the input pointer/length
// back as its result so the test can assert the final buffer round-trips.
const echoModule = "AGFzbQEAAAABEgNgAn9/AGABfwF/YAJ/fwJ/fwITAQNlbnYLZW1pdF9zdHJlYW0AAAMDAgECBQMBAAEHGwMGbWVtb3J5AgAFYWxsb2MAAQZoYW5kbGUAAgoVAgUAQYAgCw0AQYAQQQMQACAAIAELCwoBAEGAEAsDIjEi"

func TestExecute_RunsRealModuleStreamsThenEchoesResult(t *testing.T) {
	global := policy.NewLivePolicy(policy.Default(), "")
	e := wasm.New(context.Background(), wasm.Config{Policy: global})
	defer e.Close(context.Background())

	fn := store.Function{
		Name:        "echo_fn",
		Runtime:     "wasm",
		Code:        echoModule,
		Permissions: store.Permissions{Run: []string{"wasm"}},
		UpdatedAt:   "v1",
	}

	var streamed []string
	result, err := e.Execute(context.Background(), fn, `{"ok":true}`, func(data string) error {
		streamed = append(streamed, data)
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != `{"ok":true}` {
		t.Fatalf("result = %q, want echoed input", result)
	}
	if len(streamed) != 1 || streamed[0] != `"1"` {
		t.Fatalf("streamed = %v, want one `\"1\"` frame", streamed)
	}
}

func TestFault_Error(t *testing.T) {
	f := &wasm.Fault{Reason: wasm.FaultNoExport, Module: "m", Detail: "missing handle"}
	got := f.Error()
	if got != "WASM_NO_EXPORT: module=m: missing handle" {
		t.Fatalf("unexpected fault message: %q", got)
	}
}
