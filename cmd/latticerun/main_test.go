package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/latticerun/core/internal/store"
)

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Fatal("expected a non-empty default version string")
	}
}

func TestPrintUsageDoesNotPanic(t *testing.T) {
	printUsage()
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecutionTimeout_FallsBackAndSeedsWhenUnset(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	got := executionTimeout(ctx, db, 30, logger)
	if got != 30*time.Second {
		t.Fatalf("got %v, want 30s default", got)
	}

	seeded, err := db.GetConfig(ctx, "function_execution_timeout")
	if err != nil {
		t.Fatalf("expected default to be seeded into config: %v", err)
	}
	if seeded != "30000" {
		t.Fatalf("seeded value = %q, want 30000 ms", seeded)
	}
}

func TestExecutionTimeout_PrefersConfiguredValue(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := db.PutConfig(ctx, "function_execution_timeout", "5000"); err != nil {
		t.Fatalf("put config: %v", err)
	}

	got := executionTimeout(ctx, db, 30, logger)
	if got != 5*time.Second {
		t.Fatalf("got %v, want 5s from config", got)
	}
}

func TestExecutionTimeout_FallsBackOnInvalidValue(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := db.PutConfig(ctx, "function_execution_timeout", "not-a-number"); err != nil {
		t.Fatalf("put config: %v", err)
	}

	got := executionTimeout(ctx, db, 30, logger)
	if got != 30*time.Second {
		t.Fatalf("got %v, want 30s fallback on invalid config", got)
	}
}
