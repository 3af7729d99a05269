package store_test

import (
	"context"
	"testing"

	"github.com/latticerun/core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ConfiguresWAL(t *testing.T) {
	s := openTestStore(t)

	var journal string
	if err := s.MetaDB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := s.QueueDB().QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
}

func TestOpen_CreatesMetadataTables(t *testing.T) {
	s := openTestStore(t)
	for _, tbl := range []string{"config", "services", "functions", "tasks"} {
		var name string
		err := s.MetaDB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", tbl).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", tbl, err)
		}
	}
}

func TestOpen_CreatesQueueTables(t *testing.T) {
	s := openTestStore(t)
	for _, tbl := range []string{"queue", "trace"} {
		var name string
		err := s.QueueDB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", tbl).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", tbl, err)
		}
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := store.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s1.Close()

	s2, err := store.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
}
