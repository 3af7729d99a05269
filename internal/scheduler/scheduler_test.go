package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/sandbox"
	"github.com/latticerun/core/internal/scheduler"
	"github.com/latticerun/core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateTask(t *testing.T, s *store.Store, name, code string, retries, delayMS int) store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), store.TaskConfig{
		Name:       name,
		Code:       code,
		RetryCount: retries,
		RetryDelay: delayMS,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

type fakeExecutor struct {
	results map[string]string
	errs    map[string]error
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, fn store.Function, params string, onStream sandbox.StreamFunc) (string, error) {
	f.calls++
	if err, ok := f.errs[fn.Name]; ok {
		return "", err
	}
	if onStream != nil {
		_ = onStream(`{"progress":1}`)
	}
	return f.results[fn.Name], nil
}

func waitForStatus(t *testing.T, s *store.Store, queueID, want string, timeout time.Duration) store.Entry {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetEntry(context.Background(), queueID)
		if err != nil {
			t.Fatalf("get entry: %v", err)
		}
		if e.Status == want {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry %s never reached status %q", queueID, want)
	return store.Entry{}
}

func TestScheduler_CompletesSuccessfulEntry(t *testing.T) {
	s := openTestStore(t)
	task := mustCreateTask(t, s, "hello_world", "echo hi", 0, 100)
	queueID, err := s.Enqueue(context.Background(), task.ID, `{"name":"world"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := &fakeExecutor{results: map[string]string{task.FunctionName: `{"bye":"bye"}`}}
	sched := scheduler.New(scheduler.Config{
		Store:        s,
		Dispatcher:   sandbox.Dispatcher{Process: exec},
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	entry := waitForStatus(t, s, queueID, store.StatusCompleted, time.Second)
	if entry.Retries != 0 {
		t.Fatalf("expected no retries consumed, got %d", entry.Retries)
	}

	traces, err := s.TailTraces(context.Background(), queueID, 0)
	if err != nil {
		t.Fatalf("tail traces: %v", err)
	}
	var sawEnd bool
	for _, tr := range traces {
		if tr.Status == store.TraceEnd {
			sawEnd = true
		}
		if tr.TaskID != task.ID {
			t.Fatalf("trace task id mismatch: got %q want %q", tr.TaskID, task.ID)
		}
	}
	if !sawEnd {
		t.Fatal("expected an end trace")
	}
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	s := openTestStore(t)
	task := mustCreateTask(t, s, "flaky", "echo hi", 2, 10)
	queueID, err := s.Enqueue(context.Background(), task.ID, `{}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := &attemptCountingExecutor{fail: 1, fnName: task.FunctionName}
	sched := scheduler.New(scheduler.Config{
		Store:        s,
		Dispatcher:   sandbox.Dispatcher{Process: exec},
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	entry := waitForStatus(t, s, queueID, store.StatusCompleted, time.Second)
	if entry.Retries == 0 {
		t.Fatal("expected at least one retry to have been consumed")
	}

	// A retried-then-succeeded entry must match start · stream* · end with
	// no failed trace recorded for the retried attempt.
	traces, err := s.TailTraces(context.Background(), queueID, 0)
	if err != nil {
		t.Fatalf("tail traces: %v", err)
	}
	var ends, faileds int
	for _, tr := range traces {
		switch tr.Status {
		case store.TraceEnd:
			ends++
		case store.TraceFailed:
			faileds++
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly 1 end trace, got %d", ends)
	}
	if faileds != 0 {
		t.Fatalf("expected no failed traces for a retry that eventually succeeded, got %d", faileds)
	}
}

type attemptCountingExecutor struct {
	calls  int
	fail   int
	fnName string
}

func (e *attemptCountingExecutor) Execute(_ context.Context, fn store.Function, params string, onStream sandbox.StreamFunc) (string, error) {
	e.calls++
	if e.calls <= e.fail {
		return "", &apierr.HandlerError{FunctionName: fn.Name, Cause: context.DeadlineExceeded}
	}
	return `{"ok":true}`, nil
}

func TestScheduler_FailsPermanentlyWhenRetriesExhausted(t *testing.T) {
	s := openTestStore(t)
	task := mustCreateTask(t, s, "boom", "exit 1", 1, 10)
	queueID, err := s.Enqueue(context.Background(), task.ID, `{}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := &fakeExecutor{errs: map[string]error{
		task.FunctionName: &apierr.HandlerError{FunctionName: task.FunctionName, Cause: context.DeadlineExceeded},
	}}
	sched := scheduler.New(scheduler.Config{
		Store:        s,
		Dispatcher:   sandbox.Dispatcher{Process: exec},
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	entry := waitForStatus(t, s, queueID, store.StatusFailed, time.Second)
	if entry.Retries != entry.MaxRetries {
		t.Fatalf("expected retry budget fully consumed, got %d/%d", entry.Retries, entry.MaxRetries)
	}
}
