// Package scheduler drives the claim-dispatch-trace cycle: it polls the
// Queue Store at a fixed rate, hands each eligible entry to the sandbox
// dispatcher, records trace events as the handler runs, and decides
// whether a failure should retry or terminate the entry.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/bus"
	"github.com/latticerun/core/internal/sandbox"
	"github.com/latticerun/core/internal/shared"
	"github.com/latticerun/core/internal/store"
	"github.com/latticerun/core/internal/tracing"
)

// DefaultPollInterval matches the 5 Hz cadence the design notes call for.
const DefaultPollInterval = 200 * time.Millisecond

type Config struct {
	Store        *store.Store
	Dispatcher   sandbox.Dispatcher
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	PollInterval time.Duration
}

// Scheduler runs the poll loop described above until its context is
// cancelled.
type Scheduler struct {
	store        *store.Store
	dispatcher   sandbox.Dispatcher
	bus          *bus.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	pollInterval time.Duration
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("scheduler")
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		bus:          cfg.Bus,
		logger:       logger,
		tracer:       tracer,
		pollInterval: interval,
	}
}

// Run recovers orphaned "running" entries left by a prior crash, then
// polls the Queue Store at PollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	recovered, err := s.store.RecoverRunningEntries(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Info("recovered orphaned queue entries", "count", recovered)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims every currently-eligible entry and dispatches each one in
// its own goroutine so a slow handler never delays the next poll.
func (s *Scheduler) tick(ctx context.Context) {
	entries, err := s.store.ListQueued(ctx)
	if err != nil {
		s.logger.Error("list queued entries failed", "error", err)
		return
	}
	for _, entry := range entries {
		entry := entry
		go s.dispatch(ctx, entry)
	}
}

// dispatch runs the claim -> execute -> trace -> retry/complete cycle for
// a single Queue Entry.
func (s *Scheduler) dispatch(ctx context.Context, entry store.Entry) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := s.logger.With("trace_id", shared.TraceID(ctx))

	ctx, span := tracing.StartSpan(ctx, s.tracer, "scheduler.dispatch",
		tracing.AttrTaskID.String(entry.TaskID),
		tracing.AttrQueueID.String(entry.ID),
		tracing.AttrAttempt.Int(entry.Retries),
	)
	defer span.End()

	if err := s.store.SetStatus(ctx, entry.ID, store.StatusRunning); err != nil {
		logger.Error("claim entry failed", "queue_id", entry.ID, "error", err)
		return
	}
	s.publish(bus.TopicQueueStateChanged, bus.QueueStateChangedEvent{
		QueueID: entry.ID, TaskID: entry.TaskID, OldStatus: store.StatusQueued, NewStatus: store.StatusRunning,
	})

	if err := s.store.EmitTrace(ctx, entry.TaskID, entry.ID, store.TraceStart, `{}`); err != nil {
		logger.Error("emit start trace failed", "queue_id", entry.ID, "error", err)
	}

	fn, err := s.store.GetFunctionByName(ctx, entry.FunctionName)
	if err != nil {
		s.fail(ctx, entry, err)
		return
	}

	onStream := func(data string) error {
		return s.store.EmitTrace(ctx, entry.TaskID, entry.ID, store.TraceStream, data)
	}

	result, execErr := s.dispatcher.Execute(ctx, fn, entry.Params, onStream)
	if execErr != nil {
		s.handleFailure(ctx, entry, execErr)
		return
	}

	if err := s.store.EmitTrace(ctx, entry.TaskID, entry.ID, store.TraceEnd, result); err != nil {
		logger.Error("emit end trace failed", "queue_id", entry.ID, "error", err)
	}
	if err := s.store.SetStatus(ctx, entry.ID, store.StatusCompleted); err != nil {
		logger.Error("mark completed failed", "queue_id", entry.ID, "error", err)
		return
	}
	s.publish(bus.TopicQueueCompleted, bus.QueueStateChangedEvent{
		QueueID: entry.ID, TaskID: entry.TaskID, OldStatus: store.StatusRunning, NewStatus: store.StatusCompleted,
	})
}

// handleFailure decides whether entry has retry budget remaining: if so
// it consumes one attempt and requeues behind the jittered delay gate,
// otherwise it marks the entry terminally failed.
func (s *Scheduler) handleFailure(ctx context.Context, entry store.Entry, execErr error) {
	logger := s.logger.With("trace_id", shared.TraceID(ctx))
	available, err := s.store.AvailableRetries(ctx, entry.ID)
	if err != nil {
		logger.Error("check retry budget failed", "queue_id", entry.ID, "error", err)
		s.fail(ctx, entry, execErr)
		return
	}

	if available <= 0 {
		s.fail(ctx, entry, execErr)
		return
	}

	if err := s.store.DecrementRetryBudget(ctx, entry.ID); err != nil {
		s.fail(ctx, entry, execErr)
		return
	}
	if err := s.store.SetStatus(ctx, entry.ID, store.StatusQueued); err != nil {
		logger.Error("requeue after failure failed", "queue_id", entry.ID, "error", err)
		return
	}
	s.publish(bus.TopicQueueRetrying, bus.QueueStateChangedEvent{
		QueueID: entry.ID, TaskID: entry.TaskID, OldStatus: store.StatusRunning, NewStatus: store.StatusQueued,
	})
}

// fail marks entry terminally failed and records why.
func (s *Scheduler) fail(ctx context.Context, entry store.Entry, execErr error) {
	logger := s.logger.With("trace_id", shared.TraceID(ctx))
	if err := s.store.EmitTrace(ctx, entry.TaskID, entry.ID, store.TraceFailed, errorData(execErr)); err != nil {
		logger.Error("emit failed trace failed", "queue_id", entry.ID, "error", err)
	}
	if err := s.store.SetStatus(ctx, entry.ID, store.StatusFailed); err != nil {
		logger.Error("mark failed failed", "queue_id", entry.ID, "error", err)
		return
	}
	s.publish(bus.TopicQueueFailed, bus.QueueStateChangedEvent{
		QueueID: entry.ID, TaskID: entry.TaskID, OldStatus: store.StatusRunning, NewStatus: store.StatusFailed,
	})
}

func (s *Scheduler) publish(topic string, ev bus.QueueStateChangedEvent) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

func errorData(err error) string {
	var timeout *apierr.TimeoutError
	var handler *apierr.HandlerError
	msg := err.Error()
	kind := "error"
	switch {
	case errors.As(err, &timeout):
		kind = "timeout"
	case errors.As(err, &handler):
		kind = "handler_error"
	}
	b, marshalErr := json.Marshal(map[string]string{"kind": kind, "error": msg})
	if marshalErr != nil {
		return `{"kind":"error","error":"unmarshalable error"}`
	}
	return string(b)
}
