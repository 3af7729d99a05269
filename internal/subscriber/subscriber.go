// Package subscriber tails a Queue Entry's trace records for callers that
// want to watch a single invocation run to completion, without requiring
// a pub/sub transport: it polls the Queue Store at a fixed rate and
// performs one extra read after the entry reaches a terminal status so a
// trace written in the same instant as the status flip is never missed.
package subscriber

import (
	"context"
	"time"

	"github.com/latticerun/core/internal/store"
)

// DefaultPollInterval matches the scheduler's own poll cadence.
const DefaultPollInterval = 200 * time.Millisecond

// Subscriber tails trace records for one Queue Entry.
type Subscriber struct {
	store        *store.Store
	pollInterval time.Duration
}

func New(s *store.Store, pollInterval time.Duration) *Subscriber {
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	return &Subscriber{store: s, pollInterval: pollInterval}
}

func isTerminal(status string) bool {
	return status == store.StatusCompleted || status == store.StatusFailed
}

// Subscribe streams every Trace for queueID to onTrace, in order, starting
// from the beginning of the entry's history. It keeps polling until the
// entry reaches a terminal status, performs one final read to flush any
// trace written between the last poll and the status transition, and then
// returns. Returning a non-nil error from onTrace stops the subscription
// early. ctx cancellation stops the subscription without an error.
func (sub *Subscriber) Subscribe(ctx context.Context, queueID string, onTrace func(store.Trace) error) error {
	var sinceID int64
	ticker := time.NewTicker(sub.pollInterval)
	defer ticker.Stop()

	for {
		entry, err := sub.store.GetEntry(ctx, queueID)
		if err != nil {
			return err
		}

		sinceID, err = sub.drain(ctx, queueID, sinceID, onTrace)
		if err != nil {
			return err
		}

		if isTerminal(entry.Status) {
			// One more read in case a trace landed between the entry
			// read above and the status flip becoming visible.
			_, err := sub.drain(ctx, queueID, sinceID, onTrace)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (sub *Subscriber) drain(ctx context.Context, queueID string, sinceID int64, onTrace func(store.Trace) error) (int64, error) {
	traces, err := sub.store.TailTraces(ctx, queueID, sinceID)
	if err != nil {
		return sinceID, err
	}
	for _, t := range traces {
		if err := onTrace(t); err != nil {
			return sinceID, err
		}
		if t.ID > sinceID {
			sinceID = t.ID
		}
	}
	return sinceID, nil
}
