package submission

import (
	"context"
	"log/slog"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/metrics"
)

// Timer periodically sweeps for records whose submission is due and
// runs them through the orchestrator. It is the durable half of the
// retry schedule: scheduled retries survive restarts because the next
// attempt time lives on the record.
type Timer struct {
	orchestrator *Orchestrator
	records      evv.Store
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	stop         chan struct{}
}

// TimerOption configures the sweep timer.
type TimerOption func(*Timer)

// WithSweepInterval overrides how often the timer scans for due records.
func WithSweepInterval(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithSweepBatch overrides how many due records one sweep processes.
func WithSweepBatch(n int) TimerOption {
	return func(t *Timer) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// NewTimer creates a submission sweep timer.
func NewTimer(orchestrator *Orchestrator, records evv.Store, logger *slog.Logger, opts ...TimerOption) *Timer {
	t := &Timer{
		orchestrator: orchestrator,
		records:      records,
		interval:     30 * time.Second,
		batchSize:    50,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	due, err := t.records.ListDueForSubmission(ctx, time.Now(), t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list records due for submission", "error", err)
		return
	}
	metrics.RecordsAwaitingSubmission.Set(float64(len(due)))
	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		if err := t.orchestrator.Submit(ctx, rec.ID); err != nil {
			t.logger.Warn("sweep submission failed", "record_id", rec.ID, "error", err)
		}
	}
}
