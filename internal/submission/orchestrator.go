package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/aggregator"
	"github.com/neighborhood-lab/care-commons-sub016/internal/circuitbreaker"
	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/idgen"
	"github.com/neighborhood-lab/care-commons-sub016/internal/metrics"
	"github.com/neighborhood-lab/care-commons-sub016/internal/receipts"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
	"github.com/neighborhood-lab/care-commons-sub016/internal/syncutil"
	"github.com/neighborhood-lab/care-commons-sub016/internal/traces"
)

// Error codes the orchestrator assigns outside the adapter path.
const (
	codeUnknownState = "UNKNOWN_STATE"
	codeNoAdapter    = "NO_ADAPTER"
	codeExhausted    = "RETRY_EXHAUSTED"
)

// EventEmitter receives submission lifecycle events for real-time
// streaming. Implementations must not block.
type EventEmitter interface {
	EmitSubmissionResult(data map[string]interface{})
}

// Orchestrator owns the submission lifecycle for completed records.
// A per-record sharded lock serializes concurrent submissions of the
// same record; a per-vendor circuit breaker sheds load from an
// aggregator that is failing hard.
type Orchestrator struct {
	records  evv.Store
	attempts Store
	rules    *staterules.Registry
	adapters map[staterules.AggregatorKind]aggregator.Adapter
	policy   BackoffPolicy
	logger   *slog.Logger
	events   EventEmitter
	receipts *receipts.Service

	locks   syncutil.ShardedMutex
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithBackoff overrides the default retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithEvents wires real-time submission event streaming.
func WithEvents(e EventEmitter) Option {
	return func(o *Orchestrator) { o.events = e }
}

// WithReceipts wires signed audit receipts for accepted submissions.
func WithReceipts(r *receipts.Service) Option {
	return func(o *Orchestrator) { o.receipts = r }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	records evv.Store,
	attempts Store,
	rules *staterules.Registry,
	adapters map[staterules.AggregatorKind]aggregator.Adapter,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		records:  records,
		attempts: attempts,
		rules:    rules,
		adapters: adapters,
		policy:   DefaultBackoff(),
		logger:   logger,
		// Trip after 5 consecutive failures, probe again after a minute.
		breaker: circuitbreaker.New(5, time.Minute),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ evv.Submitter = (*Orchestrator)(nil)

// TriggerSubmit runs one submission attempt in the background. Failures
// are durable: the record's retry schedule survives the process, so a
// lost goroutine costs at most one timer interval.
func (o *Orchestrator) TriggerSubmit(recordID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := o.Submit(ctx, recordID); err != nil && !errors.Is(err, ErrNotSubmittable) {
			o.logger.Warn("background submission failed", "record_id", recordID, "error", err)
		}
	}()
}

// Submit runs one submission attempt for a completed or retry-scheduled
// record. The returned error reports orchestration problems; a vendor
// rejection is not an error here, it lands in the record's status and
// the attempt trail.
func (o *Orchestrator) Submit(ctx context.Context, recordID string) error {
	ctx, span := traces.StartSpan(ctx, "submission.Submit", traces.RecordID(recordID))
	defer span.End()

	unlock := o.locks.Lock(recordID)
	defer unlock()

	rec, err := o.records.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != evv.StatusComplete && rec.Status != evv.StatusRetryScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotSubmittable, recordID, rec.Status)
	}

	rule, err := o.rules.Get(rec.StateCode)
	if err != nil {
		// A state we have no rules for can never succeed. Park the
		// record instead of burning the retry budget.
		var unknown *staterules.UnknownStateError
		if errors.As(err, &unknown) {
			o.fail(ctx, rec, codeUnknownState, err.Error())
			return err
		}
		return err
	}

	adapter, ok := o.adapters[rule.Aggregator]
	if !ok {
		o.fail(ctx, rec, codeNoAdapter, fmt.Sprintf("no adapter configured for %s", rule.Aggregator))
		return fmt.Errorf("no adapter configured for aggregator %q", rule.Aggregator)
	}
	vendor := adapter.Vendor()
	span.SetAttributes(traces.StateCode(rec.StateCode), traces.Vendor(vendor),
		traces.AttemptNumber(rec.SubmissionAttempts+1))

	if !o.breaker.Allow(vendor) {
		// Reschedule without consuming an attempt; the vendor was
		// never called.
		o.reschedule(ctx, rec, vendor, rec.SubmissionAttempts+1)
		return ErrCircuitOpen
	}

	rec.Status = evv.StatusSubmitting
	rec.SubmissionAttempts++
	rec.NextAttemptAt = nil
	rec.UpdatedAt = o.now()
	if err := o.records.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("mark submitting: %w", err)
	}

	started := o.now()
	res, err := adapter.Submit(ctx, rec, rule)
	if err != nil {
		// Adapter errors are programming or context problems, not
		// vendor outcomes. Leave the record retryable.
		o.reschedule(ctx, rec, vendor, rec.SubmissionAttempts)
		return fmt.Errorf("adapter %s: %w", vendor, err)
	}
	elapsed := o.now().Sub(started)
	metrics.SubmissionDuration.WithLabelValues(vendor).Observe(elapsed.Seconds())

	outcome := classifyOutcome(res)
	o.audit(ctx, rec, vendor, outcome, res, elapsed)
	metrics.SubmissionsTotal.WithLabelValues(vendor, string(outcome)).Inc()

	switch outcome {
	case OutcomeSuccess, OutcomeDuplicate:
		o.breaker.RecordSuccess(vendor)
		rec.Status = evv.StatusSubmitted
		if res.SubmissionID != "" {
			rec.SubmissionID = res.SubmissionID
		}
		rec.LastErrorCode = ""
		rec.UpdatedAt = o.now()
		if err := o.records.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}
		o.issueReceipt(ctx, rec, vendor, outcome)
		o.emit(rec, vendor, outcome, "")

	case OutcomeRetry:
		if vendorFault(res.ErrorCode) {
			o.breaker.RecordFailure(vendor)
		}
		rec.LastErrorCode = res.ErrorCode
		if o.policy.Exhausted(rec.SubmissionAttempts) {
			o.fail(ctx, rec, codeExhausted, res.ErrorDetail)
			o.emit(rec, vendor, OutcomeFatal, codeExhausted)
			return nil
		}
		o.reschedule(ctx, rec, vendor, rec.SubmissionAttempts)
		o.emit(rec, vendor, outcome, res.ErrorCode)

	default: // OutcomeRejected
		o.breaker.RecordSuccess(vendor)
		o.fail(ctx, rec, res.ErrorCode, res.ErrorDetail)
		o.emit(rec, vendor, outcome, res.ErrorCode)
	}
	return nil
}

// Resubmit requeues a failed or denied record after correction. The
// integrity hash still rides along as the idempotency key, so a vendor
// that did receive an earlier copy deduplicates it.
func (o *Orchestrator) Resubmit(ctx context.Context, recordID string) error {
	unlock := o.locks.Lock(recordID)
	defer unlock()

	rec, err := o.records.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != evv.StatusFailed && rec.Status != evv.StatusDenied {
		return fmt.Errorf("%w: %s is %s", ErrNotSubmittable, recordID, rec.Status)
	}
	rec.Status = evv.StatusComplete
	rec.SubmissionAttempts = 0
	rec.LastErrorCode = ""
	at := o.now()
	rec.NextAttemptAt = &at
	rec.UpdatedAt = at
	return o.records.UpdateRecord(ctx, rec)
}

// Disposition is the aggregator's asynchronous verdict on a submitted
// record.
type Disposition struct {
	RecordID string `json:"recordId"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// RecordDisposition applies an approval or denial callback from the
// vendor to a submitted record.
func (o *Orchestrator) RecordDisposition(ctx context.Context, d Disposition) (*evv.EVVRecord, error) {
	unlock := o.locks.Lock(d.RecordID)
	defer unlock()

	rec, err := o.records.GetRecord(ctx, d.RecordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != evv.StatusSubmitted {
		return nil, fmt.Errorf("%w: disposition for %s in %s", ErrNotSubmittable, d.RecordID, rec.Status)
	}
	if d.Approved {
		rec.Status = evv.StatusApproved
	} else {
		rec.Status = evv.StatusDenied
		rec.LastErrorCode = d.Reason
	}
	rec.UpdatedAt = o.now()
	if err := o.records.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Attempts returns the audit trail for a record.
func (o *Orchestrator) Attempts(ctx context.Context, recordID string) ([]*Attempt, error) {
	return o.attempts.ListAttempts(ctx, recordID)
}

func (o *Orchestrator) reschedule(ctx context.Context, rec *evv.EVVRecord, vendor string, attempt int) {
	at := o.now().Add(o.policy.NextDelay(attempt))
	rec.Status = evv.StatusRetryScheduled
	rec.NextAttemptAt = &at
	rec.UpdatedAt = o.now()
	if err := o.records.UpdateRecord(ctx, rec); err != nil {
		o.logger.Error("failed to reschedule record", "record_id", rec.ID, "error", err)
		return
	}
	metrics.SubmissionRetriesTotal.WithLabelValues(vendor).Inc()
	o.logger.Info("submission rescheduled",
		"record_id", rec.ID, "vendor", vendor,
		"attempt", attempt, "next_attempt_at", at)
}

func (o *Orchestrator) fail(ctx context.Context, rec *evv.EVVRecord, code, detail string) {
	rec.Status = evv.StatusFailed
	rec.LastErrorCode = code
	rec.NextAttemptAt = nil
	rec.UpdatedAt = o.now()
	if err := o.records.UpdateRecord(ctx, rec); err != nil {
		o.logger.Error("failed to mark record failed", "record_id", rec.ID, "error", err)
		return
	}
	o.logger.Warn("record submission failed terminally",
		"record_id", rec.ID, "code", code, "detail", detail,
		"attempts", rec.SubmissionAttempts)
}

func (o *Orchestrator) audit(ctx context.Context, rec *evv.EVVRecord, vendor string, outcome Outcome, res *aggregator.SubmissionResult, elapsed time.Duration) {
	a := &Attempt{
		ID:          idgen.WithPrefix("att_"),
		RecordID:    rec.ID,
		Vendor:      vendor,
		Number:      rec.SubmissionAttempts,
		Outcome:     outcome,
		ErrorCode:   res.ErrorCode,
		ErrorDetail: res.ErrorDetail,
		DurationMs:  elapsed.Milliseconds(),
		AttemptedAt: o.now(),
	}
	if err := o.attempts.CreateAttempt(ctx, a); err != nil {
		o.logger.Error("failed to record submission attempt", "record_id", rec.ID, "error", err)
	}
}

// issueReceipt signs an audit receipt for an accepted record. A failure
// here never fails the submission; the attempt trail already has the
// authoritative history.
func (o *Orchestrator) issueReceipt(ctx context.Context, rec *evv.EVVRecord, vendor string, outcome Outcome) {
	mode := receipts.OutcomeAccepted
	if outcome == OutcomeDuplicate {
		mode = receipts.OutcomeDuplicate
	}
	err := o.receipts.IssueSubmissionReceipt(ctx, receipts.IssueRequest{
		RecordID:       rec.ID,
		VisitID:        rec.VisitID,
		OrganizationID: rec.OrganizationID,
		StateCode:      rec.StateCode,
		Vendor:         vendor,
		Outcome:        mode,
		IntegrityHash:  rec.IntegrityHash,
		SubmissionID:   rec.SubmissionID,
		AttemptNumber:  rec.SubmissionAttempts,
	})
	if err != nil {
		o.logger.Error("failed to issue submission receipt", "record_id", rec.ID, "error", err)
	}
}

func (o *Orchestrator) emit(rec *evv.EVVRecord, vendor string, outcome Outcome, code string) {
	if o.events == nil {
		return
	}
	o.events.EmitSubmissionResult(map[string]interface{}{
		"recordId":       rec.ID,
		"visitId":        rec.VisitID,
		"organizationId": rec.OrganizationID,
		"stateCode":      rec.StateCode,
		"vendor":         vendor,
		"outcome":        string(outcome),
		"errorCode":      code,
		"status":         string(rec.Status),
	})
}

func classifyOutcome(res *aggregator.SubmissionResult) Outcome {
	switch {
	case res.Success:
		return OutcomeSuccess
	case res.ErrorCode == aggregator.CodeDuplicate:
		return OutcomeDuplicate
	case res.RequiresRetry:
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}

// vendorFault reports whether an error code indicts the vendor rather
// than the record. Only these trip the circuit.
func vendorFault(code string) bool {
	switch code {
	case aggregator.CodeNetworkError, aggregator.CodeServerError, aggregator.CodeRateLimited:
		return true
	}
	return false
}
