package submission

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neighborhood-lab/care-commons-sub016/internal/aggregator"
	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/receipts"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// fakeAdapter returns scripted results and counts calls.
type fakeAdapter struct {
	vendor  string
	results []*aggregator.SubmissionResult
	calls   int
}

func (f *fakeAdapter) Vendor() string { return f.vendor }

func (f *fakeAdapter) Validate(rec *evv.EVVRecord, rule *staterules.StateRule) aggregator.ValidationResult {
	return aggregator.ValidationResult{IsValid: true}
}

func (f *fakeAdapter) Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*aggregator.SubmissionResult, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

func success(id string) *aggregator.SubmissionResult {
	return &aggregator.SubmissionResult{Success: true, SubmissionID: id, StatusCode: 201}
}

func transient() *aggregator.SubmissionResult {
	return &aggregator.SubmissionResult{ErrorCode: aggregator.CodeServerError, RequiresRetry: true, StatusCode: 502}
}

func rejected() *aggregator.SubmissionResult {
	return &aggregator.SubmissionResult{ErrorCode: aggregator.CodeRejected, StatusCode: 400}
}

func duplicate() *aggregator.SubmissionResult {
	return &aggregator.SubmissionResult{ErrorCode: aggregator.CodeDuplicate, StatusCode: 409}
}

type fixture struct {
	records  *evv.MemoryStore
	attempts *MemoryStore
	adapter  *fakeAdapter
	orch     *Orchestrator
}

func newFixture(t *testing.T, results ...*aggregator.SubmissionResult) *fixture {
	t.Helper()
	rules, err := staterules.New()
	require.NoError(t, err)

	f := &fixture{
		records:  evv.NewMemoryStore(),
		attempts: NewMemoryStore(),
		adapter:  &fakeAdapter{vendor: aggregator.VendorTellus, results: results},
	}
	f.orch = NewOrchestrator(
		f.records, f.attempts, rules,
		map[staterules.AggregatorKind]aggregator.Adapter{
			staterules.AggregatorTellus: f.adapter,
		},
		slog.Default(),
	)
	return f
}

func (f *fixture) seedRecord(t *testing.T, state string) *evv.EVVRecord {
	t.Helper()
	now := time.Now()
	in := now.Add(-2 * time.Hour)
	out := now.Add(-5 * time.Minute)
	rec := &evv.EVVRecord{
		ID:              "evv_sub1",
		VisitID:         "visit-1",
		OrganizationID:  "org-1",
		ClientID:        "client-1",
		CaregiverID:     "cg-1",
		StateCode:       state,
		ServiceTypeCode: "T1019",
		MedicaidID:      "M123",
		ClockIn: &evv.Leg{
			Timestamp: in,
			Location:  geoverify.Sample{Latitude: geoverify.Coord(28.0), Longitude: geoverify.Coord(-81.0), AccuracyM: 10},
		},
		ClockOut: &evv.Leg{
			Timestamp: out,
			Location:  geoverify.Sample{Latitude: geoverify.Coord(28.0), Longitude: geoverify.Coord(-81.0), AccuracyM: 10},
		},
		TotalDurationMin: 115,
		Status:           evv.StatusComplete,
		NextAttemptAt:    &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rec.IntegrityHash = evv.ComputeIntegrityHash(rec)
	require.NoError(t, f.records.CreateRecord(context.Background(), rec))
	return rec
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, success("sub-1"))
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, err := f.records.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, evv.StatusSubmitted, got.Status)
	assert.Equal(t, "sub-1", got.SubmissionID)
	assert.Equal(t, 1, got.SubmissionAttempts)
	assert.Nil(t, got.NextAttemptAt)

	attempts, err := f.orch.Attempts(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeSuccess, attempts[0].Outcome)
}

func TestSubmit_DuplicateIsTerminalSuccess(t *testing.T) {
	f := newFixture(t, duplicate())
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusSubmitted, got.Status)
	assert.Equal(t, 1, f.adapter.calls)

	attempts, _ := f.orch.Attempts(context.Background(), rec.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeDuplicate, attempts[0].Outcome)
}

func TestSubmit_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, transient(), success("sub-2"))
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.SubmissionAttempts)
	assert.Equal(t, aggregator.CodeServerError, got.LastErrorCode)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.After(time.Now()), "retry must be in the future")

	// Simulate the timer firing after the delay.
	now := time.Now()
	got.NextAttemptAt = &now
	require.NoError(t, f.records.UpdateRecord(context.Background(), got))
	require.NoError(t, f.orch.Submit(context.Background(), got.ID))

	got, _ = f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusSubmitted, got.Status)
	assert.Equal(t, 2, got.SubmissionAttempts)
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, transient())
	rec := f.seedRecord(t, "FL")

	ctx := context.Background()
	for i := 0; i < DefaultBackoff().MaxAttempts; i++ {
		require.NoError(t, f.orch.Submit(ctx, rec.ID))
		got, _ := f.records.GetRecord(ctx, rec.ID)
		if got.Status == evv.StatusFailed {
			break
		}
		// Collapse the scheduled delay so the next attempt is due.
		now := time.Now()
		got.NextAttemptAt = &now
		got.Status = evv.StatusRetryScheduled
		require.NoError(t, f.records.UpdateRecord(ctx, got))
	}

	got, _ := f.records.GetRecord(ctx, rec.ID)
	assert.Equal(t, evv.StatusFailed, got.Status)
	assert.Equal(t, codeExhausted, got.LastErrorCode)
	assert.Equal(t, DefaultBackoff().MaxAttempts, got.SubmissionAttempts)
}

func TestSubmit_RejectionIsNotRetried(t *testing.T) {
	f := newFixture(t, rejected())
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusFailed, got.Status)
	assert.Equal(t, aggregator.CodeRejected, got.LastErrorCode)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, 1, f.adapter.calls)
}

func TestSubmit_UnknownStateIsFatal(t *testing.T) {
	f := newFixture(t, success("never"))
	rec := f.seedRecord(t, "FL")
	rec.StateCode = "ZZ"
	require.NoError(t, f.records.UpdateRecord(context.Background(), rec))

	err := f.orch.Submit(context.Background(), rec.ID)
	require.Error(t, err)

	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusFailed, got.Status)
	assert.Equal(t, codeUnknownState, got.LastErrorCode)
	assert.Equal(t, 0, f.adapter.calls, "unknown state must never reach a vendor")
}

func TestSubmit_WrongStatusRefused(t *testing.T) {
	f := newFixture(t, success("never"))
	rec := f.seedRecord(t, "FL")
	rec.Status = evv.StatusPending
	require.NoError(t, f.records.UpdateRecord(context.Background(), rec))

	err := f.orch.Submit(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrNotSubmittable)
	assert.Equal(t, 0, f.adapter.calls)
}

func TestResubmit_ResetsFailedRecord(t *testing.T) {
	f := newFixture(t, rejected(), success("sub-3"))
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))
	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	require.Equal(t, evv.StatusFailed, got.Status)

	require.NoError(t, f.orch.Resubmit(context.Background(), rec.ID))
	got, _ = f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusComplete, got.Status)
	assert.Equal(t, 0, got.SubmissionAttempts)
	require.NotNil(t, got.NextAttemptAt)

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))
	got, _ = f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusSubmitted, got.Status)
}

func TestRecordDisposition(t *testing.T) {
	f := newFixture(t, success("sub-4"))
	rec := f.seedRecord(t, "FL")
	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, err := f.orch.RecordDisposition(context.Background(), Disposition{RecordID: rec.ID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, evv.StatusApproved, got.Status)

	// A second disposition on a settled record is refused.
	_, err = f.orch.RecordDisposition(context.Background(), Disposition{RecordID: rec.ID, Approved: false})
	assert.ErrorIs(t, err, ErrNotSubmittable)
}

func TestRecordDisposition_Denied(t *testing.T) {
	f := newFixture(t, success("sub-5"))
	rec := f.seedRecord(t, "FL")
	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	got, err := f.orch.RecordDisposition(context.Background(), Disposition{
		RecordID: rec.ID, Approved: false, Reason: "UNITS_MISMATCH",
	})
	require.NoError(t, err)
	assert.Equal(t, evv.StatusDenied, got.Status)
	assert.Equal(t, "UNITS_MISMATCH", got.LastErrorCode)

	// Denied records can be corrected and resubmitted.
	require.NoError(t, f.orch.Resubmit(context.Background(), rec.ID))
}

func TestCircuitBreaker_ShedsAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, transient())
	// A generous budget so the breaker trips before the budget runs out.
	f.orch.policy = BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 100}

	ctx := context.Background()
	rec := f.seedRecord(t, "FL")
	for i := 0; i < 5; i++ {
		require.NoError(t, f.orch.Submit(ctx, rec.ID))
		got, _ := f.records.GetRecord(ctx, rec.ID)
		now := time.Now()
		got.NextAttemptAt = &now
		got.Status = evv.StatusRetryScheduled
		require.NoError(t, f.records.UpdateRecord(ctx, got))
	}
	require.Equal(t, 5, f.adapter.calls)

	err := f.orch.Submit(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, f.adapter.calls, "open circuit must not call the vendor")

	got, _ := f.records.GetRecord(ctx, rec.ID)
	assert.Equal(t, evv.StatusRetryScheduled, got.Status)
	assert.Equal(t, 5, got.SubmissionAttempts, "shed attempt must not consume budget")
}

func TestSubmit_IssuesReceiptOnAcceptance(t *testing.T) {
	f := newFixture(t, success("sub-7"))
	store := receipts.NewMemoryStore()
	WithReceipts(receipts.NewService(store, receipts.NewSigner("test-secret")))(f.orch)
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	issued, err := store.ListByRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.Equal(t, receipts.OutcomeAccepted, issued[0].Outcome)
	assert.Equal(t, "sub-7", issued[0].SubmissionID)
	assert.Equal(t, rec.IntegrityHash, issued[0].IntegrityHash)
	assert.NotEmpty(t, issued[0].Signature)
}

func TestSubmit_NoReceiptOnRejection(t *testing.T) {
	f := newFixture(t, rejected())
	store := receipts.NewMemoryStore()
	WithReceipts(receipts.NewService(store, receipts.NewSigner("test-secret")))(f.orch)
	rec := f.seedRecord(t, "FL")

	require.NoError(t, f.orch.Submit(context.Background(), rec.ID))

	issued, err := store.ListByRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestTimer_SweepSubmitsDueRecords(t *testing.T) {
	f := newFixture(t, success("sub-6"))
	rec := f.seedRecord(t, "FL")

	timer := NewTimer(f.orch, f.records, slog.Default())
	timer.sweep(context.Background())

	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusSubmitted, got.Status)
}

func TestTimer_SweepSkipsFutureRecords(t *testing.T) {
	f := newFixture(t, success("never"))
	rec := f.seedRecord(t, "FL")
	future := time.Now().Add(time.Hour)
	rec.NextAttemptAt = &future
	require.NoError(t, f.records.UpdateRecord(context.Background(), rec))

	timer := NewTimer(f.orch, f.records, slog.Default())
	timer.sweep(context.Background())

	assert.Equal(t, 0, f.adapter.calls)
	got, _ := f.records.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, evv.StatusComplete, got.Status)
}
