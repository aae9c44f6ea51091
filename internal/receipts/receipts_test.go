package receipts

import (
	"context"
	"testing"
	"time"
)

const (
	testRecordID = "evv_rcpt_test1"
	testOrgID    = "org-1"
	testSecret   = "test-hmac-secret-for-receipts"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), NewSigner(testSecret))
}

func issueTestReceipt(t *testing.T, svc *Service, recordID string, outcome Outcome) {
	t.Helper()
	err := svc.IssueSubmissionReceipt(context.Background(), IssueRequest{
		RecordID:       recordID,
		VisitID:        "visit-1",
		OrganizationID: testOrgID,
		StateCode:      "TX",
		Vendor:         "sandata",
		Outcome:        outcome,
		IntegrityHash:  "a3f1c9d2e8b74560a3f1c9d2e8b74560a3f1c9d2e8b74560a3f1c9d2e8b74560",
		SubmissionID:   "SND-12345",
		AttemptNumber:  1,
	})
	if err != nil {
		t.Fatalf("IssueSubmissionReceipt failed: %v", err)
	}
}

func TestIssueSubmissionReceipt_Success(t *testing.T) {
	svc := newTestService()
	issueTestReceipt(t, svc, testRecordID, OutcomeAccepted)

	// Verify receipt was persisted
	receipts, err := svc.ListByRecord(context.Background(), testRecordID)
	if err != nil {
		t.Fatalf("ListByRecord failed: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}

	r := receipts[0]
	if r.Outcome != OutcomeAccepted {
		t.Errorf("expected outcome accepted, got %s", r.Outcome)
	}
	if r.RecordID != testRecordID {
		t.Errorf("expected record %s, got %s", testRecordID, r.RecordID)
	}
	if r.Vendor != "sandata" {
		t.Errorf("expected vendor sandata, got %s", r.Vendor)
	}
	if r.SubmissionID != "SND-12345" {
		t.Errorf("expected submission id SND-12345, got %s", r.SubmissionID)
	}
	if r.Signature == "" {
		t.Error("expected non-empty signature")
	}
	if r.PayloadHash == "" {
		t.Error("expected non-empty payload hash")
	}
	if r.IssuedAt.IsZero() {
		t.Error("expected non-zero issuedAt")
	}
	if r.ExpiresAt.IsZero() {
		t.Error("expected non-zero expiresAt")
	}
	// Must cover the Medicaid audit window
	expectedExpiry := time.Now().Add(6 * 365 * 24 * time.Hour)
	if r.ExpiresAt.Before(expectedExpiry.Add(-time.Minute)) {
		t.Errorf("expiresAt too early: %v", r.ExpiresAt)
	}
}

func TestIssueSubmissionReceipt_NilSigner(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil) // no signer

	err := svc.IssueSubmissionReceipt(context.Background(), IssueRequest{
		RecordID:       testRecordID,
		VisitID:        "visit-1",
		OrganizationID: testOrgID,
		StateCode:      "TX",
		Vendor:         "sandata",
		Outcome:        OutcomeAccepted,
		AttemptNumber:  1,
	})
	if err != nil {
		t.Fatalf("expected nil error for nil signer, got %v", err)
	}

	// No receipt should be stored
	receipts, _ := svc.ListByRecord(context.Background(), testRecordID)
	if len(receipts) != 0 {
		t.Errorf("expected 0 receipts with nil signer, got %d", len(receipts))
	}
}

func TestIssueSubmissionReceipt_NilService(t *testing.T) {
	var svc *Service
	err := svc.IssueSubmissionReceipt(context.Background(), IssueRequest{
		RecordID: testRecordID,
		Outcome:  OutcomeAccepted,
	})
	if err != nil {
		t.Fatalf("expected nil error for nil service, got %v", err)
	}
}

func TestVerify_Valid(t *testing.T) {
	svc := newTestService()
	issueTestReceipt(t, svc, testRecordID, OutcomeAccepted)

	receipts, _ := svc.ListByRecord(context.Background(), testRecordID)
	if len(receipts) == 0 {
		t.Fatal("no receipts found")
	}

	resp, err := svc.Verify(context.Background(), receipts[0].ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.Valid {
		t.Errorf("expected valid receipt, got invalid: %s", resp.Error)
	}
	if resp.Expired {
		t.Error("expected not expired")
	}
}

func TestVerify_InvalidSignature(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(testSecret))

	issueTestReceipt(t, svc, testRecordID, OutcomeAccepted)

	receipts, _ := svc.ListByRecord(context.Background(), testRecordID)
	if len(receipts) == 0 {
		t.Fatal("no receipts found")
	}

	// Tamper with the signature in the store
	r := receipts[0]
	r.Signature = "deadbeef"
	store.mu.Lock()
	store.receipts[r.ID] = r
	store.mu.Unlock()

	resp, err := svc.Verify(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Valid {
		t.Error("expected invalid for tampered signature")
	}
}

func TestVerify_NotFound(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Verify(context.Background(), "nonexistent_id")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Valid {
		t.Error("expected invalid for not-found receipt")
	}
	if resp.Error != ErrReceiptNotFound.Error() {
		t.Errorf("expected not_found error, got %s", resp.Error)
	}
}

func TestVerify_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)

	resp, err := svc.Verify(context.Background(), "any_id")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Valid {
		t.Error("expected invalid when signing disabled")
	}
	if resp.Error != ErrSigningDisabled.Error() {
		t.Errorf("expected signing_disabled error, got %s", resp.Error)
	}
}

func TestListByRecord_MultipleSubmissions(t *testing.T) {
	svc := newTestService()

	// A resubmitted record accumulates a receipt per acceptance.
	issueTestReceipt(t, svc, testRecordID, OutcomeAccepted)
	issueTestReceipt(t, svc, testRecordID, OutcomeDuplicate)
	issueTestReceipt(t, svc, "evv_other", OutcomeAccepted)

	receipts, err := svc.ListByRecord(context.Background(), testRecordID)
	if err != nil {
		t.Fatalf("ListByRecord failed: %v", err)
	}
	if len(receipts) != 2 {
		t.Errorf("expected 2 receipts for record, got %d", len(receipts))
	}
}

func TestListByOrganization_Limit(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		issueTestReceipt(t, svc, testRecordID, OutcomeAccepted)
	}

	receipts, err := svc.ListByOrganization(ctx, testOrgID, 3)
	if err != nil {
		t.Fatalf("ListByOrganization failed: %v", err)
	}
	if len(receipts) != 3 {
		t.Errorf("expected 3 receipts (limited), got %d", len(receipts))
	}
}

func TestSigner_SignAndVerify(t *testing.T) {
	s := NewSigner(testSecret)

	payload := map[string]string{"key": "value"}
	sig, issuedAt, expiresAt, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if sig == "" || issuedAt == "" || expiresAt == "" {
		t.Fatal("expected non-empty signature, issuedAt, expiresAt")
	}

	if !s.Verify(payload, sig) {
		t.Error("expected Verify to return true for valid signature")
	}

	if s.Verify(payload, "wrong_signature") {
		t.Error("expected Verify to return false for wrong signature")
	}

	// Tampered payload
	if s.Verify(map[string]string{"key": "tampered"}, sig) {
		t.Error("expected Verify to return false for tampered payload")
	}
}

func TestSigner_Nil(t *testing.T) {
	s := NewSigner("")
	if s != nil {
		t.Error("expected nil signer for empty secret")
	}

	sig, _, _, err := s.Sign(map[string]string{"key": "value"})
	if err != nil {
		t.Errorf("expected nil error for nil signer, got %v", err)
	}
	if sig != "" {
		t.Error("expected empty signature for nil signer")
	}

	if s.Verify(map[string]string{"key": "value"}, "anything") {
		t.Error("expected Verify to return false for nil signer")
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService()

	_, err := svc.Get(context.Background(), "nonexistent")
	if err != ErrReceiptNotFound {
		t.Errorf("expected ErrReceiptNotFound, got %v", err)
	}
}
