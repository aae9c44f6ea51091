package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/idgen"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
}

// NewService creates a new receipt service.
// If signer is nil, IssueSubmissionReceipt is a no-op (signing disabled).
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
	}
}

// IssueSubmissionReceipt signs and persists a receipt for an accepted
// submission. Nil-safe: returns nil if service or signer is nil.
func (s *Service) IssueSubmissionReceipt(ctx context.Context, req IssueRequest) error {
	if s == nil || s.signer == nil {
		return nil
	}

	payload := receiptPayload{
		Attempt:       req.AttemptNumber,
		IntegrityHash: req.IntegrityHash,
		Outcome:       string(req.Outcome),
		RecordID:      req.RecordID,
		StateCode:     req.StateCode,
		SubmissionID:  req.SubmissionID,
		Vendor:        req.Vendor,
		VisitID:       req.VisitID,
	}

	// Compute payload hash
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(data)
	payloadHash := fmt.Sprintf("%x", hash)

	// Sign
	sig, issuedAtStr, expiresAtStr, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("receipts: failed to sign: %w", err)
	}

	issuedAt, _ := time.Parse(time.RFC3339, issuedAtStr)
	expiresAt, _ := time.Parse(time.RFC3339, expiresAtStr)

	receipt := &Receipt{
		ID:             idgen.WithPrefix("rcpt_"),
		RecordID:       req.RecordID,
		VisitID:        req.VisitID,
		OrganizationID: req.OrganizationID,
		StateCode:      req.StateCode,
		Vendor:         req.Vendor,
		Outcome:        req.Outcome,
		IntegrityHash:  req.IntegrityHash,
		SubmissionID:   req.SubmissionID,
		AttemptNumber:  req.AttemptNumber,
		PayloadHash:    payloadHash,
		Signature:      sig,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now(),
	}

	return s.store.Create(ctx, receipt)
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByRecord returns receipts for an EVV record, newest first. A
// resubmitted record can hold more than one.
func (s *Service) ListByRecord(ctx context.Context, recordID string) ([]*Receipt, error) {
	return s.store.ListByRecord(ctx, recordID)
}

// ListByOrganization returns an agency's receipts, newest first.
func (s *Service) ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOrganization(ctx, orgID, limit)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	receipt, err := s.store.Get(ctx, receiptID)
	if err != nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrReceiptNotFound.Error(),
		}, nil
	}

	payload := receiptPayload{
		Attempt:       receipt.AttemptNumber,
		IntegrityHash: receipt.IntegrityHash,
		Outcome:       string(receipt.Outcome),
		RecordID:      receipt.RecordID,
		StateCode:     receipt.StateCode,
		SubmissionID:  receipt.SubmissionID,
		Vendor:        receipt.Vendor,
		VisitID:       receipt.VisitID,
	}

	valid := s.signer.Verify(payload, receipt.Signature)

	resp := &VerifyResponse{
		Valid:     valid,
		ReceiptID: receiptID,
	}

	if valid && time.Now().After(receipt.ExpiresAt) {
		resp.Expired = true
	}

	if !valid {
		resp.Error = "signature verification failed"
	}

	return resp, nil
}
