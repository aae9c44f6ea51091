// Package receipts provides cryptographic receipt signing for aggregator
// submissions.
//
// Every record an aggregator accepts produces a signed receipt the agency
// can hand to a state auditor as independent proof of timely submission.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Outcome is the vendor acceptance mode the receipt attests to.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate" // vendor deduplicated an earlier copy
)

// Receipt is a cryptographically signed proof that an aggregator accepted
// an EVV record.
type Receipt struct {
	ID             string    `json:"id"`
	RecordID       string    `json:"recordId"`
	VisitID        string    `json:"visitId"`
	OrganizationID string    `json:"organizationId"`
	StateCode      string    `json:"stateCode"`
	Vendor         string    `json:"vendor"`
	Outcome        Outcome   `json:"outcome"`
	IntegrityHash  string    `json:"integrityHash"`          // record content hash at submission time
	SubmissionID   string    `json:"submissionId,omitempty"` // vendor transaction identifier
	AttemptNumber  int       `json:"attemptNumber"`
	PayloadHash    string    `json:"payloadHash"` // SHA-256 of canonical payload
	Signature      string    `json:"signature"`   // HMAC-SHA256 signature
	IssuedAt       time.Time `json:"issuedAt"`    // when the receipt was signed
	ExpiresAt      time.Time `json:"expiresAt"`   // when the signature expires
	CreatedAt      time.Time `json:"createdAt"`
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	RecordID       string
	VisitID        string
	OrganizationID string
	StateCode      string
	Vendor         string
	Outcome        Outcome
	IntegrityHash  string
	SubmissionID   string
	AttemptNumber  int
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipt data.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByRecord(ctx context.Context, recordID string) ([]*Receipt, error)
	ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	Attempt       int    `json:"attempt"`
	IntegrityHash string `json:"integrityHash"`
	Outcome       string `json:"outcome"`
	RecordID      string `json:"recordId"`
	StateCode     string `json:"stateCode"`
	SubmissionID  string `json:"submissionId"`
	Vendor        string `json:"vendor"`
	VisitID       string `json:"visitId"`
}
