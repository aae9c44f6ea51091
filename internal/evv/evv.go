// Package evv owns the Electronic Visit Verification record lifecycle.
//
// A caregiver's clock-in and clock-out events are verified against the
// visit's service address, classified into compliance flags, and folded
// into an EVVRecord that the submission orchestrator files with the
// state's designated aggregator. Client, caregiver, and visit records
// themselves live elsewhere; this package consumes them only through the
// Directory contract.
package evv

import (
	"context"
	"errors"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/compliance"
	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
)

var (
	ErrRecordNotFound    = errors.New("evv record not found")
	ErrTimeEntryNotFound = errors.New("time entry not found")
	ErrVisitNotFound     = errors.New("visit not found")
	ErrAlreadyClockedIn  = errors.New("visit already has an open clock-in")
	ErrNotClockedIn      = errors.New("visit has no open clock-in")
	ErrAlreadyClockedOut = errors.New("visit already clocked out")
	ErrRecordImmutable   = errors.New("record is past the amendment window")
)

// EventType distinguishes the two legs of a visit.
type EventType string

const (
	EventClockIn  EventType = "CLOCK_IN"
	EventClockOut EventType = "CLOCK_OUT"
)

// RecordStatus is the submission lifecycle state of an EVVRecord.
type RecordStatus string

const (
	StatusPending        RecordStatus = "PENDING"
	StatusComplete       RecordStatus = "COMPLETE"
	StatusSubmitting     RecordStatus = "SUBMITTING"
	StatusSubmitted      RecordStatus = "SUBMITTED"
	StatusRetryScheduled RecordStatus = "RETRY_SCHEDULED"
	StatusFailed         RecordStatus = "FAILED"
	StatusApproved       RecordStatus = "APPROVED"
	StatusDenied         RecordStatus = "DENIED"
)

// Leg is one verified clock event (in or out).
type Leg struct {
	Timestamp    time.Time              `json:"timestamp"`
	Location     geoverify.Sample       `json:"location"`
	Verification geoverify.Verification `json:"verification"`
	Device       compliance.DeviceInfo  `json:"device"`
}

// EVVRecord is the aggregate verification record for one visit.
type EVVRecord struct {
	ID             string `json:"id"`
	VisitID        string `json:"visitId"`
	OrganizationID string `json:"organizationId"`
	BranchID       string `json:"branchId,omitempty"`
	ClientID       string `json:"clientId"`
	CaregiverID    string `json:"caregiverId"`

	StateCode       string `json:"stateCode"`
	ServiceTypeCode string `json:"serviceTypeCode"`
	MedicaidID      string `json:"medicaidId"`
	ProviderNPI     string `json:"providerNpi,omitempty"`

	ClockIn  *Leg `json:"clockIn,omitempty"`
	ClockOut *Leg `json:"clockOut,omitempty"`

	TotalDurationMin int     `json:"totalDurationMinutes"`
	BillableHours    float64 `json:"billableHours"`

	Flags          []compliance.Flag `json:"complianceFlags"`
	Level          compliance.Level  `json:"verificationLevel"`
	RequiresReview bool              `json:"requiresSupervisorReview"`

	// IntegrityHash fingerprints the completed record's content and
	// doubles as the idempotency key for aggregator submissions.
	IntegrityHash string `json:"integrityHash,omitempty"`

	Status             RecordStatus `json:"status"`
	SubmissionID       string       `json:"submissionId,omitempty"`
	SubmissionAttempts int          `json:"submissionAttempts"`
	NextAttemptAt      *time.Time   `json:"nextAttemptAt,omitempty"`
	LastErrorCode      string       `json:"lastErrorCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TimeEntryStatus tracks a billing-facing time entry.
type TimeEntryStatus string

const (
	TimeEntryActive     TimeEntryStatus = "ACTIVE"
	TimeEntryCompleted  TimeEntryStatus = "COMPLETED"
	TimeEntryOverridden TimeEntryStatus = "OVERRIDDEN"
)

// TimeEntry is the clock pair exposed to billing and to the manual
// override workflow.
type TimeEntry struct {
	ID          string          `json:"id"`
	VisitID     string          `json:"visitId"`
	RecordID    string          `json:"recordId"`
	CaregiverID string          `json:"caregiverId"`
	ClockInAt   time.Time       `json:"clockInAt"`
	ClockOutAt  *time.Time      `json:"clockOutAt,omitempty"`
	Status      TimeEntryStatus `json:"status"`

	OverrideReason     string `json:"overrideReason,omitempty"`
	OverrideApproverID string `json:"overrideApproverId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecordQuery filters ListRecords.
type RecordQuery struct {
	OrganizationID string
	StateCode      string
	Status         RecordStatus
	CaregiverID    string
	Start          time.Time
	End            time.Time
	Cursor         string
	Limit          int
}

// Store persists EVV records and time entries.
type Store interface {
	CreateRecord(ctx context.Context, rec *EVVRecord) error
	GetRecord(ctx context.Context, id string) (*EVVRecord, error)
	GetRecordByVisit(ctx context.Context, visitID string) (*EVVRecord, error)
	UpdateRecord(ctx context.Context, rec *EVVRecord) error
	ListRecords(ctx context.Context, q RecordQuery) ([]*EVVRecord, error)

	// ListDueForSubmission returns COMPLETE and RETRY_SCHEDULED records
	// whose next attempt time has arrived, oldest first.
	ListDueForSubmission(ctx context.Context, now time.Time, limit int) ([]*EVVRecord, error)

	CreateTimeEntry(ctx context.Context, entry *TimeEntry) error
	GetTimeEntry(ctx context.Context, id string) (*TimeEntry, error)
	GetTimeEntryByVisit(ctx context.Context, visitID string) (*TimeEntry, error)
	UpdateTimeEntry(ctx context.Context, entry *TimeEntry) error
}

// VisitContext is what the visit/client/caregiver system of record
// exposes to the EVV core for one visit.
type VisitContext struct {
	VisitID        string `json:"visitId"`
	OrganizationID string `json:"organizationId"`
	BranchID       string `json:"branchId,omitempty"`
	ClientID       string `json:"clientId"`
	CaregiverID    string `json:"caregiverId"`

	StateCode       string `json:"stateCode"`
	ServiceTypeCode string `json:"serviceTypeCode"`
	MedicaidID      string `json:"medicaidId"`
	ProviderNPI     string `json:"providerNpi,omitempty"`

	Address        geoverify.Target `json:"address"`
	ScheduledStart time.Time        `json:"scheduledStart"`
	ScheduledEnd   time.Time        `json:"scheduledEnd"`
}

// Directory resolves visits against the external scheduling system.
type Directory interface {
	VisitContext(ctx context.Context, visitID string) (*VisitContext, error)
}

// Submitter triggers an asynchronous submission for a completed record.
// The orchestrator implements this; nil disables immediate submission
// (the timer worker still picks the record up).
type Submitter interface {
	TriggerSubmit(recordID string)
}

// EventEmitter receives compliance lifecycle events for real-time
// streaming. Implementations must not block.
type EventEmitter interface {
	EmitRecordFlagged(data map[string]interface{})
	EmitRecordCompleted(data map[string]interface{})
}
