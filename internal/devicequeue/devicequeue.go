// Package devicequeue is the caregiver-device offline queue. Clock
// events captured without connectivity are queued durably, ordered by
// priority, and drained to the backend when the network returns.
//
// The queue is single-writer: one Manager owns the storage file and
// serializes all mutation through its mutex.
package devicequeue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOffline      = errors.New("device is offline")
	ErrItemNotFound = errors.New("queue item not found")
)

// Priority orders queue drains. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// ItemStatus is the delivery state of a queued event.
type ItemStatus string

const (
	StatusPending ItemStatus = "PENDING"
	StatusSending ItemStatus = "SENDING"
	StatusSent    ItemStatus = "SENT"
	StatusFailed  ItemStatus = "FAILED"
)

// Event kinds the queue knows default priorities for.
const (
	KindClockIn        = "CLOCK_IN"
	KindClockOut       = "CLOCK_OUT"
	KindSignature      = "SIGNATURE_CAPTURE"
	KindTaskCompletion = "TASK_COMPLETION"
	KindIncidentReport = "INCIDENT_REPORT"
	KindNote           = "VISIT_NOTE"
	KindPhoto          = "VISIT_PHOTO"
)

// DefaultPriority maps an event kind to its drain priority. Clock
// events and client signatures carry compliance deadlines, so they
// always jump the line.
func DefaultPriority(kind string) Priority {
	switch kind {
	case KindClockIn, KindClockOut, KindSignature:
		return PriorityCritical
	case KindTaskCompletion, KindIncidentReport, KindNote:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Item is one queued event.
type Item struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Priority    Priority   `json:"priority"`
	Payload     []byte     `json:"payload"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

// Storage persists the whole queue. Save replaces the stored snapshot;
// the Manager's single-writer discipline makes replace-on-write safe.
type Storage interface {
	Load() ([]*Item, error)
	Save(items []*Item) error
}

// Sender delivers one queued event to the backend.
type Sender interface {
	Send(ctx context.Context, item *Item) error
}

// Connectivity reports whether the device currently has a network path.
type Connectivity interface {
	Online() bool
}

// SendError reports a delivery failure and whether it is worth retrying.
type SendError struct {
	Err       error
	Retryable bool
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Retriable wraps err as a retryable delivery failure.
func Retriable(err error) error {
	return &SendError{Err: err, Retryable: true}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return &SendError{Err: err, Retryable: false}
}

func retryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	// Unclassified failures are assumed transient; the attempt cap
	// bounds the damage.
	return true
}
