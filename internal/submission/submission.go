// Package submission drives completed EVV records through the state
// aggregator filing lifecycle: validate, submit, classify the outcome,
// and either finish, schedule a capped exponential retry, or park the
// record for human attention.
package submission

import (
	"context"
	"errors"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/retry"
)

var (
	ErrAttemptNotFound = errors.New("submission attempt not found")
	ErrNotSubmittable  = errors.New("record is not in a submittable state")
	ErrCircuitOpen     = errors.New("aggregator circuit is open")
)

// Outcome labels one attempt's classified result.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeDuplicate Outcome = "DUPLICATE"
	OutcomeRetry     Outcome = "RETRY"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeFatal     Outcome = "FATAL"
)

// Attempt is the audit row for one submission try.
type Attempt struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"recordId"`
	Vendor      string    `json:"vendor"`
	Number      int       `json:"number"`
	Outcome     Outcome   `json:"outcome"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// Store persists the attempt audit trail.
type Store interface {
	CreateAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, recordID string) ([]*Attempt, error)
}

// BackoffPolicy controls retry pacing for transient aggregator failures.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff allows six attempts with delays of 30s, 1m, 2m, 4m,
// and 8m between them. The cap guards configured policies that run
// longer.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        30 * time.Second,
		Max:         time.Hour,
		MaxAttempts: 6,
	}
}

// NextDelay returns the jittered delay before the given attempt number
// (1-based, counting the attempt that just failed).
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	return retry.Delay(attempt-1, p.Base, p.Max)
}

// Exhausted reports whether the attempt budget is spent.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
