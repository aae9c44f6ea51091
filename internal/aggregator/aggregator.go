// Package aggregator contains the vendor adapters that file EVV records
// with state-designated aggregators (Sandata, Tellus, HHAeXchange).
//
// Every adapter validates the federally required visit elements before
// building a vendor payload, and classifies vendor responses into a
// uniform SubmissionResult so the orchestrator can decide between
// retrying, giving up, and treating a duplicate as already filed.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Vendor identifiers, aligned with staterules.AggregatorKind.
const (
	VendorSandata     = "sandata"
	VendorTellus      = "tellus"
	VendorHHAeXchange = "hhaexchange"
	VendorMulti       = "multi"
)

// Uniform submission error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeNetworkError     = "NETWORK_ERROR"
	CodeServerError      = "SERVER_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRejected         = "REJECTED"
	CodeDuplicate        = "DUPLICATE_SUBMISSION"
	CodeNoRouting        = "NO_ROUTING_MATCH"
)

// ValidationResult is the outcome of pre-submission validation.
// Errors block submission; warnings travel with it.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SubmissionResult is the classified outcome of one submission attempt.
type SubmissionResult struct {
	Success       bool   `json:"success"`
	SubmissionID  string `json:"submissionId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorDetail   string `json:"errorDetail,omitempty"`
	RequiresRetry bool   `json:"requiresRetry"`
	StatusCode    int    `json:"statusCode,omitempty"`
}

// Adapter is one aggregator vendor integration.
type Adapter interface {
	Vendor() string
	Validate(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult
	Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*SubmissionResult, error)
}

// Config is the shared per-vendor endpoint configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	AccountID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// validateRequired checks the six federally required EVV elements:
// service type, individual receiving, individual providing, date,
// location, and begin/end times.
func validateRequired(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult {
	var res ValidationResult
	if rec.ServiceTypeCode == "" {
		res.Errors = append(res.Errors, "service type code is required")
	}
	if rec.ClientID == "" || rec.MedicaidID == "" {
		res.Errors = append(res.Errors, "client and Medicaid identifiers are required")
	}
	if rec.CaregiverID == "" {
		res.Errors = append(res.Errors, "caregiver identifier is required")
	}
	if rec.ClockIn == nil {
		res.Errors = append(res.Errors, "clock-in event is required")
	} else if rec.ClockIn.Location.Latitude == nil || rec.ClockIn.Location.Longitude == nil {
		res.Errors = append(res.Errors, "clock-in location is required")
	}
	if rec.ClockOut == nil {
		res.Errors = append(res.Errors, "clock-out event is required")
	}

	if rec.ProviderNPI == "" && !rule.NonMedicalExempt {
		res.Warnings = append(res.Warnings, "provider NPI missing")
	}
	if rec.ClockIn != nil && rec.ClockIn.Location.AccuracyM > rule.GeofenceToleranceM {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("clock-in GPS accuracy %.0fm exceeds the %.0fm geofence tolerance", rec.ClockIn.Location.AccuracyM, rule.GeofenceToleranceM))
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// post sends a JSON payload and returns the status and raw body. The
// record's integrity hash rides along as the idempotency key so the
// vendor can discard replays of an attempt whose response we never saw.
func post(ctx context.Context, cfg Config, path, idempotencyKey string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := cfg.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// classify maps transport failures and HTTP statuses to uniform result
// codes. Duplicates are surfaced distinctly: the orchestrator treats a
// 409 as proof the record is already on file.
func classify(status int, netErr error) (code string, retry bool, ok bool) {
	switch {
	case netErr != nil:
		return CodeNetworkError, true, false
	case status >= 200 && status < 300:
		return "", false, true
	case status == http.StatusConflict:
		return CodeDuplicate, false, false
	case status == http.StatusTooManyRequests:
		return CodeRateLimited, true, false
	case status >= 500:
		return CodeServerError, true, false
	default:
		return CodeRejected, false, false
	}
}

// result builds a SubmissionResult from a classified response.
func result(status int, netErr error, detail, submissionID string) *SubmissionResult {
	code, retry, ok := classify(status, netErr)
	if ok {
		return &SubmissionResult{Success: true, SubmissionID: submissionID, StatusCode: status}
	}
	if netErr != nil {
		detail = netErr.Error()
	}
	return &SubmissionResult{
		ErrorCode:     code,
		ErrorDetail:   detail,
		RequiresRetry: retry,
		StatusCode:    status,
	}
}

// invalidResult is the Submit outcome for a record that failed local
// validation. It never reaches the vendor and is never retried.
func invalidResult(v ValidationResult) *SubmissionResult {
	detail := ""
	if len(v.Errors) > 0 {
		detail = v.Errors[0]
	}
	return &SubmissionResult{
		ErrorCode:     CodeValidationFailed,
		ErrorDetail:   detail,
		RequiresRetry: false,
	}
}

func legTimes(rec *evv.EVVRecord) (in, out time.Time) {
	if rec.ClockIn != nil {
		in = rec.ClockIn.Timestamp
	}
	if rec.ClockOut != nil {
		out = rec.ClockOut.Timestamp
	}
	return in, out
}
