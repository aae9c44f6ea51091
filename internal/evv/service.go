package evv

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/compliance"
	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/idgen"
	"github.com/neighborhood-lab/care-commons-sub016/internal/logging"
	"github.com/neighborhood-lab/care-commons-sub016/internal/metrics"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
	"github.com/neighborhood-lab/care-commons-sub016/internal/traces"
)

// Service implements the EVV clock workflow on top of a Store.
type Service struct {
	store     Store
	rules     *staterules.Registry
	directory Directory
	submitter Submitter
	events    EventEmitter
	now       func() time.Time
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithSubmitter wires immediate submission on clock-out.
func WithSubmitter(s Submitter) ServiceOption {
	return func(svc *Service) { svc.submitter = s }
}

// WithEvents wires real-time compliance event streaming.
func WithEvents(e EventEmitter) ServiceOption {
	return func(svc *Service) { svc.events = e }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

func NewService(store Store, rules *staterules.Registry, directory Directory, opts ...ServiceOption) *Service {
	svc := &Service{
		store:     store,
		rules:     rules,
		directory: directory,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// ClockRequest is the caregiver-device payload for either clock leg.
type ClockRequest struct {
	VisitID  string                `json:"visitId"`
	Location geoverify.Sample      `json:"location"`
	Device   compliance.DeviceInfo `json:"device"`

	// Timestamp is when the event actually occurred. Offline-queued
	// events arrive late; zero means "now".
	Timestamp time.Time `json:"timestamp,omitempty"`

	// CapturedLevel lets telephony and exception flows declare how the
	// event was captured. Empty means GPS capture.
	CapturedLevel compliance.Level `json:"capturedLevel,omitempty"`
}

// ClockResult is the verification outcome returned to the device.
type ClockResult struct {
	Record         *EVVRecord             `json:"record"`
	TimeEntry      *TimeEntry             `json:"timeEntry"`
	Verification   geoverify.Verification `json:"verification"`
	Classification compliance.Result      `json:"classification"`
	Issues         []string               `json:"issues,omitempty"`
}

// ClockIn verifies and records the arrival leg of a visit.
func (s *Service) ClockIn(ctx context.Context, req ClockRequest) (*ClockResult, error) {
	ctx, span := traces.StartSpan(ctx, "evv.ClockIn", traces.VisitID(req.VisitID))
	defer span.End()
	ctx = logging.WithVisitID(ctx, req.VisitID)

	vc, rule, err := s.resolveVisit(ctx, req.VisitID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetRecordByVisit(ctx, req.VisitID); err == nil && existing.ClockIn != nil {
		return nil, ErrAlreadyClockedIn
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	verification, err := geoverify.Verify(req.Location, vc.Address, rule)
	if err != nil {
		return nil, err
	}
	class := compliance.Classify(compliance.Input{
		Device:        req.Device,
		CapturedLevel: req.CapturedLevel,
	}, verification, rule)

	now := s.now()
	rec := &EVVRecord{
		ID:             idgen.WithPrefix("evv_"),
		VisitID:        vc.VisitID,
		OrganizationID: vc.OrganizationID,
		BranchID:       vc.BranchID,
		ClientID:       vc.ClientID,
		CaregiverID:    vc.CaregiverID,

		StateCode:       vc.StateCode,
		ServiceTypeCode: vc.ServiceTypeCode,
		MedicaidID:      vc.MedicaidID,
		ProviderNPI:     vc.ProviderNPI,

		ClockIn: &Leg{
			Timestamp:    ts,
			Location:     req.Location,
			Verification: verification,
			Device:       req.Device,
		},
		Flags:          class.Flags,
		Level:          class.Level,
		RequiresReview: class.RequiresReview,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	entry := &TimeEntry{
		ID:          idgen.WithPrefix("te_"),
		VisitID:     vc.VisitID,
		RecordID:    rec.ID,
		CaregiverID: vc.CaregiverID,
		ClockInAt:   ts,
		Status:      TimeEntryActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTimeEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create time entry: %w", err)
	}

	res := &ClockResult{
		Record:         rec,
		TimeEntry:      entry,
		Verification:   verification,
		Classification: class,
		Issues:         s.graceIssues(vc, rule, ts, EventClockIn),
	}
	s.observe(rec, class, EventClockIn)
	return res, nil
}

// ClockOut verifies the departure leg, finalizes duration and billable
// hours, seals the record with its integrity hash, and schedules
// submission when the record is clean enough to file.
func (s *Service) ClockOut(ctx context.Context, req ClockRequest) (*ClockResult, error) {
	ctx, span := traces.StartSpan(ctx, "evv.ClockOut", traces.VisitID(req.VisitID))
	defer span.End()
	ctx = logging.WithVisitID(ctx, req.VisitID)

	vc, rule, err := s.resolveVisit(ctx, req.VisitID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetRecordByVisit(ctx, req.VisitID)
	if err != nil {
		return nil, ErrNotClockedIn
	}
	if rec.ClockIn == nil {
		return nil, ErrNotClockedIn
	}
	if rec.ClockOut != nil {
		return nil, ErrAlreadyClockedOut
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	verification, err := geoverify.Verify(req.Location, vc.Address, rule)
	if err != nil {
		return nil, err
	}
	class := compliance.Classify(compliance.Input{
		Device:        req.Device,
		CapturedLevel: req.CapturedLevel,
	}, verification, rule)

	rec.ClockOut = &Leg{
		Timestamp:    ts,
		Location:     req.Location,
		Verification: verification,
		Device:       req.Device,
	}
	rec.Flags = compliance.MergeFlags(rec.Flags, class.Flags)
	rec.Level = compliance.CombineLevels(rec.Level, class.Level)
	rec.RequiresReview = rec.RequiresReview || class.RequiresReview

	dur := ts.Sub(rec.ClockIn.Timestamp)
	rec.TotalDurationMin = int(dur.Minutes())
	rec.BillableHours = roundToQuarterHour(dur)

	rec.IntegrityHash = ComputeIntegrityHash(rec)
	rec.Status = StatusComplete
	blocked := isBlocked(rec.Flags)
	if !blocked {
		at := s.now()
		rec.NextAttemptAt = &at
	}
	rec.UpdatedAt = s.now()
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	entry, err := s.store.GetTimeEntryByVisit(ctx, rec.VisitID)
	if err == nil {
		entry.ClockOutAt = &ts
		entry.Status = TimeEntryCompleted
		entry.UpdatedAt = s.now()
		_ = s.store.UpdateTimeEntry(ctx, entry)
	}

	res := &ClockResult{
		Record:         rec,
		TimeEntry:      entry,
		Verification:   verification,
		Classification: class,
		Issues:         s.graceIssues(vc, rule, ts, EventClockOut),
	}
	s.observe(rec, class, EventClockOut)
	if s.events != nil {
		s.events.EmitRecordCompleted(map[string]interface{}{
			"recordId":          rec.ID,
			"visitId":           rec.VisitID,
			"organizationId":    rec.OrganizationID,
			"stateCode":         rec.StateCode,
			"verificationLevel": string(rec.Level),
			"blocked":           blocked,
		})
	}
	if !blocked && s.submitter != nil {
		s.submitter.TriggerSubmit(rec.ID)
	}
	return res, nil
}

// OverrideRequest is a supervisor's manual override of a flagged record.
type OverrideRequest struct {
	RecordID   string `json:"recordId"`
	ReasonCode string `json:"reasonCode"`
	ApproverID string `json:"approverId"`
}

// ApplyManualOverride downgrades a geofence violation from blocking to
// warning. The violation flag stays on the record, the verification
// level drops to MANUAL, and a previously blocked complete record is
// scheduled for submission. Spoofed-location flags cannot be overridden
// away; the override is recorded but the record stays held.
func (s *Service) ApplyManualOverride(ctx context.Context, req OverrideRequest) (*EVVRecord, error) {
	if req.ReasonCode == "" || req.ApproverID == "" {
		return nil, fmt.Errorf("override requires reason code and approver")
	}
	rec, err := s.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	rule, err := s.rules.Get(rec.StateCode)
	if err != nil {
		return nil, err
	}
	if rec.ClockOut != nil {
		deadline := rec.ClockOut.Timestamp.AddDate(0, 0, rule.ImmutableAfterDays)
		if s.now().After(deadline) {
			return nil, ErrRecordImmutable
		}
	}

	rec.Flags = compliance.MergeFlags(rec.Flags, []compliance.Flag{compliance.FlagManualOverride})
	rec.Level = compliance.LevelManual
	rec.RequiresReview = false
	rec.UpdatedAt = s.now()

	if rec.Status == StatusComplete && rec.NextAttemptAt == nil && !isBlocked(rec.Flags) {
		at := s.now()
		rec.NextAttemptAt = &at
	}
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	entry, err := s.store.GetTimeEntryByVisit(ctx, rec.VisitID)
	if err == nil {
		entry.Status = TimeEntryOverridden
		entry.OverrideReason = req.ReasonCode
		entry.OverrideApproverID = req.ApproverID
		entry.UpdatedAt = s.now()
		_ = s.store.UpdateTimeEntry(ctx, entry)
	}

	metrics.ManualOverridesTotal.WithLabelValues(rec.StateCode).Inc()
	if !isBlocked(rec.Flags) && rec.Status == StatusComplete && s.submitter != nil {
		s.submitter.TriggerSubmit(rec.ID)
	}
	return rec, nil
}

// ListRecords returns records matching the query, newest first.
func (s *Service) ListRecords(ctx context.Context, q RecordQuery) ([]*EVVRecord, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	return s.store.ListRecords(ctx, q)
}

// Summary aggregates compliance posture over a window.
type Summary struct {
	Total          int            `json:"total"`
	Compliant      int            `json:"compliant"`
	Flagged        int            `json:"flagged"`
	PendingReview  int            `json:"pendingReview"`
	Submitted      int            `json:"submitted"`
	Failed         int            `json:"failed"`
	ComplianceRate float64        `json:"complianceRate"`
	ByLevel        map[string]int `json:"byLevel"`
	ByFlag         map[string]int `json:"byFlag"`
}

// Summarize computes the compliance summary for an organization.
func (s *Service) Summarize(ctx context.Context, orgID string, start, end time.Time) (*Summary, error) {
	recs, err := s.store.ListRecords(ctx, RecordQuery{
		OrganizationID: orgID,
		Start:          start,
		End:            end,
		Limit:          10000,
	})
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		ByLevel: make(map[string]int),
		ByFlag:  make(map[string]int),
	}
	for _, rec := range recs {
		sum.Total++
		sum.ByLevel[string(rec.Level)]++
		clean := true
		for _, f := range rec.Flags {
			if f != compliance.FlagCompliant {
				clean = false
			}
			sum.ByFlag[string(f)]++
		}
		if clean {
			sum.Compliant++
		} else {
			sum.Flagged++
		}
		if rec.RequiresReview {
			sum.PendingReview++
		}
		switch rec.Status {
		case StatusSubmitted, StatusApproved:
			sum.Submitted++
		case StatusFailed, StatusDenied:
			sum.Failed++
		}
	}
	if sum.Total > 0 {
		sum.ComplianceRate = float64(sum.Compliant) / float64(sum.Total)
	}
	return sum, nil
}

func (s *Service) resolveVisit(ctx context.Context, visitID string) (*VisitContext, *staterules.StateRule, error) {
	vc, err := s.directory.VisitContext(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	rule, err := s.rules.Get(vc.StateCode)
	if err != nil {
		return nil, nil, err
	}
	return vc, rule, nil
}

func (s *Service) graceIssues(vc *VisitContext, rule *staterules.StateRule, ts time.Time, ev EventType) []string {
	grace := time.Duration(rule.GracePeriodMin) * time.Minute
	var anchor time.Time
	switch ev {
	case EventClockIn:
		anchor = vc.ScheduledStart
	case EventClockOut:
		anchor = vc.ScheduledEnd
	}
	if anchor.IsZero() {
		return nil
	}
	if ts.Before(anchor.Add(-grace)) || ts.After(anchor.Add(grace)) {
		return []string{fmt.Sprintf("%s outside %d minute grace period", ev, rule.GracePeriodMin)}
	}
	return nil
}

func (s *Service) observe(rec *EVVRecord, class compliance.Result, ev EventType) {
	metrics.ClockEventsTotal.WithLabelValues(string(ev), rec.StateCode).Inc()
	for _, f := range class.Flags {
		if f == compliance.FlagCompliant {
			continue
		}
		metrics.ComplianceFlagsTotal.WithLabelValues(string(f), rec.StateCode).Inc()
	}
	if class.RequiresReview && s.events != nil {
		s.events.EmitRecordFlagged(map[string]interface{}{
			"recordId":       rec.ID,
			"visitId":        rec.VisitID,
			"organizationId": rec.OrganizationID,
			"stateCode":      rec.StateCode,
			"event":          string(ev),
			"flags":          rec.Flags,
		})
	}
}

// isBlocked reports whether a record's merged flags keep it from being
// filed. Spoofed locations and suspicious devices always hold; a
// geofence violation holds until a supervisor override lands.
func isBlocked(flags []compliance.Flag) bool {
	overridden := false
	geofence := false
	for _, f := range flags {
		switch f {
		case compliance.FlagLocationSuspicious, compliance.FlagDeviceSuspicious:
			return true
		case compliance.FlagGeofenceViolation:
			geofence = true
		case compliance.FlagManualOverride:
			overridden = true
		}
	}
	return geofence && !overridden
}

// roundToQuarterHour converts a duration to billable hours rounded to
// the nearest quarter hour, the convention Medicaid billing uses.
func roundToQuarterHour(d time.Duration) float64 {
	quarters := math.Round(d.Hours() * 4)
	return quarters / 4
}
