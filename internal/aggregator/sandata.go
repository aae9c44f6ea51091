package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Sandata files visits with the Sandata aggregator. Sandata expects
// batched visit uploads keyed by provider account; each call here sends
// a single-visit batch.
type Sandata struct {
	cfg Config
}

func NewSandata(cfg Config) *Sandata {
	return &Sandata{cfg: cfg}
}

var _ Adapter = (*Sandata)(nil)

func (s *Sandata) Vendor() string { return VendorSandata }

func (s *Sandata) Validate(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult {
	return validateRequired(rec, rule)
}

type sandataVisit struct {
	ProviderIdentification sandataProvider `json:"ProviderIdentification"`
	VisitOtherID           string          `json:"VisitOtherID"`
	SequenceID             string          `json:"SequenceID"`
	ClientIDQualifier      string          `json:"ClientIDQualifier"`
	ClientID               string          `json:"ClientID"`
	EmployeeOtherID        string          `json:"EmployeeOtherID"`
	ServiceCode            string          `json:"Service"`
	Calls                  []sandataCall   `json:"Calls"`
	AdjInDateTime          string          `json:"AdjInDateTime,omitempty"`
	AdjOutDateTime         string          `json:"AdjOutDateTime,omitempty"`
	BillVisit              bool            `json:"BillVisit"`
	MemoVisit              string          `json:"Memo,omitempty"`
}

type sandataProvider struct {
	ProviderQualifier string `json:"ProviderQualifier"`
	ProviderID        string `json:"ProviderID"`
}

type sandataCall struct {
	CallExternalID string  `json:"CallExternalID"`
	CallDateTime   string  `json:"CallDateTime"`
	CallAssignment string  `json:"CallAssignment"`
	CallType       string  `json:"CallType"`
	Latitude       float64 `json:"CallLatitude,omitempty"`
	Longitude      float64 `json:"CallLongitude,omitempty"`
}

type sandataResponse struct {
	TransactionID string `json:"TransactionID"`
	Status        string `json:"Status"`
	Reason        string `json:"Reason,omitempty"`
}

func (s *Sandata) Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*SubmissionResult, error) {
	if v := s.Validate(rec, rule); !v.IsValid {
		return invalidResult(v), nil
	}

	visit := sandataVisit{
		ProviderIdentification: sandataProvider{
			ProviderQualifier: "SandataID",
			ProviderID:        s.cfg.AccountID,
		},
		VisitOtherID:      rec.VisitID,
		SequenceID:        rec.IntegrityHash,
		ClientIDQualifier: "ClientMedicaidID",
		ClientID:          rec.MedicaidID,
		EmployeeOtherID:   rec.CaregiverID,
		ServiceCode:       rec.ServiceTypeCode,
		Calls:             sandataCalls(rec),
		BillVisit:         true,
	}

	status, body, err := post(ctx, s.cfg, "/interfaces/intake/visits", rec.IntegrityHash, []sandataVisit{visit})
	res := result(status, err, string(body), "")
	if res.Success {
		var parsed sandataResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			res.SubmissionID = parsed.TransactionID
		}
	}
	return res, nil
}

func sandataCalls(rec *evv.EVVRecord) []sandataCall {
	var calls []sandataCall
	for _, leg := range []struct {
		leg      *evv.Leg
		callType string
	}{
		{rec.ClockIn, "Time In"},
		{rec.ClockOut, "Time Out"},
	} {
		if leg.leg == nil {
			continue
		}
		call := sandataCall{
			CallExternalID: rec.VisitID + ":" + leg.callType,
			CallDateTime:   leg.leg.Timestamp.UTC().Format(time.RFC3339),
			CallAssignment: leg.callType,
			CallType:       "Mobile",
		}
		if leg.leg.Location.Latitude != nil && leg.leg.Location.Longitude != nil {
			call.Latitude = *leg.leg.Location.Latitude
			call.Longitude = *leg.leg.Location.Longitude
		}
		calls = append(calls, call)
	}
	return calls
}
