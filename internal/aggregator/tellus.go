package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Tellus files visits with the Netsmart Tellus aggregator.
type Tellus struct {
	cfg Config
}

func NewTellus(cfg Config) *Tellus {
	return &Tellus{cfg: cfg}
}

var _ Adapter = (*Tellus)(nil)

func (t *Tellus) Vendor() string { return VendorTellus }

func (t *Tellus) Validate(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult {
	return validateRequired(rec, rule)
}

type tellusVisit struct {
	ProviderID      string       `json:"providerId"`
	ExternalVisitID string       `json:"externalVisitId"`
	RecipientID     string       `json:"recipientMedicaidId"`
	CaregiverID     string       `json:"caregiverId"`
	ProcedureCode   string       `json:"procedureCode"`
	ServiceStart    string       `json:"serviceStart"`
	ServiceEnd      string       `json:"serviceEnd"`
	StartLocation   *tellusPoint `json:"startLocation,omitempty"`
	EndLocation     *tellusPoint `json:"endLocation,omitempty"`
	Units           float64      `json:"units"`
}

type tellusPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracyMeters,omitempty"`
}

type tellusResponse struct {
	VisitKey string `json:"visitKey"`
	Outcome  string `json:"outcome"`
	Message  string `json:"message,omitempty"`
}

func (t *Tellus) Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*SubmissionResult, error) {
	if v := t.Validate(rec, rule); !v.IsValid {
		return invalidResult(v), nil
	}

	in, out := legTimes(rec)
	visit := tellusVisit{
		ProviderID:      t.cfg.AccountID,
		ExternalVisitID: rec.VisitID,
		RecipientID:     rec.MedicaidID,
		CaregiverID:     rec.CaregiverID,
		ProcedureCode:   rec.ServiceTypeCode,
		ServiceStart:    in.UTC().Format(time.RFC3339),
		ServiceEnd:      out.UTC().Format(time.RFC3339),
		StartLocation:   tellusLocation(rec.ClockIn),
		EndLocation:     tellusLocation(rec.ClockOut),
		Units:           rec.BillableHours,
	}

	status, body, err := post(ctx, t.cfg, "/v1/visits", rec.IntegrityHash, visit)
	res := result(status, err, string(body), "")
	if res.Success {
		var parsed tellusResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			res.SubmissionID = parsed.VisitKey
		}
	}
	return res, nil
}

func tellusLocation(leg *evv.Leg) *tellusPoint {
	if leg == nil || leg.Location.Latitude == nil || leg.Location.Longitude == nil {
		return nil
	}
	return &tellusPoint{
		Latitude:  *leg.Location.Latitude,
		Longitude: *leg.Location.Longitude,
		Accuracy:  leg.Location.AccuracyM,
	}
}
