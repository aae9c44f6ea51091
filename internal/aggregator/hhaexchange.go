package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// HHAeXchange files visits with the HHAeXchange aggregator.
type HHAeXchange struct {
	cfg Config
}

func NewHHAeXchange(cfg Config) *HHAeXchange {
	return &HHAeXchange{cfg: cfg}
}

var _ Adapter = (*HHAeXchange)(nil)

func (h *HHAeXchange) Vendor() string { return VendorHHAeXchange }

func (h *HHAeXchange) Validate(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult {
	return validateRequired(rec, rule)
}

type hhaxConfirmation struct {
	AgencyTaxID        string   `json:"agencyTaxId"`
	VisitID            string   `json:"visitId"`
	PatientMedicaidNum string   `json:"patientMedicaidNumber"`
	CaregiverCode      string   `json:"caregiverCode"`
	ServiceCode        string   `json:"serviceCode"`
	VisitStartTime     string   `json:"visitStartTime"`
	VisitEndTime       string   `json:"visitEndTime"`
	EVVType            string   `json:"evvType"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	DurationMinutes    int      `json:"durationMinutes"`
	ProviderNPI        string   `json:"providerNpi,omitempty"`
}

type hhaxResponse struct {
	ConfirmationNumber string `json:"confirmationNumber"`
	Accepted           bool   `json:"accepted"`
	RejectReason       string `json:"rejectReason,omitempty"`
}

func (h *HHAeXchange) Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*SubmissionResult, error) {
	if v := h.Validate(rec, rule); !v.IsValid {
		return invalidResult(v), nil
	}

	in, out := legTimes(rec)
	conf := hhaxConfirmation{
		AgencyTaxID:        h.cfg.AccountID,
		VisitID:            rec.VisitID,
		PatientMedicaidNum: rec.MedicaidID,
		CaregiverCode:      rec.CaregiverID,
		ServiceCode:        rec.ServiceTypeCode,
		VisitStartTime:     in.UTC().Format(time.RFC3339),
		VisitEndTime:       out.UTC().Format(time.RFC3339),
		EVVType:            "GPS",
		DurationMinutes:    rec.TotalDurationMin,
		ProviderNPI:        rec.ProviderNPI,
	}
	if rec.ClockIn != nil {
		conf.Latitude = rec.ClockIn.Location.Latitude
		conf.Longitude = rec.ClockIn.Location.Longitude
	}

	status, body, err := post(ctx, h.cfg, "/api/visitconfirmations", rec.IntegrityHash, conf)
	res := result(status, err, string(body), "")
	if res.Success {
		var parsed hhaxResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			res.SubmissionID = parsed.ConfirmationNumber
		}
	}
	return res, nil
}
