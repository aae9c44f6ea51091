package aggregator

import (
	"context"
	"strings"

	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Route maps a service type prefix to a downstream vendor. Open-model
// states like Texas accept different vendors per payer program, and the
// program is encoded in the service type code.
type Route struct {
	ServicePrefix string
	Adapter       Adapter
}

// Multi fans submissions out to the vendor that owns the record's payer
// program. Routing is configuration, not code: deployments declare their
// routes and a default, and records that match nothing are rejected
// without a vendor call.
type Multi struct {
	routes   []Route
	fallback Adapter
}

// NewMulti builds a routing adapter. A nil defaultAdapter means records
// matching no route fail with NO_ROUTING_MATCH.
func NewMulti(routes []Route, defaultAdapter Adapter) *Multi {
	return &Multi{routes: routes, fallback: defaultAdapter}
}

var _ Adapter = (*Multi)(nil)

func (m *Multi) Vendor() string { return VendorMulti }

func (m *Multi) route(rec *evv.EVVRecord) Adapter {
	for _, r := range m.routes {
		if strings.HasPrefix(rec.ServiceTypeCode, r.ServicePrefix) {
			return r.Adapter
		}
	}
	return m.fallback
}

func (m *Multi) Validate(rec *evv.EVVRecord, rule *staterules.StateRule) ValidationResult {
	target := m.route(rec)
	if target == nil {
		return ValidationResult{Errors: []string{"no aggregator route for service type " + rec.ServiceTypeCode}}
	}
	return target.Validate(rec, rule)
}

func (m *Multi) Submit(ctx context.Context, rec *evv.EVVRecord, rule *staterules.StateRule) (*SubmissionResult, error) {
	target := m.route(rec)
	if target == nil {
		return &SubmissionResult{
			ErrorCode:     CodeNoRouting,
			ErrorDetail:   "no aggregator route for service type " + rec.ServiceTypeCode,
			RequiresRetry: false,
		}, nil
	}
	return target.Submit(ctx, rec, rule)
}
