// Package staterules holds per-state EVV compliance configuration.
//
// Every Medicaid program sets its own geofence radius, clock tolerances,
// record retention window, and designated aggregator vendor. The registry
// is loaded once at startup and is read-only afterwards, so lookups are
// safe from any number of goroutines without locking.
package staterules

import (
	"encoding/json"
	"fmt"
	"os"
)

// AggregatorKind identifies the vendor family a state submits to.
type AggregatorKind string

const (
	AggregatorSandata     AggregatorKind = "sandata"
	AggregatorTellus      AggregatorKind = "tellus"
	AggregatorHHAeXchange AggregatorKind = "hhaexchange"
	AggregatorMulti       AggregatorKind = "multi"
)

// federalMinRetentionYears is the CMS minimum for EVV record retention.
const federalMinRetentionYears = 6

// StateRule is the compliance configuration for one jurisdiction.
type StateRule struct {
	StateCode          string         `json:"stateCode"`
	Aggregator         AggregatorKind `json:"aggregator"`
	GeofenceRadiusM    float64        `json:"geofenceRadiusMeters"`
	GeofenceToleranceM float64        `json:"geofenceToleranceMeters"`
	GracePeriodMin     int            `json:"gracePeriodMinutes"`
	MinAccuracyM       float64        `json:"minimumAccuracyMeters"`
	RetentionYears     int            `json:"retentionYears"`
	ImmutableAfterDays int            `json:"immutableAfterDays"`

	// NonMedicalExempt suppresses the provider-NPI requirement for
	// non-medical service programs (e.g. Arizona's AHCCCS policy).
	NonMedicalExempt bool `json:"nonMedicalExempt"`

	// LenientRuralPolicy relaxes supervisor review for rural addresses
	// where GPS accuracy is structurally poor.
	LenientRuralPolicy bool `json:"lenientRuralPolicy"`
}

// UnknownStateError reports a lookup for a state with no configured rule.
// This is a configuration gap, never silently defaulted.
type UnknownStateError struct {
	StateCode string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("no EVV rule configured for state %q", e.StateCode)
}

// Registry is a read-only lookup of state rules.
type Registry struct {
	rules map[string]*StateRule
}

// New builds a registry from the compiled-in defaults.
func New() (*Registry, error) {
	return build(defaultRules)
}

// NewFromFile builds a registry from the defaults overlaid with rules
// from a JSON file (array of StateRule). File entries replace defaults
// for the same state code and may add new states.
func NewFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state rules: %w", err)
	}

	var overrides []StateRule
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse state rules: %w", err)
	}

	merged := make([]StateRule, 0, len(defaultRules)+len(overrides))
	overridden := make(map[string]bool, len(overrides))
	for _, r := range overrides {
		overridden[r.StateCode] = true
	}
	for _, r := range defaultRules {
		if !overridden[r.StateCode] {
			merged = append(merged, r)
		}
	}
	merged = append(merged, overrides...)

	return build(merged)
}

func build(rules []StateRule) (*Registry, error) {
	m := make(map[string]*StateRule, len(rules))
	for i := range rules {
		r := rules[i]
		if len(r.StateCode) != 2 {
			return nil, fmt.Errorf("state rule %d: invalid state code %q", i, r.StateCode)
		}
		if _, dup := m[r.StateCode]; dup {
			return nil, fmt.Errorf("duplicate rule for state %s", r.StateCode)
		}
		if r.GeofenceRadiusM <= 0 || r.GeofenceToleranceM <= 0 {
			return nil, fmt.Errorf("state %s: geofence radius and tolerance must be positive", r.StateCode)
		}
		if r.MinAccuracyM <= 0 {
			return nil, fmt.Errorf("state %s: minimum accuracy must be positive", r.StateCode)
		}
		if r.RetentionYears < federalMinRetentionYears {
			return nil, fmt.Errorf("state %s: retention %d years below federal minimum of %d",
				r.StateCode, r.RetentionYears, federalMinRetentionYears)
		}
		switch r.Aggregator {
		case AggregatorSandata, AggregatorTellus, AggregatorHHAeXchange, AggregatorMulti:
		default:
			return nil, fmt.Errorf("state %s: unknown aggregator %q", r.StateCode, r.Aggregator)
		}
		m[r.StateCode] = &r
	}
	return &Registry{rules: m}, nil
}

// Get returns the rule for a state code.
func (reg *Registry) Get(stateCode string) (*StateRule, error) {
	r, ok := reg.rules[stateCode]
	if !ok {
		return nil, &UnknownStateError{StateCode: stateCode}
	}
	return r, nil
}

// AggregatorFor returns the aggregator vendor a state's records submit to.
func (reg *Registry) AggregatorFor(stateCode string) (AggregatorKind, error) {
	r, err := reg.Get(stateCode)
	if err != nil {
		return "", err
	}
	return r.Aggregator, nil
}

// States returns the configured state codes (for health/info surfaces).
func (reg *Registry) States() []string {
	out := make([]string, 0, len(reg.rules))
	for code := range reg.rules {
		out = append(out, code)
	}
	return out
}

// defaultRules are the compiled-in state programs. Values track each
// state's published EVV program manual; override via STATE_RULES_PATH
// when a program updates its policy mid-release.
var defaultRules = []StateRule{
	{
		StateCode: "TX", Aggregator: AggregatorMulti,
		GeofenceRadiusM: 100, GeofenceToleranceM: 25,
		GracePeriodMin: 10, MinAccuracyM: 50,
		RetentionYears: 6, ImmutableAfterDays: 7,
	},
	{
		StateCode: "AZ", Aggregator: AggregatorSandata,
		GeofenceRadiusM: 150, GeofenceToleranceM: 30,
		GracePeriodMin: 15, MinAccuracyM: 75,
		RetentionYears: 6, ImmutableAfterDays: 14,
		NonMedicalExempt: true, LenientRuralPolicy: true,
	},
	{
		StateCode: "FL", Aggregator: AggregatorTellus,
		GeofenceRadiusM: 100, GeofenceToleranceM: 20,
		GracePeriodMin: 7, MinAccuracyM: 50,
		RetentionYears: 6, ImmutableAfterDays: 10,
	},
	{
		StateCode: "OH", Aggregator: AggregatorSandata,
		GeofenceRadiusM: 120, GeofenceToleranceM: 25,
		GracePeriodMin: 10, MinAccuracyM: 60,
		RetentionYears: 7, ImmutableAfterDays: 7,
	},
	{
		StateCode: "PA", Aggregator: AggregatorHHAeXchange,
		GeofenceRadiusM: 100, GeofenceToleranceM: 25,
		GracePeriodMin: 10, MinAccuracyM: 50,
		RetentionYears: 6, ImmutableAfterDays: 7,
	},
	{
		StateCode: "CA", Aggregator: AggregatorSandata,
		GeofenceRadiusM: 125, GeofenceToleranceM: 25,
		GracePeriodMin: 15, MinAccuracyM: 65,
		RetentionYears: 7, ImmutableAfterDays: 30,
	},
	{
		StateCode: "NY", Aggregator: AggregatorHHAeXchange,
		GeofenceRadiusM: 75, GeofenceToleranceM: 15,
		GracePeriodMin: 5, MinAccuracyM: 40,
		RetentionYears: 6, ImmutableAfterDays: 7,
	},
	{
		StateCode: "GA", Aggregator: AggregatorTellus,
		GeofenceRadiusM: 110, GeofenceToleranceM: 25,
		GracePeriodMin: 10, MinAccuracyM: 55,
		RetentionYears: 6, ImmutableAfterDays: 10,
	},
}
