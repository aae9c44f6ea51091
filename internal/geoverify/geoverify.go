// Package geoverify scores a captured GPS sample against a service
// address geofence and detects spoofed locations.
package geoverify

import (
	"errors"
	"math"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// ErrMissingLocation is returned when a sample has no usable coordinates.
var ErrMissingLocation = errors.New("location sample has no coordinates")

// Source describes how a location sample was captured.
type Source string

const (
	SourceSatellite Source = "satellite"
	SourceNetwork   Source = "network"
	SourceManual    Source = "manual"
)

// Sample is one captured device location.
type Sample struct {
	Latitude   *float64  `json:"latitude" binding:"required"`
	Longitude  *float64  `json:"longitude" binding:"required"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"capturedAt"`
	Source     Source    `json:"source"`

	// MockLocationDetected is set by the mobile client when the OS
	// reports a mock-location provider is active.
	MockLocationDetected bool `json:"mockLocationDetected"`
}

// Target is the service address the sample is verified against.
type Target struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Verification is the per-leg outcome of geofence scoring.
type Verification struct {
	DistanceM        float64 `json:"distanceFromAddress"`
	IsWithinGeofence bool    `json:"isWithinGeofence"`
	AccuracyOK       bool    `json:"accuracyOk"`
	MockDetected     bool    `json:"mockDetected"`
	Passed           bool    `json:"passed"`
}

// Verify scores a sample against the target address under a state's
// geofence rule.
//
// Both comparisons are inclusive: a distance of exactly radius+tolerance
// is inside the fence, and accuracy exactly at the state minimum passes.
// A detected mock location fails verification regardless of distance.
func Verify(sample Sample, target Target, rule *staterules.StateRule) (Verification, error) {
	if sample.Latitude == nil || sample.Longitude == nil {
		return Verification{}, ErrMissingLocation
	}

	d := Distance(*sample.Latitude, *sample.Longitude, target.Latitude, target.Longitude)

	v := Verification{
		DistanceM:        d,
		IsWithinGeofence: d <= rule.GeofenceRadiusM+rule.GeofenceToleranceM,
		AccuracyOK:       sample.AccuracyM <= rule.MinAccuracyM,
		MockDetected:     sample.MockLocationDetected,
	}
	v.Passed = v.IsWithinGeofence && v.AccuracyOK && !v.MockDetected
	return v, nil
}

// earthRadiusM is the mean Earth radius used for great-circle distance.
const earthRadiusM = 6371000.0

// Distance returns the great-circle distance in meters between two
// coordinates using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// Coord is a convenience constructor for optional coordinate fields.
func Coord(v float64) *float64 { return &v }
