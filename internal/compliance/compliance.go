// Package compliance turns a verified clock event into audit flags and a
// verification level.
//
// Classification is deterministic: the same event, verification outcome,
// and state rule always produce the same result. No clock or randomness.
package compliance

import (
	"sort"

	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

// Flag is a named compliance condition attached to a verification record.
type Flag string

const (
	FlagCompliant          Flag = "COMPLIANT"
	FlagGeofenceViolation  Flag = "GEOFENCE_VIOLATION"
	FlagLocationSuspicious Flag = "LOCATION_SUSPICIOUS"
	FlagDeviceSuspicious   Flag = "DEVICE_SUSPICIOUS"
	FlagManualOverride     Flag = "MANUAL_OVERRIDE"
)

// Level is how a visit leg was verified.
type Level string

const (
	LevelFull      Level = "FULL"      // GPS verified, no flags
	LevelPartial   Level = "PARTIAL"   // GPS verified with warnings
	LevelManual    Level = "MANUAL"    // supervisor override applied
	LevelPhone     Level = "PHONE"     // telephony capture, caller-supplied
	LevelException Level = "EXCEPTION" // out-of-band capture, caller-supplied
)

// DeviceInfo is the mobile device fingerprint captured with each event.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	Model      string `json:"model"`
	OSVersion  string `json:"osVersion"`
	AppVersion string `json:"appVersion"`
}

// Override is a supervisor-approved manual override payload.
type Override struct {
	ReasonCode string `json:"reasonCode"`
	ApproverID string `json:"approverId"`
}

// Input is one clock event's classification input.
type Input struct {
	Device   DeviceInfo
	Override *Override

	// CapturedLevel is set by the caller for out-of-band capture paths
	// (PHONE/EXCEPTION). Empty for GPS capture.
	CapturedLevel Level
}

// Result is the classified outcome for one clock event.
type Result struct {
	Flags []Flag `json:"flags"`
	Level Level  `json:"level"`

	// Blocked means the leg cannot reach a compliant determination
	// (suspicious location, or a geofence violation with no override).
	Blocked bool `json:"blocked"`

	// RequiresReview means a supervisor should look at the record.
	RequiresReview bool `json:"requiresReview"`
}

// Has reports whether a flag is present.
func (r Result) Has(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// Classify applies the compliance rules to one clock event.
//
// Flags are additive. A manual override downgrades a geofence violation
// from blocking to reviewable but never removes the flag from the audit
// record. Mock-location detection always blocks.
func Classify(in Input, v geoverify.Verification, rule *staterules.StateRule) Result {
	var flags []Flag

	if !v.IsWithinGeofence && in.Override == nil {
		flags = append(flags, FlagGeofenceViolation)
	}
	if !v.IsWithinGeofence && in.Override != nil {
		// Overridden violation stays on the record for audit.
		flags = append(flags, FlagGeofenceViolation)
	}
	if v.MockDetected {
		flags = append(flags, FlagLocationSuspicious)
	}
	if deviceSuspicious(in.Device) {
		flags = append(flags, FlagDeviceSuspicious)
	}
	if in.Override != nil {
		flags = append(flags, FlagManualOverride)
	}

	blocked := v.MockDetected ||
		(!v.IsWithinGeofence && in.Override == nil)

	if len(flags) == 0 {
		flags = []Flag{FlagCompliant}
	}
	sortFlags(flags)

	res := Result{
		Flags:   flags,
		Blocked: blocked,
		Level:   deriveLevel(in, v, flags),
	}
	res.RequiresReview = blocked || hasNonCompliant(flags)

	// Rural programs tolerate coarse accuracy without review as long
	// as the fence and integrity checks held.
	if rule.LenientRuralPolicy && !blocked && !v.AccuracyOK &&
		v.IsWithinGeofence && !v.MockDetected && onlyAccuracyConcern(flags) {
		res.RequiresReview = false
	}

	return res
}

func deriveLevel(in Input, v geoverify.Verification, flags []Flag) Level {
	if in.CapturedLevel == LevelPhone || in.CapturedLevel == LevelException {
		return in.CapturedLevel
	}
	if in.Override != nil {
		return LevelManual
	}
	if len(flags) == 1 && flags[0] == FlagCompliant {
		if v.AccuracyOK {
			return LevelFull
		}
		return LevelPartial
	}
	return LevelPartial
}

// CombineLevels merges the clock-in and clock-out leg levels into the
// record-level verification level. MANUAL dominates, then the weaker of
// the two GPS levels.
func CombineLevels(in, out Level) Level {
	switch {
	case in == LevelException || out == LevelException:
		return LevelException
	case in == LevelManual || out == LevelManual:
		return LevelManual
	case in == LevelPhone || out == LevelPhone:
		return LevelPhone
	case in == LevelPartial || out == LevelPartial:
		return LevelPartial
	default:
		return LevelFull
	}
}

// MergeFlags unions two flag sets, dropping the COMPLIANT marker when
// any substantive flag is present.
func MergeFlags(a, b []Flag) []Flag {
	seen := make(map[Flag]bool, len(a)+len(b))
	var out []Flag
	for _, f := range append(append([]Flag{}, a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if len(out) > 1 && seen[FlagCompliant] {
		filtered := out[:0]
		for _, f := range out {
			if f != FlagCompliant {
				filtered = append(filtered, f)
			}
		}
		out = filtered
	}
	sortFlags(out)
	return out
}

func deviceSuspicious(d DeviceInfo) bool {
	return d.DeviceID == "" || d.Model == "" || d.OSVersion == ""
}

func hasNonCompliant(flags []Flag) bool {
	for _, f := range flags {
		if f != FlagCompliant {
			return true
		}
	}
	return false
}

func onlyAccuracyConcern(flags []Flag) bool {
	for _, f := range flags {
		if f != FlagCompliant {
			return false
		}
	}
	return true
}

func sortFlags(flags []Flag) {
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
}
