package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
)

func rule(t *testing.T, code string) *staterules.StateRule {
	t.Helper()
	reg, err := staterules.New()
	require.NoError(t, err)
	r, err := reg.Get(code)
	require.NoError(t, err)
	return r
}

func goodDevice() DeviceInfo {
	return DeviceInfo{DeviceID: "dev_1", Model: "Pixel 8", OSVersion: "14", AppVersion: "2.3.0"}
}

func passing() geoverify.Verification {
	return geoverify.Verification{
		DistanceM: 20, IsWithinGeofence: true, AccuracyOK: true, Passed: true,
	}
}

func TestClassify_Compliant(t *testing.T) {
	res := Classify(Input{Device: goodDevice()}, passing(), rule(t, "TX"))

	assert.Equal(t, []Flag{FlagCompliant}, res.Flags)
	assert.Equal(t, LevelFull, res.Level)
	assert.False(t, res.Blocked)
	assert.False(t, res.RequiresReview)
}

func TestClassify_GeofenceViolation(t *testing.T) {
	v := passing()
	v.IsWithinGeofence = false
	v.Passed = false

	res := Classify(Input{Device: goodDevice()}, v, rule(t, "TX"))

	assert.True(t, res.Has(FlagGeofenceViolation))
	assert.True(t, res.Blocked)
	assert.True(t, res.RequiresReview)
}

func TestClassify_OverrideDowngradesButKeepsFlag(t *testing.T) {
	v := passing()
	v.IsWithinGeofence = false
	v.Passed = false

	res := Classify(Input{
		Device:   goodDevice(),
		Override: &Override{ReasonCode: "CLIENT_RELOCATED", ApproverID: "sup_1"},
	}, v, rule(t, "TX"))

	assert.True(t, res.Has(FlagGeofenceViolation), "violation stays on the audit record")
	assert.True(t, res.Has(FlagManualOverride))
	assert.False(t, res.Blocked, "override makes the violation non-blocking")
	assert.True(t, res.RequiresReview)
	assert.Equal(t, LevelManual, res.Level)
}

func TestClassify_MockLocationAlwaysBlocks(t *testing.T) {
	v := passing()
	v.MockDetected = true
	v.Passed = false

	res := Classify(Input{
		Device:   goodDevice(),
		Override: &Override{ReasonCode: "ANY", ApproverID: "sup_1"},
	}, v, rule(t, "TX"))

	assert.True(t, res.Has(FlagLocationSuspicious))
	assert.True(t, res.Blocked, "no override can unblock a spoofed location")
}

func TestClassify_DeviceSuspicious(t *testing.T) {
	res := Classify(Input{Device: DeviceInfo{Model: "Pixel"}}, passing(), rule(t, "TX"))
	assert.True(t, res.Has(FlagDeviceSuspicious))
	assert.True(t, res.RequiresReview)
}

func TestClassify_PartialOnCoarseAccuracy(t *testing.T) {
	v := passing()
	v.AccuracyOK = false

	res := Classify(Input{Device: goodDevice()}, v, rule(t, "TX"))
	assert.Equal(t, LevelPartial, res.Level)
	assert.False(t, res.Blocked)
}

func TestClassify_LenientRuralSuppressesAccuracyReview(t *testing.T) {
	v := passing()
	v.AccuracyOK = false

	res := Classify(Input{Device: goodDevice()}, v, rule(t, "AZ"))
	assert.False(t, res.RequiresReview)
}

func TestClassify_CallerSuppliedLevel(t *testing.T) {
	res := Classify(Input{Device: goodDevice(), CapturedLevel: LevelPhone}, passing(), rule(t, "TX"))
	assert.Equal(t, LevelPhone, res.Level)
}

func TestClassify_Deterministic(t *testing.T) {
	in := Input{Device: DeviceInfo{}}
	v := passing()
	v.MockDetected = true

	first := Classify(in, v, rule(t, "TX"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(in, v, rule(t, "TX")))
	}
}

func TestCombineLevels(t *testing.T) {
	assert.Equal(t, LevelFull, CombineLevels(LevelFull, LevelFull))
	assert.Equal(t, LevelPartial, CombineLevels(LevelFull, LevelPartial))
	assert.Equal(t, LevelManual, CombineLevels(LevelFull, LevelManual))
	assert.Equal(t, LevelManual, CombineLevels(LevelManual, LevelPhone))
	assert.Equal(t, LevelException, CombineLevels(LevelException, LevelFull))
}

func TestMergeFlags_DropsCompliantMarker(t *testing.T) {
	merged := MergeFlags([]Flag{FlagCompliant}, []Flag{FlagGeofenceViolation})
	assert.Equal(t, []Flag{FlagGeofenceViolation}, merged)

	merged = MergeFlags([]Flag{FlagCompliant}, []Flag{FlagCompliant})
	assert.Equal(t, []Flag{FlagCompliant}, merged)
}
