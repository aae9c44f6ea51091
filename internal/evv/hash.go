package evv

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ComputeIntegrityHash fingerprints the content of a completed record.
// Two records describing the same visit facts hash identically, so the
// hash serves as the idempotency key on aggregator submissions: a
// resubmission after a timed-out attempt carries the same key and the
// vendor can deduplicate it.
//
// Submission bookkeeping (status, attempt counts, timestamps) is
// deliberately excluded so retries never change the key.
func ComputeIntegrityHash(rec *EVVRecord) string {
	var b strings.Builder
	b.WriteString(rec.VisitID)
	b.WriteByte('|')
	b.WriteString(rec.ClientID)
	b.WriteByte('|')
	b.WriteString(rec.CaregiverID)
	b.WriteByte('|')
	b.WriteString(rec.StateCode)
	b.WriteByte('|')
	b.WriteString(rec.ServiceTypeCode)
	b.WriteByte('|')
	b.WriteString(rec.MedicaidID)
	b.WriteByte('|')
	writeLeg(&b, rec.ClockIn)
	b.WriteByte('|')
	writeLeg(&b, rec.ClockOut)
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d", rec.TotalDurationMin)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeLeg(b *strings.Builder, leg *Leg) {
	if leg == nil {
		b.WriteString("-")
		return
	}
	b.WriteString(leg.Timestamp.UTC().Format(time.RFC3339))
	if leg.Location.Latitude != nil && leg.Location.Longitude != nil {
		// Six decimal places is ~0.1m, well inside GPS noise.
		fmt.Fprintf(b, ",%.6f,%.6f", *leg.Location.Latitude, *leg.Location.Longitude)
	}
}
