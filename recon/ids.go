package recon

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// StatementID is a content hash of the ordered key tuple
// (eventDate, appId, adUnitId, country, format, currency, reportId, network).
// Two rows with identical key fields always share an id, so statement
// identity is structural rather than stored.
func StatementID(s Statement) string {
	return hashParts(
		DayKey(s.EventDate),
		s.AppID,
		s.AdUnitID,
		s.Country,
		s.Format,
		s.Currency,
		s.ReportID,
		s.Network,
	)
}

// EvidenceID derives the idempotency key of a Delta from its window bounds
// and kind. Rules that emit several deltas per window (fx_mismatch, one per
// currency) pass a qualifier.
func EvidenceID(kind DeltaKind, w Window, qualifier ...string) string {
	parts := []string{
		string(kind),
		w.From.UTC().Format(time.RFC3339Nano),
		w.To.UTC().Format(time.RFC3339Nano),
	}
	parts = append(parts, qualifier...)
	return string(kind) + "_" + hashParts(parts...)[:32]
}

func hashParts(parts ...string) string {
	h := sha256.New()
	// \x1f cannot appear in any key field, so joins are unambiguous.
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
