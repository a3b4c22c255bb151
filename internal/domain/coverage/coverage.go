// Package coverage implements verified coverage entries: per trigger, BIN
// and plan group, which product reimburses best and at what margin.
package coverage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the verification state of a coverage entry.
type Status string

const (
	// StatusUnknown means no scan has examined this segment yet.
	StatusUnknown Status = "unknown"
	// StatusWorks means the switch is known to adjudicate but margins are
	// not yet quantified.
	StatusWorks Status = "works"
	// StatusExcluded means the segment must never produce opportunities.
	// Manually pinned exclusions survive every rescan.
	StatusExcluded Status = "excluded"
	// StatusVerified means a scan ranked this segment from real claims.
	StatusVerified Status = "verified"
)

// Entry is one coverage record. Exactly one entry exists per
// (trigger, BIN, normalized group); an empty Group means "all groups for
// this BIN" and is the fallback row for group-level lookups.
type Entry struct {
	ID        string
	TriggerID string
	BIN       string
	Group     string

	Status             Status
	GPValue            decimal.Decimal
	AvgQty             float64
	VerifiedClaimCount int
	BestDrugName       string
	BestNDC            string

	// ManuallySet marks admin-pinned rows that scans must not overwrite.
	ManuallySet bool
	VerifiedAt  time.Time
}

// NormalizeGroup canonicalizes a plan group for keying. Empty and
// whitespace-only groups collapse to the all-groups sentinel "".
func NormalizeGroup(group string) string {
	return strings.ToUpper(strings.TrimSpace(group))
}
