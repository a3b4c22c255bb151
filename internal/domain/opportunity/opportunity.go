// Package opportunity implements detected switch recommendations and their
// staff-review lifecycle.
package opportunity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// Status is the review state of an opportunity.
type Status string

const (
	StatusNotSubmitted Status = "Not Submitted"
	StatusApproved     Status = "Approved"
	StatusCompleted    Status = "Completed"
	StatusDenied       Status = "Denied"
	StatusFlagged      Status = "Flagged"
	StatusDidntWork    Status = "Didn't Work"
)

// ErrInvalidTransition indicates a disallowed status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether a status change is allowed. Denied and
// Completed are terminal except for an explicit reopen back to
// Not Submitted; every other state moves freely between review outcomes.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusDenied, StatusCompleted:
		return to == StatusNotSubmitted
	case StatusNotSubmitted, StatusApproved, StatusFlagged, StatusDidntWork:
		switch to {
		case StatusNotSubmitted, StatusApproved, StatusCompleted, StatusDenied, StatusFlagged, StatusDidntWork:
			return true
		}
	}
	return false
}

// Opportunity is one patient-specific, economically justified switch
// recommendation. Economics fields are mutated only by backfill while the
// status is still Not Submitted; the status is mutated only by staff.
type Opportunity struct {
	ID         string
	PharmacyID string
	PatientID  string
	TriggerID  string

	// TriggerType is denormalized onto the row because it is part of the
	// dedup key and must survive trigger edits.
	TriggerType trigger.Type

	CurrentDrugName     string
	RecommendedDrugName string
	RecommendedNDC      string

	// BIN and Group come from the originating prescription so backfill can
	// re-resolve coverage pricing later.
	BIN   string
	Group string

	// CurrentGP is the originating fill's per-fill profit, kept so backfill
	// can re-net a replacement gain against it without re-reading claims.
	CurrentGP           decimal.Decimal
	AvgDispensedQty     float64
	PotentialMarginGain decimal.Decimal
	AnnualMarginGain    decimal.Decimal

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DedupKey derives the uniqueness key that makes rescans idempotent: one
// opportunity per patient, trigger class and (case-folded) current drug.
func DedupKey(patientID string, triggerType trigger.Type, currentDrugName string) string {
	return fmt.Sprintf("%s|%s|%s", patientID, triggerType, strings.ToUpper(strings.TrimSpace(currentDrugName)))
}

// Key returns the opportunity's own dedup key.
func (o *Opportunity) Key() string {
	return DedupKey(o.PatientID, o.TriggerType, o.CurrentDrugName)
}
