package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxopps/internal/domain/claims"
	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
	"github.com/drfirst/go-rxopps/internal/engine/keyword"
	"github.com/drfirst/go-rxopps/internal/engine/normalize"
)

// Rejection reasons reported by the matcher.
const (
	reasonNoDetection      = "no prescription matched detection keywords"
	reasonBINExcluded      = "patient BIN not allowed"
	reasonGroupExcluded    = "patient group not allowed"
	reasonMissingCoTherapy = "required co-therapy not present"
	reasonAlreadyOnTherapy = "patient already on recommended therapy"
	reasonCoverageExcluded = "coverage pinned excluded for this segment"
	reasonNoPrice          = "no price resolved"
	reasonNoGain           = "no positive margin gain"
)

// MatchResult is the terminal output of matching one patient against one
// trigger: either a priced match or a rejection with its reason.
type MatchResult struct {
	Matched bool
	Reason  string

	CurrentDrugName     string
	RecommendedDrugName string
	RecommendedNDC      string
	BIN                 string
	Group               string

	CurrentGP  decimal.Decimal
	AvgQty     float64
	NetGain    decimal.Decimal
	AnnualGain decimal.Decimal
}

func rejected(reason string) *MatchResult {
	return &MatchResult{Reason: reason}
}

// matchPatient runs the per-patient state machine: detect, filter, resolve
// price, compute economics. History must be ordered most recent fill first,
// as the claims repository returns it.
func (e *Engine) matchPatient(ctx context.Context, trg *trigger.Trigger, history []*claims.Prescription) (*MatchResult, error) {
	// Detect: the first fill satisfying the detection keywords without
	// hitting an exclude keyword.
	var detected *claims.Prescription
	for _, p := range history {
		if !keyword.MatchesKeywords(p.DrugName, trg.DetectionKeywords, trg.KeywordMatchMode) {
			continue
		}
		if keyword.MatchesAny(p.DrugName, trg.ExcludeKeywords) {
			continue
		}
		detected = p
		break
	}
	if detected == nil {
		return rejected(reasonNoDetection), nil
	}

	if !trg.BINAllowed(detected.BIN) {
		return rejected(reasonBINExcluded), nil
	}
	if !trg.GroupAllowed(detected.Group) {
		return rejected(reasonGroupExcluded), nil
	}

	// Co-therapy preconditions look across the whole history, not just the
	// detected fill.
	if len(trg.IfHasKeywords) > 0 && !anyDrugMatches(history, trg.IfHasKeywords) {
		return rejected(reasonMissingCoTherapy), nil
	}
	if len(trg.IfNotHasKeywords) > 0 && anyDrugMatches(history, trg.IfNotHasKeywords) {
		return rejected(reasonAlreadyOnTherapy), nil
	}

	price, entry, err := e.resolvePrice(ctx, trg, detected.BIN, detected.Group)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Status == coverage.StatusExcluded {
		return rejected(reasonCoverageExcluded), nil
	}
	if price.IsZero() {
		return rejected(reasonNoPrice), nil
	}

	currentGP, ok := normalize.PerFill(detected.Profit(), detected.Quantity, detected.DaysSupply, trg.Hints())
	if !ok {
		// Too short a fill to normalize; compare against the raw profit.
		currentGP = detected.Profit()
	}

	netGain := price
	if !trg.Type.IsAddOn() {
		netGain = price.Sub(currentGP)
	}
	if !netGain.IsPositive() {
		return rejected(reasonNoGain), nil
	}

	result := &MatchResult{
		Matched:             true,
		CurrentDrugName:     detected.DrugName,
		RecommendedDrugName: trg.RecommendedDrug,
		RecommendedNDC:      trg.RecommendedNDC,
		BIN:                 detected.BIN,
		Group:               coverage.NormalizeGroup(detected.Group),
		CurrentGP:           currentGP,
		AvgQty:              detected.Quantity,
		NetGain:             netGain,
		AnnualGain:          netGain.Mul(decimal.NewFromInt(int64(trg.AnnualFills))).Round(4),
	}
	if entry != nil {
		if entry.BestDrugName != "" {
			result.RecommendedDrugName = entry.BestDrugName
		}
		if entry.BestNDC != "" {
			result.RecommendedNDC = entry.BestNDC
		}
		if entry.AvgQty > 0 {
			result.AvgQty = entry.AvgQty
		}
	}
	return result, nil
}

// resolvePrice looks up coverage for the patient's segment, falling back
// through the BIN-wide entry to the trigger's default GP. The returned entry
// is nil when pricing came from the default.
func (e *Engine) resolvePrice(ctx context.Context, trg *trigger.Trigger, bin, group string) (decimal.Decimal, *coverage.Entry, error) {
	entry, err := e.coverage.Resolve(ctx, trg.ID, bin, group)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if entry != nil {
		if entry.Status == coverage.StatusExcluded {
			return decimal.Zero, entry, nil
		}
		if !entry.GPValue.IsZero() {
			return entry.GPValue, entry, nil
		}
	}
	return trg.DefaultGP, nil, nil
}

func anyDrugMatches(history []*claims.Prescription, keywords []string) bool {
	for _, p := range history {
		if keyword.MatchesAny(p.DrugName, keywords) {
			return true
		}
	}
	return false
}
