// Package trigger implements the detection rule configuration store.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxopps/internal/engine/keyword"
	"github.com/drfirst/go-rxopps/internal/engine/normalize"
)

// Type classifies what kind of switch a trigger detects.
type Type string

const (
	TypeTherapeuticInterchange Type = "therapeutic_interchange"
	TypeBrandToGeneric         Type = "brand_to_generic"
	TypeMissingTherapy         Type = "missing_therapy"
	TypeNDCOptimization        Type = "ndc_optimization"
	TypeComboTherapy           Type = "combo_therapy"
)

// ValidTypes lists all accepted trigger types.
var ValidTypes = []Type{
	TypeTherapeuticInterchange,
	TypeBrandToGeneric,
	TypeMissingTherapy,
	TypeNDCOptimization,
	TypeComboTherapy,
}

// IsAddOn reports whether the trigger recommends an additional product
// rather than a replacement. Add-on gains are pure incremental revenue and
// are not netted against the current drug's profit.
func (t Type) IsAddOn() bool {
	return t == TypeMissingTherapy || t == TypeComboTherapy
}

// DefaultAnnualFills is applied when a trigger does not configure one.
const DefaultAnnualFills = 12

// Trigger is one configured detection rule.
type Trigger struct {
	ID   string
	Code string
	Name string
	Type Type

	DetectionKeywords []string
	ExcludeKeywords   []string
	IfHasKeywords     []string
	IfNotHasKeywords  []string
	KeywordMatchMode  keyword.MatchMode

	RecommendedDrug string
	RecommendedNDC  string

	BINInclusions            []string
	BINExclusions            []string
	GroupInclusions          []string
	GroupExclusions          []string
	ContractPrefixExclusions []string
	PharmacyInclusions       []string

	AnnualFills        int
	DefaultGP          decimal.Decimal
	ExpectedQty        float64
	ExpectedDaysSupply int

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validation errors.
var (
	ErrNoDetectionKeywords = errors.New("trigger has no detection keywords")
	ErrUnknownType         = errors.New("unknown trigger type")
)

// Validate checks the rule's structural invariants.
func (t *Trigger) Validate() error {
	if strings.TrimSpace(t.Code) == "" {
		return errors.New("trigger code is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("trigger name is required")
	}
	valid := false
	for _, vt := range ValidTypes {
		if t.Type == vt {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
	if len(t.DetectionKeywords) == 0 {
		return ErrNoDetectionKeywords
	}
	if t.KeywordMatchMode != keyword.MatchAny && t.KeywordMatchMode != keyword.MatchAll {
		return fmt.Errorf("invalid keyword match mode %q", t.KeywordMatchMode)
	}
	if t.AnnualFills < 0 {
		return errors.New("annual fills cannot be negative")
	}
	return nil
}

// Normalize fills defaults and canonicalizes list entries in place.
func (t *Trigger) Normalize() {
	if t.AnnualFills == 0 {
		t.AnnualFills = DefaultAnnualFills
	}
	if t.KeywordMatchMode == "" {
		t.KeywordMatchMode = keyword.MatchAny
	}
	t.DetectionKeywords = upperList(t.DetectionKeywords)
	t.ExcludeKeywords = upperList(t.ExcludeKeywords)
	t.IfHasKeywords = upperList(t.IfHasKeywords)
	t.IfNotHasKeywords = upperList(t.IfNotHasKeywords)
	t.BINInclusions = trimList(t.BINInclusions)
	t.BINExclusions = trimList(t.BINExclusions)
	t.GroupInclusions = upperList(t.GroupInclusions)
	t.GroupExclusions = upperList(t.GroupExclusions)
	t.ContractPrefixExclusions = upperList(t.ContractPrefixExclusions)
	t.PharmacyInclusions = trimList(t.PharmacyInclusions)
}

// Hints returns the trigger's margin normalization targets.
func (t *Trigger) Hints() normalize.Hints {
	return normalize.Hints{
		ExpectedQty:        t.ExpectedQty,
		ExpectedDaysSupply: t.ExpectedDaysSupply,
	}
}

// AppliesToPharmacy reports whether the trigger is scoped to the pharmacy.
// An empty inclusion list means all pharmacies.
func (t *Trigger) AppliesToPharmacy(pharmacyID string) bool {
	if len(t.PharmacyInclusions) == 0 {
		return true
	}
	for _, id := range t.PharmacyInclusions {
		if id == pharmacyID {
			return true
		}
	}
	return false
}

// BINAllowed applies exclusion-wins semantics: exclusion lists always
// reject, inclusion lists are allow-lists when non-empty.
func (t *Trigger) BINAllowed(bin string) bool {
	bin = strings.TrimSpace(bin)
	for _, b := range t.BINExclusions {
		if b == bin {
			return false
		}
	}
	if len(t.BINInclusions) == 0 {
		return true
	}
	for _, b := range t.BINInclusions {
		if b == bin {
			return true
		}
	}
	return false
}

// GroupAllowed applies the same exclusion-wins semantics to the plan group,
// plus contract prefix exclusions against the group's leading characters.
func (t *Trigger) GroupAllowed(group string) bool {
	g := strings.ToUpper(strings.TrimSpace(group))
	for _, excl := range t.GroupExclusions {
		if excl == g {
			return false
		}
	}
	for _, prefix := range t.ContractPrefixExclusions {
		if prefix != "" && strings.HasPrefix(g, prefix) {
			return false
		}
	}
	if len(t.GroupInclusions) == 0 {
		return true
	}
	for _, incl := range t.GroupInclusions {
		if incl == g {
			return true
		}
	}
	return false
}

// SearchTerms builds the coverage scan search terms. NDC optimization
// triggers search the whole category by detection keywords; all other types
// search for the recommended product.
func (t *Trigger) SearchTerms() []keyword.Term {
	if t.Type == TypeNDCOptimization {
		return keyword.BuildTerms(t.DetectionKeywords)
	}
	if strings.TrimSpace(t.RecommendedDrug) == "" {
		return nil
	}
	if term := keyword.Term(keyword.Tokenize(t.RecommendedDrug)); len(term) > 0 {
		return []keyword.Term{term}
	}
	return nil
}

func upperList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
