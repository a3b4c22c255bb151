package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxopps/internal/engine/keyword"
)

// Input is the inbound configuration payload for creating or editing a
// trigger. Administrative clients historically sent a mix of camelCase and
// snake_case field names; this type is the single boundary that accepts
// both and produces one canonical Trigger. Nothing past this point handles
// dual naming.
type Input struct {
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

	Enabled *bool
}

// UnmarshalJSON accepts each field under its camelCase or snake_case name,
// camelCase winning when both are present.
func (in *Input) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pick := func(dst interface{}, camel, snake string) error {
		v, ok := raw[camel]
		if !ok {
			v, ok = raw[snake]
		}
		if !ok {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", camel, err)
		}
		return nil
	}

	steps := []error{
		pick(&in.Code, "code", "code"),
		pick(&in.Name, "name", "name"),
		pick(&in.Type, "type", "trigger_type"),
		pick(&in.DetectionKeywords, "detectionKeywords", "detection_keywords"),
		pick(&in.ExcludeKeywords, "excludeKeywords", "exclude_keywords"),
		pick(&in.IfHasKeywords, "ifHasKeywords", "if_has_keywords"),
		pick(&in.IfNotHasKeywords, "ifNotHasKeywords", "if_not_has_keywords"),
		pick(&in.KeywordMatchMode, "keywordMatchMode", "keyword_match_mode"),
		pick(&in.RecommendedDrug, "recommendedDrug", "recommended_drug"),
		pick(&in.RecommendedNDC, "recommendedNdc", "recommended_ndc"),
		pick(&in.BINInclusions, "binInclusions", "bin_inclusions"),
		pick(&in.BINExclusions, "binExclusions", "bin_exclusions"),
		pick(&in.GroupInclusions, "groupInclusions", "group_inclusions"),
		pick(&in.GroupExclusions, "groupExclusions", "group_exclusions"),
		pick(&in.ContractPrefixExclusions, "contractPrefixExclusions", "contract_prefix_exclusions"),
		pick(&in.PharmacyInclusions, "pharmacyInclusions", "pharmacy_inclusions"),
		pick(&in.AnnualFills, "annualFills", "annual_fills"),
		pick(&in.DefaultGP, "defaultGpValue", "default_gp_value"),
		pick(&in.ExpectedQty, "expectedQty", "expected_qty"),
		pick(&in.ExpectedDaysSupply, "expectedDaysSupply", "expected_days_supply"),
		pick(&in.Enabled, "isEnabled", "is_enabled"),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

// ToTrigger builds a normalized, validated Trigger from the input.
func (in *Input) ToTrigger() (*Trigger, error) {
	t := &Trigger{
		Code:                     in.Code,
		Name:                     in.Name,
		Type:                     in.Type,
		DetectionKeywords:        in.DetectionKeywords,
		ExcludeKeywords:          in.ExcludeKeywords,
		IfHasKeywords:            in.IfHasKeywords,
		IfNotHasKeywords:         in.IfNotHasKeywords,
		KeywordMatchMode:         in.KeywordMatchMode,
		RecommendedDrug:          in.RecommendedDrug,
		RecommendedNDC:           in.RecommendedNDC,
		BINInclusions:            in.BINInclusions,
		BINExclusions:            in.BINExclusions,
		GroupInclusions:          in.GroupInclusions,
		GroupExclusions:          in.GroupExclusions,
		ContractPrefixExclusions: in.ContractPrefixExclusions,
		PharmacyInclusions:       in.PharmacyInclusions,
		AnnualFills:              in.AnnualFills,
		DefaultGP:                in.DefaultGP,
		ExpectedQty:              in.ExpectedQty,
		ExpectedDaysSupply:       in.ExpectedDaysSupply,
		Enabled:                  true,
	}
	if in.Enabled != nil {
		t.Enabled = *in.Enabled
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ApplyTo merges the input onto an existing trigger for edits. List fields
// and strings are replaced wholesale when provided; the enabled flag only
// changes when explicitly sent.
func (in *Input) ApplyTo(t *Trigger) (*Trigger, error) {
	updated := *t
	if in.Code != "" {
		updated.Code = in.Code
	}
	if in.Name != "" {
		updated.Name = in.Name
	}
	if in.Type != "" {
		updated.Type = in.Type
	}
	if in.DetectionKeywords != nil {
		updated.DetectionKeywords = in.DetectionKeywords
	}
	if in.ExcludeKeywords != nil {
		updated.ExcludeKeywords = in.ExcludeKeywords
	}
	if in.IfHasKeywords != nil {
		updated.IfHasKeywords = in.IfHasKeywords
	}
	if in.IfNotHasKeywords != nil {
		updated.IfNotHasKeywords = in.IfNotHasKeywords
	}
	if in.KeywordMatchMode != "" {
		updated.KeywordMatchMode = in.KeywordMatchMode
	}
	if in.RecommendedDrug != "" {
		updated.RecommendedDrug = in.RecommendedDrug
	}
	if in.RecommendedNDC != "" {
		updated.RecommendedNDC = in.RecommendedNDC
	}
	if in.BINInclusions != nil {
		updated.BINInclusions = in.BINInclusions
	}
	if in.BINExclusions != nil {
		updated.BINExclusions = in.BINExclusions
	}
	if in.GroupInclusions != nil {
		updated.GroupInclusions = in.GroupInclusions
	}
	if in.GroupExclusions != nil {
		updated.GroupExclusions = in.GroupExclusions
	}
	if in.ContractPrefixExclusions != nil {
		updated.ContractPrefixExclusions = in.ContractPrefixExclusions
	}
	if in.PharmacyInclusions != nil {
		updated.PharmacyInclusions = in.PharmacyInclusions
	}
	if in.AnnualFills > 0 {
		updated.AnnualFills = in.AnnualFills
	}
	if !in.DefaultGP.IsZero() {
		updated.DefaultGP = in.DefaultGP
	}
	if in.ExpectedQty > 0 {
		updated.ExpectedQty = in.ExpectedQty
	}
	if in.ExpectedDaysSupply > 0 {
		updated.ExpectedDaysSupply = in.ExpectedDaysSupply
	}
	if in.Enabled != nil {
		updated.Enabled = *in.Enabled
	}
	updated.Normalize()
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	return &updated, nil
}
