package trigger

import (
	"encoding/json"
	"testing"

	"github.com/drfirst/go-rxopps/internal/engine/keyword"
)

func baseTrigger() *Trigger {
	t := &Trigger{
		Code:              "ACE-ARB-01",
		Name:              "Lisinopril to Losartan",
		Type:              TypeTherapeuticInterchange,
		DetectionKeywords: []string{"LISINOPRIL"},
		RecommendedDrug:   "LOSARTAN",
	}
	t.Normalize()
	return t
}

func TestValidate(t *testing.T) {
	tr := baseTrigger()
	if err := tr.Validate(); err != nil {
		t.Fatalf("valid trigger rejected: %v", err)
	}

	tr = baseTrigger()
	tr.DetectionKeywords = nil
	if err := tr.Validate(); err == nil {
		t.Error("expected error for missing detection keywords")
	}

	tr = baseTrigger()
	tr.Type = "price_gouge"
	if err := tr.Validate(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	tr := &Trigger{
		Code:              "X",
		Name:              "x",
		Type:              TypeBrandToGeneric,
		DetectionKeywords: []string{" crestor "},
	}
	tr.Normalize()
	if tr.AnnualFills != DefaultAnnualFills {
		t.Errorf("annual fills = %d, want %d", tr.AnnualFills, DefaultAnnualFills)
	}
	if tr.KeywordMatchMode != keyword.MatchAny {
		t.Errorf("match mode = %q, want ANY", tr.KeywordMatchMode)
	}
	if tr.DetectionKeywords[0] != "CRESTOR" {
		t.Errorf("keyword not canonicalized: %q", tr.DetectionKeywords[0])
	}
}

func TestBINAllowedExclusionWins(t *testing.T) {
	tr := baseTrigger()
	tr.BINInclusions = []string{"610014"}
	tr.BINExclusions = []string{"610014"}
	tr.Normalize()
	if tr.BINAllowed("610014") {
		t.Error("BIN in both lists must be excluded")
	}

	tr = baseTrigger()
	tr.BINInclusions = []string{"610014"}
	tr.Normalize()
	if !tr.BINAllowed("610014") {
		t.Error("included BIN should be allowed")
	}
	if tr.BINAllowed("004336") {
		t.Error("BIN outside non-empty allow-list should be rejected")
	}

	tr = baseTrigger()
	if !tr.BINAllowed("anything") {
		t.Error("empty lists mean no restriction")
	}
}

func TestGroupAllowedContractPrefix(t *testing.T) {
	tr := baseTrigger()
	tr.ContractPrefixExclusions = []string{"MED"}
	tr.Normalize()
	if tr.GroupAllowed("MEDD1234") {
		t.Error("group matching excluded contract prefix must be rejected")
	}
	if !tr.GroupAllowed("RX100") {
		t.Error("non-matching group should pass")
	}
}

func TestSearchTerms(t *testing.T) {
	tr := baseTrigger()
	terms := tr.SearchTerms()
	if len(terms) != 1 {
		t.Fatalf("got %d terms, want 1", len(terms))
	}
	if !terms[0].Matches("LOSARTAN POTASSIUM 50MG TAB") {
		t.Error("recommended-drug term should match product")
	}

	tr = baseTrigger()
	tr.Type = TypeNDCOptimization
	tr.DetectionKeywords = []string{"TEST STRIPS", "LANCETS"}
	tr.Normalize()
	terms = tr.SearchTerms()
	if len(terms) != 2 {
		t.Fatalf("ndc_optimization: got %d terms, want 2", len(terms))
	}

	tr = baseTrigger()
	tr.RecommendedDrug = ""
	if got := tr.SearchTerms(); got != nil {
		t.Errorf("no recommended drug: got %v, want nil", got)
	}
}

func TestIsAddOn(t *testing.T) {
	if !TypeMissingTherapy.IsAddOn() || !TypeComboTherapy.IsAddOn() {
		t.Error("missing_therapy and combo_therapy are add-on types")
	}
	if TypeTherapeuticInterchange.IsAddOn() || TypeBrandToGeneric.IsAddOn() || TypeNDCOptimization.IsAddOn() {
		t.Error("replacement types must not be add-on")
	}
}

func TestInputAcceptsBothNamings(t *testing.T) {
	payload := []byte(`{
		"code": "T1",
		"name": "Trigger One",
		"type": "therapeutic_interchange",
		"detectionKeywords": ["LISINOPRIL"],
		"exclude_keywords": ["HCTZ"],
		"recommended_drug": "LOSARTAN",
		"annualFills": 6,
		"default_gp_value": "45.50",
		"is_enabled": true
	}`)

	var in Input
	if err := json.Unmarshal(payload, &in); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	tr, err := in.ToTrigger()
	if err != nil {
		t.Fatalf("ToTrigger failed: %v", err)
	}
	if tr.DetectionKeywords[0] != "LISINOPRIL" {
		t.Errorf("camelCase detection keywords not read: %v", tr.DetectionKeywords)
	}
	if len(tr.ExcludeKeywords) != 1 || tr.ExcludeKeywords[0] != "HCTZ" {
		t.Errorf("snake_case exclude keywords not read: %v", tr.ExcludeKeywords)
	}
	if tr.AnnualFills != 6 {
		t.Errorf("annual fills = %d, want 6", tr.AnnualFills)
	}
	if tr.DefaultGP.String() != "45.5" {
		t.Errorf("default GP = %s, want 45.5", tr.DefaultGP)
	}
}

func TestApplyToPreservesUnsetFields(t *testing.T) {
	tr := baseTrigger()
	tr.AnnualFills = 4

	var in Input
	if err := json.Unmarshal([]byte(`{"recommendedNdc": "00093505698"}`), &in); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	updated, err := in.ApplyTo(tr)
	if err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	if updated.RecommendedNDC != "00093505698" {
		t.Errorf("NDC not applied: %q", updated.RecommendedNDC)
	}
	if updated.AnnualFills != 4 {
		t.Errorf("annual fills changed: %d", updated.AnnualFills)
	}
	if updated.RecommendedDrug != "LOSARTAN" {
		t.Errorf("recommended drug changed: %q", updated.RecommendedDrug)
	}
}
