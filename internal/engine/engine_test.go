package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxopps/internal/domain/claims"
	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/opportunity"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
	"github.com/drfirst/go-rxopps/internal/engine/keyword"
)

// --- fakes ---

type fakeTriggerStore struct {
	mu       sync.Mutex
	triggers map[string]*trigger.Trigger
}

func newFakeTriggerStore(triggers ...*trigger.Trigger) *fakeTriggerStore {
	s := &fakeTriggerStore{triggers: make(map[string]*trigger.Trigger)}
	for _, t := range triggers {
		s.triggers[t.ID] = t
	}
	return s
}

func (s *fakeTriggerStore) Get(_ context.Context, id string) (*trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, trigger.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *fakeTriggerStore) ListEnabled(_ context.Context) ([]*trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*trigger.Trigger
	for _, t := range s.triggers {
		if t.Enabled {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeTriggerStore) RecordCalibration(_ context.Context, id string, defaultGP decimal.Decimal, recommendedNDC string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return trigger.ErrNotFound
	}
	t.DefaultGP = defaultGP
	if recommendedNDC != "" {
		t.RecommendedNDC = recommendedNDC
	}
	return nil
}

type fakeCoverageStore struct {
	mu      sync.Mutex
	entries map[string]*coverage.Entry // triggerID|bin|group
}

func newFakeCoverageStore() *fakeCoverageStore {
	return &fakeCoverageStore{entries: make(map[string]*coverage.Entry)}
}

func covKey(triggerID, bin, group string) string {
	return triggerID + "|" + bin + "|" + coverage.NormalizeGroup(group)
}

func (s *fakeCoverageStore) put(e *coverage.Entry) {
	s.entries[covKey(e.TriggerID, e.BIN, e.Group)] = e
}

func (s *fakeCoverageStore) ReplaceVerified(_ context.Context, triggerID string, entries []*coverage.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.TriggerID == triggerID && !e.ManuallySet {
			delete(s.entries, k)
		}
	}
	for _, e := range entries {
		if existing, ok := s.entries[covKey(e.TriggerID, e.BIN, e.Group)]; ok && existing.ManuallySet {
			continue
		}
		s.put(e)
	}
	return nil
}

func (s *fakeCoverageStore) Resolve(_ context.Context, triggerID, bin, group string) (*coverage.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[covKey(triggerID, bin, group)]; ok {
		return e, nil
	}
	if e, ok := s.entries[covKey(triggerID, bin, "")]; ok {
		return e, nil
	}
	return nil, nil
}

type fakeClaimStore struct {
	prescriptions []*claims.Prescription
	pharmacies    []*claims.Pharmacy
}

func (s *fakeClaimStore) ScanWindow(_ context.Context, since time.Time, fn func(*claims.Prescription) error) error {
	for _, p := range s.prescriptions {
		if p.DispensedAt.Before(since) {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeClaimStore) History(_ context.Context, pharmacyID, patientID string) ([]*claims.Prescription, error) {
	var out []*claims.Prescription
	for _, p := range s.prescriptions {
		if p.PharmacyID == pharmacyID && p.PatientID == patientID {
			out = append(out, p)
		}
	}
	// Most recent fill first, matching the repository's ordering.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].DispensedAt.After(out[i].DispensedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeClaimStore) PatientIDs(_ context.Context, pharmacyID string, since time.Time) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range s.prescriptions {
		if p.PharmacyID != pharmacyID || p.DispensedAt.Before(since) || seen[p.PatientID] {
			continue
		}
		seen[p.PatientID] = true
		ids = append(ids, p.PatientID)
	}
	return ids, nil
}

func (s *fakeClaimStore) Pharmacies(_ context.Context) ([]*claims.Pharmacy, error) {
	return s.pharmacies, nil
}

func (s *fakeClaimStore) PharmacyExists(_ context.Context, pharmacyID string) (bool, error) {
	for _, p := range s.pharmacies {
		if p.ID == pharmacyID {
			return true, nil
		}
	}
	return false, nil
}

type fakeOpportunityStore struct {
	mu   sync.Mutex
	byID map[string]*opportunity.Opportunity
	keys map[string]string // dedup key -> id
}

func newFakeOpportunityStore() *fakeOpportunityStore {
	return &fakeOpportunityStore{
		byID: make(map[string]*opportunity.Opportunity),
		keys: make(map[string]string),
	}
}

func (s *fakeOpportunityStore) Insert(_ context.Context, o *opportunity.Opportunity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := o.Key()
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	if o.ID == "" {
		o.ID = "opp-" + key
	}
	if o.Status == "" {
		o.Status = opportunity.StatusNotSubmitted
	}
	copied := *o
	s.byID[o.ID] = &copied
	s.keys[key] = o.ID
	return true, nil
}

func (s *fakeOpportunityStore) ExistingKeys(_ context.Context, pharmacyID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make(map[string]struct{})
	for _, o := range s.byID {
		if o.PharmacyID == pharmacyID {
			keys[o.Key()] = struct{}{}
		}
	}
	return keys, nil
}

func (s *fakeOpportunityStore) ListOpenByTrigger(_ context.Context, triggerID string) ([]*opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*opportunity.Opportunity
	for _, o := range s.byID {
		if o.TriggerID == triggerID && o.Status == opportunity.StatusNotSubmitted {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeOpportunityStore) UpdateEconomics(_ context.Context, id string, gain, annualGain decimal.Decimal, avgQty float64, recommendedNDC string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok || o.Status != opportunity.StatusNotSubmitted {
		return nil
	}
	o.PotentialMarginGain = gain
	o.AnnualMarginGain = annualGain
	o.AvgDispensedQty = avgQty
	if recommendedNDC != "" {
		o.RecommendedNDC = recommendedNDC
	}
	return nil
}

func (s *fakeOpportunityStore) all() []*opportunity.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*opportunity.Opportunity
	for _, o := range s.byID {
		out = append(out, o)
	}
	return out
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func gpPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func fill(patientID, drug, bin, group, gp string, daysAgo int) *claims.Prescription {
	return &claims.Prescription{
		ID:          patientID + "-" + drug,
		PatientID:   patientID,
		PharmacyID:  "ph1",
		DrugName:    drug,
		BIN:         bin,
		Group:       group,
		Quantity:    30,
		DaysSupply:  30,
		DispensedAt: time.Now().UTC().AddDate(0, 0, -daysAgo),
		GrossProfit: gpPtr(gp),
	}
}

func lisinoprilTrigger() *trigger.Trigger {
	t := &trigger.Trigger{
		ID:                "t1",
		Code:              "LIS-LOS",
		Name:              "Lisinopril to Losartan",
		Type:              trigger.TypeTherapeuticInterchange,
		DetectionKeywords: []string{"LISINOPRIL"},
		KeywordMatchMode:  keyword.MatchAny,
		RecommendedDrug:   "LOSARTAN",
		AnnualFills:       12,
		Enabled:           true,
	}
	t.Normalize()
	return t
}

func newTestEngine(ts *fakeTriggerStore, cs *fakeCoverageStore, cl *fakeClaimStore, os *fakeOpportunityStore) *Engine {
	return New(ts, cs, cl, os, DefaultConfig(), nil)
}

// --- coverage verification ---

func TestVerifyCoverageRanksBestInSegment(t *testing.T) {
	trg := lisinoprilTrigger()
	cl := &fakeClaimStore{prescriptions: []*claims.Prescription{
		// Two Losartan products in the same BIN/group segment.
		fill("a", "LOSARTAN POTASSIUM 50MG TAB", "610014", "RX100", "45", 10),
		fill("b", "LOSARTAN POTASSIUM 50MG TAB", "610014", "RX100", "45", 20),
		fill("c", "LOSARTAN POTASSIUM 100MG TAB", "610014", "RX100", "20", 15),
		fill("d", "LOSARTAN POTASSIUM 100MG TAB", "610014", "RX100", "20", 25),
	}}
	cs := newFakeCoverageStore()
	eng := newTestEngine(newFakeTriggerStore(trg), cs, cl, newFakeOpportunityStore())

	res, err := eng.VerifyCoverage(context.Background(), "t1", VerifyOptions{MinClaims: 2, DaysBack: 365})
	if err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	if res.Verified != 1 {
		t.Fatalf("verified = %d, want 1", res.Verified)
	}
	e := res.Entries[0]
	if e.BestDrugName != "LOSARTAN POTASSIUM 50MG TAB" {
		t.Errorf("best drug = %q, want the higher-margin product", e.BestDrugName)
	}
	if !e.GPValue.Equal(dec("45")) {
		t.Errorf("gp = %s, want 45", e.GPValue)
	}
	if e.Status != coverage.StatusVerified {
		t.Errorf("status = %q, want verified", e.Status)
	}
}

func TestVerifyCoverageMedianRecalibration(t *testing.T) {
	trg := lisinoprilTrigger()
	cl := &fakeClaimStore{prescriptions: []*claims.Prescription{
		// Three segments with best GPs 10, 20 and 90: median 20, not max 90.
		fill("a", "LOSARTAN 50MG", "111111", "G1", "10", 10),
		fill("b", "LOSARTAN 50MG", "222222", "G1", "20", 10),
		fill("c", "LOSARTAN 50MG", "333333", "G1", "90", 10),
	}}
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, newFakeOpportunityStore())

	res, err := eng.VerifyCoverage(context.Background(), "t1", VerifyOptions{MinClaims: 1, DaysBack: 365})
	if err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	if !res.DefaultGP.Equal(dec("20")) {
		t.Errorf("recalibrated default GP = %s, want median 20", res.DefaultGP)
	}
}

func TestVerifyCoverageNoClaimsLeavesDefaultGP(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.DefaultGP = dec("33")
	ts := newFakeTriggerStore(trg)
	eng := newTestEngine(ts, newFakeCoverageStore(), &fakeClaimStore{}, newFakeOpportunityStore())

	res, err := eng.VerifyCoverage(context.Background(), "t1", DefaultVerifyOptions())
	if err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	if res.Verified != 0 || res.Recalibrated {
		t.Fatalf("got verified=%d recalibrated=%v, want empty result", res.Verified, res.Recalibrated)
	}
	got, _ := ts.Get(context.Background(), "t1")
	if !got.DefaultGP.Equal(dec("33")) {
		t.Errorf("default GP changed to %s on empty scan", got.DefaultGP)
	}
}

func TestVerifyCoverageInvalidConfig(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.RecommendedDrug = ""
	trg.RecommendedNDC = ""
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), &fakeClaimStore{}, newFakeOpportunityStore())

	_, err := eng.VerifyCoverage(context.Background(), "t1", DefaultVerifyOptions())
	if !errors.Is(err, ErrInvalidTriggerConfig) {
		t.Fatalf("err = %v, want ErrInvalidTriggerConfig", err)
	}
}

func TestVerifyCoverageMinClaimsFilter(t *testing.T) {
	trg := lisinoprilTrigger()
	cl := &fakeClaimStore{prescriptions: []*claims.Prescription{
		fill("a", "LOSARTAN 50MG", "610014", "RX100", "45", 10),
	}}
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, newFakeOpportunityStore())

	res, err := eng.VerifyCoverage(context.Background(), "t1", VerifyOptions{MinClaims: 3, DaysBack: 365})
	if err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	if res.Verified != 0 {
		t.Errorf("verified = %d, want 0 below min claims", res.Verified)
	}
}

func TestVerifyCoveragePreservesPinnedExclusion(t *testing.T) {
	trg := lisinoprilTrigger()
	cs := newFakeCoverageStore()
	cs.put(&coverage.Entry{
		TriggerID:   "t1",
		BIN:         "610014",
		Group:       "RX100",
		Status:      coverage.StatusExcluded,
		ManuallySet: true,
	})
	cl := &fakeClaimStore{prescriptions: []*claims.Prescription{
		fill("a", "LOSARTAN 50MG", "610014", "RX100", "45", 10),
		fill("b", "LOSARTAN 50MG", "610014", "RX100", "45", 20),
	}}
	eng := newTestEngine(newFakeTriggerStore(trg), cs, cl, newFakeOpportunityStore())

	if _, err := eng.VerifyCoverage(context.Background(), "t1", VerifyOptions{MinClaims: 1, DaysBack: 365}); err != nil {
		t.Fatalf("VerifyCoverage: %v", err)
	}
	entry, _ := cs.Resolve(context.Background(), "t1", "610014", "RX100")
	if entry == nil || entry.Status != coverage.StatusExcluded {
		t.Fatalf("pinned exclusion was overwritten: %+v", entry)
	}
}

// --- opportunity generation ---

// The end-to-end example: a $45 segment, a patient on a $10 fill, a $35 gain
// paid 12 times a year, and an idempotent rescan.
func TestScanPharmacyExampleScenario(t *testing.T) {
	trg := lisinoprilTrigger()
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1", Name: "Main St"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Lisinopril 10MG Tab", "610014", "RX100", "10", 5),
		},
	}
	cs := newFakeCoverageStore()
	cs.put(&coverage.Entry{
		TriggerID:          "t1",
		BIN:                "610014",
		Group:              "RX100",
		Status:             coverage.StatusVerified,
		GPValue:            dec("45"),
		VerifiedClaimCount: 8,
		BestDrugName:       "LOSARTAN POTASSIUM 50MG TAB",
	})
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), cs, cl, os)

	counts, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities)
	if err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if counts.Created != 1 {
		t.Fatalf("created = %d, want 1", counts.Created)
	}

	opps := os.all()
	o := opps[0]
	if !o.PotentialMarginGain.Equal(dec("35")) {
		t.Errorf("potential gain = %s, want 35", o.PotentialMarginGain)
	}
	if !o.AnnualMarginGain.Equal(dec("420")) {
		t.Errorf("annual gain = %s, want 420", o.AnnualMarginGain)
	}
	if o.Status != opportunity.StatusNotSubmitted {
		t.Errorf("status = %q, want Not Submitted", o.Status)
	}
	if o.RecommendedDrugName != "LOSARTAN POTASSIUM 50MG TAB" {
		t.Errorf("recommended = %q, want the segment's best product", o.RecommendedDrugName)
	}

	// Idempotence: the second run creates nothing.
	counts, err = eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if counts.Created != 0 {
		t.Errorf("rescan created = %d, want 0", counts.Created)
	}
	if counts.Skipped != 1 {
		t.Errorf("rescan skipped = %d, want 1", counts.Skipped)
	}
	if len(os.all()) != 1 {
		t.Errorf("opportunities = %d after rescan, want 1", len(os.all()))
	}
}

func TestScanPharmacyExclusionWins(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.BINInclusions = []string{"610014"}
	trg.BINExclusions = []string{"610014"}
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Lisinopril 10MG", "610014", "RX100", "10", 5),
		},
	}
	trg.DefaultGP = dec("45")
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, newFakeOpportunityStore())

	counts, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities)
	if err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if counts.Created != 0 {
		t.Errorf("created = %d for excluded BIN, want 0", counts.Created)
	}
}

func TestScanPharmacyPositiveGainOnly(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.DefaultGP = dec("8") // Below the patient's current $10 fill.
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Lisinopril 10MG", "610014", "RX100", "10", 5),
		},
	}
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, os)

	counts, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities)
	if err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if counts.Created != 0 || len(os.all()) != 0 {
		t.Errorf("created opportunity with non-positive gain")
	}
}

func TestScanPharmacyDedupCaseStability(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.DefaultGP = dec("45")
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "LISINOPRIL 10MG TAB", "610014", "RX100", "10", 5),
			fill("p1", "Lisinopril 10mg Tab", "610014", "RX100", "10", 40),
		},
	}
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, os)

	if _, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities); err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if got := len(os.all()); got != 1 {
		t.Errorf("opportunities = %d for case-variant drug names, want 1", got)
	}
}

func TestScanPharmacyPinnedExclusionRejects(t *testing.T) {
	trg := lisinoprilTrigger()
	trg.DefaultGP = dec("45")
	cs := newFakeCoverageStore()
	cs.put(&coverage.Entry{
		TriggerID:   "t1",
		BIN:         "610014",
		Group:       "RX100",
		Status:      coverage.StatusExcluded,
		ManuallySet: true,
	})
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Lisinopril 10MG", "610014", "RX100", "10", 5),
		},
	}
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), cs, cl, os)

	if _, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities); err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if len(os.all()) != 0 {
		t.Error("created opportunity for a pinned-excluded segment")
	}
}

func TestAddOnTriggerEconomics(t *testing.T) {
	trg := &trigger.Trigger{
		ID:                "t2",
		Code:              "STATIN-CoQ10",
		Name:              "CoQ10 with statins",
		Type:              trigger.TypeMissingTherapy,
		DetectionKeywords: []string{"ATORVASTATIN"},
		IfNotHasKeywords:  []string{"COQ10", "UBIQUINONE"},
		KeywordMatchMode:  keyword.MatchAny,
		RecommendedDrug:   "CoQ10",
		AnnualFills:       12,
		DefaultGP:         dec("25"),
		Enabled:           true,
	}
	trg.Normalize()
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Atorvastatin 20MG", "610014", "RX100", "12", 5),
		},
	}
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, os)

	counts, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities)
	if err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if counts.Created != 1 {
		t.Fatalf("created = %d, want 1", counts.Created)
	}
	// Add-on gain is the full price, not netted against the statin's GP.
	o := os.all()[0]
	if !o.PotentialMarginGain.Equal(dec("25")) {
		t.Errorf("add-on gain = %s, want 25", o.PotentialMarginGain)
	}
}

func TestAddOnTriggerAlreadyOnTherapy(t *testing.T) {
	trg := &trigger.Trigger{
		ID:                "t2",
		Code:              "STATIN-CoQ10",
		Name:              "CoQ10 with statins",
		Type:              trigger.TypeMissingTherapy,
		DetectionKeywords: []string{"ATORVASTATIN"},
		IfNotHasKeywords:  []string{"COQ10"},
		KeywordMatchMode:  keyword.MatchAny,
		RecommendedDrug:   "CoQ10",
		DefaultGP:         dec("25"),
		AnnualFills:       12,
		Enabled:           true,
	}
	trg.Normalize()
	cl := &fakeClaimStore{
		pharmacies: []*claims.Pharmacy{{ID: "ph1"}},
		prescriptions: []*claims.Prescription{
			fill("p1", "Atorvastatin 20MG", "610014", "RX100", "12", 5),
			fill("p1", "CoQ10 100MG Capsule", "610014", "RX100", "9", 15),
		},
	}
	os := newFakeOpportunityStore()
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), cl, os)

	if _, err := eng.ScanPharmacy(context.Background(), "ph1", ScanOpportunities); err != nil {
		t.Fatalf("ScanPharmacy: %v", err)
	}
	if len(os.all()) != 0 {
		t.Error("created opportunity for a patient already on the therapy")
	}
}

func TestScanTriggerUnknownPharmacy(t *testing.T) {
	trg := lisinoprilTrigger()
	eng := newTestEngine(newFakeTriggerStore(trg), newFakeCoverageStore(), &fakeClaimStore{}, newFakeOpportunityStore())

	_, err := eng.ScanTrigger(context.Background(), "t1", "nope")
	if !errors.Is(err, ErrPharmacyNotFound) {
		t.Fatalf("err = %v, want ErrPharmacyNotFound", err)
	}
}

// --- backfill ---

func TestBackfillRefreshesOpenOpportunities(t *testing.T) {
	trg := lisinoprilTrigger()
	cs := newFakeCoverageStore()
	cs.put(&coverage.Entry{
		TriggerID: "t1",
		BIN:       "610014",
		Group:     "RX100",
		Status:    coverage.StatusVerified,
		GPValue:   dec("60"),
		AvgQty:    30,
	})
	os := newFakeOpportunityStore()
	open := &opportunity.Opportunity{
		PharmacyID:          "ph1",
		PatientID:           "p1",
		TriggerID:           "t1",
		TriggerType:         trg.Type,
		CurrentDrugName:     "LISINOPRIL 10MG",
		BIN:                 "610014",
		Group:               "RX100",
		CurrentGP:           dec("10"),
		PotentialMarginGain: dec("35"),
		AnnualMarginGain:    dec("420"),
		Status:              opportunity.StatusNotSubmitted,
	}
	if _, err := os.Insert(context.Background(), open); err != nil {
		t.Fatal(err)
	}
	approved := &opportunity.Opportunity{
		PharmacyID:          "ph1",
		PatientID:           "p2",
		TriggerID:           "t1",
		TriggerType:         trg.Type,
		CurrentDrugName:     "LISINOPRIL 20MG",
		BIN:                 "610014",
		Group:               "RX100",
		CurrentGP:           dec("10"),
		PotentialMarginGain: dec("35"),
		AnnualMarginGain:    dec("420"),
		Status:              opportunity.StatusApproved,
	}
	if _, err := os.Insert(context.Background(), approved); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(newFakeTriggerStore(trg), cs, &fakeClaimStore{}, os)
	updated, err := eng.Backfill(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want only the open opportunity", updated)
	}

	for _, o := range os.all() {
		switch o.PatientID {
		case "p1":
			if !o.PotentialMarginGain.Equal(dec("50")) {
				t.Errorf("open gain = %s, want 50", o.PotentialMarginGain)
			}
			if !o.AnnualMarginGain.Equal(dec("600")) {
				t.Errorf("open annual = %s, want 600", o.AnnualMarginGain)
			}
			if o.Status != opportunity.StatusNotSubmitted {
				t.Errorf("backfill changed status to %q", o.Status)
			}
		case "p2":
			if !o.PotentialMarginGain.Equal(dec("35")) {
				t.Errorf("approved opportunity was touched: gain %s", o.PotentialMarginGain)
			}
		}
	}
}

func TestVerifyAllCoverageCapturesPerTriggerErrors(t *testing.T) {
	good := lisinoprilTrigger()
	bad := &trigger.Trigger{
		ID:                "t-bad",
		Code:              "BAD",
		Name:              "No search terms",
		Type:              trigger.TypeTherapeuticInterchange,
		DetectionKeywords: []string{"WHATEVER"},
		KeywordMatchMode:  keyword.MatchAny,
		AnnualFills:       12,
		Enabled:           true,
	}
	bad.Normalize()
	cl := &fakeClaimStore{prescriptions: []*claims.Prescription{
		fill("a", "LOSARTAN 50MG", "610014", "RX100", "45", 10),
		fill("b", "LOSARTAN 50MG", "610014", "RX100", "45", 20),
	}}
	eng := newTestEngine(newFakeTriggerStore(good, bad), newFakeCoverageStore(), cl, newFakeOpportunityStore())

	res, err := eng.VerifyAllCoverage(context.Background(), VerifyOptions{MinClaims: 1, DaysBack: 365}, decimal.Zero)
	if err != nil {
		t.Fatalf("VerifyAllCoverage: %v", err)
	}
	if res.Matched != 1 || res.Errors != 1 {
		t.Fatalf("matched=%d errors=%d, want 1 and 1", res.Matched, res.Errors)
	}
	for _, s := range res.Triggers {
		if s.TriggerID == "t-bad" && s.Error == "" {
			t.Error("invalid trigger reported no error")
		}
	}
}
