package opportunity

import (
	"testing"

	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"submit for approval", StatusNotSubmitted, StatusApproved, true},
		{"approve to complete", StatusApproved, StatusCompleted, true},
		{"flag from open", StatusNotSubmitted, StatusFlagged, true},
		{"unflag back to open", StatusFlagged, StatusNotSubmitted, true},
		{"mark didnt work", StatusApproved, StatusDidntWork, true},
		{"denied is terminal", StatusDenied, StatusApproved, false},
		{"completed is terminal", StatusCompleted, StatusFlagged, false},
		{"denied can reopen", StatusDenied, StatusNotSubmitted, true},
		{"completed can reopen", StatusCompleted, StatusNotSubmitted, true},
		{"no self transition", StatusApproved, StatusApproved, false},
		{"unknown source rejected", Status("Bogus"), StatusApproved, false},
		{"unknown target rejected", StatusNotSubmitted, Status("Bogus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDedupKeyCaseStable(t *testing.T) {
	a := DedupKey("pat-1", trigger.TypeBrandToGeneric, "Lipitor 20mg")
	b := DedupKey("pat-1", trigger.TypeBrandToGeneric, "  LIPITOR 20MG ")
	if a != b {
		t.Errorf("dedup keys differ for case/space variants: %q vs %q", a, b)
	}
}

func TestDedupKeyDiscriminates(t *testing.T) {
	base := DedupKey("pat-1", trigger.TypeBrandToGeneric, "Lipitor")
	if k := DedupKey("pat-2", trigger.TypeBrandToGeneric, "Lipitor"); k == base {
		t.Error("different patients must not collide")
	}
	if k := DedupKey("pat-1", trigger.TypeTherapeuticInterchange, "Lipitor"); k == base {
		t.Error("different trigger types must not collide")
	}
	if k := DedupKey("pat-1", trigger.TypeBrandToGeneric, "Crestor"); k == base {
		t.Error("different drugs must not collide")
	}
}

func TestKeyMatchesDedupKey(t *testing.T) {
	o := &Opportunity{
		PatientID:       "pat-9",
		TriggerType:     trigger.TypeMissingTherapy,
		CurrentDrugName: "metformin 500mg",
	}
	want := DedupKey("pat-9", trigger.TypeMissingTherapy, "metformin 500mg")
	if got := o.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}
