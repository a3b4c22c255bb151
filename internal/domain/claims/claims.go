// Package claims provides read-only access to ingested pharmacy claim
// history: prescriptions, patients and pharmacies. The ingestion pipeline
// that populates these records lives outside this service; nothing here
// mutates them.
package claims

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prescription is one ingested claim fill.
type Prescription struct {
	ID         string
	PatientID  string
	PharmacyID string

	DrugName string
	NDC      string
	BIN      string
	Group    string

	Quantity    float64
	DaysSupply  int
	DispensedAt time.Time

	// Profit components extracted from the raw adjudication payload at
	// ingestion time. Absent fields are nil.
	GrossProfit    *decimal.Decimal
	NetProfit      *decimal.Decimal
	AdjustedProfit *decimal.Decimal
	Price          *decimal.Decimal
	Cost           *decimal.Decimal
}

// Profit derives the claim's gross profit through the ordered fallback
// chain: explicit gross, then net, then adjusted profit; else price minus
// cost; else zero.
func (p *Prescription) Profit() decimal.Decimal {
	switch {
	case p.GrossProfit != nil:
		return *p.GrossProfit
	case p.NetProfit != nil:
		return *p.NetProfit
	case p.AdjustedProfit != nil:
		return *p.AdjustedProfit
	case p.Price != nil && p.Cost != nil:
		return p.Price.Sub(*p.Cost)
	default:
		return decimal.Zero
	}
}

// Patient is the claim-history view of a patient.
type Patient struct {
	ID         string
	PharmacyID string
}

// Pharmacy is the claim-history view of a pharmacy.
type Pharmacy struct {
	ID   string
	Name string
}
