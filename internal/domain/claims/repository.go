package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository reads claim history. Scans stream row by row so a year of
// claims never has to fit in memory at once.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

const prescriptionColumns = `
	id, patient_id, pharmacy_id, drug_name, ndc, bin, group_id,
	quantity, days_supply, dispensed_at,
	gross_profit::text, net_profit::text, adjusted_profit::text,
	price::text, cost::text
`

// ScanWindow streams every claim dispensed on or after the cutoff to fn.
// Returning an error from fn stops the scan.
func (r *Repository) ScanWindow(ctx context.Context, since time.Time, fn func(*Prescription) error) error {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions
		WHERE dispensed_at >= $1
		ORDER BY dispensed_at
	`
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return fmt.Errorf("scan claims window: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return fmt.Errorf("scan prescription: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// History returns a patient's prescriptions at one pharmacy, most recent
// fill first.
func (r *Repository) History(ctx context.Context, pharmacyID, patientID string) ([]*Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions
		WHERE pharmacy_id = $1 AND patient_id = $2
		ORDER BY dispensed_at DESC
	`
	rows, err := r.pool.Query(ctx, query, pharmacyID, patientID)
	if err != nil {
		return nil, fmt.Errorf("patient history: %w", err)
	}
	defer rows.Close()

	var history []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		history = append(history, p)
	}
	return history, rows.Err()
}

// PatientIDs lists the patients with claim history at a pharmacy, bounded
// to those who filled anything after the cutoff.
func (r *Repository) PatientIDs(ctx context.Context, pharmacyID string, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT patient_id
		FROM prescriptions
		WHERE pharmacy_id = $1 AND dispensed_at >= $2
	`
	rows, err := r.pool.Query(ctx, query, pharmacyID, since)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Pharmacies lists every pharmacy with ingested claims.
func (r *Repository) Pharmacies(ctx context.Context) ([]*Pharmacy, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM pharmacies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list pharmacies: %w", err)
	}
	defer rows.Close()

	var pharmacies []*Pharmacy
	for rows.Next() {
		p := &Pharmacy{}
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		pharmacies = append(pharmacies, p)
	}
	return pharmacies, rows.Err()
}

// PharmacyExists reports whether the pharmacy id is known.
func (r *Repository) PharmacyExists(ctx context.Context, pharmacyID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pharmacies WHERE id = $1)`, pharmacyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pharmacy exists: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(row rowScanner) (*Prescription, error) {
	p := &Prescription{}
	var gross, net, adjusted, price, cost *string
	err := row.Scan(
		&p.ID, &p.PatientID, &p.PharmacyID, &p.DrugName, &p.NDC, &p.BIN, &p.Group,
		&p.Quantity, &p.DaysSupply, &p.DispensedAt,
		&gross, &net, &adjusted, &price, &cost,
	)
	if err != nil {
		return nil, err
	}
	if p.GrossProfit, err = parseMoney(gross); err != nil {
		return nil, err
	}
	if p.NetProfit, err = parseMoney(net); err != nil {
		return nil, err
	}
	if p.AdjustedProfit, err = parseMoney(adjusted); err != nil {
		return nil, err
	}
	if p.Price, err = parseMoney(price); err != nil {
		return nil, err
	}
	if p.Cost, err = parseMoney(cost); err != nil {
		return nil, err
	}
	return p, nil
}

func parseMoney(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse money %q: %w", *s, err)
	}
	return &d, nil
}
