package opportunity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxopps/internal/infrastructure/redpanda"
)

// ErrNotFound indicates an unknown opportunity id.
var ErrNotFound = errors.New("opportunity not found")

// Repository persists opportunities. The dedup_key unique index is the
// authoritative duplicate guard; in-memory dedup sets held by scan runs are
// an optimization on top of it.
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

const opportunityColumns = `
	id, pharmacy_id, patient_id, trigger_id, trigger_type,
	current_drug_name, recommended_drug_name, recommended_ndc,
	bin, group_id, current_gp::text, avg_dispensed_qty,
	potential_margin_gain::text, annual_margin_gain::text,
	status, created_at, updated_at
`

// Insert conditionally creates an opportunity. The dedup key collision path
// returns created=false without error, which keeps concurrent pharmacy
// scans correct without app-level locks. On creation an event is written to
// the outbox in the same transaction.
func (r *Repository) Insert(ctx context.Context, o *Opportunity) (created bool, err error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = StatusNotSubmitted
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO opportunities
		(id, pharmacy_id, patient_id, trigger_id, trigger_type,
		 current_drug_name, recommended_drug_name, recommended_ndc,
		 bin, group_id, current_gp, avg_dispensed_qty,
		 potential_margin_gain, annual_margin_gain, status, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (dedup_key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		o.ID, o.PharmacyID, o.PatientID, o.TriggerID, o.TriggerType,
		o.CurrentDrugName, o.RecommendedDrugName, o.RecommendedNDC,
		o.BIN, o.Group, o.CurrentGP.String(), o.AvgDispensedQty,
		o.PotentialMarginGain.String(), o.AnnualMarginGain.String(),
		o.Status, o.Key(),
	)
	if err != nil {
		return false, fmt.Errorf("insert opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"opportunity_id":    o.ID,
		"pharmacy_id":       o.PharmacyID,
		"patient_id":        o.PatientID,
		"trigger_id":        o.TriggerID,
		"trigger_type":      o.TriggerType,
		"current_drug":      o.CurrentDrugName,
		"recommended_drug":  o.RecommendedDrugName,
		"annual_margin_gain": o.AnnualMarginGain.String(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal opportunity event: %w", err)
	}
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   o.ID,
		AggregateType: postgres.AggregateOpportunity,
		EventType:     "OpportunityCreated",
		Payload:       payload,
		Topic:         redpanda.TopicOpportunityEvents,
		Key:           o.PharmacyID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit opportunity: %w", err)
	}
	return true, nil
}

// ExistingKeys returns the dedup keys of every opportunity at a pharmacy,
// used to seed a scan run's in-memory dedup set.
func (r *Repository) ExistingKeys(ctx context.Context, pharmacyID string) (map[string]struct{}, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT dedup_key FROM opportunities WHERE pharmacy_id = $1`, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("list dedup keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

// ListOpenByTrigger returns the trigger's opportunities still awaiting
// submission; only these are eligible for backfill.
func (r *Repository) ListOpenByTrigger(ctx context.Context, triggerID string) ([]*Opportunity, error) {
	query := `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE trigger_id = $1 AND status = $2
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, triggerID, StatusNotSubmitted)
	if err != nil {
		return nil, fmt.Errorf("list open opportunities: %w", err)
	}
	defer rows.Close()

	var opps []*Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// ListByPharmacy returns a pharmacy's opportunities, newest first.
func (r *Repository) ListByPharmacy(ctx context.Context, pharmacyID string) ([]*Opportunity, error) {
	query := `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE pharmacy_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var opps []*Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// UpdateEconomics rewrites the margin fields from fresher coverage data.
// Backfill only touches rows still awaiting submission; the WHERE clause
// enforces that even if the caller raced a status change.
func (r *Repository) UpdateEconomics(ctx context.Context, id string, gain, annualGain decimal.Decimal, avgQty float64, recommendedNDC string) error {
	query := `
		UPDATE opportunities
		SET potential_margin_gain = $2,
		    annual_margin_gain = $3,
		    avg_dispensed_qty = $4,
		    recommended_ndc = CASE WHEN $5 <> '' THEN $5 ELSE recommended_ndc END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $6
	`
	_, err := r.pool.Exec(ctx, query,
		id, gain.String(), annualGain.String(), avgQty, recommendedNDC, StatusNotSubmitted)
	if err != nil {
		return fmt.Errorf("update economics: %w", err)
	}
	return nil
}

// UpdateStatus applies a staff review decision, enforcing the lifecycle
// transitions.
func (r *Repository) UpdateStatus(ctx context.Context, id string, to Status) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var from Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM opportunities WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("lock opportunity: %w", err)
	}

	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE opportunities SET status = $2, updated_at = NOW() WHERE id = $1`, id, to); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status change: %w", err)
	}

	r.logger.Info("opportunity status changed",
		zap.String("opportunity_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (*Opportunity, error) {
	o := &Opportunity{}
	var currentGP, gain, annual string
	err := row.Scan(
		&o.ID, &o.PharmacyID, &o.PatientID, &o.TriggerID, &o.TriggerType,
		&o.CurrentDrugName, &o.RecommendedDrugName, &o.RecommendedNDC,
		&o.BIN, &o.Group, &currentGP, &o.AvgDispensedQty,
		&gain, &annual,
		&o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.CurrentGP, err = decimal.NewFromString(currentGP); err != nil {
		return nil, fmt.Errorf("parse current_gp: %w", err)
	}
	if o.PotentialMarginGain, err = decimal.NewFromString(gain); err != nil {
		return nil, fmt.Errorf("parse potential_margin_gain: %w", err)
	}
	if o.AnnualMarginGain, err = decimal.NewFromString(annual); err != nil {
		return nil, fmt.Errorf("parse annual_margin_gain: %w", err)
	}
	return o, nil
}
