package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxopps/internal/infrastructure/redpanda"
)

// Repository persists coverage entries. The (trigger_id, bin, group_id)
// unique key is the concurrency-control primitive: concurrent scans upsert
// against it and remain idempotent without application locks.
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

const entryColumns = `
	id, trigger_id, bin, group_id, coverage_status, gp_value::text,
	avg_qty, verified_claim_count, best_drug_name, best_ndc,
	manually_set, verified_at
`

// ReplaceVerified atomically swaps the trigger's auto-derived coverage for
// the new scan results. Manually pinned rows are left untouched; readers
// see either the old or the new full set, never a partial one.
func (r *Repository) ReplaceVerified(ctx context.Context, triggerID string, entries []*Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM trigger_coverage WHERE trigger_id = $1 AND NOT manually_set`,
		triggerID,
	); err != nil {
		return fmt.Errorf("clear auto-derived coverage: %w", err)
	}

	for _, e := range entries {
		if err := upsertEntry(ctx, tx, e); err != nil {
			return err
		}
	}

	// The verification event commits with the coverage swap.
	payload, err := json.Marshal(map[string]interface{}{
		"triggerId":  triggerID,
		"entries":    len(entries),
		"verifiedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode coverage event: %w", err)
	}
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   triggerID,
		AggregateType: postgres.AggregateCoverage,
		EventType:     "CoverageVerified",
		Payload:       payload,
		Topic:         redpanda.TopicCoverageEvents,
		Key:           triggerID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit coverage replace: %w", err)
	}

	r.logger.Info("coverage replaced",
		zap.String("trigger_id", triggerID),
		zap.Int("entries", len(entries)),
	)
	return nil
}

// upsertEntry inserts one entry, yielding to any manually pinned row on the
// same key.
func upsertEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Group = NormalizeGroup(e.Group)
	if e.VerifiedAt.IsZero() {
		e.VerifiedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO trigger_coverage
		(id, trigger_id, bin, group_id, coverage_status, gp_value,
		 avg_qty, verified_claim_count, best_drug_name, best_ndc,
		 manually_set, verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false,$11)
		ON CONFLICT (trigger_id, bin, group_id) DO UPDATE
		SET coverage_status = EXCLUDED.coverage_status,
		    gp_value = EXCLUDED.gp_value,
		    avg_qty = EXCLUDED.avg_qty,
		    verified_claim_count = EXCLUDED.verified_claim_count,
		    best_drug_name = EXCLUDED.best_drug_name,
		    best_ndc = EXCLUDED.best_ndc,
		    verified_at = EXCLUDED.verified_at
		WHERE NOT trigger_coverage.manually_set
	`
	if _, err := tx.Exec(ctx, query,
		e.ID, e.TriggerID, e.BIN, e.Group, e.Status, e.GPValue.String(),
		e.AvgQty, e.VerifiedClaimCount, e.BestDrugName, e.BestNDC, e.VerifiedAt,
	); err != nil {
		return fmt.Errorf("upsert coverage %s/%s/%s: %w", e.TriggerID, e.BIN, e.Group, err)
	}
	return nil
}

// PinExcluded records an admin decision that a segment must never produce
// opportunities. Scans cannot overwrite pinned rows.
func (r *Repository) PinExcluded(ctx context.Context, triggerID, bin, group string) error {
	query := `
		INSERT INTO trigger_coverage
		(id, trigger_id, bin, group_id, coverage_status, gp_value,
		 avg_qty, verified_claim_count, best_drug_name, best_ndc,
		 manually_set, verified_at)
		VALUES ($1,$2,$3,$4,$5,0,0,0,'','',true,NOW())
		ON CONFLICT (trigger_id, bin, group_id) DO UPDATE
		SET coverage_status = $5, manually_set = true, verified_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query,
		uuid.New().String(), triggerID, bin, NormalizeGroup(group), StatusExcluded,
	); err != nil {
		return fmt.Errorf("pin excluded: %w", err)
	}
	return nil
}

// Resolve looks up the coverage entry for a patient's BIN and group,
// falling back to the BIN-wide row when no group-specific entry exists.
// A nil entry with nil error means the segment has no coverage data.
func (r *Repository) Resolve(ctx context.Context, triggerID, bin, group string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM trigger_coverage
		WHERE trigger_id = $1 AND bin = $2 AND group_id = ANY($3::text[])
		ORDER BY group_id DESC
		LIMIT 1
	`
	// ORDER BY group_id DESC puts the group-specific row before the ''
	// BIN-wide fallback.
	groups := []string{NormalizeGroup(group), ""}
	e, err := scanEntry(r.pool.QueryRow(ctx, query, triggerID, bin, groups))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve coverage: %w", err)
	}
	return e, nil
}

// ListByTrigger returns every coverage entry for a trigger.
func (r *Repository) ListByTrigger(ctx context.Context, triggerID string) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM trigger_coverage
		WHERE trigger_id = $1
		ORDER BY bin, group_id
	`
	rows, err := r.pool.Query(ctx, query, triggerID)
	if err != nil {
		return nil, fmt.Errorf("list coverage: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coverage entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var gp string
	err := row.Scan(
		&e.ID, &e.TriggerID, &e.BIN, &e.Group, &e.Status, &gp,
		&e.AvgQty, &e.VerifiedClaimCount, &e.BestDrugName, &e.BestNDC,
		&e.ManuallySet, &e.VerifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.GPValue, err = decimal.NewFromString(gp); err != nil {
		return nil, fmt.Errorf("parse gp_value: %w", err)
	}
	return e, nil
}
