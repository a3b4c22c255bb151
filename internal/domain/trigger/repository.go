// Package trigger provides the pgx-backed trigger configuration repository.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxopps/internal/infrastructure/redpanda"
)

// Repository errors.
var (
	// ErrNotFound indicates an unknown trigger id.
	ErrNotFound = errors.New("trigger not found")
	// ErrDuplicateCode indicates another trigger already uses the code.
	ErrDuplicateCode = errors.New("trigger code already in use")
)

const uniqueViolation = "23505"

// Repository persists trigger configuration.
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

const triggerColumns = `
	id, code, name, trigger_type,
	detection_keywords, exclude_keywords, if_has_keywords, if_not_has_keywords,
	keyword_match_mode, recommended_drug, recommended_ndc,
	bin_inclusions, bin_exclusions, group_inclusions, group_exclusions,
	contract_prefix_exclusions, pharmacy_inclusions,
	annual_fills, default_gp_value::text, expected_qty, expected_days_supply,
	is_enabled, created_at, updated_at
`

// Create inserts a new trigger and assigns its identity.
func (r *Repository) Create(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	query := `
		INSERT INTO triggers
		(id, code, name, trigger_type,
		 detection_keywords, exclude_keywords, if_has_keywords, if_not_has_keywords,
		 keyword_match_mode, recommended_drug, recommended_ndc,
		 bin_inclusions, bin_exclusions, group_inclusions, group_exclusions,
		 contract_prefix_exclusions, pharmacy_inclusions,
		 annual_fills, default_gp_value, expected_qty, expected_days_supply, is_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		t.ID, t.Code, t.Name, t.Type,
		t.DetectionKeywords, t.ExcludeKeywords, t.IfHasKeywords, t.IfNotHasKeywords,
		t.KeywordMatchMode, t.RecommendedDrug, t.RecommendedNDC,
		t.BINInclusions, t.BINExclusions, t.GroupInclusions, t.GroupExclusions,
		t.ContractPrefixExclusions, t.PharmacyInclusions,
		t.AnnualFills, t.DefaultGP.String(), t.ExpectedQty, t.ExpectedDaysSupply, t.Enabled,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, t.Code)
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Update replaces a trigger's configuration.
func (r *Repository) Update(ctx context.Context, t *Trigger) error {
	query := `
		UPDATE triggers SET
			code = $2, name = $3, trigger_type = $4,
			detection_keywords = $5, exclude_keywords = $6,
			if_has_keywords = $7, if_not_has_keywords = $8,
			keyword_match_mode = $9, recommended_drug = $10, recommended_ndc = $11,
			bin_inclusions = $12, bin_exclusions = $13,
			group_inclusions = $14, group_exclusions = $15,
			contract_prefix_exclusions = $16, pharmacy_inclusions = $17,
			annual_fills = $18, default_gp_value = $19,
			expected_qty = $20, expected_days_supply = $21,
			is_enabled = $22, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		t.ID, t.Code, t.Name, t.Type,
		t.DetectionKeywords, t.ExcludeKeywords, t.IfHasKeywords, t.IfNotHasKeywords,
		t.KeywordMatchMode, t.RecommendedDrug, t.RecommendedNDC,
		t.BINInclusions, t.BINExclusions, t.GroupInclusions, t.GroupExclusions,
		t.ContractPrefixExclusions, t.PharmacyInclusions,
		t.AnnualFills, t.DefaultGP.String(), t.ExpectedQty, t.ExpectedDaysSupply, t.Enabled,
	).Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, t.Code)
		}
		return fmt.Errorf("update trigger: %w", err)
	}
	return nil
}

// Get retrieves one trigger by id.
func (r *Repository) Get(ctx context.Context, id string) (*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1`
	t, err := scanTrigger(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return t, nil
}

// ListEnabled returns all enabled triggers ordered by code.
func (r *Repository) ListEnabled(ctx context.Context) ([]*Trigger, error) {
	return r.list(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE is_enabled ORDER BY code`)
}

// ListAll returns every trigger, disabled ones included.
func (r *Repository) ListAll(ctx context.Context) ([]*Trigger, error) {
	return r.list(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY code`)
}

func (r *Repository) list(ctx context.Context, query string) ([]*Trigger, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// SetEnabled soft-disables or re-enables a trigger. Triggers referenced by
// open opportunities are never hard-deleted.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE triggers SET is_enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordCalibration writes back scan-derived economics: the recalibrated
// default GP and, when the best coverage entry exposed one, a new
// recommended NDC.
func (r *Repository) RecordCalibration(ctx context.Context, id string, defaultGP decimal.Decimal, recommendedNDC string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE triggers
		SET default_gp_value = $2,
		    recommended_ndc = CASE WHEN $3 <> '' THEN $3 ELSE recommended_ndc END,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query, id, defaultGP.String(), recommendedNDC)
	if err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	payload, err := json.Marshal(map[string]string{
		"triggerId":      id,
		"defaultGp":      defaultGP.String(),
		"recommendedNdc": recommendedNDC,
	})
	if err != nil {
		return fmt.Errorf("encode calibration event: %w", err)
	}
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   id,
		AggregateType: postgres.AggregateTrigger,
		EventType:     "TriggerRecalibrated",
		Payload:       payload,
		Topic:         redpanda.TopicTriggerEvents,
		Key:           id,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit calibration: %w", err)
	}

	r.logger.Info("trigger recalibrated",
		zap.String("trigger_id", id),
		zap.String("default_gp", defaultGP.String()),
		zap.String("recommended_ndc", recommendedNDC),
	)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	t := &Trigger{}
	var gp string
	err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.Type,
		&t.DetectionKeywords, &t.ExcludeKeywords, &t.IfHasKeywords, &t.IfNotHasKeywords,
		&t.KeywordMatchMode, &t.RecommendedDrug, &t.RecommendedNDC,
		&t.BINInclusions, &t.BINExclusions, &t.GroupInclusions, &t.GroupExclusions,
		&t.ContractPrefixExclusions, &t.PharmacyInclusions,
		&t.AnnualFills, &gp, &t.ExpectedQty, &t.ExpectedDaysSupply,
		&t.Enabled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.DefaultGP, err = decimal.NewFromString(gp); err != nil {
		return nil, fmt.Errorf("parse default_gp_value: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
