// Package engine orchestrates coverage verification, trigger matching,
// opportunity generation and backfill over the domain stores.
//
// The engine owns no persistence of its own: it accepts narrow store
// interfaces so the pgx repositories plug in for services and fakes plug in
// for tests. Bulk operations capture per-unit failures in their result
// summaries instead of aborting the batch.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/domain/claims"
	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/opportunity"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// TriggerStore is the trigger configuration access the engine needs.
type TriggerStore interface {
	Get(ctx context.Context, id string) (*trigger.Trigger, error)
	ListEnabled(ctx context.Context) ([]*trigger.Trigger, error)
	RecordCalibration(ctx context.Context, id string, defaultGP decimal.Decimal, recommendedNDC string) error
}

// CoverageStore reads and replaces verified coverage entries.
type CoverageStore interface {
	ReplaceVerified(ctx context.Context, triggerID string, entries []*coverage.Entry) error
	Resolve(ctx context.Context, triggerID, bin, group string) (*coverage.Entry, error)
}

// ClaimStore is the read-only claim history surface.
type ClaimStore interface {
	ScanWindow(ctx context.Context, since time.Time, fn func(*claims.Prescription) error) error
	History(ctx context.Context, pharmacyID, patientID string) ([]*claims.Prescription, error)
	PatientIDs(ctx context.Context, pharmacyID string, since time.Time) ([]string, error)
	Pharmacies(ctx context.Context) ([]*claims.Pharmacy, error)
	PharmacyExists(ctx context.Context, pharmacyID string) (bool, error)
}

// OpportunityStore persists detected opportunities.
type OpportunityStore interface {
	Insert(ctx context.Context, o *opportunity.Opportunity) (bool, error)
	ExistingKeys(ctx context.Context, pharmacyID string) (map[string]struct{}, error)
	ListOpenByTrigger(ctx context.Context, triggerID string) ([]*opportunity.Opportunity, error)
	UpdateEconomics(ctx context.Context, id string, gain, annualGain decimal.Decimal, avgQty float64, recommendedNDC string) error
}

// Config bounds the engine's bulk operations.
type Config struct {
	// MaxConcurrentTriggers caps parallel per-trigger work in bulk scans.
	MaxConcurrentTriggers int
	// DefaultDaysBack is the claim window used when a scan does not set one.
	DefaultDaysBack int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTriggers: 4,
		DefaultDaysBack:       365,
	}
}

// Engine is the trigger coverage verification and opportunity detection
// engine.
type Engine struct {
	triggers      TriggerStore
	coverage      CoverageStore
	claims        ClaimStore
	opportunities OpportunityStore

	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an engine over the given stores.
func New(triggers TriggerStore, cov CoverageStore, cl ClaimStore, opps OpportunityStore, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentTriggers <= 0 {
		cfg.MaxConcurrentTriggers = DefaultConfig().MaxConcurrentTriggers
	}
	if cfg.DefaultDaysBack <= 0 {
		cfg.DefaultDaysBack = DefaultConfig().DefaultDaysBack
	}
	return &Engine{
		triggers:      triggers,
		coverage:      cov,
		claims:        cl,
		opportunities: opps,
		config:        cfg,
		logger:        logger,
		tracer:        otel.Tracer("engine"),
	}
}

func (e *Engine) windowStart(daysBack int) time.Time {
	if daysBack <= 0 {
		daysBack = e.config.DefaultDaysBack
	}
	return time.Now().UTC().AddDate(0, 0, -daysBack)
}
