package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxopps/internal/domain/claims"
	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
	"github.com/drfirst/go-rxopps/internal/engine/keyword"
	"github.com/drfirst/go-rxopps/internal/engine/normalize"
)

// VerifyOptions are the thresholds for a coverage verification scan.
type VerifyOptions struct {
	// MinClaims is the minimum claim count for a segment to be trusted.
	MinClaims int
	// DaysBack is the claim window; 0 uses the engine default.
	DaysBack int
	// MinMargin drops segments whose best average GP is below this floor.
	MinMargin decimal.Decimal
}

// DefaultVerifyOptions returns the thresholds used when the caller supplies
// none.
func DefaultVerifyOptions() VerifyOptions {
	return VerifyOptions{
		MinClaims: 2,
		DaysBack:  365,
	}
}

// VerifyResult is the outcome of verifying one trigger's coverage.
type VerifyResult struct {
	TriggerID   string
	TriggerName string

	Entries  []*coverage.Entry
	Verified int

	// Recalibrated is true when the scan produced entries and the trigger's
	// default GP was rewritten to their median.
	Recalibrated bool
	DefaultGP    decimal.Decimal

	// BackfilledOpportunities counts open opportunities whose economics were
	// refreshed from the new coverage.
	BackfilledOpportunities int
}

// VerifyCoverage mines the claim window for one trigger, ranks the best
// product per (BIN, group) segment, atomically replaces the trigger's
// auto-derived coverage, recalibrates its default GP to the median of the
// new entries and backfills open opportunities.
//
// A scan that matches zero claims is not an error: it returns an empty
// result and leaves both the existing coverage and the default GP alone.
func (e *Engine) VerifyCoverage(ctx context.Context, triggerID string, opts VerifyOptions) (*VerifyResult, error) {
	ctx, span := e.tracer.Start(ctx, "verify_coverage",
		trace.WithAttributes(attribute.String("trigger_id", triggerID)))
	defer span.End()

	trg, err := e.triggers.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	entries, err := e.scanCoverage(ctx, trg, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &VerifyResult{
		TriggerID:   trg.ID,
		TriggerName: trg.Name,
		Entries:     entries,
		Verified:    len(entries),
	}
	span.SetAttributes(attribute.Int("entries_verified", len(entries)))

	if len(entries) == 0 {
		e.logger.Info("no coverage found",
			zap.String("trigger_id", trg.ID),
			zap.String("trigger", trg.Code))
		return result, nil
	}

	if err := e.coverage.ReplaceVerified(ctx, trg.ID, entries); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result.DefaultGP = medianGP(entries)
	result.Recalibrated = true

	// The best entry overall may expose a better NDC than the configured one.
	best := entries[0]
	for _, entry := range entries[1:] {
		if entry.GPValue.GreaterThan(best.GPValue) {
			best = entry
		}
	}
	newNDC := ""
	if best.BestNDC != "" && best.BestNDC != trg.RecommendedNDC {
		newNDC = best.BestNDC
	}

	if err := e.triggers.RecordCalibration(ctx, trg.ID, result.DefaultGP, newNDC); err != nil {
		span.RecordError(err)
		return nil, err
	}
	trg.DefaultGP = result.DefaultGP
	if newNDC != "" {
		trg.RecommendedNDC = newNDC
	}

	updated, err := e.backfillTrigger(ctx, trg)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.BackfilledOpportunities = updated

	e.logger.Info("coverage verified",
		zap.String("trigger_id", trg.ID),
		zap.String("trigger", trg.Code),
		zap.Int("entries", len(entries)),
		zap.String("default_gp", result.DefaultGP.String()),
		zap.Int("backfilled", updated))
	return result, nil
}

// segment aggregates one candidate product's claims within a (BIN, group).
type segmentCandidate struct {
	bin      string
	group    string
	drugName string
	ndc      string

	claimCount int
	totalGP    decimal.Decimal
	totalQty   float64
}

func (c *segmentCandidate) avgGP() decimal.Decimal {
	return c.totalGP.Div(decimal.NewFromInt(int64(c.claimCount))).Round(4)
}

// scanCoverage streams the claim window once and returns the ranked
// best-in-segment entries. No writes happen here.
func (e *Engine) scanCoverage(ctx context.Context, trg *trigger.Trigger, opts VerifyOptions) ([]*coverage.Entry, error) {
	terms := trg.SearchTerms()
	if len(terms) == 0 && trg.RecommendedNDC == "" {
		return nil, fmt.Errorf("%w: trigger %s has no usable search terms or NDC", ErrInvalidTriggerConfig, trg.Code)
	}

	hints := trg.Hints()
	since := e.windowStart(opts.DaysBack)

	// candidates[segment key][candidate key]
	candidates := make(map[string]map[string]*segmentCandidate)

	err := e.claims.ScanWindow(ctx, since, func(p *claims.Prescription) error {
		matched := keyword.AnyTermMatches(p.DrugName, terms)
		if !matched && trg.RecommendedNDC != "" {
			matched = p.NDC == trg.RecommendedNDC
		}
		if !matched {
			return nil
		}
		if keyword.MatchesAny(p.DrugName, trg.ExcludeKeywords) {
			return nil
		}
		if !trg.BINAllowed(p.BIN) {
			return nil
		}

		gp, ok := normalize.PerFill(p.Profit(), p.Quantity, p.DaysSupply, hints)
		if !ok {
			return nil
		}

		group := coverage.NormalizeGroup(p.Group)
		drug := keyword.Normalize(p.DrugName)
		segKey := p.BIN + "|" + group
		candKey := drug + "|" + p.NDC

		seg, ok := candidates[segKey]
		if !ok {
			seg = make(map[string]*segmentCandidate)
			candidates[segKey] = seg
		}
		cand, ok := seg[candKey]
		if !ok {
			cand = &segmentCandidate{bin: p.BIN, group: group, drugName: drug, ndc: p.NDC}
			seg[candKey] = cand
		}
		cand.claimCount++
		cand.totalGP = cand.totalGP.Add(gp)
		cand.totalQty += p.Quantity
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan claims: %w", err)
	}

	minClaims := opts.MinClaims
	if minClaims < 1 {
		minClaims = 1
	}

	var entries []*coverage.Entry
	for _, seg := range candidates {
		best := bestCandidate(seg)
		if best == nil {
			continue
		}
		avg := best.avgGP()
		if best.claimCount < minClaims {
			continue
		}
		if !opts.MinMargin.IsZero() && avg.LessThan(opts.MinMargin) {
			continue
		}
		entries = append(entries, &coverage.Entry{
			TriggerID:          trg.ID,
			BIN:                best.bin,
			Group:              best.group,
			Status:             coverage.StatusVerified,
			GPValue:            avg,
			AvgQty:             best.totalQty / float64(best.claimCount),
			VerifiedClaimCount: best.claimCount,
			BestDrugName:       best.drugName,
			BestNDC:            best.ndc,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BIN != entries[j].BIN {
			return entries[i].BIN < entries[j].BIN
		}
		return entries[i].Group < entries[j].Group
	})
	return entries, nil
}

// bestCandidate ranks a segment's candidates by average normalized GP
// descending, breaking ties by claim count then name for determinism.
func bestCandidate(seg map[string]*segmentCandidate) *segmentCandidate {
	var best *segmentCandidate
	for _, c := range seg {
		if best == nil {
			best = c
			continue
		}
		switch {
		case c.avgGP().GreaterThan(best.avgGP()):
			best = c
		case c.avgGP().Equal(best.avgGP()) && c.claimCount > best.claimCount:
			best = c
		case c.avgGP().Equal(best.avgGP()) && c.claimCount == best.claimCount && c.drugName < best.drugName:
			best = c
		}
	}
	return best
}

// medianGP returns the median of the entries' GP values. The median rather
// than the max keeps one outlier segment from skewing the trigger's default
// economics.
func medianGP(entries []*coverage.Entry) decimal.Decimal {
	values := make([]decimal.Decimal, len(entries))
	for i, e := range entries {
		values[i] = e.GPValue
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return values[n/2-1].Add(values[n/2]).Div(decimal.NewFromInt(2)).Round(4)
}

// TriggerVerifySummary is one trigger's outcome within VerifyAllCoverage.
type TriggerVerifySummary struct {
	TriggerID   string
	TriggerName string
	Verified    int
	// Error is the per-trigger failure reason; empty on success.
	Error string
}

// VerifyAllResult summarizes a bulk coverage verification.
type VerifyAllResult struct {
	Matched  int
	NoMatch  int
	Errors   int
	Triggers []TriggerVerifySummary
}

// VerifyAllCoverage verifies every enabled trigger. NDC optimization
// triggers, which cover low-margin DME-style products, use the separate
// dmeMinMargin floor. Per-trigger failures are captured in the summary
// rather than aborting the batch.
func (e *Engine) VerifyAllCoverage(ctx context.Context, opts VerifyOptions, dmeMinMargin decimal.Decimal) (*VerifyAllResult, error) {
	ctx, span := e.tracer.Start(ctx, "verify_all_coverage")
	defer span.End()

	triggers, err := e.triggers.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]TriggerVerifySummary, len(triggers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrentTriggers)
	for i, trg := range triggers {
		g.Go(func() error {
			triggerOpts := opts
			if trg.Type == trigger.TypeNDCOptimization {
				triggerOpts.MinMargin = dmeMinMargin
			}
			summary := TriggerVerifySummary{TriggerID: trg.ID, TriggerName: trg.Name}
			res, err := e.VerifyCoverage(gctx, trg.ID, triggerOpts)
			if err != nil {
				summary.Error = err.Error()
			} else {
				summary.Verified = res.Verified
			}
			summaries[i] = summary
			// Per-trigger errors are reported, not propagated.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &VerifyAllResult{Triggers: summaries}
	for _, s := range summaries {
		switch {
		case s.Error != "":
			result.Errors++
		case s.Verified == 0:
			result.NoMatch++
		default:
			result.Matched++
		}
	}
	span.SetAttributes(
		attribute.Int("matched", result.Matched),
		attribute.Int("no_match", result.NoMatch),
		attribute.Int("errors", result.Errors),
	)
	return result, nil
}
