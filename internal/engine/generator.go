package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxopps/internal/domain/opportunity"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// ScanType selects the scope of a pharmacy scan.
type ScanType string

const (
	// ScanOpportunities matches patients against existing coverage only.
	ScanOpportunities ScanType = "opportunities"
	// ScanAll re-verifies coverage for the pharmacy's triggers first, then
	// matches patients against the fresh entries.
	ScanAll ScanType = "all"
)

// ScanCounts summarizes one opportunity scan.
type ScanCounts struct {
	Created int
	Skipped int
	// PatientsMatched counts matcher hits before dedup.
	PatientsMatched int
}

func (c *ScanCounts) add(other ScanCounts) {
	c.Created += other.Created
	c.Skipped += other.Skipped
	c.PatientsMatched += other.PatientsMatched
}

// ScanPharmacy runs every applicable enabled trigger over one pharmacy's
// patients. With ScanAll, coverage is re-verified first; verification
// failures for individual triggers are logged and do not stop the
// opportunity pass.
func (e *Engine) ScanPharmacy(ctx context.Context, pharmacyID string, scanType ScanType) (*ScanCounts, error) {
	ctx, span := e.tracer.Start(ctx, "scan_pharmacy",
		trace.WithAttributes(
			attribute.String("pharmacy_id", pharmacyID),
			attribute.String("scan_type", string(scanType)),
		))
	defer span.End()

	exists, err := e.claims.PharmacyExists(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPharmacyNotFound, pharmacyID)
	}

	triggers, err := e.triggers.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	applicable := make([]*trigger.Trigger, 0, len(triggers))
	for _, trg := range triggers {
		if trg.AppliesToPharmacy(pharmacyID) {
			applicable = append(applicable, trg)
		}
	}

	if scanType == ScanAll {
		for _, trg := range applicable {
			if _, err := e.VerifyCoverage(ctx, trg.ID, DefaultVerifyOptions()); err != nil {
				e.logger.Warn("coverage verification failed during pharmacy scan",
					zap.String("pharmacy_id", pharmacyID),
					zap.String("trigger_id", trg.ID),
					zap.Error(err))
			}
		}
	}

	dedup, err := e.opportunities.ExistingKeys(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}

	counts, err := e.scanPatients(ctx, pharmacyID, applicable, e.windowStart(0), dedup)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("created", counts.Created),
		attribute.Int("skipped", counts.Skipped),
	)
	e.logger.Info("pharmacy scanned",
		zap.String("pharmacy_id", pharmacyID),
		zap.Int("created", counts.Created),
		zap.Int("skipped", counts.Skipped),
		zap.Int("matched", counts.PatientsMatched))
	return counts, nil
}

// ScanTrigger runs one trigger across a single pharmacy, or across every
// pharmacy when pharmacyID is empty.
func (e *Engine) ScanTrigger(ctx context.Context, triggerID, pharmacyID string) (*ScanCounts, error) {
	ctx, span := e.tracer.Start(ctx, "scan_trigger",
		trace.WithAttributes(
			attribute.String("trigger_id", triggerID),
			attribute.String("pharmacy_id", pharmacyID),
		))
	defer span.End()

	trg, err := e.triggers.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	var pharmacyIDs []string
	if pharmacyID != "" {
		exists, err := e.claims.PharmacyExists(ctx, pharmacyID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrPharmacyNotFound, pharmacyID)
		}
		pharmacyIDs = []string{pharmacyID}
	} else {
		pharmacies, err := e.claims.Pharmacies(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range pharmacies {
			pharmacyIDs = append(pharmacyIDs, p.ID)
		}
	}

	total := &ScanCounts{}
	since := e.windowStart(0)
	for _, id := range pharmacyIDs {
		if !trg.AppliesToPharmacy(id) {
			continue
		}
		dedup, err := e.opportunities.ExistingKeys(ctx, id)
		if err != nil {
			return nil, err
		}
		counts, err := e.scanPatients(ctx, id, []*trigger.Trigger{trg}, since, dedup)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		total.add(*counts)
	}

	span.SetAttributes(
		attribute.Int("created", total.Created),
		attribute.Int("skipped", total.Skipped),
	)
	return total, nil
}

// TriggerScanSummary is one trigger's outcome within ScanAllOpportunities.
type TriggerScanSummary struct {
	TriggerID   string
	TriggerName string
	Created     int
	Skipped     int
	Matched     int
	// Error is the per-trigger failure reason; empty on success.
	Error string
}

// ScanAllResult summarizes a bulk opportunity scan.
type ScanAllResult struct {
	Created  int
	Skipped  int
	Errors   int
	Triggers []TriggerScanSummary
}

// ScanAllOpportunities runs every enabled trigger across every pharmacy.
// Per-trigger failures are captured in the summary; the in-memory dedup set
// stays scoped per trigger run, leaving the database unique constraint as
// the authoritative guard across the parallel runs.
func (e *Engine) ScanAllOpportunities(ctx context.Context, daysBack int) (*ScanAllResult, error) {
	ctx, span := e.tracer.Start(ctx, "scan_all_opportunities",
		trace.WithAttributes(attribute.Int("days_back", daysBack)))
	defer span.End()

	triggers, err := e.triggers.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	pharmacies, err := e.claims.Pharmacies(ctx)
	if err != nil {
		return nil, err
	}

	since := e.windowStart(daysBack)
	summaries := make([]TriggerScanSummary, len(triggers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrentTriggers)
	for i, trg := range triggers {
		g.Go(func() error {
			summary := TriggerScanSummary{TriggerID: trg.ID, TriggerName: trg.Name}
			for _, pharmacy := range pharmacies {
				if !trg.AppliesToPharmacy(pharmacy.ID) {
					continue
				}
				dedup, err := e.opportunities.ExistingKeys(gctx, pharmacy.ID)
				if err != nil {
					summary.Error = err.Error()
					break
				}
				counts, err := e.scanPatients(gctx, pharmacy.ID, []*trigger.Trigger{trg}, since, dedup)
				if err != nil {
					summary.Error = err.Error()
					break
				}
				summary.Created += counts.Created
				summary.Skipped += counts.Skipped
				summary.Matched += counts.PatientsMatched
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &ScanAllResult{Triggers: summaries}
	for _, s := range summaries {
		result.Created += s.Created
		result.Skipped += s.Skipped
		if s.Error != "" {
			result.Errors++
		}
	}
	span.SetAttributes(
		attribute.Int("created", result.Created),
		attribute.Int("errors", result.Errors),
	)
	return result, nil
}

// scanPatients drives the matcher over every patient of a pharmacy for the
// given triggers. The dedup set is scoped to this run; the database's
// dedup-key uniqueness remains the authoritative duplicate guard.
func (e *Engine) scanPatients(ctx context.Context, pharmacyID string, triggers []*trigger.Trigger, since time.Time, dedup map[string]struct{}) (*ScanCounts, error) {
	counts := &ScanCounts{}

	patientIDs, err := e.claims.PatientIDs(ctx, pharmacyID, since)
	if err != nil {
		return nil, err
	}

	for _, patientID := range patientIDs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		history, err := e.claims.History(ctx, pharmacyID, patientID)
		if err != nil {
			return counts, err
		}

		for _, trg := range triggers {
			res, err := e.matchPatient(ctx, trg, history)
			if err != nil {
				return counts, err
			}
			if !res.Matched {
				continue
			}
			counts.PatientsMatched++

			key := opportunity.DedupKey(patientID, trg.Type, res.CurrentDrugName)
			if _, seen := dedup[key]; seen {
				counts.Skipped++
				continue
			}

			created, err := e.opportunities.Insert(ctx, &opportunity.Opportunity{
				PharmacyID:          pharmacyID,
				PatientID:           patientID,
				TriggerID:           trg.ID,
				TriggerType:         trg.Type,
				CurrentDrugName:     res.CurrentDrugName,
				RecommendedDrugName: res.RecommendedDrugName,
				RecommendedNDC:      res.RecommendedNDC,
				BIN:                 res.BIN,
				Group:               res.Group,
				CurrentGP:           res.CurrentGP,
				AvgDispensedQty:     res.AvgQty,
				PotentialMarginGain: res.NetGain,
				AnnualMarginGain:    res.AnnualGain,
				Status:              opportunity.StatusNotSubmitted,
			})
			if err != nil {
				return counts, err
			}
			dedup[key] = struct{}{}
			if created {
				counts.Created++
			} else {
				counts.Skipped++
			}
		}
	}
	return counts, nil
}
