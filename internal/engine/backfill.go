package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// Backfill refreshes the economics of a trigger's open opportunities after
// its coverage or default GP changed. Status is never touched; only
// opportunities still awaiting submission are updated.
func (e *Engine) Backfill(ctx context.Context, triggerID string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "backfill",
		trace.WithAttributes(attribute.String("trigger_id", triggerID)))
	defer span.End()

	trg, err := e.triggers.Get(ctx, triggerID)
	if err != nil {
		return 0, err
	}
	updated, err := e.backfillTrigger(ctx, trg)
	if err != nil {
		span.RecordError(err)
		return updated, err
	}
	span.SetAttributes(attribute.Int("updated", updated))
	return updated, nil
}

func (e *Engine) backfillTrigger(ctx context.Context, trg *trigger.Trigger) (int, error) {
	opps, err := e.opportunities.ListOpenByTrigger(ctx, trg.ID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, o := range opps {
		price, entry, err := e.resolvePrice(ctx, trg, o.BIN, o.Group)
		if err != nil {
			return updated, err
		}
		if entry != nil && entry.Status == coverage.StatusExcluded {
			// The segment was pinned after this opportunity was created.
			// Leave the record for staff to review rather than zeroing it.
			continue
		}
		if price.IsZero() {
			continue
		}

		gain := price
		if !trg.Type.IsAddOn() {
			gain = price.Sub(o.CurrentGP)
		}
		if !gain.IsPositive() {
			e.logger.Debug("backfill left non-positive gain unchanged",
				zap.String("opportunity_id", o.ID),
				zap.String("gain", gain.String()))
			continue
		}
		if gain.Equal(o.PotentialMarginGain) {
			continue
		}

		annual := gain.Mul(decimal.NewFromInt(int64(trg.AnnualFills))).Round(4)
		avgQty := o.AvgDispensedQty
		newNDC := ""
		if entry != nil {
			if entry.AvgQty > 0 {
				avgQty = entry.AvgQty
			}
			if entry.BestNDC != "" && entry.BestNDC != o.RecommendedNDC {
				newNDC = entry.BestNDC
			}
		}

		if err := e.opportunities.UpdateEconomics(ctx, o.ID, gain, annual, avgQty, newNDC); err != nil {
			return updated, err
		}
		updated++
	}

	if updated > 0 {
		e.logger.Info("opportunities backfilled",
			zap.String("trigger_id", trg.ID),
			zap.Int("updated", updated))
	}
	return updated, nil
}
