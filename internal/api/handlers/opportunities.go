package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/domain/opportunity"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// OpportunityHandler handles opportunity review endpoints.
type OpportunityHandler struct {
	opportunities *opportunity.Repository
	logger        *zap.Logger
}

// NewOpportunityHandler creates a new handler.
func NewOpportunityHandler(opps *opportunity.Repository, logger *zap.Logger) *OpportunityHandler {
	return &OpportunityHandler{opportunities: opps, logger: logger}
}

// Routes returns the handler routes.
func (h *OpportunityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pharmacy/{pharmacyId}", h.ListByPharmacy)
	r.Put("/{id}/status", h.UpdateStatus)
	return r
}

type opportunityResponse struct {
	ID                  string             `json:"id"`
	PharmacyID          string             `json:"pharmacyId"`
	PatientID           string             `json:"patientId"`
	TriggerID           string             `json:"triggerId"`
	TriggerType         trigger.Type       `json:"triggerType"`
	CurrentDrugName     string             `json:"currentDrugName"`
	RecommendedDrugName string             `json:"recommendedDrugName"`
	RecommendedNDC      string             `json:"recommendedNdc,omitempty"`
	AvgDispensedQty     float64            `json:"avgDispensedQty"`
	PotentialMarginGain decimal.Decimal    `json:"potentialMarginGain"`
	AnnualMarginGain    decimal.Decimal    `json:"annualMarginGain"`
	Status              opportunity.Status `json:"status"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// ListByPharmacy handles GET /opportunities/pharmacy/{pharmacyId}
func (h *OpportunityHandler) ListByPharmacy(w http.ResponseWriter, r *http.Request) {
	opps, err := h.opportunities.ListByPharmacy(r.Context(), chi.URLParam(r, "pharmacyId"))
	if err != nil {
		h.logger.Error("opportunity list failed", zap.Error(err))
		jsonError(w, "failed to list opportunities", http.StatusInternalServerError)
		return
	}

	out := make([]opportunityResponse, 0, len(opps))
	for _, o := range opps {
		out = append(out, opportunityResponse{
			ID:                  o.ID,
			PharmacyID:          o.PharmacyID,
			PatientID:           o.PatientID,
			TriggerID:           o.TriggerID,
			TriggerType:         o.TriggerType,
			CurrentDrugName:     o.CurrentDrugName,
			RecommendedDrugName: o.RecommendedDrugName,
			RecommendedNDC:      o.RecommendedNDC,
			AvgDispensedQty:     o.AvgDispensedQty,
			PotentialMarginGain: o.PotentialMarginGain,
			AnnualMarginGain:    o.AnnualMarginGain,
			Status:              o.Status,
			CreatedAt:           o.CreatedAt,
			UpdatedAt:           o.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateStatus handles PUT /opportunities/{id}/status
func (h *OpportunityHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status opportunity.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.opportunities.UpdateStatus(r.Context(), id, req.Status); err != nil {
		switch {
		case errors.Is(err, opportunity.ErrNotFound):
			jsonError(w, "opportunity not found", http.StatusNotFound)
		case errors.Is(err, opportunity.ErrInvalidTransition):
			jsonError(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("status update failed", zap.Error(err))
			jsonError(w, "failed to update status", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}
