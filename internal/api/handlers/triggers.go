// Package handlers provides HTTP handlers for the admin API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/api/middleware"
	"github.com/drfirst/go-rxopps/internal/domain/coverage"
	"github.com/drfirst/go-rxopps/internal/domain/trigger"
)

// TriggerHandler handles trigger configuration endpoints.
type TriggerHandler struct {
	triggers *trigger.Repository
	coverage *coverage.Repository
	logger   *zap.Logger
}

// NewTriggerHandler creates a new handler.
func NewTriggerHandler(triggers *trigger.Repository, cov *coverage.Repository, logger *zap.Logger) *TriggerHandler {
	return &TriggerHandler{triggers: triggers, coverage: cov, logger: logger}
}

// Routes returns the handler routes.
func (h *TriggerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Post("/{id}/enable", h.Enable)
	r.Post("/{id}/disable", h.Disable)
	r.Get("/{id}/coverage", h.ListCoverage)
	r.Post("/{id}/coverage/exclusions", h.PinExcluded)
	return r
}

// triggerResponse is the canonical outbound trigger shape.
type triggerResponse struct {
	ID                       string            `json:"id"`
	Code                     string            `json:"code"`
	Name                     string            `json:"name"`
	Type                     trigger.Type      `json:"type"`
	DetectionKeywords        []string          `json:"detectionKeywords"`
	ExcludeKeywords          []string          `json:"excludeKeywords"`
	IfHasKeywords            []string          `json:"ifHasKeywords"`
	IfNotHasKeywords         []string          `json:"ifNotHasKeywords"`
	KeywordMatchMode         string            `json:"keywordMatchMode"`
	RecommendedDrug          string            `json:"recommendedDrug"`
	RecommendedNDC           string            `json:"recommendedNdc"`
	BINInclusions            []string          `json:"binInclusions"`
	BINExclusions            []string          `json:"binExclusions"`
	GroupInclusions          []string          `json:"groupInclusions"`
	GroupExclusions          []string          `json:"groupExclusions"`
	ContractPrefixExclusions []string          `json:"contractPrefixExclusions"`
	PharmacyInclusions       []string          `json:"pharmacyInclusions"`
	AnnualFills              int               `json:"annualFills"`
	DefaultGPValue           decimal.Decimal   `json:"defaultGpValue"`
	ExpectedQty              float64           `json:"expectedQty,omitempty"`
	ExpectedDaysSupply       int               `json:"expectedDaysSupply,omitempty"`
	Enabled                  bool              `json:"isEnabled"`
	CreatedAt                time.Time         `json:"createdAt"`
	UpdatedAt                time.Time         `json:"updatedAt"`
}

func toTriggerResponse(t *trigger.Trigger) triggerResponse {
	return triggerResponse{
		ID:                       t.ID,
		Code:                     t.Code,
		Name:                     t.Name,
		Type:                     t.Type,
		DetectionKeywords:        t.DetectionKeywords,
		ExcludeKeywords:          t.ExcludeKeywords,
		IfHasKeywords:            t.IfHasKeywords,
		IfNotHasKeywords:         t.IfNotHasKeywords,
		KeywordMatchMode:         string(t.KeywordMatchMode),
		RecommendedDrug:          t.RecommendedDrug,
		RecommendedNDC:           t.RecommendedNDC,
		BINInclusions:            t.BINInclusions,
		BINExclusions:            t.BINExclusions,
		GroupInclusions:          t.GroupInclusions,
		GroupExclusions:          t.GroupExclusions,
		ContractPrefixExclusions: t.ContractPrefixExclusions,
		PharmacyInclusions:       t.PharmacyInclusions,
		AnnualFills:              t.AnnualFills,
		DefaultGPValue:           t.DefaultGP,
		ExpectedQty:              t.ExpectedQty,
		ExpectedDaysSupply:       t.ExpectedDaysSupply,
		Enabled:                  t.Enabled,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
}

// Create handles POST /triggers
func (h *TriggerHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in trigger.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := in.ToTrigger()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.triggers.Create(ctx, t); err != nil {
		if errors.Is(err, trigger.ErrDuplicateCode) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("trigger create failed", zap.Error(err))
		jsonError(w, "failed to create trigger", http.StatusInternalServerError)
		return
	}

	h.logger.Info("trigger created",
		zap.String("id", t.ID),
		zap.String("code", t.Code),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	writeJSON(w, http.StatusCreated, toTriggerResponse(t))
}

// List handles GET /triggers. Disabled triggers are included when ?all=true.
func (h *TriggerHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		triggers []*trigger.Trigger
		err      error
	)
	if r.URL.Query().Get("all") == "true" {
		triggers, err = h.triggers.ListAll(ctx)
	} else {
		triggers, err = h.triggers.ListEnabled(ctx)
	}
	if err != nil {
		h.logger.Error("trigger list failed", zap.Error(err))
		jsonError(w, "failed to list triggers", http.StatusInternalServerError)
		return
	}

	out := make([]triggerResponse, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, toTriggerResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /triggers/{id}
func (h *TriggerHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.triggers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			jsonError(w, "trigger not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to get trigger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(t))
}

// Update handles PUT /triggers/{id}
func (h *TriggerHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	existing, err := h.triggers.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			jsonError(w, "trigger not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to get trigger", http.StatusInternalServerError)
		return
	}

	var in trigger.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := in.ApplyTo(existing)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.triggers.Update(ctx, updated); err != nil {
		if errors.Is(err, trigger.ErrDuplicateCode) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("trigger update failed", zap.Error(err))
		jsonError(w, "failed to update trigger", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toTriggerResponse(updated))
}

// Enable handles POST /triggers/{id}/enable
func (h *TriggerHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /triggers/{id}/disable. Triggers are soft-disabled,
// never deleted, so open opportunities keep a valid reference.
func (h *TriggerHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *TriggerHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := h.triggers.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			jsonError(w, "trigger not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to update trigger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "isEnabled": enabled})
}

// ListCoverage handles GET /triggers/{id}/coverage
func (h *TriggerHandler) ListCoverage(w http.ResponseWriter, r *http.Request) {
	entries, err := h.coverage.ListByTrigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "failed to list coverage", http.StatusInternalServerError)
		return
	}

	type entryResponse struct {
		BIN                string          `json:"bin"`
		Group              string          `json:"group,omitempty"`
		Status             coverage.Status `json:"coverageStatus"`
		GPValue            decimal.Decimal `json:"gpValue"`
		AvgQty             float64         `json:"avgQty"`
		VerifiedClaimCount int             `json:"verifiedClaimCount"`
		BestDrugName       string          `json:"bestDrugName,omitempty"`
		BestNDC            string          `json:"bestNdc,omitempty"`
		ManuallySet        bool            `json:"manuallySet"`
		VerifiedAt         time.Time       `json:"verifiedAt"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			BIN:                e.BIN,
			Group:              e.Group,
			Status:             e.Status,
			GPValue:            e.GPValue,
			AvgQty:             e.AvgQty,
			VerifiedClaimCount: e.VerifiedClaimCount,
			BestDrugName:       e.BestDrugName,
			BestNDC:            e.BestNDC,
			ManuallySet:        e.ManuallySet,
			VerifiedAt:         e.VerifiedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// PinExcluded handles POST /triggers/{id}/coverage/exclusions. A pinned
// exclusion survives every coverage rescan.
func (h *TriggerHandler) PinExcluded(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	triggerID := chi.URLParam(r, "id")

	var req struct {
		BIN   string `json:"bin"`
		Group string `json:"group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BIN == "" {
		jsonError(w, "bin is required", http.StatusBadRequest)
		return
	}

	if _, err := h.triggers.Get(ctx, triggerID); err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			jsonError(w, "trigger not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to get trigger", http.StatusInternalServerError)
		return
	}

	if err := h.coverage.PinExcluded(ctx, triggerID, req.BIN, req.Group); err != nil {
		h.logger.Error("pin excluded failed", zap.Error(err))
		jsonError(w, "failed to pin exclusion", http.StatusInternalServerError)
		return
	}

	h.logger.Info("coverage pinned excluded",
		zap.String("trigger_id", triggerID),
		zap.String("bin", req.BIN),
		zap.String("group", req.Group),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"triggerId":      triggerID,
		"bin":            req.BIN,
		"group":          coverage.NormalizeGroup(req.Group),
		"coverageStatus": string(coverage.StatusExcluded),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
