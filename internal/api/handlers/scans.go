package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxopps/internal/domain/trigger"
	"github.com/drfirst/go-rxopps/internal/engine"
	"github.com/drfirst/go-rxopps/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxopps/internal/observability/metrics"
)

// ScanRequest is the message published to the scan.requests topic for
// asynchronous execution by the scan workers.
type ScanRequest struct {
	RequestID  string `json:"requestId"`
	Kind       string `json:"kind"` // verify_coverage | verify_all | scan_trigger | scan_pharmacy | scan_all
	TriggerID  string `json:"triggerId,omitempty"`
	PharmacyID string `json:"pharmacyId,omitempty"`
	ScanType   string `json:"scanType,omitempty"`

	MinClaims    int             `json:"minClaims,omitempty"`
	DaysBack     int             `json:"daysBack,omitempty"`
	MinMargin    decimal.Decimal `json:"minMargin,omitempty"`
	DMEMinMargin decimal.Decimal `json:"dmeMinMargin,omitempty"`
}

// ScanHandler exposes the engine's scan operations, synchronously and via
// the scan.requests topic.
type ScanHandler struct {
	engine   *engine.Engine
	producer *redpanda.Producer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewScanHandler creates a new handler. The producer may be nil, which
// disables the async endpoint.
func NewScanHandler(eng *engine.Engine, producer *redpanda.Producer, m *metrics.Metrics, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{engine: eng, producer: producer, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *ScanHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/coverage/{triggerId}", h.VerifyCoverage)
	r.Post("/coverage", h.VerifyAllCoverage)
	r.Post("/triggers/{triggerId}", h.ScanTrigger)
	r.Post("/pharmacies/{pharmacyId}", h.ScanPharmacy)
	r.Post("/opportunities", h.ScanAllOpportunities)
	r.Post("/async", h.Enqueue)
	return r
}

type verifyRequest struct {
	MinClaims    int             `json:"minClaims"`
	DaysBack     int             `json:"daysBack"`
	MinMargin    decimal.Decimal `json:"minMargin"`
	DMEMinMargin decimal.Decimal `json:"dmeMinMargin"`
}

func (r verifyRequest) options() engine.VerifyOptions {
	opts := engine.DefaultVerifyOptions()
	if r.MinClaims > 0 {
		opts.MinClaims = r.MinClaims
	}
	if r.DaysBack > 0 {
		opts.DaysBack = r.DaysBack
	}
	opts.MinMargin = r.MinMargin
	return opts
}

// decodeOptional decodes a body that may legitimately be empty.
func decodeOptional(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// VerifyCoverage handles POST /scans/coverage/{triggerId}
func (h *ScanHandler) VerifyCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	triggerID := chi.URLParam(r, "triggerId")

	var req verifyRequest
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.metrics.ScansStarted.WithLabelValues("verify_coverage").Inc()
	start := time.Now()
	res, err := h.engine.VerifyCoverage(ctx, triggerID, req.options())
	h.metrics.ScanDuration.WithLabelValues("verify_coverage").Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ScansFailed.WithLabelValues("verify_coverage").Inc()
		h.scanError(w, err)
		return
	}
	h.metrics.CoverageEntriesVerified.Add(float64(res.Verified))
	if res.Recalibrated {
		h.metrics.TriggersRecalibrated.Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggerId":    res.TriggerID,
		"triggerName":  res.TriggerName,
		"verified":     res.Verified,
		"recalibrated": res.Recalibrated,
		"defaultGp":    res.DefaultGP,
		"backfilled":   res.BackfilledOpportunities,
	})
}

// VerifyAllCoverage handles POST /scans/coverage
func (h *ScanHandler) VerifyAllCoverage(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.metrics.ScansStarted.WithLabelValues("verify_all").Inc()
	start := time.Now()
	res, err := h.engine.VerifyAllCoverage(r.Context(), req.options(), req.DMEMinMargin)
	h.metrics.ScanDuration.WithLabelValues("verify_all").Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ScansFailed.WithLabelValues("verify_all").Inc()
		h.scanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ScanTrigger handles POST /scans/triggers/{triggerId}
func (h *ScanHandler) ScanTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PharmacyID string `json:"pharmacyId"`
	}
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.metrics.ScansStarted.WithLabelValues("scan_trigger").Inc()
	start := time.Now()
	counts, err := h.engine.ScanTrigger(r.Context(), chi.URLParam(r, "triggerId"), req.PharmacyID)
	h.metrics.ScanDuration.WithLabelValues("scan_trigger").Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ScansFailed.WithLabelValues("scan_trigger").Inc()
		h.scanError(w, err)
		return
	}
	h.recordCounts(counts)

	writeJSON(w, http.StatusOK, counts)
}

// ScanPharmacy handles POST /scans/pharmacies/{pharmacyId}
func (h *ScanHandler) ScanPharmacy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanType string `json:"scanType"`
	}
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	scanType := engine.ScanType(req.ScanType)
	if scanType == "" {
		scanType = engine.ScanOpportunities
	}
	if scanType != engine.ScanOpportunities && scanType != engine.ScanAll {
		jsonError(w, "scanType must be opportunities or all", http.StatusBadRequest)
		return
	}

	h.metrics.ScansStarted.WithLabelValues("scan_pharmacy").Inc()
	start := time.Now()
	counts, err := h.engine.ScanPharmacy(r.Context(), chi.URLParam(r, "pharmacyId"), scanType)
	h.metrics.ScanDuration.WithLabelValues("scan_pharmacy").Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ScansFailed.WithLabelValues("scan_pharmacy").Inc()
		h.scanError(w, err)
		return
	}
	h.recordCounts(counts)

	writeJSON(w, http.StatusOK, counts)
}

// ScanAllOpportunities handles POST /scans/opportunities
func (h *ScanHandler) ScanAllOpportunities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DaysBack int `json:"daysBack"`
	}
	if err := decodeOptional(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.metrics.ScansStarted.WithLabelValues("scan_all").Inc()
	start := time.Now()
	res, err := h.engine.ScanAllOpportunities(r.Context(), req.DaysBack)
	h.metrics.ScanDuration.WithLabelValues("scan_all").Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ScansFailed.WithLabelValues("scan_all").Inc()
		h.scanError(w, err)
		return
	}
	h.metrics.OpportunitiesCreated.Add(float64(res.Created))
	h.metrics.OpportunitiesSkipped.Add(float64(res.Skipped))

	writeJSON(w, http.StatusOK, res)
}

// Enqueue handles POST /scans/async: the request is published to the
// scan.requests topic and executed by a scan worker exactly once.
func (h *ScanHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.producer == nil {
		jsonError(w, "async scans not configured", http.StatusServiceUnavailable)
		return
	}

	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Kind {
	case "verify_coverage", "verify_all", "scan_trigger", "scan_pharmacy", "scan_all":
	default:
		jsonError(w, "unknown scan kind", http.StatusBadRequest)
		return
	}
	req.RequestID = uuid.New().String()

	payload, err := json.Marshal(req)
	if err != nil {
		jsonError(w, "failed to encode request", http.StatusInternalServerError)
		return
	}

	// Keyed by pharmacy so one pharmacy's scans serialize on a partition.
	key := req.PharmacyID
	if key == "" {
		key = req.RequestID
	}
	if err := h.producer.Publish(r.Context(), redpanda.TopicScanRequests, key, payload); err != nil {
		h.logger.Error("failed to enqueue scan", zap.Error(err))
		jsonError(w, "failed to enqueue scan", http.StatusInternalServerError)
		return
	}

	h.logger.Info("scan enqueued",
		zap.String("request_id", req.RequestID),
		zap.String("kind", req.Kind),
		zap.String("pharmacy_id", req.PharmacyID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": req.RequestID})
}

func (h *ScanHandler) recordCounts(counts *engine.ScanCounts) {
	h.metrics.OpportunitiesCreated.Add(float64(counts.Created))
	h.metrics.OpportunitiesSkipped.Add(float64(counts.Skipped))
}

func (h *ScanHandler) scanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrNotFound), errors.Is(err, engine.ErrPharmacyNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidTriggerConfig):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("scan failed", zap.Error(err))
		jsonError(w, "scan failed", http.StatusInternalServerError)
	}
}
