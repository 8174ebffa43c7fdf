package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	repo    domain.Repository
	cache   domain.Cache
	version string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		engine:  eng,
		repo:    repo,
		cache:   cache,
		version: version,
	}
}

// PredictRequest is the request body for POST /predict and POST /explain.
type PredictRequest struct {
	Features map[string]float64 `json:"features"`
}

// BatchRequest is the request body for POST /predict/batch.
type BatchRequest struct {
	Items []map[string]float64 `json:"items"`
}

// ExplainResponse pairs a scoring result with its explanation.
type ExplainResponse struct {
	Result      *domain.EnsembleResult `json:"result"`
	Explanation *domain.Explanation    `json:"explanation"`
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Features) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "features is required",
		})
		return
	}

	result, err := h.engine.Predict(ctx, tenantID, req.Features)
	if err != nil {
		writeScoringError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Explain handles POST /explain requests. Scores the vector and returns
// the result together with its explanation.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Features) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "features is required",
		})
		return
	}

	result, exp, err := h.engine.Explain(ctx, tenantID, req.Features)
	if err != nil {
		writeScoringError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExplainResponse{
		Result:      result,
		Explanation: exp,
	})
}

// PredictBatch handles POST /predict/batch requests. Individual item
// failures are reported in their slot; the batch itself always succeeds.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "items is required",
		})
		return
	}

	items := h.engine.PredictBatch(ctx, tenantID, req.Items)

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// healthResponse is engine health plus the server build version.
type healthResponse struct {
	engine.HealthStatus
	Version string `json:"version"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Health()

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status.Status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{HealthStatus: status, Version: h.version})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Info returns the loaded bundle's metadata.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Info())
}

// GetEvaluation retrieves a stored scoring result by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load evaluation",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetExplanation retrieves the stored explanation for an evaluation.
func (h *Handler) GetExplanation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	exp, err := h.repo.GetExplanation(ctx, tenantID, evalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "explanation not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get explanation", "id", evalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load explanation",
		})
		return
	}

	writeJSON(w, http.StatusOK, exp)
}

// ListEvaluations returns recent scoring results for the tenant.
// Supports ?since=RFC3339 and ?limit=N query parameters.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	results, err := h.repo.ListEvaluations(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("failed to list evaluations", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list evaluations",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": results,
		"count":       len(results),
	})
}

// writeScoringError maps engine errors to HTTP status codes.
func writeScoringError(w http.ResponseWriter, err error) {
	var violation *domain.SchemaViolation
	if errors.As(err, &violation) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "feature vector rejected",
			"schemaVersion": violation.SchemaVersion,
			"missing":       violation.Missing,
			"extra":         violation.Extra,
			"nonFinite":     violation.NonFinite,
		})
		return
	}

	var quorum *domain.QuorumNotMet
	if errors.As(err, &quorum) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "model quorum not met",
			"available": quorum.Available,
			"required":  quorum.Required,
			"failed":    quorum.Failed,
		})
		return
	}

	if errors.Is(err, domain.ErrRequestTimeout) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": "scoring budget exceeded",
		})
		return
	}

	slog.Error("scoring failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "scoring failed",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
