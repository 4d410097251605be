package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forgeline/forgeline/internal/domain"
	redisstore "github.com/forgeline/forgeline/internal/redis"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// Engine is the pipeline lifecycle surface the REST layer needs, satisfied
// by *pipeline.Engine.
type Engine interface {
	Submit(ctx context.Context, projectID string, request json.RawMessage) (*domain.Pipeline, error)
	Get(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
	Cancel(ctx context.Context, pipelineID string) (bool, error)
}

// Starter schedules the first stage of a submitted pipeline. Both drive
// strategies implement it.
type Starter interface {
	Start(ctx context.Context, pipelineID string) error
}

// REST handles HTTP requests for the orchestrator.
type REST struct {
	engine  Engine
	starter Starter
	direct  bool
	limiter redisstore.RateLimiter
	live    redisstore.StatusStore
	logger  *slog.Logger
}

// NewREST creates a new REST handler. direct selects in-process stage
// execution: submissions then start on a detached goroutine instead of a
// Kafka publish.
func NewREST(engine Engine, starter Starter, direct bool, limiter redisstore.RateLimiter,
	live redisstore.StatusStore, logger *slog.Logger) *REST {
	return &REST{
		engine:  engine,
		starter: starter,
		direct:  direct,
		limiter: limiter,
		live:    live,
		logger:  logger,
	}
}

// SubmitPipelineRequest is the JSON body for POST /api/v1/pipelines.
type SubmitPipelineRequest struct {
	ProjectID string          `json:"project_id"`
	Request   json.RawMessage `json:"request"`
}

// SubmitPipelineResponse is the 202 response body.
type SubmitPipelineResponse struct {
	PipelineID string    `json:"pipeline_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineResponse is the GET /pipelines/{id} response body.
type PipelineResponse struct {
	PipelineID      string               `json:"pipeline_id"`
	ProjectID       string               `json:"project_id"`
	Status          string               `json:"status"`
	CurrentStage    string               `json:"current_stage,omitempty"`
	StageHistory    []domain.StageRecord `json:"stage_history,omitempty"`
	AccumulatedCost float64              `json:"accumulated_cost"`
	FailureReason   string               `json:"failure_reason,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	DurationMs      int64                `json:"duration_ms,omitempty"`
}

// SubmitPipeline handles POST /api/v1/pipelines.
func (h *REST) SubmitPipeline(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.submit_pipeline")
	defer span.End()

	var req SubmitPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "field 'project_id' is required")
		return
	}
	if len(req.Request) == 0 || string(req.Request) == "null" {
		writeError(w, http.StatusBadRequest, "field 'request' is required")
		return
	}

	allowed, err := h.limiter.Allow(ctx, req.ProjectID)
	if err != nil {
		h.logger.Error("rate limiter error", slog.String("project_id", req.ProjectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to submit pipeline")
		return
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, (&domain.RateLimitExceededError{
			ProjectID: req.ProjectID,
			Limit:     h.limiter.Limit(),
		}).Error())
		return
	}

	p, err := h.engine.Submit(ctx, req.ProjectID, req.Request)
	if err != nil {
		h.logger.Error("submit failed", slog.String("project_id", req.ProjectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to submit pipeline")
		return
	}

	span.SetAttributes(
		attribute.String("pipeline.id", p.ID),
		attribute.String("pipeline.project_id", p.ProjectID),
	)

	mode := "dispatched"
	if h.direct {
		mode = "direct"
		// Direct mode runs the whole stage chain in-process; detach from the
		// request context so the client disconnecting does not cancel it.
		go func() {
			if err := h.starter.Start(context.WithoutCancel(ctx), p.ID); err != nil {
				h.logger.Error("direct run failed",
					slog.String("pipeline_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	} else if err := h.starter.Start(ctx, p.ID); err != nil {
		// Submit persisted but the plan request did not reach the bus. The
		// pipeline stays PENDING; the client can retry the whole submission.
		h.logger.Error("dispatch failed", slog.String("pipeline_id", p.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start pipeline")
		return
	}

	telemetry.PipelinesSubmitted.WithLabelValues(mode).Inc()
	h.logger.Info("pipeline submitted",
		slog.String("pipeline_id", p.ID),
		slog.String("project_id", p.ProjectID),
		slog.String("mode", mode),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitPipelineResponse{
		PipelineID: p.ID,
		Status:     string(p.Status),
		CreatedAt:  p.CreatedAt,
	})
}

// GetPipeline handles GET /api/v1/pipelines/{id}.
func (h *REST) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if pipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline ID is required")
		return
	}

	ctx := r.Context()

	// Fast path: Redis snapshot.
	p, err := h.live.GetSnapshot(ctx, pipelineID)
	if err != nil {
		var notFound *domain.PipelineNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("redis error", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
		}

		// Slow path: Postgres (cache miss or Redis down).
		p, err = h.engine.Get(ctx, pipelineID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "pipeline not found")
				return
			}
			h.logger.Error("postgres error", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve pipeline")
			return
		}
	}

	resp := PipelineResponse{
		PipelineID:      p.ID,
		ProjectID:       p.ProjectID,
		Status:          string(p.Status),
		CurrentStage:    string(p.CurrentStage),
		StageHistory:    p.StageHistory,
		AccumulatedCost: p.AccumulatedCost,
		FailureReason:   string(p.FailureReason),
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
	if p.CompletedAt != nil {
		resp.DurationMs = p.CompletedAt.Sub(p.CreatedAt).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CancelPipeline handles DELETE /api/v1/pipelines/{id}. Cancellation is
// cooperative: a stage attempt already running finishes, but its completion
// no longer advances the pipeline.
func (h *REST) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if pipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline ID is required")
		return
	}

	ctx := r.Context()
	ok, err := h.engine.Cancel(ctx, pipelineID)
	if err != nil {
		h.logger.Error("cancel failed", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel pipeline")
		return
	}
	if !ok {
		// Nothing was cancelled: either unknown or already terminal.
		p, err := h.engine.Get(ctx, pipelineID)
		if err != nil {
			var notFound *domain.PipelineNotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "pipeline not found")
				return
			}
			h.logger.Error("postgres error", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to cancel pipeline")
			return
		}
		writeError(w, http.StatusConflict, "pipeline already "+strings.ToLower(string(p.Status)))
		return
	}

	h.logger.Info("pipeline cancelled", slog.String("pipeline_id", pipelineID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"pipeline_id": pipelineID,
		"status":      string(domain.StatusCancelled),
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.live.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.PipelineNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
