// Package api wires the HTTP surface: the synchronous SSE generation path,
// the asynchronous enqueue path, and job status queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/saldanaj97/atlaris-sub003/internal/config"
	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/stream"
	"github.com/saldanaj97/atlaris-sub003/internal/tasks"
	"github.com/saldanaj97/atlaris-sub003/internal/telemetry"
)

// Reserver is the attempt reservation guard.
type Reserver interface {
	Reserve(ctx context.Context, planID, userID, requiredStatus string) (models.Reservation, error)
	FinalizeSuccess(ctx context.Context, attemptID string, durationMs int64)
	FinalizeFailure(ctx context.Context, attemptID, planID string, class models.Classification, durationMs int64, errMsg string)
}

// JobStore is the queue surface the API needs.
type JobStore interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FindByPlan(ctx context.Context, planID string) ([]models.Job, error)
	CountUserJobsSince(ctx context.Context, userID, jobType string, since time.Time) (int, error)
}

// PlanStore transitions plan state on the synchronous path.
type PlanStore interface {
	MarkPlanSuccess(ctx context.Context, planID string, modules []models.Module) error
	MarkPlanFailure(ctx context.Context, planID string) error
}

// Generator runs one generation attempt.
type Generator interface {
	Run(ctx context.Context, input models.GenerationInput, attemptID string) models.GenerationResult
}

// Enricher is the content-curation collaborator.
type Enricher interface {
	Enrich(ctx context.Context, planID, topic, skillLevel string) error
}

// UsageRecorder records billable provider usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, r store.UsageRecord) error
}

// Server wires HTTP handlers for the plan generation API.
type Server struct {
	cfg       config.Config
	jobs      JobStore
	plans     PlanStore
	guard     Reserver
	generator Generator
	streamer  *stream.Pipeline
	enricher  Enricher
	usage     UsageRecorder
	tasks     *tasks.Set
	validate  *validator.Validate
	logger    *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, jobs JobStore, plans PlanStore, guard Reserver, generator Generator, streamer *stream.Pipeline, enricher Enricher, usage UsageRecorder, taskSet *tasks.Set, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		plans:     plans,
		guard:     guard,
		generator: generator,
		streamer:  streamer,
		enricher:  enricher,
		usage:     usage,
		tasks:     taskSet,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/plans/{planID}/generate", s.handleGenerateStream)
	r.Post("/v1/plans/{planID}/generate/async", s.handleGenerateAsync)
	r.Post("/v1/plans/{planID}/regenerate", s.handleRegenerate)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/plans/{planID}/jobs", s.handlePlanJobs)
	return r
}

// handleGenerateStream runs generation inline and streams progress as SSE.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	planID := chi.URLParam(r, "planID")

	res, err := s.guard.Reserve(r.Context(), planID, userID, models.PlanStatusPending)
	if errors.Is(err, store.ErrPlanNotFound) {
		http.Error(w, "plan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("reservation failed", "event", "reserve_error", "plan_id", planID, "error", err)
		http.Error(w, "reservation failed", http.StatusInternalServerError)
		return
	}
	if !res.Reserved {
		s.writeRejection(w, res)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(ev stream.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	attemptID := res.AttemptID
	input := res.Input

	s.streamer.Run(r.Context(), emit, func(ctx context.Context) models.GenerationResult {
		return s.generator.Run(ctx, input, attemptID)
	}, stream.Options{
		Timeout: s.cfg.StreamTimeout,
		OnSuccess: func(ctx context.Context, suc *models.GenerationSuccess) error {
			if err := s.plans.MarkPlanSuccess(ctx, planID, suc.Modules); err != nil {
				return err
			}
			s.guard.FinalizeSuccess(ctx, attemptID, suc.DurationMs)
			s.submitSideEffects(userID, input, suc.Provider, "generation_stream")
			return nil
		},
		OnFailure: func(ctx context.Context, fail *models.GenerationFailure) {
			s.guard.FinalizeFailure(ctx, attemptID, planID, fail.Classification, fail.DurationMs, fail.Err.Error())
			if err := s.plans.MarkPlanFailure(ctx, planID); err != nil {
				s.logger.Error("mark plan failure failed", "event", "plan_persist_error", "plan_id", planID, "error", err)
			}
		},
	})
}

type asyncRequest struct {
	Priority int `json:"priority" validate:"min=0,max=100"`
}

// handleGenerateAsync reserves an attempt and enqueues a generation job. The
// body is optional; it only carries a priority hint.
func (s *Server) handleGenerateAsync(w http.ResponseWriter, r *http.Request) {
	var req asyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.enqueueJob(w, r, models.JobTypeGeneration, models.PlanStatusPending, req.Priority, nil)
}

type regenerateRequest struct {
	Overrides map[string]json.RawMessage `json:"overrides"`
	Priority  int                        `json:"priority" validate:"min=0,max=100"`
}

// handleRegenerate reserves a retry attempt for a failed plan and enqueues a
// regeneration job carrying the caller's overrides.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.enqueueJob(w, r, models.JobTypeRegeneration, models.PlanStatusFailed, req.Priority, req.Overrides)
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request, jobType, requiredStatus string, priority int, overrides map[string]json.RawMessage) {
	userID := userFromRequest(r)
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	planID := chi.URLParam(r, "planID")

	since := time.Now().Add(-24 * time.Hour)
	count, err := s.jobs.CountUserJobsSince(r.Context(), userID, jobType, since)
	if err != nil {
		http.Error(w, "quota check failed", http.StatusInternalServerError)
		return
	}
	if count >= s.cfg.UserDailyJobQuota {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "daily job quota exceeded"})
		return
	}

	res, err := s.guard.Reserve(r.Context(), planID, userID, requiredStatus)
	if errors.Is(err, store.ErrPlanNotFound) {
		http.Error(w, "plan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("reservation failed", "event", "reserve_error", "plan_id", planID, "error", err)
		http.Error(w, "reservation failed", http.StatusInternalServerError)
		return
	}
	if !res.Reserved {
		s.writeRejection(w, res)
		return
	}

	var payload any
	if jobType == models.JobTypeRegeneration {
		payload = models.RegenerationPayload{
			PlanID:    planID,
			UserID:    userID,
			AttemptID: res.AttemptID,
			Overrides: overrides,
		}
	} else {
		payload = models.GenerationPayload{
			PlanID:        planID,
			UserID:        userID,
			AttemptID:     res.AttemptID,
			Topic:         res.Input.Topic,
			SkillLevel:    res.Input.SkillLevel,
			WeeklyHours:   res.Input.WeeklyHours,
			LearningStyle: res.Input.LearningStyle,
		}
	}

	job, err := s.jobs.Enqueue(r.Context(), store.EnqueueParams{
		Type:        jobType,
		PlanID:      &planID,
		UserID:      userID,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: s.cfg.MaxJobAttempts,
	})
	if err != nil {
		// The reservation already moved the plan to generating; roll that
		// back so the caller can try again.
		s.guard.FinalizeFailure(r.Context(), res.AttemptID, planID, models.ClassUnknown, 0, "enqueue failed: "+err.Error())
		if perr := s.plans.MarkPlanFailure(r.Context(), planID); perr != nil {
			s.logger.Error("rollback plan after enqueue failure failed", "event", "plan_persist_error", "plan_id", planID, "error", perr)
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePlanJobs(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	jobs, err := s.jobs.FindByPlan(r.Context(), planID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// submitSideEffects schedules enrichment and usage recording off the request
// path. Their failures are logged by the task set, never surfaced.
func (s *Server) submitSideEffects(userID string, input models.GenerationInput, meta models.ProviderMetadata, kind string) {
	s.tasks.Go("enrich_plan", func(ctx context.Context) error {
		return s.enricher.Enrich(ctx, input.PlanID, input.Topic, input.SkillLevel)
	})
	s.tasks.Go("record_usage", func(ctx context.Context) error {
		return s.usage.RecordUsage(ctx, store.UsageRecord{
			UserID:       userID,
			Provider:     meta.Provider,
			Model:        meta.Model,
			InputTokens:  meta.InputTokens,
			OutputTokens: meta.OutputTokens,
			CostCents:    meta.CostCents(),
			Kind:         kind,
		})
	})
}

func (s *Server) writeRejection(w http.ResponseWriter, res models.Reservation) {
	switch res.Reason {
	case models.ReasonRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       res.Reason,
			"retry_after": int(res.RetryAfter.Seconds()),
		})
	case models.ReasonCapped:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": res.Reason})
	case models.ReasonInProgress, models.ReasonInvalidStatus:
		writeJSON(w, http.StatusConflict, map[string]string{"error": res.Reason})
	default:
		writeJSON(w, http.StatusConflict, map[string]string{"error": res.Reason})
	}
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
