package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/saldanaj97/atlaris-sub003/internal/generate"
	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/tasks"
)

// finisher holds the collaborators both handlers use to persist an attempt's
// outcome: plan transition, attempt finalization, enrichment, and usage.
type finisher struct {
	plans    PlanStore
	attempts AttemptFinalizer
	enricher Enricher
	usage    UsageRecorder
	tasks    *tasks.Set
	logger   *slog.Logger
}

// finish turns a pipeline result into a job outcome and persists plan and
// attempt state. Plan and attempt rows only reach a terminal state when the
// job itself will not retry; a retryable failure leaves the plan generating
// and the attempt processing so concurrent reservations stay blocked.
func (f *finisher) finish(ctx context.Context, job models.Job, attemptID string, input models.GenerationInput, res models.GenerationResult, kind string) Outcome {
	if res.Failure != nil {
		fail := res.Failure
		terminal := !fail.Classification.Retryable() || job.Attempts+1 >= job.MaxAttempts
		if terminal {
			f.attempts.FinalizeFailure(ctx, attemptID, input.PlanID, fail.Classification, fail.DurationMs, fail.Err.Error())
			if err := f.plans.MarkPlanFailure(ctx, input.PlanID); err != nil && !errors.Is(err, store.ErrPlanNotFound) {
				f.logger.Error("mark plan failure failed", "event", "plan_persist_error", "plan_id", input.PlanID, "error", err)
			}
		}
		return Outcome{Err: fail.Err, Classification: fail.Classification, Retryable: !terminal}
	}

	s := res.Success

	// Enrichment is best-effort and must never fail the job.
	f.tasks.Go("enrich_plan", func(ctx context.Context) error {
		return f.enricher.Enrich(ctx, input.PlanID, input.Topic, input.SkillLevel)
	})

	if err := f.plans.MarkPlanSuccess(ctx, input.PlanID, s.Modules); err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			f.attempts.FinalizeFailure(ctx, attemptID, input.PlanID, models.ClassValidation, s.DurationMs, "plan no longer exists")
			return Outcome{Err: err, Classification: models.ClassValidation, Retryable: false}
		}
		return Outcome{Err: fmt.Errorf("persist plan: %w", err), Classification: models.ClassUnknown, Retryable: true}
	}
	f.attempts.FinalizeSuccess(ctx, attemptID, s.DurationMs)

	meta := s.Provider
	f.tasks.Go("record_usage", func(ctx context.Context) error {
		return f.usage.RecordUsage(ctx, store.UsageRecord{
			UserID:       input.UserID,
			Provider:     meta.Provider,
			Model:        meta.Model,
			InputTokens:  meta.InputTokens,
			OutputTokens: meta.OutputTokens,
			CostCents:    meta.CostCents(),
			Kind:         kind,
		})
	})

	return Outcome{Result: s}
}

// terminalValidation is the outcome for payloads that will never become valid
// on retry.
func terminalValidation(err error) Outcome {
	return Outcome{Err: err, Classification: models.ClassValidation, Retryable: false}
}

// GenerationHandler processes first-time plan generation jobs.
type GenerationHandler struct {
	pipeline *generate.Pipeline
	validate *validator.Validate
	finisher
}

// NewGenerationHandler wires a generation handler.
func NewGenerationHandler(pipeline *generate.Pipeline, plans PlanStore, attempts AttemptFinalizer, enricher Enricher, usage UsageRecorder, taskSet *tasks.Set, logger *slog.Logger) *GenerationHandler {
	return &GenerationHandler{
		pipeline: pipeline,
		validate: validator.New(),
		finisher: finisher{
			plans:    plans,
			attempts: attempts,
			enricher: enricher,
			usage:    usage,
			tasks:    taskSet,
			logger:   logger,
		},
	}
}

// ProcessJob validates the payload, runs the execution pipeline, and persists
// the outcome.
func (h *GenerationHandler) ProcessJob(ctx context.Context, job models.Job) Outcome {
	var p models.GenerationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return terminalValidation(fmt.Errorf("unmarshal generation payload: %w", err))
	}
	if err := h.validate.Struct(p); err != nil {
		return h.rejectPayload(ctx, p.AttemptID, p.PlanID, fmt.Errorf("invalid generation payload: %w", err))
	}

	input := models.GenerationInput{
		PlanID:        p.PlanID,
		UserID:        p.UserID,
		Topic:         p.Topic,
		SkillLevel:    p.SkillLevel,
		WeeklyHours:   p.WeeklyHours,
		LearningStyle: p.LearningStyle,
	}

	res := h.pipeline.Run(ctx, input, p.AttemptID)
	return h.finish(ctx, job, p.AttemptID, input, res, models.JobTypeGeneration)
}

// rejectPayload finalizes the attempt and plan when a payload is malformed
// but still identifies them; the rejection itself stays terminal either way.
func (f *finisher) rejectPayload(ctx context.Context, attemptID, planID string, err error) Outcome {
	if attemptID != "" && planID != "" {
		f.attempts.FinalizeFailure(ctx, attemptID, planID, models.ClassValidation, 0, err.Error())
		if perr := f.plans.MarkPlanFailure(ctx, planID); perr != nil && !errors.Is(perr, store.ErrPlanNotFound) {
			f.logger.Error("mark plan failure failed", "event", "plan_persist_error", "plan_id", planID, "error", perr)
		}
	}
	return terminalValidation(err)
}
