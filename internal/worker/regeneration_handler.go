package worker

import (
	"bytes"
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

// RegenerationHandler reruns generation for a failed plan, applying caller
// overrides on top of the persisted plan state.
type RegenerationHandler struct {
	pipeline *generate.Pipeline
	validate *validator.Validate
	finisher
}

// NewRegenerationHandler wires a regeneration handler.
func NewRegenerationHandler(pipeline *generate.Pipeline, plans PlanStore, attempts AttemptFinalizer, enricher Enricher, usage UsageRecorder, taskSet *tasks.Set, logger *slog.Logger) *RegenerationHandler {
	return &RegenerationHandler{
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

// ProcessJob loads the current plan, merges overrides, and reruns generation.
func (h *RegenerationHandler) ProcessJob(ctx context.Context, job models.Job) Outcome {
	var p models.RegenerationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return terminalValidation(fmt.Errorf("unmarshal regeneration payload: %w", err))
	}
	if err := h.validate.Struct(p); err != nil {
		return h.rejectPayload(ctx, p.AttemptID, p.PlanID, fmt.Errorf("invalid regeneration payload: %w", err))
	}

	plan, err := h.plans.GetPlan(ctx, p.PlanID)
	if errors.Is(err, store.ErrPlanNotFound) {
		return h.rejectPayload(ctx, p.AttemptID, p.PlanID, fmt.Errorf("plan %s no longer exists", p.PlanID))
	}
	if err != nil {
		return Outcome{Err: fmt.Errorf("load plan: %w", err), Classification: models.ClassUnknown, Retryable: true}
	}

	input, err := mergeOverrides(plan, p.Overrides)
	if err != nil {
		return h.rejectPayload(ctx, p.AttemptID, p.PlanID, err)
	}

	res := h.pipeline.Run(ctx, input, p.AttemptID)
	return h.finish(ctx, job, p.AttemptID, input, res, models.JobTypeRegeneration)
}

// mergeOverrides applies caller-supplied field overrides onto the persisted
// plan. An absent key keeps the existing value; an explicit JSON null clears
// it. Only optional fields may be cleared.
func mergeOverrides(plan models.Plan, overrides map[string]json.RawMessage) (models.GenerationInput, error) {
	input := models.GenerationInput{
		PlanID:        plan.ID,
		UserID:        plan.UserID,
		Topic:         plan.Topic,
		SkillLevel:    plan.SkillLevel,
		WeeklyHours:   plan.WeeklyHours,
		LearningStyle: plan.LearningStyle,
	}

	for key, raw := range overrides {
		if isJSONNull(raw) {
			switch key {
			case "learning_style":
				input.LearningStyle = ""
			case "topic", "skill_level", "weekly_hours":
				return models.GenerationInput{}, fmt.Errorf("override %q cannot be cleared", key)
			default:
				return models.GenerationInput{}, fmt.Errorf("unknown override field %q", key)
			}
			continue
		}

		switch key {
		case "topic":
			if err := json.Unmarshal(raw, &input.Topic); err != nil {
				return models.GenerationInput{}, fmt.Errorf("override topic: %w", err)
			}
		case "skill_level":
			if err := json.Unmarshal(raw, &input.SkillLevel); err != nil {
				return models.GenerationInput{}, fmt.Errorf("override skill_level: %w", err)
			}
		case "weekly_hours":
			if err := json.Unmarshal(raw, &input.WeeklyHours); err != nil {
				return models.GenerationInput{}, fmt.Errorf("override weekly_hours: %w", err)
			}
		case "learning_style":
			if err := json.Unmarshal(raw, &input.LearningStyle); err != nil {
				return models.GenerationInput{}, fmt.Errorf("override learning_style: %w", err)
			}
		default:
			return models.GenerationInput{}, fmt.Errorf("unknown override field %q", key)
		}
	}

	if input.Topic == "" {
		return models.GenerationInput{}, errors.New("merged input has an empty topic")
	}
	switch input.SkillLevel {
	case "beginner", "intermediate", "advanced":
	default:
		return models.GenerationInput{}, fmt.Errorf("merged input has invalid skill level %q", input.SkillLevel)
	}
	if input.WeeklyHours < 1 || input.WeeklyHours > 80 {
		return models.GenerationInput{}, fmt.Errorf("merged input has invalid weekly hours %d", input.WeeklyHours)
	}

	return input, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
