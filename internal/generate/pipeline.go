// Package generate runs one generation attempt end to end: provider call,
// output parsing, and failure classification.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/provider"
)

// ProviderName identifies the upstream in usage records.
const ProviderName = "openai"

// Provider is the external AI collaborator. It must honor ctx cancellation.
type Provider interface {
	Complete(ctx context.Context, system, user string) (*provider.Completion, error)
}

// Pipeline invokes the provider and turns the outcome into a tagged result.
type Pipeline struct {
	provider Provider
	logger   *slog.Logger
}

// New constructs a pipeline around a provider.
func New(p Provider, logger *slog.Logger) *Pipeline {
	return &Pipeline{provider: p, logger: logger}
}

// Run executes one attempt. It never panics for expected failure modes; every
// failure comes back classified in the result.
func (p *Pipeline) Run(ctx context.Context, input models.GenerationInput, attemptID string) models.GenerationResult {
	start := time.Now()

	system := buildSystemPrompt()
	user := buildUserPrompt(input)

	comp, err := p.provider.Complete(ctx, system, user)
	if err != nil {
		return models.GenerationResult{Failure: p.classifyCallFailure(ctx, err, start)}
	}

	meta := models.ProviderMetadata{
		Provider:     ProviderName,
		Model:        comp.Model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
	}

	modules, err := parseModules(comp.Content)
	if err != nil {
		// The provider call succeeded but produced unusable output. Retrying
		// with the same prompt is not expected to help.
		p.logger.Warn("generation output failed validation", "event", "output_invalid", "plan_id", input.PlanID, "error", err)
		return models.GenerationResult{Failure: &models.GenerationFailure{
			Err:            err,
			Classification: models.ClassValidation,
			DurationMs:     time.Since(start).Milliseconds(),
			Provider:       meta,
		}}
	}

	return models.GenerationResult{Success: &models.GenerationSuccess{
		AttemptID:  attemptID,
		Modules:    modules,
		DurationMs: time.Since(start).Milliseconds(),
		Provider:   meta,
	}}
}

func (p *Pipeline) classifyCallFailure(ctx context.Context, err error, start time.Time) *models.GenerationFailure {
	failure := &models.GenerationFailure{
		Err:        err,
		DurationMs: time.Since(start).Milliseconds(),
		Provider:   models.ProviderMetadata{Provider: ProviderName},
	}

	var perr *provider.Error
	switch {
	case errors.As(err, &perr):
		failure.Classification = perr.Classification
	case ctx.Err() != nil:
		failure.Classification = models.ClassTimeout
	default:
		failure.Classification = models.ClassProviderError
	}
	return failure
}

func buildSystemPrompt() string {
	return `You are an expert curriculum designer.
Your task is to produce a structured, multi-step learning plan for the requested topic.
Always output your response as valid JSON in the exact format requested.
Do not include any text outside the JSON structure.`
}

func buildUserPrompt(input models.GenerationInput) string {
	style := input.LearningStyle
	if style == "" {
		style = "mixed"
	}

	return fmt.Sprintf(`Create a learning plan for the topic %q.
Learner skill level: %s
Available time: %d hours per week
Preferred learning style: %s

Produce 4-8 ordered modules. Each module needs a title, a one-paragraph
description, and an estimated_minutes budget that fits the weekly hours.

Output as JSON: {"modules": [{"title": "...", "description": "...", "estimated_minutes": 120}, ...]}`,
		input.Topic, input.SkillLevel, input.WeeklyHours, style)
}

func parseModules(content string) ([]models.Module, error) {
	content = extractJSON(content)

	var result struct {
		Modules []models.Module `json:"modules"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON in generation output: %w", err)
	}
	if len(result.Modules) == 0 {
		return nil, errors.New("no modules in generation output")
	}

	for i := range result.Modules {
		m := &result.Modules[i]
		if strings.TrimSpace(m.Title) == "" {
			return nil, fmt.Errorf("module %d has an empty title", i+1)
		}
		if m.EstimatedMinutes <= 0 {
			return nil, fmt.Errorf("module %d has a non-positive time estimate", i+1)
		}
		m.Position = i + 1
	}

	return result.Modules, nil
}

// extractJSON pulls the JSON object out of a response that may be wrapped in
// markdown fences or prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
