package models

import (
	"encoding/json"
	"time"
)

// JobStatus values persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types dispatched by the worker loop.
const (
	JobTypeGeneration   = "generation"
	JobTypeRegeneration = "regeneration"
)

// Job is one unit of queued work. Terminal rows never change again.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	PlanID       *string         `json:"plan_id,omitempty"`
	UserID       string          `json:"user_id"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	LastError    *string         `json:"error,omitempty"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the job reached a state that will never change.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// GenerationPayload is the handler payload for first-time plan generation.
// It snapshots the request inputs so the job is self-contained.
type GenerationPayload struct {
	PlanID        string `json:"plan_id" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	AttemptID     string `json:"attempt_id" validate:"required"`
	Topic         string `json:"topic" validate:"required"`
	SkillLevel    string `json:"skill_level" validate:"required,oneof=beginner intermediate advanced"`
	WeeklyHours   int    `json:"weekly_hours" validate:"required,min=1,max=80"`
	LearningStyle string `json:"learning_style,omitempty"`
}

// RegenerationPayload carries caller overrides applied on top of the
// persisted plan. Overrides stay raw so an absent key (keep existing value)
// can be told apart from an explicit null (clear the value).
type RegenerationPayload struct {
	PlanID    string                     `json:"plan_id" validate:"required"`
	UserID    string                     `json:"user_id" validate:"required"`
	AttemptID string                     `json:"attempt_id" validate:"required"`
	Overrides map[string]json.RawMessage `json:"overrides,omitempty"`
}
