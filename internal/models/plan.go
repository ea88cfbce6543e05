package models

import "time"

// Plan generation statuses.
const (
	PlanStatusPending    = "pending"
	PlanStatusGenerating = "generating"
	PlanStatusReady      = "ready"
	PlanStatusFailed     = "failed"
)

// Plan is the persisted learning plan a generation attempt targets.
type Plan struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Topic            string    `json:"topic"`
	SkillLevel       string    `json:"skill_level"`
	WeeklyHours      int       `json:"weekly_hours"`
	LearningStyle    string    `json:"learning_style,omitempty"`
	GenerationStatus string    `json:"generation_status"`
	Modules          []Module  `json:"modules,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Module is one unit of a generated plan.
type Module struct {
	Position         int    `json:"position"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// Attempt statuses. An attempt starts processing at reservation time and is
// finalized exactly once.
const (
	AttemptStatusProcessing = "processing"
	AttemptStatusSucceeded  = "succeeded"
	AttemptStatusFailed     = "failed"
)

// GenerationInput is the snapshot the execution pipeline runs against.
type GenerationInput struct {
	PlanID        string `json:"plan_id"`
	UserID        string `json:"user_id"`
	Topic         string `json:"topic"`
	SkillLevel    string `json:"skill_level"`
	WeeklyHours   int    `json:"weekly_hours"`
	LearningStyle string `json:"learning_style,omitempty"`
}

// Reservation rejection reasons.
const (
	ReasonCapped        = "capped"
	ReasonRateLimited   = "rate_limited"
	ReasonInvalidStatus = "invalid_status"
	ReasonInProgress    = "in_progress"
)

// Reservation is the outcome of the attempt reservation guard.
type Reservation struct {
	Reserved   bool
	AttemptID  string
	PlanID     string
	Input      GenerationInput
	Reason     string
	RetryAfter time.Duration
}
