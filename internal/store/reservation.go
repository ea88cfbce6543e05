package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/ratelimit"
	"github.com/saldanaj97/atlaris-sub003/internal/telemetry"
)

// Guard decides atomically whether a new generation attempt may start. The
// plan row lock plus the in-flight and cap checks live in one transaction, so
// two concurrent reservations for the same plan can never both succeed.
type Guard struct {
	store       *Store
	limiter     ratelimit.Limiter
	maxAttempts int
	logger      *slog.Logger
}

// NewGuard constructs a reservation guard.
func NewGuard(store *Store, limiter ratelimit.Limiter, maxAttempts int, logger *slog.Logger) *Guard {
	return &Guard{
		store:       store,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Reserve checks required status, in-flight attempts, the attempt cap, and
// the caller's rate limit, then inserts a processing attempt row and moves
// the plan to generating — all before the transaction commits. A rejection is
// not an error: the reservation carries the reason.
func (g *Guard) Reserve(ctx context.Context, planID, userID, requiredStatus string) (models.Reservation, error) {
	tx, err := g.store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		SELECT id, user_id, topic, skill_level, weekly_hours, learning_style, generation_status, modules, created_at, updated_at
		FROM plans WHERE id = $1 FOR UPDATE
	`, planID)
	plan, err := scanPlan(row)
	if errors.Is(err, ErrPlanNotFound) {
		return models.Reservation{}, ErrPlanNotFound
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("lock plan: %w", err)
	}

	if plan.GenerationStatus != requiredStatus {
		return models.Reservation{Reason: models.ReasonInvalidStatus, PlanID: planID}, nil
	}

	var inFlight bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM generation_attempts WHERE plan_id = $1 AND status = $2)
	`, planID, models.AttemptStatusProcessing).Scan(&inFlight)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("check in-flight attempts: %w", err)
	}
	if inFlight {
		return models.Reservation{Reason: models.ReasonInProgress, PlanID: planID}, nil
	}

	var attemptCount int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM generation_attempts WHERE plan_id = $1`, planID).Scan(&attemptCount)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("count attempts: %w", err)
	}
	if attemptCount >= g.maxAttempts {
		return models.Reservation{Reason: models.ReasonCapped, PlanID: planID}, nil
	}

	// The limiter lives in Redis, outside this transaction; the plan row lock
	// still serializes reservations per plan, so the window count is at worst
	// eventually consistent across instances.
	decision, err := g.limiter.CheckAndIncrement(ctx, userID)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		return models.Reservation{
			Reason:     models.ReasonRateLimited,
			PlanID:     planID,
			RetryAfter: decision.RetryAfter,
		}, nil
	}

	attemptID := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO generation_attempts (id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, attemptID, planID, models.AttemptStatusProcessing)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("insert attempt: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE plans SET generation_status = $2, updated_at = NOW() WHERE id = $1
	`, planID, models.PlanStatusGenerating)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("transition plan: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit: %w", err)
	}

	return models.Reservation{
		Reserved:  true,
		AttemptID: attemptID,
		PlanID:    planID,
		Input: models.GenerationInput{
			PlanID:        plan.ID,
			UserID:        plan.UserID,
			Topic:         plan.Topic,
			SkillLevel:    plan.SkillLevel,
			WeeklyHours:   plan.WeeklyHours,
			LearningStyle: plan.LearningStyle,
		},
	}, nil
}

// FinalizeSuccess marks the attempt succeeded. Best-effort: it runs on the
// success path after the plan is already persisted, so errors are logged
// rather than propagated.
func (g *Guard) FinalizeSuccess(ctx context.Context, attemptID string, durationMs int64) {
	_, err := g.store.pool.Exec(ctx, `
		UPDATE generation_attempts SET status = $2, duration_ms = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, attemptID, models.AttemptStatusSucceeded, durationMs, models.AttemptStatusProcessing)
	if err != nil {
		g.logger.Error("finalize attempt success failed", "event", "attempt_finalize_error", "attempt_id", attemptID, "error", err)
	}
}

// FinalizeFailure transitions the attempt to a terminal failed state with
// diagnostic fields. It runs in failure-cleanup paths where a secondary error
// would mask the original one, so it logs and swallows instead of returning.
func (g *Guard) FinalizeFailure(ctx context.Context, attemptID, planID string, class models.Classification, durationMs int64, errMsg string) {
	_, err := g.store.pool.Exec(ctx, `
		UPDATE generation_attempts SET status = $2, classification = $3, duration_ms = $4, error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, attemptID, models.AttemptStatusFailed, string(class), durationMs, errMsg, models.AttemptStatusProcessing)
	if err != nil {
		g.logger.Error("finalize attempt failure failed", "event", "attempt_finalize_error",
			"attempt_id", attemptID, "plan_id", planID, "classification", string(class), "error", err)
	}
}
