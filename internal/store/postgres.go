// Package store is the single source of truth for job, plan, and attempt
// state. All mutation goes through its atomic operations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
)

// ErrPlanNotFound is returned when an operation references a plan that no
// longer exists. Handlers treat it as a terminal validation failure.
var ErrPlanNotFound = errors.New("plan not found")

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (models.Plan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, topic, skill_level, weekly_hours, learning_style, generation_status, modules, created_at, updated_at
		FROM plans WHERE id = $1
	`, id)
	return scanPlan(row)
}

// MarkPlanSuccess stores the generated modules and moves the plan to ready.
func (s *Store) MarkPlanSuccess(ctx context.Context, planID string, modules []models.Module) error {
	modulesJSON, err := json.Marshal(modules)
	if err != nil {
		return fmt.Errorf("marshal modules: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE plans SET generation_status = $2, modules = $3, updated_at = NOW() WHERE id = $1
	`, planID, models.PlanStatusReady, modulesJSON)
	if err != nil {
		return fmt.Errorf("mark plan success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// MarkPlanFailure moves the plan to failed so the caller may retry.
func (s *Store) MarkPlanFailure(ctx context.Context, planID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plans SET generation_status = $2, updated_at = NOW() WHERE id = $1
	`, planID, models.PlanStatusFailed)
	if err != nil {
		return fmt.Errorf("mark plan failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// UsageRecord is one billing-relevant provider interaction.
type UsageRecord struct {
	UserID       string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostCents    int
	Kind         string
}

// RecordUsage appends a usage row. Callers treat this as fire-and-forget.
func (s *Store) RecordUsage(ctx context.Context, r UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (user_id, provider, model, input_tokens, output_tokens, cost_cents, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, r.UserID, r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostCents, r.Kind)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (models.Plan, error) {
	var plan models.Plan
	var style pgtype.Text
	var modulesJSON []byte

	err := row.Scan(&plan.ID, &plan.UserID, &plan.Topic, &plan.SkillLevel, &plan.WeeklyHours,
		&style, &plan.GenerationStatus, &modulesJSON, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Plan{}, ErrPlanNotFound
	}
	if err != nil {
		return models.Plan{}, fmt.Errorf("scan plan: %w", err)
	}

	if style.Valid {
		plan.LearningStyle = style.String
	}
	if len(modulesJSON) > 0 {
		if err := json.Unmarshal(modulesJSON, &plan.Modules); err != nil {
			return models.Plan{}, fmt.Errorf("unmarshal plan modules: %w", err)
		}
	}
	return plan, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
