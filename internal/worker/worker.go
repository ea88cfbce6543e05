// Package worker drives the polling job loop and the per-type job handlers.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
)

// JobStore is the slice of the persistence layer the loop depends on.
type JobStore interface {
	ClaimNext(ctx context.Context, types []string) (*models.Job, error)
	Complete(ctx context.Context, jobID string, result any) (models.Job, error)
	Fail(ctx context.Context, jobID, errMsg string, opts store.FailOpts) (models.Job, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PlanStore is the plan persistence handlers transition after execution.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (models.Plan, error)
	MarkPlanSuccess(ctx context.Context, planID string, modules []models.Module) error
	MarkPlanFailure(ctx context.Context, planID string) error
}

// AttemptFinalizer closes out the attempt row opened at reservation time.
type AttemptFinalizer interface {
	FinalizeSuccess(ctx context.Context, attemptID string, durationMs int64)
	FinalizeFailure(ctx context.Context, attemptID, planID string, class models.Classification, durationMs int64, errMsg string)
}

// Enricher is the content-curation collaborator. Best-effort only.
type Enricher interface {
	Enrich(ctx context.Context, planID, topic, skillLevel string) error
}

// UsageRecorder records billable provider usage. Fire-and-forget.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, r store.UsageRecord) error
}

// Outcome is the result of processing one job. Err == nil means success.
type Outcome struct {
	Result         any
	Err            error
	Classification models.Classification
	Retryable      bool
}

// Handler processes one claimed job. Implementations classify every expected
// failure mode; only programming errors may escape as panics, which the loop
// catches.
type Handler interface {
	ProcessJob(ctx context.Context, job models.Job) Outcome
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
