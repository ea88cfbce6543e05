package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/config"
	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/stream"
	"github.com/saldanaj97/atlaris-sub003/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGuard struct {
	mu          sync.Mutex
	reservation models.Reservation
	reserveErr  error
	lastStatus  string
	successes   []string
	failures    []string
}

func (f *fakeGuard) Reserve(_ context.Context, planID, userID, requiredStatus string) (models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStatus = requiredStatus
	if f.reserveErr != nil {
		return models.Reservation{}, f.reserveErr
	}
	return f.reservation, nil
}

func (f *fakeGuard) FinalizeSuccess(_ context.Context, attemptID string, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, attemptID)
}

func (f *fakeGuard) FinalizeFailure(_ context.Context, attemptID, _ string, _ models.Classification, _ int64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, attemptID)
}

type fakeJobs struct {
	mu         sync.Mutex
	enqueued   []store.EnqueueParams
	enqueueErr error
	job        models.Job
	jobErr     error
	planJobs   []models.Job
	userCount  int
}

func (f *fakeJobs) Enqueue(_ context.Context, p store.EnqueueParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return models.Job{}, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, p)
	return models.Job{ID: "job-1", Type: p.Type, Status: models.StatusPending}, nil
}

func (f *fakeJobs) GetJob(_ context.Context, _ string) (models.Job, error) {
	if f.jobErr != nil {
		return models.Job{}, f.jobErr
	}
	return f.job, nil
}

func (f *fakeJobs) FindByPlan(_ context.Context, _ string) ([]models.Job, error) {
	return f.planJobs, nil
}

func (f *fakeJobs) CountUserJobsSince(_ context.Context, _, _ string, _ time.Time) (int, error) {
	return f.userCount, nil
}

type fakePlans struct {
	mu         sync.Mutex
	successErr error
	successIDs []string
	failedIDs  []string
}

func (f *fakePlans) MarkPlanSuccess(_ context.Context, planID string, _ []models.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successErr != nil {
		return f.successErr
	}
	f.successIDs = append(f.successIDs, planID)
	return nil
}

func (f *fakePlans) MarkPlanFailure(_ context.Context, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, planID)
	return nil
}

type fakeGenerator struct {
	result models.GenerationResult
}

func (f *fakeGenerator) Run(_ context.Context, _ models.GenerationInput, _ string) models.GenerationResult {
	return f.result
}

type noopEnricher struct{}

func (noopEnricher) Enrich(context.Context, string, string, string) error { return nil }

type noopUsage struct{}

func (noopUsage) RecordUsage(context.Context, store.UsageRecord) error { return nil }

type serverFixture struct {
	guard  *fakeGuard
	jobs   *fakeJobs
	plans  *fakePlans
	gen    *fakeGenerator
	tasks  *tasks.Set
	server *Server
}

func grantedReservation() models.Reservation {
	return models.Reservation{
		Reserved:  true,
		AttemptID: "attempt-1",
		PlanID:    "plan-1",
		Input: models.GenerationInput{
			PlanID: "plan-1", UserID: "user-1", Topic: "Go concurrency",
			SkillLevel: "intermediate", WeeklyHours: 6,
		},
	}
}

func newServerFixture() *serverFixture {
	fx := &serverFixture{
		guard: &fakeGuard{reservation: grantedReservation()},
		jobs:  &fakeJobs{},
		plans: &fakePlans{},
		gen:   &fakeGenerator{},
		tasks: tasks.NewSet(testLogger(), time.Second),
	}
	cfg := config.Config{
		MaxJobAttempts:    3,
		UserDailyJobQuota: 5,
		StreamTimeout:     time.Minute,
	}
	fx.server = New(cfg, fx.jobs, fx.plans, fx.guard, fx.gen, stream.New(testLogger()),
		noopEnricher{}, noopUsage{}, fx.tasks, testLogger())
	return fx
}

func (fx *serverFixture) do(method, path string, body []byte, user string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(w, req)
	return w
}

func TestGenerateRequiresUser(t *testing.T) {
	fx := newServerFixture()
	for _, path := range []string{
		"/v1/plans/plan-1/generate",
		"/v1/plans/plan-1/generate/async",
		"/v1/plans/plan-1/regenerate",
	} {
		if w := fx.do(http.MethodPost, path, nil, ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestGenerateAsyncEnqueuesJob(t *testing.T) {
	fx := newServerFixture()

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", nil, "user-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["job_id"] != "job-1" || resp["status"] != models.StatusPending {
		t.Fatalf("unexpected response %v", resp)
	}

	if fx.guard.lastStatus != models.PlanStatusPending {
		t.Fatalf("expected reservation against pending plans, got %s", fx.guard.lastStatus)
	}
	if len(fx.jobs.enqueued) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(fx.jobs.enqueued))
	}
	p := fx.jobs.enqueued[0]
	if p.Type != models.JobTypeGeneration || p.MaxAttempts != 3 {
		t.Fatalf("unexpected enqueue params %+v", p)
	}
	var payload models.GenerationPayload
	if err := json.Unmarshal(mustMarshal(t, p.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.AttemptID != "attempt-1" || payload.Topic != "Go concurrency" {
		t.Fatalf("payload missing reservation snapshot: %+v", payload)
	}
}

func TestGenerateAsyncCarriesPriority(t *testing.T) {
	fx := newServerFixture()

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", []byte(`{"priority": 7}`), "user-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if p := fx.jobs.enqueued[0]; p.Priority != 7 {
		t.Fatalf("expected priority carried to the job, got %+v", p)
	}
}

func TestGenerateAsyncRejectsInvalidPriority(t *testing.T) {
	fx := newServerFixture()

	if w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", []byte(`{"priority": 500}`), "user-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", []byte(`{nope`), "user-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
	if len(fx.jobs.enqueued) != 0 {
		t.Fatalf("invalid request must not enqueue")
	}
}

func TestGenerateAsyncQuotaExceeded(t *testing.T) {
	fx := newServerFixture()
	fx.jobs.userCount = 5

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", nil, "user-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if len(fx.jobs.enqueued) != 0 {
		t.Fatalf("quota rejection must not enqueue")
	}
}

func TestGenerateAsyncRejectionMapping(t *testing.T) {
	tests := []struct {
		reason     string
		retryAfter time.Duration
		wantCode   int
	}{
		{reason: models.ReasonRateLimited, retryAfter: 42 * time.Second, wantCode: http.StatusTooManyRequests},
		{reason: models.ReasonCapped, wantCode: http.StatusForbidden},
		{reason: models.ReasonInProgress, wantCode: http.StatusConflict},
		{reason: models.ReasonInvalidStatus, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			fx := newServerFixture()
			fx.guard.reservation = models.Reservation{Reason: tt.reason, RetryAfter: tt.retryAfter}

			w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", nil, "user-1")
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.reason == models.ReasonRateLimited && w.Header().Get("Retry-After") != "42" {
				t.Fatalf("expected Retry-After header, got %q", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGenerateAsyncUnknownPlan(t *testing.T) {
	fx := newServerFixture()
	fx.guard.reserveErr = store.ErrPlanNotFound

	if w := fx.do(http.MethodPost, "/v1/plans/nope/generate/async", nil, "user-1"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGenerateAsyncEnqueueFailureRollsBackReservation(t *testing.T) {
	fx := newServerFixture()
	fx.jobs.enqueueErr = errors.New("insert failed")

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate/async", nil, "user-1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(fx.guard.failures) != 1 {
		t.Fatalf("expected reservation rolled back, got %v", fx.guard.failures)
	}
	if len(fx.plans.failedIDs) != 1 {
		t.Fatalf("expected plan returned to failed, got %v", fx.plans.failedIDs)
	}
}

func TestRegenerateReservesFailedPlans(t *testing.T) {
	fx := newServerFixture()

	body := []byte(`{"overrides": {"topic": "Terraform"}}`)
	w := fx.do(http.MethodPost, "/v1/plans/plan-1/regenerate", body, "user-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if fx.guard.lastStatus != models.PlanStatusFailed {
		t.Fatalf("expected reservation against failed plans, got %s", fx.guard.lastStatus)
	}

	p := fx.jobs.enqueued[0]
	if p.Type != models.JobTypeRegeneration {
		t.Fatalf("expected regeneration job, got %s", p.Type)
	}
	var payload models.RegenerationPayload
	if err := json.Unmarshal(mustMarshal(t, p.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(payload.Overrides["topic"]) != `"Terraform"` {
		t.Fatalf("overrides not carried to payload: %+v", payload.Overrides)
	}
}

func TestRegenerateRejectsBadJSON(t *testing.T) {
	fx := newServerFixture()
	if w := fx.do(http.MethodPost, "/v1/plans/plan-1/regenerate", []byte(`{broken`), "user-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGenerateStreamEmitsSSE(t *testing.T) {
	fx := newServerFixture()
	fx.gen.result = models.GenerationResult{Success: &models.GenerationSuccess{
		AttemptID: "attempt-1",
		Modules: []models.Module{
			{Position: 1, Title: "Basics", Description: "d", EstimatedMinutes: 60},
			{Position: 2, Title: "Practice", Description: "d", EstimatedMinutes: 90},
		},
		DurationMs: 1500,
	}}

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate", nil, "user-1")
	fx.tasks.Wait()

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	body := w.Body.String()
	wantOrder := []string{
		"event: plan_start",
		"event: module_summary",
		"event: progress",
		"event: module_summary",
		"event: progress",
		"event: complete",
	}
	idx := 0
	for _, want := range wantOrder {
		at := strings.Index(body[idx:], want)
		if at < 0 {
			t.Fatalf("missing %q after offset %d in stream:\n%s", want, idx, body)
		}
		idx += at + len(want)
	}
	if strings.Count(body, "event: complete") != 1 {
		t.Fatalf("expected exactly one terminal event:\n%s", body)
	}

	if len(fx.plans.successIDs) != 1 || fx.plans.successIDs[0] != "plan-1" {
		t.Fatalf("expected plan persisted before terminal event, got %v", fx.plans.successIDs)
	}
	if len(fx.guard.successes) != 1 {
		t.Fatalf("expected attempt finalized, got %v", fx.guard.successes)
	}
}

func TestGenerateStreamFailureIsSanitized(t *testing.T) {
	fx := newServerFixture()
	fx.gen.result = models.GenerationResult{Failure: &models.GenerationFailure{
		Err:            errors.New("token sk-secret leaked upstream"),
		Classification: models.ClassProviderError,
	}}

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate", nil, "user-1")

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Fatalf("expected error event:\n%s", body)
	}
	if strings.Contains(body, "sk-secret") {
		t.Fatalf("raw provider error leaked into the stream:\n%s", body)
	}
	if len(fx.guard.failures) != 1 {
		t.Fatalf("expected attempt finalized as failed, got %v", fx.guard.failures)
	}
	if len(fx.plans.failedIDs) != 1 {
		t.Fatalf("expected plan marked failed, got %v", fx.plans.failedIDs)
	}
}

func TestGenerateStreamPersistFailureFinalizesAttempt(t *testing.T) {
	fx := newServerFixture()
	fx.plans.successErr = errors.New("db down")
	fx.gen.result = models.GenerationResult{Success: &models.GenerationSuccess{
		AttemptID:  "attempt-1",
		Modules:    []models.Module{{Position: 1, Title: "Basics", Description: "d", EstimatedMinutes: 60}},
		DurationMs: 900,
	}}

	w := fx.do(http.MethodPost, "/v1/plans/plan-1/generate", nil, "user-1")

	body := w.Body.String()
	if !strings.Contains(body, "event: error") || strings.Contains(body, "event: complete") {
		t.Fatalf("expected error terminal when persistence fails:\n%s", body)
	}
	if len(fx.guard.failures) != 1 || fx.guard.failures[0] != "attempt-1" {
		t.Fatalf("expected attempt finalized as failed, got %v", fx.guard.failures)
	}
	if len(fx.plans.failedIDs) != 1 || fx.plans.failedIDs[0] != "plan-1" {
		t.Fatalf("expected plan marked failed, got %v", fx.plans.failedIDs)
	}
}

func TestGetJob(t *testing.T) {
	fx := newServerFixture()
	fx.jobs.job = models.Job{ID: "job-9", Type: models.JobTypeGeneration, Status: models.StatusCompleted}

	w := fx.do(http.MethodGet, "/v1/jobs/job-9", nil, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var job models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != "job-9" || job.Status != models.StatusCompleted {
		t.Fatalf("unexpected job %+v", job)
	}

	fx.jobs.jobErr = store.ErrJobNotFound
	if w := fx.do(http.MethodGet, "/v1/jobs/nope", nil, "user-1"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPlanJobs(t *testing.T) {
	fx := newServerFixture()
	fx.jobs.planJobs = []models.Job{{ID: "job-2"}, {ID: "job-1"}}

	w := fx.do(http.MethodGet, "/v1/plans/plan-1/jobs", nil, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 2 || resp.Jobs[0].ID != "job-2" {
		t.Fatalf("unexpected jobs %+v", resp.Jobs)
	}
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture()
	if w := fx.do(http.MethodGet, "/healthz", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
