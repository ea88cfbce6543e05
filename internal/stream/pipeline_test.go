package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collectEvents() (*[]Event, EmitFunc) {
	events := &[]Event{}
	return events, func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		switch ev.Type {
		case EventComplete, EventError, EventCancelled:
			n++
		}
	}
	return n
}

func successResult(modules int) models.GenerationResult {
	ms := make([]models.Module, modules)
	for i := range ms {
		ms[i] = models.Module{Position: i + 1, Title: "Module", Description: "d", EstimatedMinutes: 60}
	}
	return models.GenerationResult{Success: &models.GenerationSuccess{
		AttemptID:  "attempt-1",
		Modules:    ms,
		DurationMs: 1234,
	}}
}

func failureResult(class models.Classification) models.GenerationResult {
	return models.GenerationResult{Failure: &models.GenerationFailure{
		Err:            errors.New("internal detail that must not leak"),
		Classification: class,
	}}
}

func TestRunSuccessEmitsOrderedSequence(t *testing.T) {
	events, emit := collectEvents()
	persisted := false

	New(testLogger()).Run(context.Background(), emit, func(ctx context.Context) models.GenerationResult {
		return successResult(3)
	}, Options{
		Timeout: time.Minute,
		OnSuccess: func(_ context.Context, s *models.GenerationSuccess) error {
			persisted = true
			return nil
		},
	})

	evs := *events
	if !persisted {
		t.Fatalf("expected success callback before terminal event")
	}
	want := []string{
		EventPlanStart,
		EventModuleSummary, EventProgress,
		EventModuleSummary, EventProgress,
		EventModuleSummary, EventProgress,
		EventComplete,
	}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(evs), evs)
	}
	for i, typ := range want {
		if evs[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, evs[i].Type)
		}
	}
	last := evs[len(evs)-1]
	if last.Complete == nil || last.Complete.ModuleCount != 3 || last.Complete.DurationMs != 1234 {
		t.Fatalf("unexpected complete payload %+v", last.Complete)
	}
	if evs[2].Progress == nil || evs[2].Progress.Current != 1 || evs[2].Progress.Total != 3 {
		t.Fatalf("unexpected first progress payload %+v", evs[2].Progress)
	}
	if terminalCount(evs) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminalCount(evs))
	}
}

func TestRunFailureEmitsSanitizedError(t *testing.T) {
	events, emit := collectEvents()
	finalized := false

	New(testLogger()).Run(context.Background(), emit, func(ctx context.Context) models.GenerationResult {
		return failureResult(models.ClassRateLimit)
	}, Options{
		Timeout: time.Minute,
		OnFailure: func(_ context.Context, f *models.GenerationFailure) {
			finalized = true
		},
	})

	evs := *events
	if !finalized {
		t.Fatalf("expected failure callback to run")
	}
	if len(evs) != 2 || evs[0].Type != EventPlanStart || evs[1].Type != EventError {
		t.Fatalf("unexpected sequence %+v", evs)
	}
	info := evs[1].Error
	if info == nil {
		t.Fatalf("error event missing payload")
	}
	if info.Code != "PROVIDER_RATE_LIMITED" || !info.Retryable {
		t.Fatalf("unexpected error payload %+v", info)
	}
	if info.Message == "internal detail that must not leak" {
		t.Fatalf("raw error text leaked to the stream")
	}
}

func TestRunCancelledRequestEmitsCancelled(t *testing.T) {
	events, emit := collectEvents()
	ctx, cancel := context.WithCancel(context.Background())
	finalized := false

	New(testLogger()).Run(ctx, emit, func(runCtx context.Context) models.GenerationResult {
		cancel()
		<-runCtx.Done()
		return failureResult(models.ClassTimeout)
	}, Options{
		Timeout: time.Minute,
		OnFailure: func(cleanupCtx context.Context, _ *models.GenerationFailure) {
			// Cleanup runs on a context detached from the cancelled request.
			if cleanupCtx.Err() != nil {
				t.Errorf("cleanup context already cancelled")
			}
			finalized = true
		},
	})

	evs := *events
	if !finalized {
		t.Fatalf("expected failure callback despite cancellation")
	}
	last := evs[len(evs)-1]
	if last.Type != EventCancelled {
		t.Fatalf("expected cancelled terminal, got %s", last.Type)
	}
	if terminalCount(evs) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminalCount(evs))
	}
}

func TestRunTimeoutEmitsCancelled(t *testing.T) {
	events, emit := collectEvents()

	New(testLogger()).Run(context.Background(), emit, func(runCtx context.Context) models.GenerationResult {
		<-runCtx.Done()
		return failureResult(models.ClassTimeout)
	}, Options{Timeout: 5 * time.Millisecond})

	evs := *events
	if evs[len(evs)-1].Type != EventCancelled {
		t.Fatalf("expected cancelled terminal after timeout, got %+v", evs)
	}
}

func TestRunPersistErrorTurnsSuccessIntoError(t *testing.T) {
	events, emit := collectEvents()
	var finalized *models.GenerationFailure

	New(testLogger()).Run(context.Background(), emit, func(ctx context.Context) models.GenerationResult {
		return successResult(2)
	}, Options{
		Timeout: time.Minute,
		OnSuccess: func(_ context.Context, _ *models.GenerationSuccess) error {
			return errors.New("db down")
		},
		OnFailure: func(_ context.Context, f *models.GenerationFailure) {
			if len(*events) > 1 {
				t.Errorf("failure cleanup must run before the terminal event")
			}
			finalized = f
		},
	})

	evs := *events
	// No module events may be emitted when the outcome was never persisted.
	if len(evs) != 2 || evs[1].Type != EventError {
		t.Fatalf("expected plan_start then error, got %+v", evs)
	}
	if evs[1].Error.Code != "INTERNAL_ERROR" {
		t.Fatalf("expected internal error code, got %+v", evs[1].Error)
	}
	// The attempt and plan must be finalized on this path too, or they would
	// stay processing/generating and block every later reservation.
	if finalized == nil {
		t.Fatalf("expected failure cleanup to run for the persist error")
	}
	if finalized.Classification != models.ClassUnknown {
		t.Fatalf("expected unknown classification, got %s", finalized.Classification)
	}
}

func TestRunStopsEmittingWhenCallerGone(t *testing.T) {
	var delivered []Event
	attempts := 0
	emit := func(ev Event) error {
		attempts++
		if attempts > 2 {
			return errors.New("write: broken pipe")
		}
		delivered = append(delivered, ev)
		return nil
	}

	finalized := false
	New(testLogger()).Run(context.Background(), emit, func(ctx context.Context) models.GenerationResult {
		return successResult(4)
	}, Options{
		Timeout: time.Minute,
		OnSuccess: func(_ context.Context, _ *models.GenerationSuccess) error {
			finalized = true
			return nil
		},
	})

	if !finalized {
		t.Fatalf("persistence must still run when the caller disconnects")
	}
	// Two deliveries succeeded, the third write failed, and nothing further
	// was attempted against the dead connection.
	if attempts != 3 {
		t.Fatalf("expected emission to stop after the failed write, got %d attempts", attempts)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(delivered))
	}
}
