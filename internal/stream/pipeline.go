// Package stream forwards generation progress to a live caller as an ordered
// event sequence with exactly one terminal event.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/telemetry"
)

// EmitFunc delivers one event to the caller. An error means the caller is
// gone; the pipeline stops emitting but still runs cleanup.
type EmitFunc func(Event) error

// RunFunc executes the generation attempt under the merged cancellation
// context.
type RunFunc func(ctx context.Context) models.GenerationResult

// Options configures one pipeline run.
type Options struct {
	// Timeout is the server-imposed bound; merged with the request context it
	// forms the single cancellation signal passed to RunFunc.
	Timeout time.Duration
	// OnSuccess persists the successful outcome. It runs before the terminal
	// complete event so persisted and emitted state never disagree; an error
	// turns the run into a failure, finalized through OnFailure.
	OnSuccess func(ctx context.Context, s *models.GenerationSuccess) error
	// OnFailure finalizes attempt and plan state. It runs before the terminal
	// error or cancelled event, on a context detached from the cancellation.
	OnFailure func(ctx context.Context, f *models.GenerationFailure)
}

// Pipeline emits generation progress events.
type Pipeline struct {
	logger *slog.Logger
}

// New constructs a streaming pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{logger: logger}
}

// Run drives one synchronous generation. The caller disconnecting (requestCtx)
// and the server timeout are merged into one signal: either one cancels the
// generation, and the stream then terminates with cancelled rather than error.
func (p *Pipeline) Run(requestCtx context.Context, emit EmitFunc, run RunFunc, opts Options) {
	ctx, cancel := context.WithTimeout(requestCtx, opts.Timeout)
	defer cancel()

	telemetry.StreamsStarted.Inc()

	emitter := &onceTerminal{emit: emit, logger: p.logger}
	emitter.send(Event{Type: EventPlanStart})

	res := run(ctx)

	// Cleanup contexts are detached: a disconnected caller must not abort
	// attempt finalization or plan persistence.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cleanupCancel()

	if res.Success != nil {
		s := res.Success
		if opts.OnSuccess != nil {
			if err := opts.OnSuccess(cleanupCtx, s); err != nil {
				p.logger.Error("persist stream success failed", "event", "stream_persist_error", "attempt_id", s.AttemptID, "error", err)
				// The attempt and plan must not stay open: route the persist
				// error through the failure finalizer before terminating.
				if opts.OnFailure != nil {
					opts.OnFailure(cleanupCtx, &models.GenerationFailure{
						Err:            err,
						Classification: models.ClassUnknown,
						DurationMs:     s.DurationMs,
					})
				}
				emitter.terminal(Event{Type: EventError, Error: ptr(sanitize(models.ClassUnknown))})
				return
			}
		}

		total := len(s.Modules)
		for i := range s.Modules {
			emitter.send(Event{Type: EventModuleSummary, Module: &s.Modules[i]})
			emitter.send(Event{Type: EventProgress, Progress: &ProgressInfo{Current: i + 1, Total: total}})
		}
		emitter.terminal(Event{Type: EventComplete, Complete: &CompleteInfo{ModuleCount: total, DurationMs: s.DurationMs}})
		return
	}

	fail := res.Failure
	if opts.OnFailure != nil {
		opts.OnFailure(cleanupCtx, fail)
	}

	if ctx.Err() != nil {
		// The merged signal fired: this is a cancellation, not a content
		// failure, and gets no retryable classification.
		telemetry.StreamsCancelled.Inc()
		emitter.terminal(Event{Type: EventCancelled})
		return
	}

	emitter.terminal(Event{Type: EventError, Error: ptr(sanitize(fail.Classification))})
}

// onceTerminal enforces the exactly-one-terminal-event guarantee and stops
// all emission after the caller goes away.
type onceTerminal struct {
	emit     EmitFunc
	logger   *slog.Logger
	closed   bool
	finished bool
}

func (o *onceTerminal) send(ev Event) {
	if o.closed || o.finished {
		return
	}
	if err := o.emit(ev); err != nil {
		o.logger.Warn("stream emit failed, caller gone", "event", "stream_emit_error", "error", err)
		o.closed = true
	}
}

func (o *onceTerminal) terminal(ev Event) {
	if o.finished {
		return
	}
	o.send(ev)
	o.finished = true
}

func ptr[T any](v T) *T { return &v }
