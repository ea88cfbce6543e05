package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/telemetry"
)

// Loop states.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Options tunes the loop.
type Options struct {
	PollInterval   time.Duration
	Concurrency    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StaleAfter is the claim visibility window: a job processing longer than
	// this with no persisted outcome is treated as abandoned by a dead worker.
	StaleAfter time.Duration
	// ReclaimEvery spaces out the reclaim sweeps.
	ReclaimEvery time.Duration
}

// Loop polls the job store, keeps a bounded set of jobs executing, and routes
// every outcome back to the store itself so persistence stays centralized.
type Loop struct {
	store    JobStore
	handlers map[string]Handler
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	state    string
	cancel   context.CancelFunc
	pollDone chan struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
	onStop   []func()
}

// New constructs an idle loop.
func New(st JobStore, opts Options, logger *slog.Logger) *Loop {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.ReclaimEvery == 0 {
		opts.ReclaimEvery = 30 * time.Second
	}
	return &Loop{
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
		opts:     opts,
		state:    StateIdle,
	}
}

// Register binds a handler to a job type. Call before Start.
func (l *Loop) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	l.handlers[jobType] = h
}

// OnStop registers a resource-release hook run after in-flight jobs drain.
func (l *Loop) OnStop(fn func()) {
	l.onStop = append(l.onStop, fn)
}

// State returns the current lifecycle state.
func (l *Loop) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start begins the poll loop. No-op unless the loop is idle.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.pollDone = make(chan struct{})
	l.sem = make(chan struct{}, l.opts.Concurrency)
	l.state = StateRunning

	types := make([]string, 0, len(l.handlers))
	for t := range l.handlers {
		types = append(types, t)
	}

	go l.poll(ctx, types)
	l.logger.Info("worker loop started", "event", "loop_started", "concurrency", l.opts.Concurrency, "types", types)
}

func (l *Loop) poll(ctx context.Context, types []string) {
	defer close(l.pollDone)

	var nextReclaim time.Time
	for {
		if now := time.Now(); !now.Before(nextReclaim) {
			l.reclaim(ctx)
			nextReclaim = now.Add(l.opts.ReclaimEvery)
		}

		// Acquiring the slot first means a full concurrency budget blocks the
		// poll until some in-flight job finishes.
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := l.store.ClaimNext(ctx, types)
		if err != nil {
			<-l.sem
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("claim poll failed", "event", "claim_error", "error", err)
			l.sleep(ctx)
			continue
		}
		if job == nil {
			<-l.sem
			l.sleep(ctx)
			continue
		}

		telemetry.JobsClaimed.Inc()
		telemetry.InFlightGauge.Inc()
		l.wg.Add(1)
		go func(job models.Job) {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			defer telemetry.InFlightGauge.Dec()
			l.dispatch(ctx, job)
		}(*job)
	}
}

// reclaim sweeps jobs abandoned by crashed workers back to pending so they are
// redelivered instead of stranded in processing.
func (l *Loop) reclaim(ctx context.Context) {
	n, err := l.store.ReclaimStale(ctx, l.opts.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("reclaim stale jobs failed", "event", "reclaim_error", "error", err)
		}
		return
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		l.logger.Warn("reclaimed stale jobs", "event", "jobs_reclaimed", "count", n, "stale_after", l.opts.StaleAfter.String())
	}
}

func (l *Loop) dispatch(ctx context.Context, job models.Job) {
	outcome := l.runHandler(ctx, job)

	// Outcome persistence must survive loop shutdown, otherwise a cancelled
	// context would strand the job in processing until redelivery.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if outcome.Err == nil {
		if _, err := l.store.Complete(persistCtx, job.ID, outcome.Result); err != nil {
			l.logger.Error("complete job failed", "event", "job_persist_error", "job_id", job.ID, "error", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		l.logger.Info("job completed", "event", "job_completed", "job_id", job.ID, "type", job.Type)
		return
	}

	retryable := outcome.Retryable
	opts := store.FailOpts{Retryable: &retryable}
	if retryable {
		opts.RetryAt = time.Now().Add(backoffWithJitter(l.opts.BackoffInitial, l.opts.BackoffMax, job.Attempts+1))
	}

	failed, err := l.store.Fail(persistCtx, job.ID, outcome.Err.Error(), opts)
	if err != nil {
		l.logger.Error("fail job failed", "event", "job_persist_error", "job_id", job.ID, "error", err)
		return
	}
	if failed.Status == models.StatusFailed {
		telemetry.JobsTerminal.Inc()
		l.logger.Warn("job failed permanently", "event", "job_failed", "job_id", job.ID,
			"type", job.Type, "classification", string(outcome.Classification), "attempts", failed.Attempts, "error", outcome.Err)
		return
	}
	telemetry.JobsRetried.Inc()
	l.logger.Info("job retry scheduled", "event", "job_retry_scheduled", "job_id", job.ID,
		"classification", string(outcome.Classification), "attempts", failed.Attempts, "next_run", failed.ScheduledFor.UTC().Format(time.RFC3339))
}

// runHandler dispatches to the matching handler. A panic is caught and
// counted as an unknown, conservatively retryable failure instead of
// crashing the loop.
func (l *Loop) runHandler(ctx context.Context, job models.Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked", "event", "handler_panic", "job_id", job.ID, "type", job.Type, "panic", r)
			outcome = Outcome{
				Err:            fmt.Errorf("handler panic: %v", r),
				Classification: models.ClassUnknown,
				Retryable:      true,
			}
		}
	}()

	h, ok := l.handlers[job.Type]
	if !ok {
		return Outcome{
			Err:            fmt.Errorf("no handler registered for type %q", job.Type),
			Classification: models.ClassValidation,
			Retryable:      false,
		}
	}
	return h.ProcessJob(ctx, job)
}

func (l *Loop) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.opts.PollInterval):
	}
}

// Stop cancels every in-flight handler, waits for them up to ctx's deadline,
// then releases resources. A timeout is reported but resources are released
// regardless since the process is expected to exit.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	cancel := l.cancel
	pollDone := l.pollDone
	l.mu.Unlock()

	cancel()
	<-pollDone

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		stopErr = fmt.Errorf("stop timed out waiting for in-flight jobs: %w", ctx.Err())
	}

	for _, fn := range l.onStop {
		fn()
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()

	l.logger.Info("worker loop stopped", "event", "loop_stopped", "timed_out", stopErr != nil)
	return stopErr
}
