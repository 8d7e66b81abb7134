// Package scheduler implements the Scheduler: the only component
// that ever invokes the Job Processor, and, apart from the Job API's
// CancelJob (which writes CANCELLED onto a live entry), the only component
// that writes a cache entry once a job has left PENDING. Each tick is a
// cache-agnostic QueryState scan fanned out to a bounded goroutine pool,
// with every per-job write guarded by an optimistic-concurrency ticket.
package scheduler

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/executor"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/observability"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
	"github.com/tracdap/orchestrator-core/internal/platform/ctxutil"
	"github.com/tracdap/orchestrator-core/internal/platform/logger"
	"github.com/tracdap/orchestrator-core/internal/processor"
)

// Config holds the scheduler's operational tunables; every field has a
// production default applied by NewScheduler when zero.
type Config struct {
	// PollInterval gates how often a SUBMITTED/RUNNING job may be polled
	// again; jobs in other statuses are never gated.
	PollInterval time.Duration
	// LeaseDuration is how long a Scheduler tick holds a job's lease while
	// it writes back a transition.
	LeaseDuration time.Duration
	// Concurrency caps how many jobs a single Tick advances at once.
	Concurrency int
	// MaxAttempts caps the retryable step failures (apierr.Retryable) a job
	// accumulates before the Scheduler gives up and marks it FAILED. The
	// count is Job.Attempts, which a successful step does not reset.
	MaxAttempts int
	// RetryBackoff is the minimum time a job must sit since LastErrorAt
	// before the Scheduler will attempt it again.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

// Scheduler is the tick-driven driver of the state machine: each Tick scans
// the cache for WorkPending entries and advances as many as Config.Concurrency
// allows in parallel, each under its own lease.
type Scheduler struct {
	Cache     cache.Cache
	Executors *executor.Registry
	Processor processor.Deps
	Clock     cache.Clock
	Log       *logger.Logger
	Config    Config
	// Metrics is optional; a nil Metrics (the default when METRICS_ENABLED
	// is unset) makes every Observe*/Inc* call below a no-op.
	Metrics *observability.Metrics
}

// NewScheduler applies Config defaults and a SystemClock/no-op logger if
// unset, so a zero-value Log/Clock field never panics callers.
func NewScheduler(c cache.Cache, execs *executor.Registry, procDeps processor.Deps, clk cache.Clock, log *logger.Logger, cfg Config) *Scheduler {
	if clk == nil {
		clk = cache.SystemClock
	}
	return &Scheduler{
		Cache:     c,
		Executors: execs,
		Processor: procDeps,
		Clock:     clk,
		Log:       log,
		Config:    cfg.withDefaults(),
	}
}

// Tick performs one scheduling pass: query every WorkPending entry, then
// advance up to Config.Concurrency of them concurrently. A per-job failure
// never aborts the pass; it is logged and the job is left for the next Tick
// unless it has exhausted MaxAttempts.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.Clock.Now()
	entries, err := s.Cache.QueryState(ctx, domain.WorkPending)
	if err != nil {
		s.Metrics.ObserveTick(s.Clock.Now().Sub(start), 0, true)
		return apierr.Map("scheduler.Tick", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.Concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			jctx := ctxutil.WithTraceData(gctx, &ctxutil.TraceData{
				TraceID:   entry.Key,
				RequestID: fmt.Sprintf("rev-%d", entry.Revision),
			})
			// A panic advancing one job must not take down the whole tick
			// or the other in-flight goroutines.
			defer func() {
				if r := recover(); r != nil {
					s.logf(jctx, "panic advancing job", "jobKey", entry.Key, "panic", r)
				}
			}()
			if err := s.handle(jctx, entry); err != nil {
				s.logf(jctx, "job transition failed", "jobKey", entry.Key, "error", err)
			}
			return nil
		})
	}
	err = g.Wait()
	s.Metrics.ObserveTick(s.Clock.Now().Sub(start), len(entries), err != nil)
	return err
}

// Run ticks every Config.PollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logf(ctx, "tick failed", "error", err)
			}
		}
	}
}

// handle advances a single cache entry by one processor.Step, following a
// claim/act/commit sequence: open a ticket first (claiming the entry at
// the revision observed by the QueryState
// scan, so a concurrent scheduler instance racing the same entry backs off
// immediately), release it before making the external call so the call
// itself never runs "inside" a lease, then reopen a ticket at
// the same revision to commit whatever the call produced. A SUPERSEDED or
// LEASE_CONFLICT on either open means another tick already claimed or
// advanced this job: the freshly computed result is discarded silently,
// never written.
func (s *Scheduler) handle(ctx context.Context, entry domain.CacheEntry) error {
	if entry.Corrupted {
		return s.handleCorrupted(ctx, entry)
	}

	job := entry.Value
	if !s.shouldAct(job) {
		return nil
	}

	claim, err := s.Cache.OpenTicket(ctx, entry.Key, entry.Revision, s.Config.LeaseDuration)
	if err != nil {
		if apierr.Is(err, apierr.KindSuperseded) || apierr.Is(err, apierr.KindLeaseConflict) {
			s.Metrics.IncLeaseConflict()
			return nil
		}
		return apierr.Map("scheduler.handle.claim", err)
	}
	_ = s.Cache.CloseTicket(ctx, claim)

	preStatus := job.StatusCode
	stepStart := s.Clock.Now()
	next, stepErr := processor.Step(ctx, s.Processor, job)
	s.Metrics.ObserveStep(string(job.JobType), next.StatusCode, s.Clock.Now().Sub(stepStart), string(apierr.KindOf(stepErr)))

	ticket, err := s.Cache.OpenTicket(ctx, entry.Key, entry.Revision, s.Config.LeaseDuration)
	if err != nil {
		if apierr.Is(err, apierr.KindSuperseded) || apierr.Is(err, apierr.KindLeaseConflict) {
			s.Metrics.IncLeaseConflict()
			return nil
		}
		return apierr.Map("scheduler.handle.OpenTicket", err)
	}
	defer func() { _ = s.Cache.CloseTicket(ctx, ticket) }()

	if stepErr != nil {
		// next, not the scanned job: a failed finalize still carries the
		// output IDs ProcessResult preallocated, and they must survive into
		// the retried entry so the next attempt creates the same objects.
		return s.handleStepError(ctx, ticket, next, stepErr)
	}

	if preStatus.Terminal() {
		// The step that just ran was finalize/cancelThenFinalize on an
		// already-terminal job: the entry's work is done and the batch
		// resources can be released.
		if adapter, aerr := s.Processor.Executors.Get(next.ExecutorProtocol); aerr == nil && len(next.ExecutorState) > 0 {
			if derr := adapter.DeleteBatch(ctx, next.ExecutorState); derr != nil {
				s.logf(ctx, "deleteBatch failed", "jobKey", entry.Key, "error", derr)
			}
		}
		return s.Cache.RemoveEntry(ctx, ticket)
	}

	_, err = s.Cache.UpdateEntry(ctx, ticket, next.StatusCode, next)
	if err != nil {
		return apierr.Map("scheduler.handle.UpdateEntry", err)
	}
	if next.StatusCode != preStatus {
		s.Metrics.ObserveTransition(preStatus, next.StatusCode)
	}
	return nil
}

// shouldAct applies the poll-interval gate: a
// SUBMITTED/RUNNING job is skipped if it was polled more recently than
// Config.PollInterval. Every other status is actioned unless the job is
// still waiting out Config.RetryBackoff after a failed step.
func (s *Scheduler) shouldAct(job domain.Job) bool {
	// A job that just failed a retryable step waits out RetryBackoff before
	// the next attempt, regardless of status.
	if job.Attempts > 0 && job.LastErrorAt != nil {
		if s.Clock.Now().Sub(*job.LastErrorAt) < s.Config.RetryBackoff {
			return false
		}
	}
	if job.StatusCode != domain.StatusSubmitted && job.StatusCode != domain.StatusRunning {
		return true
	}
	if job.LastPollAt == nil {
		return true
	}
	return s.Clock.Now().Sub(*job.LastPollAt) >= s.Config.PollInterval
}

// handleCorrupted finalizes an entry whose stored value could not be
// deserialized: its status is FAILED, the preserved original bytes go to
// the error log for diagnostics, the failure is recorded against the
// metadata store where the job is still known there, and only then is the
// entry removed. A transient recording failure leaves the entry for the
// next tick, like any other terminal job. The synthetic job carries no
// tenant (the cache schema does not store one outside the value blob), so
// NOT_FOUND from recording is expected and does not block removal.
func (s *Scheduler) handleCorrupted(ctx context.Context, entry domain.CacheEntry) error {
	ticket, err := s.Cache.OpenTicket(ctx, entry.Key, entry.Revision, s.Config.LeaseDuration)
	if err != nil {
		if apierr.Is(err, apierr.KindSuperseded) || apierr.Is(err, apierr.KindLeaseConflict) {
			s.Metrics.IncLeaseConflict()
			return nil
		}
		return apierr.Map("scheduler.handleCorrupted.claim", err)
	}
	defer func() { _ = s.Cache.CloseTicket(ctx, ticket) }()

	if s.Log != nil {
		s.Log.WithCtx(ctx).Error("removing corrupted cache entry",
			"jobKey", entry.Key,
			"revision", entry.Revision,
			"statusMessage", entry.Value.StatusMessage,
			"originalValue", base64.StdEncoding.EncodeToString(entry.RawValue))
	}

	if _, rerr := lifecycle.RecordResult(ctx, s.Processor.Lifecycle, entry.Value); rerr != nil && !apierr.Is(rerr, apierr.KindNotFound) {
		return apierr.Map("scheduler.handleCorrupted.record", rerr)
	}
	s.Metrics.ObserveTransition(entry.Status, domain.StatusFailed)
	return s.Cache.RemoveEntry(ctx, ticket)
}

// handleStepError classifies a processor.Step failure: TRANSIENT_IO bumps
// the job's attempt counter and leaves it for the next tick, up to
// Config.MaxAttempts, after which the job is marked FAILED and finalized on
// the following tick like any other terminal job.
// Any non-retryable error fails the job immediately.
func (s *Scheduler) handleStepError(ctx context.Context, ticket domain.Ticket, job domain.Job, stepErr error) error {
	now := s.Clock.Now()
	out := job.Clone()
	out.Attempts++
	out.LastErrorAt = &now

	if apierr.Retryable(stepErr) && out.Attempts < s.Config.MaxAttempts {
		out.StatusMessage = stepErr.Error()
		s.Metrics.IncRetryAttempt()
		_, err := s.Cache.UpdateEntry(ctx, ticket, out.StatusCode, out)
		return apierr.Map("scheduler.handleStepError.retry", err)
	}

	s.Metrics.ObserveTransition(out.StatusCode, domain.StatusFailed)
	out.StatusCode = domain.StatusFailed
	out.StatusMessage = fmt.Sprintf("transition failed after %d attempt(s): %s", out.Attempts, stepErr.Error())
	_, err := s.Cache.UpdateEntry(ctx, ticket, out.StatusCode, out)
	return apierr.Map("scheduler.handleStepError.fail", err)
}

func (s *Scheduler) logf(ctx context.Context, msg string, kv ...interface{}) {
	if s.Log == nil {
		return
	}
	s.Log.WithCtx(ctx).Warn(msg, kv...)
}
