// Package processor implements the Job Processor state machine: one
// state-transition function per lifecycle stage. Each function is
// a plain `step(job) -> job'` call the Scheduler invokes outside any cache
// lease; the Scheduler alone is responsible for acquiring the lease the
// resulting mutation is written under. Steps do the external call and
// report a plain result, leaving retry classification to apierr kinds.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/executor"
	"github.com/tracdap/orchestrator-core/internal/group"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// Deps bundles the collaborators a processor Step needs: the executor
// registry (to resolve a job's adapter by protocol), the lifecycle
// dependencies (to finalize results into the metadata store), and the
// cache a JOB_GROUP job's children are submitted into and polled through.
type Deps struct {
	Executors         *executor.Registry
	Lifecycle         lifecycle.Deps
	Cache             cache.Cache
	Clock             cache.Clock
	LeaseDuration     time.Duration
	OperationDeadline time.Duration // default 30s
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

func (d Deps) groupDeps() group.Deps {
	return group.Deps{Cache: d.Cache, Lifecycle: d.Lifecycle, LeaseDuration: d.LeaseDuration}
}

func (d Deps) deadline() time.Duration {
	if d.OperationDeadline <= 0 {
		return executor.DefaultOperationTimeout
	}
	return d.OperationDeadline
}

func (d Deps) adapterFor(job domain.Job) (executor.Adapter, error) {
	return d.Executors.Get(job.ExecutorProtocol)
}

// Step performs the external action appropriate to job.StatusCode and
// returns the job mutation the Scheduler should persist. Every suspension
// point it reaches is bounded by Deps.OperationDeadline.
func Step(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, deps.deadline())
	defer cancel()

	if job.JobType == domain.JobTypeJobGroup {
		return groupStep(ctx, deps, job)
	}

	switch job.StatusCode {
	case domain.StatusQueued:
		return submit(ctx, deps, job)
	case domain.StatusSubmitted, domain.StatusRunning:
		return poll(ctx, deps, job)
	case domain.StatusFinishing:
		return fetchResult(ctx, deps, job)
	case domain.StatusSucceeded, domain.StatusFailed:
		return finalize(ctx, deps, job)
	case domain.StatusCancelled:
		return cancelThenFinalize(ctx, deps, job)
	default:
		return job, apierr.Internal("processor.Step", fmt.Errorf("no transition defined for status %s", job.StatusCode))
	}
}

// groupStep implements the JOB_GROUP variant of the state machine:
// QUEUED submits every child independently and moves straight to RUNNING
// (a group never has an executor batch of its own, so it skips SUBMITTED
// entirely); RUNNING polls each child's current status and derives the
// parent's from them with group.DeriveStatus: one FAILED child fails the
// group and, absent a failure, one CANCELLED child cancels it, even while
// other children are still running; otherwise the group stays RUNNING until
// every child has SUCCEEDED.
// SUCCEEDED/FAILED/CANCELLED finalize exactly like any other job type.
func groupStep(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	switch job.StatusCode {
	case domain.StatusQueued:
		out := job.Clone()
		children, err := group.SubmitChildren(ctx, deps.groupDeps(), out)
		if err != nil {
			return job, err
		}
		out.JobConfig = group.EncodeChildKeys(children)
		out.StatusCode = domain.StatusRunning
		return out, nil
	case domain.StatusRunning:
		out := job.Clone()
		keys, err := group.DecodeChildKeys(out.JobConfig)
		if err != nil {
			return job, err
		}
		_, parentStatus, err := group.PollChildren(ctx, deps.groupDeps(), out.Tenant, keys)
		if err != nil {
			return job, err
		}
		now := deps.now()
		out.LastPollAt = &now
		out.StatusCode = parentStatus
		if parentStatus == domain.StatusFailed {
			out.StatusMessage = "one or more child jobs failed"
		}
		return out, nil
	case domain.StatusSucceeded, domain.StatusFailed:
		return finalize(ctx, deps, job)
	case domain.StatusCancelled:
		return cancelThenFinalize(ctx, deps, job)
	default:
		return job, apierr.Internal("processor.groupStep", fmt.Errorf("no JOB_GROUP transition defined for status %s", job.StatusCode))
	}
}

// submit implements the QUEUED -> SUBMITTED transition: createBatch then
// submitBatch.
func submit(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()
	adapter, err := deps.adapterFor(out)
	if err != nil {
		return job, err
	}
	state, err := adapter.CreateBatch(ctx, out.JobKey)
	if err != nil {
		return job, apierr.TransientIO("processor.submit", "createBatch failed", err)
	}
	state, err = adapter.SubmitBatch(ctx, state, out.JobConfig)
	if err != nil {
		return job, apierr.TransientIO("processor.submit", "submitBatch failed", err)
	}
	out.ExecutorState = state
	out.StatusCode = domain.StatusSubmitted
	out.StatusMessage = ""
	// Submission counts as the first poll, so a freshly submitted job waits
	// out a full poll interval before the scheduler asks the executor about
	// it.
	now := deps.now()
	out.LastPollAt = &now
	return out, nil
}

// poll implements the SUBMITTED/RUNNING -> RUNNING/FINISHING/FAILED/
// CANCELLED transition: getBatchStatus.
func poll(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()
	adapter, err := deps.adapterFor(out)
	if err != nil {
		return job, err
	}
	status, err := adapter.GetBatchStatus(ctx, out.ExecutorState)
	if err != nil {
		return job, apierr.TransientIO("processor.poll", "getBatchStatus failed", err)
	}
	now := deps.now()
	out.LastPollAt = &now
	switch status.Status {
	case executor.BatchQueued, executor.BatchRunning:
		out.StatusCode = domain.StatusRunning
	case executor.BatchSucceeded:
		out.StatusCode = domain.StatusFinishing
	case executor.BatchFailed:
		out.StatusCode = domain.StatusFailed
		out.StatusMessage = exitCodeMessage(status)
	case executor.BatchCancelled:
		out.StatusCode = domain.StatusCancelled
	default:
		return job, apierr.ExecutorFailed("processor.poll", "unrecognized batch status: "+string(status.Status))
	}
	return out, nil
}

func exitCodeMessage(status executor.BatchStatus) string {
	if status.ExitCode != nil {
		return fmt.Sprintf("batch exited with code %d: %s", *status.ExitCode, status.Detail)
	}
	if status.Detail != "" {
		return status.Detail
	}
	return "batch reported FAILED"
}

// fetchResult implements the FINISHING -> SUCCEEDED/FAILED transition:
// getOutputFile, then the batch's own reported outcome decides the final
// status. The well-known output file name is fixed by
// convention between the orchestrator and the model runtime it invokes.
const resultFileName = "trac_job_result.json"

func fetchResult(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()
	adapter, err := deps.adapterFor(out)
	if err != nil {
		return job, err
	}
	has, err := adapter.HasOutputFile(ctx, out.ExecutorState, resultFileName)
	if err != nil {
		return job, apierr.TransientIO("processor.fetchResult", "hasOutputFile failed", err)
	}
	if !has {
		out.StatusCode = domain.StatusFailed
		out.StatusMessage = "batch succeeded but produced no " + resultFileName
		return out, nil
	}
	raw, err := adapter.GetOutputFile(ctx, out.ExecutorState, resultFileName)
	if err != nil {
		return job, apierr.TransientIO("processor.fetchResult", "getOutputFile failed", err)
	}
	out.JobResult = raw
	out.StatusCode = domain.StatusSucceeded
	return out, nil
}

// finalize implements the SUCCEEDED/FAILED -> (terminal, ready for deletion)
// step: lifecycle.ProcessResult followed by lifecycle.RecordResult, a single
// atomic batch write to the metadata store.
func finalize(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()
	if out.StatusCode == domain.StatusSucceeded {
		processed, err := lifecycle.ProcessResult(ctx, deps.Lifecycle, out)
		if err != nil {
			out.StatusCode = domain.StatusFailed
			out.StatusMessage = err.Error()
		} else {
			out = processed
		}
	}
	recorded, err := lifecycle.RecordResult(ctx, deps.Lifecycle, out)
	if err != nil {
		// Keep out, not job: out's JobResult already carries the IDs
		// ProcessResult preallocated. ProcessResult is a no-op on a job
		// that already carries them, so the next tick's retry reuses the
		// same IDs instead of minting a new set.
		return out, err
	}
	return recorded, nil
}

// cancelThenFinalize implements the CANCELLED -> (terminal) step: ask the
// executor to terminate the batch if it still knows about it, then finalize
// exactly like a terminal SUCCEEDED/FAILED job.
func cancelThenFinalize(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()
	if adapter, err := deps.adapterFor(out); err == nil {
		if state, cErr := adapter.CancelBatch(ctx, out.ExecutorState); cErr == nil {
			out.ExecutorState = state
		}
		// CancelBatch on an already-terminal or unknown batch is defined
		// to be a no-op by the adapter contract; any error
		// here is not treated as fatal to cancellation itself.
	}
	if out.StatusMessage == "" {
		out.StatusMessage = "job cancelled"
	}
	return finalize(ctx, deps, out)
}
