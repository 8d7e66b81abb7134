// Package api implements the Job API: the stateless,
// synchronous surface every caller goes through to submit and observe jobs.
// It performs only bulk, structural validation (required fields, enum
// ranges, selector well-formedness); deep semantic validation is
// lifecycle.AssembleAndValidate's job. These are plain Go functions a
// gateway would wrap; no transport layer lives here.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"oss.nandlabs.io/golly/errutils"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	"github.com/tracdap/orchestrator-core/internal/observability"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// Deps bundles the collaborators every Job API operation needs.
type Deps struct {
	Cache         cache.Cache
	Lifecycle     lifecycle.Deps
	LeaseDuration time.Duration
	// FollowPollInterval is how often followJob re-checks job state absent
	// a push channel from the cache backend.
	FollowPollInterval time.Duration
	// Metrics is optional; nil makes every observe call a no-op.
	Metrics *observability.Metrics
}

// observe records one Job API call's outcome under the operation name.
func (d Deps) observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apierr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	d.Metrics.ObserveAPI(operation, outcome)
}

func (d Deps) leaseDuration() time.Duration {
	if d.LeaseDuration <= 0 {
		return 30 * time.Second
	}
	return d.LeaseDuration
}

func (d Deps) followPollInterval() time.Duration {
	if d.FollowPollInterval <= 0 {
		return 2 * time.Second
	}
	return d.FollowPollInterval
}

const jobObjectType metadata.ObjectType = "JOB"

// JobRequest is the shape validateJob/submitJob accept: a tenant-scoped job
// definition plus caller-supplied tag updates.
type JobRequest struct {
	Tenant     string
	JobType    domain.JobType
	Owner      string
	OwnerToken string
	Definition lifecycle.Definition
	TagUpdates map[string]any
}

// Selector identifies an existing job for checkJob/cancelJob/followJob.
type Selector struct {
	Tenant string
	JobID  uuid.UUID
}

func (s Selector) key() string { return s.JobID.String() }

// validateRequestShape performs the Job API's own bulk, structural checks
// before anything is handed to Lifecycle for semantic validation.
func validateRequestShape(req JobRequest) error {
	merr := &errutils.MultiError{}
	if req.Tenant == "" {
		merr.Add(fmt.Errorf("tenant is required"))
	}
	if !req.JobType.Valid() {
		merr.Add(fmt.Errorf("jobType %q is not one of the recognized job types", req.JobType))
	}
	if req.Owner == "" {
		merr.Add(fmt.Errorf("owner is required"))
	}
	if merr.HasErrors() {
		return apierr.Validation("api.validateRequestShape", merr.Error())
	}
	return nil
}

func buildJob(req JobRequest) domain.Job {
	return domain.Job{
		Tenant:     req.Tenant,
		JobType:    req.JobType,
		Owner:      req.Owner,
		OwnerToken: req.OwnerToken,
		Definition: req.Definition.Encode(),
		StatusCode: domain.StatusPending,
	}
}

// ValidateJob assembles metadata (resolving every selector) and runs
// validation without persisting anything.
func ValidateJob(ctx context.Context, deps Deps, req JobRequest) (_ domain.Status, err error) {
	defer func() { deps.observe("validateJob", err) }()
	if err := validateRequestShape(req); err != nil {
		return domain.Status{}, err
	}
	job := buildJob(req)
	if _, err := lifecycle.AssembleAndValidate(ctx, deps.Lifecycle, job); err != nil {
		return domain.Status{}, err
	}
	return domain.Status{StatusCode: domain.StatusValidated}, nil
}

// SubmitJob assembles and validates, allocates a jobId and writes initial
// metadata, then inserts a QUEUED cache entry under a new ticket. If the
// cache insertion fails after the metadata write succeeded, the metadata
// write is an intentional orphan: the jobId is never reused so a retry
// from the caller is always safe.
func SubmitJob(ctx context.Context, deps Deps, req JobRequest) (_ domain.Status, err error) {
	defer func() { deps.observe("submitJob", err) }()
	if err := validateRequestShape(req); err != nil {
		return domain.Status{}, err
	}
	job := buildJob(req)

	job, err = lifecycle.AssembleAndValidate(ctx, deps.Lifecycle, job)
	if err != nil {
		return domain.Status{}, err
	}

	job, err = lifecycle.SaveInitialMetadata(ctx, deps.Lifecycle, job, req.TagUpdates)
	if err != nil {
		return domain.Status{}, err
	}

	job.StatusCode = domain.StatusQueued
	ticket, err := deps.Cache.OpenNewTicket(ctx, job.JobKey, deps.leaseDuration())
	if err != nil {
		// The metadata object allocated above is left in place as an
		// orphan; the caller must not retry allocation for this jobId.
		return domain.Status{}, apierr.Map("api.submitJob", err)
	}
	defer func() { _ = deps.Cache.CloseTicket(ctx, ticket) }()

	if _, err := deps.Cache.AddEntry(ctx, ticket, job.StatusCode, job); err != nil {
		return domain.Status{}, apierr.Map("api.submitJob", err)
	}
	return job.Status(), nil
}

// CheckJob reads the job's current state from the cache; if the cache has
// no entry, the job is either never-submitted or already terminal, so the
// caller falls back to the metadata store.
func CheckJob(ctx context.Context, deps Deps, sel Selector) (_ domain.Status, err error) {
	defer func() { deps.observe("checkJob", err) }()
	entry, err := deps.Cache.GetLatestEntry(ctx, sel.key())
	if err == nil {
		return entry.Value.Status(), nil
	}
	if apierr.Is(err, apierr.KindCacheCorruption) {
		// The stored entry cannot be deserialized. The caller sees the job
		// as FAILED; recording the failure and removing the entry is the
		// scheduler's job, not the read path's.
		return domain.Status{
			JobID:         sel.JobID,
			StatusCode:    domain.StatusFailed,
			StatusMessage: err.Error(),
		}, nil
	}
	if !apierr.Is(err, apierr.KindNotFound) {
		return domain.Status{}, apierr.Map("api.checkJob", err)
	}
	return statusFromMetadata(ctx, deps, sel)
}

func statusFromMetadata(ctx context.Context, deps Deps, sel Selector) (domain.Status, error) {
	obj, err := deps.Lifecycle.Store.ReadObject(ctx, metadata.Selector{
		Tenant:     sel.Tenant,
		ObjectType: jobObjectType,
		ObjectID:   sel.JobID,
	})
	if err != nil {
		return domain.Status{}, apierr.Map("api.checkJob", err)
	}
	status := domain.Status{JobID: sel.JobID}
	if s, ok := obj.Tag.Attrs["status"].(string); ok {
		status.StatusCode = domain.StatusCode(s)
	}
	if m, ok := obj.Tag.Attrs["statusMessage"].(string); ok {
		status.StatusMessage = m
	}
	return status, nil
}

// CancelJob sets a non-terminal job's status to CANCELLED under a lease;
// the Scheduler observes this on its next tick and asks the executor to
// terminate. Cancellation is
// idempotent: calling it on a job already terminal, in the cache or only in
// metadata, is a no-op that returns the terminal status unchanged.
func CancelJob(ctx context.Context, deps Deps, sel Selector) (_ domain.Status, err error) {
	defer func() { deps.observe("cancelJob", err) }()
	const maxClaimAttempts = 3
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		entry, err := deps.Cache.GetLatestEntry(ctx, sel.key())
		if err != nil {
			if apierr.Is(err, apierr.KindNotFound) {
				return statusFromMetadata(ctx, deps, sel)
			}
			if apierr.Is(err, apierr.KindCacheCorruption) {
				// A corrupted entry is already on its way to FAILED; cancel
				// has nothing left to do.
				return domain.Status{
					JobID:         sel.JobID,
					StatusCode:    domain.StatusFailed,
					StatusMessage: err.Error(),
				}, nil
			}
			return domain.Status{}, apierr.Map("api.cancelJob", err)
		}
		if entry.Status.Terminal() {
			return entry.Value.Status(), nil
		}

		ticket, err := deps.Cache.OpenTicket(ctx, sel.key(), entry.Revision, deps.leaseDuration())
		if err != nil {
			if apierr.Is(err, apierr.KindSuperseded) || apierr.Is(err, apierr.KindLeaseConflict) {
				continue // lost a race with the scheduler; re-read and retry
			}
			return domain.Status{}, apierr.Map("api.cancelJob", err)
		}

		job := entry.Value.Clone()
		job.StatusCode = domain.StatusCancelled
		updated, err := deps.Cache.UpdateEntry(ctx, ticket, job.StatusCode, job)
		_ = deps.Cache.CloseTicket(ctx, ticket)
		if err != nil {
			if apierr.Is(err, apierr.KindSuperseded) || apierr.Is(err, apierr.KindLeaseConflict) {
				continue
			}
			return domain.Status{}, apierr.Map("api.cancelJob", err)
		}
		return updated.Value.Status(), nil
	}
	return domain.Status{}, apierr.LeaseConflict("api.cancelJob", "could not claim "+sel.key()+" after repeated retries")
}

// FollowJob returns a channel that receives one domain.Status per observed
// change, starting with the job's status at subscription time, and closes
// once the job reaches a terminal status or ctx is done. There is no
// historical replay: a late subscriber never receives statuses observed
// before it called FollowJob, only the latest status at subscription time
// and whatever changes after.
func FollowJob(ctx context.Context, deps Deps, sel Selector) (<-chan domain.Status, error) {
	first, err := CheckJob(ctx, deps, sel)
	deps.observe("followJob", err)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Status, 1)
	out <- first
	if first.StatusCode.Terminal() {
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(deps.followPollInterval())
		defer ticker.Stop()
		last := first.StatusCode
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := CheckJob(ctx, deps, sel)
				if err != nil {
					return
				}
				if status.StatusCode == last {
					continue
				}
				last = status.StatusCode
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
				if status.StatusCode.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
