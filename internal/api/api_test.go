package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/cache/inmemory"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	metafake "github.com/tracdap/orchestrator-core/internal/metadata/fake"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

func newDeps() Deps {
	store := metafake.New()
	return Deps{
		Cache:     inmemory.New(nil),
		Lifecycle: lifecycle.Deps{Store: store},
	}
}

func validImportModelRequest() JobRequest {
	return JobRequest{
		Tenant:  "acme",
		JobType: domain.JobTypeImportModel,
		Owner:   "alice",
		Definition: lifecycle.Definition{
			Repo:       "local",
			Version:    "v1.0.0",
			EntryPoint: "acme.models.Hello",
		},
	}
}

// TestValidateJobHappyPath: a well-formed IMPORT_MODEL request validates
// without persisting anything.
func TestValidateJobHappyPath(t *testing.T) {
	deps := newDeps()
	status, err := ValidateJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("ValidateJob: %v", err)
	}
	if status.StatusCode != domain.StatusValidated {
		t.Fatalf("expected VALIDATED, got %s", status.StatusCode)
	}
}

// TestValidateJobRejectsEmptyEntryPoint: an IMPORT_MODEL request with
// entryPoint="" fails synchronously with VALIDATION_FAILED and leaves no
// cache entry behind.
func TestValidateJobRejectsEmptyEntryPoint(t *testing.T) {
	deps := newDeps()
	req := validImportModelRequest()
	req.Definition.EntryPoint = ""

	_, err := ValidateJob(context.Background(), deps, req)
	if !apierr.Is(err, apierr.KindValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}

	entries, qerr := deps.Cache.QueryState(context.Background(), domain.WorkPending)
	if qerr != nil {
		t.Fatalf("QueryState: %v", qerr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no cache entry after a rejected submission, found %d", len(entries))
	}
}

// TestSubmitJobThenCheckJob exercises submitJob producing a QUEUED entry and
// checkJob reading it back from the cache.
func TestSubmitJobThenCheckJob(t *testing.T) {
	deps := newDeps()
	status, err := SubmitJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if status.StatusCode != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", status.StatusCode)
	}

	got, err := CheckJob(context.Background(), deps, Selector{Tenant: "acme", JobID: status.JobID})
	if err != nil {
		t.Fatalf("CheckJob: %v", err)
	}
	if got.StatusCode != domain.StatusQueued {
		t.Fatalf("expected QUEUED from checkJob, got %s", got.StatusCode)
	}
}

// TestCheckJobFallsBackToMetadataAfterCacheRemoval exercises the documented
// fallback: once the scheduler removes a terminal job's cache entry,
// checkJob must read its final status from the metadata store instead.
func TestCheckJobFallsBackToMetadataAfterCacheRemoval(t *testing.T) {
	deps := newDeps()
	status, err := SubmitJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	entry, err := deps.Cache.GetLatestEntry(context.Background(), status.JobID.String())
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	ticket, err := deps.Cache.OpenTicket(context.Background(), entry.Key, entry.Revision, time.Second)
	if err != nil {
		t.Fatalf("OpenTicket: %v", err)
	}
	header := metadata.TagHeader{Tenant: "acme", ObjectType: jobObjectType, ObjectID: status.JobID, ObjectVersion: 1}
	if _, err := deps.Lifecycle.Store.UpdateTag(context.Background(),
		header, map[string]any{"status": string(domain.StatusSucceeded)}); err != nil {
		t.Fatalf("UpdateTag: %v", err)
	}
	if err := deps.Cache.RemoveEntry(context.Background(), ticket); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	_ = deps.Cache.CloseTicket(context.Background(), ticket)

	got, err := CheckJob(context.Background(), deps, Selector{Tenant: "acme", JobID: status.JobID})
	if err != nil {
		t.Fatalf("CheckJob: %v", err)
	}
	if got.StatusCode != domain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED from metadata fallback, got %s", got.StatusCode)
	}
}

// TestCancelJobIsIdempotentOnTerminalJob: cancelling an already-terminal
// job is a no-op returning its terminal status.
func TestCancelJobIsIdempotentOnTerminalJob(t *testing.T) {
	deps := newDeps()
	status, err := SubmitJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	entry, err := deps.Cache.GetLatestEntry(context.Background(), status.JobID.String())
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	ticket, err := deps.Cache.OpenTicket(context.Background(), entry.Key, entry.Revision, time.Second)
	if err != nil {
		t.Fatalf("OpenTicket: %v", err)
	}
	job := entry.Value.Clone()
	job.StatusCode = domain.StatusFailed
	job.StatusMessage = "boom"
	updated, err := deps.Cache.UpdateEntry(context.Background(), ticket, job.StatusCode, job)
	if err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	_ = deps.Cache.CloseTicket(context.Background(), ticket)
	_ = updated

	got, err := CancelJob(context.Background(), deps, Selector{Tenant: "acme", JobID: status.JobID})
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got.StatusCode != domain.StatusFailed {
		t.Fatalf("expected cancelling a terminal job to be a no-op returning FAILED, got %s", got.StatusCode)
	}
}

// corruptReadCache is a cache whose reads always report CACHE_CORRUPTION,
// standing in for a backend that cannot even build a synthetic entry for a
// corrupted row. Only GetLatestEntry is exercised by checkJob.
type corruptReadCache struct {
	cache.Cache
}

func (corruptReadCache) GetLatestEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	return domain.CacheEntry{}, apierr.CacheCorruption("cache.GetLatestEntry", "unexpected end of JSON input")
}

// TestCheckJobReportsCorruptedEntryAsFailed: a caller asking about a job
// whose cache entry cannot be deserialized sees a FAILED status, never the
// raw corruption error.
func TestCheckJobReportsCorruptedEntryAsFailed(t *testing.T) {
	deps := newDeps()
	deps.Cache = corruptReadCache{}

	got, err := CheckJob(context.Background(), deps, Selector{Tenant: "acme", JobID: uuid.New()})
	if err != nil {
		t.Fatalf("expected corruption to be absorbed into a FAILED status, got error %v", err)
	}
	if got.StatusCode != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.StatusCode)
	}
	if !strings.Contains(got.StatusMessage, "JSON") {
		t.Fatalf("expected the status message to carry the deserialization detail, got %q", got.StatusMessage)
	}
}

// TestFollowJobEmitsLatestThenTerminal covers the followJob delivery
// decision: a subscriber receives the status at subscription time plus
// subsequent changes, and the stream closes once the job is terminal.
func TestFollowJobEmitsLatestThenTerminal(t *testing.T) {
	deps := newDeps()
	deps.FollowPollInterval = 10 * time.Millisecond

	status, err := SubmitJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	sel := Selector{Tenant: "acme", JobID: status.JobID}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := FollowJob(ctx, deps, sel)
	if err != nil {
		t.Fatalf("FollowJob: %v", err)
	}

	first := <-ch
	if first.StatusCode != domain.StatusQueued {
		t.Fatalf("expected first message to carry the status at subscription time (QUEUED), got %s", first.StatusCode)
	}

	if _, err := CancelJob(context.Background(), deps, sel); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	got, ok := <-ch
	if !ok {
		t.Fatalf("stream closed before delivering the terminal status")
	}
	if got.StatusCode != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.StatusCode)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected stream to close after the terminal status")
	}
}

// TestCancelJobMarksQueuedJobCancelled covers the non-terminal path: a
// QUEUED job is moved to CANCELLED under a lease.
func TestCancelJobMarksQueuedJobCancelled(t *testing.T) {
	deps := newDeps()
	status, err := SubmitJob(context.Background(), deps, validImportModelRequest())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	got, err := CancelJob(context.Background(), deps, Selector{Tenant: "acme", JobID: status.JobID})
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got.StatusCode != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.StatusCode)
	}
}
