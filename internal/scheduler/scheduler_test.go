package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/cache/inmemory"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/executor"
	execfake "github.com/tracdap/orchestrator-core/internal/executor/fake"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	metafake "github.com/tracdap/orchestrator-core/internal/metadata/fake"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
	"github.com/tracdap/orchestrator-core/internal/processor"
)

const testProtocol = "fake"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newHarness(t *testing.T, cfg Config) (*Scheduler, *inmemory.Cache, *execfake.Adapter, *metafake.Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Now().UTC()}
	c := inmemory.New(clk)
	registry := executor.NewRegistry()
	adapter := execfake.New()
	registry.Register(testProtocol, func() executor.Adapter { return adapter })

	store := metafake.New()
	procDeps := processor.Deps{
		Executors:     registry,
		Lifecycle:     lifecycle.Deps{Store: store},
		Cache:         c,
		Clock:         clk,
		LeaseDuration: cfg.LeaseDuration,
	}
	sched := NewScheduler(c, registry, procDeps, clk, nil, cfg)
	return sched, c, adapter, store, clk
}

// seedQueuedJob takes a job through the same submission path the Job API
// uses: save initial metadata (so result recording later has a job object to
// tag), then insert a QUEUED cache entry.
func seedQueuedJob(t *testing.T, c *inmemory.Cache, store *metafake.Store, tenant, owner string) domain.CacheEntry {
	t.Helper()
	ctx := context.Background()
	job := domain.Job{
		Tenant:           tenant,
		JobType:          domain.JobTypeRunModel,
		StatusCode:       domain.StatusPending,
		ExecutorProtocol: testProtocol,
		Owner:            owner,
	}
	job, err := lifecycle.SaveInitialMetadata(ctx, lifecycle.Deps{Store: store}, job, nil)
	if err != nil {
		t.Fatalf("SaveInitialMetadata: %v", err)
	}
	job.StatusCode = domain.StatusQueued

	ticket, err := c.OpenNewTicket(ctx, job.JobKey, 30*time.Second)
	if err != nil {
		t.Fatalf("OpenNewTicket: %v", err)
	}
	entry, err := c.AddEntry(ctx, ticket, job.StatusCode, job)
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.CloseTicket(ctx, ticket); err != nil {
		t.Fatalf("CloseTicket: %v", err)
	}
	return entry
}

// TestTickDrivesJobToCompletion exercises the full QUEUED -> SUBMITTED ->
// RUNNING -> FINISHING -> SUCCEEDED -> (removed) path across repeated Tick
// calls, including the polling loop.
func TestTickDrivesJobToCompletion(t *testing.T) {
	sched, c, adapter, store, clk := newHarness(t, Config{PollInterval: 0, Concurrency: 4})
	entry := seedQueuedJob(t, c, store, "acme", "alice")

	adapter.SetOutcome(entry.Key, execfake.Outcome{
		Status:               executor.BatchSucceeded,
		PollsBeforeSucceeded: 1,
		OutputFiles: map[string][]byte{
			"trac_job_result.json": []byte(`{}`),
		},
	})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := sched.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		clk.now = clk.now.Add(time.Minute)
		if _, err := c.GetLatestEntry(ctx, entry.Key); apierr.Is(err, apierr.KindNotFound) {
			return // job finalized and removed from the cache, as expected
		}
	}
	t.Fatalf("job was not driven to completion within the tick budget")
}

// TestTickSkipsRecentlyPolledJob verifies the poll-interval gate: a SUBMITTED job polled less than PollInterval ago is left alone.
func TestTickSkipsRecentlyPolledJob(t *testing.T) {
	sched, c, adapter, store, clk := newHarness(t, Config{PollInterval: time.Hour, Concurrency: 4})
	entry := seedQueuedJob(t, c, store, "acme", "bob")
	adapter.SetOutcome(entry.Key, execfake.Outcome{Status: executor.BatchRunning})

	ctx := context.Background()
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	got, err := c.GetLatestEntry(ctx, entry.Key)
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("expected SUBMITTED after first tick, got %s", got.Status)
	}

	revisionBefore := got.Revision
	clk.now = clk.now.Add(time.Second) // well inside the one-hour poll interval
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	got, err = c.GetLatestEntry(ctx, entry.Key)
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	if got.Revision != revisionBefore {
		t.Fatalf("expected entry untouched by poll-gated tick, revision moved from %d to %d", revisionBefore, got.Revision)
	}
}

// TestHandleStepErrorFailsFastOnNonRetryableError drives a job whose
// executor protocol is unregistered (an apierr.KindInternal, non-retryable)
// straight to FAILED on the very first tick, without spending MaxAttempts.
func TestHandleStepErrorFailsFastOnNonRetryableError(t *testing.T) {
	sched, c, _, _, clk := newHarness(t, Config{PollInterval: 0, RetryBackoff: 0, MaxAttempts: 2, Concurrency: 4})

	job := domain.Job{
		JobID:            uuid.New(),
		Tenant:           "acme",
		JobType:          domain.JobTypeRunModel,
		StatusCode:       domain.StatusQueued,
		ExecutorProtocol: "unregistered-protocol",
		Owner:            "carol",
	}
	job.JobKey = job.JobID.String()
	ctx := context.Background()
	ticket, err := c.OpenNewTicket(ctx, job.JobKey, 30*time.Second)
	if err != nil {
		t.Fatalf("OpenNewTicket: %v", err)
	}
	if _, err := c.AddEntry(ctx, ticket, job.StatusCode, job); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.CloseTicket(ctx, ticket); err != nil {
		t.Fatalf("CloseTicket: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	clk.now = clk.now.Add(time.Minute)

	got, err := c.GetLatestEntry(ctx, job.JobKey)
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected job to fail fast on a non-retryable executor error, got %s", got.Status)
	}
}

const jobObjectType metadata.ObjectType = "JOB"

func runUntilRemoved(t *testing.T, sched *Scheduler, c *inmemory.Cache, clk *fakeClock, key string, ticks int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < ticks; i++ {
		if err := sched.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		clk.now = clk.now.Add(time.Minute)
		if _, err := c.GetLatestEntry(ctx, key); apierr.Is(err, apierr.KindNotFound) {
			return
		}
	}
	t.Fatalf("job %s was not finalized and removed within %d ticks", key, ticks)
}

// TestExecutorFailurePropagatesExitCode: the batch reports FAILED with exit
// code 139, the job lands in terminal FAILED with the exit code in its
// status message, the failure tag is recorded, and the cache entry is
// removed.
func TestExecutorFailurePropagatesExitCode(t *testing.T) {
	sched, c, adapter, store, clk := newHarness(t, Config{Concurrency: 4})
	entry := seedQueuedJob(t, c, store, "acme", "dave")

	exitCode := 139
	adapter.SetOutcome(entry.Key, execfake.Outcome{Status: executor.BatchFailed, ExitCode: &exitCode})

	runUntilRemoved(t, sched, c, clk, entry.Key, 6)

	obj, err := store.ReadObject(context.Background(), metadata.Selector{
		Tenant: "acme", ObjectType: jobObjectType, ObjectID: entry.Value.JobID,
	})
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if obj.Tag.Attrs["status"] != string(domain.StatusFailed) {
		t.Fatalf("expected recorded status FAILED, got %v", obj.Tag.Attrs["status"])
	}
	msg, _ := obj.Tag.Attrs["statusMessage"].(string)
	if !strings.Contains(msg, "139") {
		t.Fatalf("expected recorded status message to carry exit code 139, got %q", msg)
	}
}

// TestTransientMetadataOutageRetriesIdempotently: the final writeBatch
// fails twice before succeeding, the job still finalizes as SUCCEEDED, and
// the retries reuse the preallocated output IDs so exactly one copy of each
// output object exists in the store.
func TestTransientMetadataOutageRetriesIdempotently(t *testing.T) {
	sched, c, adapter, store, clk := newHarness(t, Config{RetryBackoff: time.Second, Concurrency: 4})
	entry := seedQueuedJob(t, c, store, "acme", "erin")

	ctx := context.Background()
	ticket, err := c.OpenTicket(ctx, entry.Key, entry.Revision, 30*time.Second)
	if err != nil {
		t.Fatalf("OpenTicket: %v", err)
	}
	job := entry.Value.Clone()
	job.ResultMapping = []byte(`{"data": {"objectType": "DATA"}}`)
	entry, err = c.UpdateEntry(ctx, ticket, job.StatusCode, job)
	if err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	_ = c.CloseTicket(ctx, ticket)

	adapter.SetOutcome(entry.Key, execfake.Outcome{
		Status: executor.BatchSucceeded,
		OutputFiles: map[string][]byte{
			"trac_job_result.json": []byte(`{"data": {"rows": 10}}`),
		},
	})
	store.FailNextWriteBatch(2, apierr.TransientIO("metadata.WriteBatch", "injected outage", nil))

	runUntilRemoved(t, sched, c, clk, entry.Key, 10)

	obj, err := store.ReadObject(ctx, metadata.Selector{
		Tenant: "acme", ObjectType: jobObjectType, ObjectID: entry.Value.JobID,
	})
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if obj.Tag.Attrs["status"] != string(domain.StatusSucceeded) {
		t.Fatalf("expected recorded status SUCCEEDED after outage retries, got %v", obj.Tag.Attrs["status"])
	}

	outputs, err := store.Search(ctx, metadata.SearchQuery{Tenant: "acme", ObjectType: "DATA"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected exactly one output object after idempotent retries, got %d", len(outputs))
	}
}

// corruptingCache reports every scanned entry as corrupted, the way a
// backend does when a stored value blob no longer deserializes.
type corruptingCache struct {
	*inmemory.Cache
}

func (c *corruptingCache) QueryState(ctx context.Context, statuses []domain.StatusCode) ([]domain.CacheEntry, error) {
	entries, err := c.Cache.QueryState(ctx, statuses)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i] = cache.CorruptedEntry(entries[i].Key, entries[i].Revision,
			[]byte("{not json"), errors.New("invalid character 'n' looking for beginning of object key string"))
	}
	return entries, nil
}

// TestCorruptedEntryIsFinalizedAndRemoved: an entry whose value cannot be
// deserialized still surfaces in the scheduler's scan, is handled as FAILED,
// and is removed once the failure recording attempt has run, instead of
// sitting in the cache forever.
func TestCorruptedEntryIsFinalizedAndRemoved(t *testing.T) {
	clk := &fakeClock{now: time.Now().UTC()}
	inner := inmemory.New(clk)
	registry := executor.NewRegistry()
	store := metafake.New()
	procDeps := processor.Deps{
		Executors: registry,
		Lifecycle: lifecycle.Deps{Store: store},
		Cache:     inner,
		Clock:     clk,
	}
	sched := NewScheduler(&corruptingCache{Cache: inner}, registry, procDeps, clk, nil, Config{Concurrency: 2})

	entry := seedQueuedJob(t, inner, store, "acme", "frank")

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := inner.GetLatestEntry(context.Background(), entry.Key); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected corrupted entry to be removed after failure recording, got %v", err)
	}
}
