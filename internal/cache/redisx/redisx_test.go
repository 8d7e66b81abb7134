package redisx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run cache/redisx integration tests")
	}
	c, err := New(context.Background(), addr, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newJob(key string) domain.Job {
	return domain.Job{JobID: uuid.New(), JobKey: key, Tenant: "t1", JobType: domain.JobTypeRunModel, StatusCode: domain.StatusQueued}
}

func uniqueKey(t *testing.T, base string) string {
	t.Helper()
	return base + "-" + uuid.New().String()
}

func TestOpenNewTicket_RejectsDuplicateKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	if _, err := c.OpenNewTicket(ctx, key, 0); err != nil {
		t.Fatalf("OpenNewTicket: %v", err)
	}
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })

	if _, err := c.OpenNewTicket(ctx, key, 0); !apierr.Is(err, apierr.KindAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestAddAndUpdateEntry_BumpsRevision(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	ticket, err := c.OpenNewTicket(ctx, key, 0)
	if err != nil {
		t.Fatalf("OpenNewTicket: %v", err)
	}
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })

	entry, err := c.AddEntry(ctx, ticket, domain.StatusQueued, newJob(key))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if entry.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", entry.Revision)
	}
	if err := c.CloseTicket(ctx, ticket); err != nil {
		t.Fatalf("CloseTicket: %v", err)
	}

	ticket2, err := c.OpenTicket(ctx, key, entry.Revision, 0)
	if err != nil {
		t.Fatalf("OpenTicket: %v", err)
	}
	job := newJob(key)
	job.StatusCode = domain.StatusSubmitted
	updated, err := c.UpdateEntry(ctx, ticket2, domain.StatusSubmitted, job)
	if err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}
}

func TestOpenTicket_StaleRevisionFails(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	ticket, _ := c.OpenNewTicket(ctx, key, 0)
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })
	entry, err := c.AddEntry(ctx, ticket, domain.StatusQueued, newJob(key))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	_ = c.CloseTicket(ctx, ticket)

	if _, err := c.OpenTicket(ctx, key, entry.Revision+1, 0); !apierr.Is(err, apierr.KindSuperseded) {
		t.Fatalf("expected SUPERSEDED, got %v", err)
	}
}

// TestStaleLeaseReclaim_CrossProcess: worker A holds a lease past its
// expiry, worker B reclaims the key and advances it, and worker A's late
// write must then fail.
func TestStaleLeaseReclaim_CrossProcess(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run cache/redisx integration tests")
	}
	clock := &fakeClock{now: time.Unix(2000, 0)}
	c, err := New(context.Background(), addr, nil, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	ticket, _ := c.OpenNewTicket(ctx, key, 0)
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })
	entry, err := c.AddEntry(ctx, ticket, domain.StatusQueued, newJob(key))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	_ = c.CloseTicket(ctx, ticket)

	workerA, err := c.OpenTicket(ctx, key, entry.Revision, 5*time.Second)
	if err != nil {
		t.Fatalf("worker A OpenTicket: %v", err)
	}

	clock.now = clock.now.Add(10 * time.Second)

	workerB, err := c.OpenTicket(ctx, key, entry.Revision, 5*time.Second)
	if err != nil {
		t.Fatalf("worker B should reclaim expired lease: %v", err)
	}
	job := newJob(key)
	job.StatusCode = domain.StatusSubmitted
	if _, err := c.UpdateEntry(ctx, workerB, domain.StatusSubmitted, job); err != nil {
		t.Fatalf("worker B UpdateEntry: %v", err)
	}

	if _, err := c.UpdateEntry(ctx, workerA, domain.StatusRunning, job); err == nil {
		t.Fatalf("expected worker A's stale write to fail")
	}
}

func TestQueryState_FiltersByStatus(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	ticket, _ := c.OpenNewTicket(ctx, key, 0)
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })
	if _, err := c.AddEntry(ctx, ticket, domain.StatusRunning, newJob(key)); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	entries, err := c.QueryState(ctx, []domain.StatusCode{domain.StatusRunning})
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Key == key {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected to find key %s in RUNNING query results", key)
	}
}

// TestCorruptedValueSurfacesAsFailedEntry: a hash whose value field no
// longer deserializes must still come back from reads and scans, marked
// FAILED with the original bytes preserved, rather than vanishing from
// every query.
func TestCorruptedValueSurfacesAsFailedEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uniqueKey(t, "job-rx")

	ticket, err := c.OpenNewTicket(ctx, key, 0)
	if err != nil {
		t.Fatalf("OpenNewTicket: %v", err)
	}
	t.Cleanup(func() { c.rdb.Del(ctx, c.hkey(key)) })
	if _, err := c.AddEntry(ctx, ticket, domain.StatusRunning, newJob(key)); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	_ = c.CloseTicket(ctx, ticket)

	if err := c.rdb.HSet(ctx, c.hkey(key), "value", "{not json").Err(); err != nil {
		t.Fatalf("corrupt value: %v", err)
	}

	entry, err := c.GetLatestEntry(ctx, key)
	if err != nil {
		t.Fatalf("GetLatestEntry: %v", err)
	}
	if !entry.Corrupted || entry.Status != domain.StatusFailed {
		t.Fatalf("expected corrupted FAILED entry, got corrupted=%v status=%s", entry.Corrupted, entry.Status)
	}
	if string(entry.RawValue) != "{not json" {
		t.Fatalf("expected original bytes preserved for diagnostics, got %q", entry.RawValue)
	}

	entries, err := c.QueryState(ctx, []domain.StatusCode{domain.StatusRunning})
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Key == key {
			found = true
			if !e.Corrupted {
				t.Fatalf("expected the scanned entry to be marked corrupted")
			}
		}
	}
	if !found {
		t.Fatalf("expected the corrupted entry to remain visible to scans")
	}
}
