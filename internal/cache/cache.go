// Package cache defines the Job Cache contract: a leased,
// revisioned store of in-flight jobs and the single coordination primitive
// every other component goes through to mutate job state. Concrete backends
// live in cache/inmemory (single-node) and cache/postgres, cache/redisx
// (shared-datastore, for HA deployments).
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/domain"
)

// Clock abstracts wall-clock time so lease-expiry math never reads the
// system clock directly, enabling deterministic tests of stale-lease
// reclaim.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}

// CorruptedEntry wraps a cache row whose stored value cannot be
// deserialized. Rather than dropping the row from reads, which would leave
// it invisible to the scheduler forever, the entry is surfaced as FAILED
// with a synthetic job so the normal finalize path records the failure and
// then removes it. The original bytes are preserved on RawValue for
// diagnostics until that happens.
func CorruptedEntry(key string, revision int64, raw []byte, cause error) domain.CacheEntry {
	job := domain.Job{
		JobKey:        key,
		StatusCode:    domain.StatusFailed,
		StatusMessage: "cache entry could not be deserialized: " + cause.Error(),
	}
	if id, err := uuid.Parse(key); err == nil {
		job.JobID = id
	}
	return domain.CacheEntry{
		Key:       key,
		Revision:  revision,
		Status:    domain.StatusFailed,
		Value:     job,
		Corrupted: true,
		RawValue:  append([]byte(nil), raw...),
	}
}

// Cache is the Job Cache contract, implemented once per backend.
// Every method may block and must respect ctx cancellation/deadline.
type Cache interface {
	// OpenNewTicket fails with apierr.KindAlreadyExists if an entry already
	// exists at key. duration is the lease length; zero means the backend
	// default.
	OpenNewTicket(ctx context.Context, key string, duration time.Duration) (domain.Ticket, error)

	// OpenTicket succeeds only if the current revision of key equals
	// revision and no unexpired lease is outstanding, otherwise fails with
	// apierr.KindSuperseded or apierr.KindLeaseConflict.
	OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (domain.Ticket, error)

	// CloseTicket releases the lease. Safe to call multiple times.
	CloseTicket(ctx context.Context, ticket domain.Ticket) error

	// AddEntry creates a new entry for ticket.Key. Succeeds only while the
	// ticket's lease is valid.
	AddEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error)

	// UpdateEntry overwrites the entry at ticket.Key, bumping its revision
	// by exactly one. Succeeds only while the ticket's lease is valid.
	UpdateEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error)

	// RemoveEntry deletes the entry at ticket.Key. Succeeds only while the
	// ticket's lease is valid.
	RemoveEntry(ctx context.Context, ticket domain.Ticket) error

	// GetEntry returns the current entry at ticket.Key (a ticket does not
	// need to still be held for reads). ticket.Revision is not checked; use
	// GetEntryAt to read only a specific revision.
	GetEntry(ctx context.Context, ticket domain.Ticket) (domain.CacheEntry, error)

	// GetEntryAt returns the entry at key if its current revision equals
	// revision, else apierr.KindSuperseded.
	GetEntryAt(ctx context.Context, key string, revision int64) (domain.CacheEntry, error)

	// GetLatestEntry returns the current entry at key regardless of
	// revision, or apierr.KindNotFound if absent.
	GetLatestEntry(ctx context.Context, key string) (domain.CacheEntry, error)

	// QueryState returns the latest revision of every entry whose status
	// is in statuses. Does not acquire leases.
	QueryState(ctx context.Context, statuses []domain.StatusCode) ([]domain.CacheEntry, error)
}
