// Package inmemory implements cache.Cache for single-node deployments: a
// mutex-guarded map with a revision counter and lease bookkeeping per
// entry.
package inmemory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

const defaultLeaseDuration = 30 * time.Second

// Cache is an in-process implementation of cache.Cache. Safe for
// concurrent use by multiple scheduler worker goroutines within one
// orchestrator instance.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
	clock   cache.Clock
}

// New constructs an empty in-memory cache. clock may be nil to use
// cache.SystemClock.
func New(clock cache.Clock) *Cache {
	if clock == nil {
		clock = cache.SystemClock
	}
	return &Cache{entries: make(map[string]*domain.CacheEntry), clock: clock}
}

func newLeaseOwner() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (c *Cache) leaseDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLeaseDuration
	}
	return d
}

func (c *Cache) OpenNewTicket(_ context.Context, key string, duration time.Duration) (domain.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return domain.Ticket{}, apierr.AlreadyExists("cache.OpenNewTicket", "entry already exists at key "+key)
	}
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: c.clock.Now().Add(c.leaseDuration(duration))}
	return domain.Ticket{Key: key, Revision: 0, Lease: lease}, nil
}

func (c *Cache) OpenTicket(_ context.Context, key string, revision int64, duration time.Duration) (domain.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return domain.Ticket{}, apierr.NotFound("cache.OpenTicket", "no entry at key "+key)
	}
	if entry.Revision != revision {
		return domain.Ticket{}, apierr.Superseded("cache.OpenTicket", "stale revision for key "+key)
	}
	now := c.clock.Now()
	if entry.Lease != nil && !entry.Lease.Expired(now) {
		return domain.Ticket{}, apierr.LeaseConflict("cache.OpenTicket", "active lease held by "+entry.Lease.Owner)
	}
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: now.Add(c.leaseDuration(duration))}
	entry.Lease = &lease
	return domain.Ticket{Key: key, Revision: revision, Lease: lease}, nil
}

func (c *Cache) CloseTicket(_ context.Context, ticket domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[ticket.Key]
	if !exists {
		return nil
	}
	if entry.Lease != nil && entry.Lease.Owner == ticket.Lease.Owner {
		entry.Lease = nil
	}
	return nil
}

// validateLease returns an error unless ticket still holds an unexpired
// lease matching the stored entry.
func (c *Cache) validateLease(key string, ticket domain.Ticket) (*domain.CacheEntry, error) {
	entry, exists := c.entries[key]
	if !exists {
		return nil, apierr.NotFound("cache", "no entry at key "+key)
	}
	now := c.clock.Now()
	if entry.Lease == nil || entry.Lease.Owner != ticket.Lease.Owner || entry.Lease.Expired(now) {
		return nil, apierr.LeaseConflict("cache", "ticket lease is no longer valid for key "+key)
	}
	return entry, nil
}

func (c *Cache) AddEntry(_ context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.entries[ticket.Key]; exists {
		if existing.Lease == nil || existing.Lease.Owner != ticket.Lease.Owner || existing.Lease.Expired(c.clock.Now()) {
			return domain.CacheEntry{}, apierr.LeaseConflict("cache.AddEntry", "ticket lease is no longer valid for key "+ticket.Key)
		}
	}
	now := c.clock.Now()
	entry := &domain.CacheEntry{
		Key:          ticket.Key,
		Revision:     1,
		Status:       status,
		Lease:        &ticket.Lease,
		Value:        value.Clone(),
		LastActivity: now,
		LastPoll:     now,
	}
	c.entries[ticket.Key] = entry
	return *entry, nil
}

func (c *Cache) UpdateEntry(_ context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.validateLease(ticket.Key, ticket)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	entry.Revision++
	entry.Status = status
	entry.Value = value.Clone()
	entry.LastActivity = c.clock.Now()
	return *entry, nil
}

func (c *Cache) RemoveEntry(_ context.Context, ticket domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.validateLease(ticket.Key, ticket); err != nil {
		return err
	}
	delete(c.entries, ticket.Key)
	return nil
}

func (c *Cache) GetEntry(_ context.Context, ticket domain.Ticket) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[ticket.Key]
	if !exists {
		return domain.CacheEntry{}, apierr.NotFound("cache.GetEntry", "no entry at key "+ticket.Key)
	}
	return *entry, nil
}

func (c *Cache) GetEntryAt(_ context.Context, key string, revision int64) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return domain.CacheEntry{}, apierr.NotFound("cache.GetEntryAt", "no entry at key "+key)
	}
	if entry.Revision != revision {
		return domain.CacheEntry{}, apierr.Superseded("cache.GetEntryAt", "stale revision for key "+key)
	}
	return *entry, nil
}

func (c *Cache) GetLatestEntry(_ context.Context, key string) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return domain.CacheEntry{}, apierr.NotFound("cache.GetLatestEntry", "no entry at key "+key)
	}
	return *entry, nil
}

func (c *Cache) QueryState(_ context.Context, statuses []domain.StatusCode) ([]domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[domain.StatusCode]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]domain.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		if want[entry.Status] {
			out = append(out, *entry)
		}
	}
	return out, nil
}

var _ cache.Cache = (*Cache)(nil)
