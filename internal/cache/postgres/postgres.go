// Package postgres implements cache.Cache on top of a relational schema for
// HA deployments where multiple orchestrator processes share one Job Cache:
// row locks with SKIP LOCKED for cross-process claim queries, and
// revision-conditioned updates for optimistic concurrency.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
	"github.com/tracdap/orchestrator-core/internal/platform/logger"
)

// Row is the relational schema backing the Job Cache contract here:
// (key TEXT PRIMARY KEY, revision INT, status TEXT, lease_owner TEXT NULL,
// lease_expiry TIMESTAMP NULL, value BLOB).
type Row struct {
	Key          string `gorm:"primaryKey;column:key"`
	Revision     int64
	Status       string
	LeaseOwner   *string
	LeaseExpiry  *time.Time
	Value        []byte
	LastActivity time.Time
	LastPoll     time.Time
	RetryCount   int
}

func (Row) TableName() string { return "orchestrator_cache_entry" }

const defaultLeaseDuration = 30 * time.Second

// Cache is a Postgres-backed cache.Cache.
type Cache struct {
	db    *gorm.DB
	log   *logger.Logger
	clock cache.Clock
}

func New(db *gorm.DB, log *logger.Logger, clock cache.Clock) *Cache {
	if clock == nil {
		clock = cache.SystemClock
	}
	if log != nil {
		log = log.With("component", "PostgresJobCache")
	}
	return &Cache{db: db, log: log, clock: clock}
}

// Migrate creates the cache table. Tests call this against a disposable
// schema; production wiring runs it once at startup.
func (c *Cache) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&Row{})
}

func (c *Cache) leaseDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLeaseDuration
	}
	return d
}

func encodeValue(j domain.Job) ([]byte, error) { return json.Marshal(j) }

func decodeValue(raw []byte) (domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return domain.Job{}, apierr.CacheCorruption("cache.decodeValue", err.Error())
	}
	return j, nil
}

// toEntry maps a row to a cache entry. A row whose value blob fails to
// deserialize is not dropped: it comes back as a Corrupted entry with
// status FAILED so the scheduler can record the failure and remove it.
func (c *Cache) toEntry(r Row) domain.CacheEntry {
	job, err := decodeValue(r.Value)
	if err != nil {
		if c.log != nil {
			c.log.Error("cache entry failed to deserialize", "key", r.Key, "error", err)
		}
		entry := cache.CorruptedEntry(r.Key, r.Revision, r.Value, err)
		entry.LastActivity, entry.LastPoll, entry.RetryCount = r.LastActivity, r.LastPoll, r.RetryCount
		if r.LeaseOwner != nil && r.LeaseExpiry != nil {
			entry.Lease = &domain.Lease{Owner: *r.LeaseOwner, Expiry: *r.LeaseExpiry}
		}
		return entry
	}
	entry := domain.CacheEntry{
		Key: r.Key, Revision: r.Revision, Status: domain.StatusCode(r.Status),
		Value: job, LastActivity: r.LastActivity, LastPoll: r.LastPoll, RetryCount: r.RetryCount,
	}
	if r.LeaseOwner != nil && r.LeaseExpiry != nil {
		entry.Lease = &domain.Lease{Owner: *r.LeaseOwner, Expiry: *r.LeaseExpiry}
	}
	return entry
}

func (c *Cache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (domain.Ticket, error) {
	now := c.clock.Now()
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: now.Add(c.leaseDuration(duration))}
	owner := lease.Owner
	row := Row{
		Key: key, Revision: 0, Status: string(domain.StatusPending),
		LeaseOwner: &owner, LeaseExpiry: &lease.Expiry,
		Value: mustEmptyJob(), LastActivity: now, LastPoll: now,
	}
	err := c.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return domain.Ticket{}, apierr.Map("cache.OpenNewTicket", err)
	}
	return domain.Ticket{Key: key, Revision: 0, Lease: lease}, nil
}

func mustEmptyJob() []byte {
	raw, _ := json.Marshal(domain.Job{})
	return raw
}

func (c *Cache) OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (domain.Ticket, error) {
	now := c.clock.Now()
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: now.Add(c.leaseDuration(duration))}

	var ticket domain.Ticket
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Row
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("key = ?", key)
		if fErr := q.First(&row).Error; fErr != nil {
			if errors.Is(fErr, gorm.ErrRecordNotFound) {
				return apierr.NotFound("cache.OpenTicket", "no entry at key "+key)
			}
			return fErr
		}
		if row.Revision != revision {
			return apierr.Superseded("cache.OpenTicket", "stale revision for key "+key)
		}
		if row.LeaseOwner != nil && row.LeaseExpiry != nil && now.Before(*row.LeaseExpiry) {
			return apierr.LeaseConflict("cache.OpenTicket", "active lease held by "+*row.LeaseOwner)
		}
		owner := lease.Owner
		res := tx.Model(&Row{}).Where("key = ? AND revision = ?", key, revision).
			Updates(map[string]any{"lease_owner": owner, "lease_expiry": lease.Expiry})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apierr.Superseded("cache.OpenTicket", "concurrent writer claimed key "+key)
		}
		ticket = domain.Ticket{Key: key, Revision: revision, Lease: lease}
		return nil
	})
	if err != nil {
		return domain.Ticket{}, apierr.Map("cache.OpenTicket", err)
	}
	return ticket, nil
}

func (c *Cache) CloseTicket(ctx context.Context, ticket domain.Ticket) error {
	err := c.db.WithContext(ctx).Model(&Row{}).
		Where("key = ? AND lease_owner = ?", ticket.Key, ticket.Lease.Owner).
		Updates(map[string]any{"lease_owner": nil, "lease_expiry": nil}).Error
	if err != nil {
		return apierr.Map("cache.CloseTicket", err)
	}
	return nil
}

func (c *Cache) writeEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job, create bool) (domain.CacheEntry, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return domain.CacheEntry{}, apierr.Internal("cache.writeEntry", err)
	}
	now := c.clock.Now()

	if create {
		row := Row{
			Key: ticket.Key, Revision: 1, Status: string(status),
			Value: raw, LastActivity: now, LastPoll: now,
		}
		owner := ticket.Lease.Owner
		row.LeaseOwner, row.LeaseExpiry = &owner, &ticket.Lease.Expiry
		if err := c.db.WithContext(ctx).Save(&row).Error; err != nil {
			return domain.CacheEntry{}, apierr.Map("cache.AddEntry", err)
		}
		return c.toEntry(row), nil
	}

	var updated Row
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Row{}).
			Where("key = ? AND revision = ? AND lease_owner = ? AND lease_expiry > ?", ticket.Key, ticket.Revision, ticket.Lease.Owner, now).
			Updates(map[string]any{
				"revision":      gorm.Expr("revision + 1"),
				"status":        string(status),
				"value":         raw,
				"last_activity": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apierr.LeaseConflict("cache.UpdateEntry", "ticket lease is no longer valid for key "+ticket.Key)
		}
		return tx.Where("key = ?", ticket.Key).First(&updated).Error
	})
	if err != nil {
		return domain.CacheEntry{}, apierr.Map("cache.UpdateEntry", err)
	}
	return c.toEntry(updated), nil
}

func (c *Cache) AddEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	return c.writeEntry(ctx, ticket, status, value, true)
}

func (c *Cache) UpdateEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	return c.writeEntry(ctx, ticket, status, value, false)
}

func (c *Cache) RemoveEntry(ctx context.Context, ticket domain.Ticket) error {
	res := c.db.WithContext(ctx).
		Where("key = ? AND revision = ? AND lease_owner = ? AND lease_expiry > ?", ticket.Key, ticket.Revision, ticket.Lease.Owner, c.clock.Now()).
		Delete(&Row{})
	if res.Error != nil {
		return apierr.Map("cache.RemoveEntry", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.LeaseConflict("cache.RemoveEntry", "ticket lease is no longer valid for key "+ticket.Key)
	}
	return nil
}

func (c *Cache) GetEntry(ctx context.Context, ticket domain.Ticket) (domain.CacheEntry, error) {
	return c.GetLatestEntry(ctx, ticket.Key)
}

func (c *Cache) GetEntryAt(ctx context.Context, key string, revision int64) (domain.CacheEntry, error) {
	var row Row
	err := c.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		return domain.CacheEntry{}, apierr.Map("cache.GetEntryAt", err)
	}
	if row.Revision != revision {
		return domain.CacheEntry{}, apierr.Superseded("cache.GetEntryAt", "stale revision for key "+key)
	}
	return c.toEntry(row), nil
}

func (c *Cache) GetLatestEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	var row Row
	err := c.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		return domain.CacheEntry{}, apierr.Map("cache.GetLatestEntry", err)
	}
	return c.toEntry(row), nil
}

func (c *Cache) QueryState(ctx context.Context, statuses []domain.StatusCode) ([]domain.CacheEntry, error) {
	strs := make([]string, 0, len(statuses))
	for _, s := range statuses {
		strs = append(strs, string(s))
	}
	var rows []Row
	if err := c.db.WithContext(ctx).Where("status IN ?", strs).Find(&rows).Error; err != nil {
		return nil, apierr.Map("cache.QueryState", err)
	}
	out := make([]domain.CacheEntry, 0, len(rows))
	for _, row := range rows {
		// Corrupted rows surface as FAILED entries rather than being
		// skipped, so the scheduler still finds and finalizes them.
		out = append(out, c.toEntry(row))
	}
	return out, nil
}

var _ cache.Cache = (*Cache)(nil)
