// Package redisx implements cache.Cache on Redis, a second shared-datastore
// backend for HA deployments alongside cache/postgres. Each entry is a hash
// mutated through WATCH/MULTI/EXEC optimistic transactions rather than Lua
// scripting, keeping the same "read outside the lock, commit under an
// optimistic check" shape the in-memory and Postgres backends use.
package redisx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
	"github.com/tracdap/orchestrator-core/internal/platform/logger"
)

const defaultLeaseDuration = 30 * time.Second

func newLeaseOwner() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Cache is a Redis-backed cache.Cache. Each entry is a Redis hash keyed by
// keyPrefix+key with fields revision, status, lease_owner, lease_expiry
// (unix nanos), value (JSON job bytes).
type Cache struct {
	rdb       *goredis.Client
	log       *logger.Logger
	clock     cache.Clock
	keyPrefix string
}

// New dials addr (REDIS_ADDR) and returns a ready Cache: dial timeout,
// startup ping, fail fast on either.
func New(ctx context.Context, addr string, log *logger.Logger, clock cache.Clock) (*Cache, error) {
	if clock == nil {
		clock = cache.SystemClock
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisx: ping %s: %w", addr, err)
	}
	if log != nil {
		log = log.With("component", "RedisJobCache")
	}
	return &Cache{rdb: rdb, log: log, clock: clock, keyPrefix: "jobcache:"}, nil
}

func (c *Cache) hkey(key string) string { return c.keyPrefix + key }

func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) leaseDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLeaseDuration
	}
	return d
}

type hashState struct {
	exists      bool
	revision    int64
	status      string
	leaseOwner  string
	leaseExpiry time.Time
	hasLease    bool
	value       []byte
}

func (c *Cache) readHash(ctx context.Context, key string) (hashState, error) {
	res, err := c.rdb.HGetAll(ctx, c.hkey(key)).Result()
	if err != nil {
		return hashState{}, apierr.TransientIO("cache.readHash", "redis HGETALL failed", err)
	}
	if len(res) == 0 {
		return hashState{}, nil
	}
	st := hashState{exists: true, status: res["status"], value: []byte(res["value"])}
	if v, ok := res["revision"]; ok {
		st.revision, _ = strconv.ParseInt(v, 10, 64)
	}
	if owner, ok := res["lease_owner"]; ok && owner != "" {
		if expRaw, ok2 := res["lease_expiry"]; ok2 && expRaw != "" {
			if nanos, perr := strconv.ParseInt(expRaw, 10, 64); perr == nil {
				st.hasLease = true
				st.leaseOwner = owner
				st.leaseExpiry = time.Unix(0, nanos)
			}
		}
	}
	return st, nil
}

func (c *Cache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (domain.Ticket, error) {
	now := c.clock.Now()
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: now.Add(c.leaseDuration(duration))}

	var ticket domain.Ticket
	txf := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, c.hkey(key)).Result()
		if err != nil {
			return apierr.TransientIO("cache.OpenNewTicket", "redis EXISTS failed", err)
		}
		if exists == 1 {
			return apierr.AlreadyExists("cache.OpenNewTicket", "entry already exists at key "+key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, c.hkey(key), map[string]any{
				"revision": 0, "status": string(domain.StatusPending),
				"lease_owner": lease.Owner, "lease_expiry": lease.Expiry.UnixNano(),
				"value": "{}",
			})
			return nil
		})
		if err != nil {
			return apierr.TransientIO("cache.OpenNewTicket", "redis transaction failed", err)
		}
		ticket = domain.Ticket{Key: key, Revision: 0, Lease: lease}
		return nil
	}
	if err := c.rdb.Watch(ctx, txf, c.hkey(key)); err != nil {
		return domain.Ticket{}, normalizeTxErr("cache.OpenNewTicket", err)
	}
	return ticket, nil
}

func (c *Cache) OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (domain.Ticket, error) {
	now := c.clock.Now()
	lease := domain.Lease{Owner: newLeaseOwner(), Expiry: now.Add(c.leaseDuration(duration))}

	var ticket domain.Ticket
	txf := func(tx *goredis.Tx) error {
		st, err := c.readHashTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if !st.exists {
			return apierr.NotFound("cache.OpenTicket", "no entry at key "+key)
		}
		if st.revision != revision {
			return apierr.Superseded("cache.OpenTicket", "stale revision for key "+key)
		}
		if st.hasLease && now.Before(st.leaseExpiry) {
			return apierr.LeaseConflict("cache.OpenTicket", "active lease held by "+st.leaseOwner)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, c.hkey(key), map[string]any{
				"lease_owner": lease.Owner, "lease_expiry": lease.Expiry.UnixNano(),
			})
			return nil
		})
		if err != nil {
			return apierr.TransientIO("cache.OpenTicket", "redis transaction failed", err)
		}
		ticket = domain.Ticket{Key: key, Revision: revision, Lease: lease}
		return nil
	}
	if err := c.rdb.Watch(ctx, txf, c.hkey(key)); err != nil {
		return domain.Ticket{}, normalizeTxErr("cache.OpenTicket", err)
	}
	return ticket, nil
}

// readHashTx reads hash fields within an active WATCH transaction so the
// caller's subsequent write is validated against the same snapshot.
func (c *Cache) readHashTx(ctx context.Context, tx *goredis.Tx, key string) (hashState, error) {
	res, err := tx.HGetAll(ctx, c.hkey(key)).Result()
	if err != nil {
		return hashState{}, apierr.TransientIO("cache", "redis HGETALL failed", err)
	}
	if len(res) == 0 {
		return hashState{}, nil
	}
	st := hashState{exists: true, status: res["status"], value: []byte(res["value"])}
	if v, ok := res["revision"]; ok {
		st.revision, _ = strconv.ParseInt(v, 10, 64)
	}
	if owner, ok := res["lease_owner"]; ok && owner != "" {
		if expRaw, ok2 := res["lease_expiry"]; ok2 && expRaw != "" {
			if nanos, perr := strconv.ParseInt(expRaw, 10, 64); perr == nil {
				st.hasLease = true
				st.leaseOwner = owner
				st.leaseExpiry = time.Unix(0, nanos)
			}
		}
	}
	return st, nil
}

func (c *Cache) CloseTicket(ctx context.Context, ticket domain.Ticket) error {
	txf := func(tx *goredis.Tx) error {
		st, err := c.readHashTx(ctx, tx, ticket.Key)
		if err != nil {
			return err
		}
		if !st.exists || st.leaseOwner != ticket.Lease.Owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, c.hkey(ticket.Key), map[string]any{"lease_owner": "", "lease_expiry": 0})
			return nil
		})
		return err
	}
	if err := c.rdb.Watch(ctx, txf, c.hkey(ticket.Key)); err != nil {
		return normalizeTxErr("cache.CloseTicket", err)
	}
	return nil
}

func (c *Cache) writeEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job, create bool) (domain.CacheEntry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.CacheEntry{}, apierr.Internal("cache.writeEntry", err)
	}
	now := c.clock.Now()

	var result domain.CacheEntry
	txf := func(tx *goredis.Tx) error {
		st, rerr := c.readHashTx(ctx, tx, ticket.Key)
		if rerr != nil {
			return rerr
		}
		if !create {
			if !st.exists || st.leaseOwner != ticket.Lease.Owner || !now.Before(st.leaseExpiry) || st.revision != ticket.Revision {
				return apierr.LeaseConflict("cache.UpdateEntry", "ticket lease is no longer valid for key "+ticket.Key)
			}
		}
		nextRevision := int64(1)
		if !create {
			nextRevision = st.revision + 1
		}
		_, werr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			fields := map[string]any{
				"revision": nextRevision, "status": string(status), "value": string(raw),
			}
			if create {
				fields["lease_owner"] = ticket.Lease.Owner
				fields["lease_expiry"] = ticket.Lease.Expiry.UnixNano()
			}
			pipe.HSet(ctx, c.hkey(ticket.Key), fields)
			return nil
		})
		if werr != nil {
			return apierr.TransientIO("cache.writeEntry", "redis transaction failed", werr)
		}
		result = domain.CacheEntry{Key: ticket.Key, Revision: nextRevision, Status: status, Value: value, LastActivity: now}
		return nil
	}
	if err := c.rdb.Watch(ctx, txf, c.hkey(ticket.Key)); err != nil {
		return domain.CacheEntry{}, normalizeTxErr("cache.writeEntry", err)
	}
	return result, nil
}

func (c *Cache) AddEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	return c.writeEntry(ctx, ticket, status, value, true)
}

func (c *Cache) UpdateEntry(ctx context.Context, ticket domain.Ticket, status domain.StatusCode, value domain.Job) (domain.CacheEntry, error) {
	return c.writeEntry(ctx, ticket, status, value, false)
}

func (c *Cache) RemoveEntry(ctx context.Context, ticket domain.Ticket) error {
	now := c.clock.Now()
	txf := func(tx *goredis.Tx) error {
		st, err := c.readHashTx(ctx, tx, ticket.Key)
		if err != nil {
			return err
		}
		if !st.exists || st.leaseOwner != ticket.Lease.Owner || !now.Before(st.leaseExpiry) {
			return apierr.LeaseConflict("cache.RemoveEntry", "ticket lease is no longer valid for key "+ticket.Key)
		}
		_, derr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, c.hkey(ticket.Key))
			return nil
		})
		return derr
	}
	if err := c.rdb.Watch(ctx, txf, c.hkey(ticket.Key)); err != nil {
		return normalizeTxErr("cache.RemoveEntry", err)
	}
	return nil
}

// entryFromState maps a hash snapshot to a cache entry. A value field that
// fails to deserialize is not dropped: it comes back as a Corrupted entry
// with status FAILED so the scheduler can record the failure and remove it.
func (c *Cache) entryFromState(key string, st hashState) domain.CacheEntry {
	var job domain.Job
	if len(st.value) > 0 {
		if err := json.Unmarshal(st.value, &job); err != nil {
			if c.log != nil {
				c.log.Error("cache entry failed to deserialize", "key", key, "error", err)
			}
			entry := cache.CorruptedEntry(key, st.revision, st.value, err)
			if st.hasLease {
				entry.Lease = &domain.Lease{Owner: st.leaseOwner, Expiry: st.leaseExpiry}
			}
			return entry
		}
	}
	entry := domain.CacheEntry{Key: key, Revision: st.revision, Status: domain.StatusCode(st.status), Value: job}
	if st.hasLease {
		entry.Lease = &domain.Lease{Owner: st.leaseOwner, Expiry: st.leaseExpiry}
	}
	return entry
}

func (c *Cache) GetEntry(ctx context.Context, ticket domain.Ticket) (domain.CacheEntry, error) {
	return c.GetLatestEntry(ctx, ticket.Key)
}

func (c *Cache) GetEntryAt(ctx context.Context, key string, revision int64) (domain.CacheEntry, error) {
	st, err := c.readHash(ctx, key)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	if !st.exists {
		return domain.CacheEntry{}, apierr.NotFound("cache.GetEntryAt", "no entry at key "+key)
	}
	if st.revision != revision {
		return domain.CacheEntry{}, apierr.Superseded("cache.GetEntryAt", "stale revision for key "+key)
	}
	return c.entryFromState(key, st), nil
}

func (c *Cache) GetLatestEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	st, err := c.readHash(ctx, key)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	if !st.exists {
		return domain.CacheEntry{}, apierr.NotFound("cache.GetLatestEntry", "no entry at key "+key)
	}
	return c.entryFromState(key, st), nil
}

// QueryState scans every jobcache:* key. Acceptable for the moderate entry
// counts a single orchestrator instance handles; a high-scale deployment
// would maintain a secondary status->keys index instead.
func (c *Cache) QueryState(ctx context.Context, statuses []domain.StatusCode) ([]domain.CacheEntry, error) {
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[string(s)] = true
	}
	var out []domain.CacheEntry
	iter := c.rdb.Scan(ctx, 0, c.keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		key := full[len(c.keyPrefix):]
		st, err := c.readHash(ctx, key)
		if err != nil || !st.exists {
			continue
		}
		if !want[st.status] {
			continue
		}
		// Corrupted values surface as FAILED entries rather than being
		// skipped, so the scheduler still finds and finalizes them.
		out = append(out, c.entryFromState(key, st))
	}
	if err := iter.Err(); err != nil {
		return nil, apierr.TransientIO("cache.QueryState", "redis SCAN failed", err)
	}
	return out, nil
}

func normalizeTxErr(op string, err error) error {
	if err == goredis.TxFailedErr {
		return apierr.Superseded(op, "concurrent writer modified the entry")
	}
	if apierr.KindOf(err) != "" {
		// Already classified inside the transaction body; keep the kind.
		return err
	}
	return apierr.TransientIO(op, "redis transaction failed", err)
}

var _ cache.Cache = (*Cache)(nil)
