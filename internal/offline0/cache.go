package offline0

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"offline0/internal/store"
)

// DefaultTTL is how long a cached response stays servable.
const DefaultTTL = 24 * time.Hour

// Cache keeps the last good response per read request. A RAM tier fronts the
// durable store; both carry the same expiry. Store failures are logged and
// treated as misses so the request path keeps working.
type Cache struct {
	store   store.Store
	ram     *gocache.Cache
	ramMax  int64
	ramUsed atomic.Int64
	// ramMu serializes writers of the RAM tier so ramUsed matches its contents
	ramMu sync.Mutex
	ttl     time.Duration

	logger  *slog.Logger
	warnLog *rateLimitedLogger
	metrics *metrics
	now     func() time.Time
}

type CacheOptions struct {
	// TTL applies when Set gets no ttl; DefaultTTL when zero.
	TTL time.Duration
	// RAMMax bounds the bytes held in the RAM tier; zero disables it.
	RAMMax int64
}

func NewCache(st store.Store, opts CacheOptions, logger *slog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store: st,
		// no janitor goroutine; SweepExpired drives RAM expiry
		ram:     gocache.New(gocache.NoExpiration, 0),
		ramMax:  opts.RAMMax,
		ttl:     opts.TTL,
		logger:  logger,
		warnLog: newRateLimitedLogger(logger, time.Minute),
		now:     time.Now,
	}
	c.ram.OnEvicted(func(_ string, v any) {
		if rec, ok := v.(store.CachedRecord); ok {
			c.ramUsed.Add(-ramSize(rec))
		}
	})
	return c
}

func ramSize(rec store.CachedRecord) int64 {
	return int64(len(rec.Key) + len(rec.Payload))
}

// CacheKey derives the cache key of a request: METHOD_path, plus _query with
// parameters sorted when the URL has a query. "GET", "/products/" gives
// "GET_/products".
func CacheKey(method, rawURL string) string {
	method = strings.ToUpper(method)
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + "_" + rawURL
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	key := method + "_" + path
	if q := u.Query(); len(q) > 0 {
		key += "_" + q.Encode()
	}
	return key
}

// Get returns the live record for key. Expired records are deleted.
func (c *Cache) Get(ctx context.Context, key string) (store.CachedRecord, bool) {
	now := c.now()

	if v, ok := c.ram.Get(key); ok {
		rec := v.(store.CachedRecord)
		if !rec.Expired(now) {
			c.metrics.cacheHit()
			return rec, true
		}
		c.ram.Delete(key)
	}

	rec, err := c.store.GetCached(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.warnLog.Warn("cache read failed", "key", key, "error", err)
		}
		c.metrics.cacheMiss()
		return store.CachedRecord{}, false
	}
	if rec.Expired(now) {
		if err := c.store.DeleteCached(ctx, key); err != nil {
			c.warnLog.Warn("cache delete failed", "key", key, "error", err)
		}
		c.metrics.cacheMiss()
		return store.CachedRecord{}, false
	}
	c.putRAM(rec, now)
	c.metrics.cacheHit()
	return rec, true
}

// Set stores rec under key for ttl (the default TTL when ttl <= 0).
func (c *Cache) Set(ctx context.Context, key string, rec store.CachedRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	rec.Key = key
	rec.StoredAt = now
	rec.ExpiresAt = now.Add(ttl)
	if rec.Status == 0 {
		rec.Status = 200
	}

	c.putRAM(rec, now)
	if err := c.store.PutCached(ctx, rec); err != nil {
		c.warnLog.Warn("cache write failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (c *Cache) putRAM(rec store.CachedRecord, now time.Time) {
	if c.ramMax <= 0 {
		return
	}
	c.ramMu.Lock()
	defer c.ramMu.Unlock()
	// OnEvicted releases the previous entry's size
	c.ram.Delete(rec.Key)
	ttl := rec.ExpiresAt.Sub(now)
	size := ramSize(rec)
	if ttl <= 0 || c.ramUsed.Load()+size > c.ramMax {
		// RAM tier full; the store still has it
		return
	}
	c.ram.Set(rec.Key, rec, ttl)
	c.ramUsed.Add(size)
}

// Invalidate removes every record whose key starts with prefix. An empty
// prefix clears the cache.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int, error) {
	for k := range c.ram.Items() {
		if strings.HasPrefix(k, prefix) {
			c.ram.Delete(k)
		}
	}
	n, err := c.store.DeleteCachedPrefix(ctx, prefix)
	if err != nil {
		c.logger.Warn("cache invalidate failed", "prefix", prefix, "error", err)
		return 0, err
	}
	return n, nil
}

// SweepExpired deletes every expired record.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	now := c.now()
	for k, it := range c.ram.Items() {
		if rec, ok := it.Object.(store.CachedRecord); ok && rec.Expired(now) {
			c.ram.Delete(k)
		}
	}
	c.ram.DeleteExpired()
	n, err := c.store.DeleteCachedExpired(ctx, now)
	if err != nil {
		c.logger.Warn("cache sweep failed", "error", err)
		return 0, err
	}
	return n, nil
}

func (c *Cache) ramStats() (items int, bytes int64) {
	return c.ram.ItemCount(), c.ramUsed.Load()
}

// dropRAM empties the RAM tier; the store is left alone.
func (c *Cache) dropRAM() {
	c.ramMu.Lock()
	defer c.ramMu.Unlock()
	c.ram.Flush()
	c.ramUsed.Store(0)
}
