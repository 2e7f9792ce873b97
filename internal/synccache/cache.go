// Package synccache is the client-side read-through cache of work orders and
// their attachment listings.
//
// Per key: Empty -> Fresh -> Stale -> Fresh (refreshed) -> Evicted.
// Entries are never updated in place. Every change goes through Invalidate
// followed by a fetch on the next read, so the local mutation path and the
// push path converge on the same state whatever their arrival order.
package synccache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/retry"
)

// Source is the read side of the remote authority.
type Source interface {
	FetchEntity(ctx context.Context, id string) (*job.WorkOrder, error)
	ListAttachments(ctx context.Context, id string) ([]job.Attachment, error)
}

const (
	jobPrefix         = "dossier:"
	attachmentsPrefix = "files:"
)

// JobKey is the cache key of a work order.
func JobKey(id string) string { return jobPrefix + id }

// AttachmentsKey is the cache key of a work order's attachment listing.
func AttachmentsKey(id string) string { return attachmentsPrefix + id }

// EntryState is the observable state of a cache key.
type EntryState string

const (
	StateEmpty   EntryState = "empty"
	StateFresh   EntryState = "fresh"
	StateStale   EntryState = "stale"
	StateEvicted EntryState = "evicted"
)

// DefaultTTL is the freshness window.
const DefaultTTL = 30 * time.Second

// DefaultFetchTimeout bounds one shared read-through fetch, retries included.
const DefaultFetchTimeout = 30 * time.Second

type entry struct {
	value      any
	capturedAt time.Time
}

// Stats are cumulative counters since construction.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Fetches       uint64 `json:"fetches"`
	Discarded     uint64 `json:"discarded"`
	Invalidations uint64 `json:"invalidations"`
}

// Cache is safe for concurrent use.
type Cache struct {
	src       Source
	ttl       time.Duration
	retention time.Duration
	capacity  uint64
	timeout   time.Duration
	now       func() time.Time
	policy    retry.Policy
	logger    *slog.Logger

	items *ttlcache.Cache[string, entry]
	group singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
	evicted     mapset.Set[string]
	stored      mapset.Set[string]

	hits, misses, fetches, discarded, invalidations atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness window. There is no per-key override.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the clock used to decide freshness.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRetention sets how long stale entries are kept before the backing
// store drops them. Defaults to ten times the TTL.
func WithRetention(d time.Duration) Option {
	return func(c *Cache) { c.retention = d }
}

// WithCapacity bounds the number of stored entries.
func WithCapacity(n uint64) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithFetchTimeout bounds a shared fetch. The fetch does not follow any single
// caller's cancellation, so this is its only deadline.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryPolicy sets the backoff policy for read-through fetches.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Cache) { c.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache over src and starts the backing store's expiry loop.
// Call Close to stop it.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:         src,
		ttl:         DefaultTTL,
		timeout:     DefaultFetchTimeout,
		now:         time.Now,
		policy:      retry.DefaultPolicy,
		logger:      slog.Default(),
		generations: make(map[string]uint64),
		evicted:     mapset.NewThreadUnsafeSet[string](),
		stored:      mapset.NewThreadUnsafeSet[string](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retention <= 0 {
		c.retention = 10 * c.ttl
	}

	storeOpts := []ttlcache.Option[string, entry]{
		ttlcache.WithTTL[string, entry](c.retention),
		ttlcache.WithDisableTouchOnHit[string, entry](),
	}
	if c.capacity > 0 {
		storeOpts = append(storeOpts, ttlcache.WithCapacity[string, entry](c.capacity))
	}
	c.items = ttlcache.New(storeOpts...)
	go c.items.Start()
	return c
}

// Close stops the backing store's expiry loop.
func (c *Cache) Close() {
	c.items.Stop()
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Job returns the work order id, from cache when fresh and force is false.
// The returned value is a copy.
func (c *Cache) Job(ctx context.Context, id string, force bool) (*job.WorkOrder, error) {
	v, err := c.get(ctx, JobKey(id), force, func(ctx context.Context) (any, error) {
		return c.src.FetchEntity(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	wo, _ := v.(*job.WorkOrder)
	return wo.Clone(), nil
}

// Attachments returns the attachment listing of work order id.
func (c *Cache) Attachments(ctx context.Context, id string, force bool) ([]job.Attachment, error) {
	v, err := c.get(ctx, AttachmentsKey(id), force, func(ctx context.Context) (any, error) {
		return c.src.ListAttachments(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	list, _ := v.([]job.Attachment)
	out := make([]job.Attachment, len(list))
	copy(out, list)
	return out, nil
}

func (c *Cache) get(ctx context.Context, key string, force bool, load func(context.Context) (any, error)) (any, error) {
	ns := namespace(key)

	if !force {
		if item := c.items.Get(key); item != nil && c.fresh(item.Value()) {
			c.hits.Add(1)
			cacheHits.Add(ctx, 1, nsAttr(ns))
			return item.Value().value, nil
		}
	}
	c.misses.Add(1)
	cacheMisses.Add(ctx, 1, nsAttr(ns))

	c.mu.Lock()
	gen := c.generations[key]
	c.generations[key] = gen
	c.mu.Unlock()

	// Callers reading the same key in the same generation share one fetch
	// and therefore one snapshot. The fetch outlives any one caller; each
	// caller stops waiting when its own context ends.
	flight := c.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		c.fetches.Add(1)
		cacheFetches.Add(ctx, 1, nsAttr(ns))

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		val, err := retry.Do(fctx, c.policy, false, func() (any, error) {
			return load(fctx)
		})
		if err != nil {
			// Failures, NotFound included, are never cached.
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generations[key] != gen {
			c.discarded.Add(1)
			c.logger.Debug("discarding fetch from invalidated generation",
				"key", key,
				"generation", gen,
				"current", c.generations[key])
			return val, nil
		}
		c.items.Set(key, entry{value: val, capturedAt: c.now()}, ttlcache.DefaultTTL)
		c.evicted.Remove(key)
		c.stored.Add(key)
		return val, nil
	})

	select {
	case res := <-flight:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.capturedAt) < c.ttl
}

// Invalidate evicts key. The next read fetches. Invalidating an already
// evicted key is a no-op apart from the counters.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.invalidateLocked(key)
	c.mu.Unlock()

	c.invalidations.Add(1)
	cacheInvalidations.Add(context.Background(), 1, nsAttr(namespace(key)))
}

func (c *Cache) invalidateLocked(key string) {
	c.generations[key]++
	c.items.Delete(key)
	c.evicted.Add(key)
}

// InvalidatePattern evicts every known key for which match returns true,
// in-flight fetches included, and returns how many keys matched.
func (c *Cache) InvalidatePattern(match func(key string) bool) int {
	c.mu.Lock()
	known := mapset.NewThreadUnsafeSet[string](c.items.Keys()...)
	for k := range c.generations {
		known.Add(k)
	}
	n := 0
	for k := range known.Iter() {
		if match(k) {
			c.invalidateLocked(k)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.invalidations.Add(uint64(n))
		cacheInvalidations.Add(context.Background(), int64(n), nsAttr("pattern"))
	}
	return n
}

// InvalidateJob evicts a work order together with its attachment listings.
func (c *Cache) InvalidateJob(id string) {
	c.Invalidate(JobKey(id))
	files := AttachmentsKey(id)
	c.InvalidatePattern(func(k string) bool {
		return k == files || strings.HasPrefix(k, files+":")
	})
}

// State reports the state of key at the cache clock's current time.
func (c *Cache) State(key string) EntryState {
	if item := c.items.Get(key); item != nil {
		if c.fresh(item.Value()) {
			return StateFresh
		}
		return StateStale
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted.Contains(key) {
		return StateEvicted
	}
	if c.stored.Contains(key) {
		// Dropped by the backing store after the retention window.
		return StateStale
	}
	return StateEmpty
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		Discarded:     c.discarded.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
