// Package checkcache implements the client-side cache of Check precondition
// decisions, keyed by (referenced template hash, attribute signature).
// Eviction combines an LRU list with TTL expiration, adapted from the
// teacher's in-memory cache (internal/cache/memory.go); concurrent misses for
// the same attribute set are coalesced with golang.org/x/sync/singleflight so
// a burst of identical requests produces exactly one network round trip.
package checkcache

import (
	"container/heap"
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/signature"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// FetchFunc performs the network round trip for a cache miss, returning the
// server's response and, when present, its decoded Referenced template.
type FetchFunc func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error)

// Config controls eviction behavior.
type Config struct {
	// MaxEntries bounds the number of cached (template, signature) entries.
	MaxEntries int
	// DefaultTTL is used when the server response carries no ValidDuration.
	DefaultTTL time.Duration
	// NetworkFailOpen controls what Check surfaces when fetch fails on a
	// cache miss: true (the default) surfaces a synthetic OK so a
	// control-plane outage doesn't also take down the data plane; false
	// surfaces an Unavailable error.
	NetworkFailOpen bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxEntries: 10000, DefaultTTL: 5 * time.Second, NetworkFailOpen: true}
}

type entry struct {
	refHash    uint64
	digest     signature.Digest
	response   wire.CheckResponse
	expiration time.Time
	usesLeft   int32 // -1 means unlimited
	lruElem    *list.Element
	heapIndex  int
}

// Cache is the Check decision cache. A Cache is safe for concurrent use.
type Cache struct {
	cfg   Config
	fetch FetchFunc
	now   func() time.Time

	mu        sync.Mutex
	templates map[uint64]*signature.Referenced
	byKey     map[uint64]map[signature.Digest]*entry
	count     int
	lru       *list.List // front = most recently used
	expHeap   expirationHeap

	group singleflight.Group
}

// New builds a Cache that uses fetch to resolve misses.
func New(cfg Config, fetch FetchFunc) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Second
	}
	return &Cache{
		cfg:       cfg,
		fetch:     fetch,
		now:       time.Now,
		templates: make(map[uint64]*signature.Referenced),
		byKey:     make(map[uint64]map[signature.Digest]*entry),
		lru:       list.New(),
	}
}

// Check returns a cached decision for bag if one of the known Referenced
// templates matches and hasn't expired or exhausted its use count; otherwise
// it calls fetch, coalescing concurrent misses for an identical bag via
// singleflight, and caches the result if the response names a Referenced
// template.
func (c *Cache) Check(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, error) {
	if resp, ok := c.lookup(bag); ok {
		return resp, nil
	}

	v, err, _ := c.group.Do(bagFingerprint(bag), func() (interface{}, error) {
		// Another caller may have populated the cache while this one waited
		// to become the singleflight leader.
		if resp, ok := c.lookup(bag); ok {
			return resp, nil
		}
		resp, referenced, ferr := c.fetch(ctx, bag)
		if ferr != nil {
			return wire.CheckResponse{}, ferr
		}
		if referenced != nil {
			c.store(referenced, bag, resp)
		}
		return resp, nil
	})
	if err != nil {
		if c.cfg.NetworkFailOpen {
			return wire.CheckResponse{Precondition: wire.PreconditionResult{ValidDuration: c.cfg.DefaultTTL}}, nil
		}
		return wire.CheckResponse{}, mixererrors.NewUnavailable(err.Error())
	}
	return v.(wire.CheckResponse), nil
}

// CacheResponse registers resp against referenced and bag directly, without
// going through Check's fetch path. Used when a caller already performed the
// network round trip itself (for example, a Quota-only Alloc that piggy-backs
// a Check response) and wants the decision available to later Check calls.
func (c *Cache) CacheResponse(referenced *signature.Referenced, bag attribute.Bag, resp wire.CheckResponse) error {
	return c.store(referenced, bag, resp)
}

// FlushAll empties the cache, used on configuration changes that invalidate
// every previously cached decision.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = make(map[uint64]*signature.Referenced)
	c.byKey = make(map[uint64]map[signature.Digest]*entry)
	c.count = 0
	c.lru = list.New()
	c.expHeap = nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Cache) lookup(bag attribute.Bag) (wire.CheckResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, ref := range c.templates {
		digest, err := ref.Signature(bag, "")
		if err != nil {
			continue // not cacheable against this template (absence/regex/mismatch)
		}
		byDigest, ok := c.byKey[ref.Hash()]
		if !ok {
			continue
		}
		e, ok := byDigest[digest]
		if !ok {
			continue
		}
		if now.After(e.expiration) {
			c.removeLocked(e)
			continue
		}
		if e.usesLeft == 0 {
			c.removeLocked(e)
			continue
		}
		if e.usesLeft > 0 {
			e.usesLeft--
			if e.usesLeft == 0 {
				resp := e.response
				c.removeLocked(e)
				return resp, true
			}
		}
		c.lru.MoveToFront(e.lruElem)
		return e.response, true
	}
	return wire.CheckResponse{}, false
}

func (c *Cache) store(referenced *signature.Referenced, bag attribute.Bag, resp wire.CheckResponse) error {
	digest, err := referenced.Signature(bag, "")
	if err != nil {
		return err //nolint:wrapcheck // signature.ErrNotCacheable is the caller-meaningful sentinel
	}

	ttl := resp.Precondition.ValidDuration
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	expiration := c.now().Add(ttl)

	usesLeft := int32(-1)
	if resp.Precondition.ValidUseCount > 0 {
		usesLeft = resp.Precondition.ValidUseCount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	refHash := referenced.Hash()
	if _, ok := c.templates[refHash]; !ok {
		c.templates[refHash] = referenced
	}

	byDigest, ok := c.byKey[refHash]
	if !ok {
		byDigest = make(map[signature.Digest]*entry)
		c.byKey[refHash] = byDigest
	}

	if existing, ok := byDigest[digest]; ok {
		if !expiration.After(existing.expiration) {
			// Never downgrade a fresher cached expiry with a staler one —
			// the response that reaches us last over the network isn't
			// necessarily the one the server computed last.
			c.lru.MoveToFront(existing.lruElem)
			return nil
		}
		existing.response = resp
		existing.expiration = expiration
		existing.usesLeft = usesLeft
		c.lru.MoveToFront(existing.lruElem)
		heap.Fix(&c.expHeap, existing.heapIndex)
		return nil
	}

	if c.count >= c.cfg.MaxEntries {
		c.evictOldest()
	}

	e := &entry{
		refHash:    refHash,
		digest:     digest,
		response:   resp,
		expiration: expiration,
		usesLeft:   usesLeft,
	}
	e.lruElem = c.lru.PushFront(e)
	heap.Push(&c.expHeap, e)
	byDigest[digest] = e
	c.count++
	return nil
}

// evictOldest drops the least-recently-used entry. Called with c.mu held.
func (c *Cache) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*entry))
}

// removeLocked deletes e from every index. Called with c.mu held.
func (c *Cache) removeLocked(e *entry) {
	if byDigest, ok := c.byKey[e.refHash]; ok {
		delete(byDigest, e.digest)
		if len(byDigest) == 0 {
			delete(c.byKey, e.refHash)
		}
	}
	c.lru.Remove(e.lruElem)
	if e.heapIndex >= 0 && e.heapIndex < len(c.expHeap) {
		heap.Remove(&c.expHeap, e.heapIndex)
	}
	c.count--
}

// bagFingerprint builds a deterministic string key over bag's entire
// contents, used only to coalesce concurrent identical Check calls via
// singleflight — unlike signature.Signature, it does not depend on a
// Referenced template (none is known yet for a first-time request).
func bagFingerprint(bag attribute.Bag) string {
	names := bag.Names()
	sort.Strings(names)
	out := make([]byte, 0, 64*len(names))
	for _, name := range names {
		v, _ := bag.Get(name)
		out = append(out, name...)
		out = append(out, 0)
		out = append(out, byte(v.Kind))
		out = append(out, fmt.Sprintf("%v", canonicalValue(v))...)
		out = append(out, 0)
	}
	return string(out)
}

func canonicalValue(v attribute.Value) interface{} {
	switch v.Kind {
	case attribute.KindString:
		return v.String
	case attribute.KindBytes:
		return v.Bytes
	case attribute.KindInt64:
		return v.Int64
	case attribute.KindDouble:
		return v.Double
	case attribute.KindBool:
		return v.Bool
	case attribute.KindTimestamp:
		return v.Timestamp.UnixNano()
	case attribute.KindDuration:
		return v.Duration
	case attribute.KindStringMap:
		return v.StringMap
	default:
		return nil
	}
}

// expirationHeap is a min-heap over *entry by expiration time, adapted from
// internal/cache/memory.go's expirationHeap but storing entry pointers
// directly instead of a key string, so heap.Fix/heap.Remove can be driven
// straight off an entry's own heapIndex.
type expirationHeap []*entry

func (h expirationHeap) Len() int           { return len(h) }
func (h expirationHeap) Less(i, j int) bool { return h[i].expiration.Before(h[j].expiration) }
func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *expirationHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
