package quota

import (
	"container/list"
	"context"
	"crypto/md5" //nolint:gosec // fingerprint identity only, not a security boundary
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// CacheConfig tunes the QuotaCache's attribute-class dispatch LRU.
type CacheConfig struct {
	// MaxEntries bounds the number of distinct attribute classes tracked at
	// once; least-recently-used classes are evicted first.
	MaxEntries int
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 10000}
}

type classKey [16]byte

type classEntry struct {
	key classKey
	mgr *Manager
}

// Cache dispatches per-request quota allocations to the Manager bound to the
// request's attribute class: the attribute set that determines which quota
// rules apply, excluding the volatile quota.amount value itself. Two Check
// calls sharing a class (same route, same destination, whatever the
// operator's quota rules key on) share prefetch state across quota names;
// two calls differing in any other attribute get independent state, so one
// route's quota pressure never skews another's prediction.
type Cache struct {
	cfg      CacheConfig
	mgrCfg   Config
	allocFor func(quotaName string) AllocFunc

	mu      sync.Mutex
	entries map[classKey]*list.Element
	lru     *list.List
}

// NewCache builds a Cache. allocFor is passed through to each class's
// Manager, exactly as NewManager expects.
func NewCache(cfg CacheConfig, mgrCfg Config, allocFor func(quotaName string) AllocFunc) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Cache{
		cfg:      cfg,
		mgrCfg:   mgrCfg,
		allocFor: allocFor,
		entries:  make(map[classKey]*list.Element),
		lru:      list.New(),
	}
}

// Alloc grants amount tokens of quotaName for bag's attribute class.
func (c *Cache) Alloc(ctx context.Context, quotaName string, bag attribute.Bag, amount int64, bestEffort bool) (int64, error) {
	mgr := c.managerFor(classKeyFor(bag))
	return mgr.Alloc(ctx, quotaName, amount, bestEffort)
}

// Stats reports the current prefetch window for every quota name used so
// far within bag's attribute class, for metrics export.
func (c *Cache) Stats(bag attribute.Bag) map[string]Stats {
	mgr := c.managerFor(classKeyFor(bag))
	return mgr.Stats()
}

// Result is the aggregate outcome of evaluating every quota piggy-backed on
// one Check call.
type Result struct {
	// Granted holds the amount actually allocated for every quota that was
	// not rejected, including quotas best-effort-granted a partial amount.
	Granted map[string]int64
	// Rejected names the quotas a strict (non-best-effort) request could
	// not fully grant.
	Rejected []string
}

// Evaluate resolves every quota named in quotas against bag's attribute
// class and assembles one aggregate decision: any rejection makes the whole
// result a RESOURCE_EXHAUSTED error naming the rejected quotas; otherwise
// Evaluate returns the per-quota granted amounts. Quotas are independent of
// each other, so a rejection is never compensated by returning tokens
// already granted to a sibling quota in the same call — see the
// spec's resolution of the original's quota-rollback TODO.
func (c *Cache) Evaluate(ctx context.Context, bag attribute.Bag, quotas map[string]wire.QuotaParams) (Result, error) {
	result := Result{Granted: make(map[string]int64, len(quotas))}

	names := make([]string, 0, len(quotas))
	for name := range quotas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		params := quotas[name]
		granted, err := c.Alloc(ctx, name, bag, params.Amount, params.BestEffort)
		if err != nil {
			result.Rejected = append(result.Rejected, name)
			continue
		}
		result.Granted[name] = granted
		if granted < params.Amount && !params.BestEffort {
			result.Rejected = append(result.Rejected, name)
		}
	}

	if len(result.Rejected) > 0 {
		return result, mixererrors.NewResourceExhausted(
			fmt.Sprintf("quota rejected: %s", strings.Join(result.Rejected, ", ")))
	}
	return result, nil
}

func (c *Cache) managerFor(key classKey) *Manager {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*classEntry).mgr
	}

	mgr := NewManager(c.mgrCfg, c.allocFor)
	elem := c.lru.PushFront(&classEntry{key: key, mgr: mgr})
	c.entries[key] = elem

	if len(c.entries) > c.cfg.MaxEntries {
		if back := c.lru.Back(); back != nil {
			be := c.lru.Remove(back).(*classEntry)
			delete(c.entries, be.key)
		}
	}

	return mgr
}

// Len returns the number of distinct attribute classes currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// classKeyFor hashes bag's attributes, excluding the volatile quota.amount
// value, into the class-dispatch key. Adapted from the teacher's
// DefaultKeyGenerator (sorted field names fed into a hash builder), switched
// from SHA-256/hex to the package-wide MD5 digest discipline pkg/signature
// already uses for the identical "fingerprint an attribute set" job.
func classKeyFor(bag attribute.Bag) classKey {
	names := bag.Names()
	sort.Strings(names)

	h := md5.New() //nolint:gosec // see import comment
	for _, name := range names {
		if name == "quota.amount" {
			continue
		}
		v, _ := bag.Get(name)
		h.Write([]byte(name))
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", canonicalValue(v))
		h.Write([]byte{0})
	}

	var key classKey
	copy(key[:], h.Sum(nil))
	return key
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
