package quota

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

func bagWith(values map[string]attribute.Value) attribute.Bag {
	return attribute.NewBag(values)
}

func TestCacheSharesPrefetchStateWithinSameClass(t *testing.T) {
	var allocs int32
	c := NewCache(DefaultCacheConfig(), DefaultConfig(), func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			atomic.AddInt32(&allocs, 1)
			return amount, time.Minute, nil
		}
	})

	bag := bagWith(map[string]attribute.Value{
		"destination.service": attribute.StringValue("reviews"),
		"quota.amount":        attribute.Int64Value(1),
	})

	ctx := context.Background()
	got, err := c.Alloc(ctx, "requests-per-second", bag, 10, false)
	require.NoError(t, err)
	require.EqualValues(t, 10, got)

	// quota.amount differs but is excluded from the class key, so this
	// still dispatches to the same Manager/Prefetch and is served locally.
	bag2 := bagWith(map[string]attribute.Value{
		"destination.service": attribute.StringValue("reviews"),
		"quota.amount":        attribute.Int64Value(99),
	})
	got, err = c.Alloc(ctx, "requests-per-second", bag2, 10, false)
	require.NoError(t, err)
	require.EqualValues(t, 10, got)
	// The Alloc RPC runs in the background; wait for it to be issued.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&allocs) >= 1
	}, time.Second, time.Millisecond, "the background Alloc RPC must be issued")
	require.EqualValues(t, 1, atomic.LoadInt32(&allocs), "second call must be served from the first class's prefetched pool")
	require.Equal(t, 1, c.Len())
}

func TestCacheIsolatesDifferentAttributeClasses(t *testing.T) {
	var allocs int32
	c := NewCache(DefaultCacheConfig(), DefaultConfig(), func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			atomic.AddInt32(&allocs, 1)
			return amount, time.Minute, nil
		}
	})

	ctx := context.Background()
	bagA := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})
	bagB := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("ratings")})

	_, err := c.Alloc(ctx, "requests-per-second", bagA, 10, false)
	require.NoError(t, err)
	_, err = c.Alloc(ctx, "requests-per-second", bagB, 10, false)
	require.NoError(t, err)

	// Each class's Alloc RPC runs in the background; wait for both.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&allocs) >= 2
	}, time.Second, time.Millisecond, "both background Alloc RPCs must be issued")
	require.EqualValues(t, 2, atomic.LoadInt32(&allocs), "distinct attribute classes must not share prefetch state")
	require.Equal(t, 2, c.Len())
}

func TestCacheEvictsLeastRecentlyUsedClass(t *testing.T) {
	c := NewCache(CacheConfig{MaxEntries: 2}, DefaultConfig(), func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			return amount, time.Minute, nil
		}
	})

	ctx := context.Background()
	bagA := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("a")})
	bagB := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("b")})
	bagC := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("c")})

	_, _ = c.Alloc(ctx, "q", bagA, 1, false)
	_, _ = c.Alloc(ctx, "q", bagB, 1, false)
	require.Equal(t, 2, c.Len())

	_, _ = c.Alloc(ctx, "q", bagC, 1, false)
	require.Equal(t, 2, c.Len(), "MaxEntries must be enforced by evicting the least-recently-used class")
}

func TestClassKeyForIgnoresQuotaAmount(t *testing.T) {
	bag1 := bagWith(map[string]attribute.Value{
		"destination.service": attribute.StringValue("reviews"),
		"quota.amount":        attribute.Int64Value(1),
	})
	bag2 := bagWith(map[string]attribute.Value{
		"destination.service": attribute.StringValue("reviews"),
		"quota.amount":        attribute.Int64Value(2),
	})
	require.Equal(t, classKeyFor(bag1), classKeyFor(bag2))
}

func TestClassKeyForDiffersOnOtherAttributes(t *testing.T) {
	bag1 := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})
	bag2 := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("ratings")})
	require.NotEqual(t, classKeyFor(bag1), classKeyFor(bag2))
}

func TestCacheEvaluateAllGrantedIsOK(t *testing.T) {
	c := NewCache(DefaultCacheConfig(), DefaultConfig(), func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			return amount, time.Minute, nil
		}
	})

	bag := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})
	result, err := c.Evaluate(context.Background(), bag, map[string]wire.QuotaParams{
		"requests-per-second": {Amount: 10},
		"writes-per-minute":   {Amount: 5},
	})
	require.NoError(t, err)
	require.Empty(t, result.Rejected)
	require.EqualValues(t, 10, result.Granted["requests-per-second"])
	require.EqualValues(t, 5, result.Granted["writes-per-minute"])
}

func TestCacheEvaluateAnyRejectedIsResourceExhausted(t *testing.T) {
	// Each verdict is decided locally before any Alloc RPC returns (and a
	// failed RPC fails open), so the rejection comes from a predicted window
	// pinned at 10: writes-per-minute asks for 50 and can only get 10.
	cfg := DefaultConfig()
	cfg.InitialWindow = 10
	cfg.MinWindow = 10
	cfg.MaxWindow = 10
	c := NewCache(DefaultCacheConfig(), cfg, func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			return amount, time.Minute, nil
		}
	})

	bag := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})
	result, err := c.Evaluate(context.Background(), bag, map[string]wire.QuotaParams{
		"requests-per-second": {Amount: 10},
		"writes-per-minute":   {Amount: 50},
	})
	require.Error(t, err)
	me, ok := err.(*mixererrors.MixerError)
	require.True(t, ok)
	require.Equal(t, mixererrors.ResourceExhausted, me.Code)
	require.Contains(t, result.Rejected, "writes-per-minute")
	require.EqualValues(t, 10, result.Granted["requests-per-second"])
}

func TestCacheEvaluateStrictPartialGrantIsRejected(t *testing.T) {
	// The immediate verdict comes from the predicted window, pinned at 5
	// here so a strict request for 10 is only partially covered.
	cfg := DefaultConfig()
	cfg.InitialWindow = 5
	cfg.MinWindow = 5
	cfg.MaxWindow = 5
	c := NewCache(DefaultCacheConfig(), cfg, func(name string) AllocFunc {
		return func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, time.Duration, error) {
			return amount / 2, time.Minute, nil
		}
	})

	bag := bagWith(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})
	result, err := c.Evaluate(context.Background(), bag, map[string]wire.QuotaParams{
		"requests-per-second": {Amount: 10, BestEffort: false},
	})
	require.Error(t, err)
	require.Contains(t, result.Rejected, "requests-per-second")
}
