package checkcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/signature"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

func testBag(ip string) attribute.Bag {
	return attribute.NewBag(map[string]attribute.Value{
		"destination.service": attribute.StringValue("reviews"),
		"source.ip":            attribute.StringValue(ip),
	})
}

func okResponse(ttl time.Duration, useCount int32, ref *signature.Referenced) wire.CheckResponse {
	_ = ref
	return wire.CheckResponse{
		Precondition: wire.PreconditionResult{
			Code:          codes.OK,
			ValidDuration: ttl,
			ValidUseCount: useCount,
		},
	}
}

func exactTemplate() *signature.Referenced {
	return signature.New(nil, []signature.Key{{Name: "destination.service"}}, false)
}

func TestCheckCacheHitAvoidsFetch(t *testing.T) {
	var fetches int32
	ref := exactTemplate()
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		atomic.AddInt32(&fetches, 1)
		return okResponse(time.Minute, -1, ref), ref, nil
	})

	ctx := context.Background()
	_, err := c.Check(ctx, testBag("10.0.0.1"))
	require.NoError(t, err)
	_, err = c.Check(ctx, testBag("10.0.0.2")) // differs only in an attribute the template doesn't reference
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&fetches), "second call must hit cache, not fetch again")
}

func TestCheckCacheExpiry(t *testing.T) {
	ref := exactTemplate()
	var fetches int32
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		atomic.AddInt32(&fetches, 1)
		return okResponse(10*time.Millisecond, -1, ref), ref, nil
	})
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	ctx := context.Background()
	_, err := c.Check(ctx, testBag("10.0.0.1"))
	require.NoError(t, err)

	fakeNow = fakeNow.Add(time.Second)
	_, err = c.Check(ctx, testBag("10.0.0.1"))
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&fetches), "expired entry must trigger a fresh fetch")
}

func TestCheckCacheUseCountExhaustion(t *testing.T) {
	ref := exactTemplate()
	var fetches int32
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		atomic.AddInt32(&fetches, 1)
		return okResponse(time.Minute, 2, ref), ref, nil
	})

	ctx := context.Background()
	bag := testBag("10.0.0.1")
	_, err := c.Check(ctx, bag) // fetch #1, installs entry with usesLeft=2
	require.NoError(t, err)
	_, err = c.Check(ctx, bag) // hit, usesLeft -> 1
	require.NoError(t, err)
	_, err = c.Check(ctx, bag) // hit, usesLeft -> 0, entry evicted
	require.NoError(t, err)
	_, err = c.Check(ctx, bag) // must fetch again
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&fetches))
}

func TestCheckCacheConcurrentMissesCoalesce(t *testing.T) {
	ref := exactTemplate()
	var fetches int32
	block := make(chan struct{})
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		atomic.AddInt32(&fetches, 1)
		<-block
		return okResponse(time.Minute, -1, ref), ref, nil
	})

	ctx := context.Background()
	bag := testBag("10.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Check(ctx, bag)
			require.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&fetches), "concurrent identical misses must coalesce into one fetch")
}

func TestCheckCacheEvictsOldestOnCapacity(t *testing.T) {
	ref := exactTemplate()
	cfg := Config{MaxEntries: 1, DefaultTTL: time.Minute}
	var fetches int32
	c := New(cfg, func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		atomic.AddInt32(&fetches, 1)
		return okResponse(time.Minute, -1, ref), ref, nil
	})

	// The template only references destination.service, so two bags with a
	// different destination.service produce two distinct cache entries.
	ctx := context.Background()
	a := attribute.NewBag(map[string]attribute.Value{"destination.service": attribute.StringValue("a")})
	b := attribute.NewBag(map[string]attribute.Value{"destination.service": attribute.StringValue("b")})

	_, err := c.Check(ctx, a)
	require.NoError(t, err)
	_, err = c.Check(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len(), "capacity of 1 must evict the oldest entry")

	_, err = c.Check(ctx, a) // evicted, must refetch
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&fetches))
}

func TestCheckCacheFetchFailureDefaultsToFailOpen(t *testing.T) {
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		return wire.CheckResponse{}, nil, mixererrors.NewUnavailable("control plane unreachable")
	})

	resp, err := c.Check(context.Background(), testBag("10.0.0.1"))
	require.NoError(t, err, "network_fail_open defaults to true, so a fetch failure must surface OK")
	require.Equal(t, codes.OK, resp.Precondition.Code)
}

func TestCheckCacheFetchFailureClosedSurfacesUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkFailOpen = false
	c := New(cfg, func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		return wire.CheckResponse{}, nil, context.DeadlineExceeded
	})

	_, err := c.Check(context.Background(), testBag("10.0.0.1"))
	require.Error(t, err)
	me, ok := err.(*mixererrors.MixerError)
	require.True(t, ok)
	require.Equal(t, mixererrors.Unavailable, me.Code)
}

func TestCheckCacheNeverDowngradesNewerExpiry(t *testing.T) {
	ref := exactTemplate()
	c := New(DefaultConfig(), func(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
		return okResponse(time.Minute, -1, ref), ref, nil
	})

	bag := attribute.NewBag(map[string]attribute.Value{"destination.service": attribute.StringValue("reviews")})

	fresh := time.Now().Add(time.Hour)
	c.now = func() time.Time { return fresh.Add(-time.Hour) }
	require.NoError(t, c.CacheResponse(ref, bag, okResponse(time.Hour, -1, ref)))

	stale := okResponse(time.Second, -1, ref)
	require.NoError(t, c.CacheResponse(ref, bag, stale))

	resp, ok := c.lookup(bag)
	require.True(t, ok)
	require.Equal(t, time.Hour, resp.Precondition.ValidDuration, "a later-arriving but shorter TTL must not shrink the cached expiry")
}
