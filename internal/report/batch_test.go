package report

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// fakeClock lets tests fire the flush timer on demand instead of sleeping.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	ch      chan time.Time
	stopped bool
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) fireAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if !t.stopped {
			t.ch <- time.Unix(0, 0)
		}
	}
}

func (t *fakeTimer) C() <-chan time.Time        { return t.ch }
func (t *fakeTimer) Reset(d time.Duration) bool { return true }
func (t *fakeTimer) Stop() bool                 { t.stopped = true; return true }

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestBatchFlushesOnMaxEntries(t *testing.T) {
	var flushedBatches int32
	var flushedEntries int32
	cfg := Config{MaxEntries: 2, MaxBatchBytes: 1 << 20, FlushInterval: time.Hour}
	b := New(cfg, func(ctx context.Context, batch []wire.Attributes) error {
		atomic.AddInt32(&flushedBatches, 1)
		atomic.AddInt32(&flushedEntries, int32(len(batch)))
		return nil
	}, &fakeClock{}, nil)

	ctx := context.Background()
	b.Add(ctx, wire.Attributes{Strings: map[int32]string{0: "a"}})
	b.Add(ctx, wire.Attributes{Strings: map[int32]string{0: "b"}})

	waitForCondition(t, func() bool { return atomic.LoadInt32(&flushedEntries) == 2 })
	require.EqualValues(t, 1, atomic.LoadInt32(&flushedBatches))
}

func TestBatchFlushesOnTimer(t *testing.T) {
	var flushed int32
	clock := &fakeClock{}
	cfg := Config{MaxEntries: 1000, MaxBatchBytes: 1 << 20, FlushInterval: time.Hour}
	b := New(cfg, func(ctx context.Context, batch []wire.Attributes) error {
		atomic.AddInt32(&flushed, int32(len(batch)))
		return nil
	}, clock, nil)

	b.Add(context.Background(), wire.Attributes{Strings: map[int32]string{0: "a"}})
	require.EqualValues(t, 0, atomic.LoadInt32(&flushed), "must not flush before the timer fires")

	clock.fireAll()
	waitForCondition(t, func() bool { return atomic.LoadInt32(&flushed) == 1 })
}

func TestBatchFlushesOnDictionaryConflict(t *testing.T) {
	var batches [][]wire.Attributes
	var mu sync.Mutex
	cfg := Config{MaxEntries: 1000, MaxBatchBytes: 1 << 20, FlushInterval: time.Hour}
	b := New(cfg, func(ctx context.Context, batch []wire.Attributes) error {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		return nil
	}, &fakeClock{}, nil)

	ctx := context.Background()
	b.Add(ctx, wire.Attributes{Dictionary: map[int32]string{-1: "my.custom.name"}})
	b.Add(ctx, wire.Attributes{Dictionary: map[int32]string{-1: "my.custom.name"}}) // same wire index, different message: ambiguous if merged

	require.NoError(t, b.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2, "a repeated dictionary word must force a fresh batch")
}

func TestBatchCloseFlushesRemainder(t *testing.T) {
	var flushedEntries int32
	cfg := DefaultConfig()
	b := New(cfg, func(ctx context.Context, batch []wire.Attributes) error {
		atomic.AddInt32(&flushedEntries, int32(len(batch)))
		return nil
	}, &fakeClock{}, nil)

	b.Add(context.Background(), wire.Attributes{Strings: map[int32]string{0: "a"}})
	require.NoError(t, b.Close(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&flushedEntries))
}

func TestBatchFlushErrorIsNonFatal(t *testing.T) {
	cfg := Config{MaxEntries: 1, MaxBatchBytes: 1 << 20, FlushInterval: time.Hour}
	b := New(cfg, func(ctx context.Context, batch []wire.Attributes) error {
		return context.DeadlineExceeded
	}, &fakeClock{}, nil)

	// Must not panic or block despite every flush failing.
	b.Add(context.Background(), wire.Attributes{Strings: map[int32]string{0: "a"}})
	require.NoError(t, b.Close(context.Background()))
}
