// Package report implements the client-side telemetry batch: attribute sets
// from completed requests are coalesced into a buffer and flushed
// fire-and-forget, either when the buffer fills, a flush timer fires, or the
// next attribute set carries a new dictionary word that an entry already in
// the current batch also carried. Flush is always best-effort — a failed flush is logged
// and dropped, never retried, matching the wire protocol's telemetry
// semantics (spec: Report never blocks the caller on a policy decision).
package report

import (
	"context"
	"sync"
	"time"

	"github.com/istio-ecosystem/mixerclient-go/internal/observability"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// FlushFunc sends a coalesced batch to the server.
type FlushFunc func(ctx context.Context, batch []wire.Attributes) error

// Config tunes batch coalescing.
type Config struct {
	// MaxEntries flushes the batch once it holds this many attribute sets.
	MaxEntries int
	// MaxBatchBytes flushes the batch once its estimated wire size would
	// exceed this ceiling, recovered from the original implementation's
	// report_batch size guard (not expressed in the distilled attribute
	// model, which only names a count-based limit).
	MaxBatchBytes int
	// FlushInterval flushes the batch on a timer even if neither limit above
	// is reached, so telemetry for a quiet service still arrives promptly.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    100,
		MaxBatchBytes: 64 * 1024,
		FlushInterval: time.Second,
	}
}

// Batch coalesces attribute sets and flushes them in the background. A Batch
// must be closed with Close to flush any remaining entries and stop its
// timer.
type Batch struct {
	cfg    Config
	flush  FlushFunc
	clock  Clock
	logger *observability.Logger

	mu         sync.Mutex
	buffer     []wire.Attributes
	bufferSize int
	seenWords  map[string]struct{} // names introduced by the current batch's Dictionary fields
	timer      Timer
	closed     bool

	flushWG sync.WaitGroup
}

// New builds a Batch that calls flush to deliver coalesced entries. clock is
// typically RealClock{}; tests supply a fake to control timer firing.
func New(cfg Config, flush FlushFunc, clock Clock, logger *observability.Logger) *Batch {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 64 * 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	b := &Batch{
		cfg:       cfg,
		flush:     flush,
		clock:     clock,
		logger:    logger,
		seenWords: make(map[string]struct{}),
	}
	b.timer = clock.NewTimer(cfg.FlushInterval)
	go b.timerLoop()
	return b
}

// Add appends attrs to the batch, flushing first if attrs would overflow the
// entry count, the byte ceiling, or introduces a dictionary word that
// collides with one already pending under a different message in this
// batch's running word list — a conflict the server can't resolve once both
// messages share one ReportRequest.
func (b *Batch) Add(ctx context.Context, attrs wire.Attributes) {
	b.mu.Lock()
	size := estimateSize(attrs)

	if b.wouldOverflowLocked(attrs, size) {
		b.flushLocked(ctx)
	}

	b.buffer = append(b.buffer, attrs)
	b.bufferSize += size
	for _, name := range attrs.Dictionary {
		b.seenWords[name] = struct{}{}
	}

	full := len(b.buffer) >= b.cfg.MaxEntries || b.bufferSize >= b.cfg.MaxBatchBytes
	b.mu.Unlock()

	if full {
		b.FlushNow(ctx)
	}
}

// wouldOverflowLocked reports whether adding attrs (of the given estimated
// size) to the current buffer should trigger an immediate flush first.
// Called with b.mu held.
func (b *Batch) wouldOverflowLocked(attrs wire.Attributes, size int) bool {
	if len(b.buffer) == 0 {
		return false
	}
	if len(b.buffer)+1 > b.cfg.MaxEntries {
		return true
	}
	if b.bufferSize+size > b.cfg.MaxBatchBytes {
		return true
	}
	for _, name := range attrs.Dictionary {
		if _, conflict := b.seenWords[name]; conflict {
			// Same name, potentially a different wire index than an
			// already-pending message assigned it — ambiguous once merged
			// into one ReportRequest, so start a fresh batch.
			return true
		}
	}
	return false
}

// FlushNow flushes the buffer immediately, regardless of its current size.
func (b *Batch) FlushNow(ctx context.Context) {
	b.mu.Lock()
	b.flushLocked(ctx)
	b.mu.Unlock()
}

// flushLocked drains the buffer and sends it asynchronously. Called with
// b.mu held.
func (b *Batch) flushLocked(ctx context.Context) {
	if len(b.buffer) == 0 {
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.bufferSize = 0
	b.seenWords = make(map[string]struct{})

	// Detach from ctx's cancellation: a flush must not be aborted just
	// because the request that triggered it has already returned to its
	// caller, but a cancelled parent's other values (deadlines aside)
	// still propagate.
	flushCtx := context.WithoutCancel(ctx)

	b.flushWG.Add(1)
	go func() {
		defer b.flushWG.Done()
		if err := b.flush(flushCtx, batch); err != nil && b.logger != nil {
			b.logger.RedactedWarn("report batch flush failed", "error", err, "entries", len(batch))
		}
	}()
}

// timerLoop flushes the batch whenever the flush timer fires.
func (b *Batch) timerLoop() {
	for range b.timer.C() {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.flushLocked(context.Background())
		b.mu.Unlock()
		b.timer.Reset(b.cfg.FlushInterval)
	}
}

// Close flushes any remaining entries synchronously and stops the flush
// timer. Close must be called exactly once.
func (b *Batch) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.timer.Stop()
	b.flushLocked(ctx)
	b.mu.Unlock()
	b.flushWG.Wait()
	return nil
}

// estimateSize approximates the wire size of attrs, for the MaxBatchBytes
// ceiling. It doesn't need to be exact — only monotonic in the amount of
// data carried — so it sums string/bytes lengths and a fixed cost per scalar
// entry rather than any real wire encoding.
func estimateSize(attrs wire.Attributes) int {
	const scalarCost = 16
	size := 0
	for _, s := range attrs.Dictionary {
		size += len(s) + 4
	}
	for _, s := range attrs.Strings {
		size += len(s) + scalarCost
	}
	for _, bs := range attrs.Bytes {
		size += len(bs) + scalarCost
	}
	size += len(attrs.Int64s) * scalarCost
	size += len(attrs.Doubles) * scalarCost
	size += len(attrs.Bools) * scalarCost
	size += len(attrs.Timestamps) * scalarCost
	size += len(attrs.Durations) * scalarCost
	for _, m := range attrs.StringMaps {
		for k, v := range m {
			size += len(k) + len(v) + 8
		}
	}
	return size
}
