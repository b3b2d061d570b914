// Package quota implements predictive per-quota-name token prefetching: a
// local pool of already-granted tokens is drawn down optimistically, and
// replenished from the server in larger batches than any single caller asked
// for, so that Alloc never waits on the network. When the local pool and the
// predicted window together can't cover a request, the background Alloc RPC
// is fired and its result is applied whenever it lands; the caller never
// suspends on it. The prediction step is an AIMD adaptation of the teacher's
// adaptive concurrency limiter (internal/resilience/adaptive_limiter.go); the
// at-most-one-Alloc-in-flight guard is adapted from its binary counting
// semaphore (internal/resilience/semaphore.go); local grant smoothing reuses
// golang.org/x/time/rate the way internal/resilience/ratelimiter.go uses its
// own hand-rolled token bucket for the same purpose.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
)

// AllocFunc performs the network Alloc RPC for a single quota name,
// requesting amount tokens. bestEffort mirrors the wire QuotaRequest flag.
type AllocFunc func(ctx context.Context, quotaName string, amount int64, bestEffort bool) (granted int64, validDuration time.Duration, err error)

// Config tunes one Prefetch instance's prediction and smoothing behavior.
type Config struct {
	// InitialWindow is the first prefetch request size, before any feedback
	// has been observed.
	InitialWindow float64
	// MinWindow and MaxWindow bound the adaptive prefetch window.
	MinWindow, MaxWindow float64
	// IncreaseStep is added to the window after a fully-granted request.
	IncreaseStep float64
	// DecreaseFactor multiplies the window after a partially-granted or
	// rejected request; must be in (0, 1).
	DecreaseFactor float64
	// SmoothRate is the refill rate, in tokens per second, of the bucket that
	// gates serving a request straight from the confirmed local pool. A
	// request the bucket denies is handled the way Alloc handles a request
	// the pool cannot cover (optimistic grant up to the predicted window), so
	// the bucket does not cap how many tokens Alloc hands out.
	SmoothRate float64
	// SmoothBurst is the local smoothing bucket's burst size.
	SmoothBurst int
	// FailOpenGrantDuration is how long a synthetic grant is held valid when
	// the background Alloc RPC itself fails. Quota decisions fail open: a
	// transport error is treated as if the server had granted the full
	// request, rather than starving callers that were already granted
	// tokens optimistically against it.
	FailOpenGrantDuration time.Duration
}

// DefaultConfig returns sensible defaults for a typical rate-limit quota.
func DefaultConfig() Config {
	return Config{
		InitialWindow:         100,
		MinWindow:             10,
		MaxWindow:             10000,
		IncreaseStep:          50,
		DecreaseFactor:        0.5,
		SmoothRate:            1000,
		SmoothBurst:           1000,
		FailOpenGrantDuration: time.Second,
	}
}

// grant is one batch of tokens received from (or synthesized for) the
// server, tracked so its unused remainder can be decayed once it expires.
type grant struct {
	amount   int64
	expireAt time.Time
}

// Prefetch manages the prefetched token pool for a single quota name.
// Check/Alloc decide locally and return immediately: when the pool and
// predicted window can't cover a request, Alloc still returns an optimistic
// verdict while a single background Alloc RPC replenishes the pool for
// whoever asks next.
type Prefetch struct {
	name  string
	alloc AllocFunc
	cfg   Config

	mu        sync.Mutex
	available int64 // tokens held locally; goes negative while optimistic debt exceeds the confirmed pool
	window    float64
	inflight  bool
	grants    []grant

	limiter *rate.Limiter
	now     func() time.Time
}

// New builds a Prefetch for quotaName.
func New(quotaName string, cfg Config, alloc AllocFunc) *Prefetch {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = 1
	}
	if cfg.MaxWindow < cfg.MinWindow {
		cfg.MaxWindow = cfg.MinWindow
	}
	if cfg.InitialWindow < cfg.MinWindow {
		cfg.InitialWindow = cfg.MinWindow
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = 0.5
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = cfg.MinWindow
	}
	if cfg.FailOpenGrantDuration <= 0 {
		cfg.FailOpenGrantDuration = time.Second
	}
	return &Prefetch{
		name:    quotaName,
		alloc:   alloc,
		cfg:     cfg,
		window:  cfg.InitialWindow,
		limiter: rate.NewLimiter(rate.Limit(cfg.SmoothRate), cfg.SmoothBurst),
		now:     time.Now,
	}
}

// Alloc grants amount tokens for this quota name. It never blocks on the
// network: it decides from the local pool and the predicted window, and if
// that prediction requires more tokens than are confirmed, it launches (at
// most one) background Alloc RPC and returns an optimistic verdict without
// waiting for it. When bestEffort is true, Alloc returns whatever it could
// grant — possibly less than amount, possibly zero — instead of failing;
// when false, a shortfall is reported as ResourceExhausted together with
// the partial amount, which has already been deducted from the local pool
// and is not returned to it.
func (p *Prefetch) Alloc(ctx context.Context, amount int64, bestEffort bool) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	now := p.now()
	p.decayLocked(now)

	if p.available >= amount && p.limiter.AllowN(now, int(amount)) {
		p.available -= amount
		p.mu.Unlock()
		return amount, nil
	}

	request := p.nextRequestLocked(amount)
	if !p.inflight {
		p.inflight = true
		go p.fetchAndApply(context.WithoutCancel(ctx), request)
	}

	// Optimistic grant: trust that the in-flight (or about-to-fire) request
	// will cover the predicted window, and hand out up to it immediately.
	// available may already be negative (debt from earlier optimistic
	// grants still awaiting their Alloc RPC), which shrinks headroom so
	// cumulative overcommit never exceeds one predicted window.
	headroom := int64(p.window) + p.available
	if headroom <= 0 {
		p.mu.Unlock()
		if bestEffort {
			return 0, nil
		}
		return 0, mixererrors.NewResourceExhausted("quota rejected: " + p.name)
	}

	got := headroom
	if got > amount {
		got = amount
	}
	p.available -= got
	full := got == amount
	p.mu.Unlock()

	if full {
		return got, nil
	}
	if bestEffort {
		return got, nil
	}
	return got, mixererrors.NewResourceExhausted("quota rejected: " + p.name)
}

// fetchAndApply runs the real Alloc RPC in the background and applies its
// result to the pool once it lands. A transport failure fails open: it is
// treated as a full grant of request, since quota decisions default to
// granting under failure.
func (p *Prefetch) fetchAndApply(ctx context.Context, request int64) {
	granted, validDuration, err := p.alloc(ctx, p.name, request, true)
	if err != nil {
		granted = request
		validDuration = p.cfg.FailOpenGrantDuration
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight = false
	p.adjustWindowLocked(request, granted)
	p.available += granted
	if validDuration > 0 && granted > 0 {
		p.grants = append(p.grants, grant{amount: granted, expireAt: p.now().Add(validDuration)})
	}
}

// decayLocked discards the portion of available contributed by grants whose
// expiry has passed. Called with p.mu held.
func (p *Prefetch) decayLocked(now time.Time) {
	if len(p.grants) == 0 {
		return
	}
	live := p.grants[:0]
	for _, g := range p.grants {
		if g.expireAt.After(now) {
			live = append(live, g)
			continue
		}
		p.available -= g.amount
	}
	p.grants = live
}

// nextRequestLocked sizes the next network Alloc request: at least enough to
// satisfy the immediate caller, otherwise the current predicted window.
// Called with p.mu held.
func (p *Prefetch) nextRequestLocked(amount int64) int64 {
	request := int64(p.window)
	if request < amount {
		request = amount
	}
	return request
}

// adjustWindowLocked applies the AIMD feedback step: a fully-granted request
// increases the window additively; a partially-granted or empty one
// multiplies it down. Called with p.mu held.
func (p *Prefetch) adjustWindowLocked(requested, granted int64) {
	if requested <= 0 {
		return
	}
	ratio := float64(granted) / float64(requested)
	if ratio >= 0.999 {
		p.window += p.cfg.IncreaseStep
	} else {
		p.window *= p.cfg.DecreaseFactor
	}
	if p.window < p.cfg.MinWindow {
		p.window = p.cfg.MinWindow
	}
	if p.window > p.cfg.MaxWindow {
		p.window = p.cfg.MaxWindow
	}
}

// Window returns the current predicted prefetch size, for metrics/tests.
func (p *Prefetch) Window() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// Local returns the number of tokens currently held locally, for
// metrics/tests. It can be negative: optimistic grants may be issued ahead
// of the background Alloc RPC that will cover them.
func (p *Prefetch) Local() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}
