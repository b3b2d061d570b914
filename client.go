// Package mixerclient is a client-side sidecar library for the Mixer
// Check/Quota/Report protocol: it caches Check decisions, predictively
// prefetches quota tokens so most Alloc calls never touch the network, and
// batches Report telemetry fire-and-forget. Callers supply a Transport
// (pkg/transport) that opens the three underlying RPC streams; this library
// owns none of the wire framing itself.
package mixerclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/istio-ecosystem/mixerclient-go/internal/checkcache"
	"github.com/istio-ecosystem/mixerclient-go/internal/metrics"
	"github.com/istio-ecosystem/mixerclient-go/internal/observability"
	"github.com/istio-ecosystem/mixerclient-go/internal/quota"
	"github.com/istio-ecosystem/mixerclient-go/internal/report"
	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	"github.com/istio-ecosystem/mixerclient-go/pkg/dictionary"
	mixererrors "github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/signature"
	"github.com/istio-ecosystem/mixerclient-go/pkg/transport"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// Re-exported types, so the common path only needs to import this root
// package. The pkg/* subpackages stay directly importable for advanced use
// (a custom Transport, or direct wire codec access).
type (
	// Bag is an immutable attribute name→value mapping, the input to Check
	// and Report.
	Bag = attribute.Bag
	// Value is a single typed attribute value.
	Value = attribute.Value
	// MixerError is the error type every operation in this package returns.
	MixerError = mixererrors.MixerError
	// ErrorCode classifies a MixerError.
	ErrorCode = mixererrors.Code
	// Transport is what a Client requires of its caller.
	Transport = transport.Transport
	// QuotaParams is a single named quota request piggy-backed on a Check.
	QuotaParams = wire.QuotaParams
)

// Attribute value constructors, re-exported from pkg/attribute.
var (
	NewBag         = attribute.NewBag
	StringValue    = attribute.StringValue
	BytesValue     = attribute.BytesValue
	Int64Value     = attribute.Int64Value
	DoubleValue    = attribute.DoubleValue
	BoolValue      = attribute.BoolValue
	TimestampValue = attribute.TimestampValue
	DurationValue  = attribute.DurationValue
	StringMapValue = attribute.StringMapValue
)

// Error code constants, re-exported from pkg/errors.
const (
	InvalidArgument   = mixererrors.InvalidArgument
	ResourceExhausted = mixererrors.ResourceExhausted
	Unavailable       = mixererrors.Unavailable
	Cancelled         = mixererrors.Cancelled
	Forwarded         = mixererrors.Forwarded
)

// CheckResult is the outcome of a Check call: the server's policy decision
// plus the aggregate result of every quota piggy-backed on it.
type CheckResult struct {
	Status wire.PreconditionResult
	Quota  quota.Result
}

// Client is the sidecar-facing façade over the Check cache, QuotaCache, and
// Report batch. A Client is safe for concurrent use; construct one per
// Transport and reuse it for the lifetime of the process.
type Client struct {
	transport transport.Transport
	dict      *dictionary.Dictionary

	checkCache  *checkcache.Cache
	quotaCache  *quota.Cache
	reportBatch *report.Batch

	logger  *observability.Logger
	tracer  *observability.TracerProvider
	metrics *metrics.Registry

	mu     sync.Mutex
	closed bool
}

// New builds a Client bound to t. t must not be nil.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, mixererrors.NewInvalidArgument("mixerclient: transport must not be nil")
	}

	cfg := defaultConfigOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{}, observability.NewRedactor())
	}

	tracer, err := observability.InitTracing(context.Background(), cfg.tracing)
	if err != nil {
		return nil, fmt.Errorf("mixerclient: init tracing: %w", err)
	}

	reg := cfg.metrics
	if reg == nil {
		reg = metrics.NewRegistry(cfg.metricsNamespace, cfg.metricsRegisterer)
	}

	c := &Client{
		transport: t,
		dict:      dictionary.New(cfg.globalDict),
		logger:    logger,
		tracer:    tracer,
		metrics:   reg,
	}

	c.checkCache = checkcache.New(cfg.checkCache, c.fetchCheck)
	c.quotaCache = quota.NewCache(cfg.quotaCache, cfg.quotaPrefetch, c.allocForQuota)
	c.reportBatch = report.New(cfg.report, c.flushReport, cfg.clock, logger)

	return c, nil
}

// Check evaluates bag against the server's policy and every quota named in
// quotas, serving from the local Check cache and QuotaCache wherever
// possible. quotas may be nil or empty for a policy-only Check.
func (c *Client) Check(ctx context.Context, bag attribute.Bag, quotas map[string]wire.QuotaParams) (CheckResult, error) {
	ctx, _ = observability.GetOrCreateRequestID(ctx)
	ctx, span := observability.StartRPCSpan(ctx, c.tracer.Tracer(), observability.SpanCheck)
	defer span.End()
	log := c.logger.WithRequestID(ctx)

	start := time.Now()
	resp, err := c.checkCache.Check(ctx, bag)
	c.metrics.CheckLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		c.metrics.CheckTotal.WithLabelValues("error").Inc()
		log.RedactedDebug("check failed", "error", err)
		return CheckResult{}, err
	}

	result := CheckResult{Status: resp.Precondition}

	if len(quotas) > 0 {
		qr, qerr := c.quotaCache.Evaluate(ctx, bag, quotas)
		result.Quota = qr
		c.metrics.ObserveQuotaStats(windowsOf(c.quotaCache.Stats(bag)))
		if qerr != nil {
			observability.RecordError(span, qerr)
			c.metrics.CheckTotal.WithLabelValues("quota_rejected").Inc()
			return result, qerr
		}
	}

	c.metrics.CheckTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// Report appends bag to the batch flushed fire-and-forget to the server.
// Report never blocks on the network and never returns an error for a
// transport failure; failures are logged and dropped, matching the wire
// protocol's telemetry semantics.
func (c *Client) Report(ctx context.Context, bag attribute.Bag) {
	attrs := report.GetAttributes()
	wire.EncodeInto(bag, c.dict, attrs)
	c.reportBatch.Add(ctx, *attrs)
	report.PutAttributes(attrs)
}

// FlushReports flushes any pending Report entries immediately, bypassing
// the batch's size and timer thresholds. Intended for graceful shutdown
// paths that want telemetry for the final few requests delivered promptly.
func (c *Client) FlushReports(ctx context.Context) {
	c.reportBatch.FlushNow(ctx)
}

// Close flushes any pending Report entries and releases the underlying
// Transport. Calls after the first do nothing and return nil; Check and
// Report must not be called after Close returns.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	reportErr := c.reportBatch.Close(ctx)
	if err := c.tracer.Shutdown(ctx); err != nil && reportErr == nil {
		return err
	}
	if err := c.transport.Close(); err != nil && reportErr == nil {
		return err
	}
	return reportErr
}

// fetchCheck is checkcache.FetchFunc: it performs the network Check RPC on
// a cache miss, encoding bag through this client's dictionary and decoding
// the server's Referenced template, if any, back into a signature.Referenced
// the cache can index future lookups by.
func (c *Client) fetchCheck(ctx context.Context, bag attribute.Bag) (wire.CheckResponse, *signature.Referenced, error) {
	c.metrics.CheckCacheMisses.Inc()

	req := wire.CheckRequest{Attributes: wire.Encode(bag, c.dict)}

	type result struct {
		resp wire.CheckResponse
		err  error
	}
	done := make(chan result, 1)
	cancel := c.transport.CheckStream().Send(ctx, req, transport.ReaderFunc[wire.CheckResponse]{
		Response: func(resp wire.CheckResponse) { done <- result{resp: resp} },
		Error:    func(err error) { done <- result{err: err} },
	})

	select {
	case r := <-done:
		if r.err != nil {
			return wire.CheckResponse{}, nil, r.err
		}
		referenced, err := decodeReferenced(r.resp, c.dict)
		if err != nil {
			// A malformed Referenced template still leaves the decision
			// itself usable; it just can't be cached for future Checks.
			c.logger.RedactedDebug("check response referenced attributes undecodable", "error", err)
			return r.resp, nil, nil
		}
		return r.resp, referenced, nil
	case <-ctx.Done():
		cancel()
		return wire.CheckResponse{}, nil, mixererrors.NewCancelled("mixerclient: check cancelled")
	}
}

// decodeReferenced extracts and decodes resp's Referenced template, if the
// server included one.
func decodeReferenced(resp wire.CheckResponse, dict *dictionary.Dictionary) (*signature.Referenced, error) {
	if resp.Precondition.Referenced == nil {
		return nil, nil //nolint:nilnil // absence of a template is not an error, just nothing to cache by
	}
	return wire.DecodeReferenced(*resp.Precondition.Referenced, dict)
}

// allocForQuota returns the quota.AllocFunc used by every QuotaPrefetch
// instance the QuotaCache creates: a standalone Alloc RPC over the Quota
// stream.
func (c *Client) allocForQuota(quotaName string) quota.AllocFunc {
	return func(ctx context.Context, name string, amount int64, bestEffort bool) (int64, time.Duration, error) {
		ctx, span := observability.StartRPCSpan(ctx, c.tracer.Tracer(), observability.SpanAlloc)
		defer span.End()

		req := wire.QuotaRequest{Quota: name, Amount: amount, BestEffort: bestEffort}

		type result struct {
			resp wire.QuotaResponse
			err  error
		}
		done := make(chan result, 1)
		cancel := c.transport.QuotaStream().Send(ctx, req, transport.ReaderFunc[wire.QuotaResponse]{
			Response: func(resp wire.QuotaResponse) { done <- result{resp: resp} },
			Error:    func(err error) { done <- result{err: err} },
		})

		select {
		case r := <-done:
			if r.err != nil {
				observability.RecordError(span, r.err)
				if r.resp.GrantedAmount < amount {
					c.metrics.QuotaRejected.WithLabelValues(quotaName).Inc()
				}
				return 0, 0, r.err
			}
			c.metrics.QuotaGranted.WithLabelValues(quotaName).Add(float64(r.resp.GrantedAmount))
			if r.resp.GrantedAmount < amount && !bestEffort {
				c.metrics.QuotaRejected.WithLabelValues(quotaName).Inc()
			}
			return r.resp.GrantedAmount, r.resp.ValidDuration, nil
		case <-ctx.Done():
			cancel()
			return 0, 0, mixererrors.NewCancelled("mixerclient: alloc cancelled")
		}
	}
}

// flushReport is report.FlushFunc: it sends one coalesced batch over the
// Report stream.
func (c *Client) flushReport(ctx context.Context, batch []wire.Attributes) error {
	ctx, span := observability.StartRPCSpan(ctx, c.tracer.Tracer(), observability.SpanReport)
	defer span.End()

	start := time.Now()
	req := wire.ReportRequest{Attributes: batch}

	type result struct {
		err error
	}
	done := make(chan result, 1)
	cancel := c.transport.ReportStream().Send(ctx, req, transport.ReaderFunc[wire.ReportResponse]{
		Response: func(wire.ReportResponse) { done <- result{} },
		Error:    func(err error) { done <- result{err: err} },
	})

	c.metrics.ReportEntriesFlushed.Add(float64(len(batch)))

	select {
	case r := <-done:
		c.metrics.ReportFlushLatency.Observe(time.Since(start).Seconds())
		c.metrics.ReportBatchesFlushed.Inc()
		if r.err != nil {
			observability.RecordError(span, r.err)
			c.metrics.ReportFlushFailures.Inc()
			return r.err
		}
		return nil
	case <-ctx.Done():
		cancel()
		c.metrics.ReportFlushLatency.Observe(time.Since(start).Seconds())
		c.metrics.ReportFlushFailures.Inc()
		return mixererrors.NewCancelled("mixerclient: report flush cancelled")
	}
}

// windowsOf flattens a quota.Stats map into the plain name→window map
// metrics.Registry.ObserveQuotaStats expects.
func windowsOf(stats map[string]quota.Stats) map[string]float64 {
	out := make(map[string]float64, len(stats))
	for name, s := range stats {
		out[name] = s.Window
	}
	return out
}
