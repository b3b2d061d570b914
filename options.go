package mixerclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/istio-ecosystem/mixerclient-go/internal/checkcache"
	"github.com/istio-ecosystem/mixerclient-go/internal/metrics"
	"github.com/istio-ecosystem/mixerclient-go/internal/observability"
	"github.com/istio-ecosystem/mixerclient-go/internal/quota"
	"github.com/istio-ecosystem/mixerclient-go/internal/report"
	"github.com/istio-ecosystem/mixerclient-go/pkg/dictionary"
)

// Option configures a Client at construction time.
type Option func(*config)

// config collects every tunable a Client needs before it can be built.
// Unexported: callers only ever see it through the With* constructors below,
// mirroring the teacher's ClientConfig/Option split.
type config struct {
	checkCache    checkcache.Config
	quotaCache    quota.CacheConfig
	quotaPrefetch quota.Config
	report        report.Config

	globalDict *dictionary.GlobalTable

	logger  *observability.Logger
	tracing observability.TracingConfig

	metrics           *metrics.Registry
	metricsNamespace  string
	metricsRegisterer prometheus.Registerer

	clock report.Clock
}

func defaultConfigOptions() *config {
	return &config{
		checkCache:        checkcache.DefaultConfig(),
		quotaCache:        quota.DefaultCacheConfig(),
		quotaPrefetch:     quota.DefaultConfig(),
		report:            report.DefaultConfig(),
		globalDict:        dictionary.Global,
		tracing:           observability.DefaultTracingConfig(),
		metricsNamespace:  "mixerclient",
		metricsRegisterer: prometheus.DefaultRegisterer,
	}
}

// WithCheckCacheConfig overrides the Check decision cache's eviction, TTL,
// and network-failure behavior (NetworkFailOpen).
//
//	client, err := mixerclient.New(t, mixerclient.WithCheckCacheConfig(checkcache.Config{
//		MaxEntries:      50000,
//		DefaultTTL:      10 * time.Second,
//		NetworkFailOpen: true,
//	}))
func WithCheckCacheConfig(cfg checkcache.Config) Option {
	return func(c *config) { c.checkCache = cfg }
}

// WithQuotaCacheConfig overrides the QuotaCache's attribute-class dispatch
// LRU size.
func WithQuotaCacheConfig(cfg quota.CacheConfig) Option {
	return func(c *config) { c.quotaCache = cfg }
}

// WithQuotaPrefetchConfig overrides the AIMD prediction and local smoothing
// parameters every QuotaPrefetch instance is built with.
func WithQuotaPrefetchConfig(cfg quota.Config) Option {
	return func(c *config) { c.quotaPrefetch = cfg }
}

// WithReportConfig overrides the telemetry batch's coalescing thresholds.
func WithReportConfig(cfg report.Config) Option {
	return func(c *config) { c.report = cfg }
}

// WithGlobalDictionary pins the client to a specific compiled-in word list
// instead of dictionary.Global, for callers that maintain their own
// generated table synchronized with a particular Mixer server deployment.
func WithGlobalDictionary(t *dictionary.GlobalTable) Option {
	return func(c *config) { c.globalDict = t }
}

// WithLogger installs a pre-configured Logger instead of the default one
// built from observability.DefaultConfig().
func WithLogger(logger *observability.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTracing enables OpenTelemetry span export for Check/Alloc/Report RPC
// boundaries.
func WithTracing(cfg observability.TracingConfig) Option {
	return func(c *config) { c.tracing = cfg }
}

// WithMetricsNamespace sets the Prometheus namespace prefix for every metric
// this client exports (default "mixerclient").
func WithMetricsNamespace(ns string) Option {
	return func(c *config) { c.metricsNamespace = ns }
}

// WithMetricsRegisterer points metric registration at a non-default
// registerer — typically a fresh *prometheus.Registry in tests, so repeated
// Client construction across test cases never collides on already
// registered metric names.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.metricsRegisterer = reg }
}

// WithMetricsRegistry installs an already-built metrics.Registry directly,
// bypassing metricsNamespace/metricsRegisterer — for callers sharing one
// registry across multiple Clients.
func WithMetricsRegistry(reg *metrics.Registry) Option {
	return func(c *config) { c.metrics = reg }
}

// WithClock overrides the report batch's time source. Used in tests to
// drive flush timing without sleeping.
func WithClock(clock report.Clock) Option {
	return func(c *config) { c.clock = clock }
}
