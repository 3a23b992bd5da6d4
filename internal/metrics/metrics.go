// Package metrics provides the pipeline's business-metric sink (a
// statsd-style counter emitter) and a separate Prometheus emitter used for
// ambient operational self-observability. The pipeline only depends on the
// small Emitter interface; it has no import-time dependency on either
// concrete backend.
package metrics

import (
	"log/slog"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Named decision counters emitted by the pipeline. Every emission carries
// the label set documented in the pipeline package (service, service_name,
// action, scope, target_type_uri, and action_group when present).
const (
	MetricWhitelisted       = "requests_whitelisted_total"
	MetricBlacklisted       = "requests_blacklisted_total"
	MetricGlobalRateLimited = "requests_global_ratelimit_total"
	MetricLocalRateLimited  = "requests_local_ratelimit_total"
	MetricUnknownClassified = "requests_unknown_classification"
)

// Emitter is the pipeline's metrics-sink capability.
type Emitter interface {
	Incr(name string, tags []string)
}

// NoopEmitter discards every metric; used when no STATSD_HOST is
// configured and metrics are genuinely optional.
type NoopEmitter struct{}

// Incr discards name and tags.
func (NoopEmitter) Incr(name string, tags []string) {}

// StatsDEmitter emits counters to a statsd-compatible collector via
// github.com/DataDog/datadog-go/v5.
type StatsDEmitter struct {
	client *statsd.Client
	logger *slog.Logger
}

// NewStatsDEmitter dials a statsd client at addr (host:port) with the given
// metric-name prefix. A construction error is returned to the caller and
// no NoopEmitter is substituted; StatsD clients buffer and retry internally,
// so New only fails on malformed addresses.
func NewStatsDEmitter(addr, prefix string, logger *slog.Logger) (*StatsDEmitter, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(prefix))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsDEmitter{client: client, logger: logger}, nil
}

// Incr increments the named counter by one, tagged with tags. Errors are
// logged at debug level and otherwise swallowed: a metrics-sink outage must
// never affect request admission.
func (e *StatsDEmitter) Incr(name string, tags []string) {
	if err := e.client.Incr(name, tags, 1); err != nil {
		e.logger.Debug("statsd emit failed", slog.String("metric", name), slog.String("error", err.Error()))
	}
}

// Close flushes and closes the underlying statsd client.
func (e *StatsDEmitter) Close() error {
	return e.client.Close()
}
