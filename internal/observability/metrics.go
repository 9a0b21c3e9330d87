// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for NodeGate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access on the admission hot path and in tests.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	admitted         int64
	blocked          int64
	dryRunBlocked    int64
	talliesDropped   int64
	talliesReceived  int64
	talliesHandled   int64
	resolveFailures  int64
	delegatedBlocks  int64
	delegateFailures int64
	mirrorErrors     int64

	// Prometheus counters for scraping.
	promAdmitted         prometheus.Counter
	promBlocked          prometheus.Counter
	promDryRunBlocked    prometheus.Counter
	promTalliesDropped   prometheus.Counter
	promTalliesReceived  prometheus.Counter
	promTalliesHandled   prometheus.Counter
	promResolveFailures  prometheus.Counter
	promDelegatedBlocks  prometheus.Counter
	promDelegateFailures prometheus.Counter
	promMirrorErrors     prometheus.Counter

	// Gauges refreshed by the controller's background loops.
	PromConnBlocklistLen  prometheus.Gauge
	PromProxyBlocklistLen prometheus.Gauge
	PromHighestSpamRate   *prometheus.GaugeVec // label: scope = direct|proxied
	PromHighestErrorRate  *prometheus.GaugeVec
	PromDeadMansSwitch    prometheus.Gauge

	// Request duration histogram for the gate server (ambient).
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "requests_admitted_total",
			Help:      "Total number of requests admitted past the blocklists.",
		}),
		promBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests rejected by a blocklist.",
		}),
		promDryRunBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "dry_run_blocked_requests_total",
			Help:      "Requests that would have been blocked if dry-run were off.",
		}),
		promTalliesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "tally_channel_overflow_total",
			Help:      "Tallies dropped because the tally channel was full.",
		}),
		promTalliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "tallies_received_total",
			Help:      "Tallies accepted into the tally channel.",
		}),
		promTalliesHandled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "tallies_handled_total",
			Help:      "Tallies consumed and run through the policies.",
		}),
		promResolveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "identity_resolve_failures_total",
			Help:      "Requests whose client identity could not be resolved.",
		}),
		promDelegatedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "blocks_delegated_to_firewall_total",
			Help:      "Block decisions delegated to the external firewall.",
		}),
		promDelegateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "firewall_delegation_request_fail_total",
			Help:      "Failed block-delegation requests to the external firewall.",
		}),
		promMirrorErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "blocklist_mirror_errors_total",
			Help:      "Errors talking to the shared Redis blocklist mirror.",
		}),
		PromConnBlocklistLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "connection_ip_blocklist_len",
			Help:      "Number of unexpired entries in the connection blocklist.",
		}),
		PromProxyBlocklistLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "proxy_ip_blocklist_len",
			Help:      "Number of unexpired entries in the proxied-client blocklist.",
		}),
		PromHighestSpamRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "highest_spam_rate",
			Help:      "Highest sliding-window spam rate observed across clients.",
		}, []string{"scope"}),
		PromHighestErrorRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "highest_error_rate",
			Help:      "Highest sliding-window error rate observed across clients.",
		}, []string{"scope"}),
		PromDeadMansSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "deadmans_switch_enabled",
			Help:      "1 when firewall delegation is suspended by the dead-man's switch.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodegate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}

	return m
}

// IncAdmitted increments the admitted requests counter.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncBlocked increments the blocked requests counter.
func (m *Metrics) IncBlocked() {
	atomic.AddInt64(&m.blocked, 1)
	m.promBlocked.Inc()
}

// IncDryRunBlocked increments the would-have-blocked counter.
func (m *Metrics) IncDryRunBlocked() {
	atomic.AddInt64(&m.dryRunBlocked, 1)
	m.promDryRunBlocked.Inc()
}

// IncTalliesDropped increments the tally channel overflow counter.
func (m *Metrics) IncTalliesDropped() {
	atomic.AddInt64(&m.talliesDropped, 1)
	m.promTalliesDropped.Inc()
}

// IncTalliesReceived increments the tallies received counter.
func (m *Metrics) IncTalliesReceived() {
	atomic.AddInt64(&m.talliesReceived, 1)
	m.promTalliesReceived.Inc()
}

// IncTalliesHandled increments the tallies handled counter.
func (m *Metrics) IncTalliesHandled() {
	atomic.AddInt64(&m.talliesHandled, 1)
	m.promTalliesHandled.Inc()
}

// IncResolveFailures increments the identity resolution failure counter.
func (m *Metrics) IncResolveFailures() {
	atomic.AddInt64(&m.resolveFailures, 1)
	m.promResolveFailures.Inc()
}

// IncDelegatedBlocks increments the firewall delegation counter.
func (m *Metrics) IncDelegatedBlocks() {
	atomic.AddInt64(&m.delegatedBlocks, 1)
	m.promDelegatedBlocks.Inc()
}

// IncDelegateFailures increments the firewall delegation failure counter.
func (m *Metrics) IncDelegateFailures() {
	atomic.AddInt64(&m.delegateFailures, 1)
	m.promDelegateFailures.Inc()
}

// IncMirrorErrors increments the Redis mirror error counter.
func (m *Metrics) IncMirrorErrors() {
	atomic.AddInt64(&m.mirrorErrors, 1)
	m.promMirrorErrors.Inc()
}

// SetBlocklistLens refreshes the blocklist length gauges.
func (m *Metrics) SetBlocklistLens(conn, proxy int) {
	m.PromConnBlocklistLen.Set(float64(conn))
	m.PromProxyBlocklistLen.Set(float64(proxy))
}

// SetHighestSpamRates refreshes the highest observed spam rate gauges.
func (m *Metrics) SetHighestSpamRates(direct, proxied float64) {
	m.PromHighestSpamRate.WithLabelValues("direct").Set(direct)
	m.PromHighestSpamRate.WithLabelValues("proxied").Set(proxied)
}

// SetHighestErrorRates refreshes the highest observed error rate gauges.
func (m *Metrics) SetHighestErrorRates(direct, proxied float64) {
	m.PromHighestErrorRate.WithLabelValues("direct").Set(direct)
	m.PromHighestErrorRate.WithLabelValues("proxied").Set(proxied)
}

// SetDeadMansSwitch records whether firewall delegation is suspended.
func (m *Metrics) SetDeadMansSwitch(enabled bool) {
	if enabled {
		m.PromDeadMansSwitch.Set(1)
	} else {
		m.PromDeadMansSwitch.Set(0)
	}
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Admitted         int64
	Blocked          int64
	DryRunBlocked    int64
	TalliesDropped   int64
	TalliesReceived  int64
	TalliesHandled   int64
	ResolveFailures  int64
	DelegatedBlocks  int64
	DelegateFailures int64
	MirrorErrors     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:         atomic.LoadInt64(&m.admitted),
		Blocked:          atomic.LoadInt64(&m.blocked),
		DryRunBlocked:    atomic.LoadInt64(&m.dryRunBlocked),
		TalliesDropped:   atomic.LoadInt64(&m.talliesDropped),
		TalliesReceived:  atomic.LoadInt64(&m.talliesReceived),
		TalliesHandled:   atomic.LoadInt64(&m.talliesHandled),
		ResolveFailures:  atomic.LoadInt64(&m.resolveFailures),
		DelegatedBlocks:  atomic.LoadInt64(&m.delegatedBlocks),
		DelegateFailures: atomic.LoadInt64(&m.delegateFailures),
		MirrorErrors:     atomic.LoadInt64(&m.mirrorErrors),
	}
}
