// Package brmetrics exposes the Routing Manager's counters and gauges
// through Prometheus.
package brmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gobrm/internal/routing"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gobrm"
	subsystem = "routing"
)

// Label names for routing metrics.
const (
	labelDirection = "direction"
	labelType      = "type"
	labelReason    = "reason"
)

// Direction and message type label values.
const (
	directionTx = "tx"
	directionRx = "rx"

	typeRouterAdvert  = "router_advertisement"
	typeRouterSolicit = "router_solicitation"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Routing Manager metrics
// -------------------------------------------------------------------------

// Collector implements routing.MetricsReporter on top of Prometheus
// metric vectors.
//
// The drop counter makes the core's silent-drop policy observable:
// malformed messages, exhausted pools, and failed sends never surface
// as errors but always increment a labeled counter.
type Collector struct {
	// Messages counts ND messages by direction and type.
	Messages *prometheus.CounterVec

	// Dropped counts silent drops by reason.
	Dropped *prometheus.CounterVec

	// PolicyEvaluations counts routing policy evaluation runs.
	PolicyEvaluations prometheus.Counter

	// NetDataPublishFailures counts failed Network Data publications.
	NetDataPublishFailures prometheus.Counter

	// DiscoveredRouters tracks the router count in the
	// discovered-prefix table.
	DiscoveredRouters prometheus.Gauge

	// DiscoveredPrefixes tracks the entry count in the
	// discovered-prefix table.
	DiscoveredPrefixes prometheus.Gauge

	// AdvertisedOmrPrefixes tracks the size of the advertised OMR
	// prefix set.
	AdvertisedOmrPrefixes prometheus.Gauge
}

var _ routing.MetricsReporter = (*Collector)(nil)

// NewCollector creates a Collector with all routing metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gobrm_routing_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Messages,
		c.Dropped,
		c.PolicyEvaluations,
		c.NetDataPublishFailures,
		c.DiscoveredRouters,
		c.DiscoveredPrefixes,
		c.AdvertisedOmrPrefixes,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total ND messages by direction and type.",
		}, []string{labelDirection, labelType}),

		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Total silent drops by reason (parse, capacity, send failure).",
		}, []string{labelReason}),

		PolicyEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "policy_evaluations_total",
			Help:      "Total routing policy evaluation runs.",
		}),

		NetDataPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "netdata_publish_failures_total",
			Help:      "Total failed Thread Network Data publications.",
		}),

		DiscoveredRouters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovered_routers",
			Help:      "Routers currently tracked in the discovered-prefix table.",
		}),

		DiscoveredPrefixes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovered_prefixes",
			Help:      "Entries currently held in the discovered-prefix table.",
		}),

		AdvertisedOmrPrefixes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advertised_omr_prefixes",
			Help:      "OMR prefixes currently advertised on the infrastructure link.",
		}),
	}
}

// -------------------------------------------------------------------------
// routing.MetricsReporter implementation
// -------------------------------------------------------------------------

// IncRouterAdvertSent counts a transmitted Router Advertisement.
func (c *Collector) IncRouterAdvertSent() {
	c.Messages.WithLabelValues(directionTx, typeRouterAdvert).Inc()
}

// IncRouterSolicitSent counts a transmitted Router Solicitation.
func (c *Collector) IncRouterSolicitSent() {
	c.Messages.WithLabelValues(directionTx, typeRouterSolicit).Inc()
}

// IncRouterAdvertReceived counts a received Router Advertisement.
func (c *Collector) IncRouterAdvertReceived() {
	c.Messages.WithLabelValues(directionRx, typeRouterAdvert).Inc()
}

// IncRouterSolicitReceived counts a received Router Solicitation.
func (c *Collector) IncRouterSolicitReceived() {
	c.Messages.WithLabelValues(directionRx, typeRouterSolicit).Inc()
}

// IncDropped counts a silent drop with its reason.
func (c *Collector) IncDropped(reason routing.DropReason) {
	c.Dropped.WithLabelValues(string(reason)).Inc()
}

// IncPolicyEvaluation counts a routing policy evaluation run.
func (c *Collector) IncPolicyEvaluation() {
	c.PolicyEvaluations.Inc()
}

// IncNetDataPublishFailure counts a failed Network Data publication.
func (c *Collector) IncNetDataPublishFailure() {
	c.NetDataPublishFailures.Inc()
}

// SetDiscoveredRouters reports the current router count.
func (c *Collector) SetDiscoveredRouters(n int) {
	c.DiscoveredRouters.Set(float64(n))
}

// SetDiscoveredPrefixes reports the current entry count.
func (c *Collector) SetDiscoveredPrefixes(n int) {
	c.DiscoveredPrefixes.Set(float64(n))
}

// SetAdvertisedOmrPrefixes reports the advertised OMR prefix count.
func (c *Collector) SetAdvertisedOmrPrefixes(n int) {
	c.AdvertisedOmrPrefixes.Set(float64(n))
}
