package routing

// -------------------------------------------------------------------------
// MetricsReporter — observability hook
// -------------------------------------------------------------------------

// DropReason labels a silent drop for the drop counter. Every drop the
// error policy allows (malformed input, exhausted pools) is observable
// through these reasons even though the drop itself is silent.
type DropReason string

const (
	// DropReasonParse counts messages or options discarded as malformed.
	DropReasonParse DropReason = "parse"

	// DropReasonRouterCapacity counts RAs dropped because the router
	// table is full.
	DropReasonRouterCapacity DropReason = "router_capacity"

	// DropReasonEntryCapacity counts PIO/RIO options dropped because
	// the entry pool is exhausted.
	DropReasonEntryCapacity DropReason = "entry_capacity"

	// DropReasonSendFailure counts RA/RS transmissions the
	// infrastructure interface rejected.
	DropReasonSendFailure DropReason = "send_failure"
)

// MetricsReporter receives counter and gauge updates from the Routing
// Manager and the discovered-prefix table. The production implementation
// lives in internal/metrics (Prometheus); the core defaults to a no-op
// reporter so it carries no metrics dependency.
type MetricsReporter interface {
	// IncRouterAdvertSent counts transmitted Router Advertisements.
	IncRouterAdvertSent()

	// IncRouterSolicitSent counts transmitted Router Solicitations.
	IncRouterSolicitSent()

	// IncRouterAdvertReceived counts received Router Advertisements.
	IncRouterAdvertReceived()

	// IncRouterSolicitReceived counts received Router Solicitations.
	IncRouterSolicitReceived()

	// IncDropped counts a silent drop with its reason.
	IncDropped(reason DropReason)

	// IncPolicyEvaluation counts routing policy evaluation runs.
	IncPolicyEvaluation()

	// IncNetDataPublishFailure counts failed Network Data publications
	// (retried on the next policy evaluation).
	IncNetDataPublishFailure()

	// SetDiscoveredRouters reports the current router count in the
	// discovered-prefix table.
	SetDiscoveredRouters(n int)

	// SetDiscoveredPrefixes reports the current entry count in the
	// discovered-prefix table.
	SetDiscoveredPrefixes(n int)

	// SetAdvertisedOmrPrefixes reports the size of the advertised OMR
	// prefix set.
	SetAdvertisedOmrPrefixes(n int)
}

// noopMetrics is the default MetricsReporter. All methods do nothing.
type noopMetrics struct{}

func (noopMetrics) IncRouterAdvertSent()         {}
func (noopMetrics) IncRouterSolicitSent()        {}
func (noopMetrics) IncRouterAdvertReceived()     {}
func (noopMetrics) IncRouterSolicitReceived()    {}
func (noopMetrics) IncDropped(DropReason)        {}
func (noopMetrics) IncPolicyEvaluation()         {}
func (noopMetrics) IncNetDataPublishFailure()    {}
func (noopMetrics) SetDiscoveredRouters(int)     {}
func (noopMetrics) SetDiscoveredPrefixes(int)    {}
func (noopMetrics) SetAdvertisedOmrPrefixes(int) {}
