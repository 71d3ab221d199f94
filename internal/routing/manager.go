package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for RoutingManager operations.
var (
	// ErrNotInitialized indicates an operation before Init succeeded.
	ErrNotInitialized = errors.New("routing manager not initialized")

	// ErrAlreadyInitialized indicates a second Init call.
	ErrAlreadyInitialized = errors.New("routing manager already initialized")

	// ErrInvalidInfraIf indicates Init was given a nil or invalid
	// infrastructure interface.
	ErrInvalidInfraIf = errors.New("invalid infrastructure interface")
)

// -------------------------------------------------------------------------
// Timing — protocol timers and jitter bounds
// -------------------------------------------------------------------------

// maxOmrPrefixes is the maximum number of OMR prefixes to advertise,
// matching the SLAAC address cap on Thread devices.
const maxOmrPrefixes = 3

// Timing collects the protocol delays and jitter bounds of the RS/RA
// state machine and the policy evaluator. Production code uses
// DefaultTiming; tests compress the schedule through WithTiming.
type Timing struct {
	// MaxRtrSolicitationDelay bounds the random delay before the first
	// Router Solicitation (RFC 4861: MAX_RTR_SOLICITATION_DELAY, 1 s).
	MaxRtrSolicitationDelay time.Duration

	// RtrSolicitationInterval separates consecutive Router
	// Solicitations (RFC 4861: RTR_SOLICITATION_INTERVAL, 4 s).
	RtrSolicitationInterval time.Duration

	// RtrSolicitationRetryDelay is the delay before retrying a failed
	// RS transmission. Equal to the solicitation interval.
	RtrSolicitationRetryDelay time.Duration

	// MaxRtrSolicitations is the number of Router Solicitations in a
	// sequence (RFC 4861: MAX_RTR_SOLICITATIONS, 3).
	MaxRtrSolicitations int

	// MaxInitRtrAdvertisements is the number of initial RAs sent on the
	// short schedule (RFC 4861: MAX_INITIAL_RTR_ADVERTISEMENTS, 3).
	MaxInitRtrAdvertisements int

	// MaxInitRtrAdvInterval caps the interval between initial RAs
	// (RFC 4861: MAX_INITIAL_RTR_ADVERT_INTERVAL, 16 s).
	MaxInitRtrAdvInterval time.Duration

	// MinRtrAdvInterval and MaxRtrAdvInterval bound the steady-state
	// RA interval (200 s / 600 s).
	MinRtrAdvInterval time.Duration
	MaxRtrAdvInterval time.Duration

	// RaReplyJitter bounds the delay of an RA sent in response to a
	// Router Solicitation (RFC 4861 Section 6.2.6, 500 ms).
	RaReplyJitter time.Duration

	// MinDelayBetweenRtrAdvs is the pacing floor between consecutive
	// RAs (RFC 4861: MIN_DELAY_BETWEEN_RAS, 3 s).
	MinDelayBetweenRtrAdvs time.Duration

	// RoutingPolicyEvaluationJitter bounds the debounce delay of the
	// routing policy evaluator (1000 ms).
	RoutingPolicyEvaluationJitter time.Duration

	// DefaultOnLinkPrefixLifetime is the advertised valid and preferred
	// lifetime of the local on-link prefix (1800 s), and the length of
	// its deprecation window.
	DefaultOnLinkPrefixLifetime time.Duration

	// DefaultOmrPrefixLifetime is the route lifetime of advertised OMR
	// (and NAT64) RIOs (1800 s).
	DefaultOmrPrefixLifetime time.Duration
}

// DefaultTiming returns the RFC 4861 production timing.
func DefaultTiming() Timing {
	return Timing{
		MaxRtrSolicitationDelay:       1 * time.Second,
		RtrSolicitationInterval:       4 * time.Second,
		RtrSolicitationRetryDelay:     4 * time.Second,
		MaxRtrSolicitations:           3,
		MaxInitRtrAdvertisements:      3,
		MaxInitRtrAdvInterval:         16 * time.Second,
		MinRtrAdvInterval:             200 * time.Second,
		MaxRtrAdvInterval:             600 * time.Second,
		RaReplyJitter:                 500 * time.Millisecond,
		MinDelayBetweenRtrAdvs:        3 * time.Second,
		RoutingPolicyEvaluationJitter: 1000 * time.Millisecond,
		DefaultOnLinkPrefixLifetime:   1800 * time.Second,
		DefaultOmrPrefixLifetime:      1800 * time.Second,
	}
}

// -------------------------------------------------------------------------
// timer — single-shot timer with abandon-on-rearm semantics
// -------------------------------------------------------------------------

// timer wraps a single-shot time.Timer whose handler runs under the
// manager lock. Each arm invalidates any in-flight fire through the
// generation counter, making cancellation idempotent and abandoned
// fires harmless.
type timer struct {
	t        *time.Timer
	gen      uint64
	deadline time.Time
	armed    bool
	handler  func()
}

// -------------------------------------------------------------------------
// RoutingManager
// -------------------------------------------------------------------------

// RoutingManager implements bi-directional prefix routing between a
// Thread network and the adjacent infrastructure link: it participates
// as a router on the infrastructure link via RFC 4861 Neighbor
// Discovery and keeps the Thread Network Data in sync with the prefixes
// discovered there.
//
// All state transitions — API calls, received packets, and timer
// fires — are serialized under one mutex and run to completion, so the
// core data structures need no further synchronization. Deferred
// table-change signals are dispatched after the triggering handler
// returns, never from within it.
type RoutingManager struct {
	mu sync.Mutex

	state      State
	isEnabled  bool
	isAttached bool

	infraIf InfraIf
	netdata NetworkData
	storage Storage
	table   *DiscoveredPrefixTable
	metrics MetricsReporter
	logger  *slog.Logger
	rng     Rng
	timing  Timing

	nat64Enabled      bool
	allowDefaultRoute bool

	// Locally owned prefixes, fixed after Init.
	brUlaPrefix       netip.Prefix
	localOmrPrefix    netip.Prefix
	localOnLinkPrefix netip.Prefix
	localNat64Prefix  netip.Prefix

	// Policy outcome state.
	advertisedOmrPrefixes         []OmrPrefix
	favoredDiscoveredOnLinkPrefix netip.Prefix
	isAdvertisingLocalOnLink      bool
	isAdvertisingLocalNat64       bool
	nat64InLastAdvert             bool
	isLocalOmrPublished           bool

	// RA header learned from another daemon on this host.
	routerAdvertHeader         RouterAdvertHeader
	learntRouterAdvFromHost    bool
	timeRouterAdvHeaderUpdated time.Time

	// Counters and timestamps.
	routerAdvertisementCount uint32
	routerSolicitCount       int
	timeRouterSolicitStart   time.Time
	timeAdvertisedOnLink     time.Time
	lastRouterAdvertSendTime time.Time

	// Timers, all owned by the manager.
	solicitTimer   *timer
	policyTimer    *timer
	deprecateTimer *timer
	staleTimer     *timer
	expireTimer    *timer

	// now is stubbed by tests.
	now func() time.Time
}

// Option configures optional RoutingManager parameters.
type Option func(*RoutingManager)

// WithMetrics attaches a MetricsReporter. A nil reporter keeps the
// default no-op.
func WithMetrics(mr MetricsReporter) Option {
	return func(m *RoutingManager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithRng replaces the randomness source. Tests inject deterministic
// sequences for jitter and prefix generation.
func WithRng(rng Rng) Option {
	return func(m *RoutingManager) {
		if rng != nil {
			m.rng = rng
		}
	}
}

// WithTiming replaces the protocol timing. Tests compress the schedule.
func WithTiming(t Timing) Option {
	return func(m *RoutingManager) { m.timing = t }
}

// WithNat64 enables NAT64 prefix publication.
func WithNat64(enabled bool) Option {
	return func(m *RoutingManager) { m.nat64Enabled = enabled }
}

// WithAllowDefaultRoute allows the default route learned from RA router
// lifetimes to be published into the Thread Network Data.
func WithAllowDefaultRoute(allow bool) Option {
	return func(m *RoutingManager) { m.allowDefaultRoute = allow }
}

// WithClock replaces the wall clock, for deterministic simulations and
// tests.
func WithClock(now func() time.Time) Option {
	return func(m *RoutingManager) { m.now = now }
}

// NewRoutingManager creates a Routing Manager bound to the Thread
// Network Data service and persistent storage. The manager is enabled
// by default but does nothing until Init attaches it to an
// infrastructure interface.
func NewRoutingManager(
	netdata NetworkData,
	storage Storage,
	logger *slog.Logger,
	opts ...Option,
) *RoutingManager {
	m := &RoutingManager{
		state:     StateStopped,
		isEnabled: true,
		netdata:   netdata,
		storage:   storage,
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "routing.manager")),
		rng:       NewSystemRng(),
		timing:    DefaultTiming(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.table = NewDiscoveredPrefixTable(m, m.netdata, m.metrics, logger)
	m.table.SetAllowDefaultRouteInNetData(m.allowDefaultRoute)
	m.table.now = m.now

	m.solicitTimer = m.newTimer(m.handleSolicitTimer)
	m.policyTimer = m.newTimer(m.handlePolicyTimer)
	m.deprecateTimer = m.newTimer(m.handleDeprecateTimer)
	m.staleTimer = m.newTimer(m.handleStaleTimer)
	m.expireTimer = m.newTimer(m.handleExpireTimer)

	return m
}

// -------------------------------------------------------------------------
// Public API
// -------------------------------------------------------------------------

// Init attaches the manager to an infrastructure interface, loads or
// generates the locally owned prefixes, and starts operating if the run
// conditions already hold.
//
// Returns ErrInvalidInfraIf for a nil interface or a zero interface
// index, ErrAlreadyInitialized on a second call. State is unchanged on
// failure.
func (m *RoutingManager) Init(infraIf InfraIf) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.infraIf != nil {
		return ErrAlreadyInitialized
	}
	if infraIf == nil || infraIf.Index() == 0 {
		return ErrInvalidInfraIf
	}

	if err := m.setUpLocalPrefixes(); err != nil {
		return fmt.Errorf("init routing manager: %w", err)
	}

	m.infraIf = infraIf

	m.logger.Info("routing manager initialized",
		slog.Uint64("infra_if_index", uint64(infraIf.Index())),
		slog.String("br_ula_prefix", m.brUlaPrefix.String()),
		slog.String("omr_prefix", m.localOmrPrefix.String()),
		slog.String("on_link_prefix", m.localOnLinkPrefix.String()),
	)

	m.evaluateState()
	m.dispatchDeferred()

	return nil
}

// SetEnabled enables or disables the manager. Disabling stops operation
// with a final retraction RA and clears the RA header learned from the
// host. Returns ErrNotInitialized before Init. Enabling twice is a
// no-op.
func (m *RoutingManager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.infraIf == nil {
		return ErrNotInitialized
	}
	if m.isEnabled == enabled {
		return nil
	}

	m.isEnabled = enabled
	if !enabled {
		// The learned header describes the host's RA daemon; it does
		// not survive an explicit disable (it does survive a Thread
		// detach/reattach cycle).
		m.routerAdvertHeader = RouterAdvertHeader{}
		m.learntRouterAdvFromHost = false
	}

	m.logger.Info("routing manager enabled state changed", slog.Bool("enabled", enabled))

	m.evaluateState()
	m.dispatchDeferred()

	return nil
}

// IsEnabled reports whether the manager is administratively enabled.
func (m *RoutingManager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isEnabled
}

// IsRunning reports whether the manager is operating on the
// infrastructure link.
func (m *RoutingManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateStopped
}

// State returns the current RS/RA state machine state.
func (m *RoutingManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OmrPrefix returns the local off-mesh-routable prefix.
// Returns ErrNotInitialized before Init.
func (m *RoutingManager) OmrPrefix() (netip.Prefix, error) {
	return m.localPrefix(func(m *RoutingManager) netip.Prefix { return m.localOmrPrefix })
}

// OnLinkPrefix returns the local on-link prefix for the infrastructure
// link. Returns ErrNotInitialized before Init.
func (m *RoutingManager) OnLinkPrefix() (netip.Prefix, error) {
	return m.localPrefix(func(m *RoutingManager) netip.Prefix { return m.localOnLinkPrefix })
}

// Nat64Prefix returns the local NAT64 prefix.
// Returns ErrNotInitialized before Init.
func (m *RoutingManager) Nat64Prefix() (netip.Prefix, error) {
	return m.localPrefix(func(m *RoutingManager) netip.Prefix { return m.localNat64Prefix })
}

func (m *RoutingManager) localPrefix(get func(*RoutingManager) netip.Prefix) (netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.infraIf == nil {
		return netip.Prefix{}, ErrNotInitialized
	}
	return get(m), nil
}

// Snapshot is a read-only view of the manager state for monitoring and
// the CLI surface.
type Snapshot struct {
	State                    State
	IsEnabled                bool
	BrUlaPrefix              netip.Prefix
	LocalOmrPrefix           netip.Prefix
	LocalOnLinkPrefix        netip.Prefix
	LocalNat64Prefix         netip.Prefix
	AdvertisedOmrPrefixes    []OmrPrefix
	FavoredOnLinkPrefix      netip.Prefix
	IsAdvertisingLocalOnLink bool
	IsAdvertisingLocalNat64  bool
	RouterAdvertisementCount uint32
	RouterSolicitCount       int
	DiscoveredRouters        int
	DiscoveredPrefixes       int
}

// Snapshot returns a copy of the observable manager state.
func (m *RoutingManager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	advertised := make([]OmrPrefix, len(m.advertisedOmrPrefixes))
	copy(advertised, m.advertisedOmrPrefixes)

	return Snapshot{
		State:                    m.state,
		IsEnabled:                m.isEnabled,
		BrUlaPrefix:              m.brUlaPrefix,
		LocalOmrPrefix:           m.localOmrPrefix,
		LocalOnLinkPrefix:        m.localOnLinkPrefix,
		LocalNat64Prefix:         m.localNat64Prefix,
		AdvertisedOmrPrefixes:    advertised,
		FavoredOnLinkPrefix:      m.favoredDiscoveredOnLinkPrefix,
		IsAdvertisingLocalOnLink: m.isAdvertisingLocalOnLink,
		IsAdvertisingLocalNat64:  m.isAdvertisingLocalNat64,
		RouterAdvertisementCount: m.routerAdvertisementCount,
		RouterSolicitCount:       m.routerSolicitCount,
		DiscoveredRouters:        m.table.RouterCount(),
		DiscoveredPrefixes:       m.table.EntryCount(),
	}
}

// -------------------------------------------------------------------------
// Notifier surface
// -------------------------------------------------------------------------

// HandleThreadRoleChanged informs the manager about the Thread
// attachment state. Attach/detach starts or stops operation.
func (m *RoutingManager) HandleThreadRoleChanged(attached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isAttached == attached {
		return
	}
	m.isAttached = attached

	m.evaluateState()
	m.dispatchDeferred()
}

// HandleNetworkDataChanged informs the manager that the Thread Network
// Data changed: discovered route entries that Network Data now covers
// are dropped and the routing policy is re-evaluated.
func (m *RoutingManager) HandleNetworkDataChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return
	}

	m.updateDiscoveredTableOnNetDataChange()
	m.startPolicyEvaluationJitter(m.timing.RoutingPolicyEvaluationJitter)
	m.dispatchDeferred()
}

// HandleInfraIfStateChanged informs the manager that the infrastructure
// interface changed state (up/down).
func (m *RoutingManager) HandleInfraIfStateChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evaluateState()
	m.dispatchDeferred()
}

// -------------------------------------------------------------------------
// Packet input
// -------------------------------------------------------------------------

// HandleReceived processes an ICMPv6 message received on the
// infrastructure interface. Malformed or undesired messages are dropped
// silently (counted through the metrics reporter). Safe to call from
// any goroutine.
func (m *RoutingManager) HandleReceived(pkt []byte, src netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return
	}
	if len(pkt) > MaxMessageSize {
		m.metrics.IncDropped(DropReasonParse)
		return
	}

	typ, ok := MessageType(pkt)
	if !ok {
		m.metrics.IncDropped(DropReasonParse)
		return
	}

	switch typ {
	case TypeRouterSolicit:
		m.handleRouterSolicit(pkt, src)
	case TypeRouterAdvert:
		m.handleRouterAdvertisement(pkt, src)
	default:
		// Not ours; the socket filter should have excluded it.
	}

	m.dispatchDeferred()
}

// handleRouterSolicit processes a received Router Solicitation.
func (m *RoutingManager) handleRouterSolicit(pkt []byte, src netip.Addr) {
	if !IsRouterSolicit(pkt) {
		m.metrics.IncDropped(DropReasonParse)
		return
	}

	m.metrics.IncRouterSolicitReceived()
	m.logger.Debug("received router solicitation", slog.String("src", src.String()))

	m.applyFsmEvent(EventRecvSolicit)
}

// handleRouterAdvertisement processes a received Router Advertisement:
// the discovered-prefix table is updated, and RAs originated by another
// daemon on this host additionally update the learned RA header.
func (m *RoutingManager) handleRouterAdvertisement(pkt []byte, src netip.Addr) {
	var ra RouterAdvert
	if err := UnmarshalRouterAdvert(pkt, &ra); err != nil {
		m.metrics.IncDropped(DropReasonParse)
		m.logger.Debug("dropping malformed router advertisement",
			slog.String("src", src.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.metrics.IncRouterAdvertReceived()
	m.logger.Debug("received router advertisement",
		slog.String("src", src.String()),
		slog.Int("prefixes", len(ra.Prefixes)),
		slog.Int("routes", len(ra.Routes)),
	)

	m.table.ProcessRouterAdvert(&ra, src)

	if m.infraIf.HasAddress(src) {
		m.updateRouterAdvertHeader(&ra.Header)
	}
}

// updateRouterAdvertHeader inherits the RA header fields from another
// RA daemon on this host, so both daemons present consistent parameters
// on the link.
func (m *RoutingManager) updateRouterAdvertHeader(h *RouterAdvertHeader) {
	m.routerAdvertHeader = *h
	m.learntRouterAdvFromHost = true
	m.timeRouterAdvHeaderUpdated = m.now()

	m.resetDiscoveredPrefixStaleTimer()
	m.startPolicyEvaluationJitter(m.timing.RoutingPolicyEvaluationJitter)
}

// -------------------------------------------------------------------------
// Run-state evaluation and the FSM
// -------------------------------------------------------------------------

// evaluateState derives the run condition (enabled, Thread attached,
// infra-if up) and drives the state machine accordingly.
func (m *RoutingManager) evaluateState() {
	shouldRun := m.isEnabled &&
		m.isAttached &&
		m.infraIf != nil &&
		m.infraIf.IsRunning()

	switch {
	case shouldRun && m.state == StateStopped:
		m.applyFsmEvent(EventStarted)
	case !shouldRun && m.state != StateStopped:
		m.applyFsmEvent(EventStopped)
	}
}

// applyFsmEvent applies an event to the state machine and executes the
// resulting actions in order.
func (m *RoutingManager) applyFsmEvent(event Event) {
	res := ApplyEvent(m.state, event)
	m.state = res.NewState

	if res.Changed {
		m.logger.Info("state changed",
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()),
			slog.String("event", event.String()),
		)
	}

	for _, action := range res.Actions {
		m.executeAction(action)
	}
}

// executeAction performs a single FSM action.
func (m *RoutingManager) executeAction(action Action) {
	switch action {
	case ActionDrainTable:
		m.table.RemoveAllEntries()

	case ActionScheduleSolicit:
		m.routerSolicitCount = 0
		delay := m.rng.JitterDuration(m.timing.MaxRtrSolicitationDelay)
		m.armTimer(m.solicitTimer, delay)

	case ActionSendSolicit:
		m.sendRouterSolicitation()

	case ActionDiscardStaleEntries:
		m.table.RemoveOrDeprecateOldEntries(m.timeRouterSolicitStart)

	case ActionEvaluatePolicy:
		m.evaluateRoutingPolicy()

	case ActionScheduleReplyAdvert:
		m.startPolicyEvaluationJitter(m.timing.RaReplyJitter)

	case ActionSendFinalAdvert:
		m.executeStop()
	}
}

// handleSolicitTimer fires on the solicitation schedule and translates
// the transmission counter into the matching FSM event.
func (m *RoutingManager) handleSolicitTimer() {
	if m.routerSolicitCount < m.timing.MaxRtrSolicitations {
		m.applyFsmEvent(EventSolicitAttempt)
	} else {
		m.applyFsmEvent(EventSolicitFinished)
	}
}

// handlePolicyTimer fires on the debounced policy schedule.
func (m *RoutingManager) handlePolicyTimer() {
	m.applyFsmEvent(EventPolicyTimer)
}

// handleDeprecateTimer fires when the on-link prefix deprecation window
// closes: the prefix disappears from subsequent RAs entirely.
func (m *RoutingManager) handleDeprecateTimer() {
	m.logger.Info("on-link prefix deprecation finished",
		slog.String("prefix", m.localOnLinkPrefix.String()),
	)
	m.startPolicyEvaluationJitter(m.timing.RoutingPolicyEvaluationJitter)
}

// handleStaleTimer fires when a discovered prefix or the learned RA
// header went stale: a fresh solicitation sequence re-confirms it.
func (m *RoutingManager) handleStaleTimer() {
	m.applyFsmEvent(EventStaleTimer)
}

// handleExpireTimer fires at the earliest entry expiry in the
// discovered-prefix table.
func (m *RoutingManager) handleExpireTimer() {
	m.table.RemoveExpiredEntries(m.now())
}

// -------------------------------------------------------------------------
// Router Solicitation transmission — RFC 4861 Section 6.3.7
// -------------------------------------------------------------------------

// sendRouterSolicitation transmits one RS to the all-routers group.
// A transport failure reschedules with the retry delay without
// consuming a transmission slot.
func (m *RoutingManager) sendRouterSolicitation() {
	bufp := PacketPool.Get().(*[]byte)
	defer PacketPool.Put(bufp)

	n, err := MarshalRouterSolicit(*bufp)
	if err != nil {
		m.metrics.IncDropped(DropReasonParse)
		return
	}

	if err := m.infraIf.Send((*bufp)[:n], AllRoutersAddr()); err != nil {
		m.metrics.IncDropped(DropReasonSendFailure)
		m.logger.Warn("failed to send router solicitation",
			slog.String("error", err.Error()),
		)
		m.armTimer(m.solicitTimer, m.timing.RtrSolicitationRetryDelay)
		return
	}

	if m.routerSolicitCount == 0 {
		m.timeRouterSolicitStart = m.now()
	}
	m.routerSolicitCount++
	m.metrics.IncRouterSolicitSent()

	m.logger.Debug("sent router solicitation",
		slog.Int("count", m.routerSolicitCount),
	)

	m.armTimer(m.solicitTimer, m.timing.RtrSolicitationInterval)
}

// -------------------------------------------------------------------------
// Stop — final retraction
// -------------------------------------------------------------------------

// executeStop transmits the final retraction RA and clears all running
// state. The discovered-prefix table is intentionally kept; it is
// drained on the next start.
func (m *RoutingManager) executeStop() {
	m.sendFinalRouterAdvertisement()

	m.unpublishLocalOmrPrefix()
	if m.isAdvertisingLocalNat64 {
		m.unpublishLocalNat64Prefix()
	}

	m.advertisedOmrPrefixes = nil
	m.metrics.SetAdvertisedOmrPrefixes(0)
	m.favoredDiscoveredOnLinkPrefix = netip.Prefix{}
	m.isAdvertisingLocalOnLink = false
	m.nat64InLastAdvert = false

	m.routerAdvertisementCount = 0
	m.routerSolicitCount = 0
	m.lastRouterAdvertSendTime = time.Time{}

	m.stopTimer(m.solicitTimer)
	m.stopTimer(m.policyTimer)
	m.stopTimer(m.deprecateTimer)
	m.stopTimer(m.staleTimer)
	m.stopTimer(m.expireTimer)

	m.logger.Info("routing manager stopped")
}

// -------------------------------------------------------------------------
// Local prefix setup — persisted or freshly generated
// -------------------------------------------------------------------------

// setUpLocalPrefixes loads the BR ULA and on-link prefixes from storage,
// generating and persisting fresh ones when nothing valid is stored, and
// derives the OMR and NAT64 sub-prefixes.
func (m *RoutingManager) setUpLocalPrefixes() error {
	brUla, err := m.loadOrGeneratePrefix(
		m.storage.LoadBrUlaPrefix,
		m.storage.SaveBrUlaPrefix,
		IsValidBrUlaPrefix,
		func() (netip.Prefix, error) { return GenerateBrUlaPrefix(m.rng) },
	)
	if err != nil {
		return fmt.Errorf("BR ULA prefix: %w", err)
	}
	m.brUlaPrefix = brUla
	m.localOmrPrefix = OmrPrefixFromUla(brUla)
	m.localNat64Prefix = Nat64PrefixFromUla(brUla)

	onLink, err := m.loadOrGeneratePrefix(
		m.storage.LoadOnLinkPrefix,
		m.storage.SaveOnLinkPrefix,
		IsValidOnLinkPrefix,
		func() (netip.Prefix, error) { return GenerateOnLinkPrefix(m.rng) },
	)
	if err != nil {
		return fmt.Errorf("on-link prefix: %w", err)
	}
	m.localOnLinkPrefix = onLink

	return nil
}

// loadOrGeneratePrefix returns the stored prefix when present and valid,
// otherwise generates a fresh one and persists it. Storage read/write
// failures degrade to generation: the Border Router keeps working with a
// new prefix rather than refusing to start.
func (m *RoutingManager) loadOrGeneratePrefix(
	load func() (netip.Prefix, bool, error),
	save func(netip.Prefix) error,
	valid func(netip.Prefix) bool,
	generate func() (netip.Prefix, error),
) (netip.Prefix, error) {
	stored, ok, err := load()
	if err != nil {
		m.logger.Warn("failed to load stored prefix, generating a new one",
			slog.String("error", err.Error()),
		)
	} else if ok && valid(stored) {
		return stored, nil
	}

	generated, err := generate()
	if err != nil {
		return netip.Prefix{}, err
	}

	if err := save(generated); err != nil {
		m.logger.Warn("failed to persist generated prefix",
			slog.String("prefix", generated.String()),
			slog.String("error", err.Error()),
		)
	}

	return generated, nil
}

// -------------------------------------------------------------------------
// Deferred signal dispatch — tasklet semantics
// -------------------------------------------------------------------------

// dispatchDeferred runs after every handler: it collects the coalesced
// table-change signal (delivered here, after the triggering operation
// returned, so handlers never re-enter the table from a change
// callback) and re-arms the table-driven timers.
func (m *RoutingManager) dispatchDeferred() {
	if m.table.TakeChangeSignal() {
		m.handleDiscoveredPrefixTableChanged()
	}
	m.rearmTableTimers()
}

// handleDiscoveredPrefixTableChanged reacts to any change in the
// discovered-prefix table.
func (m *RoutingManager) handleDiscoveredPrefixTableChanged() {
	if m.state == StateStopped {
		return
	}
	m.resetDiscoveredPrefixStaleTimer()
	m.startPolicyEvaluationJitter(m.timing.RoutingPolicyEvaluationJitter)
}

// rearmTableTimers keeps the expiry timer armed at the earliest
// upcoming entry expiry.
func (m *RoutingManager) rearmTableTimers() {
	if m.state == StateStopped {
		return
	}

	if deadline, ok := m.table.NextExpireTime(); ok {
		m.armTimerAt(m.expireTimer, deadline)
	} else {
		m.stopTimer(m.expireTimer)
	}
}

// resetDiscoveredPrefixStaleTimer arms the stale timer at the earliest
// stale instant across the table entries and the learned RA header.
func (m *RoutingManager) resetDiscoveredPrefixStaleTimer() {
	now := m.now()

	deadline, ok := m.table.CalculateNextStaleTime(now)

	if m.learntRouterAdvFromHost {
		headerStale := m.timeRouterAdvHeaderUpdated.Add(staleRaTime)
		if headerStale.Before(now) {
			headerStale = now
		}
		if !ok || headerStale.Before(deadline) {
			deadline = headerStale
			ok = true
		}
	}

	if ok {
		m.armTimerAt(m.staleTimer, deadline)
	} else {
		m.stopTimer(m.staleTimer)
	}
}

// -------------------------------------------------------------------------
// Policy evaluation scheduling
// -------------------------------------------------------------------------

// startPolicyEvaluationJitter schedules a policy evaluation after a
// uniform random delay in [0, jitter], coalescing with any earlier
// pending evaluation.
func (m *RoutingManager) startPolicyEvaluationJitter(jitter time.Duration) {
	m.startPolicyEvaluationAt(m.now().Add(m.rng.JitterDuration(jitter)))
}

// startPolicyEvaluationAt schedules a policy evaluation at deadline
// unless one is already pending earlier.
func (m *RoutingManager) startPolicyEvaluationAt(deadline time.Time) {
	if m.policyTimer.armed && !m.policyTimer.deadline.After(deadline) {
		return
	}
	m.armTimerAt(m.policyTimer, deadline)
}

// -------------------------------------------------------------------------
// Timer plumbing
// -------------------------------------------------------------------------

// newTimer creates an unarmed timer with a fixed handler. The handler
// runs under the manager lock, followed by deferred-signal dispatch.
func (m *RoutingManager) newTimer(handler func()) *timer {
	return &timer{handler: handler}
}

// armTimer arms t to fire after delay. Must be called with the lock held.
func (m *RoutingManager) armTimer(t *timer, delay time.Duration) {
	m.armTimerAt(t, m.now().Add(delay))
}

// armTimerAt arms t to fire at deadline, superseding any earlier arm.
func (m *RoutingManager) armTimerAt(t *timer, deadline time.Time) {
	if t.t != nil {
		t.t.Stop()
	}

	t.gen++
	gen := t.gen
	t.armed = true
	t.deadline = deadline

	delay := max(time.Duration(0), deadline.Sub(m.now()))
	t.t = time.AfterFunc(delay, func() { m.onTimerFired(t, gen) })
}

// stopTimer cancels t. Idempotent; an in-flight fire is abandoned via
// the generation counter.
func (m *RoutingManager) stopTimer(t *timer) {
	t.gen++
	t.armed = false
	if t.t != nil {
		t.t.Stop()
	}
}

// onTimerFired runs a timer handler under the lock, discarding fires
// that were superseded or cancelled after scheduling.
func (m *RoutingManager) onTimerFired(t *timer, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.armed || t.gen != gen {
		return
	}
	t.armed = false

	t.handler()
	m.dispatchDeferred()
}
