package routing

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"
)

// This file implements the routing policy evaluator: the decision logic
// that derives, from local configuration, the Thread Network Data, and
// the discovered-prefix table, which OMR / on-link / NAT64 prefixes
// this Border Router publishes and advertises. Every comparison uses a
// deterministic total order, so independently configured Border Routers
// on the same link converge on identical choices.

// -------------------------------------------------------------------------
// Evaluation entry point
// -------------------------------------------------------------------------

// evaluateRoutingPolicy recomputes all prefix decisions and, when the
// manager is advertising, emits the resulting Router Advertisement.
// Runs debounced on the policy timer; every event that may change the
// outcome schedules it through startPolicyEvaluationJitter.
func (m *RoutingManager) evaluateRoutingPolicy() {
	if m.state == StateStopped {
		return
	}

	m.metrics.IncPolicyEvaluation()

	newOmrPrefixes := m.evaluateOmrPrefix()
	m.evaluateOnLinkPrefix()
	if m.nat64Enabled {
		m.evaluateNat64Prefix()
	}

	if m.state == StateAdvertising {
		m.sendRouterAdvertisement(newOmrPrefixes)
	}
}

// -------------------------------------------------------------------------
// OMR prefix selection
// -------------------------------------------------------------------------

// evaluateOmrPrefix selects the OMR prefixes to advertise on the
// infrastructure link and decides whether the local OMR prefix must be
// published into the Network Data.
//
// The local prefix is published exactly when no other Border Router
// provides a prefix at least as favored; otherwise it is withdrawn so a
// stable Thread network converges on a single OMR prefix. The result is
// ordered favored-first and capped at maxOmrPrefixes.
func (m *RoutingManager) evaluateOmrPrefix() []OmrPrefix {
	localOmr := OmrPrefix{Prefix: m.localOmrPrefix, Preference: PreferenceLow}

	var candidates []OmrPrefix
	for _, cfg := range m.netdata.OnMeshPrefixes() {
		if !IsValidOmrPrefixConfig(cfg) {
			continue
		}
		candidates = mergeOmrCandidate(candidates, OmrPrefix{
			Prefix:     cfg.Prefix,
			Preference: cfg.Preference,
		})
	}

	publishLocal := true
	for _, c := range candidates {
		if c.Prefix != m.localOmrPrefix && !localOmr.IsFavoredOver(c) {
			publishLocal = false
			break
		}
	}

	if publishLocal {
		m.publishLocalOmrPrefix()
		if !slices.ContainsFunc(candidates, func(c OmrPrefix) bool {
			return c.Prefix == m.localOmrPrefix
		}) {
			candidates = append(candidates, localOmr)
		}
	} else {
		m.unpublishLocalOmrPrefix()
		candidates = slices.DeleteFunc(candidates, func(c OmrPrefix) bool {
			return c.Prefix == m.localOmrPrefix
		})
	}

	slices.SortFunc(candidates, func(a, b OmrPrefix) int {
		if a.IsFavoredOver(b) {
			return -1
		}
		return 1
	})

	if len(candidates) > maxOmrPrefixes {
		candidates = candidates[:maxOmrPrefixes]
	}

	return candidates
}

// mergeOmrCandidate adds a candidate, keeping only the favored
// representative when the same prefix appears multiple times in the
// Network Data.
func mergeOmrCandidate(candidates []OmrPrefix, c OmrPrefix) []OmrPrefix {
	for i := range candidates {
		if candidates[i].Prefix == c.Prefix {
			if c.IsFavoredOver(candidates[i]) {
				candidates[i] = c
			}
			return candidates
		}
	}
	return append(candidates, c)
}

// publishLocalOmrPrefix places the local OMR prefix into the Network
// Data so Thread nodes auto-configure addresses from it.
func (m *RoutingManager) publishLocalOmrPrefix() {
	if m.isLocalOmrPublished {
		return
	}

	err := m.netdata.PublishOnMeshPrefix(OnMeshPrefixConfig{
		Prefix:       m.localOmrPrefix,
		Preference:   PreferenceLow,
		OnMesh:       true,
		Stable:       true,
		DefaultRoute: true,
		Preferred:    true,
		Slaac:        true,
	})
	if err != nil {
		m.metrics.IncNetDataPublishFailure()
		m.logger.Warn("failed to publish local OMR prefix",
			slog.String("prefix", m.localOmrPrefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.isLocalOmrPublished = true
	m.logger.Info("published local OMR prefix",
		slog.String("prefix", m.localOmrPrefix.String()),
	)
}

// unpublishLocalOmrPrefix withdraws the local OMR prefix from the
// Network Data.
func (m *RoutingManager) unpublishLocalOmrPrefix() {
	if !m.isLocalOmrPublished {
		return
	}

	if err := m.netdata.UnpublishOnMeshPrefix(m.localOmrPrefix); err != nil {
		m.metrics.IncNetDataPublishFailure()
		m.logger.Warn("failed to unpublish local OMR prefix",
			slog.String("prefix", m.localOmrPrefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.isLocalOmrPublished = false
	m.logger.Info("unpublished local OMR prefix",
		slog.String("prefix", m.localOmrPrefix.String()),
	)
}

// -------------------------------------------------------------------------
// On-link prefix selection and deprecation
// -------------------------------------------------------------------------

// evaluateOnLinkPrefix decides whether to advertise the local on-link
// prefix. When another router advertises an on-link prefix that sorts
// at or before ours, we yield: a previously advertised local prefix
// enters deprecation rather than disappearing, so hosts age it out
// gracefully.
func (m *RoutingManager) evaluateOnLinkPrefix() {
	favored, ok := m.table.FindFavoredOnLinkPrefix()
	if ok {
		m.favoredDiscoveredOnLinkPrefix = favored
	} else {
		m.favoredDiscoveredOnLinkPrefix = netip.Prefix{}
	}

	if ok && comparePrefixes(favored, m.localOnLinkPrefix) <= 0 {
		if m.isAdvertisingLocalOnLink {
			m.deprecateOnLinkPrefix()
		}
		return
	}

	if !m.isAdvertisingLocalOnLink {
		m.isAdvertisingLocalOnLink = true
		m.stopTimer(m.deprecateTimer)
		m.logger.Info("advertising local on-link prefix",
			slog.String("prefix", m.localOnLinkPrefix.String()),
		)
	}
}

// deprecateOnLinkPrefix begins the deprecation window for the local
// on-link prefix: subsequent RAs carry it with preferred lifetime zero
// while the valid lifetime counts down from the last full
// advertisement.
func (m *RoutingManager) deprecateOnLinkPrefix() {
	if m.deprecateTimer.armed {
		return
	}

	m.isAdvertisingLocalOnLink = false
	deadline := m.timeAdvertisedOnLink.Add(m.timing.DefaultOnLinkPrefixLifetime)
	m.armTimerAt(m.deprecateTimer, deadline)

	m.logger.Info("deprecating local on-link prefix",
		slog.String("prefix", m.localOnLinkPrefix.String()),
		slog.Time("until", deadline),
	)
}

// -------------------------------------------------------------------------
// NAT64 prefix selection
// -------------------------------------------------------------------------

// evaluateNat64Prefix publishes the local NAT64 prefix as an external
// route unless some other Border Router already provides one.
func (m *RoutingManager) evaluateNat64Prefix() {
	otherExists := false
	for _, route := range m.netdata.ExternalRoutes() {
		if route.Nat64 && route.Prefix != m.localNat64Prefix {
			otherExists = true
			break
		}
	}

	switch {
	case !otherExists && !m.isAdvertisingLocalNat64:
		m.publishLocalNat64Prefix()
	case otherExists && m.isAdvertisingLocalNat64:
		m.unpublishLocalNat64Prefix()
	}
}

// publishLocalNat64Prefix places the local NAT64 prefix into the
// Network Data with low preference, so an infrastructure-provided
// prefix wins if one appears later.
func (m *RoutingManager) publishLocalNat64Prefix() {
	err := m.netdata.PublishExternalRoute(ExternalRouteConfig{
		Prefix:     m.localNat64Prefix,
		Preference: PreferenceLow,
		Nat64:      true,
	})
	if err != nil {
		m.metrics.IncNetDataPublishFailure()
		m.logger.Warn("failed to publish local NAT64 prefix",
			slog.String("prefix", m.localNat64Prefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.isAdvertisingLocalNat64 = true
	m.logger.Info("published local NAT64 prefix",
		slog.String("prefix", m.localNat64Prefix.String()),
	)
}

// unpublishLocalNat64Prefix withdraws the local NAT64 prefix.
func (m *RoutingManager) unpublishLocalNat64Prefix() {
	if err := m.netdata.UnpublishExternalRoute(m.localNat64Prefix); err != nil {
		m.metrics.IncNetDataPublishFailure()
		m.logger.Warn("failed to unpublish local NAT64 prefix",
			slog.String("prefix", m.localNat64Prefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.isAdvertisingLocalNat64 = false
	m.logger.Info("unpublished local NAT64 prefix",
		slog.String("prefix", m.localNat64Prefix.String()),
	)
}

// -------------------------------------------------------------------------
// Router Advertisement emission
// -------------------------------------------------------------------------

// sendRouterAdvertisement builds and transmits an RA reflecting the
// current policy outcome:
//
//   - the learned (or default) header with router lifetime forced to
//     zero — a Border Router is not a default gateway on the link,
//   - a PIO for the local on-link prefix (full lifetimes while
//     advertised, preferred zero while deprecating),
//   - RIOs for the advertised OMR prefixes (each with its own
//     preference; the local OMR prefix is low) and the NAT64 prefix
//     (low preference),
//   - zero-lifetime RIOs retracting prefixes advertised last round but
//     dropped from this one.
//
// Transmission honours the pacing floor: a send falling inside the
// minimum RA spacing is deferred, not dropped.
func (m *RoutingManager) sendRouterAdvertisement(newOmrPrefixes []OmrPrefix) {
	now := m.now()

	if !m.lastRouterAdvertSendTime.IsZero() {
		earliest := m.lastRouterAdvertSendTime.Add(m.timing.MinDelayBetweenRtrAdvs)
		if now.Before(earliest) {
			m.startPolicyEvaluationAt(earliest)
			return
		}
	}

	ra := RouterAdvert{Header: m.routerAdvertHeader}
	ra.Header.RouterLifetime = 0

	m.appendOnLinkPrefixInfo(&ra, now)

	routeLifetime := uint32(m.timing.DefaultOmrPrefixLifetime / time.Second)
	for _, omr := range newOmrPrefixes {
		ra.Routes = append(ra.Routes, RouteInfoOption{
			Prefix:        omr.Prefix,
			Preference:    omr.Preference,
			RouteLifetime: routeLifetime,
		})
	}

	nat64Advertised := false
	if m.nat64Enabled && m.isAdvertisingLocalNat64 {
		ra.Routes = append(ra.Routes, RouteInfoOption{
			Prefix:        m.localNat64Prefix,
			Preference:    PreferenceLow,
			RouteLifetime: routeLifetime,
		})
		nat64Advertised = true
	}

	// Retract what the previous RA advertised and this one dropped.
	for _, old := range m.advertisedOmrPrefixes {
		stillAdvertised := slices.ContainsFunc(newOmrPrefixes, func(c OmrPrefix) bool {
			return c.Prefix == old.Prefix
		})
		if !stillAdvertised {
			ra.Routes = append(ra.Routes, RouteInfoOption{
				Prefix:        old.Prefix,
				Preference:    old.Preference,
				RouteLifetime: 0,
			})
		}
	}
	if m.nat64InLastAdvert && !nat64Advertised {
		ra.Routes = append(ra.Routes, RouteInfoOption{
			Prefix:        m.localNat64Prefix,
			Preference:    PreferenceLow,
			RouteLifetime: 0,
		})
	}

	if !m.transmitRouterAdvert(&ra) {
		// Transport failure: retried on the next evaluation.
		m.startPolicyEvaluationJitter(m.timing.RoutingPolicyEvaluationJitter)
		return
	}

	m.lastRouterAdvertSendTime = now
	m.routerAdvertisementCount++
	m.advertisedOmrPrefixes = newOmrPrefixes
	m.nat64InLastAdvert = nat64Advertised
	m.metrics.SetAdvertisedOmrPrefixes(len(newOmrPrefixes))

	m.logger.Info("sent router advertisement",
		slog.Uint64("count", uint64(m.routerAdvertisementCount)),
		slog.Int("omr_prefixes", len(newOmrPrefixes)),
		slog.Bool("on_link", m.isAdvertisingLocalOnLink),
	)

	m.scheduleNextRouterAdvert(now)
}

// appendOnLinkPrefixInfo adds the local on-link PIO: full lifetimes
// while advertising, preferred zero with the remaining valid lifetime
// while the deprecation window is open.
func (m *RoutingManager) appendOnLinkPrefixInfo(ra *RouterAdvert, now time.Time) {
	lifetime := uint32(m.timing.DefaultOnLinkPrefixLifetime / time.Second)

	switch {
	case m.isAdvertisingLocalOnLink:
		ra.Prefixes = append(ra.Prefixes, PrefixInfoOption{
			Prefix:            m.localOnLinkPrefix,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     lifetime,
			PreferredLifetime: lifetime,
		})
		m.timeAdvertisedOnLink = now

	case m.deprecateTimer.armed:
		remaining := m.deprecateTimer.deadline.Sub(now)
		if remaining <= 0 {
			return
		}
		ra.Prefixes = append(ra.Prefixes, PrefixInfoOption{
			Prefix:            m.localOnLinkPrefix,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     uint32(remaining / time.Second),
			PreferredLifetime: 0,
		})
	}
}

// sendFinalRouterAdvertisement transmits the retraction RA on stop:
// router lifetime zero, the local on-link prefix with zero lifetimes,
// and zero-lifetime RIOs for everything advertised before, so
// downstream hosts withdraw state immediately.
func (m *RoutingManager) sendFinalRouterAdvertisement() {
	ra := RouterAdvert{Header: m.routerAdvertHeader}
	ra.Header.RouterLifetime = 0

	if m.isAdvertisingLocalOnLink || m.deprecateTimer.armed {
		ra.Prefixes = append(ra.Prefixes, PrefixInfoOption{
			Prefix:            m.localOnLinkPrefix,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     0,
			PreferredLifetime: 0,
		})
	}

	for _, omr := range m.advertisedOmrPrefixes {
		ra.Routes = append(ra.Routes, RouteInfoOption{
			Prefix:        omr.Prefix,
			Preference:    omr.Preference,
			RouteLifetime: 0,
		})
	}
	if m.nat64InLastAdvert {
		ra.Routes = append(ra.Routes, RouteInfoOption{
			Prefix:        m.localNat64Prefix,
			Preference:    PreferenceLow,
			RouteLifetime: 0,
		})
	}

	if m.transmitRouterAdvert(&ra) {
		m.logger.Info("sent final router advertisement")
	}
}

// transmitRouterAdvert serializes and sends an RA to the all-nodes
// group, reporting success.
func (m *RoutingManager) transmitRouterAdvert(ra *RouterAdvert) bool {
	bufp := PacketPool.Get().(*[]byte)
	defer PacketPool.Put(bufp)

	n, err := MarshalRouterAdvert(ra, *bufp)
	if err != nil {
		m.metrics.IncDropped(DropReasonParse)
		m.logger.Error("failed to serialize router advertisement",
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := m.infraIf.Send((*bufp)[:n], AllNodesAddr()); err != nil {
		m.metrics.IncDropped(DropReasonSendFailure)
		m.logger.Warn("failed to send router advertisement",
			slog.String("error", err.Error()),
		)
		return false
	}

	m.metrics.IncRouterAdvertSent()
	return true
}

// scheduleNextRouterAdvert arms the policy timer for the next periodic
// RA: a uniform interval in [MinRtrAdvInterval, MaxRtrAdvInterval],
// clamped to MaxInitRtrAdvInterval while the initial advertisements are
// being sent (RFC 4861 Section 6.2.4).
func (m *RoutingManager) scheduleNextRouterAdvert(now time.Time) {
	interval := jitteredInterval(m.rng, m.timing.MinRtrAdvInterval, m.timing.MaxRtrAdvInterval)

	if m.routerAdvertisementCount <= uint32(m.timing.MaxInitRtrAdvertisements) {
		interval = min(interval, m.timing.MaxInitRtrAdvInterval)
	}

	m.startPolicyEvaluationAt(now.Add(interval))
}

// -------------------------------------------------------------------------
// TableDelegate — option admission gates
// -------------------------------------------------------------------------

// ShouldProcessPrefixInfoOption admits a PIO into the discovered-prefix
// table: the prefix must be a usable on-link prefix with the L and A
// flags set, and must not be the prefix this manager originates itself.
// Zero-lifetime PIOs pass the gate so removal-on-advertise works.
func (m *RoutingManager) ShouldProcessPrefixInfoOption(pio *PrefixInfoOption) bool {
	if pio.Prefix == m.localOnLinkPrefix {
		return false
	}
	return IsValidOnLinkPrefix(pio.Prefix) && pio.OnLink && pio.Autonomous
}

// ShouldProcessRouteInfoOption admits a RIO into the table: the route
// must not be our own OMR prefix nor an OMR prefix the Thread Network
// Data already carries — those are reachable through the mesh, not
// through the advertising router.
func (m *RoutingManager) ShouldProcessRouteInfoOption(rio *RouteInfoOption) bool {
	if rio.Prefix == m.localOmrPrefix {
		return false
	}
	if IsValidOmrPrefix(rio.Prefix) && m.netdataContainsOmrPrefix(rio.Prefix) {
		return false
	}
	return true
}

// netdataContainsOmrPrefix reports whether the Network Data carries
// prefix as a valid OMR prefix.
func (m *RoutingManager) netdataContainsOmrPrefix(prefix netip.Prefix) bool {
	for _, cfg := range m.netdata.OnMeshPrefixes() {
		if cfg.Prefix == prefix && IsValidOmrPrefixConfig(cfg) {
			return true
		}
	}
	return false
}

// updateDiscoveredTableOnNetDataChange drops discovered route entries
// for prefixes the Network Data now provides as OMR prefixes; they are
// reachable through the mesh and must not also be published as external
// routes.
func (m *RoutingManager) updateDiscoveredTableOnNetDataChange() {
	for _, cfg := range m.netdata.OnMeshPrefixes() {
		if !IsValidOmrPrefixConfig(cfg) {
			continue
		}
		m.table.RemoveRoutePrefix(cfg.Prefix, UnpublishFromNetData)
	}
}
