package routing

import (
	"log/slog"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Capacity and staleness constants
// -------------------------------------------------------------------------

const (
	// maxRouters is the maximum number of discovered routers tracked in
	// the table. New routers beyond this are silently dropped.
	maxRouters = 16

	// maxEntries is the size of the shared prefix entry pool across all
	// routers. Options that would exceed it are silently dropped.
	maxEntries = 64

	// staleRaTime is the age after which a learned prefix or RA header
	// is considered possibly withdrawn and re-solicited. Chosen within
	// [upper bound of the RA interval, default on-link prefix lifetime].
	staleRaTime = 1800 * time.Second
)

// noIndex is the nil value for entry pool indices.
const noIndex = ^uint16(0)

// -------------------------------------------------------------------------
// EntryType — PIO- vs RIO-derived entries
// -------------------------------------------------------------------------

// EntryType distinguishes discovered on-link prefixes (from PIOs) from
// discovered route prefixes (from RIOs and the RA header default route).
type EntryType uint8

const (
	// EntryTypeOnLink marks an entry learned from a Prefix Information
	// Option.
	EntryTypeOnLink EntryType = iota

	// EntryTypeRoute marks an entry learned from a Route Information
	// Option or synthesized from the RA header's router lifetime.
	EntryTypeRoute
)

// String returns the human-readable name for the entry type.
func (t EntryType) String() string {
	if t == EntryTypeOnLink {
		return "OnLink"
	}
	return "Route"
}

// -------------------------------------------------------------------------
// entry — one discovered prefix, stored in the arena pool
// -------------------------------------------------------------------------

// entry is a single discovered prefix. Entries live in a fixed arena and
// are linked into their owning router's list through pool indices, so no
// allocation happens per received option.
//
// The payload is a tagged variant: preferredLifetime applies to OnLink
// entries, routePreference to Route entries.
type entry struct {
	next           uint16
	prefix         netip.Prefix
	typ            EntryType
	lastUpdateTime time.Time
	validLifetime  uint32 // seconds

	preferredLifetime uint32          // OnLink only
	routePreference   RoutePreference // Route only
}

// expireTime returns the instant at which the entry's valid lifetime
// runs out.
func (e *entry) expireTime() time.Time {
	return e.lastUpdateTime.Add(time.Duration(e.validLifetime) * time.Second)
}

// staleTime returns the instant at which the entry becomes stale:
// lastUpdateTime + min(validLifetime, staleRaTime).
func (e *entry) staleTime() time.Time {
	delay := min(time.Duration(e.validLifetime)*time.Second, staleRaTime)
	return e.lastUpdateTime.Add(delay)
}

// isDeprecated reports whether an on-link entry has been deprecated
// (preferred lifetime exhausted). Only meaningful for OnLink entries.
func (e *entry) isDeprecated() bool {
	return e.typ == EntryTypeOnLink && e.preferredLifetime == 0
}

// matches reports whether the entry has the given table key.
func (e *entry) matches(prefix netip.Prefix, typ EntryType) bool {
	return e.typ == typ && e.prefix == prefix
}

// -------------------------------------------------------------------------
// router — one RA source and its entry list
// -------------------------------------------------------------------------

// router identifies an RA source by its IPv6 source address and owns a
// list of discovered entries (head index into the arena). A router with
// an empty list is removed from the table.
type router struct {
	addr netip.Addr
	head uint16
}

// -------------------------------------------------------------------------
// TableDelegate — per-option admission gate
// -------------------------------------------------------------------------

// TableDelegate decides whether individual PIO/RIO options from a
// received RA should enter the table. The Routing Manager implements it:
// options describing prefixes the manager itself originates are skipped.
type TableDelegate interface {
	ShouldProcessPrefixInfoOption(pio *PrefixInfoOption) bool
	ShouldProcessRouteInfoOption(rio *RouteInfoOption) bool
}

// -------------------------------------------------------------------------
// DiscoveredPrefixTable
// -------------------------------------------------------------------------

// DiscoveredPrefixTable maintains the on-link and route prefixes
// discovered from received RA messages, keyed by (router, prefix, type).
//
// The table manages entry lifetimes, publishes the favored
// representative of each discovered route prefix into the Thread Network
// Data as an external route, and reports the favored on-link prefix to
// the routing policy evaluator.
//
// Mutations mark the table changed; the owning manager collects the
// coalesced signal via TakeChangeSignal after the triggering handler
// returns, so multiple changes within one flow of execution produce a
// single policy re-evaluation.
//
// The table is not safe for concurrent use; every access happens under
// the owning Routing Manager's lock.
type DiscoveredPrefixTable struct {
	entries  [maxEntries]entry
	freeHead uint16
	used     int

	routers []router

	// published tracks the external routes this table placed in the
	// Network Data, so favored-representative changes and removals can
	// be pushed incrementally.
	published map[netip.Prefix]RoutePreference

	allowDefaultRoute bool
	changed           bool

	delegate TableDelegate
	netdata  NetworkData
	metrics  MetricsReporter
	logger   *slog.Logger

	// now is stubbed by tests for deterministic lifetimes.
	now func() time.Time
}

// NewDiscoveredPrefixTable creates an empty table bound to its delegate
// and the Network Data service.
func NewDiscoveredPrefixTable(
	delegate TableDelegate,
	netdata NetworkData,
	metrics MetricsReporter,
	logger *slog.Logger,
) *DiscoveredPrefixTable {
	t := &DiscoveredPrefixTable{
		routers:   make([]router, 0, maxRouters),
		published: make(map[netip.Prefix]RoutePreference),
		delegate:  delegate,
		netdata:   netdata,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "routing.table")),
		now:       time.Now,
	}

	// Thread all slots onto the free list.
	for i := range maxEntries - 1 {
		t.entries[i].next = uint16(i + 1)
	}
	t.entries[maxEntries-1].next = noIndex
	t.freeHead = 0

	return t
}

// SetAllowDefaultRouteInNetData controls whether the default route
// (::/0) synthesized from RA router lifetimes may be published into the
// Network Data. When disallowed, default-route entries are still tracked
// but never published.
func (t *DiscoveredPrefixTable) SetAllowDefaultRouteInNetData(allow bool) {
	if t.allowDefaultRoute == allow {
		return
	}
	t.allowDefaultRoute = allow

	defaultRoute := netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	t.refreshPublishedRoute(defaultRoute)
}

// -------------------------------------------------------------------------
// RA processing — spec contract
// -------------------------------------------------------------------------

// ProcessRouterAdvert merges a received Router Advertisement into the
// table:
//
//  1. Locate or create the router entry keyed by src; a new router
//     beyond capacity drops the whole message.
//  2. Synthesize a default-route (::/0) entry from the RA header's
//     router lifetime and preference.
//  3. Merge each PIO / RIO the delegate admits.
//  4. Remove the router if its entry list ended up empty.
//
// Any resulting change (entry added, removed, or mutated) marks the
// table changed for the coalesced signal.
func (t *DiscoveredPrefixTable) ProcessRouterAdvert(ra *RouterAdvert, src netip.Addr) {
	rtr := t.findRouter(src)
	if rtr == nil {
		if len(t.routers) == maxRouters {
			t.metrics.IncDropped(DropReasonRouterCapacity)
			t.logger.Debug("router table full, dropping RA",
				slog.String("src", src.String()),
			)
			return
		}
		t.routers = append(t.routers, router{addr: src, head: noIndex})
		rtr = &t.routers[len(t.routers)-1]
	}

	t.processDefaultRoute(&ra.Header, rtr)

	for i := range ra.Prefixes {
		pio := &ra.Prefixes[i]
		if !t.delegate.ShouldProcessPrefixInfoOption(pio) {
			continue
		}
		t.mergeEntry(rtr, entry{
			prefix:            pio.Prefix,
			typ:               EntryTypeOnLink,
			validLifetime:     pio.ValidLifetime,
			preferredLifetime: min(pio.PreferredLifetime, pio.ValidLifetime),
		})
	}

	for i := range ra.Routes {
		rio := &ra.Routes[i]
		if !t.delegate.ShouldProcessRouteInfoOption(rio) {
			continue
		}
		t.mergeEntry(rtr, entry{
			prefix:          rio.Prefix,
			typ:             EntryTypeRoute,
			validLifetime:   rio.RouteLifetime,
			routePreference: rio.Preference,
		})
	}

	t.removeRouterIfEmpty(src)
	t.updateGauges()
}

// processDefaultRoute merges the synthetic ::/0 route entry derived from
// the RA header (RFC 4861 Section 6.3.4: router lifetime governs use of
// the sender as a default router).
func (t *DiscoveredPrefixTable) processDefaultRoute(h *RouterAdvertHeader, rtr *router) {
	t.mergeEntry(rtr, entry{
		prefix:          netip.PrefixFrom(netip.IPv6Unspecified(), 0),
		typ:             EntryTypeRoute,
		validLifetime:   uint32(h.RouterLifetime),
		routePreference: h.Preference,
	})
}

// mergeEntry applies the merge rule for the key (router, prefix, type):
// a zero valid lifetime removes an existing entry (removal-on-advertise,
// RFC 4861 Section 6.3.5); otherwise the entry is created or refreshed
// in place with lastUpdateTime set to now.
func (t *DiscoveredPrefixTable) mergeEntry(rtr *router, in entry) {
	idx := t.findEntry(rtr, in.prefix, in.typ)

	if in.validLifetime == 0 {
		if idx != noIndex {
			t.removeEntry(rtr, idx, true)
			t.signalChanged()
		}
		return
	}

	if idx == noIndex {
		idx = t.allocateEntry()
		if idx == noIndex {
			t.metrics.IncDropped(DropReasonEntryCapacity)
			t.logger.Debug("entry pool exhausted, dropping option",
				slog.String("prefix", in.prefix.String()),
				slog.String("type", in.typ.String()),
			)
			return
		}

		in.next = rtr.head
		in.lastUpdateTime = t.now()
		t.entries[idx] = in
		rtr.head = idx

		if in.typ == EntryTypeRoute {
			t.refreshPublishedRoute(in.prefix)
		}
		t.signalChanged()
		return
	}

	e := &t.entries[idx]
	mutated := e.validLifetime != in.validLifetime ||
		(in.typ == EntryTypeOnLink && e.preferredLifetime != in.preferredLifetime) ||
		(in.typ == EntryTypeRoute && e.routePreference != in.routePreference)

	e.validLifetime = in.validLifetime
	e.preferredLifetime = in.preferredLifetime
	e.routePreference = in.routePreference
	e.lastUpdateTime = t.now()

	if mutated {
		if in.typ == EntryTypeRoute {
			t.refreshPublishedRoute(in.prefix)
		}
		t.signalChanged()
	}
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// FindFavoredOnLinkPrefix returns the favored discovered on-link prefix:
// the numerically smallest valid, non-deprecated on-link prefix across
// all routers. ok is false when none exists.
func (t *DiscoveredPrefixTable) FindFavoredOnLinkPrefix() (netip.Prefix, bool) {
	var favored netip.Prefix
	found := false

	t.visitEntries(func(_ *router, e *entry) {
		if e.typ != EntryTypeOnLink || e.isDeprecated() || !IsValidOnLinkPrefix(e.prefix) {
			return
		}
		if !found || comparePrefixes(e.prefix, favored) < 0 {
			favored = e.prefix
			found = true
		}
	})

	return favored, found
}

// ContainsOnLinkPrefix reports whether any router advertises prefix as
// an on-link prefix.
func (t *DiscoveredPrefixTable) ContainsOnLinkPrefix(prefix netip.Prefix) bool {
	return t.containsPrefix(prefix, EntryTypeOnLink)
}

// ContainsRoutePrefix reports whether any router advertises prefix as a
// route prefix.
func (t *DiscoveredPrefixTable) ContainsRoutePrefix(prefix netip.Prefix) bool {
	return t.containsPrefix(prefix, EntryTypeRoute)
}

func (t *DiscoveredPrefixTable) containsPrefix(prefix netip.Prefix, typ EntryType) bool {
	found := false
	t.visitEntries(func(_ *router, e *entry) {
		if e.matches(prefix, typ) {
			found = true
		}
	})
	return found
}

// EntryCount returns the number of allocated entries.
func (t *DiscoveredPrefixTable) EntryCount() int { return t.used }

// RouterCount returns the number of tracked routers.
func (t *DiscoveredPrefixTable) RouterCount() int { return len(t.routers) }

// -------------------------------------------------------------------------
// Removal operations
// -------------------------------------------------------------------------

// NetDataMode selects whether removal operations also unpublish the
// affected prefix from the Network Data.
type NetDataMode uint8

const (
	// UnpublishFromNetData removes the prefix from the Network Data if
	// the table had published it.
	UnpublishFromNetData NetDataMode = iota

	// KeepInNetData leaves any published entry in the Network Data.
	KeepInNetData
)

// RemoveOnLinkPrefix removes prefix as an on-link entry from every
// router.
func (t *DiscoveredPrefixTable) RemoveOnLinkPrefix(prefix netip.Prefix) {
	t.removePrefix(prefix, EntryTypeOnLink, UnpublishFromNetData)
}

// RemoveRoutePrefix removes prefix as a route entry from every router,
// optionally keeping its Network Data publication.
func (t *DiscoveredPrefixTable) RemoveRoutePrefix(prefix netip.Prefix, mode NetDataMode) {
	t.removePrefix(prefix, EntryTypeRoute, mode)
}

func (t *DiscoveredPrefixTable) removePrefix(prefix netip.Prefix, typ EntryType, mode NetDataMode) {
	removed := false

	for i := range t.routers {
		rtr := &t.routers[i]
		if idx := t.findEntry(rtr, prefix, typ); idx != noIndex {
			t.removeEntry(rtr, idx, mode == UnpublishFromNetData)
			removed = true
		}
	}

	if removed {
		t.removeRoutersWithNoEntries()
		t.updateGauges()
		t.signalChanged()
	}
}

// RemoveAllEntries drops every entry and router and unpublishes all
// routes this table placed in the Network Data.
func (t *DiscoveredPrefixTable) RemoveAllEntries() {
	if len(t.routers) == 0 {
		return
	}

	for i := range t.routers {
		rtr := &t.routers[i]
		for rtr.head != noIndex {
			t.removeEntry(rtr, rtr.head, true)
		}
	}
	t.routers = t.routers[:0]

	t.updateGauges()
	t.signalChanged()
}

// RemoveOrDeprecateOldEntries processes entries that were not refreshed
// since threshold: route entries are removed (and unpublished); on-link
// entries are deprecated in place so hosts stop preferring them while
// their valid lifetime runs out. Called when a re-solicitation window
// closes without the stale prefixes being re-advertised.
func (t *DiscoveredPrefixTable) RemoveOrDeprecateOldEntries(threshold time.Time) {
	changed := false

	for i := range t.routers {
		rtr := &t.routers[i]

		idx := rtr.head
		for idx != noIndex {
			e := &t.entries[idx]
			next := e.next

			if !e.lastUpdateTime.After(threshold) {
				switch e.typ {
				case EntryTypeRoute:
					t.removeEntry(rtr, idx, true)
					changed = true
				case EntryTypeOnLink:
					if e.preferredLifetime != 0 {
						e.preferredLifetime = 0
						changed = true
					}
				}
			}

			idx = next
		}
	}

	if changed {
		t.removeRoutersWithNoEntries()
		t.updateGauges()
		t.signalChanged()
	}
}

// RemoveExpiredEntries drops every entry whose valid lifetime has run
// out as of now, unpublishing affected routes and removing routers left
// with no entries.
func (t *DiscoveredPrefixTable) RemoveExpiredEntries(now time.Time) {
	changed := false

	for i := range t.routers {
		rtr := &t.routers[i]

		idx := rtr.head
		for idx != noIndex {
			e := &t.entries[idx]
			next := e.next

			if !e.expireTime().After(now) {
				t.removeEntry(rtr, idx, true)
				changed = true
			}

			idx = next
		}
	}

	if changed {
		t.removeRoutersWithNoEntries()
		t.updateGauges()
		t.signalChanged()
	}
}

// -------------------------------------------------------------------------
// Timer deadlines
// -------------------------------------------------------------------------

// NextExpireTime returns the earliest upcoming entry expiry, or ok=false
// when the table is empty. The manager keeps a single table-wide timer
// armed at this instant.
func (t *DiscoveredPrefixTable) NextExpireTime() (time.Time, bool) {
	var earliest time.Time
	found := false

	t.visitEntries(func(_ *router, e *entry) {
		exp := e.expireTime()
		if !found || exp.Before(earliest) {
			earliest = exp
			found = true
		}
	})

	return earliest, found
}

// CalculateNextStaleTime returns the earliest stale time across all
// entries, clamped to be no earlier than now. ok is false for an empty
// table.
func (t *DiscoveredPrefixTable) CalculateNextStaleTime(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false

	t.visitEntries(func(_ *router, e *entry) {
		st := e.staleTime()
		if st.Before(now) {
			st = now
		}
		if !found || st.Before(earliest) {
			earliest = st
			found = true
		}
	})

	return earliest, found
}

// -------------------------------------------------------------------------
// Change signal — coalesced tasklet semantics
// -------------------------------------------------------------------------

// TakeChangeSignal reports whether the table changed since the last call
// and clears the flag. The manager calls this after each handler
// returns, so any number of mutations within one flow of execution
// collapse into a single policy re-evaluation.
func (t *DiscoveredPrefixTable) TakeChangeSignal() bool {
	changed := t.changed
	t.changed = false
	return changed
}

func (t *DiscoveredPrefixTable) signalChanged() { t.changed = true }

// -------------------------------------------------------------------------
// Network Data publication — favored representative per route prefix
// -------------------------------------------------------------------------

// refreshPublishedRoute recomputes the favored representative of a
// discovered route prefix and pushes the result to the Network Data:
// published when a representative exists, unpublished when the last
// entry for the prefix disappeared.
//
// Favored means highest route preference; on a tie, the entry of the
// numerically lowest router address wins, so every Border Router on the
// link publishes identical data.
func (t *DiscoveredPrefixTable) refreshPublishedRoute(prefix netip.Prefix) {
	if prefix.Bits() == 0 && !t.allowDefaultRoute {
		t.unpublishRoute(prefix)
		return
	}

	var (
		bestPref RoutePreference
		bestAddr netip.Addr
		found    bool
	)

	t.visitEntries(func(r *router, e *entry) {
		if !e.matches(prefix, EntryTypeRoute) {
			return
		}
		if !found ||
			e.routePreference > bestPref ||
			(e.routePreference == bestPref && r.addr.Compare(bestAddr) < 0) {
			bestPref = e.routePreference
			bestAddr = r.addr
			found = true
		}
	})

	if !found {
		t.unpublishRoute(prefix)
		return
	}

	if pref, ok := t.published[prefix]; ok && pref == bestPref {
		return
	}

	err := t.netdata.PublishExternalRoute(ExternalRouteConfig{
		Prefix:     prefix,
		Preference: bestPref,
	})
	if err != nil {
		t.metrics.IncNetDataPublishFailure()
		t.logger.Warn("failed to publish discovered route",
			slog.String("prefix", prefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	t.published[prefix] = bestPref
}

// unpublishRoute withdraws a previously published route.
func (t *DiscoveredPrefixTable) unpublishRoute(prefix netip.Prefix) {
	if _, ok := t.published[prefix]; !ok {
		return
	}

	if err := t.netdata.UnpublishExternalRoute(prefix); err != nil {
		t.metrics.IncNetDataPublishFailure()
		t.logger.Warn("failed to unpublish discovered route",
			slog.String("prefix", prefix.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	delete(t.published, prefix)
}

// -------------------------------------------------------------------------
// Arena plumbing
// -------------------------------------------------------------------------

// findRouter returns the router entry for addr, or nil.
func (t *DiscoveredPrefixTable) findRouter(addr netip.Addr) *router {
	for i := range t.routers {
		if t.routers[i].addr == addr {
			return &t.routers[i]
		}
	}
	return nil
}

// findEntry returns the arena index of the entry with the given key in
// rtr's list, or noIndex.
func (t *DiscoveredPrefixTable) findEntry(rtr *router, prefix netip.Prefix, typ EntryType) uint16 {
	for idx := rtr.head; idx != noIndex; idx = t.entries[idx].next {
		if t.entries[idx].matches(prefix, typ) {
			return idx
		}
	}
	return noIndex
}

// allocateEntry pops a slot off the free list, or returns noIndex when
// the pool is exhausted.
func (t *DiscoveredPrefixTable) allocateEntry() uint16 {
	idx := t.freeHead
	if idx == noIndex {
		return noIndex
	}
	t.freeHead = t.entries[idx].next
	t.used++
	return idx
}

// removeEntry unlinks the entry at idx from rtr's list and returns the
// slot to the free list. When unpublish is true and the entry is a route
// entry, the prefix's favored representative is recomputed afterwards.
func (t *DiscoveredPrefixTable) removeEntry(rtr *router, idx uint16, unpublish bool) {
	e := t.entries[idx]

	if rtr.head == idx {
		rtr.head = e.next
	} else {
		for cur := rtr.head; cur != noIndex; cur = t.entries[cur].next {
			if t.entries[cur].next == idx {
				t.entries[cur].next = e.next
				break
			}
		}
	}

	t.entries[idx] = entry{next: t.freeHead}
	t.freeHead = idx
	t.used--

	if unpublish && e.typ == EntryTypeRoute {
		t.refreshPublishedRoute(e.prefix)
	}
}

// removeRouterIfEmpty drops the router for addr when its list is empty.
func (t *DiscoveredPrefixTable) removeRouterIfEmpty(addr netip.Addr) {
	for i := range t.routers {
		if t.routers[i].addr == addr && t.routers[i].head == noIndex {
			t.routers[i] = t.routers[len(t.routers)-1]
			t.routers = t.routers[:len(t.routers)-1]
			return
		}
	}
}

// removeRoutersWithNoEntries drops every router whose list is empty.
func (t *DiscoveredPrefixTable) removeRoutersWithNoEntries() {
	kept := t.routers[:0]
	for i := range t.routers {
		if t.routers[i].head != noIndex {
			kept = append(kept, t.routers[i])
		}
	}
	t.routers = kept
}

// visitEntries calls fn for every (router, entry) pair. fn must not
// mutate list structure.
func (t *DiscoveredPrefixTable) visitEntries(fn func(r *router, e *entry)) {
	for i := range t.routers {
		rtr := &t.routers[i]
		for idx := rtr.head; idx != noIndex; idx = t.entries[idx].next {
			fn(rtr, &t.entries[idx])
		}
	}
}

// updateGauges pushes the router and entry counts to the metrics
// reporter.
func (t *DiscoveredPrefixTable) updateGauges() {
	t.metrics.SetDiscoveredRouters(len(t.routers))
	t.metrics.SetDiscoveredPrefixes(t.used)
}
