// Package netdata provides an in-process registry that stands in for
// the Thread Network Data service: the shared set of on-mesh prefixes
// and external routes all Border Routers of a Thread network agree on.
//
// The registry implements the routing.NetworkData interface consumed by
// the Routing Manager. TLV encoding and leader communication are out of
// scope; the registry keeps the authoritative local view and signals
// changes through a coalescing channel.
package netdata

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	"github.com/dantte-lp/gobrm/internal/routing"
)

// Registry is a thread-safe Network Data store.
//
// Longest-prefix lookups (RouteFor, OnMeshFor) are answered from bart
// tables mirroring the entry maps, so per-packet queries from the CLI
// and diagnostics stay O(prefix length) regardless of entry count.
type Registry struct {
	mu sync.RWMutex

	onMesh map[netip.Prefix]routing.OnMeshPrefixConfig
	routes map[netip.Prefix]routing.ExternalRouteConfig

	onMeshLookup bart.Table[routing.OnMeshPrefixConfig]
	routeLookup  bart.Table[routing.ExternalRouteConfig]

	changeCh chan struct{}
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		onMesh:   make(map[netip.Prefix]routing.OnMeshPrefixConfig),
		routes:   make(map[netip.Prefix]routing.ExternalRouteConfig),
		changeCh: make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "netdata.registry")),
	}
}

// Changes returns a channel that receives a (coalesced) signal whenever
// the registry content changes. The daemon forwards the signal to
// RoutingManager.HandleNetworkDataChanged; delivery through the channel
// keeps the notification outside the publisher's call stack.
func (r *Registry) Changes() <-chan struct{} {
	return r.changeCh
}

// notifyChanged posts a coalesced change signal.
func (r *Registry) notifyChanged() {
	select {
	case r.changeCh <- struct{}{}:
	default:
	}
}

// -------------------------------------------------------------------------
// routing.NetworkData implementation
// -------------------------------------------------------------------------

// PublishOnMeshPrefix adds or updates an on-mesh prefix entry.
// Republishing an identical entry is a no-op.
func (r *Registry) PublishOnMeshPrefix(cfg routing.OnMeshPrefixConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.onMesh[cfg.Prefix]; ok && existing == cfg {
		return nil
	}

	r.onMesh[cfg.Prefix] = cfg
	r.onMeshLookup.Insert(cfg.Prefix, cfg)

	r.logger.Debug("on-mesh prefix published",
		slog.String("prefix", cfg.Prefix.String()),
		slog.String("preference", cfg.Preference.String()),
	)

	r.notifyChanged()
	return nil
}

// UnpublishOnMeshPrefix removes an on-mesh prefix entry. Removing an
// absent prefix is a no-op.
func (r *Registry) UnpublishOnMeshPrefix(prefix netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.onMesh[prefix]; !ok {
		return nil
	}

	delete(r.onMesh, prefix)
	r.onMeshLookup.Delete(prefix)

	r.logger.Debug("on-mesh prefix unpublished", slog.String("prefix", prefix.String()))

	r.notifyChanged()
	return nil
}

// PublishExternalRoute adds or updates an external route entry.
func (r *Registry) PublishExternalRoute(cfg routing.ExternalRouteConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.routes[cfg.Prefix]; ok && existing == cfg {
		return nil
	}

	r.routes[cfg.Prefix] = cfg
	r.routeLookup.Insert(cfg.Prefix, cfg)

	r.logger.Debug("external route published",
		slog.String("prefix", cfg.Prefix.String()),
		slog.String("preference", cfg.Preference.String()),
		slog.Bool("nat64", cfg.Nat64),
	)

	r.notifyChanged()
	return nil
}

// UnpublishExternalRoute removes an external route entry.
func (r *Registry) UnpublishExternalRoute(prefix netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[prefix]; !ok {
		return nil
	}

	delete(r.routes, prefix)
	r.routeLookup.Delete(prefix)

	r.logger.Debug("external route unpublished", slog.String("prefix", prefix.String()))

	r.notifyChanged()
	return nil
}

// OnMeshPrefixes returns a snapshot of all on-mesh prefix entries.
func (r *Registry) OnMeshPrefixes() []routing.OnMeshPrefixConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]routing.OnMeshPrefixConfig, 0, len(r.onMesh))
	for _, cfg := range r.onMesh {
		out = append(out, cfg)
	}
	return out
}

// ExternalRoutes returns a snapshot of all external route entries.
func (r *Registry) ExternalRoutes() []routing.ExternalRouteConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]routing.ExternalRouteConfig, 0, len(r.routes))
	for _, cfg := range r.routes {
		out = append(out, cfg)
	}
	return out
}

// -------------------------------------------------------------------------
// Longest-prefix queries
// -------------------------------------------------------------------------

// RouteFor returns the external route entry covering addr, if any.
func (r *Registry) RouteFor(addr netip.Addr) (routing.ExternalRouteConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.routeLookup.Lookup(addr)
}

// OnMeshFor returns the on-mesh prefix entry covering addr, if any.
func (r *Registry) OnMeshFor(addr netip.Addr) (routing.OnMeshPrefixConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.onMeshLookup.Lookup(addr)
}

// ContainsOnMeshPrefix reports whether prefix is present as an on-mesh
// entry (exact match).
func (r *Registry) ContainsOnMeshPrefix(prefix netip.Prefix) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.onMesh[prefix]
	return ok
}

// ContainsExternalRoute reports whether prefix is present as an
// external route entry (exact match).
func (r *Registry) ContainsExternalRoute(prefix netip.Prefix) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.routes[prefix]
	return ok
}
