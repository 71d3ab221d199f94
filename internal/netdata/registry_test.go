package netdata_test

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gobrm/internal/netdata"
	"github.com/dantte-lp/gobrm/internal/routing"
)

func newRegistry() *netdata.Registry {
	return netdata.NewRegistry(slog.New(slog.DiscardHandler))
}

func drainChange(r *netdata.Registry) bool {
	select {
	case <-r.Changes():
		return true
	default:
		return false
	}
}

func TestPublishOnMeshPrefix(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	cfg := routing.OnMeshPrefixConfig{
		Prefix:       netip.MustParsePrefix("fd00:1::/64"),
		Preference:   routing.PreferenceLow,
		OnMesh:       true,
		Stable:       true,
		DefaultRoute: true,
		Slaac:        true,
	}

	require.NoError(t, r.PublishOnMeshPrefix(cfg))
	assert.True(t, r.ContainsOnMeshPrefix(cfg.Prefix))
	assert.True(t, drainChange(r), "publish must signal a change")

	// Idempotent republish: no change signal.
	require.NoError(t, r.PublishOnMeshPrefix(cfg))
	assert.False(t, drainChange(r), "identical republish must not signal")

	// Preference update signals again.
	cfg.Preference = routing.PreferenceMedium
	require.NoError(t, r.PublishOnMeshPrefix(cfg))
	assert.True(t, drainChange(r))

	got := r.OnMeshPrefixes()
	require.Len(t, got, 1)
	assert.Equal(t, routing.PreferenceMedium, got[0].Preference)
}

func TestUnpublishOnMeshPrefix(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	prefix := netip.MustParsePrefix("fd00:1::/64")

	// Unpublishing an absent prefix is a no-op without a signal.
	require.NoError(t, r.UnpublishOnMeshPrefix(prefix))
	assert.False(t, drainChange(r))

	require.NoError(t, r.PublishOnMeshPrefix(routing.OnMeshPrefixConfig{Prefix: prefix}))
	drainChange(r)

	require.NoError(t, r.UnpublishOnMeshPrefix(prefix))
	assert.False(t, r.ContainsOnMeshPrefix(prefix))
	assert.True(t, drainChange(r))
}

func TestExternalRoutes(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	nat64 := routing.ExternalRouteConfig{
		Prefix:     netip.MustParsePrefix("fd00:0:0:2::/96"),
		Preference: routing.PreferenceLow,
		Nat64:      true,
	}
	plain := routing.ExternalRouteConfig{
		Prefix:     netip.MustParsePrefix("2001:db8:b::/64"),
		Preference: routing.PreferenceMedium,
	}

	require.NoError(t, r.PublishExternalRoute(nat64))
	require.NoError(t, r.PublishExternalRoute(plain))

	routes := r.ExternalRoutes()
	assert.Len(t, routes, 2)
	assert.True(t, r.ContainsExternalRoute(nat64.Prefix))

	require.NoError(t, r.UnpublishExternalRoute(nat64.Prefix))
	assert.False(t, r.ContainsExternalRoute(nat64.Prefix))
	assert.Len(t, r.ExternalRoutes(), 1)
}

func TestLongestPrefixQueries(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	require.NoError(t, r.PublishExternalRoute(routing.ExternalRouteConfig{
		Prefix:     netip.MustParsePrefix("2001:db8::/32"),
		Preference: routing.PreferenceLow,
	}))
	require.NoError(t, r.PublishExternalRoute(routing.ExternalRouteConfig{
		Prefix:     netip.MustParsePrefix("2001:db8:b::/64"),
		Preference: routing.PreferenceHigh,
	}))

	// The longest matching prefix wins.
	got, ok := r.RouteFor(netip.MustParseAddr("2001:db8:b::1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("2001:db8:b::/64"), got.Prefix)

	got, ok = r.RouteFor(netip.MustParseAddr("2001:db8:c::1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::/32"), got.Prefix)

	_, ok = r.RouteFor(netip.MustParseAddr("fd00::1"))
	assert.False(t, ok)

	require.NoError(t, r.PublishOnMeshPrefix(routing.OnMeshPrefixConfig{
		Prefix: netip.MustParsePrefix("fd00:1::/64"),
		OnMesh: true,
	}))
	mesh, ok := r.OnMeshFor(netip.MustParseAddr("fd00:1::42"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("fd00:1::/64"), mesh.Prefix)
}

func TestChangeSignalCoalesces(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	for i := range 5 {
		p := netip.PrefixFrom(netip.AddrFrom16([16]byte{0: 0xfd, 7: byte(i + 1)}), 64)
		require.NoError(t, r.PublishOnMeshPrefix(routing.OnMeshPrefixConfig{Prefix: p}))
	}

	// Five publications, at most one pending signal.
	assert.True(t, drainChange(r))
	assert.False(t, drainChange(r))
}
