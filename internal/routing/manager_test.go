package routing_test

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gobrm/internal/netdata"
	"github.com/dantte-lp/gobrm/internal/routing"
)

// -------------------------------------------------------------------------
// Test doubles
// -------------------------------------------------------------------------

// sentPacket records one transmission through the mock infra-if.
type sentPacket struct {
	data []byte
	dst  netip.Addr
	at   time.Time
}

// mockInfraIf is an in-memory routing.InfraIf recording every send.
type mockInfraIf struct {
	mu      sync.Mutex
	running bool
	index   uint32
	own     map[netip.Addr]bool
	sent    []sentPacket
	sendErr error
}

func newMockInfraIf() *mockInfraIf {
	return &mockInfraIf{
		running: true,
		index:   2,
		own:     make(map[netip.Addr]bool),
	}
}

func (m *mockInfraIf) Send(pkt []byte, dst netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}

	data := make([]byte, len(pkt))
	copy(data, pkt)
	m.sent = append(m.sent, sentPacket{data: data, dst: dst, at: time.Now()})
	return nil
}

func (m *mockInfraIf) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *mockInfraIf) Index() uint32 { return m.index }

func (m *mockInfraIf) HasAddress(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.own[addr]
}

func (m *mockInfraIf) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *mockInfraIf) setSendErr(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

func (m *mockInfraIf) packets() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentPacket, len(m.sent))
	copy(out, m.sent)
	return out
}

// memStorage is an in-memory routing.Storage.
type memStorage struct {
	mu     sync.Mutex
	brUla  netip.Prefix
	onLink netip.Prefix
}

func (s *memStorage) LoadBrUlaPrefix() (netip.Prefix, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brUla, s.brUla.IsValid(), nil
}

func (s *memStorage) SaveBrUlaPrefix(p netip.Prefix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brUla = p
	return nil
}

func (s *memStorage) LoadOnLinkPrefix() (netip.Prefix, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onLink, s.onLink.IsValid(), nil
}

func (s *memStorage) SaveOnLinkPrefix(p netip.Prefix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLink = p
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// testTiming compresses the RFC schedule to milliseconds so scenario
// tests run in real time.
func testTiming() routing.Timing {
	return routing.Timing{
		MaxRtrSolicitationDelay:       10 * time.Millisecond,
		RtrSolicitationInterval:       20 * time.Millisecond,
		RtrSolicitationRetryDelay:     20 * time.Millisecond,
		MaxRtrSolicitations:           3,
		MaxInitRtrAdvertisements:      3,
		MaxInitRtrAdvInterval:         60 * time.Millisecond,
		MinRtrAdvInterval:             200 * time.Millisecond,
		MaxRtrAdvInterval:             600 * time.Millisecond,
		RaReplyJitter:                 5 * time.Millisecond,
		MinDelayBetweenRtrAdvs:        30 * time.Millisecond,
		RoutingPolicyEvaluationJitter: 10 * time.Millisecond,
		DefaultOnLinkPrefixLifetime:   1800 * time.Second,
		DefaultOmrPrefixLifetime:      1800 * time.Second,
	}
}

// quietLogger discards log output.
func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestManager builds an initialized (not yet attached) manager over
// the mock infra-if and a real netdata registry. The manager is torn down (with
// its timers) when the test ends.
func newTestManager(t *testing.T, opts ...routing.Option) (*routing.RoutingManager, *mockInfraIf, *netdata.Registry) {
	t.Helper()

	infra := newMockInfraIf()
	registry := netdata.NewRegistry(quietLogger())

	base := []routing.Option{
		routing.WithTiming(testTiming()),
		routing.WithRng(seqRng{fillByte: 0x5a}),
	}
	mgr := routing.NewRoutingManager(registry, &memStorage{}, quietLogger(),
		append(base, opts...)...)

	if err := mgr.Init(infra); err != nil {
		t.Fatalf("init: %v", err)
	}

	t.Cleanup(func() {
		_ = mgr.SetEnabled(false)
	})

	return mgr, infra, registry
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// advertsSent returns the parsed RAs transmitted so far.
func advertsSent(infra *mockInfraIf) []routing.RouterAdvert {
	var out []routing.RouterAdvert
	for _, p := range infra.packets() {
		if typ, ok := routing.MessageType(p.data); ok && typ == routing.TypeRouterAdvert {
			var ra routing.RouterAdvert
			if err := routing.UnmarshalRouterAdvert(p.data, &ra); err == nil {
				out = append(out, ra)
			}
		}
	}
	return out
}

// solicitsSent counts the RSes transmitted so far.
func solicitsSent(infra *mockInfraIf) int {
	n := 0
	for _, p := range infra.packets() {
		if routing.IsRouterSolicit(p.data) {
			n++
		}
	}
	return n
}

// -------------------------------------------------------------------------
// API surface
// -------------------------------------------------------------------------

func TestInitValidation(t *testing.T) {
	t.Parallel()

	mgr := routing.NewRoutingManager(netdata.NewRegistry(quietLogger()), &memStorage{}, quietLogger())

	if err := mgr.Init(nil); !errors.Is(err, routing.ErrInvalidInfraIf) {
		t.Errorf("Init(nil) = %v, want ErrInvalidInfraIf", err)
	}

	zero := newMockInfraIf()
	zero.index = 0
	if err := mgr.Init(zero); !errors.Is(err, routing.ErrInvalidInfraIf) {
		t.Errorf("Init(index 0) = %v, want ErrInvalidInfraIf", err)
	}

	good := newMockInfraIf()
	if err := mgr.Init(good); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := mgr.Init(good); !errors.Is(err, routing.ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
}

func TestOperationsBeforeInit(t *testing.T) {
	t.Parallel()

	mgr := routing.NewRoutingManager(netdata.NewRegistry(quietLogger()), &memStorage{}, quietLogger())

	if err := mgr.SetEnabled(false); !errors.Is(err, routing.ErrNotInitialized) {
		t.Errorf("SetEnabled = %v, want ErrNotInitialized", err)
	}
	if _, err := mgr.OmrPrefix(); !errors.Is(err, routing.ErrNotInitialized) {
		t.Errorf("OmrPrefix = %v, want ErrNotInitialized", err)
	}
	if _, err := mgr.OnLinkPrefix(); !errors.Is(err, routing.ErrNotInitialized) {
		t.Errorf("OnLinkPrefix = %v, want ErrNotInitialized", err)
	}
	if _, err := mgr.Nat64Prefix(); !errors.Is(err, routing.ErrNotInitialized) {
		t.Errorf("Nat64Prefix = %v, want ErrNotInitialized", err)
	}
}

func TestLocalPrefixDerivation(t *testing.T) {
	t.Parallel()

	store := &memStorage{}
	infra := newMockInfraIf()
	mgr := routing.NewRoutingManager(netdata.NewRegistry(quietLogger()), store, quietLogger(),
		routing.WithRng(seqRng{fillByte: 0x11}),
	)
	if err := mgr.Init(infra); err != nil {
		t.Fatalf("init: %v", err)
	}

	omr, err := mgr.OmrPrefix()
	if err != nil {
		t.Fatalf("OmrPrefix: %v", err)
	}
	if !routing.IsValidOmrPrefix(omr) {
		t.Errorf("local OMR prefix %s is invalid", omr)
	}

	onLink, err := mgr.OnLinkPrefix()
	if err != nil {
		t.Fatalf("OnLinkPrefix: %v", err)
	}
	if !routing.IsValidOnLinkPrefix(onLink) {
		t.Errorf("local on-link prefix %s is invalid", onLink)
	}

	nat64, err := mgr.Nat64Prefix()
	if err != nil {
		t.Fatalf("Nat64Prefix: %v", err)
	}
	if nat64.Bits() != 96 {
		t.Errorf("NAT64 prefix length = %d, want 96", nat64.Bits())
	}

	// The generated prefixes must have been persisted.
	if !store.brUla.IsValid() || !store.onLink.IsValid() {
		t.Error("generated prefixes not saved to storage")
	}

	// A second manager over the same storage derives identical
	// prefixes.
	mgr2 := routing.NewRoutingManager(netdata.NewRegistry(quietLogger()), store, quietLogger())
	if err := mgr2.Init(newMockInfraIf()); err != nil {
		t.Fatalf("init second manager: %v", err)
	}
	omr2, err := mgr2.OmrPrefix()
	if err != nil {
		t.Fatalf("OmrPrefix: %v", err)
	}
	if omr2 != omr {
		t.Errorf("OMR prefix changed across restart: %s != %s", omr2, omr)
	}
}

func TestSetEnabledIdempotent(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)

	if err := mgr.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if err := mgr.SetEnabled(true); err != nil {
		t.Fatalf("second SetEnabled(true): %v", err)
	}
	if !mgr.IsEnabled() {
		t.Error("manager not enabled")
	}
}

// -------------------------------------------------------------------------
// Scenario: cold start with no peer router
// -------------------------------------------------------------------------

func TestColdStartAdvertisesLocalPrefixes(t *testing.T) {
	t.Parallel()

	mgr, infra, registry := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	// Three RSes, then the first RA.
	waitFor(t, "3 router solicitations", func() bool { return solicitsSent(infra) >= 3 })
	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	if got := mgr.State(); got != routing.StateAdvertising {
		t.Errorf("state = %s, want Advertising", got)
	}

	omr, _ := mgr.OmrPrefix()
	onLink, _ := mgr.OnLinkPrefix()

	ra := advertsSent(infra)[0]

	if ra.Header.RouterLifetime != 0 {
		t.Errorf("router lifetime = %d, want 0 (not a default gateway)", ra.Header.RouterLifetime)
	}

	// PIO for the local on-link prefix with L=A=1 and full lifetimes.
	if len(ra.Prefixes) != 1 {
		t.Fatalf("PIO count = %d, want 1", len(ra.Prefixes))
	}
	pio := ra.Prefixes[0]
	if pio.Prefix != onLink || !pio.OnLink || !pio.Autonomous {
		t.Errorf("on-link PIO = %+v, want %s with L=A=1", pio, onLink)
	}
	if pio.ValidLifetime != 1800 || pio.PreferredLifetime != 1800 {
		t.Errorf("on-link lifetimes = %d/%d, want 1800/1800",
			pio.ValidLifetime, pio.PreferredLifetime)
	}

	// RIO for the local OMR prefix with low preference.
	if len(ra.Routes) != 1 {
		t.Fatalf("RIO count = %d, want 1", len(ra.Routes))
	}
	rio := ra.Routes[0]
	if rio.Prefix != omr || rio.Preference != routing.PreferenceLow {
		t.Errorf("OMR RIO = %+v, want %s pref Low", rio, omr)
	}

	// The local OMR prefix is published in the Network Data.
	if !registry.ContainsOnMeshPrefix(omr) {
		t.Error("local OMR prefix not published in Network Data")
	}

	// All RSes went to all-routers, the RA to all-nodes.
	for _, p := range infra.packets() {
		if routing.IsRouterSolicit(p.data) && p.dst != routing.AllRoutersAddr() {
			t.Errorf("RS sent to %s, want %s", p.dst, routing.AllRoutersAddr())
		}
		if typ, _ := routing.MessageType(p.data); typ == routing.TypeRouterAdvert && p.dst != routing.AllNodesAddr() {
			t.Errorf("RA sent to %s, want %s", p.dst, routing.AllNodesAddr())
		}
	}
}

// TestSolicitRetryOnSendFailure verifies the transport error policy:
// a failed RS reschedules with the retry delay without consuming a
// transmission slot.
func TestSolicitRetryOnSendFailure(t *testing.T) {
	t.Parallel()

	infra := newMockInfraIf()
	infra.setSendErr(errors.New("interface wedged"))
	registry := netdata.NewRegistry(quietLogger())

	mgr := routing.NewRoutingManager(registry, &memStorage{}, quietLogger(),
		routing.WithTiming(testTiming()),
		routing.WithRng(seqRng{fillByte: 0x5a}),
	)
	if err := mgr.Init(infra); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = mgr.SetEnabled(false) })

	mgr.HandleThreadRoleChanged(true)

	// Let several retry windows elapse; nothing must be counted.
	time.Sleep(100 * time.Millisecond)
	if got := mgr.Snapshot().RouterSolicitCount; got != 0 {
		t.Fatalf("solicit count = %d during send failures, want 0", got)
	}
	if got := mgr.State(); got != routing.StateSoliciting {
		t.Fatalf("state = %s, want still Soliciting", got)
	}

	// Recovery: sends succeed, the sequence completes.
	infra.setSendErr(nil)
	waitFor(t, "advertising after recovery", func() bool {
		return mgr.State() == routing.StateAdvertising
	})
}

// -------------------------------------------------------------------------
// Scenario: a better discovered on-link prefix deprecates ours
// -------------------------------------------------------------------------

func TestDiscoveredOnLinkPrefixDeprecation(t *testing.T) {
	t.Parallel()

	mgr, infra, _ := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	onLink, _ := mgr.OnLinkPrefix()

	// A peer advertises a numerically smaller on-link prefix.
	better := netip.MustParsePrefix("2001:db8:a::/64")
	if routing.IsValidOnLinkPrefix(onLink) && better.Addr().Compare(onLink.Addr()) > 0 {
		t.Fatalf("test prefix %s does not sort before local %s", better, onLink)
	}

	peerRa := routing.RouterAdvert{
		Prefixes: []routing.PrefixInfoOption{{
			Prefix:            better,
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     1800,
			PreferredLifetime: 1800,
		}},
	}
	buf := make([]byte, routing.MaxMessageSize)
	n, err := routing.MarshalRouterAdvert(&peerRa, buf)
	if err != nil {
		t.Fatalf("marshal peer RA: %v", err)
	}
	mgr.HandleReceived(buf[:n], netip.MustParseAddr("fe80::1"))

	// The next RA deprecates our on-link prefix: preferred zero while
	// the valid lifetime keeps running.
	waitFor(t, "deprecating RA", func() bool {
		ras := advertsSent(infra)
		last := ras[len(ras)-1]
		for _, pio := range last.Prefixes {
			if pio.Prefix == onLink && pio.PreferredLifetime == 0 && pio.ValidLifetime > 0 {
				return true
			}
		}
		return false
	})

	snap := mgr.Snapshot()
	if snap.IsAdvertisingLocalOnLink {
		t.Error("still advertising local on-link prefix")
	}
	if snap.FavoredOnLinkPrefix != better {
		t.Errorf("favored on-link prefix = %s, want %s", snap.FavoredOnLinkPrefix, better)
	}

	// Scenario: the peer withdraws its prefix (removal-on-advertise).
	// Our prefix is un-deprecated and re-advertised with full
	// lifetimes.
	withdraw := peerRa
	withdraw.Prefixes[0].ValidLifetime = 0
	withdraw.Prefixes[0].PreferredLifetime = 0
	n, err = routing.MarshalRouterAdvert(&withdraw, buf)
	if err != nil {
		t.Fatalf("marshal withdraw RA: %v", err)
	}
	mgr.HandleReceived(buf[:n], netip.MustParseAddr("fe80::1"))

	waitFor(t, "re-advertised local on-link prefix", func() bool {
		ras := advertsSent(infra)
		last := ras[len(ras)-1]
		for _, pio := range last.Prefixes {
			if pio.Prefix == onLink && pio.PreferredLifetime == 1800 {
				return true
			}
		}
		return false
	})

	if got := mgr.Snapshot().DiscoveredRouters; got != 0 {
		t.Errorf("discovered routers = %d after withdrawal, want 0", got)
	}
}

// -------------------------------------------------------------------------
// Scenario: a peer OMR prefix supersedes the local one
// -------------------------------------------------------------------------

func TestPeerOmrPrefixSupersedesLocal(t *testing.T) {
	t.Parallel()

	mgr, infra, registry := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	omr, _ := mgr.OmrPrefix()
	peer := netip.MustParsePrefix("fd00:abcd::/64")

	if err := registry.PublishOnMeshPrefix(routing.OnMeshPrefixConfig{
		Prefix:       peer,
		Preference:   routing.PreferenceMedium,
		OnMesh:       true,
		Stable:       true,
		DefaultRoute: true,
		Slaac:        true,
	}); err != nil {
		t.Fatalf("publish peer OMR: %v", err)
	}
	mgr.HandleNetworkDataChanged()

	waitFor(t, "local OMR prefix unpublished", func() bool {
		return !registry.ContainsOnMeshPrefix(omr)
	})

	waitFor(t, "advertised set is the peer prefix", func() bool {
		snap := mgr.Snapshot()
		return len(snap.AdvertisedOmrPrefixes) == 1 &&
			snap.AdvertisedOmrPrefixes[0].Prefix == peer
	})

	// The next RA carries a RIO for the peer prefix and retracts ours.
	waitFor(t, "RA with peer OMR RIO", func() bool {
		ras := advertsSent(infra)
		last := ras[len(ras)-1]
		sawPeer := false
		for _, rio := range last.Routes {
			if rio.Prefix == peer && rio.RouteLifetime > 0 {
				sawPeer = true
			}
			if rio.Prefix == omr && rio.RouteLifetime != 0 {
				return false
			}
		}
		return sawPeer
	})
}

// -------------------------------------------------------------------------
// Scenario: graceful stop
// -------------------------------------------------------------------------

func TestGracefulStopSendsFinalRetraction(t *testing.T) {
	t.Parallel()

	mgr, infra, registry := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	omr, _ := mgr.OmrPrefix()
	onLink, _ := mgr.OnLinkPrefix()

	if err := mgr.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}

	if got := mgr.State(); got != routing.StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}

	ras := advertsSent(infra)
	final := ras[len(ras)-1]

	if final.Header.RouterLifetime != 0 {
		t.Errorf("final router lifetime = %d, want 0", final.Header.RouterLifetime)
	}

	foundPio := false
	for _, pio := range final.Prefixes {
		if pio.Prefix == onLink {
			foundPio = true
			if pio.ValidLifetime != 0 || pio.PreferredLifetime != 0 {
				t.Errorf("final PIO lifetimes = %d/%d, want 0/0",
					pio.ValidLifetime, pio.PreferredLifetime)
			}
		}
	}
	if !foundPio {
		t.Error("final RA missing the on-link prefix retraction")
	}

	foundRio := false
	for _, rio := range final.Routes {
		if rio.Prefix == omr {
			foundRio = true
			if rio.RouteLifetime != 0 {
				t.Errorf("final RIO lifetime = %d, want 0", rio.RouteLifetime)
			}
		}
	}
	if !foundRio {
		t.Error("final RA missing the OMR prefix retraction")
	}

	if registry.ContainsOnMeshPrefix(omr) {
		t.Error("local OMR prefix still published after stop")
	}

	// Monotonic retraction: no further RAs after the final one.
	before := len(advertsSent(infra))
	time.Sleep(100 * time.Millisecond)
	if after := len(advertsSent(infra)); after != before {
		t.Errorf("%d further RA(s) after stop", after-before)
	}

	// Received messages are ignored while stopped.
	buf := make([]byte, routing.MaxMessageSize)
	n, _ := routing.MarshalRouterSolicit(buf)
	mgr.HandleReceived(buf[:n], netip.MustParseAddr("fe80::9"))
	time.Sleep(50 * time.Millisecond)
	if after := len(advertsSent(infra)); after != before {
		t.Error("RS while stopped triggered an RA")
	}
}

// -------------------------------------------------------------------------
// Pacing and solicited replies
// -------------------------------------------------------------------------

// TestRouterAdvertPacing verifies the minimum spacing between
// consecutive RAs, under a burst of incoming Router Solicitations.
func TestRouterAdvertPacing(t *testing.T) {
	t.Parallel()

	mgr, infra, _ := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	// A burst of solicitations from hosts.
	buf := make([]byte, routing.MaxMessageSize)
	n, _ := routing.MarshalRouterSolicit(buf)
	for i := range 5 {
		mgr.HandleReceived(buf[:n], netip.MustParseAddr(fmt.Sprintf("fe80::%x", i+10)))
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "solicited RA", func() bool { return len(advertsSent(infra)) >= 2 })
	time.Sleep(100 * time.Millisecond)

	minDelay := testTiming().MinDelayBetweenRtrAdvs
	var raTimes []time.Time
	for _, p := range infra.packets() {
		if typ, _ := routing.MessageType(p.data); typ == routing.TypeRouterAdvert {
			raTimes = append(raTimes, p.at)
		}
	}
	for i := 1; i < len(raTimes); i++ {
		gap := raTimes[i].Sub(raTimes[i-1])
		// Allow a small scheduling slack below the nominal floor.
		if gap < minDelay-5*time.Millisecond {
			t.Errorf("RA gap %v below pacing floor %v", gap, minDelay)
		}
	}

	if got := mgr.Snapshot().RouterAdvertisementCount; got < 2 {
		t.Errorf("router advertisement count = %d, want >= 2", got)
	}
}

// TestInfraIfDownStopsOperation verifies the run-condition coupling.
func TestInfraIfDownStopsOperation(t *testing.T) {
	t.Parallel()

	mgr, infra, _ := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "running", func() bool { return mgr.IsRunning() })

	infra.setRunning(false)
	mgr.HandleInfraIfStateChanged()

	if mgr.IsRunning() {
		t.Fatal("still running with the infra-if down")
	}

	infra.setRunning(true)
	mgr.HandleInfraIfStateChanged()

	if !mgr.IsRunning() {
		t.Fatal("not running after the infra-if came back")
	}
	if got := mgr.State(); got != routing.StateSoliciting {
		t.Errorf("state = %s after restart, want Soliciting", got)
	}
}

// TestThreadDetachStopsOperation verifies the attachment coupling.
func TestThreadDetachStopsOperation(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	mgr.HandleThreadRoleChanged(true)
	waitFor(t, "running", func() bool { return mgr.IsRunning() })

	mgr.HandleThreadRoleChanged(false)
	if mgr.IsRunning() {
		t.Fatal("still running after Thread detach")
	}

	mgr.HandleThreadRoleChanged(true)
	if !mgr.IsRunning() {
		t.Fatal("not running after reattach")
	}
}

// -------------------------------------------------------------------------
// Determinism
// -------------------------------------------------------------------------

// TestPolicyDeterminism verifies that Border Routers fed identical
// Network Data and identical discovered prefixes converge on identical
// OMR and on-link decisions.
func TestPolicyDeterminism(t *testing.T) {
	t.Parallel()

	peerRa := routing.RouterAdvert{
		Prefixes: []routing.PrefixInfoOption{{
			Prefix:            netip.MustParsePrefix("2001:db8:a::/64"),
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     1800,
			PreferredLifetime: 1800,
		}},
	}
	buf := make([]byte, routing.MaxMessageSize)
	n, err := routing.MarshalRouterAdvert(&peerRa, buf)
	if err != nil {
		t.Fatalf("marshal peer RA: %v", err)
	}

	omrConfigs := []routing.OnMeshPrefixConfig{
		{
			Prefix:       netip.MustParsePrefix("fd00:abcd::/64"),
			Preference:   routing.PreferenceMedium,
			OnMesh:       true,
			Stable:       true,
			DefaultRoute: true,
			Slaac:        true,
		},
		{
			Prefix:       netip.MustParsePrefix("fd00:1234::/64"),
			Preference:   routing.PreferenceMedium,
			OnMesh:       true,
			Stable:       true,
			DefaultRoute: true,
			Slaac:        true,
		},
	}

	run := func() routing.Snapshot {
		mgr, _, registry := newTestManager(t)
		mgr.HandleThreadRoleChanged(true)
		waitFor(t, "advertising", func() bool { return mgr.State() == routing.StateAdvertising })

		for _, cfg := range omrConfigs {
			if err := registry.PublishOnMeshPrefix(cfg); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		mgr.HandleNetworkDataChanged()
		mgr.HandleReceived(buf[:n], netip.MustParseAddr("fe80::1"))

		waitFor(t, "converged advertised set", func() bool {
			snap := mgr.Snapshot()
			return len(snap.AdvertisedOmrPrefixes) == 2 && !snap.IsAdvertisingLocalOnLink
		})

		return mgr.Snapshot()
	}

	a := run()
	b := run()

	if len(a.AdvertisedOmrPrefixes) != len(b.AdvertisedOmrPrefixes) {
		t.Fatalf("advertised set sizes differ: %d != %d",
			len(a.AdvertisedOmrPrefixes), len(b.AdvertisedOmrPrefixes))
	}
	for i := range a.AdvertisedOmrPrefixes {
		if a.AdvertisedOmrPrefixes[i] != b.AdvertisedOmrPrefixes[i] {
			t.Errorf("advertised[%d] differs: %s != %s",
				i, a.AdvertisedOmrPrefixes[i], b.AdvertisedOmrPrefixes[i])
		}
	}
	if a.IsAdvertisingLocalOnLink != b.IsAdvertisingLocalOnLink {
		t.Error("on-link decisions diverged")
	}
	if a.FavoredOnLinkPrefix != b.FavoredOnLinkPrefix {
		t.Error("favored on-link prefixes diverged")
	}

	// The set is ordered favored-first: both Medium entries, the
	// numerically smaller prefix first.
	if a.AdvertisedOmrPrefixes[0].Prefix != netip.MustParsePrefix("fd00:1234::/64") {
		t.Errorf("favored OMR prefix = %s, want fd00:1234::/64",
			a.AdvertisedOmrPrefixes[0].Prefix)
	}
}

// -------------------------------------------------------------------------
// NAT64
// -------------------------------------------------------------------------

func TestNat64Publication(t *testing.T) {
	t.Parallel()

	mgr, infra, registry := newTestManager(t, routing.WithNat64(true))
	mgr.HandleThreadRoleChanged(true)

	waitFor(t, "first router advertisement", func() bool { return len(advertsSent(infra)) >= 1 })

	nat64, _ := mgr.Nat64Prefix()

	waitFor(t, "local NAT64 route published", func() bool {
		return registry.ContainsExternalRoute(nat64)
	})

	// Another Border Router provides a NAT64 prefix: ours is
	// withdrawn.
	other := netip.MustParsePrefix("fd00:64:64:64::/96")
	if err := registry.PublishExternalRoute(routing.ExternalRouteConfig{
		Prefix:     other,
		Preference: routing.PreferenceMedium,
		Nat64:      true,
	}); err != nil {
		t.Fatalf("publish other NAT64: %v", err)
	}
	mgr.HandleNetworkDataChanged()

	waitFor(t, "local NAT64 route unpublished", func() bool {
		return !registry.ContainsExternalRoute(nat64)
	})
}
