// Package netio implements the infrastructure-interface I/O for the
// Routing Manager: a raw ICMPv6 socket carrying Router Solicitations
// and Router Advertisements, and interface state monitoring.
//
// The Linux-specific implementation uses golang.org/x/net/ipv6 and
// golang.org/x/sys/unix for socket configuration.
package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/dantte-lp/gobrm/internal/routing"
)

// -------------------------------------------------------------------------
// Socket constants — RFC 4861 Section 6.1
// -------------------------------------------------------------------------

const (
	// ndHopLimit is the mandatory hop limit for ND messages
	// (RFC 4861 Sections 6.1.1, 6.1.2: MUST be 255, both on transmit
	// and on receipt).
	ndHopLimit = 255

	// addrCacheTTL bounds how long the interface address cache used by
	// HasAddress may be served without re-reading the kernel state.
	addrCacheTTL = 10 * time.Second
)

// Sentinel errors for infra-if operations.
var (
	// ErrInterfaceNotFound indicates the named interface does not exist.
	ErrInterfaceNotFound = errors.New("infrastructure interface not found")

	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("infra-if connection closed")

	// ErrPacketTooLarge indicates a send exceeding the ND message cap.
	ErrPacketTooLarge = errors.New("packet exceeds maximum ND message size")

	// ErrUnexpectedConnType indicates ListenPacket returned something
	// other than *net.IPConn for the raw ICMPv6 network.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")
)

// -------------------------------------------------------------------------
// ICMP6Conn — routing.InfraIf implementation
// -------------------------------------------------------------------------

// ICMP6Conn is a raw ICMPv6 connection bound to one infrastructure
// interface. It implements routing.InfraIf for sending and feeds
// received RS/RA messages into the Routing Manager through Receive.
type ICMP6Conn struct {
	ipConn *net.IPConn
	pc     *ipv6.PacketConn

	ifIndex int
	ifName  string

	mu         sync.Mutex
	closed     bool
	addrCache  []netip.Addr
	addrCached time.Time

	logger *slog.Logger
}

// Dial opens a raw ICMPv6 socket on the named interface, configured for
// Neighbor Discovery:
//
//   - hop limit 255 on unicast and multicast sends (RFC 4861
//     Section 6.1: messages with a lower hop limit are not accepted,
//     proving the sender is on-link),
//   - membership in the all-routers group ff02::2 so Router
//     Solicitations reach us,
//   - a kernel-side ICMPv6 type filter passing only RS and RA,
//   - SO_BINDTODEVICE so a multi-homed host neither sends nor accepts
//     ND traffic on other links through this socket,
//   - control messages delivering hop limit and arrival interface.
func Dial(ctx context.Context, ifName string, logger *slog.Logger) (*ICMP6Conn, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("infra-if %q: %w", ifName, ErrInterfaceNotFound)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c, ifName)
		},
	}

	pconn, err := lc.ListenPacket(ctx, "ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("open ICMPv6 socket on %q: %w", ifName, err)
	}

	ipConn, ok := pconn.(*net.IPConn)
	if !ok {
		closeErr := pconn.Close()
		return nil, errors.Join(
			fmt.Errorf("open ICMPv6 socket on %q: %w", ifName, ErrUnexpectedConnType),
			closeErr,
		)
	}

	pc := ipv6.NewPacketConn(ipConn)

	if err := configureConn(pc, ifi); err != nil {
		closeErr := ipConn.Close()
		return nil, errors.Join(
			fmt.Errorf("configure ICMPv6 socket on %q: %w", ifName, err),
			closeErr,
		)
	}

	c := &ICMP6Conn{
		ipConn:  ipConn,
		pc:      pc,
		ifIndex: ifi.Index,
		ifName:  ifName,
		logger:  logger.With(slog.String("component", "netio.icmp6"), slog.String("ifname", ifName)),
	}

	c.logger.Info("infra-if socket open", slog.Int("ifindex", ifi.Index))

	return c, nil
}

// configureConn applies the ND socket options.
func configureConn(pc *ipv6.PacketConn, ifi *net.Interface) error {
	if err := pc.SetHopLimit(ndHopLimit); err != nil {
		return fmt.Errorf("set hop limit: %w", err)
	}
	if err := pc.SetMulticastHopLimit(ndHopLimit); err != nil {
		return fmt.Errorf("set multicast hop limit: %w", err)
	}

	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface, true); err != nil {
		return fmt.Errorf("enable control messages: %w", err)
	}

	var filter ipv6.ICMPFilter
	filter.SetAll(true)
	filter.Accept(ipv6.ICMPTypeRouterSolicitation)
	filter.Accept(ipv6.ICMPTypeRouterAdvertisement)
	if err := pc.SetICMPFilter(&filter); err != nil {
		return fmt.Errorf("set ICMPv6 filter: %w", err)
	}

	group := &net.IPAddr{IP: net.IPv6linklocalallrouters}
	if err := pc.JoinGroup(ifi, group); err != nil {
		return fmt.Errorf("join all-routers group: %w", err)
	}

	return nil
}

// -------------------------------------------------------------------------
// routing.InfraIf
// -------------------------------------------------------------------------

// Send transmits an ND message to dst on the bound interface.
func (c *ICMP6Conn) Send(pkt []byte, dst netip.Addr) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrConnClosed
	}
	if len(pkt) > routing.MaxMessageSize {
		return fmt.Errorf("send %d bytes: %w", len(pkt), ErrPacketTooLarge)
	}

	cm := &ipv6.ControlMessage{IfIndex: c.ifIndex}
	dstAddr := &net.IPAddr{IP: dst.AsSlice(), Zone: c.ifName}

	if _, err := c.pc.WriteTo(pkt, cm, dstAddr); err != nil {
		return fmt.Errorf("send ND message to %s: %w", dst, err)
	}
	return nil
}

// IsRunning reports whether the bound interface is up and running.
func (c *ICMP6Conn) IsRunning() bool {
	ifi, err := net.InterfaceByIndex(c.ifIndex)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
}

// Index returns the bound interface index.
func (c *ICMP6Conn) Index() uint32 {
	return uint32(c.ifIndex)
}

// HasAddress reports whether addr is assigned to the bound interface.
// The kernel address list is cached briefly; RA header learning only
// needs to recognise the host's own addresses, not track them live.
func (c *ICMP6Conn) HasAddress(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.addrCached) > addrCacheTTL {
		c.refreshAddrCacheLocked()
	}

	for _, a := range c.addrCache {
		if a == addr {
			return true
		}
	}
	return false
}

// refreshAddrCacheLocked re-reads the interface addresses.
func (c *ICMP6Conn) refreshAddrCacheLocked() {
	c.addrCache = c.addrCache[:0]
	c.addrCached = time.Now()

	ifi, err := net.InterfaceByIndex(c.ifIndex)
	if err != nil {
		return
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipn.IP); ok {
			c.addrCache = append(c.addrCache, ip.Unmap().WithZone(""))
		}
	}
}

// Close releases the socket.
func (c *ICMP6Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.ipConn.Close(); err != nil {
		return fmt.Errorf("close infra-if socket: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Receive loop
// -------------------------------------------------------------------------

// ndSink receives inbound ND messages. Implemented by
// routing.RoutingManager; declared locally so netio does not depend on
// the manager type.
type ndSink interface {
	HandleReceived(pkt []byte, src netip.Addr)
}

// Receive reads ND messages until ctx is cancelled, pushing each valid
// message into sink. Messages from other interfaces, with a hop limit
// below 255, or oversized are discarded (RFC 4861 Section 6.1).
//
// Blocks until ctx is cancelled or the socket fails terminally.
func (c *ICMP6Conn) Receive(ctx context.Context, sink ndSink) error {
	// Unblock ReadFrom on cancellation with an expired read deadline. The
	// socket stays open so the final retraction RA can still be sent; the
	// owner closes it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.ipConn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, routing.MaxMessageSize+1)

	for {
		n, cm, src, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("read ND message: %w", err)
		}

		if !c.acceptMessage(n, cm) {
			continue
		}

		srcAddr, ok := sourceAddr(src)
		if !ok {
			continue
		}

		sink.HandleReceived(buf[:n], srcAddr)
	}
}

// acceptMessage applies the link-layer validity checks.
func (c *ICMP6Conn) acceptMessage(n int, cm *ipv6.ControlMessage) bool {
	if n > routing.MaxMessageSize {
		return false
	}
	if cm == nil {
		return false
	}
	if cm.IfIndex != 0 && cm.IfIndex != c.ifIndex {
		return false
	}
	// RFC 4861 Section 6.1: hop limit must be 255, proving the packet
	// was not forwarded.
	return cm.HopLimit == ndHopLimit
}

// sourceAddr converts the socket source address to netip form, without
// the zone (the manager keys routers by bare address).
func sourceAddr(src net.Addr) (netip.Addr, bool) {
	ipAddr, ok := src.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
