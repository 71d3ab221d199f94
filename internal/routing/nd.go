// Package routing implements the core of the RA-based Border Routing
// Manager for a Thread Border Router.
//
// This includes the IPv6 Neighbor Discovery message codec (RFC 4861 /
// RFC 4191), the discovered-prefix table, the RS/RA state machine, and
// the routing policy evaluator that keeps the Thread Network Data and
// the adjacent infrastructure link in agreement about routable prefixes.
package routing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 4861 Section 4.1, 4.2
// -------------------------------------------------------------------------

// ICMPv6 message types handled by the Routing Manager (RFC 4861 Section 4).
const (
	// TypeRouterSolicit is the ICMPv6 Router Solicitation type
	// (RFC 4861 Section 4.1: value 133).
	TypeRouterSolicit uint8 = 133

	// TypeRouterAdvert is the ICMPv6 Router Advertisement type
	// (RFC 4861 Section 4.2: value 134).
	TypeRouterAdvert uint8 = 134
)

// MaxMessageSize is the maximum RA/RS message length the Routing Manager
// can handle. Messages exceeding this are dropped before parsing.
const MaxMessageSize = 256

// raHeaderSize is the Router Advertisement header size in bytes
// (RFC 4861 Section 4.2): ICMPv6 Type(1) + Code(1) + Checksum(2) +
// Cur Hop Limit(1) + Flags(1) + Router Lifetime(2) + Reachable Time(4) +
// Retrans Timer(4).
const raHeaderSize = 16

// rsHeaderSize is the Router Solicitation header size in bytes
// (RFC 4861 Section 4.1): ICMPv6 Type(1) + Code(1) + Checksum(2) +
// Reserved(4).
const rsHeaderSize = 8

// ND option types recognised by the codec (RFC 4861 Section 4.6,
// RFC 4191 Section 2.3). All other option types are skipped using the
// option length field.
const (
	// optTypePrefixInfo is the Prefix Information Option type
	// (RFC 4861 Section 4.6.2: value 3).
	optTypePrefixInfo uint8 = 3

	// optTypeRouteInfo is the Route Information Option type
	// (RFC 4191 Section 2.3: value 24).
	optTypeRouteInfo uint8 = 24
)

// Option and PIO sizes. ND option lengths are expressed in units of
// 8 octets (RFC 4861 Section 4.6).
const (
	// optUnit is the ND option length unit in bytes.
	optUnit = 8

	// pioSize is the fixed Prefix Information Option size
	// (RFC 4861 Section 4.6.2: length field 4, i.e. 32 bytes).
	pioSize = 32

	// rioHeaderSize is the fixed part of a Route Information Option
	// (RFC 4191 Section 2.3): Type(1) + Length(1) + Prefix Length(1) +
	// Resvd|Prf|Resvd(1) + Route Lifetime(4).
	rioHeaderSize = 8
)

// RA header flag bits (RFC 4861 Section 4.2, RFC 4191 Section 2.2).
const (
	// raFlagManaged is the M (Managed address configuration) flag.
	raFlagManaged uint8 = 1 << 7

	// raFlagOther is the O (Other configuration) flag.
	raFlagOther uint8 = 1 << 6

	// raPrfShift positions the 2-bit default router preference field
	// within the RA flags byte (RFC 4191 Section 2.2: bits 3-4).
	raPrfShift = 3

	// prfMask extracts a 2-bit preference field after shifting.
	prfMask uint8 = 0b11
)

// PIO flag bits (RFC 4861 Section 4.6.2).
const (
	// pioFlagOnLink is the L (on-link) flag.
	pioFlagOnLink uint8 = 1 << 7

	// pioFlagAutonomous is the A (autonomous address-configuration) flag.
	pioFlagAutonomous uint8 = 1 << 6
)

// rioPrfShift positions the 2-bit route preference field within the RIO
// reserved octet (RFC 4191 Section 2.3: bits 3-4).
const rioPrfShift = 3

// Wire encodings of the 2-bit preference field (RFC 4191 Section 2.1):
// 01 = High, 00 = Medium, 11 = Low. The value 10 is reserved.
const (
	prfWireHigh     uint8 = 0b01
	prfWireMedium   uint8 = 0b00
	prfWireLow      uint8 = 0b11
	prfWireReserved uint8 = 0b10
)

// MaxRouterLifetime is the maximum Router Lifetime an RA may carry
// (RFC 4861 Section 6.2.1: AdvDefaultLifetime MUST be no greater than
// 9000 seconds). Values are clamped on serialization.
const MaxRouterLifetime uint16 = 9000

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for ND message validation failures. Parsing failures
// cause the offending option or the entire message to be dropped
// silently by the caller; the sentinel identifies the drop reason for
// counters and debug logging.
var (
	// ErrMessageTooShort indicates the buffer is shorter than the
	// mandatory RA/RS header.
	ErrMessageTooShort = errors.New("ND message too short")

	// ErrMessageTooLong indicates the message exceeds MaxMessageSize.
	ErrMessageTooLong = errors.New("ND message exceeds maximum length")

	// ErrInvalidMessageType indicates the ICMPv6 type field is not the
	// expected RA/RS type.
	ErrInvalidMessageType = errors.New("invalid ICMPv6 message type")

	// ErrZeroOptionLength indicates an option with length field zero
	// (RFC 4861 Section 4.6: "nodes MUST silently discard an ND packet
	// that contains an option with length zero").
	ErrZeroOptionLength = errors.New("ND option with zero length")

	// ErrOptionTruncated indicates an option length field exceeds the
	// remaining message bytes.
	ErrOptionTruncated = errors.New("ND option truncated")

	// ErrInvalidPrefixLength indicates a PIO/RIO prefix length field
	// exceeds 128 bits or does not fit the option size.
	ErrInvalidPrefixLength = errors.New("invalid prefix length in ND option")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold
	// the serialized message.
	ErrBufTooSmall = errors.New("buffer too small for ND message")
)

// -------------------------------------------------------------------------
// RoutePreference — RFC 4191 Section 2.1
// -------------------------------------------------------------------------

// RoutePreference is the 2-bit route/router preference (RFC 4191).
// The numeric values are ordered so that direct comparison expresses
// the RFC ordering: Low < Medium < High.
type RoutePreference int8

const (
	// PreferenceLow is the low route preference (wire 11).
	PreferenceLow RoutePreference = -1

	// PreferenceMedium is the default, medium route preference (wire 00).
	PreferenceMedium RoutePreference = 0

	// PreferenceHigh is the high route preference (wire 01).
	PreferenceHigh RoutePreference = 1
)

// String returns the human-readable name for the route preference.
func (p RoutePreference) String() string {
	switch p {
	case PreferenceLow:
		return "Low"
	case PreferenceMedium:
		return "Medium"
	case PreferenceHigh:
		return "High"
	default:
		return fmt.Sprintf("Unknown(%d)", int8(p))
	}
}

// encodePreference maps a RoutePreference to its 2-bit wire encoding
// (RFC 4191 Section 2.1). Unknown values encode as Medium.
func encodePreference(p RoutePreference) uint8 {
	switch p {
	case PreferenceHigh:
		return prfWireHigh
	case PreferenceLow:
		return prfWireLow
	default:
		return prfWireMedium
	}
}

// decodePreference maps a 2-bit wire value to a RoutePreference.
// The reserved value (10) decodes as Medium with ok=false; RFC 4191
// Section 2.3 requires a Route Information Option carrying the reserved
// value to be ignored, while an RA header carrying it is treated as
// Medium (Section 2.2).
func decodePreference(wire uint8) (RoutePreference, bool) {
	switch wire & prfMask {
	case prfWireHigh:
		return PreferenceHigh, true
	case prfWireLow:
		return PreferenceLow, true
	case prfWireReserved:
		return PreferenceMedium, false
	default:
		return PreferenceMedium, true
	}
}

// -------------------------------------------------------------------------
// RouterAdvertHeader — RFC 4861 Section 4.2
// -------------------------------------------------------------------------

// RouterAdvertHeader holds the fixed fields of a Router Advertisement.
//
// The ICMPv6 checksum is not represented: it is zero on serialization
// and computed by the kernel for raw ICMPv6 sockets.
type RouterAdvertHeader struct {
	// CurHopLimit is the default Hop Limit hosts should use for
	// outgoing packets, or zero if unspecified (RFC 4861 Section 4.2).
	CurHopLimit uint8

	// ManagedConfig is the M flag: addresses are available via DHCPv6.
	ManagedConfig bool

	// OtherConfig is the O flag: other configuration is available via
	// DHCPv6.
	OtherConfig bool

	// Preference is the default router preference
	// (RFC 4191 Section 2.2: flags bits 3-4).
	Preference RoutePreference

	// RouterLifetime is the lifetime of this router as a default router,
	// in seconds. Zero means the router is not a default router
	// (RFC 4861 Section 4.2).
	RouterLifetime uint16

	// ReachableTime is the neighbour reachability time in milliseconds,
	// or zero if unspecified.
	ReachableTime uint32

	// RetransTimer is the NS retransmission interval in milliseconds,
	// or zero if unspecified.
	RetransTimer uint32
}

// IsDefault reports whether the header carries only zero/unspecified
// values, i.e. matches a header that was never learned from another
// router on this host's infrastructure link.
func (h *RouterAdvertHeader) IsDefault() bool {
	return *h == RouterAdvertHeader{}
}

// -------------------------------------------------------------------------
// PrefixInfoOption — RFC 4861 Section 4.6.2
// -------------------------------------------------------------------------

// PrefixInfoOption is a decoded Prefix Information Option (PIO).
type PrefixInfoOption struct {
	// Prefix is the advertised prefix. Bits beyond the prefix length
	// are masked to zero on decode and emitted as zero on encode
	// (RFC 4861 Section 4.6.2: "reserved bits... MUST be ignored").
	Prefix netip.Prefix

	// OnLink is the L flag: the prefix can be used for on-link
	// determination.
	OnLink bool

	// Autonomous is the A flag: the prefix can be used for SLAAC
	// (RFC 4862).
	Autonomous bool

	// ValidLifetime is the prefix valid lifetime in seconds.
	ValidLifetime uint32

	// PreferredLifetime is the SLAAC preferred lifetime in seconds.
	// MUST NOT exceed ValidLifetime on emit; callers treat an entry as
	// deprecated when it reaches zero.
	PreferredLifetime uint32
}

// -------------------------------------------------------------------------
// RouteInfoOption — RFC 4191 Section 2.3
// -------------------------------------------------------------------------

// RouteInfoOption is a decoded Route Information Option (RIO).
type RouteInfoOption struct {
	// Prefix is the advertised route prefix. On the wire only 0, 8, or
	// 16 prefix octets are carried depending on the prefix length; the
	// remainder is zero.
	Prefix netip.Prefix

	// Preference is the route preference (RFC 4191 Section 2.3).
	Preference RoutePreference

	// RouteLifetime is the route lifetime in seconds. Zero withdraws
	// the route.
	RouteLifetime uint32
}

// rioOptionLen returns the RIO length field (in 8-octet units) required
// to carry a prefix of the given bit length (RFC 4191 Section 2.3:
// 1 for /0, 2 for up to /64, 3 for longer).
func rioOptionLen(prefixLength int) uint8 {
	switch {
	case prefixLength == 0:
		return 1
	case prefixLength <= 64:
		return 2
	default:
		return 3
	}
}

// -------------------------------------------------------------------------
// RouterAdvert — a decoded RA message
// -------------------------------------------------------------------------

// RouterAdvert represents a complete Router Advertisement: the fixed
// header plus the PIO and RIO options the Routing Manager understands.
// Unknown options are skipped on decode and never re-emitted.
type RouterAdvert struct {
	Header   RouterAdvertHeader
	Prefixes []PrefixInfoOption
	Routes   []RouteInfoOption
}

// -------------------------------------------------------------------------
// Decoding — RFC 4861 Section 6.1.2 validation subset
// -------------------------------------------------------------------------

// UnmarshalRouterAdvert decodes a Router Advertisement from buf into ra.
//
// Link-layer validation (hop limit 255, ICMP code 0, checksum) is the
// responsibility of the receiving socket layer; this codec validates the
// message structure only:
//
//   - buffer at least raHeaderSize and at most MaxMessageSize bytes
//   - ICMPv6 type is 134
//   - no option has length zero (RFC 4861 Section 4.6)
//   - every option fits within the buffer
//
// Malformed PIO/RIO contents (bad prefix length) drop the single option;
// a structurally broken option stream rejects the whole message, per the
// "silently drop the offending option or entire message" error policy.
func UnmarshalRouterAdvert(buf []byte, ra *RouterAdvert) error {
	if len(buf) < raHeaderSize {
		return fmt.Errorf("unmarshal router advert: %d bytes: %w", len(buf), ErrMessageTooShort)
	}
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("unmarshal router advert: %d bytes: %w", len(buf), ErrMessageTooLong)
	}
	if buf[0] != TypeRouterAdvert {
		return fmt.Errorf("unmarshal router advert: type %d: %w", buf[0], ErrInvalidMessageType)
	}

	decodeRaHeader(buf, &ra.Header)
	ra.Prefixes = ra.Prefixes[:0]
	ra.Routes = ra.Routes[:0]

	return decodeOptions(buf[raHeaderSize:], ra)
}

// decodeRaHeader extracts the fixed RA header fields from buf.
func decodeRaHeader(buf []byte, h *RouterAdvertHeader) {
	h.CurHopLimit = buf[4]

	flags := buf[5]
	h.ManagedConfig = flags&raFlagManaged != 0
	h.OtherConfig = flags&raFlagOther != 0
	// RFC 4191 Section 2.2: reserved preference (10) is treated as 00.
	h.Preference, _ = decodePreference(flags >> raPrfShift)

	h.RouterLifetime = binary.BigEndian.Uint16(buf[6:8])
	h.ReachableTime = binary.BigEndian.Uint32(buf[8:12])
	h.RetransTimer = binary.BigEndian.Uint32(buf[12:16])
}

// decodeOptions walks the TLV option stream following the RA header.
func decodeOptions(buf []byte, ra *RouterAdvert) error {
	for len(buf) > 0 {
		if len(buf) < 2 {
			return fmt.Errorf("decode ND options: %d trailing bytes: %w", len(buf), ErrOptionTruncated)
		}

		optType := buf[0]
		optLen := int(buf[1]) * optUnit
		if optLen == 0 {
			return fmt.Errorf("decode ND options: type %d: %w", optType, ErrZeroOptionLength)
		}
		if optLen > len(buf) {
			return fmt.Errorf("decode ND options: type %d needs %d bytes, have %d: %w",
				optType, optLen, len(buf), ErrOptionTruncated)
		}

		switch optType {
		case optTypePrefixInfo:
			// A malformed PIO drops only this option.
			if pio, ok := decodePrefixInfo(buf[:optLen]); ok {
				ra.Prefixes = append(ra.Prefixes, pio)
			}
		case optTypeRouteInfo:
			if rio, ok := decodeRouteInfo(buf[:optLen]); ok {
				ra.Routes = append(ra.Routes, rio)
			}
		default:
			// RFC 4861 Section 4.6: unrecognised options are skipped.
		}

		buf = buf[optLen:]
	}

	return nil
}

// decodePrefixInfo decodes a PIO body. Returns ok=false for a malformed
// option (wrong size or prefix length > 128), which the caller skips.
func decodePrefixInfo(opt []byte) (PrefixInfoOption, bool) {
	if len(opt) != pioSize {
		return PrefixInfoOption{}, false
	}

	prefixLen := int(opt[2])
	if prefixLen > 128 {
		return PrefixInfoOption{}, false
	}

	var addr [16]byte
	copy(addr[:], opt[16:32])

	// Mask bits beyond the prefix length (RFC 4861 Section 4.6.2).
	prefix, err := netip.AddrFrom16(addr).Prefix(prefixLen)
	if err != nil {
		return PrefixInfoOption{}, false
	}

	return PrefixInfoOption{
		Prefix:            prefix,
		OnLink:            opt[3]&pioFlagOnLink != 0,
		Autonomous:        opt[3]&pioFlagAutonomous != 0,
		ValidLifetime:     binary.BigEndian.Uint32(opt[4:8]),
		PreferredLifetime: binary.BigEndian.Uint32(opt[8:12]),
	}, true
}

// decodeRouteInfo decodes a RIO body. Returns ok=false for a malformed
// option, a prefix length that does not fit the option size, or the
// reserved preference value (RFC 4191 Section 2.3: "If the Reserved
// (10) value is received, the Route Information Option MUST be
// ignored").
func decodeRouteInfo(opt []byte) (RouteInfoOption, bool) {
	if len(opt) < rioHeaderSize {
		return RouteInfoOption{}, false
	}

	prefixLen := int(opt[2])
	if prefixLen > 128 || len(opt) < rioHeaderSize+prefixOctets(prefixLen) {
		return RouteInfoOption{}, false
	}

	prf, ok := decodePreference(opt[3] >> rioPrfShift)
	if !ok {
		return RouteInfoOption{}, false
	}

	var addr [16]byte
	copy(addr[:], opt[rioHeaderSize:])

	prefix, err := netip.AddrFrom16(addr).Prefix(prefixLen)
	if err != nil {
		return RouteInfoOption{}, false
	}

	return RouteInfoOption{
		Prefix:        prefix,
		Preference:    prf,
		RouteLifetime: binary.BigEndian.Uint32(opt[4:8]),
	}, true
}

// prefixOctets returns the number of prefix octets carried on the wire
// for a RIO prefix of the given bit length (0, 8, or 16).
func prefixOctets(prefixLength int) int {
	return (int(rioOptionLen(prefixLength)) - 1) * optUnit
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// MarshalRouterAdvert serializes ra into buf and returns the number of
// bytes written. RouterLifetime values above MaxRouterLifetime are
// clamped (RFC 4861 Section 6.2.1). PIO preferred lifetimes are clamped
// to their valid lifetimes. Prefix bits beyond each option's prefix
// length are emitted as zero.
//
// The buffer must hold the full message; callers typically provide a
// MaxMessageSize buffer from PacketPool.
func MarshalRouterAdvert(ra *RouterAdvert, buf []byte) (int, error) {
	total := raHeaderSize + len(ra.Prefixes)*pioSize
	for i := range ra.Routes {
		total += int(rioOptionLen(ra.Routes[i].Prefix.Bits())) * optUnit
	}

	if total > MaxMessageSize {
		return 0, fmt.Errorf("marshal router advert: %d bytes: %w", total, ErrMessageTooLong)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("marshal router advert: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	encodeRaHeader(&ra.Header, buf)
	off := raHeaderSize

	for i := range ra.Prefixes {
		encodePrefixInfo(&ra.Prefixes[i], buf[off:off+pioSize])
		off += pioSize
	}
	for i := range ra.Routes {
		off += encodeRouteInfo(&ra.Routes[i], buf[off:])
	}

	return off, nil
}

// encodeRaHeader writes the fixed RA header into the first raHeaderSize
// bytes of buf. The checksum field is left zero for the kernel to fill.
func encodeRaHeader(h *RouterAdvertHeader, buf []byte) {
	buf[0] = TypeRouterAdvert
	buf[1] = 0 // Code
	buf[2], buf[3] = 0, 0

	buf[4] = h.CurHopLimit

	var flags uint8
	if h.ManagedConfig {
		flags |= raFlagManaged
	}
	if h.OtherConfig {
		flags |= raFlagOther
	}
	flags |= encodePreference(h.Preference) << raPrfShift
	buf[5] = flags

	binary.BigEndian.PutUint16(buf[6:8], min(h.RouterLifetime, MaxRouterLifetime))
	binary.BigEndian.PutUint32(buf[8:12], h.ReachableTime)
	binary.BigEndian.PutUint32(buf[12:16], h.RetransTimer)
}

// encodePrefixInfo writes a 32-byte PIO into buf.
func encodePrefixInfo(pio *PrefixInfoOption, buf []byte) {
	buf[0] = optTypePrefixInfo
	buf[1] = pioSize / optUnit
	buf[2] = uint8(pio.Prefix.Bits())

	var flags uint8
	if pio.OnLink {
		flags |= pioFlagOnLink
	}
	if pio.Autonomous {
		flags |= pioFlagAutonomous
	}
	buf[3] = flags

	binary.BigEndian.PutUint32(buf[4:8], pio.ValidLifetime)
	binary.BigEndian.PutUint32(buf[8:12], min(pio.PreferredLifetime, pio.ValidLifetime))
	binary.BigEndian.PutUint32(buf[12:16], 0) // Reserved2

	// Masked() zeroes the host bits so stray address bits never reach
	// the wire.
	addr := pio.Prefix.Masked().Addr().As16()
	copy(buf[16:32], addr[:])
}

// encodeRouteInfo writes a RIO into buf and returns its size.
// Only the prefix octets covered by the prefix length are emitted
// (RFC 4191 Section 2.3).
func encodeRouteInfo(rio *RouteInfoOption, buf []byte) int {
	optLen := rioOptionLen(rio.Prefix.Bits())
	size := int(optLen) * optUnit

	buf[0] = optTypeRouteInfo
	buf[1] = optLen
	buf[2] = uint8(rio.Prefix.Bits())
	buf[3] = encodePreference(rio.Preference) << rioPrfShift
	binary.BigEndian.PutUint32(buf[4:8], rio.RouteLifetime)

	addr := rio.Prefix.Masked().Addr().As16()
	copy(buf[rioHeaderSize:size], addr[:size-rioHeaderSize])

	return size
}

// -------------------------------------------------------------------------
// Router Solicitation — RFC 4861 Section 4.1
// -------------------------------------------------------------------------

// MarshalRouterSolicit serializes a Router Solicitation into buf and
// returns the number of bytes written. The Routing Manager sends RSes
// without a source link-layer address option.
func MarshalRouterSolicit(buf []byte) (int, error) {
	if len(buf) < rsHeaderSize {
		return 0, fmt.Errorf("marshal router solicit: need %d bytes, got %d: %w",
			rsHeaderSize, len(buf), ErrBufTooSmall)
	}

	clear(buf[:rsHeaderSize])
	buf[0] = TypeRouterSolicit

	return rsHeaderSize, nil
}

// IsRouterSolicit reports whether buf holds a structurally valid Router
// Solicitation: at least the 8-byte header with type 133. Options, if
// any, are not inspected — the Routing Manager only needs to know that
// a host asked for an advertisement.
func IsRouterSolicit(buf []byte) bool {
	return len(buf) >= rsHeaderSize && len(buf) <= MaxMessageSize && buf[0] == TypeRouterSolicit
}

// MessageType returns the ICMPv6 type of a received packet, or ok=false
// for an empty buffer.
func MessageType(buf []byte) (uint8, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	return buf[0], true
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for zero-allocation I/O
// -------------------------------------------------------------------------

// PacketPool provides reusable buffers for ND message I/O.
// Callers Get() a *[]byte before receiving or serializing, and Put() it
// back after the message has been fully processed.
//
// The pool stores *[]byte (pointer to slice) to avoid interface
// allocation on Get()/Put().
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxMessageSize)
		return &buf
	},
}
