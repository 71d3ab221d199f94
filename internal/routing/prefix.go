package routing

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Prefix lengths and subnet identifiers
// -------------------------------------------------------------------------

const (
	// OmrPrefixLength is the bit length of an OMR prefix.
	OmrPrefixLength = 64

	// OnLinkPrefixLength is the bit length of an on-link prefix.
	OnLinkPrefixLength = 64

	// BrUlaPrefixLength is the bit length of a Border Router ULA prefix.
	BrUlaPrefixLength = 48

	// Nat64PrefixLength is the bit length of a NAT64 prefix (RFC 6052
	// Section 2.2 well-known length).
	Nat64PrefixLength = 96

	// omrPrefixSubnetID is the subnet ID of the OMR prefix within the
	// BR ULA prefix.
	omrPrefixSubnetID uint16 = 1

	// nat64PrefixSubnetID is the subnet ID of the NAT64 prefix within
	// the BR ULA prefix.
	nat64PrefixSubnetID uint16 = 2
)

// ulaFirstByte is the required first byte of a locally assigned ULA
// prefix (RFC 4193 Section 3.1: fc00::/7 with the L bit set).
const ulaFirstByte = 0xfd

// -------------------------------------------------------------------------
// Validators
// -------------------------------------------------------------------------

// isUla reports whether addr falls inside fc00::/7 (RFC 4193).
func isUla(addr netip.Addr) bool {
	return addr.As16()[0]&0xfe == 0xfc
}

// isGlobalUnicast reports whether addr falls inside 2000::/3, the
// currently delegated global unicast range (RFC 4291 Section 2.4).
func isGlobalUnicast(addr netip.Addr) bool {
	return addr.As16()[0]&0xe0 == 0x20
}

// IsValidOmrPrefix reports whether prefix is a valid OMR prefix: a /64
// GUA or ULA prefix that is not link-local, multicast, or unspecified.
func IsValidOmrPrefix(prefix netip.Prefix) bool {
	addr := prefix.Addr()

	return prefix.Bits() == OmrPrefixLength &&
		(isGlobalUnicast(addr) || isUla(addr)) &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}

// IsValidOmrPrefixConfig reports whether an on-mesh prefix from the
// Thread Network Data qualifies as an OMR prefix: the prefix itself must
// be a valid OMR prefix and the entry must be on-mesh, stable, usable as
// a default route, and either preferred or SLAAC-capable.
func IsValidOmrPrefixConfig(cfg OnMeshPrefixConfig) bool {
	return IsValidOmrPrefix(cfg.Prefix) &&
		cfg.OnMesh && cfg.Stable && cfg.DefaultRoute &&
		(cfg.Preferred || cfg.Slaac)
}

// IsValidOnLinkPrefix reports whether prefix can serve as an on-link
// prefix on the infrastructure link: a /64 that is neither link-local
// nor multicast.
func IsValidOnLinkPrefix(prefix netip.Prefix) bool {
	addr := prefix.Addr()

	return prefix.Bits() == OnLinkPrefixLength &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsMulticast()
}

// IsValidOnLinkPrefixInfo reports whether a received PIO advertises a
// usable on-link prefix. Beyond the prefix checks, the option must have
// the A (autonomous) flag set with a nonzero preferred lifetime so hosts
// can actually configure addresses from it (RFC 4862 Section 5.5.3).
func IsValidOnLinkPrefixInfo(pio *PrefixInfoOption) bool {
	return IsValidOnLinkPrefix(pio.Prefix) &&
		pio.Autonomous &&
		pio.PreferredLifetime > 0
}

// IsValidBrUlaPrefix reports whether prefix is a valid Border Router
// ULA prefix: a locally assigned /48 (fd00::/8).
func IsValidBrUlaPrefix(prefix netip.Prefix) bool {
	return prefix.Bits() == BrUlaPrefixLength &&
		prefix.Addr().As16()[0] == ulaFirstByte
}

// -------------------------------------------------------------------------
// Generators
// -------------------------------------------------------------------------

// GenerateBrUlaPrefix draws a fresh /48 BR ULA prefix: the fd byte
// followed by 40 random bits (RFC 4193 Section 3.2.2 local assignment).
func GenerateBrUlaPrefix(rng Rng) (netip.Prefix, error) {
	var addr [16]byte
	addr[0] = ulaFirstByte
	if err := rng.Fill(addr[1:6]); err != nil {
		return netip.Prefix{}, fmt.Errorf("generate BR ULA prefix: %w", err)
	}

	return netip.PrefixFrom(netip.AddrFrom16(addr), BrUlaPrefixLength), nil
}

// GenerateOnLinkPrefix draws a random /64 on-link prefix within the ULA
// space. The prefix is only used on the infrastructure link, so it does
// not need to relate to the BR ULA prefix.
func GenerateOnLinkPrefix(rng Rng) (netip.Prefix, error) {
	var addr [16]byte
	addr[0] = ulaFirstByte
	if err := rng.Fill(addr[1:8]); err != nil {
		return netip.Prefix{}, fmt.Errorf("generate on-link prefix: %w", err)
	}

	return netip.PrefixFrom(netip.AddrFrom16(addr), OnLinkPrefixLength), nil
}

// OmrPrefixFromUla derives the local OMR prefix from the BR ULA prefix:
// the /48 followed by subnet ID 1, as a /64.
func OmrPrefixFromUla(brUlaPrefix netip.Prefix) netip.Prefix {
	return subnetPrefix(brUlaPrefix, omrPrefixSubnetID, OmrPrefixLength)
}

// Nat64PrefixFromUla derives the local NAT64 prefix from the BR ULA
// prefix: the /48 followed by subnet ID 2, as a /96.
func Nat64PrefixFromUla(brUlaPrefix netip.Prefix) netip.Prefix {
	return subnetPrefix(brUlaPrefix, nat64PrefixSubnetID, Nat64PrefixLength)
}

// subnetPrefix carves a sub-prefix out of the /48 parent by writing the
// big-endian subnet ID into bits 48-63.
func subnetPrefix(parent netip.Prefix, subnetID uint16, bits int) netip.Prefix {
	addr := parent.Masked().Addr().As16()
	binary.BigEndian.PutUint16(addr[6:8], subnetID)

	return netip.PrefixFrom(netip.AddrFrom16(addr), bits)
}

// -------------------------------------------------------------------------
// Prefix ordering
// -------------------------------------------------------------------------

// comparePrefixes orders prefixes numerically: by address bytes first,
// then by prefix length. This is the shared total order behind every
// tie-break, so independently configured Border Routers converge on
// identical choices.
func comparePrefixes(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// -------------------------------------------------------------------------
// OmrPrefix
// -------------------------------------------------------------------------

// OmrPrefix pairs an OMR prefix with its route preference as seen in
// (or destined for) the Thread Network Data.
type OmrPrefix struct {
	Prefix     netip.Prefix
	Preference RoutePreference
}

// IsFavoredOver reports whether o wins the deterministic OMR tie-break
// against other: higher preference first, numerically smaller prefix on
// a preference tie.
func (o OmrPrefix) IsFavoredOver(other OmrPrefix) bool {
	if o.Preference != other.Preference {
		return o.Preference > other.Preference
	}
	return comparePrefixes(o.Prefix, other.Prefix) < 0
}

// String returns "prefix (prf=Preference)" for logging.
func (o OmrPrefix) String() string {
	return fmt.Sprintf("%s (prf=%s)", o.Prefix, o.Preference)
}
