package routing_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/gobrm/internal/routing"
)

// prefixComparer lets go-cmp compare netip.Prefix values (which carry
// unexported fields) by plain equality.
var prefixComparer = cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })

// mustPrefix parses a prefix or fails the test.
func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return p
}

// TestRouterAdvertRoundTrip verifies that serialise(parse(bytes))
// reproduces the semantic content for well-formed RA messages across
// header, PIO, and RIO combinations.
func TestRouterAdvertRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ra   routing.RouterAdvert
	}{
		{
			name: "header only, default values",
			ra:   routing.RouterAdvert{},
		},
		{
			name: "header with flags and lifetimes",
			ra: routing.RouterAdvert{
				Header: routing.RouterAdvertHeader{
					CurHopLimit:    64,
					ManagedConfig:  true,
					OtherConfig:    true,
					Preference:     routing.PreferenceHigh,
					RouterLifetime: 1800,
					ReachableTime:  30000,
					RetransTimer:   1000,
				},
			},
		},
		{
			name: "single PIO",
			ra: routing.RouterAdvert{
				Prefixes: []routing.PrefixInfoOption{{
					Prefix:            mustPrefix(t, "2001:db8:a::/64"),
					OnLink:            true,
					Autonomous:        true,
					ValidLifetime:     1800,
					PreferredLifetime: 1800,
				}},
			},
		},
		{
			name: "deprecated PIO",
			ra: routing.RouterAdvert{
				Prefixes: []routing.PrefixInfoOption{{
					Prefix:            mustPrefix(t, "fd12:3456:789a:1::/64"),
					OnLink:            true,
					Autonomous:        true,
					ValidLifetime:     600,
					PreferredLifetime: 0,
				}},
			},
		},
		{
			name: "RIO default route",
			ra: routing.RouterAdvert{
				Routes: []routing.RouteInfoOption{{
					Prefix:        mustPrefix(t, "::/0"),
					Preference:    routing.PreferenceLow,
					RouteLifetime: 300,
				}},
			},
		},
		{
			name: "RIO /64 and /96",
			ra: routing.RouterAdvert{
				Routes: []routing.RouteInfoOption{
					{
						Prefix:        mustPrefix(t, "fd00:abcd::/64"),
						Preference:    routing.PreferenceMedium,
						RouteLifetime: 1800,
					},
					{
						Prefix:        mustPrefix(t, "fd00:abcd:0:2::/96"),
						Preference:    routing.PreferenceHigh,
						RouteLifetime: 1800,
					},
				},
			},
		},
		{
			name: "full message",
			ra: routing.RouterAdvert{
				Header: routing.RouterAdvertHeader{
					CurHopLimit:    255,
					Preference:     routing.PreferenceLow,
					RouterLifetime: 9000,
				},
				Prefixes: []routing.PrefixInfoOption{{
					Prefix:            mustPrefix(t, "fd11:22::/64"),
					OnLink:            true,
					Autonomous:        true,
					ValidLifetime:     1800,
					PreferredLifetime: 900,
				}},
				Routes: []routing.RouteInfoOption{{
					Prefix:        mustPrefix(t, "fd11:22:0:1::/64"),
					Preference:    routing.PreferenceMedium,
					RouteLifetime: 1800,
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, routing.MaxMessageSize)
			n, err := routing.MarshalRouterAdvert(&tt.ra, buf)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var got routing.RouterAdvert
			if err := routing.UnmarshalRouterAdvert(buf[:n], &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			want := tt.ra
			if diff := cmp.Diff(&want, &got, prefixComparer); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestUnmarshalRouterAdvertErrors covers the structural validation
// failures that reject the whole message.
func TestUnmarshalRouterAdvertErrors(t *testing.T) {
	t.Parallel()

	validHeader := func() []byte {
		b := make([]byte, 16)
		b[0] = routing.TypeRouterAdvert
		return b
	}

	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name:    "empty buffer",
			buf:     nil,
			wantErr: routing.ErrMessageTooShort,
		},
		{
			name:    "truncated header",
			buf:     []byte{134, 0, 0, 0, 64, 0, 7},
			wantErr: routing.ErrMessageTooShort,
		},
		{
			name:    "oversized message",
			buf:     make([]byte, routing.MaxMessageSize+1),
			wantErr: routing.ErrMessageTooLong,
		},
		{
			name: "wrong ICMPv6 type",
			buf: func() []byte {
				b := validHeader()
				b[0] = 133
				return b
			}(),
			wantErr: routing.ErrInvalidMessageType,
		},
		{
			name: "option with zero length",
			buf: func() []byte {
				b := validHeader()
				return append(b, 3, 0, 64, 0xc0)
			}(),
			wantErr: routing.ErrZeroOptionLength,
		},
		{
			name: "option exceeding buffer",
			buf: func() []byte {
				b := validHeader()
				return append(b, 3, 4, 64, 0xc0) // claims 32 bytes, has 4
			}(),
			wantErr: routing.ErrOptionTruncated,
		},
		{
			name: "trailing single byte",
			buf: func() []byte {
				b := validHeader()
				return append(b, 24)
			}(),
			wantErr: routing.ErrOptionTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ra routing.RouterAdvert
			err := routing.UnmarshalRouterAdvert(tt.buf, &ra)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestUnmarshalDropsMalformedOptions verifies that a malformed PIO/RIO
// drops only that option while the rest of the message survives.
func TestUnmarshalDropsMalformedOptions(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0, routing.MaxMessageSize)
	header := make([]byte, 16)
	header[0] = routing.TypeRouterAdvert
	buf = append(buf, header...)

	// PIO with prefix length 200 (> 128): dropped.
	badPio := make([]byte, 32)
	badPio[0], badPio[1], badPio[2] = 3, 4, 200
	buf = append(buf, badPio...)

	// RIO with the reserved preference value (10): dropped per
	// RFC 4191 Section 2.3.
	badRio := make([]byte, 16)
	badRio[0], badRio[1], badRio[2] = 24, 2, 64
	badRio[3] = 0b10 << 3
	buf = append(buf, badRio...)

	// Unknown option type: skipped.
	unknown := []byte{25, 1, 0, 0, 0, 0, 0, 0}
	buf = append(buf, unknown...)

	// One good RIO.
	goodRio := make([]byte, 16)
	goodRio[0], goodRio[1], goodRio[2] = 24, 2, 64
	goodRio[4] = 0x00
	goodRio[7] = 60 // lifetime 60
	goodRio[8] = 0xfd
	buf = append(buf, goodRio...)

	var ra routing.RouterAdvert
	if err := routing.UnmarshalRouterAdvert(buf, &ra); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(ra.Prefixes) != 0 {
		t.Errorf("got %d prefixes, want 0", len(ra.Prefixes))
	}
	if len(ra.Routes) != 1 {
		t.Fatalf("got %d routes, want 1", len(ra.Routes))
	}
	if got, want := ra.Routes[0].Prefix, mustPrefix(t, "fd00::/64"); got != want {
		t.Errorf("route prefix = %s, want %s", got, want)
	}
	if ra.Routes[0].RouteLifetime != 60 {
		t.Errorf("route lifetime = %d, want 60", ra.Routes[0].RouteLifetime)
	}
}

// TestMarshalMasksTrailingPrefixBits verifies that bits beyond the
// prefix length never reach the wire.
func TestMarshalMasksTrailingPrefixBits(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("2001:db8:a:b:c:d:e:f")
	ra := routing.RouterAdvert{
		Prefixes: []routing.PrefixInfoOption{{
			Prefix:            netip.PrefixFrom(addr, 64),
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     100,
			PreferredLifetime: 100,
		}},
	}

	buf := make([]byte, routing.MaxMessageSize)
	n, err := routing.MarshalRouterAdvert(&ra, buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// PIO prefix field starts at offset 16+16 = 32; the interface
	// identifier (bytes 8-15 of the prefix field) must be zero.
	for i := 40; i < 48; i++ {
		if buf[i] != 0 {
			t.Fatalf("trailing prefix byte %d = %#x, want 0 (message %x)", i, buf[i], buf[:n])
		}
	}
}

// TestMarshalClampsLifetimes verifies RouterLifetime and PIO preferred
// lifetime clamping on emit.
func TestMarshalClampsLifetimes(t *testing.T) {
	t.Parallel()

	ra := routing.RouterAdvert{
		Header: routing.RouterAdvertHeader{RouterLifetime: 65535},
		Prefixes: []routing.PrefixInfoOption{{
			Prefix:            mustPrefix(t, "fd00::/64"),
			OnLink:            true,
			Autonomous:        true,
			ValidLifetime:     100,
			PreferredLifetime: 500, // exceeds valid
		}},
	}

	buf := make([]byte, routing.MaxMessageSize)
	n, err := routing.MarshalRouterAdvert(&ra, buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got routing.RouterAdvert
	if err := routing.UnmarshalRouterAdvert(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Header.RouterLifetime != routing.MaxRouterLifetime {
		t.Errorf("router lifetime = %d, want clamped %d",
			got.Header.RouterLifetime, routing.MaxRouterLifetime)
	}
	if got.Prefixes[0].PreferredLifetime != 100 {
		t.Errorf("preferred lifetime = %d, want clamped 100",
			got.Prefixes[0].PreferredLifetime)
	}
}

// TestMarshalBufTooSmall verifies the buffer size check.
func TestMarshalBufTooSmall(t *testing.T) {
	t.Parallel()

	ra := routing.RouterAdvert{}
	if _, err := routing.MarshalRouterAdvert(&ra, make([]byte, 8)); !errors.Is(err, routing.ErrBufTooSmall) {
		t.Errorf("got %v, want ErrBufTooSmall", err)
	}
}

// TestRouterSolicit covers RS serialization and classification.
func TestRouterSolicit(t *testing.T) {
	t.Parallel()

	buf := make([]byte, routing.MaxMessageSize)
	n, err := routing.MarshalRouterSolicit(buf)
	if err != nil {
		t.Fatalf("marshal RS: %v", err)
	}
	if n != 8 {
		t.Errorf("RS length = %d, want 8", n)
	}
	if !routing.IsRouterSolicit(buf[:n]) {
		t.Error("IsRouterSolicit = false for a marshalled RS")
	}

	if routing.IsRouterSolicit(buf[:4]) {
		t.Error("IsRouterSolicit = true for a truncated message")
	}
	if routing.IsRouterSolicit(nil) {
		t.Error("IsRouterSolicit = true for an empty buffer")
	}

	if _, err := routing.MarshalRouterSolicit(make([]byte, 4)); !errors.Is(err, routing.ErrBufTooSmall) {
		t.Errorf("got %v, want ErrBufTooSmall", err)
	}
}

// TestPreferenceWireEncoding pins the RFC 4191 Section 2.1 encoding:
// 01 = High, 00 = Medium, 11 = Low, in both the RA header and RIO.
func TestPreferenceWireEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pref routing.RoutePreference
		wire byte
	}{
		{routing.PreferenceHigh, 0b01},
		{routing.PreferenceMedium, 0b00},
		{routing.PreferenceLow, 0b11},
	}

	for _, tt := range tests {
		t.Run(tt.pref.String(), func(t *testing.T) {
			t.Parallel()

			ra := routing.RouterAdvert{
				Header: routing.RouterAdvertHeader{Preference: tt.pref},
				Routes: []routing.RouteInfoOption{{
					Prefix:        mustPrefix(t, "fd00::/64"),
					Preference:    tt.pref,
					RouteLifetime: 60,
				}},
			}

			buf := make([]byte, routing.MaxMessageSize)
			n, err := routing.MarshalRouterAdvert(&ra, buf)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if n < 16+16 {
				t.Fatalf("message length = %d, want header plus RIO", n)
			}

			// Header prf: flags byte 5, bits 3-4.
			if got := (buf[5] >> 3) & 0b11; got != tt.wire {
				t.Errorf("header prf wire = %02b, want %02b", got, tt.wire)
			}

			// RIO prf: option byte 3, bits 3-4. The RIO follows the
			// 16-byte header.
			if got := (buf[16+3] >> 3) & 0b11; got != tt.wire {
				t.Errorf("RIO prf wire = %02b, want %02b", got, tt.wire)
			}
		})
	}
}

// TestRoutePreferenceOrdering pins the total order Low < Medium < High.
func TestRoutePreferenceOrdering(t *testing.T) {
	t.Parallel()

	if !(routing.PreferenceLow < routing.PreferenceMedium &&
		routing.PreferenceMedium < routing.PreferenceHigh) {
		t.Error("route preference ordering broken")
	}
}
