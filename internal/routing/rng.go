package routing

import (
	cryptorand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"time"
)

// -------------------------------------------------------------------------
// Rng — injectable randomness
// -------------------------------------------------------------------------

// Rng supplies the two kinds of randomness the Routing Manager needs:
// random bytes for prefix generation, and bounded values for timer
// jitter. Tests inject deterministic implementations so jitter and
// generated prefixes are reproducible.
type Rng interface {
	// Fill overwrites b with uniform random bytes.
	Fill(b []byte) error

	// IntN returns a uniform value in [0, n). n must be > 0.
	IntN(n int) int

	// JitterDuration returns a uniform duration in [0, max].
	// Returns 0 when max <= 0.
	JitterDuration(max time.Duration) time.Duration
}

// systemRng is the production Rng: crypto/rand for prefix bytes (the
// generated ULA must be unpredictable across Border Routers, RFC 4193
// Section 3.2), math/rand/v2 for jitter (not security-sensitive).
type systemRng struct{}

// NewSystemRng returns the default production randomness source.
func NewSystemRng() Rng { return systemRng{} }

// Fill reads uniform bytes from the operating system entropy source.
func (systemRng) Fill(b []byte) error {
	if _, err := cryptorand.Read(b); err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}

// IntN returns a uniform value in [0, n).
func (systemRng) IntN(n int) int {
	return rand.IntN(n) //nolint:gosec // G404: jitter does not require cryptographic randomness
}

// JitterDuration returns a uniform duration in [0, max].
func (systemRng) JitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1)) //nolint:gosec // G404: see IntN
}

// jitteredInterval draws a uniform duration in [min, max] using rng.
// Used for the RA schedule, where both bounds are nonzero.
func jitteredInterval(rng Rng, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rng.JitterDuration(max-min)
}
