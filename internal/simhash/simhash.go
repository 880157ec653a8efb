// Package simhash computes compact content fingerprints used for
// near-duplicate page detection.
package simhash

const (
	// Bits is the fingerprint width.
	Bits = 12

	hashBase = 37
	hashMod  = 4095 // largest 12-bit value

	// DefaultThreshold is the matching-bit fraction required for two
	// fingerprints to be considered near-duplicates. Over 12 bits this
	// effectively requires an exact match; the strictness is deliberate.
	DefaultThreshold = 0.96
)

// Fingerprint is a 12-bit content signature. Bit i (from the most
// significant of the 12) is set when the weighted sum for that hash bit
// position is positive.
type Fingerprint uint16

// Hash maps a token to a 12-bit value using a polynomial rolling hash
// seeded by letter values (a=1 .. z=26). Tokens are expected to be
// lowercase already; other bytes wrap around the modulus.
func Hash(token string) uint16 {
	var h int
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		v := int(c) - 'a' + 1
		v = ((v % hashMod) + hashMod) % hashMod
		h = (h*hashBase + v) % hashMod
	}
	return uint16(h)
}

// New builds a fingerprint from token frequencies. For each of the 12 bit
// positions the token frequency is added with sign +1 when the token hash
// has that bit set and -1 otherwise; the fingerprint bit is 1 when the
// signed sum is positive.
func New(freqs map[string]int) Fingerprint {
	var sums [Bits]int
	for token, count := range freqs {
		h := Hash(token)
		for i := 0; i < Bits; i++ {
			if h&(1<<(Bits-1-i)) != 0 {
				sums[i] += count
			} else {
				sums[i] -= count
			}
		}
	}
	var fp Fingerprint
	for i := 0; i < Bits; i++ {
		if sums[i] > 0 {
			fp |= 1 << (Bits - 1 - i)
		}
	}
	return fp
}

// Similar reports whether the fraction of matching bit positions between
// the two fingerprints is at least threshold. It is symmetric in its
// fingerprint arguments.
func Similar(f1, f2 Fingerprint, threshold float64) bool {
	matching := 0
	for i := 0; i < Bits; i++ {
		mask := Fingerprint(1 << i)
		if f1&mask == f2&mask {
			matching++
		}
	}
	return float64(matching)/float64(Bits) >= threshold
}
