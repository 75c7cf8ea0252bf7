// Package seqno implements the modular sequence-number and timestamp
// arithmetic SRT runs everything else on top of.
//
// Sequence numbers live in a 31-bit space; comparisons interpret that space
// as a circle with a half-space of 2^30 so that wraparound behaves like
// "recent future" rather than "ancient past". Timestamps use the same
// modular-comparison trick over the full 32-bit space.
package seqno

const (
	// SeqBits is the width of the SRT sequence-number space.
	SeqBits = 31
	// SeqMod is 2^31, the modulus sequence numbers wrap at.
	SeqMod uint32 = 1 << SeqBits
	// SeqMask clears the high "control" bit shared with packet headers.
	SeqMask uint32 = SeqMod - 1
	// seqHalf is the half-space used to decide "ahead" vs "behind".
	seqHalf uint32 = SeqMod / 2
)

// Cmp compares two 31-bit sequence numbers modulo 2^31, returning -1, 0, or
// +1 the way bytes.Compare does. Values are masked to 31 bits before
// comparison so callers may pass raw header fields directly.
func Cmp(a, b uint32) int {
	a &= SeqMask
	b &= SeqMask
	if a == b {
		return 0
	}
	diff := (a - b) & SeqMask
	if diff == 0 {
		return 0
	}
	if diff < seqHalf {
		return 1
	}
	return -1
}

// Add returns (a + n) mod 2^31.
func Add(a uint32, n int64) uint32 {
	a &= SeqMask
	sum := (int64(a) + n) % int64(SeqMod)
	if sum < 0 {
		sum += int64(SeqMod)
	}
	return uint32(sum)
}

// Diff returns the signed distance from b to a, i.e. a value d such that
// Add(b, d) == a, in [-2^30, 2^30].
func Diff(a, b uint32) int64 {
	a &= SeqMask
	b &= SeqMask
	d := int64(a) - int64(b)
	if d > int64(seqHalf) {
		d -= int64(SeqMod)
	} else if d < -int64(seqHalf) {
		d += int64(SeqMod)
	}
	return d
}

// InWindow reports whether seq falls in the half-open window
// [lo, lo+size) under modular arithmetic, as used by the receive buffer's
// acceptance test.
func InWindow(seq, lo uint32, size uint32) bool {
	d := Diff(seq, lo)
	return d >= 0 && d < int64(size)
}

// TSCmp compares two 32-bit wrap-aware microsecond timestamps the same way
// Cmp compares sequence numbers, but over the full 32-bit space.
func TSCmp(a, b uint32) int {
	if a == b {
		return 0
	}
	diff := a - b
	if diff < 1<<31 {
		return 1
	}
	return -1
}

// TSAdd returns (t + deltaMicros) mod 2^32, deltaMicros may be negative.
func TSAdd(t uint32, deltaMicros int64) uint32 {
	sum := (int64(t) + deltaMicros) % (1 << 32)
	if sum < 0 {
		sum += 1 << 32
	}
	return uint32(sum)
}

// TSDiff returns the signed microsecond distance from b to a, wrap-aware.
func TSDiff(a, b uint32) int64 {
	d := int64(a) - int64(b)
	const mod = int64(1) << 32
	const half = mod / 2
	if d > half {
		d -= mod
	} else if d < -half {
		d += mod
	}
	return d
}
