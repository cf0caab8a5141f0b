// Package hilbert computes d-dimensional Hilbert curve indices.
//
// The index imposes a space-filling total order on grid points: consecutive
// indices are always unit neighbors, which gives sparse tiles much better
// spatial locality than row-major order. The implementation follows the
// transpose formulation of Skilling, "Programming the Hilbert curve" (2004).
package hilbert

// Bits returns the number of bits per dimension for n dimensions such that
// the combined index fits in a uint64.
func Bits(n int) int {
	if n <= 0 {
		return 0
	}
	return 64 / n
}

// Index returns the Hilbert index of the given point. Every coordinate must
// fit in bits bits; callers normalize domain coordinates to offsets first.
func Index(coords []uint64, bits int) uint64 {
	n := len(coords)
	if n == 0 || bits <= 0 {
		return 0
	}

	var stack [8]uint64
	var x []uint64
	if n <= len(stack) {
		x = stack[:n]
	} else {
		x = make([]uint64, n)
	}
	copy(x, coords)

	axesToTranspose(x, bits)

	// Interleave transposed bits, most significant plane first.
	var h uint64
	for bit := bits - 1; bit >= 0; bit-- {
		for i := 0; i < n; i++ {
			h = (h << 1) | ((x[i] >> uint(bit)) & 1)
		}
	}
	return h
}

// axesToTranspose converts point coordinates in place into the transposed
// Hilbert index representation.
func axesToTranspose(x []uint64, bits int) {
	n := len(x)
	m := uint64(1) << uint(bits-1)

	// Inverse undo.
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	// Gray encode.
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}
