package hilbert

import "testing"

func TestBits(t *testing.T) {
	cases := []struct{ n, want int }{
		{1, 64}, {2, 32}, {3, 21}, {4, 16}, {8, 8},
	}
	for _, c := range cases {
		if got := Bits(c.n); got != c.want {
			t.Errorf("Bits(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestIndexBijectiveOnGrid(t *testing.T) {
	// Every cell of a 2^bits x 2^bits grid maps to a distinct index in
	// [0, 4^bits).
	const bits = 3
	const side = 1 << bits

	seen := make(map[uint64][2]uint64)
	for x := uint64(0); x < side; x++ {
		for y := uint64(0); y < side; y++ {
			h := Index([]uint64{x, y}, bits)
			if h >= side*side {
				t.Fatalf("index %d out of range for (%d,%d)", h, x, y)
			}
			if prev, dup := seen[h]; dup {
				t.Fatalf("index %d for (%d,%d) collides with %v", h, x, y, prev)
			}
			seen[h] = [2]uint64{x, y}
		}
	}
	if len(seen) != side*side {
		t.Fatalf("covered %d cells, want %d", len(seen), side*side)
	}
}

func TestIndexAdjacency(t *testing.T) {
	// Walking the curve in index order moves exactly one step in exactly one
	// dimension at a time. This is the defining locality property.
	const bits = 3
	const side = 1 << bits

	byIndex := make([][2]uint64, side*side)
	for x := uint64(0); x < side; x++ {
		for y := uint64(0); y < side; y++ {
			byIndex[Index([]uint64{x, y}, bits)] = [2]uint64{x, y}
		}
	}

	for i := 1; i < len(byIndex); i++ {
		a, b := byIndex[i-1], byIndex[i]
		dist := absDiff(a[0], b[0]) + absDiff(a[1], b[1])
		if dist != 1 {
			t.Fatalf("index %d -> %d jumps from %v to %v", i-1, i, a, b)
		}
	}
}

func TestIndexThreeDims(t *testing.T) {
	const bits = 2
	const side = 1 << bits

	seen := make(map[uint64]bool)
	var prev [3]uint64
	first := true
	order := make([][3]uint64, side*side*side)
	for x := uint64(0); x < side; x++ {
		for y := uint64(0); y < side; y++ {
			for z := uint64(0); z < side; z++ {
				h := Index([]uint64{x, y, z}, bits)
				if seen[h] {
					t.Fatalf("duplicate index %d", h)
				}
				seen[h] = true
				order[h] = [3]uint64{x, y, z}
			}
		}
	}
	for i, p := range order {
		if first {
			prev, first = p, false
			continue
		}
		d := absDiff(prev[0], p[0]) + absDiff(prev[1], p[1]) + absDiff(prev[2], p[2])
		if d != 1 {
			t.Fatalf("index %d jumps from %v to %v", i, prev, p)
		}
		prev = p
	}
}

func TestIndexOneDimIsNatural(t *testing.T) {
	for v := uint64(0); v < 64; v++ {
		if got := Index([]uint64{v}, 6); got != v {
			t.Fatalf("Index([%d]) = %d, want identity", v, got)
		}
	}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
