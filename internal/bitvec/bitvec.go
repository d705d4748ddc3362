// Package bitvec implements the dense set of small non-negative integers
// used to allocate tunnel interface numbers: the lowest free number is
// always reused so that interface names stay stable across
// restarts. It wraps github.com/bits-and-blooms/bitset, the same bitset
// library gaissmai-bart imports directly for its own compact allocation
// bitmaps (node.go, allot_tbl.go).
package bitvec

import "github.com/bits-and-blooms/bitset"

// Set is a growable set of small non-negative integers.
type Set struct {
	bits *bitset.BitSet
}

// New returns an empty Set.
func New() *Set {
	return &Set{bits: bitset.New(64)}
}

// Set marks i as in-use.
func (s *Set) Set(i uint) {
	s.bits.Set(i)
}

// Clear marks i as free.
func (s *Set) Clear(i uint) {
	s.bits.Clear(i)
}

// Get reports whether i is currently set.
func (s *Set) Get(i uint) bool {
	return s.bits.Test(i)
}

// NextUnset returns the lowest index not currently set.
func (s *Set) NextUnset() uint {
	// BitSet doesn't expose a direct "lowest clear bit" scan, so this
	// walks NextSet looking for the first gap, same as a linear bitvec
	// scan would; tunnel counts are small enough (tens to low hundreds)
	// that this is never a hot path.
	var i uint
	for {
		next, ok := s.bits.NextSet(i)
		if !ok || next != i {
			return i
		}
		i = next + 1
	}
}

// Len reports the underlying bitset's length in bits: the initial 64,
// grown to one past the highest index ever set when that is larger.
func (s *Set) Len() uint {
	return s.bits.Len()
}
