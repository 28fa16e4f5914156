// Package liveset implements the bounded live-address set used to pair
// deallocation events with the allocation samples that produced them.
package liveset

import "github.com/DataDog/go-alloctracker/internal/bitset"

// overcommitFactor sizes the backing bitset larger than kMaxTracked to keep
// the probability of an address-hash collision low, the way the original
// tracker over-sizes its bitset relative to the number of addresses it
// actually intends to hold.
const overcommitFactor = 16

// Set is a fixed-capacity, probabilistic set of live allocation addresses.
// Its backing bitset never grows: every address hashes into a fixed range of
// maxCount*overcommitFactor bits. Set does not enforce maxCount itself;
// Tracker.TrackAlloc clears it once Count exceeds MaxCount.
type Set struct {
	bits     *bitset.BitSet
	maxBits  uint
	count    int
	maxCount int
}

// New returns a Set that holds at most maxCount live addresses before the
// caller must Clear it.
func New(maxCount int) *Set {
	maxBits := uint(maxCount) * overcommitFactor
	return &Set{
		bits:     bitset.New(maxBits),
		maxBits:  maxBits,
		maxCount: maxCount,
	}
}

// hash folds an address down into the bitset's index space.
func (s *Set) hash(addr uint64) uint {
	// fibonacci hashing: spreads sequential allocator addresses (which
	// differ mostly in low bits) across the full bitset range.
	const golden = 0x9E3779B97F4A7C15
	h := addr * golden
	return uint(h % uint64(s.maxBits))
}

// Add inserts addr and reports whether it was newly inserted (false means
// addr already collided with, or truly was, a tracked address).
func (s *Set) Add(addr uint64) (inserted bool) {
	idx := s.hash(addr)
	if s.bits.Contains(idx) {
		return false
	}
	s.bits.Add(idx)
	s.count++
	return true
}

// Remove clears addr's hash slot and reports whether it had been present.
// hash(addr) is deterministic, so the slot it maps to is the same one Add
// set and can be cleared outright; two different addresses hashing to the
// same slot remains the accepted collision cost (a false collision merely
// suppresses one dealloc-pairing, never produces an incorrect one).
func (s *Set) Remove(addr uint64) (present bool) {
	idx := s.hash(addr)
	if s.bits.Remove(idx) {
		s.count--
		return true
	}
	return false
}

// Count returns the number of addresses inserted since the last Clear, minus
// those removed since then.
func (s *Set) Count() int {
	return s.count
}

// MaxCount returns the configured bound at which the caller must Clear.
func (s *Set) MaxCount() int {
	return s.maxCount
}

// Clear resets the set to empty.
func (s *Set) Clear() {
	s.bits = bitset.New(s.maxBits)
	s.count = 0
}
