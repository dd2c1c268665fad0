// Package bitset provides fixed-width and growable bit sets with scan-forward iteration,
// used for dirty and assigned slot tracking.
package bitset

import "math/bits"

// Set32 is a 32-bit set, indexed from the least significant bit
type Set32 uint32

func (s Set32) Has(i int) bool { return s&(1<<uint(i)) != 0 }

func (s *Set32) Set(i int) { *s |= 1 << uint(i) }

func (s *Set32) Clear(i int) { *s &^= 1 << uint(i) }

func (s Set32) Empty() bool { return s == 0 }

func (s Set32) Count() int { return bits.OnesCount32(uint32(s)) }

// Lowest returns the index of the lowest set bit, or -1 if the set is empty
func (s Set32) Lowest() int {
	if s == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(s))
}

// Highest returns the index of the highest set bit, or -1 if the set is empty
func (s Set32) Highest() int {
	return 31 - bits.LeadingZeros32(uint32(s))
}

// ForEach calls fn for every set bit in ascending order
func (s Set32) ForEach(fn func(i int)) {
	for s != 0 {
		i := bits.TrailingZeros32(uint32(s))
		s &^= 1 << uint(i)
		fn(i)
	}
}

// Set64 is a 64-bit set, indexed from the least significant bit
type Set64 uint64

func (s Set64) Has(i int) bool { return s&(1<<uint(i)) != 0 }

func (s *Set64) Set(i int) { *s |= 1 << uint(i) }

func (s Set64) Empty() bool { return s == 0 }

// Highest returns the index of the highest set bit, or -1 if the set is empty
func (s Set64) Highest() int {
	return 63 - bits.LeadingZeros64(uint64(s))
}

// Range returns a set with bits [offset, offset+count) set. count must not exceed 64.
func Range64(offset, count int) Set64 {
	if count <= 0 {
		return 0
	}
	if count >= 64 {
		return ^Set64(0) << uint(offset)
	}
	return Set64((uint64(1)<<uint(count))-1) << uint(offset)
}

// Runs calls fn for each maximal run of consecutive set bits in ascending order, passing the
// index of the first bit and the run length
func (s Set64) Runs(fn func(start, length int)) {
	for s != 0 {
		start := bits.TrailingZeros64(uint64(s))
		length := bits.TrailingZeros64(^(uint64(s) >> uint(start)))
		if start+length >= 64 {
			length = 64 - start
			fn(start, length)
			return
		}
		s &^= Range64(start, length)
		fn(start, length)
	}
}

// Bits is a growable bit set
type Bits struct {
	words []uint64
}

// NewBits returns a set able to hold size bits without growing
func NewBits(size int) Bits {
	return Bits{words: make([]uint64, (size+63)/64)}
}

func (b *Bits) grow(i int) {
	need := i/64 + 1
	if need > len(b.words) {
		words := make([]uint64, need)
		copy(words, b.words)
		b.words = words
	}
}

func (b *Bits) Set(i int) {
	b.grow(i)
	b.words[i/64] |= 1 << uint(i%64)
}

func (b *Bits) Clear(i int) {
	if i/64 < len(b.words) {
		b.words[i/64] &^= 1 << uint(i%64)
	}
}

func (b *Bits) Has(i int) bool {
	if i/64 >= len(b.words) {
		return false
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

func (b *Bits) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *Bits) Count() int {
	count := 0
	for _, w := range b.words {
		count += bits.OnesCount64(w)
	}
	return count
}

func (b *Bits) Empty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Runs calls fn for each maximal run of consecutive set bits in ascending order
func (b *Bits) Runs(fn func(start, length int)) {
	start := -1
	total := len(b.words) * 64
	for i := 0; i < total; i++ {
		if b.Has(i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			fn(start, i-start)
			start = -1
		}
	}
	if start >= 0 {
		fn(start, total-start)
	}
}
