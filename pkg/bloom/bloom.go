// Package bloom encodes "peers already known" sets for provider requests.
// Both sides derive the hash count from (capacity, expected), so a filter
// can only be rebuilt from an encoding carrying the same pair.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	bbloom "github.com/bits-and-blooms/bloom/v3"
)

// DefaultCapacity is the bit-array size used for provider requests.
const DefaultCapacity = 1024

const maxHashes = 16

var ErrMalformed = errors.New("malformed bloom filter encoding")

// Filter is a bloom filter over peer ids.
type Filter struct {
	f        *bbloom.BloomFilter
	capacity uint32
	expected uint32
}

// Encoding is the transferable form of a Filter.
type Encoding struct {
	Bits     []byte
	Capacity uint32
	Expected uint32
}

// New creates an empty filter. Capacity is rounded up to a multiple of 64
// bits.
func New(capacity, expected uint32) *Filter {
	capacity = roundCapacity(capacity)
	return &Filter{
		f:        bbloom.New(uint(capacity), hashCount(capacity, expected)),
		capacity: capacity,
		expected: expected,
	}
}

// Of builds a filter sized for ids and adds all of them.
func Of(capacity uint32, ids ...string) *Filter {
	f := New(capacity, uint32(len(ids)))
	for _, id := range ids {
		f.Add(id)
	}
	return f
}

// Decode rebuilds a filter from its encoding.
func Decode(e Encoding) (*Filter, error) {
	if e.Capacity == 0 || e.Capacity%64 != 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrMalformed, e.Capacity)
	}
	if len(e.Bits) != int(e.Capacity/8) {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", ErrMalformed, len(e.Bits), e.Capacity)
	}
	words := make([]uint64, e.Capacity/64)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(e.Bits[i*8:])
	}
	return &Filter{
		f:        bbloom.From(words, hashCount(e.Capacity, e.Expected)),
		capacity: e.Capacity,
		expected: e.Expected,
	}, nil
}

// Add inserts id.
func (f *Filter) Add(id string) {
	f.f.AddString(id)
}

// Test reports whether id may be in the set.
func (f *Filter) Test(id string) bool {
	return f.f.TestString(id)
}

// Capacity returns the bit-array size.
func (f *Filter) Capacity() uint32 { return f.capacity }

// Encode returns the bit array with the parameters needed to rebuild it.
func (f *Filter) Encode() Encoding {
	words := f.f.BitSet().Bytes()
	bits := make([]byte, f.capacity/8)
	for i := 0; i < len(words) && (i+1)*8 <= len(bits); i++ {
		binary.LittleEndian.PutUint64(bits[i*8:], words[i])
	}
	return Encoding{Bits: bits, Capacity: f.capacity, Expected: f.expected}
}

func roundCapacity(capacity uint32) uint32 {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if rem := capacity % 64; rem != 0 {
		capacity += 64 - rem
	}
	return capacity
}

func hashCount(capacity, expected uint32) uint {
	if expected == 0 {
		expected = 1
	}
	k := math.Round(float64(capacity) / float64(expected) * math.Ln2)
	switch {
	case k < 1:
		return 1
	case k > maxHashes:
		return maxHashes
	default:
		return uint(k)
	}
}
