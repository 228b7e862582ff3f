package succinct

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
)

const (
	// mphfGamma trades space for build speed, bits per key per level.
	mphfGamma = 2.0
	// mphfMaxLevels caps the cascade; survivors go to the fallback table.
	mphfMaxLevels = 32
)

// ErrHashCollision is returned when two distinct keys share a 64-bit hash.
var ErrHashCollision = errors.New("succinct: 64-bit hash collision")

// Hash is the base hash every key is reduced to before placement.
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// mix derives an independent hash for seed from h (splitmix64 finalizer).
func mix(h, seed uint64) uint64 {
	z := h ^ (seed+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Fingerprint returns the top width bits of a secondary hash of h. Width 0
// disables fingerprints and always yields 0.
func Fingerprint(h uint64, width uint) uint64 {
	if width == 0 {
		return 0
	}
	return mix(h, 0x5ca1ab1e) >> (64 - width)
}

// MPHF maps a fixed key set onto [0, n) with no collisions. It follows the
// BBHash construction: each level hashes the remaining keys into a bit array of
// gamma*remaining bits, keeps keys that landed alone and passes the rest down.
// Keys that never land alone are kept in a small sorted fallback table.
//
// Keys outside the build set still map somewhere; callers must verify.
type MPHF struct {
	n        uint64
	levels   []uint64 // bit offset of each level in bits, plus the end
	bits     *BitVector
	fallback []uint64
}

// BuildMPHF builds a function over keys, which must be distinct.
func BuildMPHF(keys []string) (*MPHF, error) {
	hashes := make([]uint64, len(keys))
	for i, k := range keys {
		hashes[i] = Hash(k)
	}
	return BuildMPHFFromHashes(hashes)
}

// BuildMPHFFromHashes builds a function over precomputed base hashes.
func BuildMPHFFromHashes(hashes []uint64) (*MPHF, error) {
	sorted := slices.Clone(hashes)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("%w: hash %#x", ErrHashCollision, sorted[i])
		}
	}

	m := &MPHF{n: uint64(len(hashes)), levels: []uint64{0}}
	var levelWords [][]uint64
	remaining := hashes
	var offset uint64
	for level := uint64(0); len(remaining) > 0 && level < mphfMaxLevels; level++ {
		size := uint64(math.Ceil(mphfGamma * float64(len(remaining))))
		size = max(64, (size+63)&^63)

		seen := make([]uint64, size/64)
		coll := make([]uint64, size/64)
		for _, h := range remaining {
			p := mix(h, level) % size
			if seen[p/64]&(1<<(p%64)) != 0 {
				coll[p/64] |= 1 << (p % 64)
			} else {
				seen[p/64] |= 1 << (p % 64)
			}
		}

		next := remaining[:0:0]
		for _, h := range remaining {
			p := mix(h, level) % size
			if coll[p/64]&(1<<(p%64)) != 0 {
				next = append(next, h)
			}
		}
		for i := range seen {
			seen[i] &^= coll[i]
		}
		levelWords = append(levelWords, seen)
		offset += size
		m.levels = append(m.levels, offset)
		remaining = next
	}

	m.bits = NewBitVector(offset)
	var w uint64
	for _, lw := range levelWords {
		copy(m.bits.bits[w:], lw)
		w += uint64(len(lw))
	}
	m.bits.Seal()

	m.fallback = slices.Clone(remaining)
	slices.Sort(m.fallback)
	return m, nil
}

// Len returns the size of the key set.
func (m *MPHF) Len() uint64 {
	return m.n
}

// Lookup returns the slot of key.
func (m *MPHF) Lookup(key string) (uint64, bool) {
	return m.LookupHash(Hash(key))
}

// LookupHash returns the slot for a base hash. ok is false when the hash falls
// through every level and is not in the fallback table.
func (m *MPHF) LookupHash(h uint64) (uint64, bool) {
	for level := 0; level+1 < len(m.levels); level++ {
		size := m.levels[level+1] - m.levels[level]
		pos := m.levels[level] + mix(h, uint64(level))%size
		if m.bits.Get(pos) {
			return m.bits.Rank(pos), true
		}
	}
	if i, found := slices.BinarySearch(m.fallback, h); found {
		return m.bits.Ones() + uint64(i), true
	}
	return 0, false
}

// SizeBytes returns the resident size of the function.
func (m *MPHF) SizeBytes() uint64 {
	return m.bits.SizeBytes() + uint64(len(m.levels)+len(m.fallback))*8
}

// MarshalBinary encodes [n, levels, fallback] + levels + fallback + bit vector.
func (m *MPHF) MarshalBinary() ([]byte, error) {
	bv, err := m.bits.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 24+uint64(len(m.levels)+len(m.fallback))*8+uint64(len(bv)))
	out = appendWord(out, m.n)
	out = appendWord(out, uint64(len(m.levels)))
	out = appendWord(out, uint64(len(m.fallback)))
	out = appendWords(out, m.levels)
	out = appendWords(out, m.fallback)
	return append(out, bv...), nil
}

// UnmarshalMPHF views a function produced by MarshalBinary.
func UnmarshalMPHF(b []byte) (*MPHF, error) {
	r := &wordReader{b: b}
	m := &MPHF{n: r.word()}
	nl, nf := r.word(), r.word()
	m.levels = r.words(nl)
	m.fallback = r.words(nf)
	if r.err != nil {
		return nil, fmt.Errorf("mphf: %w", r.err)
	}
	bv, err := UnmarshalBitVector(b[r.off:])
	if err != nil {
		return nil, fmt.Errorf("mphf: %w", err)
	}
	m.bits = bv
	if nl == 0 || m.levels[0] != 0 || m.levels[nl-1] != bv.Len() {
		return nil, fmt.Errorf("mphf: level table does not cover %d bits", bv.Len())
	}
	for i := 1; i < len(m.levels); i++ {
		if m.levels[i] <= m.levels[i-1] {
			return nil, fmt.Errorf("mphf: level %d is empty or out of order", i-1)
		}
	}
	if bv.Ones()+nf != m.n {
		return nil, fmt.Errorf("mphf: %d placed + %d fallback keys, want %d", bv.Ones(), nf, m.n)
	}
	return m, nil
}
