package succinct

import (
	"fmt"
	"math/bits"
)

// wordsPerRankBlock is the rank sampling rate, 512 bits per sample.
const wordsPerRankBlock = 8

// BitVector is a fixed-length bit array. Once sealed it answers Rank in
// constant time using one cumulative count every 512 bits.
type BitVector struct {
	bits  []uint64
	n     uint64
	ranks []uint64
}

// NewBitVector allocates an all-zero vector of n bits.
func NewBitVector(n uint64) *BitVector {
	return &BitVector{
		bits: make([]uint64, (n+63)/64),
		n:    n,
	}
}

// Set turns bit i on. It must not be called after Seal.
func (bv *BitVector) Set(i uint64) {
	bv.bits[i/64] |= 1 << (i % 64)
}

// Get reports whether bit i is on. Out of range bits read as off.
func (bv *BitVector) Get(i uint64) bool {
	if i >= bv.n {
		return false
	}
	return bv.bits[i/64]&(1<<(i%64)) != 0
}

// Len returns the number of bits.
func (bv *BitVector) Len() uint64 {
	return bv.n
}

// Seal builds the rank directory.
func (bv *BitVector) Seal() {
	blocks := (len(bv.bits) + wordsPerRankBlock - 1) / wordsPerRankBlock
	bv.ranks = make([]uint64, blocks+1)
	var acc uint64
	for i, w := range bv.bits {
		if i%wordsPerRankBlock == 0 {
			bv.ranks[i/wordsPerRankBlock] = acc
		}
		acc += uint64(bits.OnesCount64(w))
	}
	bv.ranks[blocks] = acc
}

// Ones returns the total number of set bits.
func (bv *BitVector) Ones() uint64 {
	if len(bv.ranks) == 0 {
		return 0
	}
	return bv.ranks[len(bv.ranks)-1]
}

// Rank returns the number of set bits in [0, i).
func (bv *BitVector) Rank(i uint64) uint64 {
	if i >= bv.n {
		return bv.Ones()
	}
	word := i / 64
	block := word / wordsPerRankBlock
	r := bv.ranks[block]
	for w := block * wordsPerRankBlock; w < word; w++ {
		r += uint64(bits.OnesCount64(bv.bits[w]))
	}
	if rem := i % 64; rem != 0 {
		r += uint64(bits.OnesCount64(bv.bits[word] & (1<<rem - 1)))
	}
	return r
}

// SizeBytes returns the resident size of the word arrays.
func (bv *BitVector) SizeBytes() uint64 {
	return uint64(len(bv.bits)+len(bv.ranks)) * 8
}

// MarshalBinary encodes the sealed vector as [n, words, ranks] + bits + ranks.
func (bv *BitVector) MarshalBinary() ([]byte, error) {
	if bv.ranks == nil {
		bv.Seal()
	}
	out := make([]byte, 0, 24+bv.SizeBytes())
	out = appendWord(out, bv.n)
	out = appendWord(out, uint64(len(bv.bits)))
	out = appendWord(out, uint64(len(bv.ranks)))
	out = appendWords(out, bv.bits)
	out = appendWords(out, bv.ranks)
	return out, nil
}

// UnmarshalBitVector views a vector produced by MarshalBinary.
func UnmarshalBitVector(b []byte) (*BitVector, error) {
	r := &wordReader{b: b}
	bv := &BitVector{n: r.word()}
	nw, nr := r.word(), r.word()
	bv.bits = r.words(nw)
	bv.ranks = r.words(nr)
	if r.err != nil {
		return nil, fmt.Errorf("bit vector: %w", r.err)
	}
	blocks := (nw + wordsPerRankBlock - 1) / wordsPerRankBlock
	if nw != (bv.n+63)/64 || nr != blocks+1 {
		return nil, fmt.Errorf("bit vector: inconsistent sizes n=%d words=%d ranks=%d", bv.n, nw, nr)
	}
	var acc uint64
	for i, w := range bv.bits {
		if i%wordsPerRankBlock == 0 && bv.ranks[i/wordsPerRankBlock] != acc {
			return nil, fmt.Errorf("bit vector: rank sample %d is %d, want %d", i/wordsPerRankBlock, bv.ranks[i/wordsPerRankBlock], acc)
		}
		acc += uint64(bits.OnesCount64(w))
	}
	if bv.ranks[blocks] != acc {
		return nil, fmt.Errorf("bit vector: total rank is %d, want %d", bv.ranks[blocks], acc)
	}
	return bv, nil
}
