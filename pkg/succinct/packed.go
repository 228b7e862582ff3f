package succinct

import (
	"fmt"
	"math/bits"
)

// packedBlock is the number of values sharing one bit width.
const packedBlock = 64

// PackedList is an immutable list of unsigned integers, bit-packed in blocks of
// 64 values. Each block stores its values with the width of its largest value, so
// small counters next to large ids only pay for what they use.
//
// meta[b] holds the block's starting bit offset in the upper 56 bits and its
// width in the low 8 bits.
type PackedList struct {
	n     uint64
	meta  []uint64
	words []uint64
}

// NewPackedList packs values.
func NewPackedList(values []uint64) *PackedList {
	n := uint64(len(values))
	blocks := (n + packedBlock - 1) / packedBlock
	p := &PackedList{n: n, meta: make([]uint64, blocks)}

	var total uint64
	widths := make([]uint64, blocks)
	for b := uint64(0); b < blocks; b++ {
		lo, hi := b*packedBlock, min((b+1)*packedBlock, n)
		var mx uint64
		for _, v := range values[lo:hi] {
			mx |= v
		}
		w := uint64(bits.Len64(mx))
		widths[b] = w
		p.meta[b] = total<<8 | w
		total += w * (hi - lo)
	}

	// one spare word keeps two-word reads in bounds
	p.words = make([]uint64, total/64+1)
	for b := uint64(0); b < blocks; b++ {
		w := widths[b]
		if w == 0 {
			continue
		}
		off := p.meta[b] >> 8
		lo, hi := b*packedBlock, min((b+1)*packedBlock, n)
		for _, v := range values[lo:hi] {
			writeBits(p.words, off, w, v)
			off += w
		}
	}
	return p
}

func writeBits(words []uint64, off, width, v uint64) {
	idx, sh := off/64, off%64
	words[idx] |= v << sh
	if sh+width > 64 {
		words[idx+1] |= v >> (64 - sh)
	}
}

func readBits(words []uint64, off, width uint64) uint64 {
	idx, sh := off/64, off%64
	v := words[idx] >> sh
	if sh+width > 64 {
		v |= words[idx+1] << (64 - sh)
	}
	if width < 64 {
		v &= 1<<width - 1
	}
	return v
}

// Len returns the number of values.
func (p *PackedList) Len() uint64 {
	return p.n
}

// Get returns the i-th value. i must be below Len.
func (p *PackedList) Get(i uint64) uint64 {
	m := p.meta[i/packedBlock]
	w := m & 0xff
	if w == 0 {
		return 0
	}
	return readBits(p.words, m>>8+(i%packedBlock)*w, w)
}

// AppendRange appends values [from, to) to dst.
func (p *PackedList) AppendRange(dst []uint64, from, to uint64) ([]uint64, error) {
	if from > to || to > p.n {
		return dst, fmt.Errorf("packed list: range [%d, %d) outside [0, %d)", from, to, p.n)
	}
	for i := from; i < to; i++ {
		dst = append(dst, p.Get(i))
	}
	return dst, nil
}

// SizeBytes returns the resident size of the word arrays.
func (p *PackedList) SizeBytes() uint64 {
	return uint64(len(p.meta)+len(p.words)) * 8
}

// MarshalBinary encodes the list as [n, meta, words] + meta + words.
func (p *PackedList) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 24+p.SizeBytes())
	out = appendWord(out, p.n)
	out = appendWord(out, uint64(len(p.meta)))
	out = appendWord(out, uint64(len(p.words)))
	out = appendWords(out, p.meta)
	out = appendWords(out, p.words)
	return out, nil
}

// UnmarshalPackedList views a list produced by MarshalBinary.
func UnmarshalPackedList(b []byte) (*PackedList, error) {
	r := &wordReader{b: b}
	p := &PackedList{n: r.word()}
	nm, nw := r.word(), r.word()
	p.meta = r.words(nm)
	p.words = r.words(nw)
	if r.err != nil {
		return nil, fmt.Errorf("packed list: %w", r.err)
	}
	if nm != (p.n+packedBlock-1)/packedBlock {
		return nil, fmt.Errorf("packed list: %d values need %d blocks, have %d", p.n, (p.n+packedBlock-1)/packedBlock, nm)
	}
	for b, m := range p.meta {
		w := m & 0xff
		count := min(uint64(packedBlock), p.n-uint64(b)*packedBlock)
		if w > 64 || (m>>8)+w*count > uint64(len(p.words))*64 {
			return nil, fmt.Errorf("packed list: block %d overruns %d words", b, len(p.words))
		}
	}
	return p, nil
}
