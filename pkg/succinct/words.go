/*
Package succinct holds the compact, read-only structures the candidate index is made of:
a rank-capable bit vector, a blocked bit-packed integer list, a roaring-backed monotone
list, a front-coded string list and a minimal perfect hash.

Every structure marshals to a little-endian byte image made of 8-byte words so that it
can be viewed in place from a read-only memory mapping. Unmarshal never copies word
arrays when the platform is little endian and the image is 8-byte aligned.
*/
package succinct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ErrShortBuffer is returned when a marshaled structure is truncated.
var ErrShortBuffer = errors.New("succinct: buffer too short")

var hostLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// wordsView returns b as a []uint64. Aligned images on little endian hosts are
// viewed in place, everything else is decoded into a fresh slice.
func wordsView(b []byte) []uint64 {
	n := len(b) / 8
	if n == 0 {
		return nil
	}
	if hostLittleEndian && uintptr(unsafe.Pointer(&b[0]))%8 == 0 {
		return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

func appendWord(dst []byte, w uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, w)
}

func appendWords(dst []byte, ws []uint64) []byte {
	for _, w := range ws {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// appendPadded appends b and pads the result to a multiple of 8 bytes.
func appendPadded(dst []byte, b []byte) []byte {
	dst = append(dst, b...)
	for len(dst)%8 != 0 {
		dst = append(dst, 0)
	}
	return dst
}

func padded(n uint64) uint64 {
	return (n + 7) &^ 7
}

// wordReader walks a marshaled image word by word.
type wordReader struct {
	b   []byte
	off uint64
	err error
}

func (r *wordReader) word() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: need word at %d, have %d bytes", ErrShortBuffer, r.off, len(r.b))
		return 0
	}
	w := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return w
}

func (r *wordReader) words(n uint64) []uint64 {
	if r.err != nil {
		return nil
	}
	size := n * 8
	if n > uint64(len(r.b)) || r.off+size > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: need %d words at %d, have %d bytes", ErrShortBuffer, n, r.off, len(r.b))
		return nil
	}
	ws := wordsView(r.b[r.off : r.off+size])
	r.off += size
	return ws
}

func (r *wordReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	size := padded(n)
	if n > uint64(len(r.b)) || r.off+size > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: need %d bytes at %d, have %d bytes", ErrShortBuffer, n, r.off, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += size
	return out
}
