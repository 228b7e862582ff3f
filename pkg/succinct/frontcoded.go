package succinct

import (
	"encoding/binary"
	"fmt"
)

// DefaultBucketSize is the number of strings per front-coded bucket.
const DefaultBucketSize = 16

// FrontCoded is an indexed list of strings compressed with front coding. The
// first string of each bucket is stored whole, the others as the length of the
// prefix shared with their predecessor followed by the remaining suffix.
type FrontCoded struct {
	n      uint64
	bucket uint64
	starts []uint64
	data   []byte
}

// NewFrontCoded encodes strs in order. Sorted input compresses best but is not
// required.
func NewFrontCoded(strs []string, bucket int) *FrontCoded {
	if bucket <= 0 {
		bucket = DefaultBucketSize
	}
	fc := &FrontCoded{
		n:      uint64(len(strs)),
		bucket: uint64(bucket),
	}
	var prev string
	for i, s := range strs {
		if i%bucket == 0 {
			fc.starts = append(fc.starts, uint64(len(fc.data)))
			fc.data = binary.AppendUvarint(fc.data, uint64(len(s)))
			fc.data = append(fc.data, s...)
		} else {
			shared := commonPrefix(prev, s)
			fc.data = binary.AppendUvarint(fc.data, uint64(shared))
			fc.data = binary.AppendUvarint(fc.data, uint64(len(s)-shared))
			fc.data = append(fc.data, s[shared:]...)
		}
		prev = s
	}
	return fc
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Len returns the number of strings.
func (fc *FrontCoded) Len() uint64 {
	return fc.n
}

// Get decodes the i-th string.
func (fc *FrontCoded) Get(i uint64) (string, error) {
	if i >= fc.n {
		return "", fmt.Errorf("front coded: index %d outside [0, %d)", i, fc.n)
	}
	b := i / fc.bucket
	pos := fc.starts[b]
	if pos > uint64(len(fc.data)) {
		return "", fmt.Errorf("front coded: bucket %d starts past data", b)
	}
	buf := fc.data[pos:]

	l, k := binary.Uvarint(buf)
	if k <= 0 || l > uint64(len(buf)-k) {
		return "", fmt.Errorf("front coded: bad head length in bucket %d", b)
	}
	cur := append([]byte(nil), buf[k:k+int(l)]...)
	buf = buf[k+int(l):]

	for j := b * fc.bucket; j < i; j++ {
		shared, k1 := binary.Uvarint(buf)
		if k1 <= 0 {
			return "", fmt.Errorf("front coded: bad prefix length at %d", j+1)
		}
		suffix, k2 := binary.Uvarint(buf[k1:])
		if k2 <= 0 || shared > uint64(len(cur)) || suffix > uint64(len(buf)-k1-k2) {
			return "", fmt.Errorf("front coded: bad suffix at %d", j+1)
		}
		rest := buf[k1+k2:]
		cur = append(cur[:shared], rest[:suffix]...)
		buf = rest[suffix:]
	}
	return string(cur), nil
}

// SizeBytes returns the resident size of the encoded strings.
func (fc *FrontCoded) SizeBytes() uint64 {
	return uint64(len(fc.starts))*8 + uint64(len(fc.data))
}

// MarshalBinary encodes the list as [n, bucket, starts, data] + starts + padded data.
func (fc *FrontCoded) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 32+fc.SizeBytes()+8)
	out = appendWord(out, fc.n)
	out = appendWord(out, fc.bucket)
	out = appendWord(out, uint64(len(fc.starts)))
	out = appendWord(out, uint64(len(fc.data)))
	out = appendWords(out, fc.starts)
	return appendPadded(out, fc.data), nil
}

// UnmarshalFrontCoded views a list produced by MarshalBinary.
func UnmarshalFrontCoded(b []byte) (*FrontCoded, error) {
	r := &wordReader{b: b}
	fc := &FrontCoded{n: r.word(), bucket: r.word()}
	ns, nd := r.word(), r.word()
	fc.starts = r.words(ns)
	fc.data = r.bytes(nd)
	if r.err != nil {
		return nil, fmt.Errorf("front coded: %w", r.err)
	}
	if fc.bucket == 0 || ns != (fc.n+fc.bucket-1)/fc.bucket {
		return nil, fmt.Errorf("front coded: %d strings in buckets of %d need %d starts, have %d",
			fc.n, fc.bucket, (fc.n+max(fc.bucket, 1)-1)/max(fc.bucket, 1), ns)
	}
	return fc, nil
}
