package succinct

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// MonotoneList stores a strictly increasing sequence of 32-bit offsets as a
// roaring bitmap and reads the i-th element with Select.
type MonotoneList struct {
	rb *roaring.Bitmap
	n  uint64
}

// NewMonotoneList builds a list from strictly increasing values.
func NewMonotoneList(values []uint64) (*MonotoneList, error) {
	rb := roaring.New()
	for i, v := range values {
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("monotone list: value %d at %d does not fit 32 bits", v, i)
		}
		if i > 0 && v <= values[i-1] {
			return nil, fmt.Errorf("monotone list: value %d at %d is not above %d", v, i, values[i-1])
		}
		rb.Add(uint32(v))
	}
	rb.RunOptimize()
	return &MonotoneList{rb: rb, n: uint64(len(values))}, nil
}

// Len returns the number of elements.
func (m *MonotoneList) Len() uint64 {
	return m.n
}

// Get returns the i-th smallest element.
func (m *MonotoneList) Get(i uint64) (uint64, error) {
	if i >= m.n {
		return 0, fmt.Errorf("monotone list: index %d outside [0, %d)", i, m.n)
	}
	v, err := m.rb.Select(uint32(i))
	if err != nil {
		return 0, fmt.Errorf("monotone list: select %d: %w", i, err)
	}
	return uint64(v), nil
}

// SizeBytes returns the serialized bitmap size.
func (m *MonotoneList) SizeBytes() uint64 {
	return m.rb.GetSerializedSizeInBytes()
}

// MarshalBinary encodes the list as [n, bitmap bytes] + padded bitmap.
func (m *MonotoneList) MarshalBinary() ([]byte, error) {
	raw, err := m.rb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("monotone list: %w", err)
	}
	out := make([]byte, 0, 16+padded(uint64(len(raw))))
	out = appendWord(out, m.n)
	out = appendWord(out, uint64(len(raw)))
	return appendPadded(out, raw), nil
}

// UnmarshalMonotoneList views a list produced by MarshalBinary. The bitmap keeps
// referencing b, which must stay valid and unmodified.
func UnmarshalMonotoneList(b []byte) (*MonotoneList, error) {
	r := &wordReader{b: b}
	n := r.word()
	raw := r.bytes(r.word())
	if r.err != nil {
		return nil, fmt.Errorf("monotone list: %w", r.err)
	}
	rb := roaring.New()
	if _, err := rb.FromBuffer(raw); err != nil {
		return nil, fmt.Errorf("monotone list: %w", err)
	}
	if rb.GetCardinality() != n {
		return nil, fmt.Errorf("monotone list: header says %d values, bitmap holds %d", n, rb.GetCardinality())
	}
	return &MonotoneList{rb: rb, n: n}, nil
}
