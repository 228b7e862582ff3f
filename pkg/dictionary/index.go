package dictionary

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/edsrzf/mmap-go"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/succinct"
)

// entityStride is the width of one entity in the flat array: QEF, LET, type.
const entityStride = 3

// batch owns the offset and value lists for BatchSize consecutive slots.
type batch struct {
	offsets *succinct.MonotoneList
	values  *succinct.PackedList
}

// Index is a loaded, read-only candidate index. It is safe for concurrent use.
type Index struct {
	header   Header
	hash     *succinct.MPHF
	prints   *succinct.PackedList
	batches  []batch
	entities *succinct.PackedList
	names    *succinct.FrontCoded
	cache    *NameCache

	order    []string
	sections map[string][]byte
	mapped   mmap.MMap
}

// Open maps an index file read-only and views its structures in place.
func Open(path string, nameCache int) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index %s: %w", path, err)
	}
	if info.Size() < preambleSize {
		return nil, fmt.Errorf("%w: %s is only %d bytes", internalErrors.ErrCorruptIndex, path, info.Size())
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map index %s: %w", path, err)
	}
	idx, err := FromBytes(m, nameCache)
	if err != nil {
		m.Unmap()
		return nil, fmt.Errorf("failed to load index %s: %w", path, err)
	}
	idx.mapped = m
	log.Debugf("Mapped index %s: %d aliases, %d batches, %d bytes",
		path, idx.header.Aliases, len(idx.batches), info.Size())
	return idx, nil
}

// FromBytes views an index image held in memory. b must outlive the Index.
func FromBytes(b []byte, nameCache int) (*Index, error) {
	h, sections, err := readImage(b)
	if err != nil {
		return nil, err
	}
	if h.BatchSize == 0 {
		return nil, fmt.Errorf("%w: batch size is zero", internalErrors.ErrCorruptIndex)
	}
	if h.FingerprintBits > 64 {
		return nil, fmt.Errorf("%w: fingerprint width %d", internalErrors.ErrCorruptIndex, h.FingerprintBits)
	}

	idx := &Index{
		header:   h,
		sections: sections,
		cache:    NewNameCache(nameCache),
	}
	for _, s := range h.Sections {
		idx.order = append(idx.order, s.Name)
	}

	section := func(name string) ([]byte, error) {
		data, ok := sections[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing section %s", internalErrors.ErrCorruptIndex, name)
		}
		return data, nil
	}
	corrupt := func(name string, err error) error {
		return fmt.Errorf("%w: section %s: %v", internalErrors.ErrCorruptIndex, name, err)
	}

	data, err := section(sectionMPHF)
	if err != nil {
		return nil, err
	}
	if idx.hash, err = succinct.UnmarshalMPHF(data); err != nil {
		return nil, corrupt(sectionMPHF, err)
	}
	if idx.hash.Len() != h.Aliases {
		return nil, fmt.Errorf("%w: hash covers %d aliases, header says %d", internalErrors.ErrCorruptIndex, idx.hash.Len(), h.Aliases)
	}

	if h.FingerprintBits > 0 {
		if data, err = section(sectionFingerprints); err != nil {
			return nil, err
		}
		if idx.prints, err = succinct.UnmarshalPackedList(data); err != nil {
			return nil, corrupt(sectionFingerprints, err)
		}
		if idx.prints.Len() != h.Aliases {
			return nil, fmt.Errorf("%w: %d fingerprints for %d aliases", internalErrors.ErrCorruptIndex, idx.prints.Len(), h.Aliases)
		}
	}

	want := int((h.Aliases + h.BatchSize - 1) / h.BatchSize)
	if h.Batches != want {
		return nil, fmt.Errorf("%w: %d batches, %d aliases need %d", internalErrors.ErrCorruptIndex, h.Batches, h.Aliases, want)
	}
	idx.batches = make([]batch, h.Batches)
	for b := range idx.batches {
		name := batchOffsetsSection(b)
		if data, err = section(name); err != nil {
			return nil, err
		}
		if idx.batches[b].offsets, err = succinct.UnmarshalMonotoneList(data); err != nil {
			return nil, corrupt(name, err)
		}
		name = batchValuesSection(b)
		if data, err = section(name); err != nil {
			return nil, err
		}
		if idx.batches[b].values, err = succinct.UnmarshalPackedList(data); err != nil {
			return nil, corrupt(name, err)
		}
	}

	if data, err = section(sectionEntities); err != nil {
		return nil, err
	}
	if idx.entities, err = succinct.UnmarshalPackedList(data); err != nil {
		return nil, corrupt(sectionEntities, err)
	}
	if idx.entities.Len() != h.EntitySlots*entityStride {
		return nil, fmt.Errorf("%w: entity array holds %d values for %d ids", internalErrors.ErrCorruptIndex, idx.entities.Len(), h.EntitySlots)
	}

	if data, err = section(sectionNames); err != nil {
		return nil, err
	}
	if idx.names, err = succinct.UnmarshalFrontCoded(data); err != nil {
		return nil, corrupt(sectionNames, err)
	}
	return idx, nil
}

// Lookup decodes the candidate set stored for alias, which must already be
// normalized. A miss returns (nil, false, nil).
//
// Strings that were not part of the build can still hash into a valid slot.
// The fingerprint check rejects most of them, the rest decode as the record of
// whichever alias owns that slot.
func (idx *Index) Lookup(alias string) (*CandidateSet, bool, error) {
	h := succinct.Hash(alias)
	slot, ok := idx.hash.LookupHash(h)
	if !ok {
		return nil, false, nil
	}
	if idx.prints != nil && idx.prints.Get(slot) != succinct.Fingerprint(h, idx.header.FingerprintBits) {
		return nil, false, nil
	}
	cs, err := idx.decode(slot)
	if err != nil {
		return nil, false, fmt.Errorf("lookup %q: %w", alias, err)
	}
	return cs, true, nil
}

// payload returns the raw integer record stored at slot.
func (idx *Index) payload(slot uint64, buf []uint64) ([]uint64, error) {
	if slot >= idx.header.Aliases {
		return nil, internalErrors.NewCorruptIndexError(slot, "slot outside %d aliases", idx.header.Aliases)
	}
	b := slot / idx.header.BatchSize
	local := slot % idx.header.BatchSize
	if b >= uint64(len(idx.batches)) {
		return nil, internalErrors.NewCorruptIndexError(slot, "batch %d missing", b)
	}
	bt := idx.batches[b]

	lo, err := bt.offsets.Get(local)
	if err != nil {
		return nil, internalErrors.NewCorruptIndexError(slot, "start offset: %v", err)
	}
	hi, err := bt.offsets.Get(local + 1)
	if err != nil {
		return nil, internalErrors.NewCorruptIndexError(slot, "end offset: %v", err)
	}
	n := hi - lo
	if hi <= lo || n < recordHeader+3 || (n-recordHeader)%3 != 0 {
		return nil, internalErrors.NewCorruptIndexError(slot, "payload [%d, %d) is not 5 aggregates plus whole triples", lo, hi)
	}
	vals, err := bt.values.AppendRange(buf[:0], lo, hi)
	if err != nil {
		return nil, internalErrors.NewCorruptIndexError(slot, "%v", err)
	}
	return vals, nil
}

func (idx *Index) decode(slot uint64) (*CandidateSet, error) {
	vals, err := idx.payload(slot, nil)
	if err != nil {
		return nil, err
	}
	cs := &CandidateSet{
		Slot:         slot,
		QueryFreq:    vals[0],
		QueryTotal:   vals[1],
		QueryClicked: vals[2],
		LinkFreq:     vals[3],
		LinkTotal:    vals[4],
		Entities:     make([]Entity, 0, (len(vals)-recordHeader)/3),
	}
	for t := recordHeader; t < len(vals); t += 3 {
		id := vals[t]
		if id >= idx.header.EntitySlots {
			return nil, internalErrors.NewCorruptIndexError(slot, "entity id %d outside %d ids", id, idx.header.EntitySlots)
		}
		e := idx.entityAt(uint32(id))
		e.LinkCount = vals[t+1]
		e.QueryClicks = vals[t+2]
		cs.Entities = append(cs.Entities, e)
	}
	return cs, nil
}

func (idx *Index) entityAt(id uint32) Entity {
	base := uint64(id) * entityStride
	return Entity{
		ID:        id,
		ClickFreq: idx.entities.Get(base),
		LinkFreq:  idx.entities.Get(base + 1),
		Type:      uint32(idx.entities.Get(base + 2)),
	}
}

// Entity returns the entity level fields of id. Alias level counters are zero.
func (idx *Index) Entity(id uint32) (Entity, error) {
	if uint64(id) >= idx.header.EntitySlots {
		return Entity{}, internalErrors.NewEntityNotFoundError(id)
	}
	return idx.entityAt(id), nil
}

// EntityName returns the display name of id, or "" when none was supplied.
func (idx *Index) EntityName(id uint32) (string, error) {
	if name, ok := idx.cache.Get(id); ok {
		return name, nil
	}
	if uint64(id) >= idx.names.Len() {
		return "", internalErrors.NewEntityNotFoundError(id)
	}
	name, err := idx.names.Get(uint64(id))
	if err != nil {
		return "", fmt.Errorf("%w: name %d: %v", internalErrors.ErrCorruptIndex, id, err)
	}
	idx.cache.Put(id, name)
	return name, nil
}

// Stats returns the corpus statistics stored in the header.
func (idx *Index) Stats() CorpusStats {
	return idx.header.Stats
}

// Header returns a copy of the index header.
func (idx *Index) Header() Header {
	h := idx.header
	h.Sections = append([]Section(nil), idx.header.Sections...)
	return h
}

// Info describes an index for diagnostics.
type Info struct {
	Header    Header            `json:"header"`
	Sizes     map[string]uint64 `json:"sizes"`
	TotalSize uint64            `json:"total_size"`
	Mapped    bool              `json:"mapped"`
	NameCache map[string]int    `json:"name_cache"`
}

// Info reports the header and the byte size of each section.
func (idx *Index) Info() Info {
	info := Info{
		Header:    idx.Header(),
		Sizes:     make(map[string]uint64, len(idx.sections)),
		Mapped:    idx.mapped != nil,
		NameCache: idx.cache.Stats(),
	}
	for _, s := range idx.header.Sections {
		info.Sizes[s.Name] = s.Length
		info.TotalSize += s.Length
	}
	return info
}

// WriteTo writes the index image to w.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	return writeImage(w, idx.header, idx.order, idx.sections)
}

// WriteFile writes the index to path atomically through a temporary file.
func (idx *Index) WriteFile(path string) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := idx.WriteTo(w)
		return err
	})
}

// Close releases the file mapping, if any. The Index must not be used after.
func (idx *Index) Close() error {
	if idx.mapped == nil {
		return nil
	}
	err := idx.mapped.Unmap()
	idx.mapped = nil
	return err
}
