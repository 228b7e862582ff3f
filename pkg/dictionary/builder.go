package dictionary

import (
	"bufio"
	"bytes"
	"context"
	"encoding"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tchap/go-patricia/v2/patricia"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/internal/logger"
	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/succinct"
)

// DefaultBatchSize is the number of aliases sharing one offset and value list.
const DefaultBatchSize = 10_000_000

// maxLineSize bounds a single alias line; popular aliases carry thousands of candidates.
const maxLineSize = 64 << 20

// BuildOptions controls pruning and layout of a new index.
type BuildOptions struct {
	MinLinkCount    uint64
	MinQueryCount   uint64
	BatchSize       uint64
	FingerprintBits uint
	NameBucket      int
	Verify          bool
	Workers         int
	NameCache       int
}

// DefaultBuildOptions returns the options used when none are configured.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		MinLinkCount:    1,
		MinQueryCount:   1,
		BatchSize:       DefaultBatchSize,
		FingerprintBits: 16,
		NameBucket:      succinct.DefaultBucketSize,
		Verify:          true,
		Workers:         runtime.NumCPU(),
		NameCache:       4096,
	}
}

// Builder accumulates alias records and entity names, then compresses them
// into an Index. Aliases are normalized on the way in and records whose
// normalized aliases collide are merged.
type Builder struct {
	opts    BuildOptions
	aliases *patricia.Trie
	records []Record
	names   map[uint32]string
	skipped int
	merged  int
	log     *log.Logger
}

// NewBuilder creates an empty builder.
func NewBuilder(opts BuildOptions) *Builder {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.NameBucket <= 0 {
		opts.NameBucket = succinct.DefaultBucketSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Builder{
		opts:    opts,
		aliases: patricia.NewTrie(),
		names:   make(map[uint32]string),
		log:     logger.New("build"),
	}
}

// Add normalizes rec's alias and stores it, merging with an earlier record
// that normalizes to the same text.
func (b *Builder) Add(rec Record) error {
	alias := utils.NormalizeAlias(rec.Alias)
	if alias == "" {
		return fmt.Errorf("%w: alias %q has no word characters", internalErrors.ErrInvalidInput, rec.Alias)
	}
	rec.Alias = alias
	rec.Candidates = mergeCandidates(nil, rec.Candidates)

	if b.aliases.Insert(patricia.Prefix(alias), len(b.records)) {
		b.records = append(b.records, rec)
		return nil
	}
	i := b.aliases.Get(patricia.Prefix(alias)).(int)
	mergeRecord(&b.records[i], rec)
	b.merged++
	return nil
}

// mergeRecord folds src into dst. Alias aggregates and per-alias counters add
// up, entity level counters keep the larger value.
func mergeRecord(dst *Record, src Record) {
	dst.QueryFreq += src.QueryFreq
	dst.QueryTotal += src.QueryTotal
	dst.QueryClicked += src.QueryClicked
	dst.MentionFreq += src.MentionFreq
	dst.MentionTotal += src.MentionTotal
	dst.LinkFreq += src.LinkFreq
	dst.LinkTotal += src.LinkTotal
	dst.Candidates = mergeCandidates(dst.Candidates, src.Candidates)
}

func mergeCandidates(dst, src []Entity) []Entity {
	pos := make(map[uint32]int, len(dst)+len(src))
	for i, e := range dst {
		pos[e.ID] = i
	}
	for _, e := range src {
		i, ok := pos[e.ID]
		if !ok {
			pos[e.ID] = len(dst)
			dst = append(dst, e)
			continue
		}
		d := &dst[i]
		d.QueryClicks += e.QueryClicks
		d.LinkCount += e.LinkCount
		d.MentionCount += e.MentionCount
		d.ClickFreq = max(d.ClickFreq, e.ClickFreq)
		d.LinkFreq = max(d.LinkFreq, e.LinkFreq)
		d.MentionFreq = max(d.MentionFreq, e.MentionFreq)
	}
	return dst
}

// ReadAliases parses build input from r. Malformed lines are logged and skipped.
func (b *Builder) ReadAliases(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecord(line, lineNo)
		if err == nil {
			err = b.Add(rec)
		}
		if err != nil {
			b.log.Warnf("Skipping line %d: %v", lineNo, err)
			b.skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read aliases at line %d: %w", lineNo+1, err)
	}
	b.log.Debugf("Read %d lines: %d aliases, %d merged, %d skipped", lineNo, len(b.records), b.merged, b.skipped)
	return nil
}

// ReadNames parses `id<TAB>name` lines from r. Malformed lines are logged and skipped.
func (b *Builder) ReadNames(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		id, name, err := ParseNameLine(scanner.Text(), lineNo)
		if err != nil {
			b.log.Warnf("Skipping name line %d: %v", lineNo, err)
			b.skipped++
			continue
		}
		b.names[id] = name
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read names at line %d: %w", lineNo+1, err)
	}
	return nil
}

// SetName records the display name of id.
func (b *Builder) SetName(id uint32, name string) {
	b.names[id] = name
}

// Skipped returns the number of input lines that were dropped.
func (b *Builder) Skipped() int {
	return b.skipped
}

// prune keeps the top candidate by query clicks plus every other candidate
// meeting either minimum, then orders them by query clicks, link count and id.
func (b *Builder) prune(rec *Record) error {
	if len(rec.Candidates) == 0 {
		return internalErrors.NewEmptyCandidatesError(rec.Alias)
	}
	top := 0
	for i, c := range rec.Candidates {
		if c.QueryClicks > rec.Candidates[top].QueryClicks {
			top = i
		}
	}
	kept := rec.Candidates[:0:0]
	for i, c := range rec.Candidates {
		if i == top || c.LinkCount >= b.opts.MinLinkCount || c.QueryClicks >= b.opts.MinQueryCount {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].QueryClicks != kept[j].QueryClicks {
			return kept[i].QueryClicks > kept[j].QueryClicks
		}
		if kept[i].LinkCount != kept[j].LinkCount {
			return kept[i].LinkCount > kept[j].LinkCount
		}
		return kept[i].ID < kept[j].ID
	})
	rec.Candidates = kept
	return nil
}

// Build prunes, compresses and self-checks every record added so far.
func (b *Builder) Build(ctx context.Context) (*Index, error) {
	start := time.Now()
	n := len(b.records)
	if n == 0 {
		return nil, fmt.Errorf("%w: no aliases to index", internalErrors.ErrInvalidInput)
	}
	if b.opts.FingerprintBits > 64 {
		return nil, fmt.Errorf("%w: fingerprint width %d exceeds 64 bits", internalErrors.ErrInvalidInput, b.opts.FingerprintBits)
	}

	var maxID uint32
	for i := range b.records {
		if err := b.prune(&b.records[i]); err != nil {
			return nil, err
		}
		for _, c := range b.records[i].Candidates {
			maxID = max(maxID, c.ID)
		}
	}

	hashes := make([]uint64, n)
	for i := range b.records {
		hashes[i] = succinct.Hash(b.records[i].Alias)
	}
	mph, err := succinct.BuildMPHFFromHashes(hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to build alias hash: %w", err)
	}
	bySlot := make([]int, n)
	for i, h := range hashes {
		slot, ok := mph.LookupHash(h)
		if !ok {
			return nil, fmt.Errorf("alias hash lost key %q", b.records[i].Alias)
		}
		bySlot[slot] = i
	}

	var order []string
	sections := make(map[string][]byte)
	add := func(name string, m encoding.BinaryMarshaler) error {
		data, err := m.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode section %s: %w", name, err)
		}
		order = append(order, name)
		sections[name] = data
		return nil
	}

	if err := add(sectionMPHF, mph); err != nil {
		return nil, err
	}
	if bits := b.opts.FingerprintBits; bits > 0 {
		prints := make([]uint64, n)
		for slot, i := range bySlot {
			prints[slot] = succinct.Fingerprint(hashes[i], bits)
		}
		if err := add(sectionFingerprints, succinct.NewPackedList(prints)); err != nil {
			return nil, err
		}
	}

	bs := b.opts.BatchSize
	batches := int((uint64(n) + bs - 1) / bs)
	for bt := 0; bt < batches; bt++ {
		lo := uint64(bt) * bs
		hi := min(lo+bs, uint64(n))
		offsets := make([]uint64, 1, hi-lo+1)
		var values []uint64
		for slot := lo; slot < hi; slot++ {
			values = append(values, b.records[bySlot[slot]].payload()...)
			if uint64(len(values)) > math.MaxUint32 {
				return nil, fmt.Errorf("%w: batch %d holds more than 2^32-1 values", internalErrors.ErrInvalidInput, bt)
			}
			offsets = append(offsets, uint64(len(values)))
		}
		ol, err := succinct.NewMonotoneList(offsets)
		if err != nil {
			return nil, fmt.Errorf("batch %d offsets: %w", bt, err)
		}
		if err := add(batchOffsetsSection(bt), ol); err != nil {
			return nil, err
		}
		if err := add(batchValuesSection(bt), succinct.NewPackedList(values)); err != nil {
			return nil, err
		}
	}

	slots := uint64(maxID) + 1
	ents := make([]uint64, slots*entityStride)
	for _, rec := range b.records {
		for _, c := range rec.Candidates {
			base := uint64(c.ID) * entityStride
			ents[base] = max(ents[base], c.ClickFreq)
			ents[base+1] = max(ents[base+1], c.LinkFreq)
			ents[base+2] = max(ents[base+2], uint64(c.Type))
		}
	}
	if err := add(sectionEntities, succinct.NewPackedList(ents)); err != nil {
		return nil, err
	}

	names := make([]string, slots)
	dropped := 0
	for id, name := range b.names {
		if uint64(id) >= slots {
			dropped++
			continue
		}
		names[id] = name
	}
	if dropped > 0 {
		b.log.Debugf("Dropped %d names of entities that are no alias candidate", dropped)
	}
	if err := add(sectionNames, succinct.NewFrontCoded(names, b.opts.NameBucket)); err != nil {
		return nil, err
	}

	header := Header{
		BatchSize:       bs,
		Aliases:         uint64(n),
		EntitySlots:     slots,
		FingerprintBits: b.opts.FingerprintBits,
		Batches:         batches,
	}
	var buf bytes.Buffer
	if _, err := writeImage(&buf, header, order, sections); err != nil {
		return nil, err
	}
	idx, err := FromBytes(buf.Bytes(), b.opts.NameCache)
	if err != nil {
		return nil, fmt.Errorf("failed to reload built index: %w", err)
	}

	stats, err := idx.computeStats(ctx)
	if err != nil {
		return nil, err
	}
	idx.header.Stats = stats

	if b.opts.Verify {
		if err := idx.selfCheck(ctx, b.opts.Workers, b.records, bySlot, names); err != nil {
			return nil, err
		}
	}

	b.log.Infof("Built index: %d aliases, %d entities, %d pairs in %d batches (%v)",
		stats.Aliases, stats.Entities, stats.Pairs, batches, time.Since(start).Round(time.Millisecond))
	return idx, nil
}

// BuildFile reads the alias file and the optional names file, builds the index
// and writes it to outPath.
func BuildFile(ctx context.Context, opts BuildOptions, aliasesPath, namesPath, outPath string) (*Index, error) {
	b := NewBuilder(opts)

	f, err := os.Open(aliasesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open aliases %s: %w", aliasesPath, err)
	}
	err = b.ReadAliases(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	if namesPath != "" {
		f, err := os.Open(namesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open names %s: %w", namesPath, err)
		}
		err = b.ReadNames(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	idx, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := idx.WriteFile(outPath); err != nil {
		return nil, err
	}
	return idx, nil
}
