package dictionary

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
)

// computeStats decodes every record once and sums the corpus normalizers.
func (idx *Index) computeStats(ctx context.Context) (CorpusStats, error) {
	st := CorpusStats{Aliases: idx.header.Aliases}
	seen := roaring.New()

	var buf []uint64
	for slot := uint64(0); slot < idx.header.Aliases; slot++ {
		if slot%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		vals, err := idx.payload(slot, buf)
		if err != nil {
			return st, err
		}
		buf = vals
		st.AliasQueries += vals[1]
		st.AliasLinks += vals[4]
		for t := recordHeader; t < len(vals); t += 3 {
			if vals[t] >= idx.header.EntitySlots || vals[t] > math.MaxUint32 {
				return st, internalErrors.NewCorruptIndexError(slot, "entity id %d outside %d ids", vals[t], idx.header.EntitySlots)
			}
			seen.Add(uint32(vals[t]))
			st.Pairs++
		}
	}

	st.Entities = seen.GetCardinality()
	it := seen.Iterator()
	for it.HasNext() {
		e := idx.entityAt(it.Next())
		st.EntityClicks += e.ClickFreq
		st.EntityLinks += e.LinkFreq
	}
	return st, nil
}

// selfCheck decodes every slot again and compares it with the record it was
// built from, one batch per worker. Names are checked alongside.
func (idx *Index) selfCheck(ctx context.Context, workers int, records []Record, bySlot []int, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for bt := range idx.batches {
		lo := uint64(bt) * idx.header.BatchSize
		hi := min(lo+idx.header.BatchSize, idx.header.Aliases)
		g.Go(func() error {
			var buf []uint64
			for slot := lo; slot < hi; slot++ {
				if (slot-lo)%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				rec := &records[bySlot[slot]]
				if err := idx.checkSlot(slot, rec, &buf); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for id, want := range names {
			got, err := idx.names.Get(uint64(id))
			if err != nil || got != want {
				return fmt.Errorf("%w: name of entity %d decodes as %q (err %v), want %q",
					internalErrors.ErrSelfCheck, id, got, err, want)
			}
		}
		return nil
	})

	return g.Wait()
}

func (idx *Index) checkSlot(slot uint64, rec *Record, buf *[]uint64) error {
	got, ok := idx.hash.Lookup(rec.Alias)
	if !ok || got != slot {
		return fmt.Errorf("%w: alias %q hashes to slot %d (found %v), want %d",
			internalErrors.ErrSelfCheck, rec.Alias, got, ok, slot)
	}
	cs, found, err := idx.Lookup(rec.Alias)
	if err != nil {
		return fmt.Errorf("%w: alias %q: %v", internalErrors.ErrSelfCheck, rec.Alias, err)
	}
	if !found || cs.Slot != slot {
		return fmt.Errorf("%w: alias %q rejected by fingerprint", internalErrors.ErrSelfCheck, rec.Alias)
	}

	vals, err := idx.payload(slot, *buf)
	if err != nil {
		return fmt.Errorf("%w: alias %q: %v", internalErrors.ErrSelfCheck, rec.Alias, err)
	}
	*buf = vals
	if want := rec.payload(); !slices.Equal(vals, want) {
		return fmt.Errorf("%w: alias %q decodes as %v, want %v", internalErrors.ErrSelfCheck, rec.Alias, vals, want)
	}
	for i, e := range cs.Entities {
		c := rec.Candidates[i]
		if e.ClickFreq < c.ClickFreq || e.LinkFreq < c.LinkFreq || e.Type < c.Type {
			return fmt.Errorf("%w: entity %d under alias %q lost counters", internalErrors.ErrSelfCheck, e.ID, rec.Alias)
		}
	}
	return nil
}
