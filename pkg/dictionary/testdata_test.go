package dictionary

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const abedinLine = "abedin\x015\x0120\x013\x010\x010\x0110\x0150\x012" +
	"\t1001\x017\x015\x013\x010\x010\x018\x014" +
	"\t1002\x019\x011\x010\x010\x010\x012\x011"

const humaLine = "Huma Abedin\x011\x017\x011\x010\x010\x012\x013\x011" +
	"\t1001\x017\x015\x016\x010\x010\x018\x012"

// testOptions keeps batches tiny so tests cross batch boundaries.
func testOptions() BuildOptions {
	opts := DefaultBuildOptions()
	opts.BatchSize = 3
	opts.Workers = 2
	opts.NameCache = 8
	return opts
}

func buildFromLines(t *testing.T, opts BuildOptions, names map[uint32]string, lines ...string) *Index {
	t.Helper()
	b := NewBuilder(opts)
	require.NoError(t, b.ReadAliases(strings.NewReader(strings.Join(lines, "\n"))))
	for id, name := range names {
		b.SetName(id, name)
	}
	idx, err := b.Build(context.Background())
	require.NoError(t, err)
	return idx
}

// randomRecords generates n records with distinct aliases and no duplicate
// candidate ids inside a record.
func randomRecords(rng *rand.Rand, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		rec := Record{
			Alias:        fmt.Sprintf("alias %d", i),
			QueryFreq:    uint64(rng.Intn(1000)),
			QueryTotal:   uint64(rng.Intn(100000)),
			QueryClicked: uint64(rng.Intn(1000)),
			LinkFreq:     uint64(rng.Intn(1000)),
			LinkTotal:    uint64(rng.Intn(1 << 40)),
		}
		ids := rng.Perm(200)[:1+rng.Intn(6)]
		for _, id := range ids {
			rec.Candidates = append(rec.Candidates, Entity{
				ID:          uint32(id),
				Type:        uint32(id % 5),
				ClickFreq:   uint64(id * 10),
				QueryClicks: uint64(rng.Intn(50)),
				LinkFreq:    uint64(id * 3),
				LinkCount:   uint64(rng.Intn(50)),
			})
		}
		records[i] = rec
	}
	return records
}
