package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/rank"
)

// fakeIndex serves hand-made candidate sets and counts lookups.
type fakeIndex struct {
	sets    map[string]*dictionary.CandidateSet
	names   map[uint32]string
	lookups map[string]int
	fail    string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		sets:    map[string]*dictionary.CandidateSet{},
		names:   map[uint32]string{},
		lookups: map[string]int{},
	}
}

func (f *fakeIndex) add(alias string, ids ...uint32) {
	cs := &dictionary.CandidateSet{Slot: uint64(len(f.sets))}
	for _, id := range ids {
		cs.Entities = append(cs.Entities, dictionary.Entity{ID: id})
	}
	f.sets[alias] = cs
}

func (f *fakeIndex) Lookup(alias string) (*dictionary.CandidateSet, bool, error) {
	f.lookups[alias]++
	if alias == f.fail {
		return nil, false, internalErrors.NewCorruptIndexError(0, "broken record")
	}
	cs, ok := f.sets[alias]
	return cs, ok, nil
}

func (f *fakeIndex) EntityName(id uint32) (string, error) {
	if name, ok := f.names[id]; ok {
		return name, nil
	}
	return "", internalErrors.NewEntityNotFoundError(id)
}

// fakeModel scores entities from a fixed table.
type fakeModel struct {
	scores     map[uint32]float64
	contextual bool
	ranks      int
}

func (m *fakeModel) UsesContext() bool { return m.contextual }

func (m *fakeModel) Score(e *dictionary.Entity, _ *dictionary.CandidateSet, _ rank.Context) float64 {
	return m.scores[e.ID]
}

func (m *fakeModel) Rank(cs *dictionary.CandidateSet, ctx rank.Context, k int) []rank.Scored {
	m.ranks++
	out := make([]rank.Scored, 0, len(cs.Entities))
	for i := range cs.Entities {
		out = append(out, rank.Scored{Entity: cs.Entities[i], Score: m.Score(&cs.Entities[i], cs, ctx)})
	}
	rank.SortScored(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func totalScore(parts []Segment) float64 {
	var sum float64
	for _, p := range parts {
		sum += p.Score
	}
	return sum
}

func checkPartition(t *testing.T, query string, parts []Segment, tokens int) {
	t.Helper()
	next := 0
	for _, p := range parts {
		require.Equal(t, next, p.TokenStart, "spans must be contiguous")
		require.Greater(t, p.TokenEnd, p.TokenStart)
		assert.Equal(t, query[p.Start:p.End], p.Text)
		next = p.TokenEnd
	}
	require.Equal(t, tokens, next, "spans must cover the query")
}

func TestPartitionMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	vocab := []string{"a", "b", "c"}

	for round := 0; round < 200; round++ {
		l := 1 + rng.Intn(6)
		words := make([]string, l)
		for i := range words {
			words[i] = vocab[rng.Intn(len(vocab))]
		}
		query := strings.Join(words, " ")

		idx := newFakeIndex()
		model := &fakeModel{scores: map[uint32]float64{}}
		spanScore := map[string]float64{}
		var id uint32
		for i := 0; i < l; i++ {
			for j := i + 1; j <= l; j++ {
				alias := strings.Join(words[i:j], " ")
				if _, ok := spanScore[alias]; ok {
					continue
				}
				spanScore[alias] = DefaultNoEntityScore
				if rng.Intn(5) < 2 {
					continue
				}
				id++
				idx.add(alias, id)
				model.scores[id] = rng.Float64()*25 - 20
				spanScore[alias] = model.scores[id]
			}
		}

		// every way to cut l tokens is a mask over the l-1 gaps
		want := math.Inf(-1)
		for mask := 0; mask < 1<<(l-1); mask++ {
			var sum float64
			start := 0
			for i := 1; i <= l; i++ {
				if i == l || mask&(1<<(i-1)) != 0 {
					sum += spanScore[strings.Join(words[start:i], " ")]
					start = i
				}
			}
			want = math.Max(want, sum)
		}

		s := New(idx, model, DefaultOptions())
		parts, err := s.Partition(context.Background(), query)
		require.NoError(t, err)
		checkPartition(t, query, parts, l)
		assert.InDelta(t, want, totalScore(parts), 1e-9, "query %q", query)
	}
}

func TestPartitionWithoutCandidates(t *testing.T) {
	s := New(newFakeIndex(), &fakeModel{}, DefaultOptions())

	parts, err := s.Partition(context.Background(), "x y z")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Nil(t, parts[0].Entity)
	assert.Equal(t, DefaultNoEntityScore, parts[0].Score)
	assert.Equal(t, "x y z", parts[0].Text)

	for _, q := range []string{"", "   ", "?!"} {
		parts, err := s.Partition(context.Background(), q)
		require.NoError(t, err)
		assert.Empty(t, parts, "query %q", q)
	}
}

func TestPartitionMaxSpanTokens(t *testing.T) {
	idx := newFakeIndex()
	idx.add("new york", 1)
	idx.add("new", 2)
	idx.add("york", 3)
	model := &fakeModel{scores: map[uint32]float64{1: -1, 2: -5, 3: -5}}

	parts, err := New(idx, model, DefaultOptions()).Partition(context.Background(), "new york")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	opts := DefaultOptions()
	opts.MaxSpanTokens = 1
	parts, err = New(idx, model, opts).Partition(context.Background(), "new york")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, uint32(2), parts[0].Entity.ID)
	assert.Equal(t, uint32(3), parts[1].Entity.ID)
}

func TestPartitionTieKeepsLongestSpan(t *testing.T) {
	idx := newFakeIndex()
	idx.add("a b", 1)
	idx.add("a", 2)
	idx.add("b", 3)
	model := &fakeModel{scores: map[uint32]float64{1: -4, 2: -2, 3: -2}}

	parts, err := New(idx, model, DefaultOptions()).Partition(context.Background(), "a b")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, uint32(1), parts[0].Entity.ID)
}

func TestPartitionSkipsNonFiniteBest(t *testing.T) {
	idx := newFakeIndex()
	idx.add("ghost", 1)
	model := &fakeModel{scores: map[uint32]float64{1: math.NaN()}}

	parts, err := New(idx, model, DefaultOptions()).Partition(context.Background(), "ghost")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Nil(t, parts[0].Entity)
	assert.Equal(t, DefaultNoEntityScore, parts[0].Score)
}

func TestSegmentThreshold(t *testing.T) {
	idx := newFakeIndex()
	idx.add("huma abedin", 1)
	idx.add("anthony weiner", 2)
	idx.add("wife", 3)
	idx.names[1] = "Huma Abedin"
	model := &fakeModel{scores: map[uint32]float64{1: -2, 2: -1, 3: -30}}
	s := New(idx, model, DefaultOptions())

	query := "Huma Abedin, wife, Anthony Weiner"
	segs, err := s.Segment(context.Background(), query, math.Inf(-1))
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "Anthony Weiner", segs[0].Text)
	assert.Equal(t, "Huma Abedin", segs[1].Text)
	assert.Equal(t, "Huma Abedin", segs[1].Name)
	assert.Equal(t, 0, segs[1].Start)
	assert.Equal(t, 11, segs[1].End)
	assert.Equal(t, "", segs[0].Name, "missing names stay empty")

	segs, err = s.Segment(context.Background(), query, -10)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	for i, seg := range segs {
		assert.Greater(t, seg.Score, -10.0)
		require.NotNil(t, seg.Entity)
		if i > 0 {
			assert.GreaterOrEqual(t, segs[i-1].Score, seg.Score)
		}
	}

	segs, err = s.Segment(context.Background(), query, -1)
	require.NoError(t, err)
	assert.Empty(t, segs, "threshold is exclusive")
}

func TestTopK(t *testing.T) {
	idx := newFakeIndex()
	idx.add("paris", 1, 2, 3, 4)
	idx.add("paris hilton", 5)
	idx.add("hilton", 6, 7)
	model := &fakeModel{scores: map[uint32]float64{
		1: -1, 2: -3, 3: -4, 4: -0.5, 5: -2, 6: math.NaN(), 7: -6,
	}}
	s := New(idx, model, DefaultOptions())

	got, err := s.TopK(context.Background(), "paris hilton", 10)
	require.NoError(t, err)
	ids := make([]uint32, len(got))
	for i, c := range got {
		ids[i] = c.Entity.ID
	}
	// paris keeps its best three, the NaN candidate is dropped
	assert.Equal(t, []uint32{4, 1, 5, 2, 7}, ids)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Score > got[j].Score }))
	assert.Equal(t, "paris hilton", got[2].Text)

	got, err = s.TopK(context.Background(), "paris hilton", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.TopK(context.Background(), "paris hilton", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryMemo(t *testing.T) {
	idx := newFakeIndex()
	idx.add("new york", 1)
	plain := &fakeModel{scores: map[uint32]float64{1: -1}}

	parts, err := New(idx, plain, DefaultOptions()).Partition(context.Background(), "new york new york")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, idx.lookups["new york"])
	assert.Equal(t, 1, plain.ranks, "context-free ranks are shared across occurrences")

	contextual := &fakeModel{scores: map[uint32]float64{1: -1}, contextual: true}
	_, err = New(idx, contextual, DefaultOptions()).Partition(context.Background(), "new york new york")
	require.NoError(t, err)
	assert.Equal(t, 2, contextual.ranks)

	// memos are per query
	_, err = New(idx, plain, DefaultOptions()).Partition(context.Background(), "new york")
	require.NoError(t, err)
	assert.Equal(t, 2, plain.ranks)
}

func TestCancelledContext(t *testing.T) {
	idx := newFakeIndex()
	idx.add("a", 1)
	s := New(idx, &fakeModel{}, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Partition(ctx, "a a a")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Segment(ctx, "a a a", 0)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.TopK(ctx, "a a a", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndexErrorsPropagate(t *testing.T) {
	idx := newFakeIndex()
	idx.fail = "b"
	s := New(idx, &fakeModel{}, DefaultOptions())

	_, err := s.Partition(context.Background(), "a b")
	assert.True(t, errors.Is(err, internalErrors.ErrCorruptIndex))
	_, err = s.TopK(context.Background(), "a b", 1)
	assert.ErrorIs(t, err, internalErrors.ErrCorruptIndex)
}

func TestNewFillsDefaults(t *testing.T) {
	s := New(newFakeIndex(), &fakeModel{}, Options{NoEntityScore: math.NaN()})
	assert.Equal(t, DefaultKPerSpan, s.Options().KPerSpan)
	assert.Equal(t, DefaultNoEntityScore, s.Options().NoEntityScore)
}

func TestSegmentWithBuiltIndex(t *testing.T) {
	lines := []string{
		"abedin\x015\x0120\x013\x010\x010\x0110\x0150\x012" +
			"\t1001\x017\x015\x013\x010\x010\x018\x014" +
			"\t1002\x019\x011\x010\x010\x010\x012\x011",
		"Huma Abedin\x011\x017\x011\x010\x010\x012\x013\x011" +
			"\t1001\x017\x015\x016\x010\x010\x018\x012",
	}
	b := dictionary.NewBuilder(dictionary.DefaultBuildOptions())
	require.NoError(t, b.ReadAliases(strings.NewReader(strings.Join(lines, "\n"))))
	b.SetName(1001, "Huma Abedin")
	idx, err := b.Build(context.Background())
	require.NoError(t, err)
	defer idx.Close()

	model, err := rank.New(rank.ModelBaseline, idx.Stats(), rank.DefaultOptions(), nil)
	require.NoError(t, err)
	s := New(idx, model, DefaultOptions())

	query := "Huma Abedin?"
	segs, err := s.Segment(context.Background(), query, math.Inf(-1))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "Huma Abedin", segs[0].Text)
	assert.Equal(t, "huma abedin", segs[0].Alias)
	assert.Equal(t, 0, segs[0].Start)
	assert.Equal(t, 11, segs[0].End)
	assert.Equal(t, uint32(1001), segs[0].Entity.ID)
	assert.Equal(t, "Huma Abedin", segs[0].Name)

	top, err := s.TopK(context.Background(), query, 5)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	for _, c := range top {
		assert.Contains(t, []string{"abedin", "huma abedin"}, c.Alias, fmt.Sprint(c.Entity.ID))
	}
}
