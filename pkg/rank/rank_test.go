package rank

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/pkg/dictionary"
)

const (
	humaAbedin     = 1001
	minhajulAbedin = 1002
	anthonyWeiner  = 1003
)

var abedinStats = dictionary.CorpusStats{
	Entities:     3,
	Aliases:      2,
	Pairs:        4,
	EntityClicks: 602,
	EntityLinks:  40,
	AliasQueries: 700,
	AliasLinks:   90,
}

func abedinCandidates() *dictionary.CandidateSet {
	return &dictionary.CandidateSet{
		QueryFreq:  500,
		QueryTotal: 520,
		Entities: []dictionary.Entity{
			{ID: minhajulAbedin, ClickFreq: 2, QueryClicks: 1},
			{ID: humaAbedin, ClickFreq: 500, QueryClicks: 480},
		},
	}
}

func TestBaselineAbedinScenario(t *testing.T) {
	m := NewBaseline(abedinStats, DefaultOptions())
	cs := abedinCandidates()

	huma := m.Score(&cs.Entities[1], cs, Context{})
	minhajul := m.Score(&cs.Entities[0], cs, Context{})
	assert.Greater(t, huma, minhajul)

	ranked := m.Rank(cs, Context{}, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, uint32(humaAbedin), ranked[0].Entity.ID)
	assert.Equal(t, uint32(minhajulAbedin), ranked[1].Entity.ID)
}

func TestBaselineMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	bump := map[string]func(e *dictionary.Entity, by uint64){
		"click_freq":   func(e *dictionary.Entity, by uint64) { e.ClickFreq += by },
		"query_clicks": func(e *dictionary.Entity, by uint64) { e.QueryClicks += by },
		"link_freq":    func(e *dictionary.Entity, by uint64) { e.LinkFreq += by },
		"link_count":   func(e *dictionary.Entity, by uint64) { e.LinkCount += by },
	}
	toggles := []Options{DefaultOptions(), {Mu: 0, UseQuery: true, UseLink: true}, {Mu: 50, UseQuery: true}, {Mu: 1, UseLink: true}}

	for name, inc := range bump {
		t.Run(name, func(t *testing.T) {
			for _, opts := range toggles {
				m := NewBaseline(abedinStats, opts)
				for i := 0; i < 500; i++ {
					cs := &dictionary.CandidateSet{
						QueryFreq:    uint64(rng.Intn(100)),
						QueryTotal:   uint64(rng.Intn(1000)),
						QueryClicked: uint64(rng.Intn(100)),
						LinkFreq:     uint64(rng.Intn(100)),
						LinkTotal:    uint64(rng.Intn(1000)),
					}
					e := dictionary.Entity{
						ClickFreq:   uint64(rng.Intn(1000)),
						QueryClicks: uint64(rng.Intn(1200)),
						LinkFreq:    uint64(rng.Intn(50)),
						LinkCount:   uint64(rng.Intn(1200)),
					}
					before := m.Score(&e, cs, Context{})
					inc(&e, uint64(1+rng.Intn(100)))
					after := m.Score(&e, cs, Context{})
					require.GreaterOrEqual(t, after, before, "options %+v entity %+v set %+v", opts, e, cs)
				}
			}
		})
	}
}

func TestBaselineClampsNoisyCounters(t *testing.T) {
	m := NewBaseline(abedinStats, DefaultOptions())
	cs := &dictionary.CandidateSet{QueryTotal: 3, QueryClicked: 90, LinkTotal: 2, LinkFreq: 40}
	e := dictionary.Entity{QueryClicks: 1000, LinkCount: 1000, ClickFreq: 1 << 40}

	p := m.Probability(&e, cs)
	assert.LessOrEqual(t, p, 1.0)
	assert.InDelta(t, 1.0, p, 1e-12)
	assert.InDelta(t, 0.0, m.Score(&e, cs, Context{}), 1e-12)
}

func TestBaselineChannelToggles(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 10, QueryClicked: 5, LinkTotal: 10, LinkFreq: 5}
	e := dictionary.Entity{QueryClicks: 5}

	both := NewBaseline(abedinStats, DefaultOptions()).Probability(&e, cs)
	queryOnly := NewBaseline(abedinStats, Options{Mu: 10, UseQuery: true}).Probability(&e, cs)
	linkOnly := NewBaseline(abedinStats, Options{Mu: 10, UseLink: true}).Probability(&e, cs)
	assert.InDelta(t, both, queryOnly+linkOnly, 1e-12)
	assert.Greater(t, queryOnly, linkOnly)

	none := NewBaseline(abedinStats, Options{Mu: 10})
	assert.True(t, math.IsInf(none.Score(&e, cs, Context{}), -1))
}

func TestBaselineEmptyStats(t *testing.T) {
	m := NewBaseline(dictionary.CorpusStats{}, Options{Mu: 0, UseQuery: true, UseLink: true})
	cs := &dictionary.CandidateSet{}
	e := dictionary.Entity{}
	s := m.Score(&e, cs, Context{})
	assert.False(t, math.IsNaN(s))
}

func TestRankTruncates(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 100, QueryClicked: 50}
	for i := 0; i < 10; i++ {
		cs.Entities = append(cs.Entities, dictionary.Entity{ID: uint32(i), QueryClicks: uint64(i * 5)})
	}
	ranked := NewBaseline(abedinStats, DefaultOptions()).Rank(cs, Context{}, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, []uint32{9, 8, 7}, []uint32{ranked[0].Entity.ID, ranked[1].Entity.ID, ranked[2].Entity.ID})
}

func TestSortScoredPutsNaNLast(t *testing.T) {
	s := []Scored{
		{Entity: dictionary.Entity{ID: 1}, Score: math.NaN()},
		{Entity: dictionary.Entity{ID: 2}, Score: -3},
		{Entity: dictionary.Entity{ID: 3}, Score: math.Inf(-1)},
		{Entity: dictionary.Entity{ID: 4}, Score: -3},
		{Entity: dictionary.Entity{ID: 5}, Score: 0},
	}
	SortScored(s)
	ids := make([]uint32, len(s))
	for i := range s {
		ids[i] = s[i].Entity.ID
	}
	assert.Equal(t, []uint32{5, 2, 4, 3, 1}, ids)
}

func TestNPMI(t *testing.T) {
	assert.Equal(t, -1.0, npmi(0, 100, 0.5, 10))
	assert.Equal(t, -1.0, npmi(5, 0, 0.5, 10))
	assert.Equal(t, 1.0, npmi(100, 100, 0.5, 100))

	v := npmi(10, 100, 0.1, 10)
	assert.InDelta(t, 1.0, v, 1e-12, "perfectly associated pair")

	m := NewNPMI(abedinStats, DefaultOptions())
	cs := abedinCandidates()
	for i := range cs.Entities {
		s := m.Score(&cs.Entities[i], cs, Context{})
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
	ranked := m.Rank(cs, Context{}, 1)
	require.Len(t, ranked, 1)
	assert.Equal(t, uint32(humaAbedin), ranked[0].Entity.ID)
}

// countingScorer returns a fixed similarity per entity and counts calls.
type countingScorer struct {
	scores map[uint32]float64
	calls  int
}

func (s *countingScorer) Score(e *dictionary.Entity, _ Context) float64 {
	s.calls++
	return s.scores[e.ID]
}

func (s *countingScorer) UpperBound() float64 { return 1 }

func TestContextPrunedStopsEarly(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 10000, QueryClicked: 9000}
	cs.Entities = []dictionary.Entity{
		{ID: 1, QueryClicks: 9000, ClickFreq: 500},
		{ID: 2, QueryClicks: 2},
		{ID: 3, QueryClicks: 1},
	}
	scorer := &countingScorer{scores: map[uint32]float64{1: 0.2, 2: 1, 3: 1}}
	m := NewContextPruned(abedinStats, DefaultOptions(), scorer)

	ranked := m.Rank(cs, Context{}, 1)
	require.Len(t, ranked, 1)
	assert.Equal(t, uint32(1), ranked[0].Entity.ID)
	assert.Equal(t, 1, scorer.calls, "weak candidates should not be context scored")
}

func TestContextPrunedRerank(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 100, QueryClicked: 90}
	cs.Entities = []dictionary.Entity{
		{ID: humaAbedin, QueryClicks: 50},
		{ID: anthonyWeiner, QueryClicks: 45},
	}
	scorer := &countingScorer{scores: map[uint32]float64{humaAbedin: 0, anthonyWeiner: 1}}
	m := NewContextPruned(abedinStats, DefaultOptions(), scorer)

	ranked := m.Rank(cs, Context{}, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, uint32(anthonyWeiner), ranked[0].Entity.ID)
	assert.InDelta(t, m.Score(&cs.Entities[1], cs, Context{}), ranked[0].Score, 1e-12)
	assert.True(t, UsesContext(m))
	assert.False(t, UsesContext(NewBaseline(abedinStats, DefaultOptions())))
}

func TestContextPrunedMaxScan(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 100, QueryClicked: 90}
	for i := 0; i < 5; i++ {
		cs.Entities = append(cs.Entities, dictionary.Entity{ID: uint32(i), QueryClicks: 10})
	}
	scorer := &countingScorer{scores: map[uint32]float64{}}
	opts := DefaultOptions()
	opts.MaxScan = 2
	ranked := NewContextPruned(abedinStats, opts, scorer).Rank(cs, Context{}, 5)
	assert.Len(t, ranked, 2)
	assert.Equal(t, 2, scorer.calls)
}

func TestContextPrunedMinContext(t *testing.T) {
	cs := abedinCandidates()
	scorer := &countingScorer{scores: map[uint32]float64{}}
	opts := DefaultOptions()
	opts.MinContext = 0.25
	opts.ContextWeight = 2
	m := NewContextPruned(abedinStats, opts, scorer)
	base := NewBaseline(abedinStats, opts)

	got := m.Score(&cs.Entities[1], cs, Context{})
	assert.InDelta(t, base.Score(&cs.Entities[1], cs, Context{})+0.5, got, 1e-12)
}

func TestNew(t *testing.T) {
	scorer := &countingScorer{}
	tests := []struct {
		name    string
		scorer  ContextScorer
		want    string
		wantErr error
	}{
		{"baseline", nil, "*rank.Baseline", nil},
		{"", nil, "*rank.Baseline", nil},
		{" NPMI ", nil, "*rank.NPMI", nil},
		{"context", scorer, "*rank.ContextPruned", nil},
		{"context", nil, "", internalErrors.ErrInvalidInput},
		{"bm25", nil, "", internalErrors.ErrUnknownModel},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%q", tc.name), func(t *testing.T) {
			m, err := New(tc.name, abedinStats, DefaultOptions(), tc.scorer)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, fmt.Sprintf("%T", m))
		})
	}
}

func TestContextOutside(t *testing.T) {
	ctx := Context{Tokens: []string{"huma", "abedin", "anthony", "weiner"}, Start: 1, End: 2}
	assert.Equal(t, []string{"huma", "anthony", "weiner"}, ctx.Outside())

	ctx = Context{Tokens: []string{"a", "b"}, Start: 0, End: 9}
	assert.Empty(t, ctx.Outside())
	assert.Nil(t, Context{}.Outside())
}

type mapNames map[uint32]string

func (m mapNames) EntityName(id uint32) (string, error) {
	name, ok := m[id]
	if !ok {
		return "", internalErrors.NewEntityNotFoundError(id)
	}
	return name, nil
}

func TestNameSimilarity(t *testing.T) {
	names := mapNames{
		humaAbedin:     "Huma_Abedin",
		minhajulAbedin: "Minhajul_Abedin",
		anthonyWeiner:  "Anthony_Weiner",
	}
	s := NewNameSimilarity(names)
	ctx := Context{Tokens: []string{"abedin", "weiners", "wife"}, Start: 0, End: 1}

	weiner := s.Score(&dictionary.Entity{ID: anthonyWeiner}, ctx)
	minhajul := s.Score(&dictionary.Entity{ID: minhajulAbedin}, ctx)
	assert.Equal(t, 1.0, weiner)
	assert.Less(t, minhajul, weiner)
	assert.GreaterOrEqual(t, minhajul, 0.0)

	assert.Equal(t, 0.0, s.Score(&dictionary.Entity{ID: 77}, ctx), "missing name")
	assert.Equal(t, 0.0, s.Score(&dictionary.Entity{ID: humaAbedin}, Context{Tokens: []string{"abedin"}, End: 1}))
	assert.Equal(t, 1.0, s.UpperBound())
}

// preparingScorer counts how often the context is prepared and how many
// candidates are scored against it.
type preparingScorer struct {
	countingScorer
	prepared int
}

func (s *preparingScorer) Prepare(Context) func(e *dictionary.Entity) float64 {
	s.prepared++
	return func(e *dictionary.Entity) float64 {
		s.calls++
		return s.scores[e.ID]
	}
}

func TestContextPrunedPreparesContextOnce(t *testing.T) {
	cs := &dictionary.CandidateSet{QueryTotal: 100, QueryClicked: 90}
	for i := 0; i < 4; i++ {
		cs.Entities = append(cs.Entities, dictionary.Entity{ID: uint32(i), QueryClicks: 10})
	}
	scorer := &preparingScorer{countingScorer: countingScorer{scores: map[uint32]float64{2: 1}}}
	ranked := NewContextPruned(abedinStats, DefaultOptions(), scorer).Rank(cs, Context{}, 0)

	require.Len(t, ranked, 4)
	assert.Equal(t, uint32(2), ranked[0].Entity.ID)
	assert.Equal(t, 1, scorer.prepared)
	assert.Equal(t, 4, scorer.calls)
}

func TestNameSimilarityPrepareMatchesScore(t *testing.T) {
	s := NewNameSimilarity(mapNames{humaAbedin: "Huma_Abedin", anthonyWeiner: "Anthony_Weiner"})
	ctx := Context{Tokens: []string{"huma", "anthony", "wiener"}, Start: 0, End: 1}
	score := s.Prepare(ctx)
	for _, id := range []uint32{humaAbedin, anthonyWeiner, 77} {
		e := &dictionary.Entity{ID: id}
		assert.Equal(t, s.Score(e, ctx), score(e), "entity %d", id)
	}
}
