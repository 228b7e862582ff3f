package segment

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/rank"
)

const (
	// DefaultNoEntityScore is the score of a span without any candidate.
	DefaultNoEntityScore = -100.0
	// DefaultKPerSpan is how many candidates each span contributes to TopK.
	DefaultKPerSpan = 3
)

// Segment is one span of a query. Start and End are byte offsets into the
// query, TokenStart and TokenEnd a token range. Entity is nil for spans
// without a usable candidate.
type Segment struct {
	Start      int                `json:"start" msgpack:"b"`
	End        int                `json:"end" msgpack:"e"`
	Text       string             `json:"text" msgpack:"x"`
	Alias      string             `json:"alias" msgpack:"a"`
	TokenStart int                `json:"token_start" msgpack:"ts"`
	TokenEnd   int                `json:"token_end" msgpack:"te"`
	Entity     *dictionary.Entity `json:"entity,omitempty" msgpack:"-"`
	Name       string             `json:"name,omitempty" msgpack:"n"`
	Score      float64            `json:"score" msgpack:"sc"`
}

// ScoredCandidate is one entry of a TopK result.
type ScoredCandidate struct {
	Segment
}

// Options tunes segmentation.
type Options struct {
	// KPerSpan caps the candidates each span adds to the TopK bag.
	KPerSpan int
	// MaxSpanTokens caps span length. Zero is unlimited.
	MaxSpanTokens int
	// NoEntityScore is charged for spans without candidates.
	NoEntityScore float64
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		KPerSpan:      DefaultKPerSpan,
		MaxSpanTokens: 0,
		NoEntityScore: DefaultNoEntityScore,
	}
}

// Segmenter links queries against one index with one model. It holds no
// per-query state and is safe for concurrent use.
type Segmenter struct {
	index Index
	model rank.Model
	opts  Options
}

// New creates a segmenter.
func New(index Index, model rank.Model, opts Options) *Segmenter {
	if opts.KPerSpan <= 0 {
		opts.KPerSpan = DefaultKPerSpan
	}
	if math.IsNaN(opts.NoEntityScore) || math.IsInf(opts.NoEntityScore, 0) {
		opts.NoEntityScore = DefaultNoEntityScore
	}
	return &Segmenter{index: index, model: model, opts: opts}
}

// Options returns the effective options.
func (s *Segmenter) Options() Options {
	return s.opts
}

// Partition runs the segmentation DP and returns every span of the best
// partition in query order, including spans without an entity.
func (s *Segmenter) Partition(ctx context.Context, query string) ([]Segment, error) {
	q := s.newQuery(query)
	parts, err := q.partition(ctx)
	if err != nil {
		return nil, err
	}
	for i := range parts {
		if err := q.name(&parts[i]); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// Segment returns the linked spans of the best partition whose score is above
// threshold, best first. Equal scores keep query order.
func (s *Segmenter) Segment(ctx context.Context, query string, threshold float64) ([]Segment, error) {
	q := s.newQuery(query)
	parts, err := q.partition(ctx)
	if err != nil {
		return nil, err
	}
	out := parts[:0]
	for _, seg := range parts {
		if seg.Entity != nil && seg.Score > threshold {
			if err := q.name(&seg); err != nil {
				return nil, err
			}
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank.Before(out[i].Score, out[j].Score)
	})
	return out, nil
}

// TopK ranks the candidates of every span, pools them and returns the k best
// with a finite score. Results may overlap.
func (s *Segmenter) TopK(ctx context.Context, query string, k int) ([]ScoredCandidate, error) {
	if k <= 0 {
		return nil, nil
	}
	q := s.newQuery(query)
	l := len(q.tokens)

	var bag []ScoredCandidate
	for start := 0; start < l; start++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for end := start + 1; end <= l; end++ {
			if s.opts.MaxSpanTokens > 0 && end-start > s.opts.MaxSpanTokens {
				break
			}
			ranked, err := q.rank(start, end, s.opts.KPerSpan)
			if err != nil {
				return nil, err
			}
			for _, r := range ranked {
				seg := q.span(start, end)
				e := r.Entity
				seg.Entity = &e
				seg.Score = r.Score
				bag = append(bag, ScoredCandidate{Segment: seg})
			}
		}
	}

	sort.SliceStable(bag, func(i, j int) bool {
		return rank.Before(bag[i].Score, bag[j].Score)
	})
	out := make([]ScoredCandidate, 0, min(k, len(bag)))
	for _, c := range bag {
		if len(out) == k {
			break
		}
		if math.IsNaN(c.Score) || math.IsInf(c.Score, 0) {
			continue
		}
		if err := q.name(&c.Segment); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// query is the state of one request. Its memo tables are never shared.
type query struct {
	s      *Segmenter
	text   string
	tokens []utils.Token
	words  []string

	contextual bool
	sets       map[string]*dictionary.CandidateSet
	ranked     map[memoKey][]rank.Scored
}

// memoKey identifies a ranking. Context-free models ignore the span position.
type memoKey struct {
	slot       uint64
	start, end int
	k          int
}

func (s *Segmenter) newQuery(text string) *query {
	tokens := utils.Tokenize(text)
	return &query{
		s:          s,
		text:       text,
		tokens:     tokens,
		words:      utils.Texts(tokens),
		contextual: rank.UsesContext(s.model),
		sets:       make(map[string]*dictionary.CandidateSet),
		ranked:     make(map[memoKey][]rank.Scored),
	}
}

func (q *query) alias(start, end int) string {
	return strings.Join(q.words[start:end], " ")
}

// candidates decodes alias once per query. A nil set means no candidates.
func (q *query) candidates(alias string) (*dictionary.CandidateSet, error) {
	if cs, ok := q.sets[alias]; ok {
		return cs, nil
	}
	cs, found, err := q.s.index.Lookup(alias)
	if err != nil {
		return nil, err
	}
	if !found || len(cs.Entities) == 0 {
		cs = nil
	}
	q.sets[alias] = cs
	return cs, nil
}

// rank returns the top k candidates of the span [start, end).
func (q *query) rank(start, end, k int) ([]rank.Scored, error) {
	cs, err := q.candidates(q.alias(start, end))
	if err != nil || cs == nil {
		return nil, err
	}
	key := memoKey{slot: cs.Slot, k: k}
	if q.contextual {
		key.start, key.end = start, end
	}
	if r, ok := q.ranked[key]; ok {
		return r, nil
	}
	r := q.s.model.Rank(cs, rank.Context{Tokens: q.words, Start: start, End: end}, k)
	q.ranked[key] = r
	return r, nil
}

// best returns the top candidate of [start, end) if it has a finite score.
func (q *query) best(start, end int) (*rank.Scored, error) {
	r, err := q.rank(start, end, 1)
	if err != nil || len(r) == 0 {
		return nil, err
	}
	if math.IsNaN(r[0].Score) || math.IsInf(r[0].Score, 0) {
		return nil, nil
	}
	top := r[0]
	return &top, nil
}

func (q *query) span(start, end int) Segment {
	return Segment{
		Start:      q.tokens[start].Start,
		End:        q.tokens[end-1].End,
		Text:       q.text[q.tokens[start].Start:q.tokens[end-1].End],
		Alias:      q.alias(start, end),
		TokenStart: start,
		TokenEnd:   end,
		Score:      q.s.opts.NoEntityScore,
	}
}

// partition computes best[i] = max over j of best[j] + score(j, i) and walks
// the winning splits back from the end. Ties keep the smallest j.
func (q *query) partition(ctx context.Context) ([]Segment, error) {
	l := len(q.tokens)
	if l == 0 {
		return nil, nil
	}
	best := make([]float64, l+1)
	prev := make([]int, l+1)
	chosen := make([]*rank.Scored, l+1)

	for i := 1; i <= l; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo := 0
		if m := q.s.opts.MaxSpanTokens; m > 0 && i > m {
			lo = i - m
		}
		best[i] = math.Inf(-1)
		for j := lo; j < i; j++ {
			top, err := q.best(j, i)
			if err != nil {
				return nil, err
			}
			score := q.s.opts.NoEntityScore
			if top != nil {
				score = top.Score
			}
			if v := best[j] + score; j == lo || v > best[i] {
				best[i], prev[i], chosen[i] = v, j, top
			}
		}
	}

	var parts []Segment
	for i := l; i > 0; i = prev[i] {
		seg := q.span(prev[i], i)
		if top := chosen[i]; top != nil {
			e := top.Entity
			seg.Entity = &e
			seg.Score = top.Score
		}
		parts = append(parts, seg)
	}
	slices.Reverse(parts)
	log.Debugf("Partitioned %q into %d spans, total %.4f", q.text, len(parts), best[l])
	return parts, nil
}

// name fills in the entity name of seg. Entities without a stored name keep "".
func (q *query) name(seg *Segment) error {
	if seg.Entity == nil {
		return nil
	}
	name, err := q.s.index.EntityName(seg.Entity.ID)
	if err != nil && !errors.Is(err, internalErrors.ErrEntityNotFound) {
		return err
	}
	seg.Name = name
	return nil
}
