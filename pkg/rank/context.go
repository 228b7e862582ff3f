package rank

import (
	"math"
	"sort"

	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// ContextPruned re-scores baseline candidates with a context similarity term:
//
//	score = log(p_baseline) + w * max(context, MinContext)
//
// Candidates are visited in baseline order and the scan stops once the next
// baseline score plus the largest possible context term cannot beat the
// current k-th best, or after MaxScan candidates. Unvisited candidates are not
// returned.
type ContextPruned struct {
	base   *Baseline
	scorer ContextScorer
	opts   Options
}

// NewContextPruned creates a context model over stats.
func NewContextPruned(stats dictionary.CorpusStats, opts Options, scorer ContextScorer) *ContextPruned {
	return &ContextPruned{
		base:   NewBaseline(stats, opts),
		scorer: scorer,
		opts:   opts,
	}
}

// UsesContext is always true.
func (c *ContextPruned) UsesContext() bool {
	return true
}

func (c *ContextPruned) contextTerm(score float64) float64 {
	return c.opts.ContextWeight * math.Max(score, c.opts.MinContext)
}

// Score returns the combined score of a single candidate.
func (c *ContextPruned) Score(e *dictionary.Entity, cs *dictionary.CandidateSet, ctx Context) float64 {
	return logProb(c.base.Probability(e, cs)) + c.contextTerm(c.scorer.Score(e, ctx))
}

// Rank runs the two-phase scan.
func (c *ContextPruned) Rank(cs *dictionary.CandidateSet, ctx Context, k int) []Scored {
	phase1 := make([]Scored, len(cs.Entities))
	for i := range cs.Entities {
		phase1[i] = Scored{Entity: cs.Entities[i], Score: logProb(c.base.Probability(&cs.Entities[i], cs))}
	}
	SortScored(phase1)

	if k <= 0 || k > len(phase1) {
		k = len(phase1)
	}
	bound := c.opts.ContextWeight * math.Max(c.scorer.UpperBound(), c.opts.MinContext)

	score := prepare(c.scorer, ctx)
	top := make([]Scored, 0, k+1)
	for i, cand := range phase1 {
		if c.opts.MaxScan > 0 && i >= c.opts.MaxScan {
			break
		}
		if len(top) == k && !(cand.Score+bound > top[k-1].Score) {
			break
		}
		s := Scored{Entity: cand.Entity, Score: cand.Score + c.contextTerm(score(&cand.Entity))}
		pos := sort.Search(len(top), func(j int) bool { return Before(s.Score, top[j].Score) })
		top = append(top, Scored{})
		copy(top[pos+1:], top[pos:])
		top[pos] = s
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}
