package rank

import (
	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// Baseline mixes two Dirichlet-smoothed estimates of p(e|alias), one from the
// query log and one from anchor text. Each channel is weighted by how often
// the alias led to a click or a link at all, and the two channels by how much
// evidence each one holds for the alias.
type Baseline struct {
	stats dictionary.CorpusStats
	opts  Options
}

// NewBaseline creates a baseline model over stats.
func NewBaseline(stats dictionary.CorpusStats, opts Options) *Baseline {
	return &Baseline{stats: stats, opts: opts}
}

// priors returns the add-one smoothed click and link priors of e.
func (b *Baseline) priors(e *dictionary.Entity) (click, link float64) {
	entities := float64(b.stats.Entities)
	click = clampedRatio(float64(e.ClickFreq)+1, float64(b.stats.EntityClicks)+entities)
	link = clampedRatio(float64(e.LinkFreq)+1, float64(b.stats.EntityLinks)+entities)
	return click, link
}

// Probability returns the combined probability that the alias of cs refers to e.
func (b *Baseline) Probability(e *dictionary.Entity, cs *dictionary.CandidateSet) float64 {
	mu := b.opts.Mu
	qat := float64(cs.QueryTotal)
	lat := float64(cs.LinkTotal)
	priorClick, priorLink := b.priors(e)
	priorQ := (qat + 1) / (qat + lat + 2)

	var p float64
	if b.opts.UseQuery {
		pQ := clampedRatio(float64(e.QueryClicks)+mu*priorClick, qat+mu)
		pLinkQ := clampedRatio(float64(cs.QueryClicked)+1, qat+2)
		p += priorQ * pLinkQ * pQ
	}
	if b.opts.UseLink {
		pA := clampedRatio(float64(e.LinkCount)+mu*priorLink, lat+mu)
		pLinkA := clampedRatio(float64(cs.LinkFreq)+1, lat+2)
		p += (1 - priorQ) * pLinkA * pA
	}
	return p
}

// Score returns log(Probability), -Inf when the probability is zero.
func (b *Baseline) Score(e *dictionary.Entity, cs *dictionary.CandidateSet, _ Context) float64 {
	return logProb(b.Probability(e, cs))
}

// Rank scores every candidate.
func (b *Baseline) Rank(cs *dictionary.CandidateSet, ctx Context, k int) []Scored {
	return rankAll(b.Score, cs, ctx, k)
}
