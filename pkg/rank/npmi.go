package rank

import (
	"math"

	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// NPMI scores candidates by the normalized pointwise mutual information of
// alias and entity in each channel, mixed with the baseline channel weight.
// Scores lie in [-1, 1].
type NPMI struct {
	stats dictionary.CorpusStats
	opts  Options
}

// NewNPMI creates an NPMI model over stats.
func NewNPMI(stats dictionary.CorpusStats, opts Options) *NPMI {
	return &NPMI{stats: stats, opts: opts}
}

// npmi returns log(p(e,a)/(p(e)p(a))) / -log(p(e,a)). A zero joint count is
// -1 and a certain joint event is 1.
func npmi(joint, total, entityPrior, aliasCount float64) float64 {
	if joint <= 0 || total <= 0 {
		return -1
	}
	pea := joint / total
	if pea >= 1 {
		return 1
	}
	// marginals can never be below the joint
	pe := math.Max(entityPrior, pea)
	pa := math.Max(aliasCount/total, pea)
	v := math.Log(pea/(pe*pa)) / -math.Log(pea)
	return math.Max(-1, math.Min(1, v))
}

// Score returns the channel-weighted NPMI of e and the alias of cs.
func (m *NPMI) Score(e *dictionary.Entity, cs *dictionary.CandidateSet, _ Context) float64 {
	qat := float64(cs.QueryTotal)
	lat := float64(cs.LinkTotal)
	priorQ := (qat + 1) / (qat + lat + 2)
	entities := float64(m.stats.Entities)

	var s float64
	if m.opts.UseQuery {
		pe := clampedRatio(float64(e.ClickFreq)+1, float64(m.stats.EntityClicks)+entities)
		s += priorQ * npmi(float64(e.QueryClicks), float64(m.stats.AliasQueries), pe, qat)
	}
	if m.opts.UseLink {
		pe := clampedRatio(float64(e.LinkFreq)+1, float64(m.stats.EntityLinks)+entities)
		s += (1 - priorQ) * npmi(float64(e.LinkCount), float64(m.stats.AliasLinks), pe, lat)
	}
	return s
}

// Rank scores every candidate.
func (m *NPMI) Rank(cs *dictionary.CandidateSet, ctx Context, k int) []Scored {
	return rankAll(m.Score, cs, ctx, k)
}
