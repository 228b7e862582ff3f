package rank

import (
	"github.com/charmbracelet/log"
	"github.com/hbollon/go-edlib"
	"github.com/surgebase/porter2"

	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// ContextScorer measures how well an entity fits the words around a span.
type ContextScorer interface {
	Score(e *dictionary.Entity, ctx Context) float64
	// UpperBound is the largest value Score can return.
	UpperBound() float64
}

// PreparedScorer is implemented by scorers that can do the per-context work
// once and then score many candidates against it.
type PreparedScorer interface {
	Prepare(ctx Context) func(e *dictionary.Entity) float64
}

// prepare binds scorer to ctx, through Prepare when the scorer offers it.
func prepare(scorer ContextScorer, ctx Context) func(e *dictionary.Entity) float64 {
	if p, ok := scorer.(PreparedScorer); ok {
		return p.Prepare(ctx)
	}
	return func(e *dictionary.Entity) float64 {
		return scorer.Score(e, ctx)
	}
}

// NameResolver returns entity display names.
type NameResolver interface {
	EntityName(id uint32) (string, error)
}

// minStemLength skips short context words that match almost anything.
const minStemLength = 3

// NameSimilarity compares the stemmed query words outside a span with the
// stemmed words of the entity's name and returns the best Jaro-Winkler
// similarity, in [0, 1].
type NameSimilarity struct {
	names NameResolver
}

// NewNameSimilarity creates a scorer reading names from names.
func NewNameSimilarity(names NameResolver) *NameSimilarity {
	return &NameSimilarity{names: names}
}

// UpperBound is 1, an exact stem match.
func (s *NameSimilarity) UpperBound() float64 {
	return 1
}

func stemAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < minStemLength {
			continue
		}
		out = append(out, porter2.Stem(w))
	}
	return out
}

func (s *NameSimilarity) nameStems(id uint32) []string {
	name, err := s.names.EntityName(id)
	if err != nil {
		log.Debugf("No name for entity %d: %v", id, err)
		return nil
	}
	return stemAll(utils.Texts(utils.Tokenize(name)))
}

// Score returns the best similarity between any context stem and any name stem.
func (s *NameSimilarity) Score(e *dictionary.Entity, ctx Context) float64 {
	return s.Prepare(ctx)(e)
}

// Prepare stems the context once for scoring several candidates.
func (s *NameSimilarity) Prepare(ctx Context) func(e *dictionary.Entity) float64 {
	words := stemAll(ctx.Outside())
	return func(e *dictionary.Entity) float64 {
		if len(words) == 0 {
			return 0
		}
		return bestSimilarity(words, s.nameStems(e.ID))
	}
}

func bestSimilarity(words, name []string) float64 {
	var best float64
	for _, c := range words {
		for _, n := range name {
			if c == n {
				return 1
			}
			sim, err := edlib.StringsSimilarity(c, n, edlib.JaroWinkler)
			if err != nil {
				continue
			}
			if f := float64(sim); f > best {
				best = f
			}
		}
	}
	return best
}
