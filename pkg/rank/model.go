// Package rank scores the candidate entities of an alias.
//
// Every model is built once from the immutable corpus statistics of an index
// and holds no mutable state, so a single instance can serve any number of
// concurrent queries.
package rank

import (
	"fmt"
	"math"
	"sort"
	"strings"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// Model names accepted by New
const (
	ModelBaseline = "baseline"
	ModelContext  = "context"
	ModelNPMI     = "npmi"
)

// Context is the query a span was cut from. Tokens are normalized and
// [Start, End) is the span's token range.
type Context struct {
	Tokens []string
	Start  int
	End    int
}

// Outside returns the query tokens that are not part of the span.
func (c Context) Outside() []string {
	if len(c.Tokens) == 0 {
		return nil
	}
	start := min(max(c.Start, 0), len(c.Tokens))
	end := min(max(c.End, start), len(c.Tokens))
	out := make([]string, 0, len(c.Tokens)-(end-start))
	out = append(out, c.Tokens[:start]...)
	return append(out, c.Tokens[end:]...)
}

// Scored pairs a candidate with its score under some model.
type Scored struct {
	Entity dictionary.Entity
	Score  float64
}

// Model scores and ranks the candidates of one alias.
type Model interface {
	// Score returns the log-domain score of e as a candidate of cs. Higher is
	// better; -Inf marks an entity that cannot match.
	Score(e *dictionary.Entity, cs *dictionary.CandidateSet, ctx Context) float64
	// Rank returns at most k candidates of cs, best first. k <= 0 means all.
	Rank(cs *dictionary.CandidateSet, ctx Context, k int) []Scored
}

// ContextSensitive is implemented by models whose scores depend on the words
// around a span. Scores of other models can be reused for every occurrence of
// the same alias within a query.
type ContextSensitive interface {
	UsesContext() bool
}

// UsesContext reports whether m reads the query context.
func UsesContext(m Model) bool {
	cs, ok := m.(ContextSensitive)
	return ok && cs.UsesContext()
}

// Options tunes the models.
type Options struct {
	// Mu is the Dirichlet smoothing mass given to entity priors.
	Mu float64
	// UseQuery and UseLink enable the query log and anchor text channels.
	UseQuery bool
	UseLink  bool
	// ContextWeight scales the context score added to the baseline log score.
	ContextWeight float64
	// MinContext floors the context score.
	MinContext float64
	// MaxScan caps the candidates the context model scans. Zero is unlimited.
	MaxScan int
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Mu:            10,
		UseQuery:      true,
		UseLink:       true,
		ContextWeight: 1,
		MinContext:    0,
		MaxScan:       0,
	}
}

// New builds the model called name. The context model needs a scorer.
func New(name string, stats dictionary.CorpusStats, opts Options, scorer ContextScorer) (Model, error) {
	if opts.Mu < 0 || math.IsNaN(opts.Mu) {
		return nil, fmt.Errorf("%w: smoothing mass %v", internalErrors.ErrInvalidInput, opts.Mu)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ModelBaseline, "":
		return NewBaseline(stats, opts), nil
	case ModelNPMI:
		return NewNPMI(stats, opts), nil
	case ModelContext:
		if scorer == nil {
			return nil, fmt.Errorf("%w: context model needs a context scorer", internalErrors.ErrInvalidInput)
		}
		if opts.ContextWeight < 0 {
			return nil, fmt.Errorf("%w: negative context weight %v", internalErrors.ErrInvalidInput, opts.ContextWeight)
		}
		return NewContextPruned(stats, opts, scorer), nil
	}
	return nil, internalErrors.NewUnknownModelError(name)
}

// Before orders scores descending with NaN after everything else.
func Before(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	return math.IsNaN(b) || a > b
}

// SortScored sorts best first, keeping input order among equal scores.
func SortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		return Before(s[i].Score, s[j].Score)
	})
}

type scoreFunc func(e *dictionary.Entity, cs *dictionary.CandidateSet, ctx Context) float64

// rankAll scores every candidate and keeps the best k.
func rankAll(score scoreFunc, cs *dictionary.CandidateSet, ctx Context, k int) []Scored {
	out := make([]Scored, len(cs.Entities))
	for i := range cs.Entities {
		out[i] = Scored{Entity: cs.Entities[i], Score: score(&cs.Entities[i], cs, ctx)}
	}
	SortScored(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func logProb(p float64) float64 {
	if p <= 0 || math.IsNaN(p) {
		return math.Inf(-1)
	}
	return math.Log(p)
}

// clampedRatio returns min(1, num/den), or 0 when den is not positive.
func clampedRatio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return math.Min(1, num/den)
}
