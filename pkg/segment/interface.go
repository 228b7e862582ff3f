// Package segment cuts free-text queries into spans and links each span to its
// best candidate entity.
package segment

import (
	"context"

	"github.com/bastiangx/entityserve/pkg/dictionary"
)

// ILinker defines the interface for entity linking engines
type ILinker interface {
	// Segment returns the linked spans of the best partition of query scoring above threshold
	Segment(ctx context.Context, query string, threshold float64) ([]Segment, error)

	// TopK returns the k best scored candidates over all spans, which may overlap
	TopK(ctx context.Context, query string, k int) ([]ScoredCandidate, error)

	// Partition returns the full best partition, unlinked spans included
	Partition(ctx context.Context, query string) ([]Segment, error)
}

// Index is the part of a candidate index the segmenter reads
type Index interface {
	Lookup(alias string) (*dictionary.CandidateSet, bool, error)
	EntityName(id uint32) (string, error)
}
