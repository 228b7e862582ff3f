package dictionary

// Entity is one knowledge-base candidate as decoded for a single alias.
// ClickFreq, LinkFreq and Type are entity level; QueryClicks and LinkCount are
// specific to the alias the entity was decoded under.
type Entity struct {
	ID          uint32 `json:"id" msgpack:"id"`
	Type        uint32 `json:"type" msgpack:"type"`
	ClickFreq   uint64 `json:"click_freq" msgpack:"qef"`
	QueryClicks uint64 `json:"query_clicks" msgpack:"qaef"`
	LinkFreq    uint64 `json:"link_freq" msgpack:"let"`
	LinkCount   uint64 `json:"link_count" msgpack:"laet"`

	// Mention counters are read from build input but never stored, so they
	// always decode as zero.
	MentionFreq  uint64 `json:"-" msgpack:"-"`
	MentionCount uint64 `json:"-" msgpack:"-"`
}

// CandidateSet is the decoded record of one alias.
type CandidateSet struct {
	Slot         uint64
	QueryFreq    uint64 // QAF, times the alias was issued and clicked
	QueryTotal   uint64 // QAT, times the alias was issued
	QueryClicked uint64 // QAC, issues that led to any click
	LinkFreq     uint64 // LAF, times the alias was a link
	LinkTotal    uint64 // LAT, times the alias occurred at all
	Entities     []Entity
}

// CorpusStats are the global normalizers the rankers smooth with.
type CorpusStats struct {
	Entities     uint64 `json:"entities" msgpack:"entities"`
	Aliases      uint64 `json:"aliases" msgpack:"aliases"`
	Pairs        uint64 `json:"pairs" msgpack:"pairs"`
	EntityClicks uint64 `json:"entity_clicks" msgpack:"entity_clicks"`
	EntityLinks  uint64 `json:"entity_links" msgpack:"entity_links"`
	AliasQueries uint64 `json:"alias_queries" msgpack:"alias_queries"`
	AliasLinks   uint64 `json:"alias_links" msgpack:"alias_links"`
}

// Record is one alias line of build input, before pruning and compression.
type Record struct {
	Alias        string
	QueryFreq    uint64
	QueryTotal   uint64
	QueryClicked uint64
	MentionFreq  uint64
	MentionTotal uint64
	LinkFreq     uint64
	LinkTotal    uint64
	Candidates   []Entity
}

// recordHeader is the number of alias aggregates stored ahead of the triples.
const recordHeader = 5

// payload flattens r into [QAF, QAT, QAC, LAF, LAT, (id, LAET, QAEF)*].
func (r *Record) payload() []uint64 {
	out := make([]uint64, 0, recordHeader+3*len(r.Candidates))
	out = append(out, r.QueryFreq, r.QueryTotal, r.QueryClicked, r.LinkFreq, r.LinkTotal)
	for _, c := range r.Candidates {
		out = append(out, uint64(c.ID), c.LinkCount, c.QueryClicks)
	}
	return out
}
