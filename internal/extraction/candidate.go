package extraction

// Decision is the reviewer's verdict on a candidate.
type Decision string

const (
	DecisionKeep Decision = "KEEP"
	DecisionSkip Decision = "SKIP"
)

// SkipType qualifies a SKIP decision.
type SkipType string

const (
	SkipNone      SkipType = "NONE"
	SkipDuplicate SkipType = "DUPLICATE"
	SkipNoise     SkipType = "NOISE"
	SkipPrivate   SkipType = "PRIVATE"
)

// Item kinds the dictionary understands.
const (
	KindKnowledge  = "knowledge"
	KindValue      = "value"
	KindSummary    = "summary"
	KindModel      = "model"
	KindDecision   = "decision"
	KindTerm       = "term"
	KindCorrection = "correction"
)

// ValidKind reports whether k is one of the dictionary item kinds.
func ValidKind(k string) bool {
	switch k {
	case KindKnowledge, KindValue, KindSummary, KindModel, KindDecision, KindTerm, KindCorrection:
		return true
	}
	return false
}

// Link relations between items.
const (
	RelBornFrom   = "born_from"
	RelRelated    = "related"
	RelContradict = "contradicts"
	RelSupersedes = "supersedes"
)

// ValidRelation reports whether rel is a known link relation.
func ValidRelation(rel string) bool {
	switch rel {
	case RelBornFrom, RelRelated, RelContradict, RelSupersedes:
		return true
	}
	return false
}

// ItemDraft is the editable item proposal embedded in a candidate.
// ItemID stays empty until the draft is persisted; TempID is the identifier
// the extraction document used, which links may reference.
type ItemDraft struct {
	ItemID             string              `json:"item_id,omitempty"`
	TempID             string              `json:"temp_id,omitempty"`
	Kind               string              `json:"kind"`
	SchemaID           string              `json:"schema_id"`
	Title              string              `json:"title"`
	Body               string              `json:"body"`
	Domain             string              `json:"domain,omitempty"`
	Tags               []string            `json:"tags"`
	Confidence         float64             `json:"confidence"`
	Payload            map[string]any      `json:"payload"`
	Evidence           map[string]any      `json:"evidence,omitempty"`
	StableKey          string              `json:"stable_key,omitempty"`
	StableKeySuggested string              `json:"stable_key_suggested,omitempty"`
	Links              map[string][]string `json:"links,omitempty"`
}

// Clone returns a deep copy, so review mutations never alias shared state.
func (d ItemDraft) Clone() ItemDraft {
	out := d
	out.Tags = append([]string(nil), d.Tags...)
	out.Payload = cloneMap(d.Payload)
	out.Evidence = cloneMap(d.Evidence)
	if d.Links != nil {
		out.Links = make(map[string][]string, len(d.Links))
		for rel, targets := range d.Links {
			out.Links[rel] = append([]string(nil), targets...)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Candidate is a proposed knowledge item under review.
type Candidate struct {
	ID         string    `json:"candidate_id"`
	ChunkIndex int       `json:"chunk_index"`
	Decision   Decision  `json:"decision"`
	SkipType   SkipType  `json:"skip_type"`
	Reason     string    `json:"reason,omitempty"`
	Draft      ItemDraft `json:"item"`
}

// Clone deep-copies the candidate.
func (c *Candidate) Clone() *Candidate {
	out := *c
	out.Draft = c.Draft.Clone()
	return &out
}
