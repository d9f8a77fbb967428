package extraction

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kotodict/kotodict/internal/transcript"
)

// ValidationError reports a malformed extraction document. Raised before any
// candidate exists, so a failed Normalize has no partial effects.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Result is the normalized output of one extraction document.
type Result struct {
	Chunks     []transcript.Chunk
	Candidates []*Candidate
}

type rawEnvelope struct {
	Extraction json.RawMessage `json:"extraction"`
}

type rawChunk struct {
	ChunkTmpID     string                     `json:"chunk_tmp_id"`
	Source         *transcript.Source         `json:"source"`
	Classification *transcript.Classification `json:"classification"`
	Messages       []transcript.WireMessage   `json:"messages"`
	Items          []json.RawMessage          `json:"items"`
}

type rawExtraction struct {
	Source         *transcript.Source         `json:"source"`
	Classification *transcript.Classification `json:"classification"`
	Chunks         []rawChunk                 `json:"chunks"`
	Items          []json.RawMessage          `json:"items"`
}

type rawItem struct {
	ItemID             string            `json:"item_id"`
	Decision           string            `json:"decision"`
	SkipType           string            `json:"skip_type"`
	Reason             string            `json:"reason"`
	Kind               string            `json:"kind"`
	SchemaID           string            `json:"schema_id"`
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Domain             string            `json:"domain"`
	Tags               []json.RawMessage `json:"tags"`
	Confidence         float64           `json:"confidence"`
	Payload            json.RawMessage   `json:"payload"`
	Evidence           json.RawMessage   `json:"evidence"`
	StableKey          string            `json:"stable_key"`
	StableKeySuggested string            `json:"stable_key_suggested"`
	Links              json.RawMessage   `json:"links"`
}

// Normalize decodes an extraction document and maps every proposed item into
// a Candidate with fully defaulted fields, so downstream code never branches
// on absence. The document may be a bare extraction object or wrapped in an
// {"extraction": {...}} envelope; a bare object without an explicit chunks
// list is treated as a single implicit chunk. Chunk ids default positionally.
func Normalize(data []byte) (*Result, error) {
	body := data

	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("extraction document: %v", err)}
	}
	if len(env.Extraction) > 0 {
		body = env.Extraction
	}

	var ext rawExtraction
	if err := json.Unmarshal(body, &ext); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("extraction document: %v", err)}
	}

	rawChunks := ext.Chunks
	if len(rawChunks) == 0 {
		// Bare object: one implicit chunk carrying the document's own
		// source, classification, and items.
		rawChunks = []rawChunk{{
			Source:         ext.Source,
			Classification: ext.Classification,
			Items:          ext.Items,
		}}
	}

	res := &Result{}
	for ci, rc := range rawChunks {
		chunk := transcript.Chunk{
			TmpID:          rc.ChunkTmpID,
			Classification: rc.Classification,
		}
		if chunk.TmpID == "" {
			chunk.TmpID = fmt.Sprintf("chunk-%d", ci+1)
		}
		if rc.Source != nil {
			chunk.Source = *rc.Source
		}
		for mi, rm := range rc.Messages {
			chunk.Messages = append(chunk.Messages, rm.Message(ci+1, mi+1))
		}
		res.Chunks = append(res.Chunks, chunk)

		for ii, raw := range rc.Items {
			cand, err := normalizeItem(raw, ci, rc.Classification, ext.Classification)
			if err != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("chunk %d item %d: %v", ci+1, ii+1, err)}
			}
			res.Candidates = append(res.Candidates, cand)
		}
	}
	return res, nil
}

func normalizeItem(data []byte, chunkIndex int, chunkCls, docCls *transcript.Classification) (*Candidate, error) {
	var it rawItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, err
	}

	decision := it.Decision
	skipType := it.SkipType
	reason := it.Reason
	for _, cls := range []*transcript.Classification{chunkCls, docCls} {
		if cls == nil {
			continue
		}
		if decision == "" {
			decision = cls.Decision
		}
		if skipType == "" {
			skipType = cls.SkipType
		}
		if reason == "" {
			reason = cls.Reason
		}
	}

	payload, err := normalizePayload(it.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	draft := ItemDraft{
		TempID:             it.ItemID,
		Kind:               it.Kind,
		SchemaID:           it.SchemaID,
		Title:              it.Title,
		Body:               it.Body,
		Domain:             it.Domain,
		Tags:               NormalizeTags(it.Tags),
		Confidence:         clamp01(it.Confidence),
		Payload:            payload,
		Evidence:           NormalizeEvidence(it.Evidence),
		StableKey:          it.StableKey,
		StableKeySuggested: it.StableKeySuggested,
		Links:              normalizeLinks(it.Links),
	}
	if draft.StableKeySuggested == "" && draft.StableKey != "" {
		draft.StableKeySuggested = draft.StableKey
	}

	return &Candidate{
		ID:         "cand-" + uuid.New().String(),
		ChunkIndex: chunkIndex,
		Decision:   normalizeDecision(decision),
		SkipType:   normalizeSkipType(skipType),
		Reason:     reason,
		Draft:      draft,
	}, nil
}

func normalizeDecision(s string) Decision {
	if Decision(s) == DecisionSkip {
		return DecisionSkip
	}
	return DecisionKeep
}

func normalizeSkipType(s string) SkipType {
	if s == "" {
		return SkipNone
	}
	return SkipType(s)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NormalizeTags coerces tag values that arrive as bare strings or {name}
// objects into a de-duplicated, case-preserving string list. Empty tags are
// dropped.
func NormalizeTags(raws []json.RawMessage) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, raw := range raws {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			var obj struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil {
				continue
			}
			name = obj.Name
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// NormalizeEvidence coerces evidence that arrives as an object, a
// JSON-encoded object string, or a bare string. A bare or malformed-JSON
// string becomes {"basis": s}.
func NormalizeEvidence(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			return map[string]any{}
		}
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"basis": s}
}

func normalizePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			return map[string]any{}, nil
		}
		return obj, nil
	}
	// A serialized payload string must itself be a valid JSON object.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("must be an object or a JSON-encoded object string")
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("serialized payload is not a JSON object")
	}
	return obj, nil
}

// normalizeLinks accepts either the mapping form {rel: [targets]} or the
// original list form [{rel, target_key|target_item_id}]. Unknown relations
// are dropped.
func normalizeLinks(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 {
		return nil
	}

	var asMap map[string][]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := map[string][]string{}
		for rel, targets := range asMap {
			if !ValidRelation(rel) {
				continue
			}
			for _, t := range targets {
				if t != "" {
					out[rel] = append(out[rel], t)
				}
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	var asList []struct {
		Rel          string `json:"rel"`
		TargetKey    string `json:"target_key"`
		TargetItemID string `json:"target_item_id"`
	}
	if err := json.Unmarshal(raw, &asList); err != nil {
		return nil
	}
	out := map[string][]string{}
	for _, l := range asList {
		target := l.TargetKey
		if target == "" {
			target = l.TargetItemID
		}
		if target == "" || !ValidRelation(l.Rel) {
			continue
		}
		out[l.Rel] = append(out[l.Rel], target)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
