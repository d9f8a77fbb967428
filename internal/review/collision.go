package review

import (
	"strings"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
)

// Collision pairs a candidate draft with the stored item holding the same
// stable key. Advisory only; resolving it is an ordinary edit.
type Collision struct {
	StableKey string               `json:"stable_key"`
	Existing  dict.Item            `json:"existing"`
	Draft     extraction.ItemDraft `json:"draft"`
}

// FieldDiff is one row of the side-by-side comparison.
type FieldDiff struct {
	Field   string `json:"field"`
	Stored  string `json:"stored"`
	Draft   string `json:"draft"`
	Changed bool   `json:"changed"`
}

// Diff renders the comparison the reviewer decides on. The stored item's
// updated-at rides along as a row with no draft counterpart.
func (c *Collision) Diff() []FieldDiff {
	storedTags := make([]string, len(c.Existing.Tags))
	for i, t := range c.Existing.Tags {
		storedTags[i] = t.Name
	}
	rows := []FieldDiff{
		{Field: "kind", Stored: c.Existing.Kind, Draft: c.Draft.Kind},
		{Field: "title", Stored: c.Existing.Title, Draft: c.Draft.Title},
		{Field: "body", Stored: c.Existing.Body, Draft: c.Draft.Body},
		{Field: "domain", Stored: c.Existing.Domain, Draft: c.Draft.Domain},
		{Field: "tags", Stored: strings.Join(storedTags, ", "), Draft: strings.Join(c.Draft.Tags, ", ")},
		{Field: "updated_at", Stored: c.Existing.UpdatedAt},
	}
	for i := range rows {
		rows[i].Changed = rows[i].Stored != rows[i].Draft
	}
	rows[len(rows)-1].Changed = false
	return rows
}

// FindCollision reports whether the candidate's confirmed stable key matches
// a previously stored item. Pure view over the job-load snapshot: no network
// call, no mutation, and collisions created after load are not seen.
func (s *Session) FindCollision(candidateID string) (*Collision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.job.Candidates[candidateID]
	if !ok {
		return nil, false
	}
	key := c.Draft.StableKey
	if key == "" {
		return nil, false
	}
	existing, ok := s.job.StableKeyMatches[key]
	if !ok {
		return nil, false
	}
	return &Collision{
		StableKey: key,
		Existing:  existing,
		Draft:     c.Draft.Clone(),
	}, true
}
