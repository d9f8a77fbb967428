package dict

import (
	"errors"
	"fmt"

	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/transcript"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyCommitted is returned when the service refuses a batch commit
// because the job (or its chunk digest) was committed before.
var ErrAlreadyCommitted = errors.New("job already committed")

// APIError is a non-success response from the dictionary service, carrying
// the server-provided detail text when one was available.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dictionary service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("dictionary service returned %d: %s", e.StatusCode, e.Detail)
}

// Tag is a persisted tag assignment.
type Tag struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Item is a persisted dictionary item as returned by the service.
type Item struct {
	ItemID     string         `json:"item_id"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	Kind       string         `json:"kind"`
	SchemaID   string         `json:"schema_id"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	StableKey  string         `json:"stable_key,omitempty"`
	Domain     string         `json:"domain,omitempty"`
	Confidence float64        `json:"confidence"`
	Status     string         `json:"status,omitempty"`
	Tags       []Tag          `json:"tags,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
	UpdatedAt  string         `json:"updated_at,omitempty"`
}

// ItemRequest is the body for creating or updating a persisted item.
type ItemRequest struct {
	ChunkID    string         `json:"chunk_id,omitempty"`
	Kind       string         `json:"kind"`
	SchemaID   string         `json:"schema_id"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	StableKey  string         `json:"stable_key,omitempty"`
	Domain     string         `json:"domain,omitempty"`
	Confidence float64        `json:"confidence"`
	Tags       []Tag          `json:"tags"`
	Payload    map[string]any `json:"payload"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Source     map[string]any `json:"source,omitempty"`
}

// LinkRequest creates one item link.
type LinkRequest struct {
	Rel          string  `json:"rel"`
	TargetItemID string  `json:"target_item_id"`
	Note         string  `json:"note,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// JobRecord is an import job as stored by the service.
type JobRecord struct {
	JobID      string                  `json:"job_id"`
	Status     string                  `json:"status"`
	Source     map[string]any          `json:"source,omitempty"`
	Chunks     []transcript.Chunk      `json:"chunks"`
	Candidates []*extraction.Candidate `json:"candidates"`
}

// CommitSummary is the aggregate result of a service-side batch commit.
type CommitSummary struct {
	Inserted     int      `json:"inserted"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	LinksCreated int      `json:"links_created"`
	Warnings     []string `json:"warnings,omitempty"`
}

// SearchParams filter a dictionary search. Ranking is entirely server-side.
type SearchParams struct {
	Query  string
	Kinds  []string
	Domain string
	Tags   []string
	Sort   string
	Limit  int
	Offset int
}

// SearchResult is one page of search hits.
type SearchResult struct {
	Total int    `json:"total"`
	Items []Item `json:"items"`
}
