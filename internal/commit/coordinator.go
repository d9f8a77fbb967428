// Package commit converts a reviewed candidate set into persisted dictionary
// items, either as one service-side batch or item by item when a prior run
// partially succeeded.
package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/review"
)

// Backend is the slice of the dictionary service the coordinator needs.
type Backend interface {
	CommitJob(ctx context.Context, jobID string) (*dict.CommitSummary, error)
	CreateItem(ctx context.Context, req dict.ItemRequest) (string, error)
	UpdateItem(ctx context.Context, itemID string, req dict.ItemRequest) error
	CreateLink(ctx context.Context, itemID string, link dict.LinkRequest) (string, error)
}

// ValidationError rejects the whole commit before any submission.
type ValidationError struct {
	CandidateIDs []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("candidates missing kind or schema id: %s", strings.Join(e.CandidateIDs, ", "))
}

// Failure is one candidate's submission error. It does not abort the batch.
type Failure struct {
	CandidateID string `json:"candidate_id"`
	Detail      string `json:"detail"`
}

// Result is the commit summary. Failed lists the candidates whose submission
// failed so the caller can retry just those.
type Result struct {
	Inserted     int       `json:"inserted"`
	Updated      int       `json:"updated"`
	Skipped      int       `json:"skipped"`
	LinksCreated int       `json:"links_created"`
	Failed       []Failure `json:"failed,omitempty"`
}

// Clean reports whether every submission succeeded.
func (r *Result) Clean() bool {
	return len(r.Failed) == 0
}

// Commit validates and submits the job's KEEP candidates.
//
// Validation failures reject wholesale with zero network calls. A job with no
// previously persisted item ids goes through the service's batch endpoint,
// whose digest guard maps to dict.ErrAlreadyCommitted on re-submission. A job
// where some candidate already carries an item id (prior partial success)
// is submitted per item: carriers become updates, the rest inserts whose
// returned ids are recorded on the draft immediately, so another retry
// cannot insert them twice. A link pass follows, remapping temp ids through
// the ids assigned this run and deriving a born_from link to the owning
// chunk for every insert.
//
// The per-item path writes recorded ids onto the job's drafts, so callers
// sharing the aggregate pass a snapshot (review.Session.CommitView) and fold
// the ids back afterwards.
func Commit(ctx context.Context, backend Backend, job *review.ImportJob) (*Result, error) {
	var offending []string
	perItem := false
	for _, id := range job.Order {
		c := job.Candidates[id]
		if c.Decision != extraction.DecisionKeep {
			continue
		}
		if c.Draft.Kind == "" || c.Draft.SchemaID == "" {
			offending = append(offending, id)
		}
		if c.Draft.ItemID != "" {
			perItem = true
		}
	}
	if len(offending) > 0 {
		return nil, &ValidationError{CandidateIDs: offending}
	}

	if !perItem {
		summary, err := backend.CommitJob(ctx, job.JobID)
		if err != nil {
			return nil, err
		}
		return &Result{
			Inserted:     summary.Inserted,
			Updated:      summary.Updated,
			Skipped:      summary.Skipped,
			LinksCreated: summary.LinksCreated,
		}, nil
	}
	return commitPerItem(ctx, backend, job)
}

func commitPerItem(ctx context.Context, backend Backend, job *review.ImportJob) (*Result, error) {
	res := &Result{}
	idMap := make(map[string]string)  // temp id -> persisted id
	inserted := make(map[string]bool) // candidate ids inserted this run

	for _, id := range job.Order {
		c := job.Candidates[id]
		if c.Decision != extraction.DecisionKeep {
			res.Skipped++
			continue
		}
		req := itemRequest(job, c)

		if c.Draft.ItemID != "" {
			if err := backend.UpdateItem(ctx, c.Draft.ItemID, req); err != nil {
				res.Failed = append(res.Failed, Failure{CandidateID: id, Detail: failureDetail(err)})
				continue
			}
			res.Updated++
		} else {
			itemID, err := backend.CreateItem(ctx, req)
			if err != nil {
				res.Failed = append(res.Failed, Failure{CandidateID: id, Detail: failureDetail(err)})
				continue
			}
			c.Draft.ItemID = itemID
			inserted[id] = true
			res.Inserted++
		}
		if c.Draft.TempID != "" {
			idMap[c.Draft.TempID] = c.Draft.ItemID
		}
	}

	for _, id := range job.Order {
		c := job.Candidates[id]
		if c.Decision != extraction.DecisionKeep || c.Draft.ItemID == "" {
			continue
		}

		links := make(map[string][]string, len(c.Draft.Links))
		for rel, targets := range c.Draft.Links {
			links[rel] = targets
		}
		if inserted[id] && !hasChunkLink(links[extraction.RelBornFrom], job, c) {
			chunkID := job.Chunks[c.ChunkIndex].TmpID
			links[extraction.RelBornFrom] = append(links[extraction.RelBornFrom], chunkID)
		}

		for rel, targets := range links {
			for _, target := range targets {
				if mapped, ok := idMap[target]; ok {
					target = mapped
				}
				if target == c.Draft.ItemID {
					continue
				}
				if _, err := backend.CreateLink(ctx, c.Draft.ItemID, dict.LinkRequest{
					Rel:          rel,
					TargetItemID: target,
				}); err != nil {
					res.Failed = append(res.Failed, Failure{CandidateID: id, Detail: failureDetail(err)})
					continue
				}
				res.LinksCreated++
			}
		}
	}
	return res, nil
}

func itemRequest(job *review.ImportJob, c *extraction.Candidate) dict.ItemRequest {
	tags := make([]dict.Tag, len(c.Draft.Tags))
	for i, t := range c.Draft.Tags {
		tags[i] = dict.Tag{Name: t}
	}
	return dict.ItemRequest{
		ChunkID:    job.Chunks[c.ChunkIndex].TmpID,
		Kind:       c.Draft.Kind,
		SchemaID:   c.Draft.SchemaID,
		Title:      c.Draft.Title,
		Body:       c.Draft.Body,
		StableKey:  c.Draft.StableKey,
		Domain:     c.Draft.Domain,
		Confidence: c.Draft.Confidence,
		Tags:       tags,
		Payload:    c.Draft.Payload,
		Evidence:   c.Draft.Evidence,
	}
}

func hasChunkLink(targets []string, job *review.ImportJob, c *extraction.Candidate) bool {
	chunkID := job.Chunks[c.ChunkIndex].TmpID
	for _, t := range targets {
		if t == chunkID {
			return true
		}
	}
	return false
}

func failureDetail(err error) string {
	var apiErr *dict.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}
