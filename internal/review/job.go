// Package review owns the mutable state of one import review session: the
// candidate set, keep/skip decisions and edits, line annotations, the
// per-candidate persist queue, and collision lookups against the stable-key
// snapshot taken at job load.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/transcript"
)

// snapshotWorkers bounds the stable-key lookup fan-out at job load.
const snapshotWorkers = 4

// Backend is the slice of the dictionary service the review session needs.
type Backend interface {
	GetImportJob(ctx context.Context, jobID string) (*dict.JobRecord, error)
	UpdateCandidate(ctx context.Context, jobID, candidateID string, body any) error
	FindItemByStableKey(ctx context.Context, key string) (*dict.Item, error)
}

// ImportJob is the session aggregate: chunks, candidates, and the point-in-time
// stable-key match snapshot. Candidates are keyed by id; order preserves chunk
// order, then arrival order within a chunk.
type ImportJob struct {
	JobID            string
	Status           string
	Chunks           []transcript.Chunk
	Candidates       map[string]*extraction.Candidate
	Order            []string
	StableKeyMatches map[string]dict.Item
}

// Load fetches a job from the dictionary service and builds its stable-key
// snapshot, looking up each distinct key concurrently. The snapshot covers
// confirmed and suggested keys so a collision surfaces as soon as the reviewer
// confirms a suggestion. Staleness after load is accepted, never re-checked.
func Load(ctx context.Context, backend Backend, jobID string) (*ImportJob, error) {
	rec, err := backend.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	job := &ImportJob{
		JobID:            rec.JobID,
		Status:           rec.Status,
		Chunks:           rec.Chunks,
		Candidates:       make(map[string]*extraction.Candidate, len(rec.Candidates)),
		StableKeyMatches: make(map[string]dict.Item),
	}

	keys := make(map[string]bool)
	for _, c := range rec.Candidates {
		if c.ID == "" {
			return nil, fmt.Errorf("job %s: candidate without id", jobID)
		}
		if _, dup := job.Candidates[c.ID]; dup {
			return nil, fmt.Errorf("job %s: duplicate candidate id %s", jobID, c.ID)
		}
		if c.ChunkIndex < 0 || c.ChunkIndex >= len(job.Chunks) {
			return nil, fmt.Errorf("job %s: candidate %s references missing chunk %d", jobID, c.ID, c.ChunkIndex)
		}
		job.Candidates[c.ID] = c.Clone()
		job.Order = append(job.Order, c.ID)
		if k := c.Draft.StableKey; k != "" {
			keys[k] = true
		}
		if k := c.Draft.StableKeySuggested; k != "" {
			keys[k] = true
		}
	}
	sort.SliceStable(job.Order, func(i, j int) bool {
		return job.Candidates[job.Order[i]].ChunkIndex < job.Candidates[job.Order[j]].ChunkIndex
	})

	if len(keys) == 0 {
		return job, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotWorkers)
	for key := range keys {
		g.Go(func() error {
			item, err := backend.FindItemByStableKey(gctx, key)
			if errors.Is(err, dict.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("looking up stable key %q: %w", key, err)
			}
			mu.Lock()
			job.StableKeyMatches[key] = *item
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return job, nil
}

// CandidatesForChunk returns the ids of the chunk's candidates in order.
func (j *ImportJob) CandidatesForChunk(index int) []string {
	var out []string
	for _, id := range j.Order {
		if j.Candidates[id].ChunkIndex == index {
			out = append(out, id)
		}
	}
	return out
}
