package commit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/review"
	"github.com/kotodict/kotodict/internal/transcript"
)

type mockBackend struct {
	batchCalls  int
	batchErr    error
	summary     dict.CommitSummary
	creates     []dict.ItemRequest
	updates     map[string]dict.ItemRequest
	links       []dict.LinkRequest
	linkOwners  []string
	failCreates map[string]error // keyed by title
	nextID      int
}

func (m *mockBackend) CommitJob(ctx context.Context, jobID string) (*dict.CommitSummary, error) {
	m.batchCalls++
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	return &m.summary, nil
}

func (m *mockBackend) CreateItem(ctx context.Context, req dict.ItemRequest) (string, error) {
	if err, ok := m.failCreates[req.Title]; ok {
		return "", err
	}
	m.creates = append(m.creates, req)
	m.nextID++
	return fmt.Sprintf("item-%d", m.nextID), nil
}

func (m *mockBackend) UpdateItem(ctx context.Context, itemID string, req dict.ItemRequest) error {
	if m.updates == nil {
		m.updates = make(map[string]dict.ItemRequest)
	}
	m.updates[itemID] = req
	return nil
}

func (m *mockBackend) CreateLink(ctx context.Context, itemID string, link dict.LinkRequest) (string, error) {
	m.links = append(m.links, link)
	m.linkOwners = append(m.linkOwners, itemID)
	return fmt.Sprintf("link-%d", len(m.links)), nil
}

func candidate(id string, chunkIndex int, decision extraction.Decision) *extraction.Candidate {
	return &extraction.Candidate{
		ID:         id,
		ChunkIndex: chunkIndex,
		Decision:   decision,
		SkipType:   extraction.SkipNone,
		Draft: extraction.ItemDraft{
			TempID:   "t-" + id,
			Kind:     extraction.KindKnowledge,
			SchemaID: "knowledge/howto.v1",
			Title:    "title " + id,
			Body:     "body " + id,
			Tags:     []string{"go"},
			Payload:  map[string]any{},
		},
	}
}

func job(cands ...*extraction.Candidate) *review.ImportJob {
	j := &review.ImportJob{
		JobID:      "job-1",
		Chunks:     []transcript.Chunk{{TmpID: "chunk-1"}, {TmpID: "chunk-2"}},
		Candidates: make(map[string]*extraction.Candidate),
	}
	for _, c := range cands {
		j.Candidates[c.ID] = c
		j.Order = append(j.Order, c.ID)
	}
	return j
}

func TestCommit_ValidationRejectsWholesale(t *testing.T) {
	bad := candidate("cand-2", 0, extraction.DecisionKeep)
	bad.Draft.SchemaID = ""
	skippedBad := candidate("cand-3", 0, extraction.DecisionSkip)
	skippedBad.Draft.Kind = "" // SKIP candidates are never validated

	backend := &mockBackend{}
	_, err := Commit(context.Background(), backend,
		job(candidate("cand-1", 0, extraction.DecisionKeep), bad, skippedBad))

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(verr.CandidateIDs) != 1 || verr.CandidateIDs[0] != "cand-2" {
		t.Errorf("offending ids = %v, want [cand-2]", verr.CandidateIDs)
	}
	if backend.batchCalls != 0 || len(backend.creates) != 0 {
		t.Error("validation failure must make zero network calls")
	}
}

func TestCommit_CleanJobUsesBatch(t *testing.T) {
	backend := &mockBackend{
		summary: dict.CommitSummary{Inserted: 2, Skipped: 1, LinksCreated: 3},
	}
	res, err := Commit(context.Background(), backend,
		job(candidate("cand-1", 0, extraction.DecisionKeep),
			candidate("cand-2", 1, extraction.DecisionKeep),
			candidate("cand-3", 1, extraction.DecisionSkip)))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if backend.batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1", backend.batchCalls)
	}
	if res.Inserted != 2 || res.Skipped != 1 || res.LinksCreated != 3 || !res.Clean() {
		t.Errorf("result = %+v", res)
	}
}

func TestCommit_BatchAlreadyCommitted(t *testing.T) {
	backend := &mockBackend{batchErr: dict.ErrAlreadyCommitted}
	_, err := Commit(context.Background(), backend, job(candidate("cand-1", 0, extraction.DecisionKeep)))
	if !errors.Is(err, dict.ErrAlreadyCommitted) {
		t.Errorf("error = %v, want ErrAlreadyCommitted", err)
	}
}

func TestCommit_PerItemMixesUpdatesAndInserts(t *testing.T) {
	carried := candidate("cand-1", 0, extraction.DecisionKeep)
	carried.Draft.ItemID = "item-77" // prior partial success
	fresh := candidate("cand-2", 1, extraction.DecisionKeep)
	skipped := candidate("cand-3", 1, extraction.DecisionSkip)

	backend := &mockBackend{}
	res, err := Commit(context.Background(), backend, job(carried, fresh, skipped))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if backend.batchCalls != 0 {
		t.Error("per-item mode must not call the batch endpoint")
	}
	if res.Updated != 1 || res.Inserted != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := backend.updates["item-77"]; !ok {
		t.Error("carried item id must be submitted as an update, not an insert")
	}
	if fresh.Draft.ItemID == "" {
		t.Error("insert must record the returned item id on the draft")
	}
	if len(backend.creates) != 1 || backend.creates[0].ChunkID != "chunk-2" {
		t.Errorf("creates = %+v, want chunk_id from the owning chunk", backend.creates)
	}
}

func TestCommit_PerItemContinuesPastFailure(t *testing.T) {
	carried := candidate("cand-1", 0, extraction.DecisionKeep)
	carried.Draft.ItemID = "item-1"
	failing := candidate("cand-2", 0, extraction.DecisionKeep)
	after := candidate("cand-3", 1, extraction.DecisionKeep)

	backend := &mockBackend{
		failCreates: map[string]error{
			"title cand-2": &dict.APIError{StatusCode: 422, Detail: "stable_key already in use"},
		},
	}
	res, err := Commit(context.Background(), backend, job(carried, failing, after))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 {
		t.Errorf("result = %+v, want the failure not to block cand-3", res)
	}
	if len(res.Failed) != 1 || res.Failed[0].CandidateID != "cand-2" || res.Failed[0].Detail != "stable_key already in use" {
		t.Errorf("failures = %+v", res.Failed)
	}
	if failing.Draft.ItemID != "" {
		t.Error("failed insert must not record an item id")
	}
}

func TestCommit_LinkPassRemapsTempIDs(t *testing.T) {
	carried := candidate("cand-1", 0, extraction.DecisionKeep)
	carried.Draft.ItemID = "item-50"
	fresh := candidate("cand-2", 0, extraction.DecisionKeep)
	fresh.Draft.Links = map[string][]string{
		extraction.RelRelated: {"t-cand-1"}, // temp id of cand-1
	}

	backend := &mockBackend{}
	res, err := Commit(context.Background(), backend, job(carried, fresh))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var related, bornFrom *dict.LinkRequest
	for i := range backend.links {
		switch backend.links[i].Rel {
		case extraction.RelRelated:
			related = &backend.links[i]
		case extraction.RelBornFrom:
			bornFrom = &backend.links[i]
		}
	}
	if related == nil || related.TargetItemID != "item-50" {
		t.Errorf("related link = %+v, want temp id remapped to item-50", related)
	}
	if bornFrom == nil || bornFrom.TargetItemID != "chunk-1" {
		t.Errorf("born_from link = %+v, want derived link to owning chunk", bornFrom)
	}
	if res.LinksCreated != 2 {
		t.Errorf("links created = %d, want 2", res.LinksCreated)
	}
}

func TestCommit_RecommitAfterFullSuccessInsertsNothing(t *testing.T) {
	c1 := candidate("cand-1", 0, extraction.DecisionKeep)
	c2 := candidate("cand-2", 1, extraction.DecisionKeep)
	j := job(c1, c2)

	backend := &mockBackend{}
	// Force per-item mode by marking one candidate persisted, then commit.
	c1.Draft.ItemID = "item-1"
	if _, err := Commit(context.Background(), backend, j); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	firstInserts := len(backend.creates)

	res, err := Commit(context.Background(), backend, j)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if len(backend.creates) != firstInserts {
		t.Errorf("second commit created %d new items, want 0", len(backend.creates)-firstInserts)
	}
	if res.Inserted != 0 || res.Updated != 2 {
		t.Errorf("second commit result = %+v, want all updates", res)
	}
}
