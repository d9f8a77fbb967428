package dict

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateImportJob(t *testing.T) {
	var gotAuth string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/import/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-abc"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	jobID, err := c.CreateImportJob(context.Background(), json.RawMessage(`{"chunks":[]}`))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	if jobID != "job-abc" {
		t.Errorf("job id = %q, want job-abc", jobID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if _, ok := gotBody["extraction"]; !ok {
		t.Error("request body missing extraction field")
	}
}

func TestGetImportJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/import/jobs/job-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"job":{"job_id":"job-1","status":"reviewing",
			"chunks":[{"chunk_tmp_id":"chunk-1"}],
			"candidates":[{"candidate_id":"cand-1","chunk_index":0,"decision":"KEEP","skip_type":"NONE",
				"item":{"kind":"term","schema_id":"term/def.v1","title":"T","body":"B","tags":[],"confidence":0.5,"payload":{}}}]}}`))
	}))
	defer srv.Close()

	job, err := New(srv.URL, "").GetImportJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetImportJob: %v", err)
	}
	if job.Status != "reviewing" || len(job.Chunks) != 1 || len(job.Candidates) != 1 {
		t.Fatalf("job = %+v", job)
	}
	if job.Candidates[0].Draft.Title != "T" {
		t.Errorf("candidate draft title = %q", job.Candidates[0].Draft.Title)
	}
}

func TestFindItemByStableKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items/by-key" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.URL.Query().Get("stable_key") {
		case "term/fts5":
			w.Write([]byte(`{"item":{"item_id":"item-1","kind":"term","stable_key":"term/fts5"}}`))
		default:
			w.Write([]byte(`{"item":null}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	item, err := c.FindItemByStableKey(context.Background(), "term/fts5")
	if err != nil {
		t.Fatalf("FindItemByStableKey: %v", err)
	}
	if item.ItemID != "item-1" {
		t.Errorf("item id = %q", item.ItemID)
	}

	_, err = c.FindItemByStableKey(context.Background(), "term/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCommitJob_AlreadyCommitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"already_committed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CommitJob(context.Background(), "job-1")
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Errorf("error = %v, want ErrAlreadyCommitted", err)
	}
}

func TestCommitJob_Summary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/import/jobs/job-1/commit" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"inserted":3,"updated":1,"skipped":2,"links_created":4}`))
	}))
	defer srv.Close()

	sum, err := New(srv.URL, "").CommitJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("CommitJob: %v", err)
	}
	if sum.Inserted != 3 || sum.Updated != 1 || sum.Skipped != 2 || sum.LinksCreated != 4 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestAPIError_CarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"stable_key already in use"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CreateItem(context.Background(), ItemRequest{Kind: "term"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Detail != "stable_key already in use" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetItem(context.Background(), "item-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSearch_QueryEncoding(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"total":1,"items":[{"item_id":"item-1","kind":"knowledge","title":"X"}]}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "").Search(context.Background(), SearchParams{
		Query: "fts5",
		Kinds: []string{"knowledge", "term"},
		Tags:  []string{"sqlite"},
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 {
		t.Fatalf("result = %+v", res)
	}
	q := "kind=knowledge&kind=term&limit=10&q=fts5&tag=sqlite"
	if gotQuery != q {
		t.Errorf("query = %q, want %q", gotQuery, q)
	}
}

func TestListSpeakers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"speakers":[{"name":"Alice","role":"human"},{"name":"Bot","role":"ai"}]}`))
	}))
	defer srv.Close()

	speakers, err := New(srv.URL, "").ListSpeakers(context.Background())
	if err != nil {
		t.Fatalf("ListSpeakers: %v", err)
	}
	if len(speakers) != 2 || speakers[0].Name != "Alice" {
		t.Errorf("speakers = %+v", speakers)
	}
}
