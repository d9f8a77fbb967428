package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/transcript"
)

const testToken = "test-token"

// fakeDictService is a minimal stand-in for the dictionary service backend.
func fakeDictService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/speakers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"speakers":[{"name":"Alice","role":"human"},{"name":"Bot","role":"ai"}]}`))
	})
	mux.HandleFunc("POST /api/import/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job_id":"job-1"}`))
	})
	mux.HandleFunc("GET /api/import/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job":{"job_id":"job-1","status":"reviewing",
			"chunks":[{"chunk_tmp_id":"chunk-1"}],
			"candidates":[
				{"candidate_id":"cand-1","chunk_index":0,"decision":"KEEP","skip_type":"NONE",
				 "item":{"kind":"term","schema_id":"term/def.v1","title":"FTS5","body":"b","stable_key":"term/fts5","tags":[],"confidence":0.8,"payload":{}}},
				{"candidate_id":"cand-2","chunk_index":0,"decision":"KEEP","skip_type":"NONE",
				 "item":{"kind":"summary","schema_id":"summary/basic.v1","title":"S","body":"b","tags":[],"confidence":0.5,"payload":{}}}
			]}}`))
	})
	mux.HandleFunc("PUT /api/import/jobs/job-1/candidates/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/items/by-key", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("stable_key") == "term/fts5" {
			w.Write([]byte(`{"item":{"item_id":"item-1","kind":"term","title":"stored FTS5","stable_key":"term/fts5"}}`))
			return
		}
		w.Write([]byte(`{"item":null}`))
	})
	mux.HandleFunc("POST /api/import/jobs/job-1/commit", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"inserted":2,"updated":0,"skipped":0,"links_created":1}`))
	})
	mux.HandleFunc("POST /api/import/jobs/job-1/discard", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/items/item-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"item":{"item_id":"item-1","kind":"term","title":"stored FTS5"}}`))
	})
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":1,"items":[{"item_id":"item-1","kind":"term","title":"stored FTS5"}]}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("fake service got unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend := fakeDictService(t)
	h := NewHandler(Deps{
		Dict:      dict.New(backend.URL, ""),
		Token:     testToken,
		ChunkSize: 14,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/speakers")
	if err != nil {
		t.Fatalf("GET /speakers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/speakers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /speakers: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want 401", resp2.StatusCode)
	}
}

func TestSegmentEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/segment",
		`{"text":"Alice\nHello\nBot\nHi there\n"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	chunks, err := transcript.ReadInput(resp.Body)
	if err != nil {
		t.Fatalf("ReadInput: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0].Messages) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Messages[1].Speaker != "Bot" || chunks[0].Messages[1].CanonicalRole != transcript.RoleAI {
		t.Errorf("second message = %+v", chunks[0].Messages[1])
	}
}

func TestSegmentEndpoint_MissingText(t *testing.T) {
	srv := newTestServer(t)
	resp := doRequest(t, http.MethodPost, srv.URL+"/segment", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateJob_RejectsMalformedExtraction(t *testing.T) {
	srv := newTestServer(t)
	resp := doRequest(t, http.MethodPost, srv.URL+"/jobs", `{"chunks": [`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv := newTestServer(t)

	// Create.
	resp := doRequest(t, http.MethodPost, srv.URL+"/jobs",
		`{"items":[{"kind":"term","schema_id":"term/def.v1","title":"T","body":"B"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created map[string]string
	decodeBody(t, resp, &created)
	if created["job_id"] != "job-1" {
		t.Fatalf("job id = %q", created["job_id"])
	}

	// Operations before load are rejected.
	resp = doRequest(t, http.MethodGet, srv.URL+"/jobs/job-1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("show before load = %d, want 404", resp.StatusCode)
	}

	// Load.
	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/load", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d", resp.StatusCode)
	}
	var view jobView
	decodeBody(t, resp, &view)
	if len(view.Candidates) != 2 || view.Candidate != "cand-1" {
		t.Fatalf("view = %+v", view)
	}

	// Toggle.
	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/candidates/cand-1/toggle", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	var toggled struct {
		Decision string `json:"decision"`
	}
	decodeBody(t, resp, &toggled)
	if toggled.Decision != "SKIP" {
		t.Errorf("decision = %q, want SKIP", toggled.Decision)
	}

	// Collision: cand-1 carries a stable key the service has a match for.
	resp = doRequest(t, http.MethodGet, srv.URL+"/jobs/job-1/candidates/cand-1/collision", "")
	var colResp struct {
		Collision *struct {
			StableKey string `json:"stable_key"`
		} `json:"collision"`
	}
	decodeBody(t, resp, &colResp)
	if colResp.Collision == nil || colResp.Collision.StableKey != "term/fts5" {
		t.Errorf("collision = %+v", colResp.Collision)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/jobs/job-1/candidates/cand-2/collision", "")
	colResp.Collision = nil
	decodeBody(t, resp, &colResp)
	if colResp.Collision != nil {
		t.Error("cand-2 should have no collision")
	}

	// Commit via the batch path.
	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/commit", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}
	var summary struct {
		Inserted     int `json:"inserted"`
		LinksCreated int `json:"links_created"`
	}
	decodeBody(t, resp, &summary)
	if summary.Inserted != 2 || summary.LinksCreated != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// The session is sealed: a second commit and further edits are conflicts.
	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/commit", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second commit = %d, want 409", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/candidates/cand-1/toggle", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("toggle after commit = %d, want 409", resp.StatusCode)
	}
}

func TestEditCandidate_BadRawPayload(t *testing.T) {
	srv := newTestServer(t)
	doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/load", "")

	resp := doRequest(t, http.MethodPatch, srv.URL+"/jobs/job-1/candidates/cand-1",
		`{"payload_raw":"{broken"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var errResp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, resp, &errResp)
	if errResp.Error.Type != "validation_error" {
		t.Errorf("error type = %q", errResp.Error.Type)
	}
}

func TestEditCandidate_AppliesPatch(t *testing.T) {
	srv := newTestServer(t)
	doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/load", "")

	resp := doRequest(t, http.MethodPatch, srv.URL+"/jobs/job-1/candidates/cand-2",
		`{"title":"edited","tags":["a","a","b"],"confidence":0.9}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cand struct {
		Item struct {
			Title      string   `json:"title"`
			Tags       []string `json:"tags"`
			Confidence float64  `json:"confidence"`
		} `json:"item"`
	}
	decodeBody(t, resp, &cand)
	if cand.Item.Title != "edited" || len(cand.Item.Tags) != 2 || cand.Item.Confidence != 0.9 {
		t.Errorf("candidate item = %+v", cand.Item)
	}
}

func TestAnnotations(t *testing.T) {
	srv := newTestServer(t)
	doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/load", "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/annotations",
		`{"chunk_index":0,"line_id":"1:1","kind":"marker"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/jobs/job-1/annotations?chunk=0", "")
	var anns map[string]string
	decodeBody(t, resp, &anns)
	if anns["1:1"] != "marker" {
		t.Errorf("annotations = %v", anns)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/annotations",
		`{"chunk_index":0,"line_id":"1:1","kind":"glow"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", resp.StatusCode)
	}
}

func TestItemProxy(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/items/item-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var item struct {
		ItemID string `json:"item_id"`
	}
	decodeBody(t, resp, &item)
	if item.ItemID != "item-1" {
		t.Errorf("item = %+v", item)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/search?q=fts5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	var result struct {
		Total int `json:"total"`
	}
	decodeBody(t, resp, &result)
	if result.Total != 1 {
		t.Errorf("search total = %d", result.Total)
	}
}

func TestDiscard(t *testing.T) {
	srv := newTestServer(t)
	doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/load", "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/jobs/job-1/discard", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discard status = %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/jobs/job-1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("show after discard = %d, want 404", resp.StatusCode)
	}
}
