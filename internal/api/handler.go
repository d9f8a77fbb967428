// Package api serves the import pipeline to the UI layer over HTTP and
// exposes dictionary lookup tools to agents over MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kotodict/kotodict/internal/commit"
	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/review"
	"github.com/kotodict/kotodict/internal/scratch"
	"github.com/kotodict/kotodict/internal/transcript"
)

const (
	maxRequestBodySize    = 1 << 20  // 1MB
	maxExtractionBodySize = 10 << 20 // 10MB
)

// Deps holds the handler's collaborators.
type Deps struct {
	Dict      *dict.Client
	Scratch   *scratch.Store // optional
	Token     string
	ChunkSize int
}

// Handler owns the loaded review sessions, one per job.
type Handler struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*review.Session
}

// NewHandler builds the HTTP surface. All routes require bearer auth except
// /health.
func NewHandler(deps Deps) http.Handler {
	h := &Handler{deps: deps, sessions: make(map[string]*review.Session)}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/segment", h.handleSegment)
		r.Post("/jobs", h.handleCreateJob)
		r.Post("/jobs/{id}/load", h.handleLoadJob)
		r.Get("/jobs/{id}", h.handleShowJob)
		r.Post("/jobs/{id}/select", h.handleSelectChunk)
		r.Post("/jobs/{id}/candidates/{cid}/toggle", h.handleToggleKeep)
		r.Patch("/jobs/{id}/candidates/{cid}", h.handleEditCandidate)
		r.Post("/jobs/{id}/candidates/{cid}/retry", h.handleRetryPersist)
		r.Get("/jobs/{id}/candidates/{cid}/collision", h.handleCollision)
		r.Post("/jobs/{id}/annotations", h.handleToggleAnnotation)
		r.Get("/jobs/{id}/annotations", h.handleListAnnotations)
		r.Post("/jobs/{id}/commit", h.handleCommit)
		r.Post("/jobs/{id}/discard", h.handleDiscard)

		r.Get("/items/{id}", h.handleGetItem)
		r.Get("/search", h.handleSearch)
		r.Get("/speakers", h.handleSpeakers)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) session(jobID string) *review.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[jobID]
}

type segmentRequest struct {
	Text      string `json:"text"`
	ChunkSize int    `json:"chunk_size"`
}

func (h *Handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxExtractionBodySize)
	defer r.Body.Close()

	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Text == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = h.deps.ChunkSize
	}

	speakers, err := h.deps.Dict.ListSpeakers(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "fetching speakers: %v", err)
		return
	}

	chunks := transcript.Segment(req.Text, transcript.NewTable(speakers), req.ChunkSize)
	w.Header().Set("Content-Type", "application/json")
	if err := transcript.WriteInput(w, chunks); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "encoding chunks: %v", err)
	}
}

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxExtractionBodySize)
	defer r.Body.Close()

	doc, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return
	}
	// Reject malformed extractions before they reach the service.
	if _, err := extraction.Normalize(doc); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	jobID, err := h.deps.Dict.CreateImportJob(r.Context(), doc)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "creating job: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

func (h *Handler) handleLoadJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := review.Load(r.Context(), h.deps.Dict, jobID)
	if errors.Is(err, dict.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "loading job: %v", err)
		return
	}

	sess, err := review.NewSession(job, h.deps.Dict, h.deps.Scratch)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "starting session: %v", err)
		return
	}

	h.mu.Lock()
	h.sessions[jobID] = sess
	h.mu.Unlock()

	h.writeJobView(w, sess)
}

func (h *Handler) handleShowJob(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}
	h.writeJobView(w, sess)
}

type jobView struct {
	JobID      string                  `json:"job_id"`
	Status     string                  `json:"status"`
	Committed  bool                    `json:"committed"`
	Chunks     []transcript.Chunk      `json:"chunks"`
	Candidates []*extraction.Candidate `json:"candidates"`
	Unsaved    map[string]string       `json:"unsaved,omitempty"`
	ChunkIndex int                     `json:"selected_chunk"`
	Candidate  string                  `json:"selected_candidate,omitempty"`
}

func (h *Handler) writeJobView(w http.ResponseWriter, sess *review.Session) {
	job := sess.Job()
	chunkIndex, candidateID := sess.Selection()
	view := jobView{
		JobID:      job.JobID,
		Status:     job.Status,
		Committed:  sess.Committed(),
		Chunks:     job.Chunks,
		Candidates: sess.Candidates(),
		Unsaved:    sess.Unsaved(),
		ChunkIndex: chunkIndex,
		Candidate:  candidateID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (h *Handler) handleSelectChunk(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	var req struct {
		ChunkIndex int `json:"chunk_index"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if err := sess.SelectChunk(req.ChunkIndex); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	chunkIndex, candidateID := sess.Selection()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"selected_chunk":     chunkIndex,
		"selected_candidate": candidateID,
	})
}

func (h *Handler) handleToggleKeep(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	candidateID := chi.URLParam(r, "cid")
	if err := sess.ToggleKeep(candidateID); err != nil {
		writeSessionError(w, err)
		return
	}
	cand, _ := sess.Candidate(candidateID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cand)
}

// patchRequest is the wire form of a candidate edit. Pointer fields
// distinguish "absent" from "set to zero value".
type patchRequest struct {
	Decision   *string        `json:"decision"`
	SkipType   *string        `json:"skip_type"`
	Reason     *string        `json:"reason"`
	Kind       *string        `json:"kind"`
	SchemaID   *string        `json:"schema_id"`
	Title      *string        `json:"title"`
	Body       *string        `json:"body"`
	Domain     *string        `json:"domain"`
	Tags       []string       `json:"tags"`
	Confidence *float64       `json:"confidence"`
	Payload    map[string]any `json:"payload"`
	PayloadRaw *string        `json:"payload_raw"`
	Evidence   map[string]any `json:"evidence"`
	StableKey  *string        `json:"stable_key"`
}

func (p patchRequest) patch() review.Patch {
	out := review.Patch{
		Reason:     p.Reason,
		Kind:       p.Kind,
		SchemaID:   p.SchemaID,
		Title:      p.Title,
		Body:       p.Body,
		Domain:     p.Domain,
		Tags:       p.Tags,
		Confidence: p.Confidence,
		Payload:    p.Payload,
		RawPayload: p.PayloadRaw,
		Evidence:   p.Evidence,
		StableKey:  p.StableKey,
	}
	if p.Decision != nil {
		d := extraction.Decision(*p.Decision)
		out.Decision = &d
	}
	if p.SkipType != nil {
		st := extraction.SkipType(*p.SkipType)
		out.SkipType = &st
	}
	return out
}

func (h *Handler) handleEditCandidate(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	var req patchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	candidateID := chi.URLParam(r, "cid")
	if err := sess.EditCandidate(candidateID, req.patch()); err != nil {
		writeSessionError(w, err)
		return
	}
	cand, _ := sess.Candidate(candidateID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cand)
}

func (h *Handler) handleRetryPersist(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}
	if err := sess.RetryPersist(chi.URLParam(r, "cid")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (h *Handler) handleCollision(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	col, ok := sess.FindCollision(chi.URLParam(r, "cid"))
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{"collision": nil})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"collision": col,
		"diff":      col.Diff(),
	})
}

func (h *Handler) handleToggleAnnotation(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	var req struct {
		ChunkIndex int    `json:"chunk_index"`
		LineID     string `json:"line_id"`
		Kind       string `json:"kind"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	var err error
	switch req.Kind {
	case scratch.AnnotationMarker:
		err = sess.ToggleMarker(req.ChunkIndex, req.LineID)
	case scratch.AnnotationSkip:
		err = sess.ToggleSkip(req.ChunkIndex, req.LineID)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be marker or skip")
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}

	kind, set := sess.Annotation(req.ChunkIndex, req.LineID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"kind": kind, "set": set})
}

func (h *Handler) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	sess := h.session(chi.URLParam(r, "id"))
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}

	chunkIndex := parseIntParam(r, "chunk", 0, 0)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Annotations(chunkIndex))
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	sess := h.session(jobID)
	if sess == nil {
		httpError(w, http.StatusNotFound, "not_found", "job not loaded")
		return
	}
	if err := sess.BeginCommit(); err != nil {
		writeSessionError(w, err)
		return
	}
	defer sess.EndCommit()

	// Edits still in flight must land before the set is frozen.
	sess.Flush()

	view := sess.CommitView()
	res, err := commit.Commit(r.Context(), h.deps.Dict, view)
	// Item ids recorded during a partial commit must survive into the live
	// aggregate even when the attempt failed, or a retry would insert twice.
	sess.AdoptItemIDs(view)

	var verr *commit.ValidationError
	switch {
	case errors.As(err, &verr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":       verr.Error(),
				"type":          "validation_error",
				"candidate_ids": verr.CandidateIDs,
			},
		})
		return
	case errors.Is(err, dict.ErrAlreadyCommitted):
		httpError(w, http.StatusConflict, "already_committed", "job already committed")
		return
	case err != nil:
		httpError(w, http.StatusBadGateway, "api_error", "commit failed: %v", err)
		return
	}

	if res.Clean() {
		if err := sess.MarkCommitted(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sealing session: %v", err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.deps.Dict.DiscardJob(r.Context(), jobID); err != nil && !errors.Is(err, dict.ErrNotFound) {
		httpError(w, http.StatusBadGateway, "api_error", "discarding job: %v", err)
		return
	}
	if h.deps.Scratch != nil {
		if err := h.deps.Scratch.ClearJob(jobID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing scratch state: %v", err)
			return
		}
	}

	h.mu.Lock()
	delete(h.sessions, jobID)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "discarded"})
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Dict.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, dict.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "fetching item: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.deps.Dict.Search(r.Context(), dict.SearchParams{
		Query:  q.Get("q"),
		Kinds:  q["kind"],
		Domain: q.Get("domain"),
		Tags:   q["tag"],
		Sort:   q.Get("sort"),
		Limit:  parseIntParam(r, "limit", 20, 100),
		Offset: parseIntParam(r, "offset", 0, 0),
	})
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := h.deps.Dict.ListSpeakers(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "fetching speakers: %v", err)
		return
	}
	if speakers == nil {
		speakers = []transcript.Speaker{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(speakers)
}

func writeSessionError(w http.ResponseWriter, err error) {
	var verr *review.ValidationError
	switch {
	case errors.Is(err, review.ErrCommitted):
		httpError(w, http.StatusConflict, "already_committed", "job already committed")
	case errors.Is(err, review.ErrCommitInFlight):
		httpError(w, http.StatusConflict, "commit_in_progress", "commit already in progress")
	case errors.Is(err, review.ErrUnknownCandidate):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "validation_error", "%s", verr.Msg)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
