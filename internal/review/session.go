package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kotodict/kotodict/internal/extraction"
	"github.com/kotodict/kotodict/internal/scratch"
)

// ErrCommitted is returned by every mutation after the job committed.
var ErrCommitted = errors.New("job already committed")

// ErrCommitInFlight is returned by mutations while a commit attempt is
// running; the candidate set is frozen until it resolves.
var ErrCommitInFlight = errors.New("commit in progress")

// ErrUnknownCandidate is returned when an operation names a candidate id the
// job does not contain.
var ErrUnknownCandidate = errors.New("unknown candidate")

// ValidationError reports a rejected edit. The state machine is untouched
// when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Session is the review state machine for one import job. All operations are
// safe for concurrent use; persists run asynchronously per candidate.
type Session struct {
	mu sync.Mutex
	wg sync.WaitGroup

	job     *ImportJob
	backend Backend
	store   *scratch.Store // optional

	selectedChunk     int
	selectedCandidate string
	committed         bool
	committing        bool

	annotations map[annKey]string
	slots       map[string]*persistSlot
	unsaved     map[string]string
}

type annKey struct {
	chunkIndex int
	lineID     string
}

// NewSession wraps a loaded job. When store is non-nil, annotations and
// unsaved patches of a previous session for the same job are restored from it.
func NewSession(job *ImportJob, backend Backend, store *scratch.Store) (*Session, error) {
	s := &Session{
		job:         job,
		backend:     backend,
		store:       store,
		annotations: make(map[annKey]string),
		slots:       make(map[string]*persistSlot),
		unsaved:     make(map[string]string),
	}
	if len(job.Order) > 0 {
		s.selectedCandidate = job.Order[0]
		s.selectedChunk = job.Candidates[s.selectedCandidate].ChunkIndex
	}
	if store == nil {
		return s, nil
	}

	anns, err := store.Annotations(job.JobID)
	if err != nil {
		return nil, fmt.Errorf("restoring annotations: %w", err)
	}
	for _, a := range anns {
		s.annotations[annKey{a.ChunkIndex, a.LineID}] = a.Kind
	}

	patches, err := store.PendingPatches(job.JobID)
	if err != nil {
		return nil, fmt.Errorf("restoring pending patches: %w", err)
	}
	for candidateID, raw := range patches {
		cand, ok := job.Candidates[candidateID]
		if !ok {
			continue
		}
		var state candidateState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		cand.Decision = state.Decision
		cand.SkipType = state.SkipType
		cand.Reason = state.Reason
		cand.Draft = state.Item
		s.unsaved[candidateID] = "restored from a previous session, not yet saved"
	}
	return s, nil
}

// Job returns the underlying aggregate. Callers must treat it as read-only.
func (s *Session) Job() *ImportJob {
	return s.job
}

// Candidate returns a copy of one candidate's current state.
func (s *Session) Candidate(id string) (*extraction.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.job.Candidates[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Candidates returns copies of all candidates in chunk order.
func (s *Session) Candidates() []*extraction.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*extraction.Candidate, 0, len(s.job.Order))
	for _, id := range s.job.Order {
		out = append(out, s.job.Candidates[id].Clone())
	}
	return out
}

// mutableLocked reports whether the session still accepts mutations.
// Caller holds s.mu.
func (s *Session) mutableLocked() error {
	if s.committed {
		return ErrCommitted
	}
	if s.committing {
		return ErrCommitInFlight
	}
	return nil
}

// ToggleKeep flips a candidate between KEEP and SKIP and queues a persist.
func (s *Session) ToggleKeep(candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	c, ok := s.job.Candidates[candidateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}
	if c.Decision == extraction.DecisionKeep {
		c.Decision = extraction.DecisionSkip
	} else {
		c.Decision = extraction.DecisionKeep
		c.SkipType = extraction.SkipNone
	}
	s.enqueuePersistLocked(candidateID)
	return nil
}

// Patch is a partial candidate edit. Nil fields are left unchanged.
// RawPayload carries a serialized payload object; it is parsed before any
// state changes, so a malformed payload rejects the whole edit.
type Patch struct {
	Decision           *extraction.Decision
	SkipType           *extraction.SkipType
	Reason             *string
	Kind               *string
	SchemaID           *string
	Title              *string
	Body               *string
	Domain             *string
	Tags               []string
	Confidence         *float64
	Payload            map[string]any
	RawPayload         *string
	Evidence           map[string]any
	StableKey          *string
	StableKeySuggested *string
}

// EditCandidate merges a patch into the candidate and queues a persist.
func (s *Session) EditCandidate(candidateID string, patch Patch) error {
	// Parse outside the merge so a failure has no effect at all.
	var parsedPayload map[string]any
	if patch.RawPayload != nil {
		if err := json.Unmarshal([]byte(*patch.RawPayload), &parsedPayload); err != nil || parsedPayload == nil {
			return &ValidationError{Msg: "payload must be a JSON object"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	c, ok := s.job.Candidates[candidateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}

	if patch.Decision != nil {
		c.Decision = *patch.Decision
		// A return to KEEP clears the skip qualifier, same as ToggleKeep.
		if c.Decision == extraction.DecisionKeep {
			c.SkipType = extraction.SkipNone
		}
	}
	if patch.SkipType != nil {
		c.SkipType = *patch.SkipType
	}
	if patch.Reason != nil {
		c.Reason = *patch.Reason
	}
	d := &c.Draft
	if patch.Kind != nil {
		d.Kind = *patch.Kind
	}
	if patch.SchemaID != nil {
		d.SchemaID = *patch.SchemaID
	}
	if patch.Title != nil {
		d.Title = *patch.Title
	}
	if patch.Body != nil {
		d.Body = *patch.Body
	}
	if patch.Domain != nil {
		d.Domain = *patch.Domain
	}
	if patch.Tags != nil {
		tags := []string{}
		seen := map[string]bool{}
		for _, t := range patch.Tags {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			tags = append(tags, t)
		}
		d.Tags = tags
	}
	if patch.Confidence != nil {
		f := *patch.Confidence
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		d.Confidence = f
	}
	if parsedPayload != nil {
		d.Payload = parsedPayload
	} else if patch.Payload != nil {
		d.Payload = patch.Payload
	}
	if patch.Evidence != nil {
		d.Evidence = patch.Evidence
	}
	if patch.StableKey != nil {
		d.StableKey = *patch.StableKey
	}
	if patch.StableKeySuggested != nil {
		d.StableKeySuggested = *patch.StableKeySuggested
	}

	s.enqueuePersistLocked(candidateID)
	return nil
}

// SelectChunk switches the active chunk. When the selected candidate does not
// belong to the new chunk, selection falls back to the chunk's first candidate
// or to none.
func (s *Session) SelectChunk(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.job.Chunks) {
		return fmt.Errorf("chunk index %d out of range", index)
	}
	s.selectedChunk = index
	if s.selectedCandidate != "" {
		if c, ok := s.job.Candidates[s.selectedCandidate]; ok && c.ChunkIndex == index {
			return nil
		}
	}
	s.selectedCandidate = ""
	if ids := s.job.CandidatesForChunk(index); len(ids) > 0 {
		s.selectedCandidate = ids[0]
	}
	return nil
}

// SelectCandidate makes a candidate active, following its chunk.
func (s *Session) SelectCandidate(candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.job.Candidates[candidateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}
	s.selectedCandidate = candidateID
	s.selectedChunk = c.ChunkIndex
	return nil
}

// Selection returns the active chunk index and candidate id (empty for none).
func (s *Session) Selection() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedChunk, s.selectedCandidate
}

// BeginCommit freezes the session for a commit attempt. Mutations return
// ErrCommitInFlight until EndCommit; a second BeginCommit fails the same way.
func (s *Session) BeginCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	s.committing = true
	return nil
}

// EndCommit lifts the freeze after a commit attempt resolved.
func (s *Session) EndCommit() {
	s.mu.Lock()
	s.committing = false
	s.mu.Unlock()
}

// CommitView returns a snapshot of the job for the commit coordinator to
// work on. Candidates and order are deep-copied; chunks and the stable-key
// snapshot are shared because nothing writes to them.
func (s *Session) CommitView() *ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := &ImportJob{
		JobID:            s.job.JobID,
		Status:           s.job.Status,
		Chunks:           s.job.Chunks,
		Candidates:       make(map[string]*extraction.Candidate, len(s.job.Candidates)),
		Order:            append([]string(nil), s.job.Order...),
		StableKeyMatches: s.job.StableKeyMatches,
	}
	for id, c := range s.job.Candidates {
		view.Candidates[id] = c.Clone()
	}
	return view
}

// AdoptItemIDs folds item ids recorded on a commit view back into the live
// aggregate, so a later retry submits updates instead of duplicate inserts.
// Only the id is taken; ids already present are never overwritten.
func (s *Session) AdoptItemIDs(view *ImportJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, vc := range view.Candidates {
		if vc.Draft.ItemID == "" {
			continue
		}
		if c, ok := s.job.Candidates[id]; ok && c.Draft.ItemID == "" {
			c.Draft.ItemID = vc.Draft.ItemID
		}
	}
}

// MarkCommitted seals the session after a successful commit. Further
// mutations return ErrCommitted; scratch state of the job is dropped.
func (s *Session) MarkCommitted() error {
	s.mu.Lock()
	s.committed = true
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.ClearJob(s.job.JobID); err != nil {
			return fmt.Errorf("clearing scratch state: %w", err)
		}
	}
	return nil
}

// Committed reports whether the session has been sealed.
func (s *Session) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}
