package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kotodict/kotodict/internal/dict"
	"github.com/kotodict/kotodict/internal/extraction"
)

// candidateState is the wire snapshot persisted after each mutation. It is
// also the scratchpad record for edits that failed to reach the service.
type candidateState struct {
	Decision extraction.Decision  `json:"decision"`
	SkipType extraction.SkipType  `json:"skip_type"`
	Reason   string               `json:"reason"`
	Item     extraction.ItemDraft `json:"item"`
}

// persistSlot serializes persists of one candidate. While a persist is in
// flight, later snapshots overwrite queued so only the latest one is sent.
type persistSlot struct {
	inFlight bool
	queued   *candidateState
}

// enqueuePersistLocked snapshots the candidate's current state and hands it
// to the candidate's slot. Caller holds s.mu.
func (s *Session) enqueuePersistLocked(candidateID string) {
	c := s.job.Candidates[candidateID]
	state := &candidateState{
		Decision: c.Decision,
		SkipType: c.SkipType,
		Reason:   c.Reason,
		Item:     c.Draft.Clone(),
	}

	slot, ok := s.slots[candidateID]
	if !ok {
		slot = &persistSlot{}
		s.slots[candidateID] = slot
	}
	if slot.inFlight {
		slot.queued = state
		return
	}
	slot.inFlight = true
	s.wg.Add(1)
	go s.runPersist(candidateID, state)
}

// runPersist sends snapshots of one candidate until the slot drains. A failed
// send records the candidate as unsaved and stores the snapshot in the
// scratchpad; it does not retry on its own. A snapshot queued behind a failed
// one is still sent, since it is a newer user action, not a retry.
func (s *Session) runPersist(candidateID string, state *candidateState) {
	defer s.wg.Done()
	for {
		err := s.backend.UpdateCandidate(context.Background(), s.job.JobID, candidateID, state)

		s.mu.Lock()
		if err != nil {
			s.unsaved[candidateID] = failureDetail(err)
			s.stashPatchLocked(candidateID, state)
			slog.Warn("candidate persist failed", "job", s.job.JobID, "candidate", candidateID, "error", err)
		} else {
			delete(s.unsaved, candidateID)
			if s.store != nil {
				if derr := s.store.DeletePendingPatch(s.job.JobID, candidateID); derr != nil {
					slog.Warn("dropping scratch patch failed", "candidate", candidateID, "error", derr)
				}
			}
		}

		slot := s.slots[candidateID]
		if slot.queued == nil {
			slot.inFlight = false
			s.mu.Unlock()
			return
		}
		state = slot.queued
		slot.queued = nil
		s.mu.Unlock()
	}
}

func (s *Session) stashPatchLocked(candidateID string, state *candidateState) {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.store.SavePendingPatch(s.job.JobID, candidateID, string(raw)); err != nil {
		slog.Warn("stashing scratch patch failed", "candidate", candidateID, "error", err)
	}
}

func failureDetail(err error) string {
	var apiErr *dict.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

// Unsaved returns candidate ids whose latest state has not reached the
// service, with the failure detail for each.
func (s *Session) Unsaved() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.unsaved))
	for id, detail := range s.unsaved {
		out[id] = detail
	}
	return out
}

// RetryPersist re-queues the candidate's current state. It is the manual
// retry path for an unsaved candidate; there is no automatic one.
func (s *Session) RetryPersist(candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if _, ok := s.job.Candidates[candidateID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}
	s.enqueuePersistLocked(candidateID)
	return nil
}

// Flush blocks until every queued persist has resolved.
func (s *Session) Flush() {
	s.wg.Wait()
}
