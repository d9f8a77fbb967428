package review

import (
	"fmt"

	"github.com/kotodict/kotodict/internal/scratch"
)

// Line annotations are review-local marks on transcript lines. They never
// reach the dictionary service and never mutate a chunk.

// ToggleMarker flips the marker flag on one line. Setting a marker clears a
// skip flag on the same line.
func (s *Session) ToggleMarker(chunkIndex int, lineID string) error {
	return s.toggleAnnotation(chunkIndex, lineID, scratch.AnnotationMarker)
}

// ToggleSkip flips the skip flag on one line. Setting it clears a marker.
func (s *Session) ToggleSkip(chunkIndex int, lineID string) error {
	return s.toggleAnnotation(chunkIndex, lineID, scratch.AnnotationSkip)
}

func (s *Session) toggleAnnotation(chunkIndex int, lineID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if chunkIndex < 0 || chunkIndex >= len(s.job.Chunks) {
		return fmt.Errorf("chunk index %d out of range", chunkIndex)
	}

	key := annKey{chunkIndex, lineID}
	if s.annotations[key] == kind {
		delete(s.annotations, key)
		if s.store != nil {
			if err := s.store.ClearAnnotation(s.job.JobID, chunkIndex, lineID); err != nil {
				return fmt.Errorf("clearing annotation: %w", err)
			}
		}
		return nil
	}

	s.annotations[key] = kind
	if s.store != nil {
		if err := s.store.SetAnnotation(s.job.JobID, chunkIndex, lineID, kind); err != nil {
			return fmt.Errorf("saving annotation: %w", err)
		}
	}
	return nil
}

// Annotation returns the flag on one line, if any.
func (s *Session) Annotation(chunkIndex int, lineID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.annotations[annKey{chunkIndex, lineID}]
	return kind, ok
}

// Annotations returns all flags of one chunk keyed by line id.
func (s *Session) Annotations(chunkIndex int) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for key, kind := range s.annotations {
		if key.chunkIndex == chunkIndex {
			out[key.lineID] = kind
		}
	}
	return out
}
