package scratch

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAnnotation_SetReplacesKind(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetAnnotation("job-1", 0, "1:3", AnnotationMarker); err != nil {
		t.Fatalf("SetAnnotation(marker): %v", err)
	}
	if err := s.SetAnnotation("job-1", 0, "1:3", AnnotationSkip); err != nil {
		t.Fatalf("SetAnnotation(skip): %v", err)
	}

	anns, err := s.Annotations("job-1")
	if err != nil {
		t.Fatalf("Annotations: %v", err)
	}
	if len(anns) != 1 {
		t.Fatalf("got %d annotations, want 1 (marker and skip are exclusive per line)", len(anns))
	}
	if anns[0].Kind != AnnotationSkip {
		t.Errorf("kind = %q, want skip", anns[0].Kind)
	}
}

func TestAnnotation_UnknownKindRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetAnnotation("job-1", 0, "1:1", "highlight"); err == nil {
		t.Error("expected error for unknown annotation kind")
	}
}

func TestAnnotation_Clear(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetAnnotation("job-1", 2, "3:1", AnnotationMarker); err != nil {
		t.Fatalf("SetAnnotation: %v", err)
	}
	if err := s.ClearAnnotation("job-1", 2, "3:1"); err != nil {
		t.Fatalf("ClearAnnotation: %v", err)
	}
	if err := s.ClearAnnotation("job-1", 2, "3:1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second clear = %v, want ErrNotFound", err)
	}
}

func TestAnnotation_ScopedToJob(t *testing.T) {
	s := newTestStore(t)

	s.SetAnnotation("job-1", 0, "1:1", AnnotationMarker)
	s.SetAnnotation("job-2", 0, "1:1", AnnotationSkip)

	anns, err := s.Annotations("job-1")
	if err != nil {
		t.Fatalf("Annotations: %v", err)
	}
	if len(anns) != 1 || anns[0].Kind != AnnotationMarker {
		t.Errorf("job-1 annotations = %+v", anns)
	}
}

func TestPendingPatch_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePendingPatch("job-1", "cand-1", `{"title":"new"}`); err != nil {
		t.Fatalf("SavePendingPatch: %v", err)
	}
	if err := s.SavePendingPatch("job-1", "cand-1", `{"title":"newer"}`); err != nil {
		t.Fatalf("SavePendingPatch(overwrite): %v", err)
	}

	patch, err := s.GetPendingPatch("job-1", "cand-1")
	if err != nil {
		t.Fatalf("GetPendingPatch: %v", err)
	}
	if patch != `{"title":"newer"}` {
		t.Errorf("patch = %q, want latest write", patch)
	}

	if err := s.DeletePendingPatch("job-1", "cand-1"); err != nil {
		t.Fatalf("DeletePendingPatch: %v", err)
	}
	if _, err := s.GetPendingPatch("job-1", "cand-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v, want ErrNotFound", err)
	}
}

func TestPendingPatches_ByJob(t *testing.T) {
	s := newTestStore(t)

	s.SavePendingPatch("job-1", "cand-1", `{"a":1}`)
	s.SavePendingPatch("job-1", "cand-2", `{"b":2}`)
	s.SavePendingPatch("job-2", "cand-3", `{"c":3}`)

	patches, err := s.PendingPatches("job-1")
	if err != nil {
		t.Fatalf("PendingPatches: %v", err)
	}
	if len(patches) != 2 || patches["cand-1"] != `{"a":1}` || patches["cand-2"] != `{"b":2}` {
		t.Errorf("patches = %v", patches)
	}
}

func TestClearJob(t *testing.T) {
	s := newTestStore(t)

	s.SetAnnotation("job-1", 0, "1:1", AnnotationMarker)
	s.SavePendingPatch("job-1", "cand-1", `{}`)
	s.SetAnnotation("job-2", 0, "1:1", AnnotationSkip)

	if err := s.ClearJob("job-1"); err != nil {
		t.Fatalf("ClearJob: %v", err)
	}

	anns, _ := s.Annotations("job-1")
	patches, _ := s.PendingPatches("job-1")
	if len(anns) != 0 || len(patches) != 0 {
		t.Errorf("job-1 state not cleared: %d annotations, %d patches", len(anns), len(patches))
	}
	if anns, _ := s.Annotations("job-2"); len(anns) != 1 {
		t.Error("job-2 state should be untouched")
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	s := newTestStore(t)
	// Re-running against the same handle must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
