package transcript

import "strings"

// Role is the normalized speaker classification, independent of the
// free-text role label a speaker record may carry.
type Role string

const (
	RoleHuman   Role = "human"
	RoleAI      Role = "ai"
	RoleSystem  Role = "system"
	RoleUnknown Role = "unknown"
)

// ParseRole maps a free-form role string to a canonical Role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human", "user":
		return RoleHuman
	case "ai", "assistant", "model":
		return RoleAI
	case "system":
		return RoleSystem
	default:
		return RoleUnknown
	}
}

// Speaker is one entry of the speaker master used to attribute messages.
type Speaker struct {
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	CanonicalRole Role   `json:"canonical_role"`
}

// Table resolves speaker names to their records at segmentation time.
// Lookups are exact on the name as it appears in the transcript.
type Table struct {
	byName map[string]Speaker
}

// NewTable builds a Table from speaker records. Records without a
// canonical role are classified from their free-text role.
func NewTable(speakers []Speaker) *Table {
	t := &Table{byName: make(map[string]Speaker, len(speakers))}
	for _, s := range speakers {
		if s.Name == "" {
			continue
		}
		if s.CanonicalRole == "" {
			s.CanonicalRole = ParseRole(s.Role)
		}
		t.byName[s.Name] = s
	}
	return t
}

// Lookup returns the speaker record for an exact name match.
func (t *Table) Lookup(name string) (Speaker, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// Len returns the number of known speakers.
func (t *Table) Len() int {
	return len(t.byName)
}
