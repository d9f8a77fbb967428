package transcript

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Message is one attributed utterance. Immutable once produced by Segment.
type Message struct {
	ID            string   `json:"message_id"`
	Speaker       string   `json:"speaker"`
	Role          string   `json:"role,omitempty"`
	CanonicalRole Role     `json:"canonical_role"`
	Content       []string `json:"content"`
}

// TurnRange is the inclusive range of global message ordinals a chunk covers.
type TurnRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TimeRange brackets a chunk's messages in wall-clock time when the source
// export carries timestamps.
type TimeRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Locator pins a chunk back to its position in the source transcript.
type Locator struct {
	MessageIDs []string   `json:"message_ids,omitempty"`
	TurnRange  *TurnRange `json:"turn_range,omitempty"`
}

// Source is free-form chunk provenance.
type Source struct {
	SourceType string     `json:"source_type,omitempty"`
	Hint       string     `json:"hint,omitempty"`
	Locator    Locator    `json:"locator,omitempty"`
	ExportPath string     `json:"export_path,omitempty"`
	TimeRange  *TimeRange `json:"time_range,omitempty"`
	ThreadID   string     `json:"thread_id,omitempty"`
	Digest     string     `json:"digest,omitempty"`
}

// Classification is the upstream keep/skip advice attached to a chunk.
// It is advisory only; the reviewer's decisions override it.
type Classification struct {
	Decision   string  `json:"decision,omitempty"`
	SkipType   string  `json:"skip_type,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Chunk is a bounded group of messages plus provenance. Read-only during
// review; line-level annotations live outside the chunk (see review package).
type Chunk struct {
	TmpID          string          `json:"chunk_tmp_id"`
	Messages       []Message       `json:"messages"`
	Source         Source          `json:"source,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// Segment splits rawText into speaker-attributed messages and groups them
// into chunks of at most chunkSize consecutive messages.
//
// A line is a speaker marker iff its trimmed form exactly matches a known
// speaker name, directly or after stripping one trailing colon (':' or '：').
// Marker lines flush the buffered message of the previous speaker; non-marker
// lines are buffered verbatim, blank lines included. Lines before the first
// marker are dropped. Two adjacent markers yield a message whose content is a
// single empty line, not a dropped message. Roles are resolved against the
// table once, here; later speaker-master changes do not rewrite output.
func Segment(rawText string, speakers *Table, chunkSize int) []Chunk {
	if speakers == nil || speakers.Len() == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	lines := splitLines(rawText)

	type pending struct {
		speaker Speaker
		content []string
	}
	var messages []pending
	var current *Speaker
	var buf []string

	flush := func() {
		if current == nil {
			return
		}
		content := buf
		if len(content) == 0 {
			content = []string{""}
		}
		messages = append(messages, pending{speaker: *current, content: content})
		buf = nil
	}

	for _, line := range lines {
		if sp, ok := matchSpeaker(speakers, line); ok {
			flush()
			current = &sp
			continue
		}
		if current != nil {
			buf = append(buf, line)
		}
	}
	flush()

	if len(messages) == 0 {
		return nil
	}

	var chunks []Chunk
	for start := 0; start < len(messages); start += chunkSize {
		end := start + chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		ordinal := len(chunks) + 1

		msgs := make([]Message, 0, end-start)
		ids := make([]string, 0, end-start)
		for i, p := range messages[start:end] {
			id := fmt.Sprintf("%d:%d", ordinal, i+1)
			msgs = append(msgs, Message{
				ID:            id,
				Speaker:       p.speaker.Name,
				Role:          p.speaker.Role,
				CanonicalRole: p.speaker.CanonicalRole,
				Content:       p.content,
			})
			ids = append(ids, id)
		}

		tr := &TurnRange{Start: start + 1, End: end}
		threadID := ThreadID(msgs)
		chunks = append(chunks, Chunk{
			TmpID:    fmt.Sprintf("chunk-%d", ordinal),
			Messages: msgs,
			Source: Source{
				SourceType: "transcript_text",
				Locator:    Locator{MessageIDs: ids, TurnRange: tr},
				ThreadID:   threadID,
				Digest:     Digest(threadID, tr),
			},
		})
	}
	return chunks
}

// DefaultChunkSize is the fixed message-count bound per chunk.
const DefaultChunkSize = 14

// splitLines splits on '\n', tolerating '\r\n'. A single trailing empty
// element from a final newline is dropped; interior blank lines survive.
func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func matchSpeaker(t *Table, line string) (Speaker, bool) {
	trimmed := strings.TrimSpace(line)
	if s, ok := t.Lookup(trimmed); ok {
		return s, true
	}
	for _, colon := range []string{":", "："} {
		if strings.HasSuffix(trimmed, colon) {
			if s, ok := t.Lookup(strings.TrimSuffix(trimmed, colon)); ok {
				return s, true
			}
		}
	}
	return Speaker{}, false
}

// ThreadID derives a stable transcript identity from the first four
// messages, so re-importing the same conversation lands on the same thread.
func ThreadID(messages []Message) string {
	n := len(messages)
	if n > 4 {
		n = 4
	}
	parts := make([]string, 0, n)
	for _, m := range messages[:n] {
		role := normalizeText(string(m.CanonicalRole))
		content := normalizeText(strings.Join(m.Content, " "))
		parts = append(parts, role+":"+content)
	}
	return "t:" + hashText(strings.Join(parts, "\n"))
}

// Digest identifies one chunk of a thread by its turn range. Empty when the
// range is unset; the backing service uses it to refuse wholesale re-commits.
func Digest(threadID string, tr *TurnRange) string {
	if tr == nil {
		return ""
	}
	return hashText(normalizeText(fmt.Sprintf("%s|%d|%d", threadID, tr.Start, tr.End)))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hashText(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}
