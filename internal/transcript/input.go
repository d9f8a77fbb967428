package transcript

import (
	"encoding/json"
	"fmt"
	"io"
)

// InputVersion is the version tag written into emitted input documents.
const InputVersion = "1"

// ValidationError reports a malformed input document. It is returned before
// any data enters the pipeline; the message is safe to surface verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Lines accepts message content either as a single string (split on line
// breaks) or as an already-split array of lines. Both forms normalize to the
// same []string downstream.
type Lines []string

func (l *Lines) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = splitLines(single)
		if len(*l) == 0 {
			*l = []string{""}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("content must be a string or a list of strings")
	}
	*l = many
	return nil
}

// WireMessage is the message shape shared by input and extraction documents.
type WireMessage struct {
	MessageID     string `json:"message_id"`
	Speaker       string `json:"speaker"`
	Role          string `json:"role,omitempty"`
	CanonicalRole string `json:"canonical_role,omitempty"`
	Content       Lines  `json:"content"`
}

// Message converts the wire form, defaulting a missing id positionally.
func (m WireMessage) Message(chunkOrdinal, pos int) Message {
	msg := Message{
		ID:            m.MessageID,
		Speaker:       m.Speaker,
		Role:          m.Role,
		CanonicalRole: ParseRole(m.CanonicalRole),
		Content:       m.Content,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%d:%d", chunkOrdinal, pos)
	}
	if len(msg.Content) == 0 {
		msg.Content = []string{""}
	}
	return msg
}

type inputChunk struct {
	ChunkTmpID     string          `json:"chunk_tmp_id"`
	Source         *Source         `json:"source,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Messages       []WireMessage   `json:"messages"`
}

type inputDocument struct {
	InputVersion string       `json:"input_version"`
	Chunks       []inputChunk `json:"chunks"`
}

// ReadInput decodes a transcript-derived input document:
//
//	{input_version, chunks:[{chunk_tmp_id, messages:[{message_id, speaker, role, canonical_role, content}]}]}
//
// Missing chunk ids default to a 1-based positional "chunk-N". A missing or
// empty chunks list is a validation error.
func ReadInput(r io.Reader) ([]Chunk, error) {
	var doc inputDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("input document: %v", err)}
	}
	if len(doc.Chunks) == 0 {
		return nil, &ValidationError{Msg: "input document: missing chunks"}
	}

	chunks := make([]Chunk, 0, len(doc.Chunks))
	for i, rc := range doc.Chunks {
		c := Chunk{
			TmpID:          rc.ChunkTmpID,
			Classification: rc.Classification,
		}
		if c.TmpID == "" {
			c.TmpID = fmt.Sprintf("chunk-%d", i+1)
		}
		if rc.Source != nil {
			c.Source = *rc.Source
		}
		for j, rm := range rc.Messages {
			c.Messages = append(c.Messages, rm.Message(i+1, j+1))
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// WriteInput emits chunks in the input JSON shape, lines kept as a list so a
// round-trip through ReadInput is lossless.
func WriteInput(w io.Writer, chunks []Chunk) error {
	doc := inputDocument{InputVersion: InputVersion, Chunks: make([]inputChunk, 0, len(chunks))}
	for _, c := range chunks {
		rc := inputChunk{
			ChunkTmpID:     c.TmpID,
			Classification: c.Classification,
		}
		src := c.Source
		rc.Source = &src
		for _, m := range c.Messages {
			rc.Messages = append(rc.Messages, WireMessage{
				MessageID:     m.ID,
				Speaker:       m.Speaker,
				Role:          m.Role,
				CanonicalRole: string(m.CanonicalRole),
				Content:       Lines(m.Content),
			})
		}
		doc.Chunks = append(doc.Chunks, rc)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// FlatMessages returns all messages of all chunks in order.
func FlatMessages(chunks []Chunk) []Message {
	var out []Message
	for _, c := range chunks {
		out = append(out, c.Messages...)
	}
	return out
}
