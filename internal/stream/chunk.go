// Package stream decodes the chunked chat response body into discrete typed
// events and routes each one to a handler. Frames arrive as
// "data: <json>\n\n" with a chunk_type discriminator in the JSON object.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/neboloop/conductor/internal/proposals"
	"github.com/neboloop/conductor/internal/questions"
)

// Kind discriminates the chunk union.
type Kind string

const (
	KindText      Kind = "text"
	KindToolStart Kind = "tool_start"
	KindToolEnd   Kind = "tool_end"
	KindToolError Kind = "tool_error"
	KindProposal  Kind = "proposal"
	KindQuestions Kind = "questions"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

// Chunk is one decoded frame. Chunks only live for the duration of a single
// dispatch call.
type Chunk interface {
	Kind() Kind
}

// TextChunk carries an assistant text delta.
type TextChunk struct {
	Content string `json:"content"`
}

func (TextChunk) Kind() Kind { return KindText }

// ToolStartChunk announces a tool invocation.
type ToolStartChunk struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolStartChunk) Kind() Kind { return KindToolStart }

// ToolEndChunk carries the result of a finished tool invocation.
type ToolEndChunk struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (ToolEndChunk) Kind() Kind { return KindToolEnd }

// ToolErrorChunk reports a failed tool invocation.
type ToolErrorChunk struct {
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

func (ToolErrorChunk) Kind() Kind { return KindToolError }

// ProposalChunk delivers one action awaiting approval.
type ProposalChunk struct {
	Proposal proposals.Proposal `json:"proposal"`
}

func (ProposalChunk) Kind() Kind { return KindProposal }

// QuestionsChunk delivers a batch of questions the assistant needs answered
// before continuing.
type QuestionsChunk struct {
	Context   string               `json:"context,omitempty"`
	Questions []questions.Question `json:"questions"`
}

func (QuestionsChunk) Kind() Kind { return KindQuestions }

// DoneChunk records the session id assigned by the backend. It does not
// terminate the stream.
type DoneChunk struct {
	SessionID string `json:"session_id"`
}

func (DoneChunk) Kind() Kind { return KindDone }

// ErrorChunk carries an inline backend error.
type ErrorChunk struct {
	Message string `json:"message"`
}

func (ErrorChunk) Kind() Kind { return KindError }

// UnknownChunk preserves a frame whose chunk_type is not recognized so it
// can be logged without failing the stream.
type UnknownChunk struct {
	Type string
	Raw  json.RawMessage
}

func (u UnknownChunk) Kind() Kind { return Kind(u.Type) }

// DecodeChunk parses one frame payload. Unrecognized chunk_type values
// decode into UnknownChunk rather than an error; only malformed JSON fails.
func DecodeChunk(data []byte) (Chunk, error) {
	var env struct {
		Type string `json:"chunk_type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode chunk envelope: %w", err)
	}
	switch Kind(env.Type) {
	case KindText:
		var c TextChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindToolStart:
		var c ToolStartChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindToolEnd:
		var c ToolEndChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindToolError:
		var c ToolErrorChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindProposal:
		var c ProposalChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindQuestions:
		var c QuestionsChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindDone:
		var c DoneChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindError:
		var c ErrorChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return UnknownChunk{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
