package events

import "time"

// Payload types carried on chat and queue topics. They stay plain data so
// both the emitting services and the realtime feed can share them without
// import cycles.

// ChatDelta is one streamed text fragment of an assistant turn.
type ChatDelta struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ChatMessage is a complete chat line (user echo, assistant confirmation,
// tool notice) pushed to the conversation view.
type ChatMessage struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Kind      string `json:"kind,omitempty"`
	Text      string `json:"text"`
}

// ProposalQueueState describes the approval queue after a change.
type ProposalQueueState struct {
	Pending     int    `json:"pending"`
	ActiveID    string `json:"active_id,omitempty"`
	ActiveIndex int    `json:"active_index"`
}

// QuestionsState describes the active question set, if any.
type QuestionsState struct {
	Active   bool   `json:"active"`
	Context  string `json:"context,omitempty"`
	Count    int    `json:"count"`
	Answered int    `json:"answered"`
}

// ApprovalRequest asks the UI to surface a pending proposal.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
