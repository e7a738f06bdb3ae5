// Package proposals queues AI-proposed actions awaiting human approval and
// replays approved decisions back to the conversation.
package proposals

import (
	"encoding/json"
	"time"
)

// Type classifies what a proposal would do when approved.
type Type string

const (
	TypeToolAction       Type = "tool_action"
	TypeCreateTask       Type = "create_task"
	TypeCreateProject    Type = "create_project"
	TypeCreateWorkMemory Type = "create_work_memory"
	TypeAssignTask       Type = "assign_task"
	TypePhaseBreakdown   Type = "phase_breakdown"
)

// Proposal is one pending action. The payload stays opaque here; only the
// backend interprets it when the decision is confirmed.
type Proposal struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// Label is the human-readable line used in confirmation messages.
func (p Proposal) Label() string {
	if p.Description != "" {
		return p.Description
	}
	if p.Type != "" {
		return string(p.Type)
	}
	return p.ID
}

// Decision is the verdict applied to a proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)
