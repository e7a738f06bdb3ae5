package port

import (
	"encoding/json"

	"github.com/neboloop/conductor/internal/scenario"
)

// Frame is the JSON envelope on the agent websocket.
type Frame struct {
	Type    string          `json:"type"`              // req, res, event
	ID      string          `json:"id,omitempty"`      // request/response correlation id
	Method  string          `json:"method,omitempty"`  // for requests and events
	Params  json.RawMessage `json:"params,omitempty"`  // request parameters
	OK      bool            `json:"ok,omitempty"`      // response success
	Payload json.RawMessage `json:"payload,omitempty"` // response or event data
	Error   string          `json:"error,omitempty"`   // error message
}

const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Commands sent to the execution agent.
const (
	MethodAgentStart       = "agent.start"
	MethodAgentInstruction = "agent.instruction"
	MethodAgentStop        = "agent.stop"
	MethodRPAStart         = "rpa.start"
	MethodRecordStart      = "rpa.record.start"
	MethodRecordStop       = "rpa.record.stop"
	MethodSuggestMetadata  = "skill.suggest_metadata"
)

// Events delivered by the execution agent.
const (
	EventAgentStatus       = "agent.status"
	EventChatMessage       = "chat.message"
	EventChatHistory       = "chat.history"
	EventApprovalRequested = "approval.requested"
)

// StartAgentParams launches an autonomous run.
type StartAgentParams struct {
	Goal     string `json:"goal"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// InstructionParams routes text into the active run.
type InstructionParams struct {
	Text string `json:"text"`
}

// StartRPAParams launches a scripted run. Notes carry free text for the
// agent, including the matched skill's identifier.
type StartRPAParams struct {
	Goal     string             `json:"goal"`
	Scenario *scenario.Scenario `json:"scenario"`
	Provider string             `json:"provider,omitempty"`
	Model    string             `json:"model,omitempty"`
	Notes    string             `json:"notes,omitempty"`
}

// RecordStartParams begins interaction recording under a scenario name.
type RecordStartParams struct {
	ScenarioName string `json:"scenarioName"`
}

// RecordStopParams ends recording. SaveAsSkill tells the agent the
// capture will be kept, so it should return the full scenario.
type RecordStopParams struct {
	SaveAsSkill bool `json:"saveAsSkill"`
}

// SuggestMetadataParams asks for a name/description/tags suggestion for a
// finished run.
type SuggestMetadataParams struct {
	Goal     string   `json:"goal"`
	Steps    []string `json:"steps,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// AgentStatus is the agent.status event payload. Running drives the run
// lifecycle; Step and Mode are informational.
type AgentStatus struct {
	Running bool   `json:"running"`
	Step    int    `json:"step,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ChatMessage is one agent log entry. Image carries a data URL when Kind
// is "image".
type ChatMessage struct {
	Role  string `json:"role"`
	Kind  string `json:"kind,omitempty"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type chatHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

// SkillMetadata is the suggest-metadata acknowledgement payload.
type SkillMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

type recordingPayload struct {
	Scenario *scenario.Scenario `json:"scenario"`
}
