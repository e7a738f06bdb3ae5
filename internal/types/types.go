// Package types defines the gateway request and response shapes shared by
// the HTTP handlers and the local UI.
package types

import "encoding/json"

// ----------------------------------------------------------------------------
// Health / status
// ----------------------------------------------------------------------------

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StatusResponse struct {
	Port      string `json:"port"`      // agent channel state
	Phase     string `json:"phase"`     // run lifecycle phase
	Running   bool   `json:"running"`   // agent-reported running flag
	Step      int    `json:"step"`      // agent-reported step counter
	Mode      string `json:"mode,omitempty"`
	Recording string `json:"recording,omitempty"`
	Blocking  string `json:"blocking,omitempty"` // "proposals", "questions" or ""
}

// ----------------------------------------------------------------------------
// Pairing / session auth
// ----------------------------------------------------------------------------

type PairRequest struct {
	Secret string `json:"secret"`
}

type PairResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

type AuthConfigResponse struct {
	PairingRequired bool `json:"pairingRequired"`
}

// ----------------------------------------------------------------------------
// Chat
// ----------------------------------------------------------------------------

type SendMessageRequest struct {
	Text string `json:"text"`
}

type SendMessageResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionId,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ----------------------------------------------------------------------------
// Proposals
// ----------------------------------------------------------------------------

type ProposalItem struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
}

type ProposalsResponse struct {
	Proposals []ProposalItem `json:"proposals"`
	Active    int            `json:"active"`
	Deciding  bool           `json:"deciding"`
}

type DecideProposalRequest struct {
	ID       string `json:"id"`
	Decision string `json:"decision"` // "approve" or "reject"
	All      bool   `json:"all"`
}

type DecideProposalResponse struct {
	Remaining int `json:"remaining"`
}

// ----------------------------------------------------------------------------
// Questions
// ----------------------------------------------------------------------------

type QuestionItem struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options,omitempty"`
	AllowMultiple bool     `json:"allowMultiple"`
	Placeholder   string   `json:"placeholder,omitempty"`
	Selected      []string `json:"selected,omitempty"`
	OtherText     string   `json:"otherText,omitempty"`
	FreeText      string   `json:"freeText,omitempty"`
}

type QuestionsResponse struct {
	Active    bool           `json:"active"`
	Context   string         `json:"context,omitempty"`
	Questions []QuestionItem `json:"questions,omitempty"`
	Complete  bool           `json:"complete"`
}

type AnswerQuestionRequest struct {
	QuestionID string `json:"questionId"`
	Option     string `json:"option,omitempty"`
	OtherText  string `json:"otherText,omitempty"`
	FreeText   string `json:"freeText,omitempty"`
}

type SubmitQuestionsResponse struct {
	Submitted bool   `json:"submitted"`
	Text      string `json:"text,omitempty"`
}

// ----------------------------------------------------------------------------
// Runs / delegation
// ----------------------------------------------------------------------------

type DelegateRequest struct {
	Goal string `json:"goal"`
}

type InstructionRequest struct {
	Text string `json:"text"`
}

type RunMessageItem struct {
	Role  string `json:"role"`
	Kind  string `json:"kind,omitempty"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	At    string `json:"at,omitempty"`
}

type RunItem struct {
	ID        string           `json:"id"`
	Goal      string           `json:"goal"`
	Source    string           `json:"source"`
	StartedAt string           `json:"startedAt"`
	EndedAt   string           `json:"endedAt,omitempty"`
	EndReason string           `json:"endReason,omitempty"`
	Steps     int              `json:"steps,omitempty"` // scenario step count when scripted
	Messages  []RunMessageItem `json:"messages,omitempty"`
}

type RunResponse struct {
	Run *RunItem `json:"run"`
}

type RunsResponse struct {
	Runs []RunItem `json:"runs"`
}

// ----------------------------------------------------------------------------
// Skills
// ----------------------------------------------------------------------------

type SkillItem struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
	FilePath    string   `json:"filePath,omitempty"`
}

type SkillsResponse struct {
	Skills []SkillItem `json:"skills"`
}

type SkillResponse struct {
	Skill SkillItem `json:"skill"`
	Body  string    `json:"body,omitempty"`
	HTML  string    `json:"html,omitempty"`
}

type CompileSkillRequest struct {
	RunID string `json:"runId"`
}

type PreviewSkillResponse struct {
	Content string `json:"content"`
	HTML    string `json:"html,omitempty"`
}

type RecordingRequest struct {
	ScenarioName string `json:"scenarioName,omitempty"`
	SaveAsSkill  bool   `json:"saveAsSkill,omitempty"`
}

type RecordingResponse struct {
	Recording bool   `json:"recording"`
	Scenario  string `json:"scenario,omitempty"` // recorded scenario name
	Steps     int    `json:"steps,omitempty"`
	Skill     string `json:"skill,omitempty"` // saved skill name
}

// ----------------------------------------------------------------------------
// Schedules
// ----------------------------------------------------------------------------

type ScheduleItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Expr      string `json:"expr"`
	Goal      string `json:"goal"`
	Enabled   bool   `json:"enabled"`
	RunCount  int64  `json:"runCount"`
	LastRunAt string `json:"lastRunAt,omitempty"`
	LastError string `json:"lastError,omitempty"`
	NextRunAt string `json:"nextRunAt,omitempty"`
}

type SchedulesResponse struct {
	Schedules []ScheduleItem `json:"schedules"`
}

type ScheduleRequest struct {
	Name    string `json:"name"`
	Expr    string `json:"expr"`
	Goal    string `json:"goal"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type ScheduleResponse struct {
	Schedule ScheduleItem `json:"schedule"`
}

// ----------------------------------------------------------------------------
// Token resolution
// ----------------------------------------------------------------------------

type ResolveTokenRequest struct {
	Force bool `json:"force"`
}

type ResolveTokenResponse struct {
	Resolved  bool   `json:"resolved"`
	Origin    string `json:"origin,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ----------------------------------------------------------------------------
// Settings
// ----------------------------------------------------------------------------

type SettingsResponse struct {
	BaseURL      string `json:"baseUrl"`
	Workspace    string `json:"workspace"`
	AuthMode     string `json:"authMode"`
	AgentURL     string `json:"agentUrl"`
	DevtoolsURL  string `json:"devtoolsUrl"`
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	ApprovalMode string `json:"approvalMode"`
}

type UpdateSettingsRequest struct {
	BaseURL      *string `json:"baseUrl,omitempty"`
	Workspace    *string `json:"workspace,omitempty"`
	AuthMode     *string `json:"authMode,omitempty"`
	ManualToken  *string `json:"manualToken,omitempty"`
	AgentURL     *string `json:"agentUrl,omitempty"`
	DevtoolsURL  *string `json:"devtoolsUrl,omitempty"`
	Provider     *string `json:"provider,omitempty"`
	Model        *string `json:"model,omitempty"`
	ApprovalMode *string `json:"approvalMode,omitempty"`
}
