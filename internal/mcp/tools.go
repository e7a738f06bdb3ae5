package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/svc"
)

// BrowserInput is the unified action input for the browser tool.
type BrowserInput struct {
	Action string `json:"action" jsonschema:"Action to perform: delegate, instruct, stop, or status."`
	Goal   string `json:"goal,omitempty" jsonschema:"Browser-automation goal. Required for delegate."`
	Text   string `json:"text,omitempty" jsonschema:"Instruction text for the active run. Required for instruct."`
}

// BrowserOutput reports the run the action touched.
type BrowserOutput struct {
	Action    string `json:"action"`
	RunID     string `json:"run_id,omitempty"`
	Goal      string `json:"goal,omitempty"`
	Source    string `json:"source,omitempty"`
	Phase     string `json:"phase"`
	Running   bool   `json:"running"`
	Step      int    `json:"step,omitempty"`
	EndReason string `json:"end_reason,omitempty"`
}

func registerBrowserTool(server *mcp.Server, svcCtx *svc.ServiceContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser",
		Title: "Browser Delegation",
		Description: `Delegate browser-automation goals to the execution agent.

Actions:
- delegate: start a new run for a goal (requires: goal). A matching
  recorded skill runs as a scripted scenario; otherwise the autonomous
  planner takes over. If a run is already active the goal becomes an
  in-place instruction to it.
- instruct: steer the active run with free text (requires: text)
- stop: ask the agent to stop the active run
- status: report the current run and agent state`,
	}, browserHandler(svcCtx))
}

func browserHandler(svcCtx *svc.ServiceContext) func(ctx context.Context, req *mcp.CallToolRequest, input BrowserInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input BrowserInput) (*mcp.CallToolResult, any, error) {
		switch input.Action {
		case "delegate":
			if strings.TrimSpace(input.Goal) == "" {
				return nil, nil, fmt.Errorf("goal is required for delegate")
			}
			run, err := svcCtx.Orchestrator.Delegate(ctx, input.Goal, browser.SourceExternal)
			if err != nil {
				return nil, nil, fmt.Errorf("delegation failed: %w", err)
			}
			return nil, browserOutput(svcCtx, "delegate", run), nil

		case "instruct":
			if strings.TrimSpace(input.Text) == "" {
				return nil, nil, fmt.Errorf("text is required for instruct")
			}
			run, err := svcCtx.Orchestrator.Instruct(ctx, input.Text)
			if err != nil {
				return nil, nil, fmt.Errorf("instruction failed: %w", err)
			}
			return nil, browserOutput(svcCtx, "instruct", run), nil

		case "stop":
			if err := svcCtx.Orchestrator.Stop(ctx); err != nil {
				return nil, nil, fmt.Errorf("stop failed: %w", err)
			}
			return nil, browserOutput(svcCtx, "stop", svcCtx.Orchestrator.CurrentRun()), nil

		case "status", "":
			return nil, browserOutput(svcCtx, "status", svcCtx.Orchestrator.CurrentRun()), nil

		default:
			return nil, nil, fmt.Errorf("unknown action %q (want delegate, instruct, stop, or status)", input.Action)
		}
	}
}

func browserOutput(svcCtx *svc.ServiceContext, action string, run *browser.Run) BrowserOutput {
	last := svcCtx.Orchestrator.LastStatus()
	out := BrowserOutput{
		Action:  action,
		Phase:   string(svcCtx.Orchestrator.Phase()),
		Running: last.Running,
		Step:    last.Step,
	}
	if run != nil {
		out.RunID = run.ID
		out.Goal = run.Goal
		out.Source = string(run.Source)
		out.EndReason = run.EndReason
	}
	return out
}

// SkillsInput is the unified action input for the skills tool.
type SkillsInput struct {
	Action string `json:"action" jsonschema:"Action to perform: list or get."`
	Name   string `json:"name,omitempty" jsonschema:"Skill name. Required for get."`
}

// SkillSummary is one library entry in a list result.
type SkillSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// SkillsListOutput is the list result.
type SkillsListOutput struct {
	Skills []SkillSummary `json:"skills"`
	Count  int            `json:"count"`
}

// SkillsGetOutput is the get result, body included.
type SkillsGetOutput struct {
	SkillSummary
	Body string `json:"body"`
}

func registerSkillsTool(server *mcp.Server, svcCtx *svc.ServiceContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "skills",
		Title: "Skill Library",
		Description: `Read the library of recorded automation skills.

Actions:
- list: list all loaded skills with their metadata
- get: return one skill's document (requires: name)`,
	}, skillsHandler(svcCtx))
}

func skillsHandler(svcCtx *svc.ServiceContext) func(ctx context.Context, req *mcp.CallToolRequest, input SkillsInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SkillsInput) (*mcp.CallToolResult, any, error) {
		switch input.Action {
		case "list", "":
			loaded := svcCtx.Library.List()
			out := SkillsListOutput{Skills: make([]SkillSummary, len(loaded)), Count: len(loaded)}
			for i, s := range loaded {
				out.Skills[i] = SkillSummary{
					Name:        s.Name,
					Description: s.Description,
					Tags:        s.Tags,
					Source:      s.Source,
				}
			}
			return nil, out, nil

		case "get":
			if input.Name == "" {
				return nil, nil, fmt.Errorf("name is required for get")
			}
			s, ok := svcCtx.Library.Get(input.Name)
			if !ok {
				return nil, nil, fmt.Errorf("no skill named %q", input.Name)
			}
			return nil, SkillsGetOutput{
				SkillSummary: SkillSummary{
					Name:        s.Name,
					Description: s.Description,
					Tags:        s.Tags,
					Source:      s.Source,
				},
				Body: s.Body,
			}, nil

		default:
			return nil, nil, fmt.Errorf("unknown action %q (want list or get)", input.Action)
		}
	}
}
