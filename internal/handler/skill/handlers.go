// Package skill exposes the on-disk skill library plus the compile and
// recording flows that feed it.
package skill

import (
	"net/http"
	"strings"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/markdown"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// ListSkillsHandler returns library metadata for every loaded skill.
func ListSkillsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loaded := svcCtx.Library.List()
		resp := &types.SkillsResponse{Skills: make([]types.SkillItem, len(loaded))}
		for i, s := range loaded {
			resp.Skills[i] = types.SkillItem{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
				Tags:        s.Tags,
				Source:      s.Source,
				FilePath:    s.FilePath,
			}
		}
		httputil.OkJSON(w, resp)
	}
}

// GetSkillHandler returns one skill with its body and an HTML rendering.
func GetSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `path:"name"`
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		s, ok := svcCtx.Library.Get(req.Name)
		if !ok {
			httputil.NotFound(w, "skill not found")
			return
		}
		httputil.OkJSON(w, &types.SkillResponse{
			Skill: types.SkillItem{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
				Tags:        s.Tags,
				Source:      s.Source,
				FilePath:    s.FilePath,
			},
			Body: s.Body,
			HTML: markdown.Render(s.Body),
		})
	}
}

// PreviewSkillHandler compiles a finished run into a skill document without
// saving anything.
func PreviewSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CompileSkillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.RunID == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "runId is required")
			return
		}

		content, err := svcCtx.Orchestrator.PreviewRunSkill(req.RunID)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.PreviewSkillResponse{
			Content: content,
			HTML:    markdown.Render(content),
		})
	}
}

// CompileSkillHandler compiles a finished run into a skill, saves it to the
// library, and uploads the memory entry best-effort.
func CompileSkillHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CompileSkillRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.RunID == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "runId is required")
			return
		}

		s, err := svcCtx.Orchestrator.SaveRunSkill(r.Context(), req.RunID)
		if err != nil {
			logging.Errorf("[Skills] Compile of run %s failed: %v", req.RunID, err)
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.SkillResponse{
			Skill: types.SkillItem{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
				Tags:        s.Tags,
				Source:      s.Source,
				FilePath:    s.FilePath,
			},
		})
	}
}

// StartRecordingHandler begins capturing a scenario in the execution agent.
func StartRecordingHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.RecordingRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		name := strings.TrimSpace(req.ScenarioName)
		if name == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "scenarioName is required")
			return
		}

		if err := svcCtx.Orchestrator.StartRecording(r.Context(), name); err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, &types.RecordingResponse{Recording: true, Scenario: name})
	}
}

// StopRecordingHandler ends the capture. With saveAsSkill the recorded
// scenario is compiled and saved to the library in the same call.
func StopRecordingHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.RecordingRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		saved, recorded, err := svcCtx.Orchestrator.StopRecording(r.Context(), req.SaveAsSkill)
		if err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}

		resp := &types.RecordingResponse{Recording: false}
		if recorded != nil {
			resp.Scenario = recorded.Name
			resp.Steps = len(recorded.Steps)
		}
		if saved != nil {
			resp.Skill = saved.Name
		}
		httputil.OkJSON(w, resp)
	}
}
