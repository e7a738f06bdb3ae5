// Package run exposes browser delegation and the run history: start a
// delegation, steer or stop the active run, and read finished runs back.
package run

import (
	"net/http"
	"strings"
	"time"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// DelegateHandler hands a goal to the orchestrator. If a run is already
// active the goal is routed to it as an in-place instruction rather than
// starting a second run; the response carries whichever run absorbed it.
func DelegateHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DelegateRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Goal) == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "goal is required")
			return
		}

		run, err := svcCtx.Orchestrator.Delegate(r.Context(), req.Goal, browser.SourceManual)
		if err != nil {
			logging.Errorf("[Runs] Delegation failed: %v", err)
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, &types.RunResponse{Run: runItem(run, true)})
	}
}

// InstructHandler sends free-text steering to the active run.
func InstructHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.InstructionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "instruction text is required")
			return
		}

		run, err := svcCtx.Orchestrator.Instruct(r.Context(), req.Text)
		if err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, &types.RunResponse{Run: runItem(run, true)})
	}
}

// StopHandler asks the agent to stop. The run is finalized once the stop
// takes effect, not when this request returns.
func StopHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svcCtx.Orchestrator.Stop(r.Context()); err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, &types.RunResponse{Run: runItem(svcCtx.Orchestrator.CurrentRun(), false)})
	}
}

// GetCurrentRunHandler returns the active run with its message log, or a
// null run when idle.
func GetCurrentRunHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.RunResponse{Run: runItem(svcCtx.Orchestrator.CurrentRun(), true)})
	}
}

// ListRunsHandler returns finished runs newest-first, without message
// logs. Persisted history is preferred; the in-memory ring covers a
// database-less daemon.
func ListRunsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 20)
		if limit > 100 {
			limit = 100
		}

		var runs []*browser.Run
		if svcCtx.DB != nil {
			stored, err := svcCtx.DB.RecentRuns(r.Context(), limit)
			if err != nil {
				logging.Errorf("[Runs] History read failed: %v", err)
				httputil.InternalError(w, "failed to read run history")
				return
			}
			runs = stored
		} else {
			runs = svcCtx.Orchestrator.History()
			if len(runs) > limit {
				runs = runs[:limit]
			}
		}

		resp := &types.RunsResponse{Runs: make([]types.RunItem, 0, len(runs))}
		for _, run := range runs {
			resp.Runs = append(resp.Runs, *runItem(run, false))
		}
		httputil.OkJSON(w, resp)
	}
}

// GetRunHandler returns one run with its full message log.
func GetRunHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `path:"id"`
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		if svcCtx.DB != nil {
			run, err := svcCtx.DB.GetRun(r.Context(), req.ID)
			if err == nil && run != nil {
				httputil.OkJSON(w, &types.RunResponse{Run: runItem(run, true)})
				return
			}
		}
		for _, run := range svcCtx.Orchestrator.History() {
			if run.ID == req.ID {
				httputil.OkJSON(w, &types.RunResponse{Run: runItem(run, true)})
				return
			}
		}
		if current := svcCtx.Orchestrator.CurrentRun(); current != nil && current.ID == req.ID {
			httputil.OkJSON(w, &types.RunResponse{Run: runItem(current, true)})
			return
		}
		httputil.NotFound(w, "run not found")
	}
}

func runItem(run *browser.Run, withMessages bool) *types.RunItem {
	if run == nil {
		return nil
	}
	item := &types.RunItem{
		ID:        run.ID,
		Goal:      run.Goal,
		Source:    string(run.Source),
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		EndReason: run.EndReason,
	}
	if !run.EndedAt.IsZero() {
		item.EndedAt = run.EndedAt.UTC().Format(time.RFC3339)
	}
	if run.Scenario != nil {
		item.Steps = len(run.Scenario.Steps)
	}
	if withMessages {
		item.Messages = make([]types.RunMessageItem, len(run.Messages))
		for i, msg := range run.Messages {
			item.Messages[i] = types.RunMessageItem{
				Role:  msg.Role,
				Kind:  msg.Kind,
				Text:  msg.Text,
				Image: msg.Image,
			}
			if !msg.At.IsZero() {
				item.Messages[i].At = msg.At.UTC().Format(time.RFC3339)
			}
		}
	}
	return item
}
