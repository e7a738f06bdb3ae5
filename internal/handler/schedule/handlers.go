// Package schedule exposes CRUD over recurring delegations plus a manual
// trigger.
package schedule

import (
	"net/http"
	"strings"
	"time"

	"github.com/neboloop/conductor/internal/db"
	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// ListSchedulesHandler returns every schedule with its next firing time.
func ListSchedulesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		scheds, err := svcCtx.Scheduler.List(r.Context())
		if err != nil {
			logging.Errorf("[Schedules] List failed: %v", err)
			httputil.InternalError(w, "failed to list schedules")
			return
		}

		resp := &types.SchedulesResponse{Schedules: make([]types.ScheduleItem, len(scheds))}
		for i, s := range scheds {
			resp.Schedules[i] = scheduleItem(svcCtx, s)
		}
		httputil.OkJSON(w, resp)
	}
}

// CreateScheduleHandler registers a new recurring delegation.
func CreateScheduleHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		var req types.ScheduleRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Goal) == "" || strings.TrimSpace(req.Expr) == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "expr and goal are required")
			return
		}

		sched := &db.Schedule{
			Name:     req.Name,
			CronExpr: req.Expr,
			Goal:     req.Goal,
			Enabled:  req.Enabled == nil || *req.Enabled,
		}
		if err := svcCtx.Scheduler.Create(r.Context(), sched); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.ScheduleResponse{Schedule: scheduleItem(svcCtx, sched)})
	}
}

// GetScheduleHandler returns one schedule by id.
func GetScheduleHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		var req struct {
			ID string `path:"id"`
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		sched, err := svcCtx.Scheduler.Get(r.Context(), req.ID)
		if err != nil {
			httputil.NotFound(w, "schedule not found")
			return
		}
		httputil.OkJSON(w, &types.ScheduleResponse{Schedule: scheduleItem(svcCtx, sched)})
	}
}

// UpdateScheduleHandler edits expression, goal, name, or enablement.
func UpdateScheduleHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		var req struct {
			ID string `path:"id"`
			types.ScheduleRequest
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		sched, err := svcCtx.Scheduler.Get(r.Context(), req.ID)
		if err != nil {
			httputil.NotFound(w, "schedule not found")
			return
		}
		if req.Name != "" {
			sched.Name = req.Name
		}
		if req.Expr != "" {
			sched.CronExpr = req.Expr
		}
		if req.Goal != "" {
			sched.Goal = req.Goal
		}
		if req.Enabled != nil {
			sched.Enabled = *req.Enabled
		}

		if err := svcCtx.Scheduler.Update(r.Context(), sched); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.ScheduleResponse{Schedule: scheduleItem(svcCtx, sched)})
	}
}

// DeleteScheduleHandler removes the schedule and unregisters its cron entry.
func DeleteScheduleHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		var req struct {
			ID string `path:"id"`
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.Delete(r.Context(), req.ID); err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, map[string]bool{"deleted": true})
	}
}

// TriggerScheduleHandler fires the schedule now, enabled or not.
func TriggerScheduleHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.Scheduler == nil {
			httputil.InternalError(w, "schedules are disabled (no database)")
			return
		}
		var req struct {
			ID string `path:"id"`
		}
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := svcCtx.Scheduler.Trigger(r.Context(), req.ID); err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]bool{"triggered": true})
	}
}

func scheduleItem(svcCtx *svc.ServiceContext, s *db.Schedule) types.ScheduleItem {
	item := types.ScheduleItem{
		ID:        s.ID,
		Name:      s.Name,
		Expr:      s.CronExpr,
		Goal:      s.Goal,
		Enabled:   s.Enabled,
		RunCount:  s.RunCount,
		LastError: s.LastError,
	}
	if !s.LastRunAt.IsZero() {
		item.LastRunAt = s.LastRunAt.UTC().Format(time.RFC3339)
	}
	if next, ok := svcCtx.Scheduler.NextRun(s.ID); ok {
		item.NextRunAt = next.UTC().Format(time.RFC3339)
	}
	return item
}
