// Package proposal exposes the pending-proposal queue: list, navigate, and
// decide. Decisions confirm with the workspace backend before the item
// leaves the queue.
package proposal

import (
	"errors"
	"net/http"
	"time"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/proposals"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// ListProposalsHandler returns the queue. With ?refresh=true it first pulls
// the backend's pending list, which enqueues anything not yet seen.
func ListProposalsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("refresh") == "true" {
			added, err := svcCtx.Queue.LoadPending(r.Context())
			if err != nil {
				logging.Warnf("[Proposals] Pending refresh failed: %v", err)
			} else if added > 0 {
				svcCtx.NotifyQueueChanged()
			}
		}
		httputil.OkJSON(w, queueResponse(svcCtx))
	}
}

// DecideProposalHandler approves or rejects one proposal, or the whole
// queue when all is set. A decision already in flight rejects the request
// with 409 rather than queueing behind it.
func DecideProposalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DecideProposalRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		var decision proposals.Decision
		switch req.Decision {
		case "approve":
			decision = proposals.DecisionApprove
		case "reject":
			decision = proposals.DecisionReject
		default:
			httputil.ErrorWithCode(w, http.StatusBadRequest, "decision must be approve or reject")
			return
		}
		if !req.All && req.ID == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "proposal id is required")
			return
		}

		err := svcCtx.Queue.Decide(r.Context(), req.ID, decision, req.All)
		svcCtx.NotifyQueueChanged()
		if err != nil {
			if errors.Is(err, proposals.ErrDecisionInFlight) {
				httputil.Conflict(w, "a decision is already in flight")
				return
			}
			// Units applied before the failure stay applied; report the
			// halt with the surviving queue so the UI can recover.
			logging.Errorf("[Proposals] Decision failed: %v", err)
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}

		httputil.OkJSON(w, &types.DecideProposalResponse{Remaining: svcCtx.Queue.Len()})
	}
}

// NextProposalHandler advances the active index.
func NextProposalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return navigationHandler(svcCtx, func() error { return svcCtx.Queue.Next() })
}

// PrevProposalHandler steps the active index back.
func PrevProposalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return navigationHandler(svcCtx, func() error { return svcCtx.Queue.Prev() })
}

func navigationHandler(svcCtx *svc.ServiceContext, move func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := move(); err != nil {
			if errors.Is(err, proposals.ErrDecisionInFlight) {
				httputil.Conflict(w, "navigation is disabled while a decision is in flight")
				return
			}
			httputil.Error(w, err)
			return
		}
		svcCtx.NotifyQueueChanged()
		httputil.OkJSON(w, queueResponse(svcCtx))
	}
}

func queueResponse(svcCtx *svc.ServiceContext) *types.ProposalsResponse {
	items := svcCtx.Queue.Items()
	resp := &types.ProposalsResponse{
		Proposals: make([]types.ProposalItem, len(items)),
		Deciding:  svcCtx.Queue.Deciding(),
	}
	for i, p := range items {
		resp.Proposals[i] = types.ProposalItem{
			ID:          p.ID,
			Type:        string(p.Type),
			Description: p.Description,
			Payload:     p.Payload,
		}
		if !p.CreatedAt.IsZero() {
			resp.Proposals[i].CreatedAt = p.CreatedAt.UTC().Format(time.RFC3339)
		}
	}
	if _, idx, ok := svcCtx.Queue.Active(); ok {
		resp.Active = idx
	}
	return resp
}
