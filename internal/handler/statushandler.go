package handler

import (
	"net/http"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// StatusHandler reports the daemon's composite state: agent channel, run
// lifecycle, last agent status, and whichever interaction currently blocks
// the conversation.
func StatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last := svcCtx.Orchestrator.LastStatus()
		resp := &types.StatusResponse{
			Port:     string(svcCtx.Channel.State()),
			Phase:    string(svcCtx.Orchestrator.Phase()),
			Running:  last.Running,
			Step:     last.Step,
			Mode:     last.Mode,
			Blocking: svcCtx.BlockingState(),
		}
		if name, recording := svcCtx.Orchestrator.Recording(); recording {
			resp.Recording = name
		}
		httputil.OkJSON(w, resp)
	}
}
