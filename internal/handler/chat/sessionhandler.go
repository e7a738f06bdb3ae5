package chat

import (
	"net/http"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// GetSessionHandler returns the active conversation session id.
func GetSessionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.SessionRequest{SessionID: svcCtx.Chat.SessionID()})
	}
}

// SetSessionHandler switches the conversation to another session. Pending
// proposals and any active question set are discarded with the old one.
func SetSessionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SessionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		svcCtx.Chat.SetSession(req.SessionID)
		httputil.OkJSON(w, &types.SessionRequest{SessionID: svcCtx.Chat.SessionID()})
	}
}
