// Package chat exposes the conversation endpoints: send a message into the
// workspace stream and switch sessions.
package chat

import (
	"net/http"
	"strings"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// SendMessageHandler posts one user message. The response stream is
// consumed in the background; deltas and events arrive on the websocket
// feed, so the HTTP response only acknowledges acceptance.
func SendMessageHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SendMessageRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "message text is required")
			return
		}

		if err := svcCtx.Chat.Send(r.Context(), req.Text); err != nil {
			logging.Errorf("[Chat] Send failed: %v", err)
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}

		httputil.OkJSON(w, &types.SendMessageResponse{
			Accepted:  true,
			SessionID: svcCtx.Chat.SessionID(),
		})
	}
}
