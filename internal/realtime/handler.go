package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || middleware.IsLocalhostOrigin(origin)
	},
}

// Handler upgrades feed connections. Browsers cannot set headers on
// websocket dials, so the session token arrives as a query parameter.
func Handler(hub *Hub, sessionSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := middleware.BearerToken(r)
		if token == "" {
			logging.Infof("[Realtime] Connection rejected: no session token")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if _, err := middleware.ValidateSessionToken(sessionSecret, token); err != nil {
			logging.Infof("[Realtime] Connection rejected: %v", err)
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Errorf("[Realtime] Upgrade error: %v", err)
			return
		}

		ServeWS(hub, conn)
	}
}
