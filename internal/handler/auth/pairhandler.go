// Package auth holds the gateway pairing handlers. The local UI exchanges
// the pairing secret once for a signed session token; every other route
// requires that token.
package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/middleware"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// PairHandler verifies the pairing secret and mints a session token. A
// config without a pairing hash trusts any local client, so the secret
// check is skipped and pairing always succeeds.
func PairHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.PairRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		c := svcCtx.Config()
		if c.Gateway.SessionSecret == "" {
			httputil.InternalError(w, "gateway session secret not configured")
			return
		}
		if c.Gateway.PairingHash != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(c.Gateway.PairingHash), []byte(req.Secret)); err != nil {
				logging.Warn("[Auth] Pairing rejected: wrong secret")
				httputil.Unauthorized(w, "invalid pairing secret")
				return
			}
		}

		clientID := uuid.New().String()
		token, expires, err := middleware.MintSessionToken(c.Gateway.SessionSecret, clientID, time.Now())
		if err != nil {
			logging.Errorf("[Auth] Token mint failed: %v", err)
			httputil.InternalError(w, "failed to mint session token")
			return
		}

		logging.Infof("[Auth] Client paired: %s", clientID)
		httputil.OkJSON(w, &types.PairResponse{
			Token:     token,
			ExpiresAt: expires.UTC().Format(time.RFC3339),
		})
	}
}
