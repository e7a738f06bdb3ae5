package auth

import (
	"net/http"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// GetAuthConfigHandler tells the UI whether pairing needs a secret.
func GetAuthConfigHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, &types.AuthConfigResponse{
			PairingRequired: svcCtx.Config().Gateway.PairingHash != "",
		})
	}
}
