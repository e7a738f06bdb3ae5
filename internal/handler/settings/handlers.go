// Package settings exposes the daemon configuration and the workspace
// token resolver.
package settings

import (
	"net/http"
	"time"

	"github.com/neboloop/conductor/internal/authtoken"
	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// GetSettingsHandler returns the editable settings. The manual token is
// never echoed back.
func GetSettingsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := svcCtx.Config()
		httputil.OkJSON(w, &types.SettingsResponse{
			BaseURL:      c.Loop.BaseURL,
			Workspace:    c.Loop.Workspace,
			AuthMode:     c.Loop.AuthMode,
			AgentURL:     c.Agent.URL,
			DevtoolsURL:  c.Browser.DevtoolsURL,
			Provider:     c.Provider.Name,
			Model:        c.Provider.Model,
			ApprovalMode: c.Approval.Mode,
		})
	}
}

// UpdateSettingsHandler applies a partial settings update. Saving settings
// invalidates the cached workspace token; switching approval to automatic
// clears the pending proposal queue. Both side effects live in
// svc.UpdateConfig so every save path carries them.
func UpdateSettingsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.UpdateSettingsRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		if req.ManualToken != nil {
			if err := svcCtx.StoreManualToken(*req.ManualToken); err != nil {
				logging.Errorf("[Settings] Manual token store failed: %v", err)
				httputil.InternalError(w, "failed to store manual token")
				return
			}
		}

		err := svcCtx.UpdateConfig(func(c *config.Config) {
			if req.BaseURL != nil {
				c.Loop.BaseURL = *req.BaseURL
			}
			if req.Workspace != nil {
				c.Loop.Workspace = *req.Workspace
			}
			if req.AuthMode != nil {
				c.Loop.AuthMode = *req.AuthMode
			}
			if req.AgentURL != nil {
				c.Agent.URL = *req.AgentURL
			}
			if req.DevtoolsURL != nil {
				c.Browser.DevtoolsURL = *req.DevtoolsURL
			}
			if req.Provider != nil {
				c.Provider.Name = *req.Provider
			}
			if req.Model != nil {
				c.Provider.Model = *req.Model
			}
			if req.ApprovalMode != nil {
				c.Approval.Mode = *req.ApprovalMode
			}
		})
		if err != nil {
			logging.Errorf("[Settings] Save failed: %v", err)
			httputil.InternalError(w, "failed to save settings")
			return
		}

		GetSettingsHandler(svcCtx)(w, r)
	}
}

// ResolveTokenHandler runs one token resolution and reports the outcome
// with the user-facing reason on failure.
func ResolveTokenHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ResolveTokenRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		tok, err := svcCtx.Resolver.Resolve(r.Context(), authtoken.ResolveOptions{Force: req.Force})
		if err != nil {
			httputil.OkJSON(w, &types.ResolveTokenResponse{
				Resolved: false,
				Message:  authtoken.ReasonMessage(err),
			})
			return
		}
		httputil.OkJSON(w, &types.ResolveTokenResponse{
			Resolved:  true,
			Origin:    tok.Origin,
			ExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}
