// Package server wires the gateway HTTP surface: the JSON API the local UI
// talks to, the realtime websocket feed, and the MCP mount.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/conductor/internal/handler"
	authhandler "github.com/neboloop/conductor/internal/handler/auth"
	"github.com/neboloop/conductor/internal/handler/chat"
	"github.com/neboloop/conductor/internal/handler/proposal"
	"github.com/neboloop/conductor/internal/handler/question"
	"github.com/neboloop/conductor/internal/handler/run"
	"github.com/neboloop/conductor/internal/handler/schedule"
	"github.com/neboloop/conductor/internal/handler/settings"
	"github.com/neboloop/conductor/internal/handler/skill"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/mcp"
	"github.com/neboloop/conductor/internal/middleware"
	"github.com/neboloop/conductor/internal/realtime"
	"github.com/neboloop/conductor/internal/svc"
)

// Options tunes gateway startup.
type Options struct {
	Quiet bool // suppress startup messages for clean CLI output
}

// Run starts the gateway and blocks until the context is cancelled. The
// service context is owned by the caller and survives gateway shutdown.
func Run(ctx context.Context, svcCtx *svc.ServiceContext, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	c := svcCtx.Config()
	port := c.Gateway.Port

	if err := checkPortAvailable(port); err != nil {
		return fmt.Errorf("port %d is already in use - only one conductor instance allowed per computer", port)
	}

	r := Router(svcCtx, o)

	go svcCtx.Hub.Run(ctx)

	// Read/write timeouts are omitted on purpose: they set deadlines on
	// the underlying net.Conn and break hijacked websocket connections.
	// Keepalive is handled by ping/pong in the realtime and port packages.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", port),
		Handler:     r,
		IdleTimeout: 120 * time.Second,
	}

	if !o.Quiet {
		fmt.Printf("Gateway ready at http://localhost:%d\n", port)
	}
	logging.Infof("Gateway listening on port %d", port)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Router builds the chi router. Exposed separately so tests can drive the
// full route table through httptest without binding a port.
func Router(svcCtx *svc.ServiceContext, o Options) chi.Router {
	c := svcCtx.Config()

	r := chi.NewRouter()
	if !o.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware())

	r.Get("/health", handler.HealthCheckHandler(svcCtx))

	r.Route("/api/v1", func(r chi.Router) {
		// Pairing is the only unauthenticated surface.
		r.Get("/auth/config", authhandler.GetAuthConfigHandler(svcCtx))
		r.Post("/auth/pair", authhandler.PairHandler(svcCtx))

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTMiddleware(c.Gateway.SessionSecret))
			registerProtectedRoutes(r, svcCtx)
		})
	})

	// Websocket feed; the session token arrives as a query parameter.
	r.Get("/ws", realtime.Handler(svcCtx.Hub, c.Gateway.SessionSecret))

	// MCP surface for external clients (same session-token guard).
	mcpHandler := middleware.JWTMiddleware(c.Gateway.SessionSecret)(mcp.NewHandler(svcCtx))
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	return r
}

func registerProtectedRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	r.Get("/status", handler.StatusHandler(svcCtx))

	// Chat
	r.Post("/chat/message", chat.SendMessageHandler(svcCtx))
	r.Get("/chat/session", chat.GetSessionHandler(svcCtx))
	r.Put("/chat/session", chat.SetSessionHandler(svcCtx))

	// Proposals
	r.Get("/proposals", proposal.ListProposalsHandler(svcCtx))
	r.Post("/proposals/decide", proposal.DecideProposalHandler(svcCtx))
	r.Post("/proposals/next", proposal.NextProposalHandler(svcCtx))
	r.Post("/proposals/prev", proposal.PrevProposalHandler(svcCtx))

	// Questions
	r.Get("/questions", question.GetQuestionsHandler(svcCtx))
	r.Post("/questions/answer", question.AnswerQuestionHandler(svcCtx))
	r.Post("/questions/submit", question.SubmitQuestionsHandler(svcCtx))
	r.Post("/questions/cancel", question.CancelQuestionsHandler(svcCtx))

	// Runs / delegation
	r.Post("/runs/delegate", run.DelegateHandler(svcCtx))
	r.Post("/runs/instruction", run.InstructHandler(svcCtx))
	r.Post("/runs/stop", run.StopHandler(svcCtx))
	r.Get("/runs/current", run.GetCurrentRunHandler(svcCtx))
	r.Get("/runs", run.ListRunsHandler(svcCtx))
	r.Get("/runs/{id}", run.GetRunHandler(svcCtx))

	// Skills
	r.Get("/skills", skill.ListSkillsHandler(svcCtx))
	r.Get("/skills/{name}", skill.GetSkillHandler(svcCtx))
	r.Post("/skills/preview", skill.PreviewSkillHandler(svcCtx))
	r.Post("/skills/compile", skill.CompileSkillHandler(svcCtx))
	r.Post("/recording/start", skill.StartRecordingHandler(svcCtx))
	r.Post("/recording/stop", skill.StopRecordingHandler(svcCtx))

	// Schedules
	r.Get("/schedules", schedule.ListSchedulesHandler(svcCtx))
	r.Post("/schedules", schedule.CreateScheduleHandler(svcCtx))
	r.Get("/schedules/{id}", schedule.GetScheduleHandler(svcCtx))
	r.Put("/schedules/{id}", schedule.UpdateScheduleHandler(svcCtx))
	r.Delete("/schedules/{id}", schedule.DeleteScheduleHandler(svcCtx))
	r.Post("/schedules/{id}/trigger", schedule.TriggerScheduleHandler(svcCtx))

	// Settings / token
	r.Get("/settings", settings.GetSettingsHandler(svcCtx))
	r.Put("/settings", settings.UpdateSettingsHandler(svcCtx))
	r.Post("/token/resolve", settings.ResolveTokenHandler(svcCtx))
}

func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Only localhost origins get CORS headers; the gateway serves
			// the local UI and nothing else. No origin means same-origin.
			if origin == "" || middleware.IsLocalhostOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
