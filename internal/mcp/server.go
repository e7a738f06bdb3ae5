// Package mcp exposes conductor to external MCP clients: a browser tool
// for delegation and a skills tool for the library, served over the
// streamable HTTP transport at /mcp.
package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/conductor/internal/svc"
)

// NewHandler returns the streamable HTTP handler. Stateless mode: the
// gateway session middleware already authenticates the caller, and every
// tool call carries its full input, so no per-session server state is
// needed.
func NewHandler(svcCtx *svc.ServiceContext) http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server {
			return NewServer(svcCtx)
		},
		&mcp.StreamableHTTPOptions{Stateless: true},
	)
}

// NewServer creates an MCP server with the conductor tools registered.
func NewServer(svcCtx *svc.ServiceContext) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "conductor",
		Version: svcCtx.Version,
	}, nil)

	registerBrowserTool(server, svcCtx)
	registerSkillsTool(server, svcCtx)

	return server
}
