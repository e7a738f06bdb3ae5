// Package neboloop provides the REST client for the NeboLoop workspace
// backend. It borrows the user's browser session token through the auth
// resolver and speaks the chat-stream, proposals, and memories endpoints.
package neboloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/neboloop/conductor/internal/authtoken"
	"github.com/neboloop/conductor/internal/proposals"
)

var (
	// ErrOffline marks transport failures. The UI reports definite offline
	// status instead of retrying.
	ErrOffline = errors.New("workspace backend unreachable")

	// ErrUnauthorized is returned when a request stays unauthorized after
	// the single forced token refresh.
	ErrUnauthorized = errors.New("workspace request unauthorized")

	// ErrUnprocessable maps HTTP 422. The skill matcher falls back to an
	// unfiltered listing when the search endpoint reports it.
	ErrUnprocessable = errors.New("workspace rejected the request as unprocessable")
)

// TokenSource resolves the bearer token for outbound requests. Implemented
// by authtoken.Resolver.
type TokenSource interface {
	Resolve(ctx context.Context, opts authtoken.ResolveOptions) (authtoken.Token, error)
	Invalidate()
}

// Settings is the slice of configuration the client reads per request, so
// settings saves apply without rebuilding the client.
type Settings struct {
	BaseURL    string
	Workspace  string
	CookieAuth bool
}

// Client talks to the workspace backend.
type Client struct {
	http     *http.Client
	tokens   TokenSource
	settings func() Settings
}

func NewClient(tokens TokenSource, settings func() Settings) *Client {
	return &Client{
		http:     http.DefaultClient,
		tokens:   tokens,
		settings: settings,
	}
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, force bool) (*http.Response, error) {
	st := c.settings()
	tok, err := c.tokens.Resolve(ctx, authtoken.ResolveOptions{Force: force})
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(st.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return resp, nil
}

// send issues one authorized request. An unauthorized response under
// cookie-style auth forces exactly one token re-resolution before giving
// up; manual tokens never retry.
func (c *Client) send(ctx context.Context, method, path string, reqBody any) (*http.Response, error) {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	resp, err := c.attempt(ctx, method, path, payload, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.settings().CookieAuth {
		resp.Body.Close()
		c.tokens.Invalidate()
		resp, err = c.attempt(ctx, method, path, payload, true)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// doJSON sends a request and decodes the 2xx response into dest.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	resp, err := c.send(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusUnprocessableEntity:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", ErrUnprocessable, strings.TrimSpace(string(b)))
	default:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("workspace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

// --------------------------------------------------------------------------
// Chat
// --------------------------------------------------------------------------

// ChatRequest is one outbound user message.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// StreamMessage posts a chat message and returns the framed response body
// for the stream dispatcher. The caller owns closing the body.
func (c *Client) StreamMessage(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if req.Workspace == "" {
		req.Workspace = c.settings().Workspace
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/chat/stream", req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// --------------------------------------------------------------------------
// Proposals
// --------------------------------------------------------------------------

// PendingProposals fetches the proposals awaiting a decision in the
// configured workspace.
func (c *Client) PendingProposals(ctx context.Context) ([]proposals.Proposal, error) {
	path := "/api/v1/proposals/pending?workspace=" + url.QueryEscape(c.settings().Workspace)
	var out struct {
		Proposals []proposals.Proposal `json:"proposals"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Proposals, nil
}

// DecideProposal confirms one approve/reject decision upstream.
func (c *Client) DecideProposal(ctx context.Context, id string, decision proposals.Decision) error {
	body := map[string]string{
		"proposal_id": id,
		"decision":    string(decision),
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/proposals/decide", body, nil)
}

// --------------------------------------------------------------------------
// Memories
// --------------------------------------------------------------------------

// MemoryEntry is one workspace memory record. Skills are memories with
// type "skill" whose content embeds a fenced scenario block.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Scope     string    `json:"scope"`
	Tags      []string  `json:"tags,omitempty"`
	Source    string    `json:"source,omitempty"`
	Relevance float64   `json:"relevance,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SearchMemories runs the relevance search. A 422 response surfaces as
// ErrUnprocessable so callers can fall back to ListMemories.
func (c *Client) SearchMemories(ctx context.Context, query, memType string, limit int) ([]MemoryEntry, error) {
	body := map[string]any{
		"query": query,
		"type":  memType,
		"scope": c.settings().Workspace,
		"limit": limit,
	}
	var out struct {
		Memories []MemoryEntry `json:"memories"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/memories/search", body, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// ListMemories fetches the unfiltered listing for the workspace scope.
func (c *Client) ListMemories(ctx context.Context, memType string, limit int) ([]MemoryEntry, error) {
	q := url.Values{}
	q.Set("scope", c.settings().Workspace)
	q.Set("type", memType)
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Memories []MemoryEntry `json:"memories"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/memories?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// CreateMemory persists a compiled skill (or any memory) upstream and
// returns the stored record.
func (c *Client) CreateMemory(ctx context.Context, entry MemoryEntry) (MemoryEntry, error) {
	if entry.Scope == "" {
		entry.Scope = c.settings().Workspace
	}
	var out struct {
		Memory MemoryEntry `json:"memory"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/memories", entry, &out); err != nil {
		return MemoryEntry{}, err
	}
	return out.Memory, nil
}
