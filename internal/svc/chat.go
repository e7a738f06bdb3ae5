package svc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/neboloop"
	"github.com/neboloop/conductor/internal/proposals"
	"github.com/neboloop/conductor/internal/stream"
)

// delegationTool is the backend tool whose completion hands a goal to the
// browser orchestrator.
const delegationTool = "browser_task"

// Chat drives the conversation with the workspace backend: it sends user
// messages, dispatches the framed response stream, and routes chunks to the
// proposal queue, the question flow, and the browser orchestrator. Also the
// proposals.Notifier, so approval confirmations replay as outbound messages.
type Chat struct {
	svc        *ServiceContext
	dispatcher *stream.Dispatcher

	mu        sync.Mutex
	sessionID string
}

func newChat(svc *ServiceContext) *Chat {
	return &Chat{
		svc:        svc,
		dispatcher: stream.NewDispatcher(),
		sessionID:  svc.Config().Loop.SessionID,
	}
}

// SessionID returns the current conversation session.
func (c *Chat) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSession switches the conversation to another session. Pending
// proposals and any active question set belong to the old session and are
// discarded.
func (c *Chat) SetSession(id string) {
	c.mu.Lock()
	if c.sessionID == id {
		c.mu.Unlock()
		return
	}
	c.sessionID = id
	c.mu.Unlock()

	c.svc.Queue.Clear()
	c.svc.Questions.Cancel()
	c.svc.publishQueueState()
	c.svc.publishQuestionState()
	c.persistSession(id)
	logging.Infof("[Chat] Session switched to %q", id)
}

// adoptSession records the session id the backend assigned in a done chunk.
// A change away from a previous non-empty id invalidates queue and
// questions, same as an explicit switch.
func (c *Chat) adoptSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	prev := c.sessionID
	c.sessionID = id
	c.mu.Unlock()
	if prev == id {
		return
	}

	if prev != "" {
		c.svc.Queue.Clear()
		c.svc.Questions.Cancel()
		c.svc.publishQueueState()
		c.svc.publishQuestionState()
	}
	c.persistSession(id)
}

func (c *Chat) persistSession(id string) {
	if err := c.svc.PersistSession(id); err != nil {
		logging.Warnf("[Chat] Failed to persist session id: %v", err)
	}
}

// Send posts one user message and consumes the response stream in the
// background. The call returns once the stream is open; chunks arrive on
// the event bus.
func (c *Chat) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}

	sessionID := c.SessionID()
	c.emitMessage("user", "text", text)

	body, err := c.svc.Loop.StreamMessage(ctx, neboloop.ChatRequest{
		Message:   text,
		SessionID: sessionID,
	})
	if err != nil {
		c.emitTerminal(err)
		return err
	}

	go func() {
		defer body.Close()
		if err := c.dispatcher.Dispatch(context.Background(), body, c.handlers()); err != nil {
			c.emitTerminal(err)
		}
	}()
	return nil
}

func (c *Chat) handlers() stream.Handlers {
	return stream.Handlers{
		OnTurnOpen: func() {
			c.emitMessage("assistant", "turn_open", "")
		},
		OnText: func(chunk stream.TextChunk) {
			c.emitDelta(chunk.Content)
		},
		OnToolStart: func(chunk stream.ToolStartChunk) {
			c.emitMessage("assistant", "tool_start", chunk.Tool)
		},
		OnToolEnd:   c.handleToolEnd,
		OnToolError: c.handleToolError,
		OnProposal:  c.handleProposal,
		OnQuestions: c.handleQuestions,
		OnDone: func(chunk stream.DoneChunk) {
			c.adoptSession(chunk.SessionID)
		},
		OnError: func(chunk stream.ErrorChunk) {
			c.emitMessage("system", "error", chunk.Message)
		},
		OnUnknown: func(kind string, raw []byte) {
			logging.Debugf("[Chat] Unknown chunk kind %q (%d bytes)", kind, len(raw))
		},
	}
}

// handleToolEnd hands a completed browser_task tool call to the
// orchestrator. Delegation blocks on the agent command ack, so it runs off
// the dispatch goroutine and later chunks are not held behind it.
func (c *Chat) handleToolEnd(chunk stream.ToolEndChunk) {
	if chunk.Tool != delegationTool {
		c.emitMessage("assistant", "tool_end", chunk.Tool)
		return
	}
	goal := goalFromResult(chunk.Result)
	if goal == "" {
		logging.Warnf("[Chat] %s result carried no goal", delegationTool)
		return
	}
	go func() {
		if _, err := c.svc.Orchestrator.Delegate(context.Background(), goal, browser.SourceManual); err != nil {
			logging.Errorf("[Chat] Delegation failed: %v", err)
			c.emitMessage("system", "error", "Browser delegation failed: "+err.Error())
		}
	}()
}

func (c *Chat) handleToolError(chunk stream.ToolErrorChunk) {
	msg := chunk.Message
	if chunk.Tool != "" {
		msg = chunk.Tool + ": " + msg
	}
	c.emitMessage("system", "tool_error", msg)
}

// handleProposal enqueues for manual review, or confirms immediately when
// approval mode is automatic. Auto-decisions go to the backend off the
// dispatch goroutine for the same reason delegation does.
func (c *Chat) handleProposal(chunk stream.ProposalChunk) {
	p := chunk.Proposal
	cfg := c.svc.Config()
	if cfg.AutoApprove() {
		go func() {
			if err := c.svc.Loop.DecideProposal(context.Background(), p.ID, proposals.DecisionApprove); err != nil {
				logging.Errorf("[Chat] Auto-approve of %s failed: %v", p.ID, err)
			}
		}()
		c.emitMessage("system", "proposal_auto", "Auto-approved: "+p.Label())
		return
	}
	if c.svc.Queue.Enqueue(p) {
		logging.Infof("[Chat] Proposal queued: %s", p.Label())
	}
	c.svc.publishQueueState()
}

// handleQuestions replaces any active set with the incoming one.
func (c *Chat) handleQuestions(chunk stream.QuestionsChunk) {
	c.svc.Questions.Begin(chunk.Context, chunk.Questions)
	c.svc.publishQuestionState()
	logging.Infof("[Chat] Question set received (%d questions)", len(chunk.Questions))
}

// SubmitQuestions formats the active set, replays it as an outbound
// message, and destroys the set.
func (c *Chat) SubmitQuestions(ctx context.Context) (string, error) {
	text, err := c.svc.Questions.Submit()
	if err != nil {
		return "", err
	}
	c.svc.publishQuestionState()
	if err := c.Send(ctx, text); err != nil {
		return text, err
	}
	return text, nil
}

// CancelQuestions discards the active set without sending anything.
func (c *Chat) CancelQuestions() {
	c.svc.Questions.Cancel()
	c.svc.publishQuestionState()
}

// Notify implements proposals.Notifier: confirmation text goes back to the
// backend as a regular outbound message.
func (c *Chat) Notify(ctx context.Context, text string) error {
	return c.Send(ctx, text)
}

func (c *Chat) emitDelta(text string) {
	evt := events.ChatDelta{SessionID: c.SessionID(), Text: text}
	if err := events.Emit(c.svc.Bus, events.TopicChatDelta, evt); err != nil {
		logging.Debugf("[Chat] delta event dropped: %v", err)
	}
}

func (c *Chat) emitMessage(role, kind, text string) {
	evt := events.ChatMessage{SessionID: c.SessionID(), Role: role, Kind: kind, Text: text}
	if err := events.Emit(c.svc.Bus, events.TopicChatMessage, evt); err != nil {
		logging.Debugf("[Chat] message event dropped: %v", err)
	}
}

// emitTerminal reports a dead stream. Offline is the only failure the UI is
// told about definitively; everything else is a generic error.
func (c *Chat) emitTerminal(err error) {
	if errors.Is(err, neboloop.ErrOffline) {
		c.emitMessage("system", "offline", "Workspace backend is unreachable")
		return
	}
	if errors.Is(err, neboloop.ErrUnauthorized) {
		c.emitMessage("system", "unauthorized", "Workspace session expired or token invalid")
		return
	}
	c.emitMessage("system", "error", err.Error())
	logging.Errorf("[Chat] Stream failed: %v", err)
}

// goalFromResult extracts the delegation goal from a tool result payload.
// The backend sends {"goal": ...}; older shapes used "task" or a bare
// string.
func goalFromResult(raw json.RawMessage) string {
	var obj struct {
		Goal string `json:"goal"`
		Task string `json:"task"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if g := strings.TrimSpace(obj.Goal); g != "" {
			return g
		}
		if t := strings.TrimSpace(obj.Task); t != "" {
			return t
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}
