package svc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/proposals"
	"github.com/neboloop/conductor/internal/questions"
)

// backendStub plays the workspace API: it serves one framed stream body per
// chat send and records decide calls and sent messages.
type backendStub struct {
	mu       sync.Mutex
	streams  []string
	sent     []string
	decided  []string
	searches int
}

func (b *backendStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		b.mu.Lock()
		b.sent = append(b.sent, req.Message)
		var stream string
		if len(b.streams) > 0 {
			stream = b.streams[0]
			b.streams = b.streams[1:]
		}
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, stream)
	})
	mux.HandleFunc("/api/v1/proposals/decide", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProposalID string `json:"proposal_id"`
			Decision   string `json:"decision"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		b.mu.Lock()
		b.decided = append(b.decided, req.ProposalID+":"+req.Decision)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/v1/memories/search", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.searches++
		b.mu.Unlock()
		fmt.Fprint(w, `{"memories":[]}`)
	})
	return mux
}

func (b *backendStub) queueStream(frames ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, joinFrames(frames...))
}

func (b *backendStub) sentMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *backendStub) decisions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.decided...)
}

func joinFrames(frames ...string) string {
	var out string
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out
}

func newTestContext(t *testing.T, stub *backendStub, mutate func(*config.Config)) *ServiceContext {
	t.Helper()
	t.Setenv("CONDUCTOR_KEYRING_DISABLED", "1")

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Loop.BaseURL = srv.URL
	cfg.Loop.AuthMode = "manual"
	cfg.Loop.ManualToken = "test-manual-token"
	cfg.Agent.URL = "ws://127.0.0.1:1/agent"
	if mutate != nil {
		mutate(cfg)
	}

	svc := NewServiceContext(cfg)
	t.Cleanup(svc.Close)
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChatStreamRoutesProposalAndSession(t *testing.T) {
	stub := &backendStub{}
	stub.queueStream(
		`{"chunk_type":"text","content":"Hello "}`,
		`{"chunk_type":"text","content":"there"}`,
		`{"chunk_type":"proposal","proposal":{"id":"p-1","type":"create_task","description":"File the report"}}`,
		`{"chunk_type":"done","session_id":"sess-42"}`,
	)
	svc := newTestContext(t, stub, nil)

	deltas := make(chan events.ChatDelta, 8)
	events.Subscribe(svc.Bus, events.TopicChatDelta, func(_ context.Context, d events.ChatDelta) error {
		deltas <- d
		return nil
	})

	if err := svc.Chat.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var text string
	for i := 0; i < 2; i++ {
		select {
		case d := <-deltas:
			text += d.Text
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for text deltas")
		}
	}
	if text != "Hello there" {
		t.Fatalf("deltas = %q, want %q", text, "Hello there")
	}

	waitFor(t, "proposal enqueue", func() bool { return svc.Queue.Len() == 1 })
	waitFor(t, "session adoption", func() bool { return svc.Chat.SessionID() == "sess-42" })

	if got := svc.BlockingState(); got != "proposals" {
		t.Fatalf("BlockingState = %q, want proposals", got)
	}
	active, idx, ok := svc.Queue.Active()
	if !ok || active.ID != "p-1" || idx != 0 {
		t.Fatalf("Active = %+v idx=%d ok=%v", active, idx, ok)
	}
}

func TestChatToolEndDelegates(t *testing.T) {
	stub := &backendStub{}
	stub.queueStream(
		`{"chunk_type":"tool_end","tool":"browser_task","result":{"goal":"download the weekly invoice"}}`,
		`{"chunk_type":"done","session_id":"sess-1"}`,
	)
	svc := newTestContext(t, stub, nil)

	if err := svc.Chat.Send(context.Background(), "get my invoice"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The agent channel was never connected, so the start command fails
	// fast and the run finalizes straight into history.
	waitFor(t, "delegated run in history", func() bool {
		for _, run := range svc.Orchestrator.History() {
			if run.Goal == "download the weekly invoice" {
				return true
			}
		}
		return false
	})
}

func TestChatQuestionsFlow(t *testing.T) {
	stub := &backendStub{}
	stub.queueStream(
		`{"chunk_type":"questions","context":"Trip details","questions":[{"id":"q1","text":"Which city?"}]}`,
		`{"chunk_type":"done","session_id":"sess-1"}`,
	)
	stub.queueStream(`{"chunk_type":"done","session_id":"sess-1"}`)
	svc := newTestContext(t, stub, nil)

	if err := svc.Chat.Send(context.Background(), "book a trip"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "active question set", func() bool { return svc.Questions.Active() != nil })

	if got := svc.BlockingState(); got != "questions" {
		t.Fatalf("BlockingState = %q, want questions", got)
	}

	svc.Questions.Active().SetFreeText("q1", "Lisbon")
	text, err := svc.Chat.SubmitQuestions(context.Background())
	if err != nil {
		t.Fatalf("SubmitQuestions: %v", err)
	}
	if text != "Which city?: Lisbon" {
		t.Fatalf("submitted text = %q", text)
	}
	if svc.Questions.Active() != nil {
		t.Fatal("question set should be destroyed after submit")
	}

	waitFor(t, "formatted answers sent upstream", func() bool {
		msgs := stub.sentMessages()
		return len(msgs) == 2 && msgs[1] == "Which city?: Lisbon"
	})
}

func TestChatAutoApproveBypassesQueue(t *testing.T) {
	stub := &backendStub{}
	stub.queueStream(
		`{"chunk_type":"proposal","proposal":{"id":"p-9","type":"tool_action","description":"Send the email"}}`,
		`{"chunk_type":"done","session_id":"sess-1"}`,
	)
	svc := newTestContext(t, stub, func(c *config.Config) {
		c.Approval.Mode = "auto"
	})

	if err := svc.Chat.Send(context.Background(), "go ahead"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "auto decision", func() bool {
		ds := stub.decisions()
		return len(ds) == 1 && ds[0] == "p-9:approve"
	})
	if svc.Queue.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", svc.Queue.Len())
	}
}

func TestSetSessionClearsPendingWork(t *testing.T) {
	stub := &backendStub{}
	svc := newTestContext(t, stub, nil)

	svc.Queue.Enqueue(proposals.Proposal{ID: "p-1", Type: proposals.TypeCreateTask})
	svc.Questions.Begin("ctx", []questions.Question{{ID: "q1", Text: "Why?"}})

	svc.Chat.SetSession("sess-other")

	if svc.Queue.Len() != 0 {
		t.Fatalf("queue length = %d after session switch, want 0", svc.Queue.Len())
	}
	if svc.Questions.Active() != nil {
		t.Fatal("question set should be cancelled on session switch")
	}
	if got := svc.Chat.SessionID(); got != "sess-other" {
		t.Fatalf("SessionID = %q", got)
	}
}

func TestUpdateConfigAutoModeClearsQueue(t *testing.T) {
	stub := &backendStub{}
	svc := newTestContext(t, stub, nil)

	svc.Queue.Enqueue(proposals.Proposal{ID: "p-1", Type: proposals.TypeCreateTask})
	if svc.Queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", svc.Queue.Len())
	}

	err := svc.UpdateConfig(func(c *config.Config) {
		c.Approval.Mode = "auto"
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if svc.Queue.Len() != 0 {
		t.Fatalf("queue length = %d after switching to auto, want 0", svc.Queue.Len())
	}
}
