package port

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/conductor/internal/events"
)

// wsServer runs a websocket endpoint that plays the execution agent and
// returns its ws:// URL. The handler runs once per accepted connection.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// startChannel wires a channel to a test agent server and waits for the
// link to come up.
func startChannel(t *testing.T, handler func(conn *websocket.Conn)) *Channel {
	t.Helper()
	bus := events.NewSubject()
	t.Cleanup(func() { events.Complete(bus) })

	ch := NewChannel(wsServer(t, handler), bus)
	ch.retryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ch.Run(ctx)

	waitFor(t, "channel connect", func() bool { return ch.State() == StateConnected })
	return ch
}

// holdOpen keeps the server side of a connection alive until the peer
// closes it.
func holdOpen(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// respondWith answers every inbound frame using reply.
func respondWith(reply func(Frame) Frame) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			out, _ := json.Marshal(reply(f))
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestRunPublishesStateTransitions(t *testing.T) {
	url := wsServer(t, holdOpen)

	bus := events.NewSubject()
	defer events.Complete(bus)

	var mu sync.Mutex
	var seen []StateChange
	events.Subscribe(bus, events.TopicPortState, func(_ context.Context, sc StateChange) error {
		mu.Lock()
		seen = append(seen, sc)
		mu.Unlock()
		return nil
	})

	ch := NewChannel(url, bus)
	ch.retryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "state events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	})

	mu.Lock()
	got := append([]StateChange(nil), seen...)
	mu.Unlock()

	want := []StateChange{
		{From: StateDisconnected, To: StateConnecting},
		{From: StateConnecting, To: StateConnected},
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("transition %d: expected %+v, got %+v", i, w, got[i])
		}
	}
	if ch.State() != StateConnected {
		t.Errorf("expected connected state, got %s", ch.State())
	}
}

func TestStartAgentAcked(t *testing.T) {
	got := make(chan Frame, 4)
	ch := startChannel(t, respondWith(func(f Frame) Frame {
		got <- f
		return Frame{Type: FrameResponse, ID: f.ID, OK: true}
	}))

	err := ch.StartAgent(context.Background(), StartAgentParams{Goal: "book a table", Provider: "anthropic"})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	select {
	case f := <-got:
		if f.Type != FrameRequest {
			t.Errorf("expected frame type 'req', got %s", f.Type)
		}
		if f.Method != MethodAgentStart {
			t.Errorf("expected method %s, got %s", MethodAgentStart, f.Method)
		}
		if f.ID == "" {
			t.Error("frame has no id")
		}
		var params StartAgentParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if params.Goal != "book a table" {
			t.Errorf("expected goal 'book a table', got %q", params.Goal)
		}
		if params.Provider != "anthropic" {
			t.Errorf("expected provider 'anthropic', got %q", params.Provider)
		}
	case <-time.After(time.Second):
		t.Fatal("server saw no frame")
	}
}

func TestCallRejected(t *testing.T) {
	ch := startChannel(t, respondWith(func(f Frame) Frame {
		return Frame{Type: FrameResponse, ID: f.ID, OK: false, Error: "agent busy"}
	}))

	err := ch.StopAgent(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected command")
	}
	if !strings.Contains(err.Error(), "agent busy") {
		t.Errorf("expected rejection reason in error, got %v", err)
	}
}

func TestDuplicateAckDropped(t *testing.T) {
	ch := startChannel(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			ack, _ := json.Marshal(Frame{Type: FrameResponse, ID: f.ID, OK: true})
			conn.WriteMessage(websocket.TextMessage, ack)
			conn.WriteMessage(websocket.TextMessage, ack)
		}
	})

	// The duplicate ack must be discarded without breaking the link.
	for i := 0; i < 2; i++ {
		if err := ch.StopAgent(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if ch.State() != StateConnected {
		t.Errorf("expected connected state, got %s", ch.State())
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	ch := startChannel(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.Close()
	})

	err := ch.StartAgent(context.Background(), StartAgentParams{Goal: "anything"})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		holdOpen(conn)
	})

	bus := events.NewSubject()
	defer events.Complete(bus)
	ch := NewChannel(url, bus)
	ch.retryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "reconnect", func() bool {
		return conns.Load() >= 2 && ch.State() == StateConnected
	})
}

func TestInboundEventsDispatch(t *testing.T) {
	pushed := []Frame{
		{Type: FrameEvent, Method: EventAgentStatus, Payload: mustJSON(t, AgentStatus{Running: true, Step: 3, Mode: "acting"})},
		{Type: FrameEvent, Method: EventChatMessage, Payload: mustJSON(t, ChatMessage{Role: "assistant", Kind: "text", Text: "opening portal"})},
		{Type: FrameEvent, Method: EventChatHistory, Payload: mustJSON(t, chatHistoryPayload{Messages: []ChatMessage{{Role: "user", Text: "go"}, {Role: "assistant", Text: "done"}}})},
		{Type: FrameEvent, ID: "appr-1", Method: EventApprovalRequested, Payload: json.RawMessage(`{"action":"purchase"}`)},
	}
	url := wsServer(t, func(conn *websocket.Conn) {
		for _, f := range pushed {
			data, _ := json.Marshal(f)
			conn.WriteMessage(websocket.TextMessage, data)
		}
		holdOpen(conn)
	})

	bus := events.NewSubject()
	defer events.Complete(bus)
	ch := NewChannel(url, bus)
	ch.retryDelay = 20 * time.Millisecond

	var mu sync.Mutex
	var status *AgentStatus
	var msg *ChatMessage
	var history []ChatMessage
	var approvalID string
	ch.OnStatus(func(s AgentStatus) { mu.Lock(); status = &s; mu.Unlock() })
	ch.OnChatMessage(func(m ChatMessage) { mu.Lock(); msg = &m; mu.Unlock() })
	ch.OnChatHistory(func(h []ChatMessage) { mu.Lock(); history = h; mu.Unlock() })
	ch.OnApproval(func(id string, _ json.RawMessage) { mu.Lock(); approvalID = id; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return status != nil && msg != nil && history != nil && approvalID != ""
	})

	mu.Lock()
	defer mu.Unlock()
	if !status.Running || status.Step != 3 || status.Mode != "acting" {
		t.Errorf("status not decoded: %+v", status)
	}
	if msg.Text != "opening portal" || msg.Role != "assistant" {
		t.Errorf("chat message not decoded: %+v", msg)
	}
	if len(history) != 2 || history[1].Text != "done" {
		t.Errorf("history not decoded: %+v", history)
	}
	if approvalID != "appr-1" {
		t.Errorf("expected approval id 'appr-1', got %q", approvalID)
	}
}

func TestAnswersPing(t *testing.T) {
	pong := make(chan Frame, 1)
	startChannel(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ping, _ := json.Marshal(Frame{Type: FrameRequest, ID: "ping-1", Method: "ping"})
		conn.WriteMessage(websocket.TextMessage, ping)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		pong <- f
		holdOpen(conn)
	})

	select {
	case f := <-pong:
		if f.Type != FrameResponse {
			t.Errorf("expected frame type 'res', got %s", f.Type)
		}
		if f.ID != "ping-1" {
			t.Errorf("expected id 'ping-1', got %s", f.ID)
		}
		if !f.OK {
			t.Error("expected OK to be true")
		}
		var body map[string]bool
		if err := json.Unmarshal(f.Payload, &body); err != nil || !body["pong"] {
			t.Errorf("expected pong payload, got %s", f.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestCallWhileDisconnected(t *testing.T) {
	bus := events.NewSubject()
	defer events.Complete(bus)
	ch := NewChannel("ws://127.0.0.1:1/agent", bus)

	err := ch.SendInstruction(context.Background(), "halt")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestAckTimeout(t *testing.T) {
	ch := startChannel(t, holdOpen)
	ch.ackWait = 50 * time.Millisecond

	start := time.Now()
	err := ch.StopAgent(context.Background())
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestStopRecordingDecodesScenario(t *testing.T) {
	doc := `{"name":"expense-report","startUrl":"https://portal.test/login","steps":[{"type":"navigate","url":"https://portal.test/expenses"},{"type":"click","selector":"#new-report"}]}`
	ch := startChannel(t, respondWith(func(f Frame) Frame {
		payload, _ := json.Marshal(map[string]json.RawMessage{"scenario": json.RawMessage(doc)})
		return Frame{Type: FrameResponse, ID: f.ID, OK: true, Payload: payload}
	}))

	sc, err := ch.StopRecording(context.Background(), true)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if sc == nil {
		t.Fatal("expected a scenario")
	}
	if sc.Name != "expense-report" {
		t.Errorf("expected name 'expense-report', got %q", sc.Name)
	}
	if sc.StepCount() != 2 {
		t.Errorf("expected 2 steps, got %d", sc.StepCount())
	}
}

func TestStopRecordingEmpty(t *testing.T) {
	ch := startChannel(t, respondWith(func(f Frame) Frame {
		return Frame{Type: FrameResponse, ID: f.ID, OK: true}
	}))

	sc, err := ch.StopRecording(context.Background(), false)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if sc != nil {
		t.Errorf("expected nil scenario, got %+v", sc)
	}
}

func TestSuggestSkillMetadata(t *testing.T) {
	ch := startChannel(t, respondWith(func(f Frame) Frame {
		payload, _ := json.Marshal(SkillMetadata{
			Name:        "Submit expense report",
			Description: "Files a report in the portal",
			Tags:        []string{"finance"},
		})
		return Frame{Type: FrameResponse, ID: f.ID, OK: true, Payload: payload}
	}))

	meta, err := ch.SuggestSkillMetadata(context.Background(), SuggestMetadataParams{Goal: "submit my expenses"})
	if err != nil {
		t.Fatalf("SuggestSkillMetadata: %v", err)
	}
	if meta.Name != "Submit expense report" {
		t.Errorf("unexpected name %q", meta.Name)
	}
	if len(meta.Tags) != 1 || meta.Tags[0] != "finance" {
		t.Errorf("unexpected tags %v", meta.Tags)
	}
}

func TestCloseStopsRun(t *testing.T) {
	url := wsServer(t, holdOpen)
	bus := events.NewSubject()
	defer events.Complete(bus)
	ch := NewChannel(url, bus)
	ch.retryDelay = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		ch.Run(context.Background())
		close(done)
	}()

	waitFor(t, "connect", func() bool { return ch.State() == StateConnected })
	ch.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Close")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected state after Close, got %s", ch.State())
	}
}
