// Package port maintains the duplex websocket link to the browser
// execution agent: an explicit connection state machine with a fixed
// reconnect delay, request/ack correlation for commands, and callback
// dispatch for inbound status and chat-log events.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/scenario"
)

const (
	// reconnectDelay is fixed; the link does not back off.
	reconnectDelay = 3 * time.Second

	// ackTimeout bounds the wait for a command acknowledgement.
	ackTimeout = 15 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32768 // 32KB
)

var (
	// ErrDisconnected fails commands sent while the link is down, and all
	// pending acks the moment it drops.
	ErrDisconnected = errors.New("agent channel disconnected")

	// ErrAckTimeout reports a command the agent never acknowledged.
	ErrAckTimeout = errors.New("agent did not acknowledge command")
)

// State is the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// StateChange is published on events.TopicPortState for every transition.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Channel owns the websocket to the execution agent. Each command gets at
// most one acknowledgement; nothing is redelivered after a drop.
type Channel struct {
	url    string
	bus    *events.Subject
	dialer *websocket.Dialer

	onStatus      func(AgentStatus)
	onChatMessage func(ChatMessage)
	onChatHistory func([]ChatMessage)
	onApproval    func(id string, payload json.RawMessage)

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending map[string]chan Frame
	seq     int64

	writeMu sync.Mutex // serializes writes

	retryDelay time.Duration
	ackWait    time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

func NewChannel(url string, bus *events.Subject) *Channel {
	return &Channel{
		url:        url,
		bus:        bus,
		dialer:     websocket.DefaultDialer,
		state:      StateDisconnected,
		pending:    make(map[string]chan Frame),
		retryDelay: reconnectDelay,
		ackWait:    ackTimeout,
		closed:     make(chan struct{}),
	}
}

// Handler registration. Register before Run; handlers are invoked from the
// read loop goroutine.

// OnStatus registers the handler for agent.status events.
func (c *Channel) OnStatus(fn func(AgentStatus)) { c.onStatus = fn }

// OnChatMessage registers the handler for chat.message events.
func (c *Channel) OnChatMessage(fn func(ChatMessage)) { c.onChatMessage = fn }

// OnChatHistory registers the handler for chat.history events.
func (c *Channel) OnChatHistory(fn func([]ChatMessage)) { c.onChatHistory = fn }

// OnApproval registers the handler for approval.requested events.
func (c *Channel) OnApproval(fn func(id string, payload json.RawMessage)) { c.onApproval = fn }

// State returns the current link state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the channel permanently. Pending commands fail.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Run dials and maintains the link until ctx ends or Close is called.
// Every drop fails pending commands and schedules a redial after the
// fixed delay.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-c.closed:
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setState(StateDisconnected)
			logging.Debugf("[port] dial %s: %v", c.url, err)
			if !c.waitRetry(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		logging.Infof("[port] connected to %s", c.url)

		// Close the connection when the channel stops so ReadMessage
		// unblocks.
		stop := make(chan struct{})
		go c.pingLoop(conn, stop)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-c.closed:
				conn.Close()
			case <-stop:
			}
		}()

		c.readPump(conn)
		close(stop)
		c.drop(conn)
		c.setState(StateDisconnected)

		if !c.waitRetry(ctx) {
			return
		}
	}
}

func (c *Channel) waitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

func (c *Channel) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev == next {
		return
	}
	logging.Debugf("[port] %s -> %s", prev, next)
	if err := events.Emit(c.bus, events.TopicPortState, StateChange{From: prev, To: next}); err != nil {
		logging.Debugf("[port] state publish: %v", err)
	}
}

// drop clears the dead connection and fails every pending command.
func (c *Channel) drop(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	c.mu.Unlock()
	for _, ack := range pending {
		close(ack)
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warnf("[port] read: %v", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Debugf("[port] bad frame: %v", err)
			continue
		}
		c.route(conn, frame)
	}
}

func (c *Channel) route(conn *websocket.Conn, f Frame) {
	switch f.Type {
	case FrameResponse:
		c.mu.Lock()
		ack, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Duplicate or late acknowledgement.
			logging.Debugf("[port] dropping ack %s", f.ID)
			return
		}
		ack <- f

	case FrameEvent:
		c.handleEvent(f)

	case FrameRequest:
		if f.Method == "ping" {
			pong := Frame{Type: FrameResponse, ID: f.ID, OK: true, Payload: json.RawMessage(`{"pong":true}`)}
			if err := c.writeFrame(conn, pong); err != nil {
				logging.Debugf("[port] pong: %v", err)
			}
			return
		}
		logging.Debugf("[port] unhandled request method %q", f.Method)

	default:
		logging.Debugf("[port] unknown frame type %q", f.Type)
	}
}

func (c *Channel) handleEvent(f Frame) {
	switch f.Method {
	case EventAgentStatus:
		if c.onStatus == nil {
			return
		}
		var st AgentStatus
		if err := json.Unmarshal(f.Payload, &st); err != nil {
			logging.Debugf("[port] bad status payload: %v", err)
			return
		}
		c.onStatus(st)

	case EventChatMessage:
		if c.onChatMessage == nil {
			return
		}
		var msg ChatMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			logging.Debugf("[port] bad chat payload: %v", err)
			return
		}
		c.onChatMessage(msg)

	case EventChatHistory:
		if c.onChatHistory == nil {
			return
		}
		var hist chatHistoryPayload
		if err := json.Unmarshal(f.Payload, &hist); err != nil {
			logging.Debugf("[port] bad history payload: %v", err)
			return
		}
		c.onChatHistory(hist.Messages)

	case EventApprovalRequested:
		if c.onApproval != nil {
			c.onApproval(f.ID, f.Payload)
		}

	default:
		logging.Debugf("[port] unhandled event %q", f.Method)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// call sends one command frame and waits for its single acknowledgement.
func (c *Channel) call(ctx context.Context, method string, params any) (Frame, error) {
	var body json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = data
	}

	ack := make(chan Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return Frame{}, ErrDisconnected
	}
	c.seq++
	id := fmt.Sprintf("%s-%d", method, c.seq)
	c.pending[id] = ack
	c.mu.Unlock()

	if err := c.writeFrame(conn, Frame{Type: FrameRequest, ID: id, Method: method, Params: body}); err != nil {
		c.forget(id)
		return Frame{}, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.ackWait)
	defer timer.Stop()
	select {
	case resp, ok := <-ack:
		if !ok {
			return Frame{}, ErrDisconnected
		}
		if !resp.OK {
			return Frame{}, fmt.Errorf("%s rejected: %s", method, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return Frame{}, fmt.Errorf("%s: %w", method, ErrAckTimeout)
	case <-ctx.Done():
		c.forget(id)
		return Frame{}, ctx.Err()
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// StartAgent launches an autonomous run for the goal.
func (c *Channel) StartAgent(ctx context.Context, params StartAgentParams) error {
	_, err := c.call(ctx, MethodAgentStart, params)
	return err
}

// SendInstruction routes text into the active run.
func (c *Channel) SendInstruction(ctx context.Context, text string) error {
	_, err := c.call(ctx, MethodAgentInstruction, InstructionParams{Text: text})
	return err
}

// StopAgent asks the agent to end the active run. The caller finalizes
// local state once the stop is acknowledged or status reports not-running.
func (c *Channel) StopAgent(ctx context.Context) error {
	_, err := c.call(ctx, MethodAgentStop, nil)
	return err
}

// StartRPA launches a scripted run with planner fallback policy.
func (c *Channel) StartRPA(ctx context.Context, params StartRPAParams) error {
	_, err := c.call(ctx, MethodRPAStart, params)
	return err
}

// StartRecording turns on interaction recording in the agent.
func (c *Channel) StartRecording(ctx context.Context, scenarioName string) error {
	_, err := c.call(ctx, MethodRecordStart, RecordStartParams{ScenarioName: scenarioName})
	return err
}

// StopRecording ends recording and returns the captured scenario, nil
// when nothing was recorded.
func (c *Channel) StopRecording(ctx context.Context, saveAsSkill bool) (*scenario.Scenario, error) {
	resp, err := c.call(ctx, MethodRecordStop, RecordStopParams{SaveAsSkill: saveAsSkill})
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 {
		return nil, nil
	}
	var out recordingPayload
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode recording: %w", err)
	}
	return out.Scenario, nil
}

// SuggestSkillMetadata asks the agent to propose library metadata for a
// finished run.
func (c *Channel) SuggestSkillMetadata(ctx context.Context, params SuggestMetadataParams) (*SkillMetadata, error) {
	resp, err := c.call(ctx, MethodSuggestMetadata, params)
	if err != nil {
		return nil, err
	}
	var meta SkillMetadata
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &meta, nil
}
