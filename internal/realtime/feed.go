package realtime

import (
	"context"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/port"
)

// Feed bridges the internal event bus to the websocket hub: every topic the
// UI cares about becomes a typed broadcast frame.
type Feed struct {
	hub  *Hub
	subs []events.Subscription
}

// NewFeed subscribes the hub to all UI-facing topics.
func NewFeed(hub *Hub, bus *events.Subject) *Feed {
	f := &Feed{hub: hub}

	f.subs = append(f.subs,
		events.Subscribe(bus, events.TopicPortState, func(_ context.Context, sc port.StateChange) error {
			f.hub.Broadcast(&Message{
				Type: "port_state",
				Data: map[string]interface{}{
					"from": string(sc.From),
					"to":   string(sc.To),
				},
			})
			return nil
		}),
		events.Subscribe(bus, events.TopicRunUpdated, func(_ context.Context, run *browser.Run) error {
			f.hub.Broadcast(runMessage("run_updated", run))
			return nil
		}),
		events.Subscribe(bus, events.TopicRunFinalized, func(_ context.Context, run *browser.Run) error {
			f.hub.Broadcast(runMessage("run_finalized", run))
			return nil
		}),
		events.Subscribe(bus, events.TopicChatDelta, func(_ context.Context, delta events.ChatDelta) error {
			f.hub.Broadcast(&Message{
				Type: "chat_delta",
				Data: map[string]interface{}{
					"session_id": delta.SessionID,
					"text":       delta.Text,
				},
			})
			return nil
		}),
		events.Subscribe(bus, events.TopicChatMessage, func(_ context.Context, msg events.ChatMessage) error {
			f.hub.Broadcast(&Message{
				Type: "chat_message",
				Data: map[string]interface{}{
					"session_id": msg.SessionID,
					"role":       msg.Role,
					"kind":       msg.Kind,
					"text":       msg.Text,
				},
			})
			return nil
		}),
		events.Subscribe(bus, events.TopicProposalQueue, func(_ context.Context, state events.ProposalQueueState) error {
			f.hub.Broadcast(&Message{
				Type: "proposal_queue",
				Data: map[string]interface{}{
					"pending":      state.Pending,
					"active_id":    state.ActiveID,
					"active_index": state.ActiveIndex,
				},
			})
			return nil
		}),
		events.Subscribe(bus, events.TopicQuestionsUpdated, func(_ context.Context, state events.QuestionsState) error {
			f.hub.Broadcast(&Message{
				Type: "questions_updated",
				Data: map[string]interface{}{
					"active":   state.Active,
					"context":  state.Context,
					"count":    state.Count,
					"answered": state.Answered,
				},
			})
			return nil
		}),
		events.Subscribe(bus, events.TopicApprovalRequested, func(_ context.Context, req events.ApprovalRequest) error {
			f.hub.Broadcast(&Message{
				Type: "approval_request",
				Data: map[string]interface{}{
					"id":          req.ID,
					"kind":        req.Kind,
					"description": req.Description,
					"created_at":  req.CreatedAt,
				},
			})
			return nil
		}),
	)

	return f
}

// Close detaches all bus subscriptions.
func (f *Feed) Close() {
	for _, sub := range f.subs {
		if sub.Unsubscribe != nil {
			sub.Unsubscribe()
		}
	}
	f.subs = nil
}

func runMessage(msgType string, run *browser.Run) *Message {
	data := map[string]interface{}{
		"id":         run.ID,
		"goal":       run.Goal,
		"source":     string(run.Source),
		"started_at": run.StartedAt,
		"finished":   run.Finished(),
	}
	if run.Finished() {
		data["ended_at"] = run.EndedAt
		data["end_reason"] = run.EndReason
	}
	return &Message{Type: msgType, Data: data}
}
