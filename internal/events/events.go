// Package events provides a small typed pub/sub bus. Components publish
// lifecycle events (port state, run updates, chat deltas) to topics; the
// realtime hub and tests subscribe with typed handlers.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neboloop/conductor/internal/logging"
)

// Topics published by conductor components.
const (
	TopicPortState         = "port.state"
	TopicRunUpdated        = "run.updated"
	TopicRunFinalized      = "run.finalized"
	TopicChatDelta         = "chat.delta"
	TopicChatMessage       = "chat.message"
	TopicProposalQueue     = "proposal.queue"
	TopicQuestionsUpdated  = "questions.updated"
	TopicApprovalRequested = "approval.requested"
)

// HandlerFunc is the untyped handler stored per subscription.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithSyncDelivery forces synchronous (inline) delivery. Handler calls are
// then serialized within the event loop goroutine, which matters when
// handlers must not run concurrently (websocket writes).
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

type event struct {
	topic   string
	message any
}

// Subscription is a typed handler bound to a topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

// Subject is the event bus. One instance is shared through the service
// context; topics are plain strings.
type Subject struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscription
	nextSubID   int64

	events   chan event
	shutdown chan struct{}
	closed   int32
	wg       sync.WaitGroup

	config subjectConfig
}

// NewSubject creates a Subject and starts its delivery loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subscribers: make(map[string]map[string]Subscription),
		events:      make(chan event, cfg.bufferSize),
		shutdown:    make(chan struct{}),
		config:      cfg,
	}

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit publishes a value to a topic. It fails rather than blocking forever
// when the bus is saturated.
func Emit[T any](subject *Subject, topic string, value T) error {
	if subject == nil {
		return nil
	}
	select {
	case subject.events <- event{topic: topic, message: value}:
		return nil
	case <-subject.shutdown:
		return fmt.Errorf("event bus closed")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("event bus saturated, dropped %s", topic)
	}
}

// Subscribe registers a typed handler for a topic.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("event type mismatch on %s: got %T", topic, data)
		}
		return handler(ctx, typed)
	})

	id := fmt.Sprintf("%s-%d", topic, atomic.AddInt64(&subject.nextSubID, 1))
	sub := Subscription{Topic: topic, ID: id, Handler: wrapped}
	sub.Unsubscribe = func() { subject.remove(topic, id) }

	subject.mu.Lock()
	if subject.subscribers[topic] == nil {
		subject.subscribers[topic] = make(map[string]Subscription)
	}
	subject.subscribers[topic][id] = sub
	subject.mu.Unlock()

	return sub
}

// Complete shuts the bus down. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.subscribers, topic)
		}
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.mu.RLock()
			subs := make([]Subscription, 0, len(s.subscribers[evt.topic]))
			for _, sub := range s.subscribers[evt.topic] {
				subs = append(subs, sub)
			}
			s.mu.RUnlock()

			for _, sub := range subs {
				s.deliver(sub, evt)
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil {
			logging.Debugf("[events] handler error on %s (%s): %v", evt.topic, sub.ID, err)
		}
	}
	if s.config.syncDelivery {
		run()
	} else {
		go run()
	}
}
