package proposals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeBackend struct {
	mu      sync.Mutex
	pending []Proposal
	decided []string
	fail    map[string]error
	hook    func(id string)
}

func (f *fakeBackend) PendingProposals(ctx context.Context) ([]Proposal, error) {
	return f.pending, nil
}

func (f *fakeBackend) DecideProposal(ctx context.Context, id string, decision Decision) error {
	if f.hook != nil {
		f.hook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.decided = append(f.decided, id+":"+string(decision))
	return nil
}

func (f *fakeBackend) decisions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.decided))
	copy(out, f.decided)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func prop(id, desc string) Proposal {
	return Proposal{ID: id, Type: TypeToolAction, Description: desc}
}

func TestEnqueueIdempotent(t *testing.T) {
	q := NewQueue(&fakeBackend{}, nil)

	if !q.Enqueue(prop("p1", "first")) {
		t.Fatal("first enqueue should append")
	}
	if !q.Enqueue(prop("p2", "second")) {
		t.Fatal("second enqueue should append")
	}
	if q.Enqueue(prop("p1", "replay")) {
		t.Fatal("duplicate id must not append")
	}

	items := q.Items()
	if len(items) != 2 {
		t.Fatalf("Len = %d, want 2", len(items))
	}
	if items[0].ID != "p1" || items[1].ID != "p2" {
		t.Fatalf("arrival order broken: %v, %v", items[0].ID, items[1].ID)
	}
	if items[0].Description != "first" {
		t.Fatalf("duplicate replaced the original entry: %q", items[0].Description)
	}
}

func TestApproveAllHaltsOnUnitFailure(t *testing.T) {
	backend := &fakeBackend{fail: map[string]error{"p2": errors.New("backend said no")}}
	notifier := &fakeNotifier{}
	q := NewQueue(backend, notifier)
	q.Enqueue(prop("p1", "Create task"))
	q.Enqueue(prop("p2", "Assign task"))

	err := q.Decide(context.Background(), "", DecisionApprove, true)
	if err == nil {
		t.Fatal("expected the batch to surface the unit failure")
	}
	if !strings.Contains(err.Error(), "p2") {
		t.Fatalf("error should name the failed unit: %v", err)
	}

	items := q.Items()
	if len(items) != 1 || items[0].ID != "p2" {
		t.Fatalf("queue after halt = %v, want only p2", items)
	}
	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("confirmations sent = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "Create task") || strings.Contains(sent[0], "Assign task") {
		t.Fatalf("confirmation must cover only the applied unit: %q", sent[0])
	}
	if got := backend.decisions(); len(got) != 1 || got[0] != "p1:approve" {
		t.Fatalf("backend decisions = %v", got)
	}
}

func TestApprovalsBufferUntilDrain(t *testing.T) {
	notifier := &fakeNotifier{}
	q := NewQueue(&fakeBackend{}, notifier)
	q.Enqueue(prop("p1", "Create project"))
	q.Enqueue(prop("p2", "Phase breakdown"))

	if err := q.Decide(context.Background(), "p1", DecisionApprove, false); err != nil {
		t.Fatalf("approve p1: %v", err)
	}
	if sent := notifier.sent(); len(sent) != 0 {
		t.Fatalf("confirmation sent before drain: %v", sent)
	}

	if err := q.Decide(context.Background(), "p2", DecisionReject, false); err != nil {
		t.Fatalf("reject p2: %v", err)
	}
	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("confirmations sent = %d, want 1", len(sent))
	}
	if sent[0] != "Approved: Create project" {
		t.Fatalf("confirmation = %q, want the singular form for one approval", sent[0])
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained, len = %d", q.Len())
	}
}

func TestDecisionInFlightGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{hook: func(string) {
		close(entered)
		<-release
	}}
	q := NewQueue(backend, nil)
	q.Enqueue(prop("p1", "slow one"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Decide(context.Background(), "p1", DecisionApprove, false)
	}()
	<-entered

	if err := q.Next(); !errors.Is(err, ErrDecisionInFlight) {
		t.Fatalf("Next during decide = %v, want ErrDecisionInFlight", err)
	}
	if err := q.Prev(); !errors.Is(err, ErrDecisionInFlight) {
		t.Fatalf("Prev during decide = %v, want ErrDecisionInFlight", err)
	}
	if err := q.Decide(context.Background(), "p1", DecisionReject, false); !errors.Is(err, ErrDecisionInFlight) {
		t.Fatalf("second Decide = %v, want ErrDecisionInFlight", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if q.Deciding() {
		t.Fatal("deciding flag should reset after the decision settles")
	}
}

func TestDecideUnknownID(t *testing.T) {
	q := NewQueue(&fakeBackend{}, nil)
	q.Enqueue(prop("p1", ""))
	if err := q.Decide(context.Background(), "ghost", DecisionApprove, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadPending(t *testing.T) {
	backend := &fakeBackend{pending: []Proposal{
		prop("p1", "already here"),
		prop("p2", "fresh"),
		prop("p3", "also fresh"),
	}}
	q := NewQueue(backend, nil)
	q.Enqueue(prop("p1", "already here"))

	added, err := q.LoadPending(context.Background())
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
}

func TestCursorClamping(t *testing.T) {
	q := NewQueue(&fakeBackend{}, nil)
	for i := 1; i <= 3; i++ {
		q.Enqueue(prop(fmt.Sprintf("p%d", i), ""))
	}

	if err := q.Prev(); err != nil {
		t.Fatalf("Prev: %v", err)
	}
	if _, idx, _ := q.Active(); idx != 0 {
		t.Fatalf("Prev at head moved cursor to %d", idx)
	}
	for i := 0; i < 5; i++ {
		if err := q.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if _, idx, _ := q.Active(); idx != 2 {
		t.Fatalf("Next past tail left cursor at %d, want 2", idx)
	}

	// Removing the tail entry pulls the cursor back into bounds.
	if err := q.Decide(context.Background(), "p3", DecisionReject, false); err != nil {
		t.Fatalf("reject p3: %v", err)
	}
	active, idx, ok := q.Active()
	if !ok || idx != 1 || active.ID != "p2" {
		t.Fatalf("Active after removal = %v idx=%d ok=%v", active.ID, idx, ok)
	}
}

func TestClearDropsBufferedApprovals(t *testing.T) {
	notifier := &fakeNotifier{}
	q := NewQueue(&fakeBackend{}, notifier)
	q.Enqueue(prop("p1", "kept quiet"))
	q.Enqueue(prop("p2", "still queued"))

	if err := q.Decide(context.Background(), "p1", DecisionApprove, false); err != nil {
		t.Fatalf("approve p1: %v", err)
	}
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("Len after clear = %d", q.Len())
	}
	if sent := notifier.sent(); len(sent) != 0 {
		t.Fatalf("clear must not notify: %v", sent)
	}
}

func TestConfirmationText(t *testing.T) {
	one := []Proposal{prop("p1", "Create task")}
	if got := ConfirmationText(one); got != "Approved: Create task" {
		t.Fatalf("singular = %q", got)
	}

	many := []Proposal{prop("p1", "Create task"), prop("p2", "Assign task")}
	got := ConfirmationText(many)
	if !strings.HasPrefix(got, "Approved 2 proposals:") {
		t.Fatalf("plural header = %q", got)
	}
	if !strings.Contains(got, "\n- Create task") || !strings.Contains(got, "\n- Assign task") {
		t.Fatalf("plural body = %q", got)
	}
	if ConfirmationText(nil) != "" {
		t.Fatal("empty input should render nothing")
	}
}
