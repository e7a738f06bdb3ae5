package proposals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/neboloop/conductor/internal/logging"
)

// ErrDecisionInFlight is returned while a previous decision is still being
// confirmed upstream. The guard is per queue, not per item, so navigation is
// rejected too until the confirmation settles.
var ErrDecisionInFlight = errors.New("proposal decision already in flight")

// ErrNotFound is returned when a decision targets an id that is not queued.
var ErrNotFound = errors.New("proposal not found")

// Backend lists pending proposals and confirms decisions upstream. Each
// decided unit issues exactly one confirmation request.
type Backend interface {
	PendingProposals(ctx context.Context) ([]Proposal, error)
	DecideProposal(ctx context.Context, id string, decision Decision) error
}

// Notifier replays the flattened approval confirmation as an outbound chat
// message. It fires once the queue drains or a halted batch leaves applied
// approvals behind.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Queue holds proposals in arrival order with a clamped active index for
// pagination. All mutation goes through the mutex; remote confirmation runs
// outside it.
type Queue struct {
	mu       sync.Mutex
	backend  Backend
	notifier Notifier

	items    []Proposal
	active   int
	deciding bool
	approved []Proposal
}

func NewQueue(backend Backend, notifier Notifier) *Queue {
	return &Queue{backend: backend, notifier: notifier}
}

// Enqueue appends a proposal if its id is unseen and reports whether the
// queue changed. Duplicate ids keep the original entry and position.
func (q *Queue) Enqueue(p Proposal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == p.ID {
			return false
		}
	}
	q.items = append(q.items, p)
	q.clampLocked()
	return true
}

// LoadPending fetches the upstream pending list and enqueues every entry,
// returning how many were new.
func (q *Queue) LoadPending(ctx context.Context) (int, error) {
	pending, err := q.backend.PendingProposals(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending proposals: %w", err)
	}
	added := 0
	for _, p := range pending {
		if q.Enqueue(p) {
			added++
		}
	}
	return added, nil
}

// Items returns a snapshot of the queue in arrival order.
func (q *Queue) Items() []Proposal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Proposal, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued proposals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Active returns the proposal under the cursor and its index.
func (q *Queue) Active() (Proposal, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Proposal{}, 0, false
	}
	return q.items[q.active], q.active, true
}

// Next advances the cursor. Navigation is rejected while a decision is in
// flight.
func (q *Queue) Next() error {
	return q.move(1)
}

// Prev moves the cursor back.
func (q *Queue) Prev() error {
	return q.move(-1)
}

func (q *Queue) move(delta int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deciding {
		return ErrDecisionInFlight
	}
	q.active += delta
	q.clampLocked()
	return nil
}

// Deciding reports whether a decision is currently being confirmed.
func (q *Queue) Deciding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deciding
}

// Clear drops every queued proposal and any buffered confirmations without
// notifying. Used when the session changes or approval switches to
// automatic mode.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.approved = nil
	q.active = 0
}

// Decide applies a verdict to one proposal, or to every queued proposal when
// all is set. Each unit issues its own confirmation request; a unit failure
// halts the remaining batch but already-applied removals stay applied. On
// approval the removed items are buffered and flushed as a single
// confirmation message once the queue drains or the batch halts.
func (q *Queue) Decide(ctx context.Context, id string, decision Decision, all bool) error {
	q.mu.Lock()
	if q.deciding {
		q.mu.Unlock()
		return ErrDecisionInFlight
	}
	var targets []Proposal
	if all {
		targets = make([]Proposal, len(q.items))
		copy(targets, q.items)
	} else {
		for _, it := range q.items {
			if it.ID == id {
				targets = []Proposal{it}
				break
			}
		}
		if len(targets) == 0 {
			q.mu.Unlock()
			return fmt.Errorf("decide %s: %w", id, ErrNotFound)
		}
	}
	q.deciding = true
	q.mu.Unlock()

	var unitErr error
	for _, target := range targets {
		if err := q.backend.DecideProposal(ctx, target.ID, decision); err != nil {
			unitErr = fmt.Errorf("confirm proposal %s: %w", target.ID, err)
			break
		}
		q.mu.Lock()
		q.removeLocked(target.ID)
		if decision == DecisionApprove {
			q.approved = append(q.approved, target)
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.deciding = false
	flush := len(q.approved) > 0 && (len(q.items) == 0 || unitErr != nil)
	var confirmed []Proposal
	if flush {
		confirmed = q.approved
		q.approved = nil
	}
	q.mu.Unlock()

	if flush {
		q.notifyApproved(ctx, confirmed)
	}
	return unitErr
}

// removeLocked drops a proposal by id at most once and keeps the cursor in
// bounds.
func (q *Queue) removeLocked(id string) {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.clampLocked()
}

func (q *Queue) clampLocked() {
	if q.active >= len(q.items) {
		q.active = len(q.items) - 1
	}
	if q.active < 0 {
		q.active = 0
	}
}

// notifyApproved flattens buffered approvals into one confirmation message:
// singular form for exactly one item, a bulleted list otherwise.
func (q *Queue) notifyApproved(ctx context.Context, approved []Proposal) {
	if q.notifier == nil {
		return
	}
	text := ConfirmationText(approved)
	if text == "" {
		return
	}
	if err := q.notifier.Notify(ctx, text); err != nil {
		logging.Warnf("proposal confirmation not delivered: %v", err)
	}
}

// ConfirmationText renders the human-readable approval summary.
func ConfirmationText(approved []Proposal) string {
	switch len(approved) {
	case 0:
		return ""
	case 1:
		return "Approved: " + approved[0].Label()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Approved %d proposals:", len(approved))
	for _, p := range approved {
		b.WriteString("\n- ")
		b.WriteString(p.Label())
	}
	return b.String()
}
