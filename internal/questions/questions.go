// Package questions holds the batch of structured questions the assistant
// asks before continuing, collects answers, and formats them back into the
// free-text reply that is sent upstream.
package questions

import (
	"fmt"
	"strings"
	"sync"
)

// OtherOption is the synthetic option id that switches an option question
// into "other" mode, requiring custom text alongside the selection.
const OtherOption = "__other__"

// NoAnswer is rendered for a question that was left unanswered. Formatting
// never omits a question, so incomplete sets stay visible in the transcript.
const NoAnswer = "no answer"

// Question is one entry of a pending question set. A question with no
// options accepts free text; otherwise at least one option must be selected.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options,omitempty"`
	AllowMultiple bool     `json:"allow_multiple,omitempty"`
	Placeholder   string   `json:"placeholder,omitempty"`
}

// FreeText reports whether the question takes a typed answer instead of a
// selection from options.
func (q Question) FreeText() bool {
	return len(q.Options) == 0
}

// Answer is the mutable per-question state. Selected keeps insertion order
// so multi-select answers format in the order the user picked them.
type Answer struct {
	Selected  []string
	OtherText string
	FreeText  string
}

func (a *Answer) selected(option string) bool {
	for _, s := range a.Selected {
		if s == option {
			return true
		}
	}
	return false
}

// Set is one active batch of questions plus the answers collected so far.
// Exactly one set is active at a time; the Flow owns that slot.
type Set struct {
	Context   string
	Questions []Question

	answers map[string]*Answer
}

// NewSet builds an empty answer state for each question.
func NewSet(context string, qs []Question) *Set {
	s := &Set{
		Context:   context,
		Questions: qs,
		answers:   make(map[string]*Answer, len(qs)),
	}
	for _, q := range qs {
		s.answers[q.ID] = &Answer{}
	}
	return s
}

// Len returns the number of questions in the set.
func (s *Set) Len() int {
	return len(s.Questions)
}

// Answer returns a copy of the current answer state for a question id.
func (s *Set) Answer(id string) (Answer, bool) {
	a, ok := s.answers[id]
	if !ok {
		return Answer{}, false
	}
	out := Answer{OtherText: a.OtherText, FreeText: a.FreeText}
	out.Selected = append(out.Selected, a.Selected...)
	return out, true
}

// Select replaces the selection for a question with a single option.
func (s *Set) Select(id, option string) {
	a, ok := s.answers[id]
	if !ok {
		return
	}
	a.Selected = []string{option}
}

// Toggle flips one option. Multi-select questions accumulate a set in
// insertion order; single-select questions behave like radio buttons and
// replace the previous selection.
func (s *Set) Toggle(id, option string) {
	a, ok := s.answers[id]
	if !ok {
		return
	}
	q, ok := s.question(id)
	if !ok {
		return
	}
	if !q.AllowMultiple {
		a.Selected = []string{option}
		return
	}
	for i, sel := range a.Selected {
		if sel == option {
			a.Selected = append(a.Selected[:i], a.Selected[i+1:]...)
			return
		}
	}
	a.Selected = append(a.Selected, option)
}

// SetOtherText records the custom text backing an "other" selection.
func (s *Set) SetOtherText(id, text string) {
	if a, ok := s.answers[id]; ok {
		a.OtherText = text
	}
}

// SetFreeText records the typed answer of a free-text question.
func (s *Set) SetFreeText(id, text string) {
	if a, ok := s.answers[id]; ok {
		a.FreeText = text
	}
}

func (s *Set) question(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// answered reports whether one question satisfies its validity rule:
// free-text questions need a non-empty trimmed answer, option questions need
// at least one selection, and an "other" selection needs non-empty text.
func (s *Set) answered(q Question) bool {
	a := s.answers[q.ID]
	if a == nil {
		return false
	}
	if q.FreeText() {
		return strings.TrimSpace(a.FreeText) != ""
	}
	if len(a.Selected) == 0 {
		return false
	}
	if a.selected(OtherOption) && strings.TrimSpace(a.OtherText) == "" {
		return false
	}
	return true
}

// IsComplete is true iff every question in the set is validly answered.
func (s *Set) IsComplete() bool {
	for _, q := range s.Questions {
		if !s.answered(q) {
			return false
		}
	}
	return true
}

// Format renders one "<question>: <answer>" line per question. Multiple
// selections join with ", ", the "other" text is appended after the named
// options, and unanswered questions render the NoAnswer marker instead of
// being dropped.
func (s *Set) Format() string {
	lines := make([]string, 0, len(s.Questions))
	for _, q := range s.Questions {
		lines = append(lines, fmt.Sprintf("%s: %s", q.Text, s.formatAnswer(q)))
	}
	return strings.Join(lines, "\n")
}

func (s *Set) formatAnswer(q Question) string {
	a := s.answers[q.ID]
	if a == nil {
		return NoAnswer
	}
	if q.FreeText() {
		if text := strings.TrimSpace(a.FreeText); text != "" {
			return text
		}
		return NoAnswer
	}
	parts := make([]string, 0, len(a.Selected))
	other := false
	for _, sel := range a.Selected {
		if sel == OtherOption {
			other = true
			continue
		}
		parts = append(parts, sel)
	}
	if other {
		if text := strings.TrimSpace(a.OtherText); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return NoAnswer
	}
	return strings.Join(parts, ", ")
}

// Flow owns the single active question set. Beginning a new set replaces the
// previous one; submit and cancel both clear the slot.
type Flow struct {
	mu     sync.Mutex
	active *Set
}

func NewFlow() *Flow {
	return &Flow{}
}

// Begin installs a new active set, discarding any previous one.
func (f *Flow) Begin(context string, qs []Question) *Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = NewSet(context, qs)
	return f.active
}

// Active returns the current set, or nil when no questions are pending.
func (f *Flow) Active() *Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Submit formats the active set, clears the slot, and returns the text to
// replay as an outbound chat message. It fails when nothing is pending.
func (f *Flow) Submit() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return "", fmt.Errorf("no pending questions")
	}
	text := f.active.Format()
	f.active = nil
	return text, nil
}

// Cancel discards the active set without emitting a message.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = nil
}
