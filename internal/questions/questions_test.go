package questions

import (
	"strings"
	"testing"
)

func TestFreeTextQuestion(t *testing.T) {
	s := NewSet("", []Question{{ID: "q1", Text: "What city?"}})

	if s.IsComplete() {
		t.Fatal("empty free-text answer should not be complete")
	}
	s.SetFreeText("q1", "   ")
	if s.IsComplete() {
		t.Fatal("whitespace-only answer should not be complete")
	}
	s.SetFreeText("q1", "Lisbon")
	if !s.IsComplete() {
		t.Fatal("expected complete after free-text answer")
	}
	if got := s.Format(); got != "What city?: Lisbon" {
		t.Fatalf("Format() = %q", got)
	}
}

func TestSingleSelectReplaces(t *testing.T) {
	s := NewSet("", []Question{{ID: "q1", Text: "Size?", Options: []string{"S", "M", "L"}}})

	s.Select("q1", "S")
	s.Select("q1", "L")
	a, ok := s.Answer("q1")
	if !ok {
		t.Fatal("missing answer state")
	}
	if len(a.Selected) != 1 || a.Selected[0] != "L" {
		t.Fatalf("Selected = %v, want [L]", a.Selected)
	}

	// Toggle on a single-select question behaves like a radio button.
	s.Toggle("q1", "M")
	a, _ = s.Answer("q1")
	if len(a.Selected) != 1 || a.Selected[0] != "M" {
		t.Fatalf("Selected after toggle = %v, want [M]", a.Selected)
	}
}

func TestToggleMultiSelect(t *testing.T) {
	s := NewSet("", []Question{{
		ID: "q1", Text: "Toppings?", Options: []string{"ham", "olives", "basil"}, AllowMultiple: true,
	}})

	s.Toggle("q1", "ham")
	s.Toggle("q1", "olives")
	if got := s.Format(); got != "Toppings?: ham, olives" {
		t.Fatalf("Format() = %q", got)
	}

	s.Toggle("q1", "ham")
	a, _ := s.Answer("q1")
	if len(a.Selected) != 1 || a.Selected[0] != "olives" {
		t.Fatalf("Selected = %v, want [olives]", a.Selected)
	}
}

func TestOtherOptionRequiresText(t *testing.T) {
	s := NewSet("", []Question{{
		ID: "q1", Text: "Browser?", Options: []string{"firefox", OtherOption}, AllowMultiple: true,
	}})

	s.Toggle("q1", "firefox")
	s.Toggle("q1", OtherOption)
	if s.IsComplete() {
		t.Fatal("other selected without text should not be complete")
	}
	s.SetOtherText("q1", "ladybird")
	if !s.IsComplete() {
		t.Fatal("expected complete once other text is set")
	}
	if got := s.Format(); got != "Browser?: firefox, ladybird" {
		t.Fatalf("Format() = %q", got)
	}
}

func TestFormatMarksUnanswered(t *testing.T) {
	s := NewSet("", []Question{
		{ID: "q1", Text: "First?", Options: []string{"a", "b"}},
		{ID: "q2", Text: "Second?"},
	})
	s.Select("q1", "a")

	got := s.Format()
	if !strings.Contains(got, "First?: a") {
		t.Fatalf("answered question missing from %q", got)
	}
	if !strings.Contains(got, "Second?: "+NoAnswer) {
		t.Fatalf("unanswered question must render the no-answer marker, got %q", got)
	}

	// Once complete, every line carries a real answer.
	s.SetFreeText("q2", "done")
	if !s.IsComplete() {
		t.Fatal("expected complete set")
	}
	for _, line := range strings.Split(s.Format(), "\n") {
		if strings.HasSuffix(line, ": "+NoAnswer) {
			t.Fatalf("complete set rendered a no-answer line: %q", line)
		}
		if strings.TrimSpace(line) == "" {
			t.Fatal("complete set rendered an empty line")
		}
	}
}

func TestFlowSubmitClearsActive(t *testing.T) {
	f := NewFlow()
	if f.Active() != nil {
		t.Fatal("new flow should have no active set")
	}

	set := f.Begin("picking a venue", []Question{{ID: "q1", Text: "Where?"}})
	set.SetFreeText("q1", "rooftop")
	if f.Active() == nil {
		t.Fatal("expected active set after Begin")
	}

	text, err := f.Submit()
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if text != "Where?: rooftop" {
		t.Fatalf("Submit() = %q", text)
	}
	if f.Active() != nil {
		t.Fatal("submit should clear the active set")
	}
	if _, err := f.Submit(); err == nil {
		t.Fatal("submit with no pending set should fail")
	}
}

func TestFlowCancelDiscards(t *testing.T) {
	f := NewFlow()
	f.Begin("", []Question{{ID: "q1", Text: "Sure?", Options: []string{"yes"}}})
	f.Cancel()
	if f.Active() != nil {
		t.Fatal("cancel should discard the active set")
	}
}

func TestBeginReplacesActive(t *testing.T) {
	f := NewFlow()
	f.Begin("", []Question{{ID: "old", Text: "Old?"}})
	f.Begin("", []Question{{ID: "new", Text: "New?"}})

	s := f.Active()
	if s == nil || len(s.Questions) != 1 || s.Questions[0].ID != "new" {
		t.Fatalf("active set = %+v, want the replacement set", s)
	}
}
