package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/neboloop/conductor/internal/neboloop"
)

type fakeSource struct {
	searchEntries []neboloop.MemoryEntry
	searchErr     error
	listEntries   []neboloop.MemoryEntry
	listErr       error

	searches  int
	lists     int
	lastQuery string
	lastLimit int
}

func (f *fakeSource) SearchMemories(ctx context.Context, query, memType string, limit int) ([]neboloop.MemoryEntry, error) {
	f.searches++
	f.lastQuery = query
	f.lastLimit = limit
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchEntries, nil
}

func (f *fakeSource) ListMemories(ctx context.Context, memType string, limit int) ([]neboloop.MemoryEntry, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listEntries, nil
}

// scenarioDoc builds a valid scenario JSON document with n navigate steps.
func scenarioDoc(name string, n int) string {
	var sb strings.Builder
	sb.WriteString(`{"name":"` + name + `","steps":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"type":"navigate","url":"https://site.test/%d"}`, i)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func contentWithScenario(name string, steps int, body string) string {
	return body + "\n\n## RPA Scenario\n\n```json\n" + scenarioDoc(name, steps) + "\n```\n"
}

func skillEntry(id, title string, relevance float64, content string) neboloop.MemoryEntry {
	return neboloop.MemoryEntry{
		ID:        id,
		Title:     title,
		Content:   content,
		Type:      MemoryTypeSkill,
		Relevance: relevance,
	}
}

func TestMatchPrefersOverlap(t *testing.T) {
	goal := "submit expense report"
	src := &fakeSource{searchEntries: []neboloop.MemoryEntry{
		skillEntry("a", "Quarterly numbers", 0.9, contentWithScenario("ledger", 3, "Monthly reconciliation walkthrough")),
		skillEntry("b", "Submit Expense Report", 0.3, contentWithScenario("claims", 3, "Finance flow")),
	}}

	match, err := NewMatcher(src).Match(context.Background(), goal)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if match == nil {
		t.Fatal("Match() = nil, want a match")
	}
	if match.Entry.ID != "b" {
		t.Errorf("Match() picked %q, want b (overlap beats relevance)", match.Entry.ID)
	}
	if !match.Overlap {
		t.Error("Overlap = false, want true")
	}
	if src.lastQuery != goal || src.lastLimit != searchLimit {
		t.Errorf("search called with (%q, %d)", src.lastQuery, src.lastLimit)
	}
}

func TestMatchAcceptance(t *testing.T) {
	// A candidate is accepted only with lexical overlap or relevance at or
	// above the threshold.
	goal := "rotate the billing credentials"
	for _, overlap := range []bool{false, true} {
		for _, rel := range []float64{0, 0.3, 0.54, MinRelevance, 0.9} {
			title := "Unrelated maintenance"
			if overlap {
				title = goal
			}
			src := &fakeSource{searchEntries: []neboloop.MemoryEntry{
				skillEntry("x", title, rel, contentWithScenario("alpha", 2, "Walkthrough.")),
			}}

			match, err := NewMatcher(src).Match(context.Background(), goal)
			if err != nil {
				t.Fatalf("Match(overlap=%v rel=%v) error = %v", overlap, rel, err)
			}
			want := overlap || rel >= MinRelevance
			if (match != nil) != want {
				t.Errorf("Match(overlap=%v rel=%v) accepted=%v, want %v", overlap, rel, match != nil, want)
			}
			if match != nil && match.Overlap != overlap {
				t.Errorf("Match(overlap=%v rel=%v) Overlap=%v", overlap, rel, match.Overlap)
			}
		}
	}
}

func TestMatchRequiresScenario(t *testing.T) {
	src := &fakeSource{searchEntries: []neboloop.MemoryEntry{
		skillEntry("x", "rotate credentials", 0.99, "High relevance but no runnable steps inside."),
	}}

	match, err := NewMatcher(src).Match(context.Background(), "rotate credentials")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if match != nil {
		t.Errorf("Match() = %+v, want nil without an embedded scenario", match)
	}
}

func TestMatchRanking(t *testing.T) {
	goal := "download invoices"
	src := &fakeSource{searchEntries: []neboloop.MemoryEntry{
		skillEntry("low", "download invoices weekly", 0.2, contentWithScenario("low", 5, "")),
		skillEntry("short", "download invoices fast", 0.8, contentWithScenario("short", 3, "")),
		skillEntry("long", "download invoices fully", 0.8, contentWithScenario("long", 7, "")),
	}}

	match, err := NewMatcher(src).Match(context.Background(), goal)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if match == nil || match.Entry.ID != "long" {
		t.Fatalf("Match() = %+v, want the higher-relevance, longer scenario", match)
	}
}

func TestMatchFallbackOnUnprocessable(t *testing.T) {
	goal := "submit expense report"
	src := &fakeSource{
		searchErr: fmt.Errorf("search: %w", neboloop.ErrUnprocessable),
		listEntries: []neboloop.MemoryEntry{
			skillEntry("lucky", "Totally unrelated", 0.97, contentWithScenario("other", 2, "Nothing shared.")),
			skillEntry("hit", "Submit expense report", 0.97, contentWithScenario("claims", 2, "")),
		},
	}

	match, err := NewMatcher(src).Match(context.Background(), goal)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if src.lists != 1 {
		t.Fatalf("lists = %d, want 1", src.lists)
	}
	if match == nil || match.Entry.ID != "hit" {
		t.Fatalf("Match() = %+v, want the overlapping entry", match)
	}
	// Listing carries no similarity score, so the fallback zeroes it and
	// only overlap can qualify an entry.
	if match.Relevance != 0 {
		t.Errorf("Relevance = %v, want 0 after fallback", match.Relevance)
	}
}

func TestMatchSearchErrorPropagates(t *testing.T) {
	src := &fakeSource{searchErr: errors.New("boom")}

	_, err := NewMatcher(src).Match(context.Background(), "anything at all")
	if err == nil {
		t.Fatal("Match() should propagate non-validation search errors")
	}
	if src.lists != 0 {
		t.Errorf("lists = %d, want 0", src.lists)
	}
}

func TestMatchEmptyGoal(t *testing.T) {
	src := &fakeSource{}
	match, err := NewMatcher(src).Match(context.Background(), "   ")
	if err != nil || match != nil {
		t.Errorf("Match(blank) = %v, %v, want nil, nil", match, err)
	}
	if src.searches != 0 {
		t.Errorf("searches = %d, want 0", src.searches)
	}
}

func TestExtractScenarioPrefersLabeledBlock(t *testing.T) {
	content := "Notes\n\n```json\n" + scenarioDoc("generic", 2) + "\n```\n\n## RPA Scenario\n\n```json\n" + scenarioDoc("labeled", 2) + "\n```\n"

	sc := ExtractScenario(content)
	if sc == nil {
		t.Fatal("ExtractScenario() = nil")
	}
	if sc.Name != "labeled" {
		t.Errorf("Name = %q, want the labeled block first", sc.Name)
	}
}

func TestExtractScenarioRescuesTrailingText(t *testing.T) {
	content := "## RPA Scenario\n\n```json\n" + scenarioDoc("rescued", 2) + "\nrecorded 2026-08-02\n```\n"

	sc := ExtractScenario(content)
	if sc == nil {
		t.Fatal("ExtractScenario() should rescue a block with trailing text")
	}
	if sc.Name != "rescued" || sc.StepCount() != 2 {
		t.Errorf("got %q with %d steps", sc.Name, sc.StepCount())
	}
}

func TestExtractScenarioUnterminatedFence(t *testing.T) {
	content := "## RPA Scenario\n\n```json\n" + scenarioDoc("cut", 2)

	sc := ExtractScenario(content)
	if sc == nil {
		t.Fatal("ExtractScenario() should read an unterminated final fence")
	}
	if sc.Name != "cut" {
		t.Errorf("Name = %q, want cut", sc.Name)
	}
}

func TestExtractScenarioRejectsOversized(t *testing.T) {
	content := contentWithScenario("huge", 41, "")
	if sc := ExtractScenario(content); sc != nil {
		t.Errorf("ExtractScenario() = %+v, want nil for an oversized scenario", sc)
	}
}

func TestExtractScenarioNone(t *testing.T) {
	if sc := ExtractScenario("Just prose, no fences."); sc != nil {
		t.Errorf("ExtractScenario() = %+v, want nil", sc)
	}
	if sc := ExtractScenario("```json\n{\"steps\":[]}\n```"); sc != nil {
		t.Errorf("ExtractScenario() = %+v, want nil for zero steps", sc)
	}
}

func TestExtractScenarioMemo(t *testing.T) {
	m := NewMatcher(&fakeSource{})
	entry := skillEntry("m1", "memo", 0, contentWithScenario("memo", 2, "Body"))

	first := m.extractScenario(entry)
	second := m.extractScenario(entry)
	if first == nil || first != second {
		t.Error("same entry should return the memoized scenario")
	}

	entry.Content += "\n<!-- edited -->"
	third := m.extractScenario(entry)
	if third == nil || third == first {
		t.Error("changed content should re-extract")
	}
}

func TestLexicalOverlap(t *testing.T) {
	tests := []struct {
		name  string
		goal  string
		title string
		body  string
		want  bool
	}{
		{"title inside goal", "submit the expense report now", "expense report", "", true},
		{"goal inside title", "pay rent", "how to pay rent online", "", true},
		{"goal verbatim in body", "archive old tickets", "other", "To archive old tickets, open the admin page.", true},
		{"two tokens hit", "download invoices from portal", "download invoices helper", "", true},
		{"tokens split across fields", "download invoices from portal", "fetch invoices", "open the portal", true},
		{"one token only", "download invoices", "download manager", "", false},
		{"nothing shared", "rotate credentials", "billing export", "monthly data", false},
		{"case insensitive", "Submit Expense Report", "SUBMIT EXPENSE REPORT", "", true},
		{"phrase in body window", "zq ab", "other", "intro zq ab more", true},
		{"phrase beyond body window", "zq ab", "other", strings.Repeat("x", bodyPrefixWindow) + " zq ab", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lexicalOverlap(tt.goal, tt.title, tt.body); got != tt.want {
				t.Errorf("lexicalOverlap(%q, %q, ...) = %v, want %v", tt.goal, tt.title, got, tt.want)
			}
		})
	}
}

func TestGoalTokens(t *testing.T) {
	got := goalTokens("go to the hr portal & download w-2 forms!")
	want := []string{"the", "portal", "download", "forms"}
	if len(got) != len(want) {
		t.Fatalf("goalTokens() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	long := goalTokens(strings.Repeat("alpha beta gamma delta ", 4))
	if len(long) != maxGoalTokens {
		t.Errorf("len(goalTokens(long)) = %d, want %d", len(long), maxGoalTokens)
	}
}
