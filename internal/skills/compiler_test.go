package skills

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/neboloop/conductor/internal/scenario"
)

func numberedSteps(n, width int) []string {
	steps := make([]string, n)
	for i := range steps {
		steps[i] = fmt.Sprintf("Do thing %02d %s", i+1, strings.Repeat("x", width))
	}
	return steps
}

func dataURLs(n, width int) []string {
	shots := make([]string, n)
	for i := range shots {
		shots[i] = "data:image/png;base64," + strings.Repeat("A", width)
	}
	return shots
}

func testScenario(t *testing.T, name string, steps int) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Parse([]byte(scenarioDoc(name, steps)))
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func TestCompileNeverExceedsBudget(t *testing.T) {
	// Every combination of oversized parts must land under the cap with
	// valid text.
	goals := []string{
		"pay rent",
		strings.Repeat("très long goal é ", 500),
	}
	stepCounts := []int{0, 2, 12, 40}
	shotCounts := []int{0, 1, 6, 10}

	for _, goal := range goals {
		for _, ns := range stepCounts {
			for _, nh := range shotCounts {
				in := CompileInput{
					Name:        "budget-check",
					Goal:        goal,
					Steps:       numberedSteps(ns, 600),
					Screenshots: dataURLs(nh, 1500),
					Scenario:    testScenario(t, "budget", 10),
				}
				doc := Compile(in)
				if len(doc) > MaxSkillContentLength {
					t.Fatalf("len = %d for steps=%d shots=%d, want <= %d", len(doc), ns, nh, MaxSkillContentLength)
				}
				if !utf8.ValidString(doc) {
					t.Fatalf("truncation produced invalid text for steps=%d shots=%d", ns, nh)
				}
			}
		}
	}
}

func TestCompileDropsScreenshotsFirst(t *testing.T) {
	in := CompileInput{
		Name:        "trim-shots",
		Goal:        "file the weekly report",
		Steps:       numberedSteps(4, 40),
		Screenshots: dataURLs(6, 1200),
	}
	doc := Compile(in)

	if len(doc) > MaxSkillContentLength {
		t.Fatalf("len = %d, want <= %d", len(doc), MaxSkillContentLength)
	}
	for i := 1; i <= 4; i++ {
		if !strings.Contains(doc, fmt.Sprintf("Do thing %02d", i)) {
			t.Errorf("step %d missing: screenshots must drop before steps", i)
		}
	}
	kept := strings.Count(doc, "![step")
	if kept == 0 || kept >= 6 {
		t.Errorf("kept %d screenshots, want some but not all", kept)
	}
}

func TestCompileTrimsStepsAndDiscardsShots(t *testing.T) {
	in := CompileInput{
		Name:        "trim-steps",
		Goal:        "close the quarter",
		Steps:       numberedSteps(12, 480),
		Screenshots: dataURLs(2, 400),
	}
	doc := Compile(in)

	if len(doc) > MaxSkillContentLength {
		t.Fatalf("len = %d, want <= %d", len(doc), MaxSkillContentLength)
	}
	if strings.Contains(doc, "## Screenshots") {
		t.Error("screenshot section survived a step trim")
	}
	if !strings.Contains(doc, "Do thing 01") || !strings.Contains(doc, "Do thing 02") {
		t.Error("leading steps must survive trimming")
	}
	if strings.Contains(doc, "Do thing 12") {
		t.Error("trailing step should have been dropped")
	}
}

func TestCompileDropsScenarioThenTruncates(t *testing.T) {
	// Two huge steps cannot be trimmed further, so the scenario block goes,
	// and a still-oversized document gets hard-truncated.
	in := CompileInput{
		Name:     "trim-scenario",
		Goal:     "migrate the wiki",
		Steps:    numberedSteps(2, 2800),
		Scenario: testScenario(t, "wiki", 10),
	}
	doc := Compile(in)

	if len(doc) > MaxSkillContentLength {
		t.Fatalf("len = %d, want <= %d", len(doc), MaxSkillContentLength)
	}
	if strings.Contains(doc, "## RPA Scenario") {
		t.Error("scenario block survived while over budget")
	}

	in.Steps = numberedSteps(2, 4000)
	doc = Compile(in)
	if len(doc) != MaxSkillContentLength {
		t.Fatalf("hard-truncated len = %d, want exactly %d", len(doc), MaxSkillContentLength)
	}
	if !strings.HasSuffix(doc, truncationMark) {
		t.Error("hard-truncated document should end with the ellipsis")
	}
}

func TestCompileDocumentShape(t *testing.T) {
	in := CompileInput{
		Name:        "Pay rent",
		Description: "Pays rent through the bank portal.",
		Goal:        "pay rent",
		Source:      "browser_run",
		EndReason:   "completed",
		Steps:       []string{"Open the bank portal", "Confirm the transfer"},
		Scenario:    testScenario(t, "pay-rent", 2),
		Screenshots: []string{"data:image/png;base64,AAAA"},
	}
	doc := Compile(in)

	for _, want := range []string{
		"# Skill: Pay rent",
		"Goal: pay rent",
		"Source: browser_run",
		"Outcome: completed",
		"## Steps",
		"1. Open the bank portal",
		"2. Confirm the transfer",
		"## RPA Scenario",
		"```json",
		"## Screenshots",
		"![step 1](data:image/png;base64,AAAA)",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestCompileScenarioRoundTrip(t *testing.T) {
	in := CompileInput{
		Name:     "Pay invoice",
		Goal:     "pay the invoice",
		Steps:    []string{"Open billing", "Pay"},
		Scenario: testScenario(t, "pay-invoice", 3),
	}
	doc := Compile(in)

	sc := ExtractScenario(doc)
	if sc == nil {
		t.Fatal("compiled document should contain an extractable scenario")
	}
	if sc.Name != "pay-invoice" || sc.StepCount() != 3 {
		t.Errorf("round trip got %q with %d steps", sc.Name, sc.StepCount())
	}
}

func TestCompileFallsBackToGoalTitle(t *testing.T) {
	doc := Compile(CompileInput{Goal: "empty everything"})
	if !strings.Contains(doc, "# Skill: empty everything") {
		t.Errorf("title should fall back to the goal:\n%s", doc)
	}
}

func TestExtractSteps(t *testing.T) {
	messages := []Message{
		{Role: "system", Kind: "text", Text: "Session 4f2a started"},
		{Role: "assistant", Kind: "text", Text: "Step 1: Open the portal\nStep 2: Fill the form"},
		{Role: "user", Kind: "text", Text: "please hurry"},
		{Role: "assistant", Kind: "tool_call", Text: "clicking #submit"},
		{Role: "assistant", Kind: "text", Text: "State change: running -> waiting"},
		{Role: "assistant", Kind: "text", Text: "Reason: The form needs an account number"},
		{Role: "assistant", Kind: "text", Text: "2) Fill the form"},
		{Role: "system", Kind: "text", Text: "scroll progress too small to record"},
		{Role: "assistant", Kind: "text", Text: "Submit and wait for the receipt"},
	}

	steps := ExtractSteps(messages, "file expenses")
	want := []string{
		"Open the portal",
		"Fill the form",
		"The form needs an account number",
		"Submit and wait for the receipt",
	}
	if len(steps) != len(want) {
		t.Fatalf("ExtractSteps() = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step[%d] = %q, want %q", i, steps[i], want[i])
		}
	}
}

func TestExtractStepsCap(t *testing.T) {
	var messages []Message
	for i := 0; i < 20; i++ {
		messages = append(messages, Message{
			Role: "assistant", Kind: "text",
			Text: fmt.Sprintf("Handle record %d", i),
		})
	}

	steps := ExtractSteps(messages, "bulk update")
	if len(steps) != maxStepLines {
		t.Errorf("len = %d, want %d", len(steps), maxStepLines)
	}
}

func TestExtractStepsFallback(t *testing.T) {
	steps := ExtractSteps(nil, "  download invoices  ")
	if len(steps) != 1 || steps[0] != "Complete the goal: download invoices" {
		t.Errorf("ExtractSteps() = %v, want the synthetic goal line", steps)
	}

	if got := ExtractSteps(nil, "   "); len(got) != 0 {
		t.Errorf("ExtractSteps(no goal) = %v, want empty", got)
	}
}
