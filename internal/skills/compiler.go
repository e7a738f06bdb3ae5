package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/neboloop/conductor/internal/scenario"
)

const (
	// MaxSkillContentLength bounds every compiled skill document.
	MaxSkillContentLength = 6000

	maxScreenshots = 6
	maxStepLines   = 12
	minStepLines   = 2

	truncationMark = "…"
)

// Message is the slice of a run log entry the compiler reads. Only
// assistant and system text messages contribute step lines.
type Message struct {
	Role string
	Kind string
	Text string
}

// CompileInput carries everything the compiler may place in a document.
// Steps overrides message extraction when set.
type CompileInput struct {
	Name        string
	Description string
	Goal        string
	Source      string
	EndReason   string
	FinishedAt  time.Time
	Messages    []Message
	Steps       []string
	Scenario    *scenario.Scenario
	Screenshots []string
}

// Log lines that narrate the recorder rather than the task.
var noiseGlobs = []glob.Glob{
	glob.MustCompile("session *"),
	glob.MustCompile("state change:*"),
	glob.MustCompile("*progress too small*"),
}

var stepPrefixRe = regexp.MustCompile(`^(?i)(step\s*\d+\s*[:.)-]\s*|\d+\s*[.)]\s*|reason:\s*)`)

// Compile renders the bounded skill document. When over budget it drops
// trailing screenshots first, then trailing step lines down to two
// (discarding screenshots entirely once any step goes), then the scenario
// block, and finally hard-truncates with an ellipsis.
func Compile(in CompileInput) string {
	steps := in.Steps
	if len(steps) == 0 {
		steps = ExtractSteps(in.Messages, in.Goal)
	}
	if len(steps) > maxStepLines {
		steps = steps[:maxStepLines]
	}
	shots := in.Screenshots
	if len(shots) > maxScreenshots {
		shots = shots[:maxScreenshots]
	}
	scenarioJSON := renderScenario(in.Scenario)

	doc := render(in, steps, shots, scenarioJSON)
	for len(doc) > MaxSkillContentLength && len(shots) > 0 {
		shots = shots[:len(shots)-1]
		doc = render(in, steps, shots, scenarioJSON)
	}
	for len(doc) > MaxSkillContentLength && len(steps) > minStepLines {
		steps = steps[:len(steps)-1]
		shots = nil
		doc = render(in, steps, shots, scenarioJSON)
	}
	if len(doc) > MaxSkillContentLength && scenarioJSON != "" {
		scenarioJSON = ""
		doc = render(in, steps, shots, scenarioJSON)
	}
	if len(doc) > MaxSkillContentLength {
		doc = hardTruncate(doc, MaxSkillContentLength)
	}
	return doc
}

func render(in CompileInput, steps, shots []string, scenarioJSON string) string {
	var b strings.Builder

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(in.Goal)
	}
	fmt.Fprintf(&b, "# Skill: %s\n\n", name)
	if in.Description != "" {
		b.WriteString(strings.TrimSpace(in.Description))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Goal: %s\n", strings.TrimSpace(in.Goal))
	if in.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", in.Source)
	}
	if !in.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Recorded: %s\n", in.FinishedAt.Format(time.RFC3339))
	}
	if in.EndReason != "" {
		fmt.Fprintf(&b, "Outcome: %s\n", in.EndReason)
	}

	b.WriteString("\n## Steps\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	if scenarioJSON != "" {
		b.WriteString("\n## RPA Scenario\n\n```json\n")
		b.WriteString(scenarioJSON)
		b.WriteString("\n```\n")
	}

	if len(shots) > 0 {
		b.WriteString("\n## Screenshots\n")
		for i, shot := range shots {
			fmt.Fprintf(&b, "\n![step %d](%s)\n", i+1, shot)
		}
	}
	return b.String()
}

func renderScenario(sc *scenario.Scenario) string {
	if sc == nil || sc.StepCount() == 0 {
		return ""
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// hardTruncate cuts at a rune boundary so the ellipsis lands on valid
// text and the budget holds in bytes.
func hardTruncate(doc string, limit int) string {
	cut := limit - len(truncationMark)
	if cut <= 0 {
		return truncationMark[:limit]
	}
	for cut > 0 && !utf8.RuneStart(doc[cut]) {
		cut--
	}
	return doc[:cut] + truncationMark
}

// ExtractSteps pulls human-readable step lines from a run's message log:
// assistant and system text only, noise lines skipped, step-number and
// Reason prefixes stripped, case-insensitive dedupe, at most twelve lines.
// An empty result yields one synthetic line naming the goal.
func ExtractSteps(messages []Message, goal string) []string {
	steps := make([]string, 0, maxStepLines)
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "system" {
			continue
		}
		if msg.Kind != "" && msg.Kind != "text" {
			continue
		}
		for _, raw := range strings.Split(msg.Text, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" || isNoise(line) {
				continue
			}
			line = strings.TrimSpace(stepPrefixRe.ReplaceAllString(line, ""))
			if line == "" {
				continue
			}
			key := strings.ToLower(line)
			if seen[key] {
				continue
			}
			seen[key] = true
			steps = append(steps, line)
			if len(steps) == maxStepLines {
				return steps
			}
		}
	}
	if len(steps) == 0 && strings.TrimSpace(goal) != "" {
		steps = append(steps, "Complete the goal: "+strings.TrimSpace(goal))
	}
	return steps
}

func isNoise(line string) bool {
	l := strings.ToLower(line)
	for _, g := range noiseGlobs {
		if g.Match(l) {
			return true
		}
	}
	return false
}
