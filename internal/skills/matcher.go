package skills

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/neboloop"
	"github.com/neboloop/conductor/internal/scenario"
)

const (
	// MemoryTypeSkill scopes remote memory queries to skill entries.
	MemoryTypeSkill = "skill"

	// MinRelevance accepts a candidate without lexical overlap.
	MinRelevance = 0.55

	searchLimit       = 20
	fallbackListLimit = 50

	// bodyPrefixWindow bounds the verbatim-goal search in entry bodies.
	bodyPrefixWindow = 2200

	maxGoalTokens = 8
	minTokenLen   = 3
	minPhraseLen  = 4

	scenarioCacheSize = 128
)

// MemorySearcher is the slice of the workspace client the matcher uses.
type MemorySearcher interface {
	SearchMemories(ctx context.Context, query, memType string, limit int) ([]neboloop.MemoryEntry, error)
	ListMemories(ctx context.Context, memType string, limit int) ([]neboloop.MemoryEntry, error)
}

// Match is the best candidate for a goal: the memory entry, its embedded
// scenario, and why it was accepted.
type Match struct {
	Entry     neboloop.MemoryEntry
	Scenario  *scenario.Scenario
	Relevance float64
	Overlap   bool
}

// Matcher searches the workspace skill memories for a runnable scenario
// matching a free-text goal.
type Matcher struct {
	source MemorySearcher
	memo   *lru.Cache[string, *scenario.Scenario]
}

func NewMatcher(source MemorySearcher) *Matcher {
	memo, _ := lru.New[string, *scenario.Scenario](scenarioCacheSize) // err only for size <= 0
	return &Matcher{source: source, memo: memo}
}

// Match returns the single best skill for the goal, or nil when nothing
// qualifies. A candidate qualifies only with a parseable scenario and
// either lexical overlap or relevance at or above MinRelevance. Ranking:
// overlap first, then relevance, then step count.
func (m *Matcher) Match(ctx context.Context, goal string) (*Match, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, nil
	}

	entries, err := m.source.SearchMemories(ctx, goal, MemoryTypeSkill, searchLimit)
	if err != nil {
		if !errors.Is(err, neboloop.ErrUnprocessable) {
			return nil, fmt.Errorf("search skills: %w", err)
		}
		// The search endpoint rejected the query; fall back to the
		// unfiltered listing with zero relevance for every entry.
		logging.Debugf("skills: search unprocessable, listing unfiltered")
		entries, err = m.source.ListMemories(ctx, MemoryTypeSkill, fallbackListLimit)
		if err != nil {
			return nil, fmt.Errorf("list skills: %w", err)
		}
		for i := range entries {
			entries[i].Relevance = 0
		}
	}

	var candidates []*Match
	for _, entry := range entries {
		sc := m.extractScenario(entry)
		if sc == nil {
			continue
		}
		overlap := lexicalOverlap(goal, entry.Title, entry.Content)
		if !overlap && entry.Relevance < MinRelevance {
			continue
		}
		candidates = append(candidates, &Match{
			Entry:     entry,
			Scenario:  sc,
			Relevance: entry.Relevance,
			Overlap:   overlap,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Overlap != b.Overlap {
			return a.Overlap
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return a.Scenario.StepCount() > b.Scenario.StepCount()
	})
	return candidates[0], nil
}

func (m *Matcher) extractScenario(entry neboloop.MemoryEntry) *scenario.Scenario {
	key := memoKey(entry)
	if sc, ok := m.memo.Get(key); ok {
		return sc
	}
	sc := ExtractScenario(entry.Content)
	m.memo.Add(key, sc)
	return sc
}

// memoKey includes a content hash so edited entries re-extract.
func memoKey(entry neboloop.MemoryEntry) string {
	h := fnv.New64a()
	h.Write([]byte(entry.Content))
	return fmt.Sprintf("%s:%x", entry.ID, h.Sum64())
}

// ExtractScenario scans markdown for fenced JSON blocks and returns the
// first one that parses into a valid scenario. Blocks under an RPA
// scenario label are tried first; a block that fails strict parsing gets
// one balanced-brace rescue attempt from its first opening brace.
func ExtractScenario(content string) *scenario.Scenario {
	blocks := scanFencedBlocks(content)
	ordered := make([]fencedBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.rpaLabeled {
			ordered = append(ordered, b)
		}
	}
	for _, b := range blocks {
		if !b.rpaLabeled {
			ordered = append(ordered, b)
		}
	}
	for _, b := range ordered {
		if sc := parseScenarioBlock(b.text); sc != nil {
			return sc
		}
	}
	return nil
}

func parseScenarioBlock(text string) *scenario.Scenario {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if sc, err := scenario.Parse([]byte(trimmed)); err == nil {
		return sc
	}
	rescued := balancedJSON(trimmed)
	if rescued == "" || rescued == trimmed {
		return nil
	}
	if sc, err := scenario.Parse([]byte(rescued)); err == nil {
		return sc
	}
	return nil
}

type fencedBlock struct {
	info       string
	text       string
	rpaLabeled bool
}

// scanFencedBlocks collects ``` fenced blocks along with the nearest
// preceding non-empty line, which stands in for the section label. An
// unterminated final fence is still returned so truncated entries can be
// rescued.
func scanFencedBlocks(content string) []fencedBlock {
	var (
		blocks  []fencedBlock
		body    []string
		label   string
		info    string
		inBlock bool
	)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "```") {
			if inBlock {
				blocks = append(blocks, fencedBlock{
					info:       info,
					text:       strings.Join(body, "\n"),
					rpaLabeled: isRPALabel(label) || isRPALabel(info),
				})
				inBlock = false
				body = nil
				info = ""
				continue
			}
			inBlock = true
			info = strings.TrimPrefix(line, "```")
			continue
		}
		if inBlock {
			body = append(body, raw)
			continue
		}
		if line != "" {
			label = line
		}
	}
	if inBlock && len(body) > 0 {
		blocks = append(blocks, fencedBlock{
			info:       info,
			text:       strings.Join(body, "\n"),
			rpaLabeled: isRPALabel(label) || isRPALabel(info),
		})
	}
	return blocks
}

func isRPALabel(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "rpa scenario") || strings.Contains(ls, "rpa-scenario")
}

// balancedJSON returns the first balanced top-level JSON object in s,
// tracking strings and escapes, or "" when no object closes.
func balancedJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// lexicalOverlap implements the goal/candidate text test: mutual substring
// with the title (title length >= 4), the goal verbatim in the body prefix
// window, or enough goal tokens present in title or body. All comparisons
// are case-insensitive.
func lexicalOverlap(goal, title, body string) bool {
	g := strings.ToLower(strings.TrimSpace(goal))
	t := strings.ToLower(strings.TrimSpace(title))
	b := strings.ToLower(body)

	if len(t) >= minPhraseLen && (strings.Contains(g, t) || strings.Contains(t, g)) {
		return true
	}

	prefix := b
	if len(prefix) > bodyPrefixWindow {
		prefix = prefix[:bodyPrefixWindow]
	}
	if len(g) >= minPhraseLen && strings.Contains(prefix, g) {
		return true
	}

	tokens := goalTokens(g)
	if len(tokens) == 0 {
		return false
	}
	need := 2
	if len(tokens) < need {
		need = len(tokens)
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(t, tok) || strings.Contains(b, tok) {
			hits++
			if hits >= need {
				return true
			}
		}
	}
	return false
}

func goalTokens(goal string) []string {
	fields := strings.FieldsFunc(goal, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, maxGoalTokens)
	for _, f := range fields {
		if len(f) < minTokenLen {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) >= maxGoalTokens {
			break
		}
	}
	return tokens
}
