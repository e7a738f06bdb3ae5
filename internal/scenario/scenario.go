// Package scenario defines the recorded RPA scenario model: an ordered list
// of typed browser-interaction steps with fallback and retry policy. The JSON
// form is the interchange format between the execution agent, compiled skill
// documents, and the rpa.start command.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxSteps is the hard cap on scenario length. Longer scenarios are invalid,
// not clamped.
const MaxSteps = 40

// Defaults applied when a scenario omits its execution policy.
const (
	DefaultAIFallbackMaxSteps = 15
	DefaultStepRetryLimit     = 2
)

var (
	ErrNoSteps      = errors.New("scenario has no steps")
	ErrTooManySteps = fmt.Errorf("scenario exceeds %d steps", MaxSteps)
)

// StepKind tags a step variant.
type StepKind string

const (
	StepNavigate   StepKind = "navigate"
	StepNewTab     StepKind = "new_tab"
	StepClick      StepKind = "click"
	StepType       StepKind = "type"
	StepScroll     StepKind = "scroll"
	StepWait       StepKind = "wait"
	StepKeypress   StepKind = "keypress"
	StepAssertText StepKind = "assert_text"
	StepAssertURL  StepKind = "assert_url"
	StepAI         StepKind = "ai"
)

// Step is one recorded browser interaction. Each variant carries only the
// fields relevant to its kind.
type Step interface {
	Kind() StepKind
	// Summary is a one-line human rendering used in compiled skill documents.
	Summary() string
}

// NavigateStep loads a URL in the current tab.
type NavigateStep struct {
	URL string `json:"url"`
}

func (NavigateStep) Kind() StepKind    { return StepNavigate }
func (s NavigateStep) Summary() string { return "Navigate to " + s.URL }

// NewTabStep opens a new tab, optionally at a URL.
type NewTabStep struct {
	URL string `json:"url,omitempty"`
}

func (NewTabStep) Kind() StepKind { return StepNewTab }
func (s NewTabStep) Summary() string {
	if s.URL == "" {
		return "Open a new tab"
	}
	return "Open a new tab at " + s.URL
}

// ClickStep clicks the element matching a selector.
type ClickStep struct {
	Selector    string `json:"selector"`
	Description string `json:"description,omitempty"`
}

func (ClickStep) Kind() StepKind { return StepClick }
func (s ClickStep) Summary() string {
	if s.Description != "" {
		return "Click " + s.Description
	}
	return "Click " + s.Selector
}

// TypeStep types text into the element matching a selector.
type TypeStep struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Submit   bool   `json:"submit,omitempty"`
}

func (TypeStep) Kind() StepKind { return StepType }
func (s TypeStep) Summary() string {
	out := fmt.Sprintf("Type %q into %s", s.Text, s.Selector)
	if s.Submit {
		out += " and submit"
	}
	return out
}

// ScrollStep scrolls the page.
type ScrollStep struct {
	Direction string `json:"direction"` // "up" or "down"
	Amount    int    `json:"amount,omitempty"`
}

func (ScrollStep) Kind() StepKind    { return StepScroll }
func (s ScrollStep) Summary() string { return "Scroll " + s.Direction }

// WaitStep pauses for a duration or until a selector appears.
type WaitStep struct {
	Ms       int    `json:"ms,omitempty"`
	Selector string `json:"selector,omitempty"`
}

func (WaitStep) Kind() StepKind { return StepWait }
func (s WaitStep) Summary() string {
	if s.Selector != "" {
		return "Wait for " + s.Selector
	}
	return fmt.Sprintf("Wait %dms", s.Ms)
}

// KeypressStep sends a key chord to the focused element.
type KeypressStep struct {
	Keys string `json:"keys"`
}

func (KeypressStep) Kind() StepKind    { return StepKeypress }
func (s KeypressStep) Summary() string { return "Press " + s.Keys }

// AssertTextStep verifies the page contains text.
type AssertTextStep struct {
	Text string `json:"text"`
}

func (AssertTextStep) Kind() StepKind    { return StepAssertText }
func (s AssertTextStep) Summary() string { return fmt.Sprintf("Verify page shows %q", s.Text) }

// AssertURLStep verifies the current URL matches a pattern.
type AssertURLStep struct {
	Pattern string `json:"pattern"`
}

func (AssertURLStep) Kind() StepKind    { return StepAssertURL }
func (s AssertURLStep) Summary() string { return "Verify URL matches " + s.Pattern }

// AIStep hands one step to the autonomous planner with an instruction.
type AIStep struct {
	Instruction string `json:"instruction"`
}

func (AIStep) Kind() StepKind    { return StepAI }
func (s AIStep) Summary() string { return s.Instruction }

// Scenario is a recorded, replayable automation procedure.
type Scenario struct {
	Name               string `json:"name"`
	StartURL           string `json:"startUrl,omitempty"`
	Steps              []Step `json:"steps"`
	AIFallback         bool   `json:"aiFallback"`
	AIFallbackMaxSteps int    `json:"aiFallbackMaxSteps,omitempty"`
	StepRetryLimit     int    `json:"stepRetryLimit,omitempty"`
	StopOnFailure      bool   `json:"stopOnFailure,omitempty"`
}

// StepCount returns the number of steps.
func (s *Scenario) StepCount() int {
	if s == nil {
		return 0
	}
	return len(s.Steps)
}

// Validate checks the step budget.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return ErrNoSteps
	}
	if len(s.Steps) > MaxSteps {
		return ErrTooManySteps
	}
	return nil
}

// ApplyDefaults fills unset execution policy fields.
func (s *Scenario) ApplyDefaults() {
	if s.AIFallbackMaxSteps == 0 {
		s.AIFallbackMaxSteps = DefaultAIFallbackMaxSteps
	}
	if s.StepRetryLimit == 0 {
		s.StepRetryLimit = DefaultStepRetryLimit
	}
}

type scenarioWire struct {
	Name               string            `json:"name"`
	StartURL           string            `json:"startUrl,omitempty"`
	Steps              []json.RawMessage `json:"steps"`
	AIFallback         bool              `json:"aiFallback"`
	AIFallbackMaxSteps int               `json:"aiFallbackMaxSteps,omitempty"`
	StepRetryLimit     int               `json:"stepRetryLimit,omitempty"`
	StopOnFailure      bool              `json:"stopOnFailure,omitempty"`
}

// UnmarshalJSON decodes the steps envelope. An unknown step type or a step
// list over MaxSteps makes the whole document invalid.
func (s *Scenario) UnmarshalJSON(data []byte) error {
	var wire scenarioWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Steps) > MaxSteps {
		return ErrTooManySteps
	}

	steps := make([]Step, 0, len(wire.Steps))
	for i, raw := range wire.Steps {
		step, err := decodeStep(raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	s.Name = wire.Name
	s.StartURL = wire.StartURL
	s.Steps = steps
	s.AIFallback = wire.AIFallback
	s.AIFallbackMaxSteps = wire.AIFallbackMaxSteps
	s.StepRetryLimit = wire.StepRetryLimit
	s.StopOnFailure = wire.StopOnFailure
	return nil
}

// MarshalJSON tags each step with its kind.
func (s Scenario) MarshalJSON() ([]byte, error) {
	wire := scenarioWire{
		Name:               s.Name,
		StartURL:           s.StartURL,
		Steps:              make([]json.RawMessage, 0, len(s.Steps)),
		AIFallback:         s.AIFallback,
		AIFallbackMaxSteps: s.AIFallbackMaxSteps,
		StepRetryLimit:     s.StepRetryLimit,
		StopOnFailure:      s.StopOnFailure,
	}
	for _, step := range s.Steps {
		raw, err := MarshalStep(step)
		if err != nil {
			return nil, err
		}
		wire.Steps = append(wire.Steps, raw)
	}
	return json.Marshal(wire)
}

// MarshalStep encodes a single step with its type tag.
func MarshalStep(step Step) ([]byte, error) {
	body, err := json.Marshal(step)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = string(step.Kind())
	return json.Marshal(fields)
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var envelope struct {
		Type StepKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case StepNavigate:
		var v NavigateStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepNewTab:
		var v NewTabStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepClick:
		var v ClickStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepType:
		var v TypeStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepScroll:
		var v ScrollStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepWait:
		var v WaitStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepKeypress:
		var v KeypressStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepAssertText:
		var v AssertTextStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepAssertURL:
		var v AssertURLStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case StepAI:
		var v AIStep
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", envelope.Type)
	}
}

// Parse strictly decodes a scenario document: valid JSON, known step types,
// at least one step, at most MaxSteps.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
