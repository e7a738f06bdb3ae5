package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/conductor/internal/config"
	"github.com/neboloop/conductor/internal/events"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/neboloop"
	"github.com/neboloop/conductor/internal/port"
	"github.com/neboloop/conductor/internal/scenario"
	"github.com/neboloop/conductor/internal/skills"
)

// historyLimit bounds the in-memory finished-run history. Oldest runs
// fall off first; the database keeps everything.
const historyLimit = 20

// ErrNoActiveRun reports an instruction arriving with no run in progress.
var ErrNoActiveRun = errors.New("no active run")

// Phase is the orchestrator's view of the current run lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
)

// AgentPort is the command surface of the execution-agent channel.
type AgentPort interface {
	StartAgent(ctx context.Context, p port.StartAgentParams) error
	SendInstruction(ctx context.Context, text string) error
	StopAgent(ctx context.Context) error
	StartRPA(ctx context.Context, p port.StartRPAParams) error
	StartRecording(ctx context.Context, scenarioName string) error
	StopRecording(ctx context.Context, saveAsSkill bool) (*scenario.Scenario, error)
	SuggestSkillMetadata(ctx context.Context, p port.SuggestMetadataParams) (*port.SkillMetadata, error)
}

// SkillFinder locates a runnable scenario for a goal.
type SkillFinder interface {
	Match(ctx context.Context, goal string) (*skills.Match, error)
}

// RunStore persists runs and their message logs.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	AddMessage(ctx context.Context, runID string, msg RunMessage) error
	ReplaceMessages(ctx context.Context, runID string, msgs []RunMessage) error
	GetRun(ctx context.Context, id string) (*Run, error)
	RecentRuns(ctx context.Context, limit int) ([]*Run, error)
	LatestUnfinished(ctx context.Context) (*Run, error)
	CloseUnfinished(ctx context.Context, exceptID string) error
}

// MemoryCreator uploads compiled skills to the workspace memory store.
type MemoryCreator interface {
	CreateMemory(ctx context.Context, entry neboloop.MemoryEntry) (neboloop.MemoryEntry, error)
}

// Deps wires an Orchestrator. Agent and Store are required; Matcher,
// Library, Memories and Bus degrade gracefully when nil.
type Deps struct {
	Agent    AgentPort
	Matcher  SkillFinder
	Store    RunStore
	Library  *skills.Library
	Memories MemoryCreator
	Bus      *events.Subject
	Provider func() config.ProviderConfig
}

// Orchestrator drives the run state machine: idle, starting, running,
// then finalized with an end reason. Only one run is active at a time;
// a delegation while a run is active becomes an in-place instruction.
type Orchestrator struct {
	agent    AgentPort
	matcher  SkillFinder
	store    RunStore
	library  *skills.Library
	memories MemoryCreator
	bus      *events.Subject
	provider func() config.ProviderConfig

	mu         sync.Mutex
	current    *Run
	phase      Phase
	sawRunning bool
	lastStatus port.AgentStatus
	history    []*Run
	recoverRun *Run
	recName    string
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		agent:    deps.Agent,
		matcher:  deps.Matcher,
		store:    deps.Store,
		library:  deps.Library,
		memories: deps.Memories,
		bus:      deps.Bus,
		provider: deps.Provider,
		phase:    PhaseIdle,
	}
	if o.provider == nil {
		o.provider = func() config.ProviderConfig { return config.ProviderConfig{} }
	}
	return o
}

// LoadRecovery seeds the history from the store and holds the newest
// unfinished run for adoption. The run is adopted only when the agent
// later reports running; older unfinished rows are closed as stopped.
func (o *Orchestrator) LoadRecovery(ctx context.Context) {
	if o.store == nil {
		return
	}
	unfinished, err := o.store.LatestUnfinished(ctx)
	if err != nil {
		logging.Warnf("[browser] load unfinished run: %v", err)
	}
	var keepID string
	if unfinished != nil {
		keepID = unfinished.ID
	}
	if err := o.store.CloseUnfinished(ctx, keepID); err != nil {
		logging.Debugf("[browser] close stale runs: %v", err)
	}

	runs, err := o.store.RecentRuns(ctx, historyLimit)
	if err != nil {
		logging.Warnf("[browser] load run history: %v", err)
		runs = nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoverRun = unfinished
	// RecentRuns is newest first; history is kept oldest first.
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		if !r.Finished() {
			continue
		}
		if r.Source == "" {
			r.Source = SourceHistory
		}
		o.history = append(o.history, r)
	}
	if n := len(o.history); n > historyLimit {
		o.history = o.history[n-historyLimit:]
	}
}

// Delegate starts a run for the goal, or routes the text into the active
// run as an instruction when one is already underway. A matched skill
// scenario runs as hybrid RPA; otherwise the autonomous planner gets the
// goal and the provider configuration.
func (o *Orchestrator) Delegate(ctx context.Context, goal string, source Source) (*Run, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, errors.New("delegation goal is empty")
	}

	o.mu.Lock()
	active := o.current
	o.mu.Unlock()
	if active != nil {
		return o.instruct(ctx, active, goal)
	}

	// Matching happens before the run exists, so a failed lookup costs
	// nothing; errors fall back to the planner.
	var match *skills.Match
	if o.matcher != nil {
		m, err := o.matcher.Match(ctx, goal)
		if err != nil {
			logging.Warnf("[browser] skill match: %v", err)
		} else {
			match = m
		}
	}

	run := NewRun(goal, source)
	if match != nil {
		run.Source = SourceHybridRPA
		run.Scenario = match.Scenario
	}

	o.mu.Lock()
	if o.current != nil {
		// Another delegation won while we were matching.
		active = o.current
		o.mu.Unlock()
		return o.instruct(ctx, active, goal)
	}
	o.current = run
	o.phase = PhaseStarting
	o.sawRunning = false
	snap := run.Clone()
	o.mu.Unlock()

	o.persistRun(ctx, snap)
	prov := o.provider()

	if match != nil {
		notes := "matched skill " + match.Entry.ID
		if match.Entry.Title != "" {
			notes += ": " + match.Entry.Title
		}
		err := o.agent.StartRPA(ctx, port.StartRPAParams{
			Goal:     goal,
			Scenario: match.Scenario,
			Provider: prov.Name,
			Model:    prov.Model,
			Notes:    notes,
		})
		if err != nil {
			o.finalize(run, ReasonRPAStartFailed)
			return nil, fmt.Errorf("rpa start: %w", err)
		}
		logging.Infof("[browser] run %s: scenario %q (%d steps) for %q", run.ID, match.Scenario.Name, match.Scenario.StepCount(), goal)
	} else {
		err := o.agent.StartAgent(ctx, port.StartAgentParams{
			Goal:     goal,
			Provider: prov.Name,
			Model:    prov.Model,
		})
		if err != nil {
			o.finalize(run, ReasonStartFailed)
			return nil, fmt.Errorf("agent start: %w", err)
		}
		logging.Infof("[browser] run %s: autonomous for %q", run.ID, goal)
	}

	o.mu.Lock()
	snap = run.Clone()
	o.mu.Unlock()
	o.publish(events.TopicRunUpdated, snap)
	return snap, nil
}

// Instruct routes text into the active run without starting a new one.
func (o *Orchestrator) Instruct(ctx context.Context, text string) (*Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("instruction is empty")
	}
	o.mu.Lock()
	active := o.current
	o.mu.Unlock()
	if active == nil {
		return nil, ErrNoActiveRun
	}
	return o.instruct(ctx, active, text)
}

// instruct routes text into the run the agent is already working on.
func (o *Orchestrator) instruct(ctx context.Context, active *Run, text string) (*Run, error) {
	if err := o.agent.SendInstruction(ctx, text); err != nil {
		return nil, fmt.Errorf("instruction: %w", err)
	}
	msg := RunMessage{Role: "user", Kind: "text", Text: text, At: time.Now()}

	o.mu.Lock()
	if o.current == active {
		active.Append(msg)
	}
	snap := active.Clone()
	o.mu.Unlock()

	if err := o.store.AddMessage(ctx, active.ID, msg); err != nil {
		logging.Debugf("[browser] persist instruction: %v", err)
	}
	o.publish(events.TopicRunUpdated, snap)
	return snap, nil
}

// Stop asks the agent to end the active run and finalizes it as
// user-stopped once the command is acknowledged. Stopping with no active
// run is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	run := o.current
	o.mu.Unlock()
	if run == nil {
		return nil
	}
	if err := o.agent.StopAgent(ctx); err != nil {
		return fmt.Errorf("agent stop: %w", err)
	}
	o.finalize(run, ReasonUserStop)
	return nil
}

// HandleStatus applies an agent status report. Running with no tracked
// run adopts the persisted unfinished run, or creates one, as recovered.
// Not-running after running finalizes the current run.
func (o *Orchestrator) HandleStatus(st port.AgentStatus) {
	o.mu.Lock()
	o.lastStatus = st

	if st.Running {
		adopted := false
		var stale *Run
		if o.current == nil {
			run := o.recoverRun
			o.recoverRun = nil
			if run == nil {
				run = NewRun("", SourceRecovered)
			} else {
				run.Source = SourceRecovered
			}
			o.current = run
			adopted = true
		} else if o.recoverRun != nil {
			// A fresh delegation superseded the persisted run; what the
			// agent reports running is the new one.
			stale = o.recoverRun
			o.recoverRun = nil
		}
		o.phase = PhaseRunning
		o.sawRunning = true
		snap := o.current.Clone()
		o.mu.Unlock()

		if stale != nil {
			o.finalize(stale, ReasonStopped)
		}
		if adopted {
			logging.Infof("[browser] adopted in-flight run %s from agent status", snap.ID)
			o.persistRun(context.Background(), snap)
		}
		o.publish(events.TopicRunUpdated, snap)
		return
	}

	run := o.current
	saw := o.sawRunning
	stale := o.recoverRun
	o.recoverRun = nil
	o.mu.Unlock()

	if run != nil && saw {
		reason := ReasonStopped
		switch st.Mode {
		case "completed":
			reason = ReasonCompleted
		case "failed", "error":
			reason = ReasonFailed
		}
		o.finalize(run, reason)
		return
	}
	if stale != nil {
		// The agent is definitively idle, so the persisted run is over.
		o.finalize(stale, ReasonStopped)
	}
}

// HandleChatMessage appends one agent log entry to the current run.
func (o *Orchestrator) HandleChatMessage(msg port.ChatMessage) {
	rm := RunMessage{Role: msg.Role, Kind: msg.Kind, Text: msg.Text, Image: msg.Image, At: time.Now()}

	o.mu.Lock()
	run := o.current
	if run == nil {
		o.mu.Unlock()
		logging.Debugf("[browser] dropped chat message with no active run")
		return
	}
	run.Append(rm)
	snap := run.Clone()
	o.mu.Unlock()

	if err := o.store.AddMessage(context.Background(), snap.ID, rm); err != nil {
		logging.Debugf("[browser] persist message: %v", err)
	}
	o.publish(events.TopicRunUpdated, snap)
}

// HandleChatHistory replaces the current run's log with the agent's
// authoritative copy.
func (o *Orchestrator) HandleChatHistory(msgs []port.ChatMessage) {
	now := time.Now()
	converted := make([]RunMessage, 0, len(msgs))
	for _, m := range msgs {
		converted = append(converted, RunMessage{Role: m.Role, Kind: m.Kind, Text: m.Text, Image: m.Image, At: now})
	}

	o.mu.Lock()
	run := o.current
	if run == nil {
		o.mu.Unlock()
		return
	}
	run.Messages = converted
	snap := run.Clone()
	o.mu.Unlock()

	if err := o.store.ReplaceMessages(context.Background(), snap.ID, converted); err != nil {
		logging.Debugf("[browser] persist history: %v", err)
	}
	o.publish(events.TopicRunUpdated, snap)
}

// finalize ends a run exactly once: stamps the reason, clears the
// current slot, appends to the bounded history, persists, publishes.
func (o *Orchestrator) finalize(run *Run, reason string) {
	o.mu.Lock()
	if run.Finished() {
		o.mu.Unlock()
		return
	}
	run.EndedAt = time.Now()
	run.EndReason = reason
	if o.current == run {
		o.current = nil
		o.phase = PhaseIdle
		o.sawRunning = false
	}
	o.history = append(o.history, run)
	if n := len(o.history); n > historyLimit {
		o.history = o.history[n-historyLimit:]
	}
	snap := run.Clone()
	o.mu.Unlock()

	logging.Infof("[browser] run %s finalized: %s", snap.ID, reason)
	if err := o.store.SaveRun(context.Background(), snap); err != nil {
		logging.Warnf("[browser] persist run: %v", err)
	}
	o.publish(events.TopicRunFinalized, snap)
}

// StartRecording turns on interaction capture in the agent under the
// given scenario name.
func (o *Orchestrator) StartRecording(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "recorded-" + time.Now().Format("20060102-150405")
	}
	if err := o.agent.StartRecording(ctx, name); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	o.mu.Lock()
	o.recName = name
	o.mu.Unlock()
	return nil
}

// StopRecording ends capture and returns the recorded scenario, nil when
// nothing was captured. With saveAsSkill the scenario is compiled into a
// skill document and persisted to the library and the memory store.
func (o *Orchestrator) StopRecording(ctx context.Context, saveAsSkill bool) (*skills.Skill, *scenario.Scenario, error) {
	o.mu.Lock()
	name := o.recName
	o.recName = ""
	o.mu.Unlock()

	sc, err := o.agent.StopRecording(ctx, saveAsSkill)
	if err != nil {
		return nil, nil, err
	}
	if sc == nil {
		return nil, nil, nil
	}
	if sc.Name == "" {
		sc.Name = name
	}
	if !saveAsSkill {
		return nil, sc, nil
	}

	goal := name
	if goal == "" {
		goal = sc.Name
	}
	steps := make([]string, 0, len(sc.Steps))
	for _, st := range sc.Steps {
		steps = append(steps, st.Summary())
	}

	skill, err := o.saveSkill(ctx, goal, "recorded", skills.CompileInput{
		Goal:       goal,
		Source:     "recorded",
		FinishedAt: time.Now(),
		Steps:      steps,
		Scenario:   sc,
	})
	if err != nil {
		return nil, sc, err
	}
	return skill, sc, nil
}

// SaveRunSkill compiles a finished (or current) run into a skill and
// persists it. An empty id targets the current run.
func (o *Orchestrator) SaveRunSkill(ctx context.Context, runID string) (*skills.Skill, error) {
	run := o.findRun(runID)
	if run == nil {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	return o.saveSkill(ctx, run.Goal, "compiled", compileInputForRun(run))
}

// PreviewRunSkill compiles a run into a skill document without touching
// the agent or persisting anything.
func (o *Orchestrator) PreviewRunSkill(runID string) (string, error) {
	run := o.findRun(runID)
	if run == nil {
		return "", fmt.Errorf("run %q not found", runID)
	}
	in := compileInputForRun(run)
	in.Name = run.Goal
	return skills.Compile(in), nil
}

// saveSkill asks the agent for metadata, compiles the document, writes
// the library file, and uploads the memory entry. The upload is best
// effort; the local file is the source of truth.
func (o *Orchestrator) saveSkill(ctx context.Context, goal, source string, in skills.CompileInput) (*skills.Skill, error) {
	if o.library == nil {
		return nil, errors.New("skill library not configured")
	}

	steps := in.Steps
	if len(steps) == 0 {
		steps = skills.ExtractSteps(in.Messages, goal)
	}
	prov := o.provider()
	meta, err := o.agent.SuggestSkillMetadata(ctx, port.SuggestMetadataParams{
		Goal:     goal,
		Steps:    steps,
		Provider: prov.Name,
		Model:    prov.Model,
	})
	if err != nil || meta == nil || strings.TrimSpace(meta.Name) == "" {
		if err != nil {
			logging.Warnf("[browser] metadata suggestion: %v", err)
		}
		meta = &port.SkillMetadata{Name: goal}
	}
	if strings.TrimSpace(meta.Description) == "" {
		meta.Description = "Browser procedure for: " + goal
	}

	in.Name = meta.Name
	in.Description = meta.Description
	content := skills.Compile(in)

	skill := &skills.Skill{
		Name:        meta.Name,
		Description: meta.Description,
		Tags:        meta.Tags,
		Source:      source,
		Body:        content,
	}
	if err := o.library.Save(skill); err != nil {
		return nil, fmt.Errorf("save skill: %w", err)
	}

	if o.memories != nil {
		_, err := o.memories.CreateMemory(ctx, neboloop.MemoryEntry{
			Title:   meta.Name,
			Content: content,
			Type:    "skill",
			Tags:    meta.Tags,
			Source:  "conductor",
		})
		if err != nil {
			logging.Warnf("[browser] memory upload for %q: %v", meta.Name, err)
		}
	}
	return skill, nil
}

// CurrentRun returns a snapshot of the active run, nil when idle.
func (o *Orchestrator) CurrentRun() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone()
}

// Phase returns the lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastStatus returns the most recent agent status report.
func (o *Orchestrator) LastStatus() port.AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStatus
}

// Recording returns the scenario name when a recording was started and
// not yet stopped.
func (o *Orchestrator) Recording() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recName, o.recName != ""
}

// History returns snapshots of finished runs, newest first.
func (o *Orchestrator) History() []*Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Run, 0, len(o.history))
	for i := len(o.history) - 1; i >= 0; i-- {
		out = append(out, o.history[i].Clone())
	}
	return out
}

// findRun resolves an id against the current run first, then history
// (newest first). Empty id means the current run.
func (o *Orchestrator) findRun(id string) *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" || (o.current != nil && o.current.ID == id) {
		return o.current.Clone()
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			return o.history[i].Clone()
		}
	}
	return nil
}

// persistRun stores a snapshot the caller cloned under the lock.
func (o *Orchestrator) persistRun(ctx context.Context, snap *Run) {
	if err := o.store.SaveRun(ctx, snap); err != nil {
		logging.Warnf("[browser] persist run: %v", err)
	}
}

func (o *Orchestrator) publish(topic string, run *Run) {
	if o.bus == nil {
		return
	}
	if err := events.Emit(o.bus, topic, run); err != nil {
		logging.Debugf("[browser] publish %s: %v", topic, err)
	}
}

func compileInputForRun(run *Run) skills.CompileInput {
	msgs := make([]skills.Message, 0, len(run.Messages))
	var shots []string
	for _, m := range run.Messages {
		if m.Kind == "image" && m.Image != "" {
			shots = append(shots, m.Image)
			continue
		}
		msgs = append(msgs, skills.Message{Role: m.Role, Kind: m.Kind, Text: m.Text})
	}
	return skills.CompileInput{
		Goal:        run.Goal,
		Source:      string(run.Source),
		EndReason:   run.EndReason,
		FinishedAt:  run.EndedAt,
		Messages:    msgs,
		Scenario:    run.Scenario,
		Screenshots: shots,
	}
}
