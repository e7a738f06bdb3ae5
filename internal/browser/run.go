// Package browser decides how a browser task runs: scripted against a
// matched skill scenario (hybrid RPA) or handed to the autonomous planner
// in the execution agent. It owns the single current run, its message
// log, and the bounded history of finished runs.
package browser

import (
	"time"

	"github.com/segmentio/ksuid"

	"github.com/neboloop/conductor/internal/scenario"
)

// Source records what triggered a run.
type Source string

const (
	SourceManual    Source = "manual"     // user chat or gateway request
	SourceExternal  Source = "external"   // schedule or API caller
	SourceHybridRPA Source = "hybrid_rpa" // matched skill scenario
	SourceRecovered Source = "recovered"  // adopted from agent status after restart
	SourceHistory   Source = "history"    // persisted run with unknown provenance
)

// Run end reasons.
const (
	ReasonStopped        = "stopped"
	ReasonCompleted      = "completed"
	ReasonFailed         = "failed"
	ReasonUserStop       = "user_stop"
	ReasonStartFailed    = "start_failed"
	ReasonRPAStartFailed = "rpa_start_failed"
)

// RunMessage is one entry in a run's log. Image holds a data URL when
// Kind is "image".
type RunMessage struct {
	Role  string    `json:"role"`
	Kind  string    `json:"kind,omitempty"`
	Text  string    `json:"text,omitempty"`
	Image string    `json:"image,omitempty"`
	At    time.Time `json:"at"`
}

// Run is one lifecycle instance of browser-automation execution, from
// start command to finalization. EndedAt stays zero while active.
type Run struct {
	ID        string             `json:"id"`
	Goal      string             `json:"goal"`
	Source    Source             `json:"source"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitzero"`
	EndReason string             `json:"end_reason,omitempty"`
	Messages  []RunMessage       `json:"messages,omitempty"`
	Scenario  *scenario.Scenario `json:"scenario,omitempty"`
}

// NewRun creates an active run with a fresh id.
func NewRun(goal string, source Source) *Run {
	return &Run{
		ID:        ksuid.New().String(),
		Goal:      goal,
		Source:    source,
		StartedAt: time.Now(),
	}
}

// Finished reports whether the run has been finalized.
func (r *Run) Finished() bool {
	return !r.EndedAt.IsZero()
}

// Append adds a message to the run log. Callers hold the orchestrator
// lock; Run itself does not synchronize.
func (r *Run) Append(msg RunMessage) {
	r.Messages = append(r.Messages, msg)
}

// Clone returns a copy safe to hand outside the orchestrator lock. The
// message slice is copied; the scenario is shared (immutable after start).
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if len(r.Messages) > 0 {
		out.Messages = append([]RunMessage(nil), r.Messages...)
	}
	return &out
}
