// Package processor consumes the event stream of one agent run and maintains
// the per-run state machine that drives rendering and persistence decisions.
package processor

import (
	"context"
	"time"

	"github.com/ebibibi/claude-discord/internal/claude"
)

// RunStatus is the state machine position of one run.
type RunStatus string

const (
	StatusStarting        RunStatus = "starting"
	StatusStreaming       RunStatus = "streaming"
	StatusWaitingDecision RunStatus = "waiting_decision"
	StatusStalled         RunStatus = "stalled"
	StatusCompleted       RunStatus = "completed"
	StatusFailed          RunStatus = "failed"
	StatusInterrupted     RunStatus = "interrupted"
	StatusTimedOut        RunStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// UpdateKind discriminates render updates.
type UpdateKind string

const (
	UpdateSessionStarted UpdateKind = "session_started"
	UpdateTextSnapshot   UpdateKind = "text_snapshot"
	UpdateToolStarted    UpdateKind = "tool_started"
	UpdateToolProgress   UpdateKind = "tool_progress"
	UpdateToolFinished   UpdateKind = "tool_finished"
	UpdateThinking       UpdateKind = "thinking"
	UpdateContextWarning UpdateKind = "context_warning"
	UpdateCompaction     UpdateKind = "compaction"
	UpdateDecisionPrompt UpdateKind = "decision_prompt"
	UpdateStalled        UpdateKind = "stalled"
	UpdateTerminal       UpdateKind = "terminal"
)

// DecisionKind distinguishes the three waiting states.
type DecisionKind string

const (
	DecisionPermission  DecisionKind = "permission"
	DecisionPlan        DecisionKind = "plan"
	DecisionElicitation DecisionKind = "elicitation"
)

// Decision is the caller's answer to a decision prompt.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Outcome summarizes a finished run for the terminal update.
type Outcome struct {
	Status    RunStatus
	SessionID string
	FinalText string
	ErrorText string
	CostUSD   float64
	Elapsed   time.Duration
	Usage     claude.Usage

	// Crashed distinguishes a subprocess that died without a result event
	// from a failure the agent itself reported.
	Crashed bool
}

// Update is one render callback invocation. Kind selects which payload
// fields are meaningful.
type Update struct {
	Kind     UpdateKind
	ThreadID string

	SessionID string
	Model     string

	Text string

	Tool        *claude.ToolInvocation
	ToolID      string
	ToolElapsed time.Duration
	ToolOutput  string
	ToolIsError bool

	Redacted bool

	ContextFraction float64
	CompactTrigger  string
	CompactTokens   int

	// Decision prompts: the caller answers via Processor.Resolve(RequestID, ...).
	DecisionKind DecisionKind
	RequestID    string
	PlanText     string
	Prompt       string

	Silent time.Duration

	Outcome *Outcome
}

// Renderer receives structured updates; how they are displayed is not the
// engine's concern.
type Renderer interface {
	Render(ctx context.Context, update Update)
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(ctx context.Context, update Update)

// Render implements Renderer.
func (f RenderFunc) Render(ctx context.Context, update Update) { f(ctx, update) }

// DecisionSink receives resolved (or defaulted) decisions so they can be
// delivered to whatever channel the agent is blocked on.
type DecisionSink interface {
	Deliver(requestID string, decision Decision) error
}

// DecisionSinkFunc adapts a function to the DecisionSink interface.
type DecisionSinkFunc func(requestID string, decision Decision) error

// Deliver implements DecisionSink.
func (f DecisionSinkFunc) Deliver(requestID string, decision Decision) error {
	return f(requestID, decision)
}
