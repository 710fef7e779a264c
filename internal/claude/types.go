// Package claude drives the external coding-agent CLI: it builds validated
// invocations, spawns the subprocess, and translates its line-delimited
// JSON output into typed stream events.
package claude

// EventKind discriminates StreamEvent variants.
type EventKind string

const (
	EventInit              EventKind = "init"
	EventAssistantText     EventKind = "assistant_text"
	EventToolInvocation    EventKind = "tool_invocation"
	EventToolResult        EventKind = "tool_result"
	EventThinking          EventKind = "thinking"
	EventUsageUpdate       EventKind = "usage_update"
	EventPermissionRequest EventKind = "permission_request"
	EventPlanProposal      EventKind = "plan_proposal"
	EventElicitation       EventKind = "elicitation"
	EventCompaction        EventKind = "compaction"
	EventResult            EventKind = "result"
	EventUnknown           EventKind = "unknown"
	EventMalformed         EventKind = "malformed"

	// Runner-synthesized terminal events. These never come from the parser;
	// the runner emits them so callers branch on event kind instead of
	// catching errors.
	EventSpawnError  EventKind = "spawn_error"
	EventTimeout     EventKind = "timeout"
	EventInterrupted EventKind = "interrupted"
	EventCrash       EventKind = "crash"
)

// Terminal reports whether the event ends a run.
func (k EventKind) Terminal() bool {
	switch k {
	case EventResult, EventSpawnError, EventTimeout, EventInterrupted, EventCrash:
		return true
	default:
		return false
	}
}

// ToolInvocation is an agent tool call awaiting a result.
type ToolInvocation struct {
	ID       string
	Name     string
	Input    map[string]interface{}
	Category ToolCategory
}

// ToolResult closes a prior ToolInvocation with the same ID.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Thinking is a reasoning block; redacted blocks carry no text.
type Thinking struct {
	Text     string
	Redacted bool
}

// Usage carries token counters reported by the agent.
type Usage struct {
	InputTokens     int
	CacheReadTokens int
	OutputTokens    int
}

// PermissionRequest asks the host to approve a tool use. The agent blocks
// until a decision is delivered or the host's bounded wait denies it.
type PermissionRequest struct {
	RequestID string
	Tool      string
	Input     map[string]interface{}
}

// PlanProposal asks the host to approve a plan before execution continues.
type PlanProposal struct {
	RequestID string
	PlanText  string
}

// Elicitation asks the host for structured input mid-run.
type Elicitation struct {
	RequestID string
	Prompt    string
	SchemaURL string
}

// CompactionNotice marks a context compaction boundary.
type CompactionNotice struct {
	Trigger   string
	PreTokens int
}

// Result is the agent's final report for a run.
type Result struct {
	FinalText  string
	CostUSD    float64
	DurationMS int64
	IsError    bool
	ErrorText  string
}

// StreamEvent is one parsed line of agent output. Kind selects the variant;
// the matching payload pointer is set, everything else is nil. An assistant
// line that carries both text and a tool call is reported as a tool
// invocation with Text attached so no data is dropped.
type StreamEvent struct {
	Kind      EventKind
	SessionID string
	Text      string
	Tool      *ToolInvocation
	Result    *ToolResult
	Think     *Thinking
	Usage     *Usage
	Perm      *PermissionRequest
	Plan      *PlanProposal
	Elicit    *Elicitation
	Compact   *CompactionNotice
	Final     *Result
	Raw       string // truncated source line, kept for malformed/unknown diagnostics
}
