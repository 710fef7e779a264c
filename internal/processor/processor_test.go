package processor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ebibibi/claude-discord/internal/claude"
	"github.com/ebibibi/claude-discord/internal/common/logger"
)

type decisionRecorder struct {
	mu        sync.Mutex
	delivered map[string]Decision
}

func newDecisionRecorder() *decisionRecorder {
	return &decisionRecorder{delivered: make(map[string]Decision)}
}

func (r *decisionRecorder) Deliver(requestID string, decision Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[requestID] = decision
	return nil
}

func (r *decisionRecorder) get(requestID string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delivered[requestID]
	return d, ok
}

func newTestProcessor(t *testing.T, cfg Config, rec *updateRecorder, sink DecisionSink) *Processor {
	t.Helper()
	if cfg.ThreadID == "" {
		cfg.ThreadID = "thread-1"
	}
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = 10 * time.Millisecond
	}
	p := New(cfg, rec, sink, logger.Default())
	t.Cleanup(func() { p.Finalize(context.Background()) })
	return p
}

func initEvent(sessionID string) claude.StreamEvent {
	return claude.StreamEvent{Kind: claude.EventInit, SessionID: sessionID}
}

func resultEvent(isError bool, text string) claude.StreamEvent {
	return claude.StreamEvent{
		Kind:  claude.EventResult,
		Final: &claude.Result{FinalText: text, IsError: isError, CostUSD: 0.42},
	}
}

func TestSessionIDCapturedOnceFromInit(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("abc-123"))
	if got := p.SessionID(); got != "abc-123" {
		t.Fatalf("SessionID = %q, want abc-123", got)
	}
	if p.Status() != StatusStreaming {
		t.Errorf("status after init = %s, want streaming", p.Status())
	}

	started := rec.byKind(UpdateSessionStarted)
	if len(started) != 1 || started[0].SessionID != "abc-123" {
		t.Fatalf("expected one session_started with the id, got %+v", started)
	}

	// A later init must not overwrite the id.
	p.Process(ctx, initEvent("other"))
	if got := p.SessionID(); got != "abc-123" {
		t.Errorf("session id changed after second init: %q", got)
	}
}

func TestAssistantTextFlowsThroughStreamBuffer(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{StreamWindow: 20 * time.Millisecond}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventAssistantText, Text: "hello"})
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventAssistantText, Text: "world"})

	snap := rec.waitFor(t, UpdateTextSnapshot, time.Second)
	if snap.Text != "hello\nworld" {
		t.Errorf("snapshot = %q, want joined deltas", snap.Text)
	}
}

func TestToolLifecycle(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{ToolResultMaxChars: 50}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{
		Kind: claude.EventToolInvocation,
		Tool: &claude.ToolInvocation{ID: "tu_1", Name: "Bash", Input: map[string]interface{}{"command": "ls"}},
	})

	started := rec.byKind(UpdateToolStarted)
	if len(started) != 1 || started[0].ToolID != "tu_1" {
		t.Fatalf("expected tool_started for tu_1, got %+v", started)
	}

	long := strings.Repeat("x", 200)
	p.Process(ctx, claude.StreamEvent{
		Kind:   claude.EventToolResult,
		Result: &claude.ToolResult{ID: "tu_1", Content: long},
	})

	finished := rec.byKind(UpdateToolFinished)
	if len(finished) != 1 {
		t.Fatalf("expected one tool_finished, got %d", len(finished))
	}
	if finished[0].Tool == nil || finished[0].Tool.Name != "Bash" {
		t.Errorf("finished update should carry the opening invocation")
	}
	if !strings.HasSuffix(finished[0].ToolOutput, "... (truncated)") {
		t.Errorf("long result output not truncated: %q", finished[0].ToolOutput)
	}
	if len(finished[0].ToolOutput) > 50+len("\n... (truncated)") {
		t.Errorf("truncated output exceeds cap: %d chars", len(finished[0].ToolOutput))
	}
}

func TestToolResultWithoutInvocationStillRendered(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{
		Kind:   claude.EventToolResult,
		Result: &claude.ToolResult{ID: "tu_orphan", Content: "ok"},
	})

	finished := rec.byKind(UpdateToolFinished)
	if len(finished) != 1 || finished[0].ToolID != "tu_orphan" {
		t.Fatalf("expected orphan tool result rendered, got %+v", finished)
	}
}

func TestToolProgressTicks(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{ToolTickInterval: 20 * time.Millisecond}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{
		Kind: claude.EventToolInvocation,
		Tool: &claude.ToolInvocation{ID: "tu_1", Name: "Read"},
	})

	rec.waitFor(t, UpdateToolProgress, time.Second)

	// Closing the tool stops the ticker.
	p.Process(ctx, claude.StreamEvent{
		Kind:   claude.EventToolResult,
		Result: &claude.ToolResult{ID: "tu_1", Content: "done"},
	})
	time.Sleep(30 * time.Millisecond)
	before := len(rec.byKind(UpdateToolProgress))
	time.Sleep(60 * time.Millisecond)
	after := len(rec.byKind(UpdateToolProgress))
	if after != before {
		t.Errorf("tool progress continued after the result: %d -> %d", before, after)
	}
}

func TestContextWarningFiresOnceAndResetsOnCompaction(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{
		ContextWindowTokens: 1000,
		ContextWarnFraction: 0.5,
	}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventUsageUpdate, Usage: &claude.Usage{InputTokens: 600}})
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventUsageUpdate, Usage: &claude.Usage{InputTokens: 700}})

	if got := len(rec.byKind(UpdateContextWarning)); got != 1 {
		t.Fatalf("context warning fired %d times, want 1", got)
	}
	if f := p.ContextFraction(); f != 0.7 {
		t.Errorf("ContextFraction = %v, want 0.7", f)
	}

	p.Process(ctx, claude.StreamEvent{
		Kind:    claude.EventCompaction,
		Compact: &claude.CompactionNotice{Trigger: "auto", PreTokens: 700},
	})
	if f := p.ContextFraction(); f != 0 {
		t.Errorf("fraction after compaction = %v, want 0", f)
	}
	if got := len(rec.byKind(UpdateCompaction)); got != 1 {
		t.Errorf("expected a compaction update")
	}

	// Crossing the threshold again after compaction warns again.
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventUsageUpdate, Usage: &claude.Usage{InputTokens: 800}})
	if got := len(rec.byKind(UpdateContextWarning)); got != 2 {
		t.Errorf("context warning after compaction fired %d times total, want 2", got)
	}
}

func TestDecisionDefaultsToDenyAfterWait(t *testing.T) {
	rec := &updateRecorder{}
	sink := newDecisionRecorder()
	p := newTestProcessor(t, Config{DecisionWait: 50 * time.Millisecond}, rec, sink)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))

	start := time.Now()
	p.Process(ctx, claude.StreamEvent{
		Kind: claude.EventPermissionRequest,
		Perm: &claude.PermissionRequest{RequestID: "req-1", Tool: "Bash"},
	})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("decision wait not bounded: blocked %v", elapsed)
	}
	if d, ok := sink.get("req-1"); !ok || d != DecisionDeny {
		t.Errorf("expected default deny delivered, got %v (found=%v)", d, ok)
	}
	prompts := rec.byKind(UpdateDecisionPrompt)
	if len(prompts) != 1 || prompts[0].DecisionKind != DecisionPermission {
		t.Fatalf("expected one permission prompt, got %+v", prompts)
	}
	if p.Status() != StatusStreaming {
		t.Errorf("status after resolved prompt = %s, want streaming", p.Status())
	}
}

func TestResolveDeliversCallerDecision(t *testing.T) {
	rec := &updateRecorder{}
	sink := newDecisionRecorder()
	p := newTestProcessor(t, Config{DecisionWait: 5 * time.Second}, rec, sink)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Process(ctx, claude.StreamEvent{
			Kind: claude.EventPlanProposal,
			Plan: &claude.PlanProposal{RequestID: "req-2", PlanText: "1. do the thing"},
		})
	}()

	rec.waitFor(t, UpdateDecisionPrompt, time.Second)
	if p.Status() != StatusWaitingDecision {
		t.Errorf("status during prompt = %s, want waiting_decision", p.Status())
	}
	p.Resolve("req-2", DecisionAllow)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Process did not return after Resolve")
	}
	if d, ok := sink.get("req-2"); !ok || d != DecisionAllow {
		t.Errorf("expected allow delivered, got %v (found=%v)", d, ok)
	}
}

func TestResolveUnknownRequestIsIgnored(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{}, rec, nil)
	p.Resolve("never-seen", DecisionAllow)
}

func TestTerminalTransitionIsIdempotent(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, resultEvent(false, "all done"))
	p.Process(ctx, resultEvent(false, "all done again"))
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventAssistantText, Text: "late text"})

	terminals := rec.byKind(UpdateTerminal)
	if len(terminals) != 1 {
		t.Fatalf("terminal rendered %d times, want 1", len(terminals))
	}
	outcome := terminals[0].Outcome
	if outcome == nil || outcome.Status != StatusCompleted {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.FinalText != "all done" {
		t.Errorf("outcome kept the wrong result: %q", outcome.FinalText)
	}
	if outcome.SessionID != "s1" {
		t.Errorf("outcome session id = %q, want s1", outcome.SessionID)
	}
	if outcome.CostUSD != 0.42 {
		t.Errorf("outcome cost = %v, want 0.42", outcome.CostUSD)
	}

	if !p.Status().Terminal() {
		t.Errorf("status not terminal after result: %s", p.Status())
	}
}

func TestTerminalStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		event       claude.StreamEvent
		want        RunStatus
		wantCrashed bool
	}{
		{"success result", resultEvent(false, "ok"), StatusCompleted, false},
		{"error result", resultEvent(true, ""), StatusFailed, false},
		{"timeout", claude.StreamEvent{Kind: claude.EventTimeout}, StatusTimedOut, false},
		{"interrupted", claude.StreamEvent{Kind: claude.EventInterrupted}, StatusInterrupted, false},
		{"crash", claude.StreamEvent{Kind: claude.EventCrash}, StatusFailed, true},
		{"spawn error", claude.StreamEvent{Kind: claude.EventSpawnError}, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &updateRecorder{}
			p := newTestProcessor(t, Config{}, rec, nil)
			ctx := context.Background()

			p.Process(ctx, initEvent("s1"))
			p.Process(ctx, tt.event)

			if got := p.Status(); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			out := p.Outcome()
			if out == nil || out.Status != tt.want {
				t.Fatalf("outcome = %+v, want status %s", out, tt.want)
			}
			if out.Crashed != tt.wantCrashed {
				t.Errorf("crashed = %v, want %v", out.Crashed, tt.wantCrashed)
			}
		})
	}
}

func TestTerminalFlushesPendingTextAndClosesTools(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{StreamWindow: time.Hour, ToolTickInterval: 20 * time.Millisecond}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventAssistantText, Text: "last words"})
	p.Process(ctx, claude.StreamEvent{
		Kind: claude.EventToolInvocation,
		Tool: &claude.ToolInvocation{ID: "tu_open", Name: "Bash"},
	})
	p.Process(ctx, resultEvent(false, "done"))

	snaps := rec.byKind(UpdateTextSnapshot)
	if len(snaps) == 0 || snaps[len(snaps)-1].Text != "last words" {
		t.Errorf("pending text not flushed at terminal: %+v", snaps)
	}

	progressBefore := len(rec.byKind(UpdateToolProgress))
	time.Sleep(60 * time.Millisecond)
	if after := len(rec.byKind(UpdateToolProgress)); after != progressBefore {
		t.Errorf("open tool ticker survived the terminal transition")
	}
}

func TestStallNoticeAfterSilence(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{StallNotifyAfter: 40 * time.Millisecond}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	rec.waitFor(t, UpdateStalled, time.Second)
	if p.Status() != StatusStalled {
		t.Errorf("status after stall = %s, want stalled", p.Status())
	}

	// Any event clears the stalled state.
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventAssistantText, Text: "back"})
	if p.Status() != StatusStreaming {
		t.Errorf("status after activity = %s, want streaming", p.Status())
	}
}

func TestThinkingRendered(t *testing.T) {
	rec := &updateRecorder{}
	p := newTestProcessor(t, Config{}, rec, nil)
	ctx := context.Background()

	p.Process(ctx, initEvent("s1"))
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventThinking, Think: &claude.Thinking{Text: "hmm"}})
	p.Process(ctx, claude.StreamEvent{Kind: claude.EventThinking, Think: &claude.Thinking{Redacted: true}})

	thinks := rec.byKind(UpdateThinking)
	if len(thinks) != 2 {
		t.Fatalf("expected 2 thinking updates, got %d", len(thinks))
	}
	if thinks[0].Text != "hmm" || thinks[1].Redacted != true {
		t.Errorf("thinking payloads wrong: %+v", thinks)
	}
}
