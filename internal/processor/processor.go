package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/claude"
	"github.com/ebibibi/claude-discord/internal/common/logger"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultToolTickInterval   = 10 * time.Second
	defaultToolResultMaxChars = 3000
	defaultStreamWindow       = 1500 * time.Millisecond
	defaultStreamMaxChars     = 1900
	defaultDecisionWait       = 2 * time.Minute
)

// Config parameterizes one run's processor.
type Config struct {
	ThreadID            string
	ContextWindowTokens int
	ContextWarnFraction float64
	DecisionWait        time.Duration
	StallNotifyAfter    time.Duration
	ToolTickInterval    time.Duration
	ToolResultMaxChars  int
	StreamWindow        time.Duration
	StreamMaxChars      int
}

// openTool tracks a tool invocation awaiting its result.
type openTool struct {
	inv       *claude.ToolInvocation
	startedAt time.Time
	stop      chan struct{}
}

// Processor is the per-run state machine. One instance per run; feed it
// every event from the runner in order, then call Finalize.
type Processor struct {
	cfg      Config
	renderer Renderer
	sink     DecisionSink
	logger   *logger.Logger
	stream   *StreamBuffer

	mu            sync.Mutex
	status        RunStatus
	sessionID     string
	startedAt     time.Time
	lastUsage     claude.Usage
	contextWarned bool
	compactions   int
	completed     bool
	openTools     map[string]*openTool
	decisions     map[string]chan Decision
	stallTimer    *time.Timer
	finalOutcome  *Outcome
}

// New creates a processor for one run. sink may be nil when no decision
// channel exists; defaulted denies are then only rendered.
func New(cfg Config, renderer Renderer, sink DecisionSink, log *logger.Logger) *Processor {
	if cfg.ToolTickInterval <= 0 {
		cfg.ToolTickInterval = defaultToolTickInterval
	}
	if cfg.ToolResultMaxChars <= 0 {
		cfg.ToolResultMaxChars = defaultToolResultMaxChars
	}
	if cfg.StreamWindow <= 0 {
		cfg.StreamWindow = defaultStreamWindow
	}
	if cfg.StreamMaxChars <= 0 {
		cfg.StreamMaxChars = defaultStreamMaxChars
	}
	if cfg.DecisionWait <= 0 {
		cfg.DecisionWait = defaultDecisionWait
	}

	return &Processor{
		cfg:       cfg,
		renderer:  renderer,
		sink:      sink,
		logger:    log.WithFields(zap.String("component", "processor"), zap.String("thread_id", cfg.ThreadID)),
		stream:    NewStreamBuffer(cfg.ThreadID, cfg.StreamWindow, cfg.StreamMaxChars, renderer),
		status:    StatusStarting,
		startedAt: time.Now(),
		openTools: make(map[string]*openTool),
		decisions: make(map[string]chan Decision),
	}
}

// SessionID returns the agent session id, set on the first init event and
// immutable for the rest of the run.
func (p *Processor) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Status returns the current state machine position.
func (p *Processor) Status() RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Outcome returns the terminal outcome, or nil while the run is live.
func (p *Processor) Outcome() *Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalOutcome
}

// ContextFraction returns the fraction of the context window consumed by
// input and cache tokens.
func (p *Processor) ContextFraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contextFractionLocked()
}

func (p *Processor) contextFractionLocked() float64 {
	if p.cfg.ContextWindowTokens <= 0 {
		return 0
	}
	used := p.lastUsage.InputTokens + p.lastUsage.CacheReadTokens
	return float64(used) / float64(p.cfg.ContextWindowTokens)
}

// Process dispatches one stream event. Decision events block until resolved
// or the bounded wait elapses with a default deny; everything else returns
// promptly. Events after a terminal event are dropped.
func (p *Processor) Process(ctx context.Context, event claude.StreamEvent) {
	p.touchStallTimer(ctx)

	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		p.logger.Debug("Event after terminal, dropped", zap.String("kind", string(event.Kind)))
		return
	}
	p.mu.Unlock()

	switch event.Kind {
	case claude.EventInit:
		p.onInit(ctx, event)
	case claude.EventAssistantText:
		p.updateUsage(ctx, event.Usage)
		p.stream.Add(ctx, event.Text)
	case claude.EventToolInvocation:
		p.updateUsage(ctx, event.Usage)
		p.stream.Add(ctx, event.Text)
		p.onToolInvocation(ctx, event.Tool)
	case claude.EventToolResult:
		p.onToolResult(ctx, event.Result)
	case claude.EventThinking:
		p.renderer.Render(ctx, Update{
			Kind:     UpdateThinking,
			ThreadID: p.cfg.ThreadID,
			Text:     event.Think.Text,
			Redacted: event.Think.Redacted,
		})
	case claude.EventUsageUpdate:
		p.updateUsage(ctx, event.Usage)
	case claude.EventCompaction:
		p.onCompaction(ctx, event.Compact)
	case claude.EventPermissionRequest:
		p.awaitDecision(ctx, DecisionPermission, event.Perm.RequestID, Update{
			Kind:         UpdateDecisionPrompt,
			ThreadID:     p.cfg.ThreadID,
			DecisionKind: DecisionPermission,
			RequestID:    event.Perm.RequestID,
			Tool:         &claude.ToolInvocation{Name: event.Perm.Tool, Input: event.Perm.Input},
		})
	case claude.EventPlanProposal:
		p.awaitDecision(ctx, DecisionPlan, event.Plan.RequestID, Update{
			Kind:         UpdateDecisionPrompt,
			ThreadID:     p.cfg.ThreadID,
			DecisionKind: DecisionPlan,
			RequestID:    event.Plan.RequestID,
			PlanText:     event.Plan.PlanText,
		})
	case claude.EventElicitation:
		p.awaitDecision(ctx, DecisionElicitation, event.Elicit.RequestID, Update{
			Kind:         UpdateDecisionPrompt,
			ThreadID:     p.cfg.ThreadID,
			DecisionKind: DecisionElicitation,
			RequestID:    event.Elicit.RequestID,
			Prompt:       event.Elicit.Prompt,
		})
	case claude.EventResult, claude.EventTimeout, claude.EventInterrupted,
		claude.EventCrash, claude.EventSpawnError:
		p.updateUsage(ctx, event.Usage)
		p.onTerminal(ctx, event)
	case claude.EventMalformed:
		p.logger.Debug("Malformed event skipped", zap.String("raw", event.Raw))
	case claude.EventUnknown:
		p.logger.Debug("Unknown event skipped", zap.String("raw", event.Raw))
	}
}

// Resolve delivers a caller decision for a pending prompt. Unknown or
// already-resolved correlation ids are ignored.
func (p *Processor) Resolve(requestID string, decision Decision) {
	p.mu.Lock()
	ch, ok := p.decisions[requestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- decision:
	default:
	}
}

// Finalize stops timers and flushes pending output. Call it on every exit
// path; it is safe to call more than once.
func (p *Processor) Finalize(ctx context.Context) {
	p.mu.Lock()
	for id, tool := range p.openTools {
		close(tool.stop)
		delete(p.openTools, id)
	}
	if p.stallTimer != nil {
		p.stallTimer.Stop()
		p.stallTimer = nil
	}
	p.mu.Unlock()
	p.stream.Close(ctx)
}

func (p *Processor) onInit(ctx context.Context, event claude.StreamEvent) {
	p.mu.Lock()
	if p.sessionID == "" {
		p.sessionID = event.SessionID
	}
	p.status = StatusStreaming
	p.mu.Unlock()

	p.renderer.Render(ctx, Update{
		Kind:      UpdateSessionStarted,
		ThreadID:  p.cfg.ThreadID,
		SessionID: event.SessionID,
	})
}

func (p *Processor) onToolInvocation(ctx context.Context, inv *claude.ToolInvocation) {
	if inv == nil {
		return
	}

	tool := &openTool{inv: inv, startedAt: time.Now(), stop: make(chan struct{})}
	p.mu.Lock()
	p.openTools[inv.ID] = tool
	p.mu.Unlock()

	p.renderer.Render(ctx, Update{
		Kind:     UpdateToolStarted,
		ThreadID: p.cfg.ThreadID,
		Tool:     inv,
		ToolID:   inv.ID,
	})

	// Periodic elapsed-time updates while the tool stays open.
	go func() {
		ticker := time.NewTicker(p.cfg.ToolTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tool.stop:
				return
			case <-ticker.C:
				p.renderer.Render(ctx, Update{
					Kind:        UpdateToolProgress,
					ThreadID:    p.cfg.ThreadID,
					Tool:        inv,
					ToolID:      inv.ID,
					ToolElapsed: time.Since(tool.startedAt).Round(time.Second),
				})
			}
		}
	}()
}

func (p *Processor) onToolResult(ctx context.Context, result *claude.ToolResult) {
	if result == nil {
		return
	}

	p.mu.Lock()
	tool, ok := p.openTools[result.ID]
	if ok {
		close(tool.stop)
		delete(p.openTools, result.ID)
	}
	p.mu.Unlock()
	if !ok {
		// Result for a tool we never saw open; render it anyway.
		p.logger.Debug("Tool result without open invocation", zap.String("tool_id", result.ID))
	}

	update := Update{
		Kind:        UpdateToolFinished,
		ThreadID:    p.cfg.ThreadID,
		ToolID:      result.ID,
		ToolOutput:  truncateResult(result.Content, p.cfg.ToolResultMaxChars),
		ToolIsError: result.IsError,
	}
	if tool != nil {
		update.Tool = tool.inv
		update.ToolElapsed = time.Since(tool.startedAt).Round(time.Second)
	}
	p.renderer.Render(ctx, update)
}

func (p *Processor) onCompaction(ctx context.Context, notice *claude.CompactionNotice) {
	if notice == nil {
		return
	}

	p.mu.Lock()
	p.compactions++
	// Compaction resets the accounting baseline; the next usage report
	// reflects the compacted context.
	p.lastUsage = claude.Usage{}
	p.contextWarned = false
	p.mu.Unlock()

	p.renderer.Render(ctx, Update{
		Kind:           UpdateCompaction,
		ThreadID:       p.cfg.ThreadID,
		CompactTrigger: notice.Trigger,
		CompactTokens:  notice.PreTokens,
	})
}

func (p *Processor) updateUsage(ctx context.Context, usage *claude.Usage) {
	if usage == nil {
		return
	}

	p.mu.Lock()
	p.lastUsage = *usage
	fraction := p.contextFractionLocked()
	warn := !p.contextWarned && p.cfg.ContextWarnFraction > 0 && fraction >= p.cfg.ContextWarnFraction
	if warn {
		p.contextWarned = true
	}
	p.mu.Unlock()

	if warn {
		p.renderer.Render(ctx, Update{
			Kind:            UpdateContextWarning,
			ThreadID:        p.cfg.ThreadID,
			ContextFraction: fraction,
		})
	}
}

// awaitDecision suspends the run in a waiting state until the caller
// resolves the prompt or the bounded wait elapses with a default deny.
func (p *Processor) awaitDecision(ctx context.Context, kind DecisionKind, requestID string, prompt Update) {
	ch := make(chan Decision, 1)
	p.mu.Lock()
	p.status = StatusWaitingDecision
	p.decisions[requestID] = ch
	p.mu.Unlock()

	// Flush streamed text so the prompt appears after the context it follows.
	p.stream.Flush(ctx)
	p.renderer.Render(ctx, prompt)

	decision := DecisionDeny
	timer := time.NewTimer(p.cfg.DecisionWait)
	defer timer.Stop()
	select {
	case d := <-ch:
		decision = d
	case <-timer.C:
		p.logger.Warn("Decision prompt timed out, applying default deny",
			zap.String("request_id", requestID),
			zap.String("decision_kind", string(kind)),
		)
	case <-ctx.Done():
	}

	p.mu.Lock()
	delete(p.decisions, requestID)
	if !p.completed {
		p.status = StatusStreaming
	}
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.Deliver(requestID, decision); err != nil {
			p.logger.Warn("Failed to deliver decision", zap.Error(err))
		}
	}
}

// onTerminal applies the terminal transition exactly once.
func (p *Processor) onTerminal(ctx context.Context, event claude.StreamEvent) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true

	status := StatusCompleted
	switch event.Kind {
	case claude.EventTimeout:
		status = StatusTimedOut
	case claude.EventInterrupted:
		status = StatusInterrupted
	case claude.EventCrash, claude.EventSpawnError:
		status = StatusFailed
	case claude.EventResult:
		if event.Final != nil && event.Final.IsError {
			status = StatusFailed
		}
	}
	p.status = status

	outcome := &Outcome{
		Status:    status,
		SessionID: p.sessionID,
		Elapsed:   time.Since(p.startedAt).Round(time.Second),
		Usage:     p.lastUsage,
		Crashed:   event.Kind == claude.EventCrash,
	}
	if event.SessionID != "" && outcome.SessionID == "" {
		outcome.SessionID = event.SessionID
	}
	if event.Final != nil {
		outcome.FinalText = event.Final.FinalText
		outcome.ErrorText = event.Final.ErrorText
		outcome.CostUSD = event.Final.CostUSD
	}
	p.finalOutcome = outcome

	// Open tool entries at completion are legal; just discard them.
	for id, tool := range p.openTools {
		close(tool.stop)
		delete(p.openTools, id)
	}
	if p.stallTimer != nil {
		p.stallTimer.Stop()
		p.stallTimer = nil
	}
	p.mu.Unlock()

	p.stream.Flush(ctx)
	p.renderer.Render(ctx, Update{
		Kind:     UpdateTerminal,
		ThreadID: p.cfg.ThreadID,
		Outcome:  outcome,
	})
}

// touchStallTimer restarts the silence watchdog; when it fires, one stall
// notice is rendered. Any subsequent event clears the stalled state.
func (p *Processor) touchStallTimer(ctx context.Context) {
	if p.cfg.StallNotifyAfter <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	if p.status == StatusStalled {
		p.status = StatusStreaming
	}
	if p.stallTimer != nil {
		p.stallTimer.Stop()
	}
	p.stallTimer = time.AfterFunc(p.cfg.StallNotifyAfter, func() {
		p.mu.Lock()
		if p.completed || p.status == StatusWaitingDecision {
			p.mu.Unlock()
			return
		}
		p.status = StatusStalled
		silent := p.cfg.StallNotifyAfter
		p.mu.Unlock()

		p.renderer.Render(ctx, Update{
			Kind:     UpdateStalled,
			ThreadID: p.cfg.ThreadID,
			Silent:   silent,
		})
	})
}

func truncateResult(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	return content[:maxChars] + "\n... (truncated)"
}
