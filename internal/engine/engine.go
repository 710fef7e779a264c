// Package engine wires admission, worktree isolation, the subprocess
// runner, and the per-run event processor into the session lifecycle the
// control plane and chat adapters drive.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/claude"
	"github.com/ebibibi/claude-discord/internal/common/config"
	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/events/bus"
	"github.com/ebibibi/claude-discord/internal/lounge"
	"github.com/ebibibi/claude-discord/internal/processor"
	"github.com/ebibibi/claude-discord/internal/resume"
	"github.com/ebibibi/claude-discord/internal/session"
	"github.com/ebibibi/claude-discord/internal/sessionsync"
	"github.com/ebibibi/claude-discord/internal/storage"
	"github.com/ebibibi/claude-discord/internal/worktree"
)

// RendererFactory builds the render callback for a thread's updates.
type RendererFactory func(threadID string) processor.Renderer

// DecisionSinkFactory builds the channel resolved decisions are delivered
// through for a thread. May return nil when no such channel exists.
type DecisionSinkFactory func(threadID string) processor.DecisionSink

// Deps are the engine's collaborators.
type Deps struct {
	Registry  *session.Registry
	Worktrees *worktree.Manager // nil disables isolation
	Store     *storage.Store
	Ledger    *resume.Ledger
	Lounge    *lounge.Service
	Bus       bus.EventBus
	Renderers RendererFactory
	Decisions DecisionSinkFactory
}

// Engine runs sessions.
type Engine struct {
	cfg    *config.Config
	logger *logger.Logger
	deps   Deps

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

type activeRun struct {
	threadID  string
	runner    *claude.Runner
	proc      *processor.Processor
	cancel    context.CancelFunc
	token     *session.Token
	startedAt time.Time
	done      chan struct{}
}

// New creates an engine.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Engine {
	if deps.Renderers == nil {
		deps.Renderers = func(string) processor.Renderer {
			return processor.RenderFunc(func(context.Context, processor.Update) {})
		}
	}
	return &Engine{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "engine")),
		deps:   deps,
		runs:   make(map[string]*activeRun),
	}
}

// StartRequest describes one session launch.
type StartRequest struct {
	ThreadID        string
	Prompt          string
	Description     string
	ResumeSessionID string

	// Renderer overrides the engine's renderer factory for this run.
	Renderer processor.Renderer

	// Block queues the caller behind the admission semaphore instead of
	// rejecting immediately when the engine is at capacity.
	Block bool
}

// StartSession admits, isolates, and launches a session for the thread. It
// returns once the subprocess is running; events flow to the renderer
// asynchronously. Admission failures surface as ErrSessionBusy or
// ErrMaxConcurrentReached so callers can tell "already running" from "at
// capacity" — never a silent drop.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) error {
	if strings.TrimSpace(req.ThreadID) == "" {
		return apperrors.ValidationError("thread_id", "must not be empty")
	}

	description := req.Description
	if description == "" {
		description = firstLine(req.Prompt, 80)
	}

	var token *session.Token
	var err error
	if req.Block {
		token, err = e.deps.Registry.Acquire(ctx, req.ThreadID, description)
	} else {
		token, err = e.deps.Registry.TryAcquire(req.ThreadID, description)
	}
	if err != nil {
		return err
	}

	workingDir, err := e.resolveWorkingDir(ctx, req.ThreadID)
	if err != nil {
		e.deps.Registry.Release(token)
		return err
	}
	if workingDir != "" {
		e.deps.Registry.SetWorkingDir(req.ThreadID, workingDir)
	}

	renderer := req.Renderer
	if renderer == nil {
		renderer = e.deps.Renderers(req.ThreadID)
	}
	var sink processor.DecisionSink
	if e.deps.Decisions != nil {
		sink = e.deps.Decisions(req.ThreadID)
	}

	proc := processor.New(processor.Config{
		ThreadID:            req.ThreadID,
		ContextWindowTokens: e.cfg.Agent.ContextWindowTokens,
		ContextWarnFraction: e.cfg.Agent.ContextWarnFraction,
		DecisionWait:        e.cfg.Agent.DecisionWait(),
		StallNotifyAfter:    e.cfg.Agent.StallNotifyAfter(),
	}, renderer, sink, e.logger)

	runCfg := claude.RunConfig{
		Command:         e.cfg.Agent.Command,
		Model:           e.cfg.Agent.Model,
		PermissionMode:  e.cfg.Agent.PermissionMode,
		WorkingDir:      workingDir,
		Timeout:         e.cfg.Agent.Timeout(),
		ResumeSessionID: req.ResumeSessionID,
		Prompt:          e.buildPrompt(ctx, req.ThreadID, req.Prompt),
		AllowedTools:    e.cfg.Agent.AllowedTools,
		ExtraEnv:        e.subprocessEnv(req.ThreadID),
	}

	runner := claude.NewRunner(e.logger)
	// The run outlives the caller's request context; it is cancelled by
	// InterruptSession or engine shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	events, err := runner.Run(runCtx, runCfg)
	if err != nil {
		cancel()
		e.deps.Registry.Release(token)
		return err
	}

	run := &activeRun{
		threadID:  req.ThreadID,
		runner:    runner,
		proc:      proc,
		cancel:    cancel,
		token:     token,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[req.ThreadID] = run
	e.mu.Unlock()

	e.publishLifecycle(ctx, bus.SubjectSessionStarted, req.ThreadID, map[string]interface{}{
		"description": description,
		"working_dir": workingDir,
		"resumed":     req.ResumeSessionID != "",
	})
	e.announce(ctx, description, lounge.KindStarted, fmt.Sprintf("セッション開始: %s", description))

	e.wg.Add(1)
	go e.supervise(runCtx, run, events, workingDir)
	return nil
}

// resolveWorkingDir acquires the thread's isolated worktree when isolation
// is enabled. Returns "" to run in the process default directory.
func (e *Engine) resolveWorkingDir(ctx context.Context, threadID string) (string, error) {
	if e.deps.Worktrees == nil || !e.deps.Worktrees.IsEnabled() || e.cfg.Worktree.RepoPath == "" {
		return "", nil
	}
	wt, err := e.deps.Worktrees.Acquire(ctx, threadID, e.cfg.Worktree.RepoPath)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to prepare isolated worktree")
	}
	return wt.Path, nil
}

// buildPrompt prepends the mutual-awareness notice and the lounge context
// to the caller's prompt. Both blocks are per-run and never persisted into
// conversation history.
func (e *Engine) buildPrompt(ctx context.Context, threadID, prompt string) string {
	var sections []string
	if notice := e.deps.Registry.ConcurrencyNotice(threadID); notice != "" {
		sections = append(sections, notice)
	}
	if e.deps.Lounge != nil {
		loungeCtx, err := e.deps.Lounge.InjectedContext(ctx, e.cfg.Lounge.ContextCount)
		if err != nil {
			e.logger.Warn("Failed to build lounge context", zap.Error(err))
		} else if loungeCtx != "" {
			sections = append(sections, loungeCtx)
		}
	}
	sections = append(sections, prompt)
	return strings.Join(sections, "\n\n")
}

// subprocessEnv builds the additive entries the spawned agent sees: its
// thread correlation id plus the control-plane address and token for
// self-addressed callbacks.
func (e *Engine) subprocessEnv(threadID string) map[string]string {
	env := map[string]string{
		"SESSIOND_THREAD_ID": threadID,
	}
	if e.cfg.Server.AuthToken != "" {
		env["SESSIOND_API_URL"] = fmt.Sprintf("http://%s:%d", e.cfg.Server.Host, e.cfg.Server.Port)
		env["SESSIOND_API_TOKEN"] = e.cfg.Server.AuthToken
	}
	return env
}

// supervise consumes the run's event stream to completion and performs the
// terminal bookkeeping. Persistence failures are logged, never fatal: they
// degrade resume capability, not the live session.
func (e *Engine) supervise(ctx context.Context, run *activeRun, events <-chan claude.StreamEvent, workingDir string) {
	defer e.wg.Done()
	defer run.cancel()

	for event := range events {
		if event.Kind == claude.EventInit {
			e.persistSessionRecord(ctx, run.threadID, event.SessionID, workingDir)
		}
		run.proc.Process(ctx, event)
	}
	run.proc.Finalize(context.Background())

	outcome := run.proc.Outcome()
	if outcome == nil {
		// The runner guarantees a terminal event; this is a stream that
		// ended under engine shutdown before one arrived.
		outcome = &processor.Outcome{Status: processor.StatusInterrupted}
	}
	e.finishRun(run, outcome, workingDir)
}

func (e *Engine) finishRun(run *activeRun, outcome *processor.Outcome, workingDir string) {
	// Terminal bookkeeping runs under its own context: the run context is
	// already cancelled on interrupt paths.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if outcome.SessionID != "" {
		e.persistSessionRecord(ctx, run.threadID, outcome.SessionID, workingDir)
	}
	// Only natural completion consumes a resume mark. Interrupted and
	// failed runs keep theirs so a shutdown mark written moments before
	// the interrupt still fires at the next startup.
	if outcome.Status == processor.StatusCompleted {
		if err := e.deps.Ledger.Unmark(ctx, run.threadID); err != nil {
			e.logger.Warn("Failed to clear resume entry", zap.String("thread_id", run.threadID), zap.Error(err))
		}
	}
	// A crashed subprocess (died without a result event) is treated like a
	// lost process: the thread is marked so the next startup relaunches it.
	if outcome.Crashed {
		if err := e.deps.Ledger.Mark(ctx, run.threadID, storage.ReasonShutdown); err != nil {
			e.logger.Warn("Failed to mark crashed session for resume",
				zap.String("thread_id", run.threadID), zap.Error(err))
		}
	}

	subject := bus.SubjectSessionCompleted
	kind := lounge.KindCompleted
	message := fmt.Sprintf("セッション完了 (%s)", outcome.Elapsed)
	switch outcome.Status {
	case processor.StatusFailed, processor.StatusTimedOut:
		subject = bus.SubjectSessionFailed
		kind = lounge.KindFailed
		message = fmt.Sprintf("セッション失敗 (%s): %s", outcome.Status, firstLine(outcome.ErrorText, 200))
	case processor.StatusInterrupted:
		subject = bus.SubjectSessionInterrupted
		kind = lounge.KindUpdate
		message = "セッション中断。再開できます"
	}
	e.publishLifecycle(ctx, subject, run.threadID, map[string]interface{}{
		"status":     string(outcome.Status),
		"session_id": outcome.SessionID,
		"cost_usd":   outcome.CostUSD,
		"elapsed":    outcome.Elapsed.String(),
	})
	e.announce(ctx, run.token.Description, kind, message)

	if e.deps.Worktrees != nil && e.deps.Worktrees.IsEnabled() && workingDir != "" {
		if _, err := e.deps.Worktrees.ReleaseIfClean(ctx, run.threadID); err != nil &&
			err != worktree.ErrWorktreeNotFound {
			e.logger.Warn("Failed to release worktree", zap.String("thread_id", run.threadID), zap.Error(err))
		}
	}

	e.mu.Lock()
	if current, ok := e.runs[run.threadID]; ok && current == run {
		delete(e.runs, run.threadID)
	}
	e.mu.Unlock()
	e.deps.Registry.Release(run.token)
	close(run.done)

	e.logger.Info("Session finished",
		zap.String("thread_id", run.threadID),
		zap.String("status", string(outcome.Status)),
		zap.Duration("elapsed", outcome.Elapsed),
	)
}

func (e *Engine) persistSessionRecord(ctx context.Context, threadID, sessionID, workingDir string) {
	err := e.deps.Store.UpsertSession(ctx, &storage.SessionRecord{
		ThreadID:       threadID,
		AgentSessionID: sessionID,
		WorkingDir:     workingDir,
		Model:          e.cfg.Agent.Model,
	})
	if err != nil {
		e.logger.Warn("Failed to persist session record",
			zap.String("thread_id", threadID), zap.Error(err))
	}
}

// InterruptSession gracefully terminates the thread's running session. The
// session record is preserved so the conversation can be resumed.
func (e *Engine) InterruptSession(threadID string) error {
	e.mu.Lock()
	run, ok := e.runs[threadID]
	e.mu.Unlock()
	if !ok {
		return apperrors.NotFound("session", threadID)
	}

	e.logger.Info("Interrupting session", zap.String("thread_id", threadID))
	run.runner.Interrupt()
	run.cancel()
	return nil
}

// Resolve delivers a permission/plan/elicitation decision into the
// thread's waiting run.
func (e *Engine) Resolve(threadID, requestID string, decision processor.Decision) error {
	e.mu.Lock()
	run, ok := e.runs[threadID]
	e.mu.Unlock()
	if !ok {
		return apperrors.NotFound("session", threadID)
	}
	run.proc.Resolve(requestID, decision)
	return nil
}

// SpawnDetachedSession starts a session in a fresh thread and returns the
// generated thread id immediately; the run proceeds asynchronously.
func (e *Engine) SpawnDetachedSession(ctx context.Context, prompt, description string) (string, error) {
	threadID := uuid.New().String()
	err := e.StartSession(ctx, StartRequest{
		ThreadID:    threadID,
		Prompt:      prompt,
		Description: description,
	})
	if err != nil {
		return "", err
	}
	return threadID, nil
}

// MarkForResume records the thread for relaunch at the next startup;
// exposed so sessions can self-mark before an external interruption the
// engine does not control.
func (e *Engine) MarkForResume(ctx context.Context, threadID string, reason storage.ResumeReason) error {
	if reason == "" {
		reason = storage.ReasonManual
	}
	return e.deps.Ledger.Mark(ctx, threadID, reason)
}

// ActiveSession describes one running session.
type ActiveSession struct {
	ThreadID       string               `json:"thread_id"`
	AgentSessionID string               `json:"agent_session_id,omitempty"`
	Description    string               `json:"description,omitempty"`
	WorkingDir     string               `json:"working_dir,omitempty"`
	Status         processor.RunStatus  `json:"status"`
	StartedAt      time.Time            `json:"started_at"`
}

// ListActiveSessions enumerates running sessions, oldest first.
func (e *Engine) ListActiveSessions() []ActiveSession {
	tokens := e.deps.Registry.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveSession, 0, len(tokens))
	for _, token := range tokens {
		active := ActiveSession{
			ThreadID:    token.ThreadID,
			Description: token.Description,
			WorkingDir:  token.WorkingDir,
			StartedAt:   token.StartedAt,
			Status:      processor.StatusStarting,
		}
		if run, ok := e.runs[token.ThreadID]; ok {
			active.Status = run.proc.Status()
			active.AgentSessionID = run.proc.SessionID()
		}
		out = append(out, active)
	}
	return out
}

// ActiveCount implements session.Drainable.
func (e *Engine) ActiveCount() int {
	return e.deps.Registry.ActiveCount()
}

// ResumePending relaunches every session the ledger marked before the
// previous process exited, carrying the standard restart instruction and
// the stored agent session id. Relaunched entries are unmarked; failures
// are logged and left marked for the next startup.
func (e *Engine) ResumePending(ctx context.Context) int {
	entries, err := e.deps.Ledger.PendingEntries(ctx)
	if err != nil {
		e.logger.Error("Failed to read resume ledger", zap.Error(err))
		return 0
	}

	resumed := 0
	for _, entry := range entries {
		sessionID := e.lookupSessionID(ctx, entry.ThreadID)
		err := e.StartSession(ctx, StartRequest{
			ThreadID:        entry.ThreadID,
			Prompt:          resume.Prompt(entry.Reason),
			Description:     "resumed after restart",
			ResumeSessionID: sessionID,
		})
		if err != nil {
			e.logger.Warn("Failed to relaunch marked session",
				zap.String("thread_id", entry.ThreadID),
				zap.String("reason", string(entry.Reason)),
				zap.Error(err))
			continue
		}
		if err := e.deps.Ledger.Unmark(ctx, entry.ThreadID); err != nil {
			e.logger.Warn("Failed to unmark resumed session",
				zap.String("thread_id", entry.ThreadID), zap.Error(err))
		}
		resumed++
	}
	return resumed
}

// lookupSessionID finds the agent session id to resume with: the stored
// record first, then the agent CLI's own transcripts as a fallback for
// records that never saw an init event.
func (e *Engine) lookupSessionID(ctx context.Context, threadID string) string {
	record, err := e.deps.Store.GetSession(ctx, threadID)
	if err != nil {
		return ""
	}
	if record.AgentSessionID != "" {
		return record.AgentSessionID
	}
	if e.cfg.Agent.SessionDir == "" || record.WorkingDir == "" {
		return ""
	}

	sessions, err := sessionsync.Scan(e.cfg.Agent.SessionDir, sessionsync.ScanOptions{})
	if err != nil {
		return ""
	}
	for _, s := range sessions {
		if s.WorkingDir == record.WorkingDir {
			return s.SessionID
		}
	}
	return ""
}

// StartupSweep reconciles leftover worktrees from the previous process
// lifetime, preserving those belonging to sessions awaiting relaunch.
func (e *Engine) StartupSweep(ctx context.Context) {
	if e.deps.Worktrees == nil || !e.deps.Worktrees.IsEnabled() {
		return
	}

	var keep []string
	if entries, err := e.deps.Ledger.PendingEntries(ctx); err == nil {
		for _, entry := range entries {
			keep = append(keep, entry.ThreadID)
		}
	}
	if err := e.deps.Worktrees.SweepOrphans(ctx, keep); err != nil {
		e.logger.Warn("Worktree sweep failed", zap.Error(err))
	}
}

// Shutdown marks every active session for resume, waits for natural
// completion up to the drain deadline, then interrupts the stragglers.
// Resume marks are written BEFORE any termination signal is sent.
func (e *Engine) Shutdown(ctx context.Context, reason storage.ResumeReason) {
	for _, threadID := range e.deps.Registry.ActiveThreads() {
		if err := e.deps.Ledger.Mark(ctx, threadID, reason); err != nil {
			e.logger.Warn("Failed to mark session for resume on shutdown",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	remaining := e.deps.Registry.DrainAll(ctx,
		e.cfg.Resume.DrainDeadline(), e.cfg.Resume.DrainPollInterval())
	if remaining > 0 {
		e.logger.Warn("Forcing interrupt of sessions still active after drain",
			zap.Int("remaining", remaining))
		e.mu.Lock()
		runs := make([]*activeRun, 0, len(e.runs))
		for _, run := range e.runs {
			runs = append(runs, run)
		}
		e.mu.Unlock()
		for _, run := range runs {
			run.runner.Interrupt()
			run.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		e.logger.Error("Supervisors did not finish before shutdown deadline")
	case <-ctx.Done():
	}
}

// DrainAll waits for active sessions to finish naturally and reports how
// many are still running, for the control plane's drain operation.
func (e *Engine) DrainAll(ctx context.Context, deadline time.Duration) int {
	return e.deps.Registry.DrainAll(ctx, deadline, e.cfg.Resume.DrainPollInterval())
}

func (e *Engine) publishLifecycle(ctx context.Context, subject, threadID string, data map[string]interface{}) {
	if e.deps.Bus == nil {
		return
	}
	data["thread_id"] = threadID
	if err := e.deps.Bus.Publish(ctx, subject, bus.NewEvent(subject, "engine", data)); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (e *Engine) announce(ctx context.Context, label, kind, message string) {
	if e.deps.Lounge == nil {
		return
	}
	if _, err := e.deps.Lounge.Announce(ctx, label, message, kind); err != nil {
		e.logger.Warn("Failed to announce to lounge", zap.Error(err))
	}
}

// firstLine returns the first line of s, capped at maxChars.
func firstLine(s string, maxChars int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}
