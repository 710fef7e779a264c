package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/logger"
)

const (
	// maxLineSize bounds a single stream-json line; tool results can be large.
	maxLineSize = 10 * 1024 * 1024

	// stderrCaptureLimit bounds how much stderr is kept for crash reports.
	stderrCaptureLimit = 4 * 1024

	// terminateGrace is how long a terminated subprocess gets before SIGKILL.
	terminateGrace = 5 * time.Second
)

// Runner owns one agent subprocess invocation. It is single-use: a new run
// requires a new Runner.
type Runner struct {
	logger *logger.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	interrupted bool
}

// NewRunner creates a runner for a single invocation.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{
		logger: log.WithFields(zap.String("component", "claude-runner")),
	}
}

// Run spawns the agent subprocess and streams parsed events on the returned
// channel. The channel always ends with exactly one terminal event and is
// then closed; spawn failures arrive as a terminal event, not an error.
// The only synchronous error is config validation.
//
// Cancelling ctx interrupts the run. On every exit path the subprocess is
// terminated and reaped before the channel closes.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (<-chan StreamEvent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 64)

	cmd := exec.Command(cfg.Command, cfg.Args()...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		go func() {
			events <- StreamEvent{Kind: EventSpawnError, Final: &Result{
				IsError: true, ErrorText: fmt.Sprintf("stdout pipe: %v", err),
			}}
			close(events)
		}()
		return events, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		go func() {
			events <- StreamEvent{Kind: EventSpawnError, Final: &Result{
				IsError: true, ErrorText: fmt.Sprintf("stderr pipe: %v", err),
			}}
			close(events)
		}()
		return events, nil
	}

	if err := cmd.Start(); err != nil {
		r.logger.Error("Failed to start agent subprocess",
			zap.String("command", cfg.Command),
			zap.Error(err),
		)
		go func() {
			events <- StreamEvent{Kind: EventSpawnError, Final: &Result{
				IsError: true, ErrorText: fmt.Sprintf("failed to start %s: %v", cfg.Command, err),
			}}
			close(events)
		}()
		return events, nil
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	r.logger.Info("Agent subprocess started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("working_dir", cfg.WorkingDir),
		zap.Bool("resume", cfg.ResumeSessionID != ""),
	)

	// Collect a bounded stderr tail for crash diagnostics.
	stderrBuf := newCappedBuffer(stderrCaptureLimit)
	go func() {
		_, _ = io.Copy(stderrBuf, stderr)
	}()

	// Scanner goroutine feeds raw lines; the supervisor below owns timeout,
	// cancellation, and the cleanup guarantee.
	lines := make(chan []byte, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
	}()

	go r.supervise(ctx, cfg, lines, stderrBuf, events)

	return events, nil
}

// supervise consumes lines until a terminal condition, then guarantees the
// subprocess is reaped before closing the event channel.
func (r *Runner) supervise(ctx context.Context, cfg RunConfig, lines <-chan []byte, stderrBuf *cappedBuffer, events chan<- StreamEvent) {
	defer close(events)
	defer r.reap()

	timeout := time.NewTimer(cfg.Timeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			r.terminate()
			drainLines(lines)
			events <- StreamEvent{Kind: EventInterrupted, Final: &Result{
				IsError: true, ErrorText: "run interrupted",
			}}
			return

		case <-timeout.C:
			r.logger.Warn("Agent subprocess timed out",
				zap.Duration("timeout", cfg.Timeout))
			r.terminate()
			drainLines(lines)
			events <- StreamEvent{Kind: EventTimeout, Final: &Result{
				IsError: true, ErrorText: fmt.Sprintf("no output for %s", cfg.Timeout),
			}}
			return

		case line, ok := <-lines:
			if !ok {
				// EOF without a result event: classify the exit.
				events <- r.classifyExit(stderrBuf)
				return
			}
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(cfg.Timeout)

			event := Parse(line)
			if event.Kind == EventMalformed && event.Raw == "" {
				continue // blank line
			}
			if event.Kind == EventMalformed {
				r.logger.Warn("Malformed stream line", zap.String("line", event.Raw))
			}
			events <- event
			if event.Kind.Terminal() {
				return
			}
		}
	}
}

// classifyExit distinguishes an interrupt, a crash, and a silent exit once
// stdout closes without a result event.
func (r *Runner) classifyExit(stderrBuf *cappedBuffer) StreamEvent {
	err := r.wait(10 * time.Second)

	r.mu.Lock()
	interrupted := r.interrupted
	r.mu.Unlock()

	if interrupted {
		return StreamEvent{Kind: EventInterrupted, Final: &Result{
			IsError: true, ErrorText: "run interrupted",
		}}
	}

	stderrText := stderrBuf.String()
	if err != nil {
		r.logger.Error("Agent subprocess exited abnormally",
			zap.Error(err),
			zap.String("stderr", stderrText),
		)
		return StreamEvent{Kind: EventCrash, Final: &Result{
			IsError: true, ErrorText: fmt.Sprintf("agent exited abnormally: %v: %s", err, stderrText),
		}}
	}
	return StreamEvent{Kind: EventCrash, Final: &Result{
		IsError: true, ErrorText: "agent exited without a result event",
	}}
}

// Interrupt terminates the subprocess. The event stream ends promptly with
// an interruption marker.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
	r.terminate()
}

// terminate sends SIGTERM, escalating to SIGKILL after the grace period.
func (r *Runner) terminate() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}
	go func() {
		time.Sleep(terminateGrace)
		_ = cmd.Process.Kill()
	}()
}

// wait blocks for process exit up to the given bound, killing on overrun.
func (r *Runner) wait(bound time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(bound):
		_ = cmd.Process.Kill()
		return <-done
	}
}

// reap guarantees the subprocess is gone, on every exit path.
func (r *Runner) reap() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if cmd.ProcessState != nil {
		return // already waited
	}
	r.terminate()
	_ = r.wait(terminateGrace + time.Second)
}

func drainLines(lines <-chan []byte) {
	for range lines {
	}
}

// cappedBuffer keeps at most limit bytes of what is written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
