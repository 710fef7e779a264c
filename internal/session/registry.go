// Package session tracks which conversation threads currently have a
// running agent process and bounds how many may run at once.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/common/logger"
)

// Token is the proof of admission for one run. Hold it for the duration of
// the run and return it with Release exactly once.
type Token struct {
	ThreadID    string
	Description string
	WorkingDir  string
	StartedAt   time.Time

	released bool
}

// Registry is the process-wide map of active sessions plus the admission
// semaphore. All methods are safe for concurrent use.
type Registry struct {
	logger *logger.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*Token
}

// NewRegistry creates a registry admitting at most maxConcurrent sessions.
func NewRegistry(maxConcurrent int, log *logger.Logger) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Registry{
		logger: log.WithFields(zap.String("component", "session-registry")),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		active: make(map[string]*Token),
	}
}

// TryAcquire admits the thread without blocking. It returns ErrSessionBusy
// when the thread already has a running session and ErrMaxConcurrentReached
// when the engine is at capacity.
func (r *Registry) TryAcquire(threadID, description string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[threadID]; exists {
		return nil, apperrors.ErrSessionBusy
	}
	if !r.sem.TryAcquire(1) {
		return nil, apperrors.ErrMaxConcurrentReached
	}
	return r.recordLocked(threadID, description), nil
}

// Acquire admits the thread, blocking until a slot frees or ctx is done.
// A thread that already has a running session is rejected immediately with
// ErrSessionBusy rather than queued behind itself.
func (r *Registry) Acquire(ctx context.Context, threadID, description string) (*Token, error) {
	r.mu.Lock()
	if _, exists := r.active[threadID]; exists {
		r.mu.Unlock()
		return nil, apperrors.ErrSessionBusy
	}
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[threadID]; exists {
		// Someone else started this thread while we were queued.
		r.sem.Release(1)
		return nil, apperrors.ErrSessionBusy
	}
	return r.recordLocked(threadID, description), nil
}

// recordLocked registers the token. Caller holds r.mu and the semaphore slot.
func (r *Registry) recordLocked(threadID, description string) *Token {
	token := &Token{
		ThreadID:    threadID,
		Description: description,
		StartedAt:   time.Now(),
	}
	r.active[threadID] = token
	r.logger.Info("Session admitted",
		zap.String("thread_id", threadID),
		zap.Int("active", len(r.active)),
	)
	return token
}

// Release returns the token's slot. Double release is a no-op.
func (r *Registry) Release(token *Token) {
	if token == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if token.released {
		return
	}
	token.released = true
	if current, ok := r.active[token.ThreadID]; ok && current == token {
		delete(r.active, token.ThreadID)
	}
	r.sem.Release(1)
	r.logger.Info("Session released",
		zap.String("thread_id", token.ThreadID),
		zap.Int("active", len(r.active)),
	)
}

// SetWorkingDir records the resolved working directory for the session so
// other sessions can see what it is operating on.
func (r *Registry) SetWorkingDir(threadID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.active[threadID]; ok {
		token.WorkingDir = dir
	}
}

// SetDescription replaces the session's advisory description.
func (r *Registry) SetDescription(threadID, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.active[threadID]; ok {
		token.Description = description
	}
}

// IsActive reports whether the thread currently has a running session.
func (r *Registry) IsActive(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[threadID]
	return ok
}

// ActiveCount returns the number of running sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveThreads returns the thread ids of all running sessions, sorted.
func (r *Registry) ActiveThreads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns copies of all active tokens, oldest first.
func (r *Registry) Snapshot() []Token {
	r.mu.Lock()
	out := make([]Token, 0, len(r.active))
	for _, token := range r.active {
		out = append(out, *token)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Others returns copies of all active tokens except the given thread,
// oldest first.
func (r *Registry) Others(threadID string) []Token {
	all := r.Snapshot()
	out := make([]Token, 0, len(all))
	for _, token := range all {
		if token.ThreadID != threadID {
			out = append(out, token)
		}
	}
	return out
}
