package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/logger"
)

// Worktree describes one thread's isolated working copy.
type Worktree struct {
	ThreadID       string
	RepositoryPath string
	Path           string
	Branch         string
	CreatedAt      time.Time
}

// Manager handles Git worktree operations for concurrent agent sessions.
// Each thread gets its own working copy so concurrent sessions never share
// a working tree. Dirty worktrees are never deleted automatically.
type Manager struct {
	config     Config
	logger     *logger.Logger
	worktrees  map[string]*Worktree // threadID -> worktree
	mu         sync.RWMutex
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a new worktree manager and ensures the base directory
// exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// IsEnabled returns whether worktree isolation is enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

// getRepoLock returns a mutex for the given repository path. Git worktree
// operations on one repository must not run concurrently.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Acquire returns the thread's isolated working copy, creating it if needed.
// Idempotent: an existing, still-valid worktree for the thread is reused.
func (m *Manager) Acquire(ctx context.Context, threadID, repoPath string) (*Worktree, error) {
	if SanitizeForPath(threadID) == "" {
		return nil, ErrInvalidThread
	}

	m.mu.RLock()
	cached, ok := m.worktrees[threadID]
	m.mu.RUnlock()
	if ok && m.IsValid(cached.Path) {
		m.logger.Info("reusing existing worktree",
			zap.String("thread_id", threadID),
			zap.String("path", cached.Path))
		return cached, nil
	}

	if !m.isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}

	worktreePath, err := m.config.WorktreePath(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree path: %w", err)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// Directory from a previous process lifetime that still looks like a
	// worktree: adopt it instead of recreating.
	if m.IsValid(worktreePath) {
		wt := &Worktree{
			ThreadID:       threadID,
			RepositoryPath: repoPath,
			Path:           worktreePath,
			Branch:         m.config.BranchName(threadID),
			CreatedAt:      time.Now(),
		}
		m.mu.Lock()
		m.worktrees[threadID] = wt
		m.mu.Unlock()
		m.logger.Info("adopted existing worktree directory",
			zap.String("thread_id", threadID),
			zap.String("path", worktreePath))
		return wt, nil
	}

	branch := m.config.BranchName(threadID)
	wt, err := m.createWorktree(ctx, threadID, repoPath, worktreePath, branch)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.worktrees[threadID] = wt
	m.mu.Unlock()
	return wt, nil
}

// createWorktree performs the actual git worktree creation. Caller holds the
// repo lock.
func (m *Manager) createWorktree(ctx context.Context, threadID, repoPath, worktreePath, branch string) (*Worktree, error) {
	// git worktree add -b <branch> <path> — branches off the repo's HEAD.
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	cmd.Dir = repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		// The branch may survive from an earlier run whose directory is
		// gone; retry attaching to it.
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		if pruneErr := prune.Run(); pruneErr != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(pruneErr))
		}

		retry := exec.CommandContext(ctx, "git", "worktree", "add", worktreePath, branch)
		retry.Dir = repoPath
		retryOutput, retryErr := retry.CombinedOutput()
		if retryErr != nil {
			m.logger.Error("git worktree add failed",
				zap.String("output", string(output)),
				zap.String("retry_output", string(retryOutput)),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
		}
	}

	wt := &Worktree{
		ThreadID:       threadID,
		RepositoryPath: repoPath,
		Path:           worktreePath,
		Branch:         branch,
		CreatedAt:      time.Now(),
	}

	m.logger.Info("created worktree",
		zap.String("thread_id", threadID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return wt, nil
}

// Get returns the thread's worktree, if one is registered.
func (m *Manager) Get(threadID string) (*Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if wt, ok := m.worktrees[threadID]; ok {
		return wt, nil
	}
	return nil, ErrWorktreeNotFound
}

// IsValid checks if a worktree directory is valid and usable.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file (not directory) containing "gitdir: <path>".
	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// IsClean reports whether the worktree has no uncommitted changes. Any
// failure to determine the state counts as dirty: when in doubt, the
// worktree is preserved.
func (m *Manager) IsClean(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		m.logger.Warn("git status failed, treating worktree as dirty",
			zap.String("path", path),
			zap.Error(err))
		return false
	}
	return len(strings.TrimSpace(string(output))) == 0
}

// ReleaseIfClean deletes the thread's worktree only when it has no
// uncommitted changes. A dirty worktree is never deleted automatically,
// regardless of caller or shutdown reason; it is left for manual cleanup.
// Returns whether the worktree was removed.
func (m *Manager) ReleaseIfClean(ctx context.Context, threadID string) (bool, error) {
	m.mu.RLock()
	wt, ok := m.worktrees[threadID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrWorktreeNotFound
	}

	if !m.IsClean(ctx, wt.Path) {
		m.logger.Warn("worktree has uncommitted changes, keeping it",
			zap.String("thread_id", threadID),
			zap.String("path", wt.Path))
		// Drop it from the registry so a future Acquire re-adopts the
		// directory; the files stay on disk.
		m.mu.Lock()
		delete(m.worktrees, threadID)
		m.mu.Unlock()
		return false, nil
	}

	repoLock := m.getRepoLock(wt.RepositoryPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, wt.RepositoryPath); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.worktrees, threadID)
	m.mu.Unlock()

	m.logger.Info("removed clean worktree",
		zap.String("thread_id", threadID),
		zap.String("path", wt.Path))
	return true, nil
}

// SweepOrphans reconciles worktrees left over from a previous process
// lifetime. Directories under the base path that do not belong to an active
// thread are removed if clean; dirty ones are kept and reported.
func (m *Manager) SweepOrphans(ctx context.Context, activeThreads []string) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("failed to expand base path: %w", err)
	}

	activeSet := make(map[string]bool, len(activeThreads))
	for _, threadID := range activeThreads {
		activeSet[SanitizeForPath(threadID)] = true
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || activeSet[entry.Name()] {
			continue
		}
		orphanPath := filepath.Join(basePath, entry.Name())

		if !m.IsValid(orphanPath) {
			m.logger.Warn("orphaned directory is not a valid worktree, skipping",
				zap.String("path", orphanPath))
			continue
		}
		if !m.IsClean(ctx, orphanPath) {
			m.logger.Warn("orphaned worktree has uncommitted changes, keeping it",
				zap.String("path", orphanPath))
			continue
		}

		repoPath, err := m.resolveRepoPath(ctx, orphanPath)
		if err != nil {
			m.logger.Warn("could not resolve repository for orphaned worktree",
				zap.String("path", orphanPath),
				zap.Error(err))
			continue
		}

		m.logger.Info("removing orphaned clean worktree",
			zap.String("path", orphanPath))
		if err := m.removeWorktreeDir(ctx, orphanPath, repoPath); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("path", orphanPath),
				zap.Error(err))
		}
	}

	return nil
}

// isGitRepo checks if a path is a Git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// resolveRepoPath finds the main repository a worktree belongs to.
func (m *Manager) resolveRepoPath(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--path-format=absolute", "--git-common-dir")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGitCommandFailed, err)
	}
	gitDir := strings.TrimSpace(string(output))
	return filepath.Dir(gitDir), nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove.
// It is only ever called for worktrees already verified clean.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		// Prune stale worktree entries
		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}
