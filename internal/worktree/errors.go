// Package worktree provides Git worktree isolation for concurrent agent sessions.
package worktree

import "errors"

var (
	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrInvalidThread is returned when the thread ID is empty or unusable
	// as a directory name.
	ErrInvalidThread = errors.New("invalid or empty thread ID")
)
