package storage

import (
	"context"
	"time"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
)

// ResumeReason records why a session was marked for relaunch.
type ResumeReason string

const (
	ReasonUpgradeRestart ResumeReason = "upgrade-restart"
	ReasonShutdown       ResumeReason = "shutdown"
	ReasonManual         ResumeReason = "manual"
)

// ResumeEntry says the thread's conversation was mid-flight when the
// process exited and should be relaunched at startup.
type ResumeEntry struct {
	ThreadID string       `db:"thread_id"`
	Reason   ResumeReason `db:"reason"`
	MarkedAt time.Time    `db:"marked_at"`
}

// MarkResume records the thread for relaunch at the next startup. Marking
// an already-marked thread replaces the entry.
func (s *Store) MarkResume(ctx context.Context, threadID string, reason ResumeReason) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO resume_entries (thread_id, reason, marked_at)
		VALUES (?, ?, ?)
	`, threadID, reason, time.Now().UTC())
	if err != nil {
		return apperrors.PersistenceError("failed to mark thread for resume", err)
	}
	return nil
}

// UnmarkResume removes the thread's resume entry. No-op when absent.
func (s *Store) UnmarkResume(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_entries WHERE thread_id = ?`, threadID)
	if err != nil {
		return apperrors.PersistenceError("failed to unmark resume entry", err)
	}
	return nil
}

// ListPendingResumes returns entries younger than ttl, oldest first, and
// deletes entries past the ttl so stale marks never trigger a surprise
// relaunch hours later. A ttl of zero disables expiry.
func (s *Store) ListPendingResumes(ctx context.Context, ttl time.Duration) ([]*ResumeEntry, error) {
	if ttl > 0 {
		cutoff := time.Now().UTC().Add(-ttl)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM resume_entries WHERE marked_at < ?`, cutoff); err != nil {
			return nil, apperrors.PersistenceError("failed to expire resume entries", err)
		}
	}

	var entries []*ResumeEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT thread_id, reason, marked_at FROM resume_entries ORDER BY marked_at ASC
	`)
	if err != nil {
		return nil, apperrors.PersistenceError("failed to list resume entries", err)
	}
	return entries, nil
}
