package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
)

// SessionRecord is the durable counterpart of a live session, used for
// crash recovery and resume.
type SessionRecord struct {
	ThreadID       string    `db:"thread_id"`
	AgentSessionID string    `db:"agent_session_id"`
	WorkingDir     string    `db:"working_dir"`
	Model          string    `db:"model"`
	StartedAt      time.Time `db:"started_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// UpsertSession creates or replaces the record for the thread.
func (s *Store) UpsertSession(ctx context.Context, record *SessionRecord) error {
	now := time.Now().UTC()
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (thread_id, agent_session_id, working_dir, model, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			agent_session_id = excluded.agent_session_id,
			working_dir      = excluded.working_dir,
			model            = excluded.model,
			updated_at       = excluded.updated_at
	`, record.ThreadID, record.AgentSessionID, record.WorkingDir, record.Model, record.StartedAt, record.UpdatedAt)
	if err != nil {
		return apperrors.PersistenceError("failed to upsert session record", err)
	}
	return nil
}

// GetSession retrieves the record for the thread, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, threadID string) (*SessionRecord, error) {
	record := &SessionRecord{}
	err := s.db.GetContext(ctx, record, `
		SELECT thread_id, agent_session_id, working_dir, model, started_at, updated_at
		FROM sessions WHERE thread_id = ?
	`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.PersistenceError("failed to read session record", err)
	}
	return record, nil
}

// DeleteSession removes the record for the thread. Deleting an absent
// record is a no-op.
func (s *Store) DeleteSession(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = ?`, threadID)
	if err != nil {
		return apperrors.PersistenceError("failed to delete session record", err)
	}
	return nil
}

// ListSessions returns all session records, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT thread_id, agent_session_id, working_dir, model, started_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, apperrors.PersistenceError("failed to list session records", err)
	}
	return records, nil
}
