package storage

import (
	"context"
	"time"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
)

// CoordinationEvent is one append-only lounge entry. Seq is assigned by the
// database and is the global total order for the feed.
type CoordinationEvent struct {
	Seq          int64     `db:"seq"`
	SessionLabel string    `db:"session_label"`
	Message      string    `db:"message"`
	Kind         string    `db:"kind"`
	CreatedAt    time.Time `db:"created_at"`
}

// AppendLoungeMessage appends one entry and returns its sequence number.
// Entries beyond maxStored are pruned oldest-first; maxStored <= 0 keeps
// everything.
func (s *Store) AppendLoungeMessage(ctx context.Context, event *CoordinationEvent, maxStored int) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO lounge_messages (session_label, message, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, event.SessionLabel, event.Message, event.Kind, event.CreatedAt)
	if err != nil {
		return 0, apperrors.PersistenceError("failed to append lounge message", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, apperrors.PersistenceError("failed to read lounge sequence", err)
	}
	event.Seq = seq

	if maxStored > 0 {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM lounge_messages WHERE seq NOT IN (
				SELECT seq FROM lounge_messages ORDER BY seq DESC LIMIT ?
			)
		`, maxStored)
		if err != nil {
			return seq, apperrors.PersistenceError("failed to prune lounge messages", err)
		}
	}
	return seq, nil
}

// RecentLoungeMessages returns the newest limit entries in oldest-first
// order, so callers can render or inject them chronologically.
func (s *Store) RecentLoungeMessages(ctx context.Context, limit int) ([]*CoordinationEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	var events []*CoordinationEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT seq, session_label, message, kind, created_at FROM (
			SELECT seq, session_label, message, kind, created_at
			FROM lounge_messages ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, apperrors.PersistenceError("failed to read lounge messages", err)
	}
	return events, nil
}
