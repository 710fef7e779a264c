// Package resume records which conversations were mid-flight when the
// process exited, so startup can relaunch them.
package resume

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/storage"
)

// DefaultTTL bounds how old a resume mark may be before startup ignores it.
// A stale mark must never trigger a surprise relaunch after long downtime.
const DefaultTTL = 5 * time.Minute

// Ledger is the durable record of sessions awaiting relaunch.
type Ledger struct {
	store  *storage.Store
	ttl    time.Duration
	logger *logger.Logger
}

// NewLedger creates a ledger. ttl <= 0 uses DefaultTTL.
func NewLedger(store *storage.Store, ttl time.Duration, log *logger.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		store:  store,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "resume-ledger")),
	}
}

// Mark records the thread for relaunch. Re-marking replaces the entry, so
// only one pending resume per thread can exist at a time.
func (l *Ledger) Mark(ctx context.Context, threadID string, reason storage.ResumeReason) error {
	if err := l.store.MarkResume(ctx, threadID, reason); err != nil {
		return err
	}
	l.logger.Info("Thread marked for resume",
		zap.String("thread_id", threadID),
		zap.String("reason", string(reason)),
	)
	return nil
}

// Unmark removes the thread's entry after a successful relaunch.
func (l *Ledger) Unmark(ctx context.Context, threadID string) error {
	return l.store.UnmarkResume(ctx, threadID)
}

// PendingEntries returns entries still within the TTL window, oldest first.
// Entries past the TTL are pruned.
func (l *Ledger) PendingEntries(ctx context.Context) ([]*storage.ResumeEntry, error) {
	return l.store.ListPendingResumes(ctx, l.ttl)
}

// Prompt returns the standard "the process restarted, please continue"
// instruction carried by a relaunch for the given reason.
func Prompt(reason storage.ResumeReason) string {
	switch reason {
	case storage.ReasonUpgradeRestart:
		return "プロセスがパッケージアップグレードのため再起動しました。" +
			"前の作業の続きを確認し、必要な残作業があれば完了してください。"
	case storage.ReasonManual:
		return "セッションが外部要因で中断される前に再開予約されました。" +
			"前の作業の続きを確認し、必要な残作業があれば完了してください。"
	default:
		return "プロセスが再起動しました。" +
			"前の作業の続きを確認し、必要な残作業があれば完了してください。"
	}
}
