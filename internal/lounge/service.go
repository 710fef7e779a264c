// Package lounge is the coordination channel shared by concurrent agent
// sessions: an append-only feed where sessions announce what they are doing,
// plus the context block injected into new sessions so they arrive knowing
// who else is around.
package lounge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/events/bus"
	"github.com/ebibibi/claude-discord/internal/storage"
)

// Kind classifies a lounge announcement.
const (
	KindStarted   = "started"
	KindUpdate    = "update"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

const (
	maxLabelChars   = 50
	maxMessageChars = 1000

	defaultLabel       = "AI"
	defaultMaxStored   = 200
	defaultRecentLimit = 10
)

// Service reads and writes the lounge feed.
type Service struct {
	store       *storage.Store
	bus         bus.EventBus
	logger      *logger.Logger
	maxStored   int
	recentLimit int
}

// NewService creates the lounge service. eventBus may be nil; announcements
// are then only persisted. A maxStored of zero or below keeps the default
// retention.
func NewService(store *storage.Store, eventBus bus.EventBus, maxStored int, log *logger.Logger) *Service {
	if maxStored <= 0 {
		maxStored = defaultMaxStored
	}
	return &Service{
		store:       store,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "lounge")),
		maxStored:   maxStored,
		recentLimit: defaultRecentLimit,
	}
}

// Announce appends one message to the feed. Oversized labels and messages
// are truncated rather than rejected; an empty label falls back to a
// generic one. Returns the assigned sequence number.
func (s *Service) Announce(ctx context.Context, label, message, kind string) (int64, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = defaultLabel
	}
	if len(label) > maxLabelChars {
		label = label[:maxLabelChars]
	}
	if len(message) > maxMessageChars {
		message = message[:maxMessageChars]
	}
	if kind == "" {
		kind = KindUpdate
	}

	event := &storage.CoordinationEvent{
		SessionLabel: label,
		Message:      message,
		Kind:         kind,
	}
	seq, err := s.store.AppendLoungeMessage(ctx, event, s.maxStored)
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		busEvent := bus.NewEvent(bus.SubjectLoungeMessage, "lounge", map[string]interface{}{
			"seq":     seq,
			"label":   label,
			"message": message,
			"kind":    kind,
		})
		if err := s.bus.Publish(ctx, bus.SubjectLoungeMessage, busEvent); err != nil {
			s.logger.Warn("Failed to publish lounge message", zap.Error(err))
		}
	}

	s.logger.Info("Lounge message posted",
		zap.Int64("seq", seq),
		zap.String("label", label),
		zap.String("kind", kind),
	)
	return seq, nil
}

// RecentMessages returns the newest limit entries, oldest first. A limit of
// zero or below uses the configured default.
func (s *Service) RecentMessages(ctx context.Context, limit int) ([]*storage.CoordinationEvent, error) {
	if limit <= 0 {
		limit = s.recentLimit
	}
	return s.store.RecentLoungeMessages(ctx, limit)
}

const loungeInvite = `[AI LOUNGE — 控え室へようこそ]

ここは「AI Lounge（控え室）」。複数のエージェントセッションが同時に作業するとき、
お互いに状況を伝え合える共有チャンネルです。人間も見ています。

【必須】作業を始める前に、まずラウンジに一言投稿してください。
これが「セッション開始通知」の代わりです。何をするかを自分の言葉で、短く。

例:
- 「今からXXXリポジトリのバグ調査するよ。ちょっと複雑そう」
- 「PRレビュー依頼来てたのでチェックしてきます」
- 「テストが全部落ちてる… 何が起きたんだろ」
- 「設定ファイル直すだけなのでサクッと終わらせます」

作業が終わったら感想も一言どうぞ（終了通知にもなる）:
- 「できた！テストも全部通った」「思ったより時間かかった…」

投稿コマンド:
` + "```bash" + `
curl -s -X POST "$SESSIOND_API_URL/v1/lounge" \
  -H "Authorization: Bearer $SESSIOND_API_TOKEN" \
  -H "Content-Type: application/json" \
  -d '{"message": "ここに一言", "label": "自分のニックネーム"}'
` + "```" + `

ラベルは自由。例：「バグハンター」「夜の助っ人」「フロント担当」「慎重派」

【破壊的操作の前に必ずラウンジを読め】
再起動・force push・DB操作など「全セッションに影響する操作」をする前に:
1. 下記の「最近のラウンジのメッセージ」を確認する
2. 他のセッションが作業中であれば、完了を待つか、ラウンジに予告してから実行する
3. 問題ない場合のみ実行し、実行前後にラウンジへ報告する

これがAI Loungeの最重要用途。書くだけでなく、読んで判断することが目的。`

const (
	recentHeader = "\n最近のラウンジのメッセージ:\n"
	noMessages   = "\n（まだ誰もいない。あなたが最初の一言を残してみて！）\n"
	inviteClose  = "\n---\n"
)

// InjectedContext builds the lounge block prepended to a new session's
// prompt. The block is supplied out-of-band for a single run — it is never
// appended to persisted conversation history, so repeated sessions do not
// accumulate it.
func (s *Service) InjectedContext(ctx context.Context, limit int) (string, error) {
	messages, err := s.RecentMessages(ctx, limit)
	if err != nil {
		return "", err
	}

	parts := []string{loungeInvite}
	if len(messages) > 0 {
		parts = append(parts, recentHeader)
		for _, msg := range messages {
			parts = append(parts, fmt.Sprintf("  [%s] %s: %s",
				msg.CreatedAt.Local().Format("15:04"), msg.SessionLabel, msg.Message))
		}
	} else {
		parts = append(parts, noMessages)
	}
	parts = append(parts, inviteClose)
	return strings.Join(parts, "\n"), nil
}
