package lounge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/events/bus"
	"github.com/ebibibi/claude-discord/internal/storage"
)

func newTestService(t *testing.T) (*Service, bus.EventBus) {
	t.Helper()
	store, err := storage.OpenInMemory(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	return NewService(store, eventBus, 0, logger.Default()), eventBus
}

func TestAnnounceAndRecentMessages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seq1, err := svc.Announce(ctx, "バグハンター", "今から調査するよ", KindStarted)
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := svc.Announce(ctx, "慎重派", "できた！", KindCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if seq2 <= seq1 {
		t.Errorf("sequence numbers not monotonic: %d then %d", seq1, seq2)
	}

	messages, err := svc.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	// Oldest first.
	if messages[0].SessionLabel != "バグハンター" || messages[1].SessionLabel != "慎重派" {
		t.Errorf("messages not oldest-first: %+v", messages)
	}
	if messages[1].Kind != KindCompleted {
		t.Errorf("kind not stored: %q", messages[1].Kind)
	}
}

func TestAnnounceAppliesCaps(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	longLabel := strings.Repeat("L", 80)
	longMessage := strings.Repeat("m", 1500)
	if _, err := svc.Announce(ctx, longLabel, longMessage, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Announce(ctx, "  ", "anonymous note", ""); err != nil {
		t.Fatal(err)
	}

	messages, err := svc.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages[0].SessionLabel) != maxLabelChars {
		t.Errorf("label not capped: %d chars", len(messages[0].SessionLabel))
	}
	if len(messages[0].Message) != maxMessageChars {
		t.Errorf("message not capped: %d chars", len(messages[0].Message))
	}
	if messages[0].Kind != KindUpdate {
		t.Errorf("empty kind should default to update: %q", messages[0].Kind)
	}
	if messages[1].SessionLabel != defaultLabel {
		t.Errorf("blank label should fall back: %q", messages[1].SessionLabel)
	}
}

func TestConcurrentAnnouncesKeepSequenceGapless(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := svc.Announce(ctx, fmt.Sprintf("writer-%d", n), "busy", KindUpdate); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	messages, err := svc.RecentMessages(ctx, writers)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].Seq != messages[i-1].Seq+1 {
			t.Fatalf("sequence gap or reorder: %d then %d", messages[i-1].Seq, messages[i].Seq)
		}
	}
}

func TestAnnounceRespectsRetention(t *testing.T) {
	store, err := storage.OpenInMemory(logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(store, nil, 2, logger.Default())
	ctx := context.Background()
	for _, msg := range []string{"first", "second", "third"} {
		if _, err := svc.Announce(ctx, "poster", msg, KindUpdate); err != nil {
			t.Fatal(err)
		}
	}

	messages, err := svc.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected retention of 2, got %d", len(messages))
	}
	if messages[0].Message != "second" || messages[1].Message != "third" {
		t.Errorf("oldest entry should have been pruned: %+v", messages)
	}
}

func TestAnnouncePublishesToBus(t *testing.T) {
	svc, eventBus := newTestService(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(bus.SubjectLoungeMessage, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if _, err := svc.Announce(ctx, "poster", "hello", KindUpdate); err != nil {
		t.Fatal(err)
	}

	select {
	case event := <-received:
		if event.Data["label"] != "poster" || event.Data["message"] != "hello" {
			t.Errorf("unexpected bus payload: %+v", event.Data)
		}
	default:
		t.Fatal("no bus event published for announcement")
	}
}

func TestInjectedContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	empty, err := svc.InjectedContext(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(empty, "AI LOUNGE") {
		t.Error("context missing the invite block")
	}
	if !strings.Contains(empty, "まだ誰もいない") {
		t.Error("empty feed should include the no-messages line")
	}

	if _, err := svc.Announce(ctx, "夜の助っ人", "テスト直してます", KindUpdate); err != nil {
		t.Fatal(err)
	}
	populated, err := svc.InjectedContext(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(populated, "夜の助っ人: テスト直してます") {
		t.Errorf("context missing the recent message:\n%s", populated)
	}
	if strings.Contains(populated, "まだ誰もいない") {
		t.Error("populated feed should not include the no-messages line")
	}
}
