package processor

import (
	"context"
	"strings"
	"sync"
	"time"
)

const truncationMarker = "…"

// StreamBuffer coalesces rapid assistant text deltas into periodic
// snapshots. Latest state wins: each flush renders the full accumulated
// text (tail-capped at maxChars) rather than deltas, so a dropped
// intermediate flush loses nothing.
type StreamBuffer struct {
	threadID string
	window   time.Duration
	maxChars int
	renderer Renderer

	mu      sync.Mutex
	text    strings.Builder
	dirty   bool
	stopped bool
	timer   *time.Timer
}

// NewStreamBuffer creates a buffer flushing at most once per window.
func NewStreamBuffer(threadID string, window time.Duration, maxChars int, renderer Renderer) *StreamBuffer {
	return &StreamBuffer{
		threadID: threadID,
		window:   window,
		maxChars: maxChars,
		renderer: renderer,
	}
}

// Add appends a text delta and schedules a flush.
func (b *StreamBuffer) Add(ctx context.Context, delta string) {
	if delta == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.text.Len() > 0 {
		b.text.WriteString("\n")
	}
	b.text.WriteString(delta)
	b.dirty = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, func() { b.flushTimer(ctx) })
	}
}

func (b *StreamBuffer) flushTimer(ctx context.Context) {
	b.mu.Lock()
	b.timer = nil
	if !b.dirty || b.stopped {
		b.mu.Unlock()
		return
	}
	update := b.snapshotLocked()
	b.mu.Unlock()
	b.renderer.Render(ctx, update)
}

// Flush renders any pending snapshot immediately.
func (b *StreamBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	update := b.snapshotLocked()
	b.mu.Unlock()
	b.renderer.Render(ctx, update)
}

// Text returns the full accumulated text, uncapped.
func (b *StreamBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// Close flushes pending text and stops the buffer.
func (b *StreamBuffer) Close(ctx context.Context) {
	b.Flush(ctx)
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}

// snapshotLocked builds the render update and clears the dirty flag.
// Caller holds b.mu.
func (b *StreamBuffer) snapshotLocked() Update {
	b.dirty = false
	text := b.text.String()
	if b.maxChars > 0 && len(text) > b.maxChars {
		// Keep the tail: the newest output is what the reader is following.
		text = truncationMarker + text[len(text)-b.maxChars:]
	}
	return Update{
		Kind:     UpdateTextSnapshot,
		ThreadID: b.threadID,
		Text:     text,
	}
}
