package api

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/events/bus"
)

// wsSendBuffer bounds per-client backlog; a client that stops reading is
// dropped instead of stalling the bus.
const wsSendBuffer = 64

// handleEventsWS streams session lifecycle and lounge events to the
// client as JSON text frames.
// GET /v1/events/ws
func (s *Server) handleEventsWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("Event stream connected", zap.String("remote", c.ClientIP()))

	send := make(chan *bus.Event, wsSendBuffer)
	handler := func(_ context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			// Slow client; the frame is dropped, not the bus.
		}
		return nil
	}

	subjects := []string{"session.>", bus.SubjectLoungeMessage}
	subs := make([]bus.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			s.logger.Error("Event stream subscribe failed",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	closed := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	for {
		select {
		case event := <-send:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("Event stream write error", zap.Error(err))
				return
			}
		case <-closed:
			s.logger.Info("Event stream closed by client")
			return
		}
	}
}
