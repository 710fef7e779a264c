package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/engine"
	"github.com/ebibibi/claude-discord/internal/processor"
	"github.com/ebibibi/claude-discord/internal/storage"
)

// StartSessionRequest launches a session. With Detached set and no thread
// id, the engine generates one and the run proceeds with no renderer of
// its own.
type StartSessionRequest struct {
	ThreadID        string `json:"thread_id"`
	Prompt          string `json:"prompt" binding:"required"`
	Description     string `json:"description"`
	ResumeSessionID string `json:"resume_session_id"`
	Detached        bool   `json:"detached"`
}

// StartSessionResponse acknowledges an accepted launch.
type StartSessionResponse struct {
	ThreadID string `json:"thread_id"`
}

// POST /v1/sessions
func (s *Server) handleStartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Detached && req.ThreadID == "" {
		threadID, err := s.sessions.SpawnDetachedSession(c.Request.Context(), req.Prompt, req.Description)
		if err != nil {
			s.writeStartError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, StartSessionResponse{ThreadID: threadID})
		return
	}

	if req.ThreadID == "" {
		appErr := apperrors.BadRequest("thread_id is required unless detached")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := s.sessions.StartSession(c.Request.Context(), engine.StartRequest{
		ThreadID:        req.ThreadID,
		Prompt:          req.Prompt,
		Description:     req.Description,
		ResumeSessionID: req.ResumeSessionID,
	})
	if err != nil {
		s.writeStartError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StartSessionResponse{ThreadID: req.ThreadID})
}

// writeStartError maps admission failures to distinct statuses so callers
// can tell "this thread is busy" from "the engine is full".
func (s *Server) writeStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrSessionBusy):
		appErr := apperrors.Conflict("a session is already running for this thread")
		c.JSON(appErr.HTTPStatus, appErr)
	case errors.Is(err, apperrors.ErrMaxConcurrentReached):
		appErr := apperrors.ServiceUnavailable("session engine at capacity")
		c.JSON(appErr.HTTPStatus, appErr)
	case apperrors.IsValidation(err):
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
	default:
		s.logger.Error("Failed to start session", zap.Error(err))
		appErr := apperrors.InternalError("failed to start session", err)
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// SessionsListResponse lists running sessions.
type SessionsListResponse struct {
	Sessions []engine.ActiveSession `json:"sessions"`
	Total    int                    `json:"total"`
}

// GET /v1/sessions
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.ListActiveSessions()
	c.JSON(http.StatusOK, SessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// POST /v1/sessions/:threadId/interrupt
func (s *Server) handleInterrupt(c *gin.Context) {
	threadID := c.Param("threadId")
	if err := s.sessions.InterruptSession(threadID); err != nil {
		appErr := apperrors.NotFound("session", threadID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// DecisionRequest answers a pending permission/plan/elicitation prompt.
type DecisionRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Decision  string `json:"decision" binding:"required"`
}

// POST /v1/sessions/:threadId/decision
func (s *Server) handleDecision(c *gin.Context) {
	threadID := c.Param("threadId")

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	decision := processor.Decision(req.Decision)
	if decision != processor.DecisionAllow && decision != processor.DecisionDeny {
		appErr := apperrors.BadRequest("decision must be allow or deny")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := s.sessions.Resolve(threadID, req.RequestID, decision); err != nil {
		appErr := apperrors.NotFound("session", threadID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeMarkRequest marks a thread for relaunch at the next startup.
type ResumeMarkRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/sessions/:threadId/resume-mark
func (s *Server) handleResumeMark(c *gin.Context) {
	threadID := c.Param("threadId")

	var req ResumeMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := s.sessions.MarkForResume(c.Request.Context(), threadID, storage.ResumeReason(req.Reason))
	if err != nil {
		s.logger.Error("Failed to mark session for resume",
			zap.String("thread_id", threadID), zap.Error(err))
		appErr := apperrors.InternalError("failed to mark session for resume", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// PostLoungeRequest publishes an advisory coordination message.
type PostLoungeRequest struct {
	Label   string `json:"label"`
	Message string `json:"message" binding:"required"`
	Kind    string `json:"kind"`
}

// PostLoungeResponse acknowledges a stored message.
type PostLoungeResponse struct {
	Seq int64 `json:"seq"`
}

// POST /v1/lounge
func (s *Server) handlePostLounge(c *gin.Context) {
	var req PostLoungeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	seq, err := s.lounge.Announce(c.Request.Context(), req.Label, req.Message, req.Kind)
	if err != nil {
		s.logger.Error("Failed to store lounge message", zap.Error(err))
		appErr := apperrors.InternalError("failed to store lounge message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, PostLoungeResponse{Seq: seq})
}

// LoungeMessagesResponse lists recent coordination messages, oldest first.
type LoungeMessagesResponse struct {
	Messages []*storage.CoordinationEvent `json:"messages"`
	Total    int                          `json:"total"`
}

// GET /v1/lounge
func (s *Server) handleRecentLounge(c *gin.Context) {
	limit := 0 // service default
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			appErr := apperrors.BadRequest("limit must be a positive integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	messages, err := s.lounge.RecentMessages(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read lounge messages", zap.Error(err))
		appErr := apperrors.InternalError("failed to read lounge messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, LoungeMessagesResponse{
		Messages: messages,
		Total:    len(messages),
	})
}

// DrainResponse reports the drain result. Threads still running at the
// deadline are marked for resume so a follow-up restart relaunches them.
type DrainResponse struct {
	Remaining int      `json:"remaining"`
	Marked    []string `json:"marked,omitempty"`
}

// POST /v1/drain
func (s *Server) handleDrain(c *gin.Context) {
	deadline := s.cfg.Resume.DrainDeadline()
	remaining := s.sessions.DrainAll(c.Request.Context(), deadline)

	var marked []string
	if remaining > 0 {
		for _, active := range s.sessions.ListActiveSessions() {
			err := s.sessions.MarkForResume(c.Request.Context(), active.ThreadID, storage.ReasonUpgradeRestart)
			if err != nil {
				s.logger.Error("Failed to mark session during drain",
					zap.String("thread_id", active.ThreadID), zap.Error(err))
				continue
			}
			marked = append(marked, active.ThreadID)
		}
	}
	c.JSON(http.StatusOK, DrainResponse{Remaining: remaining, Marked: marked})
}

