package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/common/logger"
)

// RequestLogger tags each request with an id and logs it on completion.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery converts panics into 500 responses instead of dropping the
// connection.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				appErr := apperrors.InternalError("internal server error", nil)
				c.AbortWithStatusJSON(http.StatusInternalServerError, appErr)
			}
		}()

		c.Next()
	}
}
