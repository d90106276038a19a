package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meshcall/pkg/errors"
	"meshcall/pkg/logger"
)

// RequestLogger tags the request context with the room id and logs every
// request once it completes.
func RequestLogger(log *logger.ContextLogger, roomID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if roomID != "" {
			c.Request = c.Request.WithContext(logger.WithRoomID(c.Request.Context(), roomID))
		}

		c.Next()

		log.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

// ErrorHandler renders the last error attached with c.Error. Core errors
// are mapped through errors.FromDomain.
func ErrorHandler(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.FromDomain(c.Errors.Last().Err)
		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", appErr.Error(),
		}
		sugar := log.Sugar(c.Request.Context())
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			sugar.Errorw("command failed", fields...)
		} else {
			sugar.Warnw("command rejected", fields...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// Recovery turns a panic in a handler into a 500 response.
func Recovery(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.LogError(c.Request.Context(), fmt.Errorf("panic: %v", r), "panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				abort(c, errors.NewInternalError("internal server error"))
			}
		}()
		c.Next()
	}
}
