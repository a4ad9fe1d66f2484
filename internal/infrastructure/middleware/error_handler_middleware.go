package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall/pkg/errors"
	"peercall/pkg/logger"
)

// ErrorHandlerMiddleware turns the last handler error into a JSON response.
// AppErrors keep their code and status; anything else is a 500.
func ErrorHandlerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		ctx := c.Request.Context()

		if appErr := errors.GetAppError(err); appErr != nil {
			status := appErr.HTTPStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			cl.WithContext(ctx).Sugar().Warnw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)

			c.JSON(status, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		cl.LogError(ctx, err, "unhandled error",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		writeInternalError(c)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				cl.LogError(c.Request.Context(), fmt.Errorf("panic: %v", r), "panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				writeInternalError(c)
			}
		}()

		c.Next()
	}
}

func writeInternalError(c *gin.Context) {
	appErr := errors.NewInternalError("Internal server error")
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
