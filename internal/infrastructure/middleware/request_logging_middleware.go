package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"peercall/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware scopes the request context with a request id, the
// trace id and the session's call, then logs the request once it is served.
// It must run inside TracingMiddleware to pick up the trace id.
func RequestLoggingMiddleware(cl *logger.ContextLogger, identity CallIdentity) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		if identity != nil {
			if callID, userID := identity(); callID != "" {
				ctx = logger.WithUserID(logger.WithCallID(ctx, callID), userID)
			}
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
