package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"peercall/pkg/tracing"
)

// ToggleStateKey is the gin context key toggle handlers store their
// resulting state under.
const ToggleStateKey = "toggle_state"

// CallIdentity reports the call the control API currently acts on. An empty
// call id means the session is not in a call.
type CallIdentity func() (callID, userID string)

// TracingMiddleware opens one span per control request, tagged with the
// session's call and, for toggles, the state the toggle produced.
func TracingMiddleware(identity CallIdentity) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		if identity != nil {
			if callID, userID := identity(); callID != "" {
				span.SetAttributes(tracing.CallIDKey.String(callID), tracing.UserIDKey.String(userID))
			}
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if v, ok := c.Get(ToggleStateKey); ok {
			if on, ok := v.(bool); ok {
				span.SetAttributes(tracing.ToggleStateKey.Bool(on))
			}
		}
		tracing.MeasureDuration(ctx, start, "control"+c.FullPath())

		if status >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
