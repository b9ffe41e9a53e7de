package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/pkg/constants"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

// Timeout bounds the request context. Handlers pass the context down to
// the store, cache and media provider, so a request that overruns fails there;
// if nothing was written yet a 504 is returned.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = constants.DefaultTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.FromContext(ctx).Warn("Request timed out",
				zap.Duration("timeout", timeout),
				zap.Duration("duration", time.Since(start)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))

			if !c.Writer.Written() {
				response.Error(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timeout")
				c.Abort()
			}
		}
	}
}
