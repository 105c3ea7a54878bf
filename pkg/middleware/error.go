package middleware

import (
	"licensing-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached by a handler.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		v := errutil.Normalize(last.Err)
		if v.Code.HTTPStatus() >= 500 {
			zap.L().Error("request failed",
				zap.String("request_id", c.GetString(RequestIDKey)),
				zap.String("path", c.FullPath()),
				zap.Error(last.Err),
			)
		}

		c.JSON(v.Code.HTTPStatus(), v)
	}
}
