package middleware

import (
	"crypto/subtle"

	"licensing-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const AdminKeyHeader = "X-Admin-Key"

var ErrUnauthorized = errutil.BaseError{Code: errutil.StatusUnauthorized, Message: "unauthorized"}

// AdminKey rejects requests whose X-Admin-Key does not match secret.
// An empty secret disables admin access entirely.
func AdminKey(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(AdminKeyHeader)
		if secret == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(ErrUnauthorized.Code.HTTPStatus(), ErrUnauthorized)
			return
		}
		c.Next()
	}
}
