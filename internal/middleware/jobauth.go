package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// JobTokenHeader carries the shared secret of the batch job endpoints.
const JobTokenHeader = "X-Job-Token"

// JobAuth protects /jobs/* with a shared token sent as X-Job-Token or
// "Authorization: Bearer <token>". An empty token disables the check.
func JobAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		got := c.GetHeader(JobTokenHeader)
		if got == "" {
			ah := c.GetHeader("Authorization")
			if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				got = strings.TrimSpace(ah[len("Bearer "):])
			}
		}
		if got == "" {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "missing job token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "invalid job token")
			return
		}
		c.Next()
	}
}
