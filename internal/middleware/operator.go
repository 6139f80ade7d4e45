package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-interview/internal/response"
)

// RequireOperator restricts a group to callers presenting the operator
// token. It must run after RequireBearer. An empty token accepts any bearer.
func RequireOperator(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(GetToken(c)), want) != 1 {
			response.AbortFail(c, http.StatusForbidden, response.ErrOperatorOnly)
			return
		}
		c.Next()
	}
}
