package identity

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxUserClaims = "wl_user_claims"

// RequireUserToken returns a Gin middleware that enforces a valid session
// Bearer token. On success it injects the *UserTokenClaims into the context.
func RequireUserToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "Bearer user token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "invalid user token: " + err.Error(),
			})
			return
		}

		c.Set(ctxUserClaims, claims)
		c.Next()
	}
}

// RequireRole returns a Gin middleware that only admits actors holding one
// of roles. It must run after RequireUserToken.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := UserClaimsFromCtx(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "Bearer user token required",
			})
			return
		}
		if !slices.Contains(roles, claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  "forbidden",
				"error": "role " + claims.Role + " may not access this resource",
			})
			return
		}
		c.Next()
	}
}

// UserClaimsFromCtx retrieves the claims injected by RequireUserToken.
// Returns nil if no user token is present in the context.
func UserClaimsFromCtx(c *gin.Context) *UserTokenClaims {
	v, _ := c.Get(ctxUserClaims)
	claims, _ := v.(*UserTokenClaims)
	return claims
}
