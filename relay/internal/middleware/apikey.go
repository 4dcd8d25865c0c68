package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth returns a Gin middleware that validates the bearer key
// from the Authorization header (format: "Bearer <key>") against a bcrypt
// hash. An empty hash disables the check.
func APIKeyAuth(keyHash string) gin.HandlerFunc {
	if keyHash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	hash := []byte(keyHash)

	return func(c *gin.Context) {
		raw := extractBearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "missing or malformed Authorization header (expected: Bearer <api-key>)",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(raw)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "invalid api key",
			})
			return
		}

		c.Next()
	}
}

// HashAPIKey produces the value for API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// extractBearerToken gets the token from "Authorization: Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
