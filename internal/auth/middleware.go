package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	teacherIDContextKey = "auth_teacher_id"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer or cookie tokens and stores the authenticated
// teacher in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.ExtractToken(c.Request)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		teacherID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(teacherIDContextKey, teacherID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// TeacherIDFromContext retrieves the authenticated teacher from the gin context.
func TeacherIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(teacherIDContextKey)
	if !ok {
		return "", false
	}
	teacherID, ok := val.(string)
	return teacherID, ok && teacherID != ""
}

// AuthTokenFromContext retrieves the token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// ExtractToken reads a bearer header, then the auth cookie, then the
// access_token query parameter browsers use for WebSocket upgrades.
func (s *Service) ExtractToken(r *http.Request) string {
	if authHeader := r.Header.Get(s.headerName); hasBearer(authHeader) {
		return strings.TrimSpace(authHeader[7:])
	}
	if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("access_token")
}

func hasBearer(header string) bool {
	return len(header) > 7 && strings.EqualFold(header[:7], "bearer ")
}
