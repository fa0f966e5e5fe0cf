package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"coteacher/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	stateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

func (h *Handler) login(c *gin.Context) {
	state := uuid.NewString()
	setCookie(c, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		MaxAge:   int(stateCookieTTL.Seconds()),
		Path:     "/auth",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	c.Redirect(http.StatusFound, h.cognito.AuthCodeURL(state))
}

func (h *Handler) callback(c *gin.Context) {
	expected, err := c.Cookie(stateCookieName)
	state := c.Query("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid oauth state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}
	teacherID, err := h.cognito.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.Warn("oauth exchange failed", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "sign-in failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), teacherID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	setCookie(c, &http.Cookie{Name: stateCookieName, Value: "", MaxAge: -1, Path: "/auth"})
	h.setAuthCookies(c, authToken, csrfToken)
	h.logger.Info("teacher signed in", "teacher_id", teacherID)
	c.JSON(http.StatusOK, gin.H{
		"teacherId":  teacherID,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

// logout revokes the session and drops every cached roster, so the next
// teacher on this server reloads class lists from the source.
func (h *Handler) logout(c *gin.Context) {
	ctx := c.Request.Context()
	if h.auth != nil {
		if token, ok := auth.AuthTokenFromContext(c); ok {
			if err := h.auth.RevokeToken(ctx, token); err != nil {
				h.logger.Error("revoke token", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
				return
			}
		}
		if teacherID, ok := auth.TeacherIDFromContext(c); ok && h.dispatcher != nil {
			h.dispatcher.CancelTeacher(teacherID)
		}
		h.clearAuthCookies(c)
	}
	h.roster.Invalidate(ctx)

	resp := gin.H{"status": "signed_out"}
	if h.cognito != nil {
		if u := h.cognito.LogoutURL(); u != "" {
			resp["logout_url"] = u
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			HttpOnly: name == h.auth.AuthCookieName(),
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	http.SetCookie(c.Writer, ck)
}
