// Package api exposes the proxy, history, auth and streaming socket routes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"coteacher/internal/auth"
	"coteacher/internal/gateway"
	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/roster"
	"coteacher/internal/service/history"
	"coteacher/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// TurnHandler runs one streamed chat turn.
type TurnHandler interface {
	Handle(ctx context.Context, frame models.OutboundFrame, emit func(models.InboundFrame) error) error
}

// Dispatcher schedules turns per teacher.
type Dispatcher interface {
	Submit(job worker.Job) error
	CancelTeacher(teacherID string)
}

// Deps collects what the handlers need. Auth and Cognito are nil when
// sign-in is disabled; the routes then trust the identity in the request.
type Deps struct {
	Gateway        *gateway.Client
	Roster         *roster.Store
	History        *history.Service
	LocalHistory   bool
	CacheStudents  bool
	Turns          TurnHandler
	Dispatcher     Dispatcher
	Auth           *auth.Service
	Cognito        *auth.Cognito
	TurnsPerMinute int
	Logger         *slog.Logger
}

// Handler wires HTTP routes to the gateway, history and inference services.
type Handler struct {
	gateway        *gateway.Client
	roster         *roster.Store
	history        *history.Service
	localHistory   bool
	cacheStudents  bool
	turns          TurnHandler
	dispatcher     Dispatcher
	auth           *auth.Service
	cognito        *auth.Cognito
	turnsPerMinute int
	upgrader       websocket.Upgrader
	logger         *slog.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		gateway:        deps.Gateway,
		roster:         deps.Roster,
		history:        deps.History,
		localHistory:   deps.LocalHistory,
		cacheStudents:  deps.CacheStudents,
		turns:          deps.Turns,
		dispatcher:     deps.Dispatcher,
		auth:           deps.Auth,
		cognito:        deps.Cognito,
		turnsPerMinute: deps.TurnsPerMinute,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logging.OrDefault(deps.Logger).With("component", "api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)

	protected := router.Group("")
	if h.auth != nil {
		if h.cognito != nil {
			router.GET("/auth/login", h.login)
			router.GET("/auth/callback", h.callback)
		}
		protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	}
	protected.GET("/ws", h.serveSocket)

	api := protected.Group("/api")
	api.POST("/classes", h.classes)
	api.POST("/students", h.students)
	api.POST("/student-profile", h.studentProfile)
	api.POST("/chat-history", h.chatHistory)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.POST("/auth/logout", h.logout)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveTeacher returns the teacher the request acts for. With auth on,
// the signed-in teacher wins and a different claimed id is refused.
func (h *Handler) resolveTeacher(c *gin.Context, claimed string) (string, bool) {
	if h.auth == nil {
		return claimed, true
	}
	teacherID, ok := auth.TeacherIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	if claimed != "" && claimed != teacherID {
		c.JSON(http.StatusForbidden, gin.H{"error": "teacher mismatch"})
		return "", false
	}
	return teacherID, true
}
