package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"coteacher/internal/auth"
	"coteacher/internal/models"
	"coteacher/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketReadLimit    = 64 * 1024
)

// socketSession serializes writes to one client connection.
type socketSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socketSession) send(frame models.InboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

func (s *socketSession) fail(sessionID, msg string) {
	_ = s.send(models.InboundFrame{SessionID: sessionID, Status: models.StatusError, Error: msg})
}

func (h *Handler) turnLimiter() *rate.Limiter {
	if h.turnsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.turnsPerMinute)), h.turnsPerMinute)
}

// serveSocket upgrades to a WebSocket and runs one turn per inbound frame.
// Turns are queued on the dispatcher and cancelled when the client leaves.
func (h *Handler) serveSocket(c *gin.Context) {
	var authTeacher string
	if h.auth != nil {
		id, ok := auth.TeacherIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		authTeacher = id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(socketReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &socketSession{conn: conn}
	limiter := h.turnLimiter()
	logger := h.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("socket opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("socket read failed", "error", err)
			}
			logger.Debug("socket closed")
			return
		}

		var frame models.OutboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.fail("", "invalid frame")
			continue
		}
		sessionID := ""
		if frame.SessionID != nil {
			sessionID = *frame.SessionID
		}
		if authTeacher != "" {
			if frame.TeacherID != "" && frame.TeacherID != authTeacher {
				sess.fail(sessionID, "teacher mismatch")
				continue
			}
			frame.TeacherID = authTeacher
		}
		if frame.TeacherID == "" {
			sess.fail(sessionID, "Missing body or teacherId")
			continue
		}
		if !limiter.Allow() {
			sess.fail(sessionID, "rate limit exceeded, please slow down")
			continue
		}

		turn := frame
		err = h.dispatcher.Submit(worker.Job{
			TeacherID: turn.TeacherID,
			Name:      "chat_turn",
			Ctx:       ctx,
			Run: func(ctx context.Context) {
				if err := h.turns.Handle(ctx, turn, sess.send); err != nil {
					logger.Warn("turn failed", "teacher_id", turn.TeacherID, "error", err)
				}
			},
		})
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			sess.fail(sessionID, "server is busy, please retry")
		case err != nil:
			logger.Error("submit turn", "error", err)
			sess.fail(sessionID, "Internal server error")
		}
	}
}
