// Package chat assembles streamed replies and persisted history into the
// message list a chat view renders.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"
)

var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrNotConnected      = errors.New("chat transport not connected")
	ErrMissingIdentifier = errors.New("missing identifier")
	// ErrSuperseded reports a history load discarded because a later
	// selection or new chat replaced it.
	ErrSuperseded = errors.New("conversation selection superseded")
)

// Sender transmits outbound frames. *wsconn.Manager satisfies it.
type Sender interface {
	Connected() bool
	Send(models.OutboundFrame) error
}

// HistoryFetcher loads the persisted messages of one conversation.
type HistoryFetcher interface {
	ChatMessages(ctx context.Context, teacherID, conversationID string) ([]models.HistoryMessage, error)
}

// Scope fixes who the view is talking about.
type Scope struct {
	TeacherID  string
	ClassID    string
	StudentIDs []string
}

// Snapshot is a consistent copy of the view state.
type Snapshot struct {
	SessionID string
	Messages  []models.Message
	Streaming string
	LastError string
}

type Controller struct {
	sender  Sender
	history HistoryFetcher
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	scope     Scope
	sessionID string
	messages  []models.Message
	buffer    strings.Builder
	lastError string
	selection uint64
	listener  func(Snapshot)
}

func NewController(scope Scope, sender Sender, history HistoryFetcher, logger *slog.Logger) *Controller {
	scope.StudentIDs = append([]string(nil), scope.StudentIDs...)
	return &Controller{
		scope:   scope,
		sender:  sender,
		history: history,
		logger:  logging.OrDefault(logger).With("component", "chat", "teacher_id", scope.TeacherID),
		now:     time.Now,
	}
}

// SetListener registers fn to receive a snapshot after every state change.
func (c *Controller) SetListener(fn func(Snapshot)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// HandleFrame applies one inbound frame: text goes to the stream buffer, the
// first session id seen is latched, and a completion frame finalizes the
// buffer as an assistant message.
func (c *Controller) HandleFrame(frame models.InboundFrame) {
	c.mu.Lock()
	if frame.Error != "" || frame.Status == models.StatusError {
		c.lastError = frame.Error
		c.logger.Warn("server reported turn error", "error", frame.Error, "session_id", frame.SessionID)
	}
	if frame.Message != "" {
		c.buffer.WriteString(frame.Message)
	}
	if frame.SessionID != "" && c.sessionID == "" {
		c.sessionID = frame.SessionID
		c.logger.Info("session latched", "session_id", frame.SessionID)
	}
	if frame.Complete() {
		c.materializeLocked()
	}
	snap, fn := c.snapshotLocked(), c.listener
	c.mu.Unlock()
	notify(fn, snap)
}

// Submit sends text as the teacher's next turn. Any streamed text still in
// the buffer is finalized first so the assistant reply precedes the new
// teacher message.
func (c *Controller) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.scope.TeacherID == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: teacher id", ErrMissingIdentifier)
	}
	if c.sender == nil || !c.sender.Connected() {
		c.mu.Unlock()
		c.logger.Warn("submit while transport not open")
		return ErrNotConnected
	}

	c.materializeLocked()
	c.appendLocked(models.RoleTeacher, text, c.now())
	c.lastError = ""

	frame := models.OutboundFrame{
		Message:    text,
		StudentIDs: append([]string{}, c.scope.StudentIDs...),
		TeacherID:  c.scope.TeacherID,
		ClassID:    c.scope.ClassID,
	}
	if c.sessionID != "" {
		id := c.sessionID
		frame.SessionID = &id
	}
	c.buffer.Reset()
	sender := c.sender
	snap, fn := c.snapshotLocked(), c.listener
	c.mu.Unlock()

	notify(fn, snap)
	if err := sender.Send(frame); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// NewChat forgets the current conversation. The transport is untouched.
func (c *Controller) NewChat() {
	c.mu.Lock()
	c.selection++
	c.sessionID = ""
	c.messages = nil
	c.buffer.Reset()
	c.lastError = ""
	snap, fn := c.snapshotLocked(), c.listener
	c.mu.Unlock()
	notify(fn, snap)
}

// SelectConversation loads a persisted conversation. The session id,
// messages and buffer are cleared at once; the fetched messages and the
// session id are installed together once the fetch returns, unless a later
// selection or NewChat superseded this one.
func (c *Controller) SelectConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	teacherID := c.scope.TeacherID
	if teacherID == "" || conversationID == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: teacher id and conversation id are required", ErrMissingIdentifier)
	}
	c.selection++
	token := c.selection
	c.sessionID = ""
	c.messages = nil
	c.buffer.Reset()
	c.lastError = ""
	snap, fn := c.snapshotLocked(), c.listener
	c.mu.Unlock()
	notify(fn, snap)

	items, err := c.history.ChatMessages(ctx, teacherID, conversationID)
	if err != nil {
		if !c.current(token) {
			return ErrSuperseded
		}
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	sorted := SortHistory(items)

	c.mu.Lock()
	if token != c.selection {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded history load", "conversation_id", conversationID)
		return ErrSuperseded
	}
	c.messages = make([]models.Message, 0, len(sorted))
	for _, item := range sorted {
		c.appendLocked(models.RoleForSender(item.Sender), item.Message, item.CreatedAt.Time())
	}
	c.sessionID = conversationID
	snap, fn = c.snapshotLocked(), c.listener
	c.mu.Unlock()
	notify(fn, snap)
	return nil
}

func (c *Controller) current(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token == c.selection
}

// SortHistory returns items ordered by creation time, oldest first. Items
// with equal timestamps keep their relative order.
func SortHistory(items []models.HistoryMessage) []models.HistoryMessage {
	out := append([]models.HistoryMessage(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (c *Controller) materializeLocked() {
	if c.buffer.Len() == 0 {
		return
	}
	c.appendLocked(models.RoleAssistant, c.buffer.String(), c.now())
	c.buffer.Reset()
}

func (c *Controller) appendLocked(role models.Role, text string, at time.Time) {
	c.messages = append(c.messages, models.Message{
		Seq:       len(c.messages) + 1,
		Role:      role,
		Text:      text,
		CreatedAt: at,
	})
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: c.sessionID,
		Messages:  append([]models.Message(nil), c.messages...),
		Streaming: c.buffer.String(),
		LastError: c.lastError,
	}
}

func notify(fn func(Snapshot), snap Snapshot) {
	if fn != nil {
		fn(snap)
	}
}
