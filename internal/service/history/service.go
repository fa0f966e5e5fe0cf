// Package history stores conversations and their messages per teacher.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("conversation not found")
	ErrMissingIdentifier = errors.New("teacher id and conversation id are required")
)

// Service persists chat history in SQL.
type Service struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(db *sql.DB, retention time.Duration, logger *slog.Logger) *Service {
	if retention <= 0 {
		retention = models.DefaultMessageRetention
	}
	return &Service{
		db:        db,
		retention: retention,
		now:       time.Now,
		logger:    logging.OrDefault(logger).With("component", "history"),
	}
}

// NewConversation describes a conversation to create. An empty ID gets a uuid.
type NewConversation struct {
	ID         string
	Title      string
	Type       models.Scope
	StudentIDs []string
	ClassID    string
}

// CreateConversation inserts the metadata row of a conversation.
func (s *Service) CreateConversation(ctx context.Context, teacherID string, nc NewConversation) (*models.ConversationItem, error) {
	if teacherID == "" {
		return nil, ErrMissingIdentifier
	}
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	if nc.Type == "" {
		nc.Type = models.ScopeFor(nc.StudentIDs)
	}
	if nc.StudentIDs == nil {
		nc.StudentIDs = []string{}
	}
	students, err := json.Marshal(nc.StudentIDs)
	if err != nil {
		return nil, fmt.Errorf("encode student ids: %w", err)
	}
	item := &models.ConversationItem{
		TeacherID:      teacherID,
		SortID:         models.ConversationSortKey(nc.ID),
		CreatedAt:      models.NewUnixTime(s.now()),
		ConversationID: nc.ID,
		Title:          nc.Title,
		Type:           nc.Type,
		StudentIDs:     nc.StudentIDs,
		ClassID:        nc.ClassID,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (teacher_id, conversation_id, sort_id, title, type, student_ids, class_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		teacherID, nc.ID, item.SortID, nc.Title, string(nc.Type), string(students), nc.ClassID, int64(item.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return item, nil
}

// ListConversations returns the teacher's conversations oldest first. An
// empty classID lists every class.
func (s *Service) ListConversations(ctx context.Context, teacherID, classID string) ([]models.ConversationItem, error) {
	if teacherID == "" {
		return nil, ErrMissingIdentifier
	}
	query := `SELECT conversation_id, sort_id, title, type, student_ids, class_id, created_at
		FROM conversations WHERE teacher_id = ?`
	args := []any{teacherID}
	if classID != "" {
		query += ` AND class_id = ?`
		args = append(args, classID)
	}
	query += ` ORDER BY created_at ASC, sort_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := []models.ConversationItem{}
	for rows.Next() {
		var (
			item     models.ConversationItem
			kind     string
			students string
			created  int64
		)
		if err := rows.Scan(&item.ConversationID, &item.SortID, &item.Title, &kind, &students, &item.ClassID, &created); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		item.TeacherID = teacherID
		item.Type = models.Scope(kind)
		item.CreatedAt = models.UnixTime(created)
		if err := json.Unmarshal([]byte(students), &item.StudentIDs); err != nil {
			s.logger.Warn("conversation has unreadable student ids", "conversation_id", item.ConversationID, "error", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListMessages returns the unexpired messages of a conversation oldest first.
func (s *Service) ListMessages(ctx context.Context, teacherID, conversationID string) ([]models.HistoryMessage, error) {
	if teacherID == "" || conversationID == "" {
		return nil, ErrMissingIdentifier
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sort_id, message, sender, created_at FROM chat_messages
		 WHERE teacher_id = ? AND conversation_id = ? AND expires_at > ?
		 ORDER BY created_at ASC, id ASC`,
		teacherID, conversationID, s.now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.HistoryMessage{}
	for rows.Next() {
		var (
			m       models.HistoryMessage
			created int64
		)
		if err := rows.Scan(&m.SortID, &m.Message, &m.Sender, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TeacherID = teacherID
		m.CreatedAt = models.UnixTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage stores one message. sender is "user" for teacher input.
func (s *Service) AppendMessage(ctx context.Context, teacherID, conversationID, message, sender string) (*models.HistoryMessage, error) {
	if teacherID == "" || conversationID == "" {
		return nil, ErrMissingIdentifier
	}
	now := s.now()
	msg := &models.HistoryMessage{
		TeacherID: teacherID,
		SortID:    models.MessageSortKey(conversationID, uuid.NewString()),
		CreatedAt: models.NewUnixTime(now),
		Message:   message,
		Sender:    sender,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (teacher_id, conversation_id, sort_id, message, sender, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		teacherID, conversationID, msg.SortID, message, sender, now.Unix(), now.Add(s.retention).Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Title returns the conversation title, empty when untitled or unknown.
func (s *Service) Title(ctx context.Context, teacherID, conversationID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM conversations WHERE teacher_id = ? AND sort_id = ?`,
		teacherID, models.ConversationSortKey(conversationID),
	).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get conversation title: %w", err)
	}
	return title, nil
}

// UpdateTitle sets the conversation title.
func (s *Service) UpdateTitle(ctx context.Context, teacherID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE teacher_id = ? AND sort_id = ?`,
		title, teacherID, models.ConversationSortKey(conversationID),
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation row and all its messages.
func (s *Service) DeleteConversation(ctx context.Context, teacherID, conversationID string) (err error) {
	if teacherID == "" || conversationID == "" {
		return ErrMissingIdentifier
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE teacher_id = ? AND sort_id = ?`,
		teacherID, models.ConversationSortKey(conversationID),
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE teacher_id = ? AND conversation_id = ?`,
		teacherID, conversationID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
