// Package inference runs one streamed co-teacher turn: it records the
// teacher's message, prompts the model with student context, streams the
// reply back as frames and stores it.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/service/history"
	"coteacher/internal/telemetry"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var ErrInvalidFrame = errors.New("missing body or teacherId")

// HistoryStore is the part of the history service a turn needs.
type HistoryStore interface {
	CreateConversation(ctx context.Context, teacherID string, nc history.NewConversation) (*models.ConversationItem, error)
	ListMessages(ctx context.Context, teacherID, conversationID string) ([]models.HistoryMessage, error)
	AppendMessage(ctx context.Context, teacherID, conversationID, message, sender string) (*models.HistoryMessage, error)
	Title(ctx context.Context, teacherID, conversationID string) (string, error)
	UpdateTitle(ctx context.Context, teacherID, conversationID, title string) error
}

// ProfileGateway reads and annotates student profiles.
type ProfileGateway interface {
	StudentProfile(ctx context.Context, studentID string) (models.StudentProfile, error)
	EditStudentProfile(ctx context.Context, studentID, teacherID, comment string) (string, error)
}

// Emitter delivers one frame to the requesting client.
type Emitter = func(models.InboundFrame) error

type Service struct {
	streamer Streamer
	history  HistoryStore
	profiles ProfileGateway
	logger   *slog.Logger

	turns    metric.Int64Counter
	duration metric.Float64Histogram
}

func NewService(streamer Streamer, store HistoryStore, profiles ProfileGateway, logger *slog.Logger) *Service {
	s := &Service{
		streamer: streamer,
		history:  store,
		profiles: profiles,
		logger:   logging.OrDefault(logger).With("component", "inference"),
	}
	meter := telemetry.Meter()
	if c, err := meter.Int64Counter("coteacher.turns", metric.WithDescription("Chat turns handled")); err == nil {
		s.turns = c
	}
	if h, err := meter.Float64Histogram("coteacher.turn.duration",
		metric.WithDescription("Chat turn duration in milliseconds"), metric.WithUnit("ms")); err == nil {
		s.duration = h
	}
	return s
}

// Handle runs one turn for frame. Frames go out through emit in order:
// deltas, then a single complete or error frame.
func (s *Service) Handle(ctx context.Context, frame models.OutboundFrame, emit Emitter) (err error) {
	start := time.Now()
	body := strings.TrimSpace(frame.Body)
	if body == "" {
		body = strings.TrimSpace(frame.Message)
	}
	if body == "" || frame.TeacherID == "" {
		s.emit(emit, models.InboundFrame{Status: models.StatusError, Error: "Missing body or teacherId"})
		return ErrInvalidFrame
	}

	scope := models.ScopeFor(frame.StudentIDs)
	ctx, span := telemetry.Tracer().Start(ctx, "inference.turn")
	defer span.End()
	span.SetAttributes(attribute.String("chat.scope", string(scope)))
	defer func() {
		outcome := "complete"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
		}
		attrs := metric.WithAttributes(attribute.String("chat.scope", string(scope)), attribute.String("outcome", outcome))
		if s.turns != nil {
			s.turns.Add(ctx, 1, attrs)
		}
		if s.duration != nil {
			s.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	}()

	teacherID := frame.TeacherID
	logger := s.logger.With("teacher_id", teacherID)

	var sessionID string
	if frame.SessionID != nil {
		sessionID = *frame.SessionID
	}
	var prior []models.HistoryMessage
	if sessionID == "" {
		sessionID = uuid.NewString()
		if _, err := s.history.CreateConversation(ctx, teacherID, history.NewConversation{
			ID:         sessionID,
			Type:       scope,
			StudentIDs: frame.StudentIDs,
			ClassID:    frame.ClassID,
		}); err != nil {
			logger.Error("create conversation", "session_id", sessionID, "error", err)
		}
	} else {
		loaded, lerr := s.history.ListMessages(ctx, teacherID, sessionID)
		if lerr != nil {
			logger.Warn("load conversation history", "session_id", sessionID, "error", lerr)
		}
		prior = loaded
	}
	logger = logger.With("session_id", sessionID)

	if _, err := s.history.AppendMessage(ctx, teacherID, sessionID, body, models.SenderUser); err != nil {
		s.emit(emit, models.InboundFrame{SessionID: sessionID, Status: models.StatusError, Error: "Error saving message"})
		return fmt.Errorf("save teacher message: %w", err)
	}

	profiles := s.loadProfiles(ctx, frame.StudentIDs, logger)
	var (
		system string
		tools  []tool.BaseTool
	)
	if scope == models.ScopeStudent {
		system = studentSystemPrompt(profiles[0], teacherID)
		tools = []tool.BaseTool{newEditProfileTool(s.profiles, frame.StudentIDs[0], teacherID, body)}
	} else {
		system = generalSystemPrompt(profiles)
	}
	msgs := buildConversation(system, prior, body)

	reply, err := s.streamer.Stream(ctx, msgs, tools, func(delta string) error {
		s.emit(emit, models.InboundFrame{Message: delta, SessionID: sessionID, IsStreaming: true})
		return ctx.Err()
	})
	if err != nil {
		logger.Error("model stream failed", "error", err)
		s.emit(emit, models.InboundFrame{SessionID: sessionID, Status: models.StatusError, Error: "Error processing request"})
		return fmt.Errorf("stream reply: %w", err)
	}

	if _, err := s.history.AppendMessage(ctx, teacherID, sessionID, reply, models.SenderAssistant); err != nil {
		logger.Error("save assistant message", "error", err)
	}
	s.ensureTitle(ctx, teacherID, sessionID, body, logger)

	s.emit(emit, models.InboundFrame{SessionID: sessionID, Status: models.StatusComplete, IsStreaming: false})
	logger.Info("turn complete", "scope", scope, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Service) emit(emit Emitter, frame models.InboundFrame) {
	if emit == nil {
		return
	}
	if err := emit(frame); err != nil {
		s.logger.Debug("emit frame failed", "session_id", frame.SessionID, "error", err)
	}
}

// loadProfiles fetches one profile per student id. Failed fetches yield an
// empty profile so the prompt still covers every student.
func (s *Service) loadProfiles(ctx context.Context, studentIDs []string, logger *slog.Logger) []models.StudentProfile {
	profiles := make([]models.StudentProfile, 0, len(studentIDs))
	for _, id := range studentIDs {
		p, err := s.profiles.StudentProfile(ctx, id)
		if err != nil {
			logger.Warn("fetch student profile", "student_id", id, "error", err)
			p = models.StudentProfile{}
		}
		profiles = append(profiles, p)
	}
	return profiles
}

func (s *Service) ensureTitle(ctx context.Context, teacherID, sessionID, body string, logger *slog.Logger) {
	title, err := s.history.Title(ctx, teacherID, sessionID)
	if err != nil {
		logger.Warn("read conversation title", "error", err)
		return
	}
	if title != "" {
		return
	}
	raw, err := s.streamer.Generate(ctx, []*schema.Message{schema.UserMessage(titleRequest(body))})
	if err != nil {
		logger.Warn("generate title", "error", err)
		return
	}
	title = cleanTitle(raw)
	if title == "" {
		return
	}
	if err := s.history.UpdateTitle(ctx, teacherID, sessionID, title); err != nil {
		logger.Warn("update conversation title", "error", err)
	}
}

// buildConversation replays prior messages after the system prompt and ends
// with the current teacher message.
func buildConversation(system string, prior []models.HistoryMessage, body string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(prior)+2)
	msgs = append(msgs, schema.SystemMessage(system))
	for _, m := range prior {
		if models.RoleForSender(strings.ToLower(m.Sender)) == models.RoleTeacher {
			msgs = append(msgs, schema.UserMessage(m.Message))
		} else {
			msgs = append(msgs, schema.AssistantMessage(m.Message, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(body))
	return msgs
}
