// Package gateway calls the class, roster, profile and history endpoints.
// Every endpoint takes a small JSON POST body and answers either with a
// {statusCode, body} envelope, where body may itself be JSON text, or with
// the bare payload.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"coteacher/internal/config"
	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUpstream is the generic fetch failure: transport errors, non-2xx
	// HTTP status, non-200 embedded status or an unparsable body.
	ErrUpstream          = errors.New("upstream request failed")
	ErrMissingIdentifier = errors.New("missing identifier")
	ErrNoEndpoint        = errors.New("endpoint not configured")
)

type Endpoints struct {
	Classes            string
	Students           string
	StudentProfile     string
	ChatHistory        string
	EditStudentProfile string
}

// EndpointsFromConfig returns the upstream endpoints the server proxies to.
func EndpointsFromConfig(cfg config.UpstreamConfig) Endpoints {
	return Endpoints{
		Classes:            cfg.ClassesURL,
		Students:           cfg.StudentsURL,
		StudentProfile:     cfg.StudentProfileURL,
		ChatHistory:        cfg.ChatHistoryURL,
		EditStudentProfile: cfg.EditStudentProfileURL,
	}
}

// ServerEndpoints returns the proxy routes exposed by a coteacher server.
func ServerEndpoints(baseURL string) Endpoints {
	base := strings.TrimRight(baseURL, "/")
	return Endpoints{
		Classes:        base + "/api/classes",
		Students:       base + "/api/students",
		StudentProfile: base + "/api/student-profile",
		ChatHistory:    base + "/api/chat-history",
	}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBearerToken authenticates every request against a coteacher server.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

type Client struct {
	endpoints Endpoints
	http      *http.Client
	logger    *slog.Logger
	token     string
	duration  metric.Float64Histogram
}

func New(endpoints Endpoints, opts ...Option) *Client {
	c := &Client{endpoints: endpoints}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	c.logger = logging.OrDefault(c.logger).With("component", "gateway")
	hist, err := telemetry.Meter().Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Upstream gateway request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err == nil {
		c.duration = hist
	}
	return c
}

func (c *Client) Endpoints() Endpoints { return c.endpoints }

// Forward posts body to endpoint unchanged and returns the raw response.
// Transport failures wrap ErrUpstream; HTTP status is left to the caller.
func (c *Client) Forward(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	if endpoint == "" {
		return 0, nil, ErrNoEndpoint
	}
	ctx, span := telemetry.Tracer().Start(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", endpoint))

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Int("http.status_code", resp.StatusCode)))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, data, nil
}

// Classes lists the teacher's classes.
func (c *Client) Classes(ctx context.Context, teacherID string) ([]models.ClassInfo, error) {
	if teacherID == "" {
		return nil, fmt.Errorf("%w: teacherID", ErrMissingIdentifier)
	}
	var out []models.ClassInfo
	err := c.call(ctx, "classes", c.endpoints.Classes, map[string]string{"teacherID": teacherID}, &out)
	return out, err
}

// Students returns the roster of one class.
func (c *Client) Students(ctx context.Context, classID string) (models.Roster, error) {
	if classID == "" {
		return nil, fmt.Errorf("%w: classID", ErrMissingIdentifier)
	}
	var out models.Roster
	if err := c.call(ctx, "students", c.endpoints.Students, map[string]string{"classID": classID}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = models.Roster{}
	}
	return out, nil
}

// StudentProfile returns the raw profile document of one student.
func (c *Client) StudentProfile(ctx context.Context, studentID string) (models.StudentProfile, error) {
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentID", ErrMissingIdentifier)
	}
	var out models.StudentProfile
	err := c.call(ctx, "student_profile", c.endpoints.StudentProfile, map[string]string{"studentID": studentID}, &out)
	return out, err
}

// Conversations lists a teacher's conversations, optionally for one class.
func (c *Client) Conversations(ctx context.Context, teacherID, classID string) ([]models.ConversationItem, error) {
	if teacherID == "" {
		return nil, fmt.Errorf("%w: teacherId", ErrMissingIdentifier)
	}
	body := map[string]string{"teacherId": teacherID}
	if classID != "" {
		body["classId"] = classID
	}
	var out []models.ConversationItem
	err := c.call(ctx, "chat_history", c.endpoints.ChatHistory, body, &out)
	return out, err
}

// ChatMessages returns the stored messages of one conversation.
func (c *Client) ChatMessages(ctx context.Context, teacherID, conversationID string) ([]models.HistoryMessage, error) {
	if teacherID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: teacherId and conversationId", ErrMissingIdentifier)
	}
	var out []models.HistoryMessage
	err := c.call(ctx, "chat_messages", c.endpoints.ChatHistory,
		map[string]string{"teacherId": teacherID, "conversationId": conversationID}, &out)
	return out, err
}

// EditStudentProfile appends a teacher comment to a student's profile and
// returns the endpoint's confirmation text.
func (c *Client) EditStudentProfile(ctx context.Context, studentID, teacherID, comment string) (string, error) {
	if studentID == "" || teacherID == "" {
		return "", fmt.Errorf("%w: studentID and teacherID", ErrMissingIdentifier)
	}
	var out string
	err := c.call(ctx, "edit_student_profile", c.endpoints.EditStudentProfile, map[string]string{
		"studentID":      studentID,
		"teacherID":      teacherID,
		"teacherComment": comment,
	}, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, name, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", name, err)
	}
	status, data, err := c.Forward(ctx, endpoint, body)
	if err != nil {
		c.logger.Warn("gateway request failed", "endpoint", name, "error", err)
		return err
	}
	if status < 200 || status > 299 {
		c.logger.Warn("gateway returned error status", "endpoint", name, "status", status)
		return fmt.Errorf("%w: %s responded with status %d", ErrUpstream, name, status)
	}
	if err := DecodeEnvelope(data, out); err != nil {
		c.logger.Warn("gateway response rejected", "endpoint", name, "error", err)
		return err
	}
	return nil
}

// DecodeEnvelope decodes an upstream response into out. Envelopes with a
// statusCode other than 200 yield ErrUpstream. A body carried as JSON text
// is parsed a second time; when that parse fails and out is a *string the
// text itself is used. A body that is itself an envelope, as the server's
// chat-history route returns, is unwrapped again.
func DecodeEnvelope(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			StatusCode *int            `json:"statusCode"`
			Body       json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && env.StatusCode != nil {
			if *env.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: embedded status %d", ErrUpstream, *env.StatusCode)
			}
			return decodeBody(env.Body, out)
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrUpstream, err)
	}
	return nil
}

func decodeBody(body json.RawMessage, out any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if body[0] == '{' && isEnvelope(body) {
		return DecodeEnvelope(body, out)
	}
	if body[0] != '"' {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode body: %v", ErrUpstream, err)
		}
		return nil
	}
	var text string
	if err := json.Unmarshal(body, &text); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrUpstream, err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		if s, ok := out.(*string); ok {
			*s = text
			return nil
		}
		return fmt.Errorf("%w: decode body text: %v", ErrUpstream, err)
	}
	return nil
}

func isEnvelope(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasStatus := probe["statusCode"]
	_, hasBody := probe["body"]
	return hasStatus && hasBody
}
