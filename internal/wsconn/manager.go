// Package wsconn owns the client end of the streaming chat transport.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"

	"github.com/gorilla/websocket"
)

// DefaultRetryDelay is the fixed wait before reconnecting after a transport error.
const DefaultRetryDelay = 3 * time.Second

var (
	ErrNotConnected = errors.New("stream transport not open")
	ErrInvalidURL   = errors.New("invalid stream url")
	// ErrSuperseded is returned by Connect when a later Connect or Disconnect
	// replaced the attempt before it finished.
	ErrSuperseded = errors.New("connect attempt superseded")
)

// State is the lifecycle state of the transport.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "idle"
	}
}

// CloseInfo carries the close metadata reported to the consumer.
type CloseInfo struct {
	Code   int
	Reason string
	Clean  bool
}

// Handler receives lifecycle events. Nil callbacks are skipped. Callbacks run
// on the manager's reader goroutine and must not block for long.
type Handler struct {
	OnOpen    func()
	OnMessage func(models.InboundFrame)
	OnError   func(error)
	OnClose   func(CloseInfo)
}

// Dialer opens a websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL string
	// TeacherID fills outbound frames that carry no teacher identity.
	TeacherID        string
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns at most one transport and one pending retry timer.
type Manager struct {
	cfg     Config
	handler Handler
	dialer  Dialer
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64
	retry    *time.Timer
	retrySeq uint64

	writeMu sync.Mutex
}

func New(cfg Config, handler Handler, opts ...Option) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	m := &Manager{cfg: cfg, handler: handler}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	m.logger = logging.OrDefault(m.logger).With("component", "wsconn")
	return m
}

// URL returns the socket URL the manager dials.
func (m *Manager) URL() string { return m.cfg.URL }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// RetryPending reports whether a reconnect timer is armed.
func (m *Manager) RetryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry != nil
}

// Connect opens the transport and blocks until it is open or the attempt
// failed. It is a no-op while the transport is open. A pending retry is
// cancelled and any stale transport is closed first.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	stale := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	if err := validateURL(m.cfg.URL); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateIdle
		}
		m.mu.Unlock()
		m.logger.Error("cannot open stream transport", "url", m.cfg.URL, "error", err)
		return err
	}

	m.logger.Info("opening stream transport", "url", m.cfg.URL)
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			m.mu.Lock()
			if m.gen == gen {
				m.state = StateIdle
			}
			m.mu.Unlock()
			return ctx.Err()
		}
		err = fmt.Errorf("dial %s: %w", m.cfg.URL, err)
		if !m.fail(gen, err) {
			return ErrSuperseded
		}
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return ErrSuperseded
	}
	m.conn = conn
	m.state = StateOpen
	m.mu.Unlock()

	m.logger.Info("stream transport open", "url", m.cfg.URL)
	if m.handler.OnOpen != nil {
		m.handler.OnOpen()
	}
	go m.readLoop(gen, conn)
	return nil
}

// Disconnect cancels any pending retry and closes the transport. Repeated
// calls are harmless.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.state = StateIdle
	m.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	m.logger.Info("stream transport closed by client")
	if m.handler.OnClose != nil {
		m.handler.OnClose(CloseInfo{Code: websocket.CloseNormalClosure, Reason: "client disconnect", Clean: true})
	}
}

// Send writes one frame. Frames are never queued: when the transport is not
// open the frame is dropped and ErrNotConnected returned.
func (m *Manager) Send(frame models.OutboundFrame) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || conn == nil {
		m.logger.Warn("stream transport not open, dropping frame")
		return ErrNotConnected
	}

	frame.Body = frame.Message
	if frame.TeacherID == "" {
		frame.TeacherID = m.cfg.TeacherID
	}
	if frame.StudentIDs == nil {
		frame.StudentIDs = []string{}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	session := "<new>"
	if frame.SessionID != nil {
		session = *frame.SessionID
	}
	m.logger.Debug("frame sent", "session_id", session)
	return nil
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(gen, conn, err)
			return
		}
		if !m.current(gen) {
			return
		}
		var frame models.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		if m.handler.OnMessage != nil {
			m.handler.OnMessage(frame)
		}
	}
}

func (m *Manager) handleReadError(gen uint64, conn *websocket.Conn, err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.conn = nil
		m.state = StateIdle
		m.mu.Unlock()
		conn.Close()
		m.logger.Info("stream transport closed", "code", ce.Code, "reason", ce.Text)
		if m.handler.OnClose != nil {
			m.handler.OnClose(CloseInfo{Code: ce.Code, Reason: ce.Text, Clean: true})
		}
		return
	}

	if !m.fail(gen, err) {
		return
	}
	conn.Close()
	if m.handler.OnClose != nil {
		m.handler.OnClose(CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Clean: false})
	}
}

// fail moves the current generation to idle, arms a single retry and
// notifies the consumer. It reports false for superseded generations.
func (m *Manager) fail(gen uint64, err error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.state = StateIdle
	m.scheduleRetryLocked()
	m.mu.Unlock()

	m.logger.Warn("stream transport error", "url", m.cfg.URL, "error", err, "retry_in", m.cfg.RetryDelay)
	if m.handler.OnError != nil {
		m.handler.OnError(err)
	}
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) scheduleRetryLocked() {
	m.stopRetryLocked()
	seq := m.retrySeq
	m.retry = time.AfterFunc(m.cfg.RetryDelay, func() { m.fireRetry(seq) })
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retrySeq++
}

func (m *Manager) fireRetry(seq uint64) {
	m.mu.Lock()
	if m.retry == nil || m.retrySeq != seq {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	open := m.state == StateOpen
	m.mu.Unlock()
	if open {
		return
	}
	m.logger.Info("reconnecting stream transport")
	if err := m.Connect(context.Background()); err != nil && !errors.Is(err, ErrSuperseded) {
		m.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
