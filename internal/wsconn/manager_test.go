package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	accepted atomic.Int32
	conns    chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

type recorder struct {
	opened chan struct{}
	frames chan models.InboundFrame
	errs   chan error
	closes chan CloseInfo
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 16),
		frames: make(chan models.InboundFrame, 16),
		errs:   make(chan error, 16),
		closes: make(chan CloseInfo, 16),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnMessage: func(f models.InboundFrame) { r.frames <- f },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func(info CloseInfo) { r.closes <- info },
	}
}

// flakyDialer fails the first `failures` dials, then delegates to gorilla.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (d *flakyDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return nil, nil, errors.New("connection refused")
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

func (d *flakyDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newManager(url string, rec *recorder, opts ...Option) *Manager {
	cfg := Config{URL: url, TeacherID: "teacher@example.com", RetryDelay: 50 * time.Millisecond}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(cfg, rec.handler(), opts...)
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	ts.next(t)
	require.Equal(t, StateOpen, m.State())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, ts.accepted.Load())
	require.Len(t, rec.opened, 1)
}

func TestDialFailureSchedulesSingleRetry(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	dialer := &flakyDialer{failures: 1}
	m := newManager(ts.wsURL(), rec, WithDialer(dialer))
	t.Cleanup(m.Disconnect)

	err := m.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateIdle, m.State())
	require.True(t, m.RetryPending())
	require.Len(t, rec.errs, 1)

	require.Eventually(t, func() bool { return m.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	ts.next(t)
	require.Equal(t, 2, dialer.Calls())
	require.False(t, m.RetryPending())
}

func TestManualConnectCancelsPendingRetry(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	dialer := &flakyDialer{failures: 1}
	cfg := Config{URL: ts.wsURL(), RetryDelay: 150 * time.Millisecond}
	m := New(cfg, rec.handler(), WithDialer(dialer), WithLogger(logging.Discard()))

	require.Error(t, m.Connect(context.Background()))
	require.True(t, m.RetryPending())

	require.NoError(t, m.Connect(context.Background()))
	ts.next(t)
	require.False(t, m.RetryPending())

	// Going idle again must not let the cancelled timer reconnect.
	m.Disconnect()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 2, dialer.Calls())
	require.Equal(t, StateIdle, m.State())
}

func TestRepeatedErrorsKeepOneTimer(t *testing.T) {
	rec := newRecorder()
	dialer := &flakyDialer{failures: 100}
	cfg := Config{URL: "ws://127.0.0.1:1/ws", RetryDelay: time.Hour}
	m := New(cfg, rec.handler(), WithDialer(dialer), WithLogger(logging.Discard()))
	t.Cleanup(m.Disconnect)

	require.Error(t, m.Connect(context.Background()))
	first := m.retry
	require.Error(t, m.Connect(context.Background()))
	require.True(t, m.RetryPending())
	require.NotSame(t, first, m.retry)
	require.False(t, first.Stop(), "replaced timer should already be stopped")
}

func TestInvalidURLDoesNotRetry(t *testing.T) {
	rec := newRecorder()
	m := newManager("http://example.com/socket", rec)

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrInvalidURL)
	require.Equal(t, StateIdle, m.State())
	require.False(t, m.RetryPending())
	require.Empty(t, rec.errs)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"message":"hi","sessionId":"s1","is_streaming":true}`)))

	select {
	case frame := <-rec.frames:
		require.Equal(t, "hi", frame.Message)
		require.Equal(t, "s1", frame.SessionID)
		require.True(t, frame.IsStreaming)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
	require.Empty(t, rec.frames)
	require.Equal(t, StateOpen, m.State())
}

func TestServerCloseReportsWithoutRetry(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)
	require.NoError(t, server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye")))

	select {
	case info := <-rec.closes:
		require.Equal(t, 4000, info.Code)
		require.Equal(t, "bye", info.Reason)
		require.True(t, info.Clean)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	require.Equal(t, StateIdle, m.State())
	require.False(t, m.RetryPending())
	require.Empty(t, rec.errs)
}

func TestAbnormalDropRetries(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)
	server.NetConn().Close()

	select {
	case <-rec.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
	select {
	case info := <-rec.closes:
		require.Equal(t, websocket.CloseAbnormalClosure, info.Code)
		require.False(t, info.Clean)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}

	require.Eventually(t, func() bool { return m.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	ts.next(t)
	require.EqualValues(t, 2, ts.accepted.Load())
}

func TestSendEnrichesFrame(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)
	t.Cleanup(m.Disconnect)

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	require.NoError(t, m.Send(models.OutboundFrame{Message: "hello", ClassID: "c1", StudentIDs: []string{"1"}}))

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "hello", got["message"])
	require.Equal(t, "hello", got["body"])
	require.Equal(t, "teacher@example.com", got["teacherId"])
	require.Equal(t, "c1", got["classId"])
	require.Contains(t, got, "sessionId")
	require.Nil(t, got["sessionId"])
}

func TestSendWithoutTransportDrops(t *testing.T) {
	m := newManager("ws://127.0.0.1:1/ws", newRecorder())
	err := m.Send(models.OutboundFrame{Message: "hello"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	m := newManager(ts.wsURL(), rec)

	require.NoError(t, m.Connect(context.Background()))
	ts.next(t)

	m.Disconnect()
	m.Disconnect()
	require.Equal(t, StateIdle, m.State())
	require.Len(t, rec.closes, 1)
	info := <-rec.closes
	require.Equal(t, websocket.CloseNormalClosure, info.Code)
	require.ErrorIs(t, m.Send(models.OutboundFrame{Message: "x"}), ErrNotConnected)
}
