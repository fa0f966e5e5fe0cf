package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []models.OutboundFrame
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Send(frame models.OutboundFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

type fakeHistory struct {
	items   map[string][]models.HistoryMessage
	calls   int
	release chan struct{}
	started chan string
}

func (f *fakeHistory) ChatMessages(ctx context.Context, teacherID, conversationID string) ([]models.HistoryMessage, error) {
	f.calls++
	if f.started != nil {
		f.started <- conversationID
	}
	if f.release != nil {
		<-f.release
	}
	items, ok := f.items[conversationID]
	if !ok {
		return nil, errors.New("not found")
	}
	return items, nil
}

func newTestController(sender Sender, history HistoryFetcher) *Controller {
	scope := Scope{TeacherID: "t@example.com", ClassID: "c1", StudentIDs: []string{"s1"}}
	return NewController(scope, sender, history, logging.Discard())
}

func TestPartialFramesAccumulateUntilComplete(t *testing.T) {
	c := newTestController(&fakeSender{connected: true}, &fakeHistory{})

	c.HandleFrame(models.InboundFrame{Message: "Hel", SessionID: "s-1", IsStreaming: true})
	c.HandleFrame(models.InboundFrame{Message: "lo", SessionID: "s-1", IsStreaming: true})
	snap := c.Snapshot()
	require.Empty(t, snap.Messages)
	require.Equal(t, "Hello", snap.Streaming)

	c.HandleFrame(models.InboundFrame{SessionID: "s-1", Status: models.StatusComplete})
	snap = c.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, models.RoleAssistant, snap.Messages[0].Role)
	require.Equal(t, "Hello", snap.Messages[0].Text)
	require.Empty(t, snap.Streaming)
}

func TestSessionIDLatchesFirstValue(t *testing.T) {
	c := newTestController(&fakeSender{connected: true}, &fakeHistory{})

	c.HandleFrame(models.InboundFrame{Message: "a", SessionID: "first"})
	c.HandleFrame(models.InboundFrame{Message: "b", SessionID: "second"})
	require.Equal(t, "first", c.SessionID())
}

func TestSubmitFinalizesBufferBeforeTeacherMessage(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := newTestController(sender, &fakeHistory{})
	c.HandleFrame(models.InboundFrame{Message: "partial", SessionID: "s-9"})

	require.NoError(t, c.Submit("  next question  "))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, models.RoleAssistant, snap.Messages[0].Role)
	require.Equal(t, "partial", snap.Messages[0].Text)
	require.Equal(t, models.RoleTeacher, snap.Messages[1].Role)
	require.Equal(t, "next question", snap.Messages[1].Text)
	require.Empty(t, snap.Streaming)

	require.Len(t, sender.sent, 1)
	frame := sender.sent[0]
	require.Equal(t, "next question", frame.Message)
	require.Equal(t, []string{"s1"}, frame.StudentIDs)
	require.Equal(t, "t@example.com", frame.TeacherID)
	require.Equal(t, "c1", frame.ClassID)
	require.NotNil(t, frame.SessionID)
	require.Equal(t, "s-9", *frame.SessionID)
}

func TestSubmitWithoutSessionSendsNullSession(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := newTestController(sender, &fakeHistory{})

	require.NoError(t, c.Submit("hello"))
	require.Nil(t, sender.sent[0].SessionID)
}

func TestSubmitRequiresOpenTransport(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(sender, &fakeHistory{})
	c.HandleFrame(models.InboundFrame{Message: "partial"})

	require.ErrorIs(t, c.Submit("hello"), ErrNotConnected)
	snap := c.Snapshot()
	require.Empty(t, snap.Messages)
	require.Equal(t, "partial", snap.Streaming)
	require.ErrorIs(t, c.Submit("   "), ErrEmptyMessage)
}

func TestNewChatClearsState(t *testing.T) {
	c := newTestController(&fakeSender{connected: true}, &fakeHistory{})
	c.HandleFrame(models.InboundFrame{Message: "x", SessionID: "s"})
	require.NoError(t, c.Submit("q"))

	c.NewChat()
	snap := c.Snapshot()
	require.Empty(t, snap.SessionID)
	require.Empty(t, snap.Messages)
	require.Empty(t, snap.Streaming)
}

func TestSortHistoryAscending(t *testing.T) {
	items := []models.HistoryMessage{{CreatedAt: 5}, {CreatedAt: 1}, {CreatedAt: 3}}
	sorted := SortHistory(items)
	require.Equal(t, models.UnixTime(1), sorted[0].CreatedAt)
	require.Equal(t, models.UnixTime(3), sorted[1].CreatedAt)
	require.Equal(t, models.UnixTime(5), sorted[2].CreatedAt)
	require.Equal(t, models.UnixTime(5), items[0].CreatedAt, "input must not be reordered")
}

func TestSelectConversationInstallsSortedHistory(t *testing.T) {
	history := &fakeHistory{items: map[string][]models.HistoryMessage{
		"conv-1": {
			{CreatedAt: 20, Message: "answer", Sender: "assistant"},
			{CreatedAt: 10, Message: "question", Sender: "user"},
			{CreatedAt: 30, Message: "tool note", Sender: "system"},
		},
	}}
	c := newTestController(&fakeSender{connected: true}, history)
	c.HandleFrame(models.InboundFrame{Message: "stale"})

	require.NoError(t, c.SelectConversation(context.Background(), "conv-1"))
	snap := c.Snapshot()
	require.Equal(t, "conv-1", snap.SessionID)
	require.Empty(t, snap.Streaming)
	require.Len(t, snap.Messages, 3)
	require.Equal(t, models.RoleTeacher, snap.Messages[0].Role)
	require.Equal(t, "question", snap.Messages[0].Text)
	require.Equal(t, models.RoleAssistant, snap.Messages[1].Role)
	require.Equal(t, models.RoleAssistant, snap.Messages[2].Role)
}

func TestSelectConversationDiscardsSupersededResponse(t *testing.T) {
	history := &fakeHistory{
		items: map[string][]models.HistoryMessage{
			"old": {{CreatedAt: 1, Message: "old", Sender: "user"}},
		},
		release: make(chan struct{}),
		started: make(chan string, 1),
	}
	c := newTestController(&fakeSender{connected: true}, history)

	errc := make(chan error, 1)
	go func() { errc <- c.SelectConversation(context.Background(), "old") }()
	<-history.started
	c.NewChat()
	close(history.release)

	require.ErrorIs(t, <-errc, ErrSuperseded)
	snap := c.Snapshot()
	require.Empty(t, snap.SessionID)
	require.Empty(t, snap.Messages)
}

func TestSelectConversationFailsFastWithoutTeacher(t *testing.T) {
	history := &fakeHistory{}
	c := NewController(Scope{ClassID: "c1"}, &fakeSender{connected: true}, history, logging.Discard())

	require.ErrorIs(t, c.SelectConversation(context.Background(), "conv"), ErrMissingIdentifier)
	require.ErrorIs(t, c.Submit("hi"), ErrMissingIdentifier)
	require.Zero(t, history.calls)
}

func TestListenerReceivesSnapshots(t *testing.T) {
	c := newTestController(&fakeSender{connected: true}, &fakeHistory{})
	var got []Snapshot
	c.SetListener(func(s Snapshot) { got = append(got, s) })

	c.HandleFrame(models.InboundFrame{Message: "a"})
	c.HandleFrame(models.InboundFrame{Status: models.StatusComplete})
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Streaming)
	require.Len(t, got[1].Messages, 1)
}

func TestFailedSelectionClearsSession(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := newTestController(sender, &fakeHistory{items: map[string][]models.HistoryMessage{}})
	c.HandleFrame(models.InboundFrame{Message: "hi", SessionID: "conv-A", Status: models.StatusComplete})
	require.Equal(t, "conv-A", c.SessionID())

	err := c.SelectConversation(context.Background(), "conv-B-missing")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSuperseded)
	require.Empty(t, c.SessionID())
	require.Empty(t, c.Snapshot().Messages)

	require.NoError(t, c.Submit("next question"))
	require.Len(t, sender.sent, 1)
	require.Nil(t, sender.sent[0].SessionID)
}

func TestSelectionInFlightLatchesNewSession(t *testing.T) {
	history := &fakeHistory{
		items:   map[string][]models.HistoryMessage{"conv-B": {{CreatedAt: 1, Message: "q", Sender: "user"}}},
		release: make(chan struct{}),
		started: make(chan string, 1),
	}
	c := newTestController(&fakeSender{connected: true}, history)
	c.HandleFrame(models.InboundFrame{SessionID: "conv-A"})

	errc := make(chan error, 1)
	go func() { errc <- c.SelectConversation(context.Background(), "conv-B") }()
	<-history.started
	require.Empty(t, c.SessionID())

	close(history.release)
	require.NoError(t, <-errc)
	require.Equal(t, "conv-B", c.SessionID())
}

func TestSupersededFailedSelectionReportsSuperseded(t *testing.T) {
	history := &fakeHistory{
		items:   map[string][]models.HistoryMessage{},
		release: make(chan struct{}),
		started: make(chan string, 1),
	}
	c := newTestController(&fakeSender{connected: true}, history)

	errc := make(chan error, 1)
	go func() { errc <- c.SelectConversation(context.Background(), "gone") }()
	<-history.started
	c.NewChat()
	close(history.release)

	require.ErrorIs(t, <-errc, ErrSuperseded)
}

type blockingSender struct {
	entered chan struct{}
	gate    chan struct{}
}

func (b *blockingSender) Connected() bool { return true }

func (b *blockingSender) Send(models.OutboundFrame) error {
	close(b.entered)
	<-b.gate
	return nil
}

func TestSubmitSendsOutsideLock(t *testing.T) {
	sender := &blockingSender{entered: make(chan struct{}), gate: make(chan struct{})}
	c := newTestController(sender, &fakeHistory{})

	errc := make(chan error, 1)
	go func() { errc <- c.Submit("hello") }()
	<-sender.entered

	handled := make(chan struct{})
	go func() {
		c.HandleFrame(models.InboundFrame{Message: "reply", SessionID: "s-1"})
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleFrame blocked while a frame was being sent")
	}

	close(sender.gate)
	require.NoError(t, <-errc)
	require.Equal(t, "reply", c.Snapshot().Streaming)
}
