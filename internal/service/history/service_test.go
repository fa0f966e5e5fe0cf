package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"coteacher/internal/config"
	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	return NewService(db, 0, logging.Discard()), db
}

// fixedClock returns a clock that advances one second per call.
func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		now := cur
		cur = cur.Add(time.Second)
		return now
	}
}

func TestCreateAndListConversations(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = fixedClock(time.Unix(1000, 0))
	ctx := context.Background()

	first, err := svc.CreateConversation(ctx, "t1", NewConversation{ClassID: "c1", StudentIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if first.ConversationID == "" || first.Type != models.ScopeStudent {
		t.Fatalf("unexpected conversation: %+v", first)
	}
	if first.SortID != "CONV#"+first.ConversationID {
		t.Fatalf("unexpected sort id %q", first.SortID)
	}
	if _, err := svc.CreateConversation(ctx, "t1", NewConversation{ID: "general", ClassID: "c1"}); err != nil {
		t.Fatalf("create general conversation: %v", err)
	}
	if _, err := svc.CreateConversation(ctx, "t1", NewConversation{ID: "other", ClassID: "c2"}); err != nil {
		t.Fatalf("create other conversation: %v", err)
	}
	if _, err := svc.CreateConversation(ctx, "t2", NewConversation{ID: "foreign", ClassID: "c1"}); err != nil {
		t.Fatalf("create foreign conversation: %v", err)
	}

	items, err := svc.ListConversations(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(items))
	}
	if items[0].ConversationID != first.ConversationID || items[1].ConversationID != "general" {
		t.Fatalf("conversations not ordered oldest first: %+v", items)
	}
	if items[1].Type != models.ScopeGeneral || len(items[1].StudentIDs) != 0 {
		t.Fatalf("expected general conversation without students, got %+v", items[1])
	}
	if len(items[0].StudentIDs) != 1 || items[0].StudentIDs[0] != "s1" {
		t.Fatalf("student ids not restored: %+v", items[0].StudentIDs)
	}

	all, err := svc.ListConversations(ctx, "t1", "")
	if err != nil {
		t.Fatalf("list all conversations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conversations across classes, got %d", len(all))
	}
}

func TestAppendAndListMessages(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = fixedClock(time.Unix(2000, 0))
	ctx := context.Background()

	if _, err := svc.AppendMessage(ctx, "t1", "conv", "how is Ana doing?", models.SenderUser); err != nil {
		t.Fatalf("append user message: %v", err)
	}
	stored, err := svc.AppendMessage(ctx, "t1", "conv", "Ana is improving.", models.SenderAssistant)
	if err != nil {
		t.Fatalf("append assistant message: %v", err)
	}
	if !strings.HasPrefix(stored.SortID, models.MessageSortPrefix("conv")) {
		t.Fatalf("unexpected message sort id %q", stored.SortID)
	}
	if _, err := svc.AppendMessage(ctx, "t1", "elsewhere", "unrelated", models.SenderUser); err != nil {
		t.Fatalf("append unrelated message: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, "t1", "conv")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != models.SenderUser || msgs[1].Sender != models.SenderAssistant {
		t.Fatalf("messages out of order: %+v", msgs)
	}
	if msgs[0].CreatedAt >= msgs[1].CreatedAt {
		t.Fatalf("expected ascending created_at, got %v then %v", msgs[0].CreatedAt, msgs[1].CreatedAt)
	}
}

func TestMissingIdentifiers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AppendMessage(ctx, "", "conv", "x", models.SenderUser); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, "t1", ""); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
	if _, err := svc.ListConversations(ctx, "", "c1"); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected ErrMissingIdentifier, got %v", err)
	}
}

func TestTitleLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateConversation(ctx, "t1", NewConversation{ID: "conv", ClassID: "c1"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	title, err := svc.Title(ctx, "t1", "conv")
	if err != nil || title != "" {
		t.Fatalf("expected empty title, got %q (%v)", title, err)
	}
	if err := svc.UpdateTitle(ctx, "t1", "conv", "  Reading groups  "); err != nil {
		t.Fatalf("update title: %v", err)
	}
	if title, _ = svc.Title(ctx, "t1", "conv"); title != "Reading groups" {
		t.Fatalf("unexpected title %q", title)
	}
	if err := svc.UpdateTitle(ctx, "t1", "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.UpdateTitle(ctx, "t1", "conv", "  "); err == nil {
		t.Fatalf("expected error for blank title")
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateConversation(ctx, "t1", NewConversation{ID: "conv", ClassID: "c1"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := svc.AppendMessage(ctx, "t1", "conv", text, models.SenderUser); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	if err := svc.DeleteConversation(ctx, "t1", "conv"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`, "conv").Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages removed, found %d", count)
	}
	if err := svc.DeleteConversation(ctx, "t1", "conv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestExpiredMessagesAreHiddenAndPurged(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, time.Hour, logging.Discard())
	ctx := context.Background()

	base := time.Unix(10_000, 0)
	svc.now = func() time.Time { return base }
	if _, err := svc.AppendMessage(ctx, "t1", "conv", "old", models.SenderUser); err != nil {
		t.Fatalf("append old message: %v", err)
	}
	svc.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, err := svc.AppendMessage(ctx, "t1", "conv", "recent", models.SenderUser); err != nil {
		t.Fatalf("append recent message: %v", err)
	}

	svc.now = func() time.Time { return base.Add(61 * time.Minute) }
	msgs, err := svc.ListMessages(ctx, "t1", "conv")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Message != "recent" {
		t.Fatalf("expected only the recent message, got %+v", msgs)
	}

	n, err := svc.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}

func TestExpiryCleanerStopsWithContext(t *testing.T) {
	svc, db := newTestService(t)
	base := time.Unix(50_000, 0)
	svc.now = func() time.Time { return base }
	if _, err := svc.AppendMessage(context.Background(), "t1", "conv", "stale", models.SenderUser); err != nil {
		t.Fatalf("append message: %v", err)
	}
	svc.now = func() time.Time { return base.Add(models.DefaultMessageRetention + time.Second) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartExpiryCleaner(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&count); err != nil {
			t.Fatalf("count messages: %v", err)
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cleaner did not purge expired messages")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
