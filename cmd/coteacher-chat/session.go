package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coteacher/internal/chat"
	"coteacher/internal/models"
	"coteacher/internal/roster"
)

const helpText = `commands:
  /new           start a new conversation
  /history       list conversations for this class
  /open <n>      reopen conversation n from the last /history
  /students      show the class roster
  /classes       list your classes
  /quit          leave
anything else is sent to the assistant`

// Directory is the slice of the gateway the REPL needs.
type Directory interface {
	Classes(ctx context.Context, teacherID string) ([]models.ClassInfo, error)
	Students(ctx context.Context, classID string) (models.Roster, error)
	Conversations(ctx context.Context, teacherID, classID string) ([]models.ConversationItem, error)
}

type session struct {
	gateway    Directory
	rosters    *roster.Cache
	controller *chat.Controller
	out        *renderer
	teacherID  string
	classID    string
	turnWait   time.Duration

	listed []models.ConversationItem
}

func parseCommand(input string) (name, arg string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", "", false
	}
	fields := strings.SplitN(input[1:], " ", 2)
	name = strings.ToLower(fields[0])
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return name, arg, true
}

func (s *session) prompt() string {
	if id := s.controller.SessionID(); id != "" {
		return fmt.Sprintf("[%s] > ", shortID(id))
	}
	return "[new] > "
}

// exec runs one line of input and reports whether the REPL should stop.
func (s *session) exec(ctx context.Context, input string) (bool, error) {
	name, arg, ok := parseCommand(input)
	if !ok {
		return false, s.send(ctx, input)
	}
	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		s.out.notice(helpText)
	case "new":
		s.controller.NewChat()
		s.out.notice("started a new conversation")
	case "history":
		return false, s.history(ctx)
	case "open":
		return false, s.open(ctx, arg)
	case "students":
		return false, s.students(ctx)
	case "classes":
		return false, s.classes(ctx)
	default:
		return false, fmt.Errorf("unknown command /%s", name)
	}
	return false, nil
}

func (s *session) send(ctx context.Context, text string) error {
	done := s.out.expectTurn()
	if err := s.controller.Submit(text); err != nil {
		s.out.cancelTurn()
		return err
	}
	wait := s.turnWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.out.cancelTurn()
		return ctx.Err()
	case <-time.After(wait):
		s.out.cancelTurn()
		return errors.New("timed out waiting for a reply")
	}
}

func (s *session) history(ctx context.Context) error {
	items, err := s.gateway.Conversations(ctx, s.teacherID, s.classID)
	if err != nil {
		return err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt > items[j].CreatedAt })
	s.listed = items
	names, _ := s.roster(ctx)
	s.out.notice(formatConversations(items, names))
	return nil
}

func (s *session) open(ctx context.Context, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.listed) {
		return fmt.Errorf("usage: /open <n> with n from 1 to %d", len(s.listed))
	}
	if err := s.controller.SelectConversation(ctx, s.listed[n-1].ID()); err != nil {
		return err
	}
	snap := s.controller.Snapshot()
	s.out.transcript(snap.Messages)
	return nil
}

func (s *session) students(ctx context.Context) error {
	names, err := s.roster(ctx)
	if err != nil {
		return err
	}
	s.out.notice(formatRoster(names))
	return nil
}

func (s *session) classes(ctx context.Context) error {
	classes, err := s.gateway.Classes(ctx, s.teacherID)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, c := range classes {
		fmt.Fprintf(&b, "%s  %s (section %s, %s students)\n", c.ClassID, c.ClassTitle, c.SectionNumber, c.NumStudents)
	}
	if b.Len() == 0 {
		b.WriteString("no classes")
	}
	s.out.notice(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (s *session) roster(ctx context.Context) (models.Roster, error) {
	if s.classID == "" {
		return models.Roster{}, nil
	}
	return s.rosters.Load(ctx, s.classID, s.gateway.Students)
}

func formatConversations(items []models.ConversationItem, names models.Roster) string {
	if len(items) == 0 {
		return "no conversations yet"
	}
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%2d. %s", i+1, item.DisplayTitle(names))
		if item.CreatedAt > 0 {
			b.WriteString("  " + item.CreatedAt.Time().Local().Format("2006-01-02 15:04"))
		}
		if i < len(items)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func formatRoster(names models.Roster) string {
	if len(names) == 0 {
		return "no students"
	}
	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return names[ids[i]] < names[ids[j]] })
	var b strings.Builder
	for i, id := range ids {
		fmt.Fprintf(&b, "%s  %s", id, names[id])
		if i < len(ids)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderer prints streamed text as it arrives and signals when the pending
// turn is over.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	midLine bool
	done    chan struct{}
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) expectTurn() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = make(chan struct{})
	return r.done
}

func (r *renderer) cancelTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = nil
	r.endLineLocked()
}

func (r *renderer) frame(frame models.InboundFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if frame.Message != "" {
		io.WriteString(r.w, frame.Message)
		r.midLine = !strings.HasSuffix(frame.Message, "\n")
	}
	if frame.Error != "" || frame.Status == models.StatusError {
		r.endLineLocked()
		fmt.Fprintf(r.w, "! %s\n", frame.Error)
		r.finishLocked()
		return
	}
	if frame.Complete() {
		r.endLineLocked()
		r.finishLocked()
	}
}

func (r *renderer) notice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLineLocked()
	fmt.Fprintln(r.w, text)
}

func (r *renderer) transcript(messages []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLineLocked()
	for _, m := range messages {
		label := "assistant"
		if m.Role == models.RoleTeacher {
			label = "you"
		}
		fmt.Fprintf(r.w, "%s: %s\n", label, m.Text)
	}
}

func (r *renderer) endLineLocked() {
	if r.midLine {
		io.WriteString(r.w, "\n")
		r.midLine = false
	}
}

func (r *renderer) finishLocked() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}
