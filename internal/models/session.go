package models

import (
	"strings"
	"time"
)

// Scope says whether a conversation covers a whole class or one student.
type Scope string

const (
	ScopeGeneral Scope = "general"
	ScopeStudent Scope = "student"
)

// ScopeFor returns student scope for exactly one student id, general otherwise.
func ScopeFor(studentIDs []string) Scope {
	if len(studentIDs) == 1 {
		return ScopeStudent
	}
	return ScopeGeneral
}

// Session identifies one logical conversation from the client's side.
// ID stays empty until the server supplies one.
type Session struct {
	ID         string   `json:"id"`
	TeacherID  string   `json:"teacher_id"`
	ClassID    string   `json:"class_id"`
	StudentIDs []string `json:"student_ids"`
}

func (s Session) Scope() Scope {
	return ScopeFor(s.StudentIDs)
}

// ConversationItem is a conversation metadata row.
type ConversationItem struct {
	TeacherID      string   `json:"TeacherId"`
	SortID         string   `json:"sortId"`
	CreatedAt      UnixTime `json:"created_at"`
	ConversationID string   `json:"conversation_id"`
	Title          string   `json:"title"`
	Type           Scope    `json:"type,omitempty"`
	StudentIDs     []string `json:"student_ids,omitempty"`
	ClassID        string   `json:"class_id,omitempty"`
}

// ID returns the conversation id, falling back to the CONV#<id> sort key.
func (c ConversationItem) ID() string {
	if c.ConversationID != "" {
		return c.ConversationID
	}
	parts := strings.SplitN(c.SortID, "#", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

// DisplayTitle falls back to a scope-based label for untitled conversations.
func (c ConversationItem) DisplayTitle(roster Roster) string {
	if c.Title != "" {
		return c.Title
	}
	if c.Type == ScopeStudent {
		if len(c.StudentIDs) == 1 {
			if name, ok := roster[c.StudentIDs[0]]; ok {
				return name + " Chat"
			}
		}
		return "Student Chat"
	}
	return "General Chat"
}

// ConversationSortKey and MessageSortKey build the history row keys.
func ConversationSortKey(conversationID string) string {
	return "CONV#" + conversationID
}

func MessageSortKey(conversationID, messageID string) string {
	return "CHAT#" + conversationID + "#MSG#" + messageID
}

// MessageSortPrefix is the common prefix of every message row in a conversation.
func MessageSortPrefix(conversationID string) string {
	return "CHAT#" + conversationID + "#MSG"
}

// DefaultMessageRetention bounds how long history messages are kept.
const DefaultMessageRetention = 90 * 24 * time.Hour
