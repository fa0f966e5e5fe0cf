package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Role identifies who authored a displayed message.
type Role string

const (
	RoleTeacher   Role = "teacher"
	RoleAssistant Role = "assistant"
)

// Sender tags stored with history rows.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message is one finalized entry in a chat view.
type Message struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleForSender maps a stored sender tag onto a display role.
func RoleForSender(sender string) Role {
	if sender == SenderUser {
		return RoleTeacher
	}
	return RoleAssistant
}

// HistoryMessage is a persisted chat message as returned by the history endpoint.
type HistoryMessage struct {
	TeacherID string   `json:"TeacherId"`
	SortID    string   `json:"sortId"`
	CreatedAt UnixTime `json:"created_at"`
	Message   string   `json:"message"`
	Sender    string   `json:"sender"`
}

// UnixTime is a Unix timestamp in seconds. It decodes from JSON integers,
// floats and numeric strings.
type UnixTime float64

func NewUnixTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

func (u UnixTime) Time() time.Time {
	sec, frac := math.Modf(float64(u))
	return time.Unix(int64(sec), int64(frac*1e9))
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	if float64(u) == math.Trunc(float64(u)) {
		return []byte(strconv.FormatInt(int64(u), 10)), nil
	}
	return []byte(strconv.FormatFloat(float64(u), 'f', -1, 64)), nil
}

func (u *UnixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*u = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*u = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", string(data), err)
	}
	*u = UnixTime(v)
	return nil
}
