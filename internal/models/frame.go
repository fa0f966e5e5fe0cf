package models

// StatusComplete marks the final frame of a streamed turn.
const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// InboundFrame is a server-to-client frame on the streaming transport.
type InboundFrame struct {
	Message     string `json:"message,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status,omitempty"`
	IsStreaming bool   `json:"is_streaming"`
	Error       string `json:"error,omitempty"`
}

func (f InboundFrame) Complete() bool {
	return f.Status == StatusComplete
}

// OutboundFrame is a client-to-server chat request. SessionID is nil for a
// conversation the server has not assigned yet.
type OutboundFrame struct {
	Message    string   `json:"message"`
	Body       string   `json:"body"`
	StudentIDs []string `json:"studentIDs"`
	SessionID  *string  `json:"sessionId"`
	TeacherID  string   `json:"teacherId"`
	ClassID    string   `json:"classId"`
}
