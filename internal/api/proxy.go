package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"coteacher/internal/gateway"
	"coteacher/internal/models"
	"coteacher/internal/service/history"

	"github.com/gin-gonic/gin"
)

const internalErrorBody = `{"error":"Internal server error"}`

func (h *Handler) upstreamFailed(c *gin.Context, route string, err error) {
	h.logger.Error("upstream request failed", "route", route, "error", err)
	c.JSON(http.StatusInternalServerError, models.Envelope{StatusCode: http.StatusInternalServerError, Body: internalErrorBody})
}

// readBody decodes the JSON request body into a generic map.
func readBody(c *gin.Context) (map[string]any, bool) {
	body := map[string]any{}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	if len(raw) == 0 {
		return body, true
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	return body, true
}

func stringValue(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

// forward posts body to endpoint and relays the upstream reply verbatim.
func (h *Handler) forward(c *gin.Context, route, endpoint string, body map[string]any) ([]byte, bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		h.upstreamFailed(c, route, err)
		return nil, false
	}
	status, data, err := h.gateway.Forward(c.Request.Context(), endpoint, payload)
	if err != nil {
		h.upstreamFailed(c, route, err)
		return nil, false
	}
	if !json.Valid(data) {
		h.upstreamFailed(c, route, fmt.Errorf("upstream returned status %d with a non-JSON body", status))
		return nil, false
	}
	c.Data(status, "application/json", data)
	return data, status >= 200 && status < 300
}

func (h *Handler) classes(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	teacherID, ok := h.resolveTeacher(c, stringValue(body, "teacherID"))
	if !ok {
		return
	}
	body["teacherID"] = teacherID
	h.forward(c, "classes", h.gateway.Endpoints().Classes, body)
}

func (h *Handler) students(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	classID := stringValue(body, "classID")
	if h.cacheStudents && classID != "" {
		if r, found := h.roster.Get(c.Request.Context(), classID); found {
			c.JSON(http.StatusOK, models.Envelope{StatusCode: http.StatusOK, Body: r})
			return
		}
	}
	data, ok := h.forward(c, "students", h.gateway.Endpoints().Students, body)
	if !ok || !h.cacheStudents || classID == "" {
		return
	}
	var r models.Roster
	if err := gateway.DecodeEnvelope(data, &r); err != nil {
		h.logger.Warn("roster not cached", "class_id", classID, "error", err)
		return
	}
	h.roster.Set(c.Request.Context(), classID, r)
}

func (h *Handler) studentProfile(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	h.forward(c, "student_profile", h.gateway.Endpoints().StudentProfile, body)
}

func (h *Handler) chatHistory(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	claimed := stringValue(body, "teacherId")
	if claimed == "" && h.auth == nil {
		c.JSON(http.StatusBadRequest, models.Envelope{StatusCode: http.StatusBadRequest, Body: "Missing teacherId parameter"})
		return
	}
	teacherID, ok := h.resolveTeacher(c, claimed)
	if !ok {
		return
	}
	conversationID := stringValue(body, "conversationId")
	ctx := c.Request.Context()

	if h.localHistory {
		var (
			data any
			err  error
		)
		if conversationID != "" {
			data, err = h.history.ListMessages(ctx, teacherID, conversationID)
		} else {
			data, err = h.history.ListConversations(ctx, teacherID, stringValue(body, "classId"))
		}
		if err != nil {
			h.upstreamFailed(c, "chat_history", err)
			return
		}
		c.JSON(http.StatusOK, models.Envelope{StatusCode: http.StatusOK, Body: data})
		return
	}

	body["teacherId"] = teacherID
	payload, err := json.Marshal(body)
	if err != nil {
		h.upstreamFailed(c, "chat_history", err)
		return
	}
	status, data, err := h.gateway.Forward(ctx, h.gateway.Endpoints().ChatHistory, payload)
	if err != nil {
		h.upstreamFailed(c, "chat_history", err)
		return
	}
	if status < 200 || status > 299 || !json.Valid(data) {
		h.upstreamFailed(c, "chat_history", fmt.Errorf("upstream returned status %d", status))
		return
	}
	c.JSON(http.StatusOK, models.Envelope{StatusCode: http.StatusOK, Body: json.RawMessage(data)})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	teacherID, ok := h.resolveTeacher(c, c.Query("teacherId"))
	if !ok {
		return
	}
	if teacherID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing teacherId"})
		return
	}
	err := h.history.DeleteConversation(c.Request.Context(), teacherID, c.Param("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case err != nil:
		h.logger.Error("delete conversation", "teacher_id", teacherID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete conversation failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}
