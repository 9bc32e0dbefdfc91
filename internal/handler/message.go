package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gowa-gateway/internal/session"
)

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// POST /sessions/:sessionId/send
func (h *Handler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST", err.Error())
	}
	if req.To == "" || req.Text == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Fields 'to' and 'text' are required", "VALIDATION_ERROR", "")
	}

	s, err := h.Registry.Get(c.Param("sessionId"))
	if err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "Create the session first")
	}

	messageID, err := s.SendMessage(c.Request().Context(), req.To, req.Text)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			return ErrorResponse(c, http.StatusConflict, "Session is not connected", "NOT_CONNECTED", "Check the session status endpoint")
		}
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to send message", "SEND_FAILED", err.Error())
	}

	return SuccessResponse(c, http.StatusOK, "Message sent", map[string]interface{}{
		"messageId": messageID,
		"to":        req.To,
	})
}
