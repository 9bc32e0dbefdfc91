package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/dispatch"
	"gowa-gateway/internal/registry"
	"gowa-gateway/internal/session"
)

type Handler struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Log        zerolog.Logger
}

func generateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// POST /sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST", err.Error())
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = generateSessionID()
	}

	s, created, err := h.Registry.GetOrCreate(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, credstore.ErrInvalidID) {
			return ErrorResponse(c, http.StatusBadRequest, "Invalid session id", "INVALID_SESSION_ID", err.Error())
		}
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to create session", "CREATE_SESSION_FAILED", err.Error())
	}
	if created {
		if err := s.Start(); err != nil && !errors.Is(err, session.ErrAlreadyStarted) {
			return ErrorResponse(c, http.StatusInternalServerError, "Failed to start session", "START_FAILED", err.Error())
		}
	}

	info := s.Snapshot()
	message := "Session created"
	if !created {
		message = "Session already exists"
	}
	return SuccessResponse(c, http.StatusOK, message, info)
}

// GET /sessions
func (h *Handler) ListSessions(c echo.Context) error {
	infos := h.Registry.List()
	return SuccessResponse(c, http.StatusOK, "Sessions retrieved", map[string]interface{}{
		"total":    len(infos),
		"sessions": infos,
	})
}

// GET /sessions/:sessionId
func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.Registry.Get(c.Param("sessionId"))
	if err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	}
	return SuccessResponse(c, http.StatusOK, "Status retrieved", s.Snapshot())
}

// POST /sessions/:sessionId/stop
// Closes the connection but keeps credentials, so the account can resume.
func (h *Handler) StopSession(c echo.Context) error {
	id := c.Param("sessionId")
	if err := h.Registry.Remove(c.Request().Context(), id, false); err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	}
	return SuccessResponse(c, http.StatusOK, "Session stopped", map[string]interface{}{"sessionId": id})
}

// DELETE /sessions/:sessionId
// Logs the device out of the account and deletes stored credentials.
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("sessionId")
	if err := h.Registry.Remove(c.Request().Context(), id, true); err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	}
	return SuccessResponse(c, http.StatusOK, "Session logged out", map[string]interface{}{"sessionId": id})
}
