package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"gowa-gateway/internal/dispatch"
)

type webhookConfigRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// POST /sessions/:sessionId/webhook
// Installs a per-session webhook target overriding the global default.
// An empty URL clears the override.
func (h *Handler) SetWebhook(c echo.Context) error {
	var req webhookConfigRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST", err.Error())
	}

	id := c.Param("sessionId")
	if _, err := h.Registry.Get(id); err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	}

	if req.URL == "" {
		h.Dispatcher.ClearTarget(id)
		return SuccessResponse(c, http.StatusOK, "Webhook override cleared", map[string]interface{}{"sessionId": id})
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResponse(c, http.StatusBadRequest, "Webhook URL must be http(s)", "INVALID_URL", "")
	}

	h.Dispatcher.SetTarget(id, dispatch.Target{URL: req.URL, Secret: req.Secret})
	return SuccessResponse(c, http.StatusOK, "Webhook configured", map[string]interface{}{
		"sessionId": id,
		"url":       req.URL,
	})
}
