package model

import "time"

// Status is the lifecycle state of one session's protocol connection.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusReconnecting    Status = "reconnecting"
	StatusLoggedOut       Status = "logged_out"
	StatusClosed          Status = "closed"
)

// Terminal reports whether the session can never come back without a fresh
// pairing (logged_out) or an explicit restart (closed).
func (s Status) Terminal() bool {
	return s == StatusLoggedOut || s == StatusClosed
}

// SessionInfo is a point-in-time snapshot handed to the HTTP layer.
type SessionInfo struct {
	ID          string    `json:"sessionId"`
	Status      Status    `json:"status"`
	JID         string    `json:"jid,omitempty"`
	QRCode      string    `json:"qrCode,omitempty"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}
