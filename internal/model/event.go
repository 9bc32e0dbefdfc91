package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMessage          EventType = "message"
	EventStatusUpdate     EventType = "status_update"
	EventQRRequest        EventType = "qr_request"
	EventConnectionChange EventType = "connection_change"
	EventMediaReceived    EventType = "media_received"
)

// Event is one item of a session's event stream. Immutable once emitted;
// the media bridge replaces the whole payload when it rewrites an event.
type Event struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Type      EventType   `json:"eventType"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func NewEvent(sessionID string, eventType EventType, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

type MessagePayload struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Chat      string    `json:"chat"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

// StatusUpdatePayload carries delivery/read receipts and pairing progress.
type StatusUpdatePayload struct {
	Kind       string   `json:"kind"`
	MessageIDs []string `json:"messageIds,omitempty"`
	From       string   `json:"from,omitempty"`
}

type QRPayload struct {
	Code string `json:"code"`
}

type ConnectionChangePayload struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// MediaPayload starts out with the raw bytes inline. The media bridge strips
// Data and fills URL/SHA256/Size before the event reaches the webhook, or
// sets MediaUnavailable when persisting failed.
type MediaPayload struct {
	MessageID        string    `json:"messageId"`
	From             string    `json:"from"`
	Chat             string    `json:"chat"`
	MimeType         string    `json:"mimeType"`
	FileName         string    `json:"fileName,omitempty"`
	SentAt           time.Time `json:"sentAt"`
	Data             []byte    `json:"data,omitempty"`
	URL              string    `json:"url,omitempty"`
	SHA256           string    `json:"sha256,omitempty"`
	Size             int       `json:"size,omitempty"`
	MediaUnavailable bool      `json:"mediaUnavailable,omitempty"`
}
