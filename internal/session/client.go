package session

import (
	"context"
	"time"
)

// ProtocolClient is the slice of the underlying WhatsApp client that the
// session engine drives. internal/wa implements it over whatsmeow; tests
// substitute fakes. SetCallbacks must be called before Connect; callbacks
// may fire from arbitrary goroutines.
type ProtocolClient interface {
	SetCallbacks(cb Callbacks)
	// Connect opens the transport. When the client holds no registered
	// credentials it enters pairing mode and emits QR codes through the
	// callbacks instead of connecting directly.
	Connect() error
	Disconnect()
	IsConnected() bool
	// HasCredentials reports whether a completed pairing is stored.
	HasCredentials() bool
	// Logout invalidates the remote pairing and deletes client-side keys.
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, time.Time, error)
}

type IncomingMessage struct {
	MessageID string
	From      string
	Chat      string
	Text      string
	Timestamp time.Time
}

type IncomingMedia struct {
	MessageID string
	From      string
	Chat      string
	MimeType  string
	FileName  string
	Data      []byte
	Timestamp time.Time
}

type Receipt struct {
	Kind       string
	MessageIDs []string
	From       string
}

// Callbacks carries protocol-side signals into the session state machine.
// Disconnected means a transport-level drop; LoggedOut means the remote end
// revoked the pairing and the session is unrecoverable without a new QR.
type Callbacks struct {
	Connected          func()
	Disconnected       func()
	LoggedOut          func()
	PairSuccess        func()
	QRCode             func(code string)
	CredentialsChanged func(jid string, blob []byte)
	Message            func(msg IncomingMessage)
	Media              func(media IncomingMedia)
	Receipt            func(receipt Receipt)
}
