// Package session supervises one logical WhatsApp account: it owns the
// protocol client, runs the status state machine, keeps the credential file
// in sync and turns protocol callbacks into gateway events.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/model"
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session is stopped")
)

// EventSink consumes the session's event stream, in emit order.
// Implemented by the dispatcher.
type EventSink interface {
	Submit(evt model.Event)
}

// Config holds the reconnect backoff shape. Zero values fall back to
// 1s base / 60s cap.
type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	return c
}

type Session struct {
	id     string
	client ProtocolClient
	creds  *credstore.Store
	sink   EventSink
	cfg    Config
	log    zerolog.Logger

	mu              sync.Mutex
	status          model.Status
	jid             string
	qrCode          string
	lastEventAt     time.Time
	lastSavedCreds  []byte
	started         bool
	stopped         bool
	reconnecting    bool
	reconnectRearm  bool
	reconnectCancel context.CancelFunc

	onTerminal func(id string)
	wg         sync.WaitGroup
}

func New(id string, client ProtocolClient, creds *credstore.Store, sink EventSink, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		id:     id,
		client: client,
		creds:  creds,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("session_id", id).Logger(),
	}
}

func (s *Session) ID() string { return s.id }

// SetTerminalHook registers the registry callback fired once when the
// session reaches logged_out on its own (remote revocation). Must be called
// before Start.
func (s *Session) SetTerminalHook(fn func(id string)) {
	s.onTerminal = fn
}

// Start wires the protocol callbacks and opens the connection. With stored
// credentials a failed first connect degrades to the reconnect loop instead
// of failing the caller; in pairing mode a connect error is returned since
// there is nothing to recover to.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.client.SetCallbacks(Callbacks{
		Connected:          s.onConnected,
		Disconnected:       s.onDisconnected,
		LoggedOut:          s.onLoggedOut,
		PairSuccess:        s.onPairSuccess,
		QRCode:             s.onQRCode,
		CredentialsChanged: s.onCredentialsChanged,
		Message:            s.onMessage,
		Media:              s.onMedia,
		Receipt:            s.onReceipt,
	})

	s.setStatus(model.StatusInitializing, "")
	hasCreds := s.client.HasCredentials()
	if !hasCreds {
		s.setStatus(model.StatusAwaitingPairing, "pairing required")
	}

	if err := s.client.Connect(); err != nil {
		if !hasCreds {
			return fmt.Errorf("connect for pairing: %w", err)
		}
		s.log.Warn().Err(err).Msg("Initial connect failed, entering reconnect loop")
		s.setStatus(model.StatusReconnecting, "initial connect failed")
		s.scheduleReconnect()
	}
	return nil
}

// Stop closes the connection and marks the session closed. Credentials are
// kept so the account can resume later.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancelReconnectLocked()
	s.mu.Unlock()

	s.client.Disconnect()
	s.setStatus(model.StatusClosed, "operator shutdown")
	s.wg.Wait()
}

// Logout invalidates the pairing, deletes stored credentials and marks the
// session logged out. The account needs a fresh QR scan afterwards.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.stopped = true
	s.cancelReconnectLocked()
	s.mu.Unlock()

	logoutErr := s.client.Logout(ctx)
	if logoutErr != nil {
		s.log.Warn().Err(logoutErr).Msg("Protocol logout failed, deleting local credentials anyway")
	}
	s.client.Disconnect()
	if err := s.creds.Delete(s.id); err != nil {
		s.log.Error().Err(err).Msg("Failed to delete credentials on logout")
	}
	s.setStatus(model.StatusLoggedOut, "operator logout")
	s.wg.Wait()
	return logoutErr
}

// SendMessage sends a text message. Rejected synchronously unless the
// session is connected; there is no outbound queue across disconnects.
func (s *Session) SendMessage(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != model.StatusConnected {
		return "", ErrNotConnected
	}
	id, _, err := s.client.SendText(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// Snapshot returns the current state for the HTTP layer.
func (s *Session) Snapshot() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionInfo{
		ID:          s.id,
		Status:      s.status,
		JID:         s.jid,
		QRCode:      s.qrCode,
		LastEventAt: s.lastEventAt,
	}
}

func (s *Session) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus transitions the state machine and emits a connection_change
// event for every actual transition.
func (s *Session) setStatus(status model.Status, reason string) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.log.Info().Str("status", string(status)).Str("reason", reason).Msg("Session status changed")
	s.emit(model.EventConnectionChange, model.ConnectionChangePayload{Status: status, Reason: reason})
}

func (s *Session) emit(eventType model.EventType, payload interface{}) {
	evt := model.NewEvent(s.id, eventType, payload)
	s.mu.Lock()
	s.lastEventAt = evt.Timestamp
	s.mu.Unlock()
	s.sink.Submit(evt)
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelReconnectLocked()
	s.qrCode = ""
	s.mu.Unlock()
	s.setStatus(model.StatusConnected, "")
}

func (s *Session) onDisconnected() {
	s.mu.Lock()
	if s.stopped || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setStatus(model.StatusReconnecting, "transport disconnected")
	s.scheduleReconnect()
}

func (s *Session) onLoggedOut() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancelReconnectLocked()
	s.mu.Unlock()

	s.client.Disconnect()
	if err := s.creds.Delete(s.id); err != nil {
		s.log.Error().Err(err).Msg("Failed to delete credentials after remote logout")
	}
	s.setStatus(model.StatusLoggedOut, "session revoked by remote")
	if s.onTerminal != nil {
		// Separate goroutine: the registry takes its own lock on eviction.
		go s.onTerminal(s.id)
	}
}

// isStopped gates inbound protocol callbacks: whatsmeow can still fire
// handlers while a teardown is underway, and a stopped session must not
// feed the dispatcher (its delivery queue is gone).
func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) onPairSuccess() {
	if s.isStopped() {
		return
	}
	s.emit(model.EventStatusUpdate, model.StatusUpdatePayload{Kind: "pair_success"})
}

func (s *Session) onQRCode(code string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.qrCode = code
	s.mu.Unlock()
	s.setStatus(model.StatusAwaitingPairing, "pairing required")
	s.emit(model.EventQRRequest, model.QRPayload{Code: code})
}

func (s *Session) onCredentialsChanged(jid string, blob []byte) {
	s.mu.Lock()
	s.jid = jid
	unchanged := bytes.Equal(s.lastSavedCreds, blob)
	if !unchanged {
		s.lastSavedCreds = append([]byte(nil), blob...)
	}
	s.mu.Unlock()
	if unchanged {
		return
	}
	if err := s.creds.Save(s.id, blob); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credentials")
	}
}

func (s *Session) onMessage(msg IncomingMessage) {
	if s.isStopped() {
		return
	}
	s.emit(model.EventMessage, model.MessagePayload{
		MessageID: msg.MessageID,
		From:      msg.From,
		Chat:      msg.Chat,
		Text:      msg.Text,
		SentAt:    msg.Timestamp,
	})
}

func (s *Session) onMedia(media IncomingMedia) {
	if s.isStopped() {
		return
	}
	s.emit(model.EventMediaReceived, model.MediaPayload{
		MessageID: media.MessageID,
		From:      media.From,
		Chat:      media.Chat,
		MimeType:  media.MimeType,
		FileName:  media.FileName,
		SentAt:    media.Timestamp,
		Data:      media.Data,
	})
}

func (s *Session) onReceipt(receipt Receipt) {
	if s.isStopped() {
		return
	}
	s.emit(model.EventStatusUpdate, model.StatusUpdatePayload{
		Kind:       receipt.Kind,
		MessageIDs: receipt.MessageIDs,
		From:       receipt.From,
	})
}

// scheduleReconnect ensures exactly one reconnect loop is ever alive.
// reconnecting stays true until the loop goroutine itself exits; a request
// arriving while a cancelled loop is still winding down sets the rearm flag
// and the exiting loop hands off to a fresh one.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.reconnecting {
		if s.reconnectCancel == nil {
			s.reconnectRearm = true
		}
		s.mu.Unlock()
		return
	}
	if s.reconnectCancel != nil {
		// Stale cancel from a loop that exited on its own.
		s.reconnectCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.reconnecting = true
	s.reconnectCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reconnectLoop(ctx)
}

// cancelReconnectLocked stops the loop but leaves reconnecting set; only
// the loop's own exit path clears it.
func (s *Session) cancelReconnectLocked() {
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	s.reconnectRearm = false
}

// reconnectLoop retries Connect with exponential backoff and full jitter
// until it succeeds or the session is cancelled. Success is observed via
// the Connected callback; the loop only has to get Connect to return nil.
func (s *Session) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		rearm := s.reconnectRearm && !s.stopped
		s.reconnectRearm = false
		s.mu.Unlock()
		if rearm {
			s.scheduleReconnect()
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0

	ticker := backoff.NewTicker(backoff.WithContext(bo, ctx))
	defer ticker.Stop()

	attempt := 0
	for range ticker.C {
		attempt++
		if err := s.client.Connect(); err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}
		return
	}
}
