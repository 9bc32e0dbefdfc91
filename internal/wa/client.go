// Package wa adapts whatsmeow to the session engine's ProtocolClient
// interface: it translates whatsmeow events into session callbacks, pumps
// QR codes during pairing and owns the device rows in the sqlstore
// container.
package wa

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"gowa-gateway/internal/session"
)

// storedCreds is the credential blob kept in the credstore: a pointer to the
// device row in the whatsmeow container, which owns the actual key material.
type storedCreds struct {
	JID string `json:"jid"`
}

type Factory struct {
	container *sqlstore.Container
	log       zerolog.Logger
}

func NewFactory(container *sqlstore.Container, deviceName string, log zerolog.Logger) *Factory {
	if deviceName != "" {
		store.DeviceProps.Os = proto.String(deviceName)
	}
	return &Factory{container: container, log: log}
}

// NewClient builds a protocol client for one session. A credential blob that
// no longer resolves to a device row falls back to a fresh device, which
// forces re-pairing.
func (f *Factory) NewClient(ctx context.Context, id string, creds []byte) (session.ProtocolClient, error) {
	var device *store.Device
	if len(creds) > 0 {
		var sc storedCreds
		if err := json.Unmarshal(creds, &sc); err == nil && sc.JID != "" {
			jid, err := types.ParseJID(sc.JID)
			if err == nil {
				device, err = f.container.GetDevice(ctx, jid)
				if err != nil {
					f.log.Warn().Err(err).Str("session_id", id).Msg("Device lookup failed, forcing re-pair")
					device = nil
				}
			}
		}
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	log := f.log.With().Str("session_id", id).Logger()
	cli := whatsmeow.NewClient(device, waLog.Zerolog(log))
	// The session engine owns reconnection and its backoff policy.
	cli.EnableAutoReconnect = false

	c := &Client{wa: cli, container: f.container, log: log}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

type Client struct {
	wa        *whatsmeow.Client
	container *sqlstore.Container
	log       zerolog.Logger

	mu       sync.Mutex
	cb       session.Callbacks
	qrCancel context.CancelFunc
}

func (c *Client) SetCallbacks(cb session.Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Client) callbacks() session.Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *Client) HasCredentials() bool {
	return c.wa.Store.ID != nil
}

func (c *Client) IsConnected() bool {
	return c.wa.IsConnected()
}

// Connect opens the transport. Without stored credentials it starts a QR
// pairing cycle instead: codes are forwarded through the QRCode callback
// until the phone scans one or the cycle times out.
func (c *Client) Connect() error {
	if c.wa.Store.ID == nil {
		return c.connectForPairing()
	}
	if err := c.wa.Connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return err
	}
	return nil
}

func (c *Client) connectForPairing() error {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.qrCancel != nil {
		c.qrCancel()
	}
	c.qrCancel = cancel
	c.mu.Unlock()

	// Must be requested before Connect, per whatsmeow contract.
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		cancel()
		return err
	}
	if err := c.wa.Connect(); err != nil {
		cancel()
		return err
	}
	go c.pumpQR(qrChan)
	return nil
}

func (c *Client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch {
		case item.Event == "code":
			if cb := c.callbacks().QRCode; cb != nil {
				cb(item.Code)
			}
		case item.Event == "success":
			// PairSuccess / Connected arrive via the event handler.
			return
		case item.Event == "timeout":
			c.log.Warn().Msg("QR pairing window timed out")
			if cb := c.callbacks().Disconnected; cb != nil {
				cb()
			}
			return
		case strings.HasPrefix(item.Event, "err-"):
			c.log.Error().Str("qr_event", item.Event).Msg("QR pairing failed")
			if cb := c.callbacks().Disconnected; cb != nil {
				cb()
			}
			return
		}
	}
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	c.mu.Unlock()
	c.wa.Disconnect()
}

// Logout unlinks the device from the account and deletes its store row.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	c.mu.Unlock()
	return c.wa.Logout(ctx)
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, time.Time, error) {
	recipient, err := ParseRecipient(to)
	if err != nil {
		return "", time.Time{}, err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := c.wa.SendMessage(ctx, recipient, msg)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.ID, resp.Timestamp, nil
}

func (c *Client) handleEvent(evt interface{}) {
	cb := c.callbacks()
	switch evt := evt.(type) {

	case *events.Connected:
		// Presence announce keeps the phone showing the device as active.
		if err := c.wa.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
			c.log.Warn().Err(err).Msg("Failed to send presence")
		}
		c.emitCredentials(cb)
		if cb.Connected != nil {
			cb.Connected()
		}

	case *events.PairSuccess:
		c.emitCredentials(cb)
		if cb.PairSuccess != nil {
			cb.PairSuccess()
		}

	case *events.LoggedOut:
		// Remote revoked the pairing. Drop the device row so a later start
		// pairs fresh instead of reusing dead keys.
		if c.wa.Store != nil && c.wa.Store.ID != nil {
			if err := c.container.DeleteDevice(context.Background(), c.wa.Store); err != nil {
				c.log.Warn().Err(err).Msg("Failed to delete device store after remote logout")
			}
		}
		if cb.LoggedOut != nil {
			cb.LoggedOut()
		}

	case *events.StreamReplaced:
		c.log.Warn().Msg("Stream replaced by another connection")
		if cb.Disconnected != nil {
			cb.Disconnected()
		}

	case *events.Disconnected:
		if cb.Disconnected != nil {
			cb.Disconnected()
		}

	case *events.Message:
		c.handleMessage(cb, evt)

	case *events.Receipt:
		if cb.Receipt == nil {
			return
		}
		kind := string(evt.Type)
		if kind == "" {
			kind = "delivered"
		}
		cb.Receipt(session.Receipt{
			Kind:       kind,
			MessageIDs: evt.MessageIDs,
			From:       evt.Sender.String(),
		})
	}
}

func (c *Client) emitCredentials(cb session.Callbacks) {
	if cb.CredentialsChanged == nil || c.wa.Store.ID == nil {
		return
	}
	jid := c.wa.Store.ID.String()
	blob, err := json.Marshal(storedCreds{JID: jid})
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal credential blob")
		return
	}
	cb.CredentialsChanged(jid, blob)
}

func (c *Client) handleMessage(cb session.Callbacks, evt *events.Message) {
	msg := evt.Message
	if msg == nil {
		return
	}
	info := evt.Info

	if mime, fileName, isMedia := mediaInfo(msg); isMedia {
		if cb.Media == nil {
			return
		}
		media := session.IncomingMedia{
			MessageID: info.ID,
			From:      info.Sender.String(),
			Chat:      info.Chat.String(),
			MimeType:  mime,
			FileName:  fileName,
			Timestamp: info.Timestamp,
		}
		data, err := c.wa.DownloadAny(context.Background(), msg)
		if err != nil {
			// Forward without bytes; the media bridge marks it unavailable.
			c.log.Warn().Err(err).Str("message_id", info.ID).Msg("Media download failed")
		} else {
			media.Data = data
		}
		cb.Media(media)
		return
	}

	text := msg.GetConversation()
	if text == "" {
		text = msg.GetExtendedTextMessage().GetText()
	}
	if text == "" || cb.Message == nil {
		return
	}
	cb.Message(session.IncomingMessage{
		MessageID: info.ID,
		From:      info.Sender.String(),
		Chat:      info.Chat.String(),
		Text:      text,
		Timestamp: info.Timestamp,
	})
}

func mediaInfo(msg *waE2E.Message) (mime, fileName string, ok bool) {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetMimetype(), "", true
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetMimetype(), "", true
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetMimetype(), "", true
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetMimetype(), "", true
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return doc.GetMimetype(), doc.GetFileName(), true
	}
	return "", "", false
}
