package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/model"
)

// fakeClient scripts the protocol side of the session state machine.
type fakeClient struct {
	mu          sync.Mutex
	cb          Callbacks
	hasCreds    bool
	connected   bool
	failConnect error
	connectErrs []error
	connectN    int
	sendN       int
	sendErr     error
	loggedOut   bool
}

func (f *fakeClient) SetCallbacks(cb Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeClient) callbacks() Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	f.connectN++
	err := f.failConnect
	if err == nil && len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.connected = true
	cb := f.cb
	hasCreds := f.hasCreds
	f.mu.Unlock()
	if hasCreds && cb.Connected != nil {
		cb.Connected()
	}
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) HasCredentials() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasCreds
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.hasCreds = false
	return nil
}

func (f *fakeClient) SendText(ctx context.Context, to, text string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendN++
	if f.sendErr != nil {
		return "", time.Time{}, f.sendErr
	}
	return "3EB0MSG", time.Now(), nil
}

func (f *fakeClient) connectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectN
}

func (f *fakeClient) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendN
}

// captureSink records emitted events.
type captureSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *captureSink) Submit(evt model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) all() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureSink) byType(t model.EventType) []model.Event {
	var out []model.Event
	for _, evt := range c.all() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func newTestSession(t *testing.T, id string, client *fakeClient) (*Session, *captureSink, *credstore.Store) {
	t.Helper()
	creds, err := credstore.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	sink := &captureSink{}
	cfg := Config{BackoffBase: 5 * time.Millisecond, BackoffCap: 20 * time.Millisecond}
	return New(id, client, creds, sink, cfg, zerolog.Nop()), sink, creds
}

func TestPairingFlow(t *testing.T) {
	client := &fakeClient{hasCreds: false}
	s, sink, creds := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	require.Equal(t, model.StatusAwaitingPairing, s.Status())

	cb := client.callbacks()
	cb.QRCode("2@qr-payload-1")

	qrEvents := sink.byType(model.EventQRRequest)
	require.Len(t, qrEvents, 1)
	require.Equal(t, "acct-1", qrEvents[0].SessionID)
	require.Equal(t, model.QRPayload{Code: "2@qr-payload-1"}, qrEvents[0].Payload)
	require.Equal(t, "2@qr-payload-1", s.Snapshot().QRCode)

	// Simulated successful handshake.
	cb.CredentialsChanged("62811234567:12@s.whatsapp.net", []byte(`{"jid":"62811234567:12@s.whatsapp.net"}`))
	cb.PairSuccess()
	cb.Connected()

	require.Equal(t, model.StatusConnected, s.Status())
	require.Empty(t, s.Snapshot().QRCode)

	blob, err := creds.Load("acct-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"jid":"62811234567:12@s.whatsapp.net"}`, string(blob))

	changes := sink.byType(model.EventConnectionChange)
	var statuses []model.Status
	for _, evt := range changes {
		statuses = append(statuses, evt.Payload.(model.ConnectionChangePayload).Status)
	}
	require.Equal(t, []model.Status{
		model.StatusInitializing,
		model.StatusAwaitingPairing,
		model.StatusConnected,
	}, statuses)
}

func TestSendMessageWhileNotConnected(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	require.Equal(t, model.StatusConnected, s.Status())

	// Transport drop: session goes reconnecting and sends must be rejected
	// without touching the protocol client.
	client.mu.Lock()
	client.failConnect = errors.New("network down")
	client.mu.Unlock()
	client.callbacks().Disconnected()
	require.Equal(t, model.StatusReconnecting, s.Status())

	_, err := s.SendMessage(context.Background(), "6281234567890", "hi")
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, client.sendCalls())

	s.Stop()
}

func TestSendMessageWhenConnected(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())

	id, err := s.SendMessage(context.Background(), "6281234567890", "hi")
	require.NoError(t, err)
	require.Equal(t, "3EB0MSG", id)
	require.Equal(t, 1, client.sendCalls())
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, sink, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	require.Equal(t, model.StatusConnected, s.Status())

	client.mu.Lock()
	client.connectErrs = []error{errors.New("connection reset")}
	client.mu.Unlock()
	client.callbacks().Disconnected()
	require.Equal(t, model.StatusReconnecting, s.Status())

	require.Eventually(t, func() bool {
		return s.Status() == model.StatusConnected
	}, 2*time.Second, 5*time.Millisecond, "session did not recover")

	// Initial connect + one failed retry + one successful retry.
	require.GreaterOrEqual(t, client.connectCalls(), 3)

	var statuses []model.Status
	for _, evt := range sink.byType(model.EventConnectionChange) {
		statuses = append(statuses, evt.Payload.(model.ConnectionChangePayload).Status)
	}
	require.Equal(t, []model.Status{
		model.StatusInitializing,
		model.StatusConnected,
		model.StatusReconnecting,
		model.StatusConnected,
	}, statuses)
}

func TestRemoteLogoutDeletesCredentials(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, creds := newTestSession(t, "acct-1", client)

	var evicted []string
	var evictedMu sync.Mutex
	s.SetTerminalHook(func(id string) {
		evictedMu.Lock()
		defer evictedMu.Unlock()
		evicted = append(evicted, id)
	})

	require.NoError(t, s.Start())
	client.callbacks().CredentialsChanged("62811234567:12@s.whatsapp.net", []byte(`{"jid":"x"}`))
	_, err := creds.Load("acct-1")
	require.NoError(t, err)

	client.callbacks().LoggedOut()

	require.Equal(t, model.StatusLoggedOut, s.Status())
	_, err = creds.Load("acct-1")
	require.ErrorIs(t, err, credstore.ErrNotFound)

	require.Eventually(t, func() bool {
		evictedMu.Lock()
		defer evictedMu.Unlock()
		return len(evicted) == 1 && evicted[0] == "acct-1"
	}, time.Second, 5*time.Millisecond)
}

func TestStopKeepsCredentials(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, creds := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	client.callbacks().CredentialsChanged("62811234567:12@s.whatsapp.net", []byte(`{"jid":"x"}`))

	s.Stop()
	require.Equal(t, model.StatusClosed, s.Status())

	_, err := creds.Load("acct-1")
	require.NoError(t, err, "stop must not delete credentials")

	// Closed is terminal for this instance.
	require.ErrorIs(t, s.Start(), ErrStopped)
}

func TestCredentialWritesAreDeduplicated(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, creds := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	cb := client.callbacks()

	blob := []byte(`{"jid":"a"}`)
	cb.CredentialsChanged("a@s.whatsapp.net", blob)
	require.NoError(t, creds.Delete("acct-1"))

	// Same blob again: no re-save expected.
	cb.CredentialsChanged("a@s.whatsapp.net", blob)
	_, err := creds.Load("acct-1")
	require.ErrorIs(t, err, credstore.ErrNotFound)

	// Rotated blob must be written.
	cb.CredentialsChanged("a@s.whatsapp.net", []byte(`{"jid":"b"}`))
	got, err := creds.Load("acct-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"jid":"b"}`, string(got))
}

// Protocol callbacks can still fire while teardown is underway; a stopped
// session must not feed the sink.
func TestStoppedSessionEmitsNothing(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, sink, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	cb := client.callbacks()

	s.Stop()
	emitted := len(sink.all())

	cb.Message(IncomingMessage{MessageID: "LATE", From: "628111@s.whatsapp.net", Text: "late"})
	cb.Media(IncomingMedia{MessageID: "LATE2", MimeType: "image/jpeg", Data: []byte("x")})
	cb.Receipt(Receipt{Kind: "read", MessageIDs: []string{"LATE"}})
	cb.PairSuccess()
	cb.QRCode("2@stale")

	require.Len(t, sink.all(), emitted)
}

// A disconnect landing right after a reconnect completes must still be
// recovered from; the handoff between the old and new reconnect loop may
// not lose the wakeup.
func TestRapidDisconnectAfterRecoveryReconnects(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, _, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	cb := client.callbacks()

	for i := 0; i < 5; i++ {
		cb.Disconnected()
		require.Eventually(t, func() bool {
			return s.Status() == model.StatusConnected
		}, 2*time.Second, time.Millisecond, "round %d did not recover", i)
	}

	s.Stop()
}

func TestIncomingMessageAndReceiptEvents(t *testing.T) {
	client := &fakeClient{hasCreds: true}
	s, sink, _ := newTestSession(t, "acct-1", client)

	require.NoError(t, s.Start())
	cb := client.callbacks()

	sentAt := time.Now().UTC().Truncate(time.Second)
	cb.Message(IncomingMessage{
		MessageID: "MSG1",
		From:      "628111@s.whatsapp.net",
		Chat:      "628111@s.whatsapp.net",
		Text:      "hello",
		Timestamp: sentAt,
	})
	cb.Receipt(Receipt{Kind: "read", MessageIDs: []string{"MSG1"}, From: "628111@s.whatsapp.net"})

	msgs := sink.byType(model.EventMessage)
	require.Len(t, msgs, 1)
	require.Equal(t, model.MessagePayload{
		MessageID: "MSG1",
		From:      "628111@s.whatsapp.net",
		Chat:      "628111@s.whatsapp.net",
		Text:      "hello",
		SentAt:    sentAt,
	}, msgs[0].Payload)

	updates := sink.byType(model.EventStatusUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, "read", updates[0].Payload.(model.StatusUpdatePayload).Kind)
}
