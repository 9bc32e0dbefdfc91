package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gowa-gateway/internal/model"
)

type receivedRequest struct {
	body      []byte
	signature string
}

// recordingServer is a webhook endpoint that can be scripted to fail.
type recordingServer struct {
	mu       sync.Mutex
	requests []receivedRequest
	status   int
	server   *httptest.Server
}

func newRecordingServer(status int) *recordingServer {
	rs := &recordingServer{status: status}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, receivedRequest{
			body:      body,
			signature: r.Header.Get("X-Gateway-Signature"),
		})
		status := rs.status
		rs.mu.Unlock()
		w.WriteHeader(status)
	}))
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) all() []receivedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]receivedRequest, len(rs.requests))
	copy(out, rs.requests)
	return out
}

func fastConfig(url string) Config {
	return Config{
		Webhook:        Target{URL: url},
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func textEvent(sessionID, text string) model.Event {
	return model.NewEvent(sessionID, model.EventMessage, model.MessagePayload{Text: text})
}

func TestDeliverySuccess(t *testing.T) {
	rs := newRecordingServer(http.StatusOK)
	defer rs.server.Close()

	d := New(fastConfig(rs.server.URL), nil, nil, zerolog.Nop())
	d.Submit(textEvent("acct-1", "hello"))
	d.Stop()

	require.Equal(t, 1, rs.count())
	require.EqualValues(t, 0, d.Dropped())

	var got model.Event
	require.NoError(t, json.Unmarshal(rs.all()[0].body, &got))
	require.Equal(t, "acct-1", got.SessionID)
	require.Equal(t, model.EventMessage, got.Type)
}

func TestPerSessionOrderingPreserved(t *testing.T) {
	rs := newRecordingServer(http.StatusOK)
	defer rs.server.Close()

	d := New(fastConfig(rs.server.URL), nil, nil, zerolog.Nop())
	const n = 25
	for i := 0; i < n; i++ {
		d.Submit(model.NewEvent("acct-1", model.EventMessage, model.MessagePayload{MessageID: messageID(i)}))
	}
	d.Stop()

	requests := rs.all()
	require.Len(t, requests, n)
	for i, req := range requests {
		var evt struct {
			Payload model.MessagePayload `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(req.body, &evt))
		require.Equal(t, messageID(i), evt.Payload.MessageID, "event %d delivered out of order", i)
	}
}

func messageID(i int) string {
	return string(rune('A'+i/10)) + string(rune('0'+i%10))
}

func TestRetriesStopAtMaxAttemptsAndRecordDrop(t *testing.T) {
	rs := newRecordingServer(http.StatusInternalServerError)
	defer rs.server.Close()

	cfg := fastConfig(rs.server.URL)
	cfg.MaxAttempts = 4
	d := New(cfg, nil, nil, zerolog.Nop())
	d.Submit(textEvent("acct-1", "doomed"))
	d.Stop()

	require.Equal(t, 4, rs.count(), "must retry exactly up to the attempt cap")
	require.EqualValues(t, 1, d.Dropped())
}

func TestFailedDeliveryDoesNotReorderQueue(t *testing.T) {
	// First event fails all attempts, second succeeds; the second must still
	// arrive after the first's final attempt.
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt struct {
			Payload model.MessagePayload `json:"payload"`
		}
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		order = append(order, evt.Payload.MessageID)
		mu.Unlock()
		if evt.Payload.MessageID == "FAIL" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxAttempts = 3
	d := New(cfg, nil, nil, zerolog.Nop())
	d.Submit(model.NewEvent("acct-1", model.EventMessage, model.MessagePayload{MessageID: "FAIL"}))
	d.Submit(model.NewEvent("acct-1", model.EventMessage, model.MessagePayload{MessageID: "OK"}))
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"FAIL", "FAIL", "FAIL", "OK"}, order)
}

func TestSessionsDeliverIndependently(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt model.Event
		_ = json.Unmarshal(body, &evt)
		if evt.SessionID == "slow" {
			<-release
		}
		mu.Lock()
		got = append(got, evt.SessionID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(fastConfig(server.URL), nil, nil, zerolog.Nop())
	d.Submit(textEvent("slow", "stuck"))
	d.Submit(textEvent("fast", "through"))

	// The fast session's event must land while the slow one is blocked.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "fast"
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	d.Stop()
}

// A late protocol event may race session removal; submitting into a queue
// that is being torn down must drop the event, never panic the process.
func TestSubmitDuringSessionTeardown(t *testing.T) {
	d := New(Config{BackoffBase: time.Millisecond}, nil, nil, zerolog.Nop())
	defer d.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Submit(textEvent("acct-1", "late"))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		d.CloseSession("acct-1")
	}

	close(stop)
	wg.Wait()
}

func TestNoWebhookConfiguredSkipsDelivery(t *testing.T) {
	d := New(Config{BackoffBase: time.Millisecond}, nil, nil, zerolog.Nop())
	d.Submit(textEvent("acct-1", "nowhere to go"))
	d.Stop()
	require.EqualValues(t, 0, d.Dropped())
}

func TestHMACSignatureHeader(t *testing.T) {
	rs := newRecordingServer(http.StatusOK)
	defer rs.server.Close()

	cfg := fastConfig(rs.server.URL)
	cfg.Webhook.Secret = "topsecret"
	d := New(cfg, nil, nil, zerolog.Nop())
	d.Submit(textEvent("acct-1", "signed"))
	d.Stop()

	requests := rs.all()
	require.Len(t, requests, 1)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(requests[0].body)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), requests[0].signature)
}

func TestPerSessionTargetOverride(t *testing.T) {
	defaultRS := newRecordingServer(http.StatusOK)
	defer defaultRS.server.Close()
	overrideRS := newRecordingServer(http.StatusOK)
	defer overrideRS.server.Close()

	d := New(fastConfig(defaultRS.server.URL), nil, nil, zerolog.Nop())
	d.SetTarget("special", Target{URL: overrideRS.server.URL})

	d.Submit(textEvent("special", "custom"))
	d.Submit(textEvent("plain", "default"))
	d.Stop()

	require.Equal(t, 1, overrideRS.count())
	require.Equal(t, 1, defaultRS.count())
}

type stubBridge struct {
	mu   sync.Mutex
	seen []model.Event
}

func (b *stubBridge) Process(evt model.Event) model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, evt)
	if p, ok := evt.Payload.(model.MediaPayload); ok {
		p.Data = nil
		p.URL = "/media/ab/abcd"
		evt.Payload = p
	}
	return evt
}

func TestMediaEventsPassThroughBridge(t *testing.T) {
	rs := newRecordingServer(http.StatusOK)
	defer rs.server.Close()

	bridge := &stubBridge{}
	d := New(fastConfig(rs.server.URL), bridge, nil, zerolog.Nop())
	d.Submit(model.NewEvent("acct-1", model.EventMediaReceived, model.MediaPayload{Data: []byte("raw")}))
	d.Submit(textEvent("acct-1", "plain text"))
	d.Stop()

	bridge.mu.Lock()
	require.Len(t, bridge.seen, 1, "only media events go through the bridge")
	bridge.mu.Unlock()

	requests := rs.all()
	require.Len(t, requests, 2)

	var delivered struct {
		Payload model.MediaPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(requests[0].body, &delivered))
	require.Empty(t, delivered.Payload.Data)
	require.Equal(t, "/media/ab/abcd", delivered.Payload.URL)
}
