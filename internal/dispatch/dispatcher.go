// Package dispatch delivers session events to the configured webhook. Each
// session gets its own ordered queue so a slow or dead webhook for one
// account never stalls delivery for the others.
package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gowa-gateway/internal/model"
)

const signatureHeader = "X-Gateway-Signature"

// Target is one webhook destination. An empty URL means events are produced
// but not delivered, which is a supported mode.
type Target struct {
	URL     string
	Secret  string
	Headers map[string]string
}

type Config struct {
	Webhook        Target
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RequestTimeout time.Duration
	QueueSize      int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// Bridge rewrites media events before delivery.
type Bridge interface {
	Process(evt model.Event) model.Event
}

// RealtimePublisher receives every event regardless of webhook outcome,
// e.g. the websocket hub that surfaces QR codes.
type RealtimePublisher interface {
	Publish(evt model.Event)
}

// queue is one session's delivery channel. The mutex serializes producers
// against teardown: once closed is set no send can reach the channel, so
// closing it is safe even with a producer mid-Submit.
type queue struct {
	mu       sync.Mutex
	ch       chan model.Event
	closed   bool
	draining bool
}

// push enqueues without blocking. Reports false when the queue is full or
// already torn down.
func (q *queue) push(evt model.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- evt:
		return true
	default:
		return false
	}
}

func (q *queue) close(draining bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.draining = draining
	close(q.ch)
}

func (q *queue) isDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

type Dispatcher struct {
	cfg      Config
	httpc    *http.Client
	bridge   Bridge
	realtime RealtimePublisher
	log      zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*queue
	overrides map[string]Target
	stopped   bool
	wg        sync.WaitGroup

	dropped atomic.Int64
}

func New(cfg Config, bridge Bridge, realtime RealtimePublisher, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: cfg.RequestTimeout},
		bridge:    bridge,
		realtime:  realtime,
		log:       log,
		queues:    make(map[string]*queue),
		overrides: make(map[string]Target),
	}
}

// Submit enqueues an event on its session's delivery queue. Never blocks
// event production: a full queue drops the event and records it.
func (d *Dispatcher) Submit(evt model.Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.dropped.Add(1)
		d.log.Warn().Str("session_id", evt.SessionID).Str("event_id", evt.ID).Msg("Dispatcher stopped, event dropped")
		return
	}
	q, ok := d.queues[evt.SessionID]
	if !ok {
		q = &queue{ch: make(chan model.Event, d.cfg.QueueSize)}
		d.queues[evt.SessionID] = q
		d.wg.Add(1)
		go d.run(evt.SessionID, q)
	}
	d.mu.Unlock()

	if !q.push(evt) {
		d.dropped.Add(1)
		d.log.Error().Str("session_id", evt.SessionID).Str("event_id", evt.ID).Msg("Delivery queue full or closed, event dropped")
	}
}

// SetTarget installs a per-session webhook override.
func (d *Dispatcher) SetTarget(sessionID string, target Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[sessionID] = target
}

func (d *Dispatcher) ClearTarget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.overrides, sessionID)
}

func (d *Dispatcher) targetFor(sessionID string) Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.overrides[sessionID]; ok {
		return t
	}
	return d.cfg.Webhook
}

// CloseSession drains a session's queue best-effort: queued events get one
// final attempt each, no retries, then the worker exits.
func (d *Dispatcher) CloseSession(sessionID string) {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	delete(d.queues, sessionID)
	delete(d.overrides, sessionID)
	d.mu.Unlock()
	if !ok {
		return
	}
	q.close(true)
}

// Stop flushes all queues with the normal retry policy and waits for the
// workers to finish. Bounded by the attempt cap, so a dead webhook cannot
// hang shutdown indefinitely.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	queues := d.queues
	d.queues = make(map[string]*queue)
	d.mu.Unlock()

	for _, q := range queues {
		q.close(false)
	}
	d.wg.Wait()
}

// Dropped returns the number of events that exhausted delivery or were shed
// from a full queue. Observability signal, not an error.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run(sessionID string, q *queue) {
	defer d.wg.Done()
	for evt := range q.ch {
		d.deliver(evt, q.isDraining())
	}
}

func (d *Dispatcher) deliver(evt model.Event, draining bool) {
	if evt.Type == model.EventMediaReceived && d.bridge != nil {
		evt = d.bridge.Process(evt)
	}
	if d.realtime != nil {
		d.realtime.Publish(evt)
	}

	target := d.targetFor(evt.SessionID)
	if target.URL == "" {
		return
	}

	body, err := json.Marshal(evt)
	if err != nil {
		d.log.Error().Err(err).Str("event_id", evt.ID).Msg("Failed to marshal event, dropped")
		d.dropped.Add(1)
		return
	}

	maxAttempts := d.cfg.MaxAttempts
	if draining {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BackoffBase
	bo.MaxInterval = d.cfg.BackoffCap
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return d.post(target, body)
	}, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)))

	if err != nil {
		d.dropped.Add(1)
		d.log.Error().Err(err).
			Str("session_id", evt.SessionID).
			Str("event_id", evt.ID).
			Str("event_type", string(evt.Type)).
			Int("attempts", attempts).
			Msg("Webhook delivery exhausted, event dropped")
	}
}

func (d *Dispatcher) post(target Target, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if target.Secret != "" {
		mac := hmac.New(sha256.New, []byte(target.Secret))
		mac.Write(body)
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
