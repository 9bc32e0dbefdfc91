// Package media persists inbound media payloads to a content-addressed
// directory and rewrites media events to reference a fetchable URL path
// instead of inline bytes.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"gowa-gateway/internal/model"
)

type Bridge struct {
	root      string
	urlPrefix string
	log       zerolog.Logger
}

// New creates the media root if needed. urlPrefix is the public path the
// HTTP layer serves the root under, e.g. "/media".
func New(root, urlPrefix string, log zerolog.Logger) (*Bridge, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Bridge{root: root, urlPrefix: urlPrefix, log: log}, nil
}

// Process rewrites a media_received event: the inline bytes are stored under
// their content hash and replaced by a URL path. A failed write degrades the
// event with mediaUnavailable instead of suppressing it. Non-media events
// pass through untouched.
func (b *Bridge) Process(evt model.Event) model.Event {
	payload, ok := evt.Payload.(model.MediaPayload)
	if !ok {
		return evt
	}

	if len(payload.Data) == 0 {
		payload.MediaUnavailable = true
		evt.Payload = payload
		return evt
	}

	sum := sha256.Sum256(payload.Data)
	hash := hex.EncodeToString(sum[:])

	if err := b.store(hash, payload.Data); err != nil {
		b.log.Error().Err(err).
			Str("session_id", evt.SessionID).
			Str("message_id", payload.MessageID).
			Msg("Failed to persist media, forwarding degraded event")
		payload.Data = nil
		payload.MediaUnavailable = true
		evt.Payload = payload
		return evt
	}

	payload.Size = len(payload.Data)
	payload.Data = nil
	payload.SHA256 = hash
	payload.URL = path.Join(b.urlPrefix, hash[:2], hash)
	evt.Payload = payload
	return evt
}

// store writes data to <root>/<hash[:2]>/<hash>. Re-delivery of the same
// content is a no-op.
func (b *Bridge) store(hash string, data []byte) error {
	dir := filepath.Join(b.root, hash[:2])
	final := filepath.Join(dir, hash)

	if _, err := os.Stat(final); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".media-*")
	if err != nil {
		return fmt.Errorf("create temp media file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close media: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace media: %w", err)
	}
	return nil
}

// Path resolves a stored asset by hash, for the HTTP layer.
func (b *Bridge) Path(hash string) string {
	if len(hash) < 2 {
		return ""
	}
	return filepath.Join(b.root, hash[:2], hash)
}
