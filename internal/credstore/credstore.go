// Package credstore persists per-session credential blobs as one JSON file
// per session id under a shared root directory. Writes go through a temp
// file and rename so a crash mid-write never leaves a torn file behind.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("credentials not found")
	ErrInvalidID = errors.New("invalid session id")
)

// Session ids come from the outside world and become file names, so only a
// conservative character set is allowed.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const fileExt = ".json"

type Store struct {
	root string
	log  zerolog.Logger
}

// New creates the root directory if needed and verifies it is writable.
// An unwritable credentials root is a startup-fatal condition for the
// caller, not something to discover on the first pairing.
func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials root: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("credentials root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Store{root: root, log: log}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+fileExt)
}

// Load returns the stored blob for id. A missing or corrupt file both yield
// ErrNotFound: a corrupt credential forces a re-pair instead of refusing to
// start.
func (s *Store) Load(id string) ([]byte, error) {
	if !validID.MatchString(id) {
		return nil, ErrInvalidID
	}
	blob, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read credentials for %s: %w", id, err)
	}
	if !json.Valid(blob) {
		s.log.Warn().Str("session_id", id).Msg("Corrupt credential file, treating as missing")
		return nil, ErrNotFound
	}
	return blob, nil
}

// Save atomically replaces the blob for id.
func (s *Store) Save(id string, blob []byte) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}
	tmp, err := os.CreateTemp(s.root, ".cred-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.Write(blob); err != nil {
		cleanup()
		return fmt.Errorf("write credentials for %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync credentials for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close credentials for %s: %w", id, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod credentials for %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace credentials for %s: %w", id, err)
	}
	return nil
}

// Delete removes the blob for id. Deleting credentials that do not exist is
// not an error.
func (s *Store) Delete(id string) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials for %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all stored credential files.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list credentials root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}
