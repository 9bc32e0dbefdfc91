// Package registry holds the process-wide table of live sessions, one per
// session id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/session"
)

var ErrSessionNotFound = errors.New("session not found")

// ClientFactory builds a protocol client for a session, seeded with the
// stored credential blob when one exists.
type ClientFactory interface {
	NewClient(ctx context.Context, id string, creds []byte) (session.ProtocolClient, error)
}

// QueueCloser releases a session's delivery queue on teardown. Implemented
// by the dispatcher.
type QueueCloser interface {
	CloseSession(id string)
}

type Registry struct {
	factory ClientFactory
	creds   *credstore.Store
	sink    session.EventSink
	closer  QueueCloser
	cfg     session.Config
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(factory ClientFactory, creds *credstore.Store, sink session.EventSink, closer QueueCloser, cfg session.Config, log zerolog.Logger) *Registry {
	return &Registry{
		factory:  factory,
		creds:    creds,
		sink:     sink,
		closer:   closer,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session.Session),
	}
}

// GetOrCreate returns the live session for id, creating one when none
// exists. The created flag tells the caller whether Start still needs to be
// called. Creation happens under the table lock so two concurrent calls for
// the same id can never instantiate two live connections.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*session.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}

	blob, err := r.creds.Load(id)
	if err != nil {
		if errors.Is(err, credstore.ErrInvalidID) {
			return nil, false, err
		}
		if !errors.Is(err, credstore.ErrNotFound) {
			return nil, false, fmt.Errorf("load credentials for %s: %w", id, err)
		}
		blob = nil
	}

	client, err := r.factory.NewClient(ctx, id, blob)
	if err != nil {
		return nil, false, fmt.Errorf("create protocol client for %s: %w", id, err)
	}

	s := session.New(id, client, r.creds, r.sink, r.cfg, r.log)
	s.SetTerminalHook(r.evict)
	r.sessions[id] = s
	return s, true, nil
}

func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove tears a session down and drops it from the table. With logout the
// pairing is revoked and credentials are deleted; otherwise the session is
// only closed and can be resumed later.
func (r *Registry) Remove(ctx context.Context, id string, logout bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if logout {
		if err := s.Logout(ctx); err != nil && !errors.Is(err, session.ErrStopped) {
			r.log.Warn().Err(err).Str("session_id", id).Msg("Logout during removal failed")
		}
	} else {
		s.Stop()
	}
	if r.closer != nil {
		r.closer.CloseSession(id)
	}
	return nil
}

// evict is the terminal hook for sessions that logged themselves out after
// a remote revocation.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Info().Str("session_id", id).Msg("Session evicted after remote logout")
	if r.closer != nil {
		r.closer.CloseSession(id)
	}
}

func (r *Registry) List() []model.SessionInfo {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RestoreAll recreates and starts a session for every credential file on
// disk. Called once at startup.
func (r *Registry) RestoreAll(ctx context.Context) error {
	ids, err := r.creds.List()
	if err != nil {
		return fmt.Errorf("list stored sessions: %w", err)
	}
	for _, id := range ids {
		s, created, err := r.GetOrCreate(ctx, id)
		if err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("Failed to restore session")
			continue
		}
		if !created {
			continue
		}
		if err := s.Start(); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("Failed to start restored session")
			continue
		}
		r.log.Info().Str("session_id", id).Msg("Restored session from stored credentials")
	}
	return nil
}

// Shutdown closes every live session. Credentials are kept.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
