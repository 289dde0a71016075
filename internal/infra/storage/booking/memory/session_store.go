// Package memory provides an in-memory implementation of the booking session
// store for tests and single-process development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

var _ booking.SessionStore = (*SessionStore)(nil)

type activeKey struct {
	owner    string
	configID uuid.UUID
}

type outboxEntry struct {
	evt       booking.TransitionEvent
	published bool
}

// SessionStore keeps sessions, configurations and the transition log in maps
// guarded by a mutex. Commits for a single session are additionally
// serialized by a per-session lock so that only one commit per session is
// ever in flight.
type SessionStore struct {
	mu             sync.Mutex
	sessions       map[uuid.UUID]*booking.Session
	configurations map[uuid.UUID]booking.Configuration
	active         map[activeKey]uuid.UUID
	transitions    map[uuid.UUID][]booking.TransitionEvent
	outbox         []outboxEntry

	sessionLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewSessionStore creates an empty in-memory store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:       make(map[uuid.UUID]*booking.Session),
		configurations: make(map[uuid.UUID]booking.Configuration),
		active:         make(map[activeKey]uuid.UUID),
		transitions:    make(map[uuid.UUID][]booking.TransitionEvent),
	}
}

func (s *SessionStore) lockFor(id uuid.UUID) *sync.Mutex {
	l, _ := s.sessionLocks.LoadOrStore(id, new(sync.Mutex))
	return l.(*sync.Mutex)
}

// CreateSession stores the configuration and a new session in the
// initializing state, or returns a *booking.ConflictError.
func (s *SessionStore) CreateSession(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey{owner: cfg.Owner, configID: cfg.ID}
	if existing, ok := s.active[key]; ok {
		return nil, &booking.ConflictError{Owner: cfg.Owner, ConfigurationID: cfg.ID, ActiveSessionID: existing}
	}

	if stored, ok := s.configurations[cfg.ID]; ok && stored.Owner != cfg.Owner {
		return nil, fmt.Errorf("configuration %s belongs to another owner", cfg.ID)
	} else if !ok {
		s.configurations[cfg.ID] = cfg
	}

	session := booking.NewSession(cfg.Owner, cfg.ID)
	evt, err := session.Transition(booking.SessionStateInitializing, booking.TransitionDetail{})
	if err != nil {
		return nil, err
	}

	s.sessions[session.ID()] = session
	s.active[key] = session.ID()
	s.appendLocked(evt)

	return session.Clone(), nil
}

// LoadActive returns the active session for the owner and configuration.
func (s *SessionStore) LoadActive(ctx context.Context, owner string, configurationID uuid.UUID) (*booking.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[activeKey{owner: owner, configID: configurationID}]
	if !ok {
		return nil, booking.ErrSessionNotFound
	}
	return s.sessions[id].Clone(), nil
}

// GetSession returns a copy of the stored session.
func (s *SessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*booking.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, booking.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// ListActive returns copies of all non-terminal sessions ordered by start time.
func (s *SessionStore) ListActive(ctx context.Context) ([]*booking.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*booking.Session, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.sessions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timeline().StartedAt().Before(out[j].Timeline().StartedAt())
	})
	return out, nil
}

// GetConfiguration returns the stored configuration.
func (s *SessionStore) GetConfiguration(ctx context.Context, configurationID uuid.UUID) (booking.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configurations[configurationID]
	if !ok {
		return booking.Configuration{}, booking.ErrConfigurationNotFound
	}
	return cfg, nil
}

// Commit applies the transition to the stored session and appends its event.
func (s *SessionStore) Commit(
	ctx context.Context,
	session *booking.Session,
	to booking.SessionState,
	detail booking.TransitionDetail,
) (*booking.Session, booking.TransitionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, booking.TransitionEvent{}, err
	}

	id := session.ID()
	lock := s.lockFor(id)
	lock.Lock()
	// A terminal session takes no further commits, so its lock is dropped.
	var finished bool
	defer func() {
		if finished {
			s.sessionLocks.Delete(id)
		}
		lock.Unlock()
	}()

	s.mu.Lock()
	stored, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		finished = true
		return nil, booking.TransitionEvent{}, booking.ErrSessionNotFound
	}
	finished = stored.IsTerminal()
	if stored.Version() != session.Version() {
		s.mu.Unlock()
		return nil, booking.TransitionEvent{}, fmt.Errorf("%w: stored version %d, caller version %d",
			booking.ErrConcurrentUpdate, stored.Version(), session.Version())
	}
	s.mu.Unlock()

	// Apply to a copy so a rejected transition leaves storage untouched.
	next := stored.Clone()
	evt, err := next.Transition(to, detail)
	if err != nil {
		return nil, booking.TransitionEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[next.ID()] = next
	if next.IsTerminal() {
		finished = true
		delete(s.active, activeKey{owner: next.Owner(), configID: next.ConfigurationID()})
	}
	s.appendLocked(evt)

	return next.Clone(), evt, nil
}

// ListTransitions returns the transition log of a session.
func (s *SessionStore) ListTransitions(ctx context.Context, sessionID uuid.UUID) ([]booking.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, booking.ErrSessionNotFound
	}
	log := s.transitions[sessionID]
	out := make([]booking.TransitionEvent, len(log))
	copy(out, log)
	return out, nil
}

// PendingTransitions returns unpublished events in commit order.
func (s *SessionStore) PendingTransitions(ctx context.Context, limit int) ([]booking.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []booking.TransitionEvent
	for _, e := range s.outbox {
		if e.published {
			continue
		}
		out = append(out, e.evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished flags events as handed to the bus.
func (s *SessionStore) MarkPublished(ctx context.Context, eventIDs ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[uuid.UUID]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := ids[s.outbox[i].evt.EventID]; ok {
			s.outbox[i].published = true
		}
	}

	// Drop the published prefix to keep the outbox small.
	n := 0
	for n < len(s.outbox) && s.outbox[n].published {
		n++
	}
	s.outbox = s.outbox[n:]
	return nil
}

func (s *SessionStore) appendLocked(evt booking.TransitionEvent) {
	s.transitions[evt.SessionID] = append(s.transitions[evt.SessionID], evt)
	s.outbox = append(s.outbox, outboxEntry{evt: evt})
}
