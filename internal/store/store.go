package store

import (
	"errors"
	"sync"
	"time"

	"voicedesk/agent/internal/types"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrMessageNotFound = errors.New("message not found")
)

const maxEvents = 200

// Store holds the transcript and event log of every open voice session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	events   map[string][]types.Event
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*types.Session),
		events:   make(map[string][]types.Event),
	}
}

// Open registers a new session with an empty transcript.
func (s *Store) Open(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Lifecycle == types.SessionOpen {
		return nil, ErrSessionExists
	}
	sess := &types.Session{
		ID:        id,
		Turns:     []types.Message{},
		Lifecycle: types.SessionOpen,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[id] = sess
	if _, ok := s.events[id]; !ok {
		s.events[id] = []types.Event{}
	}
	return cloneSession(sess), nil
}

// Close clears the transcript and marks the session closed. Closing an unknown or
// already closed session is a no-op.
func (s *Store) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Lifecycle == types.SessionClosed {
		return
	}
	now := time.Now().UTC()
	sess.Turns = []types.Message{}
	sess.Lifecycle = types.SessionClosed
	sess.ClosedAt = &now
}

// Forget drops a session and its events entirely.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.events, id)
}

func (s *Store) Get(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return cloneSession(sess)
}

// Append adds msg to the end of the transcript. CreatedAt is stamped here so that the
// transcript order and timestamps always agree.
func (s *Store) Append(id string, msg types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Message{}, ErrSessionNotFound
	}
	if sess.Lifecycle != types.SessionOpen {
		return types.Message{}, ErrSessionClosed
	}
	now := time.Now().UTC()
	if n := len(sess.Turns); n > 0 && !now.After(sess.Turns[n-1].CreatedAt) {
		now = sess.Turns[n-1].CreatedAt.Add(time.Microsecond)
	}
	msg.CreatedAt = now
	sess.Turns = append(sess.Turns, msg)
	return msg, nil
}

// Finalize flips the streaming flag of a message to false.
func (s *Store) Finalize(id, msgID string) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Message{}, ErrSessionNotFound
	}
	for i := range sess.Turns {
		if sess.Turns[i].ID == msgID {
			sess.Turns[i].Streaming = false
			return sess.Turns[i], nil
		}
	}
	return types.Message{}, ErrMessageNotFound
}

// Message returns a single transcript entry by id.
func (s *Store) Message(id, msgID string) (types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Message{}, ErrSessionNotFound
	}
	for _, m := range sess.Turns {
		if m.ID == msgID {
			return m, nil
		}
	}
	return types.Message{}, ErrMessageNotFound
}

func (s *Store) Messages(id string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]types.Message, len(sess.Turns))
	copy(out, sess.Turns)
	return out
}

func (s *Store) AppendEvent(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: time.Now().UTC(), Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	// Cap total events per session to avoid unbounded growth
	if l := len(s.events[sessionID]); l > maxEvents {
		// Keep space for a single truncation warning so the total stays at maxEvents
		keep := maxEvents - 1
		dropped := l - keep
		s.events[sessionID] = append([]types.Event(nil), s.events[sessionID][l-keep:]...)
		warn := types.Event{Type: "events_truncated", Ts: time.Now().UTC(), Payload: map[string]any{"session_id": sessionID, "dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(s.events[sessionID], warn)
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

func cloneSession(in *types.Session) *types.Session {
	out := *in
	out.Turns = make([]types.Message, len(in.Turns))
	copy(out.Turns, in.Turns)
	return &out
}
