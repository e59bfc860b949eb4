package auth

import (
	"strings"
	"sync"
)

// State is a snapshot of the signed in session.
type State struct {
	Authenticated    bool
	HasProfile       bool
	CurrentUserPubky string
}

// Listener receives the new and previous state after every change.
type Listener func(state, prev State)

// Store holds the session state shared by pollers and the HTTP API.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners map[int64]Listener
	nextID    int64
}

// NewStore returns a signed out store.
func NewStore() *Store {
	return &Store{listeners: make(map[int64]Listener)}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SelectIsAuthenticated reports whether a session is active.
func (s *Store) SelectIsAuthenticated() bool {
	return s.State().Authenticated
}

// ViewerID returns the signed in pubky, or "" when signed out.
func (s *Store) ViewerID() string {
	state := s.State()
	if !state.Authenticated {
		return ""
	}
	return state.CurrentUserPubky
}

// SetSession marks pubky as signed in. An empty pubky signs out.
func (s *Store) SetSession(pubky string, hasProfile bool) {
	pubky = strings.TrimSpace(pubky)
	if pubky == "" {
		s.Clear()
		return
	}
	s.update(func(state *State) {
		state.Authenticated = true
		state.HasProfile = hasProfile
		state.CurrentUserPubky = pubky
	})
}

// SetHasProfile records whether the signed in user finished onboarding.
func (s *Store) SetHasProfile(hasProfile bool) {
	s.update(func(state *State) {
		state.HasProfile = hasProfile
	})
}

// Clear signs out.
func (s *Store) Clear() {
	s.update(func(state *State) {
		*state = State{}
	})
}

// Subscribe registers listener and returns a function removing it. The returned
// function may be called more than once.
func (s *Store) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) update(mutate func(*State)) {
	s.mu.Lock()
	prev := s.state
	mutate(&s.state)
	next := s.state
	if next == prev {
		s.mu.Unlock()
		return
	}
	listeners := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(next, prev)
	}
}
