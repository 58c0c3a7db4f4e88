package mailing

import "sync"

// State is the administrator's conversation state.
type State int

const (
	StateIdle State = iota
	StateAwaitingContent
)

func (s State) String() string {
	if s == StateAwaitingContent {
		return "awaiting_content"
	}
	return "idle"
}

// Sessions tracks the conversation state per administrator.
type Sessions struct {
	mu    sync.Mutex
	state map[int64]State
}

func NewSessions() *Sessions { return &Sessions{state: map[int64]State{}} }

func (s *Sessions) State(user int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[user]
}

// Await moves user to AwaitingContent.
func (s *Sessions) Await(user int64) {
	s.mu.Lock()
	s.state[user] = StateAwaitingContent
	s.mu.Unlock()
}

// Take returns true and moves user back to Idle if it was awaiting content.
func (s *Sessions) Take(user int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[user] != StateAwaitingContent {
		return false
	}
	delete(s.state, user)
	return true
}
