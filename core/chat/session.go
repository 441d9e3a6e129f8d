package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one turn of a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionStore keeps chat history per session in memory
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string][]Message)}
}

// Open returns id, or a fresh session id when id is empty
func (s *SessionStore) Open(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		s.sessions[id] = nil
	}
	return id
}

// Append adds msg to the session and returns the resulting history
func (s *SessionStore) Append(id string, msg Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = append(s.sessions[id], msg)
	return copyMessages(s.sessions[id])
}

// History returns a copy of the session's messages
func (s *SessionStore) History(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.sessions[id])
}

func copyMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
