// Package sessions stores per-session chat history so follow-up
// requests carry the earlier conversation.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nugget/tether/internal/llm"
)

// Info summarizes one stored session.
type Info struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists chat history keyed by session id.
type Store interface {
	// History returns the session's messages in order. Unknown sessions
	// have an empty history.
	History(ctx context.Context, sessionID string) ([]llm.Message, error)
	// Append adds messages to the end of the session.
	Append(ctx context.Context, sessionID string, msgs ...llm.Message) error
	// Delete forgets a session.
	Delete(ctx context.Context, sessionID string) error
	// List returns every session, most recently updated first.
	List(ctx context.Context) ([]Info, error)
}

type memorySession struct {
	messages []llm.Message
	updated  time.Time
}

// Memory is an in-process Store. History is lost on restart.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memorySession)}
}

func (m *Memory) History(_ context.Context, sessionID string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (m *Memory) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{}
		m.sessions[sessionID] = s
	}
	s.messages = append(s.messages, msgs...)
	s.updated = time.Now()
	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, Info{ID: id, Messages: len(s.messages), UpdatedAt: s.updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
