package convo

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
	At      time.Time
}

// State is the append-only turn history for one session. Entries are only
// ever added; a cancelled response never lands here because the turn stage
// commits assistant text only after a stream completes.
type State struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

func NewState(systemPrompt string) *State {
	s := &State{now: time.Now}
	if strings.TrimSpace(systemPrompt) != "" {
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: systemPrompt, At: s.now()})
	}
	return s
}

func (s *State) Append(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content, At: s.now()})
}

// Messages returns a copy of the history.
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message, or false when the history is empty.
func (s *State) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// LastByRole returns the most recent message with the given role.
func (s *State) LastByRole(role Role) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == role {
			return s.messages[i], true
		}
	}
	return Message{}, false
}
