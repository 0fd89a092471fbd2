package convo

import (
	"sync"
	"testing"
)

func TestStateSystemPromptSeedsHistory(t *testing.T) {
	s := NewState("You are a relay.")
	if s.Len() != 1 {
		t.Fatalf("expected seeded history, got len=%d", s.Len())
	}
	msg, ok := s.Last()
	if !ok || msg.Role != RoleSystem {
		t.Fatalf("expected system message, got %+v", msg)
	}

	empty := NewState("   ")
	if empty.Len() != 0 {
		t.Fatalf("blank prompt must not seed history, got len=%d", empty.Len())
	}
}

func TestStateAppendOrder(t *testing.T) {
	s := NewState("")
	s.Append(RoleUser, "hello")
	s.Append(RoleAssistant, "Hi there")
	s.Append(RoleUser, "bye")

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []struct {
		role    Role
		content string
	}{
		{RoleUser, "hello"},
		{RoleAssistant, "Hi there"},
		{RoleUser, "bye"},
	}
	for i, w := range want {
		if msgs[i].Role != w.role || msgs[i].Content != w.content {
			t.Fatalf("message %d: got %s %q", i, msgs[i].Role, msgs[i].Content)
		}
	}

	last, ok := s.LastByRole(RoleAssistant)
	if !ok || last.Content != "Hi there" {
		t.Fatalf("LastByRole(assistant) = %q, %v", last.Content, ok)
	}
}

func TestStateMessagesReturnsCopy(t *testing.T) {
	s := NewState("")
	s.Append(RoleUser, "hello")

	msgs := s.Messages()
	msgs[0].Content = "mutated"

	got := s.Messages()
	if got[0].Content != "hello" {
		t.Fatalf("history mutated through returned slice: %q", got[0].Content)
	}
}

func TestStateConcurrentAppend(t *testing.T) {
	s := NewState("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append(RoleUser, "x")
		}()
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("expected 50 appends, got %d", s.Len())
	}
}
