package domain

import "sync"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one (role, text) element of the conversation history.
type Entry struct {
	Role Role
	Text string
}

// Conversation is the ordered, append-only context of one session. It is
// mutated only by the session's own pipeline (aggregation stages) in turn
// order; the mutex covers the restart path, which snapshots the history
// while a replacement pipeline is being wired.
type Conversation struct {
	mu      sync.Mutex
	entries []Entry
}

// NewConversation seeds the history with the system prompt when one is
// configured.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{}
	if systemPrompt != "" {
		c.entries = append(c.entries, Entry{Role: RoleSystem, Text: systemPrompt})
	}
	return c
}

func (c *Conversation) Append(role Role, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Role: role, Text: text})
}

// Snapshot returns a copy of the history for handing to the generation
// provider.
func (c *Conversation) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
