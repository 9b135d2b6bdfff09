package domain

import "time"

// Conversation is a persisted chat thread owned by a user.
type Conversation struct {
	ID        string        `json:"id"`
	UserID    string        `json:"-"`
	AgentID   string        `json:"agent_id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Expired returns true if the conversation has not been touched within ttl.
func (c *Conversation) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(c.UpdatedAt) > ttl
}

const maxTitleRunes = 50

// TitleFrom derives a conversation title from its first user message.
func TitleFrom(content string) string {
	r := []rune(content)
	if len(r) <= maxTitleRunes {
		return content
	}
	return string(r[:maxTitleRunes]) + "..."
}
