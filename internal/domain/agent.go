package domain

import (
	"fmt"
	"strings"
)

// AgentProfile is a static chat persona selected by id.
type AgentProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"-"`
}

// Greeting returns the opening assistant line shown when the agent is selected.
func (p AgentProfile) Greeting() string {
	return fmt.Sprintf("Hello! I'm your %s. I specialize in %s. How can I assist you?",
		p.Name, strings.ToLower(p.Description))
}
