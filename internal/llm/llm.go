// Package llm wraps the chat-completion provider behind a small interface.
package llm

import "context"

// Role is the author of a prompt message as the provider understands it.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a prompt.
type Message struct {
	Role    Role
	Content string
}

// Choice is one candidate answer.
type Choice struct {
	Message Message
}

// APIError is the provider's error payload.
type APIError struct {
	Message    string
	StatusCode int
}

// Completion is the provider response. Error is set instead of Choices when
// the provider rejected the call.
type Completion struct {
	Choices []Choice
	Error   *APIError
}

// FirstContent returns the content of the first choice, or "".
func (c *Completion) FirstContent() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// ChatCompleter sends a prompt and returns the provider's completion.
// Provider-side failures are reported in Completion.Error; the returned
// error is reserved for cancellation.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}
