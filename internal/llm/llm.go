// Package llm abstracts the chat-completion provider used by the agent
// kernels. Kernels build provider-neutral requests; the openai adapter
// translates them into Chat Completions API calls.
package llm

import (
	"context"
	"strings"
)

// Conversation roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Images are raw encoded bytes
// (PNG or JPEG) attached to the turn for vision-capable models.
type Message struct {
	Role   string
	Text   string
	Images [][]byte
}

// Request describes one completion call.
type Request struct {
	Model       string
	Messages    []Message
	JSONMode    bool
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model output for one completion call.
type Response struct {
	Content string
	Usage   Usage
}

// Client is implemented by provider adapters.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// MaskKey renders an API key safe for logs and API responses: the first
// eight and last four characters survive, everything else is elided.
// Short keys are masked entirely.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "***"
	}
	var b strings.Builder
	b.WriteString(key[:8])
	b.WriteString("…")
	b.WriteString(key[len(key)-4:])
	return b.String()
}
