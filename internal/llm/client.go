// Package llm provides the completion capability used to draft replies:
// a provider-neutral request shape and Gemini and Bedrock implementations.
package llm

import (
	"context"
	"errors"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyCompletion is returned when a provider answers without text.
var ErrEmptyCompletion = errors.New("llm: completion contained no text")

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Request is a provider-neutral completion request. A negative Temperature
// leaves the provider default in place.
type Request struct {
	Model       string
	System      []string
	Messages    []Message
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Client completes a conversation.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// TimeoutClient bounds every completion with a deadline.
type TimeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout wraps next. A non-positive timeout returns next unchanged.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 || next == nil {
		return next
	}
	return &TimeoutClient{next: next, timeout: timeout}
}

func (c *TimeoutClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Complete(ctx, req)
}
