// Package llm adapts model vendors to one narrow completion interface.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrNoProvider is returned when a requested provider is not configured.
	ErrNoProvider = errors.New("llm provider not configured")
	// ErrEmptyResponse is returned when a vendor answers with no text.
	ErrEmptyResponse = errors.New("llm returned no content")
)

// Role of a chat message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single, bounded completion call.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Response is the model's text answer.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Provider completes requests against one vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Unavailable is a Provider that always fails. It stands in when no vendor is
// configured so every task degrades instead of the process refusing to start.
// It registers under ProviderName, or "unavailable" when that is empty.
type Unavailable struct {
	ProviderName string
}

// Name implements Provider.
func (u Unavailable) Name() string {
	if u.ProviderName == "" {
		return "unavailable"
	}
	return u.ProviderName
}

// Complete implements Provider.
func (Unavailable) Complete(context.Context, Request) (Response, error) {
	return Response{}, ErrNoProvider
}
