// Package llm is the text-generation boundary. The engine awaits one Result
// per call and never retries; retries and throttling belong to wrappers.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role/content pair of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request. Empty Endpoint, APIKey, Model, or
// MaxTokens fall back to client defaults.
type Request struct {
	Endpoint  string
	APIKey    string
	Model     string
	Messages  []Message
	MaxTokens int
}

// Result is the generated text of one completion.
type Result struct {
	Text     string
	Duration time.Duration
}

// Client generates text.
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

// ErrorKind classifies a generation failure.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindBadFormat ErrorKind = "bad_format"
	KindStatus    ErrorKind = "status"
)

// Error is a typed generation failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("llm: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
