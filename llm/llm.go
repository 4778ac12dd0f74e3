// Package llm defines the language-model client contract used by the
// agent loop and the summarizer.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one turn of LM conversation. Role is one of
// user|assistant|system|tool. Assistant turns may carry ToolCalls; tool
// turns answer a prior call via ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	IsError    bool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolDef advertises a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single completion call.
type Request struct {
	Model     string // empty means the client default
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Response is the model's reply: text, tool calls, or both.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the minimal LM surface the orchestrator needs.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// StatusError carries the HTTP status of a failed LM call so the retry
// policy can classify it.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf extracts the HTTP status from an LM error, or 0 when the
// error carries none (e.g. a network failure).
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Retryable reports whether an LM error is worth retrying: rate limits,
// server errors, and transport failures with no status at all.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch status := StatusOf(err); {
	case status == 429:
		return true
	case status >= 500:
		return true
	case status == 0:
		return true
	default:
		return false
	}
}
