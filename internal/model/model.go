// Package model is the boundary to the language-model providers. The
// execution loop sees one capability: given the conversation so far, produce
// the next turn, which is either a set of tool-call requests or a candidate
// final answer.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/agentrun/internal/tool"
)

// ErrModelUnavailable marks a transport-level fault that exhausted the
// adapter's internal retries. It is fatal to the current run.
var ErrModelUnavailable = errors.New("model unavailable")

// Roles for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a discrete tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries a tool outcome back into the conversation.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// Message is one conversational turn. Assistant turns may carry ToolCalls;
// tool turns carry ToolResults; other roles carry plain content.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// Usage reports token consumption for one model turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Turn is the model's next move: tool-call requests, or a candidate final
// answer when ToolCalls is empty and Text is non-empty.
type Turn struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// IsToolRequest reports whether the turn asks for tool invocations.
func (t *Turn) IsToolRequest() bool {
	return len(t.ToolCalls) > 0
}

// Request is one conversation snapshot sent to the provider.
type Request struct {
	Messages []Message
	Tools    []tool.Descriptor
}

// Client produces the next model turn for a conversation. Implementations
// issue a single in-flight request per call and collapse transport retries
// internally.
type Client interface {
	NextTurn(ctx context.Context, req Request) (*Turn, error)
}

// Config selects and parameterises a provider adapter.
type Config struct {
	Provider    string // "anthropic" (default) or "openai"
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature *float64
	MaxRetries  int
	System      string
}

// NewClient builds the provider adapter named by cfg.Provider.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "anthropic":
		return newAnthropic(cfg)
	case "openai":
		return newOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
