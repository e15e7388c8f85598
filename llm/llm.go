// Package llm defines the model-facing interfaces used for planning and for
// the code-mode tool loop, plus HTTP clients for Anthropic and OpenAI.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool call fed back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of a conversation. Assistant messages may carry
// tool calls; tool messages carry the results.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// ChatRequest is one model turn.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ChatResponse is the model's reply to one turn.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is a minimal single-shot completion interface.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Chat is a tool-calling chat interface. onDelta, if non-nil, receives
// assistant text as it becomes available.
type Chat interface {
	Chat(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error)
}

// Provider is implemented by the HTTP clients.
type Provider interface {
	Client
	Chat
}

// New creates a provider from API keys. Anthropic is preferred when both
// keys are present.
func New(anthropicKey, openaiKey, model, baseURL string) (Provider, error) {
	if anthropicKey != "" {
		return NewAnthropicClient(anthropicKey, model).WithBaseURL(baseURL), nil
	}
	if openaiKey != "" {
		return NewOpenAIClient(openaiKey, model).WithBaseURL(baseURL), nil
	}
	return nil, fmt.Errorf("no LLM API key found (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
}

// ExtractJSON returns the outermost JSON object in a model reply, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return candidate, nil
}
