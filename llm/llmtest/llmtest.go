// Package llmtest provides scripted llm.Chat and llm.Client fakes.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jxucoder/telerun/llm"
)

// Turn is one scripted model reply.
type Turn struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

// Call builds a tool call with JSON-encoded input.
func Call(id, name string, input any) llm.ToolCall {
	b, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Input: b}
}

// Chat replays Turns in order and records every request. Once the script
// is exhausted it replies with empty text and no tool calls.
type Chat struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.ChatRequest

	// Complete replies, consumed in order by Complete.
	Completions []string
	prompts     []string
}

// NewChat creates a scripted chat.
func NewChat(turns ...Turn) *Chat {
	return &Chat{turns: turns}
}

// Chat implements llm.Chat.
func (c *Chat) Chat(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	c.requests = append(c.requests, req)
	var t Turn
	if len(c.turns) > 0 {
		t = c.turns[0]
		c.turns = c.turns[1:]
	}
	c.mu.Unlock()

	if t.Err != nil {
		return nil, t.Err
	}
	if onDelta != nil && t.Text != "" {
		onDelta(t.Text)
	}
	return &llm.ChatResponse{Text: t.Text, ToolCalls: t.ToolCalls}, nil
}

// Complete implements llm.Client.
func (c *Chat) Complete(ctx context.Context, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, user)
	if len(c.Completions) == 0 {
		return "", fmt.Errorf("llmtest: no scripted completion")
	}
	out := c.Completions[0]
	c.Completions = c.Completions[1:]
	return out, nil
}

// Requests returns the recorded chat requests.
func (c *Chat) Requests() []llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.ChatRequest(nil), c.requests...)
}

// Prompts returns the user prompts passed to Complete.
func (c *Chat) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
