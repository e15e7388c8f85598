package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiBaseURL = "https://api.openai.com"

// OpenAIClient implements Provider using the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIClient creates a client for the OpenAI API.
// Model defaults to "gpt-4o" if empty.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: openaiBaseURL,
		client:  http.DefaultClient,
	}
}

// WithBaseURL points the client at a gateway. Empty keeps the default.
func (c *OpenAIClient) WithBaseURL(u string) *OpenAIClient {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
	return c
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAIClient) post(ctx context.Context, body map[string]any) (*openaiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, "openai", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("openai", resp.StatusCode, respBody)
	}

	var result openaiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &result, nil
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	result, err := c.post(ctx, map[string]any{
		"model":      c.model,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Choices[0].Message.Content, nil
}

// Chat implements Chat. The reply text is delivered to onDelta in one piece.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages":   toOpenAIMessages(req.System, req.Messages),
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Schema,
				},
			})
		}
		body["tools"] = tools
	}

	result, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	choice := result.Choices[0]
	out := &ChatResponse{Text: choice.Message.Content, StopReason: choice.FinishReason}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	if onDelta != nil && out.Text != "" {
		onDelta(out.Text)
	}
	return out, nil
}

func toOpenAIMessages(system string, msgs []Message) []openaiMessage {
	out := []openaiMessage{{Role: "system", Content: system}}
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			om := openaiMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				call := openaiToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(tc.Input)
				om.ToolCalls = append(om.ToolCalls, call)
			}
			out = append(out, om)
		case RoleTool:
			for _, tr := range m.ToolResults {
				out = append(out, openaiMessage{Role: "tool", Content: tr.Content, ToolCallID: tr.CallID})
			}
		default:
			out = append(out, openaiMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}
