package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jxucoder/telerun/apperr"
)

func TestExtractJSON(t *testing.T) {
	got, err := ExtractJSON("Here is the plan:\n```json\n{\"commitMessage\": \"fix: x\"}\n```")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != `{"commitMessage": "fix: x"}` {
		t.Fatalf("unexpected JSON %q", got)
	}
	if _, err := ExtractJSON("no json here"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ExtractJSON("{broken"); err == nil {
		t.Fatal("expected error for unterminated object")
	}
}

func TestNewPrefersAnthropic(t *testing.T) {
	p, err := New("ak", "ok", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*AnthropicClient); !ok {
		t.Fatalf("expected anthropic client, got %T", p)
	}
	p, _ = New("", "ok", "", "")
	if _, ok := p.(*OpenAIClient); !ok {
		t.Fatalf("expected openai client, got %T", p)
	}
	if _, err := New("", "", "", ""); err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestAnthropicChatToolUse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "key" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"content":[{"type":"text","text":"Listing files."},
			{"type":"tool_use","id":"tu_1","name":"sandbox_run","input":{"command":"ls"}}],
			"stop_reason":"tool_use"}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", "").WithBaseURL(srv.URL)
	var deltas []string
	resp, err := c.Chat(context.Background(), ChatRequest{
		System: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tu_0", Name: "sandbox_ls"}}},
			{Role: RoleTool, ToolResults: []ToolResult{{CallID: "tu_0", Content: "README.md"}}},
		},
		Tools: []ToolSpec{{Name: "sandbox_run", Description: "run", Schema: json.RawMessage(`{"type":"object"}`)}},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Listing files." || len(deltas) != 1 {
		t.Fatalf("unexpected text %q deltas %v", resp.Text, deltas)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "sandbox_run" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(msgs))
	}
	toolMsg := msgs[2].(map[string]any)
	block := toolMsg["content"].([]any)[0].(map[string]any)
	if toolMsg["role"] != "user" || block["type"] != "tool_result" || block["tool_use_id"] != "tu_0" {
		t.Fatalf("tool result not mapped: %v", toolMsg)
	}
}

func TestOpenAIChatToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer auth")
		}
		io.WriteString(w, `{"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"sandbox_cat","arguments":"{\"path\":\"a.txt\"}"}}]}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("key", "").WithBaseURL(srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Input) != `{"path":"a.txt"}` {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
}

func TestStatusErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", "").WithBaseURL(srv.URL).Complete(context.Background(), "s", "u")
	if !apperr.Is(err, apperr.KindUpstreamTimeout) {
		t.Fatalf("expected upstream_timeout, got %v", err)
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv2.Close()
	_, err = NewOpenAIClient("k", "").WithBaseURL(srv2.URL).Complete(context.Background(), "s", "u")
	if !apperr.Is(err, apperr.KindBadGateway) {
		t.Fatalf("expected bad_gateway, got %v", err)
	}
}
