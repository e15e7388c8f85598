package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/model"
)

// Plan is the planner's structured output.
type Plan struct {
	CommitMessage string `json:"commitMessage"`
	PRTitle       string `json:"prTitle"`
	PRBody        string `json:"prBody"`
	PlanMarkdown  string `json:"planMarkdown"`
	// DocsLookups is how many documentation lookups the planner used.
	DocsLookups int `json:"docsLookups"`
}

// DocsLookup answers documentation queries for the planner.
type DocsLookup interface {
	Lookup(ctx context.Context, query string) (string, error)
}

// HTTPDocsLookup queries a documentation search endpoint with GET ?q=.
type HTTPDocsLookup struct {
	URL    string
	Client *http.Client
}

const maxDocsBytes = 8 << 10

// Lookup implements DocsLookup.
func (h *HTTPDocsLookup) Lookup(ctx context.Context, query string) (string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return "", apperr.EnvInvalid("invalid docs lookup URL: %v", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating docs request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := apperr.FromContext(ctx, "docs lookup"); ctxErr != nil {
			return "", ctxErr
		}
		return "", apperr.Wrap(apperr.KindBadGateway, err, "docs lookup")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocsBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.KindBadGateway, err, "reading docs response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.BadGateway("docs lookup returned %d: %s", resp.StatusCode, model.Truncate(string(body), 200))
	}
	return string(body), nil
}

const docsToolName = "docs_lookup"

var docsTool = llm.ToolSpec{
	Name:        docsToolName,
	Description: "Search library and framework documentation. Returns matching documentation text.",
	Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
}

// planner produces a Plan, enforcing the docs lookup budget itself: once
// the budget is spent the tool is withdrawn and further calls are refused.
type planner struct {
	chat   llm.Chat
	docs   DocsLookup
	budget int
	system string
}

func (p *planner) plan(ctx context.Context, user, task string) (*Plan, error) {
	system := p.system
	if system == "" {
		system = DefaultPlannerPrompt
	}
	useDocs := p.docs != nil && p.budget > 0
	if useDocs {
		system += fmt.Sprintf(docsToolPrompt, p.budget)
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: user}}
	used := 0
	for turn := 0; turn <= p.budget+1; turn++ {
		req := llm.ChatRequest{System: system, Messages: messages, MaxTokens: 4096}
		if useDocs && used < p.budget {
			req.Tools = []llm.ToolSpec{docsTool}
		}
		resp, err := p.chat.Chat(ctx, req, nil)
		if err != nil {
			if ctxErr := apperr.FromContext(ctx, "planning"); ctxErr != nil {
				return nil, ctxErr
			}
			if apperr.KindOf(err) == apperr.KindInternal {
				return nil, apperr.Wrap(apperr.KindBadGateway, err, "planning")
			}
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			plan, err := parsePlan(resp.Text, task)
			if err != nil {
				return nil, err
			}
			plan.DocsLookups = used
			return plan, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, p.lookup(ctx, call, &used))
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}
	return nil, apperr.BadGateway("planner did not return a plan within %d turns", p.budget+2)
}

func (p *planner) lookup(ctx context.Context, call llm.ToolCall, used *int) llm.ToolResult {
	res := llm.ToolResult{CallID: call.ID, Name: call.Name}
	if call.Name != docsToolName || p.docs == nil {
		res.Content, res.IsError = fmt.Sprintf("unknown tool %q", call.Name), true
		return res
	}
	if *used >= p.budget {
		res.Content, res.IsError = "docs lookup budget exhausted; answer with the plan now", true
		return res
	}
	*used++
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil || strings.TrimSpace(in.Query) == "" {
		res.Content, res.IsError = "query is required", true
		return res
	}
	out, err := p.docs.Lookup(ctx, in.Query)
	if err != nil {
		res.Content, res.IsError = "lookup failed: "+err.Error(), true
		return res
	}
	res.Content = out
	return res
}

// parsePlan decodes the planner's JSON reply, filling empty fields from
// the task.
func parsePlan(text, task string) (*Plan, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "parsing plan")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "decoding plan")
	}
	summary := model.Truncate(strings.Join(strings.Fields(task), " "), 72)
	if strings.TrimSpace(plan.CommitMessage) == "" {
		plan.CommitMessage = "telerun: " + summary
	}
	if strings.TrimSpace(plan.PRTitle) == "" {
		plan.PRTitle = "telerun: " + summary
	}
	if strings.TrimSpace(plan.PRBody) == "" {
		plan.PRBody = plan.PlanMarkdown
	}
	return &plan, nil
}
