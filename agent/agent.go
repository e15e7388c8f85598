// Package agent runs the code-mode tool loop: a model drives a sandbox
// through a small set of tools until it stops calling them or the step
// budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/compact"
	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/stream"
)

// cleanupTimeout bounds removal of compacted results.
const cleanupTimeout = 30 * time.Second

const (
	DefaultMaxSteps     = 24
	DefaultMaxTextBytes = 64 << 10
	DefaultMaxTokens    = 8192
)

// DefaultSystemPrompt is used when RunOptions.System is empty.
const DefaultSystemPrompt = `You are a coding agent working inside a sandboxed checkout of a repository.
The repository root is your working directory. Use the sandbox tools to inspect
files, edit them and run the project's own tooling. Paths are relative to the
repository root; absolute paths outside it and ".." segments are rejected.

Older tool results may be replaced by a "[compacted] stored at <path>" marker.
Read the file at that path with sandbox_cat if you need the content again.

When the change is complete, reply with a short summary and stop calling tools.
Do not commit or push; that happens after you finish.`

// Config configures a Runner.
type Config struct {
	Chat llm.Chat
	// MaxSteps bounds model turns per run.
	MaxSteps int
	// MaxTextBytes bounds the accumulated assistant text. Oldest text is
	// dropped first.
	MaxTextBytes int
	MaxTokens    int
	// AllowedCommands is the sandbox_run allowlist.
	AllowedCommands []string
	// Compaction is applied before every model turn. A nil Storage with the
	// write strategy stores results in the sandbox.
	Compaction compact.Options
}

// Runner executes code-mode runs.
type Runner struct {
	cfg Config
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = DefaultMaxTextBytes
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Compaction.Strategy == "" {
		cfg.Compaction.Strategy = compact.WriteToolResultsToFile
	}
	if cfg.Compaction.Boundary.Count <= 0 {
		cfg.Compaction.Boundary = compact.Boundary{Type: compact.BoundaryKeepLast, Count: compact.DefaultKeep}
	}
	return &Runner{cfg: cfg}
}

// RunOptions is one code-mode run.
type RunOptions struct {
	Session *jobsession.Session
	System  string
	Prompt  string
	// Sink receives the run's events. The caller closes it after Run
	// returns; the last event sent is always an exit event.
	Sink stream.Sink
}

// Result is the outcome of a run.
type Result struct {
	// Text is the redacted assistant text, capped at MaxTextBytes.
	Text      string
	Steps     int
	ToolCalls int
	// Truncated reports whether older assistant text was dropped.
	Truncated bool
	// Compacted maps tool-result keys to the sandbox paths they were
	// offloaded to.
	Compacted map[string]string
}

// Run drives the tool loop. On error the session is finalized as failed
// and its sandbox stopped before the error is returned. On success the
// session is left open for the caller.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (res *Result, err error) {
	if opts.Session == nil {
		return nil, apperr.BadRequest("agent run without a session")
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, apperr.BadRequest("empty prompt")
	}
	sess := opts.Session
	sink := &emitter{sink: opts.Sink, redact: sess.Redact}
	if sink.sink == nil {
		sink.sink = stream.Discard
	}

	comp := r.cfg.Compaction
	if comp.SessionID == "" {
		comp.SessionID = sess.JobID()
	}
	var sandboxStore *compact.SandboxStorage
	if comp.Strategy == compact.WriteToolResultsToFile && comp.Storage == nil {
		sandboxStore = &compact.SandboxStorage{Session: sess, SessionID: comp.SessionID}
		comp.Storage = sandboxStore
	}

	defer func() {
		if err == nil {
			cleanupCompaction(ctx, comp.Storage, sandboxStore, sess.JobID())
			return
		}
		sess.Fail(ctx, err)
		// Results stored in the sandbox went away with it.
		if sandboxStore == nil {
			cleanupCompaction(ctx, comp.Storage, nil, sess.JobID())
		}
		exit := sess.LastExitCode()
		code := 1
		if exit != nil && *exit != 0 {
			code = *exit
		}
		sink.sendFinal(ctx, stream.Event{
			Type:      stream.EventExit,
			ExitCode:  &code,
			Error:     sess.Redact(err.Error()),
			ErrorKind: string(apperr.KindOf(err)),
		})
	}()

	system := opts.System
	if system == "" {
		system = DefaultSystemPrompt
	}
	tools := newToolset(sess, sink, r.cfg.AllowedCommands)
	text := &textBuffer{limit: r.cfg.MaxTextBytes}
	res = &Result{}

	if err := sink.send(ctx, stream.Event{Type: stream.EventStatus, Status: "running"}); err != nil {
		return nil, err
	}

	prompt := llm.Message{Role: llm.RoleUser, Content: opts.Prompt}
	messages := []llm.Message{prompt}
	done := false
	for !done && res.Steps < r.cfg.MaxSteps {
		messages = prepareStep(ctx, messages, prompt, comp)
		deltas := &deltaRedactor{redact: sess.Redact}

		resp, err := r.cfg.Chat.Chat(ctx, llm.ChatRequest{
			System:    system,
			Messages:  messages,
			Tools:     tools.specs(),
			MaxTokens: r.cfg.MaxTokens,
		}, func(delta string) {
			text.write(delta)
			if out := deltas.write(delta); out != "" {
				sink.send(ctx, stream.Event{Type: stream.EventAssistantDelta, Delta: out})
			}
		})
		if err != nil {
			if ctxErr := apperr.FromContext(ctx, "agent step"); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("agent step %d: %w", res.Steps+1, err)
		}
		if out := deltas.flush(); out != "" {
			sink.send(ctx, stream.Event{Type: stream.EventAssistantDelta, Delta: out})
		}
		if err := sink.err(); err != nil {
			return nil, err
		}
		res.Steps++

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		if len(resp.ToolCalls) == 0 {
			done = true
			continue
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result, err := r.callTool(ctx, tools, sink, call)
			if err != nil {
				return nil, err
			}
			res.ToolCalls++
			results = append(results, result)
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}
	if !done {
		log.Printf("agent %s: stopped after %d steps", sess.JobID(), res.Steps)
	}

	res.Text, res.Truncated = text.redacted(sess.Redact)
	if sandboxStore != nil {
		res.Compacted = sandboxStore.Written()
	}

	code := 0
	if err := sink.send(ctx, stream.Event{Type: stream.EventStatus, Status: "completed"}); err != nil {
		return nil, err
	}
	if err := sink.send(ctx, stream.Event{Type: stream.EventExit, ExitCode: &code}); err != nil {
		return nil, err
	}
	return res, nil
}

// cleanupCompaction removes offloaded tool results at the end of a run.
// The sandbox directory is only touched when something was written to it.
func cleanupCompaction(ctx context.Context, storage compact.Storage, sandboxStore *compact.SandboxStorage, jobID string) {
	if storage == nil || (sandboxStore != nil && len(sandboxStore.Written()) == 0) {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := storage.Cleanup(cctx); err != nil {
		log.Printf("agent %s: cleaning up compacted results: %v", jobID, err)
	}
}

// prepareStep compacts history before a model turn. Providers require the
// conversation to open with a user message, so the original prompt is
// restored when compaction cut it off.
func prepareStep(ctx context.Context, messages []llm.Message, prompt llm.Message, opts compact.Options) []llm.Message {
	out := compact.Compact(ctx, messages, opts)
	if len(out) == 0 || out[0].Role != llm.RoleUser || out[0].Content != prompt.Content {
		out = append([]llm.Message{prompt}, out...)
	}
	return out
}

// callTool runs one tool call. Failures the model can correct (bad input,
// unknown tool, rejected paths) become error results; sandbox and
// context failures abort the run. Calls and results of tools that stream
// their own events are only forwarded here when the tool was rejected.
func (r *Runner) callTool(ctx context.Context, tools *toolset, sink *emitter, call llm.ToolCall) (llm.ToolResult, error) {
	result := llm.ToolResult{CallID: call.ID, Name: call.Name}
	t, ok := tools.tools[call.Name]
	if !ok {
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		result.IsError = true
		return result, nil
	}

	if !t.streams {
		if err := sink.send(ctx, stream.Event{
			Type:       stream.EventToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Input:      sink.redactJSON(call.Input),
		}); err != nil {
			return result, err
		}
	}

	out, err := t.run(ctx, call.ID, call.Input)
	if err != nil {
		if !apperr.Is(err, apperr.KindBadRequest) {
			return result, err
		}
		out = err.Error()
		result.IsError = true
	}
	result.Content = sink.redact(out)

	if t.streams && !result.IsError {
		return result, nil
	}
	if err := sink.send(ctx, stream.Event{
		Type:       stream.EventToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     result.Content,
		Error:      errorText(result),
	}); err != nil {
		return result, err
	}
	return result, nil
}

func errorText(r llm.ToolResult) string {
	if r.IsError {
		return r.Content
	}
	return ""
}

// emitter wraps the caller's sink. Sends from log callbacks cannot return
// errors, so the first failure is remembered and surfaced by err.
type emitter struct {
	sink   stream.Sink
	redact func(string) string

	mu    sync.Mutex
	first error
}

func (e *emitter) send(ctx context.Context, ev stream.Event) error {
	if err := e.err(); err != nil {
		return err
	}
	if err := e.sink.Send(ctx, ev); err != nil {
		err = fmt.Errorf("sending %s event: %w", ev.Type, err)
		e.mu.Lock()
		if e.first == nil {
			e.first = err
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// sendFinal delivers the closing event on the error path, ignoring an
// earlier send failure.
func (e *emitter) sendFinal(ctx context.Context, ev stream.Event) {
	if err := e.sink.Send(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("agent: sending %s event: %v", ev.Type, err)
	}
}

func (e *emitter) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.first
}

// redactJSON redacts a tool input, keeping it valid JSON.
func (e *emitter) redactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := e.redact(string(raw))
	if json.Valid([]byte(out)) {
		return json.RawMessage(out)
	}
	b, _ := json.Marshal(out)
	return b
}

// danglingSecret matches a line ending in a credential keyword whose value
// may follow on the next line.
var danglingSecret = regexp.MustCompile(`(?i)(?:bearer|authorization|api[_-]?key|token|secret|password|passwd)\s*[:=]?\s*$`)

// deltaRedactor releases streamed assistant text in complete lines, so a
// secret split across deltas is redacted as a whole. flush releases the
// held tail at the end of a turn.
type deltaRedactor struct {
	redact  func(string) string
	pending string
}

func (d *deltaRedactor) write(delta string) string {
	d.pending += delta
	cut := strings.LastIndexByte(d.pending, '\n') + 1
	if cut == 0 || danglingSecret.MatchString(strings.TrimRight(d.pending[:cut], "\r\n")) {
		return ""
	}
	out := d.redact(d.pending[:cut])
	d.pending = d.pending[cut:]
	return out
}

func (d *deltaRedactor) flush() string {
	if d.pending == "" {
		return ""
	}
	out := d.redact(d.pending)
	d.pending = ""
	return out
}

// textBuffer accumulates assistant text, dropping the oldest bytes once
// limit is exceeded.
type textBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (t *textBuffer) write(s string) {
	t.buf = append(t.buf, s...)
	if len(t.buf) <= t.limit {
		return
	}
	cut := len(t.buf) - t.limit
	for cut < len(t.buf) && !utf8.RuneStart(t.buf[cut]) {
		cut++
	}
	t.buf = append(t.buf[:0], t.buf[cut:]...)
	t.truncated = true
}

func (t *textBuffer) redacted(redact func(string) string) (string, bool) {
	return redact(string(t.buf)), t.truncated
}
