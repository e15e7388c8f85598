package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/sandbox"
	"github.com/jxucoder/telerun/stream"
)

const (
	ToolRun   = "sandbox_run"
	ToolWrite = "sandbox_write"
	ToolLs    = "sandbox_ls"
	ToolCat   = "sandbox_cat"
	ToolGrep  = "sandbox_grep"
	ToolFind  = "sandbox_find"
)

// DefaultAllowedCommands is the sandbox_run allowlist used when the runner
// is not configured with one. No shell is listed.
var DefaultAllowedCommands = []string{
	"awk", "cat", "cp", "diff", "echo", "find", "git", "grep", "head", "ls",
	"mkdir", "mv", "node", "npm", "npx", "pnpm", "bun", "pip", "pytest",
	"python", "python3", "pyright", "mypy", "rm", "ruff", "sed", "sort",
	"tail", "touch", "tsc", "uv", "wc",
}

const (
	maxToolOutput = 16 << 10
	maxFindLines  = 500
)

// tool is one function offered to the model. Tools that stream their own
// events set streams so the runner does not forward their call and result.
type tool struct {
	spec    llm.ToolSpec
	streams bool
	run     func(ctx context.Context, callID string, input json.RawMessage) (string, error)
}

// toolset binds the tools to one session and sink.
type toolset struct {
	sess    *jobsession.Session
	sink    *emitter
	allowed map[string]bool
	tools   map[string]*tool
	order   []string
}

func newToolset(sess *jobsession.Session, sink *emitter, allowed []string) *toolset {
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	ts := &toolset{
		sess:    sess,
		sink:    sink,
		allowed: make(map[string]bool, len(allowed)),
		tools:   make(map[string]*tool),
	}
	for _, c := range allowed {
		ts.allowed[c] = true
	}
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name: ToolRun,
			Description: "Run one allowlisted command in the sandbox. The command is split like a shell word list " +
				"but no shell interprets it: pipes, redirects and && are not available. Allowed commands: " +
				strings.Join(allowed, ", ") + ".",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"command":{"type":"string","description":"Command line, e.g. 'npm test' or 'git status'"},` +
				`"cwd":{"type":"string","description":"Working directory relative to the repository root"}},` +
				`"required":["command"]}`),
		},
		streams: true,
		run:     ts.runCommand,
	})
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name:        ToolWrite,
			Description: "Create or overwrite a file in the repository with the given content.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
		run: ts.write,
	})
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name:        ToolLs,
			Description: "List a directory in the repository.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory, default the repository root"}}}`),
		},
		run: ts.ls,
	})
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name:        ToolCat,
			Description: "Read a file, optionally a 1-based inclusive line range. Compacted tool results are readable here.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string"},"start_line":{"type":"integer","minimum":1},"end_line":{"type":"integer","minimum":1}},` +
				`"required":["path"]}`),
		},
		run: ts.cat,
	})
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name:        ToolGrep,
			Description: "Search file contents recursively for a regular expression.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"pattern":{"type":"string"},"path":{"type":"string"},"ignore_case":{"type":"boolean"}},` +
				`"required":["pattern"]}`),
		},
		run: ts.grep,
	})
	ts.add(&tool{
		spec: llm.ToolSpec{
			Name:        ToolFind,
			Description: "Find files or directories by name glob.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string"},"name":{"type":"string","description":"Glob such as '*.ts'"},` +
				`"type":{"type":"string","enum":["f","d"]}}}`),
		},
		run: ts.find,
	})
	return ts
}

func (ts *toolset) add(t *tool) {
	ts.tools[t.spec.Name] = t
	ts.order = append(ts.order, t.spec.Name)
}

func (ts *toolset) specs() []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].spec)
	}
	return out
}

type runInput struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// runCommand emits its own tool-call and tool-result events around the
// streamed log lines so that a UI sees them in execution order.
func (ts *toolset) runCommand(ctx context.Context, callID string, raw json.RawMessage) (string, error) {
	var in runInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", apperr.BadRequest("invalid %s input: %v", ToolRun, err)
	}
	words, err := shellquote.Split(in.Command)
	if err != nil {
		return "", apperr.BadRequest("parsing command: %v", err)
	}
	if len(words) == 0 {
		return "", apperr.BadRequest("empty command")
	}
	if !ts.allowed[words[0]] {
		return "", apperr.BadRequest("command %q is not allowed", words[0])
	}

	if err := ts.sink.send(ctx, stream.Event{
		Type:       stream.EventToolCall,
		ToolCallID: callID,
		ToolName:   ToolRun,
		Input:      ts.sink.redactJSON(raw),
	}); err != nil {
		return "", err
	}
	res, err := ts.sess.RunCommand(ctx, jobsession.RunOptions{
		Cmd:  words[0],
		Args: words[1:],
		Cwd:  in.Cwd,
		OnLog: func(l sandbox.Line) {
			ts.sink.send(ctx, stream.Event{Type: stream.EventLog, Stream: string(l.Stream), Line: l.Text})
		},
	})
	if err != nil {
		return "", err
	}
	if err := ts.sink.err(); err != nil {
		return "", err
	}
	out := formatResult(res)
	code := res.ExitCode
	if err := ts.sink.send(ctx, stream.Event{
		Type:       stream.EventToolResult,
		ToolCallID: callID,
		ToolName:   ToolRun,
		Output:     out,
		ExitCode:   &code,
	}); err != nil {
		return "", err
	}
	return out, nil
}

func formatResult(res *jobsession.CommandResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if out := res.Transcript.Stdout; out != "" {
		b.WriteString("stdout:\n")
		b.WriteString(tail(out, maxToolOutput/2))
	}
	if errOut := res.Transcript.Stderr; errOut != "" {
		b.WriteString("stderr:\n")
		b.WriteString(tail(errOut, maxToolOutput/2))
	}
	return b.String()
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (ts *toolset) write(ctx context.Context, _ string, raw json.RawMessage) (string, error) {
	var in writeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", apperr.BadRequest("invalid %s input: %v", ToolWrite, err)
	}
	if in.Path == "" {
		return "", apperr.BadRequest("path is required")
	}
	if err := ts.sess.WriteFiles(ctx, []sandbox.File{{Path: in.Path, Content: []byte(in.Content)}}); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

type pathInput struct {
	Path       string `json:"path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Pattern    string `json:"pattern"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	IgnoreCase bool   `json:"ignore_case"`
}

func (ts *toolset) decodePath(name string, raw json.RawMessage) (pathInput, string, error) {
	var in pathInput
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return in, "", apperr.BadRequest("invalid %s input: %v", name, err)
		}
	}
	p, err := sandbox.ResolvePath(ts.sess.Root(), in.Path)
	if err != nil {
		return in, "", err
	}
	return in, p, nil
}

// read runs a read-only command at the workspace root and returns its
// output. okCodes lists non-zero exits that mean "nothing found"; any other
// non-zero exit is reported back to the model as a bad request.
func (ts *toolset) read(ctx context.Context, cmd string, args []string, okCodes ...int) (string, error) {
	res, err := ts.sess.RunCommand(ctx, jobsession.RunOptions{Cmd: cmd, Args: args})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		for _, c := range okCodes {
			if c == res.ExitCode {
				return "", nil
			}
		}
		return "", apperr.BadRequest("%s exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(tail(res.Transcript.Stderr, 512)))
	}
	return res.Transcript.Stdout, nil
}

func (ts *toolset) ls(ctx context.Context, _ string, raw json.RawMessage) (string, error) {
	_, p, err := ts.decodePath(ToolLs, raw)
	if err != nil {
		return "", err
	}
	out, err := ts.read(ctx, "ls", []string{"-la", p})
	if err != nil {
		return "", err
	}
	return head(out, maxToolOutput), nil
}

func (ts *toolset) cat(ctx context.Context, _ string, raw json.RawMessage) (string, error) {
	in, p, err := ts.decodePath(ToolCat, raw)
	if err != nil {
		return "", err
	}
	if in.Path == "" {
		return "", apperr.BadRequest("path is required")
	}
	var out string
	if in.StartLine > 0 || in.EndLine > 0 {
		start, end := in.StartLine, in.EndLine
		if start < 1 {
			start = 1
		}
		rng := strconv.Itoa(start) + ",$p"
		if end > 0 {
			if end < start {
				return "", apperr.BadRequest("end_line %d before start_line %d", end, start)
			}
			rng = strconv.Itoa(start) + "," + strconv.Itoa(end) + "p"
		}
		out, err = ts.read(ctx, "sed", []string{"-n", rng, p})
	} else {
		out, err = ts.read(ctx, "cat", []string{p})
	}
	if err != nil {
		return "", err
	}
	return head(out, maxToolOutput), nil
}

func (ts *toolset) grep(ctx context.Context, _ string, raw json.RawMessage) (string, error) {
	in, p, err := ts.decodePath(ToolGrep, raw)
	if err != nil {
		return "", err
	}
	if in.Pattern == "" {
		return "", apperr.BadRequest("pattern is required")
	}
	args := []string{"-rnI", "--exclude-dir=.git", "--exclude-dir=node_modules"}
	if in.IgnoreCase {
		args = append(args, "-i")
	}
	args = append(args, "-e", in.Pattern, "--", p)
	out, err := ts.read(ctx, "grep", args, 1)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "no matches", nil
	}
	return head(out, maxToolOutput), nil
}

func (ts *toolset) find(ctx context.Context, _ string, raw json.RawMessage) (string, error) {
	in, p, err := ts.decodePath(ToolFind, raw)
	if err != nil {
		return "", err
	}
	args := []string{p, "-not", "-path", "*/.git/*", "-not", "-path", "*/node_modules/*"}
	switch in.Type {
	case "":
	case "f", "d":
		args = append(args, "-type", in.Type)
	default:
		return "", apperr.BadRequest("type must be f or d, got %q", in.Type)
	}
	if in.Name != "" {
		args = append(args, "-name", in.Name)
	}
	out, err := ts.read(ctx, "find", args)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) > maxFindLines {
		lines = append(lines[:maxFindLines], fmt.Sprintf("... %d more", len(lines)-maxFindLines))
	}
	return strings.Join(lines, "\n"), nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[output truncated]\n"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "[output truncated]\n" + s[len(s)-n:]
}
