// Package compact keeps an agent's message history bounded by offloading
// old tool results out of the conversation.
//
// The most recent Boundary.Count messages are kept verbatim. Tool results
// in older messages are either dropped or written to session-scoped
// storage and replaced by a short reference the agent can follow with its
// read tools.
package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/model"
)

// Strategy selects what happens to old tool results.
type Strategy string

const (
	DropToolResults        Strategy = "drop-tool-results"
	WriteToolResultsToFile Strategy = "write-tool-results-to-file"
)

// BoundaryKeepLast keeps the most recent Count messages verbatim.
const BoundaryKeepLast = "keep-last"

// Boundary splits history into a verbatim tail and a compactable head.
type Boundary struct {
	Type  string
	Count int
}

// Storage persists offloaded tool results for one session. Writes are
// append-only for the life of the session.
type Storage interface {
	// Write stores content under key and returns the path the agent uses
	// to read it back.
	Write(ctx context.Context, key string, content []byte) (string, error)
	// Cleanup removes everything the session stored. Best effort.
	Cleanup(ctx context.Context) error
}

// Serializer renders a tool result for storage.
type Serializer func(llm.ToolResult) ([]byte, error)

// Options configures Compact.
type Options struct {
	Strategy   Strategy
	Boundary   Boundary
	Storage    Storage
	SessionID  string
	Serializer Serializer
}

// DefaultKeep is used when Boundary.Count is not positive.
const DefaultKeep = 8

const (
	storedPrefix  = "[compacted] stored at "
	droppedPrefix = "[compacted] tool result dropped"
	summaryLen    = 160
)

// PrettyJSON is the default Serializer.
func PrettyJSON(r llm.ToolResult) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Compact returns a compacted copy of messages. It never fails: if the
// storage rejects a write, the result falls back to the last
// Boundary.Count messages.
func Compact(ctx context.Context, messages []llm.Message, opts Options) []llm.Message {
	keep := opts.Boundary.Count
	if keep <= 0 {
		keep = DefaultKeep
	}
	if len(messages) <= keep {
		return clone(messages)
	}

	strategy := opts.Strategy
	if strategy == WriteToolResultsToFile && opts.Storage == nil {
		strategy = DropToolResults
	}
	serialize := opts.Serializer
	if serialize == nil {
		serialize = PrettyJSON
	}

	out := clone(messages)
	head := len(out) - keep
	for i := 0; i < head; i++ {
		m := &out[i]
		if m.Role != llm.RoleTool {
			continue
		}
		for j := range m.ToolResults {
			r := &m.ToolResults[j]
			if isCompacted(r.Content) {
				continue
			}
			switch strategy {
			case WriteToolResultsToFile:
				data, err := serialize(*r)
				if err != nil {
					log.Printf("compact: session %s: serializing %s: %v; keeping last %d", opts.SessionID, r.CallID, err, keep)
					return KeepLast(messages, keep)
				}
				path, err := opts.Storage.Write(ctx, storageKey(r, i, j), data)
				if err != nil {
					log.Printf("compact: session %s: storing %s: %v; keeping last %d", opts.SessionID, r.CallID, err, keep)
					return KeepLast(messages, keep)
				}
				r.Content = fmt.Sprintf("%s%s (%d bytes). Summary: %s", storedPrefix, path, len(r.Content), summarize(r.Content))
			default:
				r.Content = fmt.Sprintf("%s (%d bytes)", droppedPrefix, len(r.Content))
			}
		}
	}
	return out
}

// KeepLast returns the last count messages. Tool results whose calls fell
// outside the window are turned into plain user messages so the history
// stays well-formed.
func KeepLast(messages []llm.Message, count int) []llm.Message {
	if count <= 0 {
		count = DefaultKeep
	}
	if len(messages) <= count {
		return clone(messages)
	}
	out := clone(messages[len(messages)-count:])

	calls := make(map[string]bool)
	for i := range out {
		m := &out[i]
		for _, c := range m.ToolCalls {
			calls[c.ID] = true
		}
		if m.Role != llm.RoleTool {
			continue
		}
		orphan := false
		for _, r := range m.ToolResults {
			if !calls[r.CallID] {
				orphan = true
				break
			}
		}
		if orphan {
			var b strings.Builder
			for _, r := range m.ToolResults {
				fmt.Fprintf(&b, "[earlier %s output] %s\n", r.Name, summarize(r.Content))
			}
			*m = llm.Message{Role: llm.RoleUser, Content: strings.TrimRight(b.String(), "\n")}
		}
	}
	return out
}

func clone(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		out[i].ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		out[i].ToolResults = append([]llm.ToolResult(nil), m.ToolResults...)
	}
	return out
}

func isCompacted(content string) bool {
	return strings.HasPrefix(content, storedPrefix) || strings.HasPrefix(content, droppedPrefix)
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func storageKey(r *llm.ToolResult, msg, idx int) string {
	id := unsafeKey.ReplaceAllString(r.CallID, "_")
	if id == "" || id == "_" {
		id = fmt.Sprintf("m%d-%d", msg, idx)
	}
	name := unsafeKey.ReplaceAllString(r.Name, "_")
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("%s-%s.json", name, id)
}

func summarize(content string) string {
	line := strings.Join(strings.Fields(content), " ")
	return model.Truncate(line, summaryLen)
}
