package compact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jxucoder/telerun/llm"
)

// history builds user, assistant(tool call), tool(result) triples.
func history(turns int, resultSize int) []llm.Message {
	var msgs []llm.Message
	for i := 0; i < turns; i++ {
		id := fmt.Sprintf("call_%d", i)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: "sandbox_run"}}},
			llm.Message{Role: llm.RoleTool, ToolResults: []llm.ToolResult{{
				CallID: id, Name: "sandbox_run", Content: strings.Repeat("y", resultSize),
			}}},
		)
	}
	return append([]llm.Message{{Role: llm.RoleUser, Content: "implement the plan"}}, msgs...)
}

type memStorage struct {
	files   map[string][]byte
	fail    bool
	cleaned bool
}

func (m *memStorage) Write(_ context.Context, key string, content []byte) (string, error) {
	if m.fail {
		return "", errors.New("disk full")
	}
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = content
	return ".ctx-zip/s1/" + key, nil
}

func (m *memStorage) Cleanup(context.Context) error {
	m.cleaned = true
	return nil
}

func TestCompactShortHistoryUnchanged(t *testing.T) {
	msgs := history(1, 10)
	out := Compact(context.Background(), msgs, Options{Strategy: DropToolResults, Boundary: Boundary{Type: BoundaryKeepLast, Count: 5}})
	if len(out) != len(msgs) || out[2].ToolResults[0].Content != msgs[2].ToolResults[0].Content {
		t.Fatal("history within the boundary must be unchanged")
	}
}

func TestCompactDropToolResults(t *testing.T) {
	msgs := history(4, 1000)
	out := Compact(context.Background(), msgs, Options{Strategy: DropToolResults, Boundary: Boundary{Type: BoundaryKeepLast, Count: 2}})
	if len(out) != len(msgs) {
		t.Fatalf("drop strategy keeps every message, got %d want %d", len(out), len(msgs))
	}
	for i, m := range out {
		if m.Role != llm.RoleTool {
			continue
		}
		inTail := i >= len(out)-2
		dropped := strings.HasPrefix(m.ToolResults[0].Content, droppedPrefix)
		if inTail == dropped {
			t.Fatalf("message %d: inTail=%v dropped=%v", i, inTail, dropped)
		}
	}
	if msgs[2].ToolResults[0].Content != strings.Repeat("y", 1000) {
		t.Fatal("input must not be mutated")
	}
}

func TestCompactWriteToFile(t *testing.T) {
	store := &memStorage{}
	msgs := history(3, 500)
	out := Compact(context.Background(), msgs, Options{
		Strategy:  WriteToolResultsToFile,
		Boundary:  Boundary{Type: BoundaryKeepLast, Count: 2},
		Storage:   store,
		SessionID: "s1",
	})
	if len(out) != len(msgs) {
		t.Fatalf("unexpected length %d", len(out))
	}
	if len(store.files) != 2 {
		t.Fatalf("expected 2 offloaded results, got %d", len(store.files))
	}
	ref := out[2].ToolResults[0].Content
	if !strings.HasPrefix(ref, storedPrefix+".ctx-zip/s1/sandbox_run-call_0.json") {
		t.Fatalf("unexpected reference %q", ref)
	}
	if !strings.Contains(string(store.files["sandbox_run-call_0.json"]), `"call_id": "call_0"`) {
		t.Fatalf("stored content is not pretty JSON: %s", store.files["sandbox_run-call_0.json"])
	}

	again := Compact(context.Background(), out, Options{
		Strategy: WriteToolResultsToFile, Boundary: Boundary{Count: 2}, Storage: store,
	})
	if again[2].ToolResults[0].Content != ref {
		t.Fatal("already compacted results must not be compacted twice")
	}
}

func TestCompactStorageFailureFallsBackToKeepLast(t *testing.T) {
	msgs := history(5, 100)
	for _, count := range []int{1, 3, 4, 7} {
		out := Compact(context.Background(), msgs, Options{
			Strategy: WriteToolResultsToFile,
			Boundary: Boundary{Type: BoundaryKeepLast, Count: count},
			Storage:  &memStorage{fail: true},
		})
		if len(out) != count {
			t.Fatalf("count %d: fallback must keep exactly %d messages, got %d", count, count, len(out))
		}
	}
}

func TestCompactWithoutStorageDrops(t *testing.T) {
	msgs := history(3, 100)
	out := Compact(context.Background(), msgs, Options{Strategy: WriteToolResultsToFile, Boundary: Boundary{Count: 2}})
	if !strings.HasPrefix(out[2].ToolResults[0].Content, droppedPrefix) {
		t.Fatalf("expected drop fallback without storage, got %q", out[2].ToolResults[0].Content)
	}
}

func TestCompactCustomSerializer(t *testing.T) {
	store := &memStorage{}
	Compact(context.Background(), history(2, 10), Options{
		Strategy:   WriteToolResultsToFile,
		Boundary:   Boundary{Count: 1},
		Storage:    store,
		Serializer: func(r llm.ToolResult) ([]byte, error) { return []byte(r.Content), nil },
	})
	for _, v := range store.files {
		if string(v) != strings.Repeat("y", 10) {
			t.Fatalf("custom serializer ignored: %q", v)
		}
	}
}

func TestKeepLastRepairsOrphans(t *testing.T) {
	msgs := history(3, 10)
	out := KeepLast(msgs, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3, got %d", len(out))
	}
	if out[0].Role != llm.RoleUser || !strings.Contains(out[0].Content, "earlier sandbox_run output") {
		t.Fatalf("orphaned tool result not converted: %+v", out[0])
	}
	if out[2].Role != llm.RoleTool {
		t.Fatal("paired tool result must stay a tool message")
	}
}

func TestFileStorage(t *testing.T) {
	root := t.TempDir()
	fs := &FileStorage{Root: root, SessionID: "sess-1"}
	ctx := context.Background()

	p, err := fs.Write(ctx, "sandbox_run-call_0.json", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p, filepath.Join(root, Dir, "sess-1")) {
		t.Fatalf("unexpected path %s", p)
	}
	if _, err := fs.Write(ctx, "sandbox_run-call_0.json", []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "first" {
		t.Fatalf("storage must be append-only, got %q", data)
	}

	escaped, err := fs.Write(ctx, "../../escape.json", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(escaped, filepath.Join(root, Dir, "sess-1")) {
		t.Fatalf("write escaped the session dir: %s", escaped)
	}

	if err := fs.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, Dir, "sess-1")); !os.IsNotExist(err) {
		t.Fatal("cleanup must remove the session dir")
	}
}
