// Package audit exports the persisted record of a run (jobs, steps and
// events) as a single redacted JSON bundle in blob storage.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/redact"
	"github.com/jxucoder/telerun/store"
)

// Bundle is the exported record of one run.
type Bundle struct {
	Run        *model.Run          `json:"run"`
	Jobs       []*model.SandboxJob `json:"jobs"`
	Steps      []*model.RunStep    `json:"steps"`
	Events     []Event             `json:"events"`
	ExportedAt time.Time           `json:"exported_at"`
}

// Event is a persisted event with its payload decoded.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Exporter builds and stores bundles.
type Exporter struct {
	Store   store.Store
	Blobs   blob.Store
	Secrets []string
}

// Collect loads a run's bundle without redaction.
func (x *Exporter) Collect(ctx context.Context, runID string) (*Bundle, error) {
	run, err := x.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := x.Store.ListJobsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	steps, err := x.Store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	events, err := x.Store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	b := &Bundle{Run: run, Jobs: jobs, Steps: steps, ExportedAt: time.Now().UTC()}
	for _, e := range events {
		data := json.RawMessage(e.Data)
		if !json.Valid(data) {
			data, _ = json.Marshal(e.Data)
		}
		b.Events = append(b.Events, Event{ID: e.ID, Type: e.Type, Data: data, CreatedAt: e.CreatedAt})
	}
	return b, nil
}

// Export collects, redacts and stores a run's bundle at
// audit/<runID>/<timestamp>.json.
func (x *Exporter) Export(ctx context.Context, runID string) (*blob.Ref, error) {
	b, err := x.Collect(ctx, runID)
	if err != nil {
		return nil, err
	}
	data, err := x.Redacted(b)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("audit/%s/%s.json", runID, b.ExportedAt.Format("20060102T150405Z"))
	ref, err := x.Blobs.Put(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("storing audit bundle: %w", err)
	}
	return ref, nil
}

// Redacted encodes b with sensitive keys masked and secrets scrubbed from
// every string value.
func (x *Exporter) Redacted(b *Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding audit bundle: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding audit bundle: %w", err)
	}
	return json.MarshalIndent(x.scrub(redact.RedactKeys(v)), "", "  ")
}

func (x *Exporter) scrub(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = x.scrub(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = x.scrub(inner)
		}
		return val
	case string:
		return redact.RedactWith(val, x.Secrets)
	default:
		return v
	}
}
