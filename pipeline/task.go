package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/redact"
	"github.com/jxucoder/telerun/store"
	"github.com/jxucoder/telerun/stream"
)

// RetryPolicy bounds how often a step is re-executed. Only
// upstream_timeout failures are retried; every other kind surfaces on the
// first attempt. Steps that run inside the run's sandbox are never
// retried, since a failed job session stops the sandbox.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry retries a timed-out step twice.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}

// taskRunner is the step boundary: every side effect of a run happens
// inside a task, and every task attempt is recorded as a RunStep.
type taskRunner struct {
	steps store.StepStore
	sink  stream.Sink
	runID string
	retry RetryPolicy
	// secrets are scrubbed from recorded step errors.
	secrets []string
}

// sandboxBound reports whether a step attaches to the run's sandbox.
func sandboxBound(kind model.StepKind) bool {
	return kind == model.StepExecution || kind == model.StepVerify
}

// runTask executes fn as step kind with the retry policy and returns its
// output. inputs and the output are recorded as JSON on the step row.
func runTask[T any](ctx context.Context, tr *taskRunner, kind model.StepKind, inputs any, fn func(ctx context.Context, stepID string) (T, error)) (T, error) {
	var zero T
	attempts := tr.retry.Attempts
	if attempts <= 0 || sandboxBound(kind) {
		attempts = 1
	}
	in := marshalJSON(inputs)

	var failErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		step := &model.RunStep{
			ID:      uuid.New().String(),
			RunID:   tr.runID,
			Kind:    kind,
			Status:  model.StepRunning,
			Attempt: attempt,
			Inputs:  in,
		}
		if err := tr.steps.CreateStep(ctx, step); err != nil {
			return zero, fmt.Errorf("recording step %s: %w", kind, err)
		}
		tr.status(ctx, fmt.Sprintf("%s: running", kind))

		out, err := fn(ctx, step.ID)
		if err == nil {
			step.Status = model.StepSucceeded
			step.Outputs = marshalJSON(out)
			tr.update(ctx, step)
			tr.status(ctx, fmt.Sprintf("%s: succeeded", kind))
			return out, nil
		}

		step.Status = model.StepFailed
		step.Error = redact.RedactWith(err.Error(), tr.secrets)
		step.ErrorKind = string(apperr.KindOf(err))
		tr.update(ctx, step)
		tr.status(ctx, fmt.Sprintf("%s: failed (%s)", kind, step.ErrorKind))

		// A retry that fails differently does not hide the timeout that
		// caused it.
		if failErr == nil || apperr.Is(err, apperr.KindUpstreamTimeout) {
			failErr = err
		}
		if !apperr.Is(err, apperr.KindUpstreamTimeout) || attempt == attempts || ctx.Err() != nil {
			break
		}
		log.Printf("pipeline: run %s: step %s attempt %d timed out, retrying: %v", tr.runID, kind, attempt, err)
		select {
		case <-time.After(tr.retry.Backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return zero, apperr.FromContext(ctx, string(kind))
		}
	}
	return zero, failErr
}

// update persists a step outcome. It uses a detached context so that a
// cancelled run still records why it stopped.
func (tr *taskRunner) update(ctx context.Context, step *model.RunStep) {
	if err := tr.steps.UpdateStep(context.WithoutCancel(ctx), step); err != nil {
		log.Printf("pipeline: run %s: recording step %s: %v", tr.runID, step.Kind, err)
	}
}

func (tr *taskRunner) status(ctx context.Context, status string) {
	if err := tr.sink.Send(ctx, stream.Event{Type: stream.EventStatus, Status: status}); err != nil {
		log.Printf("pipeline: run %s: sending status: %v", tr.runID, err)
	}
}

func marshalJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
