// Package engine owns the lifecycle of implementation runs: it creates runs,
// executes their pipelines in the background, records every streamed event
// and exports audit bundles. It depends only on interfaces.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/audit"
	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/gitprovider"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/pipeline"
	"github.com/jxucoder/telerun/store"
	"github.com/jxucoder/telerun/stream"
)

// MaxPromptRunes bounds a run's task description.
const MaxPromptRunes = 10000

// Runner executes one implementation run.
type Runner interface {
	Run(ctx context.Context, runID string, sink stream.Sink) (*pipeline.Outcome, error)
}

// Config holds engine-specific configuration.
type Config struct {
	// RunTimeout bounds a whole run. Zero means no bound beyond the
	// engine's lifetime.
	RunTimeout time.Duration
}

// Engine orchestrates run lifecycle.
type Engine struct {
	config Config
	store  store.Store
	bus    *stream.Bus
	runner Runner
	audit  *audit.Exporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine with all dependencies.
func New(cfg Config, st store.Store, bus *stream.Bus, runner Runner, exporter *audit.Exporter) *Engine {
	if bus == nil {
		bus = stream.NewBus()
	}
	return &Engine{
		config: cfg,
		store:  st,
		bus:    bus,
		runner: runner,
		audit:  exporter,
	}
}

// Start marks runs interrupted by a previous process as failed. Call Stop
// to cancel in-flight runs and wait for them.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.recoverInterrupted(e.ctx)
}

// Stop cancels all background work and waits for goroutines to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the store.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() *stream.Bus { return e.bus }

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	// Repo is "owner/name".
	Repo string `json:"repo"`
	// Project is the project slug; it defaults to the repository name.
	Project string `json:"project,omitempty"`
	Prompt  string `json:"prompt"`
}

// CreateRun validates req, records the project and a pending run.
func (e *Engine) CreateRun(ctx context.Context, req CreateRunRequest) (*model.Run, error) {
	req.Repo = strings.TrimSpace(req.Repo)
	req.Prompt = strings.TrimSpace(req.Prompt)
	owner, name, err := gitprovider.SplitRepo(req.Repo)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, apperr.BadRequest("prompt is required")
	}
	if len([]rune(req.Prompt)) > MaxPromptRunes {
		return nil, apperr.BadRequest("prompt exceeds %d characters", MaxPromptRunes)
	}
	slug := strings.TrimSpace(req.Project)
	if slug == "" {
		slug = name
	}

	project := &model.Project{ID: uuid.New().String(), Slug: slug, Repo: owner + "/" + name}
	if err := e.store.UpsertProject(ctx, project); err != nil {
		return nil, fmt.Errorf("recording project: %w", err)
	}
	run := &model.Run{
		ID:        uuid.New().String()[:8],
		ProjectID: project.ID,
		Prompt:    req.Prompt,
		Status:    model.RunPending,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// CreateAndStartRun creates a run and executes it in the background.
func (e *Engine) CreateAndStartRun(ctx context.Context, req CreateRunRequest) (*model.Run, error) {
	run, err := e.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Execute(e.runContext(), run.ID, nil); err != nil {
			log.Printf("engine: run %s: %v", run.ID, err)
		}
	}()
	return run, nil
}

// Execute runs a pipeline in the caller's goroutine. Every event is
// persisted and published before it reaches next.
func (e *Engine) Execute(ctx context.Context, runID string, next stream.Sink) (*pipeline.Outcome, error) {
	if e.runner == nil {
		return nil, apperr.EnvInvalid("no pipeline configured")
	}
	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}
	rec := &stream.Recorder{RunID: runID, Events: e.store, Bus: e.bus, Next: next}
	return e.runner.Run(ctx, runID, rec)
}

// Audit exports the run's redacted audit bundle.
func (e *Engine) Audit(ctx context.Context, runID string) (*blob.Ref, error) {
	if e.audit == nil {
		return nil, apperr.EnvInvalid("audit export is not configured")
	}
	return e.audit.Export(ctx, runID)
}

func (e *Engine) runContext() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// recoverInterrupted fails runs that were pending or running when the
// previous process exited; nothing will resume them.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	runs, err := e.store.ListRuns(ctx)
	if err != nil {
		log.Printf("engine: listing runs: %v", err)
		return
	}
	for _, run := range runs {
		if run.Status != model.RunPending && run.Status != model.RunRunning {
			continue
		}
		run.Status = model.RunError
		run.Error = "interrupted by server restart"
		run.ErrorKind = string(apperr.KindAborted)
		if err := e.store.UpdateRun(ctx, run); err != nil {
			log.Printf("engine: marking run %s interrupted: %v", run.ID, err)
			continue
		}
		log.Printf("engine: run %s was interrupted", run.ID)
	}
}
