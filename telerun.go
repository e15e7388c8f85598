// Package telerun is the top-level entry point for a telerun server.
//
// Use the Builder to compose an application from the environment:
//
//	app, err := telerun.NewBuilder().Build()
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := telerun.NewBuilder().
//	    WithStore(myStore).
//	    WithGitProvider(myProvider).
//	    WithSandbox(myProvider).
//	    Build()
package telerun

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/engine"
	"github.com/jxucoder/telerun/gitprovider"
	"github.com/jxucoder/telerun/httpapi"
	"github.com/jxucoder/telerun/internal/config"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/pipeline"
	"github.com/jxucoder/telerun/sandbox"
	"github.com/jxucoder/telerun/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Builder constructs an App.
type Builder struct {
	config  *config.Config
	store   store.Store
	blobs   blob.Store
	sandbox sandbox.Provider
	git     gitprovider.Provider
	planner llm.Chat
	agent   llm.Chat
	docs    pipeline.DocsLookup
	retry   pipeline.RetryPolicy
}

// NewBuilder creates a new Builder. Components left unset are built from
// the configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration. Without it, Build loads it from the
// environment.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the store implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBlobs sets the blob store for transcripts and audit bundles.
func (b *Builder) WithBlobs(s blob.Store) *Builder {
	b.blobs = s
	return b
}

// WithSandbox sets the sandbox provider.
func (b *Builder) WithSandbox(p sandbox.Provider) *Builder {
	b.sandbox = p
	return b
}

// WithGitProvider sets the git hosting provider.
func (b *Builder) WithGitProvider(g gitprovider.Provider) *Builder {
	b.git = g
	return b
}

// WithLLM sets the model used by both the planner and the agent.
func (b *Builder) WithLLM(chat llm.Chat) *Builder {
	b.planner = chat
	b.agent = chat
	return b
}

// WithPlanner overrides the planner's model.
func (b *Builder) WithPlanner(chat llm.Chat) *Builder {
	b.planner = chat
	return b
}

// WithDocsLookup enables the planner's documentation lookup.
func (b *Builder) WithDocsLookup(d pipeline.DocsLookup) *Builder {
	b.docs = d
	return b
}

// WithRetry overrides the step retry policy.
func (b *Builder) WithRetry(r pipeline.RetryPolicy) *Builder {
	b.retry = r
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	w, err := applyDefaults(b)
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.Config{}, b.store, nil, w.pipeline, w.audit)
	return &App{
		config:  b.config,
		engine:  eng,
		handler: httpapi.New(eng),
	}, nil
}

// App is a telerun application.
type App struct {
	config  *config.Config
	engine  *engine.Engine
	handler *httpapi.Handler
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.config }

// Start serves the HTTP API. Blocks until ctx is done, then waits for
// in-flight runs and closes the store.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("telerun server listening on %s", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Close()
		return err
	}

	return a.Close()
}

// Close stops the engine and closes the store.
func (a *App) Close() error {
	a.engine.Stop()
	return a.engine.Store().Close()
}
