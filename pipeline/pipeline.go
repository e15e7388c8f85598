// Package pipeline runs an implementation run end to end: it resolves the
// repository, checks it out in a sandbox, plans the change, lets the
// code-mode agent apply it, verifies the result with the project's own
// tooling and opens a pull request.
//
// Run only sequences steps. Every side effect happens inside a step
// executed through runTask, which records a RunStep per attempt and
// retries transient infrastructure timeouts.
package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jxucoder/telerun/agent"
	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/gitprovider"
	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/netpolicy"
	"github.com/jxucoder/telerun/redact"
	"github.com/jxucoder/telerun/store"
	"github.com/jxucoder/telerun/stream"
)

// Config wires a Pipeline to its collaborators.
type Config struct {
	Store    store.Store
	Sessions *jobsession.Manager
	Git      gitprovider.Provider
	Planner  llm.Chat
	Agent    *agent.Runner
	Policies *netpolicy.Engine
	Access   netpolicy.Access

	// GitHubToken authenticates clone and push inside the sandbox.
	GitHubToken string
	// Secrets are scrubbed, with GitHubToken, from recorded errors.
	Secrets        []string
	SandboxTimeout time.Duration
	VCPUs          int

	// Docs enables the planner's documentation lookup, at most DocsBudget
	// calls per planning step.
	Docs          DocsLookup
	DocsBudget    int
	PlannerPrompt string

	Retry RetryPolicy
	// GitAuthorName and GitAuthorEmail sign the run's commit.
	GitAuthorName  string
	GitAuthorEmail string
}

// Pipeline executes implementation runs.
type Pipeline struct {
	cfg Config
}

// secrets lists the values scrubbed from step and run errors.
func (p *Pipeline) secrets() []string {
	return append([]string{p.cfg.GitHubToken}, p.cfg.Secrets...)
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Policies == nil {
		cfg.Policies = netpolicy.NewEngine(netpolicy.DefaultAllowlists())
	}
	if cfg.Access == "" {
		cfg.Access = netpolicy.AccessRestricted
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.GitAuthorName == "" {
		cfg.GitAuthorName = "telerun"
	}
	if cfg.GitAuthorEmail == "" {
		cfg.GitAuthorEmail = "telerun@users.noreply.github.com"
	}
	return &Pipeline{cfg: cfg}
}

// Outcome summarizes a successful run.
type Outcome struct {
	RunID       string                   `json:"runId"`
	Branch      string                   `json:"branch"`
	Plan        *Plan                    `json:"plan"`
	Commit      string                   `json:"commit"`
	PullRequest *gitprovider.PullRequest `json:"pullRequest"`
}

// runState is what one run carries between steps.
type runState struct {
	p     *Pipeline
	tr    *taskRunner
	sink  stream.Sink
	runID string

	run      *model.Run
	repo     *RepoContext
	checkout *CheckoutResult
}

// Run executes the run's steps in order. The first failing step's error is
// returned unchanged; earlier steps are not rolled back. The sink receives
// status, agent and log events and finally one exit event; the caller
// closes it.
func (p *Pipeline) Run(ctx context.Context, runID string, sink stream.Sink) (out *Outcome, err error) {
	if sink == nil {
		sink = stream.Discard
	}
	if p.cfg.Store == nil {
		return nil, apperr.EnvInvalid("missing configuration: store")
	}
	rs := &runState{
		p:     p,
		tr:    &taskRunner{steps: p.cfg.Store, sink: sink, runID: runID, retry: p.cfg.Retry, secrets: p.secrets()},
		sink:  sink,
		runID: runID,
	}
	defer func() { rs.finish(ctx, out, err) }()

	if _, err = runTask(ctx, rs.tr, model.StepPreflight, nil, rs.preflight); err != nil {
		return nil, err
	}
	if rs.repo, err = runTask(ctx, rs.tr, model.StepRepoContext, map[string]string{"runId": runID}, rs.repoContext); err != nil {
		return nil, err
	}
	if rs.checkout, err = runTask(ctx, rs.tr, model.StepCheckout, rs.repo, rs.checkoutRepo); err != nil {
		return nil, err
	}
	plan, err := runTask(ctx, rs.tr, model.StepPlanning, rs.repo, rs.plan)
	if err != nil {
		return nil, err
	}
	execRes, err := runTask(ctx, rs.tr, model.StepExecution, plan, func(ctx context.Context, stepID string) (*ExecutionResult, error) {
		return rs.execute(ctx, stepID, plan)
	})
	if err != nil {
		return nil, err
	}
	if _, err = runTask(ctx, rs.tr, model.StepVerify, rs.checkout, rs.verify); err != nil {
		return nil, err
	}
	pr, err := runTask(ctx, rs.tr, model.StepPullRequest, plan, func(ctx context.Context, _ string) (*gitprovider.PullRequest, error) {
		return rs.pullRequest(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		RunID:       runID,
		Branch:      rs.repo.Branch,
		Plan:        plan,
		Commit:      execRes.Commit,
		PullRequest: pr,
	}, nil
}

// finish stops the sandbox, records the run's terminal state and emits
// the exit event. Failures here are logged and never replace err.
func (rs *runState) finish(ctx context.Context, out *Outcome, err error) {
	cctx := context.WithoutCancel(ctx)
	if rs.checkout != nil {
		if _, serr := runTask(cctx, rs.tr, model.StepStopSandbox, map[string]string{"sandboxId": rs.checkout.SandboxID}, rs.stopSandbox); serr != nil {
			log.Printf("pipeline: run %s: stop-sandbox: %v", rs.runID, serr)
		}
	}

	code := 0
	exit := stream.Event{Type: stream.EventExit, ExitCode: &code}
	if run, gerr := rs.p.cfg.Store.GetRun(cctx, rs.runID); gerr == nil {
		if err != nil {
			run.Status = model.RunError
			run.Error = redact.RedactWith(err.Error(), rs.p.secrets())
			run.ErrorKind = string(apperr.KindOf(err))
		} else {
			run.Status = model.RunComplete
			run.Error, run.ErrorKind = "", ""
			if out != nil && out.PullRequest != nil {
				run.PRUrl = out.PullRequest.HTMLURL
				run.PRNumber = out.PullRequest.Number
			}
		}
		if uerr := rs.p.cfg.Store.UpdateRun(cctx, run); uerr != nil {
			log.Printf("pipeline: run %s: recording outcome: %v", rs.runID, uerr)
		}
	} else if !apperr.Is(gerr, apperr.KindNotFound) {
		log.Printf("pipeline: run %s: loading run: %v", rs.runID, gerr)
	}

	if err != nil {
		code = 1
		exit.Error = redact.RedactWith(err.Error(), rs.p.secrets())
		exit.ErrorKind = string(apperr.KindOf(err))
		log.Printf("pipeline: run %s failed: %s", rs.runID, exit.Error)
	} else {
		log.Printf("pipeline: run %s complete", rs.runID)
	}
	if serr := rs.sink.Send(cctx, exit); serr != nil {
		log.Printf("pipeline: run %s: sending exit: %v", rs.runID, serr)
	}
}

// preflight fails fast with env_invalid before any sandbox exists.
func (rs *runState) preflight(_ context.Context, _ string) (struct{}, error) {
	cfg := rs.p.cfg
	var missing []string
	if cfg.Sessions == nil {
		missing = append(missing, "sandbox provider")
	}
	if cfg.Git == nil || cfg.GitHubToken == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if cfg.Planner == nil || cfg.Agent == nil {
		missing = append(missing, "ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return struct{}{}, apperr.EnvInvalid("missing configuration: %s", strings.Join(missing, ", "))
	}
	return struct{}{}, nil
}
