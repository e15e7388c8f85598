package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/telerun/agent"
	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/gitprovider"
	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/sandbox"
	"github.com/jxucoder/telerun/stream"
)

// RepoContext is the output of the repo-context step.
type RepoContext struct {
	ProjectID     string         `json:"projectId"`
	ProjectSlug   string         `json:"projectSlug"`
	Owner         string         `json:"owner"`
	Repo          string         `json:"repo"`
	DefaultBranch string         `json:"defaultBranch"`
	CloneURL      string         `json:"cloneUrl"`
	Branch        string         `json:"branch"`
	Kind          model.RepoKind `json:"kind"`
	// Summary describes the repository layout for the planner.
	Summary string `json:"-"`
}

// FullName returns "owner/repo".
func (rc *RepoContext) FullName() string { return rc.Owner + "/" + rc.Repo }

// CheckoutResult is the output of the checkout step.
type CheckoutResult struct {
	SandboxID string  `json:"sandboxId"`
	JobID     string  `json:"jobId"`
	Runner    string  `json:"runner,omitempty"`
	Install   Command `json:"install"`
	// UnlistedRegistries are .npmrc registries the network policy does
	// not allow.
	UnlistedRegistries []string `json:"unlistedRegistries,omitempty"`
}

// ExecutionResult is the output of the execution step.
type ExecutionResult struct {
	JobID     string `json:"jobId"`
	Steps     int    `json:"steps"`
	ToolCalls int    `json:"toolCalls"`
	Summary   string `json:"summary"`
	Commit    string `json:"commit"`
}

// VerifyResult is the output of the verify step.
type VerifyResult struct {
	JobID  string        `json:"jobId"`
	Stages []StageResult `json:"stages"`
}

// StageResult is one verify command's outcome.
type StageResult struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
}

// StopResult is the output of the stop-sandbox step.
type StopResult struct {
	Stopped     bool `json:"stopped"`
	AlreadyGone bool `json:"alreadyGone"`
}

var unsafeSlug = regexp.MustCompile(`[^a-z0-9-]+`)

// BranchName is the deterministic run branch agent/<project-slug>/<runId>.
func BranchName(projectSlug, runID string) string {
	slug := strings.Trim(unsafeSlug.ReplaceAllString(strings.ToLower(projectSlug), "-"), "-")
	if slug == "" {
		slug = "project"
	}
	return "agent/" + slug + "/" + runID
}

func (rs *runState) repoContext(ctx context.Context, _ string) (*RepoContext, error) {
	cfg := rs.p.cfg
	run, err := cfg.Store.GetRun(ctx, rs.runID)
	if err != nil {
		return nil, err
	}
	project, err := cfg.Store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Repo == "" {
		return nil, apperr.Conflict("project %s has no connected repository", project.Slug)
	}
	owner, name, err := gitprovider.SplitRepo(project.Repo)
	if err != nil {
		return nil, err
	}
	repo, err := cfg.Git.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	index, err := cfg.Git.IndexRepository(ctx, owner, name, repo.DefaultBranch)
	if err != nil {
		return nil, err
	}
	if index.Description == "" {
		index.Description = repo.Description
	}
	present, err := markerFiles(ctx, cfg.Git, index, owner, name, repo.DefaultBranch)
	if err != nil {
		return nil, err
	}

	rc := &RepoContext{
		ProjectID:     project.ID,
		ProjectSlug:   project.Slug,
		Owner:         owner,
		Repo:          name,
		DefaultBranch: repo.DefaultBranch,
		CloneURL:      repo.CloneURL,
		Branch:        BranchName(project.Slug, run.ID),
		Kind:          DetectRepoKind(present),
		Summary:       index.String(),
	}
	if rc.CloneURL == "" {
		rc.CloneURL = "https://github.com/" + rc.FullName() + ".git"
	}

	run.Status = model.RunRunning
	run.Branch = rc.Branch
	if err := cfg.Store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("marking run %s running: %w", run.ID, err)
	}
	rs.run = run
	return rc, nil
}

// markerFiles reports which runtime marker files exist at the repository
// root. The index answers for every marker unless GitHub truncated the
// tree, in which case the missing markers are checked one by one.
func markerFiles(ctx context.Context, git gitprovider.Provider, index *gitprovider.Index, owner, name, ref string) (map[string]bool, error) {
	markers := append([]string{filePackageJSON}, pythonMarkers...)
	present := make(map[string]bool, len(markers))
	var unknown []string
	for _, f := range markers {
		present[f] = index.Has(f)
		if !present[f] && index.Truncated {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) == 0 {
		return present, nil
	}

	found := make([]bool, len(unknown))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range unknown {
		g.Go(func() error {
			ok, err := git.FileExists(gctx, owner, name, f, ref)
			found[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, f := range unknown {
		present[f] = found[i]
	}
	return present, nil
}

// authURL embeds the token in the clone URL for clone and push.
func (rs *runState) authURL() string {
	u, err := url.Parse(rs.repo.CloneURL)
	if err != nil || rs.p.cfg.GitHubToken == "" {
		return rs.repo.CloneURL
	}
	u.User = url.UserPassword("x-access-token", rs.p.cfg.GitHubToken)
	return u.String()
}

func (rs *runState) logTo(ctx context.Context) func(sandbox.Line) {
	return func(l sandbox.Line) {
		if err := rs.sink.Send(ctx, stream.Event{Type: stream.EventLog, Stream: string(l.Stream), Line: l.Text}); err != nil {
			log.Printf("pipeline: run %s: sending log: %v", rs.runID, err)
		}
	}
}

// runChecked runs c and fails with bad_gateway on a non-zero exit.
func (rs *runState) runChecked(ctx context.Context, sess *jobsession.Session, c Command, extraSecrets ...string) (*jobsession.CommandResult, error) {
	res, err := sess.RunCommand(ctx, jobsession.RunOptions{
		Cmd:          c.Cmd,
		Args:         c.Args,
		OnLog:        rs.logTo(ctx),
		ExtraSecrets: extraSecrets,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		line := sess.Redact(shellquote.Join(append([]string{c.Cmd}, c.Args...)...))
		return res, apperr.BadGateway("%s: %s exited %d", c.Name, line, res.ExitCode)
	}
	return res, nil
}

func (rs *runState) checkoutRepo(ctx context.Context, stepID string) (res *CheckoutResult, err error) {
	cfg := rs.p.cfg
	rc := rs.repo
	policy, err := cfg.Policies.Select(rc.Kind, cfg.Access)
	if err != nil {
		return nil, err
	}
	sess, err := cfg.Sessions.Start(ctx, jobsession.StartOptions{
		JobType:   model.JobImplementationCheckout,
		ProjectID: rc.ProjectID,
		RunID:     rs.runID,
		StepID:    stepID,
		Policy:    policy,
		Runtime:   Runtime(rc.Kind),
		Source:    &sandbox.Source{URL: rs.authURL(), Revision: rc.DefaultBranch, Depth: 1},
		Timeout:   cfg.SandboxTimeout,
		VCPUs:     cfg.VCPUs,
		Metadata: map[string]any{
			"branch":   rc.Branch,
			"repoKind": string(rc.Kind),
		},
		KeepSandbox: true,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Guard(ctx, &err)

	if _, err = rs.runChecked(ctx, sess, Command{Name: "remote", Cmd: "git", Args: []string{"remote", "set-url", "origin", rc.CloneURL}}); err != nil {
		return nil, err
	}
	if _, err = rs.runChecked(ctx, sess, Command{Name: "branch", Cmd: "git", Args: []string{"checkout", "-B", rc.Branch}}); err != nil {
		return nil, err
	}

	res = &CheckoutResult{SandboxID: sess.SandboxID(), JobID: sess.JobID()}
	var present map[string]bool
	if rc.Kind == model.RepoPython {
		present, err = sess.Probe(ctx, jobsession.FileCheck(fileUvLock))
		if err != nil {
			return nil, err
		}
		res.Install = PythonInstall(present)
	} else {
		present, err = sess.Probe(ctx,
			jobsession.FileCheck(fileBunLockb),
			jobsession.FileCheck(fileBunLock),
			jobsession.FileCheck(filePnpmLock),
			jobsession.FileCheck(filePackageLock),
			jobsession.FileCheck(fileNpmrc),
			jobsession.BinaryCheck(binBun),
		)
		if err != nil {
			return nil, err
		}
		res.Install = NodeInstall(present)
		res.Runner = NodeRunner(present)
		if present[fileNpmrc] {
			if err = rs.flagRegistries(ctx, sess, res); err != nil {
				return nil, err
			}
		}
	}

	if _, err = rs.runChecked(ctx, sess, res.Install); err != nil {
		return nil, err
	}
	meta := map[string]any{"install": shellquote.Join(append([]string{res.Install.Cmd}, res.Install.Args...)...)}
	if res.Runner != "" {
		meta["runner"] = res.Runner
	}
	if err = sess.PatchMetadata(ctx, meta); err != nil {
		return nil, err
	}
	if _, err = sess.Finalize(ctx, jobsession.FinalizeOptions{Status: model.JobSucceeded, ExitCode: model.IntPtr(0)}); err != nil {
		return nil, err
	}
	return res, nil
}

// flagRegistries records .npmrc registries outside the allowlist. The
// install still runs; it fails on its own if egress is blocked.
func (rs *runState) flagRegistries(ctx context.Context, sess *jobsession.Session, res *CheckoutResult) error {
	out, err := rs.runChecked(ctx, sess, Command{Name: "npmrc", Cmd: "cat", Args: []string{fileNpmrc}})
	if err != nil {
		return err
	}
	missing := sess.Policy().Missing(NpmrcRegistries(out.Transcript.Stdout))
	if len(missing) == 0 {
		return nil
	}
	res.UnlistedRegistries = missing
	log.Printf("pipeline: run %s: .npmrc registries not in the %s allowlist: %s", rs.runID, sess.Policy().Tag(), strings.Join(missing, ", "))
	return sess.PatchMetadata(ctx, map[string]any{"unlistedRegistries": missing})
}

func (rs *runState) plan(ctx context.Context, _ string) (*Plan, error) {
	cfg := rs.p.cfg
	pl := &planner{chat: cfg.Planner, docs: cfg.Docs, budget: cfg.DocsBudget, system: cfg.PlannerPrompt}
	if cfg.Docs == nil {
		pl.budget = 0
	}
	rc := rs.repo
	return pl.plan(ctx, plannerUserPrompt(rc, rs.run.Prompt), rs.run.Prompt)
}

// agentSink forwards agent events, keeping the run's single exit event
// for the pipeline.
type agentSink struct{ next stream.Sink }

func (a agentSink) Send(ctx context.Context, e stream.Event) error {
	if e.Type == stream.EventExit {
		return nil
	}
	return a.next.Send(ctx, e)
}

func (rs *runState) execute(ctx context.Context, stepID string, plan *Plan) (res *ExecutionResult, err error) {
	cfg := rs.p.cfg
	rc := rs.repo
	policy, err := cfg.Policies.Select(rc.Kind, cfg.Access)
	if err != nil {
		return nil, err
	}
	sess, err := cfg.Sessions.Attach(ctx, jobsession.AttachOptions{
		SandboxID: rs.checkout.SandboxID,
		JobType:   model.JobImplementationExecute,
		ProjectID: rc.ProjectID,
		RunID:     rs.runID,
		StepID:    stepID,
		Policy:    policy,
		Metadata:  map[string]any{"branch": rc.Branch},
	})
	if err != nil {
		return nil, err
	}
	defer sess.Guard(ctx, &err)

	out, err := cfg.Agent.Run(ctx, agent.RunOptions{
		Session: sess,
		Prompt:  EnrichPrompt(rs.run.Prompt, plan.PlanMarkdown),
		Sink:    agentSink{next: rs.sink},
	})
	if err != nil {
		return nil, err
	}
	res = &ExecutionResult{JobID: sess.JobID(), Steps: out.Steps, ToolCalls: out.ToolCalls, Summary: out.Text}

	status, err := rs.runChecked(ctx, sess, Command{Name: "status", Cmd: "git", Args: []string{"status", "--porcelain"}})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(status.Transcript.Stdout) == "" {
		err = apperr.Conflict("agent made no changes to %s", rc.FullName())
		return nil, err
	}

	author := []string{"-c", "user.name=" + cfg.GitAuthorName, "-c", "user.email=" + cfg.GitAuthorEmail}
	steps := []Command{
		{Name: "add", Cmd: "git", Args: []string{"add", "-A"}},
		{Name: "commit", Cmd: "git", Args: append(author, "commit", "-m", plan.CommitMessage)},
	}
	for _, c := range steps {
		if _, err = rs.runChecked(ctx, sess, c); err != nil {
			return nil, err
		}
	}
	authURL := rs.authURL()
	push := Command{Name: "push", Cmd: "git", Args: []string{"push", "--force", authURL, "HEAD:refs/heads/" + rc.Branch}}
	if _, err = rs.runChecked(ctx, sess, push, cfg.GitHubToken, authURL); err != nil {
		return nil, err
	}
	head, err := rs.runChecked(ctx, sess, Command{Name: "rev-parse", Cmd: "git", Args: []string{"rev-parse", "HEAD"}})
	if err != nil {
		return nil, err
	}
	res.Commit = strings.TrimSpace(head.Transcript.Stdout)

	if err = sess.PatchMetadata(ctx, map[string]any{
		"commit":     res.Commit,
		"agentSteps": res.Steps,
		"toolCalls":  res.ToolCalls,
		"compacted":  len(out.Compacted),
	}); err != nil {
		return nil, err
	}
	if _, err = sess.Finalize(ctx, jobsession.FinalizeOptions{Status: model.JobSucceeded, ExitCode: model.IntPtr(0)}); err != nil {
		return nil, err
	}
	return res, nil
}

func (rs *runState) verify(ctx context.Context, stepID string) (res *VerifyResult, err error) {
	cfg := rs.p.cfg
	rc := rs.repo
	policy, err := cfg.Policies.Select(rc.Kind, cfg.Access)
	if err != nil {
		return nil, err
	}
	sess, err := cfg.Sessions.Attach(ctx, jobsession.AttachOptions{
		SandboxID:      rs.checkout.SandboxID,
		JobType:        model.JobImplementationVerify,
		ProjectID:      rc.ProjectID,
		RunID:          rs.runID,
		StepID:         stepID,
		Policy:         policy,
		Metadata:       map[string]any{"branch": rc.Branch},
		StopOnFinalize: true,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Guard(ctx, &err)

	var cmds []Command
	if rc.Kind == model.RepoPython {
		present, perr := sess.Probe(ctx, jobsession.FileCheck(binPyright), jobsession.FileCheck(binMypy))
		if perr != nil {
			err = perr
			return nil, err
		}
		cmds = PythonVerifyCommands(present)
	} else {
		pkg, perr := rs.runChecked(ctx, sess, Command{Name: "package.json", Cmd: "cat", Args: []string{filePackageJSON}})
		if perr != nil {
			err = perr
			return nil, err
		}
		scripts, perr := PackageScripts(pkg.Transcript.Stdout)
		if perr != nil {
			err = apperr.Wrap(apperr.KindBadGateway, perr, "parsing package.json")
			return nil, err
		}
		runner := rs.checkout.Runner
		if runner == "" {
			runner = "npm"
		}
		cmds = NodeVerifyCommands(runner, scripts)
	}

	res = &VerifyResult{JobID: sess.JobID()}
	for _, c := range cmds {
		out, rerr := sess.RunCommand(ctx, jobsession.RunOptions{Cmd: c.Cmd, Args: c.Args, OnLog: rs.logTo(ctx)})
		if rerr != nil {
			err = rerr
			return nil, err
		}
		line := shellquote.Join(append([]string{c.Cmd}, c.Args...)...)
		res.Stages = append(res.Stages, StageResult{Name: c.Name, Command: line, ExitCode: out.ExitCode})
		if !passed(c, out.ExitCode) {
			if perr := sess.PatchMetadata(ctx, map[string]any{"failedStage": c.Name, "stages": res.Stages}); perr != nil {
				log.Printf("pipeline: run %s: recording failed stage: %v", rs.runID, perr)
			}
			err = apperr.BadGateway("verify %s failed: %s exited %d", c.Name, line, out.ExitCode)
			return nil, err
		}
	}

	if err = sess.PatchMetadata(ctx, map[string]any{"stages": res.Stages}); err != nil {
		return nil, err
	}
	if _, err = sess.Finalize(ctx, jobsession.FinalizeOptions{Status: model.JobSucceeded, ExitCode: model.IntPtr(0)}); err != nil {
		return nil, err
	}
	return res, nil
}

func (rs *runState) pullRequest(ctx context.Context, plan *Plan) (*gitprovider.PullRequest, error) {
	rc := rs.repo
	body := plan.PRBody
	if plan.PlanMarkdown != "" && !strings.Contains(body, plan.PlanMarkdown) {
		body += "\n\n## Plan\n" + plan.PlanMarkdown
	}
	body += fmt.Sprintf("\n\n---\n*Run `%s`, created by telerun*", rs.runID)

	pr, err := rs.p.cfg.Git.CreateOrGetPullRequest(ctx, gitprovider.PROptions{
		Owner: rc.Owner,
		Repo:  rc.Repo,
		Head:  rc.Branch,
		Base:  rc.DefaultBranch,
		Title: plan.PRTitle,
		Body:  body,
	})
	if err != nil {
		return nil, err
	}
	rs.run.PRUrl = pr.HTMLURL
	rs.run.PRNumber = pr.Number
	if err := rs.p.cfg.Store.UpdateRun(ctx, rs.run); err != nil {
		return nil, fmt.Errorf("recording pull request: %w", err)
	}
	return pr, nil
}

// stopSandbox is best effort: a sandbox that is already gone, or a stop
// that fails, does not fail the step.
func (rs *runState) stopSandbox(ctx context.Context, _ string) (*StopResult, error) {
	id := rs.checkout.SandboxID
	sb, err := rs.p.cfg.Sessions.Provider().Get(ctx, id)
	if err != nil {
		if !errors.Is(err, sandbox.ErrNotFound) {
			log.Printf("pipeline: run %s: looking up sandbox %s: %v", rs.runID, id, err)
		}
		return &StopResult{AlreadyGone: true}, nil
	}
	if err := sb.Stop(ctx); err != nil {
		log.Printf("pipeline: run %s: stopping sandbox %s: %v", rs.runID, id, err)
		return &StopResult{}, nil
	}
	return &StopResult{Stopped: true}, nil
}
