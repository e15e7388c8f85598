// Package jobsession turns a raw sandbox into an auditable unit of work:
// every session owns one persisted SandboxJob, validates working
// directories before anything reaches the provider, redacts every output
// line, and uploads the combined transcript exactly once at finalize.
package jobsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/netpolicy"
	"github.com/jxucoder/telerun/redact"
	"github.com/jxucoder/telerun/sandbox"
	"github.com/jxucoder/telerun/store"
)

// DefaultTranscriptCap bounds the combined transcript uploaded at finalize.
const DefaultTranscriptCap = 1 << 20

// cleanupTimeout bounds best-effort finalize/stop on the error path.
const cleanupTimeout = 30 * time.Second

// Config wires a Manager to its collaborators.
type Config struct {
	Provider sandbox.Provider
	Jobs     store.JobStore
	Blobs    blob.Store
	// Secrets are redacted from every transcript in addition to the
	// built-in patterns.
	Secrets []string
	// TranscriptCap bounds the uploaded transcript in bytes.
	TranscriptCap int
}

// Manager starts and attaches sessions.
type Manager struct {
	cfg Config
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.TranscriptCap <= 0 {
		cfg.TranscriptCap = DefaultTranscriptCap
	}
	return &Manager{cfg: cfg}
}

// Provider returns the underlying sandbox provider.
func (m *Manager) Provider() sandbox.Provider { return m.cfg.Provider }

// StartOptions configures a new session backed by a fresh sandbox.
type StartOptions struct {
	JobType   model.JobType
	ProjectID string
	RunID     string
	StepID    string
	Policy    netpolicy.Policy
	Runtime   string
	Source    *sandbox.Source
	Timeout   time.Duration
	VCPUs     int
	Env       map[string]string
	Metadata  map[string]any
	// KeepSandbox leaves the sandbox running after a successful Finalize
	// so a later job can attach to it. Fail still stops it.
	KeepSandbox bool
}

// AttachOptions configures a session over an already-running sandbox.
type AttachOptions struct {
	SandboxID string
	JobType   model.JobType
	ProjectID string
	RunID     string
	StepID    string
	Policy    netpolicy.Policy
	Metadata  map[string]any
	// StopOnFinalize makes this session responsible for stopping the
	// shared sandbox when it finalizes.
	StopOnFinalize bool
}

// Start creates a sandbox and persists a running job for it.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if err := validateMetadata(opts.Metadata); err != nil {
		return nil, err
	}
	sb, err := m.cfg.Provider.Create(ctx, sandbox.CreateOptions{
		Source:  opts.Source,
		Runtime: opts.Runtime,
		VCPUs:   opts.VCPUs,
		Timeout: sandbox.ClampTimeout(opts.Timeout),
		Policy:  opts.Policy,
		Env:     opts.Env,
	})
	if err != nil {
		if ctxErr := apperr.FromContext(ctx, "sandbox create"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "provisioning sandbox")
	}

	meta := map[string]any{
		"sandboxId": sb.ID(),
		"runtime":   opts.Runtime,
		"network":   m.networkMetadata(opts.Policy),
	}
	if opts.Source != nil {
		meta["source"] = map[string]any{"url": redact.Redact(opts.Source.URL), "revision": opts.Source.Revision}
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	s := m.newSession(sb, opts.Policy, !opts.KeepSandbox)
	if err := s.createJob(ctx, opts.JobType, opts.ProjectID, opts.RunID, opts.StepID, meta); err != nil {
		s.stopQuietly(ctx)
		return nil, err
	}
	log.Printf("session %s: started %s in sandbox %s (%s)", s.jobID, opts.JobType, sb.ID(), opts.Policy.Tag())
	return s, nil
}

// Attach reuses a running sandbox for a new job.
func (m *Manager) Attach(ctx context.Context, opts AttachOptions) (*Session, error) {
	if err := validateMetadata(opts.Metadata); err != nil {
		return nil, err
	}
	sb, err := m.cfg.Provider.Get(ctx, opts.SandboxID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "attaching to sandbox %s", opts.SandboxID)
		}
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "attaching to sandbox %s", opts.SandboxID)
	}

	meta := map[string]any{
		"sandboxId":      sb.ID(),
		"attached":       true,
		"stopOnFinalize": opts.StopOnFinalize,
		"network":        m.networkMetadata(opts.Policy),
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	s := m.newSession(sb, opts.Policy, opts.StopOnFinalize)
	if err := s.createJob(ctx, opts.JobType, opts.ProjectID, opts.RunID, opts.StepID, meta); err != nil {
		return nil, err
	}
	log.Printf("session %s: attached %s to sandbox %s", s.jobID, opts.JobType, sb.ID())
	return s, nil
}

// networkMetadata describes policy for the job record, noting whether the
// provider actually enforces it.
func (m *Manager) networkMetadata(policy netpolicy.Policy) map[string]any {
	meta := policy.Metadata()
	enforced := true
	if r, ok := m.cfg.Provider.(sandbox.EgressReporter); ok {
		enforced = r.EgressEnforced(policy)
	}
	meta["enforced"] = enforced
	return meta
}

func (m *Manager) newSession(sb sandbox.Sandbox, policy netpolicy.Policy, stopOnFinalize bool) *Session {
	return &Session{
		m:              m,
		sb:             sb,
		policy:         policy,
		stopOnFinalize: stopOnFinalize,
		transcript:     newTranscript(m.cfg.TranscriptCap),
	}
}

func validateMetadata(meta map[string]any) error {
	if meta == nil {
		return nil
	}
	if _, err := json.Marshal(meta); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid job metadata")
	}
	return nil
}

// Session is one job bound to one sandbox. Commands run one at a time.
type Session struct {
	m              *Manager
	sb             sandbox.Sandbox
	policy         netpolicy.Policy
	stopOnFinalize bool

	jobID string
	runID string

	mu         sync.Mutex
	transcript *transcript
	commands   []map[string]any
	lastExit   *int
	finalized  bool
	stopped    bool
}

func (s *Session) createJob(ctx context.Context, jobType model.JobType, projectID, runID, stepID string, meta map[string]any) error {
	now := time.Now().UTC()
	job := &model.SandboxJob{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		RunID:     runID,
		StepID:    stepID,
		JobType:   jobType,
		Status:    model.JobRunning,
		StartedAt: &now,
		Metadata:  meta,
	}
	if err := s.m.cfg.Jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	s.jobID = job.ID
	s.runID = runID
	return nil
}

// JobID returns the persisted job id.
func (s *Session) JobID() string { return s.jobID }

// SandboxID returns the backing sandbox id.
func (s *Session) SandboxID() string { return s.sb.ID() }

// Policy returns the network policy in effect.
func (s *Session) Policy() netpolicy.Policy { return s.policy }

// Root returns the sandbox workspace root.
func (s *Session) Root() string { return sandbox.WorkspaceRoot }

// Sandbox returns the backing sandbox.
func (s *Session) Sandbox() sandbox.Sandbox { return s.sb }

// Redact applies the session's redaction rules to text.
func (s *Session) Redact(text string) string {
	return redact.RedactWith(text, s.m.cfg.Secrets)
}

// secrets returns the configured secrets plus extra.
func (s *Session) secrets(extra []string) []string {
	out := make([]string, 0, len(s.m.cfg.Secrets)+len(extra))
	out = append(out, s.m.cfg.Secrets...)
	return append(out, extra...)
}

// RunOptions is one command execution request.
type RunOptions struct {
	Cmd  string
	Args []string
	// Cwd is resolved against the workspace root; empty means the root.
	Cwd string
	// PolicyTag labels the command in the transcript; defaults to the
	// session policy.
	PolicyTag string
	Env       map[string]string
	// OnLog receives each redacted output line in production order.
	OnLog func(sandbox.Line)
	// ExtraSecrets are redacted in addition to the configured secrets,
	// e.g. a just-issued push token.
	ExtraSecrets []string
}

// Transcript is the redacted output of one command.
type Transcript struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Combined string `json:"combined"`
}

// CommandResult is the outcome of RunCommand.
type CommandResult struct {
	ExitCode   int
	Transcript Transcript
}

// RunCommand validates cwd, runs the command and returns redacted output.
// Path validation happens before the provider is contacted.
func (s *Session) RunCommand(ctx context.Context, opts RunOptions) (*CommandResult, error) {
	cwd, err := sandbox.ResolvePath(sandbox.WorkspaceRoot, opts.Cwd)
	if err != nil {
		return nil, err
	}
	if opts.Cmd == "" {
		return nil, apperr.BadRequest("empty command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, apperr.Internal("session %s: command after finalize", s.jobID)
	}

	secrets := s.secrets(opts.ExtraSecrets)
	tag := opts.PolicyTag
	if tag == "" {
		tag = s.policy.Tag()
	}
	line := shellquote.Join(append([]string{opts.Cmd}, opts.Args...)...)
	s.transcript.appendLine(redact.RedactWith(fmt.Sprintf("$ %s  [cwd=%s net=%s]", line, cwd, tag), secrets))

	var stdout, stderr, combined strings.Builder
	start := time.Now()
	res, runErr := s.sb.RunCommand(ctx, sandbox.Command{
		Cmd:  opts.Cmd,
		Args: opts.Args,
		Cwd:  cwd,
		Env:  opts.Env,
		OnLine: func(l sandbox.Line) {
			l.Text = redact.RedactWith(l.Text, secrets)
			if l.Stream == sandbox.Stderr {
				stderr.WriteString(l.Text + "\n")
			} else {
				stdout.WriteString(l.Text + "\n")
			}
			combined.WriteString(l.Text + "\n")
			s.transcript.appendLine(l.Text)
			if opts.OnLog != nil {
				opts.OnLog(l)
			}
		},
	})
	elapsed := time.Since(start)

	entry := map[string]any{
		"command":    redact.RedactWith(line, secrets),
		"cwd":        cwd,
		"durationMs": elapsed.Milliseconds(),
	}
	if runErr != nil {
		if ctxErr := apperr.FromContext(ctx, opts.Cmd); ctxErr != nil {
			runErr = ctxErr
		} else if apperr.KindOf(runErr) == apperr.KindInternal {
			runErr = apperr.Wrap(apperr.KindBadGateway, runErr, "running %s", opts.Cmd)
		}
		msg := redact.RedactWith(runErr.Error(), secrets)
		s.transcript.appendLine("! " + msg)
		entry["error"] = msg
		s.commands = append(s.commands, entry)
		return nil, runErr
	}

	s.transcript.appendLine(fmt.Sprintf("[exit %d]", res.ExitCode))
	entry["exitCode"] = res.ExitCode
	s.commands = append(s.commands, entry)
	s.lastExit = model.IntPtr(res.ExitCode)

	return &CommandResult{
		ExitCode: res.ExitCode,
		Transcript: Transcript{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Combined: combined.String(),
		},
	}, nil
}

// WriteFiles writes files under the workspace root.
func (s *Session) WriteFiles(ctx context.Context, files []sandbox.File) error {
	resolved := make([]sandbox.File, 0, len(files))
	for _, f := range files {
		p, err := sandbox.ResolvePath(sandbox.WorkspaceRoot, f.Path)
		if err != nil {
			return err
		}
		resolved = append(resolved, sandbox.File{Path: p, Content: f.Content})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return apperr.Internal("session %s: write after finalize", s.jobID)
	}
	if err := s.sb.WriteFiles(ctx, resolved); err != nil {
		if ctxErr := apperr.FromContext(ctx, "write files"); ctxErr != nil {
			return ctxErr
		}
		return apperr.Wrap(apperr.KindBadGateway, err, "writing %d files", len(resolved))
	}
	return nil
}

// Check is one probe: a command whose zero exit means "present".
type Check struct {
	Name string
	Cmd  string
	Args []string
}

// FileCheck probes for a path relative to the workspace root.
func FileCheck(path string) Check {
	return Check{Name: path, Cmd: "test", Args: []string{"-e", path}}
}

// BinaryCheck probes for an executable on PATH.
func BinaryCheck(name string) Check {
	return Check{Name: name, Cmd: "sh", Args: []string{"-c", "command -v " + shellquote.Join(name)}}
}

// Probe runs independent checks in parallel and reports which succeeded.
// Probes are not part of the transcript.
func (s *Session) Probe(ctx context.Context, checks ...Check) (map[string]bool, error) {
	checks = append([]Check(nil), checks...)
	for i, c := range checks {
		if c.Cmd == "test" && len(c.Args) == 2 {
			p, err := sandbox.ResolvePath(sandbox.WorkspaceRoot, c.Args[1])
			if err != nil {
				return nil, err
			}
			checks[i].Args = []string{"-e", p}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, apperr.Internal("session %s: probe after finalize", s.jobID)
	}

	results := make([]bool, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range checks {
		g.Go(func() error {
			res, err := s.sb.RunCommand(gctx, sandbox.Command{Cmd: c.Cmd, Args: c.Args, Cwd: sandbox.WorkspaceRoot})
			if err != nil {
				return fmt.Errorf("probing %s: %w", c.Name, err)
			}
			results[i] = res.ExitCode == 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := apperr.FromContext(ctx, "probe"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "probing sandbox")
	}

	out := make(map[string]bool, len(checks))
	for i, c := range checks {
		out[c.Name] = results[i]
	}
	return out, nil
}

// PatchMetadata merges patch into the job's metadata.
func (s *Session) PatchMetadata(ctx context.Context, patch map[string]any) error {
	if err := validateMetadata(patch); err != nil {
		return err
	}
	if _, err := s.m.cfg.Jobs.MergeJobMetadata(ctx, s.jobID, patch); err != nil {
		return fmt.Errorf("patching job %s metadata: %w", s.jobID, err)
	}
	return nil
}

// FinalizeOptions is the terminal state of a job.
type FinalizeOptions struct {
	Status   model.JobStatus
	ExitCode *int
}

// FinalizeResult is the persisted job and its uploaded transcript.
type FinalizeResult struct {
	Job        *model.SandboxJob
	Transcript string
	Truncated  bool
}

// Finalize persists the terminal state and uploads the transcript. It may
// be called at most once; a second call is an internal error. The job's
// terminal state is persisted even when the upload fails, in which case
// the upload error is returned alongside the result.
func (s *Session) Finalize(ctx context.Context, opts FinalizeOptions) (*FinalizeResult, error) {
	if !opts.Status.Terminal() {
		return nil, apperr.Internal("finalize with non-terminal status %q", opts.Status)
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil, apperr.Internal("session %s: finalize called twice", s.jobID)
	}
	s.finalized = true
	if s.jobID == "" {
		s.mu.Unlock()
		return nil, apperr.Internal("finalize produced no job id")
	}
	data, truncated := s.transcript.bytes()
	commands := s.commands
	s.mu.Unlock()

	now := time.Now().UTC()
	update := store.JobUpdate{
		Status:   opts.Status,
		ExitCode: opts.ExitCode,
		EndedAt:  &now,
		Metadata: map[string]any{
			"truncated":       truncated,
			"transcriptBytes": len(data),
			"commands":        commands,
		},
	}

	path := fmt.Sprintf("transcripts/%s/%s.log", s.runID, s.jobID)
	ref, uploadErr := s.m.cfg.Blobs.Put(ctx, path, data)
	if uploadErr != nil {
		update.Metadata["transcriptUploadError"] = uploadErr.Error()
	} else {
		update.TranscriptBlobRef = model.StringPtr(ref.BlobPath)
		update.Metadata["transcriptUrl"] = ref.BlobURL
		update.Metadata["transcriptDigest"] = ref.Digest
	}

	job, err := s.m.cfg.Jobs.UpdateJob(ctx, s.jobID, update)
	if err != nil {
		return nil, fmt.Errorf("finalizing job %s: %w", s.jobID, err)
	}
	result := &FinalizeResult{Job: job, Transcript: string(data), Truncated: truncated}

	if s.stopOnFinalize {
		s.stopQuietly(ctx)
	}
	log.Printf("session %s: finalized %s", s.jobID, opts.Status)

	if uploadErr != nil {
		return result, apperr.Wrap(apperr.KindBadGateway, uploadErr, "uploading transcript of job %s", s.jobID)
	}
	return result, nil
}

// Finalized reports whether Finalize has been called.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// LastExitCode returns the exit code of the most recent command.
func (s *Session) LastExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

// Stop stops the sandbox once. Later calls are no-ops.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	if err := s.sb.Stop(ctx); err != nil {
		return fmt.Errorf("stopping sandbox %s: %w", s.sb.ID(), err)
	}
	return nil
}

func (s *Session) stopQuietly(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		log.Printf("session %s: best-effort stop failed: %v", s.jobID, err)
	}
}

// Fail is the error-path cleanup: finalize as failed (unless already
// finalized) and stop the sandbox. Cleanup errors are logged, never
// returned, so the original error is what surfaces.
func (s *Session) Fail(ctx context.Context, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if !s.Finalized() {
		exit := s.LastExitCode()
		if exit != nil && *exit == 0 {
			exit = nil
		}
		if cause != nil {
			if err := s.PatchMetadata(cctx, map[string]any{
				"error":     redact.RedactWith(cause.Error(), s.m.cfg.Secrets),
				"errorKind": string(apperr.KindOf(cause)),
			}); err != nil {
				log.Printf("session %s: recording failure: %v", s.jobID, err)
			}
		}
		if _, err := s.Finalize(cctx, FinalizeOptions{Status: model.JobFailed, ExitCode: exit}); err != nil {
			log.Printf("session %s: best-effort finalize failed: %v", s.jobID, err)
		}
	}
	s.stopQuietly(cctx)
}

// Guard is deferred right after a session is acquired:
//
//	sess, err := mgr.Start(ctx, opts)
//	if err != nil { return err }
//	defer sess.Guard(ctx, &err)
//
// When *errp is non-nil on return, the session is failed and stopped.
func (s *Session) Guard(ctx context.Context, errp *error) {
	if errp != nil && *errp != nil {
		s.Fail(ctx, *errp)
	}
}
