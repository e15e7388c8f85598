// Package sandboxtest provides a scripted in-memory sandbox.Provider for
// tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/jxucoder/telerun/netpolicy"
	"github.com/jxucoder/telerun/sandbox"
)

// Reply is the scripted outcome of a command.
type Reply struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
	Err      error
}

type rule struct {
	prefix string
	reply  Reply
}

// Provider is a fake sandbox.Provider. Commands are matched against the
// shell-quoted command line; the longest matching prefix wins and unmatched
// commands succeed with no output.
type Provider struct {
	mu        sync.Mutex
	rules     []rule
	sandboxes map[string]*Sandbox
	creates   []sandbox.CreateOptions
	next      int

	// CreateErr, if set, is returned by Create.
	CreateErr error
	// StopErr, if set, is returned by every Sandbox.Stop.
	StopErr error
	// AdvisoryEgress makes restricted policies unenforced.
	AdvisoryEgress bool
}

// EgressEnforced implements sandbox.EgressReporter.
func (p *Provider) EgressEnforced(policy netpolicy.Policy) bool {
	return !p.AdvisoryEgress || policy.Type() != netpolicy.TypeRestricted
}

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{sandboxes: make(map[string]*Sandbox)}
}

// On scripts the reply for commands whose line starts with prefix.
func (p *Provider) On(prefix string, reply Reply) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule{prefix: prefix, reply: reply})
	return p
}

// Create implements sandbox.Provider.
func (p *Provider) Create(_ context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates = append(p.creates, opts)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.next++
	sb := &Sandbox{
		id:    fmt.Sprintf("sbx-%d", p.next),
		p:     p,
		files: make(map[string][]byte),
	}
	p.sandboxes[sb.id] = sb
	return sb, nil
}

// Get implements sandbox.Provider.
func (p *Provider) Get(_ context.Context, id string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok || sb.stopped {
		return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
	}
	return sb, nil
}

// Creates returns the options of every Create call.
func (p *Provider) Creates() []sandbox.CreateOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.CreateOptions(nil), p.creates...)
}

// Sandbox returns a created sandbox by id, or nil.
func (p *Provider) Sandbox(id string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

// Calls returns every command line run across all sandboxes, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for i := 1; i <= p.next; i++ {
		if sb, ok := p.sandboxes[fmt.Sprintf("sbx-%d", i)]; ok {
			out = append(out, sb.calls...)
		}
	}
	return out
}

func (p *Provider) match(line string) Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := -1
	for i, r := range p.rules {
		if strings.HasPrefix(line, r.prefix) && (best < 0 || len(r.prefix) >= len(p.rules[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return Reply{}
	}
	return p.rules[best].reply
}

// Sandbox is a fake sandbox.Sandbox.
type Sandbox struct {
	id      string
	p       *Provider
	calls   []string
	cwds    []string
	files   map[string][]byte
	stopped bool
	stops   int
}

// CommandLine renders a command the way rules match it.
func CommandLine(cmd string, args ...string) string {
	return shellquote.Join(append([]string{cmd}, args...)...)
}

// ID implements sandbox.Sandbox.
func (s *Sandbox) ID() string { return s.id }

// RunCommand implements sandbox.Sandbox.
func (s *Sandbox) RunCommand(ctx context.Context, cmd sandbox.Command) (*sandbox.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line := CommandLine(cmd.Cmd, cmd.Args...)
	s.p.mu.Lock()
	s.calls = append(s.calls, line)
	s.cwds = append(s.cwds, cmd.Cwd)
	stopped := s.stopped
	s.p.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("sandbox %s: %w", s.id, sandbox.ErrNotFound)
	}

	reply := s.p.match(line)
	if reply.Err != nil {
		return nil, reply.Err
	}
	res := &sandbox.Result{ExitCode: reply.ExitCode}
	for _, l := range reply.Stdout {
		res.Stdout += l + "\n"
		if cmd.OnLine != nil {
			cmd.OnLine(sandbox.Line{Stream: sandbox.Stdout, Text: l})
		}
	}
	for _, l := range reply.Stderr {
		res.Stderr += l + "\n"
		if cmd.OnLine != nil {
			cmd.OnLine(sandbox.Line{Stream: sandbox.Stderr, Text: l})
		}
	}
	return res, nil
}

// WriteFiles implements sandbox.Sandbox.
func (s *Sandbox) WriteFiles(_ context.Context, files []sandbox.File) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("sandbox %s: %w", s.id, sandbox.ErrNotFound)
	}
	for _, f := range files {
		s.files[f.Path] = append([]byte(nil), f.Content...)
	}
	return nil
}

// Stop implements sandbox.Sandbox.
func (s *Sandbox) Stop(_ context.Context) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.stops++
	if s.p.StopErr != nil {
		return s.p.StopErr
	}
	s.stopped = true
	return nil
}

// Calls returns the command lines run in this sandbox.
func (s *Sandbox) Calls() []string {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Cwds returns the working directory of each call.
func (s *Sandbox) Cwds() []string {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return append([]string(nil), s.cwds...)
}

// File returns a written file's content.
func (s *Sandbox) File(path string) ([]byte, bool) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

// Files returns the paths of all written files.
func (s *Sandbox) Files() []string {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for k := range s.files {
		out = append(out, k)
	}
	return out
}

// Stopped reports whether Stop succeeded at least once.
func (s *Sandbox) Stopped() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.stopped
}

// StopCalls returns the number of Stop calls.
func (s *Sandbox) StopCalls() int {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.stops
}
