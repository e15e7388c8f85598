// Package docker implements sandbox.Provider with Docker containers, either
// on the local daemon or on a remote host over SSH.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/netpolicy"
	"github.com/jxucoder/telerun/sandbox"
)

// Config configures the Docker provider.
type Config struct {
	// Images maps a runtime name ("node22", "python3.13") to an image.
	Images map[string]string
	// DefaultImage is used for runtimes missing from Images.
	DefaultImage string
	// Network is the egress-proxied docker network used for restricted
	// policies. The proxy reads SANDBOX_ALLOWED_DOMAINS from the container.
	Network string
	// DockerBin is the docker binary (default "docker").
	DockerBin string
	// SSH, if set, runs every docker command on a remote host.
	SSH *SSHConfig
}

// DefaultImages are the stock runtime images.
var DefaultImages = map[string]string{
	"node22":     "node:22-bookworm",
	"node20":     "node:20-bookworm",
	"python3.13": "ghcr.io/astral-sh/uv:python3.13-bookworm",
	"python3.12": "ghcr.io/astral-sh/uv:python3.12-bookworm",
}

// commander builds the exec.Cmd for one docker invocation.
type commander interface {
	command(ctx context.Context, args ...string) *exec.Cmd
}

type localDocker struct{ bin string }

func (l localDocker) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, l.bin, args...)
}

// Provider is a Docker-backed sandbox.Provider.
type Provider struct {
	config Config
	cmd    commander
}

// New creates a Docker provider.
func New(cfg Config) (*Provider, error) {
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.Images == nil {
		cfg.Images = DefaultImages
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "node:22-bookworm"
	}
	var c commander = localDocker{bin: cfg.DockerBin}
	if cfg.SSH != nil {
		s, err := newSSHDocker(*cfg.SSH, cfg.DockerBin)
		if err != nil {
			return nil, err
		}
		c = s
	}
	return &Provider{config: cfg, cmd: c}, nil
}

func (p *Provider) image(runtime string) string {
	if img, ok := p.config.Images[runtime]; ok {
		return img
	}
	return p.config.DefaultImage
}

// EgressEnforced implements sandbox.EgressReporter. A restricted policy is
// only advisory when no egress network is configured.
func (p *Provider) EgressEnforced(policy netpolicy.Policy) bool {
	return policy.Type() != netpolicy.TypeRestricted || p.config.Network != ""
}

// runArgs builds the `docker run` arguments for a new sandbox container.
// The container idles in `sleep` for the sandbox lifetime, so the timeout
// is enforced by the container itself.
func (p *Provider) runArgs(name string, opts sandbox.CreateOptions) []string {
	timeout := sandbox.ClampTimeout(opts.Timeout)
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "telerun.sandbox=" + name,
		"--workdir", "/workspace",
	}
	if opts.VCPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.VCPUs))
	}

	switch opts.Policy.Type() {
	case netpolicy.TypeRestricted:
		if p.config.Network != "" {
			args = append(args, "--network", p.config.Network)
		} else {
			log.Printf("docker: no egress network configured; allowlist for %s is advisory only", name)
		}
		args = append(args, "-e", "SANDBOX_ALLOWED_DOMAINS="+strings.Join(opts.Policy.AllowedDomains(), ","))
	default:
		args = append(args, "--network", "none")
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args,
		"--entrypoint", "sleep",
		p.image(opts.Runtime),
		strconv.Itoa(int(timeout.Seconds())),
	)
	return args
}

// Create starts a container and seeds the workspace.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	name := "telerun-" + uuid.New().String()[:12]

	out, err := p.cmd.command(ctx, p.runArgs(name, opts)...).CombinedOutput()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "starting container: %s", strings.TrimSpace(string(out)))
	}
	c := &container{id: name, cmd: p.cmd}

	if err := p.seed(ctx, c, opts.Source); err != nil {
		if stopErr := c.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Printf("docker: cleanup of %s failed: %v", name, stopErr)
		}
		return nil, err
	}
	return c, nil
}

func (p *Provider) seed(ctx context.Context, c *container, src *sandbox.Source) error {
	var cmd sandbox.Command
	if src == nil {
		cmd = sandbox.Command{Cmd: "mkdir", Args: []string{"-p", sandbox.WorkspaceRoot}, Cwd: "/"}
	} else {
		args := []string{"clone"}
		depth := src.Depth
		if depth <= 0 {
			depth = 1
		}
		args = append(args, "--depth", strconv.Itoa(depth))
		if src.Revision != "" {
			args = append(args, "--branch", src.Revision)
		}
		args = append(args, src.URL, sandbox.WorkspaceRoot)
		cmd = sandbox.Command{Cmd: "git", Args: args, Cwd: "/"}
	}
	res, err := c.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperr.BadGateway("seeding workspace: %s exited %d: %s", cmd.Cmd, res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// Get returns a handle to a running container.
func (p *Provider) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	out, err := p.cmd.command(ctx, "inspect", "-f", "{{.State.Running}}", id).CombinedOutput()
	if err != nil || strings.TrimSpace(string(out)) != "true" {
		return nil, fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	return &container{id: id, cmd: p.cmd}, nil
}

type container struct {
	id  string
	cmd commander
}

func (c *container) ID() string { return c.id }

// execArgs builds the `docker exec` arguments for a command.
func (c *container) execArgs(cmd sandbox.Command, interactive bool) []string {
	args := []string{"exec"}
	if interactive {
		args = append(args, "-i")
	}
	if cmd.Cwd != "" {
		args = append(args, "--workdir", cmd.Cwd)
	}
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+cmd.Env[k])
	}
	args = append(args, c.id, cmd.Cmd)
	return append(args, cmd.Args...)
}

// RunCommand runs a command via `docker exec`, delivering stdout and stderr
// lines to OnLine in arrival order.
func (c *container) RunCommand(ctx context.Context, cmd sandbox.Command) (*sandbox.Result, error) {
	ec := c.cmd.command(ctx, c.execArgs(cmd, false)...)
	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}
	if err := ec.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "starting exec")
	}

	lines := make(chan sandbox.Line, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdout, sandbox.Stdout, lines, &wg)
	go scanLines(stderr, sandbox.Stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	var outBuf, errBuf strings.Builder
	for l := range lines {
		if l.Stream == sandbox.Stdout {
			outBuf.WriteString(l.Text + "\n")
		} else {
			errBuf.WriteString(l.Text + "\n")
		}
		if cmd.OnLine != nil {
			cmd.OnLine(l)
		}
	}

	res := &sandbox.Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err := ec.Wait(); err != nil {
		if ctxErr := apperr.FromContext(ctx, "exec "+cmd.Cmd); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, apperr.Wrap(apperr.KindBadGateway, err, "exec %s", cmd.Cmd)
	}
	return res, nil
}

// maxLineBytes caps a single delivered line. Longer output lines arrive
// split into chunks of this size.
const maxLineBytes = 256 * 1024

// scanLines delivers r line by line and always reads r to EOF, so a
// command writing oversized lines never blocks on a full pipe.
func scanLines(r io.Reader, stream sandbox.Stream, out chan<- sandbox.Line, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			text := string(chunk)
			if err == nil {
				text = strings.TrimSuffix(strings.TrimSuffix(text, "\n"), "\r")
			}
			out <- sandbox.Line{Stream: stream, Text: text}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

// WriteFiles streams each file's content into `cat` inside the container.
func (c *container) WriteFiles(ctx context.Context, files []sandbox.File) error {
	for _, f := range files {
		target := f.Path
		if !path.IsAbs(target) {
			target = path.Join(sandbox.WorkspaceRoot, target)
		}
		script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
		ec := c.cmd.command(ctx, c.execArgs(sandbox.Command{
			Cmd:  "sh",
			Args: []string{"-c", script, "sh", target},
		}, true)...)
		ec.Stdin = strings.NewReader(string(f.Content))
		if out, err := ec.CombinedOutput(); err != nil {
			return apperr.Wrap(apperr.KindBadGateway, err, "writing %s: %s", target, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// Stop removes the container. A container that is already gone is not an
// error.
func (c *container) Stop(ctx context.Context) error {
	out, err := c.cmd.command(ctx, "rm", "-f", c.id).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(out))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
