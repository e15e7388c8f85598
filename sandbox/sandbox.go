// Package sandbox defines the capability telerun consumes from a sandbox
// provider: create an isolated environment, run commands in it, write files
// into it, and stop it.
//
// Exactly one concrete adapter exists per provider (see sandbox/docker);
// tests use sandbox/sandboxtest.
package sandbox

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/netpolicy"
)

// WorkspaceRoot is the fixed directory every sandbox checks its source out
// into. All command working directories resolve beneath it.
const WorkspaceRoot = "/workspace/repo"

// MaxTimeout is the platform ceiling for a sandbox lifetime.
const MaxTimeout = 45 * time.Minute

// DefaultTimeout is used when a caller passes no timeout.
const DefaultTimeout = 20 * time.Minute

// ErrNotFound is returned by Provider.Get for unknown or stopped sandboxes.
var ErrNotFound = errors.New("sandbox not found")

// Source describes a git checkout to seed the sandbox with.
type Source struct {
	URL      string
	Revision string
	Depth    int
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// Source is cloned into WorkspaceRoot; nil creates a blank workspace.
	Source  *Source
	Runtime string // e.g. "node22", "python3.13"
	VCPUs   int
	Timeout time.Duration
	Policy  netpolicy.Policy
	Env     map[string]string
}

// Stream identifies the output stream a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of command output.
type Line struct {
	Stream Stream
	Text   string
}

// Command is one command execution request. Cwd must already be resolved
// with ResolvePath.
type Command struct {
	Cmd  string
	Args []string
	Cwd  string
	Env  map[string]string
	// OnLine, if set, is called synchronously for every output line in the
	// order the sandbox produced them.
	OnLine func(Line)
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// File is a file to write into the sandbox. Relative paths resolve against
// WorkspaceRoot.
type File struct {
	Path    string
	Content []byte
}

// Sandbox is a running sandbox.
type Sandbox interface {
	ID() string
	// RunCommand runs a command to completion. A non-zero exit is reported in
	// Result, not as an error.
	RunCommand(ctx context.Context, cmd Command) (*Result, error)
	WriteFiles(ctx context.Context, files []File) error
	Stop(ctx context.Context) error
}

// Provider creates sandboxes and looks them up by id.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
	Get(ctx context.Context, id string) (Sandbox, error)
}

// EgressReporter is implemented by providers that can run a restricted
// policy without enforcing it. EgressEnforced reports whether sandboxes
// created with policy actually have their egress limited.
type EgressReporter interface {
	EgressEnforced(policy netpolicy.Policy) bool
}

// ClampTimeout applies the default and the platform ceiling.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// ResolvePath resolves p against root and guarantees the result stays
// inside root. Relative and absolute paths are accepted; any ".." segment,
// a leading "~", or an absolute path outside root is rejected with a
// bad_request error.
//
// Sandbox paths live on the sandbox filesystem, not the host, so resolution
// is purely lexical.
func ResolvePath(root, p string) (string, error) {
	root = path.Clean(root)
	if p == "" || p == "." {
		return root, nil
	}
	if strings.ContainsRune(p, 0) {
		return "", apperr.BadRequest("path contains NUL byte")
	}
	if strings.HasPrefix(p, "~") {
		return "", apperr.BadRequest("path %q: home-directory expansion is not allowed", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperr.BadRequest("path %q escapes the workspace", p)
		}
	}
	var resolved string
	if path.IsAbs(p) {
		resolved = path.Clean(p)
	} else {
		resolved = path.Join(root, p)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+"/") {
		return "", apperr.BadRequest("path %q is outside the workspace %s", p, root)
	}
	return resolved, nil
}
