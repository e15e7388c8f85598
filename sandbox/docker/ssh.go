package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// SSHConfig holds SSH connection settings for a remote Docker host.
type SSHConfig struct {
	// Host is the remote host in "host:port" or "host" form.
	Host string
	// User is the SSH user.
	User string
	// KeyPath is the path to the SSH private key file.
	KeyPath string
}

type sshDocker struct {
	config SSHConfig
	bin    string
}

func newSSHDocker(cfg SSHConfig, bin string) (*sshDocker, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: Host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh: User is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh: KeyPath is required")
	}
	if _, err := os.Stat(cfg.KeyPath); err != nil {
		return nil, fmt.Errorf("ssh: key file not found: %w", err)
	}
	return &sshDocker{config: cfg, bin: bin}, nil
}

// sshArgs returns the ssh invocation that runs docker with args remotely.
// The remote side parses the command with a POSIX shell, so every argument
// is shell-quoted.
func (s *sshDocker) sshArgs(args ...string) []string {
	remote := shellquote.Join(append([]string{s.bin}, args...)...)
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "BatchMode=yes",
		"-i", s.config.KeyPath,
		fmt.Sprintf("%s@%s", s.config.User, s.config.Host),
		remote,
	}
}

func (s *sshDocker) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "ssh", s.sshArgs(args...)...)
}
