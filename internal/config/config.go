// Package config provides configuration management for telerun.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/netpolicy"
)

// Config holds all configuration for the telerun server and CLI.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, blobs).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// BlobDir holds transcripts, compacted tool results and audit bundles.
	BlobDir string

	// GitHubToken authenticates GitHub API calls and clone/push in the
	// sandbox.
	GitHubToken string

	// GitHubAPIURL overrides the GitHub API endpoint (GitHub Enterprise).
	GitHubAPIURL string

	// LLM provider API keys. Anthropic is preferred when both are set.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMModel        string
	LLMBaseURL      string

	// NetworkAccess is "none" or "restricted".
	NetworkAccess string

	// NetworkPolicyFile is an optional TOML file with egress allowlists.
	NetworkPolicyFile string

	// SandboxTimeout bounds a sandbox's lifetime.
	SandboxTimeout time.Duration
	SandboxVCPUs   int

	// DockerNetwork is the egress-proxied network for restricted sandboxes.
	DockerNetwork string

	// DockerSSHHost, if set, runs docker on a remote host over SSH.
	DockerSSHHost string
	DockerSSHUser string
	DockerSSHKey  string

	AgentMaxSteps int

	// DocsLookupURL enables the planner's documentation lookup tool.
	DocsLookupURL    string
	DocsLookupBudget int
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("TELERUN_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:        envOr("TELERUN_ADDR", ":7080"),
		DataDir:           dataDir,
		DatabasePath:      filepath.Join(dataDir, "telerun.db"),
		BlobDir:           envOr("TELERUN_BLOB_DIR", filepath.Join(dataDir, "blobs")),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		GitHubAPIURL:      os.Getenv("TELERUN_GITHUB_API_URL"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		LLMModel:          os.Getenv("TELERUN_LLM_MODEL"),
		LLMBaseURL:        os.Getenv("TELERUN_LLM_BASE_URL"),
		NetworkAccess:     envOr("TELERUN_SANDBOX_NETWORK_ACCESS", string(netpolicy.AccessRestricted)),
		NetworkPolicyFile: os.Getenv("TELERUN_NETWORK_POLICY_FILE"),
		SandboxTimeout:    time.Duration(envOrInt("TELERUN_SANDBOX_TIMEOUT", 30)) * time.Minute,
		SandboxVCPUs:      envOrInt("TELERUN_SANDBOX_VCPUS", 2),
		DockerNetwork:     envOr("TELERUN_DOCKER_NETWORK", "telerun-egress"),
		DockerSSHHost:     os.Getenv("TELERUN_DOCKER_SSH_HOST"),
		DockerSSHUser:     os.Getenv("TELERUN_DOCKER_SSH_USER"),
		DockerSSHKey:      os.Getenv("TELERUN_DOCKER_SSH_KEY"),
		AgentMaxSteps:     envOrInt("TELERUN_AGENT_MAX_STEPS", 24),
		DocsLookupURL:     os.Getenv("TELERUN_DOCS_LOOKUP_URL"),
		DocsLookupBudget:  envOrInt("TELERUN_DOCS_LOOKUP_BUDGET", 3),
	}

	return cfg, nil
}

// Validate checks that required configuration is present. Every failure
// is an env_invalid error naming the variable.
func (c *Config) Validate() error {
	var missing []string
	if c.GitHubToken == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return apperr.EnvInvalid("missing configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Access(); err != nil {
		return err
	}
	if c.SandboxTimeout <= 0 {
		return apperr.EnvInvalid("TELERUN_SANDBOX_TIMEOUT must be positive")
	}
	return nil
}

// Access parses NetworkAccess.
func (c *Config) Access() (netpolicy.Access, error) {
	a, err := netpolicy.ParseAccess(c.NetworkAccess)
	if err != nil {
		return "", apperr.Wrap(apperr.KindEnvInvalid, err, "TELERUN_SANDBOX_NETWORK_ACCESS")
	}
	return a, nil
}

// Allowlists returns the egress allowlists, from NetworkPolicyFile when set.
func (c *Config) Allowlists() (netpolicy.Allowlists, error) {
	if c.NetworkPolicyFile == "" {
		return netpolicy.DefaultAllowlists(), nil
	}
	return netpolicy.LoadAllowlists(c.NetworkPolicyFile)
}

// SandboxSecrets returns the configured credentials that every transcript
// must redact.
func (c *Config) SandboxSecrets() []string {
	var out []string
	for _, s := range []string{c.GitHubToken, c.AnthropicAPIKey, c.OpenAIAPIKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".telerun"
	}
	return filepath.Join(home, ".telerun")
}
