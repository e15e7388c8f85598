package telerun

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jxucoder/telerun/agent"
	"github.com/jxucoder/telerun/audit"
	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/gitprovider"
	"github.com/jxucoder/telerun/internal/config"
	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/llm"
	"github.com/jxucoder/telerun/netpolicy"
	"github.com/jxucoder/telerun/pipeline"
	"github.com/jxucoder/telerun/sandbox/docker"
	sqliteStore "github.com/jxucoder/telerun/store/sqlite"
)

// wiring holds the components Build hands to the engine.
type wiring struct {
	pipeline *pipeline.Pipeline
	audit    *audit.Exporter
}

// applyDefaults fills in missing fields on the builder from the
// configuration and wires the pipeline.
func applyDefaults(b *Builder) (*wiring, error) {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		b.config = cfg
	}
	cfg := b.config
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = ":7080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "telerun.db")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.DataDir, "blobs")
	}

	access, err := cfg.Access()
	if err != nil {
		return nil, err
	}
	lists, err := cfg.Allowlists()
	if err != nil {
		return nil, fmt.Errorf("loading network policy: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	// Blobs.
	if b.blobs == nil {
		fs, err := blob.NewFS(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("initializing blob store: %w", err)
		}
		b.blobs = fs
	}

	// Sandbox provider.
	if b.sandbox == nil {
		dc := docker.Config{Network: cfg.DockerNetwork}
		if cfg.DockerSSHHost != "" {
			dc.SSH = &docker.SSHConfig{Host: cfg.DockerSSHHost, User: cfg.DockerSSHUser, KeyPath: cfg.DockerSSHKey}
		}
		p, err := docker.New(dc)
		if err != nil {
			return nil, fmt.Errorf("initializing docker provider: %w", err)
		}
		b.sandbox = p
	}

	// Git provider.
	if b.git == nil && cfg.GitHubToken != "" {
		c := gitprovider.NewClient(cfg.GitHubToken)
		if cfg.GitHubAPIURL != "" {
			if c, err = c.WithBaseURL(cfg.GitHubAPIURL); err != nil {
				return nil, fmt.Errorf("configuring GitHub API URL: %w", err)
			}
		}
		b.git = c
	}

	// LLM. Runs fail preflight with env_invalid when no key is set.
	if b.planner == nil || b.agent == nil {
		if p, err := llm.New(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMBaseURL); err != nil {
			log.Printf("llm: %v", err)
		} else {
			if b.planner == nil {
				b.planner = p
			}
			if b.agent == nil {
				b.agent = p
			}
		}
	}

	if b.docs == nil && cfg.DocsLookupURL != "" {
		b.docs = &pipeline.HTTPDocsLookup{URL: cfg.DocsLookupURL}
	}

	secrets := cfg.SandboxSecrets()
	sessions := jobsession.NewManager(jobsession.Config{
		Provider: b.sandbox,
		Jobs:     b.store,
		Blobs:    b.blobs,
		Secrets:  secrets,
	})

	var runner *agent.Runner
	if b.agent != nil {
		runner = agent.NewRunner(agent.Config{Chat: b.agent, MaxSteps: cfg.AgentMaxSteps})
	}

	p := pipeline.New(pipeline.Config{
		Store:          b.store,
		Sessions:       sessions,
		Git:            b.git,
		Planner:        b.planner,
		Agent:          runner,
		Policies:       netpolicy.NewEngine(lists),
		Access:         access,
		GitHubToken:    cfg.GitHubToken,
		Secrets:        secrets,
		SandboxTimeout: cfg.SandboxTimeout,
		VCPUs:          cfg.SandboxVCPUs,
		Docs:           b.docs,
		DocsBudget:     cfg.DocsLookupBudget,
		Retry:          b.retry,
	})

	return &wiring{
		pipeline: p,
		audit:    &audit.Exporter{Store: b.store, Blobs: b.blobs, Secrets: secrets},
	}, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".telerun"
	}
	return filepath.Join(home, ".telerun")
}
