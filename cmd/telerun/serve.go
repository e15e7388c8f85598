package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/telerun"
	"github.com/jxucoder/telerun/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the telerun server",
	Long:  "Start the telerun API server that executes runs in sandboxes and opens PRs.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "\nShutting down...")
	}()

	return app.Start(ctx)
}

// buildApp loads and validates configuration and builds the application.
func buildApp() (*telerun.App, error) {
	loadConfigFileIntoEnv()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app, err := telerun.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return nil, fmt.Errorf("building app: %w", err)
	}
	return app, nil
}

// loadConfigFileIntoEnv reads ~/.telerun/config.env and sets any values not
// already present in the environment.
func loadConfigFileIntoEnv() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	f, err := os.Open(filepath.Join(home, ".telerun", "config.env"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if os.Getenv(key) == "" {
			os.Setenv(key, strings.TrimSpace(value))
		}
	}
}
