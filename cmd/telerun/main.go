// telerun runs AI code changes in sandboxes: send a task, get a verified PR.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "telerun",
	Short: "telerun - sandboxed code-change runs",
	Long: `telerun plans a code change, executes it with a code-mode agent in a
network-restricted sandbox, verifies it and opens a pull request.

  telerun serve                                     Start the server
  telerun run "add a health endpoint" --repo o/r    Run a task
  telerun list                                      List runs
  telerun status <id>                               Check run status
  telerun jobs <id>                                 List a run's sandbox jobs
  telerun logs <id>                                 Stream run events
  telerun audit <id>                                Export a redacted audit bundle`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TELERUN_SERVER", "http://localhost:7080"), "telerun server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
