package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/telerun/engine"
	"github.com/jxucoder/telerun/stream"
)

var (
	runRepo    string
	runProject string
	runLocal   bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a task in a sandbox",
	Long: `Create a run that plans the change, executes it with the code-mode
agent in a sandbox, verifies it and opens a pull request.

Example:
  telerun run "add a /health endpoint" --repo myorg/myapp
  telerun run "fix the flaky test" --repo myorg/myapp --local`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runRepo, "repo", "r", "", "GitHub repository (owner/repo)")
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "Project slug (default: repository name)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "Execute in this process instead of on the server")
	runCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req := engine.CreateRunRequest{Repo: runRepo, Project: runProject, Prompt: args[0]}
	if runLocal {
		return runInProcess(req)
	}

	body, _ := json.Marshal(req)
	resp, err := http.Post(serverURL+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: telerun serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Run %s started\n", result.ID)
	fmt.Printf("Streaming events...\n\n")
	return streamEvents(result.ID)
}

// runInProcess builds the full stack locally and executes one run,
// printing events as they arrive.
func runInProcess(req engine.CreateRunRequest) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	run, err := app.Engine().CreateRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started\n\n", run.ID)

	// The run produces into a bounded channel; the terminal drains it.
	events := stream.NewChannel(256)
	runErr := make(chan error, 1)
	go func() {
		defer events.Close()
		_, err := app.Engine().Execute(ctx, run.ID, events)
		runErr <- err
	}()

	var exitErr error
	for e := range events.Events() {
		if err := printEvent(e); err != nil {
			exitErr = err
		}
	}
	if err := <-runErr; err != nil {
		return err
	}
	return exitErr
}

// streamEvents follows a run's SSE stream until its exit event.
func streamEvents(runID string) error {
	req, _ := http.NewRequest(http.MethodGet, serverURL+"/api/runs/"+runID+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if event.Type == stream.EventExit {
			return printEvent(event)
		}
		printEvent(event)
	}

	return scanner.Err()
}

// printEvent writes one event to the terminal. The exit event returns the
// run's error, if any.
func printEvent(e stream.Event) error {
	switch e.Type {
	case stream.EventStatus:
		fmt.Printf("\033[36m[status]\033[0m %s\n", e.Status)
	case stream.EventToolCall:
		fmt.Printf("\033[35m[tool]\033[0m %s %s\n", e.ToolName, truncate(string(e.Input), 200))
	case stream.EventToolResult:
		fmt.Printf("\033[35m[result]\033[0m %s\n", truncate(e.Output, 200))
	case stream.EventLog:
		if e.Stream == "stderr" {
			fmt.Fprintln(os.Stderr, e.Line)
		} else {
			fmt.Println(e.Line)
		}
	case stream.EventAssistantDelta:
		fmt.Print(e.Delta)
	case stream.EventExit:
		if e.ExitCode != nil && *e.ExitCode == 0 {
			fmt.Printf("\n\033[32m✓ Done\033[0m\n")
			return nil
		}
		fmt.Fprintf(os.Stderr, "\n\033[31m[error]\033[0m %s (%s)\n", e.Error, e.ErrorKind)
		return fmt.Errorf("run failed: %s", e.ErrorKind)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
