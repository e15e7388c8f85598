package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jxucoder/telerun/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Get the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE:  runList,
}

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Stream a run's events until it exits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return streamEvents(args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
}

// getJSON fetches path from the server into v.
func getJSON(path string, v any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: telerun serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var run model.Run
	if err := getJSON("/api/runs/"+args[0], &run); err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", statusIcon(string(run.Status)))
	fmt.Printf("Prompt:   %s\n", run.Prompt)
	if run.Branch != "" {
		fmt.Printf("Branch:   %s\n", run.Branch)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
	if run.PRUrl != "" {
		fmt.Printf("PR:       %s\n", run.PRUrl)
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s (%s)\n", run.Error, run.ErrorKind)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var runs []model.Run
	if err := getJSON("/api/runs", &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROMPT\tPR")
	for _, r := range runs {
		pr := r.PRUrl
		if pr == "" {
			pr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, statusIcon(string(r.Status)), truncate(r.Prompt, 50), pr)
	}
	return w.Flush()
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "⏳ pending"
	case "running":
		return "🔄 running"
	case "complete":
		return "✅ complete"
	case "error":
		return "❌ error"
	default:
		return status
	}
}
