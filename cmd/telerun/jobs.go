package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jxucoder/telerun/blob"
	"github.com/jxucoder/telerun/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [run-id]",
	Short: "List a run's sandbox jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobs,
}

var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Export a redacted audit bundle of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(auditCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	var jobs []model.SandboxJob
	if err := getJSON("/api/runs/"+args[0]+"/jobs", &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tEXIT\tTRANSCRIPT")
	for _, j := range jobs {
		exit, transcript := "-", "-"
		if j.ExitCode != nil {
			exit = fmt.Sprint(*j.ExitCode)
		}
		if j.TranscriptBlobRef != nil {
			transcript = *j.TranscriptBlobRef
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, exit, transcript)
	}
	return w.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(serverURL+"/api/runs/"+args[0]+"/audit", "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}
	var ref blob.Ref
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Audit bundle: %s\n", ref.BlobPath)
	fmt.Printf("Digest:       %s\n", ref.Digest)
	if ref.BlobURL != "" {
		fmt.Printf("URL:          %s\n", ref.BlobURL)
	}
	return nil
}
