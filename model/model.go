// Package model defines the core domain types shared across all telerun packages.
// It has zero dependencies on other telerun packages.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a SandboxJob. Transitions are
// monotonic: pending -> running -> succeeded|failed.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	case JobSucceeded, JobFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a job in status s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// RepoKind is the detected runtime family of a repository.
type RepoKind string

const (
	RepoNode   RepoKind = "node"
	RepoPython RepoKind = "python"
)

// JobType names the unit of work a job performs.
type JobType string

const (
	JobImplementationCheckout JobType = "implementation_checkout"
	JobImplementationExecute  JobType = "implementation_execute"
	JobImplementationVerify   JobType = "implementation_verify"
	JobCodeMode               JobType = "code_mode"
)

// SandboxJob is one persisted sandbox command-execution unit of work.
// Jobs are never deleted; they are the audit trail of a run.
type SandboxJob struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	RunID             string         `json:"run_id"`
	StepID            string         `json:"step_id,omitempty"`
	JobType           JobType        `json:"job_type"`
	Status            JobStatus      `json:"status"`
	ExitCode          *int           `json:"exit_code"`
	TranscriptBlobRef *string        `json:"transcript_blob_ref"`
	Metadata          map[string]any `json:"metadata"`
	StartedAt         *time.Time     `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StepKind names a stage of an implementation run.
type StepKind string

const (
	StepPreflight   StepKind = "preflight"
	StepRepoContext StepKind = "repo-context"
	StepCheckout    StepKind = "checkout"
	StepPlanning    StepKind = "planning"
	StepExecution   StepKind = "execution"
	StepVerify      StepKind = "verify"
	StepPullRequest StepKind = "pull-request"
	StepStopSandbox StepKind = "stop-sandbox"
)

// StepStatus is the state of a RunStep.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// RunStep records one attempt of a pipeline stage.
type RunStep struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      StepKind        `json:"step_kind"`
	Status    StepStatus      `json:"status"`
	Attempt   int             `json:"attempt"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunStatus is the state of an implementation run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// Project is a unit that may have a connected repository.
type Project struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	// Repo is "owner/name", empty when no repository is connected.
	Repo      string    `json:"repo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the top-level unit of work that owns jobs and steps.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Prompt    string    `json:"prompt"`
	Status    RunStatus `json:"status"`
	Branch    string    `json:"branch,omitempty"`
	PRUrl     string    `json:"pr_url,omitempty"`
	PRNumber  int       `json:"pr_number,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a persisted streaming event of a run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"` // "status", "tool-call", "tool-result", "log", "assistant-delta", "exit"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
