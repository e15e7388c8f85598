// Package store defines the persistence interfaces for jobs, run steps,
// events, projects and runs.
package store

import (
	"context"
	"time"

	"github.com/jxucoder/telerun/model"
)

// JobUpdate carries the fields a session may change on a job. Zero fields
// are left untouched; Metadata is merged into the stored map, never
// replacing it.
type JobUpdate struct {
	Status            model.JobStatus
	ExitCode          *int
	TranscriptBlobRef *string
	StartedAt         *time.Time
	EndedAt           *time.Time
	Metadata          map[string]any
}

// JobStore persists SandboxJob rows. Jobs are never deleted.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.SandboxJob) error
	GetJob(ctx context.Context, id string) (*model.SandboxJob, error)
	// UpdateJob applies u atomically. A status change that is not a
	// monotonic transition fails with a conflict error.
	UpdateJob(ctx context.Context, id string, u JobUpdate) (*model.SandboxJob, error)
	// MergeJobMetadata read-merge-writes patch into the job's metadata.
	MergeJobMetadata(ctx context.Context, id string, patch map[string]any) (*model.SandboxJob, error)
	// ListJobsByRun returns a run's jobs ordered by creation time.
	ListJobsByRun(ctx context.Context, runID string) ([]*model.SandboxJob, error)
}

// StepStore persists pipeline RunStep records.
type StepStore interface {
	CreateStep(ctx context.Context, step *model.RunStep) error
	UpdateStep(ctx context.Context, step *model.RunStep) error
	ListSteps(ctx context.Context, runID string) ([]*model.RunStep, error)
}

// EventStore persists streamed run events.
type EventStore interface {
	AddEvent(ctx context.Context, event *model.Event) error
	GetEvents(ctx context.Context, runID string, afterID int64) ([]*model.Event, error)
}

// RunStore persists projects and runs.
type RunStore interface {
	// UpsertProject creates the project or updates its repo by slug.
	UpsertProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context) ([]*model.Run, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	StepStore
	EventStore
	RunStore
	Close() error
}
