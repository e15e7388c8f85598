package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newJob(id, runID string) *model.SandboxJob {
	now := time.Now().UTC()
	return &model.SandboxJob{
		ID:        id,
		ProjectID: "proj-1",
		RunID:     runID,
		JobType:   model.JobImplementationCheckout,
		Status:    model.JobRunning,
		StartedAt: &now,
		Metadata:  map[string]any{"runtime": "node22"},
	}
}

func TestJobCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "run-1")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.JobRunning || got.ExitCode != nil || got.TranscriptBlobRef != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Metadata["runtime"] != "node22" {
		t.Fatalf("metadata not persisted: %v", got.Metadata)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not persisted")
	}

	now := time.Now().UTC()
	updated, err := st.UpdateJob(ctx, "job-1", store.JobUpdate{
		Status:            model.JobSucceeded,
		ExitCode:          model.IntPtr(0),
		TranscriptBlobRef: model.StringPtr("transcripts/run-1/job-1.log.zst"),
		EndedAt:           &now,
		Metadata:          map[string]any{"truncated": false},
	})
	if err != nil {
		t.Fatalf("update job: %v", err)
	}
	if updated.Status != model.JobSucceeded || *updated.ExitCode != 0 {
		t.Fatalf("unexpected update: %+v", updated)
	}

	got, _ = st.GetJob(ctx, "job-1")
	if got.Metadata["runtime"] != "node22" || got.Metadata["truncated"] != false {
		t.Fatalf("metadata must be merged, got %v", got.Metadata)
	}
	if got.TranscriptBlobRef == nil || *got.TranscriptBlobRef != "transcripts/run-1/job-1.log.zst" {
		t.Fatalf("blob ref not persisted: %v", got.TranscriptBlobRef)
	}
}

func TestGetJobNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetJob(context.Background(), "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUpdateJobMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, newJob("job-1", "run-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateJob(ctx, "job-1", store.JobUpdate{Status: model.JobFailed}); err != nil {
		t.Fatalf("running -> failed: %v", err)
	}
	_, err := st.UpdateJob(ctx, "job-1", store.JobUpdate{Status: model.JobSucceeded})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for terminal transition, got %v", err)
	}
	_, err = st.UpdateJob(ctx, "job-1", store.JobUpdate{Status: model.JobRunning})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for backwards transition, got %v", err)
	}
	got, _ := st.GetJob(ctx, "job-1")
	if got.Status != model.JobFailed {
		t.Fatalf("status changed after conflict: %s", got.Status)
	}
}

func TestMergeJobMetadataConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateJob(ctx, newJob("job-1", "run-1")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.MergeJobMetadata(ctx, "job-1", map[string]any{fmt.Sprintf("k%d", i): i}); err != nil {
				t.Errorf("merge %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, ok := got.Metadata[fmt.Sprintf("k%d", i)]; !ok {
			t.Fatalf("lost concurrent metadata key k%d: %v", i, got.Metadata)
		}
	}
	if got.Metadata["runtime"] != "node22" {
		t.Fatal("original metadata overwritten")
	}
}

func TestListJobsByRunOrdered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		j := newJob(id, "run-1")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateJob(ctx, newJob("other", "run-2")); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ListJobsByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || jobs[0].ID != "c" || jobs[1].ID != "a" || jobs[2].ID != "b" {
		t.Fatalf("unexpected order: %v", jobs)
	}
}

func TestStepsAndEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	step := &model.RunStep{
		ID: "step-1", RunID: "run-1", Kind: model.StepCheckout,
		Status: model.StepRunning, Attempt: 1, Inputs: []byte(`{"branch":"agent/x/run-1"}`),
	}
	if err := st.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}
	step.Status = model.StepFailed
	step.Error = "npm ci exited 1"
	step.ErrorKind = string(apperr.KindBadGateway)
	if err := st.UpdateStep(ctx, step); err != nil {
		t.Fatalf("update step: %v", err)
	}
	steps, err := st.ListSteps(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Status != model.StepFailed || steps[0].ErrorKind != "bad_gateway" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if string(steps[0].Inputs) != `{"branch":"agent/x/run-1"}` {
		t.Fatalf("inputs not persisted: %s", steps[0].Inputs)
	}

	for _, typ := range []string{"status", "log", "exit"} {
		if err := st.AddEvent(ctx, &model.Event{RunID: "run-1", Type: typ, Data: typ}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := st.GetEvents(ctx, "run-1", 0)
	if err != nil || len(events) != 3 {
		t.Fatalf("expected 3 events, got %d (%v)", len(events), err)
	}
	after, _ := st.GetEvents(ctx, "run-1", events[0].ID)
	if len(after) != 2 || after[0].Type != "log" {
		t.Fatalf("unexpected events after id: %+v", after)
	}
}

func TestProjectsAndRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &model.Project{ID: "proj-1", Slug: "web", Repo: ""}
	if err := st.UpsertProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	again := &model.Project{ID: "proj-ignored", Slug: "web", Repo: "acme/web"}
	if err := st.UpsertProject(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != "proj-1" {
		t.Fatalf("upsert should keep original id, got %s", again.ID)
	}
	got, err := st.GetProject(ctx, "proj-1")
	if err != nil || got.Repo != "acme/web" {
		t.Fatalf("unexpected project %+v (%v)", got, err)
	}

	run := &model.Run{ID: "run-1", ProjectID: "proj-1", Prompt: "add a health endpoint"}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = model.RunComplete
	run.PRUrl = "https://github.com/acme/web/pull/7"
	run.PRNumber = 7
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	gotRun, err := st.GetRun(ctx, "run-1")
	if err != nil || gotRun.PRNumber != 7 || gotRun.Status != model.RunComplete {
		t.Fatalf("unexpected run %+v (%v)", gotRun, err)
	}
	if _, err := st.GetRun(ctx, "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	runs, _ := st.ListRuns(ctx)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestOpenRequiresMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fresh.db")
	if _, err := Open(dbPath); !apperr.Is(err, apperr.KindDBNotMigrated) {
		t.Fatalf("expected db_not_migrated for unmigrated db, got %v", err)
	}

	st, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = Open(dbPath)
	if err != nil {
		t.Fatalf("open migrated db: %v", err)
	}
	st.Close()
}

func TestNewRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "future.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := New(dbPath); !apperr.Is(err, apperr.KindDBNotMigrated) {
		t.Fatalf("expected db_not_migrated, got %v", err)
	}
}
