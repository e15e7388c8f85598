// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/store"
)

// schemaVersion is recorded in PRAGMA user_version.
const schemaVersion = 1

var _ store.Store = (*Store)(nil)

// Store manages job, step, event, project and run persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and migrates
// it to the current schema.
func New(dbPath string) (*Store, error) {
	s, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrate(s.db); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Open opens an existing database without migrating it. A schema version
// other than the current one fails with db_not_migrated.
func Open(dbPath string) (*Store, error) {
	s, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	v, err := userVersion(s.db)
	if err != nil {
		s.db.Close()
		return nil, err
	}
	if v != schemaVersion {
		s.db.Close()
		return nil, apperr.DBNotMigrated("database schema version %d, want %d", v, schemaVersion)
	}
	return s, nil
}

func open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers, which keeps read-merge-write
	// transactions free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return &Store{db: db}, nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func migrate(db *sql.DB) error {
	v, err := userVersion(db)
	if err != nil {
		return err
	}
	if v > schemaVersion {
		return apperr.DBNotMigrated("database schema version %d is newer than %d", v, schemaVersion)
	}
	if v == schemaVersion {
		return nil
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			repo       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			branch      TEXT NOT NULL DEFAULT '',
			pr_url      TEXT NOT NULL DEFAULT '',
			pr_number   INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			error_kind  TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		);

		CREATE TABLE IF NOT EXISTS sandbox_jobs (
			id                  TEXT PRIMARY KEY,
			project_id          TEXT NOT NULL,
			run_id              TEXT NOT NULL,
			step_id             TEXT NOT NULL DEFAULT '',
			job_type            TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'pending',
			exit_code           INTEGER,
			transcript_blob_ref TEXT,
			metadata            TEXT NOT NULL DEFAULT '{}',
			started_at          DATETIME,
			ended_at            DATETIME,
			created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_run_id
			ON sandbox_jobs(run_id, created_at);

		CREATE TABLE IF NOT EXISTS run_steps (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			step_kind  TEXT NOT NULL,
			status     TEXT NOT NULL,
			attempt    INTEGER NOT NULL DEFAULT 1,
			inputs     TEXT NOT NULL DEFAULT '',
			outputs    TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_steps_run_id
			ON run_steps(run_id, created_at);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_run_id
			ON run_events(run_id);
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = `id, project_id, run_id, step_id, job_type, status, exit_code,
	transcript_blob_ref, metadata, started_at, ended_at, created_at, updated_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *model.SandboxJob) error {
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "job metadata is not valid JSON")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = model.JobPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sandbox_jobs (id, project_id, run_id, step_id, job_type, status,
			metadata, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, job.RunID, job.StepID, job.JobType, job.Status,
		string(meta), nullTime(job.StartedAt), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.SandboxJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sandbox_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", id)
	}
	return job, err
}

// UpdateJob applies u inside a transaction.
func (s *Store) UpdateJob(ctx context.Context, id string, u store.JobUpdate) (*model.SandboxJob, error) {
	return s.withJob(ctx, id, func(job *model.SandboxJob) error {
		if u.Status != "" && u.Status != job.Status {
			if !job.Status.CanTransition(u.Status) {
				return apperr.Conflict("job %s: cannot move from %s to %s", id, job.Status, u.Status)
			}
			job.Status = u.Status
		}
		if u.ExitCode != nil {
			job.ExitCode = u.ExitCode
		}
		if u.TranscriptBlobRef != nil {
			job.TranscriptBlobRef = u.TranscriptBlobRef
		}
		if u.StartedAt != nil {
			job.StartedAt = u.StartedAt
		}
		if u.EndedAt != nil {
			job.EndedAt = u.EndedAt
		}
		maps.Copy(job.Metadata, u.Metadata)
		return nil
	})
}

// MergeJobMetadata read-merge-writes patch into the job's metadata.
func (s *Store) MergeJobMetadata(ctx context.Context, id string, patch map[string]any) (*model.SandboxJob, error) {
	return s.withJob(ctx, id, func(job *model.SandboxJob) error {
		maps.Copy(job.Metadata, patch)
		return nil
	})
}

// withJob loads a job, applies fn and writes it back in one transaction.
func (s *Store) withJob(ctx context.Context, id string, fn func(*model.SandboxJob) error) (*model.SandboxJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sandbox_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "job metadata is not valid JSON")
	}
	job.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sandbox_jobs SET
			status = ?, exit_code = ?, transcript_blob_ref = ?, metadata = ?,
			started_at = ?, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		job.Status, nullInt(job.ExitCode), nullString(job.TranscriptBlobRef), string(meta),
		nullTime(job.StartedAt), nullTime(job.EndedAt), job.UpdatedAt, id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing job %s: %w", id, err)
	}
	return job, nil
}

// ListJobsByRun returns a run's jobs ordered by creation time.
func (s *Store) ListJobsByRun(ctx context.Context, runID string) ([]*model.SandboxJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sandbox_jobs WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.SandboxJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Steps ---

// CreateStep inserts a new run step.
func (s *Store) CreateStep(ctx context.Context, step *model.RunStep) error {
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = step.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (id, run_id, step_kind, status, attempt, inputs, outputs,
			error, error_kind, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Kind, step.Status, step.Attempt,
		string(step.Inputs), string(step.Outputs), step.Error, step.ErrorKind,
		step.CreatedAt, step.UpdatedAt,
	)
	return err
}

// UpdateStep updates a step's status, outputs and error.
func (s *Store) UpdateStep(ctx context.Context, step *model.RunStep) error {
	step.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET status = ?, outputs = ?, error = ?, error_kind = ?, updated_at = ?
		 WHERE id = ?`,
		step.Status, string(step.Outputs), step.Error, step.ErrorKind, step.UpdatedAt, step.ID,
	)
	return err
}

// ListSteps returns a run's steps in execution order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*model.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_kind, status, attempt, inputs, outputs, error, error_kind,
			created_at, updated_at
		 FROM run_steps WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.RunStep
	for rows.Next() {
		st := &model.RunStep{}
		var inputs, outputs string
		if err := rows.Scan(&st.ID, &st.RunID, &st.Kind, &st.Status, &st.Attempt,
			&inputs, &outputs, &st.Error, &st.ErrorKind, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if inputs != "" {
			st.Inputs = json.RawMessage(inputs)
		}
		if outputs != "" {
			st.Outputs = json.RawMessage(outputs)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Events ---

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(ctx context.Context, event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, type, data, created_at) VALUES (?, ?, ?, ?)`,
		event.RunID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a run, optionally after a given event ID.
func (s *Store) GetEvents(ctx context.Context, runID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, data, created_at
		 FROM run_events
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC`,
		runID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Projects and runs ---

// UpsertProject creates the project or updates its repo, keyed by slug.
func (s *Store) UpsertProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, slug, repo, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET repo = excluded.repo`,
		p.ID, p.Slug, p.Repo, p.CreatedAt,
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM projects WHERE slug = ?`, p.Slug,
	).Scan(&p.ID, &p.CreatedAt)
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p := &model.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, repo, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Slug, &p.Repo, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project %s not found", id)
	}
	return p, err
}

const runColumns = `id, project_id, prompt, status, branch, pr_url, pr_number, error, error_kind,
	created_at, updated_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = model.RunPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, prompt, status, branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Prompt, run.Status, run.Branch, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("run %s not found", id)
	}
	return run, err
}

// UpdateRun updates mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, branch = ?, pr_url = ?, pr_number = ?, error = ?,
			error_kind = ?, updated_at = ?
		 WHERE id = ?`,
		run.Status, run.Branch, run.PRUrl, run.PRNumber, run.Error, run.ErrorKind,
		run.UpdatedAt, run.ID,
	)
	return err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.SandboxJob, error) {
	job := &model.SandboxJob{}
	var (
		exitCode  sql.NullInt64
		blobRef   sql.NullString
		meta      string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.ProjectID, &job.RunID, &job.StepID, &job.JobType, &job.Status,
		&exitCode, &blobRef, &meta, &startedAt, &endedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		job.ExitCode = model.IntPtr(int(exitCode.Int64))
	}
	if blobRef.Valid {
		job.TranscriptBlobRef = model.StringPtr(blobRef.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		job.EndedAt = &t
	}
	job.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func scanRun(row scannable) (*model.Run, error) {
	run := &model.Run{}
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.Prompt, &run.Status, &run.Branch,
		&run.PRUrl, &run.PRNumber, &run.Error, &run.ErrorKind,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
