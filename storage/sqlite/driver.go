package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	"github.com/rivet-ci/rivet/storage"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		script TEXT NOT NULL,
		required_modules BLOB NOT NULL DEFAULT '[]',
		tags BLOB NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	) STRICT;

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		runner_id TEXT,
		parameters BLOB NOT NULL DEFAULT '{}',
		result BLOB
	) STRICT;
	CREATE INDEX IF NOT EXISTS jobs_by_pipeline ON jobs (pipeline_id, requested_at DESC);
	CREATE INDEX IF NOT EXISTS jobs_by_status ON jobs (status, requested_at ASC);

	CREATE TABLE IF NOT EXISTS job_logs (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	) STRICT;
	CREATE INDEX IF NOT EXISTS job_logs_by_job ON job_logs (job_id, timestamp, id);

	CREATE TABLE IF NOT EXISTS runners (
		id TEXT NOT NULL PRIMARY KEY,
		capabilities BLOB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		registered_at INTEGER NOT NULL,
		last_heartbeat_at INTEGER NOT NULL
	) STRICT;
`

type Sqlite struct {
	db *sql.DB
}

func NewSqlite(dsn string, _ *slog.Logger) (storage.Driver, error) {
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps writes serialized and lets in-memory
	// databases survive across calls.
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	//nolint: noctx
	_, err = db.Exec(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Sqlite{db: db}, nil
}

func (s *Sqlite) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Pipelines

type pipelineRow struct {
	ID              string             `db:"id"`
	Name            string             `db:"name"`
	Description     string             `db:"description"`
	Script          string             `db:"script"`
	RequiredModules storage.StringList `db:"required_modules"`
	Tags            storage.Tags       `db:"tags"`
	CreatedAt       int64              `db:"created_at"`
	UpdatedAt       int64              `db:"updated_at"`
}

func (r pipelineRow) toPipeline() storage.Pipeline {
	return storage.Pipeline{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Script:          r.Script,
		RequiredModules: r.RequiredModules,
		Tags:            r.Tags,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

func (s *Sqlite) CreatePipeline(ctx context.Context, name, description, script string, requiredModules []string, tags []storage.Tag) (*storage.Pipeline, error) {
	pipeline := &storage.Pipeline{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     description,
		Script:          script,
		RequiredModules: storage.StringList(requiredModules),
		Tags:            storage.Tags(tags),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	if pipeline.RequiredModules == nil {
		pipeline.RequiredModules = storage.StringList{}
	}

	if pipeline.Tags == nil {
		pipeline.Tags = storage.Tags{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, description, script, required_modules, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, pipeline.ID, pipeline.Name, pipeline.Description, pipeline.Script,
		&pipeline.RequiredModules, &pipeline.Tags,
		pipeline.CreatedAt.UnixMilli(), pipeline.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert pipeline: %w", err)
	}

	return pipeline, nil
}

func (s *Sqlite) GetPipeline(ctx context.Context, id string) (*storage.Pipeline, error) {
	var row pipelineRow

	err := sqlscan.Get(ctx, s.db, &row, `
		SELECT id, name, description, script, required_modules, tags, created_at, updated_at
		FROM pipelines
		WHERE id = ?;
	`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	pipeline := row.toPipeline()

	return &pipeline, nil
}

func (s *Sqlite) ListPipelines(ctx context.Context) ([]storage.Pipeline, error) {
	var rows []pipelineRow

	err := sqlscan.Select(ctx, s.db, &rows, `
		SELECT id, name, description, script, required_modules, tags, created_at, updated_at
		FROM pipelines
		ORDER BY created_at DESC, rowid DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	return lo.Map(rows, func(row pipelineRow, _ int) storage.Pipeline {
		return row.toPipeline()
	}), nil
}

func (s *Sqlite) DeletePipeline(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE pipeline_id = ?);
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline logs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE pipeline_id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline jobs: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted pipelines: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	return nil
}

// Jobs

type jobRow struct {
	ID          string             `db:"id"`
	PipelineID  string             `db:"pipeline_id"`
	Status      string             `db:"status"`
	RequestedAt int64              `db:"requested_at"`
	StartedAt   sql.NullInt64      `db:"started_at"`
	CompletedAt sql.NullInt64      `db:"completed_at"`
	RunnerID    sql.NullString     `db:"runner_id"`
	Parameters  storage.Parameters `db:"parameters"`
	Result      []byte             `db:"result"`
}

func (r jobRow) toJob() (storage.Job, error) {
	job := storage.Job{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Status:      storage.JobStatus(r.Status),
		RequestedAt: fromMillis(r.RequestedAt),
		StartedAt:   fromNullMillis(r.StartedAt),
		CompletedAt: fromNullMillis(r.CompletedAt),
		RunnerID:    r.RunnerID.String,
		Parameters:  r.Parameters,
	}

	if job.Parameters == nil {
		job.Parameters = storage.Parameters{}
	}

	if len(r.Result) > 0 {
		var result storage.JobResult

		err := json.Unmarshal(r.Result, &result)
		if err != nil {
			return job, fmt.Errorf("failed to unmarshal job result: %w", err)
		}

		job.Result = &result
	}

	return job, nil
}

const jobColumns = `id, pipeline_id, status, requested_at, started_at, completed_at, runner_id, parameters, result`

func (s *Sqlite) CreateJob(ctx context.Context, pipelineID string, parameters storage.Parameters) (*storage.Job, error) {
	if parameters == nil {
		parameters = storage.Parameters{}
	}

	job := &storage.Job{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Status:      storage.JobQueued,
		RequestedAt: time.Now().UTC(),
		Parameters:  parameters,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, pipeline_id, status, requested_at, parameters)
		VALUES (?, ?, ?, ?, ?);
	`, job.ID, job.PipelineID, string(job.Status), job.RequestedAt.UnixMilli(), &job.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return job, nil
}

func (s *Sqlite) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	var row jobRow

	err := sqlscan.Get(ctx, s.db, &row, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?;
	`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *Sqlite) selectJobs(ctx context.Context, query string, args ...any) ([]storage.Job, error) {
	var rows []jobRow

	err := sqlscan.Select(ctx, s.db, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]storage.Job, 0, len(rows))

	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *Sqlite) ListJobs(ctx context.Context) ([]storage.Job, error) {
	return s.selectJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY requested_at DESC, rowid DESC;
	`)
}

func (s *Sqlite) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]storage.Job, error) {
	return s.selectJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE pipeline_id = ?
		ORDER BY requested_at DESC, rowid DESC;
	`, pipelineID)
}

func (s *Sqlite) ListQueuedJobs(ctx context.Context) ([]storage.Job, error) {
	return s.selectJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY requested_at ASC, rowid ASC;
	`, string(storage.JobQueued))
}

func (s *Sqlite) LeaseJob(ctx context.Context, id, runnerID string) (*storage.Job, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, runner_id = ?, started_at = ?
		WHERE id = ? AND status = ?;
	`, string(storage.JobRunning), runnerID, now.UnixMilli(), id, string(storage.JobQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to count leased jobs: %w", err)
	}

	if affected == 0 {
		// Either the job does not exist or it already left Queued.
		_, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		return nil, storage.ErrInvalidStateTransition
	}

	return s.GetJob(ctx, id)
}

func (s *Sqlite) CompleteJob(ctx context.Context, id string, status storage.JobStatus, result *storage.JobResult) (*storage.Job, error) {
	if !status.Terminal() {
		return nil, storage.ErrInvalidStateTransition
	}

	sources := storage.TransitionSources(status)
	placeholders := strings.Join(lo.Map(sources, func(storage.JobStatus, int) string {
		return "?"
	}), ", ")

	args := []any{string(status), time.Now().UTC().UnixMilli()}

	var resultJSON []byte
	if result != nil {
		var err error

		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job result: %w", err)
		}
	}

	args = append(args, resultJSON, id)

	for _, source := range sources {
		args = append(args, string(source))
	}

	updated, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, result = ?
		WHERE id = ? AND status IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	affected, err := updated.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}

	if affected == 0 {
		_, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		return nil, storage.ErrInvalidStateTransition
	}

	return s.GetJob(ctx, id)
}

func (s *Sqlite) CancelJob(ctx context.Context, id string) (*storage.Job, error) {
	return s.CompleteJob(ctx, id, storage.JobCancelled, nil)
}

// Logs

type logRow struct {
	Timestamp int64  `db:"timestamp"`
	Level     string `db:"level"`
	Message   string `db:"message"`
}

func (s *Sqlite) AppendLogs(ctx context.Context, jobID string, entries []storage.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statement, err := tx.PrepareContext(ctx, `
		INSERT INTO job_logs (job_id, timestamp, level, message)
		VALUES (?, ?, ?, ?);
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer statement.Close()

	for _, entry := range entries {
		_, err = statement.ExecContext(ctx, jobID, entry.Timestamp.UTC().UnixMilli(), string(entry.Level), entry.Message)
		if err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit logs: %w", err)
	}

	return nil
}

func (s *Sqlite) GetLogs(ctx context.Context, jobID string) ([]storage.LogEntry, error) {
	var rows []logRow

	err := sqlscan.Select(ctx, s.db, &rows, `
		SELECT timestamp, level, message
		FROM job_logs
		WHERE job_id = ?
		ORDER BY timestamp ASC, id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	return lo.Map(rows, func(row logRow, _ int) storage.LogEntry {
		return storage.LogEntry{
			Timestamp: fromMillis(row.Timestamp),
			Level:     storage.LogLevel(row.Level),
			Message:   row.Message,
		}
	}), nil
}

// Runners

type runnerRow struct {
	ID              string             `db:"id"`
	Capabilities    storage.StringList `db:"capabilities"`
	Status          string             `db:"status"`
	RegisteredAt    int64              `db:"registered_at"`
	LastHeartbeatAt int64              `db:"last_heartbeat_at"`
}

func (r runnerRow) toRunner() storage.Runner {
	runner := storage.Runner{
		ID:              r.ID,
		Capabilities:    r.Capabilities,
		Status:          storage.RunnerStatus(r.Status),
		RegisteredAt:    fromMillis(r.RegisteredAt),
		LastHeartbeatAt: fromMillis(r.LastHeartbeatAt),
	}

	if runner.Capabilities == nil {
		runner.Capabilities = storage.StringList{}
	}

	return runner
}

func (s *Sqlite) RegisterRunner(ctx context.Context, id string, capabilities []string) (*storage.Runner, error) {
	if capabilities == nil {
		capabilities = []string{}
	}

	list := storage.StringList(capabilities)
	now := time.Now().UTC().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runners (id, capabilities, status, registered_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at;
	`, id, &list, string(storage.RunnerOnline), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to register runner: %w", err)
	}

	return s.GetRunner(ctx, id)
}

func (s *Sqlite) HeartbeatRunner(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runners
		SET last_heartbeat_at = ?, status = ?
		WHERE id = ?;
	`, time.Now().UTC().UnixMilli(), string(storage.RunnerOnline), id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count heartbeats: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (s *Sqlite) GetRunner(ctx context.Context, id string) (*storage.Runner, error) {
	var row runnerRow

	err := sqlscan.Get(ctx, s.db, &row, `
		SELECT id, capabilities, status, registered_at, last_heartbeat_at
		FROM runners
		WHERE id = ?;
	`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get runner: %w", err)
	}

	runner := row.toRunner()

	return &runner, nil
}

func (s *Sqlite) ListRunners(ctx context.Context) ([]storage.Runner, error) {
	var rows []runnerRow

	err := sqlscan.Select(ctx, s.db, &rows, `
		SELECT id, capabilities, status, registered_at, last_heartbeat_at
		FROM runners
		ORDER BY registered_at DESC, rowid DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}

	return lo.Map(rows, func(row runnerRow, _ int) storage.Runner {
		return row.toRunner()
	}), nil
}

func (s *Sqlite) DeleteRunner(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted runners: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (s *Sqlite) MarkStaleRunnersOffline(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runners
		SET status = ?
		WHERE last_heartbeat_at < ? AND status != ?;
	`, string(storage.RunnerOffline), cutoff, string(storage.RunnerOffline))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runners: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count stale runners: %w", err)
	}

	return affected, nil
}

func fromMillis(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

func fromNullMillis(millis sql.NullInt64) *time.Time {
	if !millis.Valid {
		return nil
	}

	value := fromMillis(millis.Int64)

	return &value
}

func init() {
	storage.Add("sqlite", NewSqlite)
}
