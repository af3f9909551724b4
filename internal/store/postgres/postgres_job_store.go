package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/lib/pq"
)

const jobColumns = `id, name, state, version, nodes, cores_per_node, wall_time_minutes,
	command, workdir, env, parents, policy, retry_count, retry_limit, retryable, tags,
	created_at, last_transition_at, launcher_id, slot_id, exit_status, error_detail`

const uniqueViolation = "23505"

// likeEscaper makes a substring match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db, now: time.Now}
}

func (s *PostgresJobStore) Create(ctx context.Context, specs ...types.JobSpec) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		job := store.NewJob(spec, now)
		env, parents, tags, err := marshalJSONColumns(job)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hpcfire_schema.jobs (`+jobColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,'','',NULL,'')`,
			job.ID, job.Name, job.State, job.Version,
			job.Resources.Nodes, job.Resources.CoresPerNode, job.Resources.WallTimeMinutes,
			job.Exec.Command, job.Exec.WorkDir, env, parents, job.Policy,
			job.RetryCount, job.RetryLimit, job.Retryable, tags,
			job.CreatedAt, job.LastTransitionAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return nil, fmt.Errorf("job %s: %w", job.ID, custom_errors.ErrAlreadyExists)
			}
			return nil, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
		if err := insertEvent(ctx, tx, types.Event{
			JobID: job.ID, To: state.StateCreated, Version: job.Version, Timestamp: now, Message: "created",
		}); err != nil {
			return nil, err
		}
		ids = append(ids, job.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM hpcfire_schema.jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *PostgresJobStore) ListByState(ctx context.Context, st state.JobState) ([]types.Job, error) {
	return s.List(ctx, types.JobFilter{States: []state.JobState{st}})
}

func (s *PostgresJobStore) List(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	var where []string
	var args []interface{}
	argIndex := 1

	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		where = append(where, fmt.Sprintf("state = ANY($%d)", argIndex))
		args = append(args, pq.Array(states))
		argIndex++
	}
	if filter.IDContains != "" {
		where = append(where, fmt.Sprintf(`id ILIKE $%d ESCAPE '\'`, argIndex))
		args = append(args, "%"+likeEscaper.Replace(filter.IDContains)+"%")
		argIndex++
	}
	if len(filter.Tags) > 0 {
		tags, err := json.Marshal(filter.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tag filter: %w", err)
		}
		where = append(where, fmt.Sprintf("tags @> $%d::jsonb", argIndex))
		args = append(args, tags)
		argIndex++
	}

	query := `SELECT ` + jobColumns + ` FROM hpcfire_schema.jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresJobStore) FindByIDSubstring(ctx context.Context, sub string) ([]types.Job, error) {
	if strings.TrimSpace(sub) == "" {
		return nil, nil
	}
	return s.List(ctx, types.JobFilter{IDContains: sub})
}

// Transition locks the row, checks the precondition and writes the new
// version together with its history entry. The UPDATE is also guarded by the
// version it read so a concurrent writer can never be silently overwritten.
func (s *PostgresJobStore) Transition(ctx context.Context, jobID string, expected, next state.JobState, fields types.TransitionFields) (*types.Job, error) {
	if err := store.CheckEdge(expected, next, fields); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM hpcfire_schema.jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.State != expected || (fields.ExpectedVersion != 0 && job.Version != fields.ExpectedVersion) {
		return nil, fmt.Errorf("job %s is %s v%d, expected %s: %w", jobID, job.State, job.Version, expected, custom_errors.ErrConflict)
	}

	readVersion := job.Version
	if err := store.ApplyTransition(job, next, fields); err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	now := s.now().UTC()
	job.LastTransitionAt = now

	result, err := tx.ExecContext(ctx, `
		UPDATE hpcfire_schema.jobs
		SET state = $1, version = $2, retry_count = $3, retryable = $4,
		    launcher_id = $5, slot_id = $6, exit_status = $7, error_detail = $8,
		    last_transition_at = $9
		WHERE id = $10 AND state = $11 AND version = $12`,
		job.State, job.Version, job.RetryCount, job.Retryable,
		job.LauncherID, job.SlotID, nullInt(job.ExitStatus), job.ErrorDetail,
		now, jobID, expected, readVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("job %s changed concurrently: %w", jobID, custom_errors.ErrConflict)
	}

	if err := insertEvent(ctx, tx, types.Event{
		JobID: jobID, From: expected, To: next, Version: job.Version, Timestamp: now, Message: fields.Message,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition of %s: %w", jobID, err)
	}
	return job, nil
}

func (s *PostgresJobStore) Events(ctx context.Context, jobID string) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, version, created_at, message
		FROM hpcfire_schema.job_events WHERE job_id = $1 ORDER BY version`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		if err := rows.Scan(&e.JobID, &e.From, &e.To, &e.Version, &e.Timestamp, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
	}
	return events, nil
}

func (s *PostgresJobStore) CountAllJobsGroupedByState(ctx context.Context) (map[state.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM hpcfire_schema.jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.JobState]int, len(state.AllStates))
	for _, st := range state.AllStates {
		result[st] = 0
	}
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		result[state.JobState(st)] = count
	}
	return result, rows.Err()
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                types.Job
		env, parents, tags []byte
		exitStatus         sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.State, &job.Version,
		&job.Resources.Nodes, &job.Resources.CoresPerNode, &job.Resources.WallTimeMinutes,
		&job.Exec.Command, &job.Exec.WorkDir, &env, &parents, &job.Policy,
		&job.RetryCount, &job.RetryLimit, &job.Retryable, &tags,
		&job.CreatedAt, &job.LastTransitionAt, &job.LauncherID, &job.SlotID, &exitStatus, &job.ErrorDetail,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(env, &job.Exec.Env); err != nil {
		return nil, fmt.Errorf("bad env column: %w", err)
	}
	if err := unmarshalIfPresent(parents, &job.Parents); err != nil {
		return nil, fmt.Errorf("bad parents column: %w", err)
	}
	if err := unmarshalIfPresent(tags, &job.Tags); err != nil {
		return nil, fmt.Errorf("bad tags column: %w", err)
	}
	if exitStatus.Valid {
		code := int(exitStatus.Int64)
		job.ExitStatus = &code
	}
	return &job, nil
}

func marshalJSONColumns(job types.Job) (env, parents, tags []byte, err error) {
	if env, err = json.Marshal(job.Exec.Env); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal env: %w", err)
	}
	if parents, err = json.Marshal(job.Parents); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal parents: %w", err)
	}
	if tags, err = json.Marshal(job.Tags); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return env, parents, tags, nil
}

func unmarshalIfPresent(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func insertEvent(ctx context.Context, tx *sql.Tx, e types.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO hpcfire_schema.job_events (job_id, from_state, to_state, version, created_at, message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.JobID, string(e.From), string(e.To), e.Version, e.Timestamp, e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", e.JobID, err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
