package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/hxopt/optimization-core/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	scenario_id      TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	status           TEXT NOT NULL,
	error_category   TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	convergence      TEXT NOT NULL DEFAULT '',
	progress_json    TEXT,
	created_at_unix_ms INTEGER NOT NULL,
	started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	ended_at_unix_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_scenario ON jobs(scenario_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_ended ON jobs(ended_at_unix_ms);

CREATE TABLE IF NOT EXISTS results (
	job_id      TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	result_json TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	iteration  INTEGER NOT NULL,
	objective  REAL NOT NULL,
	variables_json TEXT,
	unix_ms    INTEGER NOT NULL,
	PRIMARY KEY (job_id, iteration)
);
`

// SQLiteStore is a durable Store backed by a single SQLite database file.
// WAL mode keeps readers unblocked while a job goroutine writes progress.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent job goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, j *job.Job) error {
	created := j.CreatedAtUnixMs
	if created == 0 {
		created = job.NowUnixMs()
	}
	progress, err := marshalNullable(j.Progress)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, scenario_id, user_id, status, error_category, error, convergence, progress_json, created_at_unix_ms, started_at_unix_ms, ended_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ScenarioID, j.UserID, string(j.Status),
		string(j.ErrorCategory), j.Error, j.Convergence,
		progress, created, j.StartedAtUnixMs, j.EndedAtUnixMs)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario_id, user_id, status, error_category, error, convergence, progress_json, created_at_unix_ms, started_at_unix_ms, ended_at_unix_ms
		FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*job.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, scenario_id, user_id, status, error_category, error, convergence, progress_json, created_at_unix_ms, started_at_unix_ms, ended_at_unix_ms
		FROM jobs WHERE 1=1`
	args := []any{}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.ScenarioID != "" {
		query += " AND scenario_id = ?"
		args = append(args, filter.ScenarioID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at_unix_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetStatus(ctx context.Context, jobID string, status job.Status, category job.ErrorCategory, message string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, scenario_id, user_id, status, error_category, error, convergence, progress_json, created_at_unix_ms, started_at_unix_ms, ended_at_unix_ms
		FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := applyTransition(j, status, category, message); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_category = ?, error = ?, convergence = ?, started_at_unix_ms = ?, ended_at_unix_ms = ?
		WHERE id = ?`,
		string(j.Status), string(j.ErrorCategory), j.Error, j.Convergence,
		j.StartedAtUnixMs, j.EndedAtUnixMs, jobID)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) SetProgress(ctx context.Context, jobID string, snap *job.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status, progress_json FROM jobs WHERE id = ?`, jobID)
	var status string
	var progress sql.NullString
	if err := row.Scan(&status, &progress); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("read progress: %w", err)
	}
	if job.Status(status).Terminal() {
		return ErrJobTerminal
	}
	if progress.Valid {
		var prev job.Snapshot
		if err := json.Unmarshal([]byte(progress.String), &prev); err == nil && snap.Iteration < prev.Iteration {
			return nil
		}
	}

	encoded, err := marshalNullable(snap)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET progress_json = ? WHERE id = ?`, encoded, jobID); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendIteration(ctx context.Context, rec *job.IterationRecord) error {
	vars, err := marshalNullable(rec.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO iterations (job_id, iteration, objective, variables_json, unix_ms)
		VALUES (?, ?, ?, ?, ?)`,
		rec.JobID, rec.Iteration, rec.Objective, vars, rec.UnixMs)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrJobNotFound
		}
		return fmt.Errorf("append iteration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIterations(ctx context.Context, jobID string, limit int) ([]*job.IterationRecord, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	query := `SELECT job_id, iteration, objective, variables_json, unix_ms FROM iterations WHERE job_id = ? ORDER BY iteration`
	args := []any{jobID}
	if limit > 0 {
		// Keep the tail of the history when limited.
		query = `SELECT job_id, iteration, objective, variables_json, unix_ms FROM (
			SELECT job_id, iteration, objective, variables_json, unix_ms FROM iterations WHERE job_id = ? ORDER BY iteration DESC LIMIT ?
		) ORDER BY iteration`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []*job.IterationRecord
	for rows.Next() {
		rec := &job.IterationRecord{}
		var vars sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.Iteration, &rec.Objective, &vars, &rec.UnixMs); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		if vars.Valid {
			if err := json.Unmarshal([]byte(vars.String), &rec.Variables); err != nil {
				return nil, fmt.Errorf("decode iteration variables: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	return s.countActive(ctx, "user_id", userID)
}

func (s *SQLiteStore) CountActiveByScenario(ctx context.Context, scenarioID string) (int, error) {
	return s.countActive(ctx, "scenario_id", scenarioID)
}

func (s *SQLiteStore) countActive(ctx context.Context, column, value string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+column+` = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) PutResult(ctx context.Context, r *job.Result) error {
	created := r.CreatedAtUnixMs
	if created == 0 {
		created = job.NowUnixMs()
	}
	stored := r.Clone()
	stored.CreatedAtUnixMs = created
	encoded, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (job_id, result_json, created_at_unix_ms) VALUES (?, ?, ?)`,
		r.JobID, string(encoded), created)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrResultExists
		}
		if isForeignKeyViolation(err) {
			return ErrJobNotFound
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM results WHERE job_id = ?`, jobID).Scan(&encoded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("read result: %w", err)
	}
	var r job.Result
	if err := json.Unmarshal([]byte(encoded), &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) DeleteJobs(ctx context.Context, jobIDs []string) (deleted, skipped []string, err error) {
	for _, id := range jobIDs {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE id = ? AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')`, id)
		if err != nil {
			return deleted, skipped, fmt.Errorf("delete job %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			deleted = append(deleted, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return deleted, skipped, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoffUnixMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		  AND ended_at_unix_ms > 0 AND ended_at_unix_ms < ?`, cutoffUnixMs)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	j := &job.Job{}
	var status, category string
	var progress sql.NullString
	err := row.Scan(&j.ID, &j.ScenarioID, &j.UserID, &status, &category,
		&j.Error, &j.Convergence, &progress,
		&j.CreatedAtUnixMs, &j.StartedAtUnixMs, &j.EndedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = job.Status(status)
	j.ErrorCategory = job.ErrorCategory(category)
	if progress.Valid {
		var snap job.Snapshot
		if err := json.Unmarshal([]byte(progress.String), &snap); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
		j.Progress = &snap
	}
	return j, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *job.Snapshot:
		if t == nil {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
