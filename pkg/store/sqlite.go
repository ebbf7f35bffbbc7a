package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arnavsurve/mendstep/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps versions and run records in one SQLite database.
// The version counter lives in the workflows row; incrementing it and
// inserting the version happen in one transaction.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedLocks
	now   func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %q: %w", dbPath, err)
	}
	// One writer at a time; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, locks: newKeyedLocks(), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		workflow_id TEXT PRIMARY KEY,
		latest INTEGER NOT NULL DEFAULT 0,
		invalidated INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS script_versions (
		workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id),
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		code TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workflow_id, version)
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		script_version_used INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		result TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveNew(ctx context.Context, workflowID, code, notes string) (types.ScriptVersion, error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	unlock, err := s.locks.lock(ctx, workflowID)
	if err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	// The first statement writes, so the transaction holds the write lock
	// before it reads the counter.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, latest, updated_at) VALUES (?, 0, ?)
		 ON CONFLICT(workflow_id) DO NOTHING`, workflowID, stamp); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, fmt.Errorf("ensure workflow row: %w", err))
	}

	var version int
	if err := tx.QueryRowContext(ctx,
		`UPDATE workflows SET latest = latest + 1, invalidated = 0, updated_at = ?
		 WHERE workflow_id = ? RETURNING latest`, stamp, workflowID).Scan(&version); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, fmt.Errorf("next version: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO script_versions (workflow_id, version, created_at, code, notes) VALUES (?, ?, ?, ?, ?)`,
		workflowID, version, stamp, code, notes); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, fmt.Errorf("insert version: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, fmt.Errorf("commit version: %w", err))
	}

	return types.ScriptVersion{
		WorkflowID: workflowID,
		Version:    version,
		CreatedAt:  now,
		Code:       code,
		Notes:      notes,
	}, nil
}

func (s *SQLiteStore) GetLatest(ctx context.Context, workflowID string) (types.ScriptVersion, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v.version, v.created_at, v.code, v.notes
		 FROM workflows w JOIN script_versions v
		   ON v.workflow_id = w.workflow_id AND v.version = w.latest
		 WHERE w.workflow_id = ? AND w.invalidated = 0`, workflowID)
	v, err := scanVersion(workflowID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ScriptVersion{}, false, nil
	}
	if err != nil {
		return types.ScriptVersion{}, false, fmt.Errorf("get latest for %q: %w", workflowID, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, workflowID string) ([]types.ScriptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, created_at, code, notes FROM script_versions
		 WHERE workflow_id = ? ORDER BY version ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list versions for %q: %w", workflowID, err)
	}
	defer rows.Close()

	var versions []types.ScriptVersion
	for rows.Next() {
		v, err := scanVersion(workflowID, rows)
		if err != nil {
			return nil, fmt.Errorf("list versions for %q: %w", workflowID, err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, workflowID string, version int) (types.ScriptVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, created_at, code, notes FROM script_versions
		 WHERE workflow_id = ? AND version = ?`, workflowID, version)
	v, err := scanVersion(workflowID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ScriptVersion{}, fmt.Errorf("workflow %q version %d: %w", workflowID, version, ErrNotFound)
	}
	if err != nil {
		return types.ScriptVersion{}, fmt.Errorf("get %q version %d: %w", workflowID, version, err)
	}
	return v, nil
}

func (s *SQLiteStore) Invalidate(ctx context.Context, workflowID string) error {
	unlock, err := s.locks.lock(ctx, workflowID)
	if err != nil {
		return writeErr(workflowID, err)
	}
	defer unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET invalidated = 1, updated_at = ? WHERE workflow_id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), workflowID); err != nil {
		return writeErr(workflowID, fmt.Errorf("invalidate: %w", err))
	}
	return nil
}

// RecordRun stores a redacted run result, replacing an earlier record with the same id.
func (s *SQLiteStore) RecordRun(ctx context.Context, result types.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", result.RunID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_id, status, script_version_used, started_at, finished_at, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status,
		   script_version_used = excluded.script_version_used,
		   finished_at = excluded.finished_at, result = excluded.result`,
		result.RunID, result.WorkflowID, string(result.Status), result.ScriptVersionUsed,
		result.StartedAt.UTC().Format(time.RFC3339Nano), result.FinishedAt.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("recording run %s: %w", result.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (types.RunResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RunResult{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return types.RunResult{}, fmt.Errorf("reading run %s: %w", runID, err)
	}
	var result types.RunResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return types.RunResult{}, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(workflowID string, row scanner) (types.ScriptVersion, error) {
	var (
		v       types.ScriptVersion
		created string
	)
	if err := row.Scan(&v.Version, &created, &v.Code, &v.Notes); err != nil {
		return types.ScriptVersion{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return types.ScriptVersion{}, fmt.Errorf("parsing created_at %q: %w", created, err)
	}
	v.WorkflowID = workflowID
	v.CreatedAt = t
	return v, nil
}
